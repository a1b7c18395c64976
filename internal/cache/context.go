// Package cache implements the per-worker-process image buffer cache:
// at-most-one-decode-per-key, reader/writer concurrency per entry, and
// periodic compaction, backed by an owned slice of nodes plus a hash
// index instead of a linked list of raw pointers — "handles" here are
// just *Entry pointers into the slice, since Go's GC makes a
// stable-index scheme unnecessary.
package cache

import (
	"fmt"
	"sync"

	"github.com/ls-cat/imgsrv/internal/decode"
)

// Context is one per child process.
type Context struct {
	mu sync.Mutex // protects entries/index and every entry's in_use field

	gid int

	entries []*Entry
	index map[string]*Entry

	maxBuffers int

	Decoders *decode.Registry
}

// NewContext creates a worker context for the given effective group id.
func NewContext(gid, initialMaxBuffers int, decoders *decode.Registry) *Context {
	if initialMaxBuffers < 4 {
		initialMaxBuffers = 4
	}
	return &Context{
		gid: gid,
		index: make(map[string]*Entry),
		maxBuffers: initialMaxBuffers,
		Decoders: decoders,
	}
}

// GID returns the effective group id this context's cache keys are scoped
// to.
func (c *Context) GID() int { return c.gid }

// GetOrCreate implements get_or_create(key) -> entry.
//
// If key is already present, its in_use is incremented and a reader lock
// is returned (created=false). If absent, a new entry is inserted holding
// a writer lock with in_use=1 (created=true); the caller must populate the
// entry then call Downgrade, and must eventually call Release.
func (c *Context) GetOrCreate(key string) (e *Entry, created bool) {
	c.mu.Lock()
	if existing, ok := c.index[key]; ok {
		existing.inUse++
		c.mu.Unlock()
		existing.RLock()
		return existing, false
	}

	e = &Entry{key: key}
	e.Lock()
	e.inUse = 1
	c.entries = append(c.entries, e)
	c.index[key] = e
	c.maybeCompactLocked()
	c.mu.Unlock()
	return e, true
}

// Release implements release(entry): releases the reader lock,
// then decrements in_use under the context mutex.
func (c *Context) Release(e *Entry) {
	e.RUnlock()
	c.mu.Lock()
	e.inUse--
	c.mu.Unlock()
}

// abandon removes a freshly created, never-populated entry after a decode
// failure: it is unlocked (writer) and evicted immediately rather than left
// in an ambiguous empty-but-reader-lockable state, so that "at most one
// writer-locked entry per key" and "a subsequent identical request
// re-attempts the decode" both hold without a lock-upgrade race (see
// DESIGN.md for the reasoning — literal wording describes the
// reduced-entry failure path only, and is silent on how a waiting reader
// would safely retry a populate that a writer already failed).
func (c *Context) abandon(e *Entry) {
	c.mu.Lock()
	e.inUse--
	if c.index[e.key] == e {
		delete(c.index, e.key)
	}
	for i, ent := range c.entries {
		if ent == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	e.Unlock()
}

// DestroyContext implements destroy_context(): called only
// after all worker threads have joined, unconditionally frees every entry.
func (c *Context) DestroyContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.Pixels = nil
		e.Mask = nil
		e.Metadata = nil
	}
	c.entries = nil
	c.index = make(map[string]*Entry)
}

// Stats reports the current buffer count and capacity, for diagnostics.
func (c *Context) Stats() (count, maxBuffers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.maxBuffers
}

// maybeCompactLocked implements compaction policy. Must be
// called with c.mu held.
func (c *Context) maybeCompactLocked() {
	if len(c.entries) < c.maxBuffers/2 {
		return
	}

	keepIdleBudget := c.maxBuffers / 4
	var kept []*Entry
	var idleKeptCount int

	// Split entries into busy and idle, both kept in insertion order.
	var idleOrder []*Entry
	var busy []*Entry
	for _, e := range c.entries {
		if e.inUse > 0 {
			busy = append(busy, e)
		} else {
			idleOrder = append(idleOrder, e)
		}
	}
	// Keep the most recently inserted idle entries: idleOrder is in
	// insertion order, so the tail is most recent.
	start := len(idleOrder) - keepIdleBudget
	if start < 0 {
		start = 0
	}
	keptIdle := idleOrder[start:]
	idleKeptCount = len(keptIdle)

	keptSet := make(map[*Entry]bool, len(busy)+idleKeptCount)
	for _, e := range busy {
		keptSet[e] = true
	}
	for _, e := range keptIdle {
		keptSet[e] = true
	}

	for _, e := range c.entries {
		if keptSet[e] {
			kept = append(kept, e)
		}
	}

	c.entries = kept
	c.index = make(map[string]*Entry, len(kept))
	for _, e := range kept {
		c.index[e.key] = e
	}

	if len(c.entries) >= c.maxBuffers/2 {
		c.maxBuffers *= 2
	}
}

// errUnsupported is returned by file-type dispatch when a path's format
// cannot be classified.
type errUnsupported struct{ path string }

func (e *errUnsupported) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.path)
}
