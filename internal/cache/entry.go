package cache

import (
	"sync"

	"github.com/ls-cat/imgsrv/internal/model"
)

// Provenance records whether a buffer was freshly decoded or served from an
// external store.
type Provenance string

const (
	ProvenanceFreshDecode Provenance = "fresh_decode"
	ProvenanceExternal Provenance = "external_store"
)

// Entry is one image buffer cache entry. The key is immutable
// after insertion; inUse is protected by the owning Context's mutex, never
// by entry's own lock.
type Entry struct {
	key string

	mu sync.RWMutex // protects Pixels/Metadata/Mask/dims

	inUse int // protected by Context.mu, not mu

	Metadata *model.Metadata
	Pixels []byte
	Width int
	Height int
	Depth int // 2 or 4
	Mask []byte

	Provenance Provenance

	// DecodeState is opaque detector-specific decode state; left as `any` since
	// the cache itself never interprets it.
	DecodeState any
}

// Key returns the entry's immutable cache key.
func (e *Entry) Key() string { return e.key }

// ByteSize returns len(Pixels), which the cache invariant requires equal
// Width*Height*Depth once populated.
func (e *Entry) ByteSize() int { return len(e.Pixels) }

// Empty reports whether the entry has not yet been populated with pixel
// data.
func (e *Entry) Empty() bool { return e.Pixels == nil }

// RLock/RUnlock/Lock/Unlock expose the entry's reader/writer lock directly
// so callers can implement the create-populate-downgrade protocol without
// the cache package having to expose bespoke verbs for every lock
// transition.
func (e *Entry) RLock() { e.mu.RLock() }
func (e *Entry) RUnlock() { e.mu.RUnlock() }
func (e *Entry) Lock() { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Downgrade releases the writer lock and immediately reacquires a reader
// lock: the creating thread downgrades to a reader lock without ever
// releasing in_use. There is a brief window where neither
// lock is held; that is safe here because in_use was raised for this
// thread's claim under the context mutex and stays raised across the gap,
// so no other thread can conclude the entry is free to evict (eviction and
// compaction only ever drop in_use==0 entries).
func (e *Entry) Downgrade() {
	e.mu.Unlock()
	e.mu.RLock()
}
