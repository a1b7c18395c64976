// Package registry tracks the child supervisor process for each
// (session, experiment) pair the router has spawned in a map keyed by
// that pair, plus golang-set/v2 for a concurrent-safe set of in-flight
// spawns.
package registry

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ls-cat/imgsrv/internal/kv"
)

// State is a process entry's lifecycle state.
type State string

const (
	StateAbsent State = "absent"
	StateSpawning State = "spawning"
	StateRunning State = "running"
	StateDefunct State = "defunct"
)

// Key identifies one child process by the (session, experiment) pair it
// serves.
type Key struct {
	SessionID string
	ExperimentID string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.SessionID, k.ExperimentID) }

// Process is one registry entry.
type Process struct {
	Key Key
	State State
	Pid int
	Identity string // transport.Envelope.Identity of this child's dealer connection
}

// Registry is the root process's live view of its child supervisors.
type Registry struct {
	mu sync.Mutex
	procs map[Key]*Process

	spawning mapset.Set[Key]

	remote *kv.Remote
}

// New creates an empty registry backed by remote for existence checks
// used by the rebuild policy.
func New(remote *kv.Remote) *Registry {
	return &Registry{
		procs: make(map[Key]*Process),
		spawning: mapset.NewSet[Key](),
		remote: remote,
	}
}

// Lookup returns the current entry for key, or (nil, false) if absent.
func (r *Registry) Lookup(key Key) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[key]
	return p, ok
}

// BeginSpawn marks key as spawning, returning false if a spawn is already
// in flight for this key, deduping concurrent requests that race to
// create the same child.
func (r *Registry) BeginSpawn(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawning.Contains(key) {
		return false
	}
	if p, ok := r.procs[key]; ok && p.State == StateRunning {
		return false
	}
	r.spawning.Add(key)
	r.procs[key] = &Process{Key: key, State: StateSpawning}
	return true
}

// CompleteSpawn transitions key from spawning to running once the child's
// dealer connection is established.
func (r *Registry) CompleteSpawn(key Key, pid int, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawning.Remove(key)
	r.procs[key] = &Process{Key: key, State: StateRunning, Pid: pid, Identity: identity}
}

// FailSpawn transitions key back to absent after a failed spawn attempt,
// so a subsequent request retries rather than wedging on "spawning"
// forever.
func (r *Registry) FailSpawn(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawning.Remove(key)
	delete(r.procs, key)
}

// MarkDefunct records that key's child has exited, keeping the entry around (rather than deleting it) so a
// stray late message can still be attributed to a known, if dead, child.
func (r *Registry) MarkDefunct(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.procs[key]; ok {
		p.State = StateDefunct
	}
}

// ByIdentity finds the registry entry for a given transport identity, used
// when the router needs to map an inbound Envelope back to its
// (session,experiment) key.
func (r *Registry) ByIdentity(identity string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.procs {
		if p.Identity == identity {
			return p, true
		}
	}
	return nil, false
}

// ShouldRebuild implements the rebuild policy: a defunct or absent
// entry is rebuilt (respawned) only if the remote store still attests the
// (session,experiment) pair is live — e.g. a beamline control system
// session record hasn't been torn down. Running or spawning entries never
// need a rebuild decision.
func (r *Registry) ShouldRebuild(ctx context.Context, key Key) (bool, error) {
	r.mu.Lock()
	p, ok := r.procs[key]
	r.mu.Unlock()
	if ok && (p.State == StateRunning || p.State == StateSpawning) {
		return false, nil
	}
	return r.remote.Exists(ctx, "session:"+key.SessionID)
}

// Snapshot returns every tracked process, for diagnostics.
func (r *Registry) Snapshot() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, *p)
	}
	return out
}
