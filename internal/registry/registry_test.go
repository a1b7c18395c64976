package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/ls-cat/imgsrv/internal/kv"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	remote, err := kv.NewRemote(mr.Addr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { remote.Close() })
	return New(remote)
}

func TestBeginSpawnDedupesConcurrentRequests(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}

	if !r.BeginSpawn(key) {
		t.Fatal("expected first BeginSpawn to succeed")
	}
	if r.BeginSpawn(key) {
		t.Fatal("expected second concurrent BeginSpawn to be rejected")
	}

	p, ok := r.Lookup(key)
	if !ok || p.State != StateSpawning {
		t.Fatalf("expected spawning state, got %+v", p)
	}
}

func TestCompleteSpawnTransitionsToRunning(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}
	r.BeginSpawn(key)
	r.CompleteSpawn(key, 4242, "identity-abc")

	p, ok := r.Lookup(key)
	if !ok || p.State != StateRunning || p.Pid != 4242 {
		t.Fatalf("unexpected process after complete: %+v", p)
	}
	if r.BeginSpawn(key) {
		t.Fatal("expected BeginSpawn to reject while already running")
	}
}

func TestFailSpawnAllowsRetry(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}
	r.BeginSpawn(key)
	r.FailSpawn(key)

	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected entry removed after failed spawn")
	}
	if !r.BeginSpawn(key) {
		t.Fatal("expected retry after failed spawn to succeed")
	}
}

func TestByIdentityFindsRunningProcess(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}
	r.BeginSpawn(key)
	r.CompleteSpawn(key, 1, "conn-xyz")

	p, ok := r.ByIdentity("conn-xyz")
	if !ok || p.Key != key {
		t.Fatalf("expected to find process by identity, got %+v", p)
	}
	if _, ok := r.ByIdentity("nonexistent"); ok {
		t.Fatal("expected no match for unknown identity")
	}
}

func TestShouldRebuildChecksRemoteExistenceForDefunct(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}
	r.BeginSpawn(key)
	r.CompleteSpawn(key, 1, "conn-1")
	r.MarkDefunct(key)

	ctx := context.Background()
	rebuild, err := r.ShouldRebuild(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if rebuild {
		t.Fatal("expected no rebuild when remote has no session record")
	}
}

func TestShouldRebuildSkipsLiveProcess(t *testing.T) {
	r := newTestRegistry(t)
	key := Key{SessionID: "s1", ExperimentID: "e1"}
	r.BeginSpawn(key)

	rebuild, err := r.ShouldRebuild(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if rebuild {
		t.Fatal("expected no rebuild decision needed while spawning")
	}
}
