package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newTestRemote(t *testing.T) *Remote {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRemote(mr.Addr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	mr := miniredis.RunT(t)
	l, err := NewLocal(mr.Addr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRemoteGetAuthMissingReturnsError(t *testing.T) {
	r := newTestRemote(t)
	if _, err := r.GetAuth(context.Background(), "sess-4242"); err == nil {
		t.Fatal("expected error for missing isAuth entry")
	}
}

func TestRemoteExistsAndPublish(t *testing.T) {
	r := newTestRemote(t)
	ctx := context.Background()

	ok, err := r.Exists(ctx, "some-key")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to not exist yet")
	}

	if err := r.Publish(ctx, "progress", map[string]any{"pct": 50}); err != nil {
		t.Fatalf("publish should succeed even with no subscribers: %v", err)
	}
}

func TestLocalSaveListDeleteJob(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	j := Job{ID: "job-1", Pid: 123, Source: "/data/a", Destination: "/data/b", StartedAt: 1000}
	if err := l.SaveJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	jobs, err := l.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	if err := l.DeleteJob(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	jobs, err = l.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job deleted, got %+v", jobs)
	}
}

func TestLocalLastPidDefaultsToZero(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	pid, err := l.LastPid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 0 {
		t.Fatalf("expected 0 default, got %d", pid)
	}

	if err := l.SavePid(ctx, 9999); err != nil {
		t.Fatal(err)
	}
	pid, err = l.LastPid(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 9999 {
		t.Fatalf("expected 9999, got %d", pid)
	}
}
