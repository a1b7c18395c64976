package store

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFinishTransferJob(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	job := &TransferJob{ID: "job-1", Pid: 1001, Source: "/data/a", Destination: "remote:/data/a", StartedAt: now}
	if err := s.CreateTransferJob(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.FinishTransferJob("job-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	jobs, err := s.ListRecentTransferJobs(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Status != "done" || jobs[0].FinishedAt == nil {
		t.Fatalf("unexpected job state: %+v", jobs[0])
	}
}

func TestFailTransferJobRecordsError(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	job := &TransferJob{ID: "job-2", Pid: 1002, Source: "/data/b", Destination: "remote:/data/b", StartedAt: now}
	if err := s.CreateTransferJob(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.FailTransferJob("job-2", errors.New("rsync exited 23")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	jobs, err := s.ListRecentTransferJobs(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "failed" || jobs[0].Error == nil || *jobs[0].Error != "rsync exited 23" {
		t.Fatalf("unexpected job state: %+v", jobs[0])
	}
}

func TestListRecentTransferJobsOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"older", "newer"} {
		job := &TransferJob{ID: id, Pid: 1, Source: "/x", Destination: "/y", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateTransferJob(job); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	jobs, err := s.ListRecentTransferJobs(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "newer" || jobs[1].ID != "older" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}
