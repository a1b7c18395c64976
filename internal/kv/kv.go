// Package kv wraps the two redis-backed stores the image server depends
// on: a local instance holding restart-recovery and pid bookkeeping, and
// a remote instance holding the isAuth blob and pub/sub channels shared
// across the beamline's process tree, both built on
// github.com/redis/go-redis/v9's poll/cache idiom.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialTimeout = 5 * time.Second

// Remote is the cluster-wide redis instance carrying auth state and
// pub/sub progress republication.
type Remote struct {
	cli *redis.Client
}

// NewRemote dials addr and verifies connectivity with a single Ping.
func NewRemote(addr string, db int) (*Remote, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: remote ping %s: %w", addr, err)
	}
	return &Remote{cli: cli}, nil
}

// GetAuth returns the raw isAuth blob stored for pid, the opaque session id
// string the login system minted, as written by the
// authenticating front end.
func (r *Remote) GetAuth(ctx context.Context, pid string) (string, error) {
	key := fmt.Sprintf("isAuth:%s", pid)
	v, err := r.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("kv: no isAuth entry for pid %s", pid)
	}
	if err != nil {
		return "", fmt.Errorf("kv: GetAuth %s: %w", pid, err)
	}
	return v, nil
}

// Exists reports whether a key is present, used by the process registry to
// decide whether a (session,experiment) pair's external state still
// warrants a rebuild.
func (r *Remote) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.cli.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv: Exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Publish marshals v as JSON and publishes it on channel, used to
// republish parsed rsync progress updates.
func (r *Remote) Publish(ctx context.Context, channel string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal publish payload: %w", err)
	}
	if err := r.cli.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("kv: Publish %s: %w", channel, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Remote) Close() error { return r.cli.Close() }

// Local is the per-host redis instance holding restart-recovery job state
// and pid-file-equivalent bookkeeping.
type Local struct {
	cli *redis.Client
}

const rsyncsHashKey = "RSYNCS"

// NewLocal dials addr and verifies connectivity with a single Ping.
func NewLocal(addr string, db int) (*Local, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: local ping %s: %w", addr, err)
	}
	return &Local{cli: cli}, nil
}

// Job is one in-flight or recoverable transfer job, keyed by a transfer
// id in the RSYNCS hash.
type Job struct {
	ID string `json:"id"`
	Pid int `json:"pid"`
	Source string `json:"source"`
	Destination string `json:"destination"`
	StartedAt int64 `json:"started_at"`
}

// SaveJob upserts a job's recovery record.
func (l *Local) SaveJob(ctx context.Context, j Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("kv: marshal job %s: %w", j.ID, err)
	}
	if err := l.cli.HSet(ctx, rsyncsHashKey, j.ID, b).Err(); err != nil {
		return fmt.Errorf("kv: SaveJob %s: %w", j.ID, err)
	}
	return nil
}

// ListJobs returns every recorded job; orchestrator.RecoverTransfers
// replays them.
func (l *Local) ListJobs(ctx context.Context) ([]Job, error) {
	raw, err := l.cli.HGetAll(ctx, rsyncsHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: ListJobs: %w", err)
	}
	jobs := make([]Job, 0, len(raw))
	for id, v := range raw {
		var j Job
		if err := json.Unmarshal([]byte(v), &j); err != nil {
			continue // skip a corrupt entry rather than fail the whole recovery scan
		}
		if j.ID == "" {
			j.ID = id
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// DeleteJob removes a job's recovery record once it completes.
func (l *Local) DeleteJob(ctx context.Context, id string) error {
	if err := l.cli.HDel(ctx, rsyncsHashKey, id).Err(); err != nil {
		return fmt.Errorf("kv: DeleteJob %s: %w", id, err)
	}
	return nil
}

const lastPidKey = "isrouter:last_pid"

// LastPid returns the pid recorded by the previous run, standing in for
// the pid-file describes.
func (l *Local) LastPid(ctx context.Context) (int, error) {
	v, err := l.cli.Get(ctx, lastPidKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: LastPid: %w", err)
	}
	return v, nil
}

// SavePid records the current process's pid, overwriting any prior value.
func (l *Local) SavePid(ctx context.Context, pid int) error {
	if err := l.cli.Set(ctx, lastPidKey, pid, 0).Err(); err != nil {
		return fmt.Errorf("kv: SavePid: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Local) Close() error { return l.cli.Close() }
