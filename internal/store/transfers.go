package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TransferJob is a durable record of one rsync transfer, mirroring the
// redis-backed RSYNCS hash (internal/kv) into sqlite so completed and
// failed jobs remain queryable after their RSYNCS entry is deleted.
type TransferJob struct {
	ID          string
	Pid         int
	Source      string
	Destination string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
	Error       *string
}

func (s *Store) CreateTransferJob(j *TransferJob) error {
	_, err := s.db.Exec(
		`INSERT INTO transfer_jobs (id, pid, source, destination, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'running')`,
		j.ID, j.Pid, j.Source, j.Destination, j.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create transfer job: %w", err)
	}
	return nil
}

func (s *Store) FinishTransferJob(id string) error {
	_, err := s.db.Exec(
		`UPDATE transfer_jobs SET status = 'done', finished_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish transfer job %s: %w", id, err)
	}
	return nil
}

func (s *Store) FailTransferJob(id string, cause error) error {
	msg := cause.Error()
	_, err := s.db.Exec(
		`UPDATE transfer_jobs SET status = 'failed', finished_at = CURRENT_TIMESTAMP, error = ? WHERE id = ?`,
		msg, id,
	)
	if err != nil {
		return fmt.Errorf("fail transfer job %s: %w", id, err)
	}
	return nil
}

// ListRecentTransferJobs returns the most recent limit jobs across any
// status, newest first, for the directory-stats-style operational view
// an admin tool would run against this store.
func (s *Store) ListRecentTransferJobs(limit int) ([]*TransferJob, error) {
	rows, err := s.db.Query(
		`SELECT id, pid, source, destination, started_at, finished_at, status, error
		FROM transfer_jobs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent transfer jobs: %w", err)
	}
	defer rows.Close()

	var out []*TransferJob
	for rows.Next() {
		j := &TransferJob{}
		var finishedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&j.ID, &j.Pid, &j.Source, &j.Destination, &j.StartedAt, &finishedAt, &j.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("scan transfer job: %w", err)
		}
		if finishedAt.Valid {
			j.FinishedAt = &finishedAt.Time
		}
		if errMsg.Valid {
			j.Error = &errMsg.String
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
