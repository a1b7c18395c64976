package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ls-cat/imgsrv/internal/kv"
)

// IndexerResult is the parsed outcome of an indexer subprocess run. Raw
// holds the bytes passed to Callbacks.OnJSONResult; Run never invokes that
// callback, so after RunIndexer returns Raw is nil.
type IndexerResult struct {
	Raw []byte
	ExitErr error
}

// RunIndexer implements indexer-specific temp-dir/symlink/
// wrapper-script behavior: it stages a scratch directory containing a
// symlink to the target image directory (so the indexer's relative-path
// assumptions hold regardless of the caller's cwd), writes a small wrapper
// script invoking the real indexer binary with that staged layout, and
// runs it through Run.
func RunIndexer(ctx context.Context, indexerPath, imageDir string, cb Callbacks) (*IndexerResult, error) {
	tmpDir, err := os.MkdirTemp("", "isrouter-index-*")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: mkdir scratch: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	linkPath := filepath.Join(tmpDir, "images")
	if err := os.Symlink(imageDir, linkPath); err != nil {
		return nil, fmt.Errorf("orchestrator: symlink images dir: %w", err)
	}

	wrapperPath := filepath.Join(tmpDir, "run-indexer.sh")
	wrapper := "#!/bin/sh\ncd \"" + tmpDir + "\" && exec \"" + indexerPath + "\" images\n"
	if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: write wrapper script: %w", err)
	}

	var raw []byte
	origJSON := cb.OnJSONResult
	cb.OnJSONResult = func(b []byte) {
		raw = b
		if origJSON != nil {
			origJSON(b)
		}
	}

	runErr := Run(ctx, "/bin/sh", []string{wrapperPath}, cb)
	return &IndexerResult{Raw: raw, ExitErr: runErr}, nil
}

// RunTransfer implements the transfer recipe: runs rsync, republishing
// progress lines to kv.Remote's pub/sub channel, and records
// the job in kv.Local's RSYNCS hash before starting so RecoverTransfers
// can re-launch jobs still on record. The record is cleared on
// completion, successful or not.
func RunTransfer(ctx context.Context, local *kv.Local, remote *kv.Remote, source, destination, rsyncPath string) error {
	job := kv.Job{ID: uuid.NewString(), Source: source, Destination: destination, StartedAt: time.Now().Unix()}
	return runTransferJob(ctx, local, remote, job, rsyncPath, true)
}

// runTransferJob is the shared implementation behind RunTransfer and
// RecoverTransfers; saveFirst is false for recovery, since the job record
// already exists from the prior run.
func runTransferJob(ctx context.Context, local *kv.Local, remote *kv.Remote, job kv.Job, rsyncPath string, saveFirst bool) error {
	if saveFirst {
		if err := local.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("orchestrator: record transfer job: %w", err)
		}
	}

	cb := Callbacks{
		OnProgress: func(p Progress) {
			remote.Publish(ctx, "transfer:"+job.ID, p)
		},
	}

	err := Run(ctx, rsyncPath, []string{"--progress", "-a", job.Source, job.Destination}, cb)

	if delErr := local.DeleteJob(ctx, job.ID); delErr != nil && err == nil {
		err = fmt.Errorf("orchestrator: clear completed job record: %w", delErr)
	}
	return err
}

// RecoverTransfers reads every job still recorded in kv.Local's RSYNCS
// hash and re-launches a transfer for each under its original job id, in
// its own goroutine, returning the ids it started. No startup path in
// cmd/isrouter or internal/supervisor calls it.
func RecoverTransfers(ctx context.Context, local *kv.Local, remote *kv.Remote, rsyncPath string) ([]string, error) {
	jobs, err := local.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list recovery jobs: %w", err)
	}
	var recovered []string
	for _, j := range jobs {
		go func(j kv.Job) {
			runTransferJob(ctx, local, remote, j, rsyncPath, false)
		}(j)
		recovered = append(recovered, j.ID)
	}
	return recovered, nil
}
