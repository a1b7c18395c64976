// Package supervisor is the per-child process loop: a worker goroutine pool pulling requests off an in-process
// dealer channel, each request dispatched through internal/dispatch (or
// handed to internal/orchestrator for the long-running index/transfer
// kinds), replies written back to the router via internal/transport.
// A single cancellable context drives shutdown: closing it stops the
// receive loop, which drains the work channel and lets each worker and
// the result writer exit in turn.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ls-cat/imgsrv/internal/apperrors"
	"github.com/ls-cat/imgsrv/internal/dispatch"
	"github.com/ls-cat/imgsrv/internal/kv"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/orchestrator"
	"github.com/ls-cat/imgsrv/internal/transport"
)

// Job is one unit of work handed from the dealer's receive loop to the
// worker pool: the decoded fingerprint plus the envelope frames needed to
// address the reply back to the router.
type Job struct {
	Fingerprint model.Fingerprint
	Envelope transport.Message // preserved verbatim and echoed back ahead of the reply frames
}

// Result pairs a Job's envelope with its computed reply (or error).
type Result struct {
	Envelope transport.Message
	Reply dispatch.Reply
	Err error
}

// Supervisor owns one worker pool and the dispatch table/orchestrator
// dependencies it routes jobs to.
type Supervisor struct {
	log *slog.Logger
	table *dispatch.Table
	dealer *transport.Dealer
	local *kv.Local
	remote *kv.Remote
	rsyncPath string
	workers int

	work chan Job
	results chan Result
}

// Options configures a Supervisor.
type Options struct {
	Workers int
	RsyncPath string
}

// New builds a Supervisor around an already-dialed Dealer connection and
// dispatch table.
func New(log *slog.Logger, table *dispatch.Table, dealer *transport.Dealer, local *kv.Local, remote *kv.Remote, opt Options) *Supervisor {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log: log.With("role", "child"),
		table: table,
		dealer: dealer,
		local: local,
		remote: remote,
		rsyncPath: opt.RsyncPath,
		workers: opt.Workers,
		work: make(chan Job, opt.Workers*4),
		results: make(chan Result, opt.Workers*4),
	}
}

// Run drives the supervisor until SIGTERM/SIGINT/SIGHUP arrives or the
// parent ctx is canceled: it starts the worker pool, reads inbound
// messages from the dealer, parses them into Jobs, and writes Results
// back out. It returns once every worker has drained and the dealer's
// receive loop has exited.
func (s *Supervisor) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// A single bare handshake frame lets the router's per-child Router learn
	// this connection's identity before any real job has been forwarded to
	// it.
	if err := s.dealer.Send(transport.Message{[]byte("ready")}); err != nil {
		return fmt.Errorf("supervisor: handshake: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go s.worker(ctx, i, &wg)
	}

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeResults(ctx)
	}()

	err := s.receiveLoop(ctx)

	close(s.work)
	wg.Wait()
	close(s.results)
	writerWG.Wait()

	return err
}

func (s *Supervisor) receiveLoop(ctx context.Context) error {
	for {
		msg, err := s.dealer.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("dealer recv failed", "err", err)
			return err
		}
		job, err := parseJob(msg)
		if err != nil {
			s.log.Warn("dropping malformed job", "err", err)
			continue
		}
		select {
		case s.work <- job:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) worker(ctx context.Context, n int, wg *sync.WaitGroup) {
	defer wg.Done()
	log := s.log.With("worker", n)
	for job := range s.work {
		res := s.handle(ctx, job)
		select {
		case s.results <- res:
		case <-ctx.Done():
			return
		}
		if res.Err != nil {
			log.Warn("job failed", "op", job.Fingerprint.Op, "err", res.Err)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, job Job) Result {
	fp := job.Fingerprint
	switch fp.Op {
	case model.KindIndex:
		res, err := orchestrator.RunIndexer(ctx, "/usr/local/bin/indexer", fp.Path, orchestrator.Callbacks{})
		if err != nil {
			return Result{Envelope: job.Envelope, Err: wrapOrchestratorErr(err)}
		}
		if res.ExitErr != nil {
			return Result{Envelope: job.Envelope, Err: wrapOrchestratorErr(res.ExitErr)}
		}
		// res.Raw is the payload frame, or "{}" when it is empty. RunIndexer
		// fills Raw only through Callbacks.OnJSONResult, which
		// orchestrator.Run never invokes, so the payload is "{}". No
		// progress is published for index jobs.
		payload := res.Raw
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		reply := dispatch.FourPartReply(dispatch.EchoRequest(fp), []byte("{}"), payload)
		return Result{Envelope: job.Envelope, Reply: reply}
	case model.KindTransfer:
		err := orchestrator.RunTransfer(ctx, s.local, s.remote, fp.Path, fp.Path2, s.rsyncPath)
		if err != nil {
			return Result{Envelope: job.Envelope, Err: wrapOrchestratorErr(err)}
		}
		// Transfer progress is published over the remote pub/sub channel
		// while RunTransfer runs; RunTransfer returns once rsync exits, and
		// the reply is then a fixed {"started":true} document.
		reply := dispatch.FourPartReply(dispatch.EchoRequest(fp), []byte("{}"), []byte(`{"started":true}`))
		return Result{Envelope: job.Envelope, Reply: reply}
	default:
		reply, err := s.table.Dispatch(ctx, fp)
		return Result{Envelope: job.Envelope, Reply: reply, Err: err}
	}
}

func wrapOrchestratorErr(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.New(apperrors.KindSubprocessRun, "orchestrator", err)
}

// parseJob splits a raw dealer message into its envelope (every frame but
// the last, echoed back verbatim ahead of the reply) and its trailing
// JSON-encoded model.Fingerprint payload.
func parseJob(msg transport.Message) (Job, error) {
	if len(msg) == 0 {
		return Job{}, fmt.Errorf("supervisor: empty message")
	}
	payload := msg[len(msg)-1]
	var fp model.Fingerprint
	if err := json.Unmarshal(payload, &fp); err != nil {
		return Job{}, fmt.Errorf("supervisor: decode fingerprint: %w", err)
	}
	fp.Normalize()
	envelope := make(transport.Message, len(msg)-1)
	copy(envelope, msg[:len(msg)-1])
	return Job{Fingerprint: fp, Envelope: envelope}, nil
}

// writeResults drains completed Results and writes each back to the
// router: the saved envelope frames, then either the dispatch table's
// success reply parts or, on failure, a single formatted-error-string
// frame.
func (s *Supervisor) writeResults(ctx context.Context) {
	for res := range s.results {
		msg := make(transport.Message, 0, len(res.Envelope)+len(res.Reply.Parts)+1)
		msg = append(msg, res.Envelope...)
		if res.Err != nil {
			msg = append(msg, []byte(res.Err.Error()))
		} else {
			msg = append(msg, res.Reply.Parts...)
		}
		if err := s.dealer.Send(msg); err != nil {
			s.log.Warn("failed to write reply", "err", err)
		}
	}
}
