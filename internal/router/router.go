// Package router is the image server's root process: it terminates every
// client connection on one fixed-address transport.Router, authenticates
// the (pid, esaf) pair each request claims, looks up or spawns the
// matching per-session child supervisor, and forwards the request into
// that child's own transport.Router, relaying the reply back to the
// original client.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ls-cat/imgsrv/internal/apperrors"
	"github.com/ls-cat/imgsrv/internal/auth"
	"github.com/ls-cat/imgsrv/internal/identity"
	"github.com/ls-cat/imgsrv/internal/kv"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/registry"
	"github.com/ls-cat/imgsrv/internal/transport"
)

// spawnTimeout bounds how long Root waits for a freshly re-exec'd child to
// dial back in (or for a concurrent spawn of the same key to finish)
// before treating the attempt as failed.
const spawnTimeout = 10 * time.Second

// Config holds Root's fixed addresses and subprocess settings.
type Config struct {
	ClientSocketPath string // the fixed address every client dials, a Unix domain socket
	ChildSocketDir   string // directory holding one socket per spawned child, standing in for an ipc://@{pid}-{esaf} abstract namespace
	RsyncPath        string
}

// Root is the root process: one client-facing router, a process registry,
// and the bookkeeping needed to authenticate, spawn, and forward.
type Root struct {
	log      *slog.Logger
	cfg      Config
	front    *transport.Router
	reg      *registry.Registry
	verifier *auth.Verifier
	remote   *kv.Remote
	local    *kv.Local

	events chan rootEvent

	mu           sync.Mutex
	pending      map[string]pendingReply
	childRouters map[registry.Key]*transport.Router
	usernames    map[string]string // authenticated pid -> isAuth.uid login name, needed by spawnChild
}

type pendingReply struct {
	clientIdentity string
	envelope       transport.Message
}

// rootEvent is the fan-in type merging the client-facing router's inbound
// messages with every spawned child router's inbound messages onto one
// channel — the substitute for rebuilding a poll() fd set each time a
// child is added or removed: each child router gets its own forwarding
// goroutine instead, and Run's single select loop only ever watches one
// channel.
type rootEvent struct {
	fromChild bool
	key       registry.Key
	env       transport.Envelope
}

// New builds a Root around an already-bound client-facing Router.
func New(log *slog.Logger, cfg Config, front *transport.Router, reg *registry.Registry, verifier *auth.Verifier, remote *kv.Remote, local *kv.Local) *Root {
	if log == nil {
		log = slog.Default()
	}
	return &Root{
		log:          log.With("role", "root"),
		cfg:          cfg,
		front:        front,
		reg:          reg,
		verifier:     verifier,
		remote:       remote,
		local:        local,
		events:       make(chan rootEvent, 256),
		pending:      make(map[string]pendingReply),
		childRouters: make(map[registry.Key]*transport.Router),
		usernames:    make(map[string]string),
	}
}

// Run drives the root process until SIGTERM/SIGINT/SIGHUP arrives or the
// parent ctx is canceled: it serves the client-facing router, fans every
// inbound client message and every spawned child's replies into one event
// loop, and returns once the client-facing router has shut down.
func (r *Root) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.front.Serve(ctx) }()
	go func() {
		for env := range r.front.Inbound() {
			r.events <- rootEvent{env: env}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return <-serveErr
		case ev := <-r.events:
			if ev.fromChild {
				r.handleChildReply(ev.key, ev.env)
			} else {
				go r.handleClientMessage(ctx, ev.env)
			}
		}
	}
}

// handleClientMessage captures the envelope frames ahead of the JSON
// payload, peeks pid/esaf out of it, authenticates, finds or spawns the
// matching child, and forwards.
func (r *Root) handleClientMessage(ctx context.Context, env transport.Envelope) {
	msg := env.Message
	if len(msg) == 0 {
		r.log.Warn("dropping empty client message", "identity", env.Identity)
		return
	}
	payload := msg[len(msg)-1]
	envelope := msg[:len(msg)-1]

	var peek model.Fingerprint
	if err := json.Unmarshal(payload, &peek); err != nil {
		r.replyError(env.Identity, envelope, apperrors.New(apperrors.KindBadRequest, "router.handleClientMessage", fmt.Errorf("decode request: %w", err)))
		return
	}
	if peek.SessionID == "" {
		r.replyError(env.Identity, envelope, apperrors.New(apperrors.KindBadRequest, "router.handleClientMessage", fmt.Errorf("missing pid")))
		return
	}

	key := registry.Key{SessionID: peek.SessionID, ExperimentID: strconv.Itoa(peek.ESAF)}

	if err := r.authenticate(ctx, peek.SessionID, peek.ESAF); err != nil {
		r.replyError(env.Identity, envelope, err)
		return
	}

	childRouter, childIdentity, err := r.ensureChild(ctx, key, peek.SessionID, peek.ESAF)
	if err != nil {
		r.replyError(env.Identity, envelope, err)
		return
	}

	corrID := uuid.NewString()
	r.mu.Lock()
	r.pending[corrID] = pendingReply{clientIdentity: env.Identity, envelope: envelope}
	r.mu.Unlock()

	fwd := transport.Message{[]byte(corrID), payload}
	if err := childRouter.Send(childIdentity, fwd); err != nil {
		r.mu.Lock()
		delete(r.pending, corrID)
		r.mu.Unlock()
		r.reg.MarkDefunct(key)
		r.replyError(env.Identity, envelope, apperrors.New(apperrors.KindTransport, "router.forward", err))
	}
}

// authenticate applies the two-tier check: a full isAuth blob fetch and
// signature/membership verification on first encounter of (pid, esaf),
// and a cheap existence-only revalidation on every later one.
func (r *Root) authenticate(ctx context.Context, pid string, esaf int) error {
	if r.verifier.Granted(pid, esaf) {
		ok, err := r.remote.Exists(ctx, "session:"+pid)
		if err != nil {
			return apperrors.New(apperrors.KindTransport, "router.authenticate", err)
		}
		if !ok {
			r.verifier.Revoke(pid, esaf)
			return apperrors.New(apperrors.KindUnauthorized, "router.authenticate", fmt.Errorf("session %s no longer exists", pid))
		}
		return nil
	}

	blob, err := r.remote.GetAuth(ctx, pid)
	if err != nil {
		return apperrors.New(apperrors.KindUnauthorized, "router.authenticate", err)
	}
	claims, err := r.verifier.Verify(blob)
	if err != nil {
		return err
	}
	if !claims.Authorized(pid, esaf) {
		return apperrors.New(apperrors.KindUnauthorized, "router.authenticate",
			fmt.Errorf("pid=%s esaf=%d not in isAuth.allowedESAFs", pid, esaf))
	}

	r.mu.Lock()
	r.usernames[pid] = claims.Uid
	r.mu.Unlock()
	r.verifier.Grant(pid, esaf)
	return nil
}

// ensureChild returns the router+identity for key's child, spawning one if
// none is running and the registry's rebuild policy allows it.
func (r *Root) ensureChild(ctx context.Context, key registry.Key, pid string, esaf int) (*transport.Router, string, error) {
	if p, ok := r.reg.Lookup(key); ok {
		switch p.State {
		case registry.StateRunning:
			return r.childRouterFor(key), p.Identity, nil
		case registry.StateSpawning:
			return r.waitForSpawn(ctx, key)
		default:
			rebuild, err := r.reg.ShouldRebuild(ctx, key)
			if err != nil {
				return nil, "", apperrors.New(apperrors.KindTransport, "router.ensureChild", err)
			}
			if !rebuild {
				return nil, "", apperrors.New(apperrors.KindNotFound, "router.ensureChild", fmt.Errorf("session %s is no longer live", pid))
			}
		}
	}

	if !r.reg.BeginSpawn(key) {
		return r.waitForSpawn(ctx, key)
	}
	cr, childIdentity, err := r.spawnChild(ctx, key, pid, esaf)
	if err != nil {
		r.reg.FailSpawn(key)
		return nil, "", err
	}
	return cr, childIdentity, nil
}

// waitForSpawn polls the registry for a concurrent spawn of key (begun by
// another goroutine's BeginSpawn) to complete, deduping concurrent
// requests that race to create the same child.
func (r *Root) waitForSpawn(ctx context.Context, key registry.Key) (*transport.Router, string, error) {
	deadline := time.Now().Add(spawnTimeout)
	for time.Now().Before(deadline) {
		if p, ok := r.reg.Lookup(key); ok && p.State == registry.StateRunning {
			return r.childRouterFor(key), p.Identity, nil
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.waitForSpawn", fmt.Errorf("timed out waiting for concurrent spawn of %s", key))
}

// spawnChild resolves the target uid/gid/home, binds a fresh per-child
// router standing in for an ipc://@{pid}-{esaf} abstract endpoint,
// re-execs the current binary under that identity, and waits for the
// child's dealer connection to announce itself before recording it as
// running.
func (r *Root) spawnChild(ctx context.Context, key registry.Key, pid string, esaf int) (*transport.Router, string, error) {
	r.mu.Lock()
	username := r.usernames[pid]
	r.mu.Unlock()

	target, err := identity.Resolve(username, esaf)
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", err)
	}

	socketPath := filepath.Join(r.cfg.ChildSocketDir, fmt.Sprintf("%s.sock", sanitizeSocketName(key.String())))
	childRouter, err := transport.NewRouter(socketPath, r.log)
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", err)
	}
	go childRouter.Serve(ctx)

	cmd, err := identity.ReExecArgs(target, []string{
		"-role=child",
		"-socket=" + socketPath,
		"-pid=" + pid,
		"-esaf=" + strconv.Itoa(esaf),
	})
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", err)
	}
	go func() { _ = cmd.Wait() }()

	handshakeCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()
	var childIdentity string
	select {
	case env, ok := <-childRouter.Inbound():
		if !ok {
			return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", fmt.Errorf("child router closed before handshake"))
		}
		childIdentity = env.Identity
	case <-handshakeCtx.Done():
		_ = cmd.Process.Kill()
		return nil, "", apperrors.New(apperrors.KindSubprocessLaunch, "router.spawnChild", fmt.Errorf("timed out waiting for child %s to connect", key))
	}

	go r.fanInChild(key, childRouter)

	r.mu.Lock()
	r.childRouters[key] = childRouter
	r.mu.Unlock()
	r.reg.CompleteSpawn(key, cmd.Process.Pid, childIdentity)

	return childRouter, childIdentity, nil
}

// fanInChild forwards every message a spawned child sends back into Root's
// single event loop, tagged with the (session,experiment) key it belongs
// to.
func (r *Root) fanInChild(key registry.Key, cr *transport.Router) {
	for env := range cr.Inbound() {
		r.events <- rootEvent{fromChild: true, key: key, env: env}
	}
	r.reg.MarkDefunct(key)
}

// handleChildReply forwards a child's reply back to the client that
// originated it, verbatim, using the correlation id the child echoed back
// as its first frame to recover the saved envelope and client identity.
func (r *Root) handleChildReply(key registry.Key, env transport.Envelope) {
	msg := env.Message
	if len(msg) == 0 {
		return
	}
	corrID := string(msg[0])
	rest := msg[1:]

	r.mu.Lock()
	pr, ok := r.pending[corrID]
	if ok {
		delete(r.pending, corrID)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Warn("dropping reply for unknown correlation id", "corr_id", corrID, "key", key)
		return
	}

	out := make(transport.Message, 0, len(pr.envelope)+len(rest))
	out = append(out, pr.envelope...)
	out = append(out, rest...)
	if err := r.front.Send(pr.clientIdentity, out); err != nil {
		r.log.Warn("failed to deliver reply to client", "identity", pr.clientIdentity, "err", err)
	}
}

// replyError sends a one-part formatted-error-string reply back to
// identity, the saved envelope frames prefixed. A ZeroMQ-style design
// would route this through a dedicated REP/DEALER pair to answer
// synchronously without upsetting a REP socket's strict send-then-receive
// state machine; Root's Send is a plain method call on the same
// client-facing Router, so no second socket pair is needed here.
func (r *Root) replyError(clientIdentity string, envelope transport.Message, err error) {
	msg := make(transport.Message, 0, len(envelope)+1)
	msg = append(msg, envelope...)
	msg = append(msg, []byte(err.Error()))
	if sendErr := r.front.Send(clientIdentity, msg); sendErr != nil {
		r.log.Warn("failed to deliver error reply", "identity", clientIdentity, "err", sendErr)
	}
}

func (r *Root) childRouterFor(key registry.Key) *transport.Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.childRouters[key]
}

func sanitizeSocketName(s string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}
