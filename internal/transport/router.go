package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Envelope is an inbound message tagged with the identity of the dealer
// connection it arrived on, mirroring ZeroMQ ROUTER semantics: the
// identity frame is synthesized by this package (one per accepted
// connection), not supplied by the peer.
type Envelope struct {
	Identity string
	Message Message
}

// Router listens on a Unix domain socket and accepts any number of Dealer
// connections, each assigned an identity on accept.
type Router struct {
	socketPath string
	ln net.Listener
	log *slog.Logger

	mu sync.Mutex
	conns map[string]*trackedConn

	inbound chan Envelope
}

type trackedConn struct {
	identity string
	conn net.Conn
	w *sync.Mutex // serializes concurrent WriteMessage calls
}

// NewRouter binds socketPath, removing any stale socket file first so a
// crashed prior instance's leftover socket doesn't block the new listener.
func NewRouter(socketPath string, log *slog.Logger) (*Router, error) {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("transport: listen unix %s: %w", socketPath, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		socketPath: socketPath,
		ln: ln,
		log: log,
		conns: make(map[string]*trackedConn),
		inbound: make(chan Envelope, 256),
	}, nil
}

// Inbound returns the channel every accepted connection's messages are
// delivered on, each tagged with its originating identity.
func (r *Router) Inbound() <-chan Envelope { return r.inbound }

// Serve accepts connections until ctx is canceled or the listener errors.
func (r *Router) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.ln.Close()
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.closeAll()
				os.Remove(r.socketPath)
				close(r.inbound)
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		identity := uuid.NewString()
		tc := &trackedConn{identity: identity, conn: conn, w: &sync.Mutex{}}
		r.mu.Lock()
		r.conns[identity] = tc
		r.mu.Unlock()
		go r.readLoop(tc)
	}
}

func (r *Router) readLoop(tc *trackedConn) {
	defer func() {
		r.mu.Lock()
		delete(r.conns, tc.identity)
		r.mu.Unlock()
		tc.conn.Close()
	}()

	br := bufio.NewReader(tc.conn)
	for {
		msg, err := ReadMessage(br)
		if err != nil {
			if !isClosedConnErr(err) {
				r.log.Warn("transport: dealer connection error", "identity", tc.identity, "err", err)
			}
			return
		}
		r.inbound <- Envelope{Identity: tc.identity, Message: msg}
	}
}

// Send routes msg to the dealer connection identified by identity, the
// half of a Router<->Dealer exchange that answers a prior Inbound message.
// It returns an error if that identity is no longer connected.
func (r *Router) Send(identity string, msg Message) error {
	r.mu.Lock()
	tc, ok := r.conns[identity]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown identity %q (peer likely disconnected)", identity)
	}
	tc.w.Lock()
	defer tc.w.Unlock()
	return WriteMessage(tc.conn, msg)
}

func (r *Router) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tc := range r.conns {
		tc.conn.Close()
		delete(r.conns, id)
	}
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
