package router

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ls-cat/imgsrv/internal/auth"
	"github.com/ls-cat/imgsrv/internal/kv"
	"github.com/ls-cat/imgsrv/internal/model"
	"github.com/ls-cat/imgsrv/internal/registry"
	"github.com/ls-cat/imgsrv/internal/transport"
)

func newTestVerifier(t *testing.T) (*auth.Verifier, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	v, err := auth.NewVerifier(base64.StdEncoding.EncodeToString(der))
	if err != nil {
		t.Fatal(err)
	}
	return v, priv
}

func signBlob(t *testing.T, priv *ecdsa.PrivateKey, pid string, allowed []int) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Pid:          pid,
		Uid:          "bsmith",
		Role:         "user",
		AllowedESAFs: allowed,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newTestRemote(t *testing.T) (*kv.Remote, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := kv.NewRemote(mr.Addr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestAuthenticateFullVerificationThenGrantsFastPath(t *testing.T) {
	remote, mr := newTestRemote(t)
	verifier, priv := newTestVerifier(t)
	root := New(nil, Config{}, nil, nil, verifier, remote, nil)
	ctx := context.Background()

	blob := signBlob(t, priv, "sess-1", []int{7})
	mustSetAuth(t, mr, "sess-1", blob)
	mustMarkSessionLive(t, mr, "sess-1")

	if err := root.authenticate(ctx, "sess-1", 7); err != nil {
		t.Fatalf("expected full verification to succeed, got %v", err)
	}
	if !verifier.Granted("sess-1", 7) {
		t.Fatal("expected authenticate to grant the fast path after full verification")
	}

	// Second call should take the fast, existence-only path and still
	// succeed without needing the isAuth blob again.
	if err := root.authenticate(ctx, "sess-1", 7); err != nil {
		t.Fatalf("expected fast path to succeed, got %v", err)
	}
}

func TestAuthenticateRejectsEsafNotInAllowedList(t *testing.T) {
	remote, mr := newTestRemote(t)
	verifier, priv := newTestVerifier(t)
	root := New(nil, Config{}, nil, nil, verifier, remote, nil)
	ctx := context.Background()

	blob := signBlob(t, priv, "sess-2", []int{7})
	mustSetAuth(t, mr, "sess-2", blob)

	if err := root.authenticate(ctx, "sess-2", 9); err == nil {
		t.Fatal("expected esaf 9 to be rejected, not in allowedESAFs")
	}
}

func TestAuthenticateFastPathRevokesWhenSessionGone(t *testing.T) {
	remote, _ := newTestRemote(t)
	verifier, _ := newTestVerifier(t)
	root := New(nil, Config{}, nil, nil, verifier, remote, nil)
	ctx := context.Background()

	verifier.Grant("sess-3", 0)
	if err := root.authenticate(ctx, "sess-3", 0); err == nil {
		t.Fatal("expected error when the granted pid's session no longer exists")
	}
	if verifier.Granted("sess-3", 0) {
		t.Fatal("expected a dead session to be revoked from the fast-path cache")
	}
}

// mustSetAuth seeds the isAuth blob redis key directly on the miniredis
// instance backing a test's kv.Remote, standing in for the login system
// that writes it in production.
func mustSetAuth(t *testing.T, mr *miniredis.Miniredis, pid, blob string) {
	t.Helper()
	if err := mr.Set("isAuth:"+pid, blob); err != nil {
		t.Fatal(err)
	}
}

func mustMarkSessionLive(t *testing.T, mr *miniredis.Miniredis, pid string) {
	t.Helper()
	if err := mr.Set("session:"+pid, "1"); err != nil {
		t.Fatal(err)
	}
}

// waitForSocket polls until path exists or t fails.
func waitForSocket(t *testing.T, path string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for socket %s", path)
}

// TestRunForwardsClientRequestToRunningChildAndRoutesReply drives the full
// client -> root -> child -> root -> client round trip without spawning a
// real subprocess: the registry is seeded directly with a "running" child
// whose router a test dealer stands in for, the same way a re-exec'd
// supervisor would dial in.
func TestRunForwardsClientRequestToRunningChildAndRoutesReply(t *testing.T) {
	dir := t.TempDir()
	frontSock := filepath.Join(dir, "front.sock")
	childSock := filepath.Join(dir, "child.sock")

	front, err := transport.NewRouter(frontSock, nil)
	if err != nil {
		t.Fatal(err)
	}
	childRouter, err := transport.NewRouter(childSock, nil)
	if err != nil {
		t.Fatal(err)
	}

	remote, mr := newTestRemote(t)
	verifier, priv := newTestVerifier(t)
	reg := registry.New(remote)

	root := New(nil, Config{}, front, reg, verifier, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	childServeErr := make(chan error, 1)
	go func() { childServeErr <- childRouter.Serve(ctx) }()
	waitForSocket(t, childSock)

	childDealer, err := transport.DialDealer(childSock)
	if err != nil {
		t.Fatal(err)
	}
	defer childDealer.Close()

	// Learn the identity the router assigned the child's connection,
	// mirroring the "ready" handshake internal/supervisor sends.
	if err := childDealer.Send(transport.Message{[]byte("ready")}); err != nil {
		t.Fatal(err)
	}
	var childIdentity string
	select {
	case env := <-childRouter.Inbound():
		childIdentity = env.Identity
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for child handshake")
	}

	key := registry.Key{SessionID: "sess-42", ExperimentID: strconv.Itoa(7)}
	if !reg.BeginSpawn(key) {
		t.Fatal("expected BeginSpawn to succeed for a fresh key")
	}
	reg.CompleteSpawn(key, 1234, childIdentity)
	root.mu.Lock()
	root.childRouters[key] = childRouter
	root.mu.Unlock()
	go root.fanInChild(key, childRouter)

	blob := signBlob(t, priv, "sess-42", []int{7})
	mustSetAuth(t, mr, "sess-42", blob)
	mustMarkSessionLive(t, mr, "sess-42")

	runErr := make(chan error, 1)
	go func() { runErr <- root.Run(ctx) }()
	waitForSocket(t, frontSock)

	client, err := transport.DialDealer(frontSock)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	fp := model.Fingerprint{Op: model.KindJPEG, Path: "frame.tiff", Frame: 1, SessionID: "sess-42", ESAF: 7}
	payload, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(transport.Message{payload}); err != nil {
		t.Fatal(err)
	}

	// The supervisor stand-in receives the forwarded request, tagged with
	// the correlation id Root minted, and answers with a fake 4-part
	// dispatch reply.
	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	fwd, err := childDealer.Recv(recvCtx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fwd) != 2 {
		t.Fatalf("expected corrID + payload forwarded to the child, got %d frames", len(fwd))
	}
	corrID := fwd[0]

	if err := childDealer.Send(transport.Message{corrID, []byte(""), payload, []byte("{}"), []byte("jpegbytes")}); err != nil {
		t.Fatal(err)
	}

	reply, err := client.Recv(recvCtx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != 4 {
		t.Fatalf("expected the client to see the bare 4-part reply with the correlation id stripped, got %d frames: %+v", len(reply), reply)
	}
	if len(reply[0]) != 0 {
		t.Fatalf("expected empty error frame, got %q", reply[0])
	}
	if string(reply[3]) != "jpegbytes" {
		t.Fatalf("expected payload frame to reach the client unchanged, got %q", reply[3])
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("root.Run did not return after context cancellation")
	}
	select {
	case <-childServeErr:
	case <-time.After(2 * time.Second):
		t.Fatal("child router did not stop after context cancellation")
	}
}

func TestHandleClientMessageRejectsMissingPid(t *testing.T) {
	dir := t.TempDir()
	frontSock := filepath.Join(dir, "front.sock")
	front, err := transport.NewRouter(frontSock, nil)
	if err != nil {
		t.Fatal(err)
	}
	remote, _ := newTestRemote(t)
	verifier, _ := newTestVerifier(t)
	root := New(nil, Config{}, front, registry.New(remote), verifier, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go front.Serve(ctx)
	waitForSocket(t, frontSock)

	client, err := transport.DialDealer(frontSock)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	go func() {
		for env := range front.Inbound() {
			root.handleClientMessage(ctx, env)
		}
	}()

	fp := model.Fingerprint{Op: model.KindJPEG, Path: "frame.tiff"}
	payload, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(transport.Message{payload}); err != nil {
		t.Fatal(err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	reply, err := client.Recv(recvCtx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != 1 || len(reply[0]) == 0 {
		t.Fatalf("expected a one-part error reply for a request missing pid, got %+v", reply)
	}
}
