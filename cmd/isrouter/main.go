// Command isrouter is the image server's single binary: launched with
// -role=root it is the fixed-address process every client connects to;
// launched with -role=child (re-exec'd by the root process under a
// dropped-privilege identity, internal/identity.ReExecArgs) it is one
// session's supervisor. A flag-configured long-running server wired up
// in main and driven to completion by signal.NotifyContext.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/ls-cat/imgsrv/internal/auth"
	"github.com/ls-cat/imgsrv/internal/cache"
	"github.com/ls-cat/imgsrv/internal/decode"
	"github.com/ls-cat/imgsrv/internal/dispatch"
	"github.com/ls-cat/imgsrv/internal/kv"
	"github.com/ls-cat/imgsrv/internal/registry"
	"github.com/ls-cat/imgsrv/internal/router"
	"github.com/ls-cat/imgsrv/internal/supervisor"
	"github.com/ls-cat/imgsrv/internal/transport"
)

func main() {
	role := flag.String("role", "root", "process role: root or child")
	clientSocket := flag.String("client-socket", "/run/imgsrv/root.sock", "fixed client-facing socket (root role)")
	childSocketDir := flag.String("child-socket-dir", "/run/imgsrv/children", "directory holding per-child sockets (root role)")
	childSocket := flag.String("socket", "", "per-child socket this process dials into (child role)")
	pid := flag.String("pid", "", "authenticated session id this child serves (child role)")
	esaf := flag.Int("esaf", 0, "experiment id this child serves (child role)")
	localAddr := flag.String("local-redis", "127.0.0.1:6379", "local (per-beamline-host) redis address")
	remoteAddr := flag.String("remote-redis", "127.0.0.1:6380", "remote (central) redis address")
	pinnedKey := flag.String("auth-key", "", "pinned ECDSA P-256 public key verifying isAuth blobs (PEM or base64 DER)")
	rsyncPath := flag.String("rsync-path", "/usr/bin/rsync", "rsync binary used by transfer jobs")
	workers := flag.Int("workers", 4, "worker pool size (child role)")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var err error
	switch *role {
	case "root":
		err = runRoot(log, rootConfig{
			clientSocket:   *clientSocket,
			childSocketDir: *childSocketDir,
			localAddr:      *localAddr,
			remoteAddr:     *remoteAddr,
			pinnedKey:      *pinnedKey,
			rsyncPath:      *rsyncPath,
		})
	case "child":
		err = runChild(log, childConfig{
			socket:     *childSocket,
			pid:        *pid,
			esaf:       *esaf,
			localAddr:  *localAddr,
			remoteAddr: *remoteAddr,
			rsyncPath:  *rsyncPath,
			workers:    *workers,
		})
	default:
		err = fmt.Errorf("unknown -role %q (want root or child)", *role)
	}
	if err != nil {
		log.Error("isrouter exited with error", "role", *role, "err", err)
		os.Exit(1)
	}
}

type rootConfig struct {
	clientSocket   string
	childSocketDir string
	localAddr      string
	remoteAddr     string
	pinnedKey      string
	rsyncPath      string
}

func runRoot(log *slog.Logger, cfg rootConfig) error {
	if err := os.MkdirAll(cfg.childSocketDir, 0o755); err != nil {
		return fmt.Errorf("isrouter: create child socket dir: %w", err)
	}

	remote, err := kv.NewRemote(cfg.remoteAddr, 0)
	if err != nil {
		return fmt.Errorf("isrouter: connect remote redis: %w", err)
	}
	defer remote.Close()

	local, err := kv.NewLocal(cfg.localAddr, 0)
	if err != nil {
		return fmt.Errorf("isrouter: connect local redis: %w", err)
	}
	defer local.Close()

	if err := reapPreviousRoot(log, local); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.pinnedKey)
	if err != nil {
		return fmt.Errorf("isrouter: build auth verifier: %w", err)
	}

	front, err := transport.NewRouter(cfg.clientSocket, log)
	if err != nil {
		return fmt.Errorf("isrouter: bind client socket: %w", err)
	}

	reg := registry.New(remote)

	root := router.New(log, router.Config{
		ClientSocketPath: cfg.clientSocket,
		ChildSocketDir:   cfg.childSocketDir,
		RsyncPath:        cfg.rsyncPath,
	}, front, reg, verifier, remote, local)

	log.Info("isrouter root listening", "socket", cfg.clientSocket)
	return root.Run(context.Background())
}

// reapPreviousRoot implements the root process's persisted-state startup
// step: the pid recorded by the last run is looked up in local redis
// (standing in for the fixed-path pid file), that process's entire group is
// killed outright on the assumption a prior root crashed or was left
// running, and this process's own pid is recorded in its place before
// anything else starts.
func reapPreviousRoot(log *slog.Logger, local *kv.Local) error {
	ctx := context.Background()
	prevPid, err := local.LastPid(ctx)
	if err != nil {
		return fmt.Errorf("isrouter: read last pid: %w", err)
	}
	if prevPid > 0 && prevPid != os.Getpid() {
		if err := syscall.Kill(-prevPid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			log.Warn("isrouter: kill previous root process group", "pid", prevPid, "err", err)
		} else {
			log.Info("isrouter: killed previous root process group", "pid", prevPid)
		}
	}
	if err := local.SavePid(ctx, os.Getpid()); err != nil {
		return fmt.Errorf("isrouter: save pid: %w", err)
	}
	return nil
}

type childConfig struct {
	socket     string
	pid        string
	esaf       int
	localAddr  string
	remoteAddr string
	rsyncPath  string
	workers    int
}

func runChild(log *slog.Logger, cfg childConfig) error {
	if cfg.socket == "" {
		return fmt.Errorf("isrouter: -socket is required for -role=child")
	}
	if cfg.pid == "" {
		return fmt.Errorf("isrouter: -pid is required for -role=child")
	}

	remote, err := kv.NewRemote(cfg.remoteAddr, 0)
	if err != nil {
		return fmt.Errorf("isrouter: connect remote redis: %w", err)
	}
	defer remote.Close()

	local, err := kv.NewLocal(cfg.localAddr, 0)
	if err != nil {
		return fmt.Errorf("isrouter: connect local redis: %w", err)
	}
	defer local.Close()

	dealer, err := transport.DialDealer(cfg.socket)
	if err != nil {
		return fmt.Errorf("isrouter: dial root socket %s: %w", cfg.socket, err)
	}
	defer dealer.Close()

	// gid scopes the cache context to the experiment's own files; the
	// root process's privilege drop already set this process's real gid
	// before the re-exec, to the experiment station account's group when
	// esaf > 40000 and the calling user's own group otherwise
	// (internal/identity.Resolve), so os.Getgid reflects the right scope
	// directly.
	worker := cache.NewContext(os.Getgid(), 64, decode.NewRegistry())
	table := dispatch.NewTable(worker)

	sup := supervisor.New(log, table, dealer, local, remote, supervisor.Options{
		Workers:   cfg.workers,
		RsyncPath: cfg.rsyncPath,
	})

	log.Info("isrouter child serving", "pid", cfg.pid, "esaf", cfg.esaf, "socket", cfg.socket)
	return sup.Run(context.Background())
}

