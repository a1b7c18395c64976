// Package identity drops a per-child process into the authenticated
// user's uid, with the experiment (esaf) account's gid and home directory
// when the esaf number is above the threshold, by re-executing the current binary with a
// credentialed SysProcAttr: os.Executable() plus a role flag, the same
// wrapper-re-exec shape used to drop into a namespaced, credentialed
// child elsewhere in this codebase — this package applies the same
// os/exec + syscall.SysProcAttr.Credential mechanism without the
// namespace machinery, since the privilege model here is plain uid/gid
// dropping, not container isolation.
package identity

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// Target describes the identity a child process should assume.
type Target struct {
	Uid int
	Gid int
	Dir string // working directory to chdir into before exec
}

// Resolve looks up the target uid/gid/home for an authenticated user: the
// calling user's own account supplies the uid, and, when esaf > 40000, a
// second lookup of the "e{esaf}" station account supplies the gid and
// home directory instead of the user's own. username is the isAuth
// blob's uid field — despite the name, it carries the account's login
// name, not a numeric id.
func Resolve(username string, esaf int) (Target, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return Target{}, fmt.Errorf("identity: lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Target{}, fmt.Errorf("identity: parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Target{}, fmt.Errorf("identity: parse gid %q: %w", u.Gid, err)
	}
	home := u.HomeDir

	if esaf > 40000 {
		esafUser, err := user.Lookup(EsafAccountName(esaf))
		if err != nil {
			return Target{}, fmt.Errorf("identity: lookup esaf user %q: %w", EsafAccountName(esaf), err)
		}
		gid, err = strconv.Atoi(esafUser.Gid)
		if err != nil {
			return Target{}, fmt.Errorf("identity: parse esaf gid %q: %w", esafUser.Gid, err)
		}
		home = esafUser.HomeDir
	}

	return Target{Uid: uid, Gid: gid, Dir: home}, nil
}

// EsafAccountName builds the conventional beamline account name for an
// ESAF number.
func EsafAccountName(esaf int) string {
	return fmt.Sprintf("e%d", esaf)
}

// ReExecArgs builds the argv/env/SysProcAttr needed to re-launch the
// current binary as a supervisor child running under Target's identity,
// passing through extraArgs (e.g. "-role=child", "-pid=...", "-esaf=...").
func ReExecArgs(t Target, extraArgs []string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("identity: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, extraArgs...)
	cmd.Dir = t.Dir
	cmd.Env = append(os.Environ(), "HOME="+t.Dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: uint32(t.Uid),
			Gid: uint32(t.Gid),
		},
	}
	return cmd, nil
}
