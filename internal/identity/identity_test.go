package identity

import (
	"os"
	"os/user"
	"testing"
)

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user in this environment: %v", err)
	}
	return u.Username
}

func TestResolveUsesCallingUsersOwnAccountForHouseEsaf(t *testing.T) {
	name := currentUsername(t)
	target, err := Resolve(name, 0)
	if err != nil {
		t.Fatal(err)
	}
	if target.Uid != os.Getuid() || target.Gid != os.Getgid() {
		t.Fatalf("expected own uid/gid for esaf=0, got %+v", target)
	}
}

func TestResolveUsesOwnGidBelowEsafThreshold(t *testing.T) {
	name := currentUsername(t)
	target, err := Resolve(name, 40000)
	if err != nil {
		t.Fatal(err)
	}
	if target.Uid != os.Getuid() || target.Gid != os.Getgid() {
		t.Fatalf("expected own uid/gid for esaf<=40000, got %+v", target)
	}
}

func TestResolveRejectsUnknownUser(t *testing.T) {
	if _, err := Resolve("definitely-not-a-real-user-xyz", 0); err == nil {
		t.Fatal("expected error for unresolvable user account")
	}
}

func TestResolveRejectsUnknownEsafAccountAboveThreshold(t *testing.T) {
	name := currentUsername(t)
	if _, err := Resolve(name, 50000); err == nil {
		t.Fatal("expected error when the e50000 station account does not exist")
	}
}

func TestEsafAccountNameFormatsConventionalName(t *testing.T) {
	if got := EsafAccountName(40123); got != "e40123" {
		t.Fatalf("expected e40123, got %q", got)
	}
}

func TestReExecArgsSetsCredentialAndDir(t *testing.T) {
	target := Target{Uid: os.Getuid(), Gid: os.Getgid(), Dir: os.TempDir()}
	cmd, err := ReExecArgs(target, []string{"-role=child"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Credential == nil {
		t.Fatal("expected Credential to be set")
	}
	if cmd.SysProcAttr.Credential.Uid != uint32(target.Uid) {
		t.Fatalf("expected uid %d, got %d", target.Uid, cmd.SysProcAttr.Credential.Uid)
	}
	if cmd.Dir != target.Dir {
		t.Fatalf("expected dir %q, got %q", target.Dir, cmd.Dir)
	}
}
