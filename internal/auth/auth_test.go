package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestVerifier(t *testing.T) (*Verifier, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pinned := base64.StdEncoding.EncodeToString(der)
	v, err := NewVerifier(pinned)
	if err != nil {
		t.Fatal(err)
	}
	return v, priv
}

func signClaims(t *testing.T, priv *ecdsa.PrivateKey, pid string, allowed []int, expired bool) string {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	if expired {
		exp = time.Now().Add(-time.Hour)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Pid:          pid,
		Uid:          "bsmith",
		Role:         "user",
		AllowedESAFs: allowed,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestVerifyReturnsClaimsForValidSignature(t *testing.T) {
	v, priv := generateTestVerifier(t)
	blob := signClaims(t, priv, "sess-1001", []int{5}, false)
	claims, err := v.Verify(blob)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Pid != "sess-1001" || claims.Uid != "bsmith" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestClaimsAuthorizedChecksPidAndAllowedESAFs(t *testing.T) {
	claims := &Claims{Pid: "sess-1001", AllowedESAFs: []int{5, 9}}
	if !claims.Authorized("sess-1001", 5) {
		t.Fatal("expected esaf 5 to be authorized")
	}
	if claims.Authorized("sess-1001", 6) {
		t.Fatal("expected esaf 6 to be rejected")
	}
	if claims.Authorized("sess-9999", 5) {
		t.Fatal("expected mismatched pid to be rejected")
	}
}

func TestClaimsAuthorizedEsafZeroIsWildcard(t *testing.T) {
	claims := &Claims{Pid: "sess-1001", AllowedESAFs: nil}
	if !claims.Authorized("sess-1001", 0) {
		t.Fatal("expected esaf 0 to always be authorized for a matching pid")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, priv := generateTestVerifier(t)
	blob := signClaims(t, priv, "sess-1001", []int{5}, true)
	if _, err := v.Verify(blob); err == nil {
		t.Fatal("expected rejection for expired token")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	v, _ := generateTestVerifier(t)
	_, otherPriv := generateTestVerifier(t)
	blob := signClaims(t, otherPriv, "sess-1001", []int{5}, false)
	if _, err := v.Verify(blob); err == nil {
		t.Fatal("expected rejection for signature from an unpinned key")
	}
}

func TestNormalizeBlobStripsEscapedAndLiteralNewlines(t *testing.T) {
	in := "abc\\ndef\nghi"
	got := normalizeBlob(in)
	if strings.Contains(got, "\n") || strings.Contains(got, `\n`) {
		t.Fatalf("expected all newlines stripped, got %q", got)
	}
	if got != "abcdefghi" {
		t.Fatalf("unexpected normalization result: %q", got)
	}
}

func TestGrantedTracksFullVerificationCache(t *testing.T) {
	v, _ := generateTestVerifier(t)
	if v.Granted("sess-1001", 5) {
		t.Fatal("expected no grant before Grant is called")
	}
	v.Grant("sess-1001", 5)
	if !v.Granted("sess-1001", 5) {
		t.Fatal("expected grant to be recorded")
	}
	if v.Granted("sess-1001", 6) {
		t.Fatal("expected grant to be specific to the granted esaf")
	}
}

func TestGrantEsafZeroIsWildcardForPid(t *testing.T) {
	v, _ := generateTestVerifier(t)
	v.Grant("sess-1001", 0)
	if !v.Granted("sess-1001", 42) {
		t.Fatal("expected esaf-0 grant to cover any esaf for that pid")
	}
}

func TestRevokeRemovesGrant(t *testing.T) {
	v, _ := generateTestVerifier(t)
	v.Grant("sess-1001", 5)
	v.Revoke("sess-1001", 5)
	if v.Granted("sess-1001", 5) {
		t.Fatal("expected grant to be removed after Revoke")
	}
}
