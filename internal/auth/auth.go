// Package auth verifies the signed isAuth blob a client presents alongside
// a (pid, esaf) pair, and checks that pairing against the blob's own
// allowedESAFs list. The pinned verification key is an ECDSA P-256 public
// key, and the signed blob is carried as a compact ES256 JWT whose claims
// mirror isAuth's fields.
package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ls-cat/imgsrv/internal/apperrors"
)

// Claims mirrors the isAuth blob's fields: the session this token speaks
// for, the account to assume, and the set of experiment ids it may act on.
// Pid is the opaque session id string the login system minted, not an OS
// process id. Uid, despite its name, is the account's login name rather
// than a numeric id.
type Claims struct {
	jwt.RegisteredClaims
	Pid string `json:"pid"`
	Uid string `json:"uid"`
	Role string `json:"role"`
	AllowedESAFs []int `json:"allowedESAFs"`
}

// Authorized checks a verified blob against a request's (pid, esaf) pair:
// `isAuth.pid == pid` and `esaf ∈ allowedESAFs` (or `esaf == 0` as a
// wildcard good for any session whose blob verified).
func (c *Claims) Authorized(pid string, esaf int) bool {
	if c.Pid != pid {
		return false
	}
	if esaf == 0 {
		return true
	}
	for _, a := range c.AllowedESAFs {
		if a == esaf {
			return true
		}
	}
	return false
}

// Verifier holds the pinned public key used to check isAuth blob
// signatures, plus a cache of (pid,esaf) pairs that have already passed a
// full verification, so later requests for the same pairing can take a
// fast path that only revalidates that the session still exists.
type Verifier struct {
	pub *ecdsa.PublicKey

	mu sync.RWMutex
	seen map[seenKey]bool
	wildcards map[string]bool // pid -> esaf==0 seen for this pid
}

type seenKey struct {
	pid string
	esaf int
}

// NewVerifier parses a PEM or base64-DER-encoded ECDSA P-256 public key
// and returns a Verifier with an empty seen-cache.
func NewVerifier(pinnedKey string) (*Verifier, error) {
	pub, err := parsePublicKey(pinnedKey)
	if err != nil {
		return nil, fmt.Errorf("auth: parse pinned key: %w", err)
	}
	return &Verifier{
		pub: pub,
		seen: make(map[seenKey]bool),
		wildcards: make(map[string]bool),
	}, nil
}

func parsePublicKey(data string) (*ecdsa.PublicKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("pinned key is not ECDSA P-256")
		}
		return ecPub, nil
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 pinned key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pinned key is not ECDSA P-256")
	}
	return ecPub, nil
}

// normalizeBlob handles the raw isAuth blob's newline ambiguity: callers
// may present either literal newlines or
// backslash-escaped "\n" sequences inside the JWT's surrounding JSON
// envelope, depending on how many times the blob was re-serialized upstream.
// Both are collapsed to nothing before the token is handed to the JWT
// parser, since a PEM-free compact JWT never legitimately contains a
// newline itself.
func normalizeBlob(raw string) string {
	s := strings.ReplaceAll(raw, `\n`, "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// Verify checks the signed isAuth blob's signature and expiration and
// returns its claims. It does not itself check the requested esaf against
// AllowedESAFs — the JWT here plays the role of both "isAuth" and
// "isAuthSig" at once (a compact JWT already carries its own signature),
// so by the time Verify returns a non-nil Claims the blob's authenticity
// is established; the caller checks Claims.Authorized against the esaf the
// current request names.
func (v *Verifier) Verify(rawBlob string) (*Claims, error) {
	tokenString := normalizeBlob(rawBlob)
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.pub, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.New(apperrors.KindUnauthorized, "auth.Verify", err)
	}
	return claims, nil
}

// Grant records that (pid, esaf) has passed a full verification, making it
// eligible for the cheap existence-only revalidation path on its next
// request. esaf==0 grants the wildcard for that pid.
func (v *Verifier) Grant(pid string, esaf int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if esaf == 0 {
		v.wildcards[pid] = true
		return
	}
	v.seen[seenKey{pid: pid, esaf: esaf}] = true
}

// Revoke removes a previously granted (pid, esaf) pair, used when the
// router finds the pair's session key gone, so a later request from the
// same pair is forced back through full verification.
func (v *Verifier) Revoke(pid string, esaf int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if esaf == 0 {
		delete(v.wildcards, pid)
		return
	}
	delete(v.seen, seenKey{pid: pid, esaf: esaf})
}

// Granted reports whether (pid, esaf) has already passed full verification
// — used to pick the "first encounter" vs. "subsequent encounter" path
// during authentication.
func (v *Verifier) Granted(pid string, esaf int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.wildcards[pid] {
		return true
	}
	return v.seen[seenKey{pid: pid, esaf: esaf}]
}
