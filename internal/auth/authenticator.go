package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Rejection reasons.
const (
	ReasonMissingCredential = "missing credential"
	ReasonUnknownDevice     = "unknown device"
	ReasonInactiveDevice    = "device inactive"
	ReasonMismatch          = "credential mismatch"
	ReasonStoreUnavailable  = "credential store unavailable"
)

type AuthResult struct {
	OK     bool
	Reason string
}

// Err is nil for an accepted device and wraps ErrAuthenticationFailed otherwise.
func (r AuthResult) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAuthenticationFailed, r.Reason)
}

// Authenticator decides whether a reading's claimed device may submit it.
type Authenticator struct {
	store Store
}

// invalidator is a caching Store that can drop a stale entry.
type invalidator interface {
	Invalidate(ctx context.Context, deviceID string) error
}

func NewAuthenticator(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate checks the presented credential: a device secret, or a
// client certificate fingerprint supplied by a TLS transport.
func (a *Authenticator) Authenticate(ctx context.Context, deviceID, credential string) AuthResult {
	if deviceID == "" || credential == "" {
		return AuthResult{Reason: ReasonMissingCredential}
	}

	res := a.check(ctx, deviceID, credential)
	if res.Reason != ReasonMismatch && res.Reason != ReasonInactiveDevice {
		return res
	}
	// a cached credential may predate a rotation or reactivation
	inv, ok := a.store.(invalidator)
	if !ok || inv.Invalidate(ctx, deviceID) != nil {
		return res
	}
	return a.check(ctx, deviceID, credential)
}

func (a *Authenticator) check(ctx context.Context, deviceID, credential string) AuthResult {
	cred, err := a.store.GetCredential(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return AuthResult{Reason: ReasonUnknownDevice}
	}
	if err != nil {
		return AuthResult{Reason: ReasonStoreUnavailable}
	}
	if !cred.Active {
		return AuthResult{Reason: ReasonInactiveDevice}
	}

	if cred.CertFingerprint != "" && equalConstantTime(normalizeFingerprint(credential), normalizeFingerprint(cred.CertFingerprint)) {
		return AuthResult{OK: true}
	}
	if cred.SecretHash != "" && verifySecret(cred.SecretHash, credential) {
		return AuthResult{OK: true}
	}
	return AuthResult{Reason: ReasonMismatch}
}

func verifySecret(hash, secret string) bool {
	if rest, ok := strings.CutPrefix(hash, "sha256:"); ok {
		sum := sha256.Sum256([]byte(secret))
		return equalConstantTime(hex.EncodeToString(sum[:]), strings.ToLower(rest))
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// SHA256Hash formats a secret for the sha256 credential scheme.
func SHA256Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(fp, "cert:"), ":", ""))
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
