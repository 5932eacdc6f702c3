package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	errs "github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/pkg/timestamp"
)

// Token verification failures. All of them match errs.ErrAuth.
var (
	ErrMissingToken = fmt.Errorf("%w: missing token", errs.ErrAuth)
	ErrBadToken     = fmt.Errorf("%w: token mismatch", errs.ErrAuth)
	ErrStaleToken   = fmt.Errorf("%w: token outside freshness window", errs.ErrAuth)
	ErrNotInput     = fmt.Errorf("%w: only input and heartbeat messages carry tokens", errs.ErrAuth)
)

// ComputeToken returns hex(HMAC-SHA256(key, canonical || timestamp)) where
// timestamp is the UTC RFC 3339 nanosecond form used on the wire.
func ComputeToken(key, canonical []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	mac.Write([]byte(timestamp.Format(ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenAuthenticator verifies per-message tokens on the unreliable transport.
type TokenAuthenticator struct {
	key    []byte
	params *message.AuthParams
	window time.Duration
}

// NewTokenAuthenticator creates a verifier for cred. A plaintext credential
// keys tokens with the secret's bytes; a hashed credential keys them with the
// stored derived key and advertises its parameters.
func NewTokenAuthenticator(cred Credential) *TokenAuthenticator {
	a := &TokenAuthenticator{window: message.TokenFreshness}
	if rec, ok := cred.Record(); ok {
		a.key = append([]byte(nil), rec.Key...)
		a.params = &message.AuthParams{Salt: message.HexBytes(rec.Salt), Iterations: rec.Iterations}
	} else if secret, ok := cred.Secret(); ok {
		a.key = []byte(secret)
	}
	return a
}

// WithWindow overrides the freshness window.
func (a *TokenAuthenticator) WithWindow(d time.Duration) *TokenAuthenticator {
	a.window = d
	return a
}

// Params returns the parameters handed out in AuthParams. ok is false for
// plaintext credentials, which never answer AuthParamsRequest.
func (a *TokenAuthenticator) Params() (message.AuthParams, bool) {
	if a.params == nil {
		return message.AuthParams{}, false
	}
	return *a.params, true
}

// Verify checks the token embedded in an input or heartbeat message against
// the message's own timestamp and rejects it when that timestamp is more than
// the window away from now in either direction.
func (a *TokenAuthenticator) Verify(m message.Message, now time.Time) error {
	token, ok := message.Token(m.Payload)
	if !ok {
		return errs.WrapInvalid(ErrNotInput, "TokenAuthenticator", "Verify", "payload check")
	}
	if token == "" {
		return errs.WrapInvalid(ErrMissingToken, "TokenAuthenticator", "Verify", "token check")
	}

	if !timestamp.Within(m.Timestamp, now, a.window) {
		return errs.WrapInvalid(ErrStaleToken, "TokenAuthenticator", "Verify", "freshness check")
	}

	got, err := hex.DecodeString(token)
	if err != nil {
		return errs.WrapInvalid(ErrBadToken, "TokenAuthenticator", "Verify", "token decode")
	}
	canonical, err := message.Canonical(m)
	if err != nil {
		return errs.WrapInvalid(err, "TokenAuthenticator", "Verify", "canonical encode")
	}
	want, _ := hex.DecodeString(ComputeToken(a.key, canonical, m.Timestamp))
	if !hmac.Equal(got, want) {
		return errs.WrapInvalid(ErrBadToken, "TokenAuthenticator", "Verify", "token compare")
	}
	return nil
}

// ClientKey returns the token key a client should use. params is the server's
// AuthParams reply, or nil when none arrived.
func ClientKey(cred Credential, params *message.AuthParams) ([]byte, error) {
	if params != nil {
		return cred.KeyFor(params.Salt, params.Iterations)
	}
	if rec, ok := cred.Record(); ok {
		return append([]byte(nil), rec.Key...), nil
	}
	if secret, ok := cred.Secret(); ok {
		return []byte(secret), nil
	}
	return nil, errs.WrapFatal(errs.ErrMissingConfig, "auth", "ClientKey", "credential check")
}

// Sign fills in the token of an input or heartbeat message. Input payloads
// are normalized first.
func Sign(m message.Message, key []byte) (message.Message, error) {
	switch p := m.Payload.(type) {
	case message.Input:
		p.Normalize()
		m.Payload = p
	case message.Heartbeat:
	default:
		return m, errs.WrapInvalid(ErrNotInput, "auth", "Sign", "payload check")
	}
	m.Payload = message.WithToken(m.Payload, "")

	canonical, err := message.Canonical(m)
	if err != nil {
		return m, errs.WrapInvalid(err, "auth", "Sign", "canonical encode")
	}
	m.Payload = message.WithToken(m.Payload, ComputeToken(key, canonical, m.Timestamp))
	return m, nil
}
