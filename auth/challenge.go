package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	errs "github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
)

// ChallengeSize is the length of a TCP challenge in bytes.
const ChallengeSize = 32

// DefaultMaxOutstanding bounds challenges issued but not yet verified.
const DefaultMaxOutstanding = 1024

// ErrParamsMismatch means a hashed credential was asked for a key under
// different salt or iteration parameters than it was stored with.
var ErrParamsMismatch = fmt.Errorf("%w: key derivation parameters do not match stored hash", errs.ErrAuth)

// Challenge is one issued challenge and the parameters the client must derive
// its key with.
type Challenge struct {
	Value      []byte
	Salt       []byte
	Iterations uint
}

// Message returns the wire form of c.
func (c Challenge) Message() message.AuthChallenge {
	return message.AuthChallenge{
		Challenge:  message.HexBytes(c.Value),
		Salt:       message.HexBytes(c.Salt),
		Iterations: c.Iterations,
	}
}

// ChallengeAuthenticator issues single-use challenges and verifies responses
// for the reliable transport.
type ChallengeAuthenticator struct {
	cred           Credential
	iterations     uint
	maxOutstanding int

	mu          sync.Mutex
	outstanding map[string]Challenge
}

// NewChallengeAuthenticator creates an authenticator for cred. iterations is
// used for plaintext credentials only; zero selects DefaultIterations.
func NewChallengeAuthenticator(cred Credential, iterations uint) *ChallengeAuthenticator {
	if iterations == 0 {
		iterations = DefaultIterations
	}
	return &ChallengeAuthenticator{
		cred:           cred,
		iterations:     iterations,
		maxOutstanding: DefaultMaxOutstanding,
		outstanding:    make(map[string]Challenge),
	}
}

// Issue returns a fresh challenge. A hashed credential reuses its stored salt
// and iterations; a plaintext credential gets a new salt per challenge.
func (a *ChallengeAuthenticator) Issue() (Challenge, error) {
	value, err := randomBytes(ChallengeSize)
	if err != nil {
		return Challenge{}, errs.WrapFatal(err, "ChallengeAuthenticator", "Issue", "challenge generation")
	}

	ch := Challenge{Value: value, Iterations: a.iterations}
	if rec, ok := a.cred.Record(); ok {
		ch.Salt = append([]byte(nil), rec.Salt...)
		ch.Iterations = rec.Iterations
	} else {
		if ch.Salt, err = randomBytes(SaltSize); err != nil {
			return Challenge{}, errs.WrapFatal(err, "ChallengeAuthenticator", "Issue", "salt generation")
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.outstanding) >= a.maxOutstanding {
		return Challenge{}, errs.WrapTransient(errs.ErrRateLimited, "ChallengeAuthenticator", "Issue", "outstanding limit")
	}
	a.outstanding[hex.EncodeToString(value)] = ch
	return ch, nil
}

// Verify checks response against the challenge identified by value. The
// challenge is consumed whatever the outcome; unknown or already used values
// never verify.
func (a *ChallengeAuthenticator) Verify(value, response []byte) bool {
	id := hex.EncodeToString(value)

	a.mu.Lock()
	ch, ok := a.outstanding[id]
	delete(a.outstanding, id)
	a.mu.Unlock()

	if !ok {
		return false
	}
	key, err := a.cred.KeyFor(ch.Salt, ch.Iterations)
	if err != nil {
		return false
	}
	return hmac.Equal(ComputeResponse(key, ch.Value), response)
}

// Discard drops an outstanding challenge without verifying it.
func (a *ChallengeAuthenticator) Discard(value []byte) {
	a.mu.Lock()
	delete(a.outstanding, hex.EncodeToString(value))
	a.mu.Unlock()
}

// Outstanding returns the number of issued, unverified challenges.
func (a *ChallengeAuthenticator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}

// ComputeResponse returns HMAC-SHA256(key, challenge).
func ComputeResponse(key, challenge []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// Respond computes the client's answer to ch.
func Respond(cred Credential, ch message.AuthChallenge) ([]byte, error) {
	if len(ch.Challenge) == 0 {
		return nil, errs.WrapInvalid(errors.New("empty challenge"), "auth", "Respond", "challenge check")
	}
	key, err := cred.KeyFor(ch.Salt, ch.Iterations)
	if err != nil {
		return nil, err
	}
	return ComputeResponse(key, ch.Challenge), nil
}
