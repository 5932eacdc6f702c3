package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	errs "github.com/c360/padrelay/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters
const (
	Algorithm         = "pbkdf2_sha256"
	HashPrefix        = Algorithm + "$"
	DefaultIterations = 100000
	SaltSize          = 16
	KeySize           = 32
)

// ErrMalformedHash is returned for values that carry the hash prefix but do
// not parse.
var ErrMalformedHash = errors.New("malformed credential hash")

// HashRecord is the persisted form of a credential.
type HashRecord struct {
	Iterations uint
	Salt       []byte
	Key        []byte
}

// String serializes the record as pbkdf2_sha256$<iterations>$<salt_hex>$<hash_hex>.
func (h HashRecord) String() string {
	return fmt.Sprintf("%s%d$%s$%s", HashPrefix, h.Iterations, hex.EncodeToString(h.Salt), hex.EncodeToString(h.Key))
}

// LogValue keeps the derived key out of logs; the key doubles as the UDP
// token key.
func (h HashRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("algorithm", Algorithm),
		slog.Uint64("iterations", uint64(h.Iterations)),
	)
}

// DeriveKey runs PBKDF2-HMAC-SHA256 and returns a KeySize-byte key.
func DeriveKey(secret string, salt []byte, iterations uint) []byte {
	return pbkdf2.Key([]byte(secret), salt, int(iterations), KeySize, sha256.New)
}

// Hash derives a record from secret with a fresh random salt. iterations of
// zero selects DefaultIterations.
func Hash(secret string, iterations uint) (HashRecord, error) {
	if iterations == 0 {
		iterations = DefaultIterations
	}
	salt, err := randomBytes(SaltSize)
	if err != nil {
		return HashRecord{}, errs.WrapFatal(err, "auth", "Hash", "salt generation")
	}
	return HashRecord{
		Iterations: iterations,
		Salt:       salt,
		Key:        DeriveKey(secret, salt, iterations),
	}, nil
}

// Verify reports whether secret derives to the stored key. The comparison is
// constant time.
func Verify(secret string, stored HashRecord) bool {
	if len(stored.Key) == 0 {
		return false
	}
	got := DeriveKey(secret, stored.Salt, stored.Iterations)
	return subtle.ConstantTimeCompare(got, stored.Key) == 1
}

// IsHashString reports whether value has the reserved prefix followed by
// exactly three $-delimited fields.
func IsHashString(value string) bool {
	if !strings.HasPrefix(value, HashPrefix) {
		return false
	}
	return len(strings.Split(strings.TrimPrefix(value, HashPrefix), "$")) == 3
}

// ParseHash parses a serialized hash record.
func ParseHash(value string) (HashRecord, error) {
	if !IsHashString(value) {
		return HashRecord{}, errs.WrapInvalid(ErrMalformedHash, "auth", "ParseHash", "format check")
	}
	fields := strings.Split(strings.TrimPrefix(value, HashPrefix), "$")

	iterations, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil || iterations == 0 {
		return HashRecord{}, errs.WrapInvalid(fmt.Errorf("%w: iterations %q", ErrMalformedHash, fields[0]), "auth", "ParseHash", "iterations parse")
	}
	salt, err := hex.DecodeString(fields[1])
	if err != nil || len(salt) == 0 {
		return HashRecord{}, errs.WrapInvalid(fmt.Errorf("%w: salt", ErrMalformedHash), "auth", "ParseHash", "salt decode")
	}
	key, err := hex.DecodeString(fields[2])
	if err != nil || len(key) == 0 {
		return HashRecord{}, errs.WrapInvalid(fmt.Errorf("%w: hash", ErrMalformedHash), "auth", "ParseHash", "hash decode")
	}
	return HashRecord{Iterations: uint(iterations), Salt: salt, Key: key}, nil
}

// Credential is either a plaintext secret or a hash record, never both.
type Credential struct {
	secret string
	record *HashRecord
}

// Plaintext returns a credential holding secret.
func Plaintext(secret string) Credential {
	return Credential{secret: secret}
}

// Hashed returns a credential holding a hash record.
func Hashed(rec HashRecord) Credential {
	return Credential{record: &rec}
}

// ParseCredential classifies value. Hash-format strings load as-is; values
// that start with the hash prefix but do not parse are rejected rather than
// treated as a password.
func ParseCredential(value string) (Credential, error) {
	if value == "" {
		return Credential{}, errs.WrapInvalid(errs.ErrMissingConfig, "auth", "ParseCredential", "empty credential check")
	}
	if strings.HasPrefix(value, HashPrefix) {
		rec, err := ParseHash(value)
		if err != nil {
			return Credential{}, err
		}
		return Hashed(rec), nil
	}
	return Plaintext(value), nil
}

// IsZero reports whether no credential is configured.
func (c Credential) IsZero() bool { return c.record == nil && c.secret == "" }

// IsHashed reports whether the credential is a hash record.
func (c Credential) IsHashed() bool { return c.record != nil }

// Secret returns the plaintext secret if held.
func (c Credential) Secret() (string, bool) {
	if c.record != nil || c.secret == "" {
		return "", false
	}
	return c.secret, true
}

// Record returns the hash record if held.
func (c Credential) Record() (HashRecord, bool) {
	if c.record == nil {
		return HashRecord{}, false
	}
	return *c.record, true
}

// ToHashed derives a hash record from a plaintext credential. Hashed
// credentials are returned unchanged.
func (c Credential) ToHashed(iterations uint) (Credential, error) {
	if c.record != nil {
		return c, nil
	}
	rec, err := Hash(c.secret, iterations)
	if err != nil {
		return Credential{}, err
	}
	return Hashed(rec), nil
}

// Matches reports whether secret is this credential's secret.
func (c Credential) Matches(secret string) bool {
	if c.record != nil {
		return Verify(secret, *c.record)
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(c.secret)) == 1 && c.secret != ""
}

// KeyFor returns the derived key for the given parameters. A hashed
// credential can only answer for its own salt and iteration count.
func (c Credential) KeyFor(salt []byte, iterations uint) ([]byte, error) {
	if c.record != nil {
		if c.record.Iterations != iterations || subtle.ConstantTimeCompare(c.record.Salt, salt) != 1 {
			return nil, errs.WrapFatal(ErrParamsMismatch, "auth", "KeyFor", "parameter match")
		}
		return append([]byte(nil), c.record.Key...), nil
	}
	if c.secret == "" {
		return nil, errs.WrapFatal(errs.ErrMissingConfig, "auth", "KeyFor", "credential check")
	}
	return DeriveKey(c.secret, salt, iterations), nil
}

// String never reveals the secret or the derived key.
func (c Credential) String() string {
	switch {
	case c.record != nil:
		return fmt.Sprintf("%s(iterations=%d)", Algorithm, c.record.Iterations)
	case c.secret != "":
		return "plaintext([REDACTED])"
	default:
		return "none"
	}
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	switch {
	case c.record != nil:
		return slog.GroupValue(slog.String("kind", "hashed"), slog.Any("hash", *c.record))
	case c.secret != "":
		return slog.GroupValue(slog.String("kind", "plaintext"))
	default:
		return slog.GroupValue(slog.String("kind", "none"))
	}
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
