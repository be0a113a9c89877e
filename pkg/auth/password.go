package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
)

// Password policy: at least 12 characters with an upper, a lower, a
// digit, and a symbol. Checked before any hashing work is spent.
const minPasswordLength = 12

// CheckPasswordPolicy validates a candidate password against the policy
func CheckPasswordPolicy(password string) error {
	if len(password) < minPasswordLength {
		return errors.Newf(errors.KindValidation, "password must be at least %d characters", minPasswordLength).
			WithField("password", "too_short")
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return errors.New(errors.KindValidation,
			"password must contain an upper, a lower, a digit, and a symbol").
			WithField("password", "missing_character_class")
	}
	return nil
}

// Argon2Params tunes the memory-hard hash. Zero values take defaults
// sized for an interactive login path.
type Argon2Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

func (p Argon2Params) withDefaults() Argon2Params {
	if p.MemoryKiB == 0 {
		p.MemoryKiB = 64 * 1024
	}
	if p.Time == 0 {
		p.Time = 1
	}
	if p.Threads == 0 {
		p.Threads = 4
	}
	return p
}

const (
	saltLength = 16
	keyLength  = 32
)

// Hasher produces and verifies argon2id password hashes with per-user
// random salts, encoded in the standard $argon2id$ form so parameters
// can be raised without invalidating stored hashes.
type Hasher struct {
	params Argon2Params
}

// NewHasher creates a password hasher
func NewHasher(params Argon2Params) *Hasher {
	return &Hasher{params: params.withDefaults()}
}

// Hash derives an encoded argon2id hash from a password
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "generate salt")
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether a password matches an encoded hash using a
// constant-time comparison. The stored parameters are used, not the
// hasher's current ones.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New(errors.KindInternal, "malformed password hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "malformed password hash")
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "malformed password hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "malformed password hash")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.Wrap(err, errors.KindInternal, "malformed password hash")
	}
	got := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// dummyVerify burns the same work as a real verification so a missing
// user is not distinguishable from a wrong password by timing.
func (h *Hasher) dummyVerify(password string) {
	salt := make([]byte, saltLength)
	argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, keyLength)
}
