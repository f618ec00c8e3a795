package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new hashes. Stored hashes carry their own
// parameters, so these can be raised without invalidating existing ones.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var b64 = base64.RawStdEncoding

// ErrMalformedHash is returned by VerifyKey when the stored hash cannot be
// parsed.
var ErrMalformedHash = errors.New("auth: malformed key hash")

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

var defaultParams = argonParams{time: argonTime, memory: argonMemory, threads: argonThreads}

// HashKey hashes an operator key with Argon2id and returns it in PHC string
// form: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := defaultParams.derive(key, salt, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, defaultParams.memory, defaultParams.time, defaultParams.threads,
		b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// VerifyKey reports whether key matches a HashKey result. It returns
// ErrMalformedHash when encoded is not a hash this package produced.
func VerifyKey(key, encoded string) (bool, error) {
	params, salt, want, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	got := params.derive(key, salt, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify spends the same work as VerifyKey with default parameters.
// Rejection paths that never reach VerifyKey call it to keep timing flat.
func DummyVerify() {
	defaultParams.derive("dummy", make([]byte, saltLen), argonKeyLen)
}

func (p argonParams) derive(key string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(key), salt, p.time, p.memory, p.threads, keyLen)
}

func parseHash(encoded string) (argonParams, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return argonParams{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}

	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: parameters: %v", ErrMalformedHash, err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: zero parameter", ErrMalformedHash)
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	sum, err := b64.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: hash", ErrMalformedHash)
	}
	return p, salt, sum, nil
}
