// Package cryptox holds the slow, salted one-way hashing used for refresh
// token secrets and user passwords.
//
// Hashes are stored in PHC string form:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt b64>$<hash b64>
//
// so parameters can be raised later without invalidating stored rows.
package cryptox

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/esse/crm/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	minMemoryKB uint32 = 1024
	minTime     uint32 = 1
	minThreads  uint8  = 1
	saltLength         = 16
	keyLength          = 32
)

var (
	ErrInvalidParams = errors.New("invalid argon2 parameters")
	ErrInvalidHash   = errors.New("invalid argon2 hash")
)

// Params tunes the Argon2id cost.
type Params struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// DefaultParams matches the cost used for key derivation elsewhere in the
// project: one pass over 64 MiB with four lanes.
func DefaultParams() Params {
	return Params{Time: 1, MemoryKB: 64 * 1024, Threads: 4}
}

// Argon2Hasher hashes and verifies secrets. It is safe for concurrent use.
type Argon2Hasher struct {
	params Params
}

func NewArgon2Hasher(p Params) (*Argon2Hasher, error) {
	if p.Time < minTime || p.MemoryKB < minMemoryKB || p.Threads < minThreads {
		return nil, fmt.Errorf("%w: time=%d memory=%dKiB threads=%d", ErrInvalidParams, p.Time, p.MemoryKB, p.Threads)
	}
	return &Argon2Hasher{params: p}, nil
}

// Hash returns the PHC encoding of secret under a fresh random salt.
func (h *Argon2Hasher) Hash(secret string) (string, error) {
	salt := common.GenerateRandByteArray(saltLength)
	key := argon2.IDKey([]byte(secret), salt, h.params.Time, h.params.MemoryKB, h.params.Threads, keyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.MemoryKB,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches encoded. The parameters embedded in
// encoded are used, not the hasher's current ones.
func (h *Argon2Hasher) Verify(secret, encoded string) (bool, error) {
	p, salt, want, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(secret), salt, p.Time, p.MemoryKB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodePHC(encoded string) (Params, []byte, []byte, error) {
	var p Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return p, nil, nil, ErrInvalidHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[2])
	}

	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKB, &p.Time, &threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if threads == 0 || threads > 255 || p.Time == 0 || p.MemoryKB == 0 {
		return p, nil, nil, ErrInvalidHash
	}
	p.Threads = uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrInvalidHash
	}

	return p, salt, key, nil
}
