// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Fixed argon2id output sizes.
const (
	argon2SaltLen = 16 // bytes
	argon2KeyLen  = 32 // bytes
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash should be recomputed with the
	// current algorithm and parameters.
	NeedsUpgrade(hash string) bool
}

// Argon2Params is the argon2id cost configuration.
type Argon2Params struct {
	Time      uint32 // iterations
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// Validate checks that the parameters are usable by argon2.
func (p Argon2Params) Validate() error {
	if p.Time == 0 {
		return oops.Code("AUTH_HASH_PARAMS").Errorf("argon2 time must be positive")
	}
	if p.Threads == 0 {
		return oops.Code("AUTH_HASH_PARAMS").Errorf("argon2 threads must be positive")
	}
	if p.MemoryKiB < 8*uint32(p.Threads) {
		return oops.Code("AUTH_HASH_PARAMS").
			With("memory_kib", p.MemoryKiB).
			With("threads", p.Threads).
			Errorf("argon2 memory must be at least 8 KiB per thread")
	}
	return nil
}

// Argon2idHasher implements PasswordHasher using argon2id. It verifies legacy
// bcrypt hashes so they can be upgraded on the next successful login.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates a new Argon2idHasher with the given cost.
func NewArgon2idHasher(params Argon2Params) (*Argon2idHasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Argon2idHasher{params: params}, nil
}

// Params returns the hasher's cost parameters.
func (h *Argon2idHasher) Params() Argon2Params {
	return h.params
}

// Hash produces an argon2id hash of the password in PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, argon2KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.MemoryKiB,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	if isBcryptHash(encodedHash) {
		return verifyBcrypt(password, encodedHash)
	}

	decoded, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), decoded.salt, decoded.params.Time, decoded.params.MemoryKiB,
		decoded.params.Threads, uint32(len(decoded.key)))

	return subtle.ConstantTimeCompare(computed, decoded.key) == 1, nil
}

// NeedsUpgrade returns true for bcrypt hashes and for argon2id hashes
// computed with parameters other than the hasher's current ones.
func (h *Argon2idHasher) NeedsUpgrade(encodedHash string) bool {
	decoded, err := decodeArgon2id(encodedHash)
	if err != nil {
		return true
	}
	return decoded.params != h.params
}

type argon2idHash struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func decodeArgon2id(encodedHash string) (*argon2idHash, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if version != argon2.Version {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported argon2 version: %d", version)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d out of range", threads)
	}
	if time == 0 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("time value must be positive")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(key) == 0 || len(key) > 1024 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", len(key))
	}

	return &argon2idHash{
		params: Argon2Params{Time: time, MemoryKiB: memory, Threads: uint8(threads)},
		salt:   salt,
		key:    key,
	}, nil
}

func isBcryptHash(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

func verifyBcrypt(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, oops.Code("AUTH_INVALID_HASH").With("algorithm", "bcrypt").Wrap(err)
}
