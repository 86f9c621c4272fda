// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Input limits.
const (
	MaxEmailLength    = 254
	MaxUsernameLength = 64

	// MaxPasswordLength bounds the input to the password hash.
	MaxPasswordLength = 1024

	// DefaultMinPasswordLength is used when no policy is configured.
	DefaultMinPasswordLength = 8
)

// emailRegex checks the syntactic shape local@domain.tld only. Deliverability
// is not this service's concern.
var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@.]+$`)

// Account is a registered identity.
type Account struct {
	ID           ulid.ULID
	Email        string // normalized
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// FailedAttempts counts consecutive failed logins since the last success.
	FailedAttempts int
	// LockedUntil is set once FailedAttempts reaches the lockout threshold.
	LockedUntil *time.Time
}

// NewAccount creates a validated Account with a fresh ID.
// The email is normalized; the username is trimmed.
func NewAccount(email, username, passwordHash string) (*Account, error) {
	normalized, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	name, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(passwordHash) == "" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("password hash cannot be empty")
	}

	now := time.Now().UTC()
	return &Account{
		ID:           ulid.Make(),
		Email:        normalized,
		Username:     name,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// NormalizeEmail trims and lower-cases an email so that "A@B.com" and
// "a@b.com" are the same login key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail normalizes email and checks its shape.
// Returns the normalized form.
func ValidateEmail(email string) (string, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return "", oops.Code(CodeInvalidEmail).Wrapf(ErrValidation, "email cannot be empty")
	}
	if len(normalized) > MaxEmailLength {
		return "", oops.Code(CodeInvalidEmail).
			With("max", MaxEmailLength).
			Wrapf(ErrValidation, "email must be at most %d characters", MaxEmailLength)
	}
	if !emailRegex.MatchString(normalized) {
		return "", oops.Code(CodeInvalidEmail).Wrapf(ErrValidation, "email is not a valid address")
	}
	return normalized, nil
}

// ValidateUsername trims a display name and checks it.
// Usernames are not unique; any printable text up to MaxUsernameLength runes is allowed.
func ValidateUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", oops.Code(CodeInvalidUsername).Wrapf(ErrValidation, "username cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", oops.Code(CodeInvalidUsername).
			With("max", MaxUsernameLength).
			Wrapf(ErrValidation, "username must be at most %d characters", MaxUsernameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", oops.Code(CodeInvalidUsername).Wrapf(ErrValidation, "username contains control characters")
		}
	}
	return name, nil
}

// PasswordPolicy holds the configurable password rules.
type PasswordPolicy struct {
	MinLength int
}

// Validate checks password against the policy. Length is counted in runes.
// The error never includes the password.
func (p PasswordPolicy) Validate(password string) error {
	minLength := p.MinLength
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	if utf8.RuneCountInString(password) < minLength {
		return oops.Code(CodeWeakPassword).
			With("min_length", minLength).
			Wrapf(ErrValidation, "password must be at least %d characters", minLength)
	}
	if len(password) > MaxPasswordLength {
		return oops.Code(CodeWeakPassword).
			With("max_length", MaxPasswordLength).
			Wrapf(ErrValidation, "password must be at most %d bytes", MaxPasswordLength)
	}
	return nil
}

// AccountRepository persists accounts. It stores opaque hashes and never
// compares them.
type AccountRepository interface {
	// Create stores a new account.
	// Returns ErrDuplicateEmail if the normalized email already exists.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail retrieves an account by normalized email.
	// Returns ErrNotFound if no account has the given email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// UpdatePassword replaces the password hash of an account.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, updatedAt time.Time) error

	// RecordLoginFailure increments the failed login counter and locks the
	// account until now+policy.Duration once the counter reaches
	// policy.Threshold. The increment is atomic per account.
	RecordLoginFailure(ctx context.Context, id ulid.ULID, policy LockoutPolicy, now time.Time) error

	// ClearLoginFailures resets the failed login counter and any lock.
	ClearLoginFailures(ctx context.Context, id ulid.ULID) error
}
