// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	ResetTokenBytes = 32 // 64 hex chars

	// DefaultResetTokenTTL is how long a reset token can be redeemed.
	DefaultResetTokenTTL = time.Hour
)

// PasswordReset is an outstanding password reset for an account. Only the
// SHA-256 hash of the token is stored.
type PasswordReset struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewPasswordReset creates a PasswordReset with a fresh ID.
func NewPasswordReset(accountID ulid.ULID, tokenHash string, createdAt, expiresAt time.Time) (*PasswordReset, error) {
	if accountID.IsZero() {
		return nil, oops.Code("RESET_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_TOKEN_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(createdAt) {
		return nil, oops.Code("RESET_INVALID_EXPIRY").
			With("created_at", createdAt).
			With("expires_at", expiresAt).
			Errorf("expiry must be after creation")
	}
	return &PasswordReset{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// ExpiredAt reports whether the reset can no longer be redeemed at t.
func (r *PasswordReset) ExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// GenerateResetToken creates a random reset token and its hash.
func GenerateResetToken() (token, hash string, err error) {
	token, err = randomHex(ResetTokenBytes)
	if err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").
			With("requested_bytes", ResetTokenBytes).
			Wrap(err)
	}
	return token, HashResetToken(token), nil
}

// HashResetToken computes the SHA-256 hash of a reset token.
func HashResetToken(token string) string {
	return sha256Hex(token)
}

// PasswordResetRepository persists password resets keyed by token hash.
type PasswordResetRepository interface {
	// Create stores a new reset.
	Create(ctx context.Context, reset *PasswordReset) error

	// GetByTokenHash retrieves a reset by its token hash.
	// Returns ErrNotFound if no reset has the hash.
	GetByTokenHash(ctx context.Context, tokenHash string) (*PasswordReset, error)

	// Consume deletes the reset with tokenHash and returns it. Of two
	// concurrent calls with the same hash, at most one succeeds; the other
	// gets ErrNotFound.
	Consume(ctx context.Context, tokenHash string) (*PasswordReset, error)

	// DeleteByAccount removes every reset of accountID.
	DeleteByAccount(ctx context.Context, accountID ulid.ULID) (int64, error)

	// DeleteExpired removes resets that expired at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
