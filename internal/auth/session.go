// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes = 32 // 256 bits, 64 hex chars
	DefaultSessionTTL = 24 * time.Hour
)

// SessionState is the lifecycle state of a Session.
type SessionState string

// Session states. Expired and Revoked are terminal.
const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// ClientInfo is optional metadata about the client that opened a session.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// Session is a time-bounded proof of authentication for one Account.
// Only the SHA-256 hash of the token is kept.
type Session struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	UserAgent string
	IPAddress string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// NewSession creates a validated Session issued at issuedAt.
func NewSession(accountID ulid.ULID, tokenHash string, client ClientInfo, issuedAt, expiresAt time.Time) (*Session, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(issuedAt) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").
			With("issued_at", issuedAt).
			With("expires_at", expiresAt).
			Errorf("expiry must be after issue time")
	}

	return &Session{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Revoked reports whether the session was explicitly revoked.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// StateAt returns the session state at t. Revocation wins over expiry.
func (s *Session) StateAt(t time.Time) SessionState {
	switch {
	case s.Revoked():
		return SessionRevoked
	case !t.Before(s.ExpiresAt):
		return SessionExpired
	default:
		return SessionActive
	}
}

// ValidAt reports whether the session is valid at t: not revoked and t < ExpiresAt.
func (s *Session) ValidAt(t time.Time) bool {
	return s.StateAt(t) == SessionActive
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored.
func GenerateSessionToken() (token, hash string, err error) {
	token, err = randomHex(SessionTokenBytes)
	if err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}
	return token, HashSessionToken(token), nil
}

// HashSessionToken computes the SHA-256 hash of a session token.
func HashSessionToken(token string) string {
	return sha256Hex(token)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err //nolint:wrapcheck // callers attach their token kind
	}
	return hex.EncodeToString(b), nil
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// SessionRepository persists sessions keyed by token hash.
type SessionRepository interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// GetByTokenHash retrieves a session by its token hash.
	// Returns ErrNotFound if absent.
	GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error)

	// Revoke marks the session revoked at the given time. Revoking an unknown
	// or already revoked session is not an error.
	Revoke(ctx context.Context, tokenHash string, at time.Time) error

	// RevokeByAccount revokes every unrevoked session of an account and
	// returns how many were revoked.
	RevokeByAccount(ctx context.Context, accountID ulid.ULID, at time.Time) (int64, error)

	// DeleteInactive removes sessions that expired at or before now or were
	// revoked, and returns the count of deleted records.
	DeleteInactive(ctx context.Context, now time.Time) (int64, error)
}
