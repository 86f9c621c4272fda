// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/sensfusion/authd/internal/auth"
)

// SessionRepository implements auth.SessionRepository using PostgreSQL.
type SessionRepository struct {
	pool DBTX
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool DBTX) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, session *auth.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, account_id, token_hash, user_agent, ip_address, issued_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		session.ID.String(),
		session.AccountID.String(),
		session.TokenHash,
		session.UserAgent,
		session.IPAddress,
		session.IssuedAt,
		session.ExpiresAt,
		session.RevokedAt,
	)
	if err != nil {
		return oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("account_id", session.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a session by its token hash.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, token_hash, user_agent, ip_address, issued_at, expires_at, revoked_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, scanError(oops.Code("SESSION_GET_BY_TOKEN_FAILED").
			With("operation", "get session by token hash"), err)
	}
	return session, nil
}

// Revoke sets revoked_at once; later calls keep the first time.
func (r *SessionRepository) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash, at)
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke session").
			Wrap(err)
	}
	return nil
}

// RevokeByAccount revokes every unrevoked session of an account.
func (r *SessionRepository) RevokeByAccount(ctx context.Context, accountID ulid.ULID, at time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE account_id = $1 AND revoked_at IS NULL
	`, accountID.String(), at)
	if err != nil {
		return 0, oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "revoke sessions by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteInactive removes expired and revoked sessions and returns the count.
func (r *SessionRepository) DeleteInactive(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE expires_at <= $1 OR revoked_at IS NOT NULL
	`, now)
	if err != nil {
		return 0, oops.Code("SESSION_DELETE_INACTIVE_FAILED").
			With("operation", "delete inactive sessions").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session. Errors are returned
// unwrapped; callers add the operation context with scanError.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		idStr        string
		accountIDStr string
		session      auth.Session
	)
	err := row.Scan(
		&idStr,
		&accountIDStr,
		&session.TokenHash,
		&session.UserAgent,
		&session.IPAddress,
		&session.IssuedAt,
		&session.ExpiresAt,
		&session.RevokedAt,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, &corruptIDError{code: "SESSION_INVALID_ID", column: "id", value: idStr, err: err}
	}
	accountID, err := ulid.Parse(accountIDStr)
	if err != nil {
		return nil, &corruptIDError{code: "SESSION_INVALID_ACCOUNT_ID", column: "account_id", value: accountIDStr, err: err}
	}
	session.ID = id
	session.AccountID = accountID
	return &session, nil
}

var _ auth.SessionRepository = (*SessionRepository)(nil)
