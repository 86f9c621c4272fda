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

// PasswordResetRepository implements auth.PasswordResetRepository using
// PostgreSQL.
type PasswordResetRepository struct {
	pool DBTX
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(pool DBTX) *PasswordResetRepository {
	return &PasswordResetRepository{pool: pool}
}

// Create stores a new password reset.
func (r *PasswordResetRepository) Create(ctx context.Context, reset *auth.PasswordReset) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO password_resets (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		reset.ID.String(),
		reset.AccountID.String(),
		reset.TokenHash,
		reset.ExpiresAt,
		reset.CreatedAt,
	)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "insert password reset").
			With("account_id", reset.AccountID.String()).
			Wrap(err)
	}
	return nil
}

// GetByTokenHash retrieves a password reset by its token hash.
func (r *PasswordResetRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.PasswordReset, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, token_hash, expires_at, created_at
		FROM password_resets
		WHERE token_hash = $1
	`, tokenHash)

	reset, err := scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, scanError(oops.Code("RESET_GET_BY_TOKEN_FAILED").
			With("operation", "get password reset by token hash"), err)
	}
	return reset, nil
}

// Consume deletes the reset with tokenHash and returns the deleted row.
// The delete is the claim: a second caller finds no row.
func (r *PasswordResetRepository) Consume(ctx context.Context, tokenHash string) (*auth.PasswordReset, error) {
	row := r.pool.QueryRow(ctx, `
		DELETE FROM password_resets
		WHERE token_hash = $1
		RETURNING id, account_id, token_hash, expires_at, created_at
	`, tokenHash)

	reset, err := scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, scanError(oops.Code("RESET_CONSUME_FAILED").
			With("operation", "consume password reset"), err)
	}
	return reset, nil
}

// DeleteByAccount removes every reset of an account.
func (r *PasswordResetRepository) DeleteByAccount(ctx context.Context, accountID ulid.ULID) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM password_resets WHERE account_id = $1`, accountID.String())
	if err != nil {
		return 0, oops.Code("RESET_DELETE_FAILED").
			With("operation", "delete password resets by account").
			With("account_id", accountID.String()).
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes resets that expired at or before now.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM password_resets WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired password resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanReset(row pgx.Row) (*auth.PasswordReset, error) {
	var (
		idStr        string
		accountIDStr string
		reset        auth.PasswordReset
	)
	if err := row.Scan(&idStr, &accountIDStr, &reset.TokenHash, &reset.ExpiresAt, &reset.CreatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, &corruptIDError{code: "RESET_INVALID_ID", column: "id", value: idStr, err: err}
	}
	accountID, err := ulid.Parse(accountIDStr)
	if err != nil {
		return nil, &corruptIDError{code: "RESET_INVALID_ACCOUNT_ID", column: "account_id", value: accountIDStr, err: err}
	}
	reset.ID = id
	reset.AccountID = accountID
	return &reset, nil
}

var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)
