// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package postgres implements the auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/sensfusion/authd/internal/auth"
)

// DBTX is the subset of *pgxpool.Pool the repositories use. It is satisfied
// by pgx pools, connections, transactions, and pgxmock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, email, username, password_hash, created_at, updated_at, failed_attempts, locked_until`

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool DBTX
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool DBTX) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create stores a new account. The unique index on email makes the
// duplicate check atomic.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, username, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		account.ID.String(),
		account.Email,
		account.Username,
		account.PasswordHash,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			return oops.Code("ACCOUNT_CREATE_FAILED").
				With("operation", "insert account").
				Wrap(auth.ErrDuplicateEmail)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, scanError(oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id.String()), err)
	}
	return account, nil
}

// GetByEmail retrieves an account by its normalized email.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, email)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, scanError(oops.Code("ACCOUNT_GET_BY_EMAIL_FAILED").
			With("operation", "get account by email"), err)
	}
	return account, nil
}

// UpdatePassword replaces an account's password hash.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, updatedAt time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id.String(), passwordHash, updatedAt)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// RecordLoginFailure increments failed_attempts in one statement, so
// concurrent failures are all counted. locked_until is set from the
// incremented value.
func (r *AccountRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, policy auth.LockoutPolicy, now time.Time) error {
	threshold := policy.Threshold
	if !policy.Enabled() {
		threshold = 0
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE accounts SET
			failed_attempts = failed_attempts + 1,
			locked_until = CASE
				WHEN $2 > 0 AND failed_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END
		WHERE id = $1
	`, id.String(), threshold, now.Add(policy.Duration))
	if err != nil {
		return oops.Code("ACCOUNT_RECORD_FAILURE_FAILED").
			With("operation", "record login failure").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// ClearLoginFailures resets failed_attempts and locked_until.
func (r *AccountRepository) ClearLoginFailures(ctx context.Context, id ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET failed_attempts = 0, locked_until = NULL
		WHERE id = $1
	`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_CLEAR_FAILURES_FAILED").
			With("operation", "clear login failures").
			With("id", id.String()).
			Wrap(err)
	}
	return nil
}

// scanAccount scans a single row into an Account. Errors are returned
// unwrapped; callers add the operation context with scanError.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr   string
		account auth.Account
	)
	err := row.Scan(
		&idStr,
		&account.Email,
		&account.Username,
		&account.PasswordHash,
		&account.CreatedAt,
		&account.UpdatedAt,
		&account.FailedAttempts,
		&account.LockedUntil,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, &corruptIDError{code: "ACCOUNT_INVALID_ID", column: "id", value: idStr, err: err}
	}
	account.ID = id
	return &account, nil
}

// corruptIDError reports a stored identifier that is not a ULID.
type corruptIDError struct {
	code   string
	column string
	value  string
	err    error
}

func (e *corruptIDError) Error() string {
	return e.column + " " + e.value + " is not a ULID: " + e.err.Error()
}

func (e *corruptIDError) Unwrap() error { return e.err }

// scanError wraps a scan failure with the caller's builder. A corrupt
// identifier replaces the builder's code with its own.
func scanError(b oops.OopsErrorBuilder, err error) error {
	var corrupt *corruptIDError
	if errors.As(err, &corrupt) {
		b = b.Code(corrupt.code).With(corrupt.column, corrupt.value)
	}
	return b.Wrap(err)
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally of a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
