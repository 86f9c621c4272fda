// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
)

// PasswordResetService issues and redeems password reset tokens. Delivering
// a token to the account holder is the caller's job.
type PasswordResetService struct {
	svc    *Service
	resets PasswordResetRepository
	ttl    time.Duration
}

// PasswordResetOption configures a PasswordResetService.
type PasswordResetOption func(*PasswordResetService)

// WithResetTokenTTL sets how long a reset token can be redeemed.
func WithResetTokenTTL(ttl time.Duration) PasswordResetOption {
	return func(p *PasswordResetService) {
		p.ttl = ttl
	}
}

// NewPasswordResetService creates a PasswordResetService that shares svc's
// accounts, sessions, hasher, and password policy.
func NewPasswordResetService(svc *Service, resets PasswordResetRepository, opts ...PasswordResetOption) (*PasswordResetService, error) {
	if svc == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("auth service is required")
	}
	if resets == nil {
		return nil, oops.Code("RESET_SERVICE_INVALID").Errorf("password resets repository is required")
	}

	p := &PasswordResetService{svc: svc, resets: resets, ttl: DefaultResetTokenTTL}
	for _, opt := range opts {
		opt(p)
	}
	if p.ttl <= 0 {
		return nil, oops.Code("RESET_SERVICE_INVALID").With("ttl", p.ttl).Errorf("reset token TTL must be positive")
	}
	return p, nil
}

// RequestReset issues a reset token for the account with email and returns
// it. An unknown email returns an empty token and no error. A new request
// replaces any outstanding token for the account.
func (p *PasswordResetService) RequestReset(ctx context.Context, email string) (string, error) {
	ctx, span := p.svc.tracer.Start(ctx, "auth.RequestPasswordReset")
	defer span.End()

	account, err := p.svc.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			p.svc.logger.DebugContext(ctx, "password reset requested for unknown email")
			return "", nil
		}
		return "", storageFailure("get account by email", err)
	}

	now := p.svc.now().UTC()
	if n, err := p.resets.DeleteExpired(ctx, now); err != nil {
		p.svc.logger.WarnContext(ctx, "best-effort reset cleanup failed",
			"operation", "delete_expired_resets",
			"error", err,
		)
	} else if n > 0 {
		p.svc.logger.DebugContext(ctx, "deleted expired password resets", "removed", n)
	}

	if _, err := p.resets.DeleteByAccount(ctx, account.ID); err != nil {
		return "", storageFailure("delete password resets", err)
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").With("operation", "generate reset token").Wrap(err)
	}
	reset, err := NewPasswordReset(account.ID, hash, now, now.Add(p.ttl))
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").With("operation", "build password reset").Wrap(err)
	}
	if err := p.resets.Create(ctx, reset); err != nil {
		return "", storageFailure("create password reset", err)
	}

	p.svc.logger.InfoContext(ctx, "password reset requested",
		"account_id", account.ID.String(),
		"expires_at", reset.ExpiresAt,
	)
	return token, nil
}

// ResetPassword redeems token and sets newPassword on its account. The token
// is single use. On success the account's lockout is cleared and all of its
// sessions are revoked. Unknown, expired, and already redeemed tokens return
// the same AUTH_INVALID_RESET_TOKEN error, checked before the password policy.
func (p *PasswordResetService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, span := p.svc.tracer.Start(ctx, "auth.ResetPassword")
	defer span.End()

	if token == "" {
		return invalidResetToken()
	}
	tokenHash := HashResetToken(token)

	reset, err := p.resets.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidResetToken()
		}
		return storageFailure("get password reset", err)
	}
	now := p.svc.now().UTC()
	if reset.ExpiredAt(now) {
		return invalidResetToken()
	}

	if err := p.svc.policy.Validate(newPassword); err != nil {
		return err
	}
	newHash, err := p.svc.hash(ctx, newPassword)
	if err != nil {
		return err
	}

	reset, err = p.resets.Consume(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidResetToken()
		}
		return storageFailure("consume password reset", err)
	}

	if err := p.svc.accounts.UpdatePassword(ctx, reset.AccountID, newHash, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidResetToken()
		}
		return storageFailure("update password", err)
	}
	if err := p.svc.accounts.ClearLoginFailures(ctx, reset.AccountID); err != nil {
		p.svc.logger.WarnContext(ctx, "best-effort failure reset failed",
			"operation", "clear_login_failures",
			"account_id", reset.AccountID.String(),
			"error", err,
		)
	}

	revoked, err := p.svc.sessions.RevokeAll(ctx, reset.AccountID)
	if err != nil {
		return err
	}

	p.svc.logger.InfoContext(ctx, "password reset",
		"account_id", reset.AccountID.String(),
		"sessions_revoked", revoked,
	)
	return nil
}
