// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/sensfusion/authd/pkg/errutil"
)

const tracerName = "github.com/sensfusion/authd/internal/auth"

// Service is the authentication engine: registration, login, and session
// checks on top of an AccountRepository and a SessionManager.
type Service struct {
	accounts  AccountRepository
	sessions  *SessionManager
	hasher    PasswordHasher
	policy    PasswordPolicy
	lockout   LockoutPolicy
	hashSlots *semaphore.Weighted
	dummyHash string
	logger    *slog.Logger
	metrics   Recorder
	tracer    trace.Tracer
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPasswordPolicy sets the password rules applied on register and change.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) {
		s.policy = p
	}
}

// WithLockoutPolicy sets when repeated failed logins lock an account.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) {
		s.lockout = p
	}
}

// WithHashConcurrency bounds how many hash computations run at once.
func WithHashConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.hashSlots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) ServiceOption {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithClock replaces time.Now for account timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewAuthService creates a new Service. It computes a dummy hash with the
// configured hasher so that logins for unknown emails cost the same as
// logins with a wrong password.
func NewAuthService(accounts AccountRepository, sessions *SessionManager, hasher PasswordHasher, opts ...ServiceOption) (*Service, error) {
	if accounts == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("accounts repository is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("session manager is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}

	s := &Service{
		accounts:  accounts,
		sessions:  sessions,
		hasher:    hasher,
		policy:    PasswordPolicy{MinLength: DefaultMinPasswordLength},
		lockout:   DefaultLockoutPolicy(),
		hashSlots: semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		logger:    slog.Default(),
		metrics:   nopRecorder{},
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("logger is required")
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if err := s.lockout.Validate(); err != nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Wrap(err)
	}

	filler := make([]byte, 32)
	if _, err := rand.Read(filler); err != nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").With("operation", "dummy password").Wrap(err)
	}
	dummy, err := hasher.Hash(hex.EncodeToString(filler))
	if err != nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").With("operation", "dummy hash").Wrap(err)
	}
	s.dummyHash = dummy

	return s, nil
}

// Register creates an account. The email is normalized before the
// uniqueness check; the password is only ever held as a salted hash.
func (s *Service) Register(ctx context.Context, email, username, password string) (*Account, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer span.End()

	account, err := s.register(ctx, email, username, password)
	result := resultOf(err)
	span.SetAttributes(attribute.String("auth.result", result))
	s.metrics.RecordRegistration(result)
	return account, err
}

func (s *Service) register(ctx context.Context, email, username, password string) (*Account, error) {
	normalized, err := ValidateEmail(email)
	if err != nil {
		return nil, err
	}
	name, err := ValidateUsername(username)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Validate(password); err != nil {
		return nil, err
	}

	hash, err := s.hash(ctx, password)
	if err != nil {
		return nil, err
	}

	account, err := NewAccount(normalized, name, hash)
	if err != nil {
		return nil, oops.Code(CodeInternal).With("operation", "build account").Wrap(err)
	}
	now := s.now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, oops.Code(CodeDuplicateEmail).Wrapf(ErrConflict, "email already registered")
		}
		return nil, storageFailure("create account", err)
	}

	s.logger.InfoContext(ctx, "account registered", "account_id", account.ID.String())
	return account, nil
}

// Login verifies credentials and issues a session. Returns the session and
// the plaintext token.
//
// An unknown email, a wrong password, and a locked account return the same
// error, and every path runs one hash verification. Consecutive failures
// lock the account per the lockout policy.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (*Session, string, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer span.End()

	session, token, err := s.login(ctx, email, password, client)
	result := resultOf(err)
	span.SetAttributes(attribute.String("auth.result", result))
	s.metrics.RecordLogin(result)
	return session, token, err
}

func (s *Service) login(ctx context.Context, email, password string, client ClientInfo) (*Session, string, error) {
	if len(password) > MaxPasswordLength {
		return nil, "", invalidCredentials()
	}

	// The slot is taken before the lookup so that a saturated hasher fails
	// the same way for registered and unknown emails.
	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		return nil, "", hashUnavailable(err)
	}
	account, valid, err := s.checkCredentials(ctx, email, password)
	s.hashSlots.Release(1)
	if err != nil {
		return nil, "", err
	}
	if account == nil {
		s.logger.DebugContext(ctx, "login rejected")
		return nil, "", invalidCredentials()
	}

	now := s.now().UTC()
	if !valid {
		s.recordFailure(ctx, account, now)
		s.logger.DebugContext(ctx, "login rejected")
		return nil, "", invalidCredentials()
	}
	// Checked after verification so a locked account answers exactly like
	// a wrong password.
	if account.LockedAt(now) {
		s.logger.InfoContext(ctx, "login rejected for locked account",
			"account_id", account.ID.String(),
			"lockout_remaining", account.LockoutRemaining(now),
		)
		return nil, "", invalidCredentials()
	}
	if account.FailedAttempts > 0 || account.LockedUntil != nil {
		s.clearFailures(ctx, account)
	}

	if s.hasher.NeedsUpgrade(account.PasswordHash) {
		s.upgradeHash(ctx, account, password)
	}

	session, token, err := s.sessions.Issue(ctx, account.ID, client)
	if err != nil {
		return nil, "", err
	}

	s.logger.InfoContext(ctx, "login succeeded",
		"account_id", account.ID.String(),
		"session_id", session.ID.String(),
	)
	return session, token, nil
}

// checkCredentials looks up email and runs exactly one verification,
// against the dummy hash when the email is unknown. The caller holds a hash
// slot. An unreadable stored hash counts as a wrong password.
func (s *Service) checkCredentials(ctx context.Context, email, password string) (*Account, bool, error) {
	account, err := s.accounts.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, false, storageFailure("get account by email", err)
		}
		_, _ = s.hasher.Verify(password, s.dummyHash) //nolint:errcheck // timing only
		return nil, false, nil
	}

	valid, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		errutil.LogError(ctx, s.logger, "stored password hash is unreadable",
			oops.With("account_id", account.ID.String()).Wrap(err))
		return account, false, nil
	}
	return account, valid, nil
}

// recordFailure counts a failed login. Login fails regardless of the outcome.
func (s *Service) recordFailure(ctx context.Context, account *Account, now time.Time) {
	if err := s.accounts.RecordLoginFailure(ctx, account.ID, s.lockout, now); err != nil {
		s.logger.WarnContext(ctx, "best-effort failure count failed",
			"operation", "record_login_failure",
			"account_id", account.ID.String(),
			"error", err,
		)
		return
	}
	attempts := account.FailedAttempts + 1
	if s.lockout.Enabled() && attempts == s.lockout.Threshold {
		s.logger.WarnContext(ctx, "account locked",
			"account_id", account.ID.String(),
			"failed_attempts", attempts,
			"locked_until", *s.lockout.LockUntil(attempts, now),
		)
	}
}

func (s *Service) clearFailures(ctx context.Context, account *Account) {
	if err := s.accounts.ClearLoginFailures(ctx, account.ID); err != nil {
		s.logger.WarnContext(ctx, "best-effort failure reset failed",
			"operation", "clear_login_failures",
			"account_id", account.ID.String(),
			"error", err,
		)
	}
}

// upgradeHash rehashes the password with the current parameters. Login
// succeeds regardless of the outcome.
func (s *Service) upgradeHash(ctx context.Context, account *Account, password string) {
	newHash, err := s.hash(ctx, password)
	if err != nil {
		s.logger.WarnContext(ctx, "best-effort hash upgrade failed",
			"operation", "upgrade_hash",
			"account_id", account.ID.String(),
			"error", err,
		)
		return
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, newHash, s.now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "best-effort hash upgrade failed",
			"operation", "update_password",
			"account_id", account.ID.String(),
			"error", err,
		)
	}
}

// Logout revokes the session for token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer span.End()

	return s.sessions.Revoke(ctx, token)
}

// ValidateSession returns the active session for token.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.ValidateSession")
	defer span.End()

	return s.sessions.Validate(ctx, token)
}

// CurrentAccount returns the account that owns the session for token.
func (s *Service) CurrentAccount(ctx context.Context, token string) (*Account, error) {
	ctx, span := s.tracer.Start(ctx, "auth.CurrentAccount")
	defer span.End()

	session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.accountFor(ctx, session)
}

// ChangePassword replaces the password of the session's account after
// verifying the current one, then revokes all of the account's sessions.
// The session is checked before the new password, so an unauthenticated
// caller learns nothing about the password policy.
func (s *Service) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ChangePassword")
	defer span.End()

	session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return err
	}
	if err := s.policy.Validate(newPassword); err != nil {
		return err
	}
	account, err := s.accountFor(ctx, session)
	if err != nil {
		return err
	}

	if len(currentPassword) > MaxPasswordLength {
		return invalidCredentials()
	}
	valid, err := s.verify(ctx, currentPassword, account.PasswordHash)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if !valid {
		return invalidCredentials()
	}

	newHash, err := s.hash(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, newHash, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidSession()
		}
		return storageFailure("update password", err)
	}

	revoked, err := s.sessions.RevokeAll(ctx, account.ID)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password changed",
		"account_id", account.ID.String(),
		"sessions_revoked", revoked,
	)
	return nil
}

func (s *Service) accountFor(ctx context.Context, session *Session) (*Account, error) {
	account, err := s.accounts.GetByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidSession()
		}
		return nil, storageFailure("get account by id", err)
	}
	return account, nil
}

func (s *Service) hash(ctx context.Context, password string) (string, error) {
	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		return "", hashUnavailable(err)
	}
	defer s.hashSlots.Release(1)

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}
	return hash, nil
}

func (s *Service) verify(ctx context.Context, password, hash string) (bool, error) {
	if err := s.hashSlots.Acquire(ctx, 1); err != nil {
		return false, hashUnavailable(err)
	}
	defer s.hashSlots.Release(1)

	return s.hasher.Verify(password, hash)
}
