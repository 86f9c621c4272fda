// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultSweepInterval is how often expired and revoked sessions are removed.
const DefaultSweepInterval = 5 * time.Minute

// SessionManager issues, validates, and revokes sessions, and sweeps
// inactive ones in the background.
type SessionManager struct {
	repo          SessionRepository
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       Recorder
}

// SessionManagerOption configures a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionTTL sets how long issued sessions stay valid.
func WithSessionTTL(ttl time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.ttl = ttl
	}
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(interval time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.sweepInterval = interval
	}
}

// WithSessionClock replaces time.Now.
func WithSessionClock(now func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.now = now
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithSessionMetrics sets the metrics recorder.
func WithSessionMetrics(r Recorder) SessionManagerOption {
	return func(m *SessionManager) {
		m.metrics = r
	}
}

// NewSessionManager creates a SessionManager over repo.
func NewSessionManager(repo SessionRepository, opts ...SessionManagerOption) (*SessionManager, error) {
	if repo == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("sessions repository is required")
	}

	m := &SessionManager{
		repo:          repo,
		ttl:           DefaultSessionTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        slog.Default(),
		metrics:       nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.ttl <= 0 {
		return nil, oops.Code("SESSION_MANAGER_INVALID").With("ttl", m.ttl).Errorf("session TTL must be positive")
	}
	if m.sweepInterval <= 0 {
		return nil, oops.Code("SESSION_MANAGER_INVALID").
			With("sweep_interval", m.sweepInterval).
			Errorf("sweep interval must be positive")
	}
	if m.logger == nil {
		return nil, oops.Code("SESSION_MANAGER_INVALID").Errorf("logger is required")
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	return m, nil
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a session for accountID and returns it with the plaintext
// token. The token is not retrievable later.
func (m *SessionManager) Issue(ctx context.Context, accountID ulid.ULID, client ClientInfo) (*Session, string, error) {
	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return nil, "", oops.Code("SESSION_ISSUE_FAILED").
			With("operation", "generate session token").
			Wrap(err)
	}

	issuedAt := m.now().UTC()
	session, err := NewSession(accountID, tokenHash, client, issuedAt, issuedAt.Add(m.ttl))
	if err != nil {
		return nil, "", oops.Code("SESSION_ISSUE_FAILED").
			With("operation", "build session").
			Wrap(err)
	}

	if err := m.repo.Create(ctx, session); err != nil {
		return nil, "", storageFailure("persist session", err)
	}

	return session, token, nil
}

// Validate returns the session for token if it is active. Unknown, revoked,
// and expired tokens produce the same SESSION_INVALID error. A storage
// failure is returned as a storage error, never as success.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	session, err := m.validate(ctx, token)
	m.metrics.RecordValidation(resultOf(err))
	return session, err
}

func (m *SessionManager) validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, invalidSession()
	}

	session, err := m.repo.GetByTokenHash(ctx, HashSessionToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalidSession()
		}
		return nil, storageFailure("get session by token hash", err)
	}

	if !session.ValidAt(m.now()) {
		return nil, invalidSession()
	}
	return session, nil
}

// Revoke invalidates token. It is idempotent: empty, unknown, and already
// revoked tokens are not errors.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.repo.Revoke(ctx, HashSessionToken(token), m.now().UTC()); err != nil {
		return storageFailure("revoke session", err)
	}
	return nil
}

// RevokeAll invalidates every session of an account.
func (m *SessionManager) RevokeAll(ctx context.Context, accountID ulid.ULID) (int64, error) {
	n, err := m.repo.RevokeByAccount(ctx, accountID, m.now().UTC())
	if err != nil {
		return 0, storageFailure("revoke sessions by account", err)
	}
	return n, nil
}

// Sweep deletes expired and revoked sessions and returns how many were removed.
func (m *SessionManager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.repo.DeleteInactive(ctx, m.now().UTC())
	if err != nil {
		return 0, storageFailure("delete inactive sessions", err)
	}
	m.metrics.RecordSweep(n)
	return n, nil
}

// Run sweeps every sweep interval until ctx is done. Sweep failures are
// logged and retried on the next tick.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "session sweeper started", "interval", m.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "session sweeper stopped")
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				m.logger.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.DebugContext(ctx, "swept inactive sessions", "removed", n)
			}
		}
	}
}
