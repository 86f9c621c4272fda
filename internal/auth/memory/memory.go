// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package memory provides in-process auth repositories for tests and local
// development. Data does not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/sensfusion/authd/internal/auth"
)

// AccountRepository is a mutex-guarded auth.AccountRepository.
type AccountRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*auth.Account
	byEmail map[string]ulid.ULID
}

// NewAccountRepository creates an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:    make(map[ulid.ULID]*auth.Account),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a copy of account. The email check and insert are atomic.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[account.Email]; exists {
		return oops.Code("ACCOUNT_CREATE_FAILED").With("email", account.Email).Wrap(auth.ErrDuplicateEmail)
	}
	r.byID[account.ID] = copyAccount(account)
	r.byEmail[account.Email] = account.ID
	return nil
}

// GetByID returns a copy of the account with id.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.byID[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return copyAccount(account), nil
}

// GetByEmail returns a copy of the account with the normalized email.
func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return copyAccount(r.byID[id]), nil
}

// UpdatePassword replaces the stored hash.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = updatedAt
	return nil
}

// RecordLoginFailure counts a failed login and applies policy.
func (r *AccountRepository) RecordLoginFailure(_ context.Context, id ulid.ULID, policy auth.LockoutPolicy, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	account.RecordFailure(policy, now)
	return nil
}

// ClearLoginFailures resets the failure counter and lock.
func (r *AccountRepository) ClearLoginFailures(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	account.RecordSuccess()
	return nil
}

func copyAccount(a *auth.Account) *auth.Account {
	c := *a
	if a.LockedUntil != nil {
		lockedUntil := *a.LockedUntil
		c.LockedUntil = &lockedUntil
	}
	return &c
}

// SessionRepository is a mutex-guarded auth.SessionRepository.
type SessionRepository struct {
	mu     sync.RWMutex
	byHash map[string]*auth.Session
}

// NewSessionRepository creates an empty SessionRepository.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{byHash: make(map[string]*auth.Session)}
}

// Create stores a copy of session.
func (r *SessionRepository) Create(_ context.Context, session *auth.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[session.TokenHash]; exists {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("token hash already stored")
	}
	r.byHash[session.TokenHash] = copySession(session)
	return nil
}

// GetByTokenHash returns a copy of the session with tokenHash.
func (r *SessionRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.byHash[tokenHash]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return copySession(session), nil
}

// Revoke marks the session revoked. The first revocation time is kept.
func (r *SessionRepository) Revoke(_ context.Context, tokenHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.byHash[tokenHash]; ok && session.RevokedAt == nil {
		revokedAt := at
		session.RevokedAt = &revokedAt
	}
	return nil
}

// RevokeByAccount revokes every unrevoked session of accountID.
func (r *SessionRepository) RevokeByAccount(_ context.Context, accountID ulid.ULID, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, session := range r.byHash {
		if session.AccountID == accountID && session.RevokedAt == nil {
			revokedAt := at
			session.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

// DeleteInactive removes revoked sessions and sessions expired at now.
func (r *SessionRepository) DeleteInactive(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, session := range r.byHash {
		if !session.ValidAt(now) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (r *SessionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

func copySession(s *auth.Session) *auth.Session {
	c := *s
	if s.RevokedAt != nil {
		revokedAt := *s.RevokedAt
		c.RevokedAt = &revokedAt
	}
	return &c
}

// PasswordResetRepository is a mutex-guarded auth.PasswordResetRepository.
type PasswordResetRepository struct {
	mu     sync.Mutex
	byHash map[string]auth.PasswordReset
}

// NewPasswordResetRepository creates an empty PasswordResetRepository.
func NewPasswordResetRepository() *PasswordResetRepository {
	return &PasswordResetRepository{byHash: make(map[string]auth.PasswordReset)}
}

// Create stores a copy of reset.
func (r *PasswordResetRepository) Create(_ context.Context, reset *auth.PasswordReset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[reset.TokenHash]; exists {
		return oops.Code("RESET_CREATE_FAILED").Errorf("token hash already stored")
	}
	r.byHash[reset.TokenHash] = *reset
	return nil
}

// GetByTokenHash returns a copy of the reset with tokenHash.
func (r *PasswordResetRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.PasswordReset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset, ok := r.byHash[tokenHash]
	if !ok {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return &reset, nil
}

// Consume removes and returns the reset with tokenHash.
func (r *PasswordResetRepository) Consume(_ context.Context, tokenHash string) (*auth.PasswordReset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset, ok := r.byHash[tokenHash]
	if !ok {
		return nil, oops.Code("RESET_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	delete(r.byHash, tokenHash)
	return &reset, nil
}

// DeleteByAccount removes every reset of accountID.
func (r *PasswordResetRepository) DeleteByAccount(_ context.Context, accountID ulid.ULID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, reset := range r.byHash {
		if reset.AccountID == accountID {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes resets expired at now.
func (r *PasswordResetRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, reset := range r.byHash {
		if reset.ExpiredAt(now) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored resets.
func (r *PasswordResetRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHash)
}

var (
	_ auth.AccountRepository       = (*AccountRepository)(nil)
	_ auth.SessionRepository       = (*SessionRepository)(nil)
	_ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)
)
