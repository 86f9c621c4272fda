// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package mocks provides testify mocks for the auth package interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/sensfusion/authd/internal/auth"
)

// MockAccountRepository is a mock auth.AccountRepository.
type MockAccountRepository struct {
	mock.Mock
}

// NewMockAccountRepository creates a MockAccountRepository whose expectations
// are asserted when the test ends.
func NewMockAccountRepository(t interface {
	mock.TestingT
	Cleanup(func())
},
) *MockAccountRepository {
	m := &MockAccountRepository{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Create provides a mock function.
func (m *MockAccountRepository) Create(ctx context.Context, account *auth.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

// GetByID provides a mock function.
func (m *MockAccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

// GetByEmail provides a mock function.
func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	args := m.Called(ctx, email)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

// UpdatePassword provides a mock function.
func (m *MockAccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string, updatedAt time.Time) error {
	args := m.Called(ctx, id, passwordHash, updatedAt)
	return args.Error(0)
}

// RecordLoginFailure provides a mock function.
func (m *MockAccountRepository) RecordLoginFailure(ctx context.Context, id ulid.ULID, policy auth.LockoutPolicy, now time.Time) error {
	args := m.Called(ctx, id, policy, now)
	return args.Error(0)
}

// ClearLoginFailures provides a mock function.
func (m *MockAccountRepository) ClearLoginFailures(ctx context.Context, id ulid.ULID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockSessionRepository is a mock auth.SessionRepository.
type MockSessionRepository struct {
	mock.Mock
}

// NewMockSessionRepository creates a MockSessionRepository whose expectations
// are asserted when the test ends.
func NewMockSessionRepository(t interface {
	mock.TestingT
	Cleanup(func())
},
) *MockSessionRepository {
	m := &MockSessionRepository{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Create provides a mock function.
func (m *MockSessionRepository) Create(ctx context.Context, session *auth.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

// GetByTokenHash provides a mock function.
func (m *MockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	args := m.Called(ctx, tokenHash)
	session, _ := args.Get(0).(*auth.Session)
	return session, args.Error(1)
}

// Revoke provides a mock function.
func (m *MockSessionRepository) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	args := m.Called(ctx, tokenHash, at)
	return args.Error(0)
}

// RevokeByAccount provides a mock function.
func (m *MockSessionRepository) RevokeByAccount(ctx context.Context, accountID ulid.ULID, at time.Time) (int64, error) {
	args := m.Called(ctx, accountID, at)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

// DeleteInactive provides a mock function.
func (m *MockSessionRepository) DeleteInactive(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

// MockPasswordHasher is a mock auth.PasswordHasher.
type MockPasswordHasher struct {
	mock.Mock
}

// NewMockPasswordHasher creates a MockPasswordHasher whose expectations are
// asserted when the test ends.
func NewMockPasswordHasher(t interface {
	mock.TestingT
	Cleanup(func())
},
) *MockPasswordHasher {
	m := &MockPasswordHasher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Hash provides a mock function.
func (m *MockPasswordHasher) Hash(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

// Verify provides a mock function.
func (m *MockPasswordHasher) Verify(password, hash string) (bool, error) {
	args := m.Called(password, hash)
	return args.Bool(0), args.Error(1)
}

// NeedsUpgrade provides a mock function.
func (m *MockPasswordHasher) NeedsUpgrade(hash string) bool {
	args := m.Called(hash)
	return args.Bool(0)
}

var (
	_ auth.AccountRepository = (*MockAccountRepository)(nil)
	_ auth.SessionRepository = (*MockSessionRepository)(nil)
	_ auth.PasswordHasher    = (*MockPasswordHasher)(nil)
)
