// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/internal/auth/memory"
	"github.com/sensfusion/authd/internal/auth/mocks"
	"github.com/sensfusion/authd/pkg/errutil"
)

// testClock is a settable clock safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRecorder tallies metric calls.
type countingRecorder struct {
	mu            sync.Mutex
	registrations map[string]int
	logins        map[string]int
	validations   map[string]int
	swept         int64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		registrations: map[string]int{},
		logins:        map[string]int{},
		validations:   map[string]int{},
	}
}

func (r *countingRecorder) RecordRegistration(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[result]++
}

func (r *countingRecorder) RecordLogin(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins[result]++
}

func (r *countingRecorder) RecordValidation(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations[result]++
}

func (r *countingRecorder) RecordSweep(removed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swept += removed
}

func newMemoryManager(t *testing.T, clock *testClock, opts ...auth.SessionManagerOption) (*auth.SessionManager, *memory.SessionRepository) {
	t.Helper()
	repo := memory.NewSessionRepository()
	opts = append([]auth.SessionManagerOption{
		auth.WithSessionTTL(time.Hour),
		auth.WithSessionClock(clock.Now),
	}, opts...)
	mgr, err := auth.NewSessionManager(repo, opts...)
	require.NoError(t, err)
	return mgr, repo
}

func TestNewSessionManager_InvalidConfig(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	tests := []struct {
		name        string
		repo        auth.SessionRepository
		opts        []auth.SessionManagerOption
		expectError string
	}{
		{"nil repository", nil, nil, "sessions repository is required"},
		{"zero ttl", repo, []auth.SessionManagerOption{auth.WithSessionTTL(0)}, "session TTL must be positive"},
		{"negative sweep interval", repo, []auth.SessionManagerOption{auth.WithSweepInterval(-time.Second)}, "sweep interval must be positive"},
		{"nil logger", repo, []auth.SessionManagerOption{auth.WithSessionLogger(nil)}, "logger is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, err := auth.NewSessionManager(tt.repo, tt.opts...)
			require.Error(t, err)
			assert.Nil(t, mgr)
			assert.Contains(t, err.Error(), tt.expectError)
			errutil.AssertErrorCode(t, err, "SESSION_MANAGER_INVALID")
		})
	}
}

func TestSessionManager_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mgr, repo := newMemoryManager(t, clock)
	accountID := ulid.Make()

	session, token, err := mgr.Issue(ctx, accountID, auth.ClientInfo{UserAgent: "curl/8"})
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Equal(t, clock.Now(), session.IssuedAt)
	assert.Equal(t, clock.Now().Add(time.Hour), session.ExpiresAt)

	stored, err := repo.GetByTokenHash(ctx, auth.HashSessionToken(token))
	require.NoError(t, err)
	assert.NotEqual(t, token, stored.TokenHash, "plaintext token must not be stored")

	got, err := mgr.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, accountID, got.AccountID)
	assert.Equal(t, "curl/8", got.UserAgent)
}

func TestSessionManager_ValidateExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mgr, _ := newMemoryManager(t, clock)

	_, token, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Nanosecond)
	_, err = mgr.Validate(ctx, token)
	require.NoError(t, err, "valid just before expiry")

	clock.Advance(time.Nanosecond)
	_, err = mgr.Validate(ctx, token)
	require.Error(t, err, "invalid at exactly expiry")
	errutil.AssertErrorCode(t, err, auth.CodeInvalidSession)
	assert.Equal(t, auth.KindAuth, auth.KindOf(err))
}

func TestSessionManager_ValidateRejections(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mgr, _ := newMemoryManager(t, clock)

	_, token, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, token))

	cases := map[string]string{
		"empty token":   "",
		"unknown token": "deadbeef",
		"revoked token": token,
	}
	var messages []string
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mgr.Validate(ctx, tok)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, auth.CodeInvalidSession)
			messages = append(messages, err.Error())
		})
	}
	for _, msg := range messages {
		assert.Equal(t, messages[0], msg, "rejections must be indistinguishable")
	}
}

func TestSessionManager_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mgr, repo := newMemoryManager(t, clock)

	_, token, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, token))
	firstRevoke := clock.Now()
	clock.Advance(time.Minute)
	require.NoError(t, mgr.Revoke(ctx, token))
	require.NoError(t, mgr.Revoke(ctx, "never-issued"))
	require.NoError(t, mgr.Revoke(ctx, ""))

	stored, err := repo.GetByTokenHash(ctx, auth.HashSessionToken(token))
	require.NoError(t, err)
	require.NotNil(t, stored.RevokedAt)
	assert.Equal(t, firstRevoke, *stored.RevokedAt)
}

func TestSessionManager_RevokeAll(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mgr, _ := newMemoryManager(t, clock)
	owner := ulid.Make()

	_, t1, err := mgr.Issue(ctx, owner, auth.ClientInfo{})
	require.NoError(t, err)
	_, t2, err := mgr.Issue(ctx, owner, auth.ClientInfo{})
	require.NoError(t, err)
	_, other, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	n, err := mgr.RevokeAll(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, tok := range []string{t1, t2} {
		_, err := mgr.Validate(ctx, tok)
		assert.Error(t, err)
	}
	_, err = mgr.Validate(ctx, other)
	assert.NoError(t, err)
}

func TestSessionManager_StorageFailureFailsClosed(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMockSessionRepository(t)
	mgr, err := auth.NewSessionManager(repo)
	require.NoError(t, err)

	dbErr := errors.New("connection refused")
	repo.On("GetByTokenHash", mock.Anything, auth.HashSessionToken("tok")).Return(nil, dbErr)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*auth.Session")).Return(dbErr)
	repo.On("Revoke", mock.Anything, auth.HashSessionToken("tok"), mock.Anything).Return(dbErr)
	repo.On("DeleteInactive", mock.Anything, mock.Anything).Return(int64(0), dbErr)

	session, err := mgr.Validate(ctx, "tok")
	require.Error(t, err)
	assert.Nil(t, session)
	assert.Equal(t, auth.KindStorage, auth.KindOf(err))
	assert.ErrorIs(t, err, dbErr)

	_, _, err = mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	assert.Equal(t, auth.KindStorage, auth.KindOf(err))

	err = mgr.Revoke(ctx, "tok")
	assert.Equal(t, auth.KindStorage, auth.KindOf(err))

	_, err = mgr.Sweep(ctx)
	assert.Equal(t, auth.KindStorage, auth.KindOf(err))
}

func TestSessionManager_SweepRemovesInactive(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	metrics := newCountingRecorder()
	mgr, repo := newMemoryManager(t, clock, auth.WithSessionMetrics(metrics))

	_, revoked, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, revoked))
	_, _, err = mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	_, live, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	removed, err := mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, int64(2), metrics.swept)

	_, err = mgr.Validate(ctx, live)
	assert.NoError(t, err)
}

func TestSessionManager_RunStopsOnCancel(t *testing.T) {
	// Goroutines started elsewhere in the package, such as the ginkgo
	// interrupt handler, are not ours to check.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clock := newTestClock()
	mgr, repo := newMemoryManager(t, clock, auth.WithSweepInterval(5*time.Millisecond))

	_, token, err := mgr.Issue(context.Background(), ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(context.Background(), token))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return repo.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSessionManager_ValidationMetrics(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	metrics := newCountingRecorder()
	mgr, _ := newMemoryManager(t, clock, auth.WithSessionMetrics(metrics))

	_, token, err := mgr.Issue(ctx, ulid.Make(), auth.ClientInfo{})
	require.NoError(t, err)

	_, _ = mgr.Validate(ctx, token)
	_, _ = mgr.Validate(ctx, "bogus")

	assert.Equal(t, 1, metrics.validations[auth.ResultSuccess])
	assert.Equal(t, 1, metrics.validations[auth.ResultInvalid])
}
