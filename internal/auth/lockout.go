// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"time"

	"github.com/samber/oops"
)

// Lockout defaults.
const (
	// DefaultLockoutThreshold is the number of consecutive failures that
	// locks an account.
	DefaultLockoutThreshold = 7

	// DefaultLockoutDuration is how long a locked account stays locked.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy locks an account after repeated failed logins. A zero
// Threshold disables locking; failures are still counted.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy returns the default lockout policy.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Duration: DefaultLockoutDuration}
}

// Enabled reports whether the policy ever locks an account.
func (p LockoutPolicy) Enabled() bool {
	return p.Threshold > 0 && p.Duration > 0
}

// Validate checks the policy for negative values.
func (p LockoutPolicy) Validate() error {
	if p.Threshold < 0 {
		return oops.Code("AUTH_LOCKOUT_INVALID").With("threshold", p.Threshold).Errorf("threshold cannot be negative")
	}
	if p.Duration < 0 {
		return oops.Code("AUTH_LOCKOUT_INVALID").With("duration", p.Duration).Errorf("duration cannot be negative")
	}
	return nil
}

// LockUntil returns the lock expiry for an account that has failed attempts
// times in a row, or nil if that count does not lock it.
func (p LockoutPolicy) LockUntil(attempts int, now time.Time) *time.Time {
	if !p.Enabled() || attempts < p.Threshold {
		return nil
	}
	until := now.Add(p.Duration)
	return &until
}

// LockedAt reports whether the account is locked at t.
func (a *Account) LockedAt(t time.Time) bool {
	return a.LockedUntil != nil && t.Before(*a.LockedUntil)
}

// LockoutRemaining returns how long the account stays locked after t.
func (a *Account) LockoutRemaining(t time.Time) time.Duration {
	if !a.LockedAt(t) {
		return 0
	}
	return a.LockedUntil.Sub(t)
}

// RecordFailure increments the failure counter and locks the account once
// the policy threshold is reached. A failure while locked extends the lock.
func (a *Account) RecordFailure(policy LockoutPolicy, now time.Time) {
	a.FailedAttempts++
	if until := policy.LockUntil(a.FailedAttempts, now); until != nil {
		a.LockedUntil = until
	}
}

// RecordSuccess resets the failure counter and lock.
func (a *Account) RecordSuccess() {
	a.FailedAttempts = 0
	a.LockedUntil = nil
}
