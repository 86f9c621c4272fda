// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package auth provides account registration, password login, and session
// management for authd.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewAccount - creates an Account with a normalized email and validated username
//   - NewSession - creates a Session with a validated account and expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
//   - Service - register, login, logout, session validation, password change
//   - SessionManager - session issue, validation, revocation, background sweep
//
// Services are created with New* constructors that validate dependencies.
//
// # Errors
//
// Every error returned by Service and SessionManager wraps one of
// ErrValidation, ErrConflict, ErrUnauthenticated, or ErrStorage; KindOf
// classifies them. Anything else is an internal error.
package auth
