// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package grpc

import "time"

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AccountReply is the public view of an account.
type AccountReply struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginRequest exchanges credentials for a session token. UserAgent is
// optional; the peer address is taken from the connection.
type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	UserAgent string `json:"user_agent,omitempty"`
}

// LoginReply carries the raw token. It is shown once.
type LoginReply struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidateRequest checks a token.
type ValidateRequest struct {
	Token string `json:"token"`
}

// SessionReply describes a valid session.
type SessionReply struct {
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RevokeRequest ends a session.
type RevokeRequest struct {
	Token string `json:"token"`
}

// CurrentAccountRequest is empty; the token travels as bearer metadata.
type CurrentAccountRequest struct{}

// ChangePasswordRequest replaces the password of the bearer's account.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Empty is the reply of RPCs with no result.
type Empty struct{}
