// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"errors"
	"fmt"

	"github.com/samber/oops"

	"github.com/sensfusion/authd/pkg/errutil"
)

// Repository sentinels.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned by AccountRepository.Create when the
	// normalized email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Taxonomy sentinels. Every error returned by Service and SessionManager wraps
// exactly one of these; use KindOf to classify.
var (
	// ErrValidation marks malformed input rejected before any storage access.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a uniqueness conflict (duplicate email).
	ErrConflict = errors.New("conflict")

	// ErrUnauthenticated marks invalid credentials or an invalid session.
	// Callers never learn which check failed.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStorage marks a backing store failure. It is retryable.
	ErrStorage = errors.New("storage unavailable")
)

// Error codes attached with oops.Code.
const (
	CodeInvalidEmail       = "AUTH_INVALID_EMAIL"
	CodeInvalidUsername    = "AUTH_INVALID_USERNAME"
	CodeWeakPassword       = "AUTH_WEAK_PASSWORD"
	CodeDuplicateEmail     = "AUTH_DUPLICATE_EMAIL"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeInvalidSession     = "SESSION_INVALID"
	CodeInvalidResetToken  = "AUTH_INVALID_RESET_TOKEN"
	CodeHashUnavailable    = "AUTH_HASH_UNAVAILABLE"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "AUTH_INTERNAL"
	CodeInvalidRequest     = "AUTH_INVALID_REQUEST"
)

// Kind classifies an error for transports.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindValidation
	KindConflict
	KindAuth
	KindStorage
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// KindOf returns the taxonomy kind of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnauthenticated):
		return KindAuth
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}

var publicMessages = map[string]string{
	CodeInvalidEmail:       "email address is invalid",
	CodeInvalidUsername:    "username is invalid",
	CodeWeakPassword:       "password does not meet the password policy",
	CodeInvalidRequest:     "request is malformed",
	CodeDuplicateEmail:     "email is already registered",
	CodeInvalidCredentials: "invalid email or password",
	CodeInvalidSession:     "session is invalid or expired",
	CodeInvalidResetToken:  "reset token is invalid or expired",
	CodeStorageUnavailable: "service temporarily unavailable",
	CodeInternal:           "internal error",
}

// PublicError returns the kind, code, and fixed client-facing message for
// err. Error text and context never reach clients.
func PublicError(err error) (kind Kind, code, message string) {
	kind = KindOf(err)
	switch kind {
	case KindNone:
		return kind, "", ""
	case KindValidation:
		code = errutil.Code(err)
		if _, known := publicMessages[code]; !known {
			code = CodeInvalidRequest
		}
	case KindConflict:
		code = CodeDuplicateEmail
	case KindAuth:
		code = CodeInvalidSession
		if c := errutil.Code(err); c == CodeInvalidCredentials || c == CodeInvalidResetToken {
			code = c
		}
	case KindStorage:
		code = CodeStorageUnavailable
	default:
		code = CodeInternal
	}
	return kind, code, publicMessages[code]
}

// RequestError marks a malformed request decoded by a transport.
func RequestError(reason string) error {
	return oops.Code(CodeInvalidRequest).Wrapf(ErrValidation, "%s", reason)
}

// MissingSession is the error for a request that carries no session token.
// It is indistinguishable from an invalid one.
func MissingSession() error {
	return invalidSession()
}

func invalidCredentials() error {
	return oops.Code(CodeInvalidCredentials).Wrapf(ErrUnauthenticated, "invalid email or password")
}

func invalidSession() error {
	return oops.Code(CodeInvalidSession).Wrapf(ErrUnauthenticated, "invalid session")
}

func invalidResetToken() error {
	return oops.Code(CodeInvalidResetToken).Wrapf(ErrUnauthenticated, "invalid reset token")
}

// hashUnavailable is returned when no hash slot frees up before the request
// context ends. It is retryable and says nothing about the account.
func hashUnavailable(err error) error {
	return oops.Code(CodeHashUnavailable).Wrap(fmt.Errorf("%w: %w", ErrStorage, err))
}

// storageFailure wraps a repository error so that it matches both ErrStorage
// and the original cause.
func storageFailure(operation string, err error) error {
	return oops.Code(CodeStorageUnavailable).
		With("operation", operation).
		Wrap(fmt.Errorf("%w: %w", ErrStorage, err))
}
