// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package httpapi exposes the auth service as a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/pkg/errutil"
)

// maxBodyBytes bounds request bodies. Passwords are capped well below this.
const maxBodyBytes = 64 << 10

// AuthService is the subset of *auth.Service the API calls.
type AuthService interface {
	Register(ctx context.Context, email, username, password string) (*auth.Account, error)
	Login(ctx context.Context, email, password string, client auth.ClientInfo) (*auth.Session, string, error)
	Logout(ctx context.Context, token string) error
	ValidateSession(ctx context.Context, token string) (*auth.Session, error)
	CurrentAccount(ctx context.Context, token string) (*auth.Account, error)
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
}

// PasswordResetter redeems password reset tokens.
// *auth.PasswordResetService implements it.
type PasswordResetter interface {
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// RequestRecorder counts HTTP requests. *observability.Metrics implements it.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int)
}

type nopRequestRecorder struct{}

func (nopRequestRecorder) RecordHTTPRequest(string, string, int) {}

// Option configures NewRouter.
type Option func(*api)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *api) { a.logger = logger }
}

// WithMetrics sets the request recorder.
func WithMetrics(rec RequestRecorder) Option {
	return func(a *api) { a.metrics = rec }
}

// WithRequestTimeout bounds each request's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(a *api) { a.timeout = d }
}

// WithPasswordResets enables POST /v1/password-resets/confirm.
func WithPasswordResets(resets PasswordResetter) Option {
	return func(a *api) { a.resets = resets }
}

// WithTrustedProxyHeaders takes the client address from X-Forwarded-For and
// X-Real-IP. Any client can set those headers, so enable it only when a
// proxy in front of the service overwrites them.
func WithTrustedProxyHeaders(trust bool) Option {
	return func(a *api) { a.trustProxy = trust }
}

type api struct {
	svc        AuthService
	resets     PasswordResetter
	logger     *slog.Logger
	metrics    RequestRecorder
	timeout    time.Duration
	trustProxy bool
}

// NewRouter builds the /v1 routes.
func NewRouter(svc AuthService, opts ...Option) http.Handler {
	a := &api{
		svc:     svc,
		logger:  slog.Default(),
		metrics: nopRequestRecorder{},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(a.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.timeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/accounts", a.register)
		r.Post("/sessions", a.login)
		if a.resets != nil {
			r.Post("/password-resets/confirm", a.confirmPasswordReset)
		}

		r.Group(func(r chi.Router) {
			r.Use(a.requireBearer)
			r.Get("/sessions/current", a.validate)
			r.Get("/accounts/me", a.currentAccount)
			r.Put("/accounts/me/password", a.changePassword)
		})
		r.Delete("/sessions/current", a.logout)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "NOT_FOUND", Message: "no such route"}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed,
			errorBody{Error: errorDetail{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"}})
	})
	return r
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type confirmResetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newAccountResponse(a *auth.Account) accountResponse {
	return accountResponse{ID: a.ID.String(), Email: a.Email, Username: a.Username, CreatedAt: a.CreatedAt}
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	account, err := a.svc.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountResponse(account))
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	session, token, err := a.svc.Login(r.Context(), req.Email, req.Password, clientInfo(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{
		Token:     token,
		AccountID: session.AccountID.String(),
		ExpiresAt: session.ExpiresAt,
	})
}

func (a *api) validate(w http.ResponseWriter, r *http.Request) {
	session, err := a.svc.ValidateSession(r.Context(), tokenFrom(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{AccountID: session.AccountID.String(), ExpiresAt: session.ExpiresAt})
}

// logout is outside the bearer group: revoking with no token is a no-op.
func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if err := a.svc.Logout(r.Context(), token); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) currentAccount(w http.ResponseWriter, r *http.Request) {
	account, err := a.svc.CurrentAccount(r.Context(), tokenFrom(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(account))
}

func (a *api) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	err := a.svc.ChangePassword(r.Context(), tokenFrom(r.Context()), req.CurrentPassword, req.NewPassword)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// confirmPasswordReset takes the token in the body so that it stays out of
// access logs.
func (a *api) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.resets.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads exactly one JSON object from the body. Unknown fields and
// anything after the object are rejected.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err != nil {
			return decodeError(err)
		}
		return auth.RequestError("request body has data after the JSON object")
	}
	return nil
}

func decodeError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return auth.RequestError("request body too large")
	}
	return auth.RequestError("request body is not a valid JSON object")
}

func clientInfo(r *http.Request) auth.ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return auth.ClientInfo{UserAgent: r.UserAgent(), IPAddress: ip}
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func statusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindValidation:
		return http.StatusBadRequest
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindAuth:
		return http.StatusUnauthorized
	case auth.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, code, message := auth.PublicError(err)
	status := statusFor(kind)

	switch kind {
	case auth.KindStorage, auth.KindInternal:
		errutil.LogError(r.Context(), a.logger, "request failed", err)
	default:
		a.logger.DebugContext(r.Context(), "request rejected", "code", code)
	}

	if kind == auth.KindStorage {
		w.Header().Set("Retry-After", "1")
	}
	if code == auth.CodeInvalidSession || code == auth.CodeInvalidCredentials {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authd"`)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // client went away
}
