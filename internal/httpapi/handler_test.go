// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/internal/auth/memory"
	"github.com/sensfusion/authd/internal/auth/mocks"
	"github.com/sensfusion/authd/internal/httpapi"
	"github.com/sensfusion/authd/pkg/errutil"
)

var cheapParams = auth.Argon2Params{Time: 1, MemoryKiB: 64, Threads: 1}

type recordedRequest struct {
	method, route string
	status        int
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) RecordHTTPRequest(method, route string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, recordedRequest{method, route, status})
}

func newService(t *testing.T, accounts auth.AccountRepository) *auth.Service {
	t.Helper()
	mgr, err := auth.NewSessionManager(memory.NewSessionRepository())
	require.NoError(t, err)
	hasher, err := auth.NewArgon2idHasher(cheapParams)
	require.NoError(t, err)
	svc, err := auth.NewAuthService(accounts, mgr, hasher, auth.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return svc
}

func newServer(t *testing.T, svc httpapi.AuthService, opts ...httpapi.Option) *httptest.Server {
	t.Helper()
	opts = append([]httpapi.Option{httpapi.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	srv := httptest.NewServer(httpapi.NewRouter(svc, opts...))
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func do(t *testing.T, srv *httptest.Server, method, path, token string, body any) response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "httpapi-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	out := response{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

func errorCode(r response) string {
	detail, _ := r.body["error"].(map[string]any)
	code, _ := detail["code"].(string)
	return code
}

var alice = map[string]string{"email": "A@B.com", "username": "alice", "password": "hunter2345"}

func TestAPI_EndToEnd(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))

	reg := do(t, srv, http.MethodPost, "/v1/accounts", "", alice)
	require.Equal(t, http.StatusCreated, reg.status)
	assert.Equal(t, "a@b.com", reg.body["email"])
	assert.Equal(t, "alice", reg.body["username"])
	assert.NotContains(t, reg.body, "password_hash")
	accountID := reg.body["id"].(string)

	login := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "hunter2345"})
	require.Equal(t, http.StatusCreated, login.status)
	assert.Equal(t, accountID, login.body["account_id"])
	token := login.body["token"].(string)
	assert.Len(t, token, 64)

	current := do(t, srv, http.MethodGet, "/v1/sessions/current", token, nil)
	require.Equal(t, http.StatusOK, current.status)
	assert.Equal(t, accountID, current.body["account_id"])

	me := do(t, srv, http.MethodGet, "/v1/accounts/me", token, nil)
	require.Equal(t, http.StatusOK, me.status)
	assert.Equal(t, "a@b.com", me.body["email"])

	logout := do(t, srv, http.MethodDelete, "/v1/sessions/current", token, nil)
	assert.Equal(t, http.StatusNoContent, logout.status)
	again := do(t, srv, http.MethodDelete, "/v1/sessions/current", token, nil)
	assert.Equal(t, http.StatusNoContent, again.status, "revoke is idempotent")

	after := do(t, srv, http.MethodGet, "/v1/sessions/current", token, nil)
	assert.Equal(t, http.StatusUnauthorized, after.status)
	assert.Equal(t, auth.CodeInvalidSession, errorCode(after))
	assert.Contains(t, after.header.Get("WWW-Authenticate"), "Bearer")
}

func TestAPI_RegisterErrors(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"duplicate with other casing", map[string]string{"email": "a@B.COM", "username": "al", "password": "hunter2345"}, http.StatusConflict, auth.CodeDuplicateEmail},
		{"bad email", map[string]string{"email": "nope", "username": "bob", "password": "hunter2345"}, http.StatusBadRequest, auth.CodeInvalidEmail},
		{"empty username", map[string]string{"email": "b@b.com", "username": " ", "password": "hunter2345"}, http.StatusBadRequest, auth.CodeInvalidUsername},
		{"weak password", map[string]string{"email": "b@b.com", "username": "bob", "password": "short"}, http.StatusBadRequest, auth.CodeWeakPassword},
		{"not json", "{", http.StatusBadRequest, auth.CodeInvalidRequest},
		{"unknown field", `{"email":"b@b.com","admin":true}`, http.StatusBadRequest, auth.CodeInvalidRequest},
		{"second object", `{"email":"b@b.com","username":"bob","password":"hunter2345"}{}`, http.StatusBadRequest, auth.CodeInvalidRequest},
		{"trailing garbage", `{"email":"b@b.com","username":"bob","password":"hunter2345"} xyz`, http.StatusBadRequest, auth.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, "/v1/accounts", "", tt.body)
			assert.Equal(t, tt.wantStatus, resp.status)
			assert.Equal(t, tt.wantCode, errorCode(resp))
		})
	}
}

func TestAPI_LoginFailuresAreIndistinguishable(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)

	unknown := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "nobody@b.com", "password": "hunter2345"})
	wrong := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "wrong-password"})

	assert.Equal(t, http.StatusUnauthorized, unknown.status)
	assert.Equal(t, unknown.status, wrong.status)
	assert.Equal(t, unknown.body, wrong.body)
	assert.Equal(t, auth.CodeInvalidCredentials, errorCode(wrong))
}

func TestAPI_BearerRequired(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))

	for _, path := range []string{"/v1/sessions/current", "/v1/accounts/me"} {
		resp := do(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.status, path)
		assert.Equal(t, auth.CodeInvalidSession, errorCode(resp), path)
	}

	garbage := do(t, srv, http.MethodGet, "/v1/accounts/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, garbage.status)

	logout := do(t, srv, http.MethodDelete, "/v1/sessions/current", "", nil)
	assert.Equal(t, http.StatusNoContent, logout.status)
}

func TestAPI_ChangePassword(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)
	login := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "hunter2345"})
	token := login.body["token"].(string)

	wrong := do(t, srv, http.MethodPut, "/v1/accounts/me/password", token,
		map[string]string{"current_password": "nope-nope", "new_password": "correct horse"})
	assert.Equal(t, http.StatusUnauthorized, wrong.status)

	weak := do(t, srv, http.MethodPut, "/v1/accounts/me/password", token,
		map[string]string{"current_password": "hunter2345", "new_password": "x"})
	assert.Equal(t, http.StatusBadRequest, weak.status)
	assert.Equal(t, auth.CodeWeakPassword, errorCode(weak))

	ok := do(t, srv, http.MethodPut, "/v1/accounts/me/password", token,
		map[string]string{"current_password": "hunter2345", "new_password": "correct horse"})
	require.Equal(t, http.StatusNoContent, ok.status)

	assert.Equal(t, http.StatusUnauthorized,
		do(t, srv, http.MethodGet, "/v1/sessions/current", token, nil).status, "sessions revoked")
	assert.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "correct horse"}).status)
}

func TestAPI_StorageFailureIsUnavailable(t *testing.T) {
	accounts := mocks.NewMockAccountRepository(t)
	accounts.On("GetByEmail", mock.Anything, "a@b.com").Return(nil, errors.New("dial tcp 10.0.0.7:5432: refused"))
	srv := newServer(t, newService(t, accounts))

	resp := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "hunter2345"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.Equal(t, auth.CodeStorageUnavailable, errorCode(resp))
	assert.Equal(t, "1", resp.header.Get("Retry-After"))
	assert.NotContains(t, resp.body["error"].(map[string]any)["message"], "10.0.0.7")
}

func TestAPI_NotFoundAndMethod(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v2/nothing", "", nil).status)
	resp := do(t, srv, http.MethodGet, "/v1/accounts", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.status)
	assert.Equal(t, "METHOD_NOT_ALLOWED", errorCode(resp))
}

func TestAPI_RecordsRoutePatterns(t *testing.T) {
	log := &requestLog{}
	srv := newServer(t, newService(t, memory.NewAccountRepository()), httpapi.WithMetrics(log))

	do(t, srv, http.MethodPost, "/v1/accounts", "", alice)
	do(t, srv, http.MethodGet, "/v1/accounts/me", "", nil)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.requests, 2)
	assert.Equal(t, recordedRequest{http.MethodPost, "/v1/accounts", http.StatusCreated}, log.requests[0])
	assert.Equal(t, recordedRequest{http.MethodGet, "/v1/accounts/me", http.StatusUnauthorized}, log.requests[1])
}

func TestAPI_LogsNeverContainSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := newServer(t, newService(t, memory.NewAccountRepository()), httpapi.WithLogger(logger))

	do(t, srv, http.MethodPost, "/v1/accounts", "", alice)
	login := do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "hunter2345"})
	token := login.body["token"].(string)
	do(t, srv, http.MethodGet, "/v1/accounts/me", token, nil)

	assert.Contains(t, buf.String(), "http request")
	errutil.AssertNoSecrets(t, buf.String(), "hunter2345", token)
}

func TestAPI_TrailingWhitespaceIsAccepted(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))

	resp := do(t, srv, http.MethodPost, "/v1/accounts", "",
		`{"email":"c@b.com","username":"cy","password":"hunter2345"}`+"\n\t ")
	assert.Equal(t, http.StatusCreated, resp.status)
}

func TestAPI_TrailingDataDoesNotReachService(t *testing.T) {
	accounts := mocks.NewMockAccountRepository(t)
	srv := newServer(t, newService(t, accounts))

	resp := do(t, srv, http.MethodPost, "/v1/sessions", "",
		`{"email":"a@b.com","password":"hunter2345"}{"email":"other@b.com"}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, auth.CodeInvalidRequest, errorCode(resp))
	accounts.AssertNotCalled(t, "GetByEmail", mock.Anything, mock.Anything)
}

// loginCapture records the client info handed to Login.
type loginCapture struct {
	httpapi.AuthService
	mu     sync.Mutex
	client auth.ClientInfo
}

func (c *loginCapture) Login(ctx context.Context, email, password string, client auth.ClientInfo) (*auth.Session, string, error) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return c.AuthService.Login(ctx, email, password, client)
}

func (c *loginCapture) lastIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.IPAddress
}

func loginWithForwardedFor(t *testing.T, srv *httptest.Server, forwarded string) {
	t.Helper()
	body := strings.NewReader(`{"email":"a@b.com","password":"hunter2345"}`)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/v1/sessions", body)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", forwarded)
	req.Header.Set("X-Real-IP", forwarded)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAPI_ClientAddress(t *testing.T) {
	t.Run("forwarding headers are ignored by default", func(t *testing.T) {
		capture := &loginCapture{AuthService: newService(t, memory.NewAccountRepository())}
		srv := newServer(t, capture)
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)

		loginWithForwardedFor(t, srv, "203.0.113.9")
		assert.Equal(t, "127.0.0.1", capture.lastIP())
	})

	t.Run("forwarding headers are used behind a trusted proxy", func(t *testing.T) {
		capture := &loginCapture{AuthService: newService(t, memory.NewAccountRepository())}
		srv := newServer(t, capture, httpapi.WithTrustedProxyHeaders(true))
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)

		loginWithForwardedFor(t, srv, "203.0.113.9")
		assert.Equal(t, "203.0.113.9", capture.lastIP())
	})
}

func TestAPI_ConfirmPasswordReset(t *testing.T) {
	accounts := memory.NewAccountRepository()
	svc := newService(t, accounts)
	resets, err := auth.NewPasswordResetService(svc, memory.NewPasswordResetRepository())
	require.NoError(t, err)
	srv := newServer(t, svc, httpapi.WithPasswordResets(resets))
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/accounts", "", alice).status)

	token, err := resets.RequestReset(t.Context(), "a@b.com")
	require.NoError(t, err)

	bad := do(t, srv, http.MethodPost, "/v1/password-resets/confirm", "",
		map[string]string{"token": "nope", "new_password": "x"})
	assert.Equal(t, http.StatusUnauthorized, bad.status)
	assert.Equal(t, auth.CodeInvalidResetToken, errorCode(bad))
	assert.Empty(t, bad.header.Get("WWW-Authenticate"))

	weak := do(t, srv, http.MethodPost, "/v1/password-resets/confirm", "",
		map[string]string{"token": token, "new_password": "x"})
	assert.Equal(t, http.StatusBadRequest, weak.status)
	assert.Equal(t, auth.CodeWeakPassword, errorCode(weak))

	ok := do(t, srv, http.MethodPost, "/v1/password-resets/confirm", "",
		map[string]string{"token": token, "new_password": "correct horse"})
	require.Equal(t, http.StatusNoContent, ok.status)

	assert.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/sessions", "",
		map[string]string{"email": "a@b.com", "password": "correct horse"}).status)
}

func TestAPI_PasswordResetRouteNeedsResetter(t *testing.T) {
	srv := newServer(t, newService(t, memory.NewAccountRepository()))

	resp := do(t, srv, http.MethodPost, "/v1/password-resets/confirm", "",
		map[string]string{"token": "x", "new_password": "correct horse"})
	assert.Equal(t, http.StatusNotFound, resp.status)
}
