// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package grpc serves and calls authd.v1.AuthService over gRPC with a JSON
// codec.
package grpc

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/pkg/errutil"
)

// ErrorDomain is the errdetails.ErrorInfo domain of authd errors.
const ErrorDomain = "authd"

// AuthService is the subset of *auth.Service the server calls.
type AuthService interface {
	Register(ctx context.Context, email, username, password string) (*auth.Account, error)
	Login(ctx context.Context, email, password string, client auth.ClientInfo) (*auth.Session, string, error)
	Logout(ctx context.Context, token string) error
	ValidateSession(ctx context.Context, token string) (*auth.Session, error)
	CurrentAccount(ctx context.Context, token string) (*auth.Account, error)
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
}

// Server implements AuthServiceServer over an AuthService.
type Server struct {
	svc    AuthService
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(svc AuthService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, logger: logger}
}

// Register implements AuthServiceServer.
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*AccountReply, error) {
	account, err := s.svc.Register(ctx, req.Email, req.Username, req.Password)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return accountReply(account), nil
}

// Login implements AuthServiceServer.
func (s *Server) Login(ctx context.Context, req *LoginRequest) (*LoginReply, error) {
	session, token, err := s.svc.Login(ctx, req.Email, req.Password, clientInfo(ctx, req.UserAgent))
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &LoginReply{Token: token, AccountID: session.AccountID.String(), ExpiresAt: session.ExpiresAt}, nil
}

// Validate implements AuthServiceServer. The token may come from the request
// or from bearer metadata.
func (s *Server) Validate(ctx context.Context, req *ValidateRequest) (*SessionReply, error) {
	session, err := s.svc.ValidateSession(ctx, tokenOr(ctx, req.Token))
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &SessionReply{AccountID: session.AccountID.String(), ExpiresAt: session.ExpiresAt}, nil
}

// Revoke implements AuthServiceServer.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) (*Empty, error) {
	if err := s.svc.Logout(ctx, tokenOr(ctx, req.Token)); err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &Empty{}, nil
}

// CurrentAccount implements AuthServiceServer.
func (s *Server) CurrentAccount(ctx context.Context, _ *CurrentAccountRequest) (*AccountReply, error) {
	token, ok := bearerToken(ctx)
	if !ok {
		return nil, s.statusError(ctx, auth.MissingSession())
	}
	account, err := s.svc.CurrentAccount(ctx, token)
	if err != nil {
		return nil, s.statusError(ctx, err)
	}
	return accountReply(account), nil
}

// ChangePassword implements AuthServiceServer.
func (s *Server) ChangePassword(ctx context.Context, req *ChangePasswordRequest) (*Empty, error) {
	token, ok := bearerToken(ctx)
	if !ok {
		return nil, s.statusError(ctx, auth.MissingSession())
	}
	if err := s.svc.ChangePassword(ctx, token, req.CurrentPassword, req.NewPassword); err != nil {
		return nil, s.statusError(ctx, err)
	}
	return &Empty{}, nil
}

func accountReply(a *auth.Account) *AccountReply {
	return &AccountReply{ID: a.ID.String(), Email: a.Email, Username: a.Username, CreatedAt: a.CreatedAt}
}

func clientInfo(ctx context.Context, userAgent string) auth.ClientInfo {
	info := auth.ClientInfo{UserAgent: userAgent}
	if info.UserAgent == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ua := md.Get("user-agent"); len(ua) > 0 {
				info.UserAgent = ua[0]
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		info.IPAddress = p.Addr.String()
		if host, _, err := net.SplitHostPort(info.IPAddress); err == nil {
			info.IPAddress = host
		}
	}
	return info
}

// bearerToken reads "authorization: Bearer <token>" metadata.
func bearerToken(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get("authorization") {
		scheme, token, found := strings.Cut(v, " ")
		if found && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), true
		}
	}
	return "", false
}

func tokenOr(ctx context.Context, token string) string {
	if token != "" {
		return token
	}
	token, _ = bearerToken(ctx)
	return token
}

func codeFor(kind auth.Kind) codes.Code {
	switch kind {
	case auth.KindValidation:
		return codes.InvalidArgument
	case auth.KindConflict:
		return codes.AlreadyExists
	case auth.KindAuth:
		return codes.Unauthenticated
	case auth.KindStorage:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// statusError converts a service error into a status carrying the public
// code as an ErrorInfo reason.
func (s *Server) statusError(ctx context.Context, err error) error {
	kind, code, message := auth.PublicError(err)
	if kind == auth.KindStorage || kind == auth.KindInternal {
		errutil.LogError(ctx, s.logger, "rpc failed", err)
	}

	st := status.New(codeFor(kind), message)
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{Reason: code, Domain: ErrorDomain})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ServerConfig configures NewGRPCServer.
type ServerConfig struct {
	// TLSConfig enables TLS. Nil serves plaintext.
	TLSConfig *tls.Config
	Logger    *slog.Logger
	Metrics   RPCRecorder
}

// NewGRPCServer creates a grpc.Server with the auth service, the standard
// health service, and the logging interceptor registered.
func NewGRPCServer(svc AuthService, cfg ServerConfig) (*grpc.Server, *health.Server) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoveryInterceptor(logger), loggingInterceptor(logger, cfg.Metrics)),
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(cfg.TLSConfig)))
	}

	srv := grpc.NewServer(opts...)
	srv.RegisterService(&AuthServiceDesc, NewServer(svc, logger))

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	return srv, healthSrv
}
