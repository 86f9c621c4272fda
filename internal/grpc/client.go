// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/samber/oops"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client calls authd.v1.AuthService.
type Client struct {
	conn *grpc.ClientConn
}

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	// Address is the target gRPC server address (e.g., "localhost:9090")
	Address string

	// TLSConfig enables TLS. If nil, an insecure connection is used.
	TLSConfig *tls.Config

	// KeepaliveTime is how often to ping the server (default: 30s)
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for ping response (default: 5s)
	KeepaliveTimeout time.Duration

	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// NewClient creates a Client. The connection is established lazily.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, oops.Code("GRPC_CLIENT_INVALID").Errorf("address is required")
	}
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = 30 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 5 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg.TLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, oops.Code("GRPC_CONNECT_FAILED").With("address", cfg.Address).Wrap(err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	if err := c.conn.Close(); err != nil {
		return oops.Code("GRPC_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	//nolint:wrapcheck // status errors are returned unwrapped so status.FromError works
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// withBearer attaches the token as authorization metadata.
func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, username, password string) (*AccountReply, error) {
	out := new(AccountReply)
	if err := c.invoke(ctx, "Register", &RegisterRequest{Email: email, Username: username, Password: password}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginReply, error) {
	out := new(LoginReply)
	if err := c.invoke(ctx, "Login", &LoginRequest{Email: email, Password: password}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks a session token.
func (c *Client) Validate(ctx context.Context, token string) (*SessionReply, error) {
	out := new(SessionReply)
	if err := c.invoke(ctx, "Validate", &ValidateRequest{Token: token}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke ends a session.
func (c *Client) Revoke(ctx context.Context, token string) error {
	return c.invoke(ctx, "Revoke", &RevokeRequest{Token: token}, new(Empty))
}

// CurrentAccount returns the account owning token.
func (c *Client) CurrentAccount(ctx context.Context, token string) (*AccountReply, error) {
	out := new(AccountReply)
	if err := c.invoke(withBearer(ctx, token), "CurrentAccount", &CurrentAccountRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangePassword replaces the password of the account owning token.
func (c *Client) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	req := &ChangePasswordRequest{CurrentPassword: currentPassword, NewPassword: newPassword}
	return c.invoke(withBearer(ctx, token), "ChangePassword", req, new(Empty))
}

// ErrorCode returns the authd error code carried by an RPC error, or "".
func ErrorCode(err error) string {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return ""
	}
	for _, d := range se.GRPCStatus().Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}
