// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	authgrpc "github.com/sensfusion/authd/internal/grpc"
	authtls "github.com/sensfusion/authd/internal/tls"
)

// clientOptions are the connection flags shared by the client commands.
type clientOptions struct {
	addr    string
	caFile  string
	useTLS  bool
	timeout time.Duration
	token   string
}

// NewClientCmd creates the client subcommand, a thin gRPC client for
// scripting and smoke tests.
func NewClientCmd() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Call a running authd over gRPC",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:9090", "authd gRPC address")
	cmd.PersistentFlags().BoolVar(&opts.useTLS, "tls", false, "connect with TLS")
	cmd.PersistentFlags().StringVar(&opts.caFile, "ca-file", "", "CA certificate to trust (implies --tls)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-call timeout")

	tokenFlag := func(c *cobra.Command) {
		c.Flags().StringVar(&opts.token, "token", "", "session token (default: $AUTHD_TOKEN)")
	}

	var email, username, password string
	register := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordFrom(cmd, password)
			if err != nil {
				return err
			}
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return c.Register(ctx, email, username, pw)
			})
		},
	}
	register.Flags().StringVar(&email, "email", "", "account email")
	register.Flags().StringVar(&username, "username", "", "account username")
	register.Flags().StringVar(&password, "password", "", "password (default: read from stdin)")
	_ = register.MarkFlagRequired("email")
	_ = register.MarkFlagRequired("username")

	var loginEmail, loginPassword string
	login := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := passwordFrom(cmd, loginPassword)
			if err != nil {
				return err
			}
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return c.Login(ctx, loginEmail, pw)
			})
		},
	}
	login.Flags().StringVar(&loginEmail, "email", "", "account email")
	login.Flags().StringVar(&loginPassword, "password", "", "password (default: read from stdin)")
	_ = login.MarkFlagRequired("email")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return c.Validate(ctx, opts.resolvedToken())
			})
		},
	}
	tokenFlag(validate)

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Revoke a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return nil, c.Revoke(ctx, opts.resolvedToken())
			})
		},
	}
	tokenFlag(logout)

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Print the account owning a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return c.CurrentAccount(ctx, opts.resolvedToken())
			})
		},
	}
	tokenFlag(whoami)

	var currentPassword, newPassword string
	passwd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the password of the token's account",
		Long: `Change the password of the account owning the session token. Every
session of the account, including this one, is revoked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd, func(ctx context.Context, c *authgrpc.Client) (any, error) {
				return nil, c.ChangePassword(ctx, opts.resolvedToken(), currentPassword, newPassword)
			})
		},
	}
	tokenFlag(passwd)
	passwd.Flags().StringVar(&currentPassword, "current", "", "current password")
	passwd.Flags().StringVar(&newPassword, "new", "", "new password")
	_ = passwd.MarkFlagRequired("current")
	_ = passwd.MarkFlagRequired("new")

	cmd.AddCommand(register, login, validate, logout, whoami, passwd)
	return cmd
}

func (o *clientOptions) resolvedToken() string {
	if o.token != "" {
		return o.token
	}
	return os.Getenv("AUTHD_TOKEN")
}

func (o *clientOptions) dial() (*authgrpc.Client, error) {
	cfg := authgrpc.ClientConfig{Address: o.addr}
	if o.useTLS || o.caFile != "" {
		tlsConfig, err := authtls.ClientConfig(o.caFile)
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tlsConfig
	}
	return authgrpc.NewClient(cfg)
}

// call dials, runs fn under the call timeout, and prints its result as JSON.
func (o *clientOptions) call(cmd *cobra.Command, fn func(context.Context, *authgrpc.Client) (any, error)) error {
	client, err := o.dial()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	result, err := fn(ctx, client)
	if err != nil {
		if code := authgrpc.ErrorCode(err); code != "" {
			return oops.Code(code).With("addr", o.addr).Wrap(err)
		}
		return oops.Code("RPC_FAILED").With("addr", o.addr).Wrap(err)
	}
	if result == nil {
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}
	return nil
}

// passwordFrom returns flagValue, or the first line of the command's input.
func passwordFrom(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", oops.Code("PASSWORD_REQUIRED").Errorf("password is required (use --password or stdin)")
	}
	return line, nil
}
