// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sensfusion/authd/internal/auth"
	"github.com/sensfusion/authd/internal/config"
	"github.com/sensfusion/authd/internal/logging"
	"github.com/sensfusion/authd/internal/observability"
)

var openResetBackend = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	return openBackend(ctx, cfg, logger)
}

// NewResetPasswordCmd creates the reset-password subcommand.
func NewResetPasswordCmd(load configLoader) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Issue a password reset token for an account",
		Long: `Issue a single-use password reset token for the account with the
given email and print it. Hand the token to the account holder, who redeems it
with POST /v1/password-resets/confirm. Any earlier token for the account stops
working.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				return oops.Code("RESET_EMAIL_REQUIRED").Errorf("--email is required")
			}
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return oops.Code("CONFIG_INVALID").
					With("key", "database.url").
					Errorf("a database url is required (set database.url, --database-url, or DATABASE_URL)")
			}
			return runResetPassword(cmd.Context(), cfg, email, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email of the account to reset")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL (default: $DATABASE_URL)")
	return cmd
}

func runResetPassword(ctx context.Context, cfg *config.Config, email string, out, logOut io.Writer) error {
	logger := logging.Setup(logging.Options{
		Service: "authd",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  logOut,
	})

	be, err := openResetBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	svc, _, err := buildService(cfg, be, logger, observability.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	resets, err := auth.NewPasswordResetService(svc, be.resets, auth.WithResetTokenTTL(cfg.Auth.ResetTokenTTL))
	if err != nil {
		return err
	}

	token, err := resets.RequestReset(ctx, email)
	if err != nil {
		return err
	}
	if token == "" {
		_, err = fmt.Fprintf(out, "No account with email %s\n", auth.NormalizeEmail(email))
		return err
	}
	_, err = fmt.Fprintf(out, "Reset token (valid for %s):\n%s\n", cfg.Auth.ResetTokenTTL, token)
	return err
}
