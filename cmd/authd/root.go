// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/sensfusion/authd/internal/config"
)

// NewRootCmd creates the root command for the authd CLI.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "authd",
		Short: "authd - credential authentication and session service",
		Long: `authd registers accounts, verifies passwords, and issues opaque
session tokens over HTTP and gRPC.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: $XDG_CONFIG_HOME/authd/config.yaml)")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(configFile, cmd.Flags())
	}

	cmd.AddCommand(NewServeCmd(load, nil))
	cmd.AddCommand(NewMigrateCmd(load))
	cmd.AddCommand(NewResetPasswordCmd(load))
	cmd.AddCommand(NewConfigCmd(load))
	cmd.AddCommand(NewClientCmd())
	cmd.AddCommand(NewCertsCmd())

	return cmd
}

// configLoader loads the effective configuration for a command.
type configLoader func(cmd *cobra.Command) (*config.Config, error)
