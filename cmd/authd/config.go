// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/sensfusion/authd/internal/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration serve would run with, after merging the
config file, DATABASE_URL, and flags. The database password is masked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}
