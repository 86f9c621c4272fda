// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sensfusion/authd/internal/store"
)

// migrator is the subset of *store.Migrator the migrate commands use.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Status() (*store.MigrationStatus, error)
	Close() error
}

var openMigrator = func(databaseURL string) (migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back, or inspect the authd PostgreSQL schema migrations.`,
	}
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL (default: $DATABASE_URL)")

	withMigrator := func(fn func(cmd *cobra.Command, m migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return oops.Code("CONFIG_INVALID").
					With("key", "database.url").
					Errorf("a database url is required (set database.url, --database-url, or DATABASE_URL)")
			}
			m, err := openMigrator(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			if err := m.Down(); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "steps N",
		Short: "Apply N migrations, or roll back -N",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, args []string) error {
			n, err := parseSteps(args[0])
			if err != nil {
				return err
			}
			if err := m.Steps(n); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m migrator, _ []string) error {
			return printStatus(cmd, m)
		}),
	})

	return cmd
}

func parseSteps(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, oops.Code("MIGRATION_STEPS_INVALID").With("steps", s).Wrap(err)
	}
	if n == 0 {
		return 0, oops.Code("MIGRATION_STEPS_INVALID").With("steps", s).Errorf("steps must be non-zero")
	}
	return n, nil
}

func printStatus(cmd *cobra.Command, m migrator) error {
	status, err := m.Status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	dirty := ""
	if status.Dirty {
		dirty = " (dirty)"
	}
	_, _ = fmt.Fprintf(out, "Current version: %d%s\n", status.Version, dirty)
	for _, v := range status.Applied {
		_, _ = fmt.Fprintf(out, "  [applied] %s\n", migrationLabel(v))
	}
	for _, v := range status.Pending {
		_, _ = fmt.Fprintf(out, "  [pending] %s\n", migrationLabel(v))
	}
	return nil
}

func migrationLabel(version uint) string {
	name, err := store.MigrationName(version)
	if err != nil || name == "" {
		return strconv.FormatUint(uint64(version), 10)
	}
	return name
}
