// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package store

import (
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensfusion/authd/pkg/errutil"
)

type mockMigrate struct {
	upErr      error
	downErr    error
	stepsErr   error
	steps      int
	version    uint
	dirty      bool
	versionErr error
	srcErr     error
	dbErr      error
}

func (m *mockMigrate) Up() error   { return m.upErr }
func (m *mockMigrate) Down() error { return m.downErr }
func (m *mockMigrate) Steps(n int) error {
	m.steps = n
	return m.stepsErr
}

func (m *mockMigrate) Version() (uint, bool, error) {
	return m.version, m.dirty, m.versionErr
}

func (m *mockMigrate) Close() (error, error) { return m.srcErr, m.dbErr }

func TestMigrator_UpDownSteps(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		mock     *mockMigrate
		run      func(*Migrator) error
		wantCode string
	}{
		{"up applies", &mockMigrate{}, (*Migrator).Up, ""},
		{"up no change", &mockMigrate{upErr: migrate.ErrNoChange}, (*Migrator).Up, ""},
		{"up fails", &mockMigrate{upErr: boom}, (*Migrator).Up, "MIGRATION_UP_FAILED"},
		{"down no change", &mockMigrate{downErr: migrate.ErrNoChange}, (*Migrator).Down, ""},
		{"down fails", &mockMigrate{downErr: boom}, (*Migrator).Down, "MIGRATION_DOWN_FAILED"},
		{"steps fail", &mockMigrate{stepsErr: boom}, func(m *Migrator) error { return m.Steps(-1) }, "MIGRATION_STEPS_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(&Migrator{m: tt.mock})
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			errutil.AssertErrorCode(t, err, tt.wantCode)
		})
	}
}

func TestMigrator_StepsPassesCount(t *testing.T) {
	mock := &mockMigrate{}
	require.NoError(t, (&Migrator{m: mock}).Steps(2))
	assert.Equal(t, 2, mock.steps)
}

func TestMigrator_Version(t *testing.T) {
	t.Run("fresh database", func(t *testing.T) {
		v, dirty, err := (&Migrator{m: &mockMigrate{versionErr: migrate.ErrNilVersion}}).Version()
		require.NoError(t, err)
		assert.Zero(t, v)
		assert.False(t, dirty)
	})

	t.Run("dirty", func(t *testing.T) {
		v, dirty, err := (&Migrator{m: &mockMigrate{version: 2, dirty: true}}).Version()
		require.NoError(t, err)
		assert.Equal(t, uint(2), v)
		assert.True(t, dirty)
	})

	t.Run("failure", func(t *testing.T) {
		_, _, err := (&Migrator{m: &mockMigrate{versionErr: errors.New("down")}}).Version()
		errutil.AssertErrorCode(t, err, "MIGRATION_VERSION_FAILED")
	})
}

func TestMigrator_Status(t *testing.T) {
	status, err := (&Migrator{m: &mockMigrate{version: 1}}).Status()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.Version)
	assert.Equal(t, []uint{1}, status.Applied)
	assert.Equal(t, []uint{2, 3}, status.Pending)

	status, err = (&Migrator{m: &mockMigrate{versionErr: migrate.ErrNilVersion}}).Status()
	require.NoError(t, err)
	assert.Empty(t, status.Applied)
	assert.Equal(t, []uint{1, 2, 3}, status.Pending)
}

func TestMigrator_Close(t *testing.T) {
	tests := []struct {
		name      string
		mock      *mockMigrate
		component string
	}{
		{"source", &mockMigrate{srcErr: errors.New("src")}, "source"},
		{"database", &mockMigrate{dbErr: errors.New("db")}, "database"},
		{"both", &mockMigrate{srcErr: errors.New("src"), dbErr: errors.New("db")}, "both"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Migrator{m: tt.mock}).Close()
			errutil.AssertErrorCode(t, err, "MIGRATION_CLOSE_FAILED")
			errutil.AssertErrorContext(t, err, "component", tt.component)
		})
	}

	assert.NoError(t, (&Migrator{m: &mockMigrate{}}).Close())
}

func TestMigrationName(t *testing.T) {
	name, err := MigrationName(1)
	require.NoError(t, err)
	assert.Equal(t, "000001_accounts", name)

	name, err = MigrationName(2)
	require.NoError(t, err)
	assert.Equal(t, "000002_sessions", name)

	name, err = MigrationName(999)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestAllMigrationVersions_ReturnsCopy(t *testing.T) {
	first, err := allMigrationVersions()
	require.NoError(t, err)
	require.Equal(t, []uint{1, 2, 3}, first)

	first[0] = 42
	second, err := allMigrationVersions()
	require.NoError(t, err)
	assert.Equal(t, uint(1), second[0])
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, base := range []string{"000001_accounts", "000002_sessions"} {
		assert.True(t, names[base+".up.sql"], base+" up")
		assert.True(t, names[base+".down.sql"], base+" down")
	}
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@h/db":    "pgx5://u:p@h/db",
		"postgresql://u:p@h/db":  "pgx5://u:p@h/db",
		"pgx5://u:p@h/db":        "pgx5://u:p@h/db",
		"host=localhost dbname=x": "host=localhost dbname=x",
	}
	for in, want := range tests {
		assert.Equal(t, want, migrateURL(in), in)
	}
}
