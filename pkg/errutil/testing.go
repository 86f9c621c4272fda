// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorCode asserts that err is non-nil and carries code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err, "expected an error with code %s", code)
	assert.Equal(t, code, Code(err), "error: %v", err)
}

// AssertErrorContext asserts that err carries key=value in its oops context.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T", err)
	ctx := oopsErr.Context()
	got, found := ctx[key]
	require.True(t, found, "context key %q missing from %v", key, ctx)
	assert.Equal(t, value, got)
}

// AssertNoSecrets asserts that no secret appears in output, usually
// captured log lines or a response body. Empty secrets are skipped.
func AssertNoSecrets(t *testing.T, output string, secrets ...string) {
	t.Helper()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		assert.NotContains(t, output, secret, "secret leaked into output")
	}
}
