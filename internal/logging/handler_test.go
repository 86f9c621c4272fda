// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "Failed to parse JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authd", Version: "1.0.0", Format: "json", Writer: &buf})

	logger.Info("test message")

	entry := decode(t, &buf)
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "authd", entry["service"])
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "level")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authd", Format: "text", Writer: &buf})

	logger.Info("test message")

	assert.Contains(t, buf.String(), "test message")
	assert.Contains(t, buf.String(), "service=authd")
}

func TestSetup_DefaultFormatIsJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Writer: &buf}).Info("test message")
	decode(t, &buf)
}

func TestSetup_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Level: "warn", Writer: &buf})

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Equal(t, "kept", decode(t, &buf)["msg"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Service: "authd", Writer: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "traced message")

	entry := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestHandler_NoTraceContext(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Writer: &buf}).Info("no trace message")

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandler_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Writer: &buf}).With("token", "abc123")

	logger.Info("request",
		"password", "hunter2",
		"Authorization", "Bearer abc123",
		"password_hash", "$argon2id$...",
		"email", "a@example.com",
	)

	entry := decode(t, &buf)
	assert.Equal(t, Redacted, entry["password"])
	assert.Equal(t, Redacted, entry["Authorization"])
	assert.Equal(t, Redacted, entry["password_hash"])
	assert.Equal(t, Redacted, entry["token"])
	assert.Equal(t, "a@example.com", entry["email"])
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "abc123")
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	logger := SetDefault(Options{Service: "test-service", Version: "2.0.0"})
	assert.Same(t, logger, slog.Default())
}
