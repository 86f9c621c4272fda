// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package errutil holds helpers for oops-coded errors.
package errutil

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// Code returns the oops code carried by err, or "" when err has none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code, ok := oopsErr.Code().(string); ok {
		return code
	}
	return ""
}

// LogError logs err at ERROR with its code and context when it is an oops
// error, or with just the error string otherwise.
func LogError(ctx context.Context, logger *slog.Logger, msg string, err error) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.ErrorContext(ctx, msg, "error", err)
		return
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil && code != "" {
		attrs = append(attrs, "code", code)
	}
	if errCtx := oopsErr.Context(); len(errCtx) > 0 {
		attrs = append(attrs, "context", errCtx)
	}
	logger.ErrorContext(ctx, msg, attrs...)
}
