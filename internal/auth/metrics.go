// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

// Metric result labels.
const (
	ResultSuccess  = "success"
	ResultInvalid  = "invalid"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Recorder receives operation outcomes for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordRegistration(result string)
	RecordLogin(result string)
	RecordValidation(result string)
	RecordSweep(removed int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordRegistration(string) {}
func (nopRecorder) RecordLogin(string)        {}
func (nopRecorder) RecordValidation(string)   {}
func (nopRecorder) RecordSweep(int64)         {}

// resultOf maps an operation error to a metric label.
func resultOf(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ResultSuccess
	case KindValidation, KindAuth:
		return ResultInvalid
	case KindConflict:
		return ResultConflict
	default:
		return ResultError
	}
}
