// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensfusion/authd/internal/auth"
)

// Metrics contains the authd Prometheus collectors. It implements
// auth.Recorder.
type Metrics struct {
	Registrations      *prometheus.CounterVec
	Logins             *prometheus.CounterVec
	SessionValidations *prometheus.CounterVec
	SessionsSwept      prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	GRPCRequests       *prometheus.CounterVec
}

// NewMetrics creates and registers the authd metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_registrations_total",
				Help: "Total number of registration attempts by result",
			},
			[]string{"result"},
		),
		Logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),
		SessionValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_session_validations_total",
				Help: "Total number of session validations by result",
			},
			[]string{"result"},
		),
		SessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authd_sessions_swept_total",
				Help: "Total number of expired or revoked sessions deleted by the sweeper",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_http_requests_total",
				Help: "Total number of HTTP API requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		GRPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authd_grpc_requests_total",
				Help: "Total number of gRPC requests by method and status code",
			},
			[]string{"method", "code"},
		),
	}

	reg.MustRegister(m.Registrations, m.Logins, m.SessionValidations, m.SessionsSwept, m.HTTPRequests, m.GRPCRequests)
	return m
}

// RecordRegistration implements auth.Recorder.
func (m *Metrics) RecordRegistration(result string) {
	m.Registrations.WithLabelValues(result).Inc()
}

// RecordLogin implements auth.Recorder.
func (m *Metrics) RecordLogin(result string) {
	m.Logins.WithLabelValues(result).Inc()
}

// RecordValidation implements auth.Recorder.
func (m *Metrics) RecordValidation(result string) {
	m.SessionValidations.WithLabelValues(result).Inc()
}

// RecordSweep implements auth.Recorder.
func (m *Metrics) RecordSweep(removed int64) {
	if removed > 0 {
		m.SessionsSwept.Add(float64(removed))
	}
}

// RecordHTTPRequest counts one HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// RecordGRPCRequest counts one RPC.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequests.WithLabelValues(method, code).Inc()
}

var _ auth.Recorder = (*Metrics)(nil)
