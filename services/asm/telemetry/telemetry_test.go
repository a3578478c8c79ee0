// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		traces  string
		metrics string
		wantErr error
	}{
		{name: "none", traces: "none", metrics: "none"},
		{name: "stdout traces", traces: "stdout", metrics: "none"},
		{name: "stdout metrics", traces: "none", metrics: "stdout"},
		{name: "prometheus", traces: "none", metrics: "prometheus"},
		{name: "unknown traces", traces: "zipkin", metrics: "none", wantErr: ErrUnknownExporter},
		{name: "unknown metrics", traces: "none", metrics: "statsd", wantErr: ErrUnknownExporter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TraceExporter = tt.traces
			cfg.MetricExporter = tt.metrics

			shutdown, err := Init(context.Background(), cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	h := MetricsHandler()
	require.NotNil(t, h)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "auto")
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", slog.Int("step", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "non-terminal output is JSON")
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, float64(3), line["step"])

	buf.Reset()
	logger, err = NewLogger(&buf, "debug", "text")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = NewLogger(&buf, "verbose", "text")
	assert.ErrorIs(t, err, ErrUnknownLogLevel)
	_, err = NewLogger(&buf, "info", "xml")
	assert.ErrorIs(t, err, ErrUnknownLogFormat)
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	assert.Same(t, base, LoggerWithTrace(context.Background(), base))
	assert.NotNil(t, LoggerWithTrace(context.Background(), nil))

	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	LoggerWithTrace(ctx, base).Info("traced")
	assert.Contains(t, buf.String(), `"trace_id":"0123456789abcdef0123456789abcdef"`)
	assert.Contains(t, buf.String(), `"span_id":"0123456789abcdef"`)
}
