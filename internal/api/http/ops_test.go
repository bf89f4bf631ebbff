package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/dicomindex/internal/cleanup"
	"github.com/arkilian/dicomindex/internal/observability"
)

type fixedHealth struct {
	h   cleanup.Health
	err error
}

func (f fixedHealth) Check(context.Context) (*cleanup.Health, error) {
	if f.err != nil {
		return nil, f.err
	}
	h := f.h
	return &h, nil
}

type fixedOps []string

func (f fixedOps) Running() []string { return f }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth_ReportsCleanupAndReindex(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewOpsHandler(OpsConfig{
		Mode: "all",
		Health: fixedHealth{h: cleanup.Health{
			OldestDeletion: now.Add(-90 * time.Second),
			Pending:        true,
			CheckedAt:      now,
		}},
		Reindex: fixedOps{"op-1"},
		Log:     zerolog.Nop(),
	})

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "all", resp.Mode)
	require.NotNil(t, resp.Cleanup)
	assert.InDelta(t, 90, resp.Cleanup.OldestDeletionAgeSeconds, 0.001)
	assert.Equal(t, []string{"op-1"}, resp.RunningReindex)
}

func TestHealth_DegradedAndFailing(t *testing.T) {
	degraded := NewOpsHandler(OpsConfig{Health: fixedHealth{h: cleanup.Health{Exhausted: 2}}, Log: zerolog.Nop()})
	rec := get(t, degraded, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	failing := NewOpsHandler(OpsConfig{Health: fixedHealth{err: errors.New("db locked")}, Log: zerolog.Nop()})
	rec = get(t, failing, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	draining := NewOpsHandler(OpsConfig{Draining: func() bool { return true }, Log: zerolog.Nop()})
	rec = get(t, draining, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting_down")
}

func TestMetrics_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := get(t, NewOpsHandler(OpsConfig{Gatherer: reg, Log: zerolog.Nop()}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops_test_total 1")
}

func TestQueryTagStats(t *testing.T) {
	stats := observability.NewQueryTagStats(time.Hour)
	stats.Record("PatientName", "fuzzy", false)
	stats.Record("PatientName", "equals", false)
	stats.Record("00101001", "equals", true)

	h := NewOpsHandler(OpsConfig{Stats: stats, Log: zerolog.Nop()})
	rec := get(t, h, "/stats/query-tags?top=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueryTagStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Core, 1)
	assert.Equal(t, "PatientName", resp.Core[0].Attribute)
	assert.EqualValues(t, 2, resp.Core[0].Frequency)
	require.Len(t, resp.Extended, 1)

	rec = get(t, h, "/stats/query-tags?top=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, NewOpsHandler(OpsConfig{Log: zerolog.Nop()}), "/stats/query-tags")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := ChainMiddleware(RequestIDMiddleware, RecoveryMiddleware(zerolog.Nop()))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "req-7"))
}
