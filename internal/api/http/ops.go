package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arkilian/dicomindex/internal/cleanup"
	"github.com/arkilian/dicomindex/internal/observability"
)

// HealthReporter reports the deletion queue health.
type HealthReporter interface {
	Check(ctx context.Context) (*cleanup.Health, error)
}

// OperationLister lists the reindex operations run by this process.
type OperationLister interface {
	Running() []string
}

// OpsConfig wires the operational endpoints. Nil fields disable the
// corresponding part of the reply.
type OpsConfig struct {
	Mode     string
	Health   HealthReporter
	Reindex  OperationLister
	Stats    *observability.QueryTagStats
	Gatherer prometheus.Gatherer

	// Draining reports whether shutdown has begun.
	Draining func() bool

	Log zerolog.Logger
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string         `json:"status"`
	Mode           string         `json:"mode,omitempty"`
	Cleanup        *CleanupHealth `json:"cleanup,omitempty"`
	RunningReindex []string       `json:"running_reindex,omitempty"`
}

// CleanupHealth is the deletion queue part of HealthResponse.
type CleanupHealth struct {
	cleanup.Health
	OldestDeletionAgeSeconds float64 `json:"oldest_deletion_age_seconds"`
}

// QueryTagStatsResponse is the body of GET /stats/query-tags.
type QueryTagStatsResponse struct {
	Core     []observability.TagUsage `json:"core"`
	Extended []observability.TagUsage `json:"extended"`
}

// NewOpsHandler returns the handler serving /health, /metrics and
// /stats/query-tags.
func NewOpsHandler(cfg OpsConfig) http.Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler(cfg))
	mux.HandleFunc("/stats/query-tags", statsHandler(cfg))

	return ChainMiddleware(
		RequestIDMiddleware,
		RecoveryMiddleware(cfg.Log),
		AccessLogMiddleware(cfg.Log),
	)(mux)
}

func healthHandler(cfg OpsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
			return
		}

		resp := HealthResponse{Status: "ok", Mode: cfg.Mode}
		if cfg.Draining != nil && cfg.Draining() {
			resp.Status = "shutting_down"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		if cfg.Health != nil {
			h, err := cfg.Health.Check(r.Context())
			if err != nil {
				cfg.Log.Error().Err(err).Msg("health check failed")
				writeError(w, http.StatusServiceUnavailable, "health check failed", GetRequestID(r.Context()))
				return
			}
			resp.Cleanup = &CleanupHealth{Health: *h, OldestDeletionAgeSeconds: h.OldestDeletionAge().Seconds()}
			if h.Exhausted > 0 {
				resp.Status = "degraded"
			}
		}
		if cfg.Reindex != nil {
			resp.RunningReindex = cfg.Reindex.Running()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statsHandler(cfg OpsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Stats == nil {
			writeError(w, http.StatusNotFound, "query tag statistics are disabled", GetRequestID(r.Context()))
			return
		}
		n := 10
		if v := r.URL.Query().Get("top"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, "top must be a positive integer", GetRequestID(r.Context()))
				return
			}
			n = parsed
		}
		writeJSON(w, http.StatusOK, QueryTagStatsResponse{
			Core:     cfg.Stats.TopCore(n),
			Extended: cfg.Stats.TopExtended(n),
		})
	}
}
