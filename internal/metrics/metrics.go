// Package metrics holds the Prometheus instrumentation for the sync pipeline.
//
// Metric families:
//   - upstream requests per provider and outcome
//   - sync cycles per outcome, and their duration
//   - readings persisted
//   - the interval chosen for the next cycle
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Cycle outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

var (
	// UpstreamRequestsTotal counts HTTP calls to CGM providers.
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweetwatch_upstream_requests_total",
			Help: "Total number of requests sent to the CGM provider",
		},
		[]string{"provider", "outcome"},
	)

	// SyncCyclesTotal counts fetch-and-store executions.
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweetwatch_sync_cycles_total",
			Help: "Total number of fetch-and-store cycles",
		},
		[]string{"outcome"},
	)

	// SyncDuration tracks fetch-and-store latency.
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sweetwatch_sync_duration_seconds",
			Help:    "Duration of fetch-and-store cycles in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// ReadingsStoredTotal counts newly persisted readings.
	ReadingsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweetwatch_readings_stored_total",
			Help: "Total number of glucose readings persisted",
		},
	)

	// NextIntervalSeconds is the wait chosen after the latest cycle.
	NextIntervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweetwatch_next_interval_seconds",
			Help: "Seconds until the next scheduled sync cycle",
		},
	)
)

// RecordUpstream counts one provider request.
func RecordUpstream(provider, outcome string) {
	UpstreamRequestsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordSync records a completed fetch-and-store.
func RecordSync(outcome string, stored int, took time.Duration) {
	SyncCyclesTotal.WithLabelValues(outcome).Inc()
	SyncDuration.Observe(took.Seconds())
	if stored > 0 {
		ReadingsStoredTotal.Add(float64(stored))
	}
}

// RecordNextInterval publishes the scheduler's decision.
func RecordNextInterval(d time.Duration) {
	NextIntervalSeconds.Set(d.Seconds())
}

// Serve exposes the default registry until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, logger zerolog.Logger) error {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Str("path", path).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
