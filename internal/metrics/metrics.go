// Package metrics provides Prometheus metrics for reconciliation passes and
// ROI extraction.
//
// All recording methods are safe on a nil *Metrics, so components can take
// metrics as an optional dependency.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets are the histogram buckets used for pass and extraction
// durations, in seconds.
var DurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the collectors for one process.
type Metrics struct {
	PassesTotal        prometheus.Counter
	PassErrors         prometheus.Counter
	PassDuration       prometheus.Histogram
	TransitionsTotal   *prometheus.CounterVec
	SkippedTotal       prometheus.Counter
	LastPassTimestamp  prometheus.Gauge
	ExtractionsTotal   *prometheus.CounterVec
	ExtractionDuration prometheus.Histogram
	MaskCacheTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.PassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "echoroi_reconcile_passes_total",
		Help: "Total number of committed reconciliation passes",
	})
	m.PassErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "echoroi_reconcile_pass_errors_total",
		Help: "Total number of reconciliation passes rolled back",
	})
	m.PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "echoroi_reconcile_pass_duration_seconds",
		Help:    "Duration of reconciliation passes in seconds",
		Buckets: DurationBuckets,
	})
	m.TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echoroi_reconcile_shapes_total",
		Help: "Shapes classified by reconciliation passes, by resulting status",
	}, []string{"status"})
	m.SkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "echoroi_reconcile_skipped_records_total",
		Help: "Annotation records skipped because they could not be read or parsed",
	})
	m.LastPassTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "echoroi_reconcile_last_pass_timestamp_seconds",
		Help: "Unix time of the last committed reconciliation pass",
	})
	m.ExtractionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echoroi_extractions_total",
		Help: "ROI extractions by outcome",
	}, []string{"outcome"})
	m.ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "echoroi_extraction_duration_seconds",
		Help:    "Duration of ROI extractions in seconds",
		Buckets: DurationBuckets,
	})
	m.MaskCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echoroi_mask_cache_lookups_total",
		Help: "Mask cache lookups by result",
	}, []string{"result"})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PassesTotal.Describe(ch)
	m.PassErrors.Describe(ch)
	m.PassDuration.Describe(ch)
	m.TransitionsTotal.Describe(ch)
	m.SkippedTotal.Describe(ch)
	m.LastPassTimestamp.Describe(ch)
	m.ExtractionsTotal.Describe(ch)
	m.ExtractionDuration.Describe(ch)
	m.MaskCacheTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PassesTotal.Collect(ch)
	m.PassErrors.Collect(ch)
	m.PassDuration.Collect(ch)
	m.TransitionsTotal.Collect(ch)
	m.SkippedTotal.Collect(ch)
	m.LastPassTimestamp.Collect(ch)
	m.ExtractionsTotal.Collect(ch)
	m.ExtractionDuration.Collect(ch)
	m.MaskCacheTotal.Collect(ch)
}

// PassCounts is the outcome of one committed pass.
type PassCounts struct {
	New, Modified, Unchanged, Deleted, Skipped int
}

// RecordPass records a committed pass.
func (m *Metrics) RecordPass(c PassCounts, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.Inc()
	m.PassDuration.Observe(d.Seconds())
	m.TransitionsTotal.WithLabelValues("new").Add(float64(c.New))
	m.TransitionsTotal.WithLabelValues("modified").Add(float64(c.Modified))
	m.TransitionsTotal.WithLabelValues("unchanged").Add(float64(c.Unchanged))
	m.TransitionsTotal.WithLabelValues("deleted").Add(float64(c.Deleted))
	m.SkippedTotal.Add(float64(c.Skipped))
	m.LastPassTimestamp.SetToCurrentTime()
}

// RecordPassError records a pass that was rolled back.
func (m *Metrics) RecordPassError() {
	if m == nil {
		return
	}
	m.PassErrors.Inc()
}

// RecordExtraction records one extraction and its outcome.
func (m *Metrics) RecordExtraction(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ExtractionsTotal.WithLabelValues(outcome).Inc()
	m.ExtractionDuration.Observe(d.Seconds())
}

// RecordMaskCache records a mask cache hit or miss.
func (m *Metrics) RecordMaskCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.MaskCacheTotal.WithLabelValues(result).Inc()
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. mount, when not
// nil, adds further routes to the same server.
func (m *Metrics) Serve(ctx context.Context, addr string, mount func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if mount != nil {
		mount(mux)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
