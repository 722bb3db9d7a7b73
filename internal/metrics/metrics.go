// Package metrics exposes pipeline counters over a Prometheus endpoint.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sefs"

// Metrics holds the collectors for one daemon instance.
type Metrics struct {
	registry *prometheus.Registry

	filesProcessed *prometheus.CounterVec
	embedDuration  prometheus.Histogram
	embedFailures  prometheus.Counter
	watchEvents    *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	clusters       prometheus.Gauge
	moves          *prometheus.CounterVec
	naming         *prometheus.CounterVec
}

// New creates a collector set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		filesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Files handled by the representation pipeline, by outcome",
			},
			[]string{"outcome"},
		),
		embedDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "embed_duration_seconds",
				Help:      "Time spent obtaining one document embedding",
				Buckets:   prometheus.DefBuckets,
			},
		),
		embedFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embed_failures_total",
				Help:      "Embedding requests that failed after all retries",
			},
		),
		watchEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_events_total",
				Help:      "File system events seen by the change detector",
			},
			[]string{"kind"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Clustering cycles run, by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of clustering and placement cycles",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		clusters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clusters",
				Help:      "Stable clusters after the last cycle, noise excluded",
			},
		),
		moves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "moves_total",
				Help:      "File placements, by result",
			},
			[]string{"result"},
		),
		naming: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "folder_names_total",
				Help:      "Folder names assigned, by source",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(
		m.filesProcessed,
		m.embedDuration,
		m.embedFailures,
		m.watchEvents,
		m.cycles,
		m.cycleDuration,
		m.clusters,
		m.moves,
		m.naming,
	)

	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// FileProcessed counts one pipeline outcome.
func (m *Metrics) FileProcessed(outcome string) {
	if m == nil {
		return
	}
	m.filesProcessed.WithLabelValues(outcome).Inc()
}

// EmbedObserved records one embedding attempt sequence.
func (m *Metrics) EmbedObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.embedFailures.Inc()
		return
	}
	m.embedDuration.Observe(d.Seconds())
}

// WatchEvent counts a change detector event by kind.
func (m *Metrics) WatchEvent(kind string) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(kind).Inc()
}

// CycleFinished records a completed or aborted cycle.
func (m *Metrics) CycleFinished(d time.Duration, clusters int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cycles.WithLabelValues("error").Inc()
		return
	}
	m.cycles.WithLabelValues("ok").Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.clusters.Set(float64(clusters))
}

// MoveFinished counts a placement by result (moved, deduped, failed).
func (m *Metrics) MoveFinished(result string) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(result).Inc()
}

// FolderNamed counts a folder name by source (model, fallback).
func (m *Metrics) FolderNamed(source string) {
	if m == nil {
		return
	}
	m.naming.WithLabelValues(source).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
