// Package observability — metrics.go
//
// Prometheus metrics for moon-watchd.
//
// Endpoint: GET /metrics on 127.0.0.1:9235 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: moon_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Stage labels use the closed stage-name set (≤8 values).
//   - Session id is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for moon-watchd.
type Metrics struct {
	Registry *prometheus.Registry

	// ─── Cycle ──────────────────────────────────────────────────────────

	// CyclesTotal counts completed watcher cycles, by outcome.
	// Labels: outcome (ok, degraded, panicked)
	CyclesTotal *prometheus.CounterVec

	// CycleDuration records wall-clock cycle duration.
	CycleDuration prometheus.Histogram

	// ConsecutivePanics is the current panic-guard counter.
	ConsecutivePanics prometheus.Gauge

	// ─── Archive ────────────────────────────────────────────────────────

	// ArchivesCreatedTotal counts new (non-idempotent) archive writes.
	ArchivesCreatedTotal prometheus.Counter

	// LedgerEntries is the current number of ledger entries.
	LedgerEntries prometheus.Gauge

	// ─── Index / Embed ──────────────────────────────────────────────────

	// IndexSyncTotal counts index-sync invocations, by result.
	// Labels: result (ok, failed)
	IndexSyncTotal *prometheus.CounterVec

	// EmbedBatchSize records the size of each embed batch actually sent.
	EmbedBatchSize prometheus.Histogram

	// ─── Distill ────────────────────────────────────────────────────────

	// L1EntriesAppendedTotal counts L1 normalisation appends.
	L1EntriesAppendedTotal prometheus.Counter

	// L2SynthesesTotal counts L2 synthesis attempts, by result.
	// Labels: result (ok, failed)
	L2SynthesesTotal *prometheus.CounterVec

	// ─── Retention ──────────────────────────────────────────────────────

	// ArchivesDeletedTotal counts archives reclaimed by the retention reaper.
	ArchivesDeletedTotal prometheus.Counter

	// ─── Warnings ───────────────────────────────────────────────────────

	// WarningsTotal is registered by internal/audit (see audit.NewCounter)
	// against this Metrics' Registry, not constructed here, so that the
	// closed warn-code set stays owned by the package that defines it.

	// ─── Daemon ─────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all moon-watchd Prometheus metrics on
// a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Total watcher cycles completed, by outcome.",
		}, []string{"outcome"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moon",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a complete watcher cycle.",
			Buckets:   prometheus.DefBuckets,
		}),

		ConsecutivePanics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moon",
			Subsystem: "cycle",
			Name:      "consecutive_panics",
			Help:      "Current consecutive-panic counter (halts the daemon at 3).",
		}),

		ArchivesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "archive",
			Name:      "created_total",
			Help:      "Total new archives written (excludes idempotent duplicate hits).",
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moon",
			Subsystem: "archive",
			Name:      "ledger_entries",
			Help:      "Current number of entries in the archive ledger.",
		}),

		IndexSyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "index",
			Name:      "sync_total",
			Help:      "Total index-sync invocations, by result.",
		}, []string{"result"}),

		EmbedBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moon",
			Subsystem: "embed",
			Name:      "batch_size",
			Help:      "Size of each bounded embed batch actually sent to the index backend.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		L1EntriesAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "distill",
			Name:      "l1_entries_appended_total",
			Help:      "Total entry blocks appended to daily memory files.",
		}),

		L2SynthesesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "distill",
			Name:      "l2_syntheses_total",
			Help:      "Total L2 synthesis attempts, by result.",
		}, []string{"result"}),

		ArchivesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moon",
			Subsystem: "retention",
			Name:      "archives_deleted_total",
			Help:      "Total archives reclaimed by the retention reaper.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moon",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ConsecutivePanics,
		m.ArchivesCreatedTotal,
		m.LedgerEntries,
		m.IndexSyncTotal,
		m.EmbedBatchSize,
		m.L1EntriesAppendedTotal,
		m.L2SynthesesTotal,
		m.ArchivesDeletedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
