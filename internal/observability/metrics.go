// Package observability — metrics.go
//
// Prometheus metrics for bpfmand.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: bpfman_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Program kind/attach-point labels use the fixed set of ProgramKind
//     strings (6 values max).
//   - Program id is NOT used as a label (unbounded over the daemon's
//     lifetime as programs load and unload).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for bpfmand.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Catalog ──────────────────────────────────────────────────────────────

	// CatalogProgramsTracked is the current number of programs recorded in
	// the catalog, by kind.
	CatalogProgramsTracked *prometheus.GaugeVec

	// CatalogWriteLatency records bbolt batch-write transaction latency.
	CatalogWriteLatency prometheus.Histogram

	// CatalogReconcileOrphansTotal counts bpffs-pinned programs found with
	// no matching catalog entry during restart reconciliation.
	CatalogReconcileOrphansTotal prometheus.Counter

	// CatalogReconcilePurgedTotal counts catalog entries purged during
	// restart reconciliation because their kernel-side pin was gone.
	CatalogReconcilePurgedTotal prometheus.Counter

	// ─── Dispatcher ───────────────────────────────────────────────────────────

	// DispatcherMembersTotal is the current number of programs attached
	// behind a dispatcher, by attach-point kind (xdp, tc).
	DispatcherMembersTotal *prometheus.GaugeVec

	// DispatcherCapacityClass is the currently installed capacity class
	// (1, 2, 4, 8, 16) per attach-point key. Labels: kind, iface.
	DispatcherCapacityClass *prometheus.GaugeVec

	// DispatcherRebuildsTotal counts capacity-class rebuilds (an atomic
	// kernel-side dispatcher replace), by kind.
	DispatcherRebuildsTotal *prometheus.CounterVec

	// ─── Manager ──────────────────────────────────────────────────────────────

	// ManagerQueueDepth is the current command-queue depth.
	ManagerQueueDepth prometheus.Gauge

	// ManagerCommandsTotal counts processed commands, by command type and
	// outcome (ok, error).
	ManagerCommandsTotal *prometheus.CounterVec

	// ManagerCommandLatency records command processing latency, from dequeue
	// to reply, by command type.
	ManagerCommandLatency *prometheus.HistogramVec

	// ManagerCompensatingTeardownsTotal counts compensating teardowns
	// performed after a catalog commit failure, per spec's §7 rule.
	ManagerCompensatingTeardownsTotal prometheus.Counter

	// ─── Image store ──────────────────────────────────────────────────────────

	// ImagestorePullsTotal counts Pull calls, by outcome (hit, miss, error).
	ImagestorePullsTotal *prometheus.CounterVec

	// ImagestorePullLatency records Pull call latency for cache misses
	// (registry round trip included).
	ImagestorePullLatency prometheus.Histogram

	// ImagestoreCacheBytes is the total size of the on-disk bytecode cache.
	ImagestoreCacheBytes prometheus.Gauge

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all bpfmand Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		CatalogProgramsTracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "catalog",
			Name:      "programs_tracked",
			Help:      "Current number of programs recorded in the catalog, by kind.",
		}, []string{"kind"}),

		CatalogWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfman",
			Subsystem: "catalog",
			Name:      "write_latency_seconds",
			Help:      "bbolt batch-write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		CatalogReconcileOrphansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "catalog",
			Name:      "reconcile_orphans_total",
			Help:      "Total bpffs-pinned programs found uncataloged during restart reconciliation.",
		}),

		CatalogReconcilePurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "catalog",
			Name:      "reconcile_purged_total",
			Help:      "Total catalog entries purged during restart reconciliation because their kernel pin was gone.",
		}),

		DispatcherMembersTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "dispatcher",
			Name:      "members_total",
			Help:      "Current number of programs attached behind a dispatcher, by attach-point kind.",
		}, []string{"kind"}),

		DispatcherCapacityClass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "dispatcher",
			Name:      "capacity_class",
			Help:      "Currently installed dispatcher capacity class, by attach-point kind and interface.",
		}, []string{"kind", "iface"}),

		DispatcherRebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "dispatcher",
			Name:      "rebuilds_total",
			Help:      "Total dispatcher capacity-class rebuilds, by attach-point kind.",
		}, []string{"kind"}),

		ManagerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "manager",
			Name:      "queue_depth",
			Help:      "Current depth of the command queue awaiting processing.",
		}),

		ManagerCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "manager",
			Name:      "commands_total",
			Help:      "Total commands processed, by command type and outcome.",
		}, []string{"command", "outcome"}),

		ManagerCommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bpfman",
			Subsystem: "manager",
			Name:      "command_latency_seconds",
			Help:      "Command processing latency from dequeue to reply, by command type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),

		ManagerCompensatingTeardownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "manager",
			Name:      "compensating_teardowns_total",
			Help:      "Total compensating teardowns performed after a catalog commit failure.",
		}),

		ImagestorePullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfman",
			Subsystem: "imagestore",
			Name:      "pulls_total",
			Help:      "Total Pull calls, by outcome (hit, miss, error).",
		}, []string{"outcome"}),

		ImagestorePullLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfman",
			Subsystem: "imagestore",
			Name:      "pull_latency_seconds",
			Help:      "Pull call latency in seconds, including registry round trips on cache misses.",
			Buckets:   prometheus.DefBuckets,
		}),

		ImagestoreCacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "imagestore",
			Name:      "cache_bytes",
			Help:      "Total size in bytes of the on-disk bytecode cache.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfman",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since bpfmand started.",
		}),
	}

	reg.MustRegister(
		m.CatalogProgramsTracked,
		m.CatalogWriteLatency,
		m.CatalogReconcileOrphansTotal,
		m.CatalogReconcilePurgedTotal,
		m.DispatcherMembersTotal,
		m.DispatcherCapacityClass,
		m.DispatcherRebuildsTotal,
		m.ManagerQueueDepth,
		m.ManagerCommandsTotal,
		m.ManagerCommandLatency,
		m.ManagerCompensatingTeardownsTotal,
		m.ImagestorePullsTotal,
		m.ImagestorePullLatency,
		m.ImagestoreCacheBytes,
		m.DaemonUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to addr
// (e.g. "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
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

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
