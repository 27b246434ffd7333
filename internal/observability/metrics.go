// Package observability — metrics.go
//
// Prometheus metrics for gaimoded.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: whatever address is configured; the default is loopback only.
//
// Metric naming convention: gaimode_<name>[_<unit>]
//
// All metrics are registered on a dedicated prometheus.Registry (not
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
//
// Cardinality control:
//   - cpu is an acceptable label: a real machine has single-digit to
//     low-hundreds of CPUs, a bounded and known-ahead-of-time set.
//   - PID is never used as a label (unbounded cardinality); only
//     aggregate counts (tracked_processes) are exported.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for gaimoded.
type Metrics struct {
	registry *prometheus.Registry

	// Optimized is 1 while the engine holds the optimized capability,
	// 0 while Idle.
	Optimized prometheus.Gauge

	// TrackedProcesses is the current number of admitted PIDs.
	TrackedProcesses prometheus.Gauge

	// GovernorPolicies is the number of cpufreq policies captured in
	// the current governor snapshot (zero when Idle).
	GovernorPolicies prometheus.Gauge

	// EpisodesTotal counts Idle→Optimized episodes opened.
	EpisodesTotal prometheus.Counter

	// RevertErrorsTotal counts revert failures, by dimension
	// (governor, niceness, io_niceness, affinity).
	RevertErrorsTotal *prometheus.CounterVec

	// CPULoadPercent is the per-CPU busy percentage last recorded through
	// SetCPULoad. The optimizer does not call SetCPULoad, so gaimoded
	// itself exports no samples for this metric.
	// Labels: cpu (logical CPU index as a string).
	CPULoadPercent *prometheus.GaugeVec

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all gaimoded Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		Optimized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaimode",
			Name:      "optimized",
			Help:      "1 while the optimizer holds the optimized capability, 0 while idle.",
		}),

		TrackedProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaimode",
			Name:      "tracked_processes",
			Help:      "Current number of processes admitted to the optimizer.",
		}),

		GovernorPolicies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaimode",
			Name:      "governor_policies",
			Help:      "Number of cpufreq policies captured in the current governor snapshot.",
		}),

		EpisodesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gaimode",
			Name:      "episodes_total",
			Help:      "Total number of optimization episodes opened.",
		}),

		RevertErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gaimode",
			Name:      "revert_errors_total",
			Help:      "Total revert failures, by dimension.",
		}, []string{"dimension"}),

		CPULoadPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gaimode",
			Name:      "cpu_load_percent",
			Help:      "Last-sampled per-CPU busy percentage.",
		}, []string{"cpu"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gaimode",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since gaimoded started.",
		}),
	}

	reg.MustRegister(
		m.Optimized,
		m.TrackedProcesses,
		m.GovernorPolicies,
		m.EpisodesTotal,
		m.RevertErrorsTotal,
		m.CPULoadPercent,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// SetOptimized implements optimizer.Metrics.
func (m *Metrics) SetOptimized(v bool) {
	if v {
		m.Optimized.Set(1)
	} else {
		m.Optimized.Set(0)
	}
}

// SetTrackedProcesses implements optimizer.Metrics.
func (m *Metrics) SetTrackedProcesses(n int) { m.TrackedProcesses.Set(float64(n)) }

// SetGovernorPolicies implements optimizer.Metrics.
func (m *Metrics) SetGovernorPolicies(n int) { m.GovernorPolicies.Set(float64(n)) }

// IncEpisodes implements optimizer.Metrics.
func (m *Metrics) IncEpisodes() { m.EpisodesTotal.Inc() }

// IncRevertErrors implements optimizer.Metrics.
func (m *Metrics) IncRevertErrors(dimension string) {
	m.RevertErrorsTotal.WithLabelValues(dimension).Inc()
}

// SetCPULoad records the last-sampled busy percentage for one CPU.
func (m *Metrics) SetCPULoad(cpu int, percent float64) {
	m.CPULoadPercent.WithLabelValues(strconv.Itoa(cpu)).Set(percent)
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails. Binds to addr
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
