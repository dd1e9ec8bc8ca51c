// Package metrics exposes the engine's operational counters and WAL fsync
// latency histogram, following the observability convention of the
// write-ahead-log benchmarking tooling in the reference corpus
// (prometheus client_golang + HdrHistogram for latency percentiles).
package metrics

import (
	"context"
	"net/http"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors and fsync latency
// histogram. A nil *Metrics is valid and all methods become no-ops, so the
// engine can run with metrics disabled without branching at every call site.
type Metrics struct {
	registry *prometheus.Registry

	setTotal      prometheus.Counter
	deleteTotal   prometheus.Counter
	bulkSetTotal  prometheus.Counter
	bulkPairs     prometheus.Counter
	checkpoints   prometheus.Counter
	walBytes      prometheus.Counter
	keyCount      prometheus.Gauge
	fsyncSeconds  prometheus.Histogram
	fsyncLatency  *hdrhistogram.Histogram
	poisonedTotal prometheus.Counter
}

// New creates a fresh, unregistered set of collectors and registers them on
// a private registry (so multiple engine instances in the same process, as
// the test suite spins up, never collide on a global default registry).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		setTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_set_total", Help: "Total Set operations acknowledged.",
		}),
		deleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_delete_total", Help: "Total Delete operations that removed a key.",
		}),
		bulkSetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_bulk_set_total", Help: "Total BulkSet operations acknowledged.",
		}),
		bulkPairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_bulk_set_pairs_total", Help: "Total pairs applied across all BulkSet operations.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_checkpoints_total", Help: "Total checkpoints completed.",
		}),
		walBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_wal_bytes_total", Help: "Total bytes appended to the WAL.",
		}),
		keyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvstore_keys", Help: "Current number of keys in the primary map.",
		}),
		fsyncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvstore_wal_fsync_seconds",
			Help:    "WAL append-to-fsync latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		fsyncLatency:  hdrhistogram.New(1, 10_000_000, 3), // 1us .. 10s, microseconds, 3 sig figs
		poisonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvstore_poisoned_total", Help: "Total times the engine entered the Poisoned state.",
		}),
	}

	reg.MustRegister(
		m.setTotal, m.deleteTotal, m.bulkSetTotal, m.bulkPairs,
		m.checkpoints, m.walBytes, m.keyCount, m.fsyncSeconds, m.poisonedTotal,
	)
	return m
}

func (m *Metrics) ObserveSet() {
	if m != nil {
		m.setTotal.Inc()
	}
}

func (m *Metrics) ObserveDelete() {
	if m != nil {
		m.deleteTotal.Inc()
	}
}

func (m *Metrics) ObserveCheckpoint() {
	if m != nil {
		m.checkpoints.Inc()
	}
}

func (m *Metrics) ObservePoisoned() {
	if m != nil {
		m.poisonedTotal.Inc()
	}
}

func (m *Metrics) AddWALBytes(n int) {
	if m != nil {
		m.walBytes.Add(float64(n))
	}
}

func (m *Metrics) SetKeyCount(n int) {
	if m != nil {
		m.keyCount.Set(float64(n))
	}
}

func (m *Metrics) ObserveBulkSet(pairs int) {
	if m == nil {
		return
	}
	m.bulkSetTotal.Inc()
	m.bulkPairs.Add(float64(pairs))
}

// ObserveFsync records how long a single WAL append-and-fsync took, feeding
// both the Prometheus histogram (for scraping) and the HdrHistogram (for
// cheap in-process percentile queries logged at checkpoint time).
func (m *Metrics) ObserveFsync(d time.Duration) {
	if m == nil {
		return
	}
	m.fsyncSeconds.Observe(d.Seconds())
	_ = m.fsyncLatency.RecordValue(d.Microseconds())
}

// FsyncPercentile returns the p-th percentile (0..100) WAL fsync latency
// observed so far, in microseconds. Returns 0 if nothing has been recorded.
func (m *Metrics) FsyncPercentile(p float64) int64 {
	if m == nil {
		return 0
	}
	return m.fsyncLatency.ValueAtQuantile(p)
}

// Serve starts a Prometheus exporter on addr and blocks until ctx is
// cancelled. Intended to be run in its own goroutine.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
