package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vanadium-vm/vanadium/log"
	"github.com/vanadium-vm/vanadium/metrics"
)

// prometheusBackend adapts metrics.MetricsReporter's snapshot-based export
// model to a Prometheus GaugeVec, so every cpu/pagecache/hostio/session
// counter and histogram defined in metrics/standard.go shows up at
// /metrics without that package importing Prometheus itself -- the SE
// process boundary stays dependency-free of any particular exporter
// (SPEC_FULL.md §2: "scraped via a Prometheus exporter on the host side,
// never inside the SE process boundary").
type prometheusBackend struct {
	gauges *prometheus.GaugeVec
}

func newPrometheusBackend() *prometheusBackend {
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vanadium",
		Subsystem: "se",
		Name:      "metric",
		Help:      "Vanadium secure-element runtime metrics, keyed by metric name.",
	}, []string{"name"})
	prometheus.MustRegister(gauges)
	return &prometheusBackend{gauges: gauges}
}

func (b *prometheusBackend) Report(values map[string]float64) error {
	for name, v := range values {
		b.gauges.WithLabelValues(name).Set(v)
	}
	return nil
}

// snapshotSource feeds metrics.DefaultRegistry's current values into a
// MetricsReporter on each tick -- the registry itself only exposes a
// pull-style Snapshot, so something has to push it into the reporter's
// RecordMetric on a schedule.
type snapshotSource struct {
	reporter *metrics.MetricsReporter
}

func (s *snapshotSource) pushOnce() {
	for name, v := range metrics.DefaultRegistry.Snapshot() {
		switch val := v.(type) {
		case int64:
			s.reporter.RecordMetric(name, float64(val))
		case map[string]interface{}:
			for stat, sv := range val {
				if f, ok := sv.(float64); ok {
					s.reporter.RecordMetric(name+"."+stat, f)
				}
			}
		}
	}
}

// serveMetrics starts a best-effort /metrics HTTP server on addr, backed
// by a periodic push from metrics.DefaultRegistry into a Prometheus
// exporter. It runs until ctx is cancelled; callers that pass an empty
// addr get a no-op (the harness's -metrics-addr flag being unset).
func serveMetrics(ctx context.Context, addr string) func() {
	if addr == "" {
		return func() {}
	}

	logger := log.Default().Module("metrics-exporter")
	backend := newPrometheusBackend()
	reporter := metrics.NewMetricsReporter(2 * time.Second)
	reporter.RegisterBackend("prometheus", backend)
	src := &snapshotSource{reporter: reporter}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancelLoop := context.WithCancel(ctx)
	ticker := time.NewTicker(2 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				src.pushOnce()
			}
		}
	}()

	reporter.Start()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "err", err)
		}
	}()
	logger.Info("metrics exporter listening", "addr", addr)

	return func() {
		ticker.Stop()
		reporter.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		cancelLoop()
		<-done
	}
}
