package sinks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/twicsync/internal/progress"
)

// PrometheusSink exports sync metrics. A CLI run is too short-lived to be
// scraped, so Close can write the registry to a node-exporter textfile.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastSuccess   prometheus.Gauge

	records       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	textfile string
}

// PrometheusConfig configures NewPrometheusSink.
type PrometheusConfig struct {
	// Registry receives the collectors. A private registry is created when nil.
	Registry *prometheus.Registry
	// Textfile, when set, is rewritten with the gathered metrics on Close.
	Textfile string
}

// NewPrometheusSink registers the collectors against the configured registry.
func NewPrometheusSink(cfg PrometheusConfig) (*PrometheusSink, error) {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twicsync_runs_started_total",
			Help: "Total sync runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twicsync_runs_completed_total",
			Help: "Total sync runs completed partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twicsync_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twicsync_last_success_timestamp_seconds",
			Help: "Unix time of the last run that finished without error.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twicsync_records_total",
			Help: "Publication records partitioned by outcome.",
		}, []string{"outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twicsync_fetch_bytes_total",
			Help: "Archive bytes fetched partitioned by cache origin.",
		}, []string{"cache"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twicsync_fetch_duration_seconds",
			Help:    "Archive fetch duration partitioned by cache origin.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"cache"}),
		gatherer: reg,
		textfile: cfg.Textfile,
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.lastSuccess,
		s.records,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.lastSuccess.Set(float64(evt.TS.Unix()))
		s.observeRun(evt)
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRun(evt)
	case progress.StageFetchDone:
		label := cacheLabel(evt.FromCache)
		if evt.Bytes > 0 {
			s.fetchBytes.WithLabelValues(label).Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
	case progress.StageMaterialized:
		s.records.WithLabelValues("materialized").Inc()
	case progress.StageSkipped:
		s.records.WithLabelValues("skipped").Inc()
	case progress.StageFailed:
		s.records.WithLabelValues("failed").Inc()
	}
}

func (s *PrometheusSink) observeRun(evt progress.Event) {
	if evt.Dur > 0 {
		s.runDuration.Observe(evt.Dur.Seconds())
	}
}

func cacheLabel(fromCache bool) string {
	if fromCache {
		return "hit"
	}
	return "miss"
}

// Close writes the textfile when configured.
func (s *PrometheusSink) Close(context.Context) error {
	if s.textfile == "" {
		return nil
	}
	if dir := filepath.Dir(s.textfile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(s.textfile, s.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
