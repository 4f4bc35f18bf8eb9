package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/answerability-auditor/internal/progress"
)

// PrometheusSink exports audit progress counters.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	auditsDone    *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	auditRuntime  prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_progress_events_total",
			Help: "Progress events partitioned by stage.",
		}, []string{"stage"}),
		auditsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_audits_finished_total",
			Help: "Audits that reached a terminal status, by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditor_progress_fetches_total",
			Help: "Crawl fetch completions partitioned by status class.",
		}, []string{"status_class"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditor_progress_fetch_duration_seconds",
			Help:    "Crawl fetch latency partitioned by status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"status_class"}),
		auditRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditor_audit_runtime_seconds",
			Help:    "Wall time from audit creation to completion.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600},
		}),
	}
	for _, c := range []prometheus.Collector{s.events, s.auditsDone, s.fetches, s.fetchDuration, s.auditRuntime} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageFetchDone:
			class := string(evt.StatusClass)
			s.fetches.WithLabelValues(class).Inc()
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(class).Observe(evt.Dur.Seconds())
			}
		case progress.StageAuditDone:
			s.auditsDone.WithLabelValues("completed").Inc()
			if evt.Dur > 0 {
				s.auditRuntime.Observe(evt.Dur.Seconds())
			}
		case progress.StageWatchdogFail:
			s.auditsDone.WithLabelValues("failed").Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
