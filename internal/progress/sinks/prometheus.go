package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexcorpus/harvester/internal/progress"
)

// PrometheusSink exports harvest progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-source document and
// index counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	indexPages   *prometheus.CounterVec
	indexEntries *prometheus.CounterVec

	documents    *prometheus.CounterVec
	documentSize *prometheus.CounterVec
	documentDur  *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total harvest runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total harvest runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running harvest runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed harvest run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"result"}),
		indexPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_index_pages_total",
			Help: "Index pages fetched per source.",
		}, []string{"source"}),
		indexEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_index_entries_total",
			Help: "Entries yielded by index pages per source.",
		}, []string{"source"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_documents_total",
			Help: "Document retrievals partitioned by source and outcome.",
		}, []string{"source", "outcome"}),
		documentSize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_document_bytes_total",
			Help: "Bytes of document text harvested per source.",
		}, []string{"source"}),
		documentDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_document_duration_seconds",
			Help:    "Document retrieval duration partitioned by source.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"source"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.indexPages,
		s.indexEntries,
		s.documents,
		s.documentSize,
		s.documentDur,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StageIndexPage:
		s.indexPages.WithLabelValues(evt.Source).Inc()
		if evt.Entries > 0 {
			s.indexEntries.WithLabelValues(evt.Source).Add(float64(evt.Entries))
		}
	case progress.StageDocDone:
		s.handleDocumentEvent(evt, "success")
		if evt.Bytes > 0 {
			s.documentSize.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
		}
	case progress.StageDocFailed:
		s.handleDocumentEvent(evt, "error")
	case progress.StageDocAbsent:
		s.handleDocumentEvent(evt, "absent")
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleDocumentEvent(evt progress.Event, outcome string) {
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	s.documents.WithLabelValues(source, outcome).Inc()
	if evt.Dur > 0 {
		s.documentDur.WithLabelValues(source).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
