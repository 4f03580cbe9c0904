// Package metrics exposes Prometheus instrumentation for pipeline runs and
// the validation batch. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
)

const namespace = "aio"

// Metrics holds the collectors updated by the pipeline and the validator.
type Metrics struct {
	ProbeAttempts     *prometheus.CounterVec
	KeywordsValidated *prometheus.CounterVec
	ProbesInFlight    prometheus.Gauge
	PacingWait        prometheus.Histogram
	StageRuns         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProbeAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "probe_attempts_total",
			Help:      "Probe calls by result (ok or error kind).",
		}, []string{"result"}),
		KeywordsValidated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "keywords_validated_total",
			Help:      "Resolved keywords by outcome (triggered, not_triggered, error).",
		}, []string{"outcome"}),
		ProbesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "probes_in_flight",
			Help:      "Probe calls currently executing.",
		}),
		PacingWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "pacing_wait_seconds",
			Help:      "Time spent waiting at the shared rate gate.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		StageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_runs_total",
			Help:      "Stage attempts by stage and final status.",
		}, []string{"stage", "status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 3, 9),
		}, []string{"stage"}),
	}
}

// ProbeAttempt counts one probe call; result is "ok" or an error kind.
func (m *Metrics) ProbeAttempt(result string) {
	if m == nil {
		return
	}
	m.ProbeAttempts.WithLabelValues(result).Inc()
}

// KeywordResolved counts a final keyword outcome.
func (m *Metrics) KeywordResolved(o model.ValidationOutcome) {
	if m == nil {
		return
	}
	label := "not_triggered"
	switch {
	case o.Failed():
		label = "error"
	case o.Triggered:
		label = "triggered"
	}
	m.KeywordsValidated.WithLabelValues(label).Inc()
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.ProbesInFlight.Add(delta)
}

// Paced records time spent at the pacing gate.
func (m *Metrics) Paced(d time.Duration) {
	if m == nil {
		return
	}
	m.PacingWait.Observe(d.Seconds())
}

// StageFinished records one stage attempt.
func (m *Metrics) StageFinished(stage model.StageKind, status model.StageStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(string(stage), string(status)).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ProjectCounter is the read side of the store used by ProjectCollector.
type ProjectCounter interface {
	CountProjectsByStatus(ctx context.Context) (map[model.ProjectStatus]int, error)
}

var projectsDesc = prometheus.NewDesc(
	namespace+"_projects",
	"Projects by status, read from the store on each scrape.",
	[]string{"status"},
	nil,
)

// ProjectCollector reports project counts straight from the store so that
// several server replicas agree on the numbers.
type ProjectCollector struct {
	store   ProjectCounter
	timeout time.Duration
}

// NewProjectCollector creates a collector backed by store.
func NewProjectCollector(store ProjectCounter) *ProjectCollector {
	return &ProjectCollector{store: store, timeout: 5 * time.Second}
}

// Describe sends the metric descriptor to the channel.
func (c *ProjectCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- projectsDesc
}

// Collect queries the store and emits one gauge per status.
func (c *ProjectCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.store.CountProjectsByStatus(ctx)
	if err != nil {
		zap.L().Error("metrics: count projects", zap.Error(err))
		return
	}
	for _, status := range []model.ProjectStatus{
		model.ProjectStatusCreated,
		model.ProjectStatusRunning,
		model.ProjectStatusCompleted,
		model.ProjectStatusFailed,
		model.ProjectStatusCancelled,
	} {
		ch <- prometheus.MustNewConstMetric(projectsDesc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
