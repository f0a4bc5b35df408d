package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "approval_workflow"

// Metrics 引擎指标,nil 时所有方法都是空操作
type Metrics struct {
	workflowsCreated  *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	sweepRuns         *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	publishFailures   *prometheus.CounterVec
	decisionConflicts prometheus.Counter
}

// NewMetrics reg 为空时使用 prometheus.DefaultRegisterer,同一个 reg 只能调用一次
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		workflowsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "created_total",
			Help:      "Workflows created, by workflow type.",
		}, []string{"workflow_type"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decisions_total",
			Help:      "Decisions processed, by workflow type and result.",
		}, []string{"workflow_type", "result"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "escalations_total",
			Help:      "Overdue steps escalated, by workflow type and outcome.",
		}, []string{"workflow_type", "outcome"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_runs_total",
			Help:      "Escalation sweeps, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of escalation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		publishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_publish_failures_total",
			Help:      "Events that failed to publish, by event type.",
		}, []string{"event_type"}),
		decisionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "concurrent_modifications_total",
			Help:      "Writes rejected by the optimistic version check.",
		}),
	}
}

func (m *Metrics) incCreated(workflowType string) {
	if m == nil {
		return
	}
	m.workflowsCreated.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) incDecision(workflowType string, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(workflowType, result).Inc()
}

func (m *Metrics) incEscalation(workflowType string, outcome string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(workflowType, outcome).Inc()
}

func (m *Metrics) observeSweep(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(seconds)
}

func (m *Metrics) incPublishFailure(eventType EventType) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) incConflict() {
	if m == nil {
		return
	}
	m.decisionConflicts.Inc()
}
