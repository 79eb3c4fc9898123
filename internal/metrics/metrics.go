package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeResolved labels workflow runs that ended with a resolved incident.
	OutcomeResolved = "resolved"
	// OutcomeUnresolved labels workflow runs that spent their budget without
	// confirming stability.
	OutcomeUnresolved = "unresolved"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_heal",
			Name:      "anomalies_total",
			Help:      "Anomalies flagged by the detector, partitioned by type.",
		},
		[]string{"type"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_heal",
			Name:      "incidents_total",
			Help:      "Incidents opened, partitioned by severity.",
		},
		[]string{"severity"},
	)

	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_heal",
			Name:      "agent_runs_total",
			Help:      "Analysis agent calls, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	workflowDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel_heal",
			Name:      "workflow_seconds",
			Help:      "End-to-end remediation workflow duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	actionsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel_heal",
			Name:      "actions_executed_total",
			Help:      "Remediation actions executed, partitioned by kind and result.",
		},
		[]string{"action", "result"},
	)

	bufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel_heal",
			Name:      "buffer_size",
			Help:      "Current telemetry buffer sizes.",
		},
		[]string{"kind"},
	)
)

// Register attaches the engine's collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		incidentsTotal,
		agentRunsTotal,
		workflowDurationSeconds,
		actionsExecutedTotal,
		bufferSize,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnomaly counts a detector hit.
func ObserveAnomaly(anomalyType string) {
	anomaliesTotal.WithLabelValues(anomalyType).Inc()
}

// ObserveIncident counts an opened incident.
func ObserveIncident(severity string) {
	incidentsTotal.WithLabelValues(severity).Inc()
}

// ObserveAgentRun counts one analysis agent call.
func ObserveAgentRun(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	agentRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWorkflow records a finished remediation workflow.
func ObserveWorkflow(duration time.Duration, resolved bool) {
	outcome := OutcomeUnresolved
	if resolved {
		outcome = OutcomeResolved
	}
	if duration < 0 {
		duration = 0
	}
	workflowDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveAction records an executed remediation action.
func ObserveAction(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	actionsExecutedTotal.WithLabelValues(action, result).Inc()
}

// SetBufferSizes updates the buffer gauges.
func SetBufferSizes(logs, metrics, snapshots int) {
	bufferSize.WithLabelValues("logs").Set(float64(logs))
	bufferSize.WithLabelValues("metrics").Set(float64(metrics))
	bufferSize.WithLabelValues("snapshots").Set(float64(snapshots))
}
