package models

import (
	"time"

	"github.com/google/uuid"
)

// IncidentStatus enumerates lifecycle states. Transitions only move forward:
// open -> investigating -> mitigating -> resolved -> closed. Escalation
// changes severity, never status.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusMitigating    IncidentStatus = "mitigating"
	StatusResolved      IncidentStatus = "resolved"
	StatusClosed        IncidentStatus = "closed"
)

// Terminal reports whether the status admits no further transitions besides
// resolved -> closed.
func (s IncidentStatus) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// AnomalyVerdict is the detector's judgment over buffered telemetry.
type AnomalyVerdict struct {
	Detected    bool     `json:"detected"`
	Type        string   `json:"anomaly_type,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Description string   `json:"description,omitempty"`
	Affected    []string `json:"affected,omitempty"`
	Confidence  float64  `json:"confidence"`
}

// RCAFinding holds the root cause analysis produced by the analysis agent.
type RCAFinding struct {
	RootCause           string   `json:"root_cause"`
	ContributingFactors []string `json:"contributing_factors,omitempty"`
	Evidence            []string `json:"evidence,omitempty"`
	Confidence          float64  `json:"confidence"`
}

// ActionKind is the closed set of remediation actions the executor knows.
type ActionKind string

const (
	ActionRestartService     ActionKind = "restart_service"
	ActionScaleReplicas      ActionKind = "scale_replicas"
	ActionFlushCache         ActionKind = "flush_cache"
	ActionClearQueue         ActionKind = "clear_queue"
	ActionRerouteTraffic     ActionKind = "reroute_traffic"
	ActionRollbackDeployment ActionKind = "rollback_deployment"
	ActionKillProcess        ActionKind = "kill_process"
	ActionClearDisk          ActionKind = "clear_disk"
)

// KnownActionKind reports whether the kind maps to an executor template.
func KnownActionKind(kind ActionKind) bool {
	switch kind {
	case ActionRestartService, ActionScaleReplicas, ActionFlushCache,
		ActionClearQueue, ActionRerouteTraffic, ActionRollbackDeployment,
		ActionKillProcess, ActionClearDisk:
		return true
	}
	return false
}

// RemediationAction is a recommended or executed healing step.
type RemediationAction struct {
	Kind        ActionKind        `json:"kind"`
	Description string            `json:"description,omitempty"`
	Service     string            `json:"service,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Automated   bool              `json:"automated"`
	Executed    bool              `json:"executed"`
	Result      string            `json:"result,omitempty"`
	ExecutedAt  *time.Time        `json:"executed_at,omitempty"`
}

// StabilityReport is a point-in-time health judgment. Reports are append-only
// on both the evaluator and the incident.
type StabilityReport struct {
	Timestamp        time.Time `json:"timestamp"`
	IsStable         bool      `json:"is_stable"`
	MetricsOK        bool      `json:"metrics_ok"`
	LogsOK           bool      `json:"logs_ok"`
	ErrorRate        *float64  `json:"error_rate,omitempty"`
	Details          string    `json:"details,omitempty"`
	ExternalJudgment string    `json:"external_judgment,omitempty"`
}

// Incident tracks one detected problem through its remediation lifecycle.
type Incident struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Status      IncidentStatus `json:"status"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`

	Logs    []LogRecord       `json:"logs,omitempty"`
	Metrics []MetricsSnapshot `json:"metrics,omitempty"`
	Anomaly *AnomalyVerdict   `json:"anomaly,omitempty"`

	RCA              *RCAFinding         `json:"rca,omitempty"`
	Recommended      []RemediationAction `json:"recommended_actions,omitempty"`
	Executed         []RemediationAction `json:"executed_actions,omitempty"`
	StabilityReports []StabilityReport   `json:"stability_reports,omitempty"`
	AgentRuns        int                 `json:"agent_runs"`

	ResolutionSummary string     `json:"resolution_summary,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedBy    string     `json:"acknowledged_by,omitempty"`
}

// NewIncident constructs an open incident with a fresh id.
func NewIncident(title, description string, severity Severity) *Incident {
	now := time.Now().UTC()
	return &Incident{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusOpen,
		Severity:    severity,
		Title:       title,
		Description: description,
	}
}

// Active reports whether the incident still needs workflow attention.
func (i *Incident) Active() bool {
	return !i.Status.Terminal()
}

// IncidentEvent is one entry in an incident's chronological history.
type IncidentEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Event     string            `json:"event"`
	Details   map[string]string `json:"details,omitempty"`
}

// IncidentSummary is a condensed reporting view of an incident.
type IncidentSummary struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Status            IncidentStatus `json:"status"`
	Severity          Severity       `json:"severity"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DurationMinutes   float64        `json:"duration_minutes"`
	RootCause         string         `json:"root_cause,omitempty"`
	ActionsTaken      int            `json:"actions_taken"`
	AgentRuns         int            `json:"agent_runs"`
	StabilityTrend    string         `json:"stability_trend"`
	ResolutionSummary string         `json:"resolution_summary,omitempty"`
}
