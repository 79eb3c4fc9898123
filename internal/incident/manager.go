package incident

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

// Manager is the in-memory incident registry. At most one incident is
// active at a time; creating a new one while another is active fails.
// All mutators report whether the incident existed.
type Manager struct {
	mu        sync.Mutex
	incidents map[string]*models.Incident
	activeID  string
	store     Store
	logger    *slog.Logger

	now func() time.Time
}

// NewManager builds a registry. A nil store disables snapshot persistence;
// a nil logger falls back to slog.Default().
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		incidents: make(map[string]*models.Incident),
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Create opens a new incident and marks it active. It fails when another
// incident is still active.
func (m *Manager) Create(title, description string, severity models.Severity, anomaly *models.AnomalyVerdict, logs []models.LogRecord, snapshots []models.MetricsSnapshot) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID != "" {
		if existing, ok := m.incidents[m.activeID]; ok && existing.Active() {
			return nil, fmt.Errorf("incident %s is still active", m.activeID)
		}
	}

	inc := models.NewIncident(title, description, severity)
	inc.Anomaly = anomaly
	inc.Logs = logs
	inc.Metrics = snapshots

	m.incidents[inc.ID] = inc
	m.activeID = inc.ID
	m.persistLocked(inc)

	m.logger.Info("incident created",
		"incident_id", inc.ID,
		"title", title,
		"severity", string(severity),
	)
	metrics.ObserveIncident(string(severity))
	return inc, nil
}

// Get returns a copy of the incident, or false when the id is unknown.
func (m *Manager) Get(id string) (models.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return models.Incident{}, false
	}
	return cloneIncident(inc), true
}

// Active returns the currently active incident, or false when none is.
func (m *Manager) Active() (models.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID == "" {
		return models.Incident{}, false
	}
	inc, ok := m.incidents[m.activeID]
	if !ok || !inc.Active() {
		return models.Incident{}, false
	}
	return cloneIncident(inc), true
}

// AppendLogs attaches more evidence logs to an incident.
func (m *Manager) AppendLogs(id string, logs []models.LogRecord) bool {
	return m.mutate(id, func(inc *models.Incident) {
		inc.Logs = append(inc.Logs, logs...)
	})
}

// AppendMetrics attaches more metric snapshots to an incident.
func (m *Manager) AppendMetrics(id string, metrics []models.MetricsSnapshot) bool {
	return m.mutate(id, func(inc *models.Incident) {
		inc.Metrics = append(inc.Metrics, metrics...)
	})
}

// SetRCA records the agent's root cause finding and moves the incident to
// investigating.
func (m *Manager) SetRCA(id string, rca models.RCAFinding) bool {
	ok := m.mutate(id, func(inc *models.Incident) {
		inc.RCA = &rca
		inc.Status = models.StatusInvestigating
	})
	if ok {
		m.logger.Info("root cause recorded", "incident_id", id, "root_cause", truncate(rca.RootCause, 100))
	}
	return ok
}

// AddRecommendedAction appends one proposed remediation.
func (m *Manager) AddRecommendedAction(id string, action models.RemediationAction) bool {
	return m.mutate(id, func(inc *models.Incident) {
		inc.Recommended = append(inc.Recommended, action)
	})
}

// RecordActionTaken marks an action executed and moves the incident to
// mitigating.
func (m *Manager) RecordActionTaken(id string, action models.RemediationAction) bool {
	now := m.now().UTC()
	ok := m.mutate(id, func(inc *models.Incident) {
		action.Executed = true
		action.ExecutedAt = &now
		inc.Executed = append(inc.Executed, action)
		inc.Status = models.StatusMitigating
	})
	if ok {
		m.logger.Info("remediation action recorded",
			"incident_id", id,
			"action", string(action.Kind),
			"service", action.Service,
			"result", truncate(action.Result, 100),
		)
	}
	return ok
}

// AddStabilityReport appends one stability check result.
func (m *Manager) AddStabilityReport(id string, report models.StabilityReport) bool {
	return m.mutate(id, func(inc *models.Incident) {
		inc.StabilityReports = append(inc.StabilityReports, report)
	})
}

// IncrementAgentRuns bumps the run counter and returns the new value, or 0
// for an unknown id.
func (m *Manager) IncrementAgentRuns(id string) int {
	var runs int
	m.mutate(id, func(inc *models.Incident) {
		inc.AgentRuns++
		runs = inc.AgentRuns
	})
	return runs
}

// Resolve marks the incident resolved and clears the active pointer.
func (m *Manager) Resolve(id, summary string) bool {
	now := m.now().UTC()
	ok := m.mutate(id, func(inc *models.Incident) {
		inc.Status = models.StatusResolved
		inc.ResolutionSummary = summary
		inc.ResolvedAt = &now
	})
	if ok {
		m.clearActive(id)
		m.logger.Info("incident resolved", "incident_id", id, "summary", truncate(summary, 100))
	}
	return ok
}

// Close marks the incident closed and clears the active pointer. Unlike the
// other mutators it accepts a resolved incident, since resolved to closed is
// the one transition out of a terminal status.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok || inc.Status == models.StatusClosed {
		m.mu.Unlock()
		return false
	}
	inc.Status = models.StatusClosed
	inc.UpdatedAt = m.now().UTC()
	m.persistLocked(inc)
	m.mu.Unlock()

	m.clearActive(id)
	return true
}

// Escalate raises the incident severity by one step.
func (m *Manager) Escalate(id string) bool {
	var from, to models.Severity
	ok := m.mutate(id, func(inc *models.Incident) {
		from = inc.Severity
		inc.Severity = inc.Severity.Escalate()
		to = inc.Severity
	})
	if ok {
		m.logger.Info("incident escalated", "incident_id", id, "from", string(from), "to", string(to))
	}
	return ok
}

// Acknowledge records who is looking at the incident.
func (m *Manager) Acknowledge(id, who string) bool {
	return m.mutate(id, func(inc *models.Incident) {
		inc.AcknowledgedBy = who
	})
}

// Summary builds the condensed reporting view, or false for an unknown id.
func (m *Manager) Summary(id string) (models.IncidentSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return models.IncidentSummary{}, false
	}

	end := m.now().UTC()
	if inc.ResolvedAt != nil {
		end = *inc.ResolvedAt
	}

	summary := models.IncidentSummary{
		ID:                inc.ID,
		Title:             inc.Title,
		Status:            inc.Status,
		Severity:          inc.Severity,
		CreatedAt:         inc.CreatedAt,
		UpdatedAt:         inc.UpdatedAt,
		DurationMinutes:   utils.DurationMinutes(inc.CreatedAt, end),
		ActionsTaken:      len(inc.Executed),
		AgentRuns:         inc.AgentRuns,
		StabilityTrend:    stabilityTrend(inc.StabilityReports),
		ResolutionSummary: inc.ResolutionSummary,
	}
	if inc.RCA != nil {
		summary.RootCause = inc.RCA.RootCause
	}
	return summary, true
}

// List returns incidents newest first, optionally filtered by status.
// limit <= 0 means 50.
func (m *Manager) List(status models.IncidentStatus, limit int) []models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	out := make([]models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// History reconstructs the chronological event log of an incident, starting
// with its creation.
func (m *Manager) History(id string) []models.IncidentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return nil
	}

	events := []models.IncidentEvent{{
		Timestamp: inc.CreatedAt,
		Event:     "incident_created",
		Details: map[string]string{
			"title":    inc.Title,
			"severity": string(inc.Severity),
		},
	}}

	if inc.RCA != nil {
		events = append(events, models.IncidentEvent{
			Timestamp: inc.UpdatedAt,
			Event:     "rca_completed",
			Details: map[string]string{
				"root_cause": inc.RCA.RootCause,
				"factors":    strings.Join(inc.RCA.ContributingFactors, ", "),
			},
		})
	}

	for _, action := range inc.Executed {
		ev := models.IncidentEvent{
			Event: "action_executed",
			Details: map[string]string{
				"type":        string(action.Kind),
				"description": action.Description,
				"result":      action.Result,
			},
		}
		if action.ExecutedAt != nil {
			ev.Timestamp = *action.ExecutedAt
		}
		events = append(events, ev)
	}

	for _, report := range inc.StabilityReports {
		events = append(events, models.IncidentEvent{
			Timestamp: report.Timestamp,
			Event:     "stability_check",
			Details: map[string]string{
				"is_stable": strconv.FormatBool(report.IsStable),
				"details":   report.Details,
			},
		})
	}

	// Creation stays first; everything after it sorts by time.
	rest := events[1:]
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Timestamp.Before(rest[j].Timestamp) })

	return events
}

// mutate applies fn to the incident under the lock, stamps UpdatedAt and
// persists the snapshot. It reports whether the mutation was applied: an
// unknown id or a terminal (resolved or closed) incident is left untouched,
// so a finished incident can never slide back to an earlier status.
func (m *Manager) mutate(id string, fn func(*models.Incident)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok || inc.Status.Terminal() {
		return false
	}
	fn(inc)
	inc.UpdatedAt = m.now().UTC()
	m.persistLocked(inc)
	return true
}

func (m *Manager) clearActive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == id {
		m.activeID = ""
	}
}

// persistLocked writes the incident snapshot to the configured store.
// Persistence failures are logged, never propagated. Caller holds the mutex.
func (m *Manager) persistLocked(inc *models.Incident) {
	if m.store == nil {
		return
	}
	snapshot := cloneIncident(inc)
	if err := m.store.Save(&snapshot); err != nil {
		m.logger.Warn("incident snapshot not persisted", "incident_id", inc.ID, "error", err)
	}
}

// Restore loads previously persisted incidents into the registry, keeping
// the newest active one (if any) as the active pointer.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.List()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range stored {
		copied := inc
		m.incidents[copied.ID] = &copied
		if copied.Active() {
			if m.activeID == "" || copied.CreatedAt.After(m.incidents[m.activeID].CreatedAt) {
				m.activeID = copied.ID
			}
		}
	}
	m.logger.Info("incidents restored", "count", len(stored))
	return nil
}

func stabilityTrend(reports []models.StabilityReport) string {
	if len(reports) == 0 {
		return "unknown"
	}
	recent := reports
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	stable := 0
	for _, r := range recent {
		if r.IsStable {
			stable++
		}
	}
	switch {
	case stable == len(recent):
		return "stable"
	case stable == 0:
		return "critical"
	case stable > len(recent)/2:
		return "improving"
	default:
		return "degrading"
	}
}

func cloneIncident(inc *models.Incident) models.Incident {
	out := *inc
	out.Logs = append([]models.LogRecord(nil), inc.Logs...)
	out.Metrics = append([]models.MetricsSnapshot(nil), inc.Metrics...)
	out.Recommended = append([]models.RemediationAction(nil), inc.Recommended...)
	out.Executed = append([]models.RemediationAction(nil), inc.Executed...)
	out.StabilityReports = append([]models.StabilityReport(nil), inc.StabilityReports...)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
