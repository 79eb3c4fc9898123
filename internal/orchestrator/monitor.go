package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/detect"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// HealthChecker is the slice of the agent client the monitor needs.
type HealthChecker interface {
	Configured() bool
	MonitorSystem(ctx context.Context, logs []models.LogRecord, snapshots []models.MetricsSnapshot) *models.HealthFinding
}

// Notifier is told about newly created incidents and finished analyses.
// Implementations must not block for long; the monitor calls them inline.
type Notifier interface {
	IncidentCreated(ctx context.Context, inc models.Incident)
	RCACompleted(ctx context.Context, inc models.Incident, rca models.RCAFinding, actions []models.RemediationAction)
}

// Monitor periodically sweeps the telemetry buffer for anomalies and opens
// incidents. Statistical detection runs first; when it sees nothing and the
// analysis agent is configured, the agent gets a second opinion.
type Monitor struct {
	buffer       *ingest.TelemetryBuffer
	detector     *detect.Detector
	agent        HealthChecker
	manager      *incident.Manager
	orchestrator *Orchestrator
	notifier     Notifier
	interval     time.Duration
	runWorkflow  bool
	logger       *slog.Logger
}

// MonitorOptions collects the monitor's collaborators. Agent and Notifier
// may be nil.
type MonitorOptions struct {
	Buffer       *ingest.TelemetryBuffer
	Detector     *detect.Detector
	Agent        HealthChecker
	Manager      *incident.Manager
	Orchestrator *Orchestrator
	Notifier     Notifier
	RunWorkflow  bool
}

// NewMonitor builds a monitor sweeping at cfg.Interval (default 5 minutes).
func NewMonitor(opts MonitorOptions, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		buffer:       opts.Buffer,
		detector:     opts.Detector,
		agent:        opts.Agent,
		manager:      opts.Manager,
		orchestrator: opts.Orchestrator,
		notifier:     opts.Notifier,
		interval:     interval,
		runWorkflow:  opts.RunWorkflow,
		logger:       logger,
	}
}

// Run sweeps until the context is cancelled. Each sweep is independent; a
// failing one does not stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitoring loop started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitoring loop stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one monitoring sweep. It returns the created incident, or nil
// when the sweep found nothing or was skipped.
func (m *Monitor) Check(ctx context.Context) *models.Incident {
	metrics.SetBufferSizes(m.buffer.Sizes())

	if m.buffer.Empty() {
		m.logger.Debug("no telemetry buffered, skipping sweep")
		return nil
	}
	if active, ok := m.manager.Active(); ok {
		m.logger.Debug("active incident exists, skipping sweep", "incident_id", active.ID)
		return nil
	}

	logs := m.buffer.RecentLogs(0)
	snapshots := m.buffer.RecentSnapshots(0)
	var latest *models.MetricsSnapshot
	if snap, ok := m.buffer.LatestSnapshot(); ok {
		latest = &snap
	}

	verdict := m.detector.Detect(logs, latest)
	if verdict.Detected {
		return m.openFromVerdict(ctx, verdict, logs, snapshots)
	}

	if m.agent == nil || !m.agent.Configured() {
		return nil
	}

	finding := m.agent.MonitorSystem(ctx, logs, snapshots)
	if finding == nil {
		m.logger.Info("monitoring sweep clean")
		return nil
	}
	return m.openFromFinding(ctx, finding, logs, snapshots)
}

func (m *Monitor) openFromVerdict(ctx context.Context, verdict models.AnomalyVerdict, logs []models.LogRecord, snapshots []models.MetricsSnapshot) *models.Incident {
	title := "Anomaly detected: " + verdict.Type
	inc, err := m.manager.Create(title, verdict.Description, verdict.Severity, &verdict, logs, snapshots)
	if err != nil {
		m.logger.Warn("could not open incident", "error", err)
		return nil
	}

	m.logger.Info("incident opened from detection",
		"incident_id", inc.ID,
		"anomaly_type", verdict.Type,
		"severity", verdict.Severity,
	)

	m.finishOpen(ctx, inc)
	return inc
}

func (m *Monitor) openFromFinding(ctx context.Context, finding *models.HealthFinding, logs []models.LogRecord, snapshots []models.MetricsSnapshot) *models.Incident {
	severity := finding.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}
	title := finding.Title
	if title == "" {
		title = "Issue detected by monitoring"
	}

	inc, err := m.manager.Create(title, finding.Summary, severity, nil, logs, snapshots)
	if err != nil {
		m.logger.Warn("could not open incident", "error", err)
		return nil
	}

	m.manager.SetRCA(inc.ID, models.RCAFinding{
		RootCause:           finding.RootCause,
		ContributingFactors: finding.ContributingFactors,
		Confidence:          0.8,
	})
	for _, action := range finding.Recommended {
		m.manager.AddRecommendedAction(inc.ID, action)
	}

	m.logger.Info("incident opened from agent finding",
		"incident_id", inc.ID,
		"title", title,
		"severity", severity,
	)

	m.finishOpen(ctx, inc)
	return inc
}

// finishOpen notifies and, when configured, kicks off the remediation
// workflow for a freshly opened incident.
func (m *Monitor) finishOpen(ctx context.Context, inc *models.Incident) {
	if m.notifier != nil {
		if current, ok := m.manager.Get(inc.ID); ok {
			m.notifier.IncidentCreated(ctx, current)
		}
	}
	if m.runWorkflow && m.orchestrator != nil {
		m.orchestrator.RunWorkflow(ctx, inc.ID, nil)
		if m.notifier != nil {
			if current, ok := m.manager.Get(inc.ID); ok && current.RCA != nil {
				m.notifier.RCACompleted(ctx, current, *current.RCA, current.Recommended)
			}
		}
	}
}
