package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/stability"
)

// Analyzer is the slice of the agent client the workflow needs.
type Analyzer interface {
	Analyze(ctx context.Context, incidentID string, logs []models.LogRecord, snapshots []models.MetricsSnapshot, runContext map[string]string) models.AgentResponse
}

// agentJudgmentHealthy is the external judgment fed to the stability
// evaluator when the agent itself reports the system healthy.
const agentJudgmentHealthy = "ok"

// kill_process needs a pid the agent cannot know, so it is never
// auto-executed.
var autoExecutable = map[models.ActionKind]bool{
	models.ActionRestartService:     true,
	models.ActionScaleReplicas:      true,
	models.ActionFlushCache:         true,
	models.ActionClearQueue:         true,
	models.ActionRerouteTraffic:     true,
	models.ActionRollbackDeployment: true,
	models.ActionClearDisk:          true,
}

// Orchestrator drives the analyze-remediate-verify loop for an incident.
type Orchestrator struct {
	agent         Analyzer
	manager       *incident.Manager
	evaluator     *stability.Evaluator
	executor      *Executor
	maxRetries    int
	checkInterval time.Duration
	autoExecute   bool
	logger        *slog.Logger
}

// NewOrchestrator wires the workflow together. MaxRetries defaults to 5 and
// CheckInterval to 30 seconds when unset.
func NewOrchestrator(agent Analyzer, manager *incident.Manager, evaluator *stability.Evaluator, executor *Executor, cfg config.MonitorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Orchestrator{
		agent:         agent,
		manager:       manager,
		evaluator:     evaluator,
		executor:      executor,
		maxRetries:    maxRetries,
		checkInterval: checkInterval,
		autoExecute:   cfg.AutoExecute,
		logger:        logger,
	}
}

// RunWorkflow runs the full remediation loop for an incident: call the
// agent, record its findings, optionally execute automated actions, and on
// an all-clear verify stability before resolving. The loop re-runs until the
// system is confirmed stable or the run budget is spent.
//
// autoExecute overrides the configured setting when non-nil.
func (o *Orchestrator) RunWorkflow(ctx context.Context, incidentID string, autoExecute *bool) models.AgentResponse {
	shouldExecute := o.autoExecute
	if autoExecute != nil {
		shouldExecute = *autoExecute
	}

	if _, ok := o.manager.Get(incidentID); !ok {
		return models.AgentResponse{
			IncidentID: incidentID,
			Summary:    "incident not found",
		}
	}

	started := time.Now()
	defer func() {
		inc, ok := o.manager.Get(incidentID)
		metrics.ObserveWorkflow(time.Since(started), ok && inc.Status == models.StatusResolved)
	}()

	var final *models.AgentResponse

	for run := 1; run <= o.maxRetries; run++ {
		inc, ok := o.manager.Get(incidentID)
		if !ok || !inc.Active() {
			// Resolved or closed out from under the workflow, usually by an
			// operator. Nothing left to remediate.
			break
		}
		o.manager.IncrementAgentRuns(incidentID)

		o.logger.Info("starting agent run",
			"incident_id", incidentID,
			"run", run,
			"max_runs", o.maxRetries,
		)

		resp := o.agent.Analyze(ctx, incidentID, inc.Logs, inc.Metrics, map[string]string{
			"run_number":       strconv.Itoa(run),
			"previous_actions": describeActions(inc.Executed),
			"severity":         string(inc.Severity),
		})
		final = &resp

		if resp.RCA != nil {
			o.manager.SetRCA(incidentID, *resp.RCA)
		}
		for _, action := range resp.Recommended {
			o.manager.AddRecommendedAction(incidentID, action)
		}

		if shouldExecute && len(resp.Recommended) > 0 {
			executed := o.executeRecommended(ctx, incidentID, resp.Recommended)
			o.logger.Info("executed automated actions",
				"incident_id", incidentID,
				"count", executed,
			)
		}

		if resp.SystemOK {
			o.logger.Info("agent reports system ok", "incident_id", incidentID, "run", run)

			inc, _ = o.manager.Get(incidentID)
			var snap *models.MetricsSnapshot
			if len(inc.Metrics) > 0 {
				snap = &inc.Metrics[len(inc.Metrics)-1]
			}
			report := o.evaluator.Evaluate(snap, inc.Logs, agentJudgmentHealthy)
			o.manager.AddStabilityReport(incidentID, report)

			if report.IsStable {
				summary := resp.Summary
				if summary == "" {
					summary = "System stabilized"
				}
				o.logger.Info("system confirmed stable, ending workflow", "incident_id", incidentID)
				o.manager.Resolve(incidentID, summary)
				break
			}
		}

		if run < o.maxRetries {
			o.logger.Info("waiting before next stability check",
				"incident_id", incidentID,
				"interval", o.checkInterval,
			)
			if !o.wait(ctx) {
				break
			}
			if !o.evaluator.ShouldRerun() {
				o.logger.Info("stability check passed, no re-run needed", "incident_id", incidentID)
				break
			}
		}
	}

	if final == nil {
		return models.AgentResponse{
			IncidentID: incidentID,
			Summary:    "workflow completed",
		}
	}
	return *final
}

// ForceRCA creates a fresh incident and runs a single analysis call on it,
// skipping anomaly detection and the re-run loop.
func (o *Orchestrator) ForceRCA(ctx context.Context, logs []models.LogRecord, metrics []models.MetricsSnapshot, description string) (models.AgentResponse, error) {
	title := description
	if title == "" {
		title = "Manual RCA Request"
	}
	desc := description
	if desc == "" {
		desc = "Forced RCA triggered by operator"
	}

	inc, err := o.manager.Create(title, desc, models.SeverityMedium, nil, logs, metrics)
	if err != nil {
		return models.AgentResponse{}, err
	}

	o.logger.Info("force RCA initiated", "incident_id", inc.ID)

	resp := o.agent.Analyze(ctx, inc.ID, logs, metrics, map[string]string{"forced": "true"})
	if resp.RCA != nil {
		o.manager.SetRCA(inc.ID, *resp.RCA)
	}
	return resp, nil
}

// executeRecommended runs every automated, executable action and records
// successes against the incident. It returns the number executed.
func (o *Orchestrator) executeRecommended(ctx context.Context, incidentID string, actions []models.RemediationAction) int {
	executed := 0
	for _, action := range actions {
		if !action.Automated || !autoExecutable[action.Kind] {
			continue
		}

		result := o.executor.Execute(ctx, action.Kind, action.Service, action.Parameters)
		if !result.Success {
			o.logger.Warn("action failed",
				"incident_id", incidentID,
				"action", action.Kind,
				"message", result.Message,
			)
			continue
		}

		executed++
		done := action
		done.Executed = true
		done.Result = result.Message
		done.ExecutedAt = &result.Timestamp
		o.manager.RecordActionTaken(incidentID, done)
	}
	return executed
}

// wait sleeps the check interval, returning false on cancellation.
func (o *Orchestrator) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.checkInterval):
		return true
	}
}

func describeActions(actions []models.RemediationAction) string {
	if len(actions) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		part := string(a.Kind)
		if a.Service != "" {
			part += " on " + a.Service
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
