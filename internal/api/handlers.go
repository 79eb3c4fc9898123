package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/orchestrator"
)

type ingestLogsRequest struct {
	Raw    string             `json:"raw,omitempty"`
	Source string             `json:"source,omitempty"`
	Logs   []models.LogRecord `json:"logs,omitempty"`
}

func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	var req ingestLogsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	records := req.Logs
	if req.Raw != "" {
		records = append(records, ingest.ParseMultiline(req.Raw, req.Source)...)
	}
	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "no log content provided")
		return
	}

	s.buffer.AddLogs(records)
	logs, _, _ := s.buffer.Sizes()
	writeJSON(w, http.StatusAccepted, map[string]int{
		"accepted": len(records),
		"buffered": logs,
	})
}

type ingestMetricsRequest struct {
	Metrics []models.MetricPoint `json:"metrics"`
}

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	var req ingestMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "no metrics provided")
		return
	}

	for _, pt := range req.Metrics {
		s.buffer.AddMetric(pt)
	}
	s.buffer.AddSnapshot(ingest.NormalizeMetrics(req.Metrics))

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Metrics)})
}

func (s *Server) handleIngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap models.MetricsSnapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.buffer.AddSnapshot(snap)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// queryWindow reads the minutes query parameter and turns it into a cutoff.
// Missing or invalid values fall back to a 5 minute window.
func (s *Server) queryWindow(r *http.Request) time.Time {
	minutes := 5
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			minutes = n
		}
	}
	return time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	level := models.LogLevel(strings.ToLower(r.URL.Query().Get("level")))
	logs := s.buffer.LogsSince(s.queryWindow(r), level)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(logs),
		"logs":  logs,
	})
}

func (s *Server) handleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	points := s.buffer.MetricsSince(s.queryWindow(r), name)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(points),
		"metrics": points,
	})
}

type statusResponse struct {
	Logs            int              `json:"buffered_logs"`
	Metrics         int              `json:"buffered_metrics"`
	Snapshots       int              `json:"buffered_snapshots"`
	ActiveIncident  *models.Incident `json:"active_incident"`
	DryRun          bool             `json:"dry_run"`
	ForceMode       bool             `json:"force_mode"`
	AgentConfigured bool             `json:"agent_configured"`
	AgentCalls      int              `json:"agent_calls"`
	AgentP95MS      float64          `json:"agent_p95_ms"`
	ShouldRerun     bool             `json:"should_rerun_agent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	logs, metrics, snapshots := s.buffer.Sizes()
	resp := statusResponse{
		Logs:        logs,
		Metrics:     metrics,
		Snapshots:   snapshots,
		DryRun:      s.executor.DryRun(),
		ForceMode:   s.detector.Forced(),
		ShouldRerun: s.evaluator.ShouldRerun(),
	}
	if s.agent != nil {
		resp.AgentConfigured = s.agent.Configured()
		if lt := s.agent.Latency(); lt != nil {
			resp.AgentCalls = lt.Count()
			resp.AgentP95MS = float64(lt.Percentile(95)) / float64(time.Millisecond)
		}
	}
	if active, ok := s.manager.Active(); ok {
		resp.ActiveIncident = &active
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := models.IncidentStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	incidents := s.manager.List(status, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.manager.History(id)})
}

func (s *Server) handleIncidentSummary(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.manager.Summary(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Summary == "" {
		req.Summary = "Resolved by operator"
	}

	id := chi.URLParam(r, "id")
	if !s.manager.Resolve(id, req.Summary) {
		s.rejectMutation(w, id)
		return
	}
	inc, _ := s.manager.Get(id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.Close(id) {
		s.rejectMutation(w, id)
		return
	}
	inc, _ := s.manager.Get(id)
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.Escalate(id) {
		s.rejectMutation(w, id)
		return
	}
	inc, _ := s.manager.Get(id)
	writeJSON(w, http.StatusOK, inc)
}

// rejectMutation reports why a status change was refused: the id is unknown,
// or the incident already reached a terminal status.
func (s *Server) rejectMutation(w http.ResponseWriter, id string) {
	if _, ok := s.manager.Get(id); ok {
		writeError(w, http.StatusConflict, "incident already finished")
		return
	}
	writeError(w, http.StatusNotFound, "incident not found")
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		By string `json:"by"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.By == "" {
		req.By = "operator"
	}

	id := chi.URLParam(r, "id")
	if !s.manager.Acknowledge(id, req.By) {
		s.rejectMutation(w, id)
		return
	}
	inc, _ := s.manager.Get(id)
	writeJSON(w, http.StatusOK, inc)
}

type forceRCARequest struct {
	Description string                   `json:"description,omitempty"`
	Logs        []models.LogRecord       `json:"logs,omitempty"`
	Metrics     []models.MetricsSnapshot `json:"metrics,omitempty"`
}

func (s *Server) handleForceRCA(w http.ResponseWriter, r *http.Request) {
	var req forceRCARequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Fall back to buffered telemetry when the request carries none.
	logs := req.Logs
	if len(logs) == 0 {
		logs = s.buffer.RecentLogs(0)
	}
	metrics := req.Metrics
	if len(metrics) == 0 {
		metrics = s.buffer.RecentSnapshots(0)
	}

	resp, err := s.orchestrator.ForceRCA(r.Context(), logs, metrics, req.Description)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoExecute *bool `json:"auto_execute,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}

	resp := s.orchestrator.RunWorkflow(r.Context(), id, req.AutoExecute)
	writeJSON(w, http.StatusOK, resp)
}

type stabilityCheckResponse struct {
	IsStable    bool   `json:"is_stable"`
	MetricsOK   bool   `json:"metrics_ok"`
	LogsOK      bool   `json:"logs_ok"`
	Details     string `json:"details,omitempty"`
	ShouldRerun bool   `json:"should_rerun_agent"`
}

func (s *Server) handleStabilityCheck(w http.ResponseWriter, _ *http.Request) {
	logs := s.buffer.RecentLogs(0)
	var snap *models.MetricsSnapshot
	if latest, ok := s.buffer.LatestSnapshot(); ok {
		snap = &latest
	}

	report := s.evaluator.Evaluate(snap, logs, "")
	writeJSON(w, http.StatusOK, stabilityCheckResponse{
		IsStable:    report.IsStable,
		MetricsOK:   report.MetricsOK,
		LogsOK:      report.LogsOK,
		Details:     report.Details,
		ShouldRerun: s.evaluator.ShouldRerun(),
	})
}

func (s *Server) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	var snap models.MetricsSnapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid baseline snapshot")
		return
	}
	s.evaluator.SetBaseline(snap)
	writeJSON(w, http.StatusOK, map[string]string{"status": "baseline set"})
}

func (s *Server) handleListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": orchestrator.AvailableActions(),
		"history": s.executor.History(),
	})
}

type executeActionRequest struct {
	Action     models.ActionKind `json:"action"`
	Service    string            `json:"service,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	IncidentID string            `json:"incident_id,omitempty"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req executeActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !models.KnownActionKind(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown action: "+string(req.Action))
		return
	}
	if req.IncidentID != "" {
		if _, ok := s.manager.Get(req.IncidentID); !ok {
			writeError(w, http.StatusNotFound, "incident not found")
			return
		}
	}

	result := s.executor.Execute(r.Context(), req.Action, req.Service, req.Parameters)

	if req.IncidentID != "" && result.Success {
		s.manager.RecordActionTaken(req.IncidentID, models.RemediationAction{
			Kind:       req.Action,
			Service:    req.Service,
			Parameters: req.Parameters,
			Automated:  false,
			Executed:   true,
			Result:     result.Message,
			ExecutedAt: &result.Timestamp,
		})
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleForceIncident(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.detector.ForceIncident(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"force_mode": req.Enabled})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.executor.SetDryRun(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"dry_run": req.Enabled})
}

type simulateRequest struct {
	Scenario string `json:"scenario,omitempty"`
}

// handleSimulate loads a synthetic failure scenario into the buffer so the
// detection path can be exercised without live telemetry.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	gen := ingest.NewMockGenerator(time.Now().UnixNano())
	scenario := gen.Scenario(req.Scenario)

	s.buffer.AddLogs(scenario.Logs)
	for _, snap := range scenario.Snapshots {
		s.buffer.AddSnapshot(snap)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"title":     scenario.Title,
		"severity":  scenario.Severity,
		"logs":      len(scenario.Logs),
		"snapshots": len(scenario.Snapshots),
		"available": ingest.ScenarioNames(),
	})
}
