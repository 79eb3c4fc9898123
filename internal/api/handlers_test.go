package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/detect"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/orchestrator"
	"github.com/sentinelstack/sentinel-heal/internal/stability"
)

type scriptedAgent struct {
	resp models.AgentResponse
}

func (a *scriptedAgent) Analyze(_ context.Context, incidentID string, _ []models.LogRecord, _ []models.MetricsSnapshot, _ map[string]string) models.AgentResponse {
	resp := a.resp
	resp.IncidentID = incidentID
	return resp
}

type fixture struct {
	server   *Server
	buffer   *ingest.TelemetryBuffer
	manager  *incident.Manager
	detector *detect.Detector
	agent    *scriptedAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	buffer := ingest.NewTelemetryBuffer(ingest.BufferOptions{})
	detector := detect.NewDetector(config.ThresholdConfig{}, nil)
	evaluator := stability.NewEvaluator(config.ThresholdConfig{}, nil)
	manager := incident.NewManager(incident.NewMemoryStore(), nil)
	executor := orchestrator.NewExecutor(config.AutoHealConfig{DryRun: true}, nil)
	agent := &scriptedAgent{resp: models.AgentResponse{Summary: "scripted", SystemOK: false}}
	orch := orchestrator.NewOrchestrator(agent, manager, evaluator, executor, config.MonitorConfig{
		MaxRetries:    1,
		CheckInterval: time.Millisecond,
	}, nil)

	server := NewServer(Options{
		Buffer:       buffer,
		Detector:     detector,
		Evaluator:    evaluator,
		Manager:      manager,
		Orchestrator: orch,
		Executor:     executor,
	})

	return &fixture{
		server:   server,
		buffer:   buffer,
		manager:  manager,
		detector: detector,
		agent:    agent,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("response not JSON: %v: %s", err, rec.Body.String())
	}
}

func TestIngestLogsRawAndStructured(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/ingest/logs", map[string]any{
		"raw":    "2026-03-14 10:00:00 ERROR payment failed\n2026-03-14 10:00:01 INFO retry scheduled",
		"source": "app",
		"logs": []models.LogRecord{
			{Level: models.LevelWarning, Message: "slow query"},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	decodeBody(t, rec, &resp)
	if resp["accepted"] != 3 {
		t.Fatalf("accepted = %d", resp["accepted"])
	}
	if got := len(f.buffer.RecentLogs(0)); got != 3 {
		t.Fatalf("buffered = %d", got)
	}
}

func TestIngestLogsEmptyRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/ingest/logs", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestIngestMetricsNormalizesSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/ingest/metrics", map[string]any{
		"metrics": []models.MetricPoint{
			{Name: "cpu_usage", Value: 62.5},
			{Name: "memory_percent", Value: 71},
		},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	snap, ok := f.buffer.LatestSnapshot()
	if !ok {
		t.Fatal("no snapshot buffered")
	}
	if snap.CPUPercent == nil || *snap.CPUPercent != 62.5 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestIngestSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/ingest/snapshot", models.MetricsSnapshot{
		CPUPercent: models.Float64(15),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := f.buffer.LatestSnapshot(); !ok {
		t.Fatal("snapshot not buffered")
	}
}

func TestTelemetryQueryEndpoints(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.buffer.AddLog(models.LogRecord{Timestamp: now.Add(-30 * time.Minute), Level: models.LevelError, Message: "old timeout"})
	f.buffer.AddLog(models.LogRecord{Timestamp: now, Level: models.LevelInfo, Message: "served"})
	f.buffer.AddLog(models.LogRecord{Timestamp: now, Level: models.LevelError, Message: "timeout"})
	f.buffer.AddMetric(models.MetricPoint{Timestamp: now, Name: "cpu_percent", Value: 42})
	f.buffer.AddMetric(models.MetricPoint{Timestamp: now, Name: "latency_ms", Value: 180})

	rec := f.do(t, http.MethodGet, "/api/v1/telemetry/logs?minutes=5&level=ERROR", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var logsResp struct {
		Count int                `json:"count"`
		Logs  []models.LogRecord `json:"logs"`
	}
	decodeBody(t, rec, &logsResp)
	if logsResp.Count != 1 || logsResp.Logs[0].Message != "timeout" {
		t.Fatalf("logs = %+v", logsResp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/telemetry/logs?minutes=60", nil)
	decodeBody(t, rec, &logsResp)
	if logsResp.Count != 3 {
		t.Fatalf("wide window count = %d", logsResp.Count)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/telemetry/metrics?name=cpu_percent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var metricsResp struct {
		Count   int                  `json:"count"`
		Metrics []models.MetricPoint `json:"metrics"`
	}
	decodeBody(t, rec, &metricsResp)
	if metricsResp.Count != 1 || metricsResp.Metrics[0].Value != 42 {
		t.Fatalf("metrics = %+v", metricsResp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.buffer.AddLog(models.LogRecord{Level: models.LevelInfo, Message: "hi"})

	rec := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp statusResponse
	decodeBody(t, rec, &resp)
	if resp.Logs != 1 || !resp.DryRun || resp.ForceMode || resp.ActiveIncident != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestIncidentEndpoints(t *testing.T) {
	f := newFixture(t)
	inc, err := f.manager.Create("db down", "primary unreachable", models.SeverityHigh, nil, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/incidents", nil)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &list)
	if list.Count != 1 {
		t.Fatalf("count = %d", list.Count)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID+"/history", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "incident_created") {
		t.Fatalf("history = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID+"/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/escalate", nil)
	var escalated models.Incident
	decodeBody(t, rec, &escalated)
	if escalated.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s", escalated.Severity)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/acknowledge", map[string]string{"by": "sre-oncall"})
	var acked models.Incident
	decodeBody(t, rec, &acked)
	if acked.AcknowledgedBy != "sre-oncall" {
		t.Fatalf("acknowledged_by = %q", acked.AcknowledgedBy)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/resolve", map[string]string{"summary": "failover done"})
	var resolved models.Incident
	decodeBody(t, rec, &resolved)
	if resolved.Status != models.StatusResolved || resolved.ResolutionSummary != "failover done" {
		t.Fatalf("resolved = %+v", resolved)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/close", nil)
	var closed models.Incident
	decodeBody(t, rec, &closed)
	if closed.Status != models.StatusClosed {
		t.Fatalf("status = %s", closed.Status)
	}

	// A finished incident refuses further status changes.
	rec = f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/escalate", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("escalate after close status = %d", rec.Code)
	}
}

func TestIncidentNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/v1/incidents/nope",
		"/api/v1/incidents/nope/history",
		"/api/v1/incidents/nope/summary",
	} {
		if rec := f.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/incidents/nope/resolve", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("resolve status = %d", rec.Code)
	}
}

func TestForceRCAEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agent.resp = models.AgentResponse{
		RCA:     &models.RCAFinding{RootCause: "manual check", Confidence: 0.6},
		Summary: "reviewed",
	}

	rec := f.do(t, http.MethodPost, "/api/v1/rca/force", map[string]string{"description": "spot check"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp models.AgentResponse
	decodeBody(t, rec, &resp)
	if resp.IncidentID == "" {
		t.Fatal("no incident id in response")
	}
	if inc, ok := f.manager.Get(resp.IncidentID); !ok || inc.Title != "spot check" {
		t.Fatalf("incident = %+v ok=%v", inc, ok)
	}

	// A second force while the first incident is still active conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/rca/force", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d", rec.Code)
	}
}

func TestRunWorkflowEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agent.resp = models.AgentResponse{Summary: "all clear", SystemOK: true}

	inc, err := f.manager.Create("spike", "", models.SeverityMedium, nil,
		[]models.LogRecord{{Timestamp: time.Now().UTC(), Level: models.LevelInfo, Message: "ok"}}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/workflow/"+inc.ID+"/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := f.manager.Get(inc.ID)
	if got.Status != models.StatusResolved {
		t.Fatalf("status = %s", got.Status)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/workflow/nope/run", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow status = %d", rec.Code)
	}
}

func TestActionsEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/actions", nil)
	var catalog struct {
		Actions []orchestrator.ActionSpec `json:"actions"`
	}
	decodeBody(t, rec, &catalog)
	if len(catalog.Actions) != 8 {
		t.Fatalf("actions = %d", len(catalog.Actions))
	}

	rec = f.do(t, http.MethodPost, "/api/v1/actions/execute", map[string]any{
		"action":  "restart_service",
		"service": "payments",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var result orchestrator.ExecResult
	decodeBody(t, rec, &result)
	if !result.DryRun || !strings.Contains(result.Message, "[DRY RUN]") {
		t.Fatalf("result = %+v", result)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/actions/execute", map[string]any{"action": "format_disk"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d", rec.Code)
	}
}

func TestExecuteActionRecordsOnIncident(t *testing.T) {
	f := newFixture(t)
	inc, err := f.manager.Create("stuck queue", "", models.SeverityMedium, nil, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/actions/execute", map[string]any{
		"action":      "clear_queue",
		"service":     "orders",
		"incident_id": inc.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := f.manager.Get(inc.ID)
	if len(got.Executed) != 1 || got.Executed[0].Kind != models.ActionClearQueue {
		t.Fatalf("executed = %+v", got.Executed)
	}
	if got.Status != models.StatusMitigating {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestAdminToggles(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/force-incident", map[string]bool{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.detector.Forced() {
		t.Fatal("force mode not set")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/admin/dry-run", map[string]bool{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status statusResponse
	decodeBody(t, f.do(t, http.MethodGet, "/api/v1/status", nil), &status)
	if status.DryRun || !status.ForceMode {
		t.Fatalf("status = %+v", status)
	}
}

func TestSimulateFillsBuffer(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/simulate", map[string]string{"scenario": "database"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if f.buffer.Empty() {
		t.Fatal("buffer still empty after simulation")
	}

	var resp struct {
		Title string `json:"title"`
	}
	decodeBody(t, rec, &resp)
	if resp.Title != "Database Connection Pool Exhausted" {
		t.Fatalf("title = %q", resp.Title)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStabilityEndpoints(t *testing.T) {
	f := newFixture(t)

	f.buffer.AddSnapshot(models.MetricsSnapshot{
		Timestamp:  time.Now(),
		CPUPercent: models.Float64(20),
		LatencyMS:  models.Float64(120),
	})

	rec := f.do(t, http.MethodGet, "/api/v1/stability/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var check stabilityCheckResponse
	decodeBody(t, rec, &check)
	if !check.IsStable || !check.MetricsOK || !check.LogsOK {
		t.Fatalf("check = %+v, want stable", check)
	}

	// A baseline makes a later latency regression unstable even though the
	// absolute threshold still passes.
	rec = f.do(t, http.MethodPost, "/api/v1/stability/baseline", map[string]float64{"latency_ms": 100})
	if rec.Code != http.StatusOK {
		t.Fatalf("baseline status = %d: %s", rec.Code, rec.Body.String())
	}

	f.buffer.AddSnapshot(models.MetricsSnapshot{
		Timestamp: time.Now(),
		LatencyMS: models.Float64(500),
	})
	rec = f.do(t, http.MethodGet, "/api/v1/stability/check", nil)
	decodeBody(t, rec, &check)
	if check.IsStable || check.MetricsOK {
		t.Fatalf("check = %+v, want metrics regression", check)
	}
}
