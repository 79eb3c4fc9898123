package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/detect"
	"github.com/sentinelstack/sentinel-heal/internal/incident"
	"github.com/sentinelstack/sentinel-heal/internal/ingest"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

type fakeHealthChecker struct {
	finding *models.HealthFinding
	calls   int
}

func (f *fakeHealthChecker) Configured() bool { return true }

func (f *fakeHealthChecker) MonitorSystem(context.Context, []models.LogRecord, []models.MetricsSnapshot) *models.HealthFinding {
	f.calls++
	return f.finding
}

type recordingNotifier struct {
	created   []models.Incident
	completed []models.Incident
}

func (n *recordingNotifier) IncidentCreated(_ context.Context, inc models.Incident) {
	n.created = append(n.created, inc)
}

func (n *recordingNotifier) RCACompleted(_ context.Context, inc models.Incident, _ models.RCAFinding, _ []models.RemediationAction) {
	n.completed = append(n.completed, inc)
}

func newMonitorFixture(agent HealthChecker, notifier Notifier) (*Monitor, *ingest.TelemetryBuffer, *incident.Manager) {
	buffer := ingest.NewTelemetryBuffer(ingest.BufferOptions{})
	manager := incident.NewManager(incident.NewMemoryStore(), nil)
	detector := detect.NewDetector(config.ThresholdConfig{}, nil)
	m := NewMonitor(MonitorOptions{
		Buffer:   buffer,
		Detector: detector,
		Agent:    agent,
		Manager:  manager,
		Notifier: notifier,
	}, config.MonitorConfig{}, nil)
	return m, buffer, manager
}

func TestCheckSkipsEmptyBuffer(t *testing.T) {
	m, _, _ := newMonitorFixture(nil, nil)
	if inc := m.Check(context.Background()); inc != nil {
		t.Fatalf("incident = %+v", inc)
	}
}

func TestCheckOpensIncidentFromDetection(t *testing.T) {
	notifier := &recordingNotifier{}
	m, buffer, manager := newMonitorFixture(nil, notifier)

	buffer.AddSnapshot(models.MetricsSnapshot{
		Timestamp:  time.Now().UTC(),
		CPUPercent: models.Float64(99),
	})

	inc := m.Check(context.Background())
	if inc == nil {
		t.Fatal("no incident opened")
	}
	if inc.Severity != models.SeverityCritical {
		t.Fatalf("severity = %s", inc.Severity)
	}

	got, ok := manager.Active()
	if !ok || got.ID != inc.ID {
		t.Fatal("incident not active")
	}
	if got.Anomaly == nil || !got.Anomaly.Detected {
		t.Fatalf("anomaly = %+v", got.Anomaly)
	}
	if len(notifier.created) != 1 || notifier.created[0].ID != inc.ID {
		t.Fatalf("notifications = %+v", notifier.created)
	}
}

func TestCheckSkipsWhileIncidentActive(t *testing.T) {
	agent := &fakeHealthChecker{}
	m, buffer, manager := newMonitorFixture(agent, nil)

	buffer.AddLog(models.LogRecord{Level: models.LevelInfo, Message: "steady"})
	if _, err := manager.Create("open", "", models.SeverityLow, nil, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if inc := m.Check(context.Background()); inc != nil {
		t.Fatalf("incident = %+v", inc)
	}
	if agent.calls != 0 {
		t.Fatal("agent consulted despite active incident")
	}
}

func TestCheckFallsBackToAgent(t *testing.T) {
	agent := &fakeHealthChecker{finding: &models.HealthFinding{
		Severity:  models.SeverityHigh,
		Title:     "Connection pool exhaustion",
		RootCause: "leaked connections in the orders service",
		Recommended: []models.RemediationAction{
			{Kind: models.ActionRestartService, Service: "orders", Automated: true},
		},
		Summary: "orders service is leaking connections",
	}}
	m, buffer, manager := newMonitorFixture(agent, nil)

	// Telemetry too quiet for the statistical detector.
	buffer.AddLog(models.LogRecord{Level: models.LevelInfo, Message: "request served"})
	buffer.AddSnapshot(models.MetricsSnapshot{
		Timestamp:  time.Now().UTC(),
		CPUPercent: models.Float64(20),
	})

	inc := m.Check(context.Background())
	if inc == nil {
		t.Fatal("no incident opened from agent finding")
	}
	if agent.calls != 1 {
		t.Fatalf("agent calls = %d", agent.calls)
	}

	got, _ := manager.Get(inc.ID)
	if got.Title != "Connection pool exhaustion" || got.Severity != models.SeverityHigh {
		t.Fatalf("incident = %+v", got)
	}
	if got.RCA == nil || got.RCA.RootCause != "leaked connections in the orders service" {
		t.Fatalf("rca = %+v", got.RCA)
	}
	if got.RCA.Confidence != 0.8 {
		t.Fatalf("confidence = %v", got.RCA.Confidence)
	}
	if len(got.Recommended) != 1 {
		t.Fatalf("recommended = %+v", got.Recommended)
	}
}

func TestCheckHealthyAgentOpensNothing(t *testing.T) {
	agent := &fakeHealthChecker{finding: nil}
	m, buffer, manager := newMonitorFixture(agent, nil)

	buffer.AddLog(models.LogRecord{Level: models.LevelInfo, Message: "request served"})

	if inc := m.Check(context.Background()); inc != nil {
		t.Fatalf("incident = %+v", inc)
	}
	if agent.calls != 1 {
		t.Fatalf("agent calls = %d", agent.calls)
	}
	if _, ok := manager.Active(); ok {
		t.Fatal("unexpected active incident")
	}
}
