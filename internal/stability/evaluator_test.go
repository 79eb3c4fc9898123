package stability

import (
	"strings"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(config.ThresholdConfig{}, nil)
}

func healthySnapshot() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		CPUPercent:    models.Float64(30),
		MemoryPercent: models.Float64(50),
		LatencyMS:     models.Float64(100),
		ErrorRate:     models.Float64(0.01),
	}
}

func TestEvaluateHealthy(t *testing.T) {
	e := newTestEvaluator()
	report := e.Evaluate(healthySnapshot(), nil, "")

	if !report.IsStable || !report.MetricsOK || !report.LogsOK {
		t.Fatalf("healthy system judged unstable: %+v", report)
	}
	if report.Details != "System stable" {
		t.Fatalf("details = %q", report.Details)
	}
}

func TestEvaluateMetricThresholds(t *testing.T) {
	e := newTestEvaluator()
	snap := healthySnapshot()
	snap.ErrorRate = models.Float64(0.2)

	report := e.Evaluate(snap, nil, "")
	if report.IsStable || report.MetricsOK {
		t.Fatalf("error rate above threshold judged stable: %+v", report)
	}
	if !strings.Contains(report.Details, "Error rate") {
		t.Fatalf("details = %q", report.Details)
	}
}

func TestEvaluateBaselineRegression(t *testing.T) {
	e := newTestEvaluator()
	e.SetBaseline(models.MetricsSnapshot{
		LatencyMS: models.Float64(100),
		ErrorRate: models.Float64(0.005),
	})

	// Within absolute thresholds but well past the baseline multipliers.
	snap := &models.MetricsSnapshot{
		LatencyMS: models.Float64(250),
		ErrorRate: models.Float64(0.02),
	}
	report := e.Evaluate(snap, nil, "")
	if report.IsStable {
		t.Fatalf("baseline regression judged stable: %+v", report)
	}
	if !strings.Contains(report.Details, "baseline") {
		t.Fatalf("details = %q", report.Details)
	}
}

func TestEvaluateLogs(t *testing.T) {
	e := newTestEvaluator()
	now := time.Now().UTC()

	var logs []models.LogRecord
	for i := 0; i < 11; i++ {
		logs = append(logs, models.LogRecord{
			Timestamp: now,
			Level:     models.LevelError,
			Message:   "transient",
		})
	}
	report := e.Evaluate(nil, logs, "")
	if report.IsStable || report.LogsOK {
		t.Fatalf("11 recent errors judged stable: %+v", report)
	}

	// Old errors outside the window do not count.
	e2 := newTestEvaluator()
	for i := range logs {
		logs[i].Timestamp = now.Add(-time.Hour)
	}
	report = e2.Evaluate(nil, logs, "")
	if !report.IsStable {
		t.Fatalf("stale errors judged unstable: %+v", report)
	}
}

func TestEvaluateCriticalLogAlwaysUnstable(t *testing.T) {
	e := newTestEvaluator()
	logs := []models.LogRecord{
		{Timestamp: time.Now().UTC(), Level: models.LevelCritical, Message: "fatal"},
	}
	report := e.Evaluate(nil, logs, "")
	if report.IsStable {
		t.Fatalf("critical log judged stable: %+v", report)
	}
}

func TestEvaluateRecurringErrorPattern(t *testing.T) {
	e := newTestEvaluator()
	now := time.Now().UTC()

	var logs []models.LogRecord
	for i := 0; i < 6; i++ {
		logs = append(logs, models.LogRecord{
			Timestamp: now,
			Level:     models.LevelError,
			Message:   "connection reset by peer at 10.0.0.5",
		})
	}
	report := e.Evaluate(nil, logs, "")
	if report.IsStable {
		t.Fatalf("recurring error judged stable: %+v", report)
	}
	if !strings.Contains(report.Details, "Recurring error pattern") {
		t.Fatalf("details = %q", report.Details)
	}
}

func TestExternalJudgmentOnlyDowngrades(t *testing.T) {
	e := newTestEvaluator()

	report := e.Evaluate(healthySnapshot(), nil, "system still degraded, errors everywhere")
	if report.IsStable {
		t.Fatal("negative external judgment must downgrade")
	}

	// Positive judgment cannot rescue failing metrics.
	snap := healthySnapshot()
	snap.CPUPercent = models.Float64(99)
	report = e.Evaluate(snap, nil, "looks healthy to me")
	if report.IsStable {
		t.Fatal("positive external judgment must not upgrade")
	}

	report = e.Evaluate(healthySnapshot(), nil, "all stable")
	if !report.IsStable {
		t.Fatalf("positive judgment on healthy system: %+v", report)
	}
}

func TestTrend(t *testing.T) {
	e := newTestEvaluator()
	if trend := e.TrendOf(5); trend.Trend != TrendUnknown {
		t.Fatalf("empty history trend = %s", trend.Trend)
	}

	bad := healthySnapshot()
	bad.CPUPercent = models.Float64(99)

	// 5 unstable reports.
	for i := 0; i < 5; i++ {
		e.Evaluate(bad, nil, "")
	}
	if trend := e.TrendOf(5); trend.Trend != TrendCritical {
		t.Fatalf("trend = %s, want critical", trend.Trend)
	}

	// 4 stable after 1 unstable in the window: improving.
	for i := 0; i < 4; i++ {
		e.Evaluate(healthySnapshot(), nil, "")
	}
	if trend := e.TrendOf(5); trend.Trend != TrendImproving {
		t.Fatalf("trend = %s, want improving", trend.Trend)
	}

	// Window of 5 stable: stable.
	e.Evaluate(healthySnapshot(), nil, "")
	trend := e.TrendOf(5)
	if trend.Trend != TrendStable || !trend.LatestStable {
		t.Fatalf("trend = %+v, want stable", trend)
	}
}

func TestShouldRerun(t *testing.T) {
	e := newTestEvaluator()

	// No history yet: nothing proves stability, so keep going.
	if !e.ShouldRerun() {
		t.Fatal("empty history should rerun")
	}

	bad := healthySnapshot()
	bad.CPUPercent = models.Float64(99)

	// Critical trend always reruns.
	for i := 0; i < 5; i++ {
		e.Evaluate(bad, nil, "")
	}
	if !e.ShouldRerun() {
		t.Fatal("critical trend should rerun")
	}

	// Sustained stability stops the loop.
	for i := 0; i < 5; i++ {
		e.Evaluate(healthySnapshot(), nil, "")
	}
	if e.ShouldRerun() {
		t.Fatal("stable trend with 3+ stable reports should stop")
	}

	// Short stable run is not yet enough.
	e2 := newTestEvaluator()
	e2.Evaluate(healthySnapshot(), nil, "")
	if e2.ShouldRerun() {
		t.Fatal("single stable report should not rerun")
	}
}

func TestReset(t *testing.T) {
	e := newTestEvaluator()
	e.SetBaseline(*healthySnapshot())
	e.Evaluate(healthySnapshot(), nil, "")
	e.Reset()

	if len(e.History()) != 0 {
		t.Fatal("history survived reset")
	}
	if trend := e.TrendOf(5); trend.Trend != TrendUnknown {
		t.Fatalf("trend after reset = %s", trend.Trend)
	}
}
