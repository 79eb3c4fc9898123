package stability

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// logWindow is the look-back used when judging log health.
const logWindow = 5 * time.Minute

// Trend labels for a run of recent stability reports.
const (
	TrendUnknown   = "unknown"
	TrendStable    = "stable"
	TrendCritical  = "critical"
	TrendImproving = "improving"
	TrendDegrading = "degrading"
)

// Trend summarizes the most recent stability reports.
type Trend struct {
	Trend        string `json:"trend"`
	StableCount  int    `json:"stable_count"`
	Total        int    `json:"total"`
	LatestStable bool   `json:"latest_stable"`
}

// Evaluator decides whether the system is healthy enough to consider an
// incident resolved. It combines absolute thresholds, a regression check
// against a pre-incident baseline, log health, and an optional external
// judgment that can only downgrade the verdict.
type Evaluator struct {
	mu         sync.Mutex
	thresholds config.ThresholdConfig
	baseline   *models.MetricsSnapshot
	history    []models.StabilityReport
	logger     *slog.Logger

	now func() time.Time
}

// NewEvaluator builds an evaluator. A nil logger falls back to
// slog.Default().
func NewEvaluator(thresholds config.ThresholdConfig, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if thresholds.CPUPercent <= 0 {
		thresholds.CPUPercent = 85
	}
	if thresholds.MemoryPercent <= 0 {
		thresholds.MemoryPercent = 90
	}
	if thresholds.LatencyMS <= 0 {
		thresholds.LatencyMS = 2000
	}
	if thresholds.ErrorRate <= 0 {
		thresholds.ErrorRate = 0.05
	}
	return &Evaluator{
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// SetBaseline records pre-incident metrics for regression comparison.
func (e *Evaluator) SetBaseline(snap models.MetricsSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseline = &snap
	e.logger.Info("stability baseline set",
		"cpu", ptrVal(snap.CPUPercent),
		"memory", ptrVal(snap.MemoryPercent),
		"latency_ms", ptrVal(snap.LatencyMS),
		"error_rate", ptrVal(snap.ErrorRate),
	)
}

// Evaluate produces a stability report from the given telemetry. Either
// input may be absent. A non-empty externalJudgment containing none of the
// tokens "ok", "stable" or "healthy" downgrades the verdict to unstable;
// a positive judgment never upgrades it.
func (e *Evaluator) Evaluate(metrics *models.MetricsSnapshot, logs []models.LogRecord, externalJudgment string) models.StabilityReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	metricsOK := true
	logsOK := true
	var details []string
	var errorRate *float64

	if metrics != nil {
		var issues []string
		metricsOK, issues = e.evaluateMetricsLocked(*metrics)
		details = append(details, issues...)
		errorRate = metrics.ErrorRate
	}
	if len(logs) > 0 {
		var issues []string
		logsOK, issues = e.evaluateLogsLocked(logs)
		details = append(details, issues...)
	}

	stable := metricsOK && logsOK

	if externalJudgment != "" {
		lower := strings.ToLower(externalJudgment)
		saysOK := strings.Contains(lower, "ok") ||
			strings.Contains(lower, "stable") ||
			strings.Contains(lower, "healthy")
		if !saysOK {
			stable = false
			details = append(details, "external assessment: "+externalJudgment)
		}
	}

	detail := "System stable"
	if len(details) > 0 {
		detail = strings.Join(details, "; ")
	}

	report := models.StabilityReport{
		Timestamp:        e.now().UTC(),
		IsStable:         stable,
		MetricsOK:        metricsOK,
		LogsOK:           logsOK,
		ErrorRate:        errorRate,
		Details:          detail,
		ExternalJudgment: externalJudgment,
	}
	e.history = append(e.history, report)

	e.logger.Info("stability evaluated",
		"stable", stable,
		"metrics_ok", metricsOK,
		"logs_ok", logsOK,
		"details", detail,
	)

	return report
}

func (e *Evaluator) evaluateMetricsLocked(current models.MetricsSnapshot) (bool, []string) {
	var issues []string

	if v := current.CPUPercent; v != nil && *v > e.thresholds.CPUPercent {
		issues = append(issues, fmt.Sprintf("CPU %g%% exceeds threshold %g%%", *v, e.thresholds.CPUPercent))
	}
	if v := current.MemoryPercent; v != nil && *v > e.thresholds.MemoryPercent {
		issues = append(issues, fmt.Sprintf("Memory %g%% exceeds threshold %g%%", *v, e.thresholds.MemoryPercent))
	}
	if v := current.LatencyMS; v != nil && *v > e.thresholds.LatencyMS {
		issues = append(issues, fmt.Sprintf("Latency %gms exceeds threshold %gms", *v, e.thresholds.LatencyMS))
	}
	if v := current.ErrorRate; v != nil && *v > e.thresholds.ErrorRate {
		issues = append(issues, fmt.Sprintf("Error rate %g%% exceeds threshold %g%%", *v*100, e.thresholds.ErrorRate*100))
	}

	if e.baseline != nil {
		if current.LatencyMS != nil && e.baseline.LatencyMS != nil && *current.LatencyMS > *e.baseline.LatencyMS*2 {
			issues = append(issues, "Latency 2x higher than baseline")
		}
		if current.ErrorRate != nil && e.baseline.ErrorRate != nil && *current.ErrorRate > *e.baseline.ErrorRate*3 {
			issues = append(issues, "Error rate 3x higher than baseline")
		}
	}

	return len(issues) == 0, issues
}

func (e *Evaluator) evaluateLogsLocked(logs []models.LogRecord) (bool, []string) {
	cutoff := e.now().UTC().Add(-logWindow)

	var recent []models.LogRecord
	for _, rec := range logs {
		if !rec.Timestamp.Before(cutoff) {
			recent = append(recent, rec)
		}
	}
	if len(recent) == 0 {
		return true, nil
	}

	var issues []string
	var errorCount, criticalCount int
	prefixCounts := make(map[string]int)

	for _, rec := range recent {
		switch rec.Level {
		case models.LevelError:
			errorCount++
		case models.LevelCritical:
			criticalCount++
		}
		if rec.IsErrorLevel() {
			prefix := rec.Message
			if len(prefix) > 50 {
				prefix = prefix[:50]
			}
			prefixCounts[prefix]++
		}
	}

	if criticalCount > 0 {
		issues = append(issues, fmt.Sprintf("%d critical errors in last %d minutes", criticalCount, int(logWindow.Minutes())))
	}
	if errorCount > 10 {
		issues = append(issues, fmt.Sprintf("%d errors in last %d minutes", errorCount, int(logWindow.Minutes())))
	}

	topPrefix, topCount := "", 0
	for prefix, n := range prefixCounts {
		if n > topCount {
			topPrefix, topCount = prefix, n
		}
	}
	if topCount > 5 {
		issues = append(issues, fmt.Sprintf("Recurring error pattern: %q (%d times)", topPrefix, topCount))
	}

	return len(issues) == 0, issues
}

// TrendOf summarizes the last count reports. An empty history yields
// TrendUnknown.
func (e *Evaluator) TrendOf(count int) Trend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trendLocked(count)
}

func (e *Evaluator) trendLocked(count int) Trend {
	if count <= 0 {
		count = 5
	}
	recent := e.history
	if len(recent) > count {
		recent = recent[len(recent)-count:]
	}
	if len(recent) == 0 {
		return Trend{Trend: TrendUnknown}
	}

	stable := 0
	for _, r := range recent {
		if r.IsStable {
			stable++
		}
	}

	var label string
	switch {
	case stable == len(recent):
		label = TrendStable
	case stable == 0:
		label = TrendCritical
	case stable > len(recent)/2:
		label = TrendImproving
	default:
		label = TrendDegrading
	}

	return Trend{
		Trend:        label,
		StableCount:  stable,
		Total:        len(recent),
		LatestStable: recent[len(recent)-1].IsStable,
	}
}

// ShouldRerun decides whether the remediation loop should call the analysis
// agent again based on the recent trend.
func (e *Evaluator) ShouldRerun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	trend := e.trendLocked(5)
	switch trend.Trend {
	case TrendUnknown:
		// No evidence of stability yet: keep the loop going until the
		// retry budget runs out.
		return true
	case TrendCritical, TrendDegrading:
		return true
	case TrendStable:
		if trend.StableCount >= 3 {
			return false
		}
	case TrendImproving:
		if trend.StableCount < 3 {
			return true
		}
	}
	return false
}

// History returns a copy of all reports recorded so far, oldest first.
func (e *Evaluator) History() []models.StabilityReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.StabilityReport(nil), e.history...)
}

// Reset clears the report history and baseline, for reuse across incidents.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.baseline = nil
}

func ptrVal(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
