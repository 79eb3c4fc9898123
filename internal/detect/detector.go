package detect

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// movingAvgWindow is the sample count used for moving averages and the
// throughput-drop baseline.
const movingAvgWindow = 10

// outlierZScore flags latency readings this many standard deviations from
// the moving average.
const outlierZScore = 3.0

// rollingStats keeps a bounded window of recent values per metric name.
type rollingStats struct {
	window  int
	history map[string][]float64
}

func newRollingStats(window int) *rollingStats {
	if window <= 0 {
		window = 100
	}
	return &rollingStats{window: window, history: make(map[string][]float64)}
}

func (s *rollingStats) add(name string, value float64) {
	vals := append(s.history[name], value)
	if len(vals) > s.window {
		vals = vals[len(vals)-s.window:]
	}
	s.history[name] = vals
}

// movingAverage returns the mean of the last n values, or false when fewer
// than n are buffered.
func (s *rollingStats) movingAverage(name string, n int) (float64, bool) {
	vals := s.history[name]
	if len(vals) < n {
		return 0, false
	}
	vals = vals[len(vals)-n:]
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(n), true
}

// stddev returns the sample standard deviation over the whole window, or
// false when fewer than two values are buffered.
func (s *rollingStats) stddev(name string) (float64, bool) {
	vals := s.history[name]
	if len(vals) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)-1)), true
}

// isOutlier reports whether value sits more than zThreshold standard
// deviations from the moving average. Insufficient history or a zero
// deviation never flags.
func (s *rollingStats) isOutlier(name string, value, zThreshold float64) bool {
	avg, ok := s.movingAverage(name, movingAvgWindow)
	if !ok {
		return false
	}
	std, ok := s.stddev(name)
	if !ok || std == 0 {
		return false
	}
	return math.Abs(value-avg)/std > zThreshold
}

// anomaly is one detected signal before aggregation into a verdict.
type anomaly struct {
	kind        string
	description string
	severity    models.Severity
}

// Detector decides whether buffered telemetry looks wrong enough to open an
// incident. It combines absolute thresholds, statistical outliers and known
// failure signatures into one verdict.
type Detector struct {
	mu         sync.Mutex
	stats      *rollingStats
	thresholds config.ThresholdConfig
	forced     bool
	logger     *slog.Logger
}

// NewDetector builds a detector with the given thresholds. A nil logger
// falls back to slog.Default().
func NewDetector(thresholds config.ThresholdConfig, logger *slog.Logger) *Detector {
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
	if thresholds.ThroughputDrop <= 0 {
		thresholds.ThroughputDrop = 0.3
	}
	if thresholds.OutlierZScore <= 0 {
		thresholds.OutlierZScore = outlierZScore
	}
	return &Detector{
		stats:      newRollingStats(thresholds.StatWindowSize),
		thresholds: thresholds,
		logger:     logger,
	}
}

// ForceIncident toggles operator override mode. While enabled, Detect
// reports a high-severity anomaly regardless of telemetry.
func (d *Detector) ForceIncident(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced = enabled
	d.logger.Info("force incident mode changed", "enabled", enabled)
}

// Forced reports whether operator override mode is on.
func (d *Detector) Forced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forced
}

// Detect combines metric and log analysis into a single verdict. Either
// input may be nil/empty.
func (d *Detector) Detect(logs []models.LogRecord, snapshot *models.MetricsSnapshot) models.AnomalyVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.forced {
		metrics.ObserveAnomaly("forced_incident")
		return models.AnomalyVerdict{
			Detected:    true,
			Type:        "forced_incident",
			Severity:    models.SeverityHigh,
			Description: "Incident mode forced by operator",
			Confidence:  1.0,
		}
	}

	var found []anomaly
	if snapshot != nil {
		found = append(found, d.analyzeMetrics(*snapshot)...)
	}
	if len(logs) > 0 {
		found = append(found, analyzeLogs(logs)...)
	}

	if len(found) == 0 {
		return models.AnomalyVerdict{}
	}

	maxSev := found[0].severity
	var descriptions []string
	seen := make(map[string]bool)
	var affected []string
	for _, a := range found {
		if a.severity.Rank() > maxSev.Rank() {
			maxSev = a.severity
		}
		descriptions = append(descriptions, a.description)
		if !seen[a.kind] {
			seen[a.kind] = true
			affected = append(affected, a.kind)
		}
	}

	anomalyType := "multiple"
	if len(affected) == 1 {
		anomalyType = affected[0]
	}
	if len(descriptions) > 5 {
		descriptions = descriptions[:5]
	}

	d.logger.Warn("anomaly detected",
		"type", anomalyType,
		"severity", string(maxSev),
		"signals", len(found),
	)
	metrics.ObserveAnomaly(anomalyType)

	return models.AnomalyVerdict{
		Detected:    true,
		Type:        anomalyType,
		Severity:    maxSev,
		Description: strings.Join(descriptions, "; "),
		Affected:    affected,
		Confidence:  math.Min(0.9, 0.5+0.1*float64(len(found))),
	}
}

// analyzeMetrics feeds the snapshot into the rolling statistics and checks
// absolute thresholds, the latency outlier test and throughput drops.
// Caller holds the mutex.
func (d *Detector) analyzeMetrics(snap models.MetricsSnapshot) []anomaly {
	if snap.CPUPercent != nil {
		d.stats.add("cpu", *snap.CPUPercent)
	}
	if snap.MemoryPercent != nil {
		d.stats.add("memory", *snap.MemoryPercent)
	}
	if snap.LatencyMS != nil {
		d.stats.add("latency", *snap.LatencyMS)
	}
	if snap.ErrorRate != nil {
		d.stats.add("error_rate", *snap.ErrorRate)
	}
	if snap.Throughput != nil {
		d.stats.add("throughput", *snap.Throughput)
	}

	var found []anomaly

	if v := snap.CPUPercent; v != nil && *v > d.thresholds.CPUPercent {
		sev := models.SeverityHigh
		if *v > 95 {
			sev = models.SeverityCritical
		}
		found = append(found, anomaly{"cpu_high", fmt.Sprintf("CPU at %g%%", *v), sev})
	}
	if v := snap.MemoryPercent; v != nil && *v > d.thresholds.MemoryPercent {
		sev := models.SeverityHigh
		if *v > 95 {
			sev = models.SeverityCritical
		}
		found = append(found, anomaly{"memory_high", fmt.Sprintf("Memory at %g%%", *v), sev})
	}
	if v := snap.LatencyMS; v != nil && *v > d.thresholds.LatencyMS {
		sev := models.SeverityMedium
		if *v > 5000 {
			sev = models.SeverityHigh
		}
		found = append(found, anomaly{"latency_high", fmt.Sprintf("Latency at %gms", *v), sev})
	}
	if v := snap.ErrorRate; v != nil && *v > d.thresholds.ErrorRate {
		sev := models.SeverityHigh
		if *v > 0.2 {
			sev = models.SeverityCritical
		}
		found = append(found, anomaly{"error_rate_high", fmt.Sprintf("Error rate at %g%%", *v*100), sev})
	}

	if v := snap.LatencyMS; v != nil && d.stats.isOutlier("latency", *v, d.thresholds.OutlierZScore) {
		found = append(found, anomaly{"latency_spike", fmt.Sprintf("Latency spike detected: %gms", *v), models.SeverityMedium})
	}

	if v := snap.Throughput; v != nil {
		if avg, ok := d.stats.movingAverage("throughput", movingAvgWindow); ok && *v < avg*(1-d.thresholds.ThroughputDrop) {
			found = append(found, anomaly{"throughput_drop", fmt.Sprintf("Throughput dropped to %g", *v), models.SeverityHigh})
		}
	}

	return found
}

// analyzeLogs checks error volume and known failure signatures.
func analyzeLogs(logs []models.LogRecord) []anomaly {
	var found []anomaly

	var errorCount, criticalCount int
	for _, rec := range logs {
		if rec.IsErrorLevel() {
			errorCount++
		}
		if rec.Level == models.LevelCritical {
			criticalCount++
		}
	}

	if criticalCount > 0 {
		found = append(found, anomaly{
			"critical_logs",
			fmt.Sprintf("%d critical log entries", criticalCount),
			models.SeverityCritical,
		})
	}
	if errorCount > 5 {
		sev := models.SeverityMedium
		if errorCount > 20 {
			sev = models.SeverityHigh
		}
		found = append(found, anomaly{
			"error_burst",
			fmt.Sprintf("%d error log entries", errorCount),
			sev,
		})
	}

	for _, m := range MatchPatterns(logs) {
		msg := m.Record.Message
		if len(msg) > 100 {
			msg = msg[:100]
		}
		found = append(found, anomaly{
			m.Pattern.Name,
			fmt.Sprintf("Pattern detected: %s - %s", m.Pattern.Name, msg),
			m.Pattern.Severity,
		})
	}

	return found
}
