package models

import "time"

// LogLevel enumerates log severities handled by the ingestion layer.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// Severity captures incident impact levels, ordered low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the position of the severity in the fixed ordering.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Escalate returns the next severity up the ordering, capped at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// ParseSeverity maps a string onto a Severity, defaulting to medium.
func ParseSeverity(value string) Severity {
	switch Severity(value) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(value)
	default:
		return SeverityMedium
	}
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// LogRecord is a single normalized log line. Records are immutable once
// created; ingestion hands copies to the buffer.
type LogRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     LogLevel          `json:"level"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"`
	Service   string            `json:"service,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsErrorLevel reports whether the record is error or critical.
func (r LogRecord) IsErrorLevel() bool {
	return r.Level == LevelError || r.Level == LevelCritical
}

// MetricPoint is a single raw metric sample.
type MetricPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Service   string            `json:"service,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// MetricsSnapshot is a normalized point-in-time reading of the canonical
// metrics plus any custom metrics that have no canonical alias. Canonical
// fields are pointers so "absent" and "zero" stay distinguishable.
type MetricsSnapshot struct {
	Timestamp     time.Time          `json:"timestamp"`
	CPUPercent    *float64           `json:"cpu_percent,omitempty"`
	MemoryPercent *float64           `json:"memory_percent,omitempty"`
	LatencyMS     *float64           `json:"latency_ms,omitempty"`
	ErrorRate     *float64           `json:"error_rate,omitempty"`
	Throughput    *float64           `json:"throughput,omitempty"`
	Custom        map[string]float64 `json:"custom_metrics,omitempty"`
}

// Float64 returns a pointer to v, for building snapshots in place.
func Float64(v float64) *float64 { return &v }
