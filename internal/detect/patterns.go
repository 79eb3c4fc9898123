package detect

import (
	"strings"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

// FailurePattern is a known failure signature matched against log messages.
type FailurePattern struct {
	Name     string
	Keywords []string
	Severity models.Severity
}

// knownPatterns are checked in order against every log message; a message
// matches a pattern when it contains any of the pattern's keywords.
var knownPatterns = []FailurePattern{
	{
		Name:     "database_connection_failure",
		Keywords: []string{"connection refused", "database", "timeout", "connection pool"},
		Severity: models.SeverityHigh,
	},
	{
		Name:     "out_of_memory",
		Keywords: []string{"out of memory", "oom", "heap space", "memory allocation"},
		Severity: models.SeverityCritical,
	},
	{
		Name:     "disk_full",
		Keywords: []string{"disk full", "no space left", "disk quota exceeded"},
		Severity: models.SeverityCritical,
	},
	{
		Name:     "authentication_failure",
		Keywords: []string{"authentication failed", "unauthorized", "401", "invalid token"},
		Severity: models.SeverityMedium,
	},
	{
		Name:     "rate_limiting",
		Keywords: []string{"rate limit", "too many requests", "429", "throttled"},
		Severity: models.SeverityMedium,
	},
	{
		Name:     "service_unavailable",
		Keywords: []string{"service unavailable", "503", "upstream", "connection reset"},
		Severity: models.SeverityHigh,
	},
	{
		Name:     "ssl_certificate_issue",
		Keywords: []string{"ssl", "certificate", "handshake", "tls"},
		Severity: models.SeverityHigh,
	},
	{
		Name:     "null_pointer",
		Keywords: []string{"nullpointerexception", "null reference", "none type", "undefined"},
		Severity: models.SeverityMedium,
	},
	{
		Name:     "deadlock",
		Keywords: []string{"deadlock", "lock timeout", "waiting for lock"},
		Severity: models.SeverityCritical,
	},
	{
		Name:     "network_failure",
		Keywords: []string{"network unreachable", "dns", "socket", "econnrefused"},
		Severity: models.SeverityHigh,
	},
}

// PatternMatch is one failure signature found in a specific log record.
type PatternMatch struct {
	Pattern FailurePattern
	Record  models.LogRecord
}

// MatchPatterns scans log records for known failure signatures. A record can
// match several patterns; every hit is reported.
func MatchPatterns(logs []models.LogRecord) []PatternMatch {
	var matches []PatternMatch
	for _, rec := range logs {
		lower := strings.ToLower(rec.Message)
		for _, pattern := range knownPatterns {
			for _, kw := range pattern.Keywords {
				if strings.Contains(lower, kw) {
					matches = append(matches, PatternMatch{Pattern: pattern, Record: rec})
					break
				}
			}
		}
	}
	return matches
}
