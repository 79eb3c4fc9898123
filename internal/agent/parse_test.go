package agent

import (
	"strings"
	"testing"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

func TestParseMonitoringJSONAnomaly(t *testing.T) {
	content := "```json\n" + `{
		"anomaly_detected": true,
		"severity": "high",
		"title": "Database pool exhausted",
		"root_cause": "Connection leak in the orders service",
		"contributing_factors": ["no connection timeout", "traffic spike"],
		"recommended_actions": [{"action": "restart_service", "service": "orders", "reason": "clear leaked connections"}],
		"summary": "Orders service is leaking database connections"
	}` + "\n```"

	finding, err := parseMonitoring(content)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if finding == nil {
		t.Fatal("finding is nil")
	}
	if finding.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s", finding.Severity)
	}
	if finding.Title != "Database pool exhausted" {
		t.Fatalf("title = %q", finding.Title)
	}
	if len(finding.Recommended) != 1 {
		t.Fatalf("actions = %+v", finding.Recommended)
	}
	action := finding.Recommended[0]
	if action.Kind != models.ActionRestartService || action.Service != "orders" || !action.Automated {
		t.Fatalf("action = %+v", action)
	}
}

func TestParseMonitoringJSONHealthy(t *testing.T) {
	finding, err := parseMonitoring(`{"anomaly_detected": false, "summary": "all quiet"}`)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if finding != nil {
		t.Fatalf("healthy verdict produced a finding: %+v", finding)
	}
}

func TestParseMonitoringUnknownActionNotAutomated(t *testing.T) {
	content := `{"anomaly_detected": true, "title": "t", "root_cause": "r",
		"recommended_actions": [{"action": "sacrifice_goat", "service": "x", "reason": "r"}],
		"summary": "s"}`

	finding, err := parseMonitoring(content)
	if err != nil || finding == nil {
		t.Fatalf("finding=%v err=%v", finding, err)
	}
	if finding.Recommended[0].Automated {
		t.Fatal("unknown action kind must not be automated")
	}
}

func TestParseMonitoringAgentErrorRetries(t *testing.T) {
	_, err := parseMonitoring("I have encountered an error. Please try again.")
	if err != errParseRetry {
		t.Fatalf("err = %v, want errParseRetry", err)
	}

	if _, err := parseMonitoring("   "); err != errParseRetry {
		t.Fatalf("blank content err = %v", err)
	}
}

func TestParseMonitoringPlainTextFallback(t *testing.T) {
	content := "High memory usage detected on the cache-service. " +
		"A restart is recommended to recover."

	finding, err := parseMonitoring(content)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if finding == nil {
		t.Fatal("problem text produced no finding")
	}
	if finding.Severity != models.SeverityHigh {
		t.Fatalf("severity = %s", finding.Severity)
	}
	if len(finding.Recommended) != 1 || finding.Recommended[0].Kind != models.ActionRestartService {
		t.Fatalf("actions = %+v", finding.Recommended)
	}
	if finding.Recommended[0].Service != "cache-service" {
		t.Fatalf("service = %q", finding.Recommended[0].Service)
	}
}

func TestParseMonitoringPlainTextHealthy(t *testing.T) {
	finding, err := parseMonitoring("Everything looks normal, no issues found in the telemetry.")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if finding != nil {
		t.Fatalf("healthy text produced a finding: %+v", finding)
	}
}

func TestParseRCASections(t *testing.T) {
	content := `Root cause: the payment-service deployment from 14:00 introduced a connection leak.

Contributing factors:
- missing integration tests
- no canary rollout

Evidence:
- connection count graph climbing since 14:02
- heap dumps show unclosed clients

Recommended: rollback payment-service to the previous version and restart the pods.
The outage is ongoing until the rollback lands.`

	resp := parseRCA("inc-1", content)

	if resp.RCA == nil {
		t.Fatal("no RCA extracted")
	}
	if !strings.Contains(resp.RCA.RootCause, "connection leak") {
		t.Fatalf("root cause = %q", resp.RCA.RootCause)
	}
	if len(resp.RCA.ContributingFactors) == 0 {
		t.Fatalf("factors = %+v", resp.RCA.ContributingFactors)
	}
	if resp.SystemOK {
		t.Fatal("outage text judged system OK")
	}

	var kinds []models.ActionKind
	for _, a := range resp.Recommended {
		kinds = append(kinds, a.Kind)
	}
	hasRollback := false
	for _, k := range kinds {
		if k == models.ActionRollbackDeployment {
			hasRollback = true
		}
	}
	if !hasRollback {
		t.Fatalf("rollback not extracted from %v", kinds)
	}
	if resp.Confidence <= 0.5 || resp.Confidence > 0.95 {
		t.Fatalf("confidence = %v", resp.Confidence)
	}
}

func TestParseRCAEmptyContent(t *testing.T) {
	resp := parseRCA("inc-2", "")
	if resp.SystemOK {
		t.Fatal("empty content judged OK")
	}
	if resp.Summary != "Empty response from agent" {
		t.Fatalf("summary = %q", resp.Summary)
	}
}

func TestAssessSystemStatus(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"System has recovered and is stable and healthy again.", true},
		{"Critical failure in the database tier.", false},
		{"Minor issue remains but service is degraded and slow.", false},
	}
	for _, tt := range tests {
		if got := assessSystemStatus(tt.content); got != tt.want {
			t.Errorf("assessSystemStatus(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestExtractService(t *testing.T) {
	if got := extractService("service: api-gateway is failing"); got != "api-gateway" {
		t.Fatalf("got %q", got)
	}
	if got := extractService("restart the service"); got != "" {
		t.Fatalf("stopword leaked through: %q", got)
	}
}
