package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/sentinelstack/sentinel-heal/internal/models"
)

var (
	jsonFencePattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	jsonBodyPattern  = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// actionKeywords maps phrases in agent prose to executable action kinds.
// Checked in order; the first hit per kind wins.
var actionKeywords = []struct {
	keyword string
	kind    models.ActionKind
}{
	{"restart service", models.ActionRestartService},
	{"restart", models.ActionRestartService},
	{"reboot", models.ActionRestartService},
	{"scale up", models.ActionScaleReplicas},
	{"increase replica", models.ActionScaleReplicas},
	{"add instance", models.ActionScaleReplicas},
	{"scale", models.ActionScaleReplicas},
	{"clear cache", models.ActionFlushCache},
	{"flush cache", models.ActionFlushCache},
	{"invalidate cache", models.ActionFlushCache},
	{"clear queue", models.ActionClearQueue},
	{"purge queue", models.ActionClearQueue},
	{"drain queue", models.ActionClearQueue},
	{"redirect traffic", models.ActionRerouteTraffic},
	{"reroute", models.ActionRerouteTraffic},
	{"failover", models.ActionRerouteTraffic},
	{"rollback", models.ActionRollbackDeployment},
	{"revert", models.ActionRollbackDeployment},
	{"previous version", models.ActionRollbackDeployment},
	{"clear disk", models.ActionClearDisk},
	{"free disk", models.ActionClearDisk},
	{"delete logs", models.ActionClearDisk},
	{"clean logs", models.ActionClearDisk},
}

// agentErrorIndicators mark responses that are agent malfunctions rather
// than system analysis. They count against the parse retry budget.
var agentErrorIndicators = []string{
	"i have encountered an error",
	"invalid tool call",
	"please try again",
	"i cannot process",
	"i cannot",
	"i'm unable",
	"as an ai",
}

var healthyIndicators = []string{
	"no issues", "no anomal", "system is healthy", "everything looks normal",
	"no problems", "operating normally", "all clear", "no errors detected",
	"system healthy", "looks good", "no concerns",
}

var problemIndicators = []string{
	"error", "issue", "problem", "failure", "anomaly", "high cpu",
	"high memory", "timeout", "crash", "exception", "degraded",
	"spike", "elevated", "critical", "warning", "alert",
}

// monitoringPayload mirrors the JSON shape the monitoring prompt asks for.
type monitoringPayload struct {
	AnomalyDetected     bool     `json:"anomaly_detected"`
	Severity            string   `json:"severity"`
	Title               string   `json:"title"`
	RootCause           string   `json:"root_cause"`
	ContributingFactors []string `json:"contributing_factors"`
	RecommendedActions  []struct {
		Action  string `json:"action"`
		Service string `json:"service"`
		Reason  string `json:"reason"`
	} `json:"recommended_actions"`
	Summary string `json:"summary"`
}

// isAgentError reports whether the content is an agent malfunction message.
func isAgentError(content string) bool {
	lower := strings.ToLower(content)
	for _, ind := range agentErrorIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// extractJSON pulls a JSON object out of agent prose, preferring fenced
// ```json``` blocks over the first raw object.
func extractJSON(content string) string {
	if m := jsonFencePattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := jsonBodyPattern.FindString(content); m != "" {
		return m
	}
	return ""
}

// errParseRetry is returned when the response is an agent malfunction worth
// retrying rather than a healthy-or-unhealthy judgment.
var errParseRetry = fmt.Errorf("agent response not parseable")

// parseMonitoring turns the monitoring-prompt reply into a finding. A nil
// finding with a nil error means the agent judged the system healthy;
// errParseRetry asks the caller to spend one parse retry.
func parseMonitoring(content string) (*models.HealthFinding, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errParseRetry
	}

	if raw := extractJSON(content); raw != "" {
		var payload monitoringPayload
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			if !payload.AnomalyDetected {
				return nil, nil
			}
			return findingFromPayload(payload, content), nil
		}
		// JSON present but broken: fall through to text heuristics.
	}

	if isAgentError(content) {
		return nil, errParseRetry
	}
	return parsePlainText(content), nil
}

func findingFromPayload(payload monitoringPayload, content string) *models.HealthFinding {
	finding := &models.HealthFinding{
		Severity:            models.ParseSeverity(payload.Severity),
		Title:               payload.Title,
		RootCause:           payload.RootCause,
		ContributingFactors: payload.ContributingFactors,
		Summary:             payload.Summary,
	}
	if finding.Title == "" {
		finding.Title = "Issue detected"
	}
	if finding.RootCause == "" {
		finding.RootCause = "Unknown"
	}
	if finding.Summary == "" {
		finding.Summary = truncate(content, 500)
	}
	for _, a := range payload.RecommendedActions {
		kind := models.ActionKind(a.Action)
		finding.Recommended = append(finding.Recommended, models.RemediationAction{
			Kind:        kind,
			Description: a.Reason,
			Service:     a.Service,
			Automated:   models.KnownActionKind(kind),
		})
	}
	return finding
}

// parsePlainText is the fallback for prose replies. It returns nil when the
// text reads as healthy.
func parsePlainText(content string) *models.HealthFinding {
	lower := strings.ToLower(content)

	for _, ind := range healthyIndicators {
		if strings.Contains(lower, ind) {
			return nil
		}
	}

	hasProblem := false
	for _, ind := range problemIndicators {
		if strings.Contains(lower, ind) {
			hasProblem = true
			break
		}
	}
	if !hasProblem {
		return nil
	}

	severity := models.SeverityMedium
	switch {
	case strings.Contains(lower, "critical"):
		severity = models.SeverityCritical
	case strings.Contains(lower, "high"), strings.Contains(lower, "severe"):
		severity = models.SeverityHigh
	case strings.Contains(lower, "low"), strings.Contains(lower, "minor"):
		severity = models.SeverityLow
	}

	title := strings.TrimSpace(strings.SplitN(content, ".", 2)[0])
	if title == "" {
		title = "Issue detected from analysis"
	}

	finding := &models.HealthFinding{
		Severity:  severity,
		Title:     truncate(title, 100),
		RootCause: truncate(content, 500),
		Summary:   truncate(content, 500),
	}

	for _, entry := range actionKeywords {
		if strings.Contains(lower, entry.keyword) {
			finding.Recommended = append(finding.Recommended, models.RemediationAction{
				Kind:        entry.kind,
				Description: "Extracted from analysis: " + entry.keyword,
				Service:     extractService(content),
				Automated:   true,
			})
			break
		}
	}

	return finding
}

// parseRCA turns a free-form RCA reply into a structured response.
func parseRCA(incidentID, content string) models.AgentResponse {
	if strings.TrimSpace(content) == "" {
		return models.AgentResponse{
			IncidentID: incidentID,
			Summary:    "Empty response from agent",
		}
	}

	rootCause := extractSection(content, []string{"root cause", "root-cause", "primary cause", "main issue"})
	factors := extractListSection(content, []string{"contributing factors", "contributing", "factors", "related issues"})
	evidence := extractListSection(content, []string{"evidence", "indicators", "symptoms"})
	actions := extractActions(content)
	systemOK := assessSystemStatus(content)
	confidence := scoreConfidence(rootCause, factors, actions)

	rca := models.RCAFinding{
		RootCause:           rootCause,
		ContributingFactors: capStrings(factors, 5),
		Evidence:            capStrings(evidence, 5),
		Confidence:          confidence,
	}
	if rca.RootCause == "" {
		rca.RootCause = "See full analysis"
	}

	if len(actions) > 5 {
		actions = actions[:5]
	}

	return models.AgentResponse{
		IncidentID:  incidentID,
		RCA:         &rca,
		Recommended: actions,
		Summary:     truncate(content, 1000),
		SystemOK:    systemOK,
		Confidence:  confidence,
		Raw:         content,
	}
}

// extractSection returns the text following the first matching keyword,
// bounded to a few lines.
func extractSection(content string, keywords []string) string {
	lower := strings.ToLower(content)
	for _, keyword := range keywords {
		idx := strings.Index(lower, keyword)
		if idx < 0 {
			continue
		}
		section := content[idx:]
		lines := strings.Split(section, "\n")
		if len(lines) > 5 {
			lines = lines[:5]
		}
		extracted := strings.TrimSpace(strings.Join(lines, " "))
		for _, kw := range keywords {
			if strings.HasPrefix(strings.ToLower(extracted), kw) {
				extracted = strings.TrimLeft(extracted[len(kw):], ":- ")
				break
			}
		}
		return truncate(extracted, 500)
	}
	return ""
}

// extractListSection pulls bulleted or numbered items following a keyword.
func extractListSection(content string, keywords []string) []string {
	lower := strings.ToLower(content)
	for _, keyword := range keywords {
		idx := strings.Index(lower, keyword)
		if idx < 0 {
			continue
		}
		section := content[idx:]
		if len(section) > 1000 {
			section = section[:1000]
		}
		lines := strings.Split(section, "\n")
		if len(lines) > 10 {
			lines = lines[:10]
		}
		var items []string
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			bullet := strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") ||
				(line[0] >= '1' && line[0] <= '9')
			if !bullet && !strings.Contains(truncate(line, 30), ":") {
				continue
			}
			clean := strings.TrimSpace(strings.TrimLeft(line, "-*0123456789.) "))
			if len(clean) > 5 {
				items = append(items, truncate(clean, 200))
			}
		}
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

// extractActions finds executable remediations in prose, one per kind, plus
// non-automatable manual recommendations.
func extractActions(content string) []models.RemediationAction {
	lower := strings.ToLower(content)
	var actions []models.RemediationAction
	seen := make(map[models.ActionKind]bool)

	for _, entry := range actionKeywords {
		if seen[entry.kind] || !strings.Contains(lower, entry.keyword) {
			continue
		}
		seen[entry.kind] = true

		idx := strings.Index(lower, entry.keyword)
		start := idx - 30
		if start < 0 {
			start = 0
		}
		end := idx + 100
		if end > len(content) {
			end = len(content)
		}
		context := strings.TrimSpace(content[start:end])

		actions = append(actions, models.RemediationAction{
			Kind:        entry.kind,
			Description: truncate(context, 200),
			Service:     extractService(context),
			Automated:   true,
		})
	}

	manualPatterns := []struct{ keyword, description string }{
		{"database", "Database maintenance required"},
		{"connection", "Check network connections"},
		{"timeout", "Adjust timeout settings"},
		{"retry", "Implement retry logic"},
		{"monitor", "Increase monitoring"},
		{"investigate", "Manual investigation needed"},
		{"review", "Review configuration"},
	}
	for _, p := range manualPatterns {
		idx := strings.Index(lower, p.keyword)
		if idx < 0 {
			continue
		}
		start := idx - 30
		if start < 0 {
			start = 0
		}
		end := idx + 100
		if end > len(content) {
			end = len(content)
		}
		actions = append(actions, models.RemediationAction{
			Kind:        models.ActionKind(p.keyword),
			Description: p.description + " - " + truncate(strings.TrimSpace(content[start:end]), 150),
			Automated:   false,
		})
	}

	return actions
}

var servicePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:restart|scale|service[:\s]+)([a-z][a-z0-9\-_]+)`),
	regexp.MustCompile(`([a-z][a-z0-9\-_]+)(?:\s+service)`),
	regexp.MustCompile(`the\s+([a-z][a-z0-9\-_]+)`),
}

var serviceStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"your": true, "our": true, "service": true, "system": true,
}

// extractService guesses a service name from text around an action keyword.
func extractService(context string) string {
	lower := strings.ToLower(context)
	for _, pattern := range servicePatterns {
		if m := pattern.FindStringSubmatch(lower); m != nil && !serviceStopwords[m[1]] {
			return m[1]
		}
	}
	return ""
}

// assessSystemStatus weighs positive against negative language; any hard
// failure word forces not-OK.
func assessSystemStatus(content string) bool {
	lower := strings.ToLower(content)

	for _, ind := range []string{"critical", "failure", "down", "crash", "outage", "unavailable"} {
		if strings.Contains(lower, ind) {
			return false
		}
	}

	okCount := 0
	for _, ind := range []string{"stable", "resolved", "fixed", "normal", "healthy", "recovered", "operational"} {
		if strings.Contains(lower, ind) {
			okCount++
		}
	}
	notOKCount := 0
	for _, ind := range []string{"error", "issue", "problem", "degraded", "slow", "timeout"} {
		if strings.Contains(lower, ind) {
			notOKCount++
		}
	}
	return okCount > notOKCount
}

// scoreConfidence grades response quality: longer root causes, concrete
// factors and identified actions raise it, capped at 0.95.
func scoreConfidence(rootCause string, factors []string, actions []models.RemediationAction) float64 {
	confidence := 0.5
	if len(rootCause) > 50 {
		confidence += 0.15
	}
	if len(rootCause) > 100 {
		confidence += 0.1
	}
	if len(factors) > 0 {
		confidence += 0.1
	}
	if len(actions) > 0 {
		bonus := float64(len(actions)) * 0.03
		if bonus > 0.15 {
			bonus = 0.15
		}
		confidence += bonus
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence
}

func capStrings(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
