package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/metrics"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

// completer is the slice of the chat API the client needs; tests swap in a
// fake.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client talks to the external analysis agent over an OpenAI-compatible
// chat completions endpoint. Every failure mode degrades to a structured
// "not ok" result; nothing here returns transport errors to the workflow.
type Client struct {
	api          completer
	model        string
	timeout      time.Duration
	parseRetries int
	maxLogLines  int
	maxSnapshots int
	retryDelay   time.Duration
	latency      *utils.LatencyTracker
	logger       *slog.Logger
}

// NewClient builds a client from config. An empty BaseURL and APIKey leaves
// the client unconfigured: calls return clean "not configured" results.
func NewClient(cfg config.AgentConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		model:        cfg.Model,
		timeout:      cfg.Timeout,
		parseRetries: cfg.ParseRetries,
		maxLogLines:  cfg.MaxLogLines,
		maxSnapshots: cfg.MaxSnapshots,
		retryDelay:   2 * time.Second,
		latency:      utils.NewLatencyTracker(256),
		logger:       logger,
	}
	if c.model == "" {
		c.model = "gpt-4o"
	}
	if c.timeout <= 0 {
		c.timeout = 2 * time.Minute
	}
	if c.parseRetries <= 0 {
		c.parseRetries = 3
	}
	if c.maxLogLines <= 0 {
		c.maxLogLines = 30
	}
	if c.maxSnapshots <= 0 {
		c.maxSnapshots = 10
	}

	if cfg.APIKey != "" || cfg.BaseURL != "" {
		apiCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			apiCfg.BaseURL = cfg.BaseURL
		}
		c.api = openai.NewClientWithConfig(apiCfg)
	}
	return c
}

// Configured reports whether an endpoint is wired up.
func (c *Client) Configured() bool { return c.api != nil }

// Latency exposes observed agent round-trip times.
func (c *Client) Latency() *utils.LatencyTracker { return c.latency }

// MonitorSystem asks the agent whether the telemetry looks unhealthy.
// A nil finding means healthy, agent unconfigured, or unrecoverable agent
// failure; malformed replies are retried up to the parse budget.
func (c *Client) MonitorSystem(ctx context.Context, logs []models.LogRecord, snapshots []models.MetricsSnapshot) *models.HealthFinding {
	if c.api == nil {
		c.logger.Warn("analysis agent not configured, skipping monitoring call")
		return nil
	}

	prompt := c.buildMonitoringPrompt(logs, snapshots)

	for attempt := 1; attempt <= c.parseRetries; attempt++ {
		c.logger.Info("agent monitoring request",
			"attempt", attempt,
			"max_attempts", c.parseRetries,
			"logs", len(logs),
			"snapshots", len(snapshots),
		)

		content, err := c.complete(ctx, prompt)
		if err != nil {
			c.logger.Error("agent monitoring call failed", "attempt", attempt, "error", err)
			if attempt < c.parseRetries && c.sleep(ctx) {
				continue
			}
			return nil
		}

		finding, perr := parseMonitoring(content)
		if perr != nil {
			c.logger.Warn("agent monitoring response not parseable", "attempt", attempt)
			if attempt < c.parseRetries && c.sleep(ctx) {
				continue
			}
			return nil
		}
		return finding
	}
	return nil
}

// Analyze performs one RCA call for an incident. The result is always a
// structured AgentResponse; transport failures and empty replies come back
// as system-not-ok results.
func (c *Client) Analyze(ctx context.Context, incidentID string, logs []models.LogRecord, snapshots []models.MetricsSnapshot, runContext map[string]string) models.AgentResponse {
	if c.api == nil {
		return models.AgentResponse{
			IncidentID: incidentID,
			Summary:    "analysis agent not configured",
		}
	}

	prompt := c.buildRCAPrompt(logs, snapshots, runContext)

	c.logger.Info("agent analysis request",
		"incident_id", incidentID,
		"logs", len(logs),
		"snapshots", len(snapshots),
	)

	content, err := c.complete(ctx, prompt)
	if err != nil {
		c.logger.Error("agent analysis call failed", "incident_id", incidentID, "error", err)
		return models.AgentResponse{
			IncidentID: incidentID,
			Summary:    fmt.Sprintf("Agent error: %v", err),
			Raw:        err.Error(),
		}
	}

	resp := parseRCA(incidentID, content)
	c.logger.Info("agent analysis response",
		"incident_id", incidentID,
		"system_ok", resp.SystemOK,
		"actions", len(resp.Recommended),
		"confidence", resp.Confidence,
	)
	return resp
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	c.latency.Observe(time.Since(start))
	metrics.ObserveAgentRun(err == nil)
	if err != nil {
		return "", utils.NewAppError("agent.complete", "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", utils.NewAppError("agent.complete", "empty completion", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// sleep waits the retry delay, honouring cancellation. It reports whether
// the caller should retry.
func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// buildMonitoringPrompt asks for a conservative JSON health judgment over
// the most recent telemetry.
func (c *Client) buildMonitoringPrompt(logs []models.LogRecord, snapshots []models.MetricsSnapshot) string {
	var b strings.Builder
	b.WriteString("Analyze the system monitoring data below and provide your assessment.\n\n")
	b.WriteString("Be CONSERVATIVE - only report problems for CLEAR, SIGNIFICANT issues:\n")
	b.WriteString("- ERROR or CRITICAL log messages indicating actual failures\n")
	b.WriteString("- Severe resource exhaustion (very high CPU/memory)\n")
	b.WriteString("- Service outages, crashes, or connection failures\n")
	b.WriteString("- Sustained high error rates\n\n")
	b.WriteString("Do NOT flag normal operational variation. INFO and DEBUG logs are normal.\n\n")
	b.WriteString("Provide your response as a JSON object with these fields:\n")
	b.WriteString("- anomaly_detected: boolean (true only if real problem found)\n")
	b.WriteString("- severity: string (low, medium, high, or critical)\n")
	b.WriteString("- title: string (brief issue title)\n")
	b.WriteString("- root_cause: string (what is causing the problem)\n")
	b.WriteString("- contributing_factors: array of strings\n")
	b.WriteString("- recommended_actions: array of objects with action, service, reason\n")
	b.WriteString("- summary: string (brief summary of findings)\n\n")
	b.WriteString("Valid action types: restart_service, scale_replicas, flush_cache, clear_queue, rollback_deployment, clear_disk\n\n")

	if len(snapshots) > 0 {
		b.WriteString("## Current System Metrics:\n")
		tail := snapshots
		if len(tail) > 5 {
			tail = tail[len(tail)-5:]
		}
		for _, snap := range tail {
			if line := formatSnapshot(snap); line != "" {
				fmt.Fprintf(&b, "  - %s: %s\n", snap.Timestamp.Format(time.RFC3339), line)
			}
		}
	}

	if len(logs) > 0 {
		b.WriteString("\n## Recent Logs:\n")
		tail := logs
		if len(tail) > c.maxLogLines {
			tail = tail[len(tail)-c.maxLogLines:]
		}
		for _, rec := range tail {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n",
				strings.ToUpper(string(rec.Level)),
				rec.Timestamp.Format(time.RFC3339),
				truncate(rec.Message, 200),
			)
		}
	}

	b.WriteString("\nRemember: Output ONLY valid JSON. No other text.")
	return b.String()
}

// buildRCAPrompt asks for free-form root cause analysis of incident data.
func (c *Client) buildRCAPrompt(logs []models.LogRecord, snapshots []models.MetricsSnapshot, runContext map[string]string) string {
	var b strings.Builder
	b.WriteString("Analyze the following incident data and provide root cause analysis:\n")

	if len(logs) > 0 {
		b.WriteString("\n## Error Logs:\n")
		tail := logs
		if len(tail) > c.maxLogLines {
			tail = tail[len(tail)-c.maxLogLines:]
		}
		for _, rec := range tail {
			fmt.Fprintf(&b, "- %s [%s] %s\n",
				rec.Timestamp.Format(time.RFC3339),
				strings.ToUpper(string(rec.Level)),
				rec.Message,
			)
		}
	}

	if len(snapshots) > 0 {
		b.WriteString("\n## System Metrics:\n")
		tail := snapshots
		if len(tail) > c.maxSnapshots {
			tail = tail[len(tail)-c.maxSnapshots:]
		}
		for _, snap := range tail {
			if line := formatSnapshot(snap); line != "" {
				fmt.Fprintf(&b, "- %s: %s\n", snap.Timestamp.Format(time.RFC3339), line)
			}
		}
	}

	if len(runContext) > 0 {
		b.WriteString("\n## Additional Context:\n")
		keys := make([]string, 0, len(runContext))
		for k := range runContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, runContext[k])
		}
	}

	b.WriteString("\nProvide:\n")
	b.WriteString("1. Root cause analysis\n")
	b.WriteString("2. Contributing factors\n")
	b.WriteString("3. Recommended actions to resolve\n")
	b.WriteString("4. Assessment of current system stability\n")
	return b.String()
}

func formatSnapshot(snap models.MetricsSnapshot) string {
	var parts []string
	if snap.CPUPercent != nil {
		parts = append(parts, fmt.Sprintf("CPU: %g%%", *snap.CPUPercent))
	}
	if snap.MemoryPercent != nil {
		parts = append(parts, fmt.Sprintf("Memory: %g%%", *snap.MemoryPercent))
	}
	if snap.LatencyMS != nil {
		parts = append(parts, fmt.Sprintf("Latency: %gms", *snap.LatencyMS))
	}
	if snap.ErrorRate != nil {
		parts = append(parts, fmt.Sprintf("Error Rate: %.1f%%", *snap.ErrorRate*100))
	}
	if snap.Throughput != nil {
		parts = append(parts, fmt.Sprintf("Throughput: %g", *snap.Throughput))
	}
	return strings.Join(parts, ", ")
}
