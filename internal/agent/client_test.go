package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/models"
)

type fakeCompleter struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, req.Messages[0].Content)

	if i < len(f.errs) && f.errs[i] != nil {
		return openai.ChatCompletionResponse{}, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: reply}},
		},
	}, nil
}

func newTestClient(fake *fakeCompleter) *Client {
	c := NewClient(config.AgentConfig{APIKey: "test", ParseRetries: 3}, nil)
	c.api = fake
	c.retryDelay = 0
	return c
}

func TestMonitorSystemNotConfigured(t *testing.T) {
	c := NewClient(config.AgentConfig{}, nil)
	if c.Configured() {
		t.Fatal("empty config should not be configured")
	}
	if finding := c.MonitorSystem(context.Background(), nil, nil); finding != nil {
		t.Fatalf("unconfigured client returned %+v", finding)
	}
}

func TestMonitorSystemRetriesMalformedThenParses(t *testing.T) {
	fake := &fakeCompleter{replies: []string{
		"I have encountered an error. Please try again.",
		`{"anomaly_detected": true, "severity": "critical", "title": "OOM", "root_cause": "heap", "summary": "s"}`,
	}}
	c := newTestClient(fake)

	finding := c.MonitorSystem(context.Background(), nil, nil)
	if finding == nil || finding.Severity != models.SeverityCritical {
		t.Fatalf("finding = %+v", finding)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d, want 2", fake.calls)
	}
}

func TestMonitorSystemExhaustsParseBudget(t *testing.T) {
	fake := &fakeCompleter{replies: []string{
		"invalid tool call", "invalid tool call", "invalid tool call", "invalid tool call",
	}}
	c := newTestClient(fake)

	if finding := c.MonitorSystem(context.Background(), nil, nil); finding != nil {
		t.Fatalf("finding = %+v", finding)
	}
	if fake.calls != 3 {
		t.Fatalf("calls = %d, want parse budget of 3", fake.calls)
	}
}

func TestMonitorSystemHealthyStopsEarly(t *testing.T) {
	fake := &fakeCompleter{replies: []string{`{"anomaly_detected": false}`}}
	c := newTestClient(fake)

	if finding := c.MonitorSystem(context.Background(), nil, nil); finding != nil {
		t.Fatalf("finding = %+v", finding)
	}
	if fake.calls != 1 {
		t.Fatalf("calls = %d", fake.calls)
	}
}

func TestMonitorPromptIsBounded(t *testing.T) {
	fake := &fakeCompleter{replies: []string{`{"anomaly_detected": false}`}}
	c := newTestClient(fake)

	logs := make([]models.LogRecord, 100)
	for i := range logs {
		logs[i] = models.LogRecord{Level: models.LevelInfo, Message: "noise"}
	}
	logs[99].Message = "the-final-log-line"

	c.MonitorSystem(context.Background(), logs, nil)

	prompt := fake.prompts[0]
	if !strings.Contains(prompt, "the-final-log-line") {
		t.Fatal("newest log missing from prompt")
	}
	if got := strings.Count(prompt, "noise"); got != 29 {
		t.Fatalf("prompt carries %d buffered lines, want 29", got)
	}
}

func TestAnalyzeTransportFailure(t *testing.T) {
	fake := &fakeCompleter{errs: []error{errors.New("connection refused")}}
	c := newTestClient(fake)

	resp := c.Analyze(context.Background(), "inc-1", nil, nil, nil)
	if resp.SystemOK {
		t.Fatal("transport failure judged OK")
	}
	if !strings.Contains(resp.Summary, "Agent error") {
		t.Fatalf("summary = %q", resp.Summary)
	}
	if resp.IncidentID != "inc-1" {
		t.Fatalf("incident id = %q", resp.IncidentID)
	}
}

func TestAnalyzeNotConfigured(t *testing.T) {
	c := NewClient(config.AgentConfig{}, nil)
	resp := c.Analyze(context.Background(), "inc-2", nil, nil, nil)
	if resp.SystemOK {
		t.Fatal("unconfigured judged OK")
	}
	if resp.Summary != "analysis agent not configured" {
		t.Fatalf("summary = %q", resp.Summary)
	}
}

func TestAnalyzeParsesResponse(t *testing.T) {
	fake := &fakeCompleter{replies: []string{
		"Root cause: connection pool misconfigured after deploy.\n" +
			"Recommended: restart the pods.\n" +
			"System is degraded until that happens.",
	}}
	c := newTestClient(fake)

	resp := c.Analyze(context.Background(), "inc-3", nil, nil, map[string]string{"run_number": "1"})
	if resp.RCA == nil || !strings.Contains(resp.RCA.RootCause, "connection pool") {
		t.Fatalf("rca = %+v", resp.RCA)
	}
	if resp.SystemOK {
		t.Fatal("degraded system judged OK")
	}
	if !strings.Contains(fake.prompts[0], "run_number: 1") {
		t.Fatal("run context missing from prompt")
	}
}
