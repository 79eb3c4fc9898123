package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-heal/internal/config"
	"github.com/sentinelstack/sentinel-heal/internal/models"
	"github.com/sentinelstack/sentinel-heal/internal/utils"
)

var severityColors = map[models.Severity]string{
	models.SeverityLow:      "#36a64f",
	models.SeverityMedium:   "#ffcc00",
	models.SeverityHigh:     "#ff9900",
	models.SeverityCritical: "#ff0000",
}

// Webhook posts incident alerts to a Slack-compatible incoming webhook.
// With no URL configured every call is a logged no-op, so callers never
// need to branch on configuration.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook builds a notifier from config. Timeout defaults to 10 seconds.
func NewWebhook(cfg config.NotifyConfig, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Configured reports whether a webhook URL is set.
func (w *Webhook) Configured() bool { return w.url != "" }

type attachment struct {
	Color  string  `json:"color"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type   string `json:"type"`
	Text   *text  `json:"text,omitempty"`
	Fields []text `json:"fields,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type payload struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments"`
}

// IncidentCreated sends an alert for a freshly opened incident.
func (w *Webhook) IncidentCreated(ctx context.Context, inc models.Incident) {
	if !w.Configured() {
		w.logger.Debug("webhook not configured, skipping incident alert")
		return
	}

	desc := inc.Description
	if desc == "" {
		desc = "No description"
	}

	blocks := []block{
		{
			Type: "header",
			Text: &text{Type: "plain_text", Text: fmt.Sprintf("[%s] Incident: %s", strings.ToUpper(string(inc.Severity)), inc.Title)},
		},
		{
			Type: "section",
			Fields: []text{
				{Type: "mrkdwn", Text: "*Severity:*\n" + string(inc.Severity)},
				{Type: "mrkdwn", Text: "*Status:*\n" + string(inc.Status)},
				{Type: "mrkdwn", Text: "*ID:*\n" + shortID(inc.ID)},
				{Type: "mrkdwn", Text: "*Created:*\n" + inc.CreatedAt.Format("2006-01-02 15:04 UTC")},
			},
		},
		{
			Type: "section",
			Text: &text{Type: "mrkdwn", Text: "*Description:*\n" + clip(desc, 500)},
		},
	}
	if inc.RCA != nil {
		blocks = append(blocks, block{
			Type: "section",
			Text: &text{Type: "mrkdwn", Text: "*Root Cause:*\n" + clip(inc.RCA.RootCause, 500)},
		})
	}

	w.post(ctx, payload{
		Text: "New incident detected: " + inc.Title,
		Attachments: []attachment{{
			Color:  color(inc.Severity),
			Blocks: blocks,
		}},
	})
}

// RCACompleted sends the analysis results for an incident, listing the
// recommended actions split by whether they can run automatically.
func (w *Webhook) RCACompleted(ctx context.Context, inc models.Incident, rca models.RCAFinding, actions []models.RemediationAction) {
	if !w.Configured() {
		w.logger.Debug("webhook not configured, skipping RCA report")
		return
	}

	blocks := []block{
		{
			Type: "header",
			Text: &text{Type: "plain_text", Text: "Root Cause Analysis: " + inc.Title},
		},
		{
			Type: "section",
			Text: &text{Type: "mrkdwn", Text: "*Root Cause:*\n" + clip(rca.RootCause, 500)},
		},
	}

	if len(actions) > 0 {
		var auto, manual string
		for _, a := range actions {
			line := "• " + string(a.Kind)
			if a.Service != "" {
				line += " (" + a.Service + ")"
			}
			line += "\n"
			if a.Automated {
				auto += line
			} else {
				manual += line
			}
		}
		if auto != "" {
			blocks = append(blocks, block{
				Type: "section",
				Text: &text{Type: "mrkdwn", Text: "*Automated actions:*\n" + auto},
			})
		}
		if manual != "" {
			blocks = append(blocks, block{
				Type: "section",
				Text: &text{Type: "mrkdwn", Text: "*Manual actions:*\n" + manual},
			})
		}
	}

	w.post(ctx, payload{
		Text: "RCA completed for incident: " + inc.Title,
		Attachments: []attachment{{
			Color:  color(inc.Severity),
			Blocks: blocks,
		}},
	})
}

// Send posts a plain text message.
func (w *Webhook) Send(ctx context.Context, message string) error {
	if !w.Configured() {
		return utils.NewAppError("notify.Send", "webhook not configured", nil)
	}
	return w.deliver(ctx, map[string]string{"text": message})
}

func (w *Webhook) post(ctx context.Context, p payload) {
	if err := w.deliver(ctx, p); err != nil {
		w.logger.Error("webhook delivery failed", "error", err)
	}
}

func (w *Webhook) deliver(ctx context.Context, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return utils.NewAppError("notify.deliver", "marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf))
	if err != nil {
		return utils.NewAppError("notify.deliver", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return utils.NewAppError("notify.deliver", "post webhook", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return utils.NewAppError("notify.deliver", fmt.Sprintf("webhook returned %d", resp.StatusCode), nil)
	}
	return nil
}

func color(s models.Severity) string {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return "#808080"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
