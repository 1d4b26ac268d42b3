package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebhookSender POSTs events to a single operator-configured URL. The
// payload shape adapts to the destination: Slack and Discord get their
// native message formats, everything else gets the raw event JSON.
type WebhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSender) Send(ctx context.Context, eventType string, payload map[string]any) error {
	var body []byte
	var err error

	if isDiscordWebhook(w.url) {
		body, err = json.Marshal(formatDiscordPayload(eventType, payload))
	} else if isSlackWebhook(w.url) {
		body, err = json.Marshal(formatSlackPayload(eventType, payload))
	} else {
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ingest-Event", eventType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s returned %d", w.url, resp.StatusCode)
	}
	return nil
}

func isDiscordWebhook(url string) bool {
	return strings.Contains(url, "discord.com/api/webhooks/") ||
		strings.Contains(url, "discordapp.com/api/webhooks/")
}

func isSlackWebhook(url string) bool {
	return strings.Contains(url, "hooks.slack.com/")
}

func formatSlackPayload(eventType string, payload map[string]any) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", eventTitle(eventType), eventDescription(eventType, payload)),
	}
}

func formatDiscordPayload(eventType string, payload map[string]any) map[string]any {
	embed := map[string]any{
		"title":       eventTitle(eventType),
		"description": eventDescription(eventType, payload),
		"color":       eventColor(eventType),
		"footer": map[string]any{
			"text": "Diamond Ingest",
		},
	}
	if ts, ok := payload["timestamp"].(string); ok {
		embed["timestamp"] = ts
	}

	var fields []map[string]any
	for _, key := range []string{"feed", "run_id", "run_type"} {
		if v, ok := payload[key].(string); ok && v != "" {
			fields = append(fields, map[string]any{
				"name":   key,
				"value":  fmt.Sprintf("`%s`", v),
				"inline": true,
			})
		}
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	return map[string]any{
		"embeds": []any{embed},
	}
}

func eventTitle(eventType string) string {
	switch eventType {
	case EventRunStarted:
		return "🚀 Ingestion Run Started"
	case EventPartialSuccess:
		return "⚠️ Run Partially Succeeded"
	case EventRunFailed:
		return "🔥 Run Failed"
	case EventRunConsolidated:
		return "✅ Run Consolidated"
	default:
		return "📡 " + eventType
	}
}

func eventColor(eventType string) int {
	switch eventType {
	case EventRunFailed:
		return 0xE74C3C
	case EventPartialSuccess:
		return 0xF1C40F
	default:
		return 0x2ECC71
	}
}

func eventDescription(eventType string, payload map[string]any) string {
	feed, _ := payload["feed"].(string)
	runID, _ := payload["run_id"].(string)
	data, _ := payload["data"].(map[string]any)

	switch eventType {
	case EventRunStarted:
		return fmt.Sprintf("feed `%s` run `%s`\n%v workers over ~%v records",
			feed, runID, dataVal(data, "expected_workers"), dataVal(data, "estimated_records"))
	case EventPartialSuccess:
		return fmt.Sprintf("feed `%s` run `%s`\n%v/%v partitions completed, %v failed",
			feed, runID, dataVal(data, "completed"), dataVal(data, "expected"), dataVal(data, "failed"))
	case EventRunFailed:
		reason, _ := data["reason"].(string)
		if len(reason) > 300 {
			reason = reason[:297] + "..."
		}
		return fmt.Sprintf("feed `%s` run `%s`\n%s", feed, runID, reason)
	case EventRunConsolidated:
		return fmt.Sprintf("feed `%s` run `%s`\n%v diamonds written, %v errors of %v total",
			feed, runID, dataVal(data, "processed"), dataVal(data, "errors"), dataVal(data, "total"))
	default:
		j, _ := json.Marshal(data)
		s := string(j)
		if len(s) > 300 {
			s = s[:297] + "..."
		}
		return s
	}
}

func dataVal(m map[string]any, key string) any {
	if m == nil {
		return ""
	}
	return m[key]
}
