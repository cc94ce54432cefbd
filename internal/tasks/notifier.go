// ABOUTME: Notifier implementations for delivering escalation alerts to staff
// ABOUTME: Log-based default plus an HTTP webhook for pager and chat integrations

package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers one escalation alert. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, job *NotificationJob) error
}

// LogNotifier writes alerts to the structured log. It is the default when no
// webhook is configured, so escalations are never silently dropped.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, job *NotificationJob) error {
	n.logger.Warn("conversation escalated",
		"conversation_id", job.ConversationID,
		"session_id", job.SessionID,
		"channel", job.Channel,
		"reason", job.Reason,
		"priority", job.Priority,
		"last_message", job.LastMessage,
	)
	return nil
}

// WebhookNotifier POSTs the job as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default().With("component", "notifier"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, job *NotificationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug("delivered escalation webhook", "conversation_id", job.ConversationID)
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
)
