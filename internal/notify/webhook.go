package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

const webhookTimeout = 15 * time.Second

// Webhook posts events as JSON to a configured URL. Slack-compatible
// receivers get the whole event; richer routing belongs on the
// receiving side.
type Webhook struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
	logger  *logger.Logger
}

// NewWebhook creates a webhook notifier from its options map.
func NewWebhook(name string, options map[string]interface{}, log *logger.Logger) (*Webhook, error) {
	url, _ := options["url"].(string)
	if url == "" {
		return nil, apperrors.InvalidInput("notifier %q: url is required", name)
	}
	headers := make(map[string]string)
	if raw, ok := options["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	return &Webhook{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: webhookTimeout},
		logger:  log.WithFields(zap.String("notifier", name)),
	}, nil
}

func (w *Webhook) Name() string { return w.name }

type webhookPayload struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Priority  string          `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Actions   []plugin.Action `json:"actions,omitempty"`
}

func (w *Webhook) Notify(ctx context.Context, event plugin.Event) error {
	return w.NotifyWithActions(ctx, event, nil)
}

// NotifyWithActions implements the optional action capability.
func (w *Webhook) NotifyWithActions(ctx context.Context, event plugin.Event, actions []plugin.Action) error {
	payload, err := json.Marshal(webhookPayload{
		Type:      event.Type,
		SessionID: event.SessionID,
		ProjectID: event.ProjectID,
		Title:     event.Title,
		Body:      event.Body,
		Priority:  event.Priority,
		Timestamp: event.Timestamp,
		Actions:   actions,
	})
	if err != nil {
		return apperrors.PluginFailure(w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return apperrors.PluginFailure(w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return apperrors.PluginFailure(w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.PluginFailure(w.name, fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}
