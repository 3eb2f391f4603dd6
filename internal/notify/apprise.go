package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

const appriseTimeout = 10 * time.Second

// Apprise fans an event out through the apprise CLI, which handles the
// per-service delivery (Slack, Discord, SMS gateways, ...).
type Apprise struct {
	name   string
	urls   []string
	run    commandRunner
	logger *logger.Logger
}

// NewApprise creates an apprise notifier from its options map.
func NewApprise(name string, options map[string]interface{}, log *logger.Logger) (*Apprise, error) {
	urls, err := parseURLs(name, options)
	if err != nil {
		return nil, err
	}
	return &Apprise{
		name:   name,
		urls:   urls,
		run:    execCommand,
		logger: log.WithFields(zap.String("notifier", name)),
	}, nil
}

func (a *Apprise) Name() string { return a.name }

func (a *Apprise) Notify(ctx context.Context, event plugin.Event) error {
	if _, err := exec.LookPath("apprise"); err != nil {
		return apperrors.PluginFailure(a.name, fmt.Errorf("apprise not installed"))
	}
	ctx, cancel := context.WithTimeout(ctx, appriseTimeout)
	defer cancel()

	if output, err := a.run(ctx, "apprise", a.args(event)...); err != nil {
		return apperrors.PluginFailure(a.name, fmt.Errorf("apprise: %w (%s)", err, strings.TrimSpace(string(output))))
	}
	return nil
}

func (a *Apprise) args(event plugin.Event) []string {
	args := []string{"-t", event.Title, "-b", event.Body}
	return append(args, a.urls...)
}

// parseURLs accepts a list or a newline-separated string.
func parseURLs(name string, options map[string]interface{}) ([]string, error) {
	raw, ok := options["urls"]
	if !ok {
		return nil, apperrors.InvalidInput("notifier %q: urls is required", name)
	}
	var urls []string
	switch value := raw.(type) {
	case []string:
		urls = value
	case []interface{}:
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				urls = append(urls, strings.TrimSpace(s))
			}
		}
	case string:
		for _, part := range strings.Split(value, "\n") {
			if part = strings.TrimSpace(part); part != "" {
				urls = append(urls, part)
			}
		}
	default:
		return nil, apperrors.InvalidInput("notifier %q: urls must be a list of strings", name)
	}
	if len(urls) == 0 {
		return nil, apperrors.InvalidInput("notifier %q: urls is empty", name)
	}
	return urls, nil
}
