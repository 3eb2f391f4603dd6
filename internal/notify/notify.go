// Package notify holds the built-in notifier plugins. Instances are
// constructed from the config's notifiers map; the name a notifier is
// registered under is the config key, not the plugin type.
package notify

import (
	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// New constructs a notifier instance from its config entry.
func New(name string, cfg config.NotifierConfig, log *logger.Logger) (plugin.Notifier, error) {
	switch cfg.Plugin {
	case "desktop":
		return NewDesktop(name, log), nil
	case "webhook":
		return NewWebhook(name, cfg.Options, log)
	case "apprise":
		return NewApprise(name, cfg.Options, log)
	default:
		return nil, apperrors.InvalidInput("notifier %q: unknown plugin %q", name, cfg.Plugin)
	}
}
