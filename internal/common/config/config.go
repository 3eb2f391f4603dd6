// Package config defines the validated configuration value consumed by
// the orchestrator core, and a viper-based loader for the CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentorch/orchestrator/internal/common/logger"
)

// Config is the root configuration value. The core never parses files
// itself; it receives a Config that passed Validate.
type Config struct {
	// ConfigPath is the absolute path of the file this value was loaded
	// from. It anchors the project hash and all on-disk state.
	ConfigPath string `mapstructure:"-"`

	Port             int                      `mapstructure:"port"`
	ReadyThresholdMs int                      `mapstructure:"readyThresholdMs"`
	Defaults         Defaults                 `mapstructure:"defaults"`
	Projects         map[string]ProjectConfig `mapstructure:"projects"`
	Notifiers        map[string]NotifierConfig `mapstructure:"notifiers"`
	// NotificationRouting maps a priority to the ordered notifier names
	// that receive events at that priority.
	NotificationRouting map[string][]string     `mapstructure:"notificationRouting"`
	Reactions           map[string]ReactionRule `mapstructure:"reactions"`
	Scheduler           SchedulerConfig         `mapstructure:"scheduler"`
	Lifecycle           LifecycleConfig         `mapstructure:"lifecycle"`
	Events              EventsConfig            `mapstructure:"events"`
	Logging             logger.LoggingConfig    `mapstructure:"logging"`
	Tracing             TracingConfig           `mapstructure:"tracing"`
}

// Defaults holds the process-wide plugin defaults.
type Defaults struct {
	Runtime   string        `mapstructure:"runtime"`
	Agent     string        `mapstructure:"agent"`
	Workspace string        `mapstructure:"workspace"`
	Notifiers []string      `mapstructure:"notifiers"`
	Verifier  *VerifierRule `mapstructure:"verifier"`
}

// ProjectConfig describes one configured source repository.
type ProjectConfig struct {
	Name          string                  `mapstructure:"name"`
	Repo          string                  `mapstructure:"repo"` // owner/repo
	Path          string                  `mapstructure:"path"` // local checkout
	DefaultBranch string                  `mapstructure:"defaultBranch"`
	SessionPrefix string                  `mapstructure:"sessionPrefix"`
	Agent         string                  `mapstructure:"agent"`
	Runtime       string                  `mapstructure:"runtime"`
	Workspace     string                  `mapstructure:"workspace"`
	Tracker       string                  `mapstructure:"tracker"`
	SCM           string                  `mapstructure:"scm"`
	Symlinks      []string                `mapstructure:"symlinks"`
	PostCreate    string                  `mapstructure:"postCreate"`
	AgentConfig   map[string]interface{}  `mapstructure:"agentConfig"`
	Reactions     map[string]ReactionRule `mapstructure:"reactions"`
	Verifier      *VerifierRule           `mapstructure:"verifier"`
}

// VerifierRule enables the verifier gate for a project.
type VerifierRule struct {
	Enabled bool   `mapstructure:"enabled"`
	Agent   string `mapstructure:"agent"`
	Prompt  string `mapstructure:"prompt"`
}

// NotifierConfig selects and configures a notifier plugin instance.
type NotifierConfig struct {
	Plugin  string                 `mapstructure:"plugin"`
	Options map[string]interface{} `mapstructure:",remain"`
}

// ReactionAction enumerates what a reaction rule does when it fires.
type ReactionAction string

const (
	ActionSendToAgent ReactionAction = "send-to-agent"
	ActionNotify      ReactionAction = "notify"
	ActionAutoMerge   ReactionAction = "auto-merge"
)

// ReactionRule configures the automated response to one lifecycle event.
type ReactionRule struct {
	Auto     bool           `mapstructure:"auto"`
	Action   ReactionAction `mapstructure:"action"`
	Message  string         `mapstructure:"message"`
	Priority string         `mapstructure:"priority"` // urgent, action, warning, info
	Retries  int            `mapstructure:"retries"`
	// EscalateAfter is a duration string ("30m"). Integer retry budgets
	// belong to Retries; a bare number here is rejected by Validate.
	EscalateAfter string        `mapstructure:"escalateAfter"`
	Threshold     time.Duration `mapstructure:"threshold"`
}

// EscalateAfterDuration parses the escalation window; zero when unset.
func (r ReactionRule) EscalateAfterDuration() (time.Duration, error) {
	if r.EscalateAfter == "" {
		return 0, nil
	}
	return time.ParseDuration(r.EscalateAfter)
}

// SchedulerConfig holds ready-queue configuration.
type SchedulerConfig struct {
	ConcurrencyCap  int `mapstructure:"concurrencyCap"`
	DefaultPriority int `mapstructure:"defaultPriority"`
}

// LifecycleConfig holds tick-loop configuration.
type LifecycleConfig struct {
	TickInterval    time.Duration `mapstructure:"tickInterval"`
	PollConcurrency int           `mapstructure:"pollConcurrency"`
}

// EventsConfig selects the transition event bus backend.
type EventsConfig struct {
	// NATSURL switches the bus from in-memory to NATS when non-empty.
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// KnownEvents are the reaction event keys the engine recognizes.
var KnownEvents = []string{
	"ci-failed",
	"changes-requested",
	"bugbot-comments",
	"merge-conflicts",
	"approved-and-green",
	"agent-stuck",
	"agent-needs-input",
	"agent-exited",
	"all-complete",
	"agent-idle-no-pr",
}

func knownEvent(name string) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

var validPriorities = map[string]bool{"": true, "urgent": true, "action": true, "warning": true, "info": true}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("configPath is required")
	}
	if c.Scheduler.ConcurrencyCap < 0 {
		return fmt.Errorf("scheduler.concurrencyCap must be non-negative")
	}
	for id, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("project %q: path is required", id)
		}
		if err := validateReactions(p.Reactions); err != nil {
			return fmt.Errorf("project %q: %w", id, err)
		}
	}
	if err := validateReactions(c.Reactions); err != nil {
		return err
	}
	for name, n := range c.Notifiers {
		if n.Plugin == "" {
			return fmt.Errorf("notifier %q: plugin is required", name)
		}
	}
	for prio := range c.NotificationRouting {
		if !validPriorities[prio] {
			return fmt.Errorf("notificationRouting: unknown priority %q", prio)
		}
	}
	return nil
}

func validateReactions(rules map[string]ReactionRule) error {
	for event, rule := range rules {
		if !knownEvent(event) {
			return fmt.Errorf("unknown reaction event %q", event)
		}
		switch rule.Action {
		case "", ActionSendToAgent, ActionNotify, ActionAutoMerge:
		default:
			return fmt.Errorf("reaction %q: unknown action %q", event, rule.Action)
		}
		if rule.EscalateAfter != "" {
			// One schema per rule: a duration string. A bare integer would
			// silently mean nanoseconds, so it is rejected outright.
			if _, err := time.ParseDuration(rule.EscalateAfter); err != nil {
				return fmt.Errorf("reaction %q: escalateAfter must be a duration string: %w", event, err)
			}
		}
	}
	return nil
}

// ProjectReaction resolves the rule for an event: project override
// first, then the top-level reactions map.
func (c *Config) ProjectReaction(projectID, event string) (ReactionRule, bool) {
	if p, ok := c.Projects[projectID]; ok {
		if rule, ok := p.Reactions[event]; ok {
			return rule, true
		}
	}
	rule, ok := c.Reactions[event]
	return rule, ok
}

// Routing returns the notifier names for a priority, falling back to
// the documented defaults when the config does not override them.
func (c *Config) Routing(priority string) []string {
	if names, ok := c.NotificationRouting[priority]; ok {
		return names
	}
	switch priority {
	case "urgent":
		return []string{"desktop", "slack", "sms"}
	case "action":
		return []string{"desktop", "slack"}
	default: // warning, info
		return []string{"slack"}
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("readyThresholdMs", 15000)
	v.SetDefault("scheduler.concurrencyCap", 4)
	v.SetDefault("scheduler.defaultPriority", 0)
	v.SetDefault("lifecycle.tickInterval", "15s")
	v.SetDefault("lifecycle.pollConcurrency", 8)
	v.SetDefault("defaults.runtime", "tmux")
	v.SetDefault("defaults.agent", "claude")
	v.SetDefault("defaults.workspace", "worktree")
	v.SetDefault("events.maxReconnects", 10)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ConfigPath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
