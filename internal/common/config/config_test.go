package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfig marshals the document to a yaml file under a temp dir.
func writeConfig(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, map[string]interface{}{
		"projects": map[string]interface{}{
			"api": map[string]interface{}{
				"repo":          "acme/api",
				"path":          "/repos/api",
				"defaultBranch": "main",
				"agent":         "aider",
				"symlinks":      []string{".env"},
			},
		},
		"notifiers": map[string]interface{}{
			"hook": map[string]interface{}{
				"plugin": "webhook",
				"url":    "https://example.com/notify",
			},
		},
		"reactions": map[string]interface{}{
			"ci-failed": map[string]interface{}{
				"auto":          true,
				"action":        "send-to-agent",
				"retries":       2,
				"escalateAfter": "30m",
			},
		},
		"lifecycle": map[string]interface{}{"tickInterval": "5s"},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "acme/api", cfg.Projects["api"].Repo)
	assert.Equal(t, "aider", cfg.Projects["api"].Agent)
	assert.Equal(t, []string{".env"}, cfg.Projects["api"].Symlinks)

	// Remaining notifier keys land in Options.
	hook := cfg.Notifiers["hook"]
	assert.Equal(t, "webhook", hook.Plugin)
	assert.Equal(t, "https://example.com/notify", hook.Options["url"])

	rule := cfg.Reactions["ci-failed"]
	assert.True(t, rule.Auto)
	assert.Equal(t, ActionSendToAgent, rule.Action)
	assert.Equal(t, 2, rule.Retries)
	d, err := rule.EscalateAfterDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	// Explicit value wins, untouched keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.TickInterval)
	assert.Equal(t, 15000, cfg.ReadyThresholdMs)
	assert.Equal(t, 4, cfg.Scheduler.ConcurrencyCap)
	assert.Equal(t, "tmux", cfg.Defaults.Runtime)
	assert.Equal(t, "claude", cfg.Defaults.Agent)
	assert.Equal(t, "worktree", cfg.Defaults.Workspace)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]interface{}
		want string
	}{
		{
			name: "project without path",
			doc: map[string]interface{}{
				"projects": map[string]interface{}{"api": map[string]interface{}{"repo": "acme/api"}},
			},
			want: "path is required",
		},
		{
			name: "unknown reaction event",
			doc: map[string]interface{}{
				"reactions": map[string]interface{}{"on-fire": map[string]interface{}{"auto": true}},
			},
			want: "unknown reaction event",
		},
		{
			name: "integer escalateAfter",
			doc: map[string]interface{}{
				"reactions": map[string]interface{}{"ci-failed": map[string]interface{}{"escalateAfter": "3"}},
			},
			want: "escalateAfter must be a duration string",
		},
		{
			name: "notifier without plugin",
			doc: map[string]interface{}{
				"notifiers": map[string]interface{}{"hook": map[string]interface{}{"url": "x"}},
			},
			want: "plugin is required",
		},
		{
			name: "unknown routing priority",
			doc: map[string]interface{}{
				"notificationRouting": map[string]interface{}{"loud": []string{"desktop"}},
			},
			want: "unknown priority",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRoutingFallbacks(t *testing.T) {
	cfg := &Config{NotificationRouting: map[string][]string{
		"urgent": {"sms"},
	}}
	assert.Equal(t, []string{"sms"}, cfg.Routing("urgent"))
	assert.Equal(t, []string{"desktop", "slack"}, cfg.Routing("action"))
	assert.Equal(t, []string{"slack"}, cfg.Routing("warning"))
	assert.Equal(t, []string{"slack"}, cfg.Routing("info"))
}

func TestProjectReactionPrecedence(t *testing.T) {
	cfg := &Config{
		Projects: map[string]ProjectConfig{
			"api": {Reactions: map[string]ReactionRule{
				"ci-failed": {Message: "project rule"},
			}},
		},
		Reactions: map[string]ReactionRule{
			"ci-failed":         {Message: "global rule"},
			"changes-requested": {Message: "global only"},
		},
	}

	rule, ok := cfg.ProjectReaction("api", "ci-failed")
	require.True(t, ok)
	assert.Equal(t, "project rule", rule.Message)

	rule, ok = cfg.ProjectReaction("api", "changes-requested")
	require.True(t, ok)
	assert.Equal(t, "global only", rule.Message)

	_, ok = cfg.ProjectReaction("api", "agent-stuck")
	assert.False(t, ok)
}
