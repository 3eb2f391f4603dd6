package agent

import (
	"context"
	"strings"
	"time"

	"github.com/agentorch/orchestrator/internal/plugin"
)

// Claude adapts the Claude Code CLI.
type Claude struct{}

// NewClaude creates the claude agent adapter.
func NewClaude() *Claude { return &Claude{} }

func (a *Claude) Name() string { return "claude" }

// GetLaunchCommand composes the CLI invocation. The initial prompt is
// not part of the command; it is typed into the session after the CLI
// settles.
func (a *Claude) GetLaunchCommand(spec plugin.AgentLaunchSpec) string {
	parts := []string{"claude"}
	if model := configString(spec.AgentConfig, "model"); model != "" {
		parts = append(parts, "--model", model)
	}
	if configBool(spec.AgentConfig, "skipPermissions") {
		parts = append(parts, "--dangerously-skip-permissions")
	}
	if configBool(spec.AgentConfig, "continue") {
		parts = append(parts, "-c")
	}
	if extra := configString(spec.AgentConfig, "extraArgs"); extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, " ")
}

func (a *Claude) GetEnvironment(spec plugin.AgentLaunchSpec) map[string]string {
	return configEnv(spec.AgentConfig)
}

// Markers the Claude Code TUI renders. The busy hint sits in the
// status line, so only the trailing lines count.
var (
	claudeBusyMarkers    = []string{"esc to interrupt"}
	claudeWaitingMarkers = []string{
		"Do you want",
		"Waiting for your input",
		"(y/n)",
		"❯ 1.",
	}
	claudeBlockedMarkers = []string{
		"rate limit",
		"overloaded_error",
		"API Error",
	}
	claudePromptMarkers = []string{"❯", "> "}
)

// DetectActivity classifies one output capture.
func (a *Claude) DetectActivity(capture string) plugin.ActivityState {
	if strings.TrimSpace(capture) == "" {
		return plugin.ActivityIdle
	}
	if anyLineContains(capture, 3, claudeBusyMarkers...) {
		return plugin.ActivityActive
	}
	if anyLineContains(capture, 10, claudeWaitingMarkers...) {
		return plugin.ActivityWaitingInput
	}
	if anyLineContains(capture, 10, claudeBlockedMarkers...) {
		return plugin.ActivityBlocked
	}
	if anyLineContains(capture, 5, claudePromptMarkers...) {
		return plugin.ActivityIdle
	}
	// Output without a prompt: the CLI is still streaming.
	return plugin.ActivityActive
}

func (a *Claude) GetActivityState(view plugin.SessionView, readyThreshold time.Duration) *plugin.ActivityDetection {
	state := a.DetectActivity(view.Output)
	detail := ""
	if state == plugin.ActivityIdle && readyThreshold > 0 &&
		!view.LastActivityAt.IsZero() && time.Since(view.LastActivityAt) >= readyThreshold {
		state = plugin.ActivityReady
		detail = "idle past ready threshold"
	}
	return &plugin.ActivityDetection{State: state, Since: view.LastActivityAt, Detail: detail}
}

// IsProcessRunning defers to runtime liveness; the CLI has no
// inspectable pid once it runs behind a multiplexer.
func (a *Claude) IsProcessRunning(_ context.Context, handle *plugin.RuntimeHandle) bool {
	return handle != nil
}

// GetSessionInfo surfaces what the TUI reveals about its own state.
func (a *Claude) GetSessionInfo(_ context.Context, view plugin.SessionView) map[string]string {
	info := map[string]string{"agent": "claude"}
	for _, line := range lastLines(view.Output, 10) {
		if idx := strings.Index(line, "Context left until auto-compact:"); idx >= 0 {
			info["contextLeft"] = strings.TrimSpace(line[idx+len("Context left until auto-compact:"):])
		}
	}
	return info
}
