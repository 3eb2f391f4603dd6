package agent

import (
	"context"
	"strings"
	"time"

	"github.com/agentorch/orchestrator/internal/plugin"
)

// aiderIdleFloor is the minimum quiet period before aider counts as
// ready. Aider redraws its prompt between tool runs, so a bare prompt
// sighting is not enough.
const aiderIdleFloor = 30 * time.Second

// Aider adapts the aider CLI.
type Aider struct{}

// NewAider creates the aider agent adapter.
func NewAider() *Aider { return &Aider{} }

func (a *Aider) Name() string { return "aider" }

func (a *Aider) GetLaunchCommand(spec plugin.AgentLaunchSpec) string {
	parts := []string{"aider", "--yes-always"}
	if model := configString(spec.AgentConfig, "model"); model != "" {
		parts = append(parts, "--model", model)
	}
	if extra := configString(spec.AgentConfig, "extraArgs"); extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, " ")
}

func (a *Aider) GetEnvironment(spec plugin.AgentLaunchSpec) map[string]string {
	return configEnv(spec.AgentConfig)
}

var (
	aiderWaitingMarkers = []string{
		"(Y)es/(N)o",
		"[Yes]",
		"Add file to the chat?",
		"Open URL",
	}
	aiderBlockedMarkers = []string{
		"RateLimitError",
		"API key",
		"Connection error",
	}
)

func (a *Aider) DetectActivity(capture string) plugin.ActivityState {
	if strings.TrimSpace(capture) == "" {
		return plugin.ActivityIdle
	}
	if anyLineContains(capture, 6, aiderWaitingMarkers...) {
		return plugin.ActivityWaitingInput
	}
	if anyLineContains(capture, 10, aiderBlockedMarkers...) {
		return plugin.ActivityBlocked
	}
	lines := lastLines(capture, 2)
	if len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == ">" || strings.HasSuffix(last, ">") && len(last) < 40 {
			return plugin.ActivityIdle
		}
	}
	return plugin.ActivityActive
}

// GetActivityState applies the ready threshold with the 30s floor.
func (a *Aider) GetActivityState(view plugin.SessionView, readyThreshold time.Duration) *plugin.ActivityDetection {
	state := a.DetectActivity(view.Output)
	threshold := readyThreshold
	if threshold < aiderIdleFloor {
		threshold = aiderIdleFloor
	}
	detail := ""
	if state == plugin.ActivityIdle &&
		!view.LastActivityAt.IsZero() && time.Since(view.LastActivityAt) >= threshold {
		state = plugin.ActivityReady
		detail = "idle past ready threshold"
	}
	return &plugin.ActivityDetection{State: state, Since: view.LastActivityAt, Detail: detail}
}

func (a *Aider) IsProcessRunning(_ context.Context, handle *plugin.RuntimeHandle) bool {
	return handle != nil
}

func (a *Aider) GetSessionInfo(_ context.Context, view plugin.SessionView) map[string]string {
	info := map[string]string{"agent": "aider"}
	for _, line := range lastLines(view.Output, 15) {
		if strings.HasPrefix(strings.TrimSpace(line), "Tokens:") {
			info["tokens"] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Tokens:"))
		}
	}
	return info
}
