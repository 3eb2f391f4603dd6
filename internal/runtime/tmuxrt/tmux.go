// Package tmuxrt implements the runtime contract on tmux sessions.
// This is the default runtime: one detached tmux session per agent,
// addressed by its host-unique "<hash>-<prefix>-<n>" name.
package tmuxrt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// runner abstracts tmux invocation so the command construction stays
// testable on hosts without tmux.
type runner interface {
	run(ctx context.Context, args ...string) (string, error)
	runInput(ctx context.Context, stdin string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (execRunner) runInput(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	cmd.Stdin = strings.NewReader(stdin)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Runtime runs agents inside detached tmux sessions.
type Runtime struct {
	runner runner
	logger *logger.Logger
}

// New creates the tmux runtime plugin.
func New(log *logger.Logger) *Runtime {
	return &Runtime{
		runner: execRunner{},
		logger: log.WithFields(zap.String("component", "tmux-runtime")),
	}
}

func (r *Runtime) Name() string { return "tmux" }

// Create starts a detached session in the workdir, exports the
// environment into it, and launches the agent command.
func (r *Runtime) Create(ctx context.Context, spec plugin.SessionSpec) (*plugin.RuntimeHandle, error) {
	args := []string{"new-session", "-d", "-s", spec.Name, "-c", spec.WorkDir}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	if output, err := r.runner.run(ctx, args...); err != nil {
		return nil, apperrors.PluginFailure("tmux", fmt.Errorf("new-session: %s: %w", strings.TrimSpace(output), err))
	}

	handle := &plugin.RuntimeHandle{ID: spec.Name, RuntimeName: "tmux"}
	if spec.Command != "" {
		if err := r.SendKeys(ctx, handle, spec.Command); err != nil {
			_ = r.Destroy(ctx, handle)
			return nil, err
		}
		if err := r.SendEnter(ctx, handle); err != nil {
			_ = r.Destroy(ctx, handle)
			return nil, err
		}
	}
	r.logger.Info("tmux session created", zap.String("name", spec.Name))
	return handle, nil
}

func (r *Runtime) Destroy(ctx context.Context, handle *plugin.RuntimeHandle) error {
	if output, err := r.runner.run(ctx, "kill-session", "-t", handle.ID); err != nil {
		if sessionGone(output) {
			return nil
		}
		return apperrors.PluginFailure("tmux", fmt.Errorf("kill-session: %s: %w", strings.TrimSpace(output), err))
	}
	return nil
}

// SendMessage delivers a whole message: cleared input, the text, Enter.
func (r *Runtime) SendMessage(ctx context.Context, handle *plugin.RuntimeHandle, text string) error {
	if err := r.ClearInput(ctx, handle); err != nil {
		return err
	}
	if err := r.SendKeys(ctx, handle, text); err != nil {
		return err
	}
	return r.SendEnter(ctx, handle)
}

// GetOutput captures the last n lines of the active pane.
func (r *Runtime) GetOutput(ctx context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	if lines <= 0 {
		lines = 40
	}
	output, err := r.runner.run(ctx, "capture-pane", "-p", "-t", handle.ID, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", apperrors.PluginFailure("tmux", fmt.Errorf("capture-pane: %s: %w", strings.TrimSpace(output), err))
	}
	return output, nil
}

func (r *Runtime) IsAlive(ctx context.Context, handle *plugin.RuntimeHandle) bool {
	_, err := r.runner.run(ctx, "has-session", "-t", handle.ID)
	return err == nil
}

// ListNames enumerates every tmux session on the host. Callers filter
// by their own hash prefix.
func (r *Runtime) ListNames(ctx context.Context) ([]string, error) {
	output, err := r.runner.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		if sessionGone(output) {
			return nil, nil
		}
		return nil, apperrors.PluginFailure("tmux", fmt.Errorf("list-sessions: %s: %w", strings.TrimSpace(output), err))
	}
	var names []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendKeys types text literally; -l stops tmux from interpreting key
// names, -- stops flag parsing on texts that start with a dash.
func (r *Runtime) SendKeys(ctx context.Context, handle *plugin.RuntimeHandle, keys string) error {
	if output, err := r.runner.run(ctx, "send-keys", "-t", handle.ID, "-l", "--", keys); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("send-keys: %s: %w", strings.TrimSpace(output), err))
	}
	return nil
}

func (r *Runtime) SendEnter(ctx context.Context, handle *plugin.RuntimeHandle) error {
	if output, err := r.runner.run(ctx, "send-keys", "-t", handle.ID, "Enter"); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("send-keys Enter: %s: %w", strings.TrimSpace(output), err))
	}
	return nil
}

// ClearInput wipes any partial input line with ctrl-U.
func (r *Runtime) ClearInput(ctx context.Context, handle *plugin.RuntimeHandle) error {
	if output, err := r.runner.run(ctx, "send-keys", "-t", handle.ID, "C-u"); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("send-keys C-u: %s: %w", strings.TrimSpace(output), err))
	}
	return nil
}

// PasteText loads text into a named buffer and pastes it in one step.
// -d deletes the buffer afterwards, -p uses bracketed paste so the
// agent's readline treats the newlines as content.
func (r *Runtime) PasteText(ctx context.Context, handle *plugin.RuntimeHandle, buffer, text string) error {
	if output, err := r.runner.runInput(ctx, text, "load-buffer", "-b", buffer, "-"); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("load-buffer: %s: %w", strings.TrimSpace(output), err))
	}
	if output, err := r.runner.run(ctx, "paste-buffer", "-dp", "-b", buffer, "-t", handle.ID); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("paste-buffer: %s: %w", strings.TrimSpace(output), err))
	}
	return nil
}

// Attach replaces the caller's terminal with the tmux session until
// the user detaches.
func (r *Runtime) Attach(ctx context.Context, handle *plugin.RuntimeHandle) error {
	cmd := exec.CommandContext(ctx, "tmux", "attach-session", "-t", handle.ID)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apperrors.PluginFailure("tmux", fmt.Errorf("attach-session: %w", err))
	}
	return nil
}

func sortedEnv(env map[string]string) []string {
	kvs := make([]string, 0, len(env))
	for k, v := range env {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return kvs
}

// sessionGone recognizes the tmux errors that mean "nothing there"
// rather than a real failure.
func sessionGone(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "no server running") ||
		strings.Contains(out, "session not found") ||
		strings.Contains(out, "can't find session") ||
		strings.Contains(out, "no such file or directory")
}
