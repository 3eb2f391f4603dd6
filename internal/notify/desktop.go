package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

const desktopTimeout = 10 * time.Second

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Desktop shows OS notifications: notify-send on Linux, osascript on
// macOS. Toast platforms cannot run commands, so actions are folded
// into the body as copyable hints.
type Desktop struct {
	name   string
	goos   string
	run    commandRunner
	logger *logger.Logger
}

// NewDesktop creates a desktop notifier.
func NewDesktop(name string, log *logger.Logger) *Desktop {
	return &Desktop{
		name:   name,
		goos:   runtime.GOOS,
		run:    execCommand,
		logger: log.WithFields(zap.String("notifier", name)),
	}
}

func (d *Desktop) Name() string { return d.name }

func (d *Desktop) Notify(ctx context.Context, event plugin.Event) error {
	return d.NotifyWithActions(ctx, event, nil)
}

// NotifyWithActions implements the optional action capability.
func (d *Desktop) NotifyWithActions(ctx context.Context, event plugin.Event, actions []plugin.Action) error {
	ctx, cancel := context.WithTimeout(ctx, desktopTimeout)
	defer cancel()

	body := event.Body
	for _, a := range actions {
		body += fmt.Sprintf("\n%s: %s", a.Label, a.Command)
	}

	bin, args := d.command(event, body)
	if _, err := exec.LookPath(bin); err != nil {
		return apperrors.PluginFailure(d.name, fmt.Errorf("%s not installed", bin))
	}
	if output, err := d.run(ctx, bin, args...); err != nil {
		return apperrors.PluginFailure(d.name, fmt.Errorf("%s: %w (%s)", bin, err, strings.TrimSpace(string(output))))
	}
	return nil
}

func (d *Desktop) command(event plugin.Event, body string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf("display notification %q with title %q", body, event.Title)
		return "osascript", []string{"-e", script}
	}
	args := []string{"-a", "ao"}
	if event.Priority == "urgent" {
		args = append(args, "-u", "critical")
	}
	args = append(args, event.Title, body)
	return "notify-send", args
}
