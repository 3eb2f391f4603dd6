package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// Delivery thresholds. Messages over the literal limit, or containing
// newlines, go through a paste buffer so the agent's input line never
// mangles them.
const (
	literalLimit = 200
	pasteSettle  = 300 * time.Millisecond
)

// Busy-wait tuning, variable so tests can shrink the budget.
var (
	busyPollEvery = 2 * time.Second
	busyWaitMax   = 60 * time.Second
)

const (
	busySignal   = "esc to interrupt"
	queuedSignal = "Press up to edit queued messages"
)

// SendStatus is the user-visible outcome of a send.
type SendStatus string

const (
	StatusSent       SendStatus = "sent"
	StatusQueued     SendStatus = "queued"
	StatusProcessing SendStatus = "processing"
)

// SendOptions tunes message delivery.
type SendOptions struct {
	// NoWait skips the busy wait and delivers immediately.
	NoWait bool
}

// Send delivers a message to a session's runtime with the shaping
// rules agents expect: busy detection, input clearing, and paste
// buffers for long or multi-line text.
func (m *Manager) Send(ctx context.Context, sessionID, text string, opts SendOptions) (SendStatus, error) {
	projectID, rec, err := m.locate(sessionID)
	if err != nil {
		return "", err
	}
	handle := decodeHandle(rec.RuntimeHandle)
	if handle == nil {
		return "", apperrors.NotFound("session", sessionID)
	}
	runtime, err := m.resolver.RuntimeFor(projectID)
	if err != nil {
		return "", err
	}
	if !runtime.IsAlive(ctx, handle) {
		return "", apperrors.NotFound("live runtime for session", sessionID)
	}

	status := StatusSent
	if opts.NoWait {
		if busy, _, oerr := m.observe(ctx, runtime, handle); oerr == nil && busy {
			status = StatusProcessing
		}
	} else {
		status, err = m.waitUntilIdle(ctx, runtime, handle)
		if err != nil {
			return "", err
		}
	}

	typist, ok := runtime.(plugin.Typist)
	if !ok {
		// Runtime without key-level control gets the whole message in one
		// call and handles its own framing.
		if err := runtime.SendMessage(ctx, handle, text); err != nil {
			return "", apperrors.PluginFailure(runtime.Name(), err)
		}
		return status, nil
	}

	if err := typist.ClearInput(ctx, handle); err != nil {
		return "", apperrors.PluginFailure(runtime.Name(), err)
	}
	if len(text) > literalLimit || strings.ContainsAny(text, "\n\r") {
		buffer := "ao-msg-" + uuid.New().String()[:8]
		if err := typist.PasteText(ctx, handle, buffer, text); err != nil {
			return "", apperrors.PluginFailure(runtime.Name(), err)
		}
		// Let the paste land before the Enter key.
		time.Sleep(pasteSettle)
	} else {
		if err := typist.SendKeys(ctx, handle, text); err != nil {
			return "", apperrors.PluginFailure(runtime.Name(), err)
		}
	}
	if err := typist.SendEnter(ctx, handle); err != nil {
		return "", apperrors.PluginFailure(runtime.Name(), err)
	}
	return status, nil
}

// observe classifies recent output as busy/queued.
func (m *Manager) observe(ctx context.Context, runtime plugin.Runtime, handle *plugin.RuntimeHandle) (busy, queued bool, err error) {
	output, err := runtime.GetOutput(ctx, handle, 10)
	if err != nil {
		return false, false, apperrors.PluginFailure(runtime.Name(), err)
	}
	busy = DetectBusy(output) && !DetectIdle(output)
	return busy, strings.Contains(output, queuedSignal), nil
}

// waitUntilIdle polls the runtime until the agent looks idle, the
// message queue signal appears, or the wait budget runs out. An agent
// still busy at the deadline reports processing, never sent.
func (m *Manager) waitUntilIdle(ctx context.Context, runtime plugin.Runtime, handle *plugin.RuntimeHandle) (SendStatus, error) {
	deadline := time.Now().Add(busyWaitMax)
	for {
		busy, queued, err := m.observe(ctx, runtime, handle)
		if err != nil {
			return "", err
		}
		if queued {
			return StatusQueued, nil
		}
		if !busy {
			return StatusSent, nil
		}
		if time.Now().After(deadline) {
			return StatusProcessing, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(busyPollEvery):
		}
	}
}

// DetectBusy reports whether the capture shows an agent mid-turn: the
// interrupt hint in the last three lines.
func DetectBusy(output string) bool {
	lines := tailLines(output, 3)
	for _, line := range lines {
		if strings.Contains(line, busySignal) {
			return true
		}
	}
	return false
}

// DetectIdle reports whether the capture ends on a shell or agent
// prompt in the last five lines.
func DetectIdle(output string) bool {
	lines := tailLines(output, 5)
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.HasSuffix(trimmed, "❯") || trimmed == ">" || strings.HasSuffix(line, "> ") {
			return true
		}
	}
	return false
}

func tailLines(output string, n int) []string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
