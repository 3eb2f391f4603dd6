// Package procrt implements the runtime contract on local processes
// under a PTY. Sessions do not survive an orchestrator restart, which
// makes this runtime a fit for tests and one-shot local work rather
// than long-running fleets.
package procrt

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

const (
	// maxBuffer bounds the retained output per session.
	maxBuffer = 64 * 1024

	ptyCols = 200
	ptyRows = 50
)

type proc struct {
	cmd *exec.Cmd
	pty *os.File

	mu     sync.Mutex
	buf    []byte
	exited bool
}

func (p *proc) appendOutput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, data...)
	if len(p.buf) > maxBuffer {
		p.buf = p.buf[len(p.buf)-maxBuffer:]
	}
}

func (p *proc) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

func (p *proc) markExited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}

func (p *proc) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Runtime runs agents as local PTY processes.
type Runtime struct {
	mu    sync.Mutex
	procs map[string]*proc

	logger *logger.Logger
}

// New creates the process runtime plugin.
func New(log *logger.Logger) *Runtime {
	return &Runtime{
		procs:  make(map[string]*proc),
		logger: log.WithFields(zap.String("component", "proc-runtime")),
	}
}

func (r *Runtime) Name() string { return "proc" }

// Create starts the command under a fresh PTY and begins capturing its
// output.
func (r *Runtime) Create(_ context.Context, spec plugin.SessionSpec) (*plugin.RuntimeHandle, error) {
	command := spec.Command
	if command == "" {
		command = "sh"
	}
	cmd := exec.Command("sh", "-lc", command)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: ptyCols, Rows: ptyRows})
	if err != nil {
		return nil, apperrors.PluginFailure("proc", err)
	}

	p := &proc{cmd: cmd, pty: f}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				p.appendOutput(buf[:n])
			}
			if err != nil {
				break
			}
		}
		_ = cmd.Wait()
		p.markExited()
	}()

	r.mu.Lock()
	r.procs[spec.Name] = p
	r.mu.Unlock()

	r.logger.Info("process started",
		zap.String("name", spec.Name), zap.Int("pid", cmd.Process.Pid))
	return &plugin.RuntimeHandle{ID: spec.Name, RuntimeName: "proc"}, nil
}

func (r *Runtime) lookup(handle *plugin.RuntimeHandle) (*proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[handle.ID]
	if !ok {
		return nil, apperrors.NotFound("process session", handle.ID)
	}
	return p, nil
}

func (r *Runtime) Destroy(_ context.Context, handle *plugin.RuntimeHandle) error {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	delete(r.procs, handle.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_ = p.pty.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

func (r *Runtime) SendMessage(ctx context.Context, handle *plugin.RuntimeHandle, text string) error {
	if err := r.SendKeys(ctx, handle, text); err != nil {
		return err
	}
	return r.SendEnter(ctx, handle)
}

// GetOutput returns the last n lines of the capture buffer.
func (r *Runtime) GetOutput(_ context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	p, err := r.lookup(handle)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 40
	}
	return tail(p.output(), lines), nil
}

func (r *Runtime) IsAlive(_ context.Context, handle *plugin.RuntimeHandle) bool {
	r.mu.Lock()
	p, ok := r.procs[handle.ID]
	r.mu.Unlock()
	return ok && p.alive()
}

// ListNames returns the sessions this process currently holds.
func (r *Runtime) ListNames(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	return names, nil
}

func (r *Runtime) SendKeys(_ context.Context, handle *plugin.RuntimeHandle, keys string) error {
	p, err := r.lookup(handle)
	if err != nil {
		return err
	}
	if _, err := p.pty.Write([]byte(keys)); err != nil {
		return apperrors.PluginFailure("proc", err)
	}
	return nil
}

func (r *Runtime) SendEnter(ctx context.Context, handle *plugin.RuntimeHandle) error {
	return r.SendKeys(ctx, handle, "\r")
}

// ClearInput wipes the pending input line with ctrl-U.
func (r *Runtime) ClearInput(ctx context.Context, handle *plugin.RuntimeHandle) error {
	return r.SendKeys(ctx, handle, "\x15")
}

// PasteText wraps the text in a bracketed paste so multi-line content
// lands as one input.
func (r *Runtime) PasteText(ctx context.Context, handle *plugin.RuntimeHandle, _ string, text string) error {
	return r.SendKeys(ctx, handle, "\x1b[200~"+text+"\x1b[201~")
}

// Attach bridges the caller's terminal to the PTY until the context
// ends or the process exits.
func (r *Runtime) Attach(ctx context.Context, handle *plugin.RuntimeHandle) error {
	p, err := r.lookup(handle)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, p.pty)
		close(done)
	}()
	go func() {
		_, _ = io.Copy(p.pty, os.Stdin)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// tail keeps the trailing n lines of a capture.
func tail(output string, n int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= n {
		return output
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

var _ interface {
	plugin.Runtime
	plugin.Typist
	plugin.NameLister
	plugin.Attacher
} = (*Runtime)(nil)
