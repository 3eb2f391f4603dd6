package tmuxrt

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

type call struct {
	args  []string
	stdin string
}

type fakeRunner struct {
	calls  []call
	output map[string]string // keyed by subcommand
	fail   map[string]string // subcommand -> error output
}

func (f *fakeRunner) run(ctx context.Context, args ...string) (string, error) {
	return f.runInput(ctx, "", args...)
}

func (f *fakeRunner) runInput(_ context.Context, stdin string, args ...string) (string, error) {
	f.calls = append(f.calls, call{args: args, stdin: stdin})
	if out, ok := f.fail[args[0]]; ok {
		return out, errors.New("exit status 1")
	}
	return f.output[args[0]], nil
}

func (f *fakeRunner) argsFor(sub string) [][]string {
	var out [][]string
	for _, c := range f.calls {
		if c.args[0] == sub {
			out = append(out, c.args)
		}
	}
	return out
}

func newTestRuntime(f *fakeRunner) *Runtime {
	r := New(logger.Default())
	r.runner = f
	return r
}

func TestCreateLaunchesCommand(t *testing.T) {
	f := &fakeRunner{}
	r := newTestRuntime(f)

	handle, err := r.Create(context.Background(), plugin.SessionSpec{
		Name:    "a1b2c3-api-1",
		WorkDir: "/work/api-1",
		Command: "claude --continue",
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3-api-1", handle.ID)
	assert.Equal(t, "tmux", handle.RuntimeName)

	created := f.argsFor("new-session")
	require.Len(t, created, 1)
	assert.Equal(t, []string{
		"new-session", "-d", "-s", "a1b2c3-api-1", "-c", "/work/api-1",
		"-e", "A=1", "-e", "B=2",
	}, created[0])

	keys := f.argsFor("send-keys")
	require.Len(t, keys, 2, "command then Enter")
	assert.Equal(t, "claude --continue", keys[0][len(keys[0])-1])
	assert.Equal(t, "Enter", keys[1][len(keys[1])-1])
}

func TestCreateFailureSurfacesOutput(t *testing.T) {
	f := &fakeRunner{fail: map[string]string{"new-session": "duplicate session: a1b2c3-api-1"}}
	r := newTestRuntime(f)

	_, err := r.Create(context.Background(), plugin.SessionSpec{Name: "a1b2c3-api-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate session")
}

func TestDestroyToleratesMissingSession(t *testing.T) {
	f := &fakeRunner{fail: map[string]string{"kill-session": "can't find session: a1b2c3-api-1"}}
	r := newTestRuntime(f)
	assert.NoError(t, r.Destroy(context.Background(), &plugin.RuntimeHandle{ID: "a1b2c3-api-1"}))

	f = &fakeRunner{fail: map[string]string{"kill-session": "server exited unexpectedly"}}
	r = newTestRuntime(f)
	assert.Error(t, r.Destroy(context.Background(), &plugin.RuntimeHandle{ID: "a1b2c3-api-1"}))
}

func TestSendMessageSequence(t *testing.T) {
	f := &fakeRunner{}
	r := newTestRuntime(f)
	handle := &plugin.RuntimeHandle{ID: "a1b2c3-api-1"}

	require.NoError(t, r.SendMessage(context.Background(), handle, "fix the tests"))

	require.Len(t, f.calls, 3)
	assert.Equal(t, "C-u", f.calls[0].args[len(f.calls[0].args)-1])
	assert.Equal(t, "fix the tests", f.calls[1].args[len(f.calls[1].args)-1])
	assert.Contains(t, f.calls[1].args, "-l", "text is sent literally")
	assert.Equal(t, "Enter", f.calls[2].args[len(f.calls[2].args)-1])
}

func TestGetOutputDefaultsLines(t *testing.T) {
	f := &fakeRunner{output: map[string]string{"capture-pane": "ready\n❯ "}}
	r := newTestRuntime(f)
	handle := &plugin.RuntimeHandle{ID: "a1b2c3-api-1"}

	out, err := r.GetOutput(context.Background(), handle, 0)
	require.NoError(t, err)
	assert.Equal(t, "ready\n❯ ", out)
	assert.Equal(t, []string{"capture-pane", "-p", "-t", "a1b2c3-api-1", "-S", "-40"}, f.calls[0].args)

	_, err = r.GetOutput(context.Background(), handle, 120)
	require.NoError(t, err)
	assert.Equal(t, "-120", f.calls[1].args[len(f.calls[1].args)-1])
}

func TestIsAlive(t *testing.T) {
	r := newTestRuntime(&fakeRunner{})
	assert.True(t, r.IsAlive(context.Background(), &plugin.RuntimeHandle{ID: "x"}))

	r = newTestRuntime(&fakeRunner{fail: map[string]string{"has-session": "can't find session"}})
	assert.False(t, r.IsAlive(context.Background(), &plugin.RuntimeHandle{ID: "x"}))
}

func TestListNames(t *testing.T) {
	f := &fakeRunner{output: map[string]string{"list-sessions": "a1b2c3-api-1\na1b2c3-api-2\n\n"}}
	r := newTestRuntime(f)

	names, err := r.ListNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1b2c3-api-1", "a1b2c3-api-2"}, names)

	r = newTestRuntime(&fakeRunner{fail: map[string]string{"list-sessions": "no server running on /tmp/tmux-0/default"}})
	names, err = r.ListNames(context.Background())
	require.NoError(t, err)
	assert.Nil(t, names, "no server means no sessions")
}

func TestPasteTextUsesNamedBuffer(t *testing.T) {
	f := &fakeRunner{}
	r := newTestRuntime(f)
	handle := &plugin.RuntimeHandle{ID: "a1b2c3-api-1"}
	long := strings.Repeat("line\n", 50)

	require.NoError(t, r.PasteText(context.Background(), handle, "buf-1", long))

	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"load-buffer", "-b", "buf-1", "-"}, f.calls[0].args)
	assert.Equal(t, long, f.calls[0].stdin)
	assert.Equal(t, []string{"paste-buffer", "-dp", "-b", "buf-1", "-t", "a1b2c3-api-1"}, f.calls[1].args)
}
