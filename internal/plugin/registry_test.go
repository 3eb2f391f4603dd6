package plugin

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

type fakeRuntime struct{ name string }

func (f *fakeRuntime) Name() string { return f.name }
func (f *fakeRuntime) Create(ctx context.Context, spec SessionSpec) (*RuntimeHandle, error) {
	return &RuntimeHandle{ID: spec.Name, RuntimeName: f.name}, nil
}
func (f *fakeRuntime) Destroy(ctx context.Context, handle *RuntimeHandle) error { return nil }
func (f *fakeRuntime) SendMessage(ctx context.Context, handle *RuntimeHandle, text string) error {
	return nil
}
func (f *fakeRuntime) GetOutput(ctx context.Context, handle *RuntimeHandle, lines int) (string, error) {
	return "", nil
}
func (f *fakeRuntime) IsAlive(ctx context.Context, handle *RuntimeHandle) bool { return false }

type fakeAgent struct{ name string }

func (f *fakeAgent) Name() string                                  { return f.name }
func (f *fakeAgent) GetLaunchCommand(spec AgentLaunchSpec) string  { return f.name }
func (f *fakeAgent) GetEnvironment(spec AgentLaunchSpec) map[string]string {
	return nil
}
func (f *fakeAgent) DetectActivity(capture string) ActivityState { return ActivityIdle }
func (f *fakeAgent) GetActivityState(view SessionView, readyThreshold time.Duration) *ActivityDetection {
	return nil
}
func (f *fakeAgent) IsProcessRunning(ctx context.Context, handle *RuntimeHandle) bool { return false }
func (f *fakeAgent) GetSessionInfo(ctx context.Context, view SessionView) map[string]string {
	return nil
}

type fakeNotifier struct{ name string }

func (f *fakeNotifier) Name() string                                { return f.name }
func (f *fakeNotifier) Notify(ctx context.Context, event Event) error { return nil }

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SlotRuntime, "tmux", &fakeRuntime{name: "tmux"}))

	rt, err := r.Runtime("tmux")
	require.NoError(t, err)
	assert.Equal(t, "tmux", rt.Name())
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SlotAgent, "claude", &fakeAgent{name: "claude"}))
	err := r.Register(SlotAgent, "claude", &fakeAgent{name: "claude"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestRegisterRejectsWrongContract(t *testing.T) {
	r := NewRegistry()
	err := r.Register(SlotRuntime, "claude", &fakeAgent{name: "claude"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestRegisterRejectsUnknownSlot(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Slot("widget"), "x", &fakeRuntime{name: "x"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestGetUnknownNameFailsLoud(t *testing.T) {
	r := NewRegistry()
	_, err := r.Runtime("missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SlotNotifier, "desktop", &fakeNotifier{name: "desktop"}))
	require.NoError(t, r.Register(SlotNotifier, "slack", &fakeNotifier{name: "slack"}))

	names := r.List(SlotNotifier)
	sort.Strings(names)
	assert.Equal(t, []string{"desktop", "slack"}, names)
	assert.Empty(t, r.List(SlotTerminal))
}

func resolverFixture(t *testing.T) (*Registry, *config.Config) {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(SlotRuntime, "tmux", &fakeRuntime{name: "tmux"}))
	require.NoError(t, r.Register(SlotRuntime, "docker", &fakeRuntime{name: "docker"}))
	require.NoError(t, r.Register(SlotAgent, "claude", &fakeAgent{name: "claude"}))
	require.NoError(t, r.Register(SlotAgent, "aider", &fakeAgent{name: "aider"}))
	require.NoError(t, r.Register(SlotNotifier, "slack", &fakeNotifier{name: "slack"}))
	cfg := &config.Config{
		Defaults: config.Defaults{Runtime: "tmux", Agent: "claude"},
		Projects: map[string]config.ProjectConfig{
			"api":    {Runtime: "docker", Agent: "aider"},
			"webapp": {},
		},
		NotificationRouting: map[string][]string{"info": {"slack"}},
	}
	return r, cfg
}

func TestResolverProjectOverrideWins(t *testing.T) {
	r, cfg := resolverFixture(t)
	res := NewResolver(r, cfg)

	rt, err := res.RuntimeFor("api")
	require.NoError(t, err)
	assert.Equal(t, "docker", rt.Name())

	a, err := res.AgentFor("api", "")
	require.NoError(t, err)
	assert.Equal(t, "aider", a.Name())
}

func TestResolverFallsBackToConfigDefault(t *testing.T) {
	r, cfg := resolverFixture(t)
	res := NewResolver(r, cfg)

	rt, err := res.RuntimeFor("webapp")
	require.NoError(t, err)
	assert.Equal(t, "tmux", rt.Name())
}

func TestResolverExplicitAgentOverride(t *testing.T) {
	r, cfg := resolverFixture(t)
	res := NewResolver(r, cfg)

	a, err := res.AgentFor("webapp", "aider")
	require.NoError(t, err)
	assert.Equal(t, "aider", a.Name())
}

func TestResolverUnknownPluginNameFailsLoud(t *testing.T) {
	r, cfg := resolverFixture(t)
	cfg.Projects["api"] = config.ProjectConfig{Runtime: "kubernetes"}
	res := NewResolver(r, cfg)

	_, err := res.RuntimeFor("api")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResolverNotifiersFor(t *testing.T) {
	r, cfg := resolverFixture(t)
	res := NewResolver(r, cfg)

	notifiers, err := res.NotifiersFor("info")
	require.NoError(t, err)
	require.Len(t, notifiers, 1)
	assert.Equal(t, "slack", notifiers[0].Name())

	// Default routing names notifiers that are not registered.
	_, err = res.NotifiersFor("urgent")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
