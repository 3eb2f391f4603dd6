package plugin

import (
	"sync"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/config"
)

// Slot names a plugin category.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
	SlotTerminal  Slot = "terminal"
)

var knownSlots = map[Slot]bool{
	SlotRuntime: true, SlotAgent: true, SlotWorkspace: true, SlotTracker: true,
	SlotSCM: true, SlotNotifier: true, SlotTerminal: true,
}

// Registry is the process-wide slotted plugin map. It owns plugin
// instance lifetime; instances are registered at startup and torn down
// with the process.
type Registry struct {
	mu    sync.RWMutex
	slots map[Slot]map[string]interface{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[Slot]map[string]interface{})}
}

// Register places an instance under a slot and name. Re-registering a
// name is a conflict.
func (r *Registry) Register(slot Slot, name string, instance interface{}) error {
	if !knownSlots[slot] {
		return apperrors.InvalidInput("unknown plugin slot %q", slot)
	}
	if name == "" {
		return apperrors.InvalidInput("plugin name is required")
	}
	if err := r.checkType(slot, instance); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[slot] == nil {
		r.slots[slot] = make(map[string]interface{})
	}
	if _, exists := r.slots[slot][name]; exists {
		return apperrors.Conflict("plugin %s/%s already registered", slot, name)
	}
	r.slots[slot][name] = instance
	return nil
}

// checkType fails loud at registration rather than at first use.
func (r *Registry) checkType(slot Slot, instance interface{}) error {
	ok := false
	switch slot {
	case SlotRuntime:
		_, ok = instance.(Runtime)
	case SlotAgent:
		_, ok = instance.(Agent)
	case SlotWorkspace:
		_, ok = instance.(Workspace)
	case SlotTracker:
		_, ok = instance.(Tracker)
	case SlotSCM:
		_, ok = instance.(SCM)
	case SlotNotifier:
		_, ok = instance.(Notifier)
	case SlotTerminal:
		_, ok = instance.(Terminal)
	}
	if !ok {
		return apperrors.InvalidInput("instance does not implement the %s contract", slot)
	}
	return nil
}

func (r *Registry) get(slot Slot, name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.slots[slot][name]
	if !ok {
		return nil, apperrors.NotFound(string(slot)+" plugin", name)
	}
	return instance, nil
}

// List returns the registered names for a slot, unordered.
func (r *Registry) List(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots[slot]))
	for name := range r.slots[slot] {
		names = append(names, name)
	}
	return names
}

// Runtime resolves a runtime plugin by name.
func (r *Registry) Runtime(name string) (Runtime, error) {
	instance, err := r.get(SlotRuntime, name)
	if err != nil {
		return nil, err
	}
	return instance.(Runtime), nil
}

// Agent resolves an agent plugin by name.
func (r *Registry) Agent(name string) (Agent, error) {
	instance, err := r.get(SlotAgent, name)
	if err != nil {
		return nil, err
	}
	return instance.(Agent), nil
}

// Workspace resolves a workspace plugin by name.
func (r *Registry) Workspace(name string) (Workspace, error) {
	instance, err := r.get(SlotWorkspace, name)
	if err != nil {
		return nil, err
	}
	return instance.(Workspace), nil
}

// Tracker resolves a tracker plugin by name.
func (r *Registry) Tracker(name string) (Tracker, error) {
	instance, err := r.get(SlotTracker, name)
	if err != nil {
		return nil, err
	}
	return instance.(Tracker), nil
}

// SCM resolves an SCM plugin by name.
func (r *Registry) SCM(name string) (SCM, error) {
	instance, err := r.get(SlotSCM, name)
	if err != nil {
		return nil, err
	}
	return instance.(SCM), nil
}

// Notifier resolves a notifier plugin by name.
func (r *Registry) Notifier(name string) (Notifier, error) {
	instance, err := r.get(SlotNotifier, name)
	if err != nil {
		return nil, err
	}
	return instance.(Notifier), nil
}

// Terminal resolves a terminal plugin by name.
func (r *Registry) Terminal(name string) (Terminal, error) {
	instance, err := r.get(SlotTerminal, name)
	if err != nil {
		return nil, err
	}
	return instance.(Terminal), nil
}

// hard-coded fallbacks used when neither the project nor the config
// defaults name a plugin.
const (
	fallbackRuntime   = "tmux"
	fallbackAgent     = "claude"
	fallbackWorkspace = "worktree"
	fallbackTracker   = "github"
	fallbackSCM       = "github"
)

// Resolver picks plugins per project: project override first, then the
// config default, then the hard-coded default. Unknown names fail loud.
type Resolver struct {
	registry *Registry
	cfg      *config.Config
}

// NewResolver builds a resolver over a registry and config.
func NewResolver(registry *Registry, cfg *config.Config) *Resolver {
	return &Resolver{registry: registry, cfg: cfg}
}

func (res *Resolver) pick(projectValue, defaultValue, fallback string) string {
	if projectValue != "" {
		return projectValue
	}
	if defaultValue != "" {
		return defaultValue
	}
	return fallback
}

func (res *Resolver) project(projectID string) config.ProjectConfig {
	return res.cfg.Projects[projectID]
}

// RuntimeFor resolves the runtime plugin for a project.
func (res *Resolver) RuntimeFor(projectID string) (Runtime, error) {
	p := res.project(projectID)
	return res.registry.Runtime(res.pick(p.Runtime, res.cfg.Defaults.Runtime, fallbackRuntime))
}

// AgentFor resolves the agent plugin for a project, honoring an
// explicit override name when non-empty.
func (res *Resolver) AgentFor(projectID, override string) (Agent, error) {
	if override != "" {
		return res.registry.Agent(override)
	}
	p := res.project(projectID)
	return res.registry.Agent(res.pick(p.Agent, res.cfg.Defaults.Agent, fallbackAgent))
}

// WorkspaceFor resolves the workspace plugin for a project.
func (res *Resolver) WorkspaceFor(projectID string) (Workspace, error) {
	p := res.project(projectID)
	return res.registry.Workspace(res.pick(p.Workspace, res.cfg.Defaults.Workspace, fallbackWorkspace))
}

// TrackerFor resolves the tracker plugin for a project.
func (res *Resolver) TrackerFor(projectID string) (Tracker, error) {
	p := res.project(projectID)
	return res.registry.Tracker(res.pick(p.Tracker, "", fallbackTracker))
}

// SCMFor resolves the SCM plugin for a project.
func (res *Resolver) SCMFor(projectID string) (SCM, error) {
	p := res.project(projectID)
	return res.registry.SCM(res.pick(p.SCM, "", fallbackSCM))
}

// NotifiersFor resolves the notifier instances configured for a
// priority through the routing table. Unknown names are skipped by the
// caller's policy; here they fail loud.
func (res *Resolver) NotifiersFor(priority string) ([]Notifier, error) {
	names := res.cfg.Routing(priority)
	notifiers := make([]Notifier, 0, len(names))
	for _, name := range names {
		n, err := res.registry.Notifier(name)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}
