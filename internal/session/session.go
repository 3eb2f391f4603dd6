// Package session owns the lifecycle of agent sessions: spawning them
// into isolated workspaces, tracking them through metadata, and
// delivering messages to their runtimes.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/events/bus"
	"github.com/agentorch/orchestrator/internal/identity"
	"github.com/agentorch/orchestrator/internal/metadata"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// Session is the enriched view of one agent session.
type Session struct {
	ID            string                    `json:"id"`
	ProjectID     string                    `json:"projectId"`
	Status        string                    `json:"status"`
	Branch        string                    `json:"branch,omitempty"`
	Worktree      string                    `json:"worktree,omitempty"`
	Issue         string                    `json:"issue,omitempty"`
	PR            string                    `json:"pr,omitempty"`
	Agent         string                    `json:"agent,omitempty"`
	Role          string                    `json:"role,omitempty"`
	TmuxName      string                    `json:"tmuxName,omitempty"`
	CreatedAt     string                    `json:"createdAt,omitempty"`
	Alive         bool                      `json:"alive"`
	Activity      *plugin.ActivityDetection `json:"activity,omitempty"`
	RuntimeHandle *plugin.RuntimeHandle     `json:"-"`
	Record        *metadata.Record          `json:"-"`
}

// Manager implements the session operations for all configured
// projects. One manager owns all per-project metadata stores.
type Manager struct {
	cfg      *config.Config
	root     string
	resolver *plugin.Resolver
	bus      bus.EventBus
	logger   *logger.Logger

	mu     sync.Mutex
	stores map[string]*metadata.Store
	paths  map[string]identity.ProjectPaths
}

// NewManager creates a session manager over the validated config.
func NewManager(cfg *config.Config, root string, resolver *plugin.Resolver, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		root:     root,
		resolver: resolver,
		bus:      eventBus,
		logger:   log,
		stores:   make(map[string]*metadata.Store),
		paths:    make(map[string]identity.ProjectPaths),
	}
}

// Paths returns the on-disk layout for a project, establishing the
// project directory and origin guard on first use.
func (m *Manager) Paths(projectID string) (identity.ProjectPaths, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pathsLocked(projectID)
}

func (m *Manager) pathsLocked(projectID string) (identity.ProjectPaths, error) {
	if p, ok := m.paths[projectID]; ok {
		return p, nil
	}
	if _, ok := m.cfg.Projects[projectID]; !ok {
		return identity.ProjectPaths{}, apperrors.NotFound("project", projectID)
	}
	p := identity.NewProjectPaths(m.root, m.cfg.ConfigPath, projectID)
	if err := identity.ValidateAndStoreOrigin(p.BaseDir(), m.cfg.ConfigPath); err != nil {
		return identity.ProjectPaths{}, err
	}
	m.paths[projectID] = p
	return p, nil
}

// Store returns the metadata store for a project, creating the
// sessions directory on first use.
func (m *Manager) Store(projectID string) (*metadata.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[projectID]; ok {
		return s, nil
	}
	p, err := m.pathsLocked(projectID)
	if err != nil {
		return nil, err
	}
	s, err := metadata.NewStore(p.SessionsDir())
	if err != nil {
		return nil, err
	}
	m.stores[projectID] = s
	return s, nil
}

// projectIDs returns the configured project ids, for cross-project
// lookups by bare session id.
func (m *Manager) projectIDs() []string {
	ids := make([]string, 0, len(m.cfg.Projects))
	for id := range m.cfg.Projects {
		ids = append(ids, id)
	}
	return ids
}

// locate finds which project a session id belongs to.
func (m *Manager) locate(sessionID string) (string, *metadata.Record, error) {
	if err := identity.ValidateSessionID(sessionID); err != nil {
		return "", nil, err
	}
	for _, projectID := range m.projectIDs() {
		store, err := m.Store(projectID)
		if err != nil {
			continue
		}
		rec, err := store.Read(sessionID)
		if err == nil {
			return projectID, rec, nil
		}
	}
	return "", nil, apperrors.NotFound("session", sessionID)
}

func decodeHandle(raw string) *plugin.RuntimeHandle {
	if raw == "" {
		return nil
	}
	var h plugin.RuntimeHandle
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil
	}
	return &h
}

func encodeHandle(h *plugin.RuntimeHandle) string {
	if h == nil {
		return ""
	}
	data, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(data)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
