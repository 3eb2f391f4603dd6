package session

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/events"
	"github.com/agentorch/orchestrator/internal/events/bus"
	"github.com/agentorch/orchestrator/internal/identity"
	"github.com/agentorch/orchestrator/internal/metadata"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// reserveRetries bounds how many candidate ids a spawn tries before
// giving up. The exclusive-create reservation makes each attempt
// race-free; retrying closes the gap between scan and reserve.
const reserveRetries = 5

// promptWarmup is how long a freshly started agent gets before the
// initial prompt is delivered.
const promptWarmup = 3 * time.Second

// SpawnRequest parameterizes a spawn.
type SpawnRequest struct {
	ProjectID string
	IssueID   string
	Agent     string
	Prompt    string
}

// Spawn creates a session: reserves an id, provisions a workspace,
// starts the agent under the project's runtime, and persists metadata.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	project, ok := m.cfg.Projects[req.ProjectID]
	if !ok {
		return nil, apperrors.NotFound("project", req.ProjectID)
	}
	return m.spawn(ctx, req, project, "", "")
}

// SpawnOrchestrator starts a privileged session that works in the
// project's own checkout instead of an isolated workspace.
func (m *Manager) SpawnOrchestrator(ctx context.Context, projectID, systemPrompt string) (*Session, error) {
	project, ok := m.cfg.Projects[projectID]
	if !ok {
		return nil, apperrors.NotFound("project", projectID)
	}
	return m.spawn(ctx, SpawnRequest{ProjectID: projectID, Prompt: systemPrompt}, project, "orchestrator", "")
}

// SpawnVerifier starts a verifier session inside another session's
// worktree. The verifier shares the worker's checkout; killing it never
// touches that workspace.
func (m *Manager) SpawnVerifier(ctx context.Context, worker *Session, agentOverride, prompt string) (*Session, error) {
	project, ok := m.cfg.Projects[worker.ProjectID]
	if !ok {
		return nil, apperrors.NotFound("project", worker.ProjectID)
	}
	if worker.Worktree == "" {
		return nil, apperrors.ContractViolation("session %q has no worktree to verify", worker.ID)
	}
	req := SpawnRequest{ProjectID: worker.ProjectID, Agent: agentOverride, Prompt: prompt}
	verifier, err := m.spawn(ctx, req, project, "verifier", worker.Worktree)
	if err != nil {
		return nil, err
	}
	store, err := m.Store(worker.ProjectID)
	if err != nil {
		return verifier, nil
	}
	if uerr := store.Update(verifier.ID, map[string]string{
		"verifierFor":    worker.ID,
		"verifierStatus": "pending",
	}); uerr != nil {
		m.logger.Warn("verifier linkage not persisted",
			zap.String("session_id", verifier.ID),
			zap.Error(uerr))
	}
	return verifier, nil
}

func (m *Manager) spawn(ctx context.Context, req SpawnRequest, project config.ProjectConfig, role, workDirOverride string) (*Session, error) {
	store, err := m.Store(req.ProjectID)
	if err != nil {
		return nil, err
	}
	paths, err := m.Paths(req.ProjectID)
	if err != nil {
		return nil, err
	}
	runtime, err := m.resolver.RuntimeFor(req.ProjectID)
	if err != nil {
		return nil, err
	}
	agent, err := m.resolver.AgentFor(req.ProjectID, req.Agent)
	if err != nil {
		return nil, err
	}

	prefix := project.SessionPrefix
	if prefix == "" {
		prefix = identity.DeriveSessionPrefix(req.ProjectID)
	}

	sessionID, n, err := m.reserveNext(ctx, store, runtime, prefix)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithSessionID(sessionID).WithProject(req.ProjectID)

	var branch string
	if req.IssueID != "" {
		tracker, terr := m.resolver.TrackerFor(req.ProjectID)
		if terr != nil {
			tracker = nil
		}
		branch = BranchFor(tracker, req.IssueID)
	} else {
		branch = sessionID
	}

	workDir := project.Path
	if workDirOverride != "" {
		workDir = workDirOverride
	}
	if role == "" {
		workspace, werr := m.resolver.WorkspaceFor(req.ProjectID)
		if werr != nil {
			m.abandonReservation(store, sessionID)
			return nil, werr
		}
		info, werr := workspace.Create(ctx, plugin.WorkspaceSpec{
			SessionID:   sessionID,
			ProjectID:   req.ProjectID,
			ProjectPath: project.Path,
			BaseBranch:  project.DefaultBranch,
			Branch:      branch,
			BaseDir:     paths.WorktreesDir(),
			Symlinks:    project.Symlinks,
		})
		if werr != nil {
			m.abandonReservation(store, sessionID)
			return nil, apperrors.PluginFailure(workspace.Name(), werr)
		}
		workDir = info.Path
		if pc, ok := workspace.(plugin.PostCreator); ok {
			if perr := pc.PostCreate(ctx, info, project); perr != nil {
				log.Warn("postCreate failed", zap.Error(perr))
			}
		}
		if hooker, ok := agent.(plugin.WorkspaceHooker); ok {
			if herr := hooker.SetupWorkspaceHooks(workDir, project.AgentConfig); herr != nil {
				log.Warn("workspace hooks failed", zap.Error(herr))
			}
		}
	}

	launch := plugin.AgentLaunchSpec{
		SessionID:   sessionID,
		ProjectID:   req.ProjectID,
		WorkDir:     workDir,
		Prompt:      req.Prompt,
		AgentConfig: project.AgentConfig,
	}
	env := map[string]string{
		"AO_SESSION":    sessionID,
		"AO_PROJECT_ID": req.ProjectID,
		"AO_DATA_DIR":   paths.BaseDir(),
		strings.ToUpper(prefix) + "_SESSION": sessionID,
	}
	for k, v := range agent.GetEnvironment(launch) {
		env[k] = v
	}

	tmuxName := identity.TmuxName(m.cfg.ConfigPath, prefix, n)
	handle, err := runtime.Create(ctx, plugin.SessionSpec{
		SessionID: sessionID,
		ProjectID: req.ProjectID,
		Name:      tmuxName,
		WorkDir:   workDir,
		Command:   agent.GetLaunchCommand(launch),
		Env:       env,
	})
	if err != nil {
		m.destroyWorkspace(ctx, req.ProjectID, workDir, role)
		m.abandonReservation(store, sessionID)
		return nil, apperrors.PluginFailure(runtime.Name(), err)
	}

	values := map[string]string{
		"worktree":      workDir,
		"branch":        branch,
		"status":        "spawning",
		"tmuxName":      tmuxName,
		"project":       req.ProjectID,
		"agent":         agent.Name(),
		"createdAt":     nowStamp(),
		"runtimeHandle": encodeHandle(handle),
	}
	if req.IssueID != "" {
		values["issue"] = req.IssueID
	}
	if role != "" {
		values["role"] = role
	}
	if err := store.Write(sessionID, values); err != nil {
		// Runtime is up but unrecorded: tear it down before failing.
		_ = runtime.Destroy(ctx, handle)
		m.destroyWorkspace(ctx, req.ProjectID, workDir, role)
		m.abandonReservation(store, sessionID)
		return nil, err
	}

	if req.Prompt != "" {
		go m.deliverInitialPrompt(runtime, handle, sessionID, req.Prompt)
	}

	m.publish(ctx, events.BuildSessionSubject(events.SessionSpawned, sessionID), events.SessionSpawned, map[string]interface{}{
		"sessionId": sessionID,
		"projectId": req.ProjectID,
		"issueId":   req.IssueID,
		"role":      role,
	})
	log.Info("session spawned",
		zap.String("tmux_name", tmuxName),
		zap.String("branch", branch),
		zap.String("agent", agent.Name()))

	return &Session{
		ID:            sessionID,
		ProjectID:     req.ProjectID,
		Status:        "spawning",
		Branch:        branch,
		Worktree:      workDir,
		Issue:         req.IssueID,
		Agent:         agent.Name(),
		Role:          role,
		TmuxName:      tmuxName,
		CreatedAt:     values["createdAt"],
		Alive:         true,
		RuntimeHandle: handle,
	}, nil
}

// reserveNext scans existing names for the highest session number and
// claims the next free id with bounded retries.
func (m *Manager) reserveNext(ctx context.Context, store *metadata.Store, runtime plugin.Runtime, prefix string) (string, int, error) {
	n := m.nextNumber(ctx, store, runtime, prefix)
	for attempt := 0; attempt < reserveRetries; attempt++ {
		sessionID := identity.SessionName(prefix, n)
		err := store.Reserve(sessionID)
		if err == nil {
			return sessionID, n, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return "", 0, err
		}
		n++
	}
	return "", 0, apperrors.Conflict("could not reserve a session id with prefix %q after %d attempts", prefix, reserveRetries)
}

// nextNumber is max+1 over metadata names and live runtime names.
func (m *Manager) nextNumber(ctx context.Context, store *metadata.Store, runtime plugin.Runtime, prefix string) int {
	max := 0
	namePattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d+)$`)
	if entries, err := store.List(); err == nil {
		for _, e := range entries {
			if match := namePattern.FindStringSubmatch(e.ID); match != nil {
				if v, _ := strconv.Atoi(match[1]); v > max {
					max = v
				}
			}
		}
	}
	if lister, ok := runtime.(plugin.NameLister); ok {
		hash := identity.HashOf(m.cfg.ConfigPath)
		if names, err := lister.ListNames(ctx); err == nil {
			for _, name := range names {
				h, p, v, ok := identity.ParseTmuxName(name)
				if ok && h == hash && p == prefix && v > max {
					max = v
				}
			}
		}
	}
	return max + 1
}

func (m *Manager) abandonReservation(store *metadata.Store, sessionID string) {
	if err := store.Delete(sessionID, false); err != nil {
		m.logger.Warn("failed to release reserved session id",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (m *Manager) destroyWorkspace(ctx context.Context, projectID, workDir, role string) {
	// Only plain worker sessions own their workspace.
	if role != "" || workDir == "" {
		return
	}
	workspace, err := m.resolver.WorkspaceFor(projectID)
	if err != nil {
		return
	}
	if err := workspace.Destroy(ctx, workDir); err != nil {
		m.logger.Warn("failed to destroy partial workspace",
			zap.String("workspace", workDir),
			zap.Error(err))
	}
}

func (m *Manager) deliverInitialPrompt(runtime plugin.Runtime, handle *plugin.RuntimeHandle, sessionID, prompt string) {
	time.Sleep(promptWarmup)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runtime.SendMessage(ctx, handle, prompt); err != nil {
		m.logger.Warn("initial prompt delivery failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
