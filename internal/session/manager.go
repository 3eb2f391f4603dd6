package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/events"
	"github.com/agentorch/orchestrator/internal/metadata"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// terminalStatuses are the statuses after which a dead runtime means
// the session is eligible for cleanup.
var terminalStatuses = map[string]bool{
	"merged": true, "cleanup": true, "done": true,
	"terminated": true, "killed": true, "errored": true,
}

// List scans metadata for sessions, enriched with runtime liveness and
// agent-reported activity. An empty projectID lists every project.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Session, error) {
	projects := []string{projectID}
	if projectID == "" {
		projects = m.projectIDs()
	}

	var sessions []*Session
	for _, pid := range projects {
		store, err := m.Store(pid)
		if err != nil {
			if projectID == "" {
				continue
			}
			return nil, err
		}
		entries, err := store.List()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			rec, err := store.Read(entry.ID)
			if err != nil {
				continue
			}
			sessions = append(sessions, m.enrich(ctx, pid, rec))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ProjectID != sessions[j].ProjectID {
			return sessions[i].ProjectID < sessions[j].ProjectID
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Get returns a fresh enriched read of one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	projectID, rec, err := m.locate(sessionID)
	if err != nil {
		return nil, err
	}
	return m.enrich(ctx, projectID, rec), nil
}

// enrich overlays runtime liveness and agent activity onto a record.
// Introspection failures degrade to nulls rather than erroring.
func (m *Manager) enrich(ctx context.Context, projectID string, rec *metadata.Record) *Session {
	s := &Session{
		ID:            rec.ID,
		ProjectID:     projectID,
		Status:        rec.Status,
		Branch:        rec.Branch,
		Worktree:      rec.Worktree,
		Issue:         rec.Issue,
		PR:            rec.PR,
		Agent:         rec.Agent,
		Role:          rec.Role,
		TmuxName:      rec.TmuxName,
		CreatedAt:     rec.CreatedAt,
		RuntimeHandle: decodeHandle(rec.RuntimeHandle),
		Record:        rec,
	}
	if s.RuntimeHandle == nil {
		return s
	}

	runtime, err := m.resolver.RuntimeFor(projectID)
	if err != nil {
		return s
	}
	s.Alive = runtime.IsAlive(ctx, s.RuntimeHandle)
	if !s.Alive {
		if !terminalStatuses[s.Status] {
			s.Activity = &plugin.ActivityDetection{State: plugin.ActivityExited}
		}
		return s
	}

	agent, err := m.resolver.AgentFor(projectID, rec.Agent)
	if err != nil {
		return s
	}
	output, err := runtime.GetOutput(ctx, s.RuntimeHandle, 40)
	if err != nil {
		output = ""
	}
	view := plugin.SessionView{
		ID:             s.ID,
		Status:         s.Status,
		Output:         output,
		LastActivityAt: m.touchActivity(projectID, rec, output),
	}
	threshold := time.Duration(m.cfg.ReadyThresholdMs) * time.Millisecond
	if detection := agent.GetActivityState(view, threshold); detection != nil {
		s.Activity = detection
	}
	return s
}

// touchActivity stamps the last time the pane output changed. A short
// digest of the latest capture is persisted alongside the stamp so the
// next read can tell a quiet pane from a busy one.
func (m *Manager) touchActivity(projectID string, rec *metadata.Record, output string) time.Time {
	sum := sha256.Sum256([]byte(output))
	digest := hex.EncodeToString(sum[:8])
	if rec.OutputDigest == digest && rec.LastActivityAt != "" {
		if ts, err := time.Parse(time.RFC3339, rec.LastActivityAt); err == nil {
			return ts
		}
	}
	// Second precision so the stamp round-trips through RFC3339 exactly.
	now := time.Now().UTC().Truncate(time.Second)
	if store, err := m.Store(projectID); err == nil {
		if uerr := store.Update(rec.ID, map[string]string{
			"lastActivityAt": now.Format(time.RFC3339),
			"outputDigest":   digest,
		}); uerr != nil {
			m.logger.Warn("activity stamp not persisted",
				zap.String("session_id", rec.ID), zap.Error(uerr))
		}
	}
	return now
}

// Restore rebuilds the runtime handle for a session from metadata,
// re-attaching the workspace when it went missing.
func (m *Manager) Restore(ctx context.Context, sessionID string) (*Session, error) {
	projectID, rec, err := m.locate(sessionID)
	if err != nil {
		return nil, err
	}
	handle := decodeHandle(rec.RuntimeHandle)
	if handle == nil {
		return nil, apperrors.ContractViolation("session %q has no runtime handle to restore", sessionID)
	}

	runtime, err := m.resolver.RuntimeFor(projectID)
	if err != nil {
		return nil, err
	}
	if !runtime.IsAlive(ctx, handle) {
		return nil, apperrors.NotFound("live runtime for session", sessionID)
	}

	project := m.cfg.Projects[projectID]
	if rec.Worktree != "" && rec.Role == "" {
		workspace, werr := m.resolver.WorkspaceFor(projectID)
		if werr == nil && !workspace.Exists(ctx, rec.Worktree) {
			paths, perr := m.Paths(projectID)
			if perr == nil {
				spec := plugin.WorkspaceSpec{
					SessionID:   sessionID,
					ProjectID:   projectID,
					ProjectPath: project.Path,
					BaseBranch:  project.DefaultBranch,
					Branch:      rec.Branch,
					BaseDir:     paths.WorktreesDir(),
					Symlinks:    project.Symlinks,
				}
				if rerr := workspace.Restore(ctx, spec, rec.Worktree); rerr != nil {
					m.logger.Warn("workspace restore failed",
						zap.String("session_id", sessionID),
						zap.Error(rerr))
				}
			}
		}
	}

	m.publish(ctx, events.BuildSessionSubject(events.SessionRestored, sessionID), events.SessionRestored, map[string]interface{}{
		"sessionId": sessionID,
		"projectId": projectID,
	})
	return m.enrich(ctx, projectID, rec), nil
}

// Kill terminates the runtime, destroys the workspace (never for
// orchestrator sessions), and archives the metadata.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	projectID, rec, err := m.locate(sessionID)
	if err != nil {
		return err
	}
	store, err := m.Store(projectID)
	if err != nil {
		return err
	}
	log := m.logger.WithSessionID(sessionID).WithProject(projectID)

	if handle := decodeHandle(rec.RuntimeHandle); handle != nil {
		runtime, rerr := m.resolver.RuntimeFor(projectID)
		if rerr == nil {
			if derr := runtime.Destroy(ctx, handle); derr != nil {
				log.Warn("runtime destroy failed", zap.Error(derr))
			}
		}
	}
	// Orchestrator and verifier sessions run in checkouts they do not
	// own; never destroy those.
	if rec.Worktree != "" && rec.Role == "" {
		workspace, werr := m.resolver.WorkspaceFor(projectID)
		if werr == nil {
			if derr := workspace.Destroy(ctx, rec.Worktree); derr != nil {
				log.Warn("workspace destroy failed", zap.Error(derr))
			}
		}
	}
	if err := store.Delete(sessionID, true); err != nil {
		return err
	}

	m.publish(ctx, events.BuildSessionSubject(events.SessionKilled, sessionID), events.SessionKilled, map[string]interface{}{
		"sessionId": sessionID,
		"projectId": projectID,
	})
	log.Info("session killed")
	return nil
}

// Cleanup removes sessions whose runtime is dead and whose status is
// terminal. It returns the ids it removed.
func (m *Manager) Cleanup(ctx context.Context, projectID string) ([]string, error) {
	sessions, err := m.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, s := range sessions {
		if s.Alive || !terminalStatuses[s.Status] {
			continue
		}
		if err := m.Kill(ctx, s.ID); err != nil {
			m.logger.Warn("cleanup failed for session",
				zap.String("session_id", s.ID),
				zap.Error(err))
			continue
		}
		removed = append(removed, s.ID)
	}
	return removed, nil
}
