// Package plan stores versioned plan artifacts per session. Artifacts
// are pretty-printed JSON files under sessions/plans/<sessionId>/, and
// the owning session's metadata always points at the current one. At
// most one artifact per session is non-superseded at a time.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/identity"
	"github.com/agentorch/orchestrator/internal/metadata"
)

// Status enumerates plan artifact statuses.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidated  Status = "validated"
	StatusSuperseded Status = "superseded"
)

func validStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusValidated, StatusSuperseded:
		return true
	}
	return false
}

// Artifact is the on-disk plan file.
type Artifact struct {
	PlanID      string          `json:"planId"`
	PlanVersion int             `json:"planVersion"`
	PlanStatus  Status          `json:"planStatus"`
	PlanPath    string          `json:"planPath"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Blob        json.RawMessage `json:"blob"`
}

// WriteRequest carries the inputs to WriteBlob.
type WriteRequest struct {
	PlanID      string
	PlanVersion int
	PlanStatus  Status // defaults to draft
	Blob        json.RawMessage
}

// Store owns plan artifacts for one project. Plan artifacts are
// updated only through this API.
type Store struct {
	sessionsDir string
	meta        *metadata.Store
	now         func() time.Time
}

// NewStore creates a plan store rooted at the project's sessions dir.
func NewStore(sessionsDir string, meta *metadata.Store) *Store {
	return &Store{sessionsDir: sessionsDir, meta: meta, now: time.Now}
}

func (s *Store) plansDir() string {
	return filepath.Join(s.sessionsDir, "plans")
}

// relPath builds the artifact path relative to the sessions dir, and
// refuses anything that resolves outside it (crafted plan ids).
func (s *Store) relPath(sessionID, planID string, version int) (string, error) {
	if err := identity.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if planID == "" {
		return "", apperrors.InvalidInput("plan id is required")
	}
	if strings.ContainsAny(planID, `/\`) || strings.Contains(planID, "..") || strings.HasPrefix(planID, ".") {
		return "", apperrors.InvalidInput("invalid plan id %q", planID)
	}
	if version < 1 {
		return "", apperrors.InvalidInput("plan version must be >= 1, got %d", version)
	}
	rel := filepath.Join("plans", sessionID, fmt.Sprintf("%s.v%d.json", planID, version))
	if err := s.confine(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// confine verifies a stored or derived plan path stays inside the
// sessions directory once resolved.
func (s *Store) confine(rel string) error {
	base, err := filepath.Abs(s.sessionsDir)
	if err != nil {
		return apperrors.IOFailure("resolve sessions dir", err)
	}
	resolved, err := filepath.Abs(filepath.Join(base, rel))
	if err != nil {
		return apperrors.IOFailure("resolve plan path", err)
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return apperrors.InvalidInput("plan path %q escapes the project state directory", rel)
	}
	// The plans subtree only; a plan path must never alias a metadata file.
	plans := filepath.Join(base, "plans")
	if !strings.HasPrefix(resolved, plans+string(filepath.Separator)) {
		return apperrors.InvalidInput("plan path %q is outside the plans directory", rel)
	}
	return nil
}

// WriteBlob validates the request, supersedes the previously-current
// artifact when it differs by path, id, or version, writes the new
// artifact (preserving createdAt on rewrite), and patches the session
// metadata to point at it.
func (s *Store) WriteBlob(sessionID string, req WriteRequest) (*Artifact, error) {
	status := req.PlanStatus
	if status == "" {
		status = StatusDraft
	}
	if !validStatus(status) {
		return nil, apperrors.InvalidInput("unknown plan status %q", status)
	}
	rel, err := s.relPath(sessionID, req.PlanID, req.PlanVersion)
	if err != nil {
		return nil, err
	}

	rec, err := s.meta.Read(sessionID)
	if err != nil {
		return nil, err
	}

	// Supersede the previously-current artifact if it is a different one.
	if rec.PlanPath != "" && rec.PlanStatus != string(StatusSuperseded) {
		differs := rec.PlanPath != rel || rec.PlanID != req.PlanID || rec.PlanVersion != req.PlanVersion
		if differs {
			if err := s.confine(rec.PlanPath); err == nil {
				if prev, readErr := s.readArtifact(rec.PlanPath); readErr == nil {
					prev.PlanStatus = StatusSuperseded
					prev.UpdatedAt = s.now().UTC()
					if err := s.writeArtifact(rec.PlanPath, prev); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	now := s.now().UTC()
	artifact := &Artifact{
		PlanID:      req.PlanID,
		PlanVersion: req.PlanVersion,
		PlanStatus:  status,
		PlanPath:    rel,
		CreatedAt:   now,
		UpdatedAt:   now,
		Blob:        req.Blob,
	}
	// A rewrite of the same path keeps the original creation time.
	if existing, err := s.readArtifact(rel); err == nil && !existing.CreatedAt.IsZero() {
		artifact.CreatedAt = existing.CreatedAt
	}

	if err := s.writeArtifact(rel, artifact); err != nil {
		return nil, err
	}

	if err := s.meta.Update(sessionID, map[string]string{
		"planId":      req.PlanID,
		"planVersion": fmt.Sprintf("%d", req.PlanVersion),
		"planStatus":  string(status),
		"planPath":    rel,
	}); err != nil {
		return nil, err
	}
	return artifact, nil
}

// ReadBlob resolves the session's current artifact via its metadata.
func (s *Store) ReadBlob(sessionID string) (*Artifact, error) {
	rec, err := s.meta.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.PlanPath == "" {
		return nil, apperrors.NotFound("plan for session", sessionID)
	}
	if err := s.confine(rec.PlanPath); err != nil {
		return nil, err
	}
	return s.readArtifact(rec.PlanPath)
}

// UpdateStatus mutates both the current artifact and the metadata.
func (s *Store) UpdateStatus(sessionID string, status Status) error {
	if !validStatus(status) {
		return apperrors.InvalidInput("unknown plan status %q", status)
	}
	artifact, err := s.ReadBlob(sessionID)
	if err != nil {
		return err
	}
	artifact.PlanStatus = status
	artifact.UpdatedAt = s.now().UTC()
	if err := s.writeArtifact(artifact.PlanPath, artifact); err != nil {
		return err
	}
	return s.meta.Update(sessionID, map[string]string{"planStatus": string(status)})
}

func (s *Store) readArtifact(rel string) (*Artifact, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionsDir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("plan artifact", rel)
		}
		return nil, apperrors.IOFailure("read plan artifact", err)
	}
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, apperrors.IOFailure("parse plan artifact", err)
	}
	return &artifact, nil
}

func (s *Store) writeArtifact(rel string, artifact *Artifact) error {
	path := filepath.Join(s.sessionsDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.IOFailure("create plan directory", err)
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return apperrors.IOFailure("encode plan artifact", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return apperrors.IOFailure("write plan artifact", err)
	}
	return nil
}
