package plan

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/metadata"
)

func newTestStore(t *testing.T) (*Store, *metadata.Store) {
	t.Helper()
	sessionsDir := filepath.Join(t.TempDir(), "sessions")
	meta, err := metadata.NewStore(sessionsDir)
	require.NoError(t, err)
	require.NoError(t, meta.Write("ao-1", map[string]string{"status": "working", "project": "api"}))
	return NewStore(sessionsDir, meta), meta
}

func TestWriteAndReadBlob(t *testing.T) {
	s, meta := newTestStore(t)

	blob := json.RawMessage(`{"tasks":[{"id":"t1","state":"pending"}]}`)
	artifact, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: blob})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, artifact.PlanStatus)
	assert.Equal(t, filepath.Join("plans", "ao-1", "plan-a.v1.json"), artifact.PlanPath)

	got, err := s.ReadBlob("ao-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(got.Blob))

	rec, err := meta.Read("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "plan-a", rec.PlanID)
	assert.Equal(t, 1, rec.PlanVersion)
	assert.Equal(t, "draft", rec.PlanStatus)
}

func TestSupersedeRule(t *testing.T) {
	s, meta := newTestStore(t)

	_, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 2, Blob: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// The prior artifact still exists on disk, now superseded.
	old, err := s.readArtifact(filepath.Join("plans", "ao-1", "plan-a.v1.json"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, old.PlanStatus)

	rec, err := meta.Read("ao-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PlanVersion)
	assert.Equal(t, filepath.Join("plans", "ao-1", "plan-a.v2.json"), rec.PlanPath)
}

func TestRewriteSamePlanKeepsCreatedAt(t *testing.T) {
	s, _ := newTestStore(t)

	first, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: json.RawMessage(`{"v":1}`)})
	require.NoError(t, err)

	second, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: json.RawMessage(`{"v":2}`)})
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.NotEqual(t, StatusSuperseded, second.PlanStatus)
}

func TestPathConfinement(t *testing.T) {
	s, _ := newTestStore(t)

	for _, planID := range []string{"../../escape", "..", "a/../../b", "/abs"} {
		_, err := s.WriteBlob("ao-1", WriteRequest{PlanID: planID, PlanVersion: 1, Blob: json.RawMessage(`{}`)})
		require.Error(t, err, planID)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), planID)
	}
}

func TestWriteBlobValidation(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "p", PlanVersion: 0, Blob: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = s.WriteBlob("ao-1", WriteRequest{PlanID: "", PlanVersion: 1, Blob: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = s.WriteBlob("bad/id", WriteRequest{PlanID: "p", PlanVersion: 1, Blob: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	_, err = s.WriteBlob("ao-1", WriteRequest{PlanID: "p", PlanVersion: 1, PlanStatus: "bogus", Blob: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	// Unknown session.
	_, err = s.WriteBlob("ao-404", WriteRequest{PlanID: "p", PlanVersion: 1, Blob: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestUpdateStatus(t *testing.T) {
	s, meta := newTestStore(t)

	_, err := s.WriteBlob("ao-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus("ao-1", StatusValidated))

	artifact, err := s.ReadBlob("ao-1")
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, artifact.PlanStatus)

	rec, err := meta.Read("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "validated", rec.PlanStatus)

	assert.True(t, errors.Is(s.UpdateStatus("ao-1", "nope"), apperrors.ErrInvalidInput))
}

func TestReadBlobWithoutPlan(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.ReadBlob("ao-1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
