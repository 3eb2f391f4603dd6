package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	return s
}

func TestReserveIsExclusive(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Reserve("ao-1"))
	err := s.Reserve("ao-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestReserveConcurrent(t *testing.T) {
	s := newTestStore(t)

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve("ao-9") == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent Reserve must win")
}

func TestInvalidIDNeverTouchesFilesystem(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"../escape", "a/b", "", "a b"} {
		assert.True(t, errors.Is(s.Reserve(id), apperrors.ErrInvalidInput), id)
		assert.True(t, errors.Is(s.Write(id, map[string]string{"k": "v"}), apperrors.ErrInvalidInput), id)
		_, err := s.ReadRaw(id)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput), id)
	}

	dirents, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, dirents, 1)
	assert.Equal(t, "archive", dirents[0].Name())
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("ao-1", map[string]string{
		"status":   "working",
		"branch":   "fix/INT-42",
		"project":  "api",
		"empty":    "",
		"pr":       `{"number":12}`,
		"worktree": "/tmp/wt/ao-1",
	}))

	raw, err := s.ReadRaw("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "working", raw["status"])
	assert.Equal(t, `{"number":12}`, raw["pr"])
	_, hasEmpty := raw["empty"]
	assert.False(t, hasEmpty, "empty values are omitted")
}

func TestWriteOrderIsStable(t *testing.T) {
	s := newTestStore(t)
	values := map[string]string{
		"zzz":     "last",
		"status":  "working",
		"branch":  "main",
		"project": "api",
	}
	require.NoError(t, s.Write("ao-1", values))
	first, err := os.ReadFile(filepath.Join(s.Dir(), "ao-1"))
	require.NoError(t, err)

	require.NoError(t, s.Write("ao-1", values))
	second, err := os.ReadFile(filepath.Join(s.Dir(), "ao-1"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	// Recognized keys come in declaration order, extras trail.
	content := string(first)
	assert.Regexp(t, `(?s)branch=.*status=.*project=.*zzz=`, content)
}

func TestValuesMayContainEquals(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("ao-1", map[string]string{
		"escalationState": "ci-failed=2@2026-08-26T10:00:00Z",
	}))
	raw, err := s.ReadRaw("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "ci-failed=2@2026-08-26T10:00:00Z", raw["escalationState"])
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), "ao-1")
	require.NoError(t, os.WriteFile(path, []byte("# a comment\n\nstatus=working\n  # indented comment\n"), 0o644))

	raw, err := s.ReadRaw("ao-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "working"}, raw)
}

func TestUpdateMergesAndRemoves(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("ao-1", map[string]string{"status": "working", "issue": "INT-1"}))

	require.NoError(t, s.Update("ao-1", map[string]string{
		"status": "pr_open",
		"issue":  "", // removal
		"pr":     `{"number":3}`,
	}))

	raw, err := s.ReadRaw("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "pr_open", raw["status"])
	assert.Equal(t, `{"number":3}`, raw["pr"])
	_, hasIssue := raw["issue"]
	assert.False(t, hasIssue)
}

func TestTypedProjection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("ao-1", map[string]string{
		"status":          "pr_open",
		"dashboardPort":   "8321",
		"planVersion":     "2",
		"planStatus":      "validated",
		"verifierVerdict": "passed",
	}))
	rec, err := s.Read("ao-1")
	require.NoError(t, err)
	assert.Equal(t, 8321, rec.DashboardPort)
	assert.Equal(t, 2, rec.PlanVersion)
	assert.Equal(t, "validated", rec.PlanStatus)
	assert.Equal(t, "passed", rec.VerifierVerdict)

	// Out-of-whitelist values project to zero values.
	require.NoError(t, s.Update("ao-1", map[string]string{
		"planStatus":      "bogus",
		"verifierVerdict": "maybe",
		"dashboardPort":   "not-a-port",
	}))
	rec, err = s.Read("ao-1")
	require.NoError(t, err)
	assert.Empty(t, rec.PlanStatus)
	assert.Empty(t, rec.VerifierVerdict)
	assert.Zero(t, rec.DashboardPort)
}

func TestDeleteArchivesAndLatestArchiveWins(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("ao-1", map[string]string{"status": "done", "summary": "first"}))
	require.NoError(t, s.Delete("ao-1", true))

	require.NoError(t, s.Write("ao-1", map[string]string{"status": "done", "summary": "second"}))
	require.NoError(t, s.Delete("ao-1", true))

	raw, err := s.ReadArchivedRaw("ao-1")
	require.NoError(t, err)
	assert.Equal(t, "second", raw["summary"])

	_, err = s.ReadRaw("ao-1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestArchivePrefixCollision(t *testing.T) {
	s := newTestStore(t)

	// "ao-1b"'s archives must not satisfy lookups for "ao-1".
	require.NoError(t, s.Write("ao-1b", map[string]string{"status": "done"}))
	require.NoError(t, s.Delete("ao-1b", true))

	_, err := s.ReadArchivedRaw("ao-1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestListSkipsArchiveAndDotfiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("ao-1", map[string]string{"status": "working"}))
	require.NoError(t, s.Write("ao-2", map[string]string{"status": "working"}))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".hidden"), []byte("x=y\n"), 0o644))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ao-1", entries[0].ID)
	assert.Equal(t, "ao-2", entries[1].ID)
}

func TestDeleteWithoutArchive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("ao-1", map[string]string{"status": "done"}))
	require.NoError(t, s.Delete("ao-1", false))

	_, err := s.ReadArchivedRaw("ao-1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
