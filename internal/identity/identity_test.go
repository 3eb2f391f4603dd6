package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

func TestHashOfStable(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")

	h1 := HashOf(cfg)
	h2 := HashOf(cfg)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 12)

	// Renaming the file within the same directory keeps the hash.
	assert.Equal(t, h1, HashOf(filepath.Join(dir, "other.yaml")))

	// A different directory yields a different hash.
	assert.NotEqual(t, h1, HashOf(filepath.Join(t.TempDir(), "config.yaml")))
}

func TestValidateSessionID(t *testing.T) {
	for _, id := range []string{"api-1", "AO_22", "x", "a-b_c-9"} {
		assert.NoError(t, ValidateSessionID(id), id)
	}
	for _, id := range []string{"", "a/b", "../x", "a b", "a.b", "a\x00b"} {
		err := ValidateSessionID(id)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	}
}

func TestDeriveSessionPrefix(t *testing.T) {
	tests := []struct {
		projectID string
		want      string
	}{
		{"api", "api"},
		{"Api2", "api2"},
		{"MyBigProject", "mbp"},
		{"agent-orchestrator", "ao"},
		{"my_cool_repo", "mcr"},
		{"website", "web"},
		{"ABCDE", "abc"}, // all caps, no lowercase: falls through to first three
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveSessionPrefix(tt.projectID), tt.projectID)
	}
}

func TestSessionAndTmuxNames(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")

	assert.Equal(t, "ao-3", SessionName("ao", 3))

	name := TmuxName(cfg, "ao", 7)
	hash, prefix, n, ok := ParseTmuxName(name)
	require.True(t, ok)
	assert.Equal(t, HashOf(cfg), hash)
	assert.Equal(t, "ao", prefix)
	assert.Equal(t, 7, n)
}

func TestParseTmuxNameRejectsForeign(t *testing.T) {
	for _, name := range []string{"", "plain", "abc-1", "main-window-0", "0123456789ab-", "0123456789ab--1", "0123456789ab-p-x"} {
		_, _, _, ok := ParseTmuxName(name)
		assert.False(t, ok, name)
	}
}

func TestParseTmuxNameMultiSegmentPrefix(t *testing.T) {
	hash, prefix, n, ok := ParseTmuxName("0123456789ab-my-app-12")
	require.True(t, ok)
	assert.Equal(t, "0123456789ab", hash)
	assert.Equal(t, "my-app", prefix)
	assert.Equal(t, 12, n)
}

func TestProjectPathsLayout(t *testing.T) {
	root := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	p := NewProjectPaths(root, cfg, "api")

	base := p.BaseDir()
	assert.Equal(t, filepath.Join(root, p.Hash+"-api"), base)
	assert.Equal(t, filepath.Join(base, "sessions"), p.SessionsDir())
	assert.Equal(t, filepath.Join(base, "sessions", "archive"), p.ArchiveDir())
	assert.Equal(t, filepath.Join(base, "sessions", "plans"), p.PlansDir())
	assert.Equal(t, filepath.Join(base, "worktrees"), p.WorktreesDir())
	assert.Equal(t, filepath.Join(base, ".origin"), p.OriginFile())
	assert.Equal(t, filepath.Join(base, "metrics", "outcome-transitions.jsonl"), p.MetricsFile())
}

func TestValidateAndStoreOrigin(t *testing.T) {
	base := filepath.Join(t.TempDir(), "proj")
	cfgDir := t.TempDir()
	cfgA := filepath.Join(cfgDir, "a.yaml")
	cfgB := filepath.Join(cfgDir, "b.yaml")

	require.NoError(t, ValidateAndStoreOrigin(base, cfgA))
	// Re-initializing with the same config is fine.
	require.NoError(t, ValidateAndStoreOrigin(base, cfgA))

	err := ValidateAndStoreOrigin(base, cfgB)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Contains(t, err.Error(), "Hash collision detected")
}
