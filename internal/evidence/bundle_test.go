package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

func writeBundle(t *testing.T, dir string, complete bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	flag := "true"
	if !complete {
		flag = "false"
	}
	files := map[string]string{
		FileCommandLog:   `{"schemaVersion":"1","complete":` + flag + `,"entries":[{"command":"go test ./...","exitCode":0}]}`,
		FileTestsRun:     `{"schemaVersion":"1","complete":` + flag + `,"tests":[{"command":"go test ./...","status":"passed"}]}`,
		FileChangedPaths: `{"schemaVersion":"1","complete":` + flag + `,"paths":["internal/app/app.go"]}`,
		FileKnownRisks:   `{"schemaVersion":"1","complete":` + flag + `,"risks":[]}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestDirLayout(t *testing.T) {
	assert.Equal(t, filepath.Join("/w", ".ao", "evidence", "ao-1"), Dir("/w", "ao-1"))
}

func TestReadCompleteBundle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)

	b, err := Read(dir)
	require.NoError(t, err)
	assert.True(t, b.Complete())
	assert.Len(t, b.CommandLog.Entries, 1)
	assert.Equal(t, "passed", b.TestsRun.Tests[0].Status)
	assert.Equal(t, []string{"internal/app/app.go"}, b.ChangedPaths.Paths)
}

func TestIncompleteBundle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, false)

	b, err := Read(dir)
	require.NoError(t, err)
	assert.False(t, b.Complete())
}

func TestWrongSchemaVersionIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileKnownRisks),
		[]byte(`{"schemaVersion":"2","complete":true,"risks":[]}`), 0o644))

	b, err := Read(dir)
	require.NoError(t, err)
	assert.False(t, b.Complete())
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	require.NoError(t, os.Remove(filepath.Join(dir, FileTestsRun)))

	_, err := Read(dir)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileCommandLog), []byte("{"), 0o644))

	_, err := Read(dir)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReadNullDocument(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileCommandLog), []byte("null"), 0o644))

	_, err := Read(dir)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	// Whitespace around the document changes nothing.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileCommandLog), []byte("  null\n"), 0o644))
	_, err = Read(dir)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestMetadataKeys(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	b, err := Read(dir)
	require.NoError(t, err)

	keys := b.MetadataKeys()
	assert.Equal(t, SchemaVersion, keys["evidenceSchemaVersion"])
	assert.Equal(t, dir, keys["evidenceDir"])
	assert.Equal(t, filepath.Join(dir, FileCommandLog), keys["evidenceCommandLog"])
	assert.Equal(t, filepath.Join(dir, FileKnownRisks), keys["evidenceKnownRisks"])
}

func TestFingerprintDetectsChange(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)

	first := Fingerprint(dir)
	assert.Equal(t, first, Fingerprint(dir), "stable when nothing changes")
	assert.False(t, Changed(dir, first))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileCommandLog),
		[]byte(`{"schemaVersion":"1","complete":true,"entries":[{"command":"make lint","exitCode":1}]}`), 0o644))
	assert.True(t, Changed(dir, first))
}

func TestFingerprintWithMissingFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	first := Fingerprint(dir)

	require.NoError(t, os.Remove(filepath.Join(dir, FileKnownRisks)))
	assert.NotEqual(t, first, Fingerprint(dir))
}

func TestChangedWithNoPriorFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, true)
	assert.True(t, Changed(dir, ""))
}
