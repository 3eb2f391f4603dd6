// Package evidence reads the completion bundle a worker writes into
// its workspace and builds the structured prompts reactions send back
// to agents.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// SchemaVersion is the bundle schema this package understands.
const SchemaVersion = "1"

// Well-known bundle file names under <workspace>/.ao/evidence/<sessionId>/.
const (
	FileCommandLog   = "command-log.json"
	FileTestsRun     = "tests-run.json"
	FileChangedPaths = "changed-paths.json"
	FileKnownRisks   = "known-risks.json"
)

// CommandEntry is one recorded command execution.
type CommandEntry struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// CommandLog is the command-log.json payload.
type CommandLog struct {
	SchemaVersion string         `json:"schemaVersion"`
	Complete      bool           `json:"complete"`
	Entries       []CommandEntry `json:"entries"`
}

// TestRun is one recorded test invocation.
type TestRun struct {
	Command string `json:"command"`
	Status  string `json:"status"` // passed, failed, skipped
}

// TestsRun is the tests-run.json payload.
type TestsRun struct {
	SchemaVersion string    `json:"schemaVersion"`
	Complete      bool      `json:"complete"`
	Tests         []TestRun `json:"tests"`
}

// ChangedPaths is the changed-paths.json payload.
type ChangedPaths struct {
	SchemaVersion string   `json:"schemaVersion"`
	Complete      bool     `json:"complete"`
	Paths         []string `json:"paths"`
}

// Risk is one self-reported risk.
type Risk struct {
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// KnownRisks is the known-risks.json payload.
type KnownRisks struct {
	SchemaVersion string `json:"schemaVersion"`
	Complete      bool   `json:"complete"`
	Risks         []Risk `json:"risks"`
}

// Bundle is a parsed evidence bundle.
type Bundle struct {
	Dir          string
	CommandLog   *CommandLog
	TestsRun     *TestsRun
	ChangedPaths *ChangedPaths
	KnownRisks   *KnownRisks
}

// Dir returns the bundle directory for a session's workspace.
func Dir(workspace, sessionID string) string {
	return filepath.Join(workspace, ".ao", "evidence", sessionID)
}

// Files lists the four bundle file paths for a directory.
func Files(dir string) []string {
	return []string{
		filepath.Join(dir, FileCommandLog),
		filepath.Join(dir, FileTestsRun),
		filepath.Join(dir, FileChangedPaths),
		filepath.Join(dir, FileKnownRisks),
	}
}

// Read parses the bundle under dir. A missing directory or missing
// file yields NotFound; malformed JSON yields InvalidInput.
func Read(dir string) (*Bundle, error) {
	b := &Bundle{Dir: dir}
	if err := readJSON(filepath.Join(dir, FileCommandLog), &b.CommandLog); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, FileTestsRun), &b.TestsRun); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, FileChangedPaths), &b.ChangedPaths); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, FileKnownRisks), &b.KnownRisks); err != nil {
		return nil, err
	}
	return b, nil
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("evidence file", path)
		}
		return apperrors.IOFailure("read evidence file", err)
	}
	// A literal null document unmarshals cleanly into a nil payload.
	if strings.TrimSpace(string(data)) == "null" {
		return apperrors.InvalidInput("malformed evidence file %s: null document", filepath.Base(path))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.InvalidInput("malformed evidence file %s: %v", filepath.Base(path), err)
	}
	return nil
}

// Complete reports whether every bundle file declares the expected
// schema version and the complete flag.
func (b *Bundle) Complete() bool {
	parts := []struct {
		version  string
		complete bool
	}{
		{b.CommandLog.SchemaVersion, b.CommandLog.Complete},
		{b.TestsRun.SchemaVersion, b.TestsRun.Complete},
		{b.ChangedPaths.SchemaVersion, b.ChangedPaths.Complete},
		{b.KnownRisks.SchemaVersion, b.KnownRisks.Complete},
	}
	for _, p := range parts {
		if p.version != SchemaVersion || !p.complete {
			return false
		}
	}
	return true
}

// MetadataKeys returns the metadata entries recording where the bundle
// lives on disk.
func (b *Bundle) MetadataKeys() map[string]string {
	return map[string]string{
		"evidenceSchemaVersion": SchemaVersion,
		"evidenceDir":           b.Dir,
		"evidenceCommandLog":    filepath.Join(b.Dir, FileCommandLog),
		"evidenceTestsRun":      filepath.Join(b.Dir, FileTestsRun),
		"evidenceChangedPaths":  filepath.Join(b.Dir, FileChangedPaths),
		"evidenceKnownRisks":    filepath.Join(b.Dir, FileKnownRisks),
	}
}

// Fingerprint digests the bundle contents. The verifier gate compares
// fingerprints to decide whether a failed worker produced new evidence.
// Missing files contribute a marker rather than failing, so a partially
// rewritten bundle still changes the fingerprint.
func Fingerprint(dir string) string {
	h := sha256.New()
	names := []string{FileCommandLog, FileTestsRun, FileChangedPaths, FileKnownRisks}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s\n", name)
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			h.Write([]byte("absent\n"))
			continue
		}
		h.Write(data)
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Changed reports whether the bundle differs from a previously
// recorded fingerprint. An empty prior fingerprint counts as changed.
func Changed(dir, prior string) bool {
	return prior == "" || !strings.EqualFold(Fingerprint(dir), prior)
}
