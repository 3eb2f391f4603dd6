// Package metadata persists session state as textual key=value files,
// one file per session. The metadata file is the authoritative record
// for a session; everything else derives its view by reading it.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/identity"
)

// writeOrder fixes the order recognized keys are written in so file
// diffs stay stable across rewrites. Unrecognized keys follow, sorted.
var writeOrder = []string{
	"worktree",
	"branch",
	"status",
	"tmuxName",
	"issue",
	"pr",
	"summary",
	"project",
	"agent",
	"createdAt",
	"runtimeHandle",
	"dashboardPort",
	"terminalWsPort",
	"directTerminalWsPort",
	"planId",
	"planVersion",
	"planStatus",
	"planPath",
	"evidenceSchemaVersion",
	"evidenceDir",
	"evidenceCommandLog",
	"evidenceTestsRun",
	"evidenceChangedPaths",
	"evidenceKnownRisks",
	"escalationState",
	"lastActivityAt",
	"outputDigest",
	"verifierVerdict",
	"verifierFeedback",
	"verifierFor",
	"verifierStatus",
	"role",
}

var planStatuses = map[string]bool{"draft": true, "validated": true, "superseded": true}
var verifierVerdicts = map[string]bool{"passed": true, "failed": true}

// Record is the typed projection of a metadata file.
type Record struct {
	ID                   string
	Worktree             string
	Branch               string
	Status               string
	TmuxName             string
	Issue                string
	PR                   string
	Summary              string
	Project              string
	Agent                string
	CreatedAt            string
	RuntimeHandle        string // JSON string, decoded by the session manager
	DashboardPort        int
	TerminalWsPort       int
	DirectTerminalWsPort int
	PlanID               string
	PlanVersion          int
	PlanStatus           string
	PlanPath             string
	EvidenceSchemaVersion string
	EvidenceDir           string
	EvidenceCommandLog    string
	EvidenceTestsRun      string
	EvidenceChangedPaths  string
	EvidenceKnownRisks    string
	EscalationState      string
	LastActivityAt       string
	OutputDigest         string
	VerifierVerdict      string
	VerifierFeedback     string
	VerifierFor          string
	VerifierStatus       string
	Role                 string
}

// Store reads and writes session metadata under one sessions directory.
// Writers serialize through the store; concurrent readers are allowed.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the sessions and archive directories if needed.
func NewStore(sessionsDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(sessionsDir, "archive"), 0o755); err != nil {
		return nil, apperrors.IOFailure("create sessions directory", err)
	}
	return &Store{dir: sessionsDir}, nil
}

// Dir returns the sessions directory this store owns.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pathFor(id string) (string, error) {
	if err := identity.ValidateSessionID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, id), nil
}

// Reserve atomically claims a session id by creating its metadata file
// with exclusive-create semantics. This is the primitive that defeats
// the TOCTOU race between "find next free id" and "create".
func (s *Store) Reserve(id string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return apperrors.Conflict("session id %q already reserved", id)
		}
		return apperrors.IOFailure("reserve session id", err)
	}
	return f.Close()
}

// Write overwrites the metadata file. Keys with empty values are
// omitted. Recognized keys are written in a fixed order.
func (s *Store) Write(id string, values map[string]string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFile(path, values)
}

// Update applies a read-merge-write. An empty string value removes the
// key.
func (s *Store) Update(id string, updates map[string]string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := parseFile(path)
	if err != nil {
		return err
	}
	for k, v := range updates {
		if v == "" {
			delete(current, k)
		} else {
			current[k] = v
		}
	}
	return writeFile(path, current)
}

// ReadRaw parses the metadata file into a string map.
func (s *Store) ReadRaw(id string) (map[string]string, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	return parseFile(path)
}

// Read parses the metadata file and applies the typed field projection.
func (s *Store) Read(id string) (*Record, error) {
	raw, err := s.ReadRaw(id)
	if err != nil {
		return nil, err
	}
	return project(id, raw), nil
}

// Delete removes a session's metadata, optionally archiving it first.
func (s *Store) Delete(id string, archive bool) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if archive {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return apperrors.NotFound("session", id)
			}
			return apperrors.IOFailure("read metadata for archive", err)
		}
		stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
		dest := filepath.Join(s.dir, "archive", fmt.Sprintf("%s_%s", id, stamp))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return apperrors.IOFailure("write archive", err)
		}
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("session", id)
		}
		return apperrors.IOFailure("delete metadata", err)
	}
	return nil
}

// Entry pairs a session id with its raw metadata.
type Entry struct {
	ID     string
	Values map[string]string
}

// List scans the sessions directory, skipping the archive directory,
// dotfiles, and anything that is not a valid session id.
func (s *Store) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.IOFailure("list sessions", err)
	}
	var entries []Entry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if identity.ValidateSessionID(name) != nil {
			continue
		}
		values, err := parseFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: name, Values: values})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ReadArchivedRaw returns the most recent archive for an id, picked by
// lexicographic max (ISO timestamps sort correctly).
func (s *Store) ReadArchivedRaw(id string) (map[string]string, error) {
	if err := identity.ValidateSessionID(id); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(filepath.Join(s.dir, "archive"))
	if err != nil {
		return nil, apperrors.IOFailure("list archive", err)
	}
	prefix := id + "_"
	var latest string
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		// Require a digit after the separator so "ao-1" does not match
		// archives of "ao-1b".
		if c := name[len(prefix)]; c < '0' || c > '9' {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return nil, apperrors.NotFound("archived session", id)
	}
	return parseFile(filepath.Join(s.dir, "archive", latest))
}

func parseFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("session", filepath.Base(path))
		}
		return nil, apperrors.IOFailure("read metadata", err)
	}
	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		// The first '=' splits key from value; values may contain '='.
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		values[line[:idx]] = line[idx+1:]
	}
	return values, nil
}

func writeFile(path string, values map[string]string) error {
	var b strings.Builder
	written := make(map[string]bool, len(values))
	for _, key := range writeOrder {
		if v, ok := values[key]; ok && v != "" {
			fmt.Fprintf(&b, "%s=%s\n", key, v)
			written[key] = true
		}
	}
	var rest []string
	for k, v := range values {
		if !written[k] && v != "" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return apperrors.IOFailure("write metadata", err)
	}
	return nil
}

func project(id string, raw map[string]string) *Record {
	rec := &Record{
		ID:                    id,
		Worktree:              raw["worktree"],
		Branch:                raw["branch"],
		Status:                raw["status"],
		TmuxName:              raw["tmuxName"],
		Issue:                 raw["issue"],
		PR:                    raw["pr"],
		Summary:               raw["summary"],
		Project:               raw["project"],
		Agent:                 raw["agent"],
		CreatedAt:             raw["createdAt"],
		RuntimeHandle:         raw["runtimeHandle"],
		PlanID:                raw["planId"],
		PlanPath:              raw["planPath"],
		EvidenceSchemaVersion: raw["evidenceSchemaVersion"],
		EvidenceDir:           raw["evidenceDir"],
		EvidenceCommandLog:    raw["evidenceCommandLog"],
		EvidenceTestsRun:      raw["evidenceTestsRun"],
		EvidenceChangedPaths:  raw["evidenceChangedPaths"],
		EvidenceKnownRisks:    raw["evidenceKnownRisks"],
		EscalationState:       raw["escalationState"],
		LastActivityAt:        raw["lastActivityAt"],
		OutputDigest:          raw["outputDigest"],
		VerifierFeedback:      raw["verifierFeedback"],
		VerifierFor:           raw["verifierFor"],
		VerifierStatus:        raw["verifierStatus"],
		Role:                  raw["role"],
	}
	rec.DashboardPort = parseInt(raw["dashboardPort"])
	rec.TerminalWsPort = parseInt(raw["terminalWsPort"])
	rec.DirectTerminalWsPort = parseInt(raw["directTerminalWsPort"])
	if v := parseInt(raw["planVersion"]); v > 0 {
		rec.PlanVersion = v
	}
	if planStatuses[raw["planStatus"]] {
		rec.PlanStatus = raw["planStatus"]
	}
	if verifierVerdicts[raw["verifierVerdict"]] {
		rec.VerifierVerdict = raw["verifierVerdict"]
	}
	return rec
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
