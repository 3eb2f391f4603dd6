// Package identity derives project hashes, session names, and the
// on-disk layout rooted at the state directory. All state for one
// project lives under <root>/<hash>-<projectID>, where the hash is
// taken from the realpath of the directory holding the project's
// config file. Every function here is a pure derivation except
// ValidateAndStoreOrigin, which persists the collision guard.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
)

// DefaultRootName is the directory under $HOME that holds all state.
const DefaultRootName = ".agent-orchestrator"

// OriginFileName records the config path that created a project dir.
const OriginFileName = ".origin"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSessionID rejects any id that is not filesystem-safe. It is
// called before any path is formed from an id.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return apperrors.InvalidInput("invalid session id %q", id)
	}
	return nil
}

// DefaultRoot returns ~/.agent-orchestrator, honoring AO_STATE_DIR.
func DefaultRoot() (string, error) {
	if dir := os.Getenv("AO_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", apperrors.IOFailure("resolve home directory", err)
	}
	return filepath.Join(home, DefaultRootName), nil
}

// HashOf returns the stable 12-hex-digit hash for a config path. The
// hash is taken over the realpath of the directory containing the
// config file, so renaming the file does not move project state.
func HashOf(configPath string) string {
	dir := filepath.Dir(configPath)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		dir = real
	}
	sum := sha256.Sum256([]byte(dir))
	return hex.EncodeToString(sum[:])[:12]
}

// ProjectPaths resolves every on-disk location for one project.
type ProjectPaths struct {
	Root      string
	Hash      string
	ProjectID string
}

// NewProjectPaths builds the path set for a project.
func NewProjectPaths(root, configPath, projectID string) ProjectPaths {
	return ProjectPaths{Root: root, Hash: HashOf(configPath), ProjectID: projectID}
}

// BaseDir is <root>/<hash>-<projectID>.
func (p ProjectPaths) BaseDir() string {
	return filepath.Join(p.Root, fmt.Sprintf("%s-%s", p.Hash, p.ProjectID))
}

// SessionsDir holds one metadata file per session.
func (p ProjectPaths) SessionsDir() string {
	return filepath.Join(p.BaseDir(), "sessions")
}

// ArchiveDir holds archived metadata files.
func (p ProjectPaths) ArchiveDir() string {
	return filepath.Join(p.SessionsDir(), "archive")
}

// PlansDir holds plan artifacts, partitioned by session.
func (p ProjectPaths) PlansDir() string {
	return filepath.Join(p.SessionsDir(), "plans")
}

// WorktreesDir is the root for filesystem-isolated workspaces.
func (p ProjectPaths) WorktreesDir() string {
	return filepath.Join(p.BaseDir(), "worktrees")
}

// OriginFile records the owning config path.
func (p ProjectPaths) OriginFile() string {
	return filepath.Join(p.BaseDir(), OriginFileName)
}

// MetricsFile is the append-only outcome transitions log.
func (p ProjectPaths) MetricsFile() string {
	return filepath.Join(p.BaseDir(), "metrics", "outcome-transitions.jsonl")
}

// SessionName forms "<prefix>-<n>".
func SessionName(prefix string, n int) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

// TmuxName forms the host-unique runtime name "<hash>-<prefix>-<n>".
func TmuxName(configPath, prefix string, n int) string {
	return fmt.Sprintf("%s-%s-%d", HashOf(configPath), prefix, n)
}

// ParseTmuxName splits "<hash>-<prefix>-<n>" back into its parts.
// ok is false for names produced by other tools.
func ParseTmuxName(name string) (hash, prefix string, n int, ok bool) {
	first := strings.Index(name, "-")
	last := strings.LastIndex(name, "-")
	if first < 0 || last <= first {
		return "", "", 0, false
	}
	hash = name[:first]
	if len(hash) != 12 || !isHex(hash) {
		return "", "", 0, false
	}
	prefix = name[first+1 : last]
	if prefix == "" {
		return "", "", 0, false
	}
	num, err := strconv.Atoi(name[last+1:])
	if err != nil || num < 0 {
		return "", "", 0, false
	}
	return hash, prefix, num, true
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

// DeriveSessionPrefix derives the short session prefix from a project
// id. The rules are fixed and must stay reproducible:
//
//	len <= 4                          -> lowercased as-is
//	mixed case, multiple uppercase    -> uppercase letters, lowercased
//	contains '-' or '_'               -> first character of each segment
//	otherwise                         -> first three characters
func DeriveSessionPrefix(projectID string) string {
	if len(projectID) <= 4 {
		return strings.ToLower(projectID)
	}

	var uppers []rune
	hasLower := false
	for _, r := range projectID {
		if unicode.IsUpper(r) {
			uppers = append(uppers, unicode.ToLower(r))
		} else if unicode.IsLower(r) {
			hasLower = true
		}
	}
	if hasLower && len(uppers) > 1 {
		return string(uppers)
	}

	if strings.ContainsAny(projectID, "-_") {
		segments := strings.FieldsFunc(projectID, func(r rune) bool {
			return r == '-' || r == '_'
		})
		var b strings.Builder
		for _, seg := range segments {
			b.WriteString(strings.ToLower(seg[:1]))
		}
		return b.String()
	}

	return strings.ToLower(projectID[:3])
}

// ValidateAndStoreOrigin writes the realpath of the config file to the
// project's .origin on first use, and refuses to proceed when an
// existing .origin names a different config (hash collision guard).
func ValidateAndStoreOrigin(baseDir, configPath string) error {
	real := configPath
	if abs, err := filepath.Abs(real); err == nil {
		real = abs
	}
	if resolved, err := filepath.EvalSymlinks(real); err == nil {
		real = resolved
	}

	originPath := filepath.Join(baseDir, OriginFileName)
	existing, err := os.ReadFile(originPath)
	if err == nil {
		recorded := strings.TrimSpace(string(existing))
		if recorded != real {
			return apperrors.Conflict("Hash collision detected: %s owned by %s", baseDir, recorded)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return apperrors.IOFailure("read origin file", err)
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return apperrors.IOFailure("create project directory", err)
	}
	if err := os.WriteFile(originPath, []byte(real+"\n"), 0o644); err != nil {
		return apperrors.IOFailure("write origin file", err)
	}
	return nil
}
