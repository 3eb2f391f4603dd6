// Package worktree implements the workspace contract on git worktrees.
// Each session gets an isolated checkout under the project's worktrees
// directory, on its own branch off the configured base branch.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

// Workspace provisions git worktrees. Git serializes some repo-level
// operations poorly, so all mutations on one repository take a
// per-repository lock.
type Workspace struct {
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// New creates the worktree workspace plugin.
func New(log *logger.Logger) *Workspace {
	return &Workspace{
		logger:    log.WithFields(zap.String("component", "worktree-workspace")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (w *Workspace) Name() string { return "worktree" }

func (w *Workspace) repoLock(repoPath string) *sync.Mutex {
	w.repoLockMu.Lock()
	defer w.repoLockMu.Unlock()
	if lock, ok := w.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	w.repoLocks[repoPath] = lock
	return lock
}

// Create adds a worktree at <baseDir>/<sessionID> on a new branch. If
// the branch already exists (a previous session on the same issue) the
// worktree reuses it instead of failing.
func (w *Workspace) Create(ctx context.Context, spec plugin.WorkspaceSpec) (*plugin.WorkspaceInfo, error) {
	if !isGitRepo(spec.ProjectPath) {
		return nil, apperrors.InvalidInput("%q is not a git repository", spec.ProjectPath)
	}
	if spec.BaseBranch != "" && !w.refExists(spec.ProjectPath, spec.BaseBranch) {
		return nil, apperrors.InvalidInput("base branch %q does not exist", spec.BaseBranch)
	}
	if err := os.MkdirAll(spec.BaseDir, 0o755); err != nil {
		return nil, apperrors.IOFailure("create worktrees directory", err)
	}

	lock := w.repoLock(spec.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(spec.BaseDir, spec.SessionID)
	args := []string{"worktree", "add"}
	if w.refExists(spec.ProjectPath, spec.Branch) {
		args = append(args, path, spec.Branch)
	} else {
		base := spec.BaseBranch
		if base == "" {
			base = "HEAD"
		}
		args = append(args, "-b", spec.Branch, path, base)
	}

	if output, err := w.git(ctx, spec.ProjectPath, args...); err != nil {
		return nil, apperrors.IOFailure("git worktree add: "+strings.TrimSpace(output), err)
	}

	w.logger.Info("worktree created",
		zap.String("session_id", spec.SessionID),
		zap.String("path", path),
		zap.String("branch", spec.Branch))
	return &plugin.WorkspaceInfo{Path: path, Branch: spec.Branch}, nil
}

// PostCreate installs the configured symlinks (untracked files like
// .env that every checkout needs) from the project checkout into the
// fresh worktree.
func (w *Workspace) PostCreate(ctx context.Context, info *plugin.WorkspaceInfo, project config.ProjectConfig) error {
	for _, rel := range project.Symlinks {
		src := filepath.Join(project.Path, rel)
		dst := filepath.Join(info.Path, rel)
		if _, err := os.Stat(src); err != nil {
			w.logger.Warn("symlink source missing", zap.String("path", src))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return apperrors.IOFailure("prepare symlink directory", err)
		}
		_ = os.Remove(dst)
		if err := os.Symlink(src, dst); err != nil {
			return apperrors.IOFailure("create symlink", err)
		}
	}
	return nil
}

// Destroy removes a worktree. git worktree remove is preferred; when it
// refuses (dirty tree, stale registration) the directory is removed
// directly and the registration pruned.
func (w *Workspace) Destroy(ctx context.Context, path string) error {
	repo := repoFor(path)
	if repo != "" {
		lock := w.repoLock(repo)
		lock.Lock()
		defer lock.Unlock()

		if output, err := w.git(ctx, repo, "worktree", "remove", "--force", path); err == nil {
			return nil
		} else {
			w.logger.Debug("git worktree remove failed, removing directly",
				zap.String("output", strings.TrimSpace(output)), zap.Error(err))
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return apperrors.IOFailure("remove worktree directory", err)
	}
	if repo != "" {
		if _, err := w.git(ctx, repo, "worktree", "prune"); err != nil {
			w.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// List returns the worktrees under one base directory.
func (w *Workspace) List(ctx context.Context, baseDir string) ([]plugin.WorkspaceInfo, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.IOFailure("read worktrees directory", err)
	}
	var infos []plugin.WorkspaceInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(baseDir, entry.Name())
		if !w.Exists(ctx, path) {
			continue
		}
		infos = append(infos, plugin.WorkspaceInfo{Path: path, Branch: currentBranch(ctx, path)})
	}
	return infos, nil
}

// Exists reports whether path is a usable worktree: a directory whose
// .git is a gitdir pointer file.
func (w *Workspace) Exists(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Restore re-attaches a missing worktree at its recorded path, reusing
// the session's branch when it survived.
func (w *Workspace) Restore(ctx context.Context, spec plugin.WorkspaceSpec, path string) error {
	lock := w.repoLock(spec.ProjectPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := w.git(ctx, spec.ProjectPath, "worktree", "prune"); err != nil {
		w.logger.Debug("git worktree prune failed", zap.Error(err))
	}

	args := []string{"worktree", "add"}
	if w.refExists(spec.ProjectPath, spec.Branch) {
		args = append(args, path, spec.Branch)
	} else {
		base := spec.BaseBranch
		if base == "" {
			base = "HEAD"
		}
		args = append(args, "-b", spec.Branch, path, base)
	}
	if output, err := w.git(ctx, spec.ProjectPath, args...); err != nil {
		return apperrors.IOFailure("git worktree add: "+strings.TrimSpace(output), err)
	}
	w.logger.Info("worktree restored",
		zap.String("session_id", spec.SessionID), zap.String("path", path))
	return nil
}

func (w *Workspace) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func (w *Workspace) refExists(repoPath, ref string) bool {
	if ref == "" {
		return false
	}
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// repoFor resolves the main repository a worktree belongs to by
// following its gitdir pointer.
func repoFor(worktreePath string) string {
	content, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return ""
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(string(content), "gitdir:"))
	// <repo>/.git/worktrees/<name>
	idx := strings.Index(gitdir, string(filepath.Separator)+".git"+string(filepath.Separator))
	if idx < 0 {
		return ""
	}
	return gitdir[:idx]
}

func currentBranch(ctx context.Context, path string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
