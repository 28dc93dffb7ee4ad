// Package worktree creates and disposes the isolated, filesystem-scoped
// working copies each worker process is bound to.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	git "github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/odvcencio/agenttree/internal/errs"
	"github.com/odvcencio/agenttree/internal/obslog"
)

// Worktree is an isolated working copy pinned to a baseline revision.
type Worktree struct {
	Path        string
	BaselineRef string
	Branch      string
}

// Manager creates and disposes worktrees rooted under a single directory for
// one source repository. go-git does not implement `git worktree add/remove`
// (see go-git issue tracker discussion referenced by the teacher repo this is
// grounded on), so worktree lifecycle commands are shelled to the `git`
// binary while go-git is used for read-only repo validation.
type Manager struct {
	repoPath string
	root     string
	log      *obslog.Logger
}

// NewManager validates repoPath is a git repository and returns a Manager
// that creates worktrees under root.
func NewManager(repoPath, root string, log *obslog.Logger) (*Manager, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, errs.Wrap(err, errs.WorktreeCreateFailed, "resolve repo path")
	}
	if _, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true}); err != nil {
		return nil, errs.Wrap(err, errs.WorktreeCreateFailed, "not a git repository").WithContext("path", abs)
	}
	if root == "" {
		root = filepath.Join(abs, ".agenttree", "worktrees")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(err, errs.WorktreeCreateFailed, "create worktree root")
	}
	return &Manager{repoPath: abs, root: root, log: log}, nil
}

// Create materializes a working copy pinned to baselineRef. The returned
// path is canonical and stays valid until Dispose is called on the same
// *Worktree.
func (m *Manager) Create(ctx context.Context, baselineRef string) (*Worktree, error) {
	branch := "agenttree/" + uuid.NewString()
	path := filepath.Join(m.root, strings.ReplaceAll(branch, "/", "-"))

	if _, err := os.Stat(path); err == nil {
		return nil, errs.New(errs.WorktreeCreateFailed, "target path already exists").WithContext("path", path)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", m.repoPath, "worktree", "add", "-b", branch, path, baselineRef)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errs.Wrap(err, errs.WorktreeCreateFailed, "git worktree add failed").
			WithContext("output", string(out)).
			WithContext("baseline_ref", baselineRef)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.WorktreeCreateFailed, "resolve worktree path")
	}

	if m.log != nil {
		m.log.Info(obslog.CategoryWorktree, "created").
			Str("path", abs).Str("baseline_ref", baselineRef).Str("branch", branch).Send()
	}

	return &Worktree{Path: abs, BaselineRef: baselineRef, Branch: branch}, nil
}

// Dispose releases the worktree. When keepOnFailure is true and failed is
// true, the path is preserved for post-mortem and briefly watched so any
// further mutation to it is logged.
func (m *Manager) Dispose(ctx context.Context, wt *Worktree, keepOnFailure, failed bool) error {
	if wt == nil {
		return nil
	}

	if keepOnFailure && failed {
		if m.log != nil {
			m.log.Warn(obslog.CategoryWorktree, "retained_on_failure").Str("path", wt.Path).Send()
			go watchRetained(wt.Path, m.log)
		}
		// Still remove the worktree registration's administrative entry is
		// skipped: the directory itself is left in place for inspection.
		// `git worktree remove` would delete the directory, so it is not
		// invoked here; the branch and worktree metadata remain until a
		// human runs `git worktree remove` explicitly.
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", m.repoPath, "worktree", "remove", "--force", wt.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		// Fall back to a forced directory removal; worktree metadata may be
		// left dangling but the filesystem footprint is gone.
		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			return errs.Wrap(err, errs.WorktreeDisposeFailed, "git worktree remove failed").
				WithContext("output", string(out))
		}
	}

	_ = exec.CommandContext(ctx, "git", "-C", m.repoPath, "branch", "-D", wt.Branch).Run()

	if m.log != nil {
		m.log.Info(obslog.CategoryWorktree, "disposed").Str("path", wt.Path).Send()
	}
	return nil
}

// watchRetained briefly watches a retained worktree path via fsnotify and
// logs any further mutation observed during the post-mortem window. It is
// best-effort: failures to start the watch are not surfaced as errors.
func watchRetained(path string, log *obslog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return
	}

	deadline := time.NewTimer(5 * time.Minute)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			log.Warn(obslog.CategoryWorktree, "retained_path_mutated").
				Str("path", ev.Name).Str("op", ev.Op.String()).Send()
		case <-watcher.Errors:
			return
		case <-deadline.C:
			return
		}
	}
}

