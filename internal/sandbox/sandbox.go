// Package sandbox is the Sandbox Manager: it materializes and tears
// down worker git worktrees on per-task branches under a deterministic
// path, seeds each worker's state directory, symlinks it into the
// worktree as .jeeves, and merges worker branches back into the
// canonical branch.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"jeeves/internal/jeeveserr"
	"jeeves/internal/model"
	"jeeves/internal/store"
)

// Manager owns path layout and git invocations for one issue.
type Manager struct {
	dataDir  string
	stateDir string
	owner    string
	repo     string
	issueNum int
	store    *store.Store
}

// New returns a sandbox Manager for the given issue, rooted at dataDir
// (worktrees) and stateDir (per-run worker state).
func New(dataDir, stateDir, owner, repo string, issueNum int, st *store.Store) *Manager {
	return &Manager{dataDir: dataDir, stateDir: stateDir, owner: owner, repo: repo, issueNum: issueNum, store: st}
}

// CanonicalWorktreePath returns <dataDir>/worktrees/<owner>/<repo>/issue-<n>/.
func (m *Manager) CanonicalWorktreePath() string {
	return filepath.Join(m.dataDir, "worktrees", m.owner, m.repo, fmt.Sprintf("issue-%d", m.issueNum))
}

// CanonicalBranch returns issue/<n>.
func (m *Manager) CanonicalBranch() string {
	return fmt.Sprintf("issue/%d", m.issueNum)
}

// WorkerBranch returns issue/<n>-<taskId>.
func (m *Manager) WorkerBranch(taskID string) string {
	return fmt.Sprintf("%s-%s", m.CanonicalBranch(), taskID)
}

// WorkerWorktreePath returns
// <dataDir>/worktrees/<owner>/<repo>/issue-<n>-workers/<runId>/<taskId>/.
func (m *Manager) WorkerWorktreePath(runID, taskID string) string {
	return filepath.Join(m.dataDir, "worktrees", m.owner, m.repo,
		fmt.Sprintf("issue-%d-workers", m.issueNum), runID, taskID)
}

// WorkerStateDir returns <stateDir>/.runs/<runId>/workers/<taskId>/.
func (m *Manager) WorkerStateDir(runID, taskID string) string {
	return filepath.Join(m.stateDir, ".runs", runID, "workers", taskID)
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// CreateWorkerSandbox forces the per-task branch to the current issue
// branch tip, creates (or reuses) the worker worktree there, ensures
// the worker state dir exists, seeds it with a mirror of the
// canonical issue.json/tasks.json, and installs the .jeeves symlink.
// An existing worker worktree is reused as is, so its branch keeps the
// commits made by an earlier wave of the same run.
func (m *Manager) CreateWorkerSandbox(ctx context.Context, runID, taskID string, issue *model.IssueJSON, tasks *model.TasksJSON) error {
	canonical := m.CanonicalWorktreePath()
	branch := m.WorkerBranch(taskID)
	worktreePath := m.WorkerWorktreePath(runID, taskID)

	if _, statErr := os.Stat(filepath.Join(worktreePath, ".git")); statErr != nil {
		if out, err := run(ctx, canonical, "worktree", "add", "-B", branch, worktreePath, m.CanonicalBranch()); err != nil {
			if !strings.Contains(out, "already exists") {
				return &jeeveserr.SandboxError{Op: "createWorkerSandbox", Output: out, Err: err}
			}
		}
	}

	workerStateDir := m.WorkerStateDir(runID, taskID)
	if err := os.MkdirAll(workerStateDir, 0o755); err != nil {
		return &jeeveserr.SandboxError{Op: "createWorkerSandbox", Output: "mkdir state dir", Err: err}
	}

	if issue != nil {
		if err := m.store.WriteIssueJSON(workerStateDir, issue); err != nil {
			return &jeeveserr.SandboxError{Op: "createWorkerSandbox", Output: "seed issue.json", Err: err}
		}
	}
	if tasks != nil {
		if err := m.store.WriteTasksJSON(workerStateDir, tasks); err != nil {
			return &jeeveserr.SandboxError{Op: "createWorkerSandbox", Output: "seed tasks.json", Err: err}
		}
	}

	link := filepath.Join(worktreePath, ".jeeves")
	_ = os.Remove(link)
	if err := os.Symlink(workerStateDir, link); err != nil {
		return &jeeveserr.SandboxError{Op: "createWorkerSandbox", Output: "symlink .jeeves", Err: err}
	}

	return nil
}

// DestroyWorkerSandbox removes the worker worktree, tolerating
// remnants. Idempotent.
func (m *Manager) DestroyWorkerSandbox(ctx context.Context, runID, taskID string) error {
	canonical := m.CanonicalWorktreePath()
	worktreePath := m.WorkerWorktreePath(runID, taskID)

	if _, err := run(ctx, canonical, "worktree", "remove", "--force", worktreePath); err != nil {
		_, _ = run(ctx, canonical, "worktree", "prune")
		_ = os.RemoveAll(worktreePath)
	}
	return nil
}

// MergeOutcome classifies the result of merging a worker branch into
// the canonical branch.
type MergeOutcome string

const (
	MergeOK       MergeOutcome = "ok"
	MergeConflict MergeOutcome = "conflict"
	MergeOther    MergeOutcome = "other_failure"
)

// MergeResult carries the classified outcome and the captured git
// output for diagnostics.
type MergeResult struct {
	Outcome MergeOutcome
	Output  string
}

// MergeWorkerIntoCanonical configures a non-interactive merge identity
// in the canonical worktree, runs `git merge --no-ff --no-edit
// <worker-branch>`, and classifies the result. On conflict, the
// canonical worktree is restored with `git merge --abort`.
func (m *Manager) MergeWorkerIntoCanonical(ctx context.Context, taskID string) (MergeResult, error) {
	canonical := m.CanonicalWorktreePath()
	branch := m.WorkerBranch(taskID)

	_, _ = run(ctx, canonical, "config", "user.email", "jeeves@localhost")
	_, _ = run(ctx, canonical, "config", "user.name", "jeeves")

	out, err := run(ctx, canonical, "merge", "--no-ff", "--no-edit", branch)
	if err == nil {
		return MergeResult{Outcome: MergeOK, Output: out}, nil
	}

	if strings.Contains(out, "CONFLICT") {
		abortOut, abortErr := run(ctx, canonical, "merge", "--abort")
		if abortErr != nil {
			out = out + "\n" + abortOut
		}
		return MergeResult{Outcome: MergeConflict, Output: out}, nil
	}

	return MergeResult{Outcome: MergeOther, Output: out}, &jeeveserr.SandboxError{Op: "mergeWorkerIntoCanonical", Output: out, Err: err}
}

// IsGitRepo reports whether the canonical worktree is a git checkout.
func (m *Manager) IsGitRepo(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = m.CanonicalWorktreePath()
	return cmd.Run() == nil
}
