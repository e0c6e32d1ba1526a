package git

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/agentflow/pipeline/internal/pipecfg"
)

// WorktreeManager isolates one run's working tree from the main repository
// checkout by creating a git worktree on the run's branch, so concurrent
// runs never race over the repository's index or HEAD.
type WorktreeManager struct {
	gitClient *GitClient
	branches  *BranchManager
	repoRoot  string
	baseDir   string // parent directory under which per-run worktrees live
}

// NewWorktreeManager returns a WorktreeManager. baseDir defaults to
// "<repoRoot>/.agent-pipeline/worktrees" when empty.
func NewWorktreeManager(gitClient *GitClient, branches *BranchManager, repoRoot, baseDir string) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(repoRoot, ".agent-pipeline", "worktrees")
	}
	return &WorktreeManager{gitClient: gitClient, branches: branches, repoRoot: repoRoot, baseDir: baseDir}
}

// Worktree describes a provisioned per-run working tree.
type Worktree struct {
	Path   string
	Branch string
}

// Provision ensures the run's branch exists and checks it out into a fresh
// worktree directory named after the run, returning both. If a worktree
// already exists at the target path (e.g. a resumed run), it is reused as-is
// rather than recreated.
func (w *WorktreeManager) Provision(ctx context.Context, cfg pipecfg.GitConfig, pipelineName, runID string) (*Worktree, error) {
	branch, err := w.branches.EnsureBranch(ctx, pipelineName, runID)
	if err != nil {
		return nil, fmt.Errorf("worktree manager: %w", err)
	}

	path := filepath.Join(w.baseDir, pipelineName+"-"+shortID(runID))

	existing, err := w.gitClient.ListWorktrees(ctx)
	if err != nil {
		return nil, fmt.Errorf("worktree manager: listing worktrees: %w", err)
	}
	for _, e := range existing {
		if e.Path == path {
			return &Worktree{Path: path, Branch: branch}, nil
		}
	}

	if err := w.gitClient.AddWorktree(ctx, path, branch, "", false); err != nil {
		return nil, fmt.Errorf("worktree manager: provisioning %q on %q: %w", path, branch, err)
	}
	return &Worktree{Path: path, Branch: branch}, nil
}

// Dispose removes the worktree directory and, per the configured branch
// strategy, deletes the underlying branch.
func (w *WorktreeManager) Dispose(ctx context.Context, wt *Worktree, force bool) error {
	if err := w.gitClient.RemoveWorktree(ctx, wt.Path, force); err != nil {
		return fmt.Errorf("worktree manager: removing %q: %w", wt.Path, err)
	}
	if err := w.branches.Dispose(ctx, wt.Branch, force); err != nil {
		return fmt.Errorf("worktree manager: %w", err)
	}
	return nil
}

func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
