package git

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/agentflow/pipeline/internal/pipecfg"
)

// nonAlphanumRE matches any sequence of characters that are not ASCII
// lowercase letters or digits. Used by slugify to replace unsafe characters.
var nonAlphanumRE = regexp.MustCompile(`[^a-z0-9]+`)

// BranchManager allocates and disposes of per-run branches according to a
// configured BranchStrategy. It wraps a GitClient to perform all git
// operations and never modifies global state beyond the target repository.
type BranchManager struct {
	gitClient    *GitClient
	baseBranch   string
	branchPrefix string
	strategy     pipecfg.BranchStrategy
	logger       *log.Logger
}

// NewBranchManager returns a BranchManager configured from a pipeline's
// GitConfig. An empty strategy defaults to BranchUniquePerRun.
func NewBranchManager(gitClient *GitClient, cfg pipecfg.GitConfig) *BranchManager {
	strategy := cfg.BranchStrategy
	if strategy == "" {
		strategy = pipecfg.BranchUniquePerRun
	}
	return &BranchManager{
		gitClient:    gitClient,
		baseBranch:   cfg.EffectiveBaseBranch(),
		branchPrefix: cfg.EffectiveBranchPrefix(),
		strategy:     strategy,
	}
}

// WithLogger attaches a logger so that non-fatal warnings (e.g. a failed
// checkout back to the base branch after creating a run branch) are emitted
// instead of swallowed.
func (b *BranchManager) WithLogger(logger *log.Logger) *BranchManager {
	b.logger = logger
	return b
}

// ResolveBranchName returns the branch name for a run, applying the
// configured strategy:
//
//   - reusable         — "{prefix}/{pipelineName}", shared by every run.
//   - unique-per-run    — "{prefix}/{pipelineName}-{runId[0:8]}", one per run.
//   - unique-and-delete — same as unique-per-run; the branch is deleted by
//     Dispose once the run is finalized.
func (b *BranchManager) ResolveBranchName(pipelineName, runID string) string {
	slug := slugify(pipelineName)
	switch b.strategy {
	case pipecfg.BranchReusable:
		return fmt.Sprintf("%s/%s", b.branchPrefix, slug)
	default:
		suffix := runID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		return fmt.Sprintf("%s/%s-%s", b.branchPrefix, slug, suffix)
	}
}

// EnsureBranch resolves the run's branch name and creates it (from
// baseBranch) if it does not already exist, or leaves it alone if it does —
// the reusable strategy relies on this idempotency to keep accumulating
// commits across runs. It does not check the branch out; callers that need
// a checked-out working tree should use a worktree (see AddWorktree) instead
// of switching branches in the shared repository.
func (b *BranchManager) EnsureBranch(ctx context.Context, pipelineName, runID string) (string, error) {
	branch := b.ResolveBranchName(pipelineName, runID)

	exists, err := b.gitClient.BranchExists(ctx, branch)
	if err != nil {
		return "", fmt.Errorf("branch manager: ensure branch %q: %w", branch, err)
	}
	if exists {
		return branch, nil
	}

	if err := b.gitClient.CreateBranch(ctx, branch, b.baseBranch); err != nil {
		return "", fmt.Errorf("branch manager: create branch %q from %q: %w", branch, b.baseBranch, err)
	}
	// CreateBranch leaves the shared repo checked out onto the new branch;
	// switch back so concurrent runs (each using their own worktree) find the
	// shared repo where they left it.
	if err := b.gitClient.Checkout(ctx, b.baseBranch); err != nil {
		b.logWarn("checkout back to base branch failed after creating run branch", "branch", branch, "base", b.baseBranch, "error", err)
	}
	return branch, nil
}

// Dispose deletes branch when the configured strategy is
// BranchUniqueAndDelete; it is a no-op for reusable and unique-per-run
// strategies. force controls whether an unmerged branch is deleted anyway.
func (b *BranchManager) Dispose(ctx context.Context, branch string, force bool) error {
	if b.strategy != pipecfg.BranchUniqueAndDelete {
		return nil
	}
	exists, err := b.gitClient.BranchExists(ctx, branch)
	if err != nil {
		return fmt.Errorf("branch manager: dispose %q: checking existence: %w", branch, err)
	}
	if !exists {
		return nil
	}
	if err := b.gitClient.DeleteBranch(ctx, branch, force); err != nil {
		return fmt.Errorf("branch manager: dispose %q: %w", branch, err)
	}
	return nil
}

// --- internal helpers ---

// slugify converts an arbitrary string into a URL-safe kebab-case slug.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	return s
}

func (b *BranchManager) logWarn(msg string, kvs ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(msg, kvs...)
}
