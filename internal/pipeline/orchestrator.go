package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentflow/pipeline/internal/agent"
	"github.com/agentflow/pipeline/internal/dag"
	"github.com/agentflow/pipeline/internal/git"
	"github.com/agentflow/pipeline/internal/handover"
	"github.com/agentflow/pipeline/internal/loopqueue"
	"github.com/agentflow/pipeline/internal/metrics"
	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/pipecfg"
	"github.com/agentflow/pipeline/internal/preflight"
	"github.com/agentflow/pipeline/internal/runstate"
)

// LoopMeta carries a run's position within a loop-queue session (spec.md
// §4.9): which session claimed it and which iteration it is. It is nil
// for a run started outside any loop session.
type LoopMeta struct {
	SessionID string
	Iteration int
}

// RunOpts configures one Orchestrator.Run invocation.
type RunOpts struct {
	// Trigger records what started the run (spec.md §3).
	Trigger runstate.Trigger

	// Loop is set when this run is one iteration of a loop-queue session.
	Loop *LoopMeta

	// PendingDir is where the synthetic loop-agent stage, if the pipeline
	// has looping.enabled, writes the next iteration's pipeline YAML.
	// Required only when Pipeline.Looping.Enabled.
	PendingDir string
}

// Orchestrator ties the Pipeline Initializer (spec.md §4.10's setup half),
// the Stage Executor (§4.7) and Parallel Executor (§4.8) group loop, and
// the Pipeline Finalizer (§4.10's teardown half) into one Run call. One
// Orchestrator is shared across runs of possibly many different
// pipelines against the same repository.
type Orchestrator struct {
	repoRoot   string
	registry   *agent.RuntimeRegistry
	states     *runstate.Manager
	metrics    *metrics.Recorder
	logger     *log.Logger
	rateLimits *agent.RateLimitCoordinator
}

// NewOrchestrator returns an Orchestrator rooted at repoRoot, the main
// repository checkout every run's worktree is provisioned from. One
// RateLimitCoordinator is shared across every run and every stage so that a
// rate limit hit by one agent provider blocks every stage sharing that
// provider, not just the stage that tripped it.
func NewOrchestrator(repoRoot string, registry *agent.RuntimeRegistry, states *runstate.Manager, rec *metrics.Recorder, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		repoRoot:   repoRoot,
		registry:   registry,
		states:     states,
		metrics:    rec,
		logger:     logger,
		rateLimits: agent.NewRateLimitCoordinator(agent.DefaultBackoffConfig()),
	}
}

// Run executes p end to end: validates it, provisions an isolated
// worktree and branch, runs every DAG group in order via the Parallel
// Executor, and finalizes the run (merge dispatch, worktree disposal).
// Once the run gets as far as executing groups it returns the run's final
// PipelineState and a nil error, even when the run fails, so callers can
// inspect what happened; a failure before any stage could run at all
// returns a nil state and the error.
func (o *Orchestrator) Run(ctx context.Context, p *pipecfg.Pipeline, opts RunOpts) (*runstate.PipelineState, error) {
	runID := uuid.NewString()

	if p.Looping.Enabled {
		p = loopqueue.InjectLoopAgentStage(p, runID)
	}

	if err := validateBoundaries(p); err != nil {
		return nil, err
	}
	checkTemplateUsage("settings.commitPrefix", p.Settings.CommitPrefix, o.logger)
	checkTemplateUsage("git.pullRequest.title", p.Git.PullRequest.Title, o.logger)

	plan, vr := dag.Build(p)
	if vr.HasErrors() {
		return nil, perr.New(perr.KindConfig, fmt.Sprintf("dag validation failed: %v", vr.ErrorMessages()))
	}
	for _, w := range vr.WarningMessages() {
		o.warn("dag warning", "message", w)
	}

	var gh preflight.GHChecker
	if p.Git.MergeStrategy == pipecfg.MergePullRequest {
		gh = git.NewPRCreator(o.repoRoot, o.logger)
	}
	pf := preflight.Run(ctx, preflight.Options{Pipeline: p, Registry: o.registry, GH: gh})
	if pf.HasErrors() {
		return nil, perr.New(perr.KindPreFlight, fmt.Sprintf("preflight failed: %v", pf.ErrorMessages()))
	}

	mainGit, err := git.NewGitClient(o.repoRoot)
	if err != nil {
		return nil, perr.Wrap(perr.KindPreFlight, "opening main repository", err)
	}
	initialCommit, err := mainGit.HeadCommit(ctx)
	if err != nil {
		o.warn("reading initial commit failed", "error", err)
	}

	branches := git.NewBranchManager(mainGit, p.Git).WithLogger(o.logger)
	worktrees := git.NewWorktreeManager(mainGit, branches, o.repoRoot, p.Git.WorktreeDir)
	wt, err := worktrees.Provision(ctx, p.Git, p.Name, runID)
	if err != nil {
		return nil, perr.Wrap(perr.KindGit, "provisioning worktree", err)
	}

	execGit, err := git.NewGitClient(wt.Path)
	if err != nil {
		return nil, perr.Wrap(perr.KindGit, "opening worktree git client", err)
	}

	handoverDir := handover.DefaultDir(o.repoRoot, p.Name, runID)
	hm, err := handover.New(handoverDir)
	if err != nil {
		return nil, perr.Wrap(perr.KindPersistence, "initializing handover directory", err)
	}

	state := &runstate.PipelineState{
		RunID:          runID,
		PipelineConfig: p,
		Trigger:        opts.Trigger,
		Status:         runstate.PipelineRunning,
		Artifacts: runstate.Artifacts{
			InitialCommit: initialCommit,
			HandoverDir:   handoverDir,
			WorktreePath:  wt.Path,
		},
	}
	if opts.Loop != nil {
		state.LoopContext = runstate.LoopContext{
			Enabled:          true,
			CurrentIteration: opts.Loop.Iteration,
			MaxIterations:    p.Looping.EffectiveMaxIterations(),
			LoopSessionID:    opts.Loop.SessionID,
		}
	}
	o.saveState(state)

	ec := &execContext{
		pipeline:     p,
		runID:        runID,
		branch:       wt.Branch,
		repoRoot:     o.repoRoot,
		worktreePath: wt.Path,
		pendingDir:   opts.PendingDir,
		registry:     o.registry,
		handover:     hm,
		gitClient:    execGit,
		metrics:      o.metrics,
		logger:       o.logger,
		loop:         opts.Loop,
		rateLimits:   o.rateLimits,
	}

	o.runGroups(ctx, ec, plan, state)
	o.finalize(ctx, ec, state, worktrees, wt)
	o.saveState(state)

	return state, nil
}

// runGroups drives the Parallel Executor level by level, stopping before
// any group once a prior group's failure dispatched to "stop" (spec.md
// §4.8), or once ctx is cancelled.
func (o *Orchestrator) runGroups(ctx context.Context, ec *execContext, plan *dag.Plan, state *runstate.PipelineState) {
	blocked := map[string]bool{}
	halted := false

	for i, group := range plan.Groups {
		ec.isFinalGroup = i == len(plan.Groups)-1

		if stop := runGroup(ctx, ec, group, blocked, func(se runstate.StageExecution) {
			state.AppendStage(se)
			o.saveState(state)
		}); stop {
			halted = true
			break
		}
	}

	switch {
	case ctx.Err() != nil:
		state.Status = runstate.PipelineAborted
	case halted:
		state.Status = runstate.PipelineFailed
	default:
		state.Status = runstate.PipelineCompleted
	}
}

// validateBoundaries runs the cross-cutting boundary checks spec.md §8
// names that no single package's own validation can see on its own: they
// span GitConfig and LoopingConfig together.
func validateBoundaries(p *pipecfg.Pipeline) error {
	if p.Git.BranchStrategy != pipecfg.BranchUniqueAndDelete {
		return nil
	}
	if p.Git.MergeStrategy == pipecfg.MergeNone {
		return perr.New(perr.KindConfig,
			"branchStrategy unique-and-delete with mergeStrategy none would discard all work: the branch is deleted before anything merges it")
	}
	if p.Looping.Enabled {
		return perr.New(perr.KindConfig,
			"branchStrategy unique-and-delete is incompatible with looping.enabled: a loop session needs the branch to survive past a single iteration")
	}
	return nil
}

// finalize computes run-wide artifacts, dispatches on mergeStrategy, and
// disposes of the run's worktree and branch (spec.md §4.10's teardown
// half). Every step here is best-effort: a finalizer failure is logged
// and the run's own Status (already decided by runGroups) is never
// overwritten by it.
func (o *Orchestrator) finalize(ctx context.Context, ec *execContext, state *runstate.PipelineState, worktrees *git.WorktreeManager, wt *git.Worktree) {
	var totalDuration float64
	var finalCommit string
	for _, se := range state.Stages {
		totalDuration += se.DurationSeconds
		if se.CommitSHA != "" {
			finalCommit = se.CommitSHA
		}
	}
	state.Artifacts.TotalDurationSeconds = totalDuration
	state.Artifacts.FinalCommit = finalCommit

	if finalCommit == "" {
		o.info("no commits produced by this run; skipping merge", "pipeline", ec.pipeline.Name, "runId", ec.runID)
	} else {
		switch ec.pipeline.Git.MergeStrategy {
		case pipecfg.MergePullRequest:
			o.finalizePullRequest(ctx, ec, state)
		case pipecfg.MergeLocal:
			o.finalizeLocalMerge(ctx, ec, state)
		default: // "none" and unset both preserve the branch untouched
			o.info("preserving pipeline branch", "branch", ec.branch)
		}
	}

	o.writeSideOutputs(ctx, ec, state)
	o.disposeWorktree(ctx, ec, state, worktrees, wt)
}

// writeSideOutputs writes changed-files.txt and pipeline-summary.json into
// the run's handover directory: a newline-separated list of files touched
// across the whole run, and a JSON digest of the run for tooling that would
// rather not parse the full state file. Best-effort, like the rest of
// finalize.
func (o *Orchestrator) writeSideOutputs(ctx context.Context, ec *execContext, state *runstate.PipelineState) {
	if ec.handover == nil {
		return
	}
	dir := ec.handover.Dir()

	if state.Artifacts.InitialCommit != "" {
		entries, err := ec.gitClient.DiffFiles(ctx, state.Artifacts.InitialCommit)
		if err != nil {
			o.warn("computing changed-files.txt failed", "error", err)
		} else {
			var b strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&b, "%s\t%s\n", e.Status, e.Path)
				state.Artifacts.ChangedFiles = append(state.Artifacts.ChangedFiles, e.Path)
			}
			if err := os.WriteFile(filepath.Join(dir, "changed-files.txt"), []byte(b.String()), 0o644); err != nil {
				o.warn("writing changed-files.txt failed", "error", err)
			}
		}
	}

	type stageSummary struct {
		Name            string  `json:"name"`
		Status          string  `json:"status"`
		DurationSeconds float64 `json:"durationSeconds"`
	}
	summary := struct {
		RunID                string         `json:"runId"`
		Pipeline             string         `json:"pipeline"`
		Status               string         `json:"status"`
		TotalDurationSeconds float64        `json:"totalDurationSeconds"`
		FinalCommit          string         `json:"finalCommit,omitempty"`
		Stages               []stageSummary `json:"stages"`
	}{
		RunID:                state.RunID,
		Pipeline:             ec.pipeline.Name,
		Status:               string(state.Status),
		TotalDurationSeconds: state.Artifacts.TotalDurationSeconds,
		FinalCommit:          state.Artifacts.FinalCommit,
	}
	for _, se := range state.Stages {
		summary.Stages = append(summary.Stages, stageSummary{Name: se.StageName, Status: string(se.Status), DurationSeconds: se.DurationSeconds})
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		o.warn("marshaling pipeline-summary.json failed", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "pipeline-summary.json"), out, 0o644); err != nil {
		o.warn("writing pipeline-summary.json failed", "error", err)
	}
}

func (o *Orchestrator) finalizePullRequest(ctx context.Context, ec *execContext, state *runstate.PipelineState) {
	pc := git.NewPRCreator(ec.worktreePath, ec.logger)

	if err := pc.EnsureBranchPushed(ctx); err != nil {
		o.warn("pushing pipeline branch failed; create the pull request manually", "branch", ec.branch, "error", err)
		return
	}

	baseBranch := ec.pipeline.Git.EffectiveBaseBranch()
	opts := git.OptsFromConfig(ec.pipeline.Git.PullRequest, ec.pipeline.Name, ec.runID, ec.branch, baseBranch)

	res, err := pc.Create(ctx, opts)
	if errors.Is(err, git.ErrPRAlreadyExists) {
		existing, viewErr := pc.ViewExisting(ctx)
		if viewErr != nil {
			o.warn("a pull request already exists for this branch but it could not be looked up; check it manually", "branch", ec.branch, "error", viewErr)
			return
		}
		res, err = existing, nil
	}
	if err != nil {
		o.warn("creating pull request failed; run `gh pr create` manually", "branch", ec.branch, "error", err)
		return
	}

	state.Artifacts.PullRequest = &runstate.PullRequestArtifact{URL: res.URL, Number: res.Number, Branch: ec.branch}
	o.info("pull request ready", "url", res.URL, "branch", ec.branch)
}

func (o *Orchestrator) finalizeLocalMerge(ctx context.Context, ec *execContext, state *runstate.PipelineState) {
	baseBranch := ec.pipeline.Git.EffectiveBaseBranch()

	mainGit, err := git.NewGitClient(ec.repoRoot)
	if err != nil {
		o.warn("local merge: opening main repository failed", "error", err)
		return
	}
	current, err := mainGit.CurrentBranch(ctx)
	if err != nil {
		o.warn("local merge: determining current branch failed", "error", err)
		return
	}
	if current == baseBranch {
		o.warn("local merge: baseBranch is checked out in the main repository; merge manually once it is free", "baseBranch", baseBranch, "branch", ec.branch)
		return
	}

	mergeBranches := git.NewBranchManager(mainGit, pipecfg.GitConfig{BaseBranch: baseBranch, BranchStrategy: pipecfg.BranchReusable, BranchPrefix: "merge"}).WithLogger(ec.logger)
	mergeWorktrees := git.NewWorktreeManager(mainGit, mergeBranches, ec.repoRoot, "")
	mergeWt, err := mergeWorktrees.Provision(ctx, pipecfg.GitConfig{BaseBranch: baseBranch, BranchStrategy: pipecfg.BranchReusable, BranchPrefix: "merge"}, ec.pipeline.Name+"-merge", ec.runID)
	if err != nil {
		o.warn("local merge: provisioning temporary worktree on baseBranch failed; pipeline branch preserved", "branch", ec.branch, "baseBranch", baseBranch, "error", err)
		return
	}

	mergeGit, err := git.NewGitClient(mergeWt.Path)
	if err != nil {
		o.warn("local merge: opening temporary worktree git client failed; pipeline branch preserved", "worktree", mergeWt.Path, "error", err)
		return
	}

	msg := fmt.Sprintf("Merge pipeline branch %s into %s", ec.branch, baseBranch)
	if err := mergeGit.Merge(ctx, ec.branch, msg); err != nil {
		o.warn("local merge: merging pipeline branch failed; pipeline branch and temporary worktree preserved for manual resolution", "branch", ec.branch, "worktree", mergeWt.Path, "error", err)
		return
	}

	if err := mainGit.RemoveWorktree(ctx, mergeWt.Path, false); err != nil {
		o.warn("local merge: removing temporary worktree failed after a successful merge", "worktree", mergeWt.Path, "error", err)
		return
	}
	o.info("local merge completed", "branch", ec.branch, "baseBranch", baseBranch)
}

// disposeWorktree removes the run's worktree and branch per the
// configured branch strategy: reusable and unique-per-run worktrees are
// always kept, unique-and-delete is removed only on a successful run, and
// any strategy is kept on failure so the run can be inspected.
func (o *Orchestrator) disposeWorktree(ctx context.Context, ec *execContext, state *runstate.PipelineState, worktrees *git.WorktreeManager, wt *git.Worktree) {
	strategy := ec.pipeline.Git.BranchStrategy
	if strategy == "" {
		strategy = pipecfg.BranchUniquePerRun
	}

	if state.Status != runstate.PipelineCompleted {
		o.info("keeping worktree for inspection", "worktree", wt.Path, "status", state.Status)
		return
	}
	if strategy != pipecfg.BranchUniqueAndDelete {
		o.info("keeping worktree per branch strategy", "worktree", wt.Path, "strategy", strategy)
		return
	}

	if err := worktrees.Dispose(ctx, wt, false); err != nil {
		o.warn("disposing worktree failed", "worktree", wt.Path, "branch", wt.Branch, "error", err)
	}
}

func (o *Orchestrator) saveState(state *runstate.PipelineState) {
	if o.states == nil {
		return
	}
	if err := o.states.Save(state); err != nil {
		o.warn("saving pipeline state failed", "runId", state.RunID, "error", err)
	}
}

func (o *Orchestrator) warn(msg string, kvs ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, kvs...)
	}
}

func (o *Orchestrator) info(msg string, kvs ...any) {
	if o.logger != nil {
		o.logger.Info(msg, kvs...)
	}
}
