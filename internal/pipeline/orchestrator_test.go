package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/pipeline/internal/git"
	"github.com/agentflow/pipeline/internal/handover"
	"github.com/agentflow/pipeline/internal/pipecfg"
	"github.com/agentflow/pipeline/internal/runstate"
)

// ---------------------------------------------------------------------------
// validateBoundaries
// ---------------------------------------------------------------------------

func TestValidateBoundaries_UniqueAndDeleteWithNoMergeIsRejected(t *testing.T) {
	t.Parallel()

	p := &pipecfg.Pipeline{Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete, MergeStrategy: pipecfg.MergeNone}}
	err := validateBoundaries(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discard all work")
}

func TestValidateBoundaries_UniqueAndDeleteWithLoopingIsRejected(t *testing.T) {
	t.Parallel()

	p := &pipecfg.Pipeline{
		Git:     pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete, MergeStrategy: pipecfg.MergeLocal},
		Looping: pipecfg.LoopingConfig{Enabled: true},
	}
	err := validateBoundaries(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "looping.enabled")
}

func TestValidateBoundaries_UniqueAndDeleteWithMergeAndNoLoopingIsAllowed(t *testing.T) {
	t.Parallel()

	p := &pipecfg.Pipeline{Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete, MergeStrategy: pipecfg.MergePullRequest}}
	assert.NoError(t, validateBoundaries(p))
}

func TestValidateBoundaries_OtherStrategiesUnconstrained(t *testing.T) {
	t.Parallel()

	p := &pipecfg.Pipeline{Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchReusable, MergeStrategy: pipecfg.MergeNone}}
	assert.NoError(t, validateBoundaries(p))
}

// ---------------------------------------------------------------------------
// writeSideOutputs
// ---------------------------------------------------------------------------

func newTestRepo(t *testing.T) (dir string, client *git.GitClient, initialCommit string) {
	t.Helper()
	dir = t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")

	client, err := git.NewGitClient(dir)
	require.NoError(t, err)
	initialCommit, err = client.HeadCommit(context.Background())
	require.NoError(t, err)
	return dir, client, initialCommit
}

func TestWriteSideOutputs_WritesChangedFilesAndSummary(t *testing.T) {
	t.Parallel()

	dir, client, initialCommit := newTestRepo(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package main\n"), 0o644))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	finalCommit, err := client.Commit(context.Background(), "nightly: stage build")
	require.NoError(t, err)
	require.NotEmpty(t, finalCommit)

	hm, err := handover.New(filepath.Join(dir, "handover"))
	require.NoError(t, err)

	ec := &execContext{
		pipeline:  &pipecfg.Pipeline{Name: "nightly"},
		runID:     "run-1",
		gitClient: client,
		handover:  hm,
	}
	state := &runstate.PipelineState{
		RunID:  "run-1",
		Status: runstate.PipelineCompleted,
		Artifacts: runstate.Artifacts{
			InitialCommit: initialCommit,
			FinalCommit:   finalCommit,
		},
		Stages: []runstate.StageExecution{
			{StageName: "build", Status: runstate.StageSuccess, DurationSeconds: 1.5},
		},
	}

	o := &Orchestrator{}
	o.writeSideOutputs(context.Background(), ec, state)

	changed, err := os.ReadFile(filepath.Join(hm.Dir(), "changed-files.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(changed), "feature.go")
	assert.Contains(t, state.Artifacts.ChangedFiles, "feature.go")

	summaryBytes, err := os.ReadFile(filepath.Join(hm.Dir(), "pipeline-summary.json"))
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(summaryBytes, &summary))
	assert.Equal(t, "run-1", summary["runId"])
	assert.Equal(t, "nightly", summary["pipeline"])
	assert.Equal(t, "completed", summary["status"])
	assert.Equal(t, finalCommit, summary["finalCommit"])

	stages, ok := summary["stages"].([]any)
	require.True(t, ok)
	require.Len(t, stages, 1)
	stage0 := stages[0].(map[string]any)
	assert.Equal(t, "build", stage0["name"])
	assert.Equal(t, "success", stage0["status"])
}

func TestWriteSideOutputs_NoHandoverIsNoop(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{}
	ec := &execContext{pipeline: &pipecfg.Pipeline{Name: "nightly"}}
	state := &runstate.PipelineState{RunID: "run-1"}

	assert.NotPanics(t, func() {
		o.writeSideOutputs(context.Background(), ec, state)
	})
}

// ---------------------------------------------------------------------------
// disposeWorktree
// ---------------------------------------------------------------------------

func TestDisposeWorktree_KeepsWorktreeWhenRunDidNotComplete(t *testing.T) {
	t.Parallel()

	dir, client, _ := newTestRepo(t)
	branches := git.NewBranchManager(client, pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete})
	worktrees := git.NewWorktreeManager(client, branches, dir, "")

	wt, err := worktrees.Provision(context.Background(), pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete}, "nightly", "run-12345678")
	require.NoError(t, err)

	o := &Orchestrator{}
	ec := &execContext{pipeline: &pipecfg.Pipeline{Name: "nightly", Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete}}}
	state := &runstate.PipelineState{Status: runstate.PipelineFailed}

	o.disposeWorktree(context.Background(), ec, state, worktrees, wt)

	_, err = os.Stat(wt.Path)
	assert.NoError(t, err, "worktree directory should still exist")
}

func TestDisposeWorktree_RemovesWorktreeOnCompletedUniqueAndDelete(t *testing.T) {
	t.Parallel()

	dir, client, _ := newTestRepo(t)
	branches := git.NewBranchManager(client, pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete})
	worktrees := git.NewWorktreeManager(client, branches, dir, "")

	wt, err := worktrees.Provision(context.Background(), pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete}, "nightly", "run-12345678")
	require.NoError(t, err)

	o := &Orchestrator{}
	ec := &execContext{pipeline: &pipecfg.Pipeline{Name: "nightly", Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchUniqueAndDelete}}}
	state := &runstate.PipelineState{Status: runstate.PipelineCompleted}

	o.disposeWorktree(context.Background(), ec, state, worktrees, wt)

	_, err = os.Stat(wt.Path)
	assert.True(t, os.IsNotExist(err), "worktree directory should have been removed")
}

func TestDisposeWorktree_KeepsWorktreeForReusableStrategy(t *testing.T) {
	t.Parallel()

	dir, client, _ := newTestRepo(t)
	branches := git.NewBranchManager(client, pipecfg.GitConfig{BranchStrategy: pipecfg.BranchReusable})
	worktrees := git.NewWorktreeManager(client, branches, dir, "")

	wt, err := worktrees.Provision(context.Background(), pipecfg.GitConfig{BranchStrategy: pipecfg.BranchReusable}, "nightly", "run-12345678")
	require.NoError(t, err)

	o := &Orchestrator{}
	ec := &execContext{pipeline: &pipecfg.Pipeline{Name: "nightly", Git: pipecfg.GitConfig{BranchStrategy: pipecfg.BranchReusable}}}
	state := &runstate.PipelineState{Status: runstate.PipelineCompleted}

	o.disposeWorktree(context.Background(), ec, state, worktrees, wt)

	_, err = os.Stat(wt.Path)
	assert.NoError(t, err, "worktree directory should still exist")
}
