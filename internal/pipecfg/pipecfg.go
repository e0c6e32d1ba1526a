// Package pipecfg holds the declarative pipeline configuration data model
// (spec.md §3 "Pipeline configuration") and a thin YAML decode entry point.
// Loading the file from disk — path resolution, glob discovery of
// .agent-pipeline/pipelines/*.yaml — is an external concern; this package
// owns only the struct the DAG Planner validates and a plain Decode
// function, since without a concrete struct the planner would have
// nothing to operate on.
package pipecfg

// BackoffKind mirrors retry.BackoffKind at the config boundary so this
// package has no dependency on internal/retry.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// FailureStrategy selects what happens downstream of a failed stage.
type FailureStrategy string

const (
	FailureStop     FailureStrategy = "stop"
	FailureWarn     FailureStrategy = "warn"
	FailureContinue FailureStrategy = "continue"
)

// ExecutionMode selects whether stages within a pipeline run sequentially
// or in DAG-ordered parallel groups.
type ExecutionMode string

const (
	ExecutionSequential ExecutionMode = "sequential"
	ExecutionParallel   ExecutionMode = "parallel"
)

// BranchStrategy names the per-run branch allocation/disposal policy.
type BranchStrategy string

const (
	BranchReusable       BranchStrategy = "reusable"
	BranchUniquePerRun   BranchStrategy = "unique-per-run"
	BranchUniqueAndDelete BranchStrategy = "unique-and-delete"
)

// MergeStrategy names the policy for integrating a run's branch.
type MergeStrategy string

const (
	MergePullRequest MergeStrategy = "pull-request"
	MergeLocal       MergeStrategy = "local-merge"
	MergeNone        MergeStrategy = "none"
)

// PermissionMode mirrors the AgentRuntime request's permission mode.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
)

// RetryConfig is a stage's retry policy, spec.md §3/§4.2.
type RetryConfig struct {
	MaxAttempts  int         `yaml:"maxAttempts"`
	Backoff      BackoffKind `yaml:"backoff"`
	InitialDelay int         `yaml:"initialDelay"` // milliseconds
	MaxDelay     int         `yaml:"maxDelay"`      // milliseconds
}

// RuntimeConfig is a type tag plus an opaque options bag, usable at both
// the pipeline level (default) and the stage level (override).
type RuntimeConfig struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options,omitempty"`
}

// StageConfig is one node in the pipeline DAG.
type StageConfig struct {
	Name          string            `yaml:"name"`
	Agent         string            `yaml:"agent"` // path to a prompt file
	DependsOn     []string          `yaml:"dependsOn,omitempty"`
	Enabled       *bool             `yaml:"enabled,omitempty"` // default true
	TimeoutSec    int               `yaml:"timeout,omitempty"` // default 900
	Retry         *RetryConfig      `yaml:"retry,omitempty"`
	OnFail        FailureStrategy   `yaml:"onFail,omitempty"`
	Runtime       *RuntimeConfig    `yaml:"runtime,omitempty"`
	Inputs        map[string]string `yaml:"inputs,omitempty"`
	AutoCommit    *bool             `yaml:"autoCommit,omitempty"`
	CommitMessage string            `yaml:"commitMessage,omitempty"`
	Condition     string            `yaml:"condition,omitempty"` // opaque to the engine
}

// IsEnabled returns the effective enabled flag, defaulting to true.
func (s StageConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveTimeout returns the stage timeout in seconds, defaulting to 900.
func (s StageConfig) EffectiveTimeout() int {
	if s.TimeoutSec > 0 {
		return s.TimeoutSec
	}
	return 900
}

// PullRequestConfig carries PR template fields; title/body may reference
// {{pipelineName}}, {{runId}}, {{branch}}.
type PullRequestConfig struct {
	Title     string   `yaml:"title,omitempty"`
	Body      string   `yaml:"body,omitempty"`
	Reviewers []string `yaml:"reviewers,omitempty"`
	Labels    []string `yaml:"labels,omitempty"`
	Draft     bool     `yaml:"draft,omitempty"`
}

// GitConfig is the pipeline's git/worktree/branch/merge configuration.
type GitConfig struct {
	BaseBranch     string             `yaml:"baseBranch,omitempty"`
	BranchStrategy BranchStrategy     `yaml:"branchStrategy,omitempty"`
	BranchPrefix   string             `yaml:"branchPrefix,omitempty"`
	MergeStrategy  MergeStrategy      `yaml:"mergeStrategy,omitempty"`
	PullRequest    PullRequestConfig  `yaml:"pullRequest,omitempty"`
	WorktreeDir    string             `yaml:"worktreeDirectory,omitempty"`
}

// EffectiveBaseBranch defaults to "main".
func (g GitConfig) EffectiveBaseBranch() string {
	if g.BaseBranch != "" {
		return g.BaseBranch
	}
	return "main"
}

// EffectiveBranchPrefix defaults to "pipeline".
func (g GitConfig) EffectiveBranchPrefix() string {
	if g.BranchPrefix != "" {
		return g.BranchPrefix
	}
	return "pipeline"
}

// LoopingDirectories names the four queue directories; entries may be
// absolute or relative to the repository root.
type LoopingDirectories struct {
	Pending  string `yaml:"pending,omitempty"`
	Running  string `yaml:"running,omitempty"`
	Finished string `yaml:"finished,omitempty"`
	Failed   string `yaml:"failed,omitempty"`
}

// LoopingConfig configures the loop controller.
type LoopingConfig struct {
	Enabled       bool               `yaml:"enabled,omitempty"`
	MaxIterations int                `yaml:"maxIterations,omitempty"` // default 100
	Directories   LoopingDirectories `yaml:"directories,omitempty"`
}

// EffectiveMaxIterations defaults to 100.
func (l LoopingConfig) EffectiveMaxIterations() int {
	if l.MaxIterations > 0 {
		return l.MaxIterations
	}
	return 100
}

// Settings holds pipeline-wide behavioral defaults.
type Settings struct {
	AutoCommit      *bool           `yaml:"autoCommit,omitempty"` // default true
	CommitPrefix    string          `yaml:"commitPrefix,omitempty"`
	ExecutionMode   ExecutionMode   `yaml:"executionMode,omitempty"`
	FailureStrategy FailureStrategy `yaml:"failureStrategy,omitempty"` // default stop
	PermissionMode  PermissionMode  `yaml:"permissionMode,omitempty"`
	PreserveWorkingTree bool        `yaml:"preserveWorkingTree,omitempty"`
	Instructions    map[string]string `yaml:"instructions,omitempty"`
}

// EffectiveAutoCommit defaults to true.
func (s Settings) EffectiveAutoCommit() bool {
	return s.AutoCommit == nil || *s.AutoCommit
}

// EffectiveFailureStrategy defaults to "stop".
func (s Settings) EffectiveFailureStrategy() FailureStrategy {
	if s.FailureStrategy != "" {
		return s.FailureStrategy
	}
	return FailureStop
}

// Pipeline is the full declarative pipeline configuration (spec.md §3).
type Pipeline struct {
	Name          string           `yaml:"name"`
	Trigger       string           `yaml:"trigger,omitempty"` // "manual" | other event tags
	Agents        []StageConfig    `yaml:"agents"`
	Runtime       RuntimeConfig    `yaml:"runtime,omitempty"`
	Settings      Settings         `yaml:"settings,omitempty"`
	Git           GitConfig        `yaml:"git,omitempty"`
	Looping       LoopingConfig    `yaml:"looping,omitempty"`
	Notifications map[string]any   `yaml:"notifications,omitempty"` // opaque to the core
	Handover      map[string]any   `yaml:"handover,omitempty"`       // opaque to the core

	// sourcePath, when set by Decode, is the filesystem path the pipeline
	// was loaded from. The Loop Executor re-reads the source YAML from
	// here when available (spec.md §4.9.2).
	sourcePath string `yaml:"-"`
}

// SourcePath returns the path Decode was given, or "" if the pipeline was
// constructed in memory.
func (p *Pipeline) SourcePath() string { return p.sourcePath }

// SetSourcePath records the path a pipeline was loaded from. Exported so
// callers that construct a Pipeline outside Decode (tests, the loop
// executor reconstructing from config) can still participate in
// source-path-aware re-reads.
func (p *Pipeline) SetSourcePath(path string) { p.sourcePath = path }
