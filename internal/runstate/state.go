// Package runstate defines PipelineState (spec.md §3) and the State
// Manager (spec.md §4.11): append-only JSON persistence of each run under
// .agent-pipeline/state/runs/<runId>.json. The JSON-snapshot-per-file shape
// is grounded on the teacher's workflow.WorkflowState ("persisted as JSON
// to .../state/<id>.json after every transition"); the atomic
// write-temp-then-rename mechanics are grounded on its task.StateManager.
package runstate

import "time"

// StageStatus is the lifecycle status of one stage execution.
type StageStatus string

const (
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// PipelineStatus is the overall run status.
type PipelineStatus string

const (
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineAborted   PipelineStatus = "aborted"
)

// TokenUsage mirrors the AgentRuntime result's usage shape, with both the
// pre-estimate and, when known, actual counts (spec.md §6's stable field
// names under tokenUsage).
type TokenUsage struct {
	EstimatedInput int `json:"estimated_input"`
	ActualInput    int `json:"actual_input,omitempty"`
	Output         int `json:"output,omitempty"`
	CacheCreation  int `json:"cache_creation,omitempty"`
	CacheRead      int `json:"cache_read,omitempty"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
	NumTurns       int `json:"num_turns,omitempty"`
}

// Total returns ActualInput+Output when ActualInput is known, else
// EstimatedInput+Output.
func (t TokenUsage) Total() int {
	in := t.ActualInput
	if in == 0 {
		in = t.EstimatedInput
	}
	return in + t.Output
}

// StageError is the classified failure attached to a failed stage
// (spec.md §3, §7).
type StageError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	AgentPath  string `json:"agentPath,omitempty"`
}

// StageExecution records one completed (or in-flight) stage run.
type StageExecution struct {
	StageName         string            `json:"stageName"`
	Status            StageStatus       `json:"status"`
	StartTime         time.Time         `json:"startTime"`
	EndTime           *time.Time        `json:"endTime,omitempty"`
	DurationSeconds   float64           `json:"duration,omitempty"`
	CommitSHA         string            `json:"commitSha,omitempty"`
	CommitMessage     string            `json:"commitMessage,omitempty"`
	AgentOutput       string            `json:"agentOutput,omitempty"`
	ExtractedData     map[string]string `json:"extractedData,omitempty"`
	TokenUsage        *TokenUsage       `json:"tokenUsage,omitempty"`
	Error             *StageError       `json:"error,omitempty"`
	RetryAttempt      int               `json:"retryAttempt"`
	MaxRetries        int               `json:"maxRetries"`
	ConditionEvaluated bool             `json:"conditionEvaluated,omitempty"`
	ConditionResult    bool             `json:"conditionResult,omitempty"`
}

// Finish marks se terminal with the given status at time t, computing the
// duration from StartTime. Terminal-stickiness (spec.md invariant 3) is the
// caller's responsibility: callers MUST NOT call Finish twice on the same
// StageExecution.
func (se *StageExecution) Finish(status StageStatus, t time.Time) {
	se.Status = status
	se.EndTime = &t
	se.DurationSeconds = t.Sub(se.StartTime).Seconds()
}

// PullRequestArtifact records a created or discovered PR.
type PullRequestArtifact struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	Branch string `json:"branch"`
}

// Artifacts holds run-wide outputs (spec.md §3).
type Artifacts struct {
	InitialCommit       string                `json:"initialCommit"`
	FinalCommit         string                `json:"finalCommit,omitempty"`
	ChangedFiles        []string              `json:"changedFiles,omitempty"`
	TotalDurationSeconds float64              `json:"totalDuration,omitempty"`
	HandoverDir         string                `json:"handoverDir"`
	MainRepoHandoverDir string                `json:"mainRepoHandoverDir,omitempty"`
	WorktreePath        string                `json:"worktreePath,omitempty"`
	PullRequest         *PullRequestArtifact  `json:"pullRequest,omitempty"`
}

// LoopContext records the current run's relationship to a loop session.
type LoopContext struct {
	Enabled           bool              `json:"enabled"`
	CurrentIteration  int               `json:"currentIteration,omitempty"`
	MaxIterations     int               `json:"maxIterations,omitempty"`
	LoopSessionID     string            `json:"loopSessionId,omitempty"`
	PipelineSource    string            `json:"pipelineSource,omitempty"`
	TerminationReason string            `json:"terminationReason,omitempty"`
	Directories       map[string]string `json:"directories,omitempty"`
	IsFinalGroup      bool              `json:"isFinalGroup,omitempty"`
}

// Trigger records what started the run.
type Trigger struct {
	Type      string    `json:"type"`
	CommitSHA string    `json:"commitSha,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineState is the full persisted state of one run (spec.md §3).
type PipelineState struct {
	RunID          string           `json:"runId"`
	PipelineConfig any              `json:"pipelineConfig"`
	Trigger        Trigger          `json:"trigger"`
	Stages         []StageExecution `json:"stages"`
	Status         PipelineStatus   `json:"status"`
	Artifacts      Artifacts        `json:"artifacts"`
	LoopContext    LoopContext      `json:"loopContext"`
}

// AppendStage appends a stage execution. Per spec.md invariant 2, stages
// are appended in completion order and are never reordered or deleted.
func (ps *PipelineState) AppendStage(se StageExecution) {
	ps.Stages = append(ps.Stages, se)
}

// StageByName returns the most recent execution recorded for name, if any.
func (ps *PipelineState) StageByName(name string) (StageExecution, bool) {
	for i := len(ps.Stages) - 1; i >= 0; i-- {
		if ps.Stages[i].StageName == name {
			return ps.Stages[i], true
		}
	}
	return StageExecution{}, false
}
