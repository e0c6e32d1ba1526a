package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentflow/pipeline/internal/agent"
	"github.com/agentflow/pipeline/internal/git"
	"github.com/agentflow/pipeline/internal/handover"
	"github.com/agentflow/pipeline/internal/loopqueue"
	"github.com/agentflow/pipeline/internal/metrics"
	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/pipecfg"
	"github.com/agentflow/pipeline/internal/retry"
	"github.com/agentflow/pipeline/internal/runstate"
	"github.com/agentflow/pipeline/internal/tokencount"
)

// defaultRuntimeTag is the global fallback runtime when neither a stage
// nor the pipeline declares one (spec.md §4.7 step 1).
const defaultRuntimeTag = "claude-code-headless"

// timeoutWarningMarks are the elapsed-time points at which the Stage
// Executor prints a non-blocking warning if the stage has not yet
// completed (spec.md §4.7 step 4, §5 "tiered warnings at 5/10/13
// minutes").
var timeoutWarningMarks = []time.Duration{5 * time.Minute, 10 * time.Minute, 13 * time.Minute}

// execContext bundles everything a single run's stage executions share:
// the pipeline, the execution-side git client (the worktree's client when
// a worktree is in use), the handover manager, and the ambient
// observability hooks. It is rebuilt once per run by the Orchestrator and
// passed by reference into every stage and group execution.
type execContext struct {
	pipeline     *pipecfg.Pipeline
	runID        string
	branch       string
	repoRoot     string
	worktreePath string
	pendingDir   string

	registry   *agent.RuntimeRegistry
	handover   *handover.Manager
	gitClient  *git.GitClient
	metrics    *metrics.Recorder
	logger     *log.Logger
	rateLimits *agent.RateLimitCoordinator

	loop         *LoopMeta
	isFinalGroup bool
}

func (ec *execContext) workDir() string {
	if ec.worktreePath != "" {
		return ec.worktreePath
	}
	return ec.repoRoot
}

// attemptResult is the step-1-through-4 output of one Stage Executor
// attempt, before recording/commit/logging (which happen once, outside
// the retry envelope).
type attemptResult struct {
	output         *agent.Result
	agentPath      string
	estimatedInput int
}

// executeStage runs the full Stage Executor contract (spec.md §4.7) for
// one stage: runtime resolution through retry are wrapped per attempt;
// recording, auto-commit, and logging happen once regardless of how many
// attempts it took.
func executeStage(ctx context.Context, ec *execContext, stage pipecfg.StageConfig) runstate.StageExecution {
	start := time.Now()
	se := runstate.StageExecution{StageName: stage.Name, Status: runstate.StageRunning, StartTime: start}

	policy := retryPolicyFor(stage)
	maxAttempts := policy.MaxAttempts

	var (
		estimatedInput int
		agentPath      string
		attemptsUsed   int
		result         *agent.Result
	)

	notify := func(a retry.Attempt) {
		if ec.logger != nil {
			ec.logger.Warn("stage retrying", "stage", stage.Name, "attempt", a.AttemptNumber, "maxAttempts", a.MaxAttempts, "error", a.LastError)
		}
	}

	runErr := retry.Do(ctx, policy, notify, func(attemptCtx context.Context) error {
		attemptsUsed++
		ar, err := runStageAttempt(attemptCtx, ec, stage)
		agentPath = ar.agentPath
		estimatedInput = ar.estimatedInput
		if err != nil {
			return err
		}
		result = ar.output
		return nil
	})

	se.RetryAttempt = attemptsUsed - 1
	if se.RetryAttempt < 0 {
		se.RetryAttempt = 0
	}
	se.MaxRetries = maxAttempts - 1
	if se.MaxRetries < 0 {
		se.MaxRetries = 0
	}
	se.TokenUsage = &runstate.TokenUsage{EstimatedInput: estimatedInput}

	if runErr != nil {
		se.Error = classifyStageError(runErr, agentPath)
		se.Finish(runstate.StageFailed, time.Now())
		finishStage(ec, stage, &se)
		return se
	}

	se.AgentOutput = result.TextOutput
	se.ExtractedData = result.ExtractedData
	if result.TokenUsage != nil {
		se.TokenUsage.ActualInput = result.TokenUsage.InputTokens
		se.TokenUsage.Output = result.TokenUsage.OutputTokens
		se.TokenUsage.CacheCreation = result.TokenUsage.CacheCreationTokens
		se.TokenUsage.CacheRead = result.TokenUsage.CacheReadTokens
		se.TokenUsage.ThinkingTokens = result.TokenUsage.ThinkingTokens
		se.TokenUsage.NumTurns = result.NumTurns
	}

	if ec.handover != nil && !loopqueue.IsLoopAgentStage(stage.Name) {
		if err := ec.handover.WriteStageOutput(stage.Name, result.TextOutput); err != nil && ec.logger != nil {
			ec.logger.Warn("writing stage output to handover failed", "stage", stage.Name, "error", err)
		}
	}

	if effectiveAutoCommit(ec.pipeline.Settings, stage) && ec.gitClient != nil {
		msg := buildCommitMessage(ec, stage)
		sha, cerr := ec.gitClient.Commit(ctx, msg)
		if cerr != nil {
			if ec.logger != nil {
				ec.logger.Warn("auto-commit failed", "stage", stage.Name, "error", cerr)
			}
		} else if sha != "" {
			se.CommitSHA = sha
			se.CommitMessage = msg
		}
	}

	se.Finish(runstate.StageSuccess, time.Now())
	finishStage(ec, stage, &se)
	return se
}

// runStageAttempt performs steps 1-4 of the Stage Executor contract for a
// single attempt: runtime resolution, prompt assembly, token
// pre-estimate, and the timed runtime call.
func runStageAttempt(ctx context.Context, ec *execContext, stage pipecfg.StageConfig) (attemptResult, error) {
	tag := resolveRuntimeTag(ec.pipeline, stage)
	rt, err := ec.registry.Get(tag)
	if err != nil {
		return attemptResult{agentPath: stage.Agent}, perr.Wrap(perr.KindRuntimeValidation,
			fmt.Sprintf("resolving runtime for stage %q", stage.Name), err)
	}
	if vr := rt.Validate(); vr.HasErrors() {
		return attemptResult{agentPath: stage.Agent}, perr.New(perr.KindRuntimeValidation,
			fmt.Sprintf("runtime %q invalid: %s", tag, strings.Join(vr.ErrorMessages(), "; ")))
	}

	systemPrompt, userPrompt, err := assemblePrompt(ec, stage)
	if err != nil {
		return attemptResult{agentPath: stage.Agent}, err
	}

	estimated := tokencount.EstimateTokens(userPrompt + systemPrompt)

	timeout := time.Duration(stage.EffectiveTimeout()) * time.Second
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stop := scheduleTimeoutWarnings(ec, stage, timeout)
	defer stop()

	runtimeOpts := resolveRuntimeOptions(ec.pipeline, stage)

	req := agent.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Options: agent.RequestOptions{
			Timeout:           timeout,
			PermissionMode:    agent.PermissionMode(effectivePermissionMode(ec.pipeline.Settings)),
			MaxTurns:          intOption(runtimeOpts, "maxTurns"),
			MaxThinkingTokens: intOption(runtimeOpts, "maxThinkingTokens"),
			RuntimeOptions: map[string]any{
				"cwd":             ec.workDir(),
				"allowedTools":    stringOption(runtimeOpts, "allowedTools"),
				"disallowedTools": stringOption(runtimeOpts, "disallowedTools"),
			},
			OnOutputUpdate: func(line string) {
				if ec.logger != nil {
					ec.logger.Debug("stage activity", "stage", stage.Name, "update", line)
				}
			},
		},
	}

	if ec.rateLimits != nil {
		if err := ec.rateLimits.WaitForReset(attemptCtx, rt.RuntimeName()); err != nil {
			return attemptResult{agentPath: stage.Agent, estimatedInput: estimated}, perr.Wrap(perr.KindStage,
				fmt.Sprintf("stage %q waiting out rate limit", stage.Name), err)
		}
	}

	result, err := rt.Execute(attemptCtx, req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return attemptResult{agentPath: stage.Agent, estimatedInput: estimated}, attemptCtx.Err()
		}
		return attemptResult{agentPath: stage.Agent, estimatedInput: estimated}, perr.Wrap(perr.KindStage,
			fmt.Sprintf("stage %q execute", stage.Name), err)
	}

	if ec.rateLimits != nil {
		if result.RateLimit != nil && result.RateLimit.IsLimited {
			ec.rateLimits.RecordRateLimit(rt.RuntimeName(), result.RateLimit)
		} else {
			ec.rateLimits.ClearRateLimit(rt.RuntimeName())
		}
	}

	return attemptResult{output: result, agentPath: stage.Agent, estimatedInput: estimated}, nil
}

// assemblePrompt builds the system and user prompts for one stage
// (spec.md §4.7 step 2). The synthetic loop-agent stage has no agent
// file on disk, so it is routed through loopqueue.BuildLoopAgentPrompt
// instead of reading stage.Agent.
func assemblePrompt(ec *execContext, stage pipecfg.StageConfig) (systemPrompt, userPrompt string, err error) {
	if loopqueue.IsLoopAgentStage(stage.Name) {
		yamlText, err := loopqueue.PipelineYAML(ec.pipeline)
		if err != nil {
			return "", "", err
		}
		iteration := 0
		if ec.loop != nil {
			iteration = ec.loop.Iteration
		}
		prompt := loopqueue.BuildLoopAgentPrompt(yamlText, ec.pendingDir, iteration, ec.pipeline.Looping.EffectiveMaxIterations())
		return "", prompt, nil
	}

	raw, err := os.ReadFile(stage.Agent)
	if err != nil {
		return "", "", perr.Wrap(perr.KindPreFlight, fmt.Sprintf("reading agent file for stage %q", stage.Name), err)
	}
	systemPrompt = string(raw)

	var previousStages []string
	if ec.handover != nil {
		previousStages, _ = ec.handover.GetPreviousStages()
	}
	customPath := ""
	if ec.pipeline.Settings.Instructions != nil {
		customPath = ec.pipeline.Settings.Instructions[stage.Name]
	}

	var handoverMsg string
	if ec.handover != nil {
		handoverMsg, err = ec.handover.BuildContextMessage(stage.Name, previousStages, customPath)
		if err != nil {
			return "", "", err
		}
	}

	var b strings.Builder
	b.WriteString(executionEnvironmentPreamble(ec))
	if handoverMsg != "" {
		b.WriteString("\n\n")
		b.WriteString(handoverMsg)
	}
	if ec.pipeline.Looping.Enabled && ec.isFinalGroup {
		b.WriteString("\n\n")
		b.WriteString(loopContextSection(ec))
	}
	b.WriteString("\n\nInputs:\n")
	b.WriteString(renderInputsBlock(stage.Inputs))

	return systemPrompt, b.String(), nil
}

func executionEnvironmentPreamble(ec *execContext) string {
	var b strings.Builder
	b.WriteString("Execution environment:\n")
	fmt.Fprintf(&b, "- working directory: %s\n", ec.workDir())
	fmt.Fprintf(&b, "- main repository path: %s\n", ec.repoRoot)
	if ec.worktreePath != "" {
		b.WriteString("- running in an isolated worktree; nothing here touches the main repository checkout until the run is finalized\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func loopContextSection(ec *execContext) string {
	iteration := 0
	if ec.loop != nil {
		iteration = ec.loop.Iteration
	}
	return fmt.Sprintf("Loop context:\n- current iteration: %d\n- max iterations: %d\n- this is the final stage group of the current iteration\n",
		iteration, ec.pipeline.Looping.EffectiveMaxIterations())
}

// retryPolicyFor converts a stage's declarative RetryConfig into a
// retry.Policy; a stage with no retry configured runs exactly once.
func retryPolicyFor(stage pipecfg.StageConfig) retry.Policy {
	if stage.Retry == nil {
		return retry.Policy{MaxAttempts: 1}
	}
	p := retry.Policy{
		MaxAttempts:  stage.Retry.MaxAttempts,
		Backoff:      retry.BackoffKind(stage.Retry.Backoff),
		InitialDelay: time.Duration(stage.Retry.InitialDelay) * time.Millisecond,
		MaxDelay:     time.Duration(stage.Retry.MaxDelay) * time.Millisecond,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

func resolveRuntimeTag(p *pipecfg.Pipeline, stage pipecfg.StageConfig) string {
	if stage.Runtime != nil && stage.Runtime.Type != "" {
		return stage.Runtime.Type
	}
	if p.Runtime.Type != "" {
		return p.Runtime.Type
	}
	return defaultRuntimeTag
}

// resolveRuntimeOptions returns the options bag for whichever runtime
// config governs this stage (stage override, else pipeline default),
// mirroring resolveRuntimeTag's precedence.
func resolveRuntimeOptions(p *pipecfg.Pipeline, stage pipecfg.StageConfig) map[string]any {
	if stage.Runtime != nil && stage.Runtime.Type != "" {
		return stage.Runtime.Options
	}
	return p.Runtime.Options
}

func intOption(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringOption(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func effectivePermissionMode(s pipecfg.Settings) pipecfg.PermissionMode {
	if s.PermissionMode != "" {
		return s.PermissionMode
	}
	return pipecfg.PermissionDefault
}

func effectiveAutoCommit(s pipecfg.Settings, stage pipecfg.StageConfig) bool {
	if stage.AutoCommit != nil {
		return *stage.AutoCommit
	}
	return s.EffectiveAutoCommit()
}

func buildCommitMessage(ec *execContext, stage pipecfg.StageConfig) string {
	vars := templateVars(stage.Name, ec.pipeline.Name, ec.runID, ec.branch)
	msg := renderTemplate(ec.pipeline.Settings.CommitPrefix, vars, ec.logger)
	switch {
	case msg != "" && stage.CommitMessage != "":
		msg = msg + ": " + stage.CommitMessage
	case msg == "" && stage.CommitMessage != "":
		msg = stage.CommitMessage
	case msg == "":
		msg = fmt.Sprintf("%s: stage %s", ec.pipeline.Name, stage.Name)
	}
	return msg
}

// scheduleTimeoutWarnings arms non-blocking warning timers at each mark in
// timeoutWarningMarks that falls below timeout, returning a stop function
// that cancels every armed timer; callers defer stop() immediately after
// scheduling so normal completion never leaves a timer live.
func scheduleTimeoutWarnings(ec *execContext, stage pipecfg.StageConfig, timeout time.Duration) func() {
	var timers []*time.Timer
	for _, mark := range timeoutWarningMarks {
		if mark >= timeout {
			continue
		}
		mark := mark
		timers = append(timers, time.AfterFunc(mark, func() {
			if ec.logger != nil {
				ec.logger.Warn("stage still running", "stage", stage.Name, "elapsed", mark)
			}
		}))
	}
	return func() {
		for _, t := range timers {
			t.Stop()
		}
	}
}

func finishStage(ec *execContext, stage pipecfg.StageConfig, se *runstate.StageExecution) {
	if ec.handover != nil {
		summary := se.AgentOutput
		if len(summary) > 200 {
			summary = summary[:200] + "…"
		}
		if err := ec.handover.AppendToLog(stage.Name, string(se.Status), time.Duration(se.DurationSeconds*float64(time.Second)), summary); err != nil && ec.logger != nil {
			ec.logger.Warn("appending to execution log failed", "stage", stage.Name, "error", err)
		}
	}
	if ec.logger != nil {
		ec.logger.Info("stage finished", "stage", stage.Name, "status", se.Status, "duration", se.DurationSeconds, "retryAttempt", se.RetryAttempt)
	}
	if ec.metrics != nil {
		ec.metrics.ObserveStage(ec.pipeline.Name, stage.Name, string(se.Status), se.DurationSeconds)
		if se.TokenUsage != nil {
			ec.metrics.AddTokens(ec.pipeline.Name, stage.Name, "input", se.TokenUsage.ActualInput)
			ec.metrics.AddTokens(ec.pipeline.Name, stage.Name, "output", se.TokenUsage.Output)
			ec.metrics.AddTokens(ec.pipeline.Name, stage.Name, "cache_creation", se.TokenUsage.CacheCreation)
			ec.metrics.AddTokens(ec.pipeline.Name, stage.Name, "cache_read", se.TokenUsage.CacheRead)
			ec.metrics.AddTokens(ec.pipeline.Name, stage.Name, "thinking", se.TokenUsage.ThinkingTokens)
		}
	}
}
