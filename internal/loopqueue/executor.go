package loopqueue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentflow/pipeline/internal/pipecfg"
)

const loopAgentBaseName = "loop-agent"

// InjectLoopAgentStage returns a shallow copy of p with a synthetic
// "loop-agent" stage appended, depending on every stage already in p so it
// runs strictly last, with onFail=warn (spec.md §4.9.1). p itself is not
// mutated. runID is used only to disambiguate the injected stage's name
// if "loop-agent" collides with a name the pipeline already declares.
func InjectLoopAgentStage(p *pipecfg.Pipeline, runID string) *pipecfg.Pipeline {
	existing := make(map[string]bool, len(p.Agents))
	deps := make([]string, 0, len(p.Agents))
	for _, s := range p.Agents {
		existing[s.Name] = true
		deps = append(deps, s.Name)
	}

	name := loopAgentBaseName
	if existing[name] {
		suffix := runID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		name = fmt.Sprintf("%s-%s", loopAgentBaseName, suffix)
		for n := 1; existing[name]; n++ {
			name = fmt.Sprintf("%s-%s-%d", loopAgentBaseName, suffix, n)
		}
	}

	injected := *p
	injected.Agents = append(append([]pipecfg.StageConfig{}, p.Agents...), pipecfg.StageConfig{
		Name:      name,
		DependsOn: deps,
		OnFail:    pipecfg.FailureWarn,
	})
	return &injected
}

// IsLoopAgentStage reports whether name has the form InjectLoopAgentStage
// gives the injected stage: "loop-agent" or any name starting with
// "loop-agent-" (a declared stage with such a name matches too), so the
// stage executor can special-case it (the loop-agent has no agent prompt file on disk; its prompt is
// built by BuildLoopAgentPrompt instead).
func IsLoopAgentStage(name string) bool {
	return name == loopAgentBaseName || strings.HasPrefix(name, loopAgentBaseName+"-")
}

// PipelineYAML returns the source YAML text for p: its on-disk source
// file when SourcePath is known, else a re-marshaled reconstruction from
// the decoded config (spec.md §4.9.2, supplemented per SPEC_FULL.md §12
// to actually parse the result via pipecfg.Decode downstream).
func PipelineYAML(p *pipecfg.Pipeline) (string, error) {
	if src := p.SourcePath(); src != "" {
		data, err := os.ReadFile(src)
		if err == nil {
			return string(data), nil
		}
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("loopqueue: reconstructing pipeline YAML: %w", err)
	}
	return string(data), nil
}

// BuildLoopAgentPrompt assembles the loop-agent's user prompt: the
// current pipeline YAML, the pending directory path, and the iteration
// counter (spec.md §4.9.2).
func BuildLoopAgentPrompt(pipelineYAML, pendingDir string, iteration, maxIterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the loop-agent stage of an automated pipeline loop.\n\n")
	fmt.Fprintf(&b, "Iteration: %d/%d\n", iteration, maxIterations)
	fmt.Fprintf(&b, "Pending queue directory: %s\n\n", pendingDir)
	fmt.Fprintf(&b, "Current pipeline definition:\n---\n%s---\n\n", pipelineYAML)
	b.WriteString("If another iteration of this pipeline is warranted, write a new pipeline YAML file into the pending queue directory describing it. Otherwise leave the directory as it is; the loop ends naturally once it is empty.\n")
	return b.String()
}

// ClaimNext selects the oldest pending pipeline file (by mtime), moves it
// into running/, and decodes it. It returns (nil path, nil pipeline, nil
// error) when pending/ is empty — the natural-termination signal (spec.md
// §4.9 "Termination").
func ClaimNext(dirs Dirs) (runningPath string, pipeline *pipecfg.Pipeline, err error) {
	pending, err := ListPending(dirs)
	if err != nil {
		return "", nil, err
	}
	if len(pending) == 0 {
		return "", nil, nil
	}

	oldest := pending[0]
	dest, err := Move(oldest, dirs.Running)
	if err != nil {
		return "", nil, err
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		return dest, nil, fmt.Errorf("loopqueue: reading claimed pipeline %q: %w", dest, err)
	}
	p, err := pipecfg.Decode(data, dest)
	if err != nil {
		return dest, nil, fmt.Errorf("loopqueue: decoding claimed pipeline %q: %w", dest, err)
	}
	return dest, p, nil
}

// Resolve moves a claimed (running/) file into finished/ or failed/
// depending on how the iteration concluded.
func Resolve(dirs Dirs, runningPath string, succeeded bool) (string, error) {
	target := dirs.Failed
	if succeeded {
		target = dirs.Finished
	}
	return Move(runningPath, target)
}

// TerminationReason names why a loop session ended (spec.md §4.9
// "Termination").
type TerminationReason string

const (
	ReasonNatural      TerminationReason = "natural"
	ReasonLimitReached TerminationReason = "limit-reached"
	ReasonFailure      TerminationReason = "failure"
	ReasonAborted      TerminationReason = "aborted"
)

// sessionStatusFor maps a termination reason onto the Session.Status
// enum, which (unlike TerminationReason) has no "aborted" value of its
// own: both forced-stop reasons collapse onto SessionFailed, and natural
// termination maps onto SessionCompleted.
func sessionStatusFor(reason TerminationReason) SessionStatus {
	switch reason {
	case ReasonNatural:
		return SessionCompleted
	case ReasonLimitReached:
		return SessionLimitReached
	default:
		return SessionFailed
	}
}

// RunPipelineFunc executes one claimed pipeline end to end (DAG plan,
// stage executors, finalizer) and reports how it concluded. The loop
// controller treats any returned error as a stop-the-loop failure.
type RunPipelineFunc func(ctx context.Context, p *pipecfg.Pipeline) (succeeded bool, duration time.Duration, err error)

// Controller drives a loop session end to end: claiming pending
// pipelines, running them via runPipeline, recording iterations, and
// shuffling queue files between a worktree-local and main-repo view
// (spec.md §4.9.4).
type Controller struct {
	sessions *SessionManager
}

// NewController returns a Controller persisting sessions through sessions.
func NewController(sessions *SessionManager) *Controller {
	return &Controller{sessions: sessions}
}

// Run drives sessionID to completion: EnsureExist on worktreeDirs, then
// iterate claim/run/resolve/record until natural termination, the
// iteration limit, a failure, or ctx cancellation. After each iteration,
// failed ones included, the worktree's queue directories are mirrored back
// into mainDirs (spec.md §4.9.4's worktree/main-repo queue duplication).
func (c *Controller) Run(ctx context.Context, sessionID string, worktreeDirs, mainDirs Dirs, maxIterations int, runPipeline RunPipelineFunc) (*Session, error) {
	if err := EnsureExist(worktreeDirs); err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:     sessionID,
		StartTime:     time.Now().UTC().Format(time.RFC3339),
		Status:        SessionRunning,
		MaxIterations: maxIterations,
	}

	reason := ReasonNatural
	iteration := 0

iterationLoop:
	for {
		iteration++
		if iteration > maxIterations {
			reason = ReasonLimitReached
			break
		}
		select {
		case <-ctx.Done():
			reason = ReasonAborted
			break iterationLoop
		default:
		}

		runningPath, pipeline, err := ClaimNext(worktreeDirs)
		if err != nil {
			reason = ReasonFailure
			break
		}
		if pipeline == nil {
			reason = ReasonNatural
			break
		}

		start := time.Now()
		succeeded, _, runErr := runPipeline(ctx, pipeline)
		duration := time.Since(start)

		if _, moveErr := Resolve(worktreeDirs, runningPath, succeeded && runErr == nil); moveErr != nil {
			return session, moveErr
		}

		iterStatus := IterationCompleted
		switch {
		case runErr != nil:
			iterStatus = IterationFailed
		case ctx.Err() != nil:
			iterStatus = IterationAborted
		case !succeeded:
			iterStatus = IterationFailed
		}
		it := Iteration{
			IterationNumber: iteration,
			PipelineName:    pipeline.Name,
			RunID:           sessionID,
			Status:          iterStatus,
			DurationSeconds: duration.Seconds(),
		}
		if !session.UpdateIteration(iteration, it) {
			session.AppendIteration(it)
		}
		if err := c.sessions.Save(session); err != nil {
			return session, err
		}

		if err := CopyBackAll(worktreeDirs, mainDirs); err != nil {
			return session, err
		}

		if runErr != nil || !succeeded {
			reason = ReasonFailure
			break
		}
	}

	session.Status = sessionStatusFor(reason)
	session.EndTime = time.Now().UTC().Format(time.RFC3339)
	if err := c.sessions.Save(session); err != nil {
		return session, err
	}
	return session, nil
}
