package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/runstate"
)

// classifyStageError maps a stage-execution failure onto the
// {message, code?, suggestion?, agentPath?} shape spec.md §4.7/§7 assigns
// to StageExecution.error, attaching a user-facing suggestion for the
// failure modes the spec names explicitly (missing agent file, runtime
// validation error, timeout, subprocess non-zero exit).
func classifyStageError(err error, agentPath string) *runstate.StageError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &runstate.StageError{
			Message:    err.Error(),
			Code:       string(perr.KindTimeout),
			Suggestion: "the stage exceeded its timeout; consider raising timeout or narrowing its scope",
			AgentPath:  agentPath,
		}
	}

	if kind, ok := perr.KindOf(err); ok {
		switch kind {
		case perr.KindPreFlight:
			return &runstate.StageError{
				Message:    err.Error(),
				Code:       string(kind),
				Suggestion: fmt.Sprintf("agent prompt file %q could not be read", agentPath),
				AgentPath:  agentPath,
			}
		case perr.KindRuntimeValidation:
			return &runstate.StageError{
				Message:    err.Error(),
				Code:       string(kind),
				Suggestion: "the selected runtime failed its own validation; check its CLI is installed and authenticated",
				AgentPath:  agentPath,
			}
		case perr.KindStage:
			return &runstate.StageError{
				Message:    err.Error(),
				Code:       string(kind),
				Suggestion: "the agent exited with a non-zero status or produced unparseable output",
				AgentPath:  agentPath,
			}
		}
	}

	return &runstate.StageError{
		Message:   err.Error(),
		AgentPath: agentPath,
	}
}
