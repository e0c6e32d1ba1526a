package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentflow/pipeline/internal/dag"
	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/pipecfg"
	"github.com/agentflow/pipeline/internal/runstate"
)

// runGroup executes one DAG level (spec.md §4.8): stages already known to
// be blocked (disabled, a dependency failed, or skipped by a false
// condition) are recorded as skipped before the group starts; the
// remaining stages fan out concurrently the way the teacher's review
// orchestrator fans review agents out across an errgroup with
// SetLimit(concurrency) and a mutex-guarded result slice, except here the
// "concurrency" is simply the group's full width — a DAG level is already
// the unit of parallelism spec.md §5 wants bounded together, not spread
// thinner.
//
// onComplete is invoked once per stage, in completion order, including
// skip records (emitted before any concurrent stage starts). blocked is
// mutated in place so the caller can carry it into the next group.
//
// The return value reports whether any stage in this group failed under
// an effective onFail of "stop" — the caller must not start the next
// group when true.
func runGroup(ctx context.Context, ec *execContext, group dag.Group, blocked map[string]bool, onComplete func(runstate.StageExecution)) bool {
	var toRun []pipecfg.StageConfig

	skip := func(stage pipecfg.StageConfig, conditionEvaluated, conditionResult bool) {
		se := runstate.StageExecution{
			StageName:          stage.Name,
			Status:             runstate.StageSkipped,
			StartTime:          time.Now(),
			ConditionEvaluated: conditionEvaluated,
			ConditionResult:    conditionResult,
		}
		se.Finish(runstate.StageSkipped, se.StartTime)
		onComplete(se)
		blocked[stage.Name] = true
	}

	for _, stage := range group.Stages {
		switch {
		case !stage.IsEnabled():
			skip(stage, false, false)
		case dependsOnBlocked(stage, blocked):
			skip(stage, false, false)
		case stage.Condition != "" && !evaluateCondition(stage.Condition):
			skip(stage, true, false)
		default:
			toRun = append(toRun, stage)
		}
	}

	if len(toRun) == 0 {
		return false
	}

	if ctx.Err() != nil {
		for _, stage := range toRun {
			se := runstate.StageExecution{
				StageName: stage.Name,
				Status:    runstate.StageFailed,
				StartTime: time.Now(),
				Error:     &runstate.StageError{Message: "aborted before stage start", Code: string(perr.KindAbort)},
			}
			se.Finish(runstate.StageFailed, se.StartTime)
			onComplete(se)
			blocked[stage.Name] = true
		}
		return true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(toRun))

	var mu sync.Mutex
	results := make([]runstate.StageExecution, 0, len(toRun))

	for _, stage := range toRun {
		stage := stage
		g.Go(func() error {
			se := executeStage(gctx, ec, stage)
			mu.Lock()
			results = append(results, se)
			mu.Unlock()
			// Per-stage failures are recorded on se.Error and dispatched by
			// failure strategy below; they must never abort the errgroup
			// itself or sibling stages would be killed mid-flight.
			return nil
		})
	}
	_ = g.Wait()

	stopTriggered := false
	for _, se := range results {
		onComplete(se)
		if se.Status != runstate.StageFailed {
			continue
		}
		blocked[se.StageName] = true
		stageCfg, _ := ec.pipeline.StageByName(se.StageName)
		switch effectiveOnFail(ec.pipeline.Settings, stageCfg) {
		case pipecfg.FailureStop:
			stopTriggered = true
		case pipecfg.FailureWarn:
			if ec.logger != nil {
				ec.logger.Warn("stage failed", "stage", se.StageName, "error", se.Error)
			}
		}
	}
	return stopTriggered
}

func dependsOnBlocked(stage pipecfg.StageConfig, blocked map[string]bool) bool {
	for _, dep := range stage.DependsOn {
		if blocked[dep] {
			return true
		}
	}
	return false
}

func effectiveOnFail(s pipecfg.Settings, stage pipecfg.StageConfig) pipecfg.FailureStrategy {
	if stage.OnFail != "" {
		return stage.OnFail
	}
	return s.EffectiveFailureStrategy()
}

// evaluateCondition is a conservative placeholder evaluator: spec.md §9's
// Open Question leaves condition-expression semantics undefined, so the
// only defined behavior is the literal "false" short-circuit named in the
// spec's own example; every other expression (including ones no evaluator
// exists for yet) is treated as true rather than guessed at.
func evaluateCondition(expr string) bool {
	return !strings.EqualFold(strings.TrimSpace(expr), "false")
}
