// Package preflight collects the concrete checks spec.md §7's
// PreFlightError kind names (missing git, missing CLI, unauthenticated
// gh, missing agent file) into one Run entry point the Initializer calls
// before doing anything else (SPEC_FULL.md §12). The accumulation shape
// — a ValidationResult of field-tagged errors rather than returning on
// the first failure — is grounded on internal/dag's Validate and
// internal/config's validate.go, generalized here to the process
// environment instead of config structure.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/agentflow/pipeline/internal/agent"
	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/pipecfg"
)

// GHChecker abstracts the gh CLI presence/authentication check so tests
// can substitute a fake rather than shelling out. *git.PRCreator
// satisfies this via its CheckPrerequisites method with a throwaway
// baseBranch check ignored here.
type GHChecker interface {
	CheckPrerequisites(ctx context.Context, baseBranch string) error
}

// Options configures one preflight run.
type Options struct {
	Pipeline *pipecfg.Pipeline
	Registry *agent.RuntimeRegistry

	// GH is consulted only when Pipeline.Git.MergeStrategy is
	// pull-request. May be nil, in which case its absence is itself
	// reported as an error (a pull-request merge strategy with no way to
	// check gh is a misconfiguration, not a pass).
	GH GHChecker

	// LookPath overrides exec.LookPath for tests; nil uses the real one.
	LookPath func(string) (string, error)

	// StatAgentFile overrides os.Stat for tests; nil uses the real one.
	StatAgentFile func(string) (os.FileInfo, error)
}

// Run performs every pre-flight check spec.md §7 requires and returns the
// accumulated result. A PreFlightError is fatal before the relevant
// operation; callers should refuse to start execution when
// result.HasErrors().
func Run(ctx context.Context, opts Options) *perr.ValidationResult {
	vr := &perr.ValidationResult{}

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	statAgentFile := opts.StatAgentFile
	if statAgentFile == nil {
		statAgentFile = os.Stat
	}

	if _, err := lookPath("git"); err != nil {
		vr.AddError("git", "git binary not found in PATH; git is required for worktree and commit operations")
	}

	if opts.Pipeline != nil && opts.Pipeline.Git.MergeStrategy == pipecfg.MergePullRequest {
		if opts.GH == nil {
			vr.AddError("git.mergeStrategy", "mergeStrategy is pull-request but no gh checker was configured")
		} else if err := opts.GH.CheckPrerequisites(ctx, opts.Pipeline.Git.EffectiveBaseBranch()); err != nil {
			vr.AddError("git.mergeStrategy", fmt.Sprintf("gh CLI check failed: %v", err))
		}
	}

	if opts.Pipeline != nil {
		for _, stage := range opts.Pipeline.Agents {
			if !stage.IsEnabled() {
				continue
			}
			if stage.Agent == "" {
				// the synthetic loop-agent stage has no file on disk by
				// design; its prompt is assembled at execution time.
				continue
			}
			if _, err := statAgentFile(stage.Agent); err != nil {
				vr.AddError(fmt.Sprintf("agents.%s.agent", stage.Name),
					fmt.Sprintf("agent prompt file %q not found", stage.Agent))
			}
		}
	}

	if opts.Pipeline != nil && opts.Registry != nil {
		checkRuntimeTag(vr, opts.Registry, opts.Pipeline.Runtime.Type, "runtime")
		for _, stage := range opts.Pipeline.Agents {
			if !stage.IsEnabled() || stage.Runtime == nil {
				continue
			}
			checkRuntimeTag(vr, opts.Registry, stage.Runtime.Type, fmt.Sprintf("agents.%s.runtime", stage.Name))
		}
	}

	return vr
}

func checkRuntimeTag(vr *perr.ValidationResult, registry *agent.RuntimeRegistry, tag, field string) {
	if tag == "" {
		return
	}
	if _, err := registry.Get(tag); err != nil {
		vr.AddError(field, fmt.Sprintf("runtime type %q is not registered; available: %v", tag, registry.List()))
	}
}
