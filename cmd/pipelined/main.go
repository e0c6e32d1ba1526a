// Command pipelined runs one declarative pipeline end to end against a
// repository checkout. Argument parsing, the TUI, and everything else
// named as an external CLI collaborator live outside this repository; this
// binary is a thin, hand-wired invocation of the engine so the module
// still builds something runnable, not a command surface of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentflow/pipeline/internal/agent"
	"github.com/agentflow/pipeline/internal/logging"
	"github.com/agentflow/pipeline/internal/metrics"
	"github.com/agentflow/pipeline/internal/pipecfg"
	"github.com/agentflow/pipeline/internal/pipeline"
	"github.com/agentflow/pipeline/internal/runstate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: pipelined <pipeline.yaml> [repo-root]")
		return 2
	}
	pipelinePath := args[0]
	repoRoot := "."
	if len(args) > 1 {
		repoRoot = args[1]
	}

	logging.Setup(false, false, false)
	logger := logging.New("pipelined")

	data, err := os.ReadFile(pipelinePath)
	if err != nil {
		logger.Error("reading pipeline file failed", "path", pipelinePath, "error", err)
		return 1
	}
	p, err := pipecfg.Decode(data, pipelinePath)
	if err != nil {
		logger.Error("decoding pipeline failed", "path", pipelinePath, "error", err)
		return 1
	}

	registry := agent.NewRuntimeRegistry()
	registerRuntimes(registry, logger)

	stateDir := filepath.Join(repoRoot, ".agent-pipeline", "state", "runs")
	states := runstate.NewManager(stateDir)
	rec := metrics.New(prometheus.DefaultRegisterer)

	orch := pipeline.NewOrchestrator(repoRoot, registry, states, rec, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := orch.Run(ctx, p, pipeline.RunOpts{
		Trigger: runstate.Trigger{Type: "manual", Timestamp: time.Now()},
	})
	if err != nil {
		logger.Error("run could not start", "pipeline", p.Name, "error", err)
		return 1
	}

	logger.Info("run finished", "runId", state.RunID, "status", state.Status)
	if state.Status != runstate.PipelineCompleted {
		return 1
	}
	return 0
}

// registerRuntimes wires every agent adapter the pipeline configuration can
// reference by runtime-type tag. Real CLI presence is checked later by
// preflight, not here; registration only needs the adapter's static
// description.
func registerRuntimes(reg *agent.RuntimeRegistry, logger *log.Logger) {
	permissionModes := []agent.PermissionMode{
		agent.PermissionDefault,
		agent.PermissionAcceptEdits,
		agent.PermissionBypassPermissions,
		agent.PermissionPlan,
	}

	// Claude streams stream-json events, so it is the only adapter whose
	// token usage and turn count Execute can actually populate.
	claude := agent.NewClaudeAgent(agent.AgentConfig{Command: "claude"}, logger)
	claudeCaps := agent.Capabilities{
		SupportsStreaming:     true,
		SupportsTokenTracking: true,
		PermissionModes:       permissionModes,
	}
	if err := reg.Register(agent.NewSubprocessRuntime("claude-code-headless", claude, claudeCaps)); err != nil {
		logger.Warn("registering claude runtime failed", "error", err)
	}

	// Codex reports its final message via --output-last-message rather
	// than a stream; it has no per-turn token accounting to expose.
	codex := agent.NewCodexAgent(agent.AgentConfig{Command: "codex"}, logger)
	codexCaps := agent.Capabilities{PermissionModes: permissionModes}
	if err := reg.Register(agent.NewSubprocessRuntime("codex-headless", codex, codexCaps)); err != nil {
		logger.Warn("registering codex runtime failed", "error", err)
	}

	gemini := agent.NewGeminiAgent(agent.AgentConfig{Command: "gemini"})
	geminiCaps := agent.Capabilities{PermissionModes: permissionModes}
	if err := reg.Register(agent.NewSubprocessRuntime("gemini-headless", gemini, geminiCaps)); err != nil {
		logger.Warn("registering gemini runtime failed", "error", err)
	}
}
