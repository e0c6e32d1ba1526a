// Package pipeline implements the orchestrator: the Pipeline Initializer
// (spec.md §4.10 — setup half), Stage Executor (§4.7), Parallel Executor
// (§4.8), Loop Controller integration (§4.9), Pipeline Finalizer (§4.10 —
// teardown half), wiring together pipecfg, dag, runstate, retry,
// tokencount, handover, git, agent, perr, metrics, preflight, and
// loopqueue. The bounded-concurrency fan-out inside one DAG level
// generalizes the teacher's internal/review/orchestrator.go errgroup
// pattern from "one agent per file bucket" to "one agent per stage in a
// topological level".
package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// templateVarRE matches any {{identifier}} placeholder in a commitPrefix,
// PR title, or PR body template.
var templateVarRE = regexp.MustCompile(`\{\{(\w+)\}\}`)

// renderTemplate substitutes the closed variable set {stage, pipelineName,
// runId, branch} into tmpl (spec.md §9 "Template rendering"). Any
// placeholder whose name is not a key of vars (a variable outside the
// closed set, or one missing from vars) renders as a literal empty string
// and is reported to logger as a warning, never an error.
func renderTemplate(tmpl string, vars map[string]string, logger *log.Logger) string {
	if tmpl == "" {
		return ""
	}
	return templateVarRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateVarRE.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if logger != nil {
			logger.Warn("unknown template variable", "variable", name, "template", tmpl)
		}
		return ""
	})
}

// templateVars builds the closed variable set for one stage's commit
// message / PR template rendering.
func templateVars(stage, pipelineName, runID, branch string) map[string]string {
	return map[string]string{
		"stage":        stage,
		"pipelineName": pipelineName,
		"runId":        runID,
		"branch":       branch,
	}
}

// checkTemplateUsage reports a warning (never an error) when prefix has no
// {{identifier}} placeholder at all; any placeholder, whether or not its
// name is in the closed set, counts. See spec.md §8's boundary case
// ("commitPrefix without any template variable -> warning").
func checkTemplateUsage(field, prefix string, logger *log.Logger) {
	if prefix == "" || logger == nil {
		return
	}
	if !templateVarRE.MatchString(prefix) {
		logger.Warn(fmt.Sprintf("%s has no template variable", field), "value", prefix)
	}
}

// renderInputsBlock renders stageConfig.inputs as a deterministic
// "- **key**: value" list. Inputs is declared an ordered mapping in
// spec.md §3 but decoded into a plain Go map; keys are sorted so the
// rendered block is at least reproducible across runs.
func renderInputsBlock(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- **%s**: %s\n", k, inputs[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
