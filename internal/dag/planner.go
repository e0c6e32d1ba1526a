// Package dag implements the DAG Planner (spec.md §4.6): it validates that
// a pipeline's stages form a directed acyclic graph, groups them into
// topological levels, and reports plan-wide statistics. The validation
// shape — a ValidationResult accumulating field-tagged errors and warnings
// — generalizes internal/config's validate.go pattern from TOML project
// config to DAG structure.
package dag

import (
	"fmt"

	"github.com/agentflow/pipeline/internal/perr"
	"github.com/agentflow/pipeline/internal/pipecfg"
)

// maxWarnLevelSize is the group-size threshold above which the planner
// warns about rate-limit concerns (spec.md §4.6, §8 boundary: "Max group
// size >= 11 -> warning but not error").
const maxWarnLevelSize = 10

// maxWarnDepth is the level depth at or above which the planner warns
// about a "deep chain".
const maxWarnDepth = 6

// Group is the set of stages sharing one topological level; all stages in
// a group may run concurrently.
type Group struct {
	Level  int
	Stages []pipecfg.StageConfig
}

// Plan is the DAG Planner's successful output.
type Plan struct {
	Groups         []Group
	TotalStages    int
	MaxParallelism int
	IsSequential   bool
}

// Validate runs structural validation over a pipeline's stage graph:
// duplicate names, unknown dependsOn references, self-dependency, cycles,
// deep-chain warnings, and oversized-level warnings. It does not build the
// plan; call Build after confirming Validate's result has no errors.
func Validate(p *pipecfg.Pipeline) *perr.ValidationResult {
	vr := &perr.ValidationResult{}

	if len(p.Agents) == 0 {
		vr.AddError("agents", "pipeline must declare at least one stage")
		return vr
	}

	seen := make(map[string]bool, len(p.Agents))
	var duplicates []string
	for _, s := range p.Agents {
		if seen[s.Name] {
			duplicates = append(duplicates, s.Name)
			continue
		}
		seen[s.Name] = true
	}
	for _, d := range duplicates {
		vr.AddError("agents", fmt.Sprintf("duplicate stage name %q", d))
	}

	for _, s := range p.Agents {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				vr.AddError(fmt.Sprintf("agents.%s.dependsOn", s.Name),
					fmt.Sprintf("stage %q depends on itself", s.Name))
				continue
			}
			if !seen[dep] {
				vr.AddError(fmt.Sprintf("agents.%s.dependsOn", s.Name),
					fmt.Sprintf("stage %q depends on unknown stage %q", s.Name, dep))
			}
		}
	}

	if vr.HasErrors() {
		// A graph with unknown/duplicate references can't be meaningfully
		// leveled; report structural errors only.
		return vr
	}

	if cyc := findCycle(p.Agents); cyc != nil {
		vr.AddError("agents", fmt.Sprintf("dependency cycle detected: %v", cyc))
		return vr
	}

	levels := computeLevels(p.Agents)
	groups := groupByLevel(p.Agents, levels)

	for _, g := range groups {
		if len(g.Stages) > maxWarnLevelSize {
			vr.AddWarning("agents", fmt.Sprintf(
				"level %d has %d stages (> %d); this may trigger rate limits",
				g.Level, len(g.Stages), maxWarnLevelSize))
		}
		if g.Level >= maxWarnDepth {
			vr.AddWarning("agents", fmt.Sprintf("dependency chain reaches depth %d (deep chain)", g.Level))
		}
	}

	return vr
}

// Build validates p and, if valid, returns its execution Plan. Callers
// that already called Validate may skip the redundant re-validation cost
// by calling build directly via BuildFrom.
func Build(p *pipecfg.Pipeline) (*Plan, *perr.ValidationResult) {
	vr := Validate(p)
	if vr.HasErrors() {
		return nil, vr
	}
	return BuildFrom(p), vr
}

// BuildFrom assumes p has already passed Validate and constructs the plan
// directly.
func BuildFrom(p *pipecfg.Pipeline) *Plan {
	levels := computeLevels(p.Agents)
	groups := groupByLevel(p.Agents, levels)

	maxParallelism := 0
	for _, g := range groups {
		if len(g.Stages) > maxParallelism {
			maxParallelism = len(g.Stages)
		}
	}

	return &Plan{
		Groups:         groups,
		TotalStages:    len(p.Agents),
		MaxParallelism: maxParallelism,
		IsSequential:   maxParallelism <= 1,
	}
}

// computeLevels assigns level(s) = 1 + max(level(d) for d in dependsOn(s)),
// or 0 if s has no dependencies. Callers must have already confirmed the
// graph is acyclic.
func computeLevels(stages []pipecfg.StageConfig) map[string]int {
	byName := make(map[string]pipecfg.StageConfig, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	levels := make(map[string]int, len(stages))
	var resolve func(name string) int
	resolve = func(name string) int {
		if lvl, ok := levels[name]; ok {
			return lvl
		}
		s := byName[name]
		if len(s.DependsOn) == 0 {
			levels[name] = 0
			return 0
		}
		max := -1
		for _, dep := range s.DependsOn {
			if l := resolve(dep); l > max {
				max = l
			}
		}
		lvl := max + 1
		levels[name] = lvl
		return lvl
	}

	for _, s := range stages {
		resolve(s.Name)
	}
	return levels
}

// groupByLevel buckets stages by level, preserving each level's original
// insertion order within the group (spec.md §4.6: "Inside a group, stage
// order is insertion-preserving").
func groupByLevel(stages []pipecfg.StageConfig, levels map[string]int) []Group {
	maxLevel := 0
	for _, lvl := range levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	groups := make([]Group, maxLevel+1)
	for i := range groups {
		groups[i].Level = i
	}
	for _, s := range stages {
		lvl := levels[s.Name]
		groups[lvl].Stages = append(groups[lvl].Stages, s)
	}
	return groups
}

// findCycle performs a DFS cycle detection and, if a cycle exists, returns
// the stage names on it (at least two). Returns nil if the graph is
// acyclic.
func findCycle(stages []pipecfg.StageConfig) []string {
	byName := make(map[string]pipecfg.StageConfig, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(stages))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)
		for _, dep := range byName[name].DependsOn {
			switch color[dep] {
			case gray:
				// Found the back-edge; extract the cycle from path.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, s := range stages {
		if color[s.Name] == white {
			if visit(s.Name) {
				return cycle
			}
		}
	}
	return nil
}
