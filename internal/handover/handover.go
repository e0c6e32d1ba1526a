// Package handover implements the Handover Manager (spec.md §4.4): each
// run owns a directory holding HANDOVER.md, execution-log.md, and
// stages/<name>/output.md, mediating inter-stage context the way the
// teacher's task package mediates inter-task state, but over a richer
// per-stage filesystem tree instead of a single flat file.
package handover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const stagesDirName = "stages"

// Manager owns one run's handover directory.
type Manager struct {
	dir string
}

// DefaultDir returns the default handover directory path for a run:
// <repo>/.agent-pipeline/runs/<pipelineName>-<runId[0:8]>.
func DefaultDir(repoRoot, pipelineName, runID string) string {
	suffix := runID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return filepath.Join(repoRoot, ".agent-pipeline", "runs", pipelineName+"-"+suffix)
}

// WithRunSuffix appends the runId[0:8] isolation suffix to a user-supplied
// directory, so concurrent runs pointed at the same base directory never
// collide (spec.md §4.4).
func WithRunSuffix(userDir, runID string) string {
	suffix := runID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return userDir + "-" + suffix
}

// New initializes dir: creates it and its stages/ subdirectory, and seeds
// HANDOVER.md and execution-log.md.
func New(dir string) (*Manager, error) {
	m := &Manager{dir: dir}
	if err := os.MkdirAll(filepath.Join(dir, stagesDirName), 0o755); err != nil {
		return nil, fmt.Errorf("handover: creating %s: %w", dir, err)
	}

	handoverPath := filepath.Join(dir, "HANDOVER.md")
	if _, err := os.Stat(handoverPath); os.IsNotExist(err) {
		seed := fmt.Sprintf("# Pipeline Handover\n\nCreated: %s\n\nNo stages have completed yet.\n",
			time.Now().UTC().Format(time.RFC3339))
		if err := os.WriteFile(handoverPath, []byte(seed), 0o644); err != nil {
			return nil, fmt.Errorf("handover: seeding HANDOVER.md: %w", err)
		}
	}

	logPath := filepath.Join(dir, "execution-log.md")
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		if err := os.WriteFile(logPath, []byte("# Execution Log\n\n"), 0o644); err != nil {
			return nil, fmt.Errorf("handover: seeding execution-log.md: %w", err)
		}
	}

	return m, nil
}

// Dir returns the run's handover directory.
func (m *Manager) Dir() string { return m.dir }

// CreateStageDirectory creates (if needed) and returns the path to
// stages/<stageName>.
func (m *Manager) CreateStageDirectory(stageName string) (string, error) {
	dir := filepath.Join(m.dir, stagesDirName, stageName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("handover: creating stage directory for %q: %w", stageName, err)
	}
	return dir, nil
}

// WriteStageOutput persists a stage's raw agent output to
// stages/<stageName>/output.md.
func (m *Manager) WriteStageOutput(stageName, output string) error {
	dir, err := m.CreateStageDirectory(stageName)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "output.md")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("handover: writing output for %q: %w", stageName, err)
	}
	return nil
}

// AppendToLog appends a `---`-delimited entry to execution-log.md.
func (m *Manager) AppendToLog(stageName, status string, duration time.Duration, message string) error {
	path := filepath.Join(m.dir, "execution-log.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("handover: opening execution-log.md: %w", err)
	}
	defer f.Close() //nolint:errcheck

	entry := fmt.Sprintf("---\n[%s] stage=%s status=%s duration=%s\n%s\n",
		time.Now().UTC().Format(time.RFC3339), stageName, status, duration, message)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("handover: appending to execution-log.md: %w", err)
	}
	return nil
}

// GetPreviousStages returns stage directory names under stages/, sorted by
// name (the order os.ReadDir yields); used only for prompt assembly.
func (m *Manager) GetPreviousStages() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, stagesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("handover: listing stages: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// defaultTemplate is the built-in context-message template, instructing
// agents to read HANDOVER.md, execution-log.md, and prior stage outputs,
// and to write their own output.md.
const defaultTemplate = `You are executing stage "{{stageName}}" as part of an automated pipeline run.

Handover directory: {{handoverDir}}
Timestamp: {{timestamp}}

Before starting, read:
- HANDOVER.md in the handover directory for the current run status
- execution-log.md for the chronological history of this run
- any previous stage outputs listed below

Previous stages:
{{previousStagesSection}}

When you finish, write your own output to stages/{{stageName}}/output.md.
`

// BuildContextMessage loads a template (built-in, or customInstructionPath
// if non-empty) and substitutes handoverDir, stageName,
// previousStagesSection, and timestamp.
func (m *Manager) BuildContextMessage(stageName string, previousStages []string, customInstructionPath string) (string, error) {
	tmpl := defaultTemplate
	if customInstructionPath != "" {
		data, err := os.ReadFile(customInstructionPath)
		if err != nil {
			return "", fmt.Errorf("handover: reading custom template %q: %w", customInstructionPath, err)
		}
		tmpl = string(data)
	}

	section := "none — this is the first stage"
	if len(previousStages) > 0 {
		var b strings.Builder
		for _, s := range previousStages {
			fmt.Fprintf(&b, "- stages/%s/output.md\n", s)
		}
		section = strings.TrimRight(b.String(), "\n")
	}

	r := strings.NewReplacer(
		"{{handoverDir}}", m.dir,
		"{{stageName}}", stageName,
		"{{previousStagesSection}}", section,
		"{{timestamp}}", time.Now().UTC().Format(time.RFC3339),
	)
	return r.Replace(tmpl), nil
}

// CopyStageToHandover appends a single completed stage's output to
// HANDOVER.md as its own update section.
func (m *Manager) CopyStageToHandover(stageName string) error {
	return m.MergeParallelOutputs([]string{stageName})
}

// MergeParallelOutputs appends one update section to HANDOVER.md holding a
// timestamp and, for each given stage in name order, its status and output,
// separated by `---`. Earlier content of HANDOVER.md (the seed text and
// previous updates) is kept: the file is opened in append mode and is not
// re-read or rewritten. stageNames is sorted in place.
func (m *Manager) MergeParallelOutputs(stageNames []string) error {
	sort.Strings(stageNames)

	var b strings.Builder
	fmt.Fprintf(&b, "\n---\n## Update: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	for _, name := range stageNames {
		outputPath := filepath.Join(m.dir, stagesDirName, name, "output.md")
		data, err := os.ReadFile(outputPath)
		status := "completed"
		content := string(data)
		if err != nil {
			status = "no output recorded"
			content = ""
		}
		fmt.Fprintf(&b, "### Stage: %s (%s)\n\n%s\n\n---\n", name, status, content)
	}

	path := filepath.Join(m.dir, "HANDOVER.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("handover: opening HANDOVER.md: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("handover: updating HANDOVER.md: %w", err)
	}
	return nil
}
