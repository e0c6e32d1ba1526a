package runstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentflow/pipeline/internal/perr"
)

// Manager persists PipelineState under <root>/runs/<runId>.json. Writes are
// whole-file replacements via a temp-file-then-rename, the same pattern
// the teacher's task.StateManager uses for its pipe-delimited state file,
// generalized here to JSON. Per spec.md §4.11, readers must tolerate
// partial/corrupt writes by treating a parse failure as "no state", not by
// relying on any cross-run atomicity.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at dir (typically
// .agent-pipeline/state/runs).
func NewManager(dir string) *Manager {
	return &Manager{root: dir}
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.root, runID+".json")
}

// Save writes state as pretty JSON to its run file, replacing any prior
// contents atomically.
func (m *Manager) Save(state *PipelineState) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return perr.Wrap(perr.KindPersistence, "creating state directory", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return perr.Wrap(perr.KindPersistence, "marshaling pipeline state", err)
	}

	dest := m.path(state.RunID)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perr.Wrap(perr.KindPersistence, "writing temp state file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return perr.Wrap(perr.KindPersistence, "renaming temp state file", err)
	}
	return nil
}

// LoadState returns the persisted state for runID, or (nil, nil) if the
// file does not exist. A parse failure is treated the same as a missing
// file (returns nil, nil) per spec.md §4.11's tolerance requirement.
func (m *Manager) LoadState(runID string) (*PipelineState, error) {
	data, err := os.ReadFile(m.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.KindPersistence, "reading state file", err)
	}
	var state PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// GetLatestRun returns the most recently modified run's state, or (nil,
// nil) if no runs exist.
func (m *Manager) GetLatestRun() (*PipelineState, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.KindPersistence, "listing state directory", err)
	}

	var bestPath string
	var bestMod int64 = -1
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); mt > bestMod {
			bestMod = mt
			bestPath = e.Name()
		}
	}
	if bestPath == "" {
		return nil, nil
	}

	runID := bestPath[:len(bestPath)-len(".json")]
	return m.LoadState(runID)
}

// GetAllRuns returns every run's state, sorted by trigger timestamp
// descending, silently skipping corrupt files.
func (m *Manager) GetAllRuns() ([]*PipelineState, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.KindPersistence, "listing state directory", err)
	}

	var runs []*PipelineState
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		runID := e.Name()[:len(e.Name())-len(".json")]
		state, err := m.LoadState(runID)
		if err != nil || state == nil {
			continue
		}
		runs = append(runs, state)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Trigger.Timestamp.After(runs[j].Trigger.Timestamp)
	})
	return runs, nil
}
