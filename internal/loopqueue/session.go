// Package loopqueue implements the Loop State Manager (spec.md §4.11/C10)
// and Loop Executor (spec.md §4.9/C11): persisted loop sessions and the
// four-directory filesystem queue (pending/running/finished/failed) that
// chains pipeline runs together. Session persistence generalizes
// runstate.Manager's write-temp-then-rename JSON pattern from per-run
// state files to per-session loop state; the queue directories use
// os.Rename as the commit point exactly as spec.md §5 requires.
package loopqueue

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/agentflow/pipeline/internal/perr"
)

// SessionStatus is the lifecycle status of a loop session.
type SessionStatus string

const (
	SessionRunning      SessionStatus = "running"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionLimitReached SessionStatus = "limit-reached"
)

// IterationStatus is the outcome of one loop iteration.
type IterationStatus string

const (
	IterationCompleted   IterationStatus = "completed"
	IterationFailed      IterationStatus = "failed"
	IterationAborted     IterationStatus = "aborted"
	IterationLimitReached IterationStatus = "limit-reached"
)

// Iteration records one pipeline run triggered by the loop controller.
type Iteration struct {
	IterationNumber int             `json:"iterationNumber"`
	PipelineName    string          `json:"pipelineName"`
	RunID           string          `json:"runId"`
	Status          IterationStatus `json:"status"`
	DurationSeconds float64         `json:"duration,omitempty"`
	TriggeredNext   bool            `json:"triggeredNext"`
}

// Session is the persisted state of one loop session (spec.md §3 "Loop
// session").
type Session struct {
	SessionID       string        `json:"sessionId"`
	StartTime       string        `json:"startTime"`
	EndTime         string        `json:"endTime,omitempty"`
	Status          SessionStatus `json:"status"`
	MaxIterations   int           `json:"maxIterations"`
	TotalIterations int           `json:"totalIterations"`
	Iterations      []Iteration   `json:"iterations"`
}

// UpdateIteration overwrites the iteration record numbered n, if one
// exists, and returns whether it found one. Callers try this first per
// spec.md §4.9.3, falling back to AppendIteration when it returns false.
func (s *Session) UpdateIteration(n int, it Iteration) bool {
	for i := range s.Iterations {
		if s.Iterations[i].IterationNumber == n {
			s.Iterations[i] = it
			return true
		}
	}
	return false
}

// AppendIteration appends it and bumps TotalIterations, used when
// UpdateIteration finds no existing row for this process (session not yet
// initialized here).
func (s *Session) AppendIteration(it Iteration) {
	s.Iterations = append(s.Iterations, it)
	s.TotalIterations = len(s.Iterations)
}

// SessionManager persists Session values under <root>/<sessionId>.json,
// typically .agent-pipeline/state/loops.
type SessionManager struct {
	root string
}

// NewSessionManager returns a SessionManager rooted at dir.
func NewSessionManager(dir string) *SessionManager {
	return &SessionManager{root: dir}
}

func (m *SessionManager) path(sessionID string) string {
	return filepath.Join(m.root, sessionID+".json")
}

// Save writes session as pretty JSON, replacing prior contents via a
// temp-file-then-rename, the same durability shape as runstate.Manager.
func (m *SessionManager) Save(session *Session) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return perr.Wrap(perr.KindPersistence, "creating loop session directory", err)
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return perr.Wrap(perr.KindPersistence, "marshaling loop session", err)
	}
	dest := m.path(session.SessionID)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return perr.Wrap(perr.KindPersistence, "writing temp loop session file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return perr.Wrap(perr.KindPersistence, "renaming temp loop session file", err)
	}
	return nil
}

// Load returns the persisted session for sessionID, or (nil, nil) if it
// does not exist or fails to parse (same tolerant-of-corruption contract
// as runstate.Manager.LoadState).
func (m *SessionManager) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.KindPersistence, "reading loop session file", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, nil
	}
	return &session, nil
}
