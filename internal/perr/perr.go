// Package perr classifies the error kinds the orchestrator surfaces to
// callers, so every component reports failures the same way instead of
// inventing per-package sentinels. This generalizes the severity-tiered
// ValidationResult pattern used throughout the configuration layer into a
// shared type, and wraps causes the way internal/agent already wraps
// ErrNotFound/ErrDuplicateName/ErrInvalidName.
package perr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the engine distinguishes.
type Kind string

const (
	// KindConfig covers schema/DAG validation failures, fatal before
	// execution starts.
	KindConfig Kind = "config"
	// KindPreFlight covers missing git, missing CLI, unauthenticated gh,
	// missing agent file.
	KindPreFlight Kind = "preflight"
	// KindRuntimeValidation covers a selected runtime's Validate()
	// returning invalid.
	KindRuntimeValidation Kind = "runtime_validation"
	// KindStage covers an agent failing, a non-zero exit, unparseable
	// output, or a timeout.
	KindStage Kind = "stage"
	// KindTimeout is a specialization of KindStage carrying the timeout
	// duration.
	KindTimeout Kind = "timeout"
	// KindAbort covers cancellation propagation.
	KindAbort Kind = "abort"
	// KindGit covers merge conflicts, push rejection, worktree collision.
	KindGit Kind = "git"
	// KindPersistence covers a failed state write.
	KindPersistence Kind = "persistence"
)

// Error is a classified error carrying a Kind, a user-facing Message, an
// optional Suggestion, and an optional AgentPath — the four fields
// StageExecution.error needs (spec §3, §7).
type Error struct {
	Kind       Kind
	Message    string
	Suggestion string
	AgentPath  string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSuggestion returns a copy of e with Suggestion set.
func (e *Error) WithSuggestion(s string) *Error {
	cp := *e
	cp.Suggestion = s
	return &cp
}

// WithAgentPath returns a copy of e with AgentPath set.
func (e *Error) WithAgentPath(p string) *Error {
	cp := *e
	cp.AgentPath = p
	return &cp
}

// KindOf reports the Kind of err if it is (or wraps) a *Error, and ok=true.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Severity indicates whether a ValidationIssue is an error or warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is a single validation finding, generalized from the
// configuration layer's per-field issue shape so the DAG Planner and
// pipeline config validation can report the same {valid, errors[],
// warnings[]} structure spec.md §4.6/§4.1 requires of the planner and of
// AgentRuntime.Validate().
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// ValidationResult holds every finding produced by one validation pass.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues"`
}

func (vr *ValidationResult) AddError(field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: message})
}

func (vr *ValidationResult) AddWarning(field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: message})
}

func (vr *ValidationResult) HasErrors() bool {
	for _, i := range vr.Issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (vr *ValidationResult) Valid() bool { return !vr.HasErrors() }

func (vr *ValidationResult) Errors() []ValidationIssue {
	return vr.filter(SeverityError)
}

func (vr *ValidationResult) Warnings() []ValidationIssue {
	return vr.filter(SeverityWarning)
}

func (vr *ValidationResult) filter(sev Severity) []ValidationIssue {
	var out []ValidationIssue
	for _, i := range vr.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// ErrorMessages renders the error-severity issues as plain strings, the
// shape most callers that just want `errors []string` want.
func (vr *ValidationResult) ErrorMessages() []string {
	var out []string
	for _, i := range vr.Errors() {
		out = append(out, i.Message)
	}
	return out
}

// WarningMessages renders the warning-severity issues as plain strings.
func (vr *ValidationResult) WarningMessages() []string {
	var out []string
	for _, i := range vr.Warnings() {
		out = append(out, i.Message)
	}
	return out
}
