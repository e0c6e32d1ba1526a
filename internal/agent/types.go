package agent

import "time"

// OutputFormatJSON requests final JSON output from the agent.
const OutputFormatJSON = "json"

// OutputFormatStreamJSON requests JSONL streaming output from the agent.
// Each line of stdout is a self-contained JSON event that can be decoded
// with StreamDecoder for real-time observability into agent activity.
const OutputFormatStreamJSON = "stream-json"

// RunOpts specifies options for a single agent invocation.
type RunOpts struct {
	Prompt       string   `json:"prompt,omitempty"`
	PromptFile   string   `json:"prompt_file,omitempty"`
	Model        string   `json:"model,omitempty"`
	Effort       string   `json:"effort,omitempty"`
	AllowedTools string   `json:"allowed_tools,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	WorkDir      string   `json:"work_dir,omitempty"`
	Env          []string `json:"env,omitempty"`

	// SystemPrompt, when set, is passed to the underlying CLI as its own
	// flag (e.g. --append-system-prompt) rather than being concatenated
	// into Prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// PermissionMode mirrors agent.PermissionMode, kept here as a plain
	// string; the claude adapter passes it to --permission-mode.
	PermissionMode string `json:"permission_mode,omitempty"`

	MaxTurns          int    `json:"max_turns,omitempty"`
	MaxThinkingTokens int    `json:"max_thinking_tokens,omitempty"`
	DisallowedTools   string `json:"disallowed_tools,omitempty"`

	// StreamEvents receives real-time stream events when OutputFormat
	// is "stream-json". The agent adapter decodes JSONL from stdout
	// and sends each event to this channel. Nil means no streaming.
	// The channel is NOT closed by the agent -- the caller owns it.
	StreamEvents chan<- StreamEvent `json:"-"`
}

// RunResult captures the output of an agent invocation.
// Duration is serialized as nanoseconds (int64) in JSON, which is the
// default Go behavior for time.Duration.
type RunResult struct {
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	ExitCode  int            `json:"exit_code"`
	Duration  time.Duration  `json:"duration"`
	RateLimit *RateLimitInfo `json:"rate_limit,omitempty"`

	// FinalMessage holds the agent's authoritative final output when the
	// underlying CLI reports it out-of-band from stdout (codex's
	// --output-last-message file). Empty when the adapter has no
	// out-of-band channel and Stdout is already authoritative.
	FinalMessage string `json:"final_message,omitempty"`

	// TokenUsage and NumTurns are populated by adapters that can parse
	// per-invocation accounting out of their own output (e.g. Claude's
	// stream-json events). Nil/zero when the adapter can't determine them.
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
	NumTurns   int         `json:"num_turns,omitempty"`
}

// RateLimitInfo describes a detected rate-limit condition.
// ResetAfter is serialized as nanoseconds (int64) in JSON.
type RateLimitInfo struct {
	IsLimited  bool          `json:"is_limited"`
	ResetAfter time.Duration `json:"reset_after"`
	Message    string        `json:"message"`
}

// Success returns true if the agent exited with code 0.
func (r *RunResult) Success() bool {
	return r.ExitCode == 0
}

// WasRateLimited returns true if the result indicates a rate-limit condition.
func (r *RunResult) WasRateLimited() bool {
	return r.RateLimit != nil && r.RateLimit.IsLimited
}
