package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentflow/pipeline/internal/jsonutil"
	"github.com/agentflow/pipeline/internal/perr"
)

// PermissionMode governs how much an agent invocation may change the
// working tree without asking.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
)

// RequestOptions carries the per-invocation knobs of an AgentRuntime.Execute
// call.
type RequestOptions struct {
	Timeout           time.Duration
	PermissionMode    PermissionMode
	Model             string
	MaxTurns          int
	MaxThinkingTokens int

	// OutputKeys are the keys the caller wants extracted from the agent's
	// text output, per the extraction protocol (structured tool output >
	// fenced json > line-regex).
	OutputKeys []string

	// OnOutputUpdate is fed human-readable activity strings as the agent
	// runs (tool invocations, etc). May be nil.
	OnOutputUpdate func(string)

	// RuntimeOptions is an opaque bag of runtime-specific settings: cwd,
	// allowedTools, disallowedTools, resume, and similar flags a given
	// runtime implementation knows how to interpret.
	RuntimeOptions map[string]any
}

// Request is one agent invocation.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Options      RequestOptions
}

// TokenUsage reports token accounting for one invocation.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	ThinkingTokens      int
}

// Total returns InputTokens + OutputTokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}

// Result is the outcome of one agent invocation.
type Result struct {
	TextOutput    string
	ExtractedData map[string]string
	TokenUsage    *TokenUsage
	NumTurns      int
	Metadata      map[string]any

	// RateLimit is non-nil when the underlying agent's output matched a
	// rate-limit signal, regardless of whether Execute itself returned an
	// error (a rate limit can show up in a clean exit's stderr).
	RateLimit *RateLimitInfo
}

// Capabilities self-describes what a runtime implementation supports.
type Capabilities struct {
	SupportsStreaming        bool
	SupportsTokenTracking    bool
	SupportsMCP              bool
	SupportsContextReduction bool
	AvailableModels          []string
	PermissionModes          []PermissionMode
}

// Runtime is the AgentRuntime contract: executes one agent invocation,
// self-describes its capabilities, and validates its own environment.
type Runtime interface {
	// Type returns the runtime-type tag used for registry lookup (e.g.
	// "claude-code-headless", "codex-headless").
	Type() string

	// RuntimeName returns a human-readable name for logging and error
	// messages.
	RuntimeName() string

	Execute(ctx context.Context, req Request) (*Result, error)
	GetCapabilities() Capabilities
	Validate() *perr.ValidationResult
}

// SubprocessRuntime adapts an Agent (a subprocess CLI adapter) to the
// Runtime contract: it builds RunOpts from a Request, runs the agent, and
// applies the extraction protocol to the captured output.
type SubprocessRuntime struct {
	typeTag      string
	agent        Agent
	capabilities Capabilities
}

var _ Runtime = (*SubprocessRuntime)(nil)

// NewSubprocessRuntime wraps agent as a Runtime registered under typeTag,
// self-describing the given capabilities.
func NewSubprocessRuntime(typeTag string, agent Agent, capabilities Capabilities) *SubprocessRuntime {
	return &SubprocessRuntime{typeTag: typeTag, agent: agent, capabilities: capabilities}
}

// Type returns the runtime-type tag.
func (s *SubprocessRuntime) Type() string { return s.typeTag }

// RuntimeName returns the underlying agent's Name().
func (s *SubprocessRuntime) RuntimeName() string { return s.agent.Name() }

// GetCapabilities returns the configured capability set.
func (s *SubprocessRuntime) GetCapabilities() Capabilities { return s.capabilities }

// Validate checks that the underlying agent's CLI is installed and
// reachable.
func (s *SubprocessRuntime) Validate() *perr.ValidationResult {
	vr := &perr.ValidationResult{}
	if err := s.agent.CheckPrerequisites(); err != nil {
		vr.AddError("runtime", fmt.Sprintf("%s: %s", s.typeTag, err))
	}
	return vr
}

// Execute builds RunOpts from req, runs the underlying agent, and applies
// the extraction protocol (structured output is not available at this
// layer, so it falls straight to fenced-JSON then line-regex) to the
// captured stdout.
//
// When the runtime's capabilities advertise streaming, Execute requests
// stream-json output, decodes NDJSON events concurrently with the
// subprocess run to surface tool/text activity via
// req.Options.OnOutputUpdate. Token usage is taken from the last assistant
// message that carries usage, and the turn count from the final "result"
// event; usage figures on the result event itself are not read.
func (s *SubprocessRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	opts := RunOpts{
		Prompt:            req.UserPrompt,
		SystemPrompt:      req.SystemPrompt,
		Model:             req.Options.Model,
		PermissionMode:    string(req.Options.PermissionMode),
		MaxTurns:          req.Options.MaxTurns,
		MaxThinkingTokens: req.Options.MaxThinkingTokens,
	}
	if v, ok := req.Options.RuntimeOptions["cwd"].(string); ok {
		opts.WorkDir = v
	}
	if v, ok := req.Options.RuntimeOptions["allowedTools"].(string); ok {
		opts.AllowedTools = v
	}
	if v, ok := req.Options.RuntimeOptions["disallowedTools"].(string); ok {
		opts.DisallowedTools = v
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Options.Timeout)
		defer cancel()
	}

	var (
		numTurns  int
		lastUsage *StreamUsage
		done      chan struct{}
		stopped   chan struct{}
	)
	if s.capabilities.SupportsStreaming {
		opts.OutputFormat = OutputFormatStreamJSON
		events := make(chan StreamEvent, 64)
		opts.StreamEvents = events
		done = make(chan struct{})
		stopped = make(chan struct{})

		handle := func(ev StreamEvent) {
			switch ev.Type {
			case StreamEventAssistant:
				if ev.Message != nil && ev.Message.Usage != nil {
					lastUsage = ev.Message.Usage
				}
			case StreamEventResult:
				numTurns = ev.NumTurns
			}
			if req.Options.OnOutputUpdate != nil {
				if line := streamActivityLine(ev); line != "" {
					req.Options.OnOutputUpdate(line)
				}
			}
		}

		go func() {
			defer close(stopped)
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					handle(ev)
				case <-done:
					for {
						select {
						case ev := <-events:
							handle(ev)
						default:
							return
						}
					}
				}
			}
		}()
	}

	runResult, err := s.agent.Run(runCtx, opts)
	if done != nil {
		close(done)
		<-stopped
	}
	if err != nil {
		return nil, perr.Wrap(perr.KindRuntimeValidation, fmt.Sprintf("%s execute", s.typeTag), err)
	}

	textOutput := runResult.Stdout
	if runResult.FinalMessage != "" {
		textOutput = runResult.FinalMessage
	}

	result := &Result{TextOutput: textOutput, RateLimit: runResult.RateLimit, NumTurns: numTurns}
	if lastUsage != nil {
		result.TokenUsage = &TokenUsage{
			InputTokens:         lastUsage.InputTokens,
			OutputTokens:        lastUsage.OutputTokens,
			CacheCreationTokens: lastUsage.CacheCreate,
			CacheReadTokens:     lastUsage.CacheRead,
		}
	}
	if runResult.TokenUsage != nil {
		result.TokenUsage = runResult.TokenUsage
	}
	if runResult.NumTurns != 0 {
		result.NumTurns = runResult.NumTurns
	}
	if len(req.Options.OutputKeys) > 0 {
		result.ExtractedData = jsonutil.ExtractKeys(textOutput, req.Options.OutputKeys)
	}
	return result, nil
}

// streamActivityLine renders a human-readable activity string for a stream
// event, or "" when the event carries nothing worth reporting.
func streamActivityLine(ev StreamEvent) string {
	if blocks := ev.ToolUseBlocks(); len(blocks) > 0 {
		names := make([]string, 0, len(blocks))
		for _, b := range blocks {
			names = append(names, b.Name)
		}
		return "using tool: " + strings.Join(names, ", ")
	}
	return ev.TextContent()
}

// --- Registry (C1: Runtime Registry) ---

// RuntimeRegistry is a process-wide mapping from runtime-type tag to
// implementation. Registration happens once at process start; a duplicate
// registration is rejected rather than silently overwriting the prior
// entry. Clearing the registry is permitted for tests only.
type RuntimeRegistry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRuntimeRegistry returns an empty registry.
func NewRuntimeRegistry() *RuntimeRegistry {
	return &RuntimeRegistry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime under its Type(). Returns an error if a runtime is
// already registered under that tag.
func (r *RuntimeRegistry) Register(rt Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := rt.Type()
	if tag == "" {
		return fmt.Errorf("runtime registry: register: empty type tag")
	}
	if _, exists := r.runtimes[tag]; exists {
		return fmt.Errorf("runtime registry: register %q: %w", tag, ErrDuplicateName)
	}
	r.runtimes[tag] = rt
	return nil
}

// Get returns the runtime registered under tag. The error message lists all
// currently available tags to help diagnose typos in pipeline config.
func (r *RuntimeRegistry) Get(tag string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[tag]
	if !ok {
		return nil, fmt.Errorf("runtime registry: %q not registered (available: %s): %w", tag, strings.Join(r.sortedTagsLocked(), ", "), ErrNotFound)
	}
	return rt, nil
}

// List returns all registered runtime-type tags, sorted alphabetically.
func (r *RuntimeRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedTagsLocked()
}

func (r *RuntimeRegistry) sortedTagsLocked() []string {
	tags := make([]string, 0, len(r.runtimes))
	for tag := range r.runtimes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Clear removes every registered runtime. Intended for tests only.
func (r *RuntimeRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes = make(map[string]Runtime)
}

// defaultRuntimeRegistry is the process-wide registry most callers use.
var defaultRuntimeRegistry = NewRuntimeRegistry()

// DefaultRuntimeRegistry returns the process-wide RuntimeRegistry.
func DefaultRuntimeRegistry() *RuntimeRegistry { return defaultRuntimeRegistry }

// RegisterRuntime registers rt in the process-wide registry.
func RegisterRuntime(rt Runtime) error { return defaultRuntimeRegistry.Register(rt) }

// GetRuntime looks up tag in the process-wide registry.
func GetRuntime(tag string) (Runtime, error) { return defaultRuntimeRegistry.Get(tag) }
