package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubprocessRuntime_ExecuteExtractsRequestedKeys(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("claude").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		return &RunResult{
			Stdout:   "```json\n{\"verdict\":\"approved\"}\n```",
			ExitCode: 0,
		}, nil
	})
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{SupportsTokenTracking: true})

	result, err := rt.Execute(context.Background(), Request{
		UserPrompt: "review this diff",
		Options:    RequestOptions{OutputKeys: []string{"verdict"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", result.ExtractedData["verdict"])
}

func TestSubprocessRuntime_ExecutePropagatesAgentError(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("claude").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		return nil, assertError{}
	})
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{})

	_, err := rt.Execute(context.Background(), Request{UserPrompt: "hi"})
	require.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestSubprocessRuntime_ValidateReflectsPrerequisites(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("claude")
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{})
	assert.False(t, rt.Validate().HasErrors())

	mock.WithPrereqError(assertError{})
	assert.True(t, rt.Validate().HasErrors())
}

func TestRuntimeRegistry_RegisterGetRoundTrip(t *testing.T) {
	t.Parallel()

	reg := NewRuntimeRegistry()
	rt := NewSubprocessRuntime("claude-code-headless", NewMockAgent("claude"), Capabilities{})

	require.NoError(t, reg.Register(rt))

	got, err := reg.Get("claude-code-headless")
	require.NoError(t, err)
	assert.Equal(t, rt, got)
}

func TestRuntimeRegistry_DuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := NewRuntimeRegistry()
	rt := NewSubprocessRuntime("claude-code-headless", NewMockAgent("claude"), Capabilities{})
	require.NoError(t, reg.Register(rt))

	err := reg.Register(rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRuntimeRegistry_GetUnknownListsAvailableTags(t *testing.T) {
	t.Parallel()

	reg := NewRuntimeRegistry()
	require.NoError(t, reg.Register(NewSubprocessRuntime("claude-code-headless", NewMockAgent("claude"), Capabilities{})))
	require.NoError(t, reg.Register(NewSubprocessRuntime("codex-headless", NewMockAgent("codex"), Capabilities{})))

	_, err := reg.Get("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude-code-headless")
	assert.Contains(t, err.Error(), "codex-headless")
}

func TestRuntimeRegistry_ClearIsForTestsOnly(t *testing.T) {
	t.Parallel()

	reg := NewRuntimeRegistry()
	require.NoError(t, reg.Register(NewSubprocessRuntime("claude-code-headless", NewMockAgent("claude"), Capabilities{})))
	reg.Clear()
	assert.Empty(t, reg.List())
}

func TestTokenUsage_Total(t *testing.T) {
	t.Parallel()

	u := TokenUsage{InputTokens: 100, OutputTokens: 50, CacheReadTokens: 20}
	assert.Equal(t, 150, u.Total())
}

func TestSubprocessRuntime_ExecuteStreamsTokenUsageAndTurns(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("claude").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		require.NotNil(t, opts.StreamEvents)
		opts.StreamEvents <- StreamEvent{
			Type:    StreamEventAssistant,
			Message: &StreamMessage{Usage: &StreamUsage{InputTokens: 10, OutputTokens: 20, CacheRead: 1, CacheCreate: 2}},
		}
		opts.StreamEvents <- StreamEvent{Type: StreamEventResult, NumTurns: 3}
		return &RunResult{Stdout: "done", ExitCode: 0}, nil
	})
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{SupportsStreaming: true})

	result, err := rt.Execute(context.Background(), Request{UserPrompt: "go"})
	require.NoError(t, err)
	require.NotNil(t, result.TokenUsage)
	assert.Equal(t, 10, result.TokenUsage.InputTokens)
	assert.Equal(t, 20, result.TokenUsage.OutputTokens)
	assert.Equal(t, 1, result.TokenUsage.CacheReadTokens)
	assert.Equal(t, 2, result.TokenUsage.CacheCreationTokens)
	assert.Equal(t, 3, result.NumTurns)
}

func TestSubprocessRuntime_ExecuteReportsActivityViaOnOutputUpdate(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("claude").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		opts.StreamEvents <- StreamEvent{
			Type:    StreamEventAssistant,
			Message: &StreamMessage{Content: []ContentBlock{{Type: "tool_use", Name: "Edit"}}},
		}
		return &RunResult{Stdout: "done", ExitCode: 0}, nil
	})
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{SupportsStreaming: true})

	var updates []string
	_, err := rt.Execute(context.Background(), Request{
		UserPrompt: "go",
		Options: RequestOptions{
			OnOutputUpdate: func(s string) { updates = append(updates, s) },
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	assert.Contains(t, updates[0], "Edit")
}

func TestSubprocessRuntime_ExecuteNoStreamingWhenCapabilityUnset(t *testing.T) {
	t.Parallel()

	mock := NewMockAgent("codex").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		assert.Nil(t, opts.StreamEvents)
		assert.NotEqual(t, OutputFormatStreamJSON, opts.OutputFormat)
		return &RunResult{Stdout: "done", ExitCode: 0, FinalMessage: "final"}, nil
	})
	rt := NewSubprocessRuntime("codex-headless", mock, Capabilities{})

	result, err := rt.Execute(context.Background(), Request{UserPrompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, "final", result.TextOutput)
	assert.Nil(t, result.TokenUsage)
	assert.Equal(t, 0, result.NumTurns)
}

func TestSubprocessRuntime_ExecutePassesToolGovernanceAndMaxTurns(t *testing.T) {
	t.Parallel()

	var captured RunOpts
	mock := NewMockAgent("claude").WithRunFunc(func(ctx context.Context, opts RunOpts) (*RunResult, error) {
		captured = opts
		return &RunResult{Stdout: "ok", ExitCode: 0}, nil
	})
	rt := NewSubprocessRuntime("claude-code-headless", mock, Capabilities{})

	_, err := rt.Execute(context.Background(), Request{
		UserPrompt: "go",
		Options: RequestOptions{
			MaxTurns:          4,
			MaxThinkingTokens: 1024,
			RuntimeOptions: map[string]any{
				"cwd":             "/work",
				"allowedTools":    "bash",
				"disallowedTools": "WebSearch",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, captured.MaxTurns)
	assert.Equal(t, 1024, captured.MaxThinkingTokens)
	assert.Equal(t, "/work", captured.WorkDir)
	assert.Equal(t, "bash", captured.AllowedTools)
	assert.Equal(t, "WebSearch", captured.DisallowedTools)
}
