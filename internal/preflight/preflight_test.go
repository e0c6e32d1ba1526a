package preflight

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/pipeline/internal/agent"
	"github.com/agentflow/pipeline/internal/pipecfg"
)

type fakeGH struct {
	err error
}

func (f fakeGH) CheckPrerequisites(_ context.Context, _ string) error { return f.err }

func fakeLookPath(found map[string]bool) func(string) (string, error) {
	return func(name string) (string, error) {
		if found[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
}

func fakeStat(exists map[string]bool) func(string) (os.FileInfo, error) {
	return func(name string) (os.FileInfo, error) {
		if exists[name] {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}
}

func TestRun_AllChecksPass(t *testing.T) {
	p := &pipecfg.Pipeline{
		Name:   "demo",
		Agents: []pipecfg.StageConfig{{Name: "build", Agent: "agents/build.md"}},
	}
	opts := Options{
		Pipeline:      p,
		LookPath:      fakeLookPath(map[string]bool{"git": true}),
		StatAgentFile: fakeStat(map[string]bool{"agents/build.md": true}),
	}
	vr := Run(context.Background(), opts)
	assert.False(t, vr.HasErrors())
}

func TestRun_MissingGitIsAnError(t *testing.T) {
	opts := Options{
		LookPath: fakeLookPath(map[string]bool{}),
	}
	vr := Run(context.Background(), opts)
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.ErrorMessages()[0], "git")
}

func TestRun_MissingAgentFile(t *testing.T) {
	p := &pipecfg.Pipeline{
		Agents: []pipecfg.StageConfig{{Name: "build", Agent: "agents/missing.md"}},
	}
	opts := Options{
		Pipeline:      p,
		LookPath:      fakeLookPath(map[string]bool{"git": true}),
		StatAgentFile: fakeStat(map[string]bool{}),
	}
	vr := Run(context.Background(), opts)
	require.True(t, vr.HasErrors())
	found := false
	for _, msg := range vr.ErrorMessages() {
		if msg == `agent prompt file "agents/missing.md" not found` {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRun_DisabledStageAgentFileSkipped(t *testing.T) {
	enabled := false
	p := &pipecfg.Pipeline{
		Agents: []pipecfg.StageConfig{{Name: "build", Agent: "agents/missing.md", Enabled: &enabled}},
	}
	opts := Options{
		Pipeline:      p,
		LookPath:      fakeLookPath(map[string]bool{"git": true}),
		StatAgentFile: fakeStat(map[string]bool{}),
	}
	vr := Run(context.Background(), opts)
	assert.False(t, vr.HasErrors())
}

func TestRun_SyntheticLoopAgentStageSkipsFileCheck(t *testing.T) {
	p := &pipecfg.Pipeline{
		Agents: []pipecfg.StageConfig{{Name: "loop-agent", DependsOn: []string{}}},
	}
	opts := Options{
		Pipeline:      p,
		LookPath:      fakeLookPath(map[string]bool{"git": true}),
		StatAgentFile: fakeStat(map[string]bool{}),
	}
	vr := Run(context.Background(), opts)
	assert.False(t, vr.HasErrors())
}

func TestRun_PullRequestMergeStrategyRequiresGH(t *testing.T) {
	p := &pipecfg.Pipeline{
		Git: pipecfg.GitConfig{MergeStrategy: pipecfg.MergePullRequest},
	}
	opts := Options{
		Pipeline: p,
		LookPath: fakeLookPath(map[string]bool{"git": true}),
		GH:       nil,
	}
	vr := Run(context.Background(), opts)
	require.True(t, vr.HasErrors())
}

func TestRun_PullRequestMergeStrategyGHFailureIsError(t *testing.T) {
	p := &pipecfg.Pipeline{
		Git: pipecfg.GitConfig{MergeStrategy: pipecfg.MergePullRequest},
	}
	opts := Options{
		Pipeline: p,
		LookPath: fakeLookPath(map[string]bool{"git": true}),
		GH:       fakeGH{err: errors.New("gh not authenticated")},
	}
	vr := Run(context.Background(), opts)
	require.True(t, vr.HasErrors())
}

func TestRun_PullRequestMergeStrategyGHSuccess(t *testing.T) {
	p := &pipecfg.Pipeline{
		Git: pipecfg.GitConfig{MergeStrategy: pipecfg.MergePullRequest},
	}
	opts := Options{
		Pipeline: p,
		LookPath: fakeLookPath(map[string]bool{"git": true}),
		GH:       fakeGH{},
	}
	vr := Run(context.Background(), opts)
	assert.False(t, vr.HasErrors())
}

func TestRun_UnregisteredRuntimeTagIsError(t *testing.T) {
	registry := agent.NewRuntimeRegistry()
	p := &pipecfg.Pipeline{
		Runtime: pipecfg.RuntimeConfig{Type: "claude-code-headless"},
		Agents:  []pipecfg.StageConfig{{Name: "build", Agent: "agents/build.md"}},
	}
	opts := Options{
		Pipeline:      p,
		Registry:      registry,
		LookPath:      fakeLookPath(map[string]bool{"git": true}),
		StatAgentFile: fakeStat(map[string]bool{"agents/build.md": true}),
	}
	vr := Run(context.Background(), opts)
	require.True(t, vr.HasErrors())
}
