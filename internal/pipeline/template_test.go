package pipeline

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

// ---------------------------------------------------------------------------
// renderTemplate / templateVars tests
// ---------------------------------------------------------------------------

func TestRenderTemplate_SubstitutesClosedVariableSet(t *testing.T) {
	t.Parallel()

	vars := templateVars("build", "nightly", "run-123", "pipeline/run-123")
	got := renderTemplate("[{{pipelineName}}] {{stage}} on {{branch}} ({{runId}})", vars, nil)
	assert.Equal(t, "[nightly] build on pipeline/run-123 (run-123)", got)
}

func TestRenderTemplate_EmptyTemplateReturnsEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", renderTemplate("", templateVars("s", "p", "r", "b"), nil))
}

func TestRenderTemplate_UnknownVariableRendersEmptyAndWarns(t *testing.T) {
	t.Parallel()

	logger := log.New(io.Discard)
	got := renderTemplate("{{stage}}-{{notAVariable}}", templateVars("build", "p", "r", "b"), logger)
	assert.Equal(t, "build-", got)
}

func TestRenderTemplate_MissingKeyInVarsRendersEmpty(t *testing.T) {
	t.Parallel()

	got := renderTemplate("{{stage}}", map[string]string{}, nil)
	assert.Equal(t, "", got)
}

// ---------------------------------------------------------------------------
// checkTemplateUsage tests
// ---------------------------------------------------------------------------

func TestCheckTemplateUsage_NoVariableWarns(t *testing.T) {
	t.Parallel()

	// Exercised only for the side effect of not panicking; the warning
	// itself goes through the logger's own output, which these tests do not
	// intercept.
	logger := log.New(io.Discard)
	checkTemplateUsage("settings.commitPrefix", "chore: pipeline update", logger)
}

func TestCheckTemplateUsage_EmptyPrefixNoop(t *testing.T) {
	t.Parallel()

	checkTemplateUsage("settings.commitPrefix", "", log.New(io.Discard))
}

func TestCheckTemplateUsage_NilLoggerNoop(t *testing.T) {
	t.Parallel()

	checkTemplateUsage("settings.commitPrefix", "no variable here", nil)
}

// ---------------------------------------------------------------------------
// renderInputsBlock tests
// ---------------------------------------------------------------------------

func TestRenderInputsBlock_Empty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "none", renderInputsBlock(nil))
}

func TestRenderInputsBlock_SortedKeys(t *testing.T) {
	t.Parallel()

	got := renderInputsBlock(map[string]string{"zeta": "last", "alpha": "first"})
	assert.Equal(t, "- **alpha**: first\n- **zeta**: last", got)
}
