package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexstack/memflow/types"
)

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	out, err := Render("refund order {order_id} for {customer}", map[string]string{
		"order_id": "42",
		"customer": "Sam",
	})
	require.NoError(t, err)
	assert.Equal(t, "refund order 42 for Sam", out)
}

func TestRenderUnknownPlaceholderIsError(t *testing.T) {
	_, err := Render("use {nope}", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingVariable, types.GetErrorCode(err))
}

func TestRenderLeavesNonIdentifierBracesAlone(t *testing.T) {
	template := `post the payload {"status": "ok"} and report {result}`
	out, err := Render(template, map[string]string{"result": "success"})
	require.NoError(t, err)
	assert.Equal(t, `post the payload {"status": "ok"} and report success`, out)
}

func TestRenderUnterminatedBracePassesThrough(t *testing.T) {
	out, err := Render("odd {unclosed", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "odd {unclosed", out)
}

func TestRenderInstructionPrefixesInputs(t *testing.T) {
	wm := NewWorkingMemory()
	wm.Vars["city"] = "Oslo"

	out, err := RenderInstruction(PlanStep{
		Instruction: "book a hotel in {city}",
		Inputs:      []string{"city"},
	}, wm, "")
	require.NoError(t, err)
	assert.Equal(t, "city: Oslo\n\nbook a hotel in Oslo", out)
}

func TestRenderInstructionMissingInput(t *testing.T) {
	_, err := RenderInstruction(PlanStep{
		Instruction: "needs {thing}",
		Inputs:      []string{"thing"},
	}, NewWorkingMemory(), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrMissingVariable, types.GetErrorCode(err))
}

func TestRenderInstructionAppendsSuggestion(t *testing.T) {
	out, err := RenderInstruction(PlanStep{Instruction: "retry the upload"},
		NewWorkingMemory(), "use a smaller batch size")
	require.NoError(t, err)
	assert.Equal(t, "retry the upload\n\nNote from previous attempt: use a smaller batch size", out)
}
