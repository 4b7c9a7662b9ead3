package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/compiler"
)

func runValidateCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidSpecs(t *testing.T) {
	output, err := runValidateCommand(t, "text", triangleSpecs)
	require.NoError(t, err)
	assert.Contains(t, output, "✓ All specs valid (2 rule(s), 2 strategy(ies))")
}

func TestValidateValidSpecsJSON(t *testing.T) {
	output, err := runValidateCommand(t, "json", triangleSpecs)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidateUndefinedType(t *testing.T) {
	output, err := runValidateCommand(t, "text", undefinedSpecs)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Contains(t, output, "✗ Validation failed")
	assert.Contains(t, output, compiler.ErrRuleSchema)
	assert.Contains(t, output, "rule.relabel")
}

func TestValidateUndefinedTypeJSON(t *testing.T) {
	output, err := runValidateCommand(t, "json", undefinedSpecs)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotEmpty(t, resp.Data.Errors)
	assert.Equal(t, compiler.ErrRuleSchema, resp.Error.Code)
}

func TestValidateCompileErrorsAreValidationFailures(t *testing.T) {
	spec := writeSpec(t, `
catalog: vertex_types: ["V"]
rule: keep: {L: nodes: {a: "V"}, K: nodes: {a: "V"}, R: nodes: {a: "V"}}
strategy: a: {op: "seq", steps: ["b"]}
strategy: b: {op: "seq", steps: ["a"]}
`)
	output, err := runValidateCommand(t, "text", spec)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, compiler.ErrStrategyCycle)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	output, err := runValidateCommand(t, "text", filepath.Join("testdata", "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error [E005]")
}

func TestValidateModule(t *testing.T) {
	res, loadErrs := LoadSpecs(triangleSpecs)
	require.NotNil(t, res)
	assert.Empty(t, ValidateModule(res.Module, loadErrs))

	res, loadErrs = LoadSpecs(undefinedSpecs)
	require.NotNil(t, res)
	errs := ValidateModule(res.Module, loadErrs)
	require.NotEmpty(t, errs)
	assert.Equal(t, "rule.relabel", errs[0].Field)
}
