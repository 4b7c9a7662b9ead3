package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/ir"
)

func runCompileCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewCompileCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCompileValidSpecs(t *testing.T) {
	output, err := runCompileCommand(t, "text", triangleSpecs)
	require.NoError(t, err)

	assert.Contains(t, output, "✓ Compiled 2 rule(s), 2 strategy(ies)")
	assert.Contains(t, output, "tri_collapse:")
	assert.Contains(t, output, "drop_edge:")
	assert.Contains(t, output, "collapse:")
	assert.Contains(t, output, "main:")
}

func TestCompileSingleFile(t *testing.T) {
	output, err := runCompileCommand(t, "text", filepath.Join(triangleSpecs, "triangle.cue"))
	require.NoError(t, err)
	assert.Contains(t, output, "✓ Compiled 2 rule(s)")
}

func TestCompileValidSpecsJSON(t *testing.T) {
	output, err := runCompileCommand(t, "json", triangleSpecs)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   CompilationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Rules, 2)
	require.Len(t, resp.Data.Strategies, 2)
	assert.Equal(t, []string{"V"}, resp.Data.Catalog.VertexTypes)

	// Each rule's IR parses back and hashes to the reported hash.
	for _, cr := range resp.Data.Rules {
		r, err := ir.ParseRule(cr.IR)
		require.NoError(t, err, cr.Name)
		assert.Equal(t, cr.Name, r.Name)
		h, err := r.Hash()
		require.NoError(t, err)
		assert.Equal(t, cr.Hash, h.String())
	}
	for _, cs := range resp.Data.Strategies {
		s, err := ir.ParseStrategy(cs.IR)
		require.NoError(t, err, cs.Name)
		h, err := ir.StrategyHash(s)
		require.NoError(t, err)
		assert.Equal(t, cs.Hash, h.String())
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	first, err := runCompileCommand(t, "json", triangleSpecs)
	require.NoError(t, err)
	second, err := runCompileCommand(t, "json", triangleSpecs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompileOutputToFile(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	output, err := runCompileCommand(t, "text", triangleSpecs, "--output", outputFile)
	require.NoError(t, err)
	assert.Contains(t, output, "Wrote canonical IR to")

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var result CompilationResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Len(t, result.Rules, 2)
	assert.Len(t, result.Strategies, 2)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantCodes []string
	}{
		{"missing path", filepath.Join("testdata", "nope"), []string{ErrCodeNotFound}},
		{"no cue files", filepath.Join("testdata", "empty"), []string{ErrCodeNoFiles}},
		{"not a cue file", collapseGraph, []string{ErrCodeNoFiles}},
		// A parse error fails the CUE load or the build, depending on
		// where the loader notices it.
		{"syntax error", brokenSpecs, []string{ErrCodeLoadFailed, ErrCodeBuildFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := runCompileCommand(t, "json", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(output), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.Contains(t, tt.wantCodes, resp.Error.Code)
		})
	}
}

func TestCompileErrorText(t *testing.T) {
	output, err := runCompileCommand(t, "text", filepath.Join("testdata", "nope"))
	require.Error(t, err)
	assert.Contains(t, output, "Error [E005]")
	assert.Contains(t, output, "specs path not found")
}

func TestConvertCompileError(t *testing.T) {
	t.Run("include cycle", func(t *testing.T) {
		_, errs := LoadSpecs(writeSpec(t, `
catalog: vertex_types: ["V"]
rule: keep: {L: nodes: {a: "V"}, K: nodes: {a: "V"}, R: nodes: {a: "V"}}
strategy: a: {op: "seq", steps: ["b"]}
strategy: b: {op: "seq", steps: ["a"]}
`))
		require.NotEmpty(t, errs)
		var codes []string
		for _, err := range errs {
			codes = append(codes, ErrorCode(err))
		}
		assert.Contains(t, codes, "E305")
	})

	t.Run("empty module", func(t *testing.T) {
		res, errs := LoadSpecs(writeSpec(t, `catalog: vertex_types: ["V"]`))
		require.NotNil(t, res)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Error(), "no rules or strategies")
	})
}

// writeSpec writes a one-file CUE package and returns the file path.
func writeSpec(t *testing.T, body string) string {
	t.Helper()
	return writeFile(t, "spec.cue", "package graft\n"+body)
}
