package cli

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/ir"
)

var (
	triangleSpecs  = filepath.Join("testdata", "specs", "triangle")
	undefinedSpecs = filepath.Join("testdata", "specs", "undefined")
	brokenSpecs    = filepath.Join("testdata", "specs", "broken")
	collapseGraph  = filepath.Join("testdata", "graphs", "collapse.json")
)

// execute runs a fresh root command and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "graft", cmd.Use)
	assert.Contains(t, cmd.Long, "content-addressed graph store")
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, ir.EngineVersion)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"compile", "validate", "import", "rewrite", "log", "verify", "export", "compact", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "store"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		command   string
		flag      string
		shorthand string
		def       string
	}{
		{"compile", "output", "o", ""},
		{"import", "specs", "", ""},
		{"rewrite", "strategy", "s", ""},
		{"rewrite", "trace", "", "false"},
		{"rewrite", "metrics", "", ""},
		{"log", "limit", "n", "0"},
		{"log", "provenance", "", "false"},
		{"export", "version", "", ""},
		{"export", "output", "o", ""},
		{"test", "update", "", "false"},
		{"test", "filter", "", ""},
	}

	cmd := NewRootCommand()
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.flag, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{tt.command})
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.shorthand, f.Shorthand)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	_, err := execute(t, "--format", "invalid", "compile", ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfigLoading(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "log")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "failed to load config")
	})

	t.Run("unknown key", func(t *testing.T) {
		path := writeFile(t, "graft.yaml", "store:\n  directory: x\n")
		_, err := execute(t, "--config", path, "log")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("store flag overrides config", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, "graft.yaml", "store:\n  dir: /nonexistent/elsewhere\n  backend: bolt\n")
		out, err := execute(t, "--config", path, "--store", dir, "log")
		require.NoError(t, err)
		assert.Contains(t, out, "seq 0")
		assert.FileExists(t, filepath.Join(dir, "segments.bolt"))
	})
}
