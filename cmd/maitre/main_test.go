package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/maitre/internal/worker"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestModulesCommand(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("status/index.js", "global.init = function () {};")
	write("status/manifest.json", `{"name":"Status","version":"1.0.0"}`)
	write("parked/index.js", "")
	write("parked/manifest.toml", "load = false\n")
	write("empty/README.md", "nothing to run")

	out, err := run(t, "modules", "--root", root)
	require.NoError(t, err)

	assert.Contains(t, out, "Status")
	assert.Contains(t, out, "v1.0.0")
	assert.Contains(t, out, "parked")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "empty")
	assert.Contains(t, out, "missing entry")
	assert.Contains(t, out, "1 to start, 2 skipped")
}

func TestModulesCommandExclude(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"keep", "wip-feature"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, name, "index.js"), nil, 0o644))
	}

	out, err := run(t, "modules", "--root", root, "--exclude", "wip-*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 to start, 1 skipped")
	assert.Contains(t, out, "excluded")
}

func TestModulesCommandMissingRoot(t *testing.T) {
	_, err := run(t, "modules", "--root", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Contains(t, out, `"load"`)
}

func TestWorkerUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no directory", []string{"worker"}},
		{"two directories", []string{"worker", "a", "b"}},
		{"unknown flag", []string{"worker", "--bogus", "a"}},
		{"bad flag value", []string{"worker", "--memory-bytes", "lots", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			var exit *exitError
			require.ErrorAs(t, err, &exit)
			assert.Equal(t, worker.ExitUsage, exit.code)
		})
	}
}

func TestWorkerWithoutIPC(t *testing.T) {
	if _, err := os.Stat("/proc/self/fd/3"); err == nil {
		t.Skip("descriptor 3 is open in this test process")
	}
	_, err := run(t, "worker", t.TempDir())
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, worker.ExitIPC, exit.code)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
