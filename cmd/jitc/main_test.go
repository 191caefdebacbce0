package main

import (
	"bytes"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore"
)

func runMain(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdOut, stdErr bytes.Buffer
	exitCode := doMain(&stdOut, &stdErr, append([]string{"--color", "off"}, args...))
	return exitCode, stdOut.String(), stdErr.String()
}

func TestVersion(t *testing.T) {
	exitCode, stdOut, _ := runMain(t, "version")
	require.Equal(t, 0, exitCode)
	require.Equal(t, jitcore.Version+"\n", stdOut)

	exitCode, stdOut, _ = runMain(t, "--version")
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdOut, jitcore.Version)
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		contains  []string
		forbidden []string
	}{
		{
			name:     "default sample",
			args:     []string{"select"},
			contains: []string{"switch (riscv64)", "ArchTableSwitch"},
		},
		{
			name:      "no jump table",
			args:      []string{"select", "--no-jump-table"},
			contains:  []string{"switch (riscv64)", "ArchBinarySearchSwitch"},
			forbidden: []string{"ArchTableSwitch"},
		},
		{
			name:     "add",
			args:     []string{"select", "--sample", "add"},
			contains: []string{"add (riscv64)", "B0:"},
		},
		{
			name:     "branch",
			args:     []string{"select", "--sample", "branch"},
			contains: []string{"branch (riscv64)", "B0:", "B1:", "B2:"},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, tc.args...)
			require.Equal(t, 0, exitCode, stdErr)
			for _, s := range tc.contains {
				require.Contains(t, stdOut, s)
			}
			for _, s := range tc.forbidden {
				require.NotContains(t, stdOut, s)
			}
		})
	}
}

func TestMaglev(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		contains  []string
		forbidden []string
	}{
		{
			name:     "default sample",
			args:     []string{"maglev"},
			contains: []string{"graph\n", "masm\n", "arm64\n", "size: ", "returned smi 7\n"},
		},
		{
			name:     "increment",
			args:     []string{"maglev", "--sample", "increment"},
			contains: []string{"deopt exits: ", "returned smi 42\n"},
		},
		{
			name:      "without hex dump",
			args:      []string{"maglev", "--hex=false"},
			contains:  []string{"returned smi 7\n"},
			forbidden: []string{"arm64\n", "00000000  "},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, tc.args...)
			require.Equal(t, 0, exitCode, stdErr)
			for _, s := range tc.contains {
				require.Contains(t, stdOut, s)
			}
			for _, s := range tc.forbidden {
				require.NotContains(t, stdOut, s)
			}
		})
	}
}

func TestMaglev_FileCache(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		exitCode, stdOut, stdErr := runMain(t, "maglev", "--cache-dir", dir, "--log-scopes", "cache", "--log-level", "debug")
		require.Equal(t, 0, exitCode, stdErr)
		require.Contains(t, stdOut, "returned smi 7\n")
		if i == 1 {
			require.Contains(t, stdErr, "hit")
		}
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestConfig(t *testing.T) {
	file := path.Join(t.TempDir(), "jitc.toml")
	require.NoError(t, os.WriteFile(file, []byte("max_threads = 3\n[log]\nlevel = \"warn\"\n"), 0o600))

	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{
			name:     "defaults",
			args:     []string{"config"},
			contains: []string{"switch_jump_table = true", `size_limit = "0"`, `level = "info"`},
		},
		{
			name:     "file",
			args:     []string{"config", "--config", file},
			contains: []string{"max_threads = 3", `level = "warn"`},
		},
		{
			name:     "flags override the file",
			args:     []string{"config", "--config", file, "--log-level", "error", "--cache-size", "64MiB"},
			contains: []string{"max_threads = 3", `level = "error"`, `size_limit = "64MiB"`},
		},
		{
			name:     "log scopes",
			args:     []string{"config", "--log-scopes", "cache,deopt"},
			contains: []string{`scopes = ["cache", "deopt"]`},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exitCode, stdOut, stdErr := runMain(t, tc.args...)
			require.Equal(t, 0, exitCode, stdErr)
			for _, s := range tc.contains {
				require.Contains(t, stdOut, s)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		stdErr string
	}{
		{
			name:   "unknown select sample",
			args:   []string{"select", "--sample", "nope"},
			stdErr: `unknown sample "nope"`,
		},
		{
			name:   "unknown maglev sample",
			args:   []string{"maglev", "--sample", "nope"},
			stdErr: `unknown sample "nope"`,
		},
		{
			name:   "invalid color",
			args:   []string{"select", "--color", "sometimes"},
			stdErr: `invalid color mode "sometimes"`,
		},
		{
			name:   "invalid cache size",
			args:   []string{"config", "--cache-size", "lots"},
			stdErr: "invalid cache size",
		},
		{
			name:   "invalid log scope",
			args:   []string{"select", "--log-scopes", "everything"},
			stdErr: "jitcore: invalid config",
		},
		{
			name:   "missing config file",
			args:   []string{"config", "--config", path.Join(t.TempDir(), "missing.toml")},
			stdErr: "missing.toml",
		},
		{
			name:   "unknown command",
			args:   []string{"assemble"},
			stdErr: `unknown command "assemble"`,
		},
		{
			name:   "positional arguments",
			args:   []string{"version", "extra"},
			stdErr: "unknown command",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			exitCode, _, stdErr := runMain(t, tc.args...)
			require.Equal(t, 1, exitCode)
			require.Contains(t, stdErr, tc.stdErr)
		})
	}
}

func TestColor(t *testing.T) {
	var stdOut, stdErr bytes.Buffer
	exitCode := doMain(&stdOut, &stdErr, []string{"--color", "on", "maglev", "--sample", "increment"})
	require.Equal(t, 0, exitCode, stdErr.String())
	require.Contains(t, stdOut.String(), "\x1b[")

	_, plain, _ := runMain(t, "maglev", "--sample", "increment")
	require.NotContains(t, plain, "\x1b[")
}
