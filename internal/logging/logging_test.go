package logging

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogScopes tests the bitset works as expected
func TestLogScopes(t *testing.T) {
	tests := []struct {
		name   string
		scopes LogScopes
	}{
		{
			name:   "one is the smallest flag",
			scopes: 1,
		},
		{
			name:   "63 is the largest feature flag", // because uint64
			scopes: 1 << 63,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			f := LogScopes(0)

			// Defaults to false
			require.False(t, f.IsEnabled(tc.scopes))

			// Set true makes it true
			f = f | tc.scopes
			require.True(t, f.IsEnabled(tc.scopes))

			// Set false makes it false again
			f = f ^ tc.scopes
			require.False(t, f.IsEnabled(tc.scopes))
		})
	}
}

func TestLogScopes_String(t *testing.T) {
	tests := []struct {
		name     string
		scopes   LogScopes
		expected string
	}{
		{name: "none", scopes: LogScopeNone, expected: ""},
		{name: "any", scopes: LogScopeAll, expected: "all"},
		{name: "selection", scopes: LogScopeSelection, expected: "selection"},
		{name: "codegen", scopes: LogScopeCodegen, expected: "codegen"},
		{name: "deopt", scopes: LogScopeDeopt, expected: "deopt"},
		{name: "dispatcher", scopes: LogScopeDispatcher, expected: "dispatcher"},
		{name: "cache", scopes: LogScopeCache, expected: "cache"},
		{name: "codegen|cache", scopes: LogScopeCodegen | LogScopeCache, expected: "codegen|cache"},
		{name: "undefined", scopes: 1 << 14, expected: fmt.Sprintf("<unknown=%d>", 1<<14)},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.scopes.String())
		})
	}
}

func TestParseLogScopes(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp LogScopes
		err string
	}{
		{in: "", exp: LogScopeNone},
		{in: "all", exp: LogScopeAll},
		{in: "deopt", exp: LogScopeDeopt},
		{in: "codegen|cache", exp: LogScopeCodegen | LogScopeCache},
		{in: "selection, dispatcher", exp: LogScopeSelection | LogScopeDispatcher},
		{in: "codegen|gc", err: `unknown log scope "gc"`},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLogScopes(tc.in)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.exp, got)
			if tc.exp != LogScopeAll {
				back, err := ParseLogScopes(got.String())
				require.NoError(t, err)
				require.Equal(t, got, back)
			}
		})
	}
}

func TestScoped(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	Scoped(logger, LogScopeCodegen, LogScopeDeopt).Info("dropped")
	Scoped(logger, LogScopeCodegen|LogScopeDeopt, LogScopeDeopt).Info("kept", zap.Int("exit", 3))
	Scoped(nil, LogScopeAll, LogScopeDeopt).Info("no logger")

	entries := logs.AllUntimed()
	require.Len(t, entries, 1)
	require.Equal(t, "kept", entries[0].Message)
	require.Equal(t, "deopt", entries[0].LoggerName)
	require.Equal(t, int64(3), entries[0].ContextMap()["exit"])
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zapcore.InfoLevel)
	logger.Debug("hidden")
	logger.Named("cache").Info("stored", zap.String("key", "k1"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO")
	require.Contains(t, out, "cache")
	require.Contains(t, out, "stored")
	require.Contains(t, out, `{"key": "k1"}`)
}
