// Package logging defines the log scopes of the compiler and builds the zap
// loggers they write to. This is in an independent package to avoid dependency
// cycles.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogScopes uint64

const (
	LogScopeNone                = LogScopes(0)
	LogScopeSelection LogScopes = 1 << iota
	LogScopeCodegen
	LogScopeDeopt
	LogScopeDispatcher
	LogScopeCache
	LogScopeAll = LogScopes(0xffffffffffffffff)
)

func scopeName(s LogScopes) string {
	switch s {
	case LogScopeSelection:
		return "selection"
	case LogScopeCodegen:
		return "codegen"
	case LogScopeDeopt:
		return "deopt"
	case LogScopeDispatcher:
		return "dispatcher"
	case LogScopeCache:
		return "cache"
	default:
		return fmt.Sprintf("<unknown=%d>", s)
	}
}

// IsEnabled returns true if the scope (or group of scopes) is enabled.
func (f LogScopes) IsEnabled(scope LogScopes) bool {
	return f&scope != 0
}

// String implements fmt.Stringer by returning each enabled log scope.
func (f LogScopes) String() string {
	if f == LogScopeAll {
		return "all"
	}
	var builder strings.Builder
	for i := 0; i <= 63; i++ { // cycle through all bits to reduce code and maintenance
		target := LogScopes(1 << i)
		if f.IsEnabled(target) {
			if name := scopeName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

// ParseLogScopes parses the format written by LogScopes.String. Names may also
// be separated by commas.
func ParseLogScopes(s string) (LogScopes, error) {
	var ret LogScopes
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch name = strings.TrimSpace(name); name {
		case "":
		case "all":
			ret = LogScopeAll
		case "selection":
			ret |= LogScopeSelection
		case "codegen":
			ret |= LogScopeCodegen
		case "deopt":
			ret |= LogScopeDeopt
		case "dispatcher":
			ret |= LogScopeDispatcher
		case "cache":
			ret |= LogScopeCache
		default:
			return LogScopeNone, fmt.Errorf("unknown log scope %q", name)
		}
	}
	return ret, nil
}

// New returns a console logger writing entries at or above level to w.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level))
}

// Scoped returns logger named after scope if scopes enables it, and a no-op
// logger otherwise.
func Scoped(logger *zap.Logger, scopes LogScopes, scope LogScopes) *zap.Logger {
	if logger == nil || !scopes.IsEnabled(scope) {
		return zap.NewNop()
	}
	return logger.Named(scopeName(scope))
}
