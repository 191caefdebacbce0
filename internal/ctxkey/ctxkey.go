// Package ctxkey holds the context.Context keys read by the engine, so that
// internal packages can read them without importing the root package.
package ctxkey

// LoggerKey is a context.Context Value key. Its associated value should be a
// *zap.Logger receiving the logs of every enabled scope.
type LoggerKey struct{}

// LogOutputKey is a context.Context Value key. Its associated value should be
// an io.Writer the engine logger writes to when LoggerKey is unset.
type LogOutputKey struct{}
