package jitcore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/codecache"
	"github.com/tetratelabs/jitcore/internal/dispatcher"
	"github.com/tetratelabs/jitcore/internal/maglev"
)

// Function is a compilation target. It holds the code installed by finished jobs.
type Function struct {
	name string

	mu      sync.Mutex
	code    map[dispatcher.CodeKind]*maglev.CompiledCode
	osrCode map[int32]*maglev.CompiledCode
	// queued is true between queueing a job and its installation or disposal.
	queued bool
}

// NewFunction returns a function running no optimized code.
func NewFunction(name string) *Function {
	return &Function{
		name:    name,
		code:    map[dispatcher.CodeKind]*maglev.CompiledCode{},
		osrCode: map[int32]*maglev.CompiledCode{},
	}
}

// Name returns the name given to NewFunction.
func (f *Function) Name() string { return f.name }

// HasAvailableCodeKind implements dispatcher.Function.
func (f *Function) HasAvailableCodeKind(kind dispatcher.CodeKind) bool {
	if kind == dispatcher.CodeKindInterpreted {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[kind] != nil
}

// Code returns the code installed for kind, or nil.
func (f *Function) Code(kind dispatcher.CodeKind) *maglev.CompiledCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[kind]
}

// OsrCode returns the code installed for on-stack replacement at the given bytecode offset, or
// nil.
func (f *Function) OsrCode(osrOffset int32) *maglev.CompiledCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.osrCode[osrOffset]
}

// IsInOptimizationQueue returns true while a job for f waits for installation.
func (f *Function) IsInOptimizationQueue() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

func (f *Function) setQueued(queued bool) {
	f.mu.Lock()
	f.queued = queued
	f.mu.Unlock()
}

func (f *Function) install(kind dispatcher.CodeKind, osrOffset int32, code *maglev.CompiledCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if osrOffset != dispatcher.NoOsrOffset {
		f.osrCode[osrOffset] = code
	} else {
		f.code[kind] = code
	}
	f.queued = false
}

// maglevJob compiles a node graph in the phases of a dispatcher job. The graph and the broker
// travel in the handles of the job, so that only the execute phase reaches them off the main
// goroutine.
type maglevJob struct {
	e         *Engine
	fn        *Function
	kind      dispatcher.CodeKind
	osrOffset int32
	logger    *zap.Logger

	key    codecache.Key
	cached *maglev.CompiledCode
	code   *maglev.CompiledCode
}

const (
	handleGraph = iota
	handleBroker
)

// PrepareJob implements dispatcher.CompilationJob.
func (j *maglevJob) PrepareJob() error {
	j.fn.setQueued(true)
	return nil
}

// ExecuteJob implements dispatcher.CompilationJob.
func (j *maglevJob) ExecuteJob(ctx context.Context, handles *dispatcher.HandleBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, ok := handles.Get(handleGraph).(*maglev.Graph)
	if !ok {
		return errors.New("maglev job: missing graph handle")
	}
	broker, ok := handles.Get(handleBroker).(maglev.Broker)
	if !ok {
		return errors.New("maglev job: missing broker handle")
	}

	j.key = j.e.cacheKey(g, broker)
	cached, err := j.e.lookup(j.key)
	if err != nil {
		return err
	}
	if cached != nil {
		j.cached = cached
		return nil
	}
	code, err := maglev.Compile(g, broker)
	if err != nil {
		return fmt.Errorf("compile %s: %w", j.fn.name, err)
	}
	j.code = code
	return nil
}

// FinalizeJob implements dispatcher.CompilationJob.
func (j *maglevJob) FinalizeJob() error {
	code := j.cached
	if code == nil {
		if j.code == nil {
			return errors.New("maglev job: no code to install")
		}
		if err := j.e.store(j.key, j.code); err != nil {
			// The code stays valid without its cache entry.
			j.logger.Warn("cache store failed", zap.String("function", j.fn.name), zap.Error(err))
		}
		code = j.code
	}
	j.fn.install(j.kind, j.osrOffset, code)
	j.logger.Debug("installed", zap.String("function", j.fn.name), zap.Stringer("kind", j.kind), zap.Int("size", len(code.Code)), zap.Bool("cached", j.cached != nil))
	return nil
}

// Abort implements dispatcher.CompilationJob.
func (j *maglevJob) Abort(restoreCode bool) error {
	j.cached, j.code = nil, nil
	j.fn.setQueued(false)
	j.logger.Debug("aborted", zap.String("function", j.fn.name), zap.Bool("restore", restoreCode))
	return nil
}
