package jitcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/backend/isa/riscv64"
	"github.com/tetratelabs/jitcore/internal/codecache"
	"github.com/tetratelabs/jitcore/internal/ctxkey"
	"github.com/tetratelabs/jitcore/internal/dispatcher"
	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/logging"
	"github.com/tetratelabs/jitcore/internal/maglev"
)

// WithLogger returns a context making NewEngine log to logger. The log level of the Config is
// ignored in favor of the one of logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
}

// WithLogOutput returns a context making NewEngine log to w instead of stderr.
func WithLogOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, ctxkey.LogOutputKey{}, w)
}

// Engine ties the compilers to the code cache and the compile dispatchers.
type Engine struct {
	config *Config
	logger *zap.Logger
	scopes logging.LogScopes

	cache      codecache.Cache
	optimizing *dispatcher.OptimizingDispatcher
	concurrent *dispatcher.ConcurrentDispatcher
}

// NewEngine returns an engine configured by c, or NewConfig when c is nil.
func NewEngine(ctx context.Context, c *Config) (*Engine, error) {
	if c == nil {
		c = NewConfig()
	}
	scopes, level, err := c.validate()
	if err != nil {
		return nil, err
	}
	logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*zap.Logger)
	if !ok || logger == nil {
		w, ok := ctx.Value(ctxkey.LogOutputKey{}).(io.Writer)
		if !ok || w == nil {
			w = os.Stderr
		}
		logger = logging.New(w, level)
	}

	e := &Engine{config: c, logger: logger, scopes: scopes}
	if e.cache, err = newCodeCache(c, e.scoped(logging.LogScopeCache)); err != nil {
		return nil, err
	}

	opts := dispatcher.Options{
		MaxThreads:         c.maxThreads,
		InputQueueCapacity: c.inputQueueCapacity,
		RecompilationDelay: c.recompilationDelay,
		Logger:             e.scoped(logging.LogScopeDispatcher),
	}
	e.optimizing = dispatcher.NewOptimizingDispatcher(opts)
	e.concurrent = dispatcher.NewConcurrentDispatcher(opts)
	return e, nil
}

func (e *Engine) scoped(scope logging.LogScopes) *zap.Logger {
	return logging.Scoped(e.logger, e.scopes, scope)
}

// SelectionOptions returns the options instruction selection runs with.
func (e *Engine) SelectionOptions() backend.Options { return e.config.selection }

// SelectInstructions lowers g to a RISC-V instruction sequence.
func (e *Engine) SelectInstructions(g *ir.Graph) *backend.InstructionSequence {
	return riscv64.NewInstructionSelector(e.config.selection, e.scoped(logging.LogScopeSelection)).SelectInstructions(g)
}

// CompileMaglev compiles g on the calling goroutine, or returns the code cached for it.
func (e *Engine) CompileMaglev(g *maglev.Graph, broker maglev.Broker) (*maglev.CompiledCode, error) {
	key := e.cacheKey(g, broker)
	if code, err := e.lookup(key); err != nil {
		return nil, err
	} else if code != nil {
		return code, nil
	}
	code, err := maglev.Compile(g, broker)
	if err != nil {
		return nil, err
	}
	if err = e.store(key, code); err != nil {
		return nil, err
	}
	e.scoped(logging.LogScopeCodegen).Debug("compiled", zap.Int("instructions", len(code.Instructions)), zap.Int("size", len(code.Code)))
	return code, nil
}

// Optimize prepares a job compiling g for fn and queues it on the optimizing dispatcher. The
// job produces the top tier, dispatcher.CodeKindTurbofan.
// osrOffset is dispatcher.NoOsrOffset for a whole function. The code is installed into fn by
// Dispatcher().InstallOptimizedFunctions.
func (e *Engine) Optimize(fn *Function, g *maglev.Graph, broker maglev.Broker, osrOffset int32) (*dispatcher.Job, error) {
	job, err := e.newJob(fn, g, broker, dispatcher.CodeKindTurbofan, osrOffset)
	if err != nil {
		return nil, err
	}
	if err = e.optimizing.QueueForOptimization(job); err != nil {
		// The job never reached a worker, so nothing else disposes it.
		return nil, multierr.Append(err, job.Dispose(true))
	}
	return job, nil
}

// CompileConcurrently prepares a job compiling g for fn and enqueues it on the concurrent
// dispatcher. The code is installed into fn by ConcurrentDispatcher().FinalizeFinishedJobs.
func (e *Engine) CompileConcurrently(fn *Function, g *maglev.Graph, broker maglev.Broker) (*dispatcher.Job, error) {
	job, err := e.newJob(fn, g, broker, dispatcher.CodeKindMaglev, dispatcher.NoOsrOffset)
	if err != nil {
		return nil, err
	}
	e.concurrent.Enqueue(job)
	return job, nil
}

func (e *Engine) newJob(fn *Function, g *maglev.Graph, broker maglev.Broker, kind dispatcher.CodeKind, osrOffset int32) (*dispatcher.Job, error) {
	impl := &maglevJob{e: e, fn: fn, kind: kind, osrOffset: osrOffset, logger: e.scoped(logging.LogScopeCodegen)}
	// In handleGraph, handleBroker order.
	handles := dispatcher.NewHandleBatch(g, broker)
	job := dispatcher.NewJob(impl, fn, kind, osrOffset, handles)
	if err := job.Prepare(); err != nil {
		return nil, err
	}
	return job, nil
}

// Dispatcher returns the dispatcher of optimizing compile jobs.
func (e *Engine) Dispatcher() *dispatcher.OptimizingDispatcher { return e.optimizing }

// ConcurrentDispatcher returns the dispatcher of baseline compile jobs.
func (e *Engine) ConcurrentDispatcher() *dispatcher.ConcurrentDispatcher { return e.concurrent }

// Close disposes pending jobs, waits for the workers and returns the errors collected.
func (e *Engine) Close(context.Context) error {
	return multierr.Combine(e.optimizing.Close(), e.concurrent.Close())
}

// cacheKey covers everything the generated code depends on: the graph with its feedback and
// deopt frames, and the heap constants the broker resolves.
func (e *Engine) cacheKey(g *maglev.Graph, broker maglev.Broker) codecache.Key {
	return codecache.NewKey(Version, g.Fingerprint(broker))
}

// lookup returns the code cached under key, or nil. Entries written by another version or
// failing validation are deleted.
func (e *Engine) lookup(key codecache.Key) (*maglev.CompiledCode, error) {
	logger := e.scoped(logging.LogScopeCache)
	content, ok, err := e.cache.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	entry, stale, err := codecache.Decode(Version, content)
	// Close releases the cache for Delete below.
	if err = multierr.Append(err, content.Close()); err == nil && !stale {
		var code *maglev.CompiledCode
		if code, err = entry.CompiledCode(); err == nil {
			logger.Debug("hit")
			return code, nil
		}
	}
	if !stale && !errors.Is(err, codecache.ErrCorrupted) {
		return nil, fmt.Errorf("jitcore: cache lookup: %w", err)
	}
	logger.Debug("discard", zap.Bool("stale", stale), zap.Error(err))
	if err = e.cache.Delete(key); err != nil {
		return nil, fmt.Errorf("jitcore: cache delete: %w", err)
	}
	return nil, nil
}

func (e *Engine) store(key codecache.Key, code *maglev.CompiledCode) error {
	entry, err := codecache.NewEntry(code)
	if err != nil {
		return err
	}
	r, err := codecache.Encode(Version, entry)
	if err != nil {
		return err
	}
	return e.cache.Add(key, r)
}
