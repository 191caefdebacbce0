package dispatcher

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// JobDelegate is what a running JobTask polls between units of work.
type JobDelegate interface {
	// ShouldYield returns true when the worker must return as soon as the current unit is done.
	ShouldYield() bool
}

// JobTask is the body of the workers of a posted job.
type JobTask interface {
	// Run processes work until there is none left or delegate asks to yield.
	Run(ctx context.Context, delegate JobDelegate)
	// MaxConcurrency returns how many workers could make progress, given workerCount are
	// already running.
	MaxConcurrency(workerCount int) int
}

// JobHandle controls a posted job. Its methods are called from the main goroutine.
type JobHandle interface {
	// NotifyConcurrencyIncrease starts workers up to the concurrency the task asks for.
	NotifyConcurrencyIncrease()
	// Join runs the job to completion and invalidates the handle.
	Join()
	// Cancel makes the workers yield, waits for them and invalidates the handle.
	Cancel()
	// IsActive returns true if workers are running or the task has work.
	IsActive() bool
	IsValid() bool
}

// Platform runs jobs on workers.
type Platform interface {
	PostJob(task JobTask) JobHandle
}

// MaxConcurrency is the worker count a dispatcher task requests: every queued job plus the
// running workers, capped by maxThreads when positive.
func MaxConcurrency(queued, workerCount, maxThreads int) int {
	n := queued + workerCount
	if maxThreads > 0 {
		return min(maxThreads, n)
	}
	return n
}

// GoroutinePlatform runs every posted job on at most Workers goroutines.
type GoroutinePlatform struct {
	// Workers bounds the goroutines of one job. Zero means GOMAXPROCS.
	Workers int
}

// NewGoroutinePlatform returns a platform with at most workers goroutines per job.
func NewGoroutinePlatform(workers int) *GoroutinePlatform {
	return &GoroutinePlatform{Workers: workers}
}

// PostJob implements Platform.PostJob.
func (p *GoroutinePlatform) PostJob(task JobTask) JobHandle {
	limit := p.Workers
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineJobHandle{task: task, limit: limit, ctx: ctx, cancel: cancel}
	h.group.SetLimit(limit)
	h.valid.Store(true)
	return h
}

type goroutineJobHandle struct {
	task   JobTask
	limit  int
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	// mu orders worker exits against NotifyConcurrencyIncrease so that work enqueued right
	// before a worker leaves is never stranded.
	mu      sync.Mutex
	workers atomic.Int32
	yield   atomic.Bool
	valid   atomic.Bool
}

// ShouldYield implements JobDelegate.ShouldYield.
func (h *goroutineJobHandle) ShouldYield() bool {
	return h.yield.Load() || h.ctx.Err() != nil
}

// NotifyConcurrencyIncrease implements JobHandle.NotifyConcurrencyIncrease.
func (h *goroutineJobHandle) NotifyConcurrencyIncrease() {
	if !h.valid.Load() {
		panic("BUG: NotifyConcurrencyIncrease on an invalid job handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawnLocked()
}

func (h *goroutineJobHandle) spawnLocked() {
	for {
		n := int(h.workers.Load())
		if n >= h.limit || n >= h.task.MaxConcurrency(n) {
			return
		}
		h.workers.Inc()
		h.group.Go(h.work)
	}
}

func (h *goroutineJobHandle) work() error {
	for {
		h.task.Run(h.ctx, h)
		h.mu.Lock()
		n := int(h.workers.Load())
		if h.ShouldYield() || h.task.MaxConcurrency(n-1) <= n-1 {
			h.workers.Dec()
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
	}
}

// Join implements JobHandle.Join.
func (h *goroutineJobHandle) Join() {
	if !h.valid.Swap(false) {
		return
	}
	h.mu.Lock()
	h.spawnLocked()
	h.mu.Unlock()
	_ = h.group.Wait()
	h.cancel()
}

// Cancel implements JobHandle.Cancel.
func (h *goroutineJobHandle) Cancel() {
	if !h.valid.Swap(false) {
		return
	}
	h.yield.Store(true)
	h.cancel()
	_ = h.group.Wait()
}

// IsActive implements JobHandle.IsActive.
func (h *goroutineJobHandle) IsActive() bool {
	return h.workers.Load() > 0 || h.task.MaxConcurrency(0) > 0
}

// IsValid implements JobHandle.IsValid.
func (h *goroutineJobHandle) IsValid() bool { return h.valid.Load() }
