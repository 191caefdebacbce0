package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/jitapi"
)

// OptimizingDispatcher runs top-tier compile jobs in the background from a bounded input queue.
type OptimizingDispatcher struct {
	opts   Options
	logger *zap.Logger
	input  *circularQueue
	output lockedQueue[*Job]
	handle JobHandle
	errs   errorSink
	closed bool
}

// NewOptimizingDispatcher posts the worker job unless concurrency is disabled.
func NewOptimizingDispatcher(opts Options) *OptimizingDispatcher {
	if opts.InputQueueCapacity == 0 {
		opts.InputQueueCapacity = DefaultInputQueueCapacity
	}
	d := &OptimizingDispatcher{
		opts:   opts,
		logger: opts.logger(),
		input:  newCircularQueue(opts.InputQueueCapacity),
	}
	if opts.MaxThreads != DisableConcurrency {
		d.handle = opts.platform().PostJob(&optimizingTask{d: d})
	}
	return d
}

// IsEnabled returns true if jobs run on workers.
func (d *OptimizingDispatcher) IsEnabled() bool { return d.handle != nil }

// InputQueueCapacity returns the capacity fixed at construction.
func (d *OptimizingDispatcher) InputQueueCapacity() int { return d.input.Capacity() }

// InputQueueLength returns the number of jobs waiting for a worker.
func (d *OptimizingDispatcher) InputQueueLength() int { return d.input.Len() }

// InputQueueIndex returns the array slot of the i-th queued job.
func (d *OptimizingDispatcher) InputQueueIndex(i int) int {
	d.input.mu.Lock()
	defer d.input.mu.Unlock()
	return d.input.index(i)
}

// IsQueueAvailable returns true if QueueForOptimization would accept a job.
func (d *OptimizingDispatcher) IsQueueAvailable() bool {
	return d.input.Len() < d.input.Capacity()
}

// QueueForOptimization queues a prepared job, or returns ErrQueueFull. With concurrency
// disabled the job executes before QueueForOptimization returns.
func (d *OptimizingDispatcher) QueueForOptimization(job *Job) error {
	if d.closed {
		panic("BUG: QueueForOptimization on a closed dispatcher")
	}
	job.expect(StateReadyToExecute, "queue")
	if !d.IsEnabled() {
		d.CompileNext(context.Background(), job)
		return nil
	}
	if !d.input.Push(job) {
		d.logger.Debug("queue full", zap.Stringer("job", job.ID()), zap.Int("capacity", d.input.Capacity()))
		return ErrQueueFull
	}
	d.logger.Debug("queued", zap.Stringer("job", job.ID()), zap.Bool("osr", job.IsOSR()))
	d.handle.NotifyConcurrencyIncrease()
	return nil
}

// CompileNext executes job and queues it for installation whatever the outcome: failed jobs are
// disposed by InstallOptimizedFunctions.
func (d *OptimizingDispatcher) CompileNext(ctx context.Context, job *Job) {
	if job == nil {
		return
	}
	if err := job.Execute(ctx); err != nil {
		d.logger.Debug("execute failed", zap.Stringer("job", job.ID()), zap.Error(err))
	}
	d.output.Enqueue(job)
	if d.opts.OnInstallRequest != nil {
		d.opts.OnInstallRequest()
	}
}

// InstallOptimizedFunctions finalizes every executed job and returns how many were installed.
// A non-OSR job whose function already runs code of its kind is discarded. It must be called
// on the main goroutine.
func (d *OptimizingDispatcher) InstallOptimizedFunctions() int {
	installed := 0
	for {
		job, ok := d.output.Dequeue()
		if !ok {
			return installed
		}
		switch {
		case job.State() == StateFailed:
			dispose(d.logger, &d.errs, job, false, "execute failed")
		case !job.IsOSR() && job.Function().HasAvailableCodeKind(job.CodeKind()):
			dispose(d.logger, &d.errs, job, false, "already optimized")
		default:
			if err := job.Finalize(); err != nil {
				d.errs.add(err)
				dispose(d.logger, &d.errs, job, false, "finalize failed")
				continue
			}
			installed++
			d.logger.Debug("installed", zap.Stringer("job", job.ID()), zap.Stringer("kind", job.CodeKind()))
		}
	}
}

// HasJobs returns true while a job is queued, executing or waiting for installation.
func (d *OptimizingDispatcher) HasJobs() bool {
	return d.input.Len() > 0 || (d.handle != nil && d.handle.IsActive()) || !d.output.IsEmpty()
}

func (d *OptimizingDispatcher) flushInput() {
	for job := d.input.Pop(); job != nil; job = d.input.Pop() {
		dispose(d.logger, &d.errs, job, true, "flushed")
	}
}

func (d *OptimizingDispatcher) flushOutput(restoreCode bool) {
	for {
		job, ok := d.output.Dequeue()
		if !ok {
			return
		}
		dispose(d.logger, &d.errs, job, restoreCode, "flushed")
	}
}

func (d *OptimizingDispatcher) awaitCompileTasks() {
	if !d.IsEnabled() {
		return
	}
	d.handle.Join()
	d.handle = d.opts.platform().PostJob(&optimizingTask{d: d})
	if jitapi.JobStateValidationEnabled && d.input.Len() != 0 {
		panic("BUG: input queue is not empty after joining the workers")
	}
}

func (d *OptimizingDispatcher) flushQueues(behavior BlockingBehavior, restoreCode bool) {
	d.flushInput()
	if behavior == Block {
		d.awaitCompileTasks()
	}
	d.flushOutput(restoreCode)
}

// Flush disposes queued and executed jobs, restoring the code of their functions. When blocking
// it first waits for running jobs. The input queue is empty afterwards.
func (d *OptimizingDispatcher) Flush(behavior BlockingBehavior) {
	d.flushQueues(behavior, true)
	d.logger.Debug("flushed", zap.Stringer("mode", behavior))
}

// Stop flushes both queues, waiting for running jobs.
func (d *OptimizingDispatcher) Stop() {
	d.flushQueues(Block, false)
	if jitapi.JobStateValidationEnabled && d.input.Len() != 0 {
		panic("BUG: input queue is not empty after Stop")
	}
}

// TakeErrors returns the dispose errors collected since the last call.
func (d *OptimizingDispatcher) TakeErrors() error { return d.errs.take() }

// Close cancels the workers, disposes every queued or executed job and returns the pending
// dispose errors. Jobs running when Close is called see a done context.
func (d *OptimizingDispatcher) Close() error {
	d.closed = true
	if d.handle != nil {
		d.handle.Cancel()
		d.handle = nil
	}
	d.flushInput()
	d.flushOutput(false)
	return d.errs.take()
}

// optimizingTask executes jobs from the input queue.
type optimizingTask struct {
	d *OptimizingDispatcher
}

// Run implements JobTask.Run.
func (t *optimizingTask) Run(ctx context.Context, delegate JobDelegate) {
	d := t.d
	for !delegate.ShouldYield() {
		job := d.input.Pop()
		if job == nil {
			return
		}
		if d.opts.RecompilationDelay > 0 {
			sleep(ctx, d.opts.RecompilationDelay)
		}
		d.CompileNext(ctx, job)
	}
}

// MaxConcurrency implements JobTask.MaxConcurrency.
func (t *optimizingTask) MaxConcurrency(workerCount int) int {
	return MaxConcurrency(t.d.input.Len(), workerCount, t.d.opts.MaxThreads)
}
