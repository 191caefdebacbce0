package dispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/jitapi"
)

// ConcurrentDispatcher runs second-tier compile jobs in the background. Finished jobs wait in
// the outgoing queue until the main goroutine calls FinalizeFinishedJobs.
type ConcurrentDispatcher struct {
	opts     Options
	logger   *zap.Logger
	incoming lockedQueue[*Job]
	outgoing lockedQueue[*Job]
	handle   JobHandle
	errs     errorSink
	closed   bool
}

// NewConcurrentDispatcher posts the worker job unless concurrency is disabled.
func NewConcurrentDispatcher(opts Options) *ConcurrentDispatcher {
	d := &ConcurrentDispatcher{opts: opts, logger: opts.logger()}
	if opts.MaxThreads != DisableConcurrency {
		d.handle = opts.platform().PostJob(&concurrentTask{d: d})
	}
	return d
}

// IsEnabled returns true if jobs run on workers.
func (d *ConcurrentDispatcher) IsEnabled() bool { return d.handle != nil }

// Enqueue queues a prepared job and asks for a worker. With concurrency disabled the job
// executes before Enqueue returns.
func (d *ConcurrentDispatcher) Enqueue(job *Job) {
	if d.closed {
		panic("BUG: Enqueue on a closed dispatcher")
	}
	job.expect(StateReadyToExecute, "enqueue")
	d.logger.Debug("enqueue", zap.Stringer("job", job.ID()))
	if !d.IsEnabled() {
		d.execute(context.Background(), job)
		return
	}
	d.incoming.Enqueue(job)
	d.handle.NotifyConcurrencyIncrease()
}

func (d *ConcurrentDispatcher) execute(ctx context.Context, job *Job) {
	if err := job.Execute(ctx); err != nil {
		dispose(d.logger, &d.errs, job, false, "execute failed")
		return
	}
	d.outgoing.Enqueue(job)
}

// FinalizeFinishedJobs finalizes every job in the outgoing queue and returns how many succeeded.
// It must be called on the main goroutine.
func (d *ConcurrentDispatcher) FinalizeFinishedJobs() int {
	installed := 0
	for {
		job, ok := d.outgoing.Dequeue()
		if !ok {
			return installed
		}
		if err := job.Finalize(); err != nil {
			dispose(d.logger, &d.errs, job, false, "finalize failed")
			continue
		}
		installed++
		d.logger.Debug("installed", zap.Stringer("job", job.ID()))
	}
}

// AwaitCompileJobs waits until every queued job has executed.
func (d *ConcurrentDispatcher) AwaitCompileJobs() {
	if !d.IsEnabled() {
		return
	}
	d.handle.Join()
	d.handle = d.opts.platform().PostJob(&concurrentTask{d: d})
	if jitapi.JobStateValidationEnabled && !d.incoming.IsEmpty() {
		panic("BUG: input queue is not empty after AwaitCompileJobs")
	}
}

// Flush disposes queued jobs. When blocking it also waits for running jobs and disposes their
// results.
func (d *ConcurrentDispatcher) Flush(behavior BlockingBehavior) {
	d.flushIncoming()
	if behavior == Block && d.IsEnabled() {
		d.handle.Cancel()
		d.handle = d.opts.platform().PostJob(&concurrentTask{d: d})
	}
	d.flushOutgoing()
	d.logger.Debug("flushed", zap.Stringer("mode", behavior))
}

func (d *ConcurrentDispatcher) flushIncoming() {
	for {
		job, ok := d.incoming.Dequeue()
		if !ok {
			return
		}
		dispose(d.logger, &d.errs, job, false, "flushed")
	}
}

func (d *ConcurrentDispatcher) flushOutgoing() {
	for {
		job, ok := d.outgoing.Dequeue()
		if !ok {
			return
		}
		dispose(d.logger, &d.errs, job, false, "flushed")
	}
}

// IncomingLen returns the number of jobs waiting for a worker.
func (d *ConcurrentDispatcher) IncomingLen() int { return d.incoming.Len() }

// OutgoingLen returns the number of jobs waiting for FinalizeFinishedJobs.
func (d *ConcurrentDispatcher) OutgoingLen() int { return d.outgoing.Len() }

// TakeErrors returns the dispose errors collected since the last call.
func (d *ConcurrentDispatcher) TakeErrors() error { return d.errs.take() }

// Close disposes every job, waits for the workers and returns the pending dispose errors.
func (d *ConcurrentDispatcher) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.flushIncoming()
	if d.IsEnabled() {
		d.handle.Cancel()
		d.handle = nil
	}
	d.flushOutgoing()
	return d.errs.take()
}

// concurrentTask executes jobs from the incoming queue.
type concurrentTask struct {
	d *ConcurrentDispatcher
}

// Run implements JobTask.Run.
func (t *concurrentTask) Run(ctx context.Context, delegate JobDelegate) {
	d := t.d
	ran := false
	for !d.incoming.IsEmpty() && !delegate.ShouldYield() {
		job, ok := d.incoming.Dequeue()
		if !ok {
			break
		}
		d.execute(ctx, job)
		ran = true
	}
	if ran && d.opts.OnInstallRequest != nil {
		d.opts.OnInstallRequest()
	}
}

// MaxConcurrency implements JobTask.MaxConcurrency.
func (t *concurrentTask) MaxConcurrency(workerCount int) int {
	return MaxConcurrency(t.d.incoming.Len(), workerCount, t.d.opts.MaxThreads)
}
