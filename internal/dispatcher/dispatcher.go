package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by QueueForOptimization when the input queue has no free slot.
var ErrQueueFull = errors.New("dispatcher: input queue full")

// DefaultInputQueueCapacity is the input queue capacity used when Options leaves it zero.
const DefaultInputQueueCapacity = 8

// DisableConcurrency as Options.MaxThreads makes jobs execute on the goroutine that queues them.
const DisableConcurrency = -1

// Options configures a dispatcher.
type Options struct {
	// MaxThreads caps the worker count when positive. DisableConcurrency runs jobs inline.
	MaxThreads int
	// InputQueueCapacity bounds the input queue of the optimizing dispatcher.
	InputQueueCapacity int
	// RecompilationDelay is slept by optimizing workers before each job.
	RecompilationDelay time.Duration
	// Platform runs the workers. Nil means a GoroutinePlatform bounded by MaxThreads.
	Platform Platform
	Logger   *zap.Logger
	// OnInstallRequest is called from workers when finished jobs wait for installation.
	OnInstallRequest func()
}

func (o *Options) platform() Platform {
	if o.Platform != nil {
		return o.Platform
	}
	return NewGoroutinePlatform(max(o.MaxThreads, 0))
}

func (o *Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// BlockingBehavior selects whether Flush waits for running jobs.
type BlockingBehavior byte

const (
	Block BlockingBehavior = iota
	DontBlock
)

// String implements fmt.Stringer.
func (b BlockingBehavior) String() string {
	if b == Block {
		return "blocking"
	}
	return "non blocking"
}

// errorSink collects dispose errors from any goroutine.
type errorSink struct {
	mu   sync.Mutex
	errs error
}

func (s *errorSink) add(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.errs = multierr.Append(s.errs, err)
	s.mu.Unlock()
}

// take returns the errors collected so far and forgets them.
func (s *errorSink) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.errs
	s.errs = nil
	return ret
}

// dispose aborts job, logging and recording any error.
func dispose(logger *zap.Logger, sink *errorSink, job *Job, restoreCode bool, why string) {
	logger.Debug("dispose", zap.Stringer("job", job.ID()), zap.String("reason", why), zap.Error(job.Err()))
	sink.add(job.Dispose(restoreCode))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
