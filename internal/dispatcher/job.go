// Package dispatcher runs the execute phase of compilation jobs on worker
// goroutines and hands the results back to the main goroutine for installation.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tetratelabs/jitcore/internal/jitapi"
)

// State is the phase a Job is in.
type State byte

const (
	StateReadyToPrepare State = iota
	StateReadyToExecute
	StateReadyToFinalize
	StateSucceeded
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReadyToPrepare:
		return "ReadyToPrepare"
	case StateReadyToExecute:
		return "ReadyToExecute"
	case StateReadyToFinalize:
		return "ReadyToFinalize"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", byte(s))
}

// CodeKind is the tier a job produces code for. Later kinds are better.
type CodeKind byte

const (
	CodeKindInterpreted CodeKind = iota
	CodeKindMaglev
	CodeKindTurbofan
)

// String implements fmt.Stringer.
func (k CodeKind) String() string {
	switch k {
	case CodeKindInterpreted:
		return "interpreted"
	case CodeKindMaglev:
		return "maglev"
	case CodeKindTurbofan:
		return "turbofan"
	}
	return fmt.Sprintf("CodeKind(%d)", byte(k))
}

// NoOsrOffset is the OsrOffset of jobs compiling a whole function.
const NoOsrOffset = -1

// Function is the target of a compilation.
type Function interface {
	// HasAvailableCodeKind returns true if the function already runs code of kind.
	HasAvailableCodeKind(kind CodeKind) bool
}

// CompilationJob is the compiler specific part of a Job.
type CompilationJob interface {
	// PrepareJob runs on the main goroutine.
	PrepareJob() error
	// ExecuteJob runs on a worker goroutine. It must not touch state owned by the main goroutine
	// and reaches heap objects only through handles.
	ExecuteJob(ctx context.Context, handles *HandleBatch) error
	// FinalizeJob runs on the main goroutine and installs the code.
	FinalizeJob() error
	// Abort releases a job that will not be finalized. restoreCode asks to put back the code
	// the function ran before the job was queued.
	Abort(restoreCode bool) error
}

// Job drives a CompilationJob through its phases.
type Job struct {
	id        uuid.UUID
	impl      CompilationJob
	function  Function
	kind      CodeKind
	osrOffset int32
	state     State
	handles   *HandleBatch
	err       error
}

// NewJob returns a job in StateReadyToPrepare. handles are the persistent handles the execute
// phase may use.
func NewJob(impl CompilationJob, function Function, kind CodeKind, osrOffset int32, handles *HandleBatch) *Job {
	if handles == nil {
		handles = NewHandleBatch()
	}
	return &Job{
		id:        uuid.New(),
		impl:      impl,
		function:  function,
		kind:      kind,
		osrOffset: osrOffset,
		handles:   handles,
	}
}

// ID returns the unique id of the job.
func (j *Job) ID() uuid.UUID { return j.id }

// State returns the current phase.
func (j *Job) State() State { return j.state }

// Err returns the error the job failed with, if any.
func (j *Job) Err() error { return j.err }

// Function returns the compilation target.
func (j *Job) Function() Function { return j.function }

// CodeKind returns the tier the job compiles for.
func (j *Job) CodeKind() CodeKind { return j.kind }

// OsrOffset returns the bytecode offset of the OSR entry, or NoOsrOffset.
func (j *Job) OsrOffset() int32 { return j.osrOffset }

// IsOSR returns true for on-stack replacement jobs.
func (j *Job) IsOSR() bool { return j.osrOffset != NoOsrOffset }

// Handles returns the persistent handles owned by the job.
func (j *Job) Handles() *HandleBatch { return j.handles }

// Impl returns the compiler specific part.
func (j *Job) Impl() CompilationJob { return j.impl }

func (j *Job) expect(s State, phase string) {
	if jitapi.JobStateValidationEnabled && j.state != s {
		panic(fmt.Sprintf("BUG: %s of job %s in state %s", phase, j.id, j.state))
	}
}

func (j *Job) transition(err error, next State, phase string) error {
	if err != nil {
		j.state, j.err = StateFailed, fmt.Errorf("%s: %w", phase, err)
		return j.err
	}
	j.state = next
	return nil
}

// Prepare runs the prepare phase.
func (j *Job) Prepare() error {
	j.expect(StateReadyToPrepare, "prepare")
	return j.transition(j.impl.PrepareJob(), StateReadyToExecute, "prepare")
}

// Execute runs the execute phase. The handles are moved into a batch local to the phase for its
// duration.
func (j *Job) Execute(ctx context.Context) error {
	j.expect(StateReadyToExecute, "execute")
	local := NewHandleBatch()
	local.Attach(j.handles.Detach())
	err := j.impl.ExecuteJob(ctx, local)
	j.handles.Attach(local.Detach())
	return j.transition(err, StateReadyToFinalize, "execute")
}

// Finalize runs the finalize phase.
func (j *Job) Finalize() error {
	j.expect(StateReadyToFinalize, "finalize")
	return j.transition(j.impl.FinalizeJob(), StateSucceeded, "finalize")
}

// Dispose aborts a job that will not be finalized and marks it failed.
func (j *Job) Dispose(restoreCode bool) error {
	if j.state == StateSucceeded {
		panic(fmt.Sprintf("BUG: disposing finalized job %s", j.id))
	}
	err := j.impl.Abort(restoreCode)
	if j.state != StateFailed {
		j.state = StateFailed
	}
	if err != nil {
		err = fmt.Errorf("dispose job %s: %w", j.id, err)
	}
	return err
}
