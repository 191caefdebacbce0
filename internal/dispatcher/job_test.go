package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCompilation records the phases a job went through.
type fakeCompilation struct {
	mu sync.Mutex

	prepareErr, executeErr, finalizeErr, abortErr error
	onExecute                                     func(handles *HandleBatch)

	prepared, executed, finalized, aborted int
	restored                               bool
}

func (f *fakeCompilation) PrepareJob() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared++
	return f.prepareErr
}

func (f *fakeCompilation) ExecuteJob(_ context.Context, handles *HandleBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if f.onExecute != nil {
		f.onExecute(handles)
	}
	return f.executeErr
}

func (f *fakeCompilation) FinalizeJob() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return f.finalizeErr
}

func (f *fakeCompilation) Abort(restoreCode bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	f.restored = restoreCode
	return f.abortErr
}

func (f *fakeCompilation) counts() (prepared, executed, finalized, aborted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepared, f.executed, f.finalized, f.aborted
}

type fakeFunction struct {
	available map[CodeKind]bool
}

func (f *fakeFunction) HasAvailableCodeKind(kind CodeKind) bool { return f.available[kind] }

func newPreparedJob(t *testing.T, impl *fakeCompilation, fn Function, kind CodeKind, osrOffset int32) *Job {
	if fn == nil {
		fn = &fakeFunction{}
	}
	job := NewJob(impl, fn, kind, osrOffset, nil)
	require.NoError(t, job.Prepare())
	require.Equal(t, StateReadyToExecute, job.State())
	return job
}

func TestJob_Phases(t *testing.T) {
	impl := &fakeCompilation{}
	job := NewJob(impl, &fakeFunction{}, CodeKindMaglev, NoOsrOffset, nil)
	require.Equal(t, StateReadyToPrepare, job.State())
	require.False(t, job.IsOSR())
	require.Equal(t, CodeKindMaglev, job.CodeKind())

	require.NoError(t, job.Prepare())
	require.Equal(t, StateReadyToExecute, job.State())
	require.NoError(t, job.Execute(context.Background()))
	require.Equal(t, StateReadyToFinalize, job.State())
	require.NoError(t, job.Finalize())
	require.Equal(t, StateSucceeded, job.State())
	require.NoError(t, job.Err())

	prepared, executed, finalized, aborted := impl.counts()
	require.Equal(t, []int{1, 1, 1, 0}, []int{prepared, executed, finalized, aborted})
}

func TestJob_PhaseErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		impl  *fakeCompilation
		phase string
	}{
		{name: "prepare", impl: &fakeCompilation{prepareErr: boom}, phase: "prepare"},
		{name: "execute", impl: &fakeCompilation{executeErr: boom}, phase: "execute"},
		{name: "finalize", impl: &fakeCompilation{finalizeErr: boom}, phase: "finalize"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			job := NewJob(tc.impl, &fakeFunction{}, CodeKindTurbofan, NoOsrOffset, nil)
			err := job.Prepare()
			if err == nil {
				err = job.Execute(context.Background())
			}
			if err == nil {
				err = job.Finalize()
			}
			require.ErrorIs(t, err, boom)
			require.EqualError(t, err, tc.phase+": boom")
			require.Equal(t, StateFailed, job.State())
			require.Equal(t, err, job.Err())
		})
	}
}

func TestJob_WrongState(t *testing.T) {
	job := newPreparedJob(t, &fakeCompilation{}, nil, CodeKindMaglev, NoOsrOffset)
	require.Panics(t, func() { _ = job.Prepare() })
	require.Panics(t, func() { _ = job.Finalize() })

	require.NoError(t, job.Execute(context.Background()))
	require.NoError(t, job.Finalize())
	require.Panics(t, func() { _ = job.Finalize() }, "double finalize")
	require.Panics(t, func() { _ = job.Dispose(false) })
}

func TestJob_ExecuteMovesHandles(t *testing.T) {
	var seen []any
	var ownerLen int
	impl := &fakeCompilation{}
	job := newPreparedJob(t, impl, nil, CodeKindMaglev, NoOsrOffset)
	job.Handles().Add("closure")
	job.Handles().Add("feedback")
	impl.onExecute = func(handles *HandleBatch) {
		ownerLen = job.Handles().Len()
		for i := 0; i < handles.Len(); i++ {
			seen = append(seen, handles.Get(i))
		}
	}

	require.NoError(t, job.Execute(context.Background()))
	require.Equal(t, 0, ownerLen)
	require.Equal(t, []any{"closure", "feedback"}, seen)
	require.Equal(t, 2, job.Handles().Len())
}

func TestJob_Dispose(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		impl    *fakeCompilation
		restore bool
		expErr  bool
	}{
		{name: "restore", impl: &fakeCompilation{}, restore: true},
		{name: "keep", impl: &fakeCompilation{}},
		{name: "abort error", impl: &fakeCompilation{abortErr: boom}, expErr: true},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			job := newPreparedJob(t, tc.impl, nil, CodeKindMaglev, 12)
			require.True(t, job.IsOSR())
			err := job.Dispose(tc.restore)
			if tc.expErr {
				require.ErrorIs(t, err, boom)
				require.Contains(t, err.Error(), job.ID().String())
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, StateFailed, job.State())
			_, _, _, aborted := tc.impl.counts()
			require.Equal(t, 1, aborted)
			require.Equal(t, tc.restore, tc.impl.restored)
		})
	}
}

func TestHandleBatch(t *testing.T) {
	b := NewHandleBatch("a")
	require.Equal(t, 1, b.Add("b"))
	require.Equal(t, 2, b.Len())

	detached := b.Detach()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 2, detached.Len())
	require.Equal(t, "b", detached.Get(1))

	other := NewHandleBatch()
	other.Attach(detached)
	require.Equal(t, 0, detached.Len())
	require.Equal(t, 2, other.Len())

	require.PanicsWithValue(t, "BUG: attaching a handle batch to itself", func() { other.Attach(other) })
	require.PanicsWithValue(t, "BUG: attaching to a handle batch that still owns handles", func() {
		other.Attach(NewHandleBatch("c"))
	})
}

func TestState_String(t *testing.T) {
	require.Equal(t, "ReadyToFinalize", StateReadyToFinalize.String())
	require.Equal(t, "State(9)", State(9).String())
	require.Equal(t, "turbofan", CodeKindTurbofan.String())
}
