package dispatcher

// HandleBatch owns a set of persistent handles. Ownership moves between the main goroutine and
// a worker by Detach and Attach; a batch is never shared.
type HandleBatch struct {
	handles []any
}

// NewHandleBatch returns a batch owning handles.
func NewHandleBatch(handles ...any) *HandleBatch {
	return &HandleBatch{handles: handles}
}

// Len returns the number of handles owned.
func (b *HandleBatch) Len() int { return len(b.handles) }

// Get returns the i-th handle.
func (b *HandleBatch) Get(i int) any { return b.handles[i] }

// Add takes ownership of h and returns its index.
func (b *HandleBatch) Add(h any) int {
	b.handles = append(b.handles, h)
	return len(b.handles) - 1
}

// Detach moves every handle to a new batch, leaving b empty.
func (b *HandleBatch) Detach() *HandleBatch {
	ret := &HandleBatch{handles: b.handles}
	b.handles = nil
	return ret
}

// Attach takes ownership of the handles of other, which must not be b. b must be empty.
func (b *HandleBatch) Attach(other *HandleBatch) {
	if b == other {
		panic("BUG: attaching a handle batch to itself")
	}
	if len(b.handles) != 0 {
		panic("BUG: attaching to a handle batch that still owns handles")
	}
	b.handles = other.handles
	other.handles = nil
}
