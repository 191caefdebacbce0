package jitapi

const poolPageSize = 128

// Pool is a paged arena of T owned by a single compilation. Pointers returned by
// Allocate stay valid until Reset, which is how a compilation releases every IR
// node and instruction it created at once.
type Pool[T any] struct {
	pages            []*[poolPageSize]T
	allocated, index int
}

// NewPool returns a new Pool.
func NewPool[T any]() Pool[T] {
	var ret Pool[T]
	ret.Reset()
	return ret
}

// Allocated returns the number of T handed out since the last Reset.
func (p *Pool[T]) Allocated() int {
	return p.allocated
}

// Allocate returns a zeroed T from the arena.
func (p *Pool[T]) Allocate() *T {
	if p.index == poolPageSize {
		if len(p.pages) == cap(p.pages) {
			p.pages = append(p.pages, new([poolPageSize]T))
		} else {
			i := len(p.pages)
			p.pages = p.pages[:i+1]
			if p.pages[i] == nil {
				p.pages[i] = new([poolPageSize]T)
			}
		}
		p.index = 0
	}
	ret := &p.pages[len(p.pages)-1][p.index]
	p.index++
	p.allocated++
	return ret
}

// View returns the i-th allocated item, in allocation order.
func (p *Pool[T]) View(i int) *T {
	page, index := i/poolPageSize, i%poolPageSize
	return &p.pages[page][index]
}

// Each calls fn on every allocated item in allocation order and stops early when fn returns false.
func (p *Pool[T]) Each(fn func(i int, item *T) bool) {
	for i := 0; i < p.allocated; i++ {
		if !fn(i, p.View(i)) {
			return
		}
	}
}

// Reset releases every item. Pages are kept for reuse by the next compilation.
func (p *Pool[T]) Reset() {
	for _, ns := range p.pages {
		pages := ns[:]
		for i := range pages {
			var v T
			pages[i] = v
		}
	}
	p.pages = p.pages[:0]
	p.index = poolPageSize
	p.allocated = 0
}
