package jitapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	p := NewPool[int]()
	require.Equal(t, 0, p.Allocated())

	for i := 0; i < poolPageSize*3+5; i++ {
		v := p.Allocate()
		require.Equal(t, 0, *v)
		*v = i
	}
	require.Equal(t, poolPageSize*3+5, p.Allocated())
	require.Equal(t, 3, *p.View(3))
	require.Equal(t, poolPageSize+1, *p.View(poolPageSize+1))

	var seen int
	p.Each(func(i int, item *int) bool {
		require.Equal(t, i, *item)
		seen++
		return i < 9
	})
	require.Equal(t, 10, seen)

	p.Reset()
	require.Equal(t, 0, p.Allocated())
	v := p.Allocate()
	require.Equal(t, 0, *v, "reset must zero reused pages")
}
