package regalloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVReg(t *testing.T) {
	v := NewVReg(10, RegTypeFloat)
	require.Equal(t, VRegID(10), v.ID())
	require.Equal(t, RegTypeFloat, v.RegType())
	require.False(t, v.IsRealReg())
	require.True(t, v.Valid())

	v = v.SetRealReg(5)
	require.Equal(t, RealReg(5), v.RealReg())
	require.Equal(t, VRegID(10), v.ID())
	require.Equal(t, RegTypeFloat, v.RegType())

	p := FromRealReg(3, RegTypeInt)
	require.True(t, p.IsRealReg())
	require.Equal(t, RealReg(3), p.RealReg())
	require.False(t, VRegInvalid.Valid())
}

func TestRegSet(t *testing.T) {
	rs := NewRegSet(1, 5, 63, 64)
	require.True(t, rs.Has(1))
	require.True(t, rs.Has(63))
	require.False(t, rs.Has(64))
	require.Equal(t, 3, rs.Count())
	require.Equal(t, RealReg(1), rs.First())

	rs = rs.Remove(1)
	require.Equal(t, RealReg(5), rs.First())
	require.Equal(t, RealRegInvalid, RegSet(0).First())

	var got []RealReg
	rs.Range(func(r RealReg) { got = append(got, r) })
	require.Equal(t, []RealReg{5, 63}, got)

	require.Equal(t, "{x5, x63}", rs.Format(func(r RealReg) string { return fmt.Sprintf("x%d", r) }))
	require.Equal(t, NewRegSet(5), rs.Intersect(NewRegSet(5, 6)))
	require.Equal(t, NewRegSet(63), rs.Difference(NewRegSet(5)))
}

func TestFreeList(t *testing.T) {
	info := &RegisterInfo{
		AllocatableRegisters: [NumRegType][]RealReg{
			RegTypeInt:   {3, 1, 2},
			RegTypeFloat: {33, 34},
		},
		RealRegName: func(r RealReg) string { return fmt.Sprintf("r%d", r) },
		RealRegType: func(r RealReg) RegType {
			if r >= 32 {
				return RegTypeFloat
			}
			return RegTypeInt
		},
	}
	fl := NewFreeList(info)

	r, ok := fl.Take(RegTypeInt, NewRegSet(3))
	require.True(t, ok)
	require.Equal(t, RealReg(1), r, "preference order must be honored and blocked skipped")

	fl.Block(3)
	require.False(t, fl.IsFree(3))
	r, ok = fl.Take(RegTypeInt, 0)
	require.True(t, ok)
	require.Equal(t, RealReg(2), r)
	_, ok = fl.Take(RegTypeInt, 0)
	require.False(t, ok)

	fl.Release(2)
	require.True(t, fl.IsFree(2))
	require.Panics(t, func() { fl.Release(2) })

	fl.Release(40) // not allocatable: ignored
	fl.Reset()
	require.Equal(t, NewRegSet(1, 2, 3), fl.Free(RegTypeInt))
}
