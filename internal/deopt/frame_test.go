package deopt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testValue uint32

func (v testValue) ValueID() uint32 { return uint32(v) }

func values(ids ...uint32) []Value {
	ret := make([]Value, len(ids))
	for i, id := range ids {
		if id == 0 {
			continue
		}
		ret[i] = testValue(id)
	}
	return ret
}

func TestInputLocationsArraySize(t *testing.T) {
	outer := NewInterpretedFrame(nil, 1, 10, testValue(1), values(2, 0, 3), testValue(4))
	for _, tc := range []struct {
		name string
		top  *Frame
		exp  int
	}{
		{name: "interpreted", top: outer, exp: 1 + 3},
		{name: "interpreted no accumulator", top: NewInterpretedFrame(nil, 1, 0, testValue(1), values(2, 3), nil), exp: 1 + 2},
		{name: "inlined arguments", top: NewInlinedArgumentsFrame(outer, 2, testValue(5), values(6, 7)), exp: 4 + 1 + 2},
		{name: "construct stub", top: NewConstructStubFrame(outer, 3, 4, testValue(5), testValue(6), values(7, 8, 9), testValue(10)), exp: 4 + 1 + 1 + 3 + 1},
		{name: "builtin continuation", top: NewBuiltinContinuationFrame(outer, 77, values(5, 6), testValue(7)), exp: 4 + 2 + 1},
		{
			name: "deeply nested",
			top: NewInterpretedFrame(
				NewConstructStubFrame(
					NewInlinedArgumentsFrame(
						NewInterpretedFrame(outer, 2, 0, testValue(20), values(21), nil),
						3, testValue(30), values(31, 32, 33)),
					4, 0, testValue(40), testValue(41), nil, testValue(42)),
				5, 3, testValue(50), values(0, 0, 51), testValue(52)),
			exp: 4 + (1 + 1) + (1 + 3) + (1 + 1 + 0 + 1) + (1 + 2),
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, InputLocationsArraySize(tc.top))

			locs := NewInputLocations(tc.top)
			require.Len(t, locs, tc.exp)
			for i := range locs {
				require.False(t, locs[i].IsAssigned())
				require.Equal(t, NoNextUse, locs[i].NextUse())
			}

			var filled int
			seen := map[uint32]bool{}
			ForEachInputLocation(tc.top, locs, func(v Value, loc *InputLocation) {
				require.False(t, seen[v.ValueID()], "value %d visited twice", v.ValueID())
				seen[v.ValueID()] = true
				loc.Assign(LocationStackSlot, filled)
				filled++
			})
			require.Equal(t, tc.exp, filled)
			for i := range locs {
				require.True(t, locs[i].IsAssigned())
				require.Equal(t, i, locs[i].Index())
			}
		})
	}
}

func TestForEachInputLocation_Order(t *testing.T) {
	outer := NewInterpretedFrame(nil, 1, 0, testValue(1), values(2), testValue(3))
	top := NewBuiltinContinuationFrame(outer, 9, values(4), testValue(5))
	locs := NewInputLocations(top)

	var ids []uint32
	ForEachInputLocation(top, locs, func(v Value, _ *InputLocation) { ids = append(ids, v.ValueID()) })
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, ids)
}

func TestForEachInputLocation_Mismatch(t *testing.T) {
	small := NewInterpretedFrame(nil, 1, 0, testValue(1), values(2), nil)
	large := NewInterpretedFrame(nil, 1, 0, testValue(1), values(2, 3), nil)

	require.PanicsWithValue(t, "BUG: deopt input locations overrun: 2 slots", func() {
		ForEachInputLocation(large, NewInputLocations(small), func(Value, *InputLocation) {})
	})
	require.PanicsWithValue(t, "BUG: filled 2 deopt input locations, allocated 3", func() {
		ForEachInputLocation(small, NewInputLocations(large), func(Value, *InputLocation) {})
	})
}

func TestFrame_Depth(t *testing.T) {
	outer := NewInterpretedFrame(nil, 1, 0, testValue(1), nil, nil)
	args := NewInlinedArgumentsFrame(outer, 2, testValue(2), nil)
	top := NewInterpretedFrame(args, 2, 0, testValue(2), nil, nil)

	frames, jsFrames := top.Depth()
	require.Equal(t, 3, frames)
	require.Equal(t, 2, jsFrames)
	require.Equal(t, 1, top.Height())
}

func TestInputLocation(t *testing.T) {
	var loc InputLocation
	require.Equal(t, "unassigned", loc.String())
	loc.Assign(LocationDoubleRegister, 3)
	loc.SetNextUse(12)
	require.Equal(t, "d3", loc.String())
	require.Equal(t, uint32(12), loc.NextUse())
	require.Panics(t, func() { loc.Assign(LocationUnassigned, 0) })

	locs := NewInputLocations(NewInterpretedFrame(nil, 1, 0, testValue(1), values(2), nil))
	require.False(t, locs[0].HasNextUse())
	// The first node of a graph has id zero.
	locs[0].SetNextUse(0)
	require.True(t, locs[0].HasNextUse())
	require.Equal(t, uint32(0), locs[0].NextUse())
}

func TestFrame_Format(t *testing.T) {
	outer := NewInterpretedFrame(nil, 1, 10, testValue(1), values(2, 0, 3), nil)
	top := NewBuiltinContinuationFrame(outer, 77, values(5), testValue(7))
	require.Equal(t, "Interpreted(1@10: v1, v2, -, v3, -) > BuiltinContinuation(77@0: v5, v7)", top.Format())

	// Dead registers keep their position.
	shifted := NewInterpretedFrame(nil, 1, 10, testValue(1), values(0, 2, 3), nil)
	require.NotEqual(t, outer.Format(), shifted.Format())
}
