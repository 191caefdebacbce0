package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
)

func run(t *testing.T, h *heap.Heap, build func(a *masm.MacroAssembler), setup func(m *Machine)) (*Machine, Result) {
	t.Helper()
	a := masm.New()
	build(a)
	m := New(h)
	if setup != nil {
		setup(m)
	}
	res, err := m.Run(a.Finish())
	require.NoError(t, err)
	return m, res
}

func TestMachine_Flags(t *testing.T) {
	for _, tc := range []struct {
		name string
		w    masm.Width
		a, b int64
		cond masm.Condition
		exp  bool
	}{
		{name: "eq", w: masm.W64, a: 5, b: 5, cond: masm.CondEq, exp: true},
		{name: "signed lt", w: masm.W64, a: -1, b: 1, cond: masm.CondLt, exp: true},
		{name: "unsigned lo of negative", w: masm.W64, a: -1, b: 1, cond: masm.CondLo, exp: false},
		{name: "unsigned hs", w: masm.W64, a: -1, b: 1, cond: masm.CondHs, exp: true},
		{name: "w32 ignores upper half", w: masm.W32, a: 1<<32 | 7, b: 7, cond: masm.CondEq, exp: true},
		{name: "w32 signed gt", w: masm.W32, a: 0x7fffffff, b: -1, cond: masm.CondGt, exp: true},
		{name: "w32 overflow", w: masm.W32, a: math.MinInt32, b: 1, cond: masm.CondVs, exp: true},
		{name: "ls on equal", w: masm.W64, a: 3, b: 3, cond: masm.CondLs, exp: true},
		{name: "hi on less", w: masm.W64, a: 2, b: 3, cond: masm.CondHi, exp: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
				a.MoveImm(masm.X1, tc.a)
				a.MoveImm(masm.X2, tc.b)
				a.Cmp(tc.w, masm.X1, masm.X2)
				a.Cset(tc.cond, masm.X0)
				a.Ret()
			}, nil)
			require.Equal(t, tc.exp, res.Value == 1)
		})
	}
}

func TestMachine_Float64Compare(t *testing.T) {
	nan := math.NaN()
	for _, tc := range []struct {
		a, b      float64
		lt, ge    bool
		unordered bool
	}{
		{a: 1, b: 2, lt: true},
		{a: 2, b: 1, ge: true},
		{a: 2, b: 2, ge: true},
		{a: nan, b: 1, unordered: true},
		{a: 1, b: nan, unordered: true},
	} {
		_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
			a.Float64Compare(masm.D0, masm.D1)
			// mi is "less than" for floats; lt also holds for unordered.
			a.Cset(masm.CondMi, masm.X3)
			a.Cset(masm.CondGe, masm.X4)
			a.Cset(masm.CondVs, masm.X5)
			a.Emit3Imm(masm.OpLsl, masm.W64, masm.X4, masm.X4, 1)
			a.Emit3Imm(masm.OpLsl, masm.W64, masm.X5, masm.X5, 2)
			a.Emit3(masm.OpOrr, masm.W64, masm.X0, masm.X3, masm.X4)
			a.Emit3(masm.OpOrr, masm.W64, masm.X0, masm.X0, masm.X5)
			a.Ret()
		}, func(m *Machine) {
			m.SetFloat64(masm.D0, tc.a)
			m.SetFloat64(masm.D1, tc.b)
		})
		var exp heap.Tagged
		if tc.lt {
			exp |= 1
		}
		if tc.ge {
			exp |= 2
		}
		if tc.unordered {
			exp |= 4
		}
		require.Equal(t, exp, res.Value, "%v ? %v", tc.a, tc.b)
	}
}

func TestMachine_Arithmetic(t *testing.T) {
	_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
		a.MoveImm(masm.X1, -3)
		a.MoveImm(masm.X2, 100000)
		a.Smull(masm.X3, masm.X1, masm.X2)
		a.Emit3Imm(masm.OpAsr, masm.W32, masm.X4, masm.X1, 1)
		a.Sxtw(masm.X4, masm.X4)
		a.Emit3(masm.OpAdd, masm.W64, masm.X0, masm.X3, masm.X4)
		a.Ret()
	}, nil)
	require.Equal(t, int64(-300002), int64(res.Value))
}

func TestMachine_Loop(t *testing.T) {
	// Sum 1..10.
	_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
		loop, done := &masm.Label{}, &masm.Label{}
		a.MoveImm(masm.X0, 0)
		a.MoveImm(masm.X1, 10)
		a.Bind(loop)
		a.JumpIfZero(masm.W64, masm.X1, done)
		a.Emit3(masm.OpAdd, masm.W64, masm.X0, masm.X0, masm.X1)
		a.Emit3Imm(masm.OpSub, masm.W64, masm.X1, masm.X1, 1)
		a.Jump(loop)
		a.Bind(done)
		a.Ret()
	}, nil)
	require.Equal(t, heap.Tagged(55), res.Value)
}

func TestMachine_StepLimit(t *testing.T) {
	a := masm.New()
	l := &masm.Label{}
	a.Bind(l)
	a.Jump(l)
	m := New(heap.New())
	m.MaxSteps = 100
	_, err := m.Run(a.Finish())
	require.ErrorIs(t, err, ErrStepLimit)
}

func TestMachine_MemoryFault(t *testing.T) {
	a := masm.New()
	a.MoveImm(masm.X1, 8)
	a.Load(masm.W64, false, masm.X0, masm.X1, 0)
	a.Ret()
	_, err := New(heap.New()).Run(a.Finish())
	require.EqualError(t, err, "sim: ldr.64 x0, [x1, #0] at 1: access to unmapped address 0x8")
}

func TestMachine_AllocateHeapNumber(t *testing.T) {
	h := heap.New()
	m, res := run(t, h, func(a *masm.MacroAssembler) {
		a.AllocateHeapNumber(masm.NewRegList(masm.X5), masm.X0, masm.D3)
		a.Ret()
	}, func(m *Machine) {
		m.SetFloat64(masm.D3, 2.5)
		m.SetRegister(masm.X5, 77)
	})
	require.False(t, res.Value.IsSmi())
	require.Equal(t, h.Root(heap.RootHeapNumberMap), h.MapOf(res.Value))
	require.Equal(t, 2.5, h.HeapNumberValue(res.Value))
	require.Equal(t, uint64(77), m.Register(masm.X5), "live register survives the call")
	require.Equal(t, m.StackTop(), m.StackPointer())
	require.Equal(t, []masm.CallTarget{{Kind: masm.CallBuiltin, ID: uint16(masm.BuiltinAllocateRegularInYoungGeneration)}}, m.Calls)
}

func TestMachine_CallClobbers(t *testing.T) {
	m, _ := run(t, heap.New(), func(a *masm.MacroAssembler) {
		a.CallRuntime(masm.RuntimeStackGuard)
		a.Ret()
	}, func(m *Machine) {
		m.SetRegister(masm.X3, 1)
		m.SetRegister(masm.X19, 2)
	})
	require.Equal(t, uint64(Poison), m.Register(masm.X3))
	require.Equal(t, uint64(2), m.Register(masm.X19), "callee-saved")
}

func TestMachine_WriteBarrier(t *testing.T) {
	h := heap.New()
	obj := h.NewJSObject(h.Root(heap.RootHeapNumberMap), 1)
	value := h.NewHeapNumber(1)
	m, _ := run(t, h, func(a *masm.MacroAssembler) {
		a.StoreTaggedFieldWithWriteBarrier(masm.X1, heap.JSObjectInObjectFieldOffset(0), masm.X2, masm.NewRegList(masm.X1, masm.X2))
		a.Move(masm.X0, masm.X1)
		a.Ret()
	}, func(m *Machine) {
		m.SetRegister(masm.X1, uint64(obj))
		m.SetRegister(masm.X2, uint64(value))
	})
	require.Equal(t, value, h.Field(obj, heap.JSObjectInObjectFieldOffset(0)))
	require.Equal(t, []uint64{obj.Address() + uint64(heap.JSObjectInObjectFieldOffset(0))}, m.WriteBarrierSlots)
	require.Equal(t, uint64(obj), m.Register(masm.X0))

	// Smis skip the barrier.
	m, _ = run(t, h, func(a *masm.MacroAssembler) {
		a.StoreTaggedFieldWithWriteBarrier(masm.X1, heap.JSObjectInObjectFieldOffset(0), masm.X2, masm.RegList{})
		a.Ret()
	}, func(m *Machine) {
		m.SetRegister(masm.X1, uint64(obj))
		m.SetRegister(masm.X2, uint64(heap.SmiFromInt(3)))
	})
	require.Empty(t, m.WriteBarrierSlots)
	require.Equal(t, heap.SmiFromInt(3), h.Field(obj, heap.JSObjectInObjectFieldOffset(0)))
}

func TestMachine_Deopts(t *testing.T) {
	t.Run("eager", func(t *testing.T) {
		_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
			a.CmpImm(masm.W64, masm.X1, 0)
			a.JumpToDeferredIf(masm.CondEq, func(a *masm.MacroAssembler) { a.CallDeoptExit(false, 3) })
			a.Ret()
		}, nil)
		require.Equal(t, Deopted, res.Outcome)
		require.Equal(t, 3, res.DeoptExit)
		require.False(t, res.Lazy)
	})

	t.Run("lazy", func(t *testing.T) {
		_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
			a.CallBuiltin(masm.BuiltinToNumber)
			a.Ret()
		}, func(m *Machine) {
			m.SetRegister(masm.X0, uint64(heap.SmiFromInt(1)))
			m.LazyDeopts = map[int]int{0: 5}
			m.Invalidate = func(int, masm.CallTarget) bool { return true }
		})
		require.Equal(t, Deopted, res.Outcome)
		require.Equal(t, 5, res.DeoptExit)
		require.True(t, res.Lazy)
	})

	t.Run("lazy without deopt point", func(t *testing.T) {
		a := masm.New()
		a.CallRuntime(masm.RuntimeStackGuard)
		a.Ret()
		m := New(heap.New())
		m.Invalidate = func(int, masm.CallTarget) bool { return true }
		_, err := m.Run(a.Finish())
		require.EqualError(t, err, "sim: call at 0 invalidated the code but has no lazy deopt")
	})
}

func TestMachine_BuiltinAdd(t *testing.T) {
	h := heap.New()
	for _, tc := range []struct {
		name string
		a, b heap.Tagged
		exp  float64
		smi  bool
	}{
		{name: "smi", a: heap.SmiFromInt(2), b: heap.SmiFromInt(3), exp: 5, smi: true},
		{name: "smi overflow", a: heap.SmiFromInt(heap.SmiMaxValue), b: heap.SmiFromInt(1), exp: heap.SmiMaxValue + 1},
		{name: "heap number", a: h.NewHeapNumber(0.5), b: heap.SmiFromInt(1), exp: 1.5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, res := run(t, h, func(a *masm.MacroAssembler) {
				a.CallBuiltin(masm.BuiltinAdd)
				a.Ret()
			}, func(m *Machine) {
				m.SetRegister(masm.X0, uint64(tc.a))
				m.SetRegister(masm.X1, uint64(tc.b))
			})
			require.Equal(t, tc.smi, res.Value.IsSmi())
			if tc.smi {
				require.Equal(t, int32(tc.exp), res.Value.SmiValue())
			} else {
				require.Equal(t, tc.exp, h.HeapNumberValue(res.Value))
			}
		})
	}
}

func TestMachine_Conversions(t *testing.T) {
	for _, tc := range []struct {
		in  float64
		exp int32
	}{
		{in: 1.9, exp: 1},
		{in: -1.9, exp: -1},
		{in: math.NaN(), exp: 0},
		{in: 1e10, exp: math.MaxInt32},
		{in: -1e10, exp: math.MinInt32},
	} {
		_, res := run(t, heap.New(), func(a *masm.MacroAssembler) {
			a.TruncateFloat64ToInt32(masm.X0, masm.D0)
			a.Ret()
		}, func(m *Machine) { m.SetFloat64(masm.D0, tc.in) })
		require.Equal(t, uint64(uint32(tc.exp)), uint64(res.Value))
	}

	m, _ := run(t, heap.New(), func(a *masm.MacroAssembler) {
		a.Int32ToFloat64(masm.D1, masm.X1)
		a.Ret()
	}, func(m *Machine) { m.SetRegister(masm.X1, 0xffff_ffff) })
	require.Equal(t, -1.0, m.Float64(masm.D1))
}
