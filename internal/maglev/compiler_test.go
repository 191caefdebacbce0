package maglev

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
	"github.com/tetratelabs/jitcore/internal/masm/sim"
)

func TestInt32Arithmetic(t *testing.T) {
	h := heap.New()
	add := func(b *Block, l, r *Node, e *EagerDeoptInfo) *Node { return b.Int32AddWithOverflow(l, r, e) }
	sub := func(b *Block, l, r *Node, e *EagerDeoptInfo) *Node { return b.Int32SubtractWithOverflow(l, r, e) }
	mul := func(b *Block, l, r *Node, e *EagerDeoptInfo) *Node { return b.Int32MultiplyWithOverflow(l, r, e) }
	bitwise := func(op Opcode) func(b *Block, l, r *Node, e *EagerDeoptInfo) *Node {
		return func(b *Block, l, r *Node, _ *EagerDeoptInfo) *Node { return b.Int32Bitwise(op, l, r) }
	}

	for _, tc := range []struct {
		name   string
		op     func(b *Block, l, r *Node, e *EagerDeoptInfo) *Node
		l, r   int32
		exp    int32
		reason deopt.Reason
	}{
		{name: "add", op: add, l: 3, r: 4, exp: 7},
		{name: "add negative", op: add, l: -10, r: 4, exp: -6},
		{name: "add overflow", op: add, l: math.MaxInt32, r: 1, reason: deopt.ReasonOverflow},
		{name: "sub", op: sub, l: 5, r: 9, exp: -4},
		{name: "sub overflow", op: sub, l: math.MinInt32, r: 1, reason: deopt.ReasonOverflow},
		{name: "mul", op: mul, l: 6, r: -7, exp: -42},
		{name: "mul zero", op: mul, l: 0, r: 5, exp: 0},
		{name: "mul minus zero", op: mul, l: 0, r: -5, reason: deopt.ReasonMinusZero},
		{name: "mul min int", op: mul, l: -65536, r: 32768, exp: math.MinInt32},
		{name: "mul overflow", op: mul, l: 65536, r: 65536, reason: deopt.ReasonOverflow},
		{name: "and", op: bitwise(OpcodeInt32BitwiseAnd), l: 0b1100, r: 0b1010, exp: 0b1000},
		{name: "or", op: bitwise(OpcodeInt32BitwiseOr), l: 0b1100, r: 0b1010, exp: 0b1110},
		{name: "xor", op: bitwise(OpcodeInt32BitwiseXor), l: -1, r: 0b1010, exp: ^int32(0b1010)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, b, ps := newTestGraph(1)
			l, r := b.Int32Constant(tc.l), b.Int32Constant(tc.r)
			v := tc.op(b, l, r, eagerAt(ps[0]))
			b.Return(b.Float64Box(b.ChangeInt32ToFloat64(v)))
			code, _, res := compileAndRun(t, h, g, nil, heap.SmiZero)
			if tc.reason != deopt.ReasonUnknown {
				requireDeopt(t, code, res, tc.reason)
				return
			}
			require.Equal(t, sim.Returned, res.Outcome)
			require.Equal(t, float64(tc.exp), h.HeapNumberValue(res.Value))
		})
	}
}

func TestFloat64Arithmetic(t *testing.T) {
	h := heap.New()
	for _, tc := range []struct {
		op   Opcode
		l, r float64
		exp  float64
	}{
		{op: OpcodeFloat64Add, l: 1.5, r: 2.25, exp: 3.75},
		{op: OpcodeFloat64Subtract, l: 1.5, r: 2.25, exp: -0.75},
		{op: OpcodeFloat64Multiply, l: 1.5, r: -4, exp: -6},
		{op: OpcodeFloat64Divide, l: 1, r: 0, exp: math.Inf(1)},
	} {
		t.Run(tc.op.String(), func(t *testing.T) {
			g, b, _ := newTestGraph(1)
			v := b.Float64Arith(tc.op, b.Float64Constant(tc.l), b.Float64Constant(tc.r))
			b.Return(b.Float64Box(v))
			_, _, res := compileAndRun(t, h, g, nil, heap.SmiZero)
			require.Equal(t, sim.Returned, res.Outcome)
			require.Equal(t, tc.exp, h.HeapNumberValue(res.Value))
		})
	}
}

func TestSmiConversions(t *testing.T) {
	h := heap.New()
	t.Run("round trip", func(t *testing.T) {
		g, b, ps := newTestGraph(2)
		v := b.CheckedSmiUntag(ps[0], eagerAt(ps[1], ps[0]))
		sum := b.Int32AddWithOverflow(v, b.Int32Constant(1), eagerAt(ps[1], ps[0]))
		b.Return(b.CheckedSmiTagInt32(sum, eagerAt(ps[1], ps[0])))
		_, _, res := compileAndRun(t, h, g, nil, heap.SmiFromInt(-8), heap.SmiZero)
		require.Equal(t, sim.Returned, res.Outcome)
		require.Equal(t, heap.SmiFromInt(-7), res.Value)
	})
	t.Run("untag heap object", func(t *testing.T) {
		g, b, ps := newTestGraph(2)
		v := b.CheckedSmiUntag(ps[0], eagerAt(ps[1], ps[0]))
		b.Return(b.CheckedSmiTagInt32(v, eagerAt(ps[1])))
		code, _, res := compileAndRun(t, h, g, nil, h.NewString("x"), heap.SmiZero)
		requireDeopt(t, code, res, deopt.ReasonNotASmi)
	})
	t.Run("tag out of range", func(t *testing.T) {
		g, b, ps := newTestGraph(1)
		b.Return(b.CheckedSmiTagInt32(b.Int32Constant(1<<30), eagerAt(ps[0])))
		code, _, res := compileAndRun(t, h, g, nil, heap.SmiZero)
		requireDeopt(t, code, res, deopt.ReasonOverflow)
	})
	t.Run("unsafe untag keeps the input", func(t *testing.T) {
		g, b, ps := newTestGraph(2)
		v := b.UnsafeSmiUntag(ps[0])
		b.StoreTaggedFieldNoWriteBarrier(ps[1], heap.JSObjectInObjectFieldOffset(0), b.Float64Box(b.ChangeInt32ToFloat64(v)))
		b.Return(ps[0])
		obj := h.NewJSObject(h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType}), 1)
		_, _, res := compileAndRun(t, h, g, nil, heap.SmiFromInt(6), obj)
		require.Equal(t, sim.Returned, res.Outcome)
		require.Equal(t, heap.SmiFromInt(6), res.Value)
		require.Equal(t, 6.0, h.HeapNumberValue(h.Field(obj, heap.JSObjectInObjectFieldOffset(0))))
	})
}

func TestBranches(t *testing.T) {
	h := heap.New()
	t.Run("int32 compare", func(t *testing.T) {
		for _, tc := range []struct {
			v   int32
			exp heap.RootIndex
		}{
			{v: 3, exp: heap.RootTrueValue},
			{v: 10, exp: heap.RootFalseValue},
			{v: -3, exp: heap.RootTrueValue},
		} {
			g, b0, ps := newTestGraph(1)
			b1, b2 := g.NewBlock(), g.NewBlock()
			b0.BranchIfInt32Compare(masm.CondLt, b0.UnsafeSmiUntag(ps[0]), b0.Int32Constant(10), b1, b2)
			b1.Return(b1.RootConstant(heap.RootTrueValue))
			b2.Return(b2.RootConstant(heap.RootFalseValue))
			_, _, res := compileAndRun(t, h, g, nil, heap.SmiFromInt(tc.v))
			require.Equal(t, sim.Returned, res.Outcome)
			require.Equal(t, h.Root(tc.exp), res.Value, tc.v)
		}
	})

	t.Run("root compare and merge", func(t *testing.T) {
		// b0 branches on undefined; both arms join in b3, which returns a value from b0.
		build := func() *Graph {
			g, b0, ps := newTestGraph(2)
			b1, b2, b3 := g.NewBlock(), g.NewBlock(), g.NewBlock()
			b0.BranchIfRootConstant(ps[0], heap.RootUndefinedValue, b1, b2)
			b1.StoreTaggedFieldNoWriteBarrier(ps[1], heap.JSObjectInObjectFieldOffset(0), b1.SmiConstant(1))
			b1.Jump(b3)
			b2.StoreTaggedFieldNoWriteBarrier(ps[1], heap.JSObjectInObjectFieldOffset(0), b2.SmiConstant(2))
			b2.Jump(b3)
			b3.Return(ps[1])
			return g
		}
		objMap := h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType})
		for _, tc := range []struct {
			v   heap.Tagged
			exp int32
		}{
			{v: h.Root(heap.RootUndefinedValue), exp: 1},
			{v: h.Root(heap.RootNullValue), exp: 2},
			{v: heap.SmiFromInt(4), exp: 2},
		} {
			obj := h.NewJSObject(objMap, 1)
			g := build()
			_, _, res := compileAndRun(t, h, g, nil, tc.v, obj)
			require.Equal(t, sim.Returned, res.Outcome)
			require.Equal(t, obj, res.Value)
			require.Equal(t, heap.SmiFromInt(tc.exp), h.Field(obj, heap.JSObjectInObjectFieldOffset(0)))
		}
	})
}

func TestStoreTaggedFieldWithWriteBarrier(t *testing.T) {
	h := heap.New()
	objMap := h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType})
	field := heap.JSObjectInObjectFieldOffset(1)
	for _, tc := range []struct {
		name    string
		value   heap.Tagged
		barrier bool
	}{
		{name: "heap object", value: h.NewString("v"), barrier: true},
		{name: "smi", value: heap.SmiFromInt(12)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			obj := h.NewJSObject(objMap, 2)
			g, b, ps := newTestGraph(2)
			b.StoreTaggedFieldWithWriteBarrier(ps[0], field, ps[1])
			b.Return(ps[1])
			_, m, res := compileAndRun(t, h, g, nil, obj, tc.value)
			require.Equal(t, sim.Returned, res.Outcome)
			require.Equal(t, tc.value, res.Value)
			require.Equal(t, tc.value, h.Field(obj, field))
			if tc.barrier {
				require.Equal(t, []uint64{uint64(obj) + uint64(heap.FieldOffset(field))}, m.WriteBarrierSlots)
			} else {
				require.Empty(t, m.WriteBarrierSlots)
			}
		})
	}
}

func TestLoadFields(t *testing.T) {
	h := heap.New()
	objMap := h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType})
	obj := h.NewJSObject(objMap, 2)
	h.SetField(obj, heap.JSObjectInObjectFieldOffset(0), heap.SmiFromInt(99))
	h.SetField(obj, heap.JSObjectInObjectFieldOffset(1), h.NewHeapNumber(0.125))

	t.Run("unboxed", func(t *testing.T) {
		g, b, ps := newTestGraph(1)
		b.Return(b.Float64Box(b.LoadDoubleField(ps[0], heap.JSObjectInObjectFieldOffset(1))))
		_, _, res := compileAndRun(t, h, g, nil, obj)
		require.Equal(t, sim.Returned, res.Outcome)
		require.Equal(t, 0.125, h.HeapNumberValue(res.Value))
	})

	t.Run("mixed with a tagged field", func(t *testing.T) {
		g, b, ps := newTestGraph(1)
		tagged := b.LoadTaggedField(ps[0], heap.JSObjectInObjectFieldOffset(0))
		d := b.LoadDoubleField(ps[0], heap.JSObjectInObjectFieldOffset(1))
		sum := b.Float64Arith(OpcodeFloat64Add, d, b.ChangeInt32ToFloat64(b.UnsafeSmiUntag(tagged)))
		b.Return(b.Float64Box(sum))
		_, _, res := compileAndRun(t, h, g, nil, obj)
		require.Equal(t, sim.Returned, res.Outcome)
		require.Equal(t, 99.125, h.HeapNumberValue(res.Value))
	})
}

func TestTryOnStackReplacement(t *testing.T) {
	const slot = 2
	const loopDepth = 1

	for _, tc := range []struct {
		name      string
		state     uint8
		cached    func(h *heap.Heap) heap.Tagged
		compiled  bool
		inlined   bool
		deopts    bool
		calls     int
		slotClear bool
	}{
		{name: "cold loop", state: 0},
		{name: "urgency at depth", state: loopDepth},
		{name: "urgent without code", state: loopDepth + 1, calls: 1},
		{name: "urgent with new code", state: loopDepth + 1, compiled: true, calls: 1, deopts: true},
		{name: "urgent inlined", state: loopDepth + 1, compiled: true, inlined: true, calls: 1, deopts: true},
		{
			name: "cached code", state: heap.MaybeHasMaglevOsrCodeBit,
			cached: func(h *heap.Heap) heap.Tagged { return h.NewCode(false) }, deopts: true,
		},
		{
			name: "stale cached code", state: heap.MaybeHasMaglevOsrCodeBit,
			cached: func(h *heap.Heap) heap.Tagged { return h.NewCode(true) }, slotClear: true,
		},
		{name: "code bits without urgency", state: heap.MaybeHasTurbofanOsrCodeBit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := heap.New()
			fv := h.NewFeedbackVector(4)
			h.SetOsrState(fv, tc.state)
			if tc.cached != nil {
				h.SetField(fv, heap.FeedbackVectorSlotOffset(slot), tc.cached(h))
			}
			closure := h.NewJSObject(h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType}), 0)

			g, b, ps := newTestGraph(2)
			osr := OsrInfo{Offset: 40, FeedbackSlot: slot, Inlined: tc.inlined}
			b.TryOnStackReplacement(ps[0], ps[1], loopDepth, osr, eagerAt(ps[1], ps[0]))
			b.Return(ps[1])

			var inlinedRequests []bool
			code, m, res := compileAndRun(t, h, g, func(m *sim.Machine) {
				m.CompileOSR = func(inlined bool) heap.Tagged {
					inlinedRequests = append(inlinedRequests, inlined)
					if tc.compiled {
						return h.NewCode(false)
					}
					return heap.SmiZero
				}
			}, fv, closure)

			if tc.calls > 0 {
				require.Equal(t, []bool{tc.inlined}, inlinedRequests)
			}
			if tc.deopts {
				require.Len(t, m.Calls, tc.calls+1)
				require.Equal(t, eagerDeoptEntry, m.Calls[tc.calls])
				requireDeopt(t, code, res, deopt.ReasonPrepareForOnStackReplacement)
			} else {
				require.Len(t, m.Calls, tc.calls)
				require.Equal(t, sim.Returned, res.Outcome)
				require.Equal(t, closure, res.Value)
			}
			if tc.slotClear {
				require.Equal(t, heap.SmiZero, h.Field(fv, heap.FeedbackVectorSlotOffset(slot)))
			}
		})
	}
}

func TestCallWithLazyDeopt(t *testing.T) {
	h := heap.New()
	build := func() *Graph {
		g, b, ps := newTestGraph(2)
		v := b.CallBuiltin(masm.BuiltinToNumber, []*Node{ps[0]}, lazyAt(ps[1], ps[0]))
		b.Return(v)
		return g
	}

	t.Run("returns", func(t *testing.T) {
		code, m, res := compileAndRun(t, h, build(), nil, heap.SmiFromInt(5), heap.SmiZero)
		require.Equal(t, sim.Returned, res.Outcome)
		require.Equal(t, heap.SmiFromInt(5), res.Value)
		require.Equal(t, []masm.CallTarget{builtinTarget(masm.BuiltinToNumber)}, m.Calls)

		require.Equal(t, 1, code.Safepoints.Len())
		sp := code.Safepoints.Entries()[0]
		require.True(t, sp.HasDeoptIndex())
		require.Equal(t, DeoptKindLazy, code.DeoptExits[sp.DeoptIndex].Kind)
		// Both parameters are needed by the lazy frame, so both live in slots across the call.
		require.Len(t, sp.TaggedSlots, 2)
		require.Equal(t, 2, code.StackSlots)
		require.Len(t, code.LazyDeoptCalls, 1)

		found, ok := code.Safepoints.Find(sp.PC)
		require.True(t, ok)
		require.Equal(t, sp, found)

		text, err := code.Translations.Format(code.DeoptExits[sp.DeoptIndex].TranslationIndex)
		require.NoError(t, err)
		require.Contains(t, text, "INTERPRETED_FRAME")
		require.Contains(t, text, "STACK_SLOT")
	})

	t.Run("invalidated", func(t *testing.T) {
		code, m, res := compileAndRun(t, h, build(), func(m *sim.Machine) {
			m.Invalidate = func(int, masm.CallTarget) bool { return true }
		}, heap.SmiFromInt(5), heap.SmiZero)
		require.Equal(t, sim.Deopted, res.Outcome)
		// The deoptimizer reads the spilled frame, so it is still allocated.
		require.Less(t, m.StackPointer(), m.StackTop())
		require.True(t, res.Lazy)
		exit := code.DeoptExits[res.DeoptExit]
		require.Equal(t, DeoptKindLazy, exit.Kind)
		require.Equal(t, code.Offsets[exit.InstrIndex], exit.PC)
	})
}

func TestExceptionHandlerTable(t *testing.T) {
	h := heap.New()
	g, b0, ps := newTestGraph(1)
	handler := g.NewBlock()
	call := b0.CallRuntime(masm.RuntimeStackGuard, nil, lazyAt(ps[0]))
	call.SetExceptionHandler(handler)
	b0.Return(ps[0])
	handler.Return(ps[0])

	code, _, res := compileAndRun(t, h, g, nil, heap.SmiFromInt(1))
	require.Equal(t, sim.Returned, res.Outcome)
	require.Equal(t, heap.SmiFromInt(1), res.Value)

	require.Equal(t, 1, code.HandlerTable.Len())
	e := code.HandlerTable.Entries()[0]
	require.Equal(t, code.StackSlots, e.Depth)
	require.Less(t, e.Start, e.End)
	require.Greater(t, e.Handler, e.End)
	found, ok := code.HandlerTable.Lookup(e.Start)
	require.True(t, ok)
	require.Equal(t, e, found)
	_, ok = code.HandlerTable.Lookup(e.End)
	require.False(t, ok)

	require.PanicsWithValue(t, "BUG: InitialValue cannot throw", func() { ps[0].SetExceptionHandler(handler) })
}

func TestRegisterPressure(t *testing.T) {
	h := heap.New()
	const n = 40
	g, b, ps := newTestGraph(1)
	consts := make([]*Node, n)
	for i := range consts {
		consts[i] = b.Int32Constant(int32(i * 3))
	}
	acc := consts[0]
	var exp int32
	for i := 1; i < n; i++ {
		acc = b.Int32Bitwise(OpcodeInt32BitwiseXor, acc, consts[i])
		exp ^= int32(i * 3)
	}
	b.Return(b.CheckedSmiTagInt32(acc, eagerAt(ps[0])))

	code, _, res := compileAndRun(t, h, g, nil, heap.SmiZero)
	require.Equal(t, sim.Returned, res.Outcome)
	require.Equal(t, heap.SmiFromInt(exp), res.Value)
	require.NotZero(t, code.StackSlots)
	require.Contains(t, g.Format(), "[sp+")
}

func TestCompile_MissingControl(t *testing.T) {
	g, b, _ := newTestGraph(1)
	b.Int32Constant(1)
	_, err := Compile(g, heap.New())
	require.EqualError(t, err, "maglev: b0 has no control node")
}

func TestOverwriteWith(t *testing.T) {
	_, b, ps := newTestGraph(2)
	l, r := b.UnsafeSmiUntag(ps[0]), b.UnsafeSmiUntag(ps[1])
	check := b.CheckSmi(ps[0], eagerAt(ps[0]))
	and := b.Int32Bitwise(OpcodeInt32BitwiseAnd, l, r)
	add := b.Int32AddWithOverflow(l, r, eagerAt(ps[0]))
	b.Return(ps[0])

	require.PanicsWithValue(t,
		"BUG: overwriting CheckSmi with Int32AddWithOverflow changes the input count from 1 to 2",
		func() { check.OverwriteWith(OpcodeInt32AddWithOverflow) })
	require.PanicsWithValue(t,
		"BUG: overwriting Int32BitwiseAnd with Int32AddWithOverflow adds eager deopt",
		func() { and.OverwriteWith(OpcodeInt32AddWithOverflow) })

	add.OverwriteWith(OpcodeInt32BitwiseOr)
	require.Equal(t, OpcodeInt32BitwiseOr, add.Opcode())
	and.OverwriteWith(OpcodeInt32BitwiseXor)
	require.Equal(t, OpcodeInt32BitwiseXor, and.Opcode())
}

func TestGraph_Format(t *testing.T) {
	g, b0, ps := newTestGraph(2)
	b1, b2 := g.NewBlock(), g.NewBlock()
	b0.CheckMaps(ps[0], []heap.Tagged{0x1001}, eagerAt(ps[1], ps[0]))
	b0.BranchIfRootConstant(ps[1], heap.RootUndefinedValue, b1, b2)
	b1.Return(ps[0])
	b2.Deopt(deopt.ReasonInsufficientTypeFeedback, eagerAt(ps[1]))

	before := g.Format()
	require.Contains(t, before, "n0 = InitialValue(x0)\n")
	require.Contains(t, before, "b1: <-- (b0)")
	require.Contains(t, before, "Deopt(InsufficientTypeFeedback)")

	_, err := Compile(g, heap.New())
	require.NoError(t, err)
	after := g.Format()
	require.Contains(t, after, "n0 = InitialValue(x0) → x0")
	require.Contains(t, after, "CheckMaps(0x1001) n0:x0")
	require.Equal(t, "n0", ps[0].String())
}

func TestGraph_Fingerprint(t *testing.T) {
	h := heap.New()
	build := func(registers func(ps []*Node) []*Node) *Graph {
		g, b, ps := newTestGraph(2)
		b.CheckSmi(ps[0], eagerAt(ps[1], registers(ps)...))
		b.Return(ps[0])
		return g
	}
	live := func(ps []*Node) []*Node { return []*Node{ps[0], nil} }
	shifted := func(ps []*Node) []*Node { return []*Node{nil, ps[0]} }

	g := build(live)
	before := g.Fingerprint(h)
	require.Contains(t, string(before), "eager{feedback=")
	require.Contains(t, string(before), "roots:")
	require.NotEqual(t, string(before), string(build(shifted).Fingerprint(h)))

	_, err := Compile(g, h)
	require.NoError(t, err)
	require.Equal(t, string(before), string(g.Fingerprint(h)))
	require.Equal(t, string(before), string(build(live).Fingerprint(h)))
}
