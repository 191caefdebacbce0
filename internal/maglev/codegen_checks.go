package maglev

import (
	"math"
	"math/bits"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
)

func (n *Node) generateCheckString(m *masm.MacroAssembler, s *CodeGenState) {
	obj := n.in(0)
	exit := s.EagerDeoptExit(n, deopt.ReasonNotAString)
	m.JumpIfSmi(obj, exit)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	t := scope.AcquireScratch()
	m.LoadMap(t, obj)
	m.Load(masm.W16, false, t, t, heap.FieldOffset(heap.MapInstanceTypeOffset))
	m.CmpImm(masm.W32, t, int64(heap.FirstNonstringType))
	m.JumpIf(masm.CondHs, exit)
}

func (n *Node) generateCheckInstanceType(m *masm.MacroAssembler, s *CodeGenState) {
	obj := n.in(0)
	first, last := n.payload.scalar, n.payload.second
	exit := s.EagerDeoptExit(n, deopt.ReasonWrongInstanceType)
	m.JumpIfSmi(obj, exit)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	t := scope.AcquireScratch()
	m.LoadMap(t, obj)
	m.Load(masm.W16, false, t, t, heap.FieldOffset(heap.MapInstanceTypeOffset))
	if first == last {
		m.CmpImm(masm.W32, t, first)
		m.JumpIf(masm.CondNe, exit)
		return
	}
	m.Emit3Imm(masm.OpSub, masm.W32, t, t, first)
	m.CmpImm(masm.W32, t, last-first)
	m.JumpIf(masm.CondHi, exit)
}

// compareMaps branches to match if mapReg is one of maps but the last, branches to noMatch if
// it is none of them and otherwise falls through.
func compareMaps(m *masm.MacroAssembler, mapReg masm.Register, maps []heap.Tagged, match, noMatch *masm.Label) {
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	t := scope.AcquireScratch()
	for i, mp := range maps {
		m.MoveImm(t, int64(mp))
		m.Cmp(masm.W64, mapReg, t)
		if i == len(maps)-1 {
			m.JumpIf(masm.CondNe, noMatch)
		} else {
			m.JumpIf(masm.CondEq, match)
		}
	}
}

// hasHeapNumberMap returns true if Smis pass a check for maps.
func (s *CodeGenState) hasHeapNumberMap(maps []heap.Tagged) bool {
	hn := s.broker.Root(heap.RootHeapNumberMap)
	for _, mp := range maps {
		if mp == hn {
			return true
		}
	}
	return false
}

func (n *Node) generateCheckMaps(m *masm.MacroAssembler, s *CodeGenState) {
	obj, maps := n.in(0), n.payload.maps
	exit := s.EagerDeoptExit(n, deopt.ReasonWrongMap)
	done := &masm.Label{}
	if s.hasHeapNumberMap(maps) {
		m.JumpIfSmi(obj, done)
	} else {
		m.JumpIfSmi(obj, exit)
	}
	scope := m.NewTemporaryRegisterScope()
	mapReg := scope.AcquireScratch()
	m.LoadMap(mapReg, obj)
	compareMaps(m, mapReg, maps, done, exit)
	scope.Close()
	m.Bind(done)
}

// generateCheckMapsWithMigration tries to migrate objects whose map is deprecated before giving
// up. The migration call runs in deferred code.
func (n *Node) generateCheckMapsWithMigration(m *masm.MacroAssembler, s *CodeGenState) {
	obj, maps := n.in(0), n.payload.maps
	exit := s.EagerDeoptExit(n, deopt.ReasonWrongMap)
	done := &masm.Label{}
	if s.hasHeapNumberMap(maps) {
		m.JumpIfSmi(obj, done)
	} else {
		m.JumpIfSmi(obj, exit)
	}
	migrate := m.MakeDeferredCode(func(m *masm.MacroAssembler) {
		scope := m.NewTemporaryRegisterScope()
		defer scope.Close()
		t := scope.AcquireScratch()
		m.LoadMap(t, obj)
		m.Load(masm.W32, false, t, t, heap.FieldOffset(heap.MapBitField3Offset))
		m.TestBitAndJumpIfClear(t, bits.TrailingZeros32(heap.MapIsDeprecatedBit), exit)

		live := n.alloc.snapshot.All()
		m.PushAll(live)
		m.Move(masm.X0, obj)
		m.CallRuntime(masm.RuntimeTryMigrateInstance)
		m.Move(t, masm.X0)
		m.PopAll(live)
		// Smi zero means there was nothing to migrate to.
		m.JumpIfZero(masm.W64, t, exit)

		m.LoadMap(t, obj)
		compareMaps(m, t, maps, done, exit)
		m.Jump(done)
	})
	scope := m.NewTemporaryRegisterScope()
	mapReg := scope.AcquireScratch()
	m.LoadMap(mapReg, obj)
	compareMaps(m, mapReg, maps, done, migrate)
	scope.Close()
	m.Bind(done)
}

func (n *Node) generateCheckJSTypedArrayBounds(m *masm.MacroAssembler, s *CodeGenState) {
	obj, index := n.in(0), n.in(1)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	byteLength := scope.AcquireScratch()
	m.Load(masm.W64, false, byteLength, obj, heap.FieldOffset(heap.JSArrayBufferViewByteLengthOffset))
	// The index is an int32 zero-extended to 64 bits, so negative indices compare as huge.
	if shift := n.payload.scalar; shift > 0 {
		t := scope.AcquireScratch()
		m.Emit3Imm(masm.OpLsl, masm.W64, t, index, shift)
		m.Cmp(masm.W64, t, byteLength)
	} else {
		m.Cmp(masm.W64, index, byteLength)
	}
	m.JumpIf(masm.CondHs, s.EagerDeoptExit(n, deopt.ReasonOutOfBounds))
}

func (n *Node) generateCheckJSDataViewBounds(m *masm.MacroAssembler, s *CodeGenState) {
	obj, index := n.in(0), n.in(1)
	exit := s.EagerDeoptExit(n, deopt.ReasonOutOfBounds)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	limit := scope.AcquireScratch()
	m.Load(masm.W64, false, limit, obj, heap.FieldOffset(heap.JSArrayBufferViewByteLengthOffset))
	if size := n.payload.scalar; size > 1 {
		m.Emit3Imm(masm.OpSubs, masm.W64, limit, limit, size-1)
		m.JumpIf(masm.CondMi, exit)
	}
	m.Cmp(masm.W64, index, limit)
	m.JumpIf(masm.CondHs, exit)
}

func (n *Node) generateLoadPolymorphic(m *masm.MacroAssembler, s *CodeGenState) {
	obj, mapReg := n.in(0), n.alloc.temps[0]
	exit := s.EagerDeoptExit(n, deopt.ReasonWrongMap)
	done, heapObject, haveMap := &masm.Label{}, &masm.Label{}, &masm.Label{}
	m.JumpIfNotSmi(obj, heapObject)
	m.LoadRoot(mapReg, heap.RootHeapNumberMap)
	m.Jump(haveMap)
	m.Bind(heapObject)
	m.LoadMap(mapReg, obj)
	m.Bind(haveMap)
	for i := range n.payload.access {
		info := &n.payload.access[i]
		body, next := &masm.Label{}, &masm.Label{}
		compareMaps(m, mapReg, info.Maps, body, next)
		m.Bind(body)
		if n.op == OpcodeLoadPolymorphicDoubleField {
			n.loadDoubleAccess(m, info)
		} else {
			n.loadTaggedAccess(m, info)
		}
		m.Jump(done)
		m.Bind(next)
	}
	m.Jump(exit)
	m.Bind(done)
}

func (n *Node) loadTaggedAccess(m *masm.MacroAssembler, info *PolymorphicAccessInfo) {
	obj, out := n.in(0), n.out()
	switch info.Kind {
	case AccessNotFound:
		m.LoadRoot(out, heap.RootUndefinedValue)
	case AccessConstant:
		m.MoveImm(out, int64(info.Constant))
	case AccessDataField:
		if !info.FieldIsDouble {
			m.LoadTaggedField(out, obj, info.FieldOffset)
			return
		}
		scope := m.NewTemporaryRegisterScope()
		defer scope.Close()
		box, value := scope.AcquireScratch(), scope.AcquireScratchDouble()
		m.LoadTaggedField(box, obj, info.FieldOffset)
		m.LoadFloat64Field(value, box, heap.HeapNumberValueOffset)
		m.AllocateHeapNumber(n.alloc.snapshot.All(), out, value)
	case AccessStringLength:
		m.Load(masm.W32, false, out, obj, heap.FieldOffset(heap.StringLengthOffset))
		m.Emit3Imm(masm.OpLsl, masm.W32, out, out, heap.SmiShift)
	}
}

func (n *Node) loadDoubleAccess(m *masm.MacroAssembler, info *PolymorphicAccessInfo) {
	obj, out := n.in(0), n.out()
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	switch info.Kind {
	case AccessNotFound:
		m.MoveFloat64(out, math.Float64bits(math.NaN()))
	case AccessConstant:
		m.MoveFloat64(out, math.Float64bits(info.ConstantFloat64))
	case AccessDataField:
		t := scope.AcquireScratch()
		m.LoadTaggedField(t, obj, info.FieldOffset)
		if info.FieldIsDouble {
			m.LoadFloat64Field(out, t, heap.HeapNumberValueOffset)
			return
		}
		m.SmiUntag(t, t)
		m.Int32ToFloat64(out, t)
	case AccessStringLength:
		t := scope.AcquireScratch()
		m.Load(masm.W32, false, t, obj, heap.FieldOffset(heap.StringLengthOffset))
		m.Int32ToFloat64(out, t)
	}
}

// generateTransitionElementsKind changes the map of objects with a source map to the target.
// Transitions that only swap the map are inlined; the others call the runtime from deferred
// code.
func (n *Node) generateTransitionElementsKind(m *masm.MacroAssembler, s *CodeGenState) {
	obj, mapReg, target := n.in(0), n.alloc.temps[0], n.payload.target
	exit := s.EagerDeoptExit(n, deopt.ReasonWrongMap)
	done := &masm.Label{}
	m.JumpIfSmi(obj, exit)
	m.LoadMap(mapReg, obj)
	targetKind := s.broker.MapElementsKind(target)
	for _, source := range n.payload.maps {
		next := &masm.Label{}
		scope := m.NewTemporaryRegisterScope()
		t := scope.AcquireScratch()
		m.MoveImm(t, int64(source))
		m.Cmp(masm.W64, mapReg, t)
		m.JumpIf(masm.CondNe, next)
		if heap.IsSimpleMapChangeTransition(s.broker.MapElementsKind(source), targetKind) {
			m.MoveImm(t, int64(target))
			m.StoreTaggedFieldWithWriteBarrier(obj, heap.MapOffset, t, n.alloc.snapshot.All())
			m.Jump(done)
		} else {
			m.Jump(m.MakeDeferredCode(func(m *masm.MacroAssembler) {
				live := n.alloc.snapshot.All()
				m.PushAll(live)
				m.Move(masm.X0, obj)
				m.MoveImm(masm.X1, int64(target))
				m.CallRuntime(masm.RuntimeTransitionElementsKind)
				m.PopAll(live)
				m.Jump(done)
			}))
		}
		scope.Close()
		m.Bind(next)
	}
	compareMaps(m, mapReg, []heap.Tagged{target}, done, exit)
	m.Bind(done)
}

// generateTryOnStackReplacement checks the OSR urgency of the feedback vector against the loop
// depth. When it is exceeded, deferred code either deopts into cached OSR code or requests a
// compile, deopting if the compile produced code right away.
func (n *Node) generateTryOnStackReplacement(m *masm.MacroAssembler, s *CodeGenState) {
	fv, closure := n.in(0), n.in(1)
	depth, osr := n.payload.second, n.payload.osr
	noCode := &masm.Label{}
	scope := m.NewTemporaryRegisterScope()
	state := scope.AcquireScratch()
	m.Load(masm.W8, false, state, fv, heap.FieldOffset(heap.FeedbackVectorOsrStateOffset))
	m.CmpImm(masm.W32, state, depth)
	scope.Close()
	m.JumpToDeferredIf(masm.CondHi, func(m *masm.MacroAssembler) {
		exit := s.EagerDeoptExit(n, deopt.ReasonPrepareForOnStackReplacement)
		scope := m.NewTemporaryRegisterScope()
		defer scope.Close()
		state, code := scope.AcquireScratch(), scope.AcquireScratch()
		slot := heap.FeedbackVectorSlotOffset(osr.FeedbackSlot)

		checkUrgency := &masm.Label{}
		m.LoadTaggedField(code, fv, slot)
		m.JumpIfZero(masm.W64, code, checkUrgency)
		m.LoadTaggedField(state, code, heap.CodeMarkedForDeoptOffset)
		m.JumpIfZero(masm.W64, state, exit)
		// The cached code is stale: clear the slot.
		m.StoreTaggedFieldNoWriteBarrier(fv, slot, masm.XZR)

		m.Bind(checkUrgency)
		m.Load(masm.W8, false, state, fv, heap.FieldOffset(heap.FeedbackVectorOsrStateOffset))
		m.Emit3Imm(masm.OpAnd, masm.W32, state, state, heap.OsrUrgencyMask)
		m.CmpImm(masm.W32, state, depth)
		m.JumpIf(masm.CondLs, noCode)

		live := n.alloc.snapshot.All()
		m.PushAll(live)
		offset := int64(heap.SmiFromInt(osr.Offset))
		if osr.Inlined {
			if closure == masm.X0 {
				m.Move(masm.X1, masm.X0)
				m.MoveImm(masm.X0, offset)
			} else {
				m.MoveImm(masm.X0, offset)
				m.Move(masm.X1, closure)
			}
			m.CallRuntime(masm.RuntimeCompileOptimizedOSRFromMaglevInlined)
		} else {
			m.MoveImm(masm.X0, offset)
			m.CallRuntime(masm.RuntimeCompileOptimizedOSRFromMaglev)
		}
		m.Move(code, masm.X0)
		m.PopAll(live)
		m.JumpIfZero(masm.W64, code, noCode)
		m.Jump(exit)
	})
	m.Bind(noCode)
}
