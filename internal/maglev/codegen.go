package maglev

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// scratchRegister is poisoned on purpose: node code never names a scratch register directly
// and acquires one from a masm.TemporaryRegisterScope instead.
var scratchRegister masm.ScratchTaboo

// Broker answers the questions about heap objects code generation asks at compile time.
type Broker interface {
	Root(r heap.RootIndex) heap.Tagged
	MapElementsKind(m heap.Tagged) heap.ElementsKind
}

// DeoptKind tells eager from lazy exits.
type DeoptKind byte

const (
	DeoptKindEager DeoptKind = iota
	DeoptKindLazy
)

// String implements fmt.Stringer.
func (k DeoptKind) String() string {
	if k == DeoptKindLazy {
		return "lazy"
	}
	return "eager"
}

// DeoptExit is one exit stub of the generated code.
type DeoptExit struct {
	Kind   DeoptKind
	Reason deopt.Reason
	// Node is the id of the node the exit belongs to.
	Node             uint32
	TranslationIndex int
	// InstrIndex is the index of the exit's call to the deopt entry.
	InstrIndex int
	// PC is the code offset of the exit.
	PC int

	label masm.Label
}

type eagerExitKey struct {
	info   *EagerDeoptInfo
	reason deopt.Reason
}

type pendingSafepoint struct {
	instr       int
	tagged      masm.RegList
	taggedSlots []int
	deoptIndex  int
}

type pendingHandler struct {
	instr   int
	handler *Block
}

// CodeGenState is the state shared by the code of all nodes of one compilation.
type CodeGenState struct {
	broker     Broker
	stackSlots int
	// next is the block laid out after the current one.
	next *Block

	exits        []*DeoptExit
	eagerExits   map[eagerExitKey]*DeoptExit
	translated   map[*deoptInfo]int
	translations deopt.TranslationBuilder
	safepoints   []pendingSafepoint
	handlers     []pendingHandler
}

func newCodeGenState(broker Broker, stackSlots int) *CodeGenState {
	return &CodeGenState{
		broker:     broker,
		stackSlots: stackSlots,
		eagerExits: map[eagerExitKey]*DeoptExit{},
		translated: map[*deoptInfo]int{},
	}
}

// frameSize is the size of the spill area, kept 16-byte aligned.
func (s *CodeGenState) frameSize() int64 { return (int64(s.stackSlots)*8 + 15) &^ 15 }

// EagerDeoptExit returns the label of the exit taken when n deopts for reason. Exits are
// shared by every branch of the node with the same reason.
func (s *CodeGenState) EagerDeoptExit(n *Node, reason deopt.Reason) *masm.Label {
	if n.eager == nil {
		panic(fmt.Sprintf("BUG: %s n%d cannot deopt eagerly", n.op, n.id))
	}
	key := eagerExitKey{info: n.eager, reason: reason}
	if e, ok := s.eagerExits[key]; ok {
		return &e.label
	}
	e := &DeoptExit{
		Kind:             DeoptKindEager,
		Reason:           reason,
		Node:             n.id,
		TranslationIndex: s.translate(&n.eager.deoptInfo),
	}
	s.exits = append(s.exits, e)
	s.eagerExits[key] = e
	return &e.label
}

func (s *CodeGenState) lazyDeoptExit(n *Node) int {
	s.exits = append(s.exits, &DeoptExit{
		Kind:             DeoptKindLazy,
		Node:             n.id,
		TranslationIndex: s.translate(&n.lazy.deoptInfo),
	})
	return len(s.exits) - 1
}

func (s *CodeGenState) translate(info *deoptInfo) int {
	if index, ok := s.translated[info]; ok {
		return index
	}
	index := s.translations.WriteFrames(info.top, info.locations, info.feedback, s.storeFrameValue)
	s.translated[info] = index
	return index
}

func (s *CodeGenState) storeFrameValue(b *deopt.TranslationBuilder, v deopt.Value, loc *deopt.InputLocation) {
	n := asNode(v)
	rep := n.op.ValueRepresentation().translationRepresentation()
	switch loc.Kind() {
	case deopt.LocationRegister:
		b.StoreRegister(loc.Index(), rep)
	case deopt.LocationDoubleRegister:
		b.StoreDoubleRegister(loc.Index())
	case deopt.LocationStackSlot, deopt.LocationDoubleStackSlot:
		b.StoreStackSlot(loc.Index(), rep)
	case deopt.LocationConstant:
		b.StoreLiteral(int64(s.constantValue(n)))
	default:
		panic(fmt.Sprintf("BUG: frame value n%d has no location", n.id))
	}
}

func (r ValueRepresentation) translationRepresentation() deopt.Representation {
	switch r {
	case ValueRepresentationInt32:
		return deopt.RepresentationInt32
	case ValueRepresentationUint32:
		return deopt.RepresentationUint32
	case ValueRepresentationFloat64:
		return deopt.RepresentationFloat64
	}
	return deopt.RepresentationTagged
}

// constantValue returns the tagged value of a rematerializable constant.
func (s *CodeGenState) constantValue(n *Node) heap.Tagged {
	switch n.op {
	case OpcodeSmiConstant:
		return heap.SmiFromInt(int32(n.payload.scalar))
	case OpcodeRootConstant:
		return s.broker.Root(n.payload.root)
	case OpcodeConstant:
		return heap.Tagged(n.payload.scalar)
	}
	panic(fmt.Sprintf("BUG: %s is not a constant", n.op))
}

// onCall records the safepoint of every call the code makes. The current origin of the
// assembler is the node the call is emitted for.
func (s *CodeGenState) onCall(m *masm.MacroAssembler) func(int, masm.CallTarget) {
	return func(index int, _ masm.CallTarget) {
		n, ok := m.Origin().(*Node)
		if !ok {
			panic(fmt.Sprintf("BUG: call at %d emitted outside of a node", index))
		}
		sp := pendingSafepoint{instr: index, taggedSlots: n.alloc.taggedSlots, deoptIndex: deopt.NoDeoptIndex}
		if n.Properties().Has(OpPropertyIsCall) {
			if n.lazy != nil {
				sp.deoptIndex = s.lazyDeoptExit(n)
			}
			if n.handler != nil {
				s.handlers = append(s.handlers, pendingHandler{instr: index, handler: n.handler})
			}
		} else {
			sp.tagged = n.alloc.snapshot.LiveTaggedRegisters
		}
		s.safepoints = append(s.safepoints, sp)
	}
}

func toRegSet(l masm.RegList) regalloc.RegSet {
	var ret regalloc.RegSet
	for _, r := range l.Registers() {
		ret = ret.Add(r.RealReg())
	}
	return ret
}

// emitGapMoves runs the moves the allocator placed before n.
func (s *CodeGenState) emitGapMoves(m *masm.MacroAssembler, n *Node) {
	for _, mv := range n.alloc.moves {
		switch {
		case mv.from.Kind == LocationRegister && mv.to.Kind == LocationRegister:
			m.Move(mv.to.Reg, mv.from.Reg)
		case mv.from.Kind == LocationRegister && mv.to.Kind == LocationStackSlot:
			storeSlot(m, mv.from.Reg, mv.to.Slot)
		case mv.from.Kind == LocationStackSlot && mv.to.Kind == LocationRegister:
			loadSlot(m, mv.to.Reg, mv.from.Slot)
		default:
			panic(fmt.Sprintf("BUG: unsupported gap move %s", mv))
		}
	}
}

func storeSlot(m *masm.MacroAssembler, r masm.Register, slot int) {
	if r.IsDouble() {
		m.StoreFloat64(r, masm.SP, int64(slot)*8)
	} else {
		m.Store(masm.W64, r, masm.SP, int64(slot)*8)
	}
}

func loadSlot(m *masm.MacroAssembler, r masm.Register, slot int) {
	if r.IsDouble() {
		m.LoadFloat64(r, masm.SP, int64(slot)*8)
	} else {
		m.Load(masm.W64, false, r, masm.SP, int64(slot)*8)
	}
}

// in returns the register of input i, which the constraints put in a register.
func (n *Node) in(i int) masm.Register {
	loc := n.alloc.inputs[i]
	if loc.Kind != LocationRegister {
		panic(fmt.Sprintf("BUG: input %d of n%d is not in a register", i, n.id))
	}
	return loc.Reg
}

// inputInRegister returns the register of input i, loading it from its slot into a scratch
// register of scope if needed.
func (n *Node) inputInRegister(m *masm.MacroAssembler, scope *masm.TemporaryRegisterScope, i int) masm.Register {
	loc := n.alloc.inputs[i]
	if loc.Kind == LocationRegister {
		return loc.Reg
	}
	var r masm.Register
	if n.inputs[i].regType() == regalloc.RegTypeFloat {
		r = scope.AcquireScratchDouble()
	} else {
		r = scope.AcquireScratch()
	}
	loadSlot(m, r, loc.Slot)
	return r
}

func (n *Node) out() masm.Register {
	if n.alloc.result.Kind != LocationRegister {
		panic(fmt.Sprintf("BUG: n%d has no result register", n.id))
	}
	return n.alloc.result.Reg
}

// GenerateCode emits the machine code of the node. Register allocation must have run.
func (n *Node) GenerateCode(m *masm.MacroAssembler, s *CodeGenState) {
	switch n.op {
	case OpcodeInt32Constant:
		m.MoveImm(n.out(), int64(uint32(n.payload.scalar)))
	case OpcodeFloat64Constant:
		m.MoveFloat64(n.out(), uint64(n.payload.scalar))
	case OpcodeSmiConstant:
		m.MoveImm(n.out(), int64(heap.SmiFromInt(int32(n.payload.scalar))))
	case OpcodeRootConstant:
		m.LoadRoot(n.out(), n.payload.root)
	case OpcodeConstant:
		m.MoveImm(n.out(), n.payload.scalar)
	case OpcodeInitialValue:
		// Parameters arrive in their registers.
	case OpcodeCheckSmi:
		scope := m.NewTemporaryRegisterScope()
		m.JumpIfNotSmi(n.inputInRegister(m, scope, 0), s.EagerDeoptExit(n, deopt.ReasonNotASmi))
		scope.Close()
	case OpcodeCheckHeapObject:
		scope := m.NewTemporaryRegisterScope()
		m.JumpIfSmi(n.inputInRegister(m, scope, 0), s.EagerDeoptExit(n, deopt.ReasonNotAHeapObject))
		scope.Close()
	case OpcodeCheckString:
		n.generateCheckString(m, s)
	case OpcodeCheckInstanceType:
		n.generateCheckInstanceType(m, s)
	case OpcodeCheckMaps:
		n.generateCheckMaps(m, s)
	case OpcodeCheckMapsWithMigration:
		n.generateCheckMapsWithMigration(m, s)
	case OpcodeCheckJSTypedArrayBounds:
		n.generateCheckJSTypedArrayBounds(m, s)
	case OpcodeCheckJSDataViewBounds:
		n.generateCheckJSDataViewBounds(m, s)
	case OpcodeLoadTaggedField:
		m.LoadTaggedField(n.out(), n.in(0), int(n.payload.scalar))
	case OpcodeLoadDoubleField:
		scope := m.NewTemporaryRegisterScope()
		box := scope.AcquireScratch()
		m.LoadTaggedField(box, n.in(0), int(n.payload.scalar))
		m.LoadFloat64Field(n.out(), box, heap.HeapNumberValueOffset)
		scope.Close()
	case OpcodeLoadPolymorphicTaggedField, OpcodeLoadPolymorphicDoubleField:
		n.generateLoadPolymorphic(m, s)
	case OpcodeStoreTaggedFieldNoWriteBarrier:
		m.StoreTaggedFieldNoWriteBarrier(n.in(0), int(n.payload.scalar), n.in(1))
	case OpcodeStoreTaggedFieldWithWriteBarrier:
		m.StoreTaggedFieldWithWriteBarrier(n.in(0), int(n.payload.scalar), n.in(1), n.alloc.snapshot.All())
	case OpcodeTransitionElementsKindOrCheckMap:
		n.generateTransitionElementsKind(m, s)
	case OpcodeTryOnStackReplacement:
		n.generateTryOnStackReplacement(m, s)
	case OpcodeInt32AddWithOverflow:
		m.Emit3(masm.OpAdds, masm.W32, n.out(), n.in(0), n.in(1))
		m.JumpIf(masm.CondVs, s.EagerDeoptExit(n, deopt.ReasonOverflow))
	case OpcodeInt32SubtractWithOverflow:
		m.Emit3(masm.OpSubs, masm.W32, n.out(), n.in(0), n.in(1))
		m.JumpIf(masm.CondVs, s.EagerDeoptExit(n, deopt.ReasonOverflow))
	case OpcodeInt32MultiplyWithOverflow:
		n.generateInt32Multiply(m, s)
	case OpcodeInt32BitwiseAnd:
		m.Emit3(masm.OpAnd, masm.W32, n.out(), n.in(0), n.in(1))
	case OpcodeInt32BitwiseOr:
		m.Emit3(masm.OpOrr, masm.W32, n.out(), n.in(0), n.in(1))
	case OpcodeInt32BitwiseXor:
		m.Emit3(masm.OpEor, masm.W32, n.out(), n.in(0), n.in(1))
	case OpcodeFloat64Add:
		m.Float64Op(masm.OpFAdd, n.out(), n.in(0), n.in(1))
	case OpcodeFloat64Subtract:
		m.Float64Op(masm.OpFSub, n.out(), n.in(0), n.in(1))
	case OpcodeFloat64Multiply:
		m.Float64Op(masm.OpFMul, n.out(), n.in(0), n.in(1))
	case OpcodeFloat64Divide:
		m.Float64Op(masm.OpFDiv, n.out(), n.in(0), n.in(1))
	case OpcodeCheckedSmiTagInt32:
		m.SmiTagWithOverflow(n.out(), n.in(0))
		m.JumpIf(masm.CondVs, s.EagerDeoptExit(n, deopt.ReasonOverflow))
	case OpcodeCheckedSmiUntag:
		m.JumpIfNotSmi(n.in(0), s.EagerDeoptExit(n, deopt.ReasonNotASmi))
		m.SmiUntag(n.out(), n.in(0))
	case OpcodeUnsafeSmiUntag:
		m.SmiUntag(n.out(), n.in(0))
	case OpcodeChangeInt32ToFloat64:
		m.Int32ToFloat64(n.out(), n.in(0))
	case OpcodeFloat64Box:
		m.AllocateHeapNumber(n.alloc.snapshot.All(), n.out(), n.in(0))
	case OpcodeCallBuiltin:
		m.CallBuiltin(masm.Builtin(n.payload.scalar))
	case OpcodeCallRuntime:
		m.CallRuntime(masm.RuntimeFunction(n.payload.scalar))
	case OpcodeJump:
		s.jumpTo(m, n.payload.ifTrue)
	case OpcodeBranchIfInt32Compare:
		m.Cmp(masm.W32, n.in(0), n.in(1))
		s.branch(m, masm.Condition(n.payload.second), n.payload.ifTrue, n.payload.ifFalse)
	case OpcodeBranchIfRootConstant:
		m.CompareRoot(n.in(0), n.payload.root)
		s.branch(m, masm.CondEq, n.payload.ifTrue, n.payload.ifFalse)
	case OpcodeReturn:
		if s.stackSlots > 0 {
			m.Emit3Imm(masm.OpAdd, masm.W64, masm.SP, masm.SP, s.frameSize())
		}
		m.Ret()
	case OpcodeDeopt:
		m.Jump(s.EagerDeoptExit(n, n.payload.reason))
	default:
		panic(fmt.Sprintf("BUG: no code for %s", n.op))
	}
}

func (s *CodeGenState) jumpTo(m *masm.MacroAssembler, target *Block) {
	if target != s.next {
		m.Jump(&target.label)
	}
}

func (s *CodeGenState) branch(m *masm.MacroAssembler, cond masm.Condition, ifTrue, ifFalse *Block) {
	switch s.next {
	case ifFalse:
		m.JumpIf(cond, &ifTrue.label)
	case ifTrue:
		m.JumpIf(cond.Negate(), &ifFalse.label)
	default:
		m.JumpIf(cond, &ifTrue.label)
		m.Jump(&ifFalse.label)
	}
}

func (n *Node) generateInt32Multiply(m *masm.MacroAssembler, s *CodeGenState) {
	out, l, r := n.out(), n.in(0), n.in(1)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	t := scope.AcquireScratch()
	m.Smull(out, l, r)
	m.Sxtw(t, out)
	m.Cmp(masm.W64, out, t)
	m.JumpIf(masm.CondNe, s.EagerDeoptExit(n, deopt.ReasonOverflow))
	m.Move32(out, out)
	// A zero product is -0 if either factor is negative.
	done := &masm.Label{}
	m.JumpIfNotZero(masm.W32, out, done)
	m.Emit3(masm.OpOrr, masm.W32, t, l, r)
	m.CmpImm(masm.W32, t, 0)
	m.JumpIf(masm.CondLt, s.EagerDeoptExit(n, deopt.ReasonMinusZero))
	m.Bind(done)
}
