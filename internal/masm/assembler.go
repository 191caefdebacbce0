package masm

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/heap"
)

// MacroAssembler accumulates instructions. Primitive emitters map one to one to Instr; the macro
// helpers expand to short sequences and may use scratch registers.
type MacroAssembler struct {
	instrs   []Instr
	deferred []deferredCode
	// scratch is the set TemporaryRegisterScope hands out from.
	scratch RegList
	// onCall observes every builtin and runtime call except deopt exits.
	onCall func(index int, target CallTarget)
	origin any
}

type deferredCode struct {
	label  *Label
	emit   func(m *MacroAssembler)
	origin any
}

var defaultScratch = NewRegList(ip0, ip1, d30, d31)

// New returns an empty MacroAssembler.
func New() *MacroAssembler {
	return &MacroAssembler{scratch: defaultScratch}
}

// Reset clears the assembler for reuse.
func (m *MacroAssembler) Reset() {
	m.instrs = m.instrs[:0]
	m.deferred = m.deferred[:0]
	m.scratch = defaultScratch
	m.origin = nil
}

// SetOrigin tags the code emitted from now on with the entity it is generated for. Deferred
// code is emitted with the origin current when it was registered.
func (m *MacroAssembler) SetOrigin(origin any) { m.origin = origin }

// Origin returns the current origin.
func (m *MacroAssembler) Origin() any { return m.origin }

// SetCallHook registers fn to run after each emitted call with the index of the call
// instruction. Deopt exits are not reported.
func (m *MacroAssembler) SetCallHook(fn func(index int, target CallTarget)) { m.onCall = fn }

// PC returns the index the next instruction will get.
func (m *MacroAssembler) PC() int { return len(m.instrs) }

// Instructions returns the instructions emitted so far.
func (m *MacroAssembler) Instructions() []Instr { return m.instrs }

// Finish emits pending deferred code, checks every branch target is bound and returns the
// instruction list.
func (m *MacroAssembler) Finish() []Instr {
	m.EmitDeferredCode()
	for i := range m.instrs {
		if m.instrs[i].isBranch() && !m.instrs[i].Label.bound {
			panic(fmt.Sprintf("BUG: branch at %d to an unbound label", i))
		}
	}
	return m.instrs
}

// Bind binds l to the next instruction.
func (m *MacroAssembler) Bind(l *Label) {
	if l.bound {
		panic("BUG: label bound twice")
	}
	l.pos, l.bound = len(m.instrs), true
}

func (m *MacroAssembler) emit(i Instr) {
	m.instrs = append(m.instrs, i)
}

func checkGeneral(regs ...Register) {
	for _, r := range regs {
		if !r.IsGeneral() {
			panic(fmt.Sprintf("BUG: %s is not a general register", r))
		}
	}
}

func checkDouble(regs ...Register) {
	for _, r := range regs {
		if !r.IsDouble() {
			panic(fmt.Sprintf("BUG: %s is not a double register", r))
		}
	}
}

// Nop emits a no-op.
func (m *MacroAssembler) Nop() { m.emit(Instr{Op: OpNop}) }

// Move copies a register of either class. Moving a register to itself emits nothing.
func (m *MacroAssembler) Move(dst, src Register) {
	if dst == src {
		return
	}
	if dst.IsDouble() {
		checkDouble(src)
		m.emit(Instr{Op: OpFMov, Rd: dst, Rn: src})
		return
	}
	checkGeneral(dst, src)
	m.emit(Instr{Op: OpMov, Width: W64, Rd: dst, Rn: src})
}

// Move32 copies the low word of src to dst and clears the upper half.
func (m *MacroAssembler) Move32(dst, src Register) {
	checkGeneral(dst, src)
	m.emit(Instr{Op: OpMov, Width: W32, Rd: dst, Rn: src})
}

// MoveImm loads v into dst.
func (m *MacroAssembler) MoveImm(dst Register, v int64) {
	checkGeneral(dst)
	m.emit(Instr{Op: OpMovImm, Width: W64, Rd: dst, Imm: v})
}

// MoveFloat64 loads the float64 constant with the given bits into the double register dst.
func (m *MacroAssembler) MoveFloat64(dst Register, bits uint64) {
	checkDouble(dst)
	if bits == 0 {
		m.emit(Instr{Op: OpFMovFromGeneral, Rd: dst, Rn: XZR})
		return
	}
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	tmp := scope.AcquireScratch()
	m.MoveImm(tmp, int64(bits))
	m.emit(Instr{Op: OpFMovFromGeneral, Rd: dst, Rn: tmp})
}

// Emit3 emits a three register integer op.
func (m *MacroAssembler) Emit3(op Op, w Width, rd, rn, rm Register) {
	checkGeneral(rd, rn, rm)
	m.emit(Instr{Op: op, Width: w, Rd: rd, Rn: rn, Rm: rm})
}

// Emit3Imm emits an integer op whose second source is an immediate.
func (m *MacroAssembler) Emit3Imm(op Op, w Width, rd, rn Register, imm int64) {
	checkGeneral(rd, rn)
	m.emit(Instr{Op: op, Width: w, Rd: rd, Rn: rn, Imm: imm})
}

// Smull computes the 64-bit product of the words in rn and rm.
func (m *MacroAssembler) Smull(rd, rn, rm Register) {
	checkGeneral(rd, rn, rm)
	m.emit(Instr{Op: OpSmull, Width: W64, Rd: rd, Rn: rn, Rm: rm})
}

// Sxtw sign extends the word in rn.
func (m *MacroAssembler) Sxtw(rd, rn Register) {
	checkGeneral(rd, rn)
	m.emit(Instr{Op: OpSxtw, Width: W64, Rd: rd, Rn: rn})
}

// Neg negates rn.
func (m *MacroAssembler) Neg(w Width, rd, rn Register) {
	checkGeneral(rd, rn)
	m.emit(Instr{Op: OpNeg, Width: w, Rd: rd, Rn: rn})
}

// Cmp compares rn with rm.
func (m *MacroAssembler) Cmp(w Width, rn, rm Register) {
	checkGeneral(rn, rm)
	m.emit(Instr{Op: OpCmp, Width: w, Rn: rn, Rm: rm})
}

// CmpImm compares rn with imm.
func (m *MacroAssembler) CmpImm(w Width, rn Register, imm int64) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpCmp, Width: w, Rn: rn, Imm: imm})
}

// TstImm sets the flags for rn & imm.
func (m *MacroAssembler) TstImm(w Width, rn Register, imm int64) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpTst, Width: w, Rn: rn, Imm: imm})
}

// Cset writes the condition as 0 or 1.
func (m *MacroAssembler) Cset(cond Condition, rd Register) {
	checkGeneral(rd)
	m.emit(Instr{Op: OpCset, Width: W64, Cond: cond, Rd: rd})
}

// Csel selects rn if cond holds, rm otherwise.
func (m *MacroAssembler) Csel(w Width, cond Condition, rd, rn, rm Register) {
	checkGeneral(rd, rn, rm)
	m.emit(Instr{Op: OpCsel, Width: w, Cond: cond, Rd: rd, Rn: rn, Rm: rm})
}

// Jump branches to l.
func (m *MacroAssembler) Jump(l *Label) { m.emit(Instr{Op: OpB, Label: l}) }

// JumpIf branches to l if cond holds.
func (m *MacroAssembler) JumpIf(cond Condition, l *Label) {
	if cond == CondAl {
		m.Jump(l)
		return
	}
	m.emit(Instr{Op: OpBCond, Cond: cond, Label: l})
}

// JumpIfZero branches to l if rn is zero.
func (m *MacroAssembler) JumpIfZero(w Width, rn Register, l *Label) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpCbz, Width: w, Rn: rn, Label: l})
}

// JumpIfNotZero branches to l if rn is not zero.
func (m *MacroAssembler) JumpIfNotZero(w Width, rn Register, l *Label) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpCbnz, Width: w, Rn: rn, Label: l})
}

// TestBitAndJumpIfClear branches to l if the bit of rn is clear.
func (m *MacroAssembler) TestBitAndJumpIfClear(rn Register, bit int, l *Label) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpTbz, Width: W64, Rn: rn, Imm: int64(bit), Label: l})
}

// TestBitAndJumpIfSet branches to l if the bit of rn is set.
func (m *MacroAssembler) TestBitAndJumpIfSet(rn Register, bit int, l *Label) {
	checkGeneral(rn)
	m.emit(Instr{Op: OpTbnz, Width: W64, Rn: rn, Imm: int64(bit), Label: l})
}

// Load reads w bytes at base+offset into rd.
func (m *MacroAssembler) Load(w Width, signed bool, rd, base Register, offset int64) {
	checkGeneral(rd, base)
	m.emit(Instr{Op: OpLdr, Width: w, Signed: signed, Rd: rd, Rn: base, Imm: offset})
}

// Store writes the low w bytes of src at base+offset.
func (m *MacroAssembler) Store(w Width, src, base Register, offset int64) {
	checkGeneral(src, base)
	m.emit(Instr{Op: OpStr, Width: w, Rd: src, Rn: base, Imm: offset})
}

// LoadFloat64 reads a float64 at base+offset.
func (m *MacroAssembler) LoadFloat64(rd, base Register, offset int64) {
	checkDouble(rd)
	checkGeneral(base)
	m.emit(Instr{Op: OpFLdr, Width: W64, Rd: rd, Rn: base, Imm: offset})
}

// StoreFloat64 writes a float64 at base+offset.
func (m *MacroAssembler) StoreFloat64(src, base Register, offset int64) {
	checkDouble(src)
	checkGeneral(base)
	m.emit(Instr{Op: OpFStr, Width: W64, Rd: src, Rn: base, Imm: offset})
}

// Float64Op emits fadd, fsub, fmul or fdiv.
func (m *MacroAssembler) Float64Op(op Op, rd, rn, rm Register) {
	switch op {
	case OpFAdd, OpFSub, OpFMul, OpFDiv:
	default:
		panic("BUG: not a float64 op: " + op.String())
	}
	checkDouble(rd, rn, rm)
	m.emit(Instr{Op: op, Width: W64, Rd: rd, Rn: rn, Rm: rm})
}

// Float64Compare sets the flags for rn ? rm. Unordered operands set C and V.
func (m *MacroAssembler) Float64Compare(rn, rm Register) {
	checkDouble(rn, rm)
	m.emit(Instr{Op: OpFCmp, Width: W64, Rn: rn, Rm: rm})
}

// Int32ToFloat64 converts the signed word in rn.
func (m *MacroAssembler) Int32ToFloat64(rd, rn Register) {
	checkDouble(rd)
	checkGeneral(rn)
	m.emit(Instr{Op: OpScvtf, Width: W32, Rd: rd, Rn: rn})
}

// TruncateFloat64ToInt32 truncates rn toward zero, saturating.
func (m *MacroAssembler) TruncateFloat64ToInt32(rd, rn Register) {
	checkGeneral(rd)
	checkDouble(rn)
	m.emit(Instr{Op: OpFcvtzs, Width: W32, Rd: rd, Rn: rn})
}

// CallBuiltin calls b.
func (m *MacroAssembler) CallBuiltin(b Builtin) {
	m.call(CallTarget{Kind: CallBuiltin, ID: uint16(b)})
}

// CallRuntime calls f.
func (m *MacroAssembler) CallRuntime(f RuntimeFunction) {
	m.call(CallTarget{Kind: CallRuntime, ID: uint16(f)})
}

func (m *MacroAssembler) call(target CallTarget) {
	m.emit(Instr{Op: OpCall, Target: target})
	if m.onCall != nil {
		m.onCall(len(m.instrs)-1, target)
	}
}

// CallDeoptExit calls the deoptimization entry. id is the index of the exit, which the runtime
// otherwise derives from the return address.
func (m *MacroAssembler) CallDeoptExit(lazy bool, id int) {
	b := BuiltinDeoptimizationEntryEager
	if lazy {
		b = BuiltinDeoptimizationEntryLazy
	}
	m.emit(Instr{Op: OpCall, Target: CallTarget{Kind: CallBuiltin, ID: uint16(b)}, Imm: int64(id)})
}

// Ret returns to the caller.
func (m *MacroAssembler) Ret() { m.emit(Instr{Op: OpRet}) }

// LoadRoot loads a root into rd.
func (m *MacroAssembler) LoadRoot(rd Register, root heap.RootIndex) {
	m.Load(W64, false, rd, RootRegister, root.RootTableOffset())
}

// CompareRoot compares reg with the value of root.
func (m *MacroAssembler) CompareRoot(reg Register, root heap.RootIndex) {
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	tmp := scope.AcquireScratch()
	m.LoadRoot(tmp, root)
	m.Cmp(W64, reg, tmp)
}

// JumpIfRoot branches to l if reg holds root.
func (m *MacroAssembler) JumpIfRoot(reg Register, root heap.RootIndex, l *Label) {
	m.CompareRoot(reg, root)
	m.JumpIf(CondEq, l)
}

// JumpIfNotRoot branches to l unless reg holds root.
func (m *MacroAssembler) JumpIfNotRoot(reg Register, root heap.RootIndex, l *Label) {
	m.CompareRoot(reg, root)
	m.JumpIf(CondNe, l)
}

// JumpIfSmi branches to l if reg holds a Smi.
func (m *MacroAssembler) JumpIfSmi(reg Register, l *Label) {
	m.TestBitAndJumpIfClear(reg, 0, l)
}

// JumpIfNotSmi branches to l if reg holds a heap object.
func (m *MacroAssembler) JumpIfNotSmi(reg Register, l *Label) {
	m.TestBitAndJumpIfSet(reg, 0, l)
}

// SmiUntag converts the Smi in rn to an int32.
func (m *MacroAssembler) SmiUntag(rd, rn Register) {
	m.Emit3Imm(OpAsr, W32, rd, rn, heap.SmiShift)
}

// SmiTagWithOverflow tags the int32 in rn and sets the V flag if it does not fit a Smi.
func (m *MacroAssembler) SmiTagWithOverflow(rd, rn Register) {
	m.Emit3(OpAdds, W32, rd, rn, rn)
}

// LoadTaggedField loads the field of the tagged object in obj.
func (m *MacroAssembler) LoadTaggedField(rd, obj Register, offset int) {
	m.Load(W64, false, rd, obj, heap.FieldOffset(offset))
}

// LoadMap loads the map of the heap object in obj.
func (m *MacroAssembler) LoadMap(rd, obj Register) {
	m.LoadTaggedField(rd, obj, heap.MapOffset)
}

// LoadFloat64Field loads an unboxed float64 field.
func (m *MacroAssembler) LoadFloat64Field(rd, obj Register, offset int) {
	m.LoadFloat64(rd, obj, heap.FieldOffset(offset))
}

// StoreTaggedFieldNoWriteBarrier stores value in the field of obj.
func (m *MacroAssembler) StoreTaggedFieldNoWriteBarrier(obj Register, offset int, value Register) {
	m.Store(W64, value, obj, heap.FieldOffset(offset))
}

// StoreTaggedFieldWithWriteBarrier stores value in the field of obj and, if value is a heap
// object, calls the write barrier from deferred code with the registers in live preserved.
func (m *MacroAssembler) StoreTaggedFieldWithWriteBarrier(obj Register, offset int, value Register, live RegList) {
	m.StoreTaggedFieldNoWriteBarrier(obj, offset, value)
	done := &Label{}
	m.JumpIfSmi(value, done)
	m.Jump(m.MakeDeferredCode(func(m *MacroAssembler) {
		m.PushAll(live)
		if obj == X1 {
			m.Move(X0, X1)
			m.Emit3Imm(OpAdd, W64, X1, X0, heap.FieldOffset(offset))
		} else {
			m.Emit3Imm(OpAdd, W64, X1, obj, heap.FieldOffset(offset))
			m.Move(X0, obj)
		}
		m.CallBuiltin(BuiltinRecordWrite)
		m.PopAll(live)
		m.Jump(done)
	}))
	m.Bind(done)
}

// Allocate allocates size bytes and leaves the tagged object in rd. The registers in live
// survive the call.
func (m *MacroAssembler) Allocate(live RegList, rd Register, size int) {
	live = live.Remove(rd)
	m.PushAll(live)
	m.MoveImm(X0, int64(size))
	m.CallBuiltin(BuiltinAllocateRegularInYoungGeneration)
	m.Move(rd, X0)
	m.PopAll(live)
}

// AllocateHeapNumber boxes the float64 in value into a new HeapNumber in rd.
func (m *MacroAssembler) AllocateHeapNumber(live RegList, rd, value Register) {
	m.Allocate(live.Add(value), rd, heap.HeapNumberSize)
	scope := m.NewTemporaryRegisterScope()
	defer scope.Close()
	tmp := scope.AcquireScratch()
	m.LoadRoot(tmp, heap.RootHeapNumberMap)
	m.StoreTaggedFieldNoWriteBarrier(rd, heap.MapOffset, tmp)
	m.StoreFloat64(value, rd, heap.FieldOffset(heap.HeapNumberValueOffset))
}

func frameSize(regs []Register) int64 {
	return (int64(len(regs))*8 + 15) &^ 15
}

// PushAll saves regs on the stack, keeping sp 16-byte aligned.
func (m *MacroAssembler) PushAll(regs RegList) {
	list := regs.Registers()
	if len(list) == 0 {
		return
	}
	m.Emit3Imm(OpSub, W64, SP, SP, frameSize(list))
	for i, r := range list {
		if r.IsDouble() {
			m.StoreFloat64(r, SP, int64(i)*8)
		} else {
			m.Store(W64, r, SP, int64(i)*8)
		}
	}
}

// PopAll restores regs saved by PushAll.
func (m *MacroAssembler) PopAll(regs RegList) {
	list := regs.Registers()
	if len(list) == 0 {
		return
	}
	for i, r := range list {
		if r.IsDouble() {
			m.LoadFloat64(r, SP, int64(i)*8)
		} else {
			m.Load(W64, false, r, SP, int64(i)*8)
		}
	}
	m.Emit3Imm(OpAdd, W64, SP, SP, frameSize(list))
}

// MakeDeferredCode registers emit to run after the main code and returns the label of its start.
// Deferred code must end with a jump.
func (m *MacroAssembler) MakeDeferredCode(emit func(m *MacroAssembler)) *Label {
	l := &Label{}
	m.deferred = append(m.deferred, deferredCode{label: l, emit: emit, origin: m.origin})
	return l
}

// JumpToDeferredIf branches to deferred code if cond holds.
func (m *MacroAssembler) JumpToDeferredIf(cond Condition, emit func(m *MacroAssembler)) {
	m.JumpIf(cond, m.MakeDeferredCode(emit))
}

// EmitDeferredCode emits every pending deferred code block, including blocks registered while
// emitting.
func (m *MacroAssembler) EmitDeferredCode() {
	origin := m.origin
	for i := 0; i < len(m.deferred); i++ {
		d := m.deferred[i]
		m.origin = d.origin
		m.Bind(d.label)
		d.emit(m)
	}
	m.deferred = m.deferred[:0]
	m.origin = origin
}

// TemporaryRegisterScope hands out scratch registers. Closing the scope returns every register
// acquired or included since it was opened.
type TemporaryRegisterScope struct {
	m      *MacroAssembler
	prev   RegList
	closed bool
}

// NewTemporaryRegisterScope opens a scope. Scopes nest and must be closed in reverse order.
func (m *MacroAssembler) NewTemporaryRegisterScope() *TemporaryRegisterScope {
	return &TemporaryRegisterScope{m: m, prev: m.scratch}
}

// Include makes regs available in this scope, typically a node's temporaries.
func (s *TemporaryRegisterScope) Include(regs ...Register) {
	for _, r := range regs {
		s.m.scratch = s.m.scratch.Add(r)
	}
}

// IncludeList is Include for a set.
func (s *TemporaryRegisterScope) IncludeList(regs RegList) {
	s.m.scratch = s.m.scratch.Union(regs)
}

// Available returns the registers that can still be acquired.
func (s *TemporaryRegisterScope) Available() RegList { return s.m.scratch }

func (s *TemporaryRegisterScope) acquire(double bool) Register {
	for _, r := range s.m.scratch.Registers() {
		if r.IsDouble() == double {
			s.m.scratch = s.m.scratch.Remove(r)
			return r
		}
	}
	panic("BUG: no scratch register available")
}

// AcquireScratch takes a general register.
func (s *TemporaryRegisterScope) AcquireScratch() Register { return s.acquire(false) }

// AcquireScratchDouble takes a double register.
func (s *TemporaryRegisterScope) AcquireScratchDouble() Register { return s.acquire(true) }

// Close returns the registers to the enclosing scope.
func (s *TemporaryRegisterScope) Close() {
	if s.closed {
		panic("BUG: scope closed twice")
	}
	s.closed = true
	s.m.scratch = s.prev
}
