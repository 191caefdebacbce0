// Package sim executes masm instruction lists against a heap.Heap with arm64 semantics. It stands
// in for running the encoded code on hardware: generated code can be checked for behavior,
// including deopts, on any host.
package sim

import (
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
)

// Outcome is how a run ended.
type Outcome byte

const (
	// Returned means the code executed ret.
	Returned Outcome = iota
	// Deopted means the code left through a deopt exit.
	Deopted
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	if o == Deopted {
		return "deopted"
	}
	return "returned"
}

// Result describes the end of a run.
type Result struct {
	Outcome Outcome
	// Value is x0 at the time of return.
	Value heap.Tagged
	// DeoptExit is the index of the exit taken when Outcome is Deopted.
	DeoptExit int
	// Lazy is set when the deopt was requested by the runtime after a call returned.
	Lazy  bool
	Steps int
}

// Poison is written to caller-saved registers after a call so that code relying on a register
// the call does not preserve reads garbage.
const Poison = 0xbadbad00badbad00

// ErrStepLimit is returned when a run exceeds Machine.MaxSteps.
var ErrStepLimit = errors.New("sim: step limit exceeded")

const defaultStackSize = 4096

// Machine is the register file and flags of one simulated core.
type Machine struct {
	Heap *heap.Heap
	// MaxSteps bounds a run. Zero means one million.
	MaxSteps int
	// CompileOSR serves the OSR runtime functions. A nil hook returns Smi zero, meaning no code
	// is ready yet.
	CompileOSR func(inlined bool) heap.Tagged
	// Invalidate is consulted after every call returns. Returning true requests a lazy deopt at
	// that call.
	Invalidate func(callIndex int, target masm.CallTarget) bool
	// LazyDeopts maps the index of a call instruction to the lazy deopt exit recorded for it.
	LazyDeopts map[int]int
	// Calls records the targets of the calls made, in order.
	Calls []masm.CallTarget
	// WriteBarrierSlots records the slot addresses passed to the write barrier.
	WriteBarrierSlots []uint64

	regs       [masm.NumRegisters]uint64
	n, z, c, v bool
	stackTop   uint64
}

// New returns a Machine with a stack allocated in h and the root register pointing at the roots
// table of h.
func New(h *heap.Heap) *Machine {
	m := &Machine{Heap: h}
	base := h.Allocate(defaultStackSize + 16)
	m.stackTop = (base + defaultStackSize) &^ 15
	m.regs[masm.SP] = m.stackTop
	m.regs[masm.RootRegister] = h.RootsTableAddress()
	return m
}

// Register returns the value of a general register.
func (m *Machine) Register(r masm.Register) uint64 {
	if r == masm.XZR {
		return 0
	}
	return m.regs[r]
}

// SetRegister sets a general register. Writes to the zero register are dropped.
func (m *Machine) SetRegister(r masm.Register, v uint64) {
	if r != masm.XZR {
		m.regs[r] = v
	}
}

// Float64 returns the value of a double register.
func (m *Machine) Float64(r masm.Register) float64 { return math.Float64frombits(m.regs[r]) }

// SetFloat64 sets a double register.
func (m *Machine) SetFloat64(r masm.Register, v float64) { m.regs[r] = math.Float64bits(v) }

// StackPointer returns sp.
func (m *Machine) StackPointer() uint64 { return m.regs[masm.SP] }

// StackTop returns the initial sp.
func (m *Machine) StackTop() uint64 { return m.stackTop }

func mask(w masm.Width) uint64 {
	if w == masm.W64 || w == 0 {
		return math.MaxUint64
	}
	return 1<<(8*uint(w)) - 1
}

func (m *Machine) write(i *masm.Instr, v uint64) {
	if i.Width == masm.W32 {
		v = uint64(uint32(v))
	}
	m.SetRegister(i.Rd, v)
}

func (m *Machine) rhs(i *masm.Instr) uint64 {
	if i.Rm == masm.NoReg {
		return uint64(i.Imm)
	}
	return m.Register(i.Rm)
}

func (m *Machine) setNZ(w masm.Width, r uint64) {
	if w == masm.W32 {
		m.n, m.z = int32(r) < 0, uint32(r) == 0
	} else {
		m.n, m.z = int64(r) < 0, r == 0
	}
}

// addWithFlags computes a + b + carry in the width and sets NZCV.
func (m *Machine) addWithFlags(w masm.Width, a, b uint64, carry uint64) uint64 {
	if w == masm.W32 {
		a32, b32 := uint32(a), uint32(b)
		wide := uint64(a32) + uint64(b32) + carry
		r := uint32(wide)
		m.setNZ(w, uint64(r))
		m.c = wide>>32 != 0
		m.v = ((a32^r)&(b32^r))>>31 != 0
		return uint64(r)
	}
	r := a + b + carry
	m.setNZ(w, r)
	m.c = r < a || (carry != 0 && r == a)
	m.v = ((a^r)&(b^r))>>63 != 0
	return r
}

// subWithFlags computes a - b as a + ^b + 1.
func (m *Machine) subWithFlags(w masm.Width, a, b uint64) uint64 {
	return m.addWithFlags(w, a, ^b, 1)
}

func (m *Machine) holds(c masm.Condition) bool {
	switch c {
	case masm.CondEq:
		return m.z
	case masm.CondNe:
		return !m.z
	case masm.CondHs:
		return m.c
	case masm.CondLo:
		return !m.c
	case masm.CondMi:
		return m.n
	case masm.CondPl:
		return !m.n
	case masm.CondVs:
		return m.v
	case masm.CondVc:
		return !m.v
	case masm.CondHi:
		return m.c && !m.z
	case masm.CondLs:
		return !m.c || m.z
	case masm.CondGe:
		return m.n == m.v
	case masm.CondLt:
		return m.n != m.v
	case masm.CondGt:
		return !m.z && m.n == m.v
	case masm.CondLe:
		return m.z || m.n != m.v
	case masm.CondAl:
		return true
	}
	panic(fmt.Sprintf("BUG: invalid condition %d", c))
}

func shiftAmount(w masm.Width, v uint64) uint64 {
	if w == masm.W32 {
		return v & 31
	}
	return v & 63
}

func (m *Machine) load(w masm.Width, signed bool, addr uint64) (uint64, error) {
	v, err := m.Heap.Load(addr, int(w))
	if err != nil {
		return 0, err
	}
	if signed {
		switch w {
		case masm.W8:
			v = uint64(int64(int8(v)))
		case masm.W16:
			v = uint64(int64(int16(v)))
		case masm.W32:
			v = uint64(int64(int32(v)))
		}
	}
	return v, nil
}

func fcvtzs32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

// Run executes instrs from the first instruction until ret or a deopt exit.
func (m *Machine) Run(instrs []masm.Instr) (Result, error) {
	maxSteps := m.MaxSteps
	if maxSteps == 0 {
		maxSteps = 1_000_000
	}
	steps := 0
	for pc := 0; ; steps++ {
		if steps >= maxSteps {
			return Result{Steps: steps}, ErrStepLimit
		}
		if pc < 0 || pc >= len(instrs) {
			return Result{Steps: steps}, fmt.Errorf("sim: fell off the code at %d", pc)
		}
		i := &instrs[pc]
		next := pc + 1
		jump := func() { next = i.Label.Pos() }

		switch i.Op {
		case masm.OpNop:
		case masm.OpMov:
			m.write(i, m.Register(i.Rn))
		case masm.OpMovImm:
			m.write(i, uint64(i.Imm))
		case masm.OpAdd:
			m.write(i, m.Register(i.Rn)+m.rhs(i))
		case masm.OpAdds:
			m.write(i, m.addWithFlags(i.Width, m.Register(i.Rn), m.rhs(i), 0))
		case masm.OpSub:
			m.write(i, m.Register(i.Rn)-m.rhs(i))
		case masm.OpSubs:
			m.write(i, m.subWithFlags(i.Width, m.Register(i.Rn), m.rhs(i)))
		case masm.OpAnd:
			m.write(i, m.Register(i.Rn)&m.rhs(i))
		case masm.OpOrr:
			m.write(i, m.Register(i.Rn)|m.rhs(i))
		case masm.OpEor:
			m.write(i, m.Register(i.Rn)^m.rhs(i))
		case masm.OpLsl:
			m.write(i, m.Register(i.Rn)<<shiftAmount(i.Width, m.rhs(i)))
		case masm.OpLsr:
			v := m.Register(i.Rn) & mask(i.Width)
			m.write(i, v>>shiftAmount(i.Width, m.rhs(i)))
		case masm.OpAsr:
			s := shiftAmount(i.Width, m.rhs(i))
			if i.Width == masm.W32 {
				m.write(i, uint64(int32(m.Register(i.Rn))>>s))
			} else {
				m.write(i, uint64(int64(m.Register(i.Rn))>>s))
			}
		case masm.OpMul:
			m.write(i, m.Register(i.Rn)*m.Register(i.Rm))
		case masm.OpSmull:
			m.write(i, uint64(int64(int32(m.Register(i.Rn)))*int64(int32(m.Register(i.Rm)))))
		case masm.OpNeg:
			m.write(i, -m.Register(i.Rn))
		case masm.OpSxtw:
			m.write(i, uint64(int64(int32(m.Register(i.Rn)))))
		case masm.OpCmp:
			m.subWithFlags(i.Width, m.Register(i.Rn), m.rhs(i))
		case masm.OpTst:
			m.setNZ(i.Width, m.Register(i.Rn)&m.rhs(i))
			m.c, m.v = false, false
		case masm.OpCset:
			var v uint64
			if m.holds(i.Cond) {
				v = 1
			}
			m.write(i, v)
		case masm.OpCsel:
			if m.holds(i.Cond) {
				m.write(i, m.Register(i.Rn))
			} else {
				m.write(i, m.Register(i.Rm))
			}
		case masm.OpB:
			jump()
		case masm.OpBCond:
			if m.holds(i.Cond) {
				jump()
			}
		case masm.OpCbz, masm.OpCbnz:
			zero := m.Register(i.Rn)&mask(i.Width) == 0
			if zero == (i.Op == masm.OpCbz) {
				jump()
			}
		case masm.OpTbz, masm.OpTbnz:
			clear := m.Register(i.Rn)&(1<<uint(i.Imm)) == 0
			if clear == (i.Op == masm.OpTbz) {
				jump()
			}
		case masm.OpLdr:
			v, err := m.load(i.Width, i.Signed, m.Register(i.Rn)+uint64(i.Imm))
			if err != nil {
				return Result{Steps: steps}, fmt.Errorf("sim: %s at %d: %w", i.String(), pc, err)
			}
			m.SetRegister(i.Rd, v)
		case masm.OpStr:
			if err := m.Heap.Store(m.Register(i.Rn)+uint64(i.Imm), int(i.Width), m.Register(i.Rd)); err != nil {
				return Result{Steps: steps}, fmt.Errorf("sim: %s at %d: %w", i.String(), pc, err)
			}
		case masm.OpFLdr:
			v, err := m.load(masm.W64, false, m.Register(i.Rn)+uint64(i.Imm))
			if err != nil {
				return Result{Steps: steps}, fmt.Errorf("sim: %s at %d: %w", i.String(), pc, err)
			}
			m.regs[i.Rd] = v
		case masm.OpFStr:
			if err := m.Heap.Store(m.Register(i.Rn)+uint64(i.Imm), 8, m.regs[i.Rd]); err != nil {
				return Result{Steps: steps}, fmt.Errorf("sim: %s at %d: %w", i.String(), pc, err)
			}
		case masm.OpFMov:
			m.regs[i.Rd] = m.regs[i.Rn]
		case masm.OpFMovToGeneral:
			m.SetRegister(i.Rd, m.regs[i.Rn])
		case masm.OpFMovFromGeneral:
			m.regs[i.Rd] = m.Register(i.Rn)
		case masm.OpFAdd:
			m.SetFloat64(i.Rd, m.Float64(i.Rn)+m.Float64(i.Rm))
		case masm.OpFSub:
			m.SetFloat64(i.Rd, m.Float64(i.Rn)-m.Float64(i.Rm))
		case masm.OpFMul:
			m.SetFloat64(i.Rd, m.Float64(i.Rn)*m.Float64(i.Rm))
		case masm.OpFDiv:
			m.SetFloat64(i.Rd, m.Float64(i.Rn)/m.Float64(i.Rm))
		case masm.OpFCmp:
			a, b := m.Float64(i.Rn), m.Float64(i.Rm)
			switch {
			case math.IsNaN(a) || math.IsNaN(b):
				m.n, m.z, m.c, m.v = false, false, true, true
			case a == b:
				m.n, m.z, m.c, m.v = false, true, true, false
			case a < b:
				m.n, m.z, m.c, m.v = true, false, false, false
			default:
				m.n, m.z, m.c, m.v = false, false, true, false
			}
		case masm.OpScvtf:
			m.SetFloat64(i.Rd, float64(int32(m.Register(i.Rn))))
		case masm.OpFcvtzs:
			m.SetRegister(i.Rd, uint64(uint32(fcvtzs32(m.Float64(i.Rn)))))
		case masm.OpCall:
			res, done, err := m.call(pc, i)
			if err != nil || done {
				res.Steps = steps + 1
				return res, err
			}
		case masm.OpRet:
			return Result{Outcome: Returned, Value: heap.Tagged(m.regs[masm.ReturnRegister]), Steps: steps + 1}, nil
		default:
			return Result{Steps: steps}, fmt.Errorf("sim: unsupported op %s at %d", i.Op, pc)
		}
		pc = next
	}
}

// callerSaved lists the registers a call may clobber besides x0.
var callerSaved = func() (ret []masm.Register) {
	for code := 1; code <= 18; code++ {
		ret = append(ret, masm.GeneralRegister(code))
	}
	for code := 0; code <= 7; code++ {
		ret = append(ret, masm.DoubleRegister(code))
	}
	for code := 16; code <= 31; code++ {
		ret = append(ret, masm.DoubleRegister(code))
	}
	return
}()

func (m *Machine) clobber() {
	for _, r := range callerSaved {
		m.regs[r] = Poison
	}
}

// call runs a builtin or runtime function. done is set when the run ends at the call.
func (m *Machine) call(pc int, i *masm.Instr) (res Result, done bool, err error) {
	m.Calls = append(m.Calls, i.Target)
	x0, x1 := heap.Tagged(m.regs[masm.X0]), heap.Tagged(m.regs[masm.X1])
	ret := heap.Tagged(Poison)

	if i.Target.Kind == masm.CallBuiltin {
		switch b := masm.Builtin(i.Target.ID); b {
		case masm.BuiltinDeoptimizationEntryEager, masm.BuiltinDeoptimizationEntryLazy:
			return Result{Outcome: Deopted, DeoptExit: int(i.Imm), Lazy: b == masm.BuiltinDeoptimizationEntryLazy}, true, nil
		case masm.BuiltinRecordWrite:
			m.WriteBarrierSlots = append(m.WriteBarrierSlots, uint64(x1))
		case masm.BuiltinAllocateRegularInYoungGeneration:
			ret = heap.FromAddress(m.Heap.Allocate(int(x0)))
		case masm.BuiltinAdd:
			if ret, err = m.add(x0, x1); err != nil {
				return Result{}, true, err
			}
		case masm.BuiltinToNumber:
			if !m.isNumber(x0) {
				return Result{}, true, fmt.Errorf("sim: %s on a non-number", i.Target)
			}
			ret = x0
		default:
			return Result{}, true, fmt.Errorf("sim: unknown call target %s", i.Target)
		}
	} else {
		switch masm.RuntimeFunction(i.Target.ID) {
		case masm.RuntimeAbort:
			return Result{}, true, fmt.Errorf("sim: abort at %d with reason %d", pc, x0.SmiValue())
		case masm.RuntimeTryMigrateInstance:
			ret = m.Heap.TryMigrateInstance(x0)
		case masm.RuntimeTransitionElementsKind:
			m.Heap.TransitionElementsKind(x0, x1)
			ret = x0
		case masm.RuntimeCompileOptimizedOSRFromMaglev, masm.RuntimeCompileOptimizedOSRFromMaglevInlined:
			ret = heap.SmiZero
			if m.CompileOSR != nil {
				ret = m.CompileOSR(masm.RuntimeFunction(i.Target.ID) == masm.RuntimeCompileOptimizedOSRFromMaglevInlined)
			}
		case masm.RuntimeStackGuard:
		default:
			return Result{}, true, fmt.Errorf("sim: unknown call target %s", i.Target)
		}
	}

	m.clobber()
	m.regs[masm.X0] = uint64(ret)

	if m.Invalidate != nil && m.Invalidate(pc, i.Target) {
		exit, ok := m.LazyDeopts[pc]
		if !ok {
			return Result{}, true, fmt.Errorf("sim: call at %d invalidated the code but has no lazy deopt", pc)
		}
		return Result{Outcome: Deopted, DeoptExit: exit, Lazy: true, Value: ret}, true, nil
	}
	return Result{}, false, nil
}

func (m *Machine) isNumber(v heap.Tagged) bool {
	return v.IsSmi() || m.Heap.MapOf(v) == m.Heap.Root(heap.RootHeapNumberMap)
}

func (m *Machine) numberValue(v heap.Tagged) float64 {
	if v.IsSmi() {
		return float64(v.SmiValue())
	}
	return m.Heap.HeapNumberValue(v)
}

func (m *Machine) add(a, b heap.Tagged) (heap.Tagged, error) {
	if !m.isNumber(a) || !m.isNumber(b) {
		return 0, errors.New("sim: Builtin::Add on a non-number")
	}
	if a.IsSmi() && b.IsSmi() {
		if sum := int64(a.SmiValue()) + int64(b.SmiValue()); sum >= heap.SmiMinValue && sum <= heap.SmiMaxValue {
			return heap.SmiFromInt(int32(sum)), nil
		}
	}
	return m.Heap.NewHeapNumber(m.numberValue(a) + m.numberValue(b)), nil
}
