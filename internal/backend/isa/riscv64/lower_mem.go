package riscv64

import (
	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
)

func loadOpcode(rep ir.MachineRepresentation, signed bool) backend.ArchOpcode {
	switch rep {
	case ir.RepWord8:
		if signed {
			return opLb
		}
		return opLbu
	case ir.RepWord16:
		if signed {
			return opLh
		}
		return opLhu
	case ir.RepWord32:
		return opLw
	case ir.RepCompressed:
		return opLwu
	case ir.RepWord64, ir.RepTagged:
		return opLd
	case ir.RepFloat32:
		return opLoadFloat
	case ir.RepFloat64:
		return opLoadDouble
	case ir.RepSimd128:
		return opRvvLd
	default:
		panic("BUG: cannot load " + rep.String())
	}
}

func storeOpcode(rep ir.MachineRepresentation) backend.ArchOpcode {
	switch rep {
	case ir.RepWord8:
		return opSb
	case ir.RepWord16:
		return opSh
	case ir.RepWord32, ir.RepCompressed:
		return opSw
	case ir.RepWord64, ir.RepTagged:
		return opSd
	case ir.RepFloat32:
		return opStoreFloat
	case ir.RepFloat64:
		return opStoreDouble
	case ir.RepSimd128:
		return opRvvSt
	default:
		panic("BUG: cannot store " + rep.String())
	}
}

// address returns the base and offset operands of base+index. When index does not fit the
// immediate of op, the sum is computed into a temp first.
func (m *machine) address(s *backend.InstructionSelector, op backend.ArchOpcode, base, index *ir.Node) (backend.InstructionOperand, backend.InstructionOperand) {
	g := newOperandGenerator(s)
	if g.canBeImmediate(index, op) {
		return g.UseRegister(base), g.UseImmediate(index)
	}
	addr := g.TempRegister()
	s.Emit(backend.NewInstructionCode(opAdd64),
		[]backend.InstructionOperand{addr},
		[]backend.InstructionOperand{g.UseRegister(index), g.UseRegister(base)}, nil)
	return addr, g.TempImmediate(0)
}

// lowerLoad emits op reading the address of the load node and defines output with the result.
// output differs from load when a user folded the load into itself.
func (m *machine) lowerLoad(s *backend.InstructionSelector, load *ir.Node, op backend.ArchOpcode, output *ir.Node) {
	g := newOperandGenerator(s)
	base, offset := m.address(s, op, load.InputAt(0), load.InputAt(1))
	s.Emit(backend.NewInstructionCode(op).WithAddressingMode(backend.ModeMRI),
		[]backend.InstructionOperand{g.DefineAsRegister(output)},
		[]backend.InstructionOperand{base, offset}, nil)
}

func (m *machine) lowerStore(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	op := storeOpcode(n.Rep())
	base, offset := m.address(s, op, n.InputAt(0), n.InputAt(1))
	value := g.useRegisterOrImmediateZero(n.InputAt(2))
	s.Emit(backend.NewInstructionCode(op).WithAddressingMode(backend.ModeMRI), nil,
		[]backend.InstructionOperand{value, base, offset}, nil)
}

// atomicAccessShift returns log2 of the byte size an atomic instruction accesses. It lives in the
// misc bits above the AtomicWidth.
func atomicAccessShift(code backend.InstructionCode) uint32 { return code.Misc() >> 1 }

// lowerAtomic lowers the atomic exchanges. Sub-word accesses become an LR/SC loop on the
// containing word, so every input stays live across the loop and three temps are reserved.
func (m *machine) lowerAtomic(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	var op backend.ArchOpcode
	width := backend.AtomicWidth32
	switch n.Opcode() {
	case ir.OpcodeWord32AtomicExchange:
		op = opWord32AtomicExchange
	case ir.OpcodeWord32AtomicCompareExchange:
		op = opWord32AtomicCompareExchange
	case ir.OpcodeWord64AtomicExchange:
		op, width = opWord64AtomicExchange, backend.AtomicWidth64
	case ir.OpcodeWord64AtomicCompareExchange:
		op, width = opWord64AtomicCompareExchange, backend.AtomicWidth64
	}

	var shift uint32
	switch n.AtomicWidth() {
	case ir.RepWord8:
		shift = 0
	case ir.RepWord16:
		shift = 1
	case ir.RepWord32:
		shift = 2
	case ir.RepWord64:
		if width != backend.AtomicWidth64 {
			panic("BUG: 64-bit access by a 32-bit atomic")
		}
		shift = 3
	default:
		panic("BUG: invalid atomic access " + n.AtomicWidth().String())
	}

	inputs := make([]backend.InstructionOperand, 0, 4)
	for _, in := range n.Inputs() {
		inputs = append(inputs, g.UseUniqueRegister(in))
	}
	code := backend.NewInstructionCode(op).
		WithAddressingMode(backend.ModeMRI).
		WithMisc(shift << 1).
		WithAtomicWidth(width)
	s.Emit(code,
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		inputs,
		[]backend.InstructionOperand{g.TempRegister(), g.TempRegister(), g.TempRegister()})
}
