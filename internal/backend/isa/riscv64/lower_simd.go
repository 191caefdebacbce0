package riscv64

import (
	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

func (m *machine) lowerS128Const(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	lo, hi := n.S128Value()
	dst := []backend.InstructionOperand{g.DefineAsRegister(n)}
	switch {
	case lo == 0 && hi == 0:
		s.Emit(backend.NewInstructionCode(opS128Zero), dst, nil, nil)
	case lo == ^uint64(0) && hi == ^uint64(0):
		s.Emit(backend.NewInstructionCode(opS128AllOnes), dst, nil, nil)
	default:
		s.Emit(backend.NewInstructionCode(opS128Const), dst, []backend.InstructionOperand{
			g.TempImmediate(int32(uint32(lo))),
			g.TempImmediate(int32(uint32(lo >> 32))),
			g.TempImmediate(int32(uint32(hi))),
			g.TempImmediate(int32(uint32(hi >> 32))),
		}, nil)
	}
}

// vtype returns the element width and group multiplier inputs of a vector op.
func vtype(g operandGenerator, sew, lmul int32) (backend.InstructionOperand, backend.InstructionOperand) {
	return g.TempImmediate(sew), g.TempImmediate(lmul)
}

// Gather indices selecting the even and the odd lanes, as the low 64 bits of an index vector.
const (
	evenLanesE16 = 0x0006000400020000
	oddLanesE16  = 0x0007000500030001
	evenLanesE8  = 0x0E0C0A0806040200
	oddLanesE8   = 0x0F0D0B0907050301
)

// lowerExtAddPairwise gathers the even and the odd lanes into two temps and adds them widening.
func (m *machine) lowerExtAddPairwise(s *backend.InstructionSelector, n *ir.Node, sew int32, add backend.ArchOpcode) {
	g := newOperandGenerator(s)
	even, odd := int64(evenLanesE16), int64(oddLanesE16)
	if sew == e8 {
		even, odd = evenLanesE8, oddLanesE8
	}
	src := g.UseUniqueRegister(n.InputAt(0))
	t1, t2 := g.TempSimd128Register(), g.TempSimd128Register()

	sewOp, lmulOp := vtype(g, sew, m1)
	s.Emit(backend.NewInstructionCode(opVrgather), []backend.InstructionOperand{t1},
		[]backend.InstructionOperand{src, g.UseImmediate64(even), sewOp, lmulOp}, nil)
	s.Emit(backend.NewInstructionCode(opVrgather), []backend.InstructionOperand{t2},
		[]backend.InstructionOperand{src, g.UseImmediate64(odd), sewOp, lmulOp}, nil)

	sewOp, lmulOp = vtype(g, sew, mf2)
	s.Emit(backend.NewInstructionCode(add), []backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{t1, t2, sewOp, lmulOp}, nil)
}

// lowerDotI16x8S multiplies widening into a register group, compresses the even and the odd
// products apart and adds them.
func (m *machine) lowerDotI16x8S(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	const (
		evenMask = 0b01010101
		oddMask  = 0b10101010
	)
	products := g.TempFixedRegister(v16, regalloc.RegTypeSimd128)
	evens := g.TempFixedRegister(v30, regalloc.RegTypeSimd128)
	odds := g.TempFixedRegister(v14, regalloc.RegTypeSimd128)

	sewOp, lmulOp := vtype(g, e16, m1)
	s.Emit(backend.NewInstructionCode(opVwmul), []backend.InstructionOperand{products},
		[]backend.InstructionOperand{g.UseRegister(n.InputAt(0)), g.UseRegister(n.InputAt(1)), sewOp, lmulOp}, nil)

	sewOp, lmulOp = vtype(g, e32, m2)
	s.Emit(backend.NewInstructionCode(opVcompress), []backend.InstructionOperand{evens},
		[]backend.InstructionOperand{products, g.TempImmediate(evenMask), sewOp, lmulOp}, nil)
	s.Emit(backend.NewInstructionCode(opVcompress), []backend.InstructionOperand{odds},
		[]backend.InstructionOperand{products, g.TempImmediate(oddMask), sewOp, lmulOp}, nil)

	sewOp, lmulOp = vtype(g, e32, m1)
	s.Emit(backend.NewInstructionCode(opVaddVv), []backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{evens, odds, sewOp, lmulOp}, nil)
}

func (m *machine) lowerSwizzle(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	sewOp, lmulOp := vtype(g, e8, m1)
	// The output is written before the gather reads its inputs.
	s.Emit(backend.NewInstructionCode(opVrgather), []backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseUniqueRegister(n.InputAt(0)), g.UseUniqueRegister(n.InputAt(1)), sewOp, lmulOp},
		[]backend.InstructionOperand{g.TempSimd128Register()})
}

func (m *machine) lowerExtMulLow(s *backend.InstructionSelector, n *ir.Node, sew int32, mul backend.ArchOpcode) {
	g := newOperandGenerator(s)
	sewOp, lmulOp := vtype(g, sew, mf2)
	s.Emit(backend.NewInstructionCode(mul), []backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseUniqueRegister(n.InputAt(0)), g.UseUniqueRegister(n.InputAt(1)), sewOp, lmulOp}, nil)
}

// lowerExtMulHigh slides the high half of both inputs down into v16 and v17 and multiplies those
// like the low half.
func (m *machine) lowerExtMulHigh(s *backend.InstructionSelector, n *ir.Node, sew int32, mul backend.ArchOpcode) {
	g := newOperandGenerator(s)
	laneBits := int32(8) << sew
	half := g.TempImmediate(vlen / laneBits / 2)
	hi1 := g.TempFixedRegister(v16, regalloc.RegTypeSimd128)
	hi2 := g.TempFixedRegister(v17, regalloc.RegTypeSimd128)

	sewOp, lmulOp := vtype(g, sew, m1)
	s.Emit(backend.NewInstructionCode(opVslidedown), []backend.InstructionOperand{hi1},
		[]backend.InstructionOperand{g.UseUniqueRegister(n.InputAt(0)), half, sewOp, lmulOp}, nil)
	s.Emit(backend.NewInstructionCode(opVslidedown), []backend.InstructionOperand{hi2},
		[]backend.InstructionOperand{g.UseUniqueRegister(n.InputAt(1)), half, sewOp, lmulOp}, nil)

	sewOp, lmulOp = vtype(g, sew, mf2)
	s.Emit(backend.NewInstructionCode(mul), []backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{hi1, hi2, sewOp, lmulOp}, nil)
}
