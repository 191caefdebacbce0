// Package riscv64 lowers ir graphs into RV64GCV instructions.
package riscv64

// Files prefixed as lower_* do the instruction selection. Like the rest of the backend, they
// match trees: a user folds the single-use nodes it covers into its own instruction, and the
// selector then skips the folded nodes.

import (
	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

type machine struct{}

// NewMachine returns the RISC-V backend.Machine.
func NewMachine() backend.Machine { return &machine{} }

// NewInstructionSelector returns a selector lowering to RISC-V.
func NewInstructionSelector(opts backend.Options, logger *zap.Logger) *backend.InstructionSelector {
	return backend.NewInstructionSelector(NewMachine(), opts, logger)
}

// Arity implements backend.Machine.
func (m *machine) Arity(op backend.ArchOpcode) (backend.Arity, bool) {
	info, ok := opcodeInfoOf(op)
	return info.arity, ok
}

// OpcodeName implements backend.Machine.
func (m *machine) OpcodeName(op backend.ArchOpcode) string {
	if info, ok := opcodeInfoOf(op); ok {
		return info.name
	}
	return backend.DefaultOpcodeName(op)
}

var (
	intArgRegs   = [...]regalloc.RealReg{a0, a1, x12, x13, x14, x15, x16, x17}
	floatArgRegs = [...]regalloc.RealReg{fa0, fa1, f12, f13, f14, f15, f16, f17}
	simdArgRegs  = [...]regalloc.RealReg{v8, v9, v10, v11, v12, v13, v14, v15}
)

func argRegister(index int, rep ir.MachineRepresentation) regalloc.RealReg {
	var regs []regalloc.RealReg
	switch backend.RegTypeOf(rep) {
	case regalloc.RegTypeFloat:
		regs = floatArgRegs[:]
	case regalloc.RegTypeSimd128:
		regs = simdArgRegs[:]
	default:
		regs = intArgRegs[:]
	}
	if index >= len(regs) {
		panic("unimplemented: stack passed parameters")
	}
	return regs[index]
}

// ParameterRegister implements backend.Machine.
func (m *machine) ParameterRegister(index int, rep ir.MachineRepresentation) regalloc.RealReg {
	return argRegister(index, rep)
}

// ReturnRegister implements backend.Machine.
func (m *machine) ReturnRegister(index int, rep ir.MachineRepresentation) regalloc.RealReg {
	if index > 1 {
		panic("unimplemented: more than two return values")
	}
	return argRegister(index, rep)
}

// VisitNode implements backend.Machine.
func (m *machine) VisitNode(s *backend.InstructionSelector, n *ir.Node) {
	switch op := n.Opcode(); op {
	case ir.OpcodeS128Const:
		m.lowerS128Const(s, n)

	case ir.OpcodeWord32And:
		m.lowerBinop(s, n, opAnd32, true, opAnd32, nil)
	case ir.OpcodeWord32Or:
		m.lowerBinop(s, n, opOr32, true, opOr32, nil)
	case ir.OpcodeWord32Xor:
		m.lowerBinop(s, n, opXor32, true, opXor32, nil)
	case ir.OpcodeWord64And:
		m.lowerBinop(s, n, opAnd, true, opAnd, nil)
	case ir.OpcodeWord64Or:
		m.lowerBinop(s, n, opOr, true, opOr, nil)
	case ir.OpcodeWord64Xor:
		m.lowerBinop(s, n, opXor, true, opXor, nil)
	case ir.OpcodeInt32Add:
		m.lowerBinop(s, n, opAdd32, true, opAdd32, nil)
	case ir.OpcodeInt64Add:
		m.lowerBinop(s, n, opAdd64, true, opAdd64, nil)
	case ir.OpcodeInt32Sub:
		m.lowerBinop(s, n, opSub32, false, 0, nil)
	case ir.OpcodeInt64Sub:
		m.lowerBinop(s, n, opSub64, false, 0, nil)
	case ir.OpcodeInt32Mul:
		m.lowerInt32Mul(s, n)
	case ir.OpcodeInt64Mul:
		m.lowerRRR(s, opMul64, n)
	case ir.OpcodeInt32Div:
		m.lowerDiv(s, opDiv32, n)
	case ir.OpcodeUint32Div:
		m.lowerDiv(s, opDivU32, n)
	case ir.OpcodeInt32Mod:
		m.lowerRRR(s, opMod32, n)
	case ir.OpcodeWord32Shl:
		m.lowerWord32Shl(s, n)
	case ir.OpcodeWord32Shr:
		m.lowerRRO(s, opShr32, n)
	case ir.OpcodeWord32Sar:
		m.lowerWord32Sar(s, n)
	case ir.OpcodeWord64Shl:
		m.lowerRRO(s, opShl64, n)
	case ir.OpcodeWord64Shr:
		m.lowerRRO(s, opShr64, n)
	case ir.OpcodeWord64Sar:
		m.lowerRRO(s, opSar64, n)

	case ir.OpcodeInt32AddWithOverflow:
		m.lowerWithOverflow(s, n, opAddOvf32)
	case ir.OpcodeInt32SubWithOverflow:
		m.lowerWithOverflow(s, n, opSubOvf32)
	case ir.OpcodeInt32MulWithOverflow:
		m.lowerWithOverflow(s, n, opMulOvf32)

	case ir.OpcodeWord32Equal, ir.OpcodeInt32LessThan, ir.OpcodeInt32LessThanOrEqual,
		ir.OpcodeUint32LessThan, ir.OpcodeUint32LessThanOrEqual,
		ir.OpcodeWord64Equal, ir.OpcodeInt64LessThan, ir.OpcodeInt64LessThanOrEqual,
		ir.OpcodeUint64LessThan, ir.OpcodeUint64LessThanOrEqual:
		m.lowerIntegerCompare(s, n)
	case ir.OpcodeFloat32Equal, ir.OpcodeFloat32LessThan, ir.OpcodeFloat32LessThanOrEqual,
		ir.OpcodeFloat64Equal, ir.OpcodeFloat64LessThan, ir.OpcodeFloat64LessThanOrEqual:
		cont := backend.ForSet(floatCondition(op), n)
		m.lowerFloatCompare(s, n, &cont)

	case ir.OpcodeTruncateInt64ToInt32:
		m.lowerTruncateInt64ToInt32(s, n)
	case ir.OpcodeChangeInt32ToInt64:
		m.lowerChangeInt32ToInt64(s, n)
	case ir.OpcodeChangeUint32ToUint64:
		m.lowerRR(s, opZeroExtendWord, n)
	case ir.OpcodeChangeInt32ToFloat64:
		m.lowerRR(s, opCvtDW, n)
	case ir.OpcodeChangeFloat32ToFloat64:
		m.lowerRR(s, opCvtDS, n)
	case ir.OpcodeTruncateFloat64ToFloat32:
		m.lowerTruncateFloat64ToFloat32(s, n)
	case ir.OpcodeTruncateFloat64ToInt32:
		m.lowerRR(s, backend.ArchTruncateDoubleToI, n)
	case ir.OpcodeBitcastFloat64ToInt64:
		m.lowerRR(s, opBitcastDL, n)
	case ir.OpcodeBitcastInt64ToFloat64:
		m.lowerRR(s, opBitcastLD, n)

	case ir.OpcodeFloat32Add:
		m.lowerRRR(s, opAddS, n)
	case ir.OpcodeFloat32Sub:
		m.lowerRRR(s, opSubS, n)
	case ir.OpcodeFloat32Mul:
		m.lowerRRR(s, opMulS, n)
	case ir.OpcodeFloat32Div:
		m.lowerRRR(s, opDivS, n)
	case ir.OpcodeFloat64Add:
		m.lowerRRR(s, opAddD, n)
	case ir.OpcodeFloat64Sub:
		m.lowerRRR(s, opSubD, n)
	case ir.OpcodeFloat64Mul:
		m.lowerRRR(s, opMulD, n)
	case ir.OpcodeFloat64Div:
		m.lowerRRR(s, opDivD, n)
	case ir.OpcodeFloat64Mod:
		m.lowerFloat64Mod(s, n)
	case ir.OpcodeFloat64Neg:
		m.lowerRR(s, opNegD, n)

	case ir.OpcodeLoad:
		m.lowerLoad(s, n, loadOpcode(n.Rep(), n.LoadSigned()), n)
	case ir.OpcodeStore:
		m.lowerStore(s, n)
	case ir.OpcodeWord32AtomicExchange, ir.OpcodeWord64AtomicExchange,
		ir.OpcodeWord32AtomicCompareExchange, ir.OpcodeWord64AtomicCompareExchange:
		m.lowerAtomic(s, n)

	case ir.OpcodeI8x16Add:
		m.lowerRRR(s, opI8x16Add, n)
	case ir.OpcodeI16x8Add:
		m.lowerRRR(s, opI16x8Add, n)
	case ir.OpcodeI32x4Add:
		m.lowerRRR(s, opI32x4Add, n)
	case ir.OpcodeI32x4Sub:
		m.lowerRRR(s, opI32x4Sub, n)
	case ir.OpcodeI32x4Mul:
		m.lowerRRR(s, opI32x4Mul, n)
	case ir.OpcodeS128And:
		m.lowerRRR(s, opS128And, n)
	case ir.OpcodeS128Or:
		m.lowerRRR(s, opS128Or, n)
	case ir.OpcodeS128Xor:
		m.lowerRRR(s, opS128Xor, n)
	case ir.OpcodeF32x4Pmin:
		m.lowerUniqueRRR(s, opF32x4Pmin, n)
	case ir.OpcodeF32x4Pmax:
		m.lowerUniqueRRR(s, opF32x4Pmax, n)
	case ir.OpcodeF64x2Pmin:
		m.lowerUniqueRRR(s, opF64x2Pmin, n)
	case ir.OpcodeF64x2Pmax:
		m.lowerUniqueRRR(s, opF64x2Pmax, n)
	case ir.OpcodeI8x16Swizzle:
		m.lowerSwizzle(s, n)
	case ir.OpcodeI16x8ExtAddPairwiseI8x16S:
		m.lowerExtAddPairwise(s, n, e8, opVwadd)
	case ir.OpcodeI16x8ExtAddPairwiseI8x16U:
		m.lowerExtAddPairwise(s, n, e8, opVwaddu)
	case ir.OpcodeI32x4ExtAddPairwiseI16x8S:
		m.lowerExtAddPairwise(s, n, e16, opVwadd)
	case ir.OpcodeI32x4ExtAddPairwiseI16x8U:
		m.lowerExtAddPairwise(s, n, e16, opVwaddu)
	case ir.OpcodeI32x4DotI16x8S:
		m.lowerDotI16x8S(s, n)
	case ir.OpcodeI16x8ExtMulLowI8x16S:
		m.lowerExtMulLow(s, n, e8, opVwmul)
	case ir.OpcodeI16x8ExtMulLowI8x16U:
		m.lowerExtMulLow(s, n, e8, opVwmulu)
	case ir.OpcodeI32x4ExtMulLowI16x8S:
		m.lowerExtMulLow(s, n, e16, opVwmul)
	case ir.OpcodeI16x8ExtMulHighI8x16S:
		m.lowerExtMulHigh(s, n, e8, opVwmul)
	case ir.OpcodeI16x8ExtMulHighI8x16U:
		m.lowerExtMulHigh(s, n, e8, opVwmulu)
	case ir.OpcodeI32x4ExtMulHighI16x8S:
		m.lowerExtMulHigh(s, n, e16, opVwmul)

	default:
		panic("unimplemented: lowering " + op.String())
	}
}

func (m *machine) lowerRR(s *backend.InstructionSelector, op backend.ArchOpcode, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseRegister(n.InputAt(0))}, nil)
}

func (m *machine) lowerRRR(s *backend.InstructionSelector, op backend.ArchOpcode, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseRegister(n.InputAt(0)), g.UseRegister(n.InputAt(1))}, nil)
}

// lowerUniqueRRR keeps both inputs out of the output register.
func (m *machine) lowerUniqueRRR(s *backend.InstructionSelector, op backend.ArchOpcode, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseUniqueRegister(n.InputAt(0)), g.UseUniqueRegister(n.InputAt(1))}, nil)
}

// lowerRRO takes the second input as an immediate when it fits op.
func (m *machine) lowerRRO(s *backend.InstructionSelector, op backend.ArchOpcode, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseRegister(n.InputAt(0)), g.useOperand(n.InputAt(1), op)}, nil)
}
