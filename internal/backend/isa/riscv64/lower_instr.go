package riscv64

import (
	"math/bits"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
)

// lowerBinop lowers a two input ALU node. An immediate is taken from the right input, or from the
// left one when reverseOp computes the same result with swapped inputs. cont may be nil.
func (m *machine) lowerBinop(s *backend.InstructionSelector, n *ir.Node, op backend.ArchOpcode,
	hasReverse bool, reverseOp backend.ArchOpcode, cont *backend.FlagsContinuation,
) {
	g := newOperandGenerator(s)
	left, right := n.InputAt(0), n.InputAt(1)
	code := backend.NewInstructionCode(op)

	if cont == nil {
		none := backend.FlagsContinuation{}
		cont = &none
	}
	// Same-as-first output needs the first input in a register, never the zero register.
	first := g.useRegisterOrImmediateZero
	if cont.IsDeoptimize() {
		first = g.UseRegister
	}

	var inputs [2]backend.InstructionOperand
	switch {
	case g.canBeImmediate(right, op):
		code = code.WithAddressingMode(backend.ModeMRI)
		inputs[0] = first(left)
		inputs[1] = g.UseImmediate(right)
	case hasReverse && g.canBeImmediate(left, reverseOp):
		code = backend.NewInstructionCode(reverseOp).WithAddressingMode(backend.ModeMRI)
		inputs[0] = first(right)
		inputs[1] = g.UseImmediate(left)
	default:
		inputs[0] = g.UseRegister(left)
		inputs[1] = g.useOperand(right, op)
	}

	var output backend.InstructionOperand
	if cont.IsDeoptimize() {
		// The deopt inputs are read after the operation; same-as-first keeps the result out of them.
		output = g.DefineSameAsFirst(n)
	} else {
		output = g.DefineAsRegister(n)
	}
	s.EmitWithContinuation(code, []backend.InstructionOperand{output}, inputs[:], nil, cont)
}

// lowerWithOverflow lowers Int32{Add,Sub,Mul}WithOverflow used on its own. When the overflow
// projection is consumed by a branch or deopt it is fused there instead.
func (m *machine) lowerWithOverflow(s *backend.InstructionSelector, n *ir.Node, op backend.ArchOpcode) {
	if ovf := n.FindProjection(1); ovf != nil {
		cont := backend.ForSet(backend.CondOverflow, ovf)
		m.lowerBinop(s, n, op, false, 0, &cont)
		return
	}
	m.lowerBinop(s, n, op, false, 0, nil)
}

func (m *machine) lowerInt32Mul(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	left := n.InputAt(0)
	if v, ok := n.InputAt(1).IntegerValue(); ok && v > 0 {
		value := uint32(v)
		if bits.OnesCount32(value) == 1 {
			s.Emit(backend.NewInstructionCode(opShl32),
				[]backend.InstructionOperand{g.DefineAsRegister(n)},
				[]backend.InstructionOperand{g.UseRegister(left), g.TempImmediate(int32(bits.TrailingZeros32(value)))}, nil)
			return
		}
		if bits.OnesCount32(value+1) == 1 {
			// x * (2^k - 1) = (x << k) - x
			temp := g.TempRegister()
			s.Emit(backend.NewInstructionCode(opShl32),
				[]backend.InstructionOperand{temp},
				[]backend.InstructionOperand{g.UseRegister(left), g.TempImmediate(int32(bits.TrailingZeros32(value + 1)))}, nil)
			s.Emit(backend.NewInstructionCode(opSub32),
				[]backend.InstructionOperand{g.DefineAsRegister(n)},
				[]backend.InstructionOperand{temp, g.UseRegister(left)}, nil)
			return
		}
	}
	m.lowerRRR(s, opMul32, n)
}

func (m *machine) lowerDiv(s *backend.InstructionSelector, op backend.ArchOpcode, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineSameAsFirst(n)},
		[]backend.InstructionOperand{g.UseRegister(n.InputAt(0)), g.UseRegister(n.InputAt(1))}, nil)
}

func (m *machine) lowerWord32Shl(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	left, right := n.InputAt(0), n.InputAt(1)
	shift, ok := right.IntegerValue()
	if ok && shift >= 1 && shift <= 31 && left.Opcode() == ir.OpcodeWord32And && s.CanCover(n, left) {
		// Word32Shl(Word32And(x, mask), imm) is Shl(x, imm) when mask is contiguous from bit 0 and
		// every bit it clears is shifted out anyway.
		if v, ok := left.InputAt(1).IntegerValue(); ok {
			mask := uint32(v)
			width := bits.OnesCount32(mask)
			if width != 0 && bits.LeadingZeros32(mask)+width == 32 && int(shift)+width >= 32 {
				s.Emit(backend.NewInstructionCode(opShl32),
					[]backend.InstructionOperand{g.DefineAsRegister(n)},
					[]backend.InstructionOperand{g.UseRegister(left.InputAt(0)), g.UseImmediate(right)}, nil)
				return
			}
		}
	}
	m.lowerRRO(s, opShl32, n)
}

func (m *machine) lowerWord32Sar(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	left := n.InputAt(0)
	if left.Opcode() == ir.OpcodeWord32Shl && s.CanCover(n, left) {
		sar, ok1 := n.InputAt(1).IntegerValue()
		shl, ok2 := left.InputAt(1).IntegerValue()
		if ok1 && ok2 && sar == shl {
			x := left.InputAt(0)
			switch sar {
			case 16:
				m.emitRR(s, opSignExtendShort, n, x)
				return
			case 24:
				m.emitRR(s, opSignExtendByte, n, x)
				return
			case 32:
				s.Emit(backend.NewInstructionCode(opShl32),
					[]backend.InstructionOperand{g.DefineAsRegister(n)},
					[]backend.InstructionOperand{g.UseRegister(x), g.TempImmediate(0)}, nil)
				return
			}
		}
	}
	m.lowerRRO(s, opSar32, n)
}

// emitRR defines n as op applied to x, which need not be an input of n.
func (m *machine) emitRR(s *backend.InstructionSelector, op backend.ArchOpcode, n, x *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(op),
		[]backend.InstructionOperand{g.DefineAsRegister(n)},
		[]backend.InstructionOperand{g.UseRegister(x)}, nil)
}

func (m *machine) lowerTruncateInt64ToInt32(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	value := n.InputAt(0)
	if value.Opcode() == ir.OpcodeWord64Sar && s.CanCover(n, value) {
		if shift, ok := value.InputAt(1).IntegerValue(); ok && shift >= 32 && shift <= 63 {
			// The upper half shifted down is already a sign extended 32-bit value.
			s.Emit(backend.NewInstructionCode(opSar64),
				[]backend.InstructionOperand{g.DefineAsRegister(n)},
				[]backend.InstructionOperand{g.UseRegister(value.InputAt(0)), g.UseImmediate(value.InputAt(1))}, nil)
			return
		}
	}
	m.lowerRR(s, opSignExtendWord, n)
}

func (m *machine) lowerChangeInt32ToInt64(s *backend.InstructionSelector, n *ir.Node) {
	value := n.InputAt(0)
	if value.Opcode() == ir.OpcodeLoad && s.CanCover(n, value) {
		// Sign extending loads produce the 64-bit value directly.
		var op backend.ArchOpcode
		switch value.Rep() {
		case ir.RepWord8:
			op = opLb
			if !value.LoadSigned() {
				op = opLbu
			}
		case ir.RepWord16:
			op = opLh
			if !value.LoadSigned() {
				op = opLhu
			}
		case ir.RepWord32:
			op = opLw
		}
		if op != 0 {
			m.lowerLoad(s, value, op, n)
			return
		}
	}
	m.lowerRR(s, opSignExtendWord, n)
}

func (m *machine) lowerTruncateFloat64ToFloat32(s *backend.InstructionSelector, n *ir.Node) {
	value := n.InputAt(0)
	if value.Opcode() == ir.OpcodeChangeInt32ToFloat64 && s.CanCover(n, value) {
		m.emitRR(s, opCvtSW, n, value.InputAt(0))
		return
	}
	m.lowerRR(s, opCvtSD, n)
}

// lowerFloat64Mod calls out to the C fmod with the C calling convention.
func (m *machine) lowerFloat64Mod(s *backend.InstructionSelector, n *ir.Node) {
	g := newOperandGenerator(s)
	s.Emit(backend.NewInstructionCode(opModD),
		[]backend.InstructionOperand{g.DefineAsFixed(n, fa0)},
		[]backend.InstructionOperand{g.UseFixed(n.InputAt(0), fa0), g.UseFixed(n.InputAt(1), fa1)}, nil).MarkAsCall()
}
