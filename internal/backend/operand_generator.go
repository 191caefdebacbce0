package backend

import (
	"math"

	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// OperandGenerator creates the operands of instructions for IR nodes. Every Define* marks the
// node defined and every Use* except the immediate forms marks it used.
type OperandGenerator struct {
	s *InstructionSelector
}

// OperandGenerator returns the generator bound to s.
func (s *InstructionSelector) OperandGenerator() OperandGenerator { return OperandGenerator{s: s} }

// Selector returns the selector this generator emits for.
func (g OperandGenerator) Selector() *InstructionSelector { return g.s }

func (g OperandGenerator) define(n *ir.Node, op InstructionOperand) InstructionOperand {
	g.s.MarkAsDefined(n)
	return op
}

func (g OperandGenerator) use(n *ir.Node, op InstructionOperand) InstructionOperand {
	g.s.MarkAsUsed(n)
	return op
}

// DefineAsRegister requires the result of n in a register.
func (g OperandGenerator) DefineAsRegister(n *ir.Node) InstructionOperand {
	return g.define(n, newUnallocated(g.s.VirtualRegister(n), PolicyMustHaveRegister, false))
}

// DefineSameAsFirst requires the result of n in the register of the first input.
func (g OperandGenerator) DefineSameAsFirst(n *ir.Node) InstructionOperand {
	return g.DefineSameAsInput(n, 0)
}

// DefineSameAsInput requires the result of n in the register of the given input.
func (g OperandGenerator) DefineSameAsInput(n *ir.Node, input int) InstructionOperand {
	op := newUnallocated(g.s.VirtualRegister(n), PolicySameAsInput, false)
	op.index = int32(input)
	return g.define(n, op)
}

// DefineAsFixed requires the result of n in reg.
func (g OperandGenerator) DefineAsFixed(n *ir.Node, reg regalloc.RealReg) InstructionOperand {
	op := newUnallocated(g.s.VirtualRegister(n), PolicyFixedRegister, false)
	op.reg = reg
	return g.define(n, op)
}

// DefineAsConstant records the constant value of n so the allocator can rematerialize it.
func (g OperandGenerator) DefineAsConstant(n *ir.Node) InstructionOperand {
	v := g.s.VirtualRegister(n)
	g.s.seq.constants[v] = g.ToConstant(n)
	return g.define(n, InstructionOperand{kind: OperandConstant, vreg: v})
}

// Use accepts the value of n in any location.
func (g OperandGenerator) Use(n *ir.Node) InstructionOperand {
	return g.use(n, newUnallocated(g.s.VirtualRegister(n), PolicyAny, true))
}

// UseAny accepts the value of n in a register, a stack slot or as a constant.
func (g OperandGenerator) UseAny(n *ir.Node) InstructionOperand {
	return g.UseRegisterOrSlotOrConstant(n)
}

// UseRegisterOrSlotOrConstant accepts the value of n in a register, a stack slot or as a constant.
func (g OperandGenerator) UseRegisterOrSlotOrConstant(n *ir.Node) InstructionOperand {
	return g.use(n, newUnallocated(g.s.VirtualRegister(n), PolicyRegisterOrSlotOrConstant, true))
}

// UseRegister requires n in a register which outputs may reuse.
func (g OperandGenerator) UseRegister(n *ir.Node) InstructionOperand {
	return g.use(n, newUnallocated(g.s.VirtualRegister(n), PolicyMustHaveRegister, true))
}

// UseUniqueRegister requires n in a register no output or temp of the instruction shares.
func (g OperandGenerator) UseUniqueRegister(n *ir.Node) InstructionOperand {
	return g.use(n, newUnallocated(g.s.VirtualRegister(n), PolicyMustHaveRegister, false))
}

// UseFixed requires n in reg.
func (g OperandGenerator) UseFixed(n *ir.Node, reg regalloc.RealReg) InstructionOperand {
	op := newUnallocated(g.s.VirtualRegister(n), PolicyFixedRegister, false)
	op.reg = reg
	return g.use(n, op)
}

// UseImmediate encodes the constant n into the instruction. n is not marked used.
func (g OperandGenerator) UseImmediate(n *ir.Node) InstructionOperand {
	return g.s.seq.addImmediate(g.ToConstant(n))
}

// UseNegatedImmediate encodes the negated integer constant n.
func (g OperandGenerator) UseNegatedImmediate(n *ir.Node) InstructionOperand {
	c := g.ToConstant(n)
	switch c.Type {
	case ConstantInt32:
		c.Value = int64(-int32(c.Value))
	case ConstantInt64:
		c.Value = -c.Value
	default:
		panic("BUG: negating a non integer constant")
	}
	return g.s.seq.addImmediate(c)
}

// UseImmediate64 encodes a 64-bit literal. Values outside int32 go to the immediates table.
func (g OperandGenerator) UseImmediate64(v int64) InstructionOperand {
	return g.s.seq.addImmediate(Int64Constant(v))
}

// TempImmediate encodes a 32-bit literal.
func (g OperandGenerator) TempImmediate(v int32) InstructionOperand {
	return g.s.seq.addImmediate(Int32Constant(v))
}

// TempConstant materializes the integer c in a fresh virtual register and returns a register
// use of it. The defining ArchNop is emitted before the instruction that takes the operand.
func (g OperandGenerator) TempConstant(c Constant) InstructionOperand {
	v := g.s.seq.newVReg(regalloc.RegTypeInt)
	g.s.seq.constants[v] = c
	g.s.Emit(NewInstructionCode(ArchNop), []InstructionOperand{{kind: OperandConstant, vreg: v}}, nil, nil)
	return newUnallocated(v, PolicyMustHaveRegister, true)
}

// TempRegister returns a fresh integer register live only inside the instruction.
func (g OperandGenerator) TempRegister() InstructionOperand {
	return newUnallocated(g.s.seq.newVReg(regalloc.RegTypeInt), PolicyMustHaveRegister, false)
}

// TempSimd128Register returns a fresh vector register live only inside the instruction.
func (g OperandGenerator) TempSimd128Register() InstructionOperand {
	return newUnallocated(g.s.seq.newVReg(regalloc.RegTypeSimd128), PolicyMustHaveRegister, false)
}

// TempFixedRegister returns a temp pinned to reg of the given class.
func (g OperandGenerator) TempFixedRegister(reg regalloc.RealReg, typ regalloc.RegType) InstructionOperand {
	op := newUnallocated(g.s.seq.newVReg(typ), PolicyFixedRegister, false)
	op.reg = reg
	return op
}

// Label returns the operand naming block b as a jump target.
func (g OperandGenerator) Label(b *ir.Block) InstructionOperand {
	return g.s.seq.addImmediate(RpoConstant(int(b.ID())))
}

// ToConstant returns the Constant of a constant node.
func (g OperandGenerator) ToConstant(n *ir.Node) Constant {
	switch n.Opcode() {
	case ir.OpcodeInt32Constant:
		return Int32Constant(n.Int32Value())
	case ir.OpcodeInt64Constant:
		return Int64Constant(n.Int64Value())
	case ir.OpcodeFloat32Constant:
		return Constant{Type: ConstantFloat32, Value: int64(math.Float32bits(n.Float32Value()))}
	case ir.OpcodeFloat64Constant:
		return Float64Constant(n.Float64Value())
	case ir.OpcodeHeapConstant:
		return Constant{Type: ConstantHeapObject, Root: n.Root()}
	case ir.OpcodeCompressedHeapConstant:
		c := Constant{Type: ConstantCompressedHeapObject, Root: n.Root()}
		if n.Root().IsReadOnly() {
			c.Value = int64(n.Root().ReadOnlyRootPtr())
		}
		return c
	default:
		panic("BUG: not a constant: " + n.Opcode().String())
	}
}

// IsIntegerConstant returns true for Int32Constant and Int64Constant.
func (g OperandGenerator) IsIntegerConstant(n *ir.Node) bool {
	_, ok := n.IntegerValue()
	return ok
}

// IsFloatConstant returns true for Float32Constant and Float64Constant.
func (g OperandGenerator) IsFloatConstant(n *ir.Node) bool {
	return n.Opcode() == ir.OpcodeFloat32Constant || n.Opcode() == ir.OpcodeFloat64Constant
}
