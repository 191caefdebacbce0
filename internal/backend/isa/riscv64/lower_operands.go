package riscv64

import (
	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
)

// operandGenerator adds the RISC-V immediate rules to backend.OperandGenerator.
type operandGenerator struct {
	backend.OperandGenerator
}

func newOperandGenerator(s *backend.InstructionSelector) operandGenerator {
	return operandGenerator{s.OperandGenerator()}
}

// useOperand returns an immediate if n can be encoded as the immediate of op, a register otherwise.
func (g operandGenerator) useOperand(n *ir.Node, op backend.ArchOpcode) backend.InstructionOperand {
	if g.canBeImmediate(n, op) {
		return g.UseImmediate(n)
	}
	return g.UseRegister(n)
}

// useRegisterOrImmediateZero uses the zero register for an integer 0 or a +0.0 float. -0.0 has a
// non zero bit pattern and gets a register.
func (g operandGenerator) useRegisterOrImmediateZero(n *ir.Node) backend.InstructionOperand {
	if isZero(n) {
		return g.UseImmediate(n)
	}
	return g.UseRegister(n)
}

func isZero(n *ir.Node) bool {
	if v, ok := n.IntegerValue(); ok {
		return v == 0
	}
	switch n.Opcode() {
	case ir.OpcodeFloat32Constant, ir.OpcodeFloat64Constant:
		return n.FloatBits() == 0
	}
	return false
}

// canBeImmediate returns true if the constant n fits the immediate of op.
func (g operandGenerator) canBeImmediate(n *ir.Node, op backend.ArchOpcode) bool {
	if v, ok := n.IntegerValue(); ok {
		return ImmediateFits(v, op)
	}
	if n.Opcode() != ir.OpcodeCompressedHeapConstant {
		return false
	}
	opts := g.Selector().Options()
	if !opts.CompressPointers {
		return false
	}
	// Without static roots the snapshot does not know where the roots end up.
	if opts.Bootstrapper && !opts.StaticRoots {
		return false
	}
	root := n.Root()
	if !root.IsReadOnly() {
		return false
	}
	return ImmediateFits(int64(root.ReadOnlyRootPtr()), op)
}
