package riscv64

import (
	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
)

// integerCondition returns the condition an integer compare node tests.
func integerCondition(op ir.Opcode) backend.FlagsCondition {
	switch op {
	case ir.OpcodeWord32Equal, ir.OpcodeWord64Equal:
		return backend.CondEqual
	case ir.OpcodeInt32LessThan, ir.OpcodeInt64LessThan:
		return backend.CondSignedLessThan
	case ir.OpcodeInt32LessThanOrEqual, ir.OpcodeInt64LessThanOrEqual:
		return backend.CondSignedLessThanOrEqual
	case ir.OpcodeUint32LessThan, ir.OpcodeUint64LessThan:
		return backend.CondUnsignedLessThan
	case ir.OpcodeUint32LessThanOrEqual, ir.OpcodeUint64LessThanOrEqual:
		return backend.CondUnsignedLessThanOrEqual
	default:
		panic("BUG: not an integer compare: " + op.String())
	}
}

// floatCondition returns the condition a float compare node tests. The unsigned conditions are
// the ordered ones: they are false when either input is NaN, and their negations are true.
func floatCondition(op ir.Opcode) backend.FlagsCondition {
	switch op {
	case ir.OpcodeFloat32Equal, ir.OpcodeFloat64Equal:
		return backend.CondEqual
	case ir.OpcodeFloat32LessThan, ir.OpcodeFloat64LessThan:
		return backend.CondUnsignedLessThan
	case ir.OpcodeFloat32LessThanOrEqual, ir.OpcodeFloat64LessThanOrEqual:
		return backend.CondUnsignedLessThanOrEqual
	default:
		panic("BUG: not a float compare: " + op.String())
	}
}

func is32BitCompare(op ir.Opcode) bool {
	switch op {
	case ir.OpcodeWord32Equal, ir.OpcodeInt32LessThan, ir.OpcodeInt32LessThanOrEqual,
		ir.OpcodeUint32LessThan, ir.OpcodeUint32LessThanOrEqual:
		return true
	}
	return false
}

func isFloat32Compare(op ir.Opcode) bool {
	switch op {
	case ir.OpcodeFloat32Equal, ir.OpcodeFloat32LessThan, ir.OpcodeFloat32LessThanOrEqual:
		return true
	}
	return false
}

// lowerIntegerCompare lowers an integer compare whose boolean result is materialized.
func (m *machine) lowerIntegerCompare(s *backend.InstructionSelector, n *ir.Node) {
	op := n.Opcode()
	cont := backend.ForSet(integerCondition(op), n)
	if op == ir.OpcodeWord32Equal || op == ir.OpcodeWord64Equal {
		if isZero(n.InputAt(1)) {
			m.VisitWordCompareZero(s, n, n.InputAt(0), &cont)
			return
		}
	}
	cmp := opCmp
	if is32BitCompare(op) {
		cmp = opCmp32
	}
	m.lowerWordCompare(s, n, cmp, &cont)
}

// VisitWordCompareZero implements backend.Machine.
func (m *machine) VisitWordCompareZero(s *backend.InstructionSelector, user, value *ir.Node, cont *backend.FlagsContinuation) {
	// "x == 0" tests flip the continuation instead of computing the compare.
	for s.CanCover(user, value) {
		op := value.Opcode()
		if (op == ir.OpcodeWord32Equal || op == ir.OpcodeWord64Equal) && isZero(value.InputAt(1)) {
			user, value = value, value.InputAt(0)
			cont.Negate()
			continue
		}
		break
	}

	if s.CanCover(user, value) {
		switch op := value.Opcode(); op {
		case ir.OpcodeWord32Equal, ir.OpcodeInt32LessThan, ir.OpcodeInt32LessThanOrEqual,
			ir.OpcodeUint32LessThan, ir.OpcodeUint32LessThanOrEqual:
			cont.OverwriteAndNegateIfEqual(integerCondition(op))
			m.lowerWordCompare(s, value, opCmp32, cont)
			return
		case ir.OpcodeWord64Equal, ir.OpcodeInt64LessThan, ir.OpcodeInt64LessThanOrEqual,
			ir.OpcodeUint64LessThan, ir.OpcodeUint64LessThanOrEqual:
			cont.OverwriteAndNegateIfEqual(integerCondition(op))
			m.lowerWordCompare(s, value, opCmp, cont)
			return
		case ir.OpcodeFloat32Equal, ir.OpcodeFloat32LessThan, ir.OpcodeFloat32LessThanOrEqual,
			ir.OpcodeFloat64Equal, ir.OpcodeFloat64LessThan, ir.OpcodeFloat64LessThanOrEqual:
			cont.OverwriteAndNegateIfEqual(floatCondition(op))
			m.lowerFloatCompare(s, value, cont)
			return
		case ir.OpcodeProjection:
			// The overflow bit of an arithmetic node is fused when the value itself is either unused
			// or already defined by an earlier visit.
			node := value.InputAt(0)
			if value.Index() != 1 {
				break
			}
			var arith backend.ArchOpcode
			switch node.Opcode() {
			case ir.OpcodeInt32AddWithOverflow:
				arith = opAddOvf32
			case ir.OpcodeInt32SubWithOverflow:
				arith = opSubOvf32
			case ir.OpcodeInt32MulWithOverflow:
				arith = opMulOvf32
			}
			if result := node.FindProjection(0); arith != 0 && (result == nil || s.IsDefined(result)) {
				cont.OverwriteAndNegateIfEqual(backend.CondOverflow)
				m.lowerBinop(s, node, arith, false, 0, cont)
				return
			}
		case ir.OpcodeInt32Sub:
			m.lowerWordCompare(s, value, opCmp32, cont)
			return
		case ir.OpcodeInt64Sub:
			m.lowerWordCompare(s, value, opCmp, cont)
			return
		case ir.OpcodeWord32And:
			m.lowerWordCompare(s, value, opTst32, cont)
			return
		case ir.OpcodeWord64And:
			m.lowerWordCompare(s, value, opTst64, cont)
			return
		}
	}

	// Nothing to fuse: compare the value itself against zero.
	g := newOperandGenerator(s)
	s.EmitWithContinuation(backend.NewInstructionCode(opCmpZero), nil,
		[]backend.InstructionOperand{g.useRegisterOrImmediateZero(value)}, nil, cont)
}

// lowerWordCompare lowers the two inputs of n compared by op under cont.
func (m *machine) lowerWordCompare(s *backend.InstructionSelector, n *ir.Node, op backend.ArchOpcode, cont *backend.FlagsContinuation) {
	g := newOperandGenerator(s)
	left, right := n.InputAt(0), n.InputAt(1)

	// Keep a possible immediate on the right.
	if !g.canBeImmediate(right, op) && g.canBeImmediate(left, op) {
		cont.Commute()
		left, right = right, left
	}

	if !g.canBeImmediate(right, op) {
		m.emitCompare(s, op, g.UseRegister(left), g.UseRegister(right), cont)
		return
	}

	if op == opTst32 || op == opTst64 {
		if left.Opcode() == ir.OpcodeTruncateInt64ToInt32 {
			// The low bits tested are the same before the truncation.
			m.emitCompare(s, op, g.UseRegister(left.InputAt(0)), g.UseImmediate(right), cont)
		} else {
			m.emitCompare(s, op, g.UseRegister(left), g.UseImmediate(right), cont)
		}
		return
	}

	switch cont.Condition() {
	case backend.CondEqual, backend.CondNotEqual:
		switch {
		case cont.IsSet():
			m.emitCompare(s, op, g.UseRegister(left), g.UseImmediate(right), cont)
		case isZero(right):
			m.emitCompareZero(s, g.useRegisterOrImmediateZero(left), cont)
		default:
			m.emitCompare(s, op, g.UseRegister(left), g.UseRegister(right), cont)
		}
	case backend.CondSignedLessThan, backend.CondSignedGreaterThanOrEqual,
		backend.CondUnsignedLessThan, backend.CondUnsignedGreaterThanOrEqual:
		if isZero(right) {
			m.emitCompareZero(s, g.useRegisterOrImmediateZero(left), cont)
		} else {
			m.emitCompare(s, op, g.UseRegister(left), g.UseImmediate(right), cont)
		}
	default:
		if isZero(right) {
			m.emitCompareZero(s, g.useRegisterOrImmediateZero(left), cont)
		} else {
			m.emitCompare(s, op, g.UseRegister(left), g.UseRegister(right), cont)
		}
	}
}

// lowerFloatCompare lowers a float compare. Float compares are never commuted: swapping the
// inputs of an ordered compare does not give the negated NaN behavior.
func (m *machine) lowerFloatCompare(s *backend.InstructionSelector, n *ir.Node, cont *backend.FlagsContinuation) {
	g := newOperandGenerator(s)
	op := opCmpD
	if isFloat32Compare(n.Opcode()) {
		op = opCmpS
	}
	m.emitCompare(s, op, g.useRegisterOrImmediateZero(n.InputAt(0)), g.useRegisterOrImmediateZero(n.InputAt(1)), cont)
}

func (m *machine) emitCompare(s *backend.InstructionSelector, op backend.ArchOpcode, left, right backend.InstructionOperand, cont *backend.FlagsContinuation) {
	s.EmitWithContinuation(backend.NewInstructionCode(op), nil, []backend.InstructionOperand{left, right}, nil, cont)
}

func (m *machine) emitCompareZero(s *backend.InstructionSelector, value backend.InstructionOperand, cont *backend.FlagsContinuation) {
	s.EmitWithContinuation(backend.NewInstructionCode(opCmpZero), nil, []backend.InstructionOperand{value}, nil, cont)
}
