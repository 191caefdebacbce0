package riscv64

import (
	"math"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
)

// maxTableSwitchValueRange bounds the size of a jump table.
const maxTableSwitchValueRange = 2 << 16

// useJumpTable decides between a jump table and a binary search by comparing the estimated
// space plus three times the estimated time of both.
func useJumpTable(sw *backend.SwitchInfo) bool {
	if sw.CaseCount() == 0 {
		return false
	}
	valueRange := sw.ValueRange()
	tableSpace := 10 + 2*valueRange
	const tableTime = 3
	cases := uint64(sw.CaseCount())
	lookupSpace := 2 + 2*cases
	lookupTime := cases
	return tableSpace+3*tableTime <= lookupSpace+3*lookupTime &&
		sw.MinValue() > math.MinInt32 &&
		valueRange <= maxTableSwitchValueRange
}

// VisitSwitch implements backend.Machine.
func (m *machine) VisitSwitch(s *backend.InstructionSelector, value *ir.Node, sw *backend.SwitchInfo) {
	g := newOperandGenerator(s)
	valueOperand := g.UseRegister(value)

	if s.Options().EnableSwitchJumpTable && useJumpTable(sw) {
		index := valueOperand
		if lo := sw.MinValue(); lo != 0 {
			// Rebase so the table starts at the smallest case. useJumpTable rules out
			// math.MinInt32, so -lo does not overflow.
			index = g.TempRegister()
			if ImmediateFits(-int64(lo), opAdd32) {
				s.Emit(backend.NewInstructionCode(opAdd32),
					[]backend.InstructionOperand{index},
					[]backend.InstructionOperand{valueOperand, g.TempImmediate(-lo)}, nil)
			} else {
				s.Emit(backend.NewInstructionCode(opSub32),
					[]backend.InstructionOperand{index},
					[]backend.InstructionOperand{valueOperand, g.TempConstant(backend.Int32Constant(lo))}, nil)
			}
		}
		s.EmitTableSwitch(sw, index)
		return
	}
	s.EmitBinarySearchSwitch(sw, valueOperand)
}
