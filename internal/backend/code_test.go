package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagsCondition_Negate(t *testing.T) {
	for _, tc := range []struct {
		c, exp FlagsCondition
	}{
		{c: CondEqual, exp: CondNotEqual},
		{c: CondSignedLessThan, exp: CondSignedGreaterThanOrEqual},
		{c: CondSignedLessThanOrEqual, exp: CondSignedGreaterThan},
		{c: CondUnsignedLessThan, exp: CondUnsignedGreaterThanOrEqual},
		{c: CondUnsignedLessThanOrEqual, exp: CondUnsignedGreaterThan},
		{c: CondOverflow, exp: CondNotOverflow},
	} {
		t.Run(tc.c.String(), func(t *testing.T) {
			require.Equal(t, tc.exp, tc.c.Negate())
			require.Equal(t, tc.c, tc.exp.Negate())
		})
	}
}

func TestFlagsCondition_Commute(t *testing.T) {
	// Commuting is an involution, and for integers "a c b" equals "b c' a".
	values := []int64{-3, -1, 0, 1, 7}
	for c := CondEqual; c < CondOverflow; c++ {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			require.Equal(t, c, c.Commute().Commute())
			for _, a := range values {
				for _, b := range values {
					require.Equal(t, evalCond(c, a, b), evalCond(c.Commute(), b, a), "%d %s %d", a, c, b)
				}
			}
		})
	}
}

func evalCond(c FlagsCondition, a, b int64) bool {
	ua, ub := uint64(a), uint64(b)
	switch c {
	case CondEqual:
		return a == b
	case CondNotEqual:
		return a != b
	case CondSignedLessThan:
		return a < b
	case CondSignedGreaterThanOrEqual:
		return a >= b
	case CondSignedLessThanOrEqual:
		return a <= b
	case CondSignedGreaterThan:
		return a > b
	case CondUnsignedLessThan:
		return ua < ub
	case CondUnsignedGreaterThanOrEqual:
		return ua >= ub
	case CondUnsignedLessThanOrEqual:
		return ua <= ub
	case CondUnsignedGreaterThan:
		return ua > ub
	}
	panic(c)
}

func TestInstructionCode_Fields(t *testing.T) {
	code := NewInstructionCode(FirstArchSpecificOpcode + 5).
		WithAddressingMode(ModeMRI).
		WithFlags(FlagsModeDeoptimize, CondUnsignedGreaterThan).
		WithAtomicWidth(AtomicWidth64)

	require.Equal(t, FirstArchSpecificOpcode+5, code.ArchOpcode())
	require.Equal(t, ModeMRI, code.AddressingMode())
	require.Equal(t, FlagsModeDeoptimize, code.FlagsMode())
	require.Equal(t, CondUnsignedGreaterThan, code.FlagsCondition())
	require.Equal(t, AtomicWidth64, code.AtomicWidth())

	code = code.WithMisc(MaxMiscValue)
	require.Equal(t, uint32(MaxMiscValue), code.Misc())
	require.Equal(t, ModeMRI, code.AddressingMode(), "fields must not overlap")
	require.Panics(t, func() { code.WithMisc(MaxMiscValue + 1) })
}

func TestArity_Validate(t *testing.T) {
	a := Arity{Outputs: 1, Inputs: 2, Temps: 0}
	require.NoError(t, a.Validate(1, 2, 0))
	require.EqualError(t, a.Validate(1, 3, 0), "input count 3, want 2")
	require.EqualError(t, a.Validate(0, 2, 0), "output count 0, want 1")
	require.NoError(t, Arity{Outputs: 1, Inputs: Variadic}.Validate(1, 9, 0))
}

func TestInstructionOperand_States(t *testing.T) {
	op := newUnallocated(5<<0|1<<40, PolicyMustHaveRegister, true)
	require.True(t, op.IsUnallocated())
	require.Panics(t, func() { op.Register() }, "unallocated operands cannot be emitted")

	allocated := op.Allocate(3)
	require.Equal(t, OperandRegister, allocated.Kind())
	require.EqualValues(t, 3, allocated.Register())
	require.Panics(t, func() { allocated.Allocate(4) })
	require.Panics(t, func() { op.AllocateSlot(1) })

	fixed := newUnallocated(6|1<<40, PolicyFixedRegister, false)
	fixed.reg = 7
	require.Panics(t, func() { fixed.Allocate(8) })
	require.EqualValues(t, 7, fixed.Allocate(7).Register())

	anyOp := newUnallocated(7|1<<40, PolicyAny, true)
	require.Equal(t, 2, anyOp.AllocateSlot(2).StackSlot())
}
