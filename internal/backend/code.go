package backend

import "fmt"

// ArchOpcode is the machine operation of an Instruction. Opcodes below FirstArchSpecificOpcode
// are shared by every architecture; the rest are defined by the ISA packages.
type ArchOpcode uint16

const (
	ArchNop ArchOpcode = iota
	// ArchJmp jumps to the block given as its only input label.
	ArchJmp
	// ArchRet returns. Input 0 is the number of stack slots to pop, the rest are the return values.
	ArchRet
	// ArchTableSwitch indexes a jump table. Inputs: index, default label, then one label per value
	// of the covered range.
	ArchTableSwitch
	// ArchBinarySearchSwitch compares against sorted case values. Inputs: value, default label,
	// then (case value, label) pairs.
	ArchBinarySearchSwitch
	// ArchDeoptimize bails out unconditionally.
	ArchDeoptimize
	ArchTruncateDoubleToI
	ArchStackSlot

	// FirstArchSpecificOpcode is the first value ISA packages may use.
	FirstArchSpecificOpcode ArchOpcode = 32
)

var archOpcodeNames = [...]string{
	ArchNop:                "ArchNop",
	ArchJmp:                "ArchJmp",
	ArchRet:                "ArchRet",
	ArchTableSwitch:        "ArchTableSwitch",
	ArchBinarySearchSwitch: "ArchBinarySearchSwitch",
	ArchDeoptimize:         "ArchDeoptimize",
	ArchTruncateDoubleToI:  "ArchTruncateDoubleToI",
	ArchStackSlot:          "ArchStackSlot",
}

// AddressingMode describes how memory and immediate operands of an instruction are combined.
type AddressingMode byte

const (
	ModeNone AddressingMode = iota
	// ModeMRI is register + immediate.
	ModeMRI
	// ModeMRR is register + register.
	ModeMRR
	// ModeRoot is an offset from the roots register.
	ModeRoot
)

// String implements fmt.Stringer.
func (m AddressingMode) String() string {
	switch m {
	case ModeNone:
		return ""
	case ModeMRI:
		return "MRI"
	case ModeMRR:
		return "MRR"
	case ModeRoot:
		return "Root"
	default:
		return fmt.Sprintf("Mode(%d)", byte(m))
	}
}

// FlagsMode tells what the condition computed by an instruction is used for.
type FlagsMode byte

const (
	FlagsModeNone FlagsMode = iota
	FlagsModeBranch
	FlagsModeDeoptimize
	FlagsModeSet
	FlagsModeTrap
	FlagsModeSelect
)

// String implements fmt.Stringer.
func (m FlagsMode) String() string {
	switch m {
	case FlagsModeNone:
		return "none"
	case FlagsModeBranch:
		return "branch"
	case FlagsModeDeoptimize:
		return "deoptimize"
	case FlagsModeSet:
		return "set"
	case FlagsModeTrap:
		return "trap"
	case FlagsModeSelect:
		return "select"
	default:
		return fmt.Sprintf("FlagsMode(%d)", byte(m))
	}
}

// FlagsCondition is a condition over the result of a compare. Conditions come in pairs such
// that flipping the lowest bit negates the condition.
type FlagsCondition byte

const (
	CondEqual FlagsCondition = iota
	CondNotEqual
	CondSignedLessThan
	CondSignedGreaterThanOrEqual
	CondSignedLessThanOrEqual
	CondSignedGreaterThan
	CondUnsignedLessThan
	CondUnsignedGreaterThanOrEqual
	CondUnsignedLessThanOrEqual
	CondUnsignedGreaterThan
	CondOverflow
	CondNotOverflow
	condEnd
)

var flagsConditionNames = [condEnd]string{
	CondEqual:                      "eq",
	CondNotEqual:                   "ne",
	CondSignedLessThan:             "lt",
	CondSignedGreaterThanOrEqual:   "ge",
	CondSignedLessThanOrEqual:      "le",
	CondSignedGreaterThan:          "gt",
	CondUnsignedLessThan:           "ult",
	CondUnsignedGreaterThanOrEqual: "uge",
	CondUnsignedLessThanOrEqual:    "ule",
	CondUnsignedGreaterThan:        "ugt",
	CondOverflow:                   "ovf",
	CondNotOverflow:                "nof",
}

// String implements fmt.Stringer.
func (c FlagsCondition) String() string {
	if c >= condEnd {
		return fmt.Sprintf("FlagsCondition(%d)", byte(c))
	}
	return flagsConditionNames[c]
}

// Negate returns the condition that holds exactly when c does not.
func (c FlagsCondition) Negate() FlagsCondition { return c ^ 1 }

// Commute returns the condition to use after swapping the two operands of the compare.
// Commuting is not negating: a < b becomes b > a.
func (c FlagsCondition) Commute() FlagsCondition {
	switch c {
	case CondSignedLessThan:
		return CondSignedGreaterThan
	case CondSignedGreaterThan:
		return CondSignedLessThan
	case CondSignedLessThanOrEqual:
		return CondSignedGreaterThanOrEqual
	case CondSignedGreaterThanOrEqual:
		return CondSignedLessThanOrEqual
	case CondUnsignedLessThan:
		return CondUnsignedGreaterThan
	case CondUnsignedGreaterThan:
		return CondUnsignedLessThan
	case CondUnsignedLessThanOrEqual:
		return CondUnsignedGreaterThanOrEqual
	case CondUnsignedGreaterThanOrEqual:
		return CondUnsignedLessThanOrEqual
	case CondEqual, CondNotEqual, CondOverflow, CondNotOverflow:
		return c
	default:
		panic("BUG: unknown condition " + c.String())
	}
}

// AtomicWidth is the width of an atomic memory access, stored in the misc field.
type AtomicWidth byte

const (
	AtomicWidth32 AtomicWidth = iota
	AtomicWidth64
)

// InstructionCode packs the ArchOpcode with the addressing mode, the flags mode, the flags
// condition and an opcode specific misc field:
//
//	bits  0-8:  ArchOpcode
//	bits  9-13: AddressingMode
//	bits 14-16: FlagsMode
//	bits 17-21: FlagsCondition
//	bits 22-31: misc (AtomicWidth, lane size, ...)
type InstructionCode uint32

const (
	archOpcodeBits     = 9
	addressingModeBits = 5
	flagsModeBits      = 3
	flagsConditionBits = 5
	miscBits           = 10

	addressingModeShift = archOpcodeBits
	flagsModeShift      = addressingModeShift + addressingModeBits
	flagsConditionShift = flagsModeShift + flagsModeBits
	miscShift           = flagsConditionShift + flagsConditionBits

	// MaxMiscValue is the largest value the misc field can hold.
	MaxMiscValue = 1<<miscBits - 1
)

func field(code InstructionCode, shift, bits int) uint32 {
	return uint32(code>>shift) & (1<<bits - 1)
}

func withField(code InstructionCode, shift, bits int, v uint32) InstructionCode {
	if v >= 1<<bits {
		panic(fmt.Sprintf("BUG: value %d does not fit %d bits", v, bits))
	}
	mask := InstructionCode(1<<bits-1) << shift
	return code&^mask | InstructionCode(v)<<shift
}

// NewInstructionCode returns the code of op with every other field cleared.
func NewInstructionCode(op ArchOpcode) InstructionCode {
	return withField(0, 0, archOpcodeBits, uint32(op))
}

// ArchOpcode returns the opcode field.
func (c InstructionCode) ArchOpcode() ArchOpcode { return ArchOpcode(field(c, 0, archOpcodeBits)) }

// AddressingMode returns the addressing mode field.
func (c InstructionCode) AddressingMode() AddressingMode {
	return AddressingMode(field(c, addressingModeShift, addressingModeBits))
}

// FlagsMode returns the flags mode field.
func (c InstructionCode) FlagsMode() FlagsMode {
	return FlagsMode(field(c, flagsModeShift, flagsModeBits))
}

// FlagsCondition returns the flags condition field.
func (c InstructionCode) FlagsCondition() FlagsCondition {
	return FlagsCondition(field(c, flagsConditionShift, flagsConditionBits))
}

// Misc returns the misc field.
func (c InstructionCode) Misc() uint32 { return field(c, miscShift, miscBits) }

// AtomicWidth returns bit 0 of the misc field interpreted as an AtomicWidth. ISAs may use the
// remaining misc bits of atomic instructions.
func (c InstructionCode) AtomicWidth() AtomicWidth { return AtomicWidth(c.Misc() & 1) }

// WithAddressingMode returns c with the addressing mode replaced.
func (c InstructionCode) WithAddressingMode(m AddressingMode) InstructionCode {
	return withField(c, addressingModeShift, addressingModeBits, uint32(m))
}

// WithFlags returns c with the flags mode and condition replaced.
func (c InstructionCode) WithFlags(mode FlagsMode, cond FlagsCondition) InstructionCode {
	c = withField(c, flagsModeShift, flagsModeBits, uint32(mode))
	return withField(c, flagsConditionShift, flagsConditionBits, uint32(cond))
}

// WithMisc returns c with the misc field replaced.
func (c InstructionCode) WithMisc(v uint32) InstructionCode {
	return withField(c, miscShift, miscBits, v)
}

// WithAtomicWidth returns c with bit 0 of the misc field set to w.
func (c InstructionCode) WithAtomicWidth(w AtomicWidth) InstructionCode {
	return c.WithMisc(c.Misc()&^1 | uint32(w))
}
