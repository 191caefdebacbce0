package ir

import "fmt"

// Opcode represents the operation of a Node.
type Opcode uint32

const (
	OpcodeInvalid Opcode = iota

	// Constants. The value is held in the node parameters.
	OpcodeInt32Constant
	OpcodeInt64Constant
	OpcodeFloat32Constant
	OpcodeFloat64Constant
	OpcodeHeapConstant
	// OpcodeCompressedHeapConstant is a heap constant referred to by its 32-bit compressed pointer.
	OpcodeCompressedHeapConstant
	OpcodeS128Const

	// OpcodeParameter is the i-th incoming parameter of the function.
	OpcodeParameter
	// OpcodePhi merges one value per predecessor of its block.
	OpcodePhi
	// OpcodeProjection extracts the i-th result of a multi-value node.
	OpcodeProjection

	OpcodeWord32And
	OpcodeWord32Or
	OpcodeWord32Xor
	OpcodeWord32Shl
	OpcodeWord32Shr
	OpcodeWord32Sar
	OpcodeInt32Add
	OpcodeInt32Sub
	OpcodeInt32Mul
	OpcodeInt32Div
	OpcodeUint32Div
	OpcodeInt32Mod
	OpcodeWord32Equal
	OpcodeInt32LessThan
	OpcodeInt32LessThanOrEqual
	OpcodeUint32LessThan
	OpcodeUint32LessThanOrEqual
	OpcodeWord32Select

	OpcodeWord64And
	OpcodeWord64Or
	OpcodeWord64Xor
	OpcodeWord64Shl
	OpcodeWord64Shr
	OpcodeWord64Sar
	OpcodeInt64Add
	OpcodeInt64Sub
	OpcodeInt64Mul
	OpcodeWord64Equal
	OpcodeInt64LessThan
	OpcodeInt64LessThanOrEqual
	OpcodeUint64LessThan
	OpcodeUint64LessThanOrEqual
	OpcodeWord64Select

	// Overflow checked arithmetic produces two values: the result (projection 0) and the
	// overflow bit (projection 1).
	OpcodeInt32AddWithOverflow
	OpcodeInt32SubWithOverflow
	OpcodeInt32MulWithOverflow

	OpcodeTruncateInt64ToInt32
	OpcodeChangeInt32ToInt64
	OpcodeChangeUint32ToUint64
	OpcodeChangeInt32ToFloat64
	OpcodeChangeFloat32ToFloat64
	OpcodeTruncateFloat64ToFloat32
	OpcodeTruncateFloat64ToInt32
	OpcodeBitcastFloat64ToInt64
	OpcodeBitcastInt64ToFloat64

	OpcodeFloat32Add
	OpcodeFloat32Sub
	OpcodeFloat32Mul
	OpcodeFloat32Div
	OpcodeFloat32Equal
	OpcodeFloat32LessThan
	OpcodeFloat32LessThanOrEqual
	OpcodeFloat64Add
	OpcodeFloat64Sub
	OpcodeFloat64Mul
	OpcodeFloat64Div
	OpcodeFloat64Mod
	OpcodeFloat64Neg
	OpcodeFloat64Equal
	OpcodeFloat64LessThan
	OpcodeFloat64LessThanOrEqual

	// OpcodeLoad loads a value of the node's representation from base+index.
	OpcodeLoad
	// OpcodeStore stores its third input to base+index.
	OpcodeStore
	OpcodeWord32AtomicExchange
	OpcodeWord32AtomicCompareExchange
	OpcodeWord64AtomicExchange
	OpcodeWord64AtomicCompareExchange

	OpcodeI8x16Add
	OpcodeI16x8Add
	OpcodeI32x4Add
	OpcodeI32x4Sub
	OpcodeI32x4Mul
	OpcodeS128And
	OpcodeS128Or
	OpcodeS128Xor
	OpcodeI8x16Swizzle
	OpcodeI16x8ExtAddPairwiseI8x16S
	OpcodeI16x8ExtAddPairwiseI8x16U
	OpcodeI32x4ExtAddPairwiseI16x8S
	OpcodeI32x4ExtAddPairwiseI16x8U
	OpcodeI32x4DotI16x8S
	OpcodeI16x8ExtMulLowI8x16S
	OpcodeI16x8ExtMulHighI8x16S
	OpcodeI16x8ExtMulLowI8x16U
	OpcodeI16x8ExtMulHighI8x16U
	OpcodeI32x4ExtMulLowI16x8S
	OpcodeI32x4ExtMulHighI16x8S
	OpcodeF32x4Pmin
	OpcodeF32x4Pmax
	OpcodeF64x2Pmin
	OpcodeF64x2Pmax

	// OpcodeDeoptimizeIf bails out to the interpreter when its condition is true.
	OpcodeDeoptimizeIf
	// OpcodeDeoptimizeUnless bails out to the interpreter when its condition is false.
	OpcodeDeoptimizeUnless
	OpcodeTrapIf
	OpcodeTrapUnless

	// Block terminators.
	OpcodeGoto
	OpcodeBranch
	OpcodeSwitch
	OpcodeReturn

	opcodeEnd
)

type opcodeFlags uint8

const (
	flagSideEffect opcodeFlags = 1 << iota
	flagCommutative
	flagControl
	flagConstant
)

type opcodeInfo struct {
	name  string
	flags opcodeFlags
	// rep is the representation of the produced value, or RepNone.
	rep MachineRepresentation
}

var opcodeInfos = [opcodeEnd]opcodeInfo{
	OpcodeInvalid:                {"Invalid", 0, RepNone},
	OpcodeInt32Constant:          {"Int32Constant", flagConstant, RepWord32},
	OpcodeInt64Constant:          {"Int64Constant", flagConstant, RepWord64},
	OpcodeFloat32Constant:        {"Float32Constant", flagConstant, RepFloat32},
	OpcodeFloat64Constant:        {"Float64Constant", flagConstant, RepFloat64},
	OpcodeHeapConstant:           {"HeapConstant", flagConstant, RepTagged},
	OpcodeCompressedHeapConstant: {"CompressedHeapConstant", flagConstant, RepCompressed},
	OpcodeS128Const:              {"S128Const", flagConstant, RepSimd128},
	OpcodeParameter:              {"Parameter", 0, RepNone},
	OpcodePhi:                    {"Phi", 0, RepNone},
	OpcodeProjection:             {"Projection", 0, RepNone},

	OpcodeWord32And:             {"Word32And", flagCommutative, RepWord32},
	OpcodeWord32Or:              {"Word32Or", flagCommutative, RepWord32},
	OpcodeWord32Xor:             {"Word32Xor", flagCommutative, RepWord32},
	OpcodeWord32Shl:             {"Word32Shl", 0, RepWord32},
	OpcodeWord32Shr:             {"Word32Shr", 0, RepWord32},
	OpcodeWord32Sar:             {"Word32Sar", 0, RepWord32},
	OpcodeInt32Add:              {"Int32Add", flagCommutative, RepWord32},
	OpcodeInt32Sub:              {"Int32Sub", 0, RepWord32},
	OpcodeInt32Mul:              {"Int32Mul", flagCommutative, RepWord32},
	OpcodeInt32Div:              {"Int32Div", 0, RepWord32},
	OpcodeUint32Div:             {"Uint32Div", 0, RepWord32},
	OpcodeInt32Mod:              {"Int32Mod", 0, RepWord32},
	OpcodeWord32Equal:           {"Word32Equal", flagCommutative, RepBit},
	OpcodeInt32LessThan:         {"Int32LessThan", 0, RepBit},
	OpcodeInt32LessThanOrEqual:  {"Int32LessThanOrEqual", 0, RepBit},
	OpcodeUint32LessThan:        {"Uint32LessThan", 0, RepBit},
	OpcodeUint32LessThanOrEqual: {"Uint32LessThanOrEqual", 0, RepBit},
	OpcodeWord32Select:          {"Word32Select", 0, RepWord32},

	OpcodeWord64And:             {"Word64And", flagCommutative, RepWord64},
	OpcodeWord64Or:              {"Word64Or", flagCommutative, RepWord64},
	OpcodeWord64Xor:             {"Word64Xor", flagCommutative, RepWord64},
	OpcodeWord64Shl:             {"Word64Shl", 0, RepWord64},
	OpcodeWord64Shr:             {"Word64Shr", 0, RepWord64},
	OpcodeWord64Sar:             {"Word64Sar", 0, RepWord64},
	OpcodeInt64Add:              {"Int64Add", flagCommutative, RepWord64},
	OpcodeInt64Sub:              {"Int64Sub", 0, RepWord64},
	OpcodeInt64Mul:              {"Int64Mul", flagCommutative, RepWord64},
	OpcodeWord64Equal:           {"Word64Equal", flagCommutative, RepBit},
	OpcodeInt64LessThan:         {"Int64LessThan", 0, RepBit},
	OpcodeInt64LessThanOrEqual:  {"Int64LessThanOrEqual", 0, RepBit},
	OpcodeUint64LessThan:        {"Uint64LessThan", 0, RepBit},
	OpcodeUint64LessThanOrEqual: {"Uint64LessThanOrEqual", 0, RepBit},
	OpcodeWord64Select:          {"Word64Select", 0, RepWord64},

	OpcodeInt32AddWithOverflow: {"Int32AddWithOverflow", flagCommutative, RepWord32},
	OpcodeInt32SubWithOverflow: {"Int32SubWithOverflow", 0, RepWord32},
	OpcodeInt32MulWithOverflow: {"Int32MulWithOverflow", flagCommutative, RepWord32},

	OpcodeTruncateInt64ToInt32:     {"TruncateInt64ToInt32", 0, RepWord32},
	OpcodeChangeInt32ToInt64:       {"ChangeInt32ToInt64", 0, RepWord64},
	OpcodeChangeUint32ToUint64:     {"ChangeUint32ToUint64", 0, RepWord64},
	OpcodeChangeInt32ToFloat64:     {"ChangeInt32ToFloat64", 0, RepFloat64},
	OpcodeChangeFloat32ToFloat64:   {"ChangeFloat32ToFloat64", 0, RepFloat64},
	OpcodeTruncateFloat64ToFloat32: {"TruncateFloat64ToFloat32", 0, RepFloat32},
	OpcodeTruncateFloat64ToInt32:   {"TruncateFloat64ToInt32", 0, RepWord32},
	OpcodeBitcastFloat64ToInt64:    {"BitcastFloat64ToInt64", 0, RepWord64},
	OpcodeBitcastInt64ToFloat64:    {"BitcastInt64ToFloat64", 0, RepFloat64},

	OpcodeFloat32Add:             {"Float32Add", flagCommutative, RepFloat32},
	OpcodeFloat32Sub:             {"Float32Sub", 0, RepFloat32},
	OpcodeFloat32Mul:             {"Float32Mul", flagCommutative, RepFloat32},
	OpcodeFloat32Div:             {"Float32Div", 0, RepFloat32},
	OpcodeFloat32Equal:           {"Float32Equal", flagCommutative, RepBit},
	OpcodeFloat32LessThan:        {"Float32LessThan", 0, RepBit},
	OpcodeFloat32LessThanOrEqual: {"Float32LessThanOrEqual", 0, RepBit},
	OpcodeFloat64Add:             {"Float64Add", flagCommutative, RepFloat64},
	OpcodeFloat64Sub:             {"Float64Sub", 0, RepFloat64},
	OpcodeFloat64Mul:             {"Float64Mul", flagCommutative, RepFloat64},
	OpcodeFloat64Div:             {"Float64Div", 0, RepFloat64},
	OpcodeFloat64Mod:             {"Float64Mod", 0, RepFloat64},
	OpcodeFloat64Neg:             {"Float64Neg", 0, RepFloat64},
	OpcodeFloat64Equal:           {"Float64Equal", flagCommutative, RepBit},
	OpcodeFloat64LessThan:        {"Float64LessThan", 0, RepBit},
	OpcodeFloat64LessThanOrEqual: {"Float64LessThanOrEqual", 0, RepBit},

	OpcodeLoad:                        {"Load", 0, RepNone},
	OpcodeStore:                       {"Store", flagSideEffect, RepNone},
	OpcodeWord32AtomicExchange:        {"Word32AtomicExchange", flagSideEffect, RepWord32},
	OpcodeWord32AtomicCompareExchange: {"Word32AtomicCompareExchange", flagSideEffect, RepWord32},
	OpcodeWord64AtomicExchange:        {"Word64AtomicExchange", flagSideEffect, RepWord64},
	OpcodeWord64AtomicCompareExchange: {"Word64AtomicCompareExchange", flagSideEffect, RepWord64},

	OpcodeI8x16Add:                  {"I8x16Add", flagCommutative, RepSimd128},
	OpcodeI16x8Add:                  {"I16x8Add", flagCommutative, RepSimd128},
	OpcodeI32x4Add:                  {"I32x4Add", flagCommutative, RepSimd128},
	OpcodeI32x4Sub:                  {"I32x4Sub", 0, RepSimd128},
	OpcodeI32x4Mul:                  {"I32x4Mul", flagCommutative, RepSimd128},
	OpcodeS128And:                   {"S128And", flagCommutative, RepSimd128},
	OpcodeS128Or:                    {"S128Or", flagCommutative, RepSimd128},
	OpcodeS128Xor:                   {"S128Xor", flagCommutative, RepSimd128},
	OpcodeI8x16Swizzle:              {"I8x16Swizzle", 0, RepSimd128},
	OpcodeI16x8ExtAddPairwiseI8x16S: {"I16x8ExtAddPairwiseI8x16S", 0, RepSimd128},
	OpcodeI16x8ExtAddPairwiseI8x16U: {"I16x8ExtAddPairwiseI8x16U", 0, RepSimd128},
	OpcodeI32x4ExtAddPairwiseI16x8S: {"I32x4ExtAddPairwiseI16x8S", 0, RepSimd128},
	OpcodeI32x4ExtAddPairwiseI16x8U: {"I32x4ExtAddPairwiseI16x8U", 0, RepSimd128},
	OpcodeI32x4DotI16x8S:            {"I32x4DotI16x8S", 0, RepSimd128},
	OpcodeI16x8ExtMulLowI8x16S:      {"I16x8ExtMulLowI8x16S", 0, RepSimd128},
	OpcodeI16x8ExtMulHighI8x16S:     {"I16x8ExtMulHighI8x16S", 0, RepSimd128},
	OpcodeI16x8ExtMulLowI8x16U:      {"I16x8ExtMulLowI8x16U", 0, RepSimd128},
	OpcodeI16x8ExtMulHighI8x16U:     {"I16x8ExtMulHighI8x16U", 0, RepSimd128},
	OpcodeI32x4ExtMulLowI16x8S:      {"I32x4ExtMulLowI16x8S", 0, RepSimd128},
	OpcodeI32x4ExtMulHighI16x8S:     {"I32x4ExtMulHighI16x8S", 0, RepSimd128},
	OpcodeF32x4Pmin:                 {"F32x4Pmin", 0, RepSimd128},
	OpcodeF32x4Pmax:                 {"F32x4Pmax", 0, RepSimd128},
	OpcodeF64x2Pmin:                 {"F64x2Pmin", 0, RepSimd128},
	OpcodeF64x2Pmax:                 {"F64x2Pmax", 0, RepSimd128},

	OpcodeDeoptimizeIf:     {"DeoptimizeIf", flagSideEffect, RepNone},
	OpcodeDeoptimizeUnless: {"DeoptimizeUnless", flagSideEffect, RepNone},
	OpcodeTrapIf:           {"TrapIf", flagSideEffect, RepNone},
	OpcodeTrapUnless:       {"TrapUnless", flagSideEffect, RepNone},

	OpcodeGoto:   {"Goto", flagSideEffect | flagControl, RepNone},
	OpcodeBranch: {"Branch", flagSideEffect | flagControl, RepNone},
	OpcodeSwitch: {"Switch", flagSideEffect | flagControl, RepNone},
	OpcodeReturn: {"Return", flagSideEffect | flagControl, RepNone},
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o >= opcodeEnd {
		return fmt.Sprintf("Opcode(%d)", uint32(o))
	}
	return opcodeInfos[o].name
}

// HasSideEffects returns true if a node with this opcode must be kept even when unused.
func (o Opcode) HasSideEffects() bool { return opcodeInfos[o].flags&flagSideEffect != 0 }

// IsCommutative returns true if swapping the two inputs does not change the result.
func (o Opcode) IsCommutative() bool { return opcodeInfos[o].flags&flagCommutative != 0 }

// IsControl returns true for block terminators.
func (o Opcode) IsControl() bool { return opcodeInfos[o].flags&flagControl != 0 }

// IsConstant returns true for constant nodes.
func (o Opcode) IsConstant() bool { return opcodeInfos[o].flags&flagConstant != 0 }

// MachineRepresentation describes how a value is laid out in a machine register or in memory.
type MachineRepresentation byte

const (
	RepNone MachineRepresentation = iota
	RepBit
	RepWord8
	RepWord16
	RepWord32
	RepWord64
	// RepTagged is a full width tagged value.
	RepTagged
	// RepCompressed is a 32-bit compressed tagged value.
	RepCompressed
	RepFloat32
	RepFloat64
	RepSimd128
)

// String implements fmt.Stringer.
func (r MachineRepresentation) String() string {
	switch r {
	case RepNone:
		return "none"
	case RepBit:
		return "bit"
	case RepWord8:
		return "word8"
	case RepWord16:
		return "word16"
	case RepWord32:
		return "word32"
	case RepWord64:
		return "word64"
	case RepTagged:
		return "tagged"
	case RepCompressed:
		return "compressed"
	case RepFloat32:
		return "float32"
	case RepFloat64:
		return "float64"
	case RepSimd128:
		return "simd128"
	default:
		return fmt.Sprintf("MachineRepresentation(%d)", byte(r))
	}
}

// IsFloat returns true for float representations.
func (r MachineRepresentation) IsFloat() bool { return r == RepFloat32 || r == RepFloat64 }

// Is64 returns true if the value occupies the full 64-bit register.
func (r MachineRepresentation) Is64() bool {
	return r == RepWord64 || r == RepTagged || r == RepFloat64
}

// ByteSize returns the size in memory.
func (r MachineRepresentation) ByteSize() int {
	switch r {
	case RepBit, RepWord8:
		return 1
	case RepWord16:
		return 2
	case RepWord32, RepCompressed, RepFloat32:
		return 4
	case RepWord64, RepTagged, RepFloat64:
		return 8
	case RepSimd128:
		return 16
	default:
		return 0
	}
}
