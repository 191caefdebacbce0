package riscv64

import "github.com/tetratelabs/jitcore/internal/backend"

// RISC-V opcodes. 32-bit integer results are kept sign-extended to 64 bits.
const (
	opAdd32 backend.ArchOpcode = backend.FirstArchSpecificOpcode + iota
	opAdd64
	opSub32
	opSub64
	opMul32
	opMul64
	opDiv32
	opDivU32
	opMod32
	opAnd32
	opAnd
	opOr32
	opOr
	opXor32
	opXor
	opShl32
	opShr32
	opSar32
	opShl64
	opShr64
	opSar64
	opAddOvf32
	opSubOvf32
	opMulOvf32

	// Flag setting compares. They only feed a flags continuation.
	opCmp
	opCmp32
	opCmpZero
	opTst32
	opTst64
	opCmpS
	opCmpD

	opSignExtendByte
	opSignExtendShort
	opSignExtendWord
	opZeroExtendWord
	opCvtSW
	opCvtSD
	opCvtDW
	opCvtDS
	opTruncWD
	opBitcastDL
	opBitcastLD

	opAddS
	opSubS
	opMulS
	opDivS
	opAddD
	opSubD
	opMulD
	opDivD
	opModD
	opNegD

	opLb
	opLbu
	opLh
	opLhu
	opLw
	opLwu
	opLd
	opLoadFloat
	opLoadDouble
	opRvvLd
	opSb
	opSh
	opSw
	opSd
	opStoreFloat
	opStoreDouble
	opRvvSt

	opWord32AtomicExchange
	opWord32AtomicCompareExchange
	opWord64AtomicExchange
	opWord64AtomicCompareExchange

	opS128Zero
	opS128AllOnes
	opS128Const
	opI8x16Add
	opI16x8Add
	opI32x4Add
	opI32x4Sub
	opI32x4Mul
	opS128And
	opS128Or
	opS128Xor
	opF32x4Pmin
	opF32x4Pmax
	opF64x2Pmin
	opF64x2Pmax
	opVrgather
	opVwadd
	opVwaddu
	opVwmul
	opVwmulu
	opVcompress
	opVaddVv
	opVslidedown

	opcodeEnd
)

type opcodeInfo struct {
	name  string
	arity backend.Arity
}

var (
	rr   = backend.Arity{Outputs: 1, Inputs: 1}
	rrr  = backend.Arity{Outputs: 1, Inputs: 2}
	cmp  = backend.Arity{Inputs: 2}
	load = backend.Arity{Outputs: 1, Inputs: 2}
	// store inputs are value, base and offset.
	store = backend.Arity{Inputs: 3}
	// Vector configuration ops take the element width and register group multiplier as their
	// last two inputs.
	vop = backend.Arity{Outputs: 1, Inputs: 4}
)

var opcodeInfos = map[backend.ArchOpcode]opcodeInfo{
	opAdd32:    {"RiscvAdd32", rrr},
	opAdd64:    {"RiscvAdd64", rrr},
	opSub32:    {"RiscvSub32", rrr},
	opSub64:    {"RiscvSub64", rrr},
	opMul32:    {"RiscvMul32", rrr},
	opMul64:    {"RiscvMul64", rrr},
	opDiv32:    {"RiscvDiv32", rrr},
	opDivU32:   {"RiscvDivU32", rrr},
	opMod32:    {"RiscvMod32", rrr},
	opAnd32:    {"RiscvAnd32", rrr},
	opAnd:      {"RiscvAnd", rrr},
	opOr32:     {"RiscvOr32", rrr},
	opOr:       {"RiscvOr", rrr},
	opXor32:    {"RiscvXor32", rrr},
	opXor:      {"RiscvXor", rrr},
	opShl32:    {"RiscvShl32", rrr},
	opShr32:    {"RiscvShr32", rrr},
	opSar32:    {"RiscvSar32", rrr},
	opShl64:    {"RiscvShl64", rrr},
	opShr64:    {"RiscvShr64", rrr},
	opSar64:    {"RiscvSar64", rrr},
	opAddOvf32: {"RiscvAddOvf32", rrr},
	opSubOvf32: {"RiscvSubOvf32", rrr},
	opMulOvf32: {"RiscvMulOvf32", rrr},

	opCmp:     {"RiscvCmp", cmp},
	opCmp32:   {"RiscvCmp32", cmp},
	opCmpZero: {"RiscvCmpZero", backend.Arity{Inputs: 1}},
	opTst32:   {"RiscvTst32", cmp},
	opTst64:   {"RiscvTst64", cmp},
	opCmpS:    {"RiscvCmpS", cmp},
	opCmpD:    {"RiscvCmpD", cmp},

	opSignExtendByte:  {"RiscvSignExtendByte", rr},
	opSignExtendShort: {"RiscvSignExtendShort", rr},
	opSignExtendWord:  {"RiscvSignExtendWord", rr},
	opZeroExtendWord:  {"RiscvZeroExtendWord", rr},
	opCvtSW:           {"RiscvCvtSW", rr},
	opCvtSD:           {"RiscvCvtSD", rr},
	opCvtDW:           {"RiscvCvtDW", rr},
	opCvtDS:           {"RiscvCvtDS", rr},
	opTruncWD:         {"RiscvTruncWD", rr},
	opBitcastDL:       {"RiscvBitcastDL", rr},
	opBitcastLD:       {"RiscvBitcastLD", rr},

	opAddS: {"RiscvAddS", rrr},
	opSubS: {"RiscvSubS", rrr},
	opMulS: {"RiscvMulS", rrr},
	opDivS: {"RiscvDivS", rrr},
	opAddD: {"RiscvAddD", rrr},
	opSubD: {"RiscvSubD", rrr},
	opMulD: {"RiscvMulD", rrr},
	opDivD: {"RiscvDivD", rrr},
	opModD: {"RiscvModD", rrr},
	opNegD: {"RiscvNegD", rr},

	opLb:          {"RiscvLb", load},
	opLbu:         {"RiscvLbu", load},
	opLh:          {"RiscvLh", load},
	opLhu:         {"RiscvLhu", load},
	opLw:          {"RiscvLw", load},
	opLwu:         {"RiscvLwu", load},
	opLd:          {"RiscvLd", load},
	opLoadFloat:   {"RiscvLoadFloat", load},
	opLoadDouble:  {"RiscvLoadDouble", load},
	opRvvLd:       {"RiscvRvvLd", load},
	opSb:          {"RiscvSb", store},
	opSh:          {"RiscvSh", store},
	opSw:          {"RiscvSw", store},
	opSd:          {"RiscvSd", store},
	opStoreFloat:  {"RiscvStoreFloat", store},
	opStoreDouble: {"RiscvStoreDouble", store},
	opRvvSt:       {"RiscvRvvSt", store},

	opWord32AtomicExchange:        {"RiscvWord32AtomicExchange", backend.Arity{Outputs: 1, Inputs: 3, Temps: 3}},
	opWord32AtomicCompareExchange: {"RiscvWord32AtomicCompareExchange", backend.Arity{Outputs: 1, Inputs: 4, Temps: 3}},
	opWord64AtomicExchange:        {"RiscvWord64AtomicExchange", backend.Arity{Outputs: 1, Inputs: 3, Temps: 3}},
	opWord64AtomicCompareExchange: {"RiscvWord64AtomicCompareExchange", backend.Arity{Outputs: 1, Inputs: 4, Temps: 3}},

	opS128Zero:    {"RiscvS128Zero", backend.Arity{Outputs: 1}},
	opS128AllOnes: {"RiscvS128AllOnes", backend.Arity{Outputs: 1}},
	opS128Const:   {"RiscvS128Const", backend.Arity{Outputs: 1, Inputs: 4}},
	opI8x16Add:    {"RiscvI8x16Add", rrr},
	opI16x8Add:    {"RiscvI16x8Add", rrr},
	opI32x4Add:    {"RiscvI32x4Add", rrr},
	opI32x4Sub:    {"RiscvI32x4Sub", rrr},
	opI32x4Mul:    {"RiscvI32x4Mul", rrr},
	opS128And:     {"RiscvS128And", rrr},
	opS128Or:      {"RiscvS128Or", rrr},
	opS128Xor:     {"RiscvS128Xor", rrr},
	opF32x4Pmin:   {"RiscvF32x4Pmin", rrr},
	opF32x4Pmax:   {"RiscvF32x4Pmax", rrr},
	opF64x2Pmin:   {"RiscvF64x2Pmin", rrr},
	opF64x2Pmax:   {"RiscvF64x2Pmax", rrr},
	opVrgather:    {"RiscvVrgather", backend.Arity{Outputs: 1, Inputs: 4, Temps: backend.Variadic}},
	opVwadd:       {"RiscvVwadd", vop},
	opVwaddu:      {"RiscvVwaddu", vop},
	opVwmul:       {"RiscvVwmul", vop},
	opVwmulu:      {"RiscvVwmulu", vop},
	opVcompress:   {"RiscvVcompress", vop},
	opVaddVv:      {"RiscvVaddVv", vop},
	opVslidedown:  {"RiscvVslidedown", vop},
}

func opcodeInfoOf(op backend.ArchOpcode) (opcodeInfo, bool) {
	info, ok := opcodeInfos[op]
	return info, ok
}

// Vector element widths (SEW) as encoded in vtype.
const (
	e8 int32 = iota
	e16
	e32
	e64
)

// Vector register group multipliers (LMUL) as encoded in vtype.
const (
	m1  int32 = 0
	m2  int32 = 1
	mf2 int32 = 7
)

// vlen is the vector register width in bits.
const vlen = 128
