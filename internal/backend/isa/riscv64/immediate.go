package riscv64

import (
	"fmt"

	"fortio.org/safecast"

	"github.com/tetratelabs/jitcore/internal/backend"
)

// immediateKind is the instruction format an opcode's immediate form is encoded in.
type immediateKind byte

const (
	immediateNone immediateKind = iota
	// immediateI12 is the 12-bit signed immediate of an I-type instruction (addi, lw, slti...).
	immediateI12
	// immediateS12 is the 12-bit signed immediate of an S-type store, split over two fields.
	immediateS12
	// immediateShamt5 is the 5-bit shift amount of the *w shifts.
	immediateShamt5
	// immediateShamt6 is the 6-bit shift amount of the 64-bit shifts.
	immediateShamt6
)

// immediateForm is the RV64 instruction an opcode becomes when its last input is an immediate.
type immediateForm struct {
	kind   immediateKind
	opcode uint32
	funct3 uint32
	// hi holds fixed bits above the shift amount, e.g. bit 30 of srai.
	hi uint32
}

var immediateForms = map[backend.ArchOpcode]immediateForm{
	opAdd32: {immediateI12, 0x1b, 0, 0}, // addiw
	opAdd64: {immediateI12, 0x13, 0, 0}, // addi
	opAnd32: {immediateI12, 0x13, 7, 0}, // andi
	opAnd:   {immediateI12, 0x13, 7, 0},
	opOr32:  {immediateI12, 0x13, 6, 0}, // ori
	opOr:    {immediateI12, 0x13, 6, 0},
	opXor32: {immediateI12, 0x13, 4, 0}, // xori
	opXor:   {immediateI12, 0x13, 4, 0},
	opCmp:   {immediateI12, 0x13, 2, 0}, // slti
	opCmp32: {immediateI12, 0x13, 2, 0},
	opTst32: {immediateI12, 0x13, 7, 0},
	opTst64: {immediateI12, 0x13, 7, 0},

	opShl32: {immediateShamt5, 0x1b, 1, 0},       // slliw
	opShr32: {immediateShamt5, 0x1b, 5, 0},       // srliw
	opSar32: {immediateShamt5, 0x1b, 5, 1 << 30}, // sraiw
	opShl64: {immediateShamt6, 0x13, 1, 0},       // slli
	opShr64: {immediateShamt6, 0x13, 5, 0},       // srli
	opSar64: {immediateShamt6, 0x13, 5, 1 << 30}, // srai

	opLb:          {immediateI12, 0x03, 0, 0},
	opLh:          {immediateI12, 0x03, 1, 0},
	opLw:          {immediateI12, 0x03, 2, 0},
	opLd:          {immediateI12, 0x03, 3, 0},
	opLbu:         {immediateI12, 0x03, 4, 0},
	opLhu:         {immediateI12, 0x03, 5, 0},
	opLwu:         {immediateI12, 0x03, 6, 0},
	opLoadFloat:   {immediateI12, 0x07, 2, 0}, // flw
	opLoadDouble:  {immediateI12, 0x07, 3, 0}, // fld
	opSb:          {immediateS12, 0x23, 0, 0},
	opSh:          {immediateS12, 0x23, 1, 0},
	opSw:          {immediateS12, 0x23, 2, 0},
	opSd:          {immediateS12, 0x23, 3, 0},
	opStoreFloat:  {immediateS12, 0x27, 2, 0}, // fsw
	opStoreDouble: {immediateS12, 0x27, 3, 0}, // fsd
}

// ImmediateFits returns true if v can be encoded as the immediate operand of op.
func ImmediateFits(v int64, op backend.ArchOpcode) bool {
	switch immediateForms[op].kind {
	case immediateI12, immediateS12:
		return v >= -2048 && v <= 2047
	case immediateShamt5:
		return v >= 0 && v < 32
	case immediateShamt6:
		return v >= 0 && v < 64
	default:
		return false
	}
}

// EncodeImmediate returns the RV64 instruction word of the immediate form of op with v as its
// immediate and x0 in every register field.
func EncodeImmediate(op backend.ArchOpcode, v int64) (uint32, error) {
	form, ok := immediateForms[op]
	if !ok || !ImmediateFits(v, op) {
		return 0, fmt.Errorf("%d does not fit the immediate of opcode %d", v, op)
	}
	base := form.funct3<<12 | form.opcode
	switch form.kind {
	case immediateI12:
		imm, err := safecast.Conv[int16](v)
		if err != nil {
			return 0, err
		}
		return uint32(uint16(imm)&0xfff)<<20 | base, nil
	case immediateS12:
		imm, err := safecast.Conv[int16](v)
		if err != nil {
			return 0, err
		}
		u := uint32(uint16(imm) & 0xfff)
		return (u>>5)<<25 | (u&0x1f)<<7 | base, nil
	default:
		shamt, err := safecast.Conv[uint8](v)
		if err != nil {
			return 0, err
		}
		return form.hi | uint32(shamt)<<20 | base, nil
	}
}

// DecodeImmediate extracts the immediate of an instruction word produced by EncodeImmediate.
func DecodeImmediate(op backend.ArchOpcode, word uint32) (int64, error) {
	form, ok := immediateForms[op]
	if !ok {
		return 0, fmt.Errorf("opcode %d has no immediate form", op)
	}
	if word&0x7f != form.opcode || (word>>12)&7 != form.funct3 {
		return 0, fmt.Errorf("instruction word %#08x is not an immediate form of opcode %d", word, op)
	}
	switch form.kind {
	case immediateI12:
		return signExtend12(word >> 20), nil
	case immediateS12:
		return signExtend12((word>>25)<<5 | (word>>7)&0x1f), nil
	case immediateShamt5:
		return int64((word >> 20) & 0x1f), nil
	default:
		return int64((word >> 20) & 0x3f), nil
	}
}

func signExtend12(v uint32) int64 {
	return int64(int32(v<<20) >> 20)
}
