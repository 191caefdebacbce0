// Package heap models the object layout the generated code relies on: value tagging, object
// field offsets, instance types, elements kinds and the roots table. It also provides an
// in-memory Heap so that generated code can be executed and checked without a real runtime.
package heap

import "fmt"

// Tagged is a value as it sits in a general purpose register: either a Smi or a tagged
// pointer to a heap object.
type Tagged uint64

const (
	// WordSize is the size of a field slot in bytes.
	WordSize = 8
	// HeapObjectTag is added to the address of every heap object.
	HeapObjectTag = 1
	// SmiTagMask selects the tag bit. A clear bit means Smi.
	SmiTagMask = 1
	// SmiShift is the shift applied to a 31-bit integer to produce a Smi.
	SmiShift = 1

	SmiMaxValue = 1<<30 - 1
	SmiMinValue = -(1 << 30)
)

// SmiZero is the Smi encoding of 0.
const SmiZero Tagged = 0

// SmiFromInt returns the Smi encoding of v. v must be within [SmiMinValue, SmiMaxValue].
// Smis live in the low 32 bits of the register and the upper half is zero.
func SmiFromInt(v int32) Tagged {
	if v < SmiMinValue || v > SmiMaxValue {
		panic(fmt.Sprintf("BUG: %d does not fit a Smi", v))
	}
	return Tagged(uint32(v) << SmiShift)
}

// IsSmi returns true if the value is a Smi.
func (t Tagged) IsSmi() bool { return t&SmiTagMask == 0 }

// SmiValue returns the integer of a Smi.
func (t Tagged) SmiValue() int32 { return int32(uint32(t)) >> SmiShift }

// Address returns the untagged address of a heap object.
func (t Tagged) Address() uint64 { return uint64(t) - HeapObjectTag }

// FromAddress tags an object address.
func FromAddress(addr uint64) Tagged { return Tagged(addr + HeapObjectTag) }

// FieldOffset converts an object field offset to the displacement used with a tagged base register.
func FieldOffset(offset int) int64 { return int64(offset) - HeapObjectTag }

// Field offsets. Every field is one word unless noted.
const (
	MapOffset = 0

	MapInstanceTypeOffset = 8  // uint16
	MapBitField3Offset    = 16 // uint32
	MapElementsKindOffset = 24 // uint8
	MapReplacementOffset  = 32 // tagged map this deprecated map migrates to, or Smi zero.
	MapSize               = 40

	HeapNumberValueOffset = 8 // float64
	HeapNumberSize        = 16

	StringLengthOffset = 8 // int32
	StringHeaderSize   = 16

	JSObjectPropertiesOffset = 8
	JSObjectElementsOffset   = 16
	JSObjectHeaderSize       = 24

	JSArrayBufferViewBufferOffset     = 24
	JSArrayBufferViewByteOffsetOffset = 32
	JSArrayBufferViewByteLengthOffset = 40
	JSTypedArrayLengthOffset          = 48
	JSArrayBufferViewDataPointer      = 56
	JSArrayBufferViewSize             = 64

	FeedbackVectorOsrStateOffset = 8 // uint8
	FeedbackVectorSlotsOffset    = 16

	CodeMarkedForDeoptOffset = 8
	CodeSize                 = 16
)

// Map::bit_field3 bits.
const (
	MapIsDeprecatedBit      uint32 = 1 << 0
	MapIsMigrationTargetBit uint32 = 1 << 1
	MapIsStableBit          uint32 = 1 << 2
)

// FeedbackVector::osr_state layout.
const (
	OsrUrgencyMask             = 0x7
	MaybeHasMaglevOsrCodeBit   = 0x8
	MaybeHasTurbofanOsrCodeBit = 0x10
	MaxOsrUrgency              = OsrUrgencyMask
)

// JSObjectInObjectFieldOffset returns the offset of the i-th in-object property.
func JSObjectInObjectFieldOffset(i int) int { return JSObjectHeaderSize + i*WordSize }

// FeedbackVectorSlotOffset returns the offset of the given feedback slot.
func FeedbackVectorSlotOffset(slot int) int { return FeedbackVectorSlotsOffset + slot*WordSize }

// InstanceType is the kind of a heap object as recorded in its map.
type InstanceType uint16

const (
	InternalizedOneByteStringType InstanceType = 0x08
	SeqOneByteStringType          InstanceType = 0x0a
	ConsStringType                InstanceType = 0x21

	FirstNonstringType   InstanceType = 0x80
	SymbolType           InstanceType = 0x80
	HeapNumberType       InstanceType = 0x82
	OddballType          InstanceType = 0x83
	MapType              InstanceType = 0x84
	FixedArrayType       InstanceType = 0x85
	FixedDoubleArrayType InstanceType = 0x86
	FeedbackVectorType   InstanceType = 0x87
	CodeType             InstanceType = 0x88

	FirstJSObjectType InstanceType = 0x421
	JSObjectType      InstanceType = 0x421
	JSArrayType       InstanceType = 0x422
	JSTypedArrayType  InstanceType = 0x423
	JSDataViewType    InstanceType = 0x424
	JSFunctionType    InstanceType = 0x425
	LastJSObjectType  InstanceType = 0x425
)

// IsString returns true if the type is a string type.
func (t InstanceType) IsString() bool { return t < FirstNonstringType }

// ElementsKind describes the backing store representation of an object's elements.
type ElementsKind uint8

const (
	PackedSmiElements ElementsKind = iota
	HoleySmiElements
	PackedElements
	HoleyElements
	PackedDoubleElements
	HoleyDoubleElements
)

// String implements fmt.Stringer.
func (k ElementsKind) String() string {
	switch k {
	case PackedSmiElements:
		return "PACKED_SMI_ELEMENTS"
	case HoleySmiElements:
		return "HOLEY_SMI_ELEMENTS"
	case PackedElements:
		return "PACKED_ELEMENTS"
	case HoleyElements:
		return "HOLEY_ELEMENTS"
	case PackedDoubleElements:
		return "PACKED_DOUBLE_ELEMENTS"
	case HoleyDoubleElements:
		return "HOLEY_DOUBLE_ELEMENTS"
	default:
		return fmt.Sprintf("ElementsKind(%d)", uint8(k))
	}
}

// IsSmiElementsKind returns true for Smi-only backing stores.
func (k ElementsKind) IsSmiElementsKind() bool {
	return k == PackedSmiElements || k == HoleySmiElements
}

// IsObjectElementsKind returns true for generic tagged backing stores.
func (k ElementsKind) IsObjectElementsKind() bool {
	return k == PackedElements || k == HoleyElements
}

// IsDoubleElementsKind returns true for unboxed double backing stores.
func (k ElementsKind) IsDoubleElementsKind() bool {
	return k == PackedDoubleElements || k == HoleyDoubleElements
}

// Holey returns the holey variant of the kind.
func (k ElementsKind) Holey() ElementsKind {
	switch k {
	case PackedSmiElements:
		return HoleySmiElements
	case PackedElements:
		return HoleyElements
	case PackedDoubleElements:
		return HoleyDoubleElements
	default:
		return k
	}
}

// IsSimpleMapChangeTransition returns true if an object can move from one kind to the other by
// only rewriting its map, without touching the backing store.
func IsSimpleMapChangeTransition(from, to ElementsKind) bool {
	return from.Holey() == to || (from.IsSmiElementsKind() && to.IsObjectElementsKind())
}
