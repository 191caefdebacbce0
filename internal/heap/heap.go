package heap

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	defaultBase = 0x10000
	defaultSize = 1 << 20
)

// Heap is a flat little-endian memory with a bump allocator, populated with the read-only
// roots generated code expects. It stands in for the garbage collected heap so that generated
// code can be executed by the simulator.
type Heap struct {
	base       uint64
	mem        []byte
	top        uint64
	roots      [RootCount]Tagged
	rootsTable uint64
}

// MapSpec describes a map to create with NewMap.
type MapSpec struct {
	InstanceType    InstanceType
	ElementsKind    ElementsKind
	Deprecated      bool
	MigrationTarget bool
	Stable          bool
}

// New returns a Heap with the roots table set up.
func New() *Heap {
	h := &Heap{base: defaultBase, mem: make([]byte, defaultSize), top: defaultBase}
	h.rootsTable = h.Allocate(int(RootCount) * WordSize)

	meta := FromAddress(h.Allocate(MapSize))
	h.writeWord(meta.Address()+MapOffset, uint64(meta))
	h.writeWord(meta.Address()+MapInstanceTypeOffset, uint64(MapType))
	h.setRoot(RootMetaMap, meta)

	h.setRoot(RootOddballMap, h.NewMap(MapSpec{InstanceType: OddballType, Stable: true}))
	h.setRoot(RootHeapNumberMap, h.NewMap(MapSpec{InstanceType: HeapNumberType, Stable: true}))
	h.setRoot(RootFixedArrayMap, h.NewMap(MapSpec{InstanceType: FixedArrayType, Stable: true}))
	h.setRoot(RootOneByteStringMap, h.NewMap(MapSpec{InstanceType: SeqOneByteStringType, Stable: true}))
	h.setRoot(RootFeedbackVectorMap, h.NewMap(MapSpec{InstanceType: FeedbackVectorType, Stable: true}))
	h.setRoot(RootCodeMap, h.NewMap(MapSpec{InstanceType: CodeType, Stable: true}))
	h.setRoot(RootNoClosuresCellMap, h.NewMap(MapSpec{InstanceType: FixedArrayType}))

	for _, r := range []RootIndex{RootUndefinedValue, RootNullValue, RootTheHoleValue, RootTrueValue, RootFalseValue} {
		h.setRoot(r, h.allocateWithMap(h.roots[RootOddballMap], 2*WordSize))
	}
	h.setRoot(RootEmptyString, h.NewString(""))
	empty := h.allocateWithMap(h.roots[RootFixedArrayMap], 2*WordSize)
	h.setRoot(RootEmptyFixedArray, empty)
	h.setRoot(RootStringTable, empty)
	h.setRoot(RootArraySpeciesProtector, SmiFromInt(1))
	return h
}

func (h *Heap) setRoot(r RootIndex, v Tagged) {
	h.roots[r] = v
	h.writeWord(h.rootsTable+uint64(r.RootTableOffset()), uint64(v))
}

// Root returns the value of the root.
func (h *Heap) Root(r RootIndex) Tagged { return h.roots[r] }

// RootsTableAddress is the value the roots register holds while generated code runs.
func (h *Heap) RootsTableAddress() uint64 { return h.rootsTable }

// Allocate reserves size bytes aligned to a word and returns the untagged address.
func (h *Heap) Allocate(size int) uint64 {
	size = (size + WordSize - 1) &^ (WordSize - 1)
	addr := h.top
	h.top += uint64(size)
	if need := h.top - h.base; need > uint64(len(h.mem)) {
		grown := make([]byte, 2*need)
		copy(grown, h.mem)
		h.mem = grown
	}
	return addr
}

func (h *Heap) allocateWithMap(m Tagged, size int) Tagged {
	obj := FromAddress(h.Allocate(size))
	h.writeWord(obj.Address()+MapOffset, uint64(m))
	return obj
}

// Load reads size (1, 2, 4 or 8) bytes at addr, zero extended.
func (h *Heap) Load(addr uint64, size int) (uint64, error) {
	b, err := h.slice(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("invalid access size %d", size)
	}
}

// Store writes the low size bytes of v at addr.
func (h *Heap) Store(addr uint64, size int, v uint64) error {
	b, err := h.slice(addr, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("invalid access size %d", size)
	}
	return nil
}

func (h *Heap) slice(addr uint64, size int) ([]byte, error) {
	if addr < h.base || addr+uint64(size) > h.top {
		return nil, fmt.Errorf("access to unmapped address %#x", addr)
	}
	off := addr - h.base
	return h.mem[off : off+uint64(size)], nil
}

func (h *Heap) readWord(addr uint64) uint64 {
	v, err := h.Load(addr, WordSize)
	if err != nil {
		panic("BUG: " + err.Error())
	}
	return v
}

func (h *Heap) writeWord(addr uint64, v uint64) {
	if err := h.Store(addr, WordSize, v); err != nil {
		panic("BUG: " + err.Error())
	}
}

// Field reads the word field of obj at offset.
func (h *Heap) Field(obj Tagged, offset int) Tagged {
	return Tagged(h.readWord(obj.Address() + uint64(offset)))
}

// SetField writes the word field of obj at offset.
func (h *Heap) SetField(obj Tagged, offset int, v Tagged) {
	h.writeWord(obj.Address()+uint64(offset), uint64(v))
}

// MapOf returns the map of a heap object.
func (h *Heap) MapOf(obj Tagged) Tagged {
	if obj.IsSmi() {
		panic("BUG: Smi has no map")
	}
	return h.Field(obj, MapOffset)
}

// NewMap creates a map.
func (h *Heap) NewMap(spec MapSpec) Tagged {
	m := h.allocateWithMap(h.roots[RootMetaMap], MapSize)
	var bits uint32
	if spec.Deprecated {
		bits |= MapIsDeprecatedBit
	}
	if spec.MigrationTarget {
		bits |= MapIsMigrationTargetBit
	}
	if spec.Stable {
		bits |= MapIsStableBit
	}
	h.writeWord(m.Address()+MapInstanceTypeOffset, uint64(spec.InstanceType))
	h.writeWord(m.Address()+MapBitField3Offset, uint64(bits))
	h.writeWord(m.Address()+MapElementsKindOffset, uint64(spec.ElementsKind))
	h.writeWord(m.Address()+MapReplacementOffset, uint64(SmiZero))
	return m
}

// DeprecateMap marks m deprecated and records the map its instances migrate to.
func (h *Heap) DeprecateMap(m, replacement Tagged) {
	bits := h.MapBitField3(m) | MapIsDeprecatedBit
	h.writeWord(m.Address()+MapBitField3Offset, uint64(bits))
	h.writeWord(m.Address()+MapReplacementOffset, uint64(replacement))
}

// MapInstanceType returns the instance type recorded in the map.
func (h *Heap) MapInstanceType(m Tagged) InstanceType {
	return InstanceType(h.readWord(m.Address() + MapInstanceTypeOffset))
}

// MapBitField3 returns the bit_field3 of the map.
func (h *Heap) MapBitField3(m Tagged) uint32 {
	return uint32(h.readWord(m.Address() + MapBitField3Offset))
}

// MapElementsKind returns the elements kind of the map.
func (h *Heap) MapElementsKind(m Tagged) ElementsKind {
	return ElementsKind(h.readWord(m.Address() + MapElementsKindOffset))
}

// NewHeapNumber boxes v.
func (h *Heap) NewHeapNumber(v float64) Tagged {
	n := h.allocateWithMap(h.roots[RootHeapNumberMap], HeapNumberSize)
	h.writeWord(n.Address()+HeapNumberValueOffset, math.Float64bits(v))
	return n
}

// HeapNumberValue unboxes a HeapNumber.
func (h *Heap) HeapNumberValue(n Tagged) float64 {
	return math.Float64frombits(h.readWord(n.Address() + HeapNumberValueOffset))
}

// NewString creates a one-byte string.
func (h *Heap) NewString(s string) Tagged {
	str := h.allocateWithMap(h.roots[RootOneByteStringMap], StringHeaderSize+len(s))
	h.writeWord(str.Address()+StringLengthOffset, uint64(len(s)))
	for i := 0; i < len(s); i++ {
		_ = h.Store(str.Address()+StringHeaderSize+uint64(i), 1, uint64(s[i]))
	}
	return str
}

// StringLength returns the length of a string.
func (h *Heap) StringLength(s Tagged) int32 {
	return int32(h.readWord(s.Address() + StringLengthOffset))
}

// NewJSObject creates an object with the given map and number of in-object fields, all
// initialized to undefined.
func (h *Heap) NewJSObject(m Tagged, inObjectFields int) Tagged {
	obj := h.allocateWithMap(m, JSObjectHeaderSize+inObjectFields*WordSize)
	h.SetField(obj, JSObjectPropertiesOffset, h.roots[RootEmptyFixedArray])
	h.SetField(obj, JSObjectElementsOffset, h.roots[RootEmptyFixedArray])
	for i := 0; i < inObjectFields; i++ {
		h.SetField(obj, JSObjectInObjectFieldOffset(i), h.roots[RootUndefinedValue])
	}
	return obj
}

// NewArrayBufferView creates a typed array or data view with the given byte length.
// length is the element count and is ignored for data views.
func (h *Heap) NewArrayBufferView(m Tagged, byteLength, length uint64) Tagged {
	v := h.allocateWithMap(m, JSArrayBufferViewSize)
	h.SetField(v, JSObjectPropertiesOffset, h.roots[RootEmptyFixedArray])
	h.SetField(v, JSObjectElementsOffset, h.roots[RootEmptyFixedArray])
	h.SetField(v, JSArrayBufferViewByteLengthOffset, Tagged(byteLength))
	h.SetField(v, JSTypedArrayLengthOffset, Tagged(length))
	return v
}

// NewFeedbackVector creates a feedback vector with the given number of slots, all cleared.
func (h *Heap) NewFeedbackVector(slots int) Tagged {
	fv := h.allocateWithMap(h.roots[RootFeedbackVectorMap], FeedbackVectorSlotsOffset+slots*WordSize)
	h.SetField(fv, FeedbackVectorOsrStateOffset, 0)
	for i := 0; i < slots; i++ {
		h.SetField(fv, FeedbackVectorSlotOffset(i), SmiZero)
	}
	return fv
}

// SetOsrState writes the osr_state byte of a feedback vector.
func (h *Heap) SetOsrState(fv Tagged, state uint8) {
	_ = h.Store(fv.Address()+FeedbackVectorOsrStateOffset, 1, uint64(state))
}

// OsrState reads the osr_state byte of a feedback vector.
func (h *Heap) OsrState(fv Tagged) uint8 {
	v, _ := h.Load(fv.Address()+FeedbackVectorOsrStateOffset, 1)
	return uint8(v)
}

// NewCode creates a code object.
func (h *Heap) NewCode(markedForDeoptimization bool) Tagged {
	c := h.allocateWithMap(h.roots[RootCodeMap], CodeSize)
	var marked Tagged
	if markedForDeoptimization {
		marked = 1
	}
	h.SetField(c, CodeMarkedForDeoptOffset, marked)
	return c
}

// TryMigrateInstance moves obj off a deprecated map. It returns obj on success and Smi zero
// when the map has nothing to migrate to.
func (h *Heap) TryMigrateInstance(obj Tagged) Tagged {
	if obj.IsSmi() {
		return SmiZero
	}
	m := h.MapOf(obj)
	if h.MapBitField3(m)&MapIsDeprecatedBit == 0 {
		return SmiZero
	}
	target := Tagged(h.readWord(m.Address() + MapReplacementOffset))
	if target == SmiZero {
		return SmiZero
	}
	h.SetField(obj, MapOffset, target)
	return obj
}

// TransitionElementsKind moves obj to target, converting the backing store as needed.
func (h *Heap) TransitionElementsKind(obj, target Tagged) {
	h.SetField(obj, MapOffset, target)
}
