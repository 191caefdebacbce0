package heap

// RootIndex names an entry of the roots table. The roots register of generated code points at
// the first entry, so a root is loaded with a single word load at RootIndex*WordSize.
type RootIndex uint16

const (
	RootUndefinedValue RootIndex = iota
	RootNullValue
	RootTheHoleValue
	RootTrueValue
	RootFalseValue
	RootEmptyString
	RootEmptyFixedArray
	RootMetaMap
	RootHeapNumberMap
	RootOddballMap
	RootFixedArrayMap
	RootOneByteStringMap
	RootFeedbackVectorMap
	RootCodeMap
	// Roots below are mutable and never read-only.
	RootNoClosuresCellMap
	RootStringTable
	RootArraySpeciesProtector

	RootCount
)

type rootInfo struct {
	name     string
	readOnly bool
	// staticPtr is the compressed pointer of a read-only root when static roots are available.
	staticPtr uint32
}

var rootInfos = [RootCount]rootInfo{
	RootUndefinedValue:        {"undefined_value", true, 0x11},
	RootNullValue:             {"null_value", true, 0x29},
	RootTheHoleValue:          {"the_hole_value", true, 0x41},
	RootTrueValue:             {"true_value", true, 0x59},
	RootFalseValue:            {"false_value", true, 0x71},
	RootEmptyString:           {"empty_string", true, 0x89},
	RootEmptyFixedArray:       {"empty_fixed_array", true, 0x7f1},
	RootMetaMap:               {"meta_map", true, 0x2d1},
	RootHeapNumberMap:         {"heap_number_map", true, 0x4b1},
	RootOddballMap:            {"oddball_map", true, 0x5a9},
	RootFixedArrayMap:         {"fixed_array_map", true, 0x5d1},
	RootOneByteStringMap:      {"one_byte_string_map", true, 0x1b29},
	RootFeedbackVectorMap:     {"feedback_vector_map", true, 0x2f91},
	RootCodeMap:               {"code_map", true, 0x3a01},
	RootNoClosuresCellMap:     {"no_closures_cell_map", false, 0},
	RootStringTable:           {"string_table", false, 0},
	RootArraySpeciesProtector: {"array_species_protector", false, 0},
}

// String implements fmt.Stringer.
func (r RootIndex) String() string {
	if r >= RootCount {
		return "invalid_root"
	}
	return rootInfos[r].name
}

// IsReadOnly returns true if the root lives in the immutable read-only space.
func (r RootIndex) IsReadOnly() bool {
	return r < RootCount && rootInfos[r].readOnly
}

// ReadOnlyRootPtr returns the static compressed pointer of a read-only root.
// It panics for mutable roots, which have no static address.
func (r RootIndex) ReadOnlyRootPtr() uint32 {
	if !r.IsReadOnly() {
		panic("BUG: " + r.String() + " is not a read-only root")
	}
	return rootInfos[r].staticPtr
}

// RootTableOffset returns the displacement of the root from the roots register.
func (r RootIndex) RootTableOffset() int64 {
	return int64(r) * WordSize
}
