// Package maglev is the second compilation tier: a graph of high level nodes, each of which
// declares where its values must live and then generates code into a masm.MacroAssembler
// together with the deoptimization metadata the runtime needs to leave the code.
package maglev

import "fmt"

// Opcode is the kind of a Node. The set is closed: every kind specific behavior is a switch or
// a table lookup over Opcode.
type Opcode uint16

const (
	OpcodeInvalid Opcode = iota

	// Constants and parameters.
	OpcodeInt32Constant
	OpcodeFloat64Constant
	OpcodeSmiConstant
	OpcodeRootConstant
	OpcodeConstant
	// OpcodeInitialValue is a parameter of the function. Parameter i arrives in x<i>.
	OpcodeInitialValue

	// Guards.
	OpcodeCheckSmi
	OpcodeCheckHeapObject
	OpcodeCheckString
	OpcodeCheckInstanceType
	OpcodeCheckMaps
	OpcodeCheckMapsWithMigration
	OpcodeCheckJSTypedArrayBounds
	OpcodeCheckJSDataViewBounds

	// Field access.
	OpcodeLoadTaggedField
	OpcodeLoadDoubleField
	OpcodeLoadPolymorphicTaggedField
	OpcodeLoadPolymorphicDoubleField
	OpcodeStoreTaggedFieldNoWriteBarrier
	OpcodeStoreTaggedFieldWithWriteBarrier
	OpcodeTransitionElementsKindOrCheckMap

	OpcodeTryOnStackReplacement

	// Arithmetic.
	OpcodeInt32AddWithOverflow
	OpcodeInt32SubtractWithOverflow
	OpcodeInt32MultiplyWithOverflow
	OpcodeInt32BitwiseAnd
	OpcodeInt32BitwiseOr
	OpcodeInt32BitwiseXor
	OpcodeFloat64Add
	OpcodeFloat64Subtract
	OpcodeFloat64Multiply
	OpcodeFloat64Divide

	// Conversions.
	OpcodeCheckedSmiTagInt32
	OpcodeCheckedSmiUntag
	OpcodeUnsafeSmiUntag
	OpcodeChangeInt32ToFloat64
	OpcodeFloat64Box

	// Calls.
	OpcodeCallBuiltin
	OpcodeCallRuntime

	// Control nodes end a block.
	OpcodeJump
	OpcodeBranchIfInt32Compare
	OpcodeBranchIfRootConstant
	OpcodeReturn
	OpcodeDeopt

	opcodeEnd
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case OpcodeInvalid:
		return "invalid"
	case OpcodeInt32Constant:
		return "Int32Constant"
	case OpcodeFloat64Constant:
		return "Float64Constant"
	case OpcodeSmiConstant:
		return "SmiConstant"
	case OpcodeRootConstant:
		return "RootConstant"
	case OpcodeConstant:
		return "Constant"
	case OpcodeInitialValue:
		return "InitialValue"
	case OpcodeCheckSmi:
		return "CheckSmi"
	case OpcodeCheckHeapObject:
		return "CheckHeapObject"
	case OpcodeCheckString:
		return "CheckString"
	case OpcodeCheckInstanceType:
		return "CheckInstanceType"
	case OpcodeCheckMaps:
		return "CheckMaps"
	case OpcodeCheckMapsWithMigration:
		return "CheckMapsWithMigration"
	case OpcodeCheckJSTypedArrayBounds:
		return "CheckJSTypedArrayBounds"
	case OpcodeCheckJSDataViewBounds:
		return "CheckJSDataViewBounds"
	case OpcodeLoadTaggedField:
		return "LoadTaggedField"
	case OpcodeLoadDoubleField:
		return "LoadDoubleField"
	case OpcodeLoadPolymorphicTaggedField:
		return "LoadPolymorphicTaggedField"
	case OpcodeLoadPolymorphicDoubleField:
		return "LoadPolymorphicDoubleField"
	case OpcodeStoreTaggedFieldNoWriteBarrier:
		return "StoreTaggedFieldNoWriteBarrier"
	case OpcodeStoreTaggedFieldWithWriteBarrier:
		return "StoreTaggedFieldWithWriteBarrier"
	case OpcodeTransitionElementsKindOrCheckMap:
		return "TransitionElementsKindOrCheckMap"
	case OpcodeTryOnStackReplacement:
		return "TryOnStackReplacement"
	case OpcodeInt32AddWithOverflow:
		return "Int32AddWithOverflow"
	case OpcodeInt32SubtractWithOverflow:
		return "Int32SubtractWithOverflow"
	case OpcodeInt32MultiplyWithOverflow:
		return "Int32MultiplyWithOverflow"
	case OpcodeInt32BitwiseAnd:
		return "Int32BitwiseAnd"
	case OpcodeInt32BitwiseOr:
		return "Int32BitwiseOr"
	case OpcodeInt32BitwiseXor:
		return "Int32BitwiseXor"
	case OpcodeFloat64Add:
		return "Float64Add"
	case OpcodeFloat64Subtract:
		return "Float64Subtract"
	case OpcodeFloat64Multiply:
		return "Float64Multiply"
	case OpcodeFloat64Divide:
		return "Float64Divide"
	case OpcodeCheckedSmiTagInt32:
		return "CheckedSmiTagInt32"
	case OpcodeCheckedSmiUntag:
		return "CheckedSmiUntag"
	case OpcodeUnsafeSmiUntag:
		return "UnsafeSmiUntag"
	case OpcodeChangeInt32ToFloat64:
		return "ChangeInt32ToFloat64"
	case OpcodeFloat64Box:
		return "Float64Box"
	case OpcodeCallBuiltin:
		return "CallBuiltin"
	case OpcodeCallRuntime:
		return "CallRuntime"
	case OpcodeJump:
		return "Jump"
	case OpcodeBranchIfInt32Compare:
		return "BranchIfInt32Compare"
	case OpcodeBranchIfRootConstant:
		return "BranchIfRootConstant"
	case OpcodeReturn:
		return "Return"
	case OpcodeDeopt:
		return "Deopt"
	}
	return fmt.Sprintf("Opcode(%d)", uint16(o))
}

// OpProperties are the static capabilities of an opcode.
type OpProperties uint16

const (
	// OpPropertyCanEagerDeopt means the node may branch to an eager deopt exit.
	OpPropertyCanEagerDeopt OpProperties = 1 << iota
	// OpPropertyCanLazyDeopt means the runtime may invalidate the code while the node's call is
	// in progress.
	OpPropertyCanLazyDeopt
	// OpPropertyNeedsRegisterSnapshot means deferred code calls out and must preserve the live
	// registers itself.
	OpPropertyNeedsRegisterSnapshot
	// OpPropertyIsCall means the node calls out on its main path. Every live value is spilled
	// around it.
	OpPropertyIsCall
	OpPropertyCanThrow
	OpPropertyCanRead
	OpPropertyCanWrite
)

// Has returns true if every property of o is set in p.
func (p OpProperties) Has(o OpProperties) bool { return p&o == o }

// ValueRepresentation is how the value of a node is held in a register.
type ValueRepresentation byte

const (
	// ValueRepresentationNone is for nodes without a value.
	ValueRepresentationNone ValueRepresentation = iota
	// ValueRepresentationTagged values are Smis or tagged heap pointers in general registers.
	ValueRepresentationTagged
	// ValueRepresentationInt32 values are in the low word of a general register, upper half zero.
	ValueRepresentationInt32
	ValueRepresentationUint32
	// ValueRepresentationFloat64 values are in double registers.
	ValueRepresentationFloat64
)

// String implements fmt.Stringer.
func (r ValueRepresentation) String() string {
	switch r {
	case ValueRepresentationNone:
		return "none"
	case ValueRepresentationTagged:
		return "tagged"
	case ValueRepresentationInt32:
		return "int32"
	case ValueRepresentationUint32:
		return "uint32"
	case ValueRepresentationFloat64:
		return "float64"
	}
	return fmt.Sprintf("ValueRepresentation(%d)", byte(r))
}

// payloadSize is the size class of the kind specific data a node carries. Overwriting a node
// in place is only allowed between opcodes of the same class.
type payloadSize byte

const (
	payloadNone payloadSize = iota
	// payloadWord is a single scalar: a constant, an offset, a root or a call target.
	payloadWord
	// payloadPair is two scalars, e.g. an instance type range or a compare with targets.
	payloadPair
	// payloadList carries a slice: maps, access infos or transition sources.
	payloadList
)

// variadic marks an opcode whose input count is chosen per node.
const variadic = -1

type opcodeInfo struct {
	inputs  int
	props   OpProperties
	repr    ValueRepresentation
	payload payloadSize
}

const (
	eagerDeopt = OpPropertyCanEagerDeopt
	snapshot   = OpPropertyNeedsRegisterSnapshot
	read       = OpPropertyCanRead
	write      = OpPropertyCanWrite
	call       = OpPropertyIsCall | OpPropertyCanLazyDeopt | OpPropertyCanThrow | read | write
)

var opcodeInfos = [opcodeEnd]opcodeInfo{
	OpcodeInt32Constant:   {0, 0, ValueRepresentationInt32, payloadWord},
	OpcodeFloat64Constant: {0, 0, ValueRepresentationFloat64, payloadWord},
	OpcodeSmiConstant:     {0, 0, ValueRepresentationTagged, payloadWord},
	OpcodeRootConstant:    {0, 0, ValueRepresentationTagged, payloadWord},
	OpcodeConstant:        {0, 0, ValueRepresentationTagged, payloadWord},
	OpcodeInitialValue:    {0, 0, ValueRepresentationTagged, payloadWord},

	OpcodeCheckSmi:                {1, eagerDeopt, ValueRepresentationNone, payloadNone},
	OpcodeCheckHeapObject:         {1, eagerDeopt, ValueRepresentationNone, payloadNone},
	OpcodeCheckString:             {1, eagerDeopt | read, ValueRepresentationNone, payloadNone},
	OpcodeCheckInstanceType:       {1, eagerDeopt | read, ValueRepresentationNone, payloadPair},
	OpcodeCheckMaps:               {1, eagerDeopt | read, ValueRepresentationNone, payloadList},
	OpcodeCheckMapsWithMigration:  {1, eagerDeopt | snapshot | read | write, ValueRepresentationNone, payloadList},
	OpcodeCheckJSTypedArrayBounds: {2, eagerDeopt | read, ValueRepresentationNone, payloadWord},
	OpcodeCheckJSDataViewBounds:   {2, eagerDeopt | read, ValueRepresentationNone, payloadWord},

	OpcodeLoadTaggedField:                  {1, read, ValueRepresentationTagged, payloadWord},
	OpcodeLoadDoubleField:                  {1, read, ValueRepresentationFloat64, payloadWord},
	OpcodeLoadPolymorphicTaggedField:       {1, eagerDeopt | snapshot | read, ValueRepresentationTagged, payloadList},
	OpcodeLoadPolymorphicDoubleField:       {1, eagerDeopt | read, ValueRepresentationFloat64, payloadList},
	OpcodeStoreTaggedFieldNoWriteBarrier:   {2, write, ValueRepresentationNone, payloadWord},
	OpcodeStoreTaggedFieldWithWriteBarrier: {2, snapshot | write, ValueRepresentationNone, payloadWord},
	OpcodeTransitionElementsKindOrCheckMap: {1, eagerDeopt | snapshot | read | write, ValueRepresentationNone, payloadList},

	OpcodeTryOnStackReplacement: {2, eagerDeopt | snapshot | read | write, ValueRepresentationNone, payloadPair},

	OpcodeInt32AddWithOverflow:      {2, eagerDeopt, ValueRepresentationInt32, payloadNone},
	OpcodeInt32SubtractWithOverflow: {2, eagerDeopt, ValueRepresentationInt32, payloadNone},
	OpcodeInt32MultiplyWithOverflow: {2, eagerDeopt, ValueRepresentationInt32, payloadNone},
	OpcodeInt32BitwiseAnd:           {2, 0, ValueRepresentationInt32, payloadNone},
	OpcodeInt32BitwiseOr:            {2, 0, ValueRepresentationInt32, payloadNone},
	OpcodeInt32BitwiseXor:           {2, 0, ValueRepresentationInt32, payloadNone},
	OpcodeFloat64Add:                {2, 0, ValueRepresentationFloat64, payloadNone},
	OpcodeFloat64Subtract:           {2, 0, ValueRepresentationFloat64, payloadNone},
	OpcodeFloat64Multiply:           {2, 0, ValueRepresentationFloat64, payloadNone},
	OpcodeFloat64Divide:             {2, 0, ValueRepresentationFloat64, payloadNone},

	OpcodeCheckedSmiTagInt32:   {1, eagerDeopt, ValueRepresentationTagged, payloadNone},
	OpcodeCheckedSmiUntag:      {1, eagerDeopt, ValueRepresentationInt32, payloadNone},
	OpcodeUnsafeSmiUntag:       {1, 0, ValueRepresentationInt32, payloadNone},
	OpcodeChangeInt32ToFloat64: {1, 0, ValueRepresentationFloat64, payloadNone},
	OpcodeFloat64Box:           {1, snapshot, ValueRepresentationTagged, payloadNone},

	OpcodeCallBuiltin: {variadic, call, ValueRepresentationTagged, payloadWord},
	OpcodeCallRuntime: {variadic, call, ValueRepresentationTagged, payloadWord},

	OpcodeJump:                 {0, 0, ValueRepresentationNone, payloadWord},
	OpcodeBranchIfInt32Compare: {2, 0, ValueRepresentationNone, payloadPair},
	OpcodeBranchIfRootConstant: {1, 0, ValueRepresentationNone, payloadPair},
	OpcodeReturn:               {1, 0, ValueRepresentationNone, payloadNone},
	OpcodeDeopt:                {0, eagerDeopt, ValueRepresentationNone, payloadWord},
}

func (o Opcode) info() *opcodeInfo {
	if o == OpcodeInvalid || o >= opcodeEnd {
		panic(fmt.Sprintf("BUG: invalid opcode %d", uint16(o)))
	}
	return &opcodeInfos[o]
}

// Properties returns the static properties of o.
func (o Opcode) Properties() OpProperties { return o.info().props }

// ValueRepresentation returns the representation of the value nodes of kind o produce.
func (o Opcode) ValueRepresentation() ValueRepresentation { return o.info().repr }

// InputCount returns the fixed number of inputs, or -1 if the count varies per node.
func (o Opcode) InputCount() int { return o.info().inputs }

// IsControl returns true for opcodes that end a block.
func (o Opcode) IsControl() bool { return o >= OpcodeJump && o < opcodeEnd }

// IsValue returns true for opcodes producing a value.
func (o Opcode) IsValue() bool { return o.ValueRepresentation() != ValueRepresentationNone }
