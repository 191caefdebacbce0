package maglev

import (
	"fmt"
	"math"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/jitapi"
	"github.com/tetratelabs/jitcore/internal/masm"
)

// Node is a node of the graph. Nodes producing a value are also deopt.Values so that frames
// can refer to them.
type Node struct {
	op      Opcode
	id      uint32
	block   *Block
	inputs  []*Node
	payload payload
	eager   *EagerDeoptInfo
	lazy    *LazyDeoptInfo
	// handler is the block a throwing call continues in.
	handler *Block

	alloc nodeAllocation
}

// payload is the kind specific data of a node. Which fields are meaningful depends on the
// opcode; its size class is in the properties table.
type payload struct {
	// scalar is the constant, field offset, parameter index, element size, OSR offset or call
	// target.
	scalar int64
	// second is the upper instance type, the loop depth or the compare condition.
	second int64
	root   heap.RootIndex
	reason deopt.Reason
	// maps are the candidate maps of map checks and the sources of elements kind transitions.
	maps    []heap.Tagged
	target  heap.Tagged
	access  []PolymorphicAccessInfo
	osr     OsrInfo
	ifTrue  *Block
	ifFalse *Block
}

// ID returns the graph-unique id of the node.
func (n *Node) ID() uint32 { return n.id }

// ValueID implements deopt.Value.
func (n *Node) ValueID() uint32 { return n.id }

// Opcode returns the kind of the node.
func (n *Node) Opcode() Opcode { return n.op }

// Block returns the block the node is scheduled in.
func (n *Node) Block() *Block { return n.block }

// Inputs returns the inputs in order.
func (n *Node) Inputs() []*Node { return n.inputs }

// Input returns the i-th input.
func (n *Node) Input(i int) *Node { return n.inputs[i] }

// Properties returns the static properties of the node's opcode.
func (n *Node) Properties() OpProperties { return n.op.Properties() }

// EagerDeoptInfo returns the eager deopt info, or nil.
func (n *Node) EagerDeoptInfo() *EagerDeoptInfo { return n.eager }

// LazyDeoptInfo returns the lazy deopt info, or nil.
func (n *Node) LazyDeoptInfo() *LazyDeoptInfo { return n.lazy }

// ExceptionHandler returns the handler block of a throwing call, or nil.
func (n *Node) ExceptionHandler() *Block { return n.handler }

// SetExceptionHandler makes h the block control continues in if the call throws.
func (n *Node) SetExceptionHandler(h *Block) {
	if !n.Properties().Has(OpPropertyCanThrow) {
		panic(fmt.Sprintf("BUG: %s cannot throw", n.op))
	}
	h.isHandler = true
	n.handler = h
}

// OverwriteWith changes the kind of the node in place. The new kind must be layout compatible
// with the old one and must not need deopt or snapshot support the node was not built with.
func (n *Node) OverwriteWith(op Opcode) {
	if jitapi.NodeOverwriteValidationEnabled {
		checkOverwrite(n.op, op)
	}
	n.op = op
}

func checkOverwrite(from, to Opcode) {
	fi, ti := from.info(), to.info()
	if fi.inputs != ti.inputs {
		panic(fmt.Sprintf("BUG: overwriting %s with %s changes the input count from %d to %d",
			from, to, fi.inputs, ti.inputs))
	}
	if fi.payload != ti.payload {
		panic(fmt.Sprintf("BUG: overwriting %s with %s changes the payload size", from, to))
	}
	const checked = OpPropertyCanEagerDeopt | OpPropertyCanLazyDeopt | OpPropertyNeedsRegisterSnapshot
	if added := ti.props &^ fi.props & checked; added != 0 {
		panic(fmt.Sprintf("BUG: overwriting %s with %s adds %s", from, to, formatProperties(added)))
	}
}

func formatProperties(p OpProperties) string {
	var ret string
	for _, e := range []struct {
		p    OpProperties
		name string
	}{
		{OpPropertyCanEagerDeopt, "eager deopt"},
		{OpPropertyCanLazyDeopt, "lazy deopt"},
		{OpPropertyNeedsRegisterSnapshot, "register snapshot"},
		{OpPropertyIsCall, "call"},
		{OpPropertyCanThrow, "throw"},
		{OpPropertyCanRead, "read"},
		{OpPropertyCanWrite, "write"},
	} {
		if p.Has(e.p) {
			if ret != "" {
				ret += ", "
			}
			ret += e.name
		}
	}
	return ret
}

// AccessKind is how one shape of a polymorphic load produces its value.
type AccessKind byte

const (
	// AccessNotFound loads undefined, or NaN for double loads.
	AccessNotFound AccessKind = iota
	AccessConstant
	AccessDataField
	AccessStringLength
)

// String implements fmt.Stringer.
func (k AccessKind) String() string {
	switch k {
	case AccessNotFound:
		return "NotFound"
	case AccessConstant:
		return "Constant"
	case AccessDataField:
		return "DataField"
	case AccessStringLength:
		return "StringLength"
	}
	return fmt.Sprintf("AccessKind(%d)", byte(k))
}

// PolymorphicAccessInfo is the load code for the objects with one of Maps. A Smi receiver is
// treated as having the HeapNumber map.
type PolymorphicAccessInfo struct {
	Kind AccessKind
	Maps []heap.Tagged
	// Constant is the result of tagged AccessConstant loads.
	Constant heap.Tagged
	// ConstantFloat64 is the result of double AccessConstant loads.
	ConstantFloat64 float64
	FieldOffset     int
	// FieldIsDouble means the field holds a HeapNumber box. Tagged loads copy the box so that
	// the result does not alias the mutable field.
	FieldIsDouble bool
}

// OsrInfo parameterizes TryOnStackReplacement.
type OsrInfo struct {
	// Offset is the bytecode offset of the loop header.
	Offset int32
	// FeedbackSlot holds cached OSR code, or Smi zero.
	FeedbackSlot int
	// Inlined means the loop belongs to an inlined function: the closure is passed to the
	// compile request.
	Inlined bool
}

// BlockID is the graph-unique id of a Block. Blocks are laid out in id order.
type BlockID uint32

// Block is a list of nodes ending with exactly one control node.
type Block struct {
	id        BlockID
	g         *Graph
	nodes     []*Node
	control   *Node
	preds     []*Block
	isHandler bool
	label     masm.Label
}

// ID returns the id of the block.
func (b *Block) ID() BlockID { return b.id }

// Nodes returns the non-control nodes.
func (b *Block) Nodes() []*Node { return b.nodes }

// Control returns the control node, or nil if the block is not finished.
func (b *Block) Control() *Node { return b.control }

// Predecessors returns the blocks jumping or branching here.
func (b *Block) Predecessors() []*Block { return b.preds }

// IsExceptionHandler returns true if a call's exceptions continue here.
func (b *Block) IsExceptionHandler() bool { return b.isHandler }

// isMerge returns true if the register state cannot be inherited from a single predecessor.
func (b *Block) isMerge() bool { return len(b.preds) > 1 || b.isHandler }

// Successors returns the targets of the control node.
func (b *Block) Successors() []*Block {
	c := b.control
	switch c.op {
	case OpcodeJump:
		return []*Block{c.payload.ifTrue}
	case OpcodeBranchIfInt32Compare, OpcodeBranchIfRootConstant:
		return []*Block{c.payload.ifTrue, c.payload.ifFalse}
	}
	return nil
}

// Graph owns the nodes and blocks of one compilation.
type Graph struct {
	nodes  jitapi.Pool[Node]
	blocks []*Block
	// Function identifies the compiled function in deopt translations.
	Function uint32
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: jitapi.NewPool[Node]()}
}

// Reset releases every node and block.
func (g *Graph) Reset() {
	g.nodes.Reset()
	g.blocks = g.blocks[:0]
	g.Function = 0
}

// Blocks returns the blocks in layout order.
func (g *Graph) Blocks() []*Block { return g.blocks }

// NodeCount returns the number of nodes created.
func (g *Graph) NodeCount() int { return g.nodes.Allocated() }

// NewBlock appends a block to the layout.
func (g *Graph) NewBlock() *Block {
	b := &Block{id: BlockID(len(g.blocks)), g: g}
	g.blocks = append(g.blocks, b)
	return b
}

func (b *Block) newNode(op Opcode, eager *EagerDeoptInfo, lazy *LazyDeoptInfo, inputs ...*Node) *Node {
	if b.control != nil {
		panic(fmt.Sprintf("BUG: b%d already ends with %s", b.id, b.control.op))
	}
	if want := op.InputCount(); want != variadic && want != len(inputs) {
		panic(fmt.Sprintf("BUG: %s takes %d inputs, got %d", op, want, len(inputs)))
	}
	for i, in := range inputs {
		if in == nil || !in.op.IsValue() {
			panic(fmt.Sprintf("BUG: input %d of %s is not a value", i, op))
		}
	}
	props := op.Properties()
	if props.Has(OpPropertyCanEagerDeopt) != (eager != nil) {
		panic(fmt.Sprintf("BUG: %s eager deopt info mismatch", op))
	}
	if props.Has(OpPropertyCanLazyDeopt) != (lazy != nil) {
		panic(fmt.Sprintf("BUG: %s lazy deopt info mismatch", op))
	}
	n := b.g.nodes.Allocate()
	*n = Node{op: op, id: uint32(b.g.nodes.Allocated() - 1), block: b, eager: eager, lazy: lazy}
	n.inputs = append(n.inputs, inputs...)
	if op.IsControl() {
		b.control = n
	} else {
		b.nodes = append(b.nodes, n)
	}
	return n
}

// Int32Constant adds an int32 constant.
func (b *Block) Int32Constant(v int32) *Node {
	n := b.newNode(OpcodeInt32Constant, nil, nil)
	n.payload.scalar = int64(v)
	return n
}

// Float64Constant adds a float64 constant.
func (b *Block) Float64Constant(v float64) *Node {
	n := b.newNode(OpcodeFloat64Constant, nil, nil)
	n.payload.scalar = int64(math.Float64bits(v))
	return n
}

// SmiConstant adds a Smi constant. v must fit a Smi.
func (b *Block) SmiConstant(v int32) *Node {
	heap.SmiFromInt(v)
	n := b.newNode(OpcodeSmiConstant, nil, nil)
	n.payload.scalar = int64(v)
	return n
}

// RootConstant adds the value of a root.
func (b *Block) RootConstant(r heap.RootIndex) *Node {
	n := b.newNode(OpcodeRootConstant, nil, nil)
	n.payload.root = r
	return n
}

// Constant adds a tagged constant, typically a heap object known at compile time.
func (b *Block) Constant(v heap.Tagged) *Node {
	n := b.newNode(OpcodeConstant, nil, nil)
	n.payload.scalar = int64(v)
	return n
}

// InitialValue adds parameter index. Parameters must come first in the first block.
func (b *Block) InitialValue(index int) *Node {
	if b.id != 0 {
		panic("BUG: parameters belong to the entry block")
	}
	for _, n := range b.nodes {
		if n.op != OpcodeInitialValue {
			panic("BUG: parameters must precede every other node")
		}
	}
	masm.GeneralRegister(index)
	n := b.newNode(OpcodeInitialValue, nil, nil)
	n.payload.scalar = int64(index)
	return n
}

// CheckSmi deopts with NotASmi unless v is a Smi.
func (b *Block) CheckSmi(v *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeCheckSmi, eager, nil, v)
}

// CheckHeapObject deopts with Smi if v is a Smi.
func (b *Block) CheckHeapObject(v *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeCheckHeapObject, eager, nil, v)
}

// CheckString deopts with NotAString unless v is a string.
func (b *Block) CheckString(v *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeCheckString, eager, nil, v)
}

// CheckInstanceType deopts with WrongInstanceType unless v is a heap object whose instance type
// is within [first, last].
func (b *Block) CheckInstanceType(v *Node, first, last heap.InstanceType, eager *EagerDeoptInfo) *Node {
	if first > last {
		panic("BUG: empty instance type range")
	}
	n := b.newNode(OpcodeCheckInstanceType, eager, nil, v)
	n.payload.scalar, n.payload.second = int64(first), int64(last)
	return n
}

// CheckMaps deopts with WrongMap unless the map of v is one of maps.
func (b *Block) CheckMaps(v *Node, maps []heap.Tagged, eager *EagerDeoptInfo) *Node {
	return b.checkMaps(OpcodeCheckMaps, v, maps, eager)
}

// CheckMapsWithMigration is CheckMaps that first migrates objects with a deprecated map.
func (b *Block) CheckMapsWithMigration(v *Node, maps []heap.Tagged, eager *EagerDeoptInfo) *Node {
	return b.checkMaps(OpcodeCheckMapsWithMigration, v, maps, eager)
}

func (b *Block) checkMaps(op Opcode, v *Node, maps []heap.Tagged, eager *EagerDeoptInfo) *Node {
	if len(maps) == 0 {
		panic("BUG: map check without maps")
	}
	n := b.newNode(op, eager, nil, v)
	n.payload.maps = maps
	return n
}

// CheckJSTypedArrayBounds deopts with OutOfBounds unless index addresses an element of the
// typed array receiver. Elements are 1<<elementSizeLog2 bytes.
func (b *Block) CheckJSTypedArrayBounds(receiver, index *Node, elementSizeLog2 int, eager *EagerDeoptInfo) *Node {
	if elementSizeLog2 < 0 || elementSizeLog2 > 3 {
		panic(fmt.Sprintf("BUG: invalid element size log2 %d", elementSizeLog2))
	}
	n := b.newNode(OpcodeCheckJSTypedArrayBounds, eager, nil, receiver, index)
	n.payload.scalar = int64(elementSizeLog2)
	return n
}

// CheckJSDataViewBounds deopts with OutOfBounds unless an access of elementSize bytes at the
// byte offset index is within the data view receiver.
func (b *Block) CheckJSDataViewBounds(receiver, index *Node, elementSize int, eager *EagerDeoptInfo) *Node {
	switch elementSize {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("BUG: invalid element size %d", elementSize))
	}
	n := b.newNode(OpcodeCheckJSDataViewBounds, eager, nil, receiver, index)
	n.payload.scalar = int64(elementSize)
	return n
}

// LoadTaggedField loads the tagged field at offset of obj.
func (b *Block) LoadTaggedField(obj *Node, offset int) *Node {
	n := b.newNode(OpcodeLoadTaggedField, nil, nil, obj)
	n.payload.scalar = int64(offset)
	return n
}

// LoadDoubleField loads the value of the HeapNumber held by the field at offset of obj.
func (b *Block) LoadDoubleField(obj *Node, offset int) *Node {
	n := b.newNode(OpcodeLoadDoubleField, nil, nil, obj)
	n.payload.scalar = int64(offset)
	return n
}

// LoadPolymorphicTaggedField loads a property of obj given the access infos of its possible
// maps. Other maps deopt with WrongMap.
func (b *Block) LoadPolymorphicTaggedField(obj *Node, infos []PolymorphicAccessInfo, eager *EagerDeoptInfo) *Node {
	return b.loadPolymorphic(OpcodeLoadPolymorphicTaggedField, obj, infos, eager)
}

// LoadPolymorphicDoubleField is LoadPolymorphicTaggedField producing a float64.
func (b *Block) LoadPolymorphicDoubleField(obj *Node, infos []PolymorphicAccessInfo, eager *EagerDeoptInfo) *Node {
	return b.loadPolymorphic(OpcodeLoadPolymorphicDoubleField, obj, infos, eager)
}

func (b *Block) loadPolymorphic(op Opcode, obj *Node, infos []PolymorphicAccessInfo, eager *EagerDeoptInfo) *Node {
	if len(infos) == 0 {
		panic("BUG: polymorphic load without access infos")
	}
	for _, info := range infos {
		if len(info.Maps) == 0 {
			panic("BUG: access info without maps")
		}
	}
	n := b.newNode(op, eager, nil, obj)
	n.payload.access = infos
	return n
}

// StoreTaggedFieldNoWriteBarrier stores value, which must not need a write barrier, in the
// field at offset of obj.
func (b *Block) StoreTaggedFieldNoWriteBarrier(obj *Node, offset int, value *Node) *Node {
	n := b.newNode(OpcodeStoreTaggedFieldNoWriteBarrier, nil, nil, obj, value)
	n.payload.scalar = int64(offset)
	return n
}

// StoreTaggedFieldWithWriteBarrier stores value in the field at offset of obj and records the
// slot if value is a heap object.
func (b *Block) StoreTaggedFieldWithWriteBarrier(obj *Node, offset int, value *Node) *Node {
	n := b.newNode(OpcodeStoreTaggedFieldWithWriteBarrier, nil, nil, obj, value)
	n.payload.scalar = int64(offset)
	return n
}

// TransitionElementsKindOrCheckMap moves obj to target if its map is one of sources, and
// otherwise deopts with WrongMap unless its map already is target.
func (b *Block) TransitionElementsKindOrCheckMap(obj *Node, sources []heap.Tagged, target heap.Tagged, eager *EagerDeoptInfo) *Node {
	n := b.newNode(OpcodeTransitionElementsKindOrCheckMap, eager, nil, obj)
	n.payload.maps, n.payload.target = sources, target
	return n
}

// TryOnStackReplacement checks whether optimized code for the enclosing loop should be entered
// at the loop header. loopDepth is the nesting depth of the loop.
func (b *Block) TryOnStackReplacement(feedbackVector, closure *Node, loopDepth int, osr OsrInfo, eager *EagerDeoptInfo) *Node {
	if loopDepth < 0 || loopDepth > heap.MaxOsrUrgency {
		panic(fmt.Sprintf("BUG: invalid loop depth %d", loopDepth))
	}
	n := b.newNode(OpcodeTryOnStackReplacement, eager, nil, feedbackVector, closure)
	n.payload.second, n.payload.osr = int64(loopDepth), osr
	return n
}

// Int32AddWithOverflow adds two int32 values, deopting with Overflow.
func (b *Block) Int32AddWithOverflow(l, r *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeInt32AddWithOverflow, eager, nil, l, r)
}

// Int32SubtractWithOverflow subtracts two int32 values, deopting with Overflow.
func (b *Block) Int32SubtractWithOverflow(l, r *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeInt32SubtractWithOverflow, eager, nil, l, r)
}

// Int32MultiplyWithOverflow multiplies two int32 values, deopting with Overflow if the product
// does not fit or is -0.
func (b *Block) Int32MultiplyWithOverflow(l, r *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeInt32MultiplyWithOverflow, eager, nil, l, r)
}

// Int32Bitwise adds one of the Int32Bitwise opcodes.
func (b *Block) Int32Bitwise(op Opcode, l, r *Node) *Node {
	switch op {
	case OpcodeInt32BitwiseAnd, OpcodeInt32BitwiseOr, OpcodeInt32BitwiseXor:
	default:
		panic(fmt.Sprintf("BUG: %s is not a bitwise op", op))
	}
	return b.newNode(op, nil, nil, l, r)
}

// Float64Arith adds one of the Float64 arithmetic opcodes.
func (b *Block) Float64Arith(op Opcode, l, r *Node) *Node {
	switch op {
	case OpcodeFloat64Add, OpcodeFloat64Subtract, OpcodeFloat64Multiply, OpcodeFloat64Divide:
	default:
		panic(fmt.Sprintf("BUG: %s is not a float64 op", op))
	}
	return b.newNode(op, nil, nil, l, r)
}

// CheckedSmiTagInt32 tags an int32, deopting with Overflow if it does not fit a Smi.
func (b *Block) CheckedSmiTagInt32(v *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeCheckedSmiTagInt32, eager, nil, v)
}

// CheckedSmiUntag untags v, deopting with NotASmi if it is a heap object.
func (b *Block) CheckedSmiUntag(v *Node, eager *EagerDeoptInfo) *Node {
	return b.newNode(OpcodeCheckedSmiUntag, eager, nil, v)
}

// UnsafeSmiUntag untags v, which is known to be a Smi.
func (b *Block) UnsafeSmiUntag(v *Node) *Node {
	return b.newNode(OpcodeUnsafeSmiUntag, nil, nil, v)
}

// ChangeInt32ToFloat64 converts an int32 to a float64.
func (b *Block) ChangeInt32ToFloat64(v *Node) *Node {
	return b.newNode(OpcodeChangeInt32ToFloat64, nil, nil, v)
}

// Float64Box allocates a HeapNumber holding v.
func (b *Block) Float64Box(v *Node) *Node {
	return b.newNode(OpcodeFloat64Box, nil, nil, v)
}

// maxCallArguments is the number of argument registers.
const maxCallArguments = 8

// CallBuiltin calls a builtin with tagged args in x0, x1, ...
func (b *Block) CallBuiltin(builtin masm.Builtin, args []*Node, lazy *LazyDeoptInfo) *Node {
	switch builtin {
	case masm.BuiltinDeoptimizationEntryEager, masm.BuiltinDeoptimizationEntryLazy:
		panic("BUG: deopt entries are not callable")
	}
	return b.call(OpcodeCallBuiltin, int64(builtin), args, lazy)
}

// CallRuntime calls a runtime function with tagged args in x0, x1, ...
func (b *Block) CallRuntime(f masm.RuntimeFunction, args []*Node, lazy *LazyDeoptInfo) *Node {
	return b.call(OpcodeCallRuntime, int64(f), args, lazy)
}

func (b *Block) call(op Opcode, target int64, args []*Node, lazy *LazyDeoptInfo) *Node {
	if len(args) > maxCallArguments {
		panic(fmt.Sprintf("BUG: %s with %d arguments", op, len(args)))
	}
	for _, a := range args {
		if a.op.ValueRepresentation() != ValueRepresentationTagged {
			panic(fmt.Sprintf("BUG: untagged argument to %s", op))
		}
	}
	n := b.newNode(op, nil, lazy, args...)
	n.payload.scalar = target
	return n
}

func (b *Block) addEdge(to *Block) {
	if to.id <= b.id {
		panic(fmt.Sprintf("BUG: backward edge b%d -> b%d", b.id, to.id))
	}
	to.preds = append(to.preds, b)
}

// Jump ends the block with an unconditional jump.
func (b *Block) Jump(target *Block) *Node {
	n := b.newNode(OpcodeJump, nil, nil)
	n.payload.ifTrue = target
	b.addEdge(target)
	return n
}

// BranchIfInt32Compare ends the block with a branch on cond applied to two int32 values.
func (b *Block) BranchIfInt32Compare(cond masm.Condition, l, r *Node, ifTrue, ifFalse *Block) *Node {
	if cond == masm.CondAl {
		panic("BUG: branch condition al")
	}
	n := b.newNode(OpcodeBranchIfInt32Compare, nil, nil, l, r)
	n.payload.second = int64(cond)
	n.payload.ifTrue, n.payload.ifFalse = ifTrue, ifFalse
	b.addEdge(ifTrue)
	b.addEdge(ifFalse)
	return n
}

// BranchIfRootConstant ends the block with a branch on v being the value of root.
func (b *Block) BranchIfRootConstant(v *Node, root heap.RootIndex, ifTrue, ifFalse *Block) *Node {
	n := b.newNode(OpcodeBranchIfRootConstant, nil, nil, v)
	n.payload.root = root
	n.payload.ifTrue, n.payload.ifFalse = ifTrue, ifFalse
	b.addEdge(ifTrue)
	b.addEdge(ifFalse)
	return n
}

// Return ends the block by returning v.
func (b *Block) Return(v *Node) *Node {
	return b.newNode(OpcodeReturn, nil, nil, v)
}

// Deopt ends the block by deoptimizing unconditionally.
func (b *Block) Deopt(reason deopt.Reason, eager *EagerDeoptInfo) *Node {
	n := b.newNode(OpcodeDeopt, eager, nil)
	n.payload.reason = reason
	return n
}
