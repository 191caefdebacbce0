package ir

import (
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
)

// NodeID is the graph-unique id of a Node.
type NodeID uint32

// Node is an operation in the IR graph. Since Go doesn't have union type, we use this flattened
// type for all opcodes; the meaning of the parameter fields depends on Opcode.
//
// A Node is immutable once created, except for the monotonic MarkNeedsDecompression.
type Node struct {
	id     NodeID
	opcode Opcode
	inputs []*Node
	// u1 and u2 hold constants (u2 is the upper half of S128Const), parameter and projection
	// indices, and trap ids.
	u1, u2 uint64
	rep    MachineRepresentation
	signed bool
	root   heap.RootIndex
	cases  []int32
	reason deopt.Reason
	fb     deopt.FeedbackSource

	uses               int
	blk                *Block
	needsDecompression bool
}

// ID returns the id of this node.
func (n *Node) ID() NodeID { return n.id }

// Opcode returns the opcode of this node.
func (n *Node) Opcode() Opcode { return n.opcode }

// InputCount returns the number of inputs.
func (n *Node) InputCount() int { return len(n.inputs) }

// InputAt returns the i-th input.
func (n *Node) InputAt(i int) *Node { return n.inputs[i] }

// Inputs returns all the inputs. The returned slice must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// UseCount returns how many times this node is used as an input, counting duplicates.
func (n *Node) UseCount() int { return n.uses }

// Block returns the block this node is scheduled in.
func (n *Node) Block() *Block { return n.blk }

// Rep returns the representation of the produced value. For Load and Store it is the
// representation of the memory access.
func (n *Node) Rep() MachineRepresentation { return n.rep }

// MarkNeedsDecompression records that the tagged result of this node must be decompressed by
// its producer. The mark can be set but never cleared.
func (n *Node) MarkNeedsDecompression() { n.needsDecompression = true }

// NeedsDecompression returns true if MarkNeedsDecompression was called.
func (n *Node) NeedsDecompression() bool { return n.needsDecompression }

func (n *Node) expect(ops ...Opcode) {
	for _, op := range ops {
		if n.opcode == op {
			return
		}
	}
	panic(fmt.Sprintf("BUG: unexpected opcode %s", n.opcode))
}

// Int32Value returns the value of an Int32Constant.
func (n *Node) Int32Value() int32 {
	n.expect(OpcodeInt32Constant)
	return int32(n.u1)
}

// Int64Value returns the value of an Int64Constant.
func (n *Node) Int64Value() int64 {
	n.expect(OpcodeInt64Constant)
	return int64(n.u1)
}

// IntegerValue returns the value of an integer constant sign extended to 64 bits.
// ok is false for non integer constants.
func (n *Node) IntegerValue() (v int64, ok bool) {
	switch n.opcode {
	case OpcodeInt32Constant:
		return int64(int32(n.u1)), true
	case OpcodeInt64Constant:
		return int64(n.u1), true
	}
	return 0, false
}

// Float32Value returns the value of a Float32Constant.
func (n *Node) Float32Value() float32 {
	n.expect(OpcodeFloat32Constant)
	return math.Float32frombits(uint32(n.u1))
}

// Float64Value returns the value of a Float64Constant.
func (n *Node) Float64Value() float64 {
	n.expect(OpcodeFloat64Constant)
	return math.Float64frombits(n.u1)
}

// FloatBits returns the raw bits of a float constant.
func (n *Node) FloatBits() uint64 {
	n.expect(OpcodeFloat32Constant, OpcodeFloat64Constant)
	return n.u1
}

// S128Value returns the bytes of an S128Const in little-endian lane order.
func (n *Node) S128Value() (lo, hi uint64) {
	n.expect(OpcodeS128Const)
	return n.u1, n.u2
}

// Root returns the root a HeapConstant or CompressedHeapConstant refers to.
func (n *Node) Root() heap.RootIndex {
	n.expect(OpcodeHeapConstant, OpcodeCompressedHeapConstant)
	return n.root
}

// Index returns the index of a Parameter or Projection.
func (n *Node) Index() int {
	n.expect(OpcodeParameter, OpcodeProjection)
	return int(n.u1)
}

// LoadSigned returns true if a narrow Load sign extends.
func (n *Node) LoadSigned() bool {
	n.expect(OpcodeLoad)
	return n.signed
}

// SwitchCases returns the case values of a Switch. The i-th case targets the i-th successor
// and the default target is the last successor.
func (n *Node) SwitchCases() []int32 {
	n.expect(OpcodeSwitch)
	return n.cases
}

// DeoptParams returns the reason and feedback of a DeoptimizeIf or DeoptimizeUnless.
func (n *Node) DeoptParams() (deopt.Reason, deopt.FeedbackSource) {
	n.expect(OpcodeDeoptimizeIf, OpcodeDeoptimizeUnless)
	return n.reason, n.fb
}

// TrapID returns the id of a TrapIf or TrapUnless.
func (n *Node) TrapID() uint32 {
	n.expect(OpcodeTrapIf, OpcodeTrapUnless)
	return uint32(n.u1)
}

// FindProjection returns the Projection of this node with the given index, or nil.
func (n *Node) FindProjection(index int) *Node {
	if n.blk == nil {
		return nil
	}
	for _, other := range n.blk.nodes {
		if other.opcode == OpcodeProjection && other.inputs[0] == n && int(other.u1) == index {
			return other
		}
	}
	return nil
}

// String returns the debugging representation of this node.
func (n *Node) String() string {
	var sb strings.Builder
	if n.rep != RepNone && !n.opcode.IsControl() && n.opcode != OpcodeStore {
		fmt.Fprintf(&sb, "v%d:%s = ", n.id, n.rep)
	}
	sb.WriteString(n.opcode.String())
	switch n.opcode {
	case OpcodeInt32Constant, OpcodeInt64Constant:
		v, _ := n.IntegerValue()
		fmt.Fprintf(&sb, " %d", v)
	case OpcodeFloat32Constant:
		fmt.Fprintf(&sb, " %v", n.Float32Value())
	case OpcodeFloat64Constant:
		fmt.Fprintf(&sb, " %v", n.Float64Value())
	case OpcodeHeapConstant, OpcodeCompressedHeapConstant:
		fmt.Fprintf(&sb, " %s", n.root)
	case OpcodeS128Const:
		fmt.Fprintf(&sb, " %#016x%016x", n.u2, n.u1)
	case OpcodeParameter, OpcodeProjection:
		fmt.Fprintf(&sb, " #%d", n.u1)
	case OpcodeLoad, OpcodeStore:
		fmt.Fprintf(&sb, ".%s", n.rep)
	case OpcodeDeoptimizeIf, OpcodeDeoptimizeUnless:
		fmt.Fprintf(&sb, " %s", n.reason)
	case OpcodeTrapIf, OpcodeTrapUnless:
		fmt.Fprintf(&sb, " trap%d", n.u1)
	case OpcodeSwitch:
		fmt.Fprintf(&sb, " %v", n.cases)
	}
	for i, in := range n.inputs {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "v%d", in.id)
	}
	if n.opcode.IsControl() && n.blk != nil {
		for i, succ := range n.blk.succs {
			if i == 0 {
				sb.WriteString(" ->")
			}
			fmt.Fprintf(&sb, " blk%d", succ.id)
		}
	}
	return sb.String()
}
