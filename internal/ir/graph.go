package ir

import (
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/jitapi"
)

// BlockID is the graph-unique id of a Block.
type BlockID uint32

// Block is a scheduled basic block: a list of nodes followed by one control node.
type Block struct {
	id       BlockID
	nodes    []*Node
	control  *Node
	succs    []*Block
	preds    []*Block
	deferred bool
	g        *Graph
}

// ID returns the id of this block.
func (b *Block) ID() BlockID { return b.id }

// Nodes returns the non-control nodes in schedule order.
func (b *Block) Nodes() []*Node { return b.nodes }

// Control returns the terminator of this block, or nil if the block is not finished.
func (b *Block) Control() *Node { return b.control }

// Succs returns the successors. For Branch the true target comes first. For Switch the
// default target is last.
func (b *Block) Succs() []*Block { return b.succs }

// Preds returns the predecessors in the order edges were added.
func (b *Block) Preds() []*Block { return b.preds }

// Deferred returns true if the block is on a cold path.
func (b *Block) Deferred() bool { return b.deferred }

// MarkDeferred marks the block as a cold path.
func (b *Block) MarkDeferred() { b.deferred = true }

// Graph owns every Node and Block of one compilation. Nodes are allocated from an arena and
// released together by Reset.
type Graph struct {
	nodes   jitapi.Pool[Node]
	blocks  []*Block
	blkPool jitapi.Pool[Block]
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{nodes: jitapi.NewPool[Node](), blkPool: jitapi.NewPool[Block]()}
}

// Reset releases every node and block so the graph can be reused for the next compilation.
func (g *Graph) Reset() {
	g.nodes.Reset()
	g.blkPool.Reset()
	g.blocks = g.blocks[:0]
}

// NewBlock appends a new empty block. The first block is the entry.
func (g *Graph) NewBlock() *Block {
	b := g.blkPool.Allocate()
	b.id = BlockID(len(g.blocks))
	b.g = g
	g.blocks = append(g.blocks, b)
	return b
}

// Blocks returns the blocks in creation order.
func (g *Graph) Blocks() []*Block { return g.blocks }

// NodeCount returns the number of nodes allocated so far. Node ids are below this.
func (g *Graph) NodeCount() int { return g.nodes.Allocated() }

func (g *Graph) newNode(b *Block, op Opcode, rep MachineRepresentation, inputs ...*Node) *Node {
	if b.control != nil {
		panic(fmt.Sprintf("BUG: blk%d already has a control node", b.id))
	}
	n := g.nodes.Allocate()
	n.id = NodeID(g.nodes.Allocated() - 1)
	n.opcode = op
	n.rep = rep
	n.blk = b
	if len(inputs) > 0 {
		n.inputs = make([]*Node, len(inputs))
		copy(n.inputs, inputs)
		for _, in := range inputs {
			if in == nil {
				panic("BUG: nil input to " + op.String())
			}
			in.uses++
		}
	}
	if op.IsControl() {
		b.control = n
	} else {
		b.nodes = append(b.nodes, n)
	}
	return n
}

func (b *Block) addSucc(succ *Block) {
	b.succs = append(b.succs, succ)
	succ.preds = append(succ.preds, b)
}

// Int32Constant appends a 32-bit integer constant.
func (b *Block) Int32Constant(v int32) *Node {
	n := b.g.newNode(b, OpcodeInt32Constant, RepWord32)
	n.u1 = uint64(uint32(v))
	return n
}

// Int64Constant appends a 64-bit integer constant.
func (b *Block) Int64Constant(v int64) *Node {
	n := b.g.newNode(b, OpcodeInt64Constant, RepWord64)
	n.u1 = uint64(v)
	return n
}

// Float32Constant appends a float32 constant.
func (b *Block) Float32Constant(v float32) *Node {
	n := b.g.newNode(b, OpcodeFloat32Constant, RepFloat32)
	n.u1 = uint64(math.Float32bits(v))
	return n
}

// Float64Constant appends a float64 constant.
func (b *Block) Float64Constant(v float64) *Node {
	n := b.g.newNode(b, OpcodeFloat64Constant, RepFloat64)
	n.u1 = math.Float64bits(v)
	return n
}

// HeapConstant appends a full width reference to a root.
func (b *Block) HeapConstant(root heap.RootIndex) *Node {
	n := b.g.newNode(b, OpcodeHeapConstant, RepTagged)
	n.root = root
	return n
}

// CompressedHeapConstant appends a compressed reference to a root.
func (b *Block) CompressedHeapConstant(root heap.RootIndex) *Node {
	n := b.g.newNode(b, OpcodeCompressedHeapConstant, RepCompressed)
	n.root = root
	return n
}

// S128Const appends a 128-bit vector constant given as little-endian bytes.
func (b *Block) S128Const(bytes [16]byte) *Node {
	n := b.g.newNode(b, OpcodeS128Const, RepSimd128)
	for i := 0; i < 8; i++ {
		n.u1 |= uint64(bytes[i]) << (8 * i)
		n.u2 |= uint64(bytes[8+i]) << (8 * i)
	}
	return n
}

// Parameter appends the index-th incoming parameter.
func (b *Block) Parameter(index int, rep MachineRepresentation) *Node {
	n := b.g.newNode(b, OpcodeParameter, rep)
	n.u1 = uint64(index)
	return n
}

// Phi appends a phi with one input per predecessor.
func (b *Block) Phi(rep MachineRepresentation, inputs ...*Node) *Node {
	return b.g.newNode(b, OpcodePhi, rep, inputs...)
}

// Projection appends the index-th result of a multi-value node.
func (b *Block) Projection(index int, x *Node) *Node {
	rep := x.rep
	if index == 1 {
		rep = RepBit
	}
	n := b.g.newNode(b, OpcodeProjection, rep, x)
	n.u1 = uint64(index)
	return n
}

// Unop appends a single input operation.
func (b *Block) Unop(op Opcode, x *Node) *Node {
	return b.g.newNode(b, op, opcodeInfos[op].rep, x)
}

// Binop appends a two input operation.
func (b *Block) Binop(op Opcode, x, y *Node) *Node {
	return b.g.newNode(b, op, opcodeInfos[op].rep, x, y)
}

// Select appends Word32Select or Word64Select: cond ? x : y.
func (b *Block) Select(op Opcode, cond, x, y *Node) *Node {
	return b.g.newNode(b, op, opcodeInfos[op].rep, cond, x, y)
}

// Load appends a memory load of rep from base+index.
func (b *Block) Load(rep MachineRepresentation, signed bool, base, index *Node) *Node {
	n := b.g.newNode(b, OpcodeLoad, rep, base, index)
	n.signed = signed
	return n
}

// Store appends a memory store of value as rep to base+index.
func (b *Block) Store(rep MachineRepresentation, base, index, value *Node) *Node {
	return b.g.newNode(b, OpcodeStore, rep, base, index, value)
}

// AtomicExchange appends Word32AtomicExchange or Word64AtomicExchange with the given access width.
func (b *Block) AtomicExchange(op Opcode, width MachineRepresentation, base, index, value *Node) *Node {
	n := b.g.newNode(b, op, opcodeInfos[op].rep, base, index, value)
	n.u1 = uint64(width)
	return n
}

// AtomicCompareExchange appends Word32AtomicCompareExchange or Word64AtomicCompareExchange.
func (b *Block) AtomicCompareExchange(op Opcode, width MachineRepresentation, base, index, expected, value *Node) *Node {
	n := b.g.newNode(b, op, opcodeInfos[op].rep, base, index, expected, value)
	n.u1 = uint64(width)
	return n
}

// AtomicWidth returns the memory access width of an atomic node.
func (n *Node) AtomicWidth() MachineRepresentation {
	n.expect(OpcodeWord32AtomicExchange, OpcodeWord32AtomicCompareExchange,
		OpcodeWord64AtomicExchange, OpcodeWord64AtomicCompareExchange)
	return MachineRepresentation(n.u1)
}

// DeoptimizeIf appends a conditional bailout. state holds the values the bailout must be able
// to recover.
func (b *Block) DeoptimizeIf(negate bool, cond *Node, reason deopt.Reason, fb deopt.FeedbackSource, state ...*Node) *Node {
	op := OpcodeDeoptimizeIf
	if negate {
		op = OpcodeDeoptimizeUnless
	}
	n := b.g.newNode(b, op, RepNone, append([]*Node{cond}, state...)...)
	n.reason, n.fb = reason, fb
	return n
}

// TrapIf appends a conditional trap, or TrapUnless when negate is set.
func (b *Block) TrapIf(negate bool, cond *Node, trapID uint32) *Node {
	op := OpcodeTrapIf
	if negate {
		op = OpcodeTrapUnless
	}
	n := b.g.newNode(b, op, RepNone, cond)
	n.u1 = uint64(trapID)
	return n
}

// Goto terminates the block with an unconditional jump.
func (b *Block) Goto(target *Block) *Node {
	n := b.g.newNode(b, OpcodeGoto, RepNone)
	b.addSucc(target)
	return n
}

// Branch terminates the block with a two way branch on cond.
func (b *Block) Branch(cond *Node, ifTrue, ifFalse *Block) *Node {
	n := b.g.newNode(b, OpcodeBranch, RepNone, cond)
	b.addSucc(ifTrue)
	b.addSucc(ifFalse)
	return n
}

// Switch terminates the block with a multi way branch. cases and targets are parallel.
func (b *Block) Switch(value *Node, cases []int32, targets []*Block, defaultTarget *Block) *Node {
	if len(cases) != len(targets) {
		panic("BUG: switch cases and targets differ in length")
	}
	n := b.g.newNode(b, OpcodeSwitch, RepNone, value)
	n.cases = append([]int32(nil), cases...)
	for _, t := range targets {
		b.addSucc(t)
	}
	b.addSucc(defaultTarget)
	return n
}

// Return terminates the block returning values.
func (b *Block) Return(values ...*Node) *Node {
	return b.g.newNode(b, OpcodeReturn, RepNone, values...)
}

// Format returns the debugging representation of the graph.
func (g *Graph) Format() string {
	var sb strings.Builder
	for _, b := range g.blocks {
		fmt.Fprintf(&sb, "blk%d:", b.id)
		if len(b.preds) > 0 {
			sb.WriteString(" <-")
			for _, p := range b.preds {
				fmt.Fprintf(&sb, " blk%d", p.id)
			}
		}
		if b.deferred {
			sb.WriteString(" (deferred)")
		}
		sb.WriteByte('\n')
		for _, n := range b.nodes {
			fmt.Fprintf(&sb, "\t%s\n", n)
		}
		if b.control != nil {
			fmt.Fprintf(&sb, "\t%s\n", b.control)
		}
	}
	return sb.String()
}
