package maglev

import (
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/masm"
)

// Format returns a textual dump of the graph. After Compile it includes the allocation of
// every node.
func (g *Graph) Format() string {
	str := strings.Builder{}
	for _, b := range g.blocks {
		str.WriteByte('\n')
		str.WriteString(b.formatHeader())
		str.WriteByte('\n')
		for _, n := range b.nodes {
			str.WriteByte('\t')
			str.WriteString(n.Format())
			str.WriteByte('\n')
		}
		if b.control != nil {
			str.WriteByte('\t')
			str.WriteString(b.control.Format())
			str.WriteByte('\n')
		}
	}
	return str.String()
}

func (b *Block) formatHeader() string {
	ret := fmt.Sprintf("b%d:", b.id)
	if len(b.preds) > 0 {
		preds := make([]string, len(b.preds))
		for i, p := range b.preds {
			preds[i] = fmt.Sprintf("b%d", p.id)
		}
		ret += " <-- (" + strings.Join(preds, ", ") + ")"
	}
	if b.isHandler {
		ret += " handler"
	}
	return ret
}

// String implements fmt.Stringer.
func (n *Node) String() string { return fmt.Sprintf("n%d", n.id) }

// Format returns the node with its inputs, parameters and, once allocated, locations.
func (n *Node) Format() string { return n.format(true) }

func (n *Node) format(withAllocation bool) string {
	var str strings.Builder
	if n.op.IsValue() {
		fmt.Fprintf(&str, "n%d = ", n.id)
	}
	str.WriteString(n.op.String())
	if params := n.formatParams(); params != "" {
		str.WriteByte('(')
		str.WriteString(params)
		str.WriteByte(')')
	}
	for i, in := range n.inputs {
		if i == 0 {
			str.WriteByte(' ')
		} else {
			str.WriteString(", ")
		}
		str.WriteString(in.String())
		if withAllocation && i < len(n.alloc.inputs) && n.alloc.inputs[i].Kind != LocationNone {
			fmt.Fprintf(&str, ":%s", n.alloc.inputs[i])
		}
	}
	if !withAllocation {
		return str.String()
	}
	if n.alloc.result.Kind != LocationNone {
		fmt.Fprintf(&str, " → %s", n.alloc.result)
	}
	if len(n.alloc.moves) > 0 {
		moves := make([]string, len(n.alloc.moves))
		for i, mv := range n.alloc.moves {
			moves[i] = mv.String()
		}
		fmt.Fprintf(&str, " [%s]", strings.Join(moves, "; "))
	}
	return str.String()
}

func (n *Node) formatParams() string {
	p := &n.payload
	switch n.op {
	case OpcodeInt32Constant, OpcodeSmiConstant:
		return fmt.Sprintf("%d", p.scalar)
	case OpcodeFloat64Constant:
		return fmt.Sprintf("%g", math.Float64frombits(uint64(p.scalar)))
	case OpcodeRootConstant, OpcodeBranchIfRootConstant:
		s := p.root.String()
		if n.op == OpcodeBranchIfRootConstant {
			s += fmt.Sprintf(", b%d, b%d", p.ifTrue.id, p.ifFalse.id)
		}
		return s
	case OpcodeConstant:
		return fmt.Sprintf("%#x", p.scalar)
	case OpcodeInitialValue:
		return fmt.Sprintf("x%d", p.scalar)
	case OpcodeCheckInstanceType:
		return fmt.Sprintf("%#x..%#x", p.scalar, p.second)
	case OpcodeCheckMaps, OpcodeCheckMapsWithMigration:
		return formatMaps(p.maps)
	case OpcodeTransitionElementsKindOrCheckMap:
		return formatMaps(p.maps) + fmt.Sprintf(" → %#x", uint64(p.target))
	case OpcodeCheckJSTypedArrayBounds:
		return fmt.Sprintf("size=%d", 1<<p.scalar)
	case OpcodeCheckJSDataViewBounds:
		return fmt.Sprintf("size=%d", p.scalar)
	case OpcodeLoadTaggedField, OpcodeLoadDoubleField, OpcodeStoreTaggedFieldNoWriteBarrier,
		OpcodeStoreTaggedFieldWithWriteBarrier:
		return fmt.Sprintf("%#x", p.scalar)
	case OpcodeLoadPolymorphicTaggedField, OpcodeLoadPolymorphicDoubleField:
		s := make([]string, len(p.access))
		for i := range p.access {
			s[i] = p.access[i].String()
		}
		return strings.Join(s, "; ")
	case OpcodeTryOnStackReplacement:
		ret := fmt.Sprintf("depth=%d, offset=%d, slot=%d", p.second, p.osr.Offset, p.osr.FeedbackSlot)
		if p.osr.Inlined {
			ret += ", inlined"
		}
		return ret
	case OpcodeCallBuiltin:
		return fmt.Sprintf("Builtin::%s", masm.Builtin(p.scalar))
	case OpcodeCallRuntime:
		return fmt.Sprintf("Runtime::%s", masm.RuntimeFunction(p.scalar))
	case OpcodeJump:
		return fmt.Sprintf("b%d", p.ifTrue.id)
	case OpcodeBranchIfInt32Compare:
		return fmt.Sprintf("%s, b%d, b%d", masm.Condition(p.second), p.ifTrue.id, p.ifFalse.id)
	case OpcodeDeopt:
		return p.reason.String()
	}
	return ""
}

// String implements fmt.Stringer.
func (a *PolymorphicAccessInfo) String() string {
	ret := fmt.Sprintf("[%s] %s", formatMaps(a.Maps), a.Kind)
	switch a.Kind {
	case AccessConstant:
		ret += fmt.Sprintf(" %#x %g", uint64(a.Constant), a.ConstantFloat64)
	case AccessDataField:
		ret += fmt.Sprintf(" %#x", a.FieldOffset)
		if a.FieldIsDouble {
			ret += " double"
		}
	}
	return ret
}

// Fingerprint identifies the code Compile generates for g with broker. Unlike Format it
// covers the deopt frames of every node and the broker state the code embeds, and it
// does not change when g is compiled.
func (g *Graph) Fingerprint(broker Broker) []byte {
	var str strings.Builder
	for _, b := range g.blocks {
		str.WriteString(b.formatHeader())
		str.WriteByte('\n')
		nodes := b.nodes
		if b.control != nil {
			nodes = append(nodes[:len(nodes):len(nodes)], b.control)
		}
		for _, n := range nodes {
			str.WriteString(n.format(false))
			if n.eager != nil {
				fmt.Fprintf(&str, " eager{%s}", n.eager.format())
			}
			if n.lazy != nil {
				fmt.Fprintf(&str, " lazy{%s}", n.lazy.format())
			}
			if n.op == OpcodeTransitionElementsKindOrCheckMap {
				for _, m := range append(n.payload.maps[:len(n.payload.maps):len(n.payload.maps)], n.payload.target) {
					fmt.Fprintf(&str, " kind(%#x)=%d", uint64(m), broker.MapElementsKind(m))
				}
			}
			str.WriteByte('\n')
		}
	}
	str.WriteString("roots:")
	for r := heap.RootIndex(0); r < heap.RootCount; r++ {
		fmt.Fprintf(&str, " %#x", uint64(broker.Root(r)))
	}
	return []byte(str.String())
}

func (d *deoptInfo) format() string {
	return fmt.Sprintf("feedback=%d:%d %s", d.feedback.Vector, d.feedback.Slot, d.top.Format())
}

func formatMaps(maps []heap.Tagged) string {
	s := make([]string, len(maps))
	for i, m := range maps {
		s[i] = fmt.Sprintf("%#x", uint64(m))
	}
	return strings.Join(s, ", ")
}
