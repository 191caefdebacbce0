package main

import (
	"sort"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/maglev"
)

// selectSamples are the IR graphs printed by the select command.
var selectSamples = map[string]func() *ir.Graph{
	"add": func() *ir.Graph {
		g := ir.NewGraph()
		b := g.NewBlock()
		x := b.Parameter(0, ir.RepWord32)
		b.Return(b.Binop(ir.OpcodeInt32Add, x, b.Int32Constant(42)))
		return g
	},
	"branch": func() *ir.Graph {
		g := ir.NewGraph()
		entry, then, els := g.NewBlock(), g.NewBlock(), g.NewBlock()
		x, y := entry.Parameter(0, ir.RepWord32), entry.Parameter(1, ir.RepWord32)
		entry.Branch(entry.Binop(ir.OpcodeInt32LessThan, x, y), then, els)
		then.Return(x)
		els.Return(y)
		return g
	},
	"switch": func() *ir.Graph {
		g := ir.NewGraph()
		entry := g.NewBlock()
		x := entry.Parameter(0, ir.RepWord32)
		values := []int32{0, 1, 2, 3, 4, 5, 6, 7}
		targets := make([]*ir.Block, len(values))
		for i := range targets {
			targets[i] = g.NewBlock()
		}
		def := g.NewBlock()
		entry.Switch(x, values, targets, def)
		for i, target := range targets {
			target.Return(target.Int32Constant(int32(100 + i)))
		}
		def.Return(def.Int32Constant(-1))
		return g
	},
}

// maglevSample is a node graph with the arguments the simulator runs it with.
type maglevSample struct {
	graph *maglev.Graph
	args  []heap.Tagged
}

func eagerAt(closure, v *maglev.Node) *maglev.EagerDeoptInfo {
	frame := deopt.NewInterpretedFrame(nil, 1, 3, closure, []deopt.Value{v}, nil)
	return maglev.NewEagerDeoptInfo(frame, deopt.NoFeedback)
}

// maglevSamples are the node graphs compiled by the maglev command.
var maglevSamples = map[string]func(h *heap.Heap) maglevSample{
	"increment": func(*heap.Heap) maglevSample {
		g := maglev.NewGraph()
		b := g.NewBlock()
		x, closure := b.InitialValue(0), b.InitialValue(1)
		untagged := b.CheckedSmiUntag(x, eagerAt(closure, x))
		sum := b.Int32AddWithOverflow(untagged, b.Int32Constant(1), eagerAt(closure, x))
		b.Return(b.CheckedSmiTagInt32(sum, eagerAt(closure, x)))
		return maglevSample{graph: g, args: []heap.Tagged{heap.SmiFromInt(41), heap.SmiZero}}
	},
	"checkmaps": func(h *heap.Heap) maglevSample {
		m1 := h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType})
		m2 := h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType})
		obj := h.NewJSObject(m2, 1)
		h.SetField(obj, heap.JSObjectInObjectFieldOffset(0), heap.SmiFromInt(7))

		g := maglev.NewGraph()
		b := g.NewBlock()
		x, closure := b.InitialValue(0), b.InitialValue(1)
		b.CheckMaps(x, []heap.Tagged{m1, m2}, eagerAt(closure, x))
		b.Return(b.LoadTaggedField(x, heap.JSObjectInObjectFieldOffset(0)))
		return maglevSample{graph: g, args: []heap.Tagged{obj, heap.SmiZero}}
	},
}

func sampleNames[T any](samples map[string]T) []string {
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
