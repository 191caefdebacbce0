package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
)

func TestGraph_UseCounts(t *testing.T) {
	g := NewGraph()
	b := g.NewBlock()
	p := b.Parameter(0, RepWord32)
	c := b.Int32Constant(5)
	add := b.Binop(OpcodeInt32Add, p, c)
	mul := b.Binop(OpcodeInt32Mul, add, add)
	b.Return(mul)

	require.Equal(t, 1, p.UseCount())
	require.Equal(t, 2, add.UseCount())
	require.Equal(t, 1, mul.UseCount())
	require.Equal(t, b, add.Block())
	require.Equal(t, OpcodeReturn, b.Control().Opcode())
	require.Equal(t, 4, len(b.Nodes()))
	require.Equal(t, 5, g.NodeCount())
	require.Panics(t, func() { b.Int32Constant(1) })
}

func TestGraph_Control(t *testing.T) {
	g := NewGraph()
	entry, t1, t2, def := g.NewBlock(), g.NewBlock(), g.NewBlock(), g.NewBlock()
	v := entry.Parameter(0, RepWord32)
	entry.Switch(v, []int32{1, 7}, []*Block{t1, t2}, def)
	for _, blk := range []*Block{t1, t2, def} {
		blk.Return()
	}

	require.Equal(t, []*Block{t1, t2, def}, entry.Succs())
	require.Equal(t, []*Block{entry}, def.Preds())
	require.Equal(t, []int32{1, 7}, entry.Control().SwitchCases())
	require.Panics(t, func() { entry.Switch(v, []int32{1}, nil, def) })
}

func TestNode_Params(t *testing.T) {
	g := NewGraph()
	b := g.NewBlock()

	require.Equal(t, int32(-3), b.Int32Constant(-3).Int32Value())
	v, ok := b.Int32Constant(-3).IntegerValue()
	require.True(t, ok)
	require.Equal(t, int64(-3), v)
	require.Equal(t, int64(-1<<40), b.Int64Constant(-1<<40).Int64Value())
	require.Equal(t, float32(1.5), b.Float32Constant(1.5).Float32Value())
	require.Equal(t, 2.25, b.Float64Constant(2.25).Float64Value())
	require.Equal(t, heap.RootTrueValue, b.CompressedHeapConstant(heap.RootTrueValue).Root())

	var bytes [16]byte
	for i := range bytes {
		bytes[i] = byte(i)
	}
	lo, hi := b.S128Const(bytes).S128Value()
	require.Equal(t, uint64(0x0706050403020100), lo)
	require.Equal(t, uint64(0x0f0e0d0c0b0a0908), hi)

	cond := b.Parameter(0, RepWord32)
	d := b.DeoptimizeIf(true, cond, deopt.ReasonOverflow, deopt.NoFeedback, cond)
	require.Equal(t, OpcodeDeoptimizeUnless, d.Opcode())
	reason, fb := d.DeoptParams()
	require.Equal(t, deopt.ReasonOverflow, reason)
	require.False(t, fb.IsValid())
	require.Equal(t, 2, cond.UseCount())

	require.Panics(t, func() { cond.Int32Value() })
}

func TestNode_Projection(t *testing.T) {
	g := NewGraph()
	b := g.NewBlock()
	x, y := b.Parameter(0, RepWord32), b.Parameter(1, RepWord32)
	ovf := b.Binop(OpcodeInt32AddWithOverflow, x, y)
	value := b.Projection(0, ovf)
	bit := b.Projection(1, ovf)
	require.Equal(t, value, ovf.FindProjection(0))
	require.Equal(t, bit, ovf.FindProjection(1))
	require.Equal(t, RepBit, bit.Rep())
	require.Nil(t, x.FindProjection(0))
}

func TestNode_MarkNeedsDecompression(t *testing.T) {
	g := NewGraph()
	n := g.NewBlock().CompressedHeapConstant(heap.RootUndefinedValue)
	require.False(t, n.NeedsDecompression())
	n.MarkNeedsDecompression()
	n.MarkNeedsDecompression()
	require.True(t, n.NeedsDecompression())
}

func TestGraph_Format(t *testing.T) {
	g := NewGraph()
	entry, exit := g.NewBlock(), g.NewBlock()
	p := entry.Parameter(0, RepWord32)
	c := entry.Int32Constant(1)
	entry.Branch(entry.Binop(OpcodeWord32Equal, p, c), exit, exit)
	exit.Return(p)

	require.Equal(t, `blk0:
	v0:word32 = Parameter #0
	v1:word32 = Int32Constant 1
	v2:bit = Word32Equal v0, v1
	Branch v2 -> blk1 blk1
blk1: <- blk0 blk0
	Return v0
`, g.Format())
}

func TestGraph_Reset(t *testing.T) {
	g := NewGraph()
	g.NewBlock().Int32Constant(1)
	g.Reset()
	require.Equal(t, 0, g.NodeCount())
	require.Empty(t, g.Blocks())
	b := g.NewBlock()
	require.Equal(t, BlockID(0), b.ID())
	require.Empty(t, b.Nodes())
}
