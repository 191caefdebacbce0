package codecache

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/maglev"
	"github.com/tetratelabs/jitcore/internal/masm"
	"github.com/tetratelabs/jitcore/internal/masm/sim"
)

const testVersion = "0.0.1"

func frameOf(closure *maglev.Node, registers ...*maglev.Node) *deopt.Frame {
	regs := make([]deopt.Value, len(registers))
	for i, r := range registers {
		regs[i] = r
	}
	return deopt.NewInterpretedFrame(nil, 1, 3, closure, regs, nil)
}

// compileCheckMaps compiles a function returning its first parameter if it has map m, and
// calling ToNumber on it otherwise.
func compileCheckMaps(t *testing.T, h *heap.Heap, m heap.Tagged) *maglev.CompiledCode {
	g := maglev.NewGraph()
	b := g.NewBlock()
	v, closure := b.InitialValue(0), b.InitialValue(1)
	b.CheckMaps(v, []heap.Tagged{m}, maglev.NewEagerDeoptInfo(frameOf(closure, v), deopt.NoFeedback))
	n := b.CallBuiltin(masm.BuiltinToNumber, []*maglev.Node{v}, maglev.NewLazyDeoptInfo(frameOf(closure, v), deopt.NoFeedback))
	b.Return(n)
	code, err := maglev.Compile(g, h)
	require.NoError(t, err)
	return code
}

func encodeDecode(t *testing.T, code *maglev.CompiledCode) *maglev.CompiledCode {
	e, err := NewEntry(code)
	require.NoError(t, err)
	r, err := Encode(testVersion, e)
	require.NoError(t, err)
	decoded, stale, err := Decode(testVersion, r)
	require.NoError(t, err)
	require.False(t, stale)
	restored, err := decoded.CompiledCode()
	require.NoError(t, err)
	return restored
}

func TestEntry_RoundTrip(t *testing.T) {
	h := heap.New()
	code := compileCheckMaps(t, h, h.Root(heap.RootHeapNumberMap))
	restored := encodeDecode(t, code)

	require.Equal(t, code.Code, restored.Code)
	require.Equal(t, code.Offsets, restored.Offsets)
	require.Equal(t, code.StackSlots, restored.StackSlots)
	require.Equal(t, masm.FormatListing(code.Instructions), masm.FormatListing(restored.Instructions))
	require.Equal(t, code.Safepoints.Entries(), restored.Safepoints.Entries())
	require.Equal(t, code.Safepoints.StackSlots, restored.Safepoints.StackSlots)
	require.Equal(t, code.HandlerTable.Entries(), restored.HandlerTable.Entries())
	require.Equal(t, *code.Translations, *restored.Translations)
	require.Equal(t, code.LazyDeoptCalls, restored.LazyDeoptCalls)
	require.Equal(t, len(code.DeoptExits), len(restored.DeoptExits))
	for i, exp := range code.DeoptExits {
		got := restored.DeoptExits[i]
		require.Equal(t, exp.Kind, got.Kind)
		require.Equal(t, exp.Reason, got.Reason)
		require.Equal(t, exp.Node, got.Node)
		require.Equal(t, exp.TranslationIndex, got.TranslationIndex)
		require.Equal(t, exp.InstrIndex, got.InstrIndex)
		require.Equal(t, exp.PC, got.PC)
	}

	// The restored instructions run like the compiled ones.
	for _, tc := range []struct {
		name  string
		value heap.Tagged
	}{
		{name: "heap number", value: h.NewHeapNumber(1.5)},
		{name: "smi", value: heap.SmiFromInt(2)},
		{name: "object", value: h.NewJSObject(h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType}), 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var results []sim.Result
			for _, c := range []*maglev.CompiledCode{code, restored} {
				mach := sim.New(h)
				mach.LazyDeopts = c.LazyDeoptCalls
				mach.SetRegister(masm.GeneralRegister(0), uint64(tc.value))
				mach.SetRegister(masm.GeneralRegister(1), uint64(heap.SmiZero))
				res, err := mach.Run(c.Instructions)
				require.NoError(t, err)
				res.Steps = 0
				results = append(results, res)
			}
			require.Equal(t, results[0], results[1])
		})
	}
}

func TestEncode(t *testing.T) {
	h := heap.New()
	code := compileCheckMaps(t, h, h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType}))
	e, err := NewEntry(code)
	require.NoError(t, err)
	r, err := Encode(testVersion, e)
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)

	require.Equal(t, magic, b[:len(magic)])
	require.Equal(t, byte(len(testVersion)), b[len(magic)])
	require.Equal(t, testVersion, string(b[len(magic)+1:len(magic)+1+len(testVersion)]))

	_, err = Encode(string(bytes.Repeat([]byte{'v'}, 256)), e)
	require.EqualError(t, err, `codecache: version "`+string(bytes.Repeat([]byte{'v'}, 256))+`" too long`)
}

func TestDecode(t *testing.T) {
	h := heap.New()
	code := compileCheckMaps(t, h, h.NewMap(heap.MapSpec{InstanceType: heap.JSObjectType}))
	e, err := NewEntry(code)
	require.NoError(t, err)
	r, err := Encode(testVersion, e)
	require.NoError(t, err)
	valid, err := io.ReadAll(r)
	require.NoError(t, err)
	headerSize := len(magic) + 1 + len(testVersion)

	flipped := bytes.Clone(valid)
	flipped[len(flipped)-1] ^= 0xff

	badPayload := bytes.Clone(valid[:headerSize])
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], 0)
	badPayload = append(badPayload, sum[:]...)

	tests := []struct {
		name     string
		in       []byte
		expStale bool
		expErr   string
	}{
		{name: "invalid header", in: []byte{1}, expErr: "codecache: corrupted entry: invalid header length: 1"},
		{name: "invalid magic", in: append([]byte("abcdefg"), valid[len(magic):]...), expErr: `codecache: corrupted entry: invalid magic number: got "abcdefg"`},
		{name: "truncated version", in: valid[:len(magic)+2], expErr: "codecache: corrupted entry: invalid header length: 1"},
		{name: "version mismatch", in: append(append(append([]byte{}, magic...), 5), []byte("1.2.3xxxx")...), expStale: true},
		{name: "checksum mismatch", in: flipped},
		{name: "empty payload", in: badPayload},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			got, stale, err := Decode(testVersion, bytes.NewReader(tc.in))
			require.Equal(t, tc.expStale, stale)
			if tc.expStale {
				require.NoError(t, err)
				require.Nil(t, got)
				return
			}
			require.ErrorIs(t, err, ErrCorrupted)
			require.Nil(t, got)
			if tc.expErr != "" {
				require.EqualError(t, err, tc.expErr)
			}
		})
	}
}

func TestEntry_CompiledCode_Corrupted(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
	}{
		{
			name:  "branch out of range",
			entry: &Entry{Instructions: []Instr{{Op: uint8(masm.OpB), Label: 5}}},
		},
		{
			name: "slot outside frame",
			entry: &Entry{StackSlots: 1, Safepoints: []deopt.SafepointEntry{
				{PC: 4, TaggedSlots: []int{1}, DeoptIndex: deopt.NoDeoptIndex},
			}},
		},
		{
			name: "duplicate safepoint",
			entry: &Entry{StackSlots: 1, Safepoints: []deopt.SafepointEntry{
				{PC: 4, DeoptIndex: deopt.NoDeoptIndex},
				{PC: 4, DeoptIndex: deopt.NoDeoptIndex},
			}},
		},
		{
			name: "overlapping handlers",
			entry: &Entry{Handlers: []deopt.HandlerEntry{
				{Start: 0, End: 8, Handler: 20},
				{Start: 4, End: 12, Handler: 24},
			}},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.entry.CompiledCode()
			require.ErrorIs(t, err, ErrCorrupted)
		})
	}
}

func TestNewKey(t *testing.T) {
	k := NewKey(testVersion, []byte("ab"), []byte("c"))
	require.Equal(t, k, NewKey(testVersion, []byte("ab"), []byte("c")))
	require.NotEqual(t, k, NewKey(testVersion, []byte("a"), []byte("bc")))
	require.NotEqual(t, k, NewKey("0.0.2", []byte("ab"), []byte("c")))
}
