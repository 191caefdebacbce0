package riscv64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/backend"
)

func TestImmediateFits(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   backend.ArchOpcode
		v    int64
		exp  bool
	}{
		{name: "addi min", op: opAdd64, v: -2048, exp: true},
		{name: "addi max", op: opAdd64, v: 2047, exp: true},
		{name: "addi over", op: opAdd64, v: 2048, exp: false},
		{name: "addi under", op: opAdd64, v: -2049, exp: false},
		{name: "sd", op: opSd, v: -2048, exp: true},
		{name: "slliw 31", op: opShl32, v: 31, exp: true},
		{name: "slliw 32", op: opShl32, v: 32, exp: false},
		{name: "slli 63", op: opShl64, v: 63, exp: true},
		{name: "slli 64", op: opShl64, v: 64, exp: false},
		{name: "negative shift", op: opSar64, v: -1, exp: false},
		{name: "no immediate form", op: opMul32, v: 1, exp: false},
		{name: "subtraction", op: opSub32, v: 0, exp: false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, ImmediateFits(tc.v, tc.op))
		})
	}
}

func TestEncodeImmediate(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   backend.ArchOpcode
		v    int64
		exp  uint32
	}{
		{name: "addi -1", op: opAdd64, v: -1, exp: 0xfff00013},
		{name: "addiw 1", op: opAdd32, v: 1, exp: 0x0010001b},
		{name: "andi 255", op: opAnd, v: 255, exp: 0x0ff07013},
		{name: "lw -4", op: opLw, v: -4, exp: 0xffc02003},
		{name: "sd 2047", op: opSd, v: 2047, exp: 0x7e003fa3},
		{name: "sw -2048", op: opSw, v: -2048, exp: 0x80002023},
		{name: "srai 63", op: opSar64, v: 63, exp: 0x43f05013},
		{name: "sraiw 31", op: opSar32, v: 31, exp: 0x41f0501b},
		{name: "slli 5", op: opShl64, v: 5, exp: 0x00501013},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			word, err := EncodeImmediate(tc.op, tc.v)
			require.NoError(t, err)
			require.Equal(t, tc.exp, word, "%#08x", word)

			v, err := DecodeImmediate(tc.op, word)
			require.NoError(t, err)
			require.Equal(t, tc.v, v)
		})
	}
}

func TestEncodeImmediate_RoundTrip(t *testing.T) {
	for _, op := range []backend.ArchOpcode{opAdd32, opXor, opCmp, opLd, opLhu, opSb, opStoreDouble} {
		for v := int64(-2048); v <= 2047; v += 7 {
			word, err := EncodeImmediate(op, v)
			require.NoError(t, err)
			got, err := DecodeImmediate(op, word)
			require.NoError(t, err)
			require.Equal(t, v, got, "%s %d", opcodeInfos[op].name, v)
		}
	}
	for _, op := range []backend.ArchOpcode{opShl32, opShr32, opSar32, opShl64, opShr64, opSar64} {
		limit := int64(31)
		if immediateForms[op].kind == immediateShamt6 {
			limit = 63
		}
		for v := int64(0); v <= limit; v++ {
			word, err := EncodeImmediate(op, v)
			require.NoError(t, err)
			got, err := DecodeImmediate(op, word)
			require.NoError(t, err)
			require.Equal(t, v, got)
		}
	}
}

func TestEncodeImmediate_Errors(t *testing.T) {
	_, err := EncodeImmediate(opAdd64, 4096)
	require.Error(t, err)
	_, err = EncodeImmediate(opMul64, 1)
	require.Error(t, err)

	word, err := EncodeImmediate(opAdd64, 1)
	require.NoError(t, err)
	_, err = DecodeImmediate(opLd, word)
	require.ErrorContains(t, err, "is not an immediate form")
	_, err = DecodeImmediate(opMul32, word)
	require.Error(t, err)
}
