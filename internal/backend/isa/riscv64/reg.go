package riscv64

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// RealReg numbering: 0 is RealRegInvalid, then the integer, float and vector files in order.
const (
	x0 regalloc.RealReg = 1 + iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	x29
	x30
	x31
	f0
	f1
	f2
	f3
	f4
	f5
	f6
	f7
	f8
	f9
	f10
	f11
	f12
	f13
	f14
	f15
	f16
	f17
	f18
	f19
	f20
	f21
	f22
	f23
	f24
	f25
	f26
	f27
	f28
	f29
	f30
	f31
	v0
	v1
	v2
	v3
	v4
	v5
	v6
	v7
	v8
	v9
	v10
	v11
	v12
	v13
	v14
	v15
	v16
	v17
	v18
	v19
	v20
	v21
	v22
	v23
	v24
	v25
	v26
	v27
	v28
	v29
	v30
	v31
	numRealReg
)

// ABI names.
const (
	zero = x0
	ra   = x1
	sp   = x2
	a0   = x10
	a1   = x11
	fa0  = f10
	fa1  = f11
)

// RealRegName returns the assembler name of r.
func RealRegName(r regalloc.RealReg) string {
	switch {
	case r >= x0 && r <= x31:
		return fmt.Sprintf("x%d", r-x0)
	case r >= f0 && r <= f31:
		return fmt.Sprintf("f%d", r-f0)
	case r >= v0 && r <= v31:
		return fmt.Sprintf("v%d", r-v0)
	default:
		return r.String()
	}
}

// RealRegType returns the register class of r.
func RealRegType(r regalloc.RealReg) regalloc.RegType {
	switch {
	case r >= x0 && r <= x31:
		return regalloc.RegTypeInt
	case r >= f0 && r <= f31:
		return regalloc.RegTypeFloat
	case r >= v0 && r <= v31:
		return regalloc.RegTypeSimd128
	default:
		return regalloc.RegTypeInvalid
	}
}

// RegisterInfo describes the registers a later allocation pass may hand out. Reserved registers
// (zero, ra, sp, gp, tp, the scratch registers t5/t6 and the vector scratch group v24-v31) are
// left out.
var RegisterInfo = regalloc.RegisterInfo{
	AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt: {
			a0, a1, x12, x13, x14, x15, x16, x17, x5, x6, x7, x28, x29,
			x8, x9, x18, x19, x20, x21, x22, x23, x24, x25, x26, x27,
		},
		regalloc.RegTypeFloat: {
			fa0, fa1, f12, f13, f14, f15, f16, f17, f0, f1, f2, f3, f4, f5, f6, f7,
			f28, f29, f30, f31, f8, f9, f18, f19, f20, f21, f22, f23, f24, f25, f26, f27,
		},
		regalloc.RegTypeSimd128: {
			v1, v2, v3, v4, v5, v6, v7, v8, v9, v10, v11, v12, v13, v14, v15,
			v16, v17, v18, v19, v20, v21, v22, v23,
		},
	},
	RealRegName: RealRegName,
	RealRegType: RealRegType,
}
