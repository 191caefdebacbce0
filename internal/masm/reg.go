// Package masm is the macro-assembler node code generation emits into. Instructions are kept as
// an architecture-neutral list with arm64 semantics: EncodeArm64 turns the list into machine code
// through golang-asm and the sim package executes it directly.
package masm

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// Register is a physical register. The zero value is NoReg.
type Register byte

const (
	NoReg Register = iota
	X0
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	ip0
	ip1
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	// x27 is clobbered by the encoder when it synthesizes large immediates.
	x27
	X28
	FP
	LR
	XZR
	SP
	D0
	D1
	D2
	D3
	D4
	D5
	D6
	D7
	D8
	D9
	D10
	D11
	D12
	D13
	D14
	D15
	D16
	D17
	D18
	D19
	D20
	D21
	D22
	D23
	D24
	D25
	D26
	D27
	D28
	D29
	d30
	d31
	NumRegisters
)

// Fixed roles.
const (
	ReturnRegister     = X0
	JSFunctionRegister = X1
	RootRegister       = X26
	ContextRegister    = X28
)

// ScratchTaboo stands in for the architecture scratch register in architecture independent
// code. It deliberately has no conversion to Register: scratch registers are only reachable
// through TemporaryRegisterScope.
type ScratchTaboo struct{ _ [0]func() }

// IsGeneral returns true for integer registers, the zero register and SP included.
func (r Register) IsGeneral() bool { return r >= X0 && r <= SP }

// IsDouble returns true for floating point registers.
func (r Register) IsDouble() bool { return r >= D0 && r <= d31 }

// Code returns the architectural register number.
func (r Register) Code() int {
	switch {
	case r == XZR, r == SP:
		return 31
	case r.IsGeneral():
		return int(r - X0)
	case r.IsDouble():
		return int(r - D0)
	}
	panic(fmt.Sprintf("BUG: no code for %d", r))
}

// GeneralRegister returns x<code>.
func GeneralRegister(code int) Register {
	if code < 0 || code > 30 {
		panic(fmt.Sprintf("BUG: invalid general register x%d", code))
	}
	return X0 + Register(code)
}

// DoubleRegister returns d<code>.
func DoubleRegister(code int) Register {
	if code < 0 || code > 31 {
		panic(fmt.Sprintf("BUG: invalid double register d%d", code))
	}
	return D0 + Register(code)
}

// String implements fmt.Stringer.
func (r Register) String() string {
	switch {
	case r == NoReg:
		return "noreg"
	case r == FP:
		return "fp"
	case r == LR:
		return "lr"
	case r == XZR:
		return "xzr"
	case r == SP:
		return "sp"
	case r.IsGeneral():
		return fmt.Sprintf("x%d", r.Code())
	case r.IsDouble():
		return fmt.Sprintf("d%d", r.Code())
	}
	return fmt.Sprintf("Register(%d)", byte(r))
}

// RealReg converts to the allocator's register numbering, which shares the encoding.
func (r Register) RealReg() regalloc.RealReg { return regalloc.RealReg(r) }

// FromRealReg is the inverse of RealReg.
func FromRealReg(r regalloc.RealReg) Register { return Register(r) }

// RegType returns the allocator register class.
func (r Register) RegType() regalloc.RegType {
	if r.IsDouble() {
		return regalloc.RegTypeFloat
	}
	return regalloc.RegTypeInt
}

// AllocatableGeneralRegisters are handed out by the allocator, in preference order.
var AllocatableGeneralRegisters = []Register{
	X0, X1, X2, X3, X4, X5, X6, X7, X8, X9, X10, X11, X12, X13, X14, X15,
	X19, X20, X21, X22, X23, X24, X25,
}

// AllocatableDoubleRegisters are handed out by the allocator, in preference order.
var AllocatableDoubleRegisters = []Register{
	D0, D1, D2, D3, D4, D5, D6, D7, D8, D9, D10, D11, D12, D13, D14, D15,
	D16, D17, D18, D19, D20, D21, D22, D23, D24, D25, D26, D27, D28, D29,
}

// RegisterInfo describes the allocatable registers to the allocator.
var RegisterInfo = func() *regalloc.RegisterInfo {
	info := &regalloc.RegisterInfo{
		RealRegName: func(r regalloc.RealReg) string { return FromRealReg(r).String() },
		RealRegType: func(r regalloc.RealReg) regalloc.RegType { return FromRealReg(r).RegType() },
	}
	for _, r := range AllocatableGeneralRegisters {
		info.AllocatableRegisters[regalloc.RegTypeInt] = append(info.AllocatableRegisters[regalloc.RegTypeInt], r.RealReg())
	}
	for _, r := range AllocatableDoubleRegisters {
		info.AllocatableRegisters[regalloc.RegTypeFloat] = append(info.AllocatableRegisters[regalloc.RegTypeFloat], r.RealReg())
	}
	return info
}()

// RegList is a set of registers.
type RegList struct{ lo, hi uint64 }

// NewRegList returns the set of regs.
func NewRegList(regs ...Register) RegList {
	var l RegList
	for _, r := range regs {
		l = l.Add(r)
	}
	return l
}

// Has returns true if r is in the set.
func (l RegList) Has(r Register) bool {
	if r < 64 {
		return l.lo&(1<<r) != 0
	}
	return l.hi&(1<<(r-64)) != 0
}

// Add returns the set with r added.
func (l RegList) Add(r Register) RegList {
	if r < 64 {
		l.lo |= 1 << r
	} else {
		l.hi |= 1 << (r - 64)
	}
	return l
}

// Remove returns the set without r.
func (l RegList) Remove(r Register) RegList {
	if r < 64 {
		l.lo &^= 1 << r
	} else {
		l.hi &^= 1 << (r - 64)
	}
	return l
}

// Union returns the union of both sets.
func (l RegList) Union(o RegList) RegList { return RegList{l.lo | o.lo, l.hi | o.hi} }

// Empty returns true for the empty set.
func (l RegList) Empty() bool { return l.lo == 0 && l.hi == 0 }

// Registers returns the members in ascending order.
func (l RegList) Registers() []Register {
	var ret []Register
	for r := Register(1); r < NumRegisters; r++ {
		if l.Has(r) {
			ret = append(ret, r)
		}
	}
	return ret
}

// Len returns the number of members.
func (l RegList) Len() int { return len(l.Registers()) }

// String implements fmt.Stringer.
func (l RegList) String() string {
	regs := l.Registers()
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
