package masm

import (
	"fmt"
	"sort"
	"strings"
)

// Op is the operation of an Instr.
type Op byte

const (
	OpNop Op = iota
	// OpMov copies Rn to Rd. A W32 move zero extends.
	OpMov
	// OpMovImm loads Imm into Rd.
	OpMovImm
	// OpAdd and the other three operand ops compute Rd = Rn op (Rm or Imm).
	OpAdd
	// OpAdds is OpAdd that also sets the flags.
	OpAdds
	OpSub
	OpSubs
	OpAnd
	OpOrr
	OpEor
	OpLsl
	OpLsr
	OpAsr
	// OpMul is Rd = Rn * Rm truncated to the width.
	OpMul
	// OpSmull is the 64-bit product of the sign extended low words of Rn and Rm.
	OpSmull
	OpNeg
	// OpSxtw sign extends the low word of Rn into Rd.
	OpSxtw
	// OpCmp sets the flags for Rn - (Rm or Imm).
	OpCmp
	// OpTst sets the flags for Rn & (Rm or Imm).
	OpTst
	// OpCset writes 1 to Rd if Cond holds, 0 otherwise.
	OpCset
	// OpCsel is Rd = Cond ? Rn : Rm.
	OpCsel
	OpB
	OpBCond
	OpCbz
	OpCbnz
	// OpTbz branches if bit Imm of Rn is zero.
	OpTbz
	OpTbnz
	// OpLdr loads Width bytes at Rn+Imm into Rd, sign extending if Signed.
	OpLdr
	// OpStr stores the low Width bytes of Rd at Rn+Imm.
	OpStr
	// OpFLdr and OpFStr move a float64 between Rd and Rn+Imm.
	OpFLdr
	OpFStr
	OpFMov
	// OpFMovToGeneral moves the bits of double Rn into general Rd.
	OpFMovToGeneral
	// OpFMovFromGeneral moves the bits of general Rn into double Rd.
	OpFMovFromGeneral
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFCmp
	// OpScvtf converts the signed word in Rn to a float64.
	OpScvtf
	// OpFcvtzs truncates a float64 to a signed word, saturating.
	OpFcvtzs
	// OpCall calls Target. Builtin and runtime arguments are passed in x0, x1, ...
	OpCall
	OpRet
	opEnd
)

var opNames = [opEnd]string{
	OpNop: "nop", OpMov: "mov", OpMovImm: "movi", OpAdd: "add", OpAdds: "adds", OpSub: "sub", OpSubs: "subs",
	OpAnd: "and", OpOrr: "orr", OpEor: "eor", OpLsl: "lsl", OpLsr: "lsr", OpAsr: "asr", OpMul: "mul",
	OpSmull: "smull", OpNeg: "neg", OpSxtw: "sxtw", OpCmp: "cmp", OpTst: "tst", OpCset: "cset", OpCsel: "csel",
	OpB: "b", OpBCond: "b", OpCbz: "cbz", OpCbnz: "cbnz", OpTbz: "tbz", OpTbnz: "tbnz", OpLdr: "ldr",
	OpStr: "str", OpFLdr: "ldr", OpFStr: "str", OpFMov: "fmov", OpFMovToGeneral: "fmov",
	OpFMovFromGeneral: "fmov", OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv", OpFCmp: "fcmp",
	OpScvtf: "scvtf", OpFcvtzs: "fcvtzs", OpCall: "call", OpRet: "ret",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if o >= opEnd {
		return fmt.Sprintf("Op(%d)", byte(o))
	}
	return opNames[o]
}

// Width is the operand width of integer ops and the access size of memory ops, in bytes.
type Width byte

const (
	W8  Width = 1
	W16 Width = 2
	W32 Width = 4
	W64 Width = 8
)

// Condition is an arm64 condition code evaluated against the flags.
type Condition byte

const (
	CondEq Condition = iota
	CondNe
	// CondHs is unsigned >=.
	CondHs
	// CondLo is unsigned <.
	CondLo
	CondMi
	CondPl
	CondVs
	CondVc
	// CondHi is unsigned >.
	CondHi
	// CondLs is unsigned <=.
	CondLs
	CondGe
	CondLt
	CondGt
	CondLe
	CondAl
)

var conditionNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al"}

// String implements fmt.Stringer.
func (c Condition) String() string { return conditionNames[c] }

// Negate returns the condition that holds exactly when c does not.
func (c Condition) Negate() Condition {
	if c == CondAl {
		panic("BUG: al has no negation")
	}
	return c ^ 1
}

// Aliases for flag results of overflow checks.
const (
	CondOverflow   = CondVs
	CondNoOverflow = CondVc
)

// Label is a position in the instruction list. A label is bound exactly once.
type Label struct {
	pos   int
	bound bool
}

// BoundLabel returns a label bound to the instruction at pos. It rebuilds the branch targets of
// a deserialized instruction list.
func BoundLabel(pos int) *Label { return &Label{pos: pos, bound: true} }

// IsBound returns true once Bind was called.
func (l *Label) IsBound() bool { return l.bound }

// Pos returns the index of the instruction the label is bound to.
func (l *Label) Pos() int {
	if !l.bound {
		panic("BUG: unbound label")
	}
	return l.pos
}

// CallKind is the kind of a call target.
type CallKind byte

const (
	CallBuiltin CallKind = iota
	CallRuntime
)

// CallTarget is the callee of an OpCall.
type CallTarget struct {
	Kind CallKind
	ID   uint16
}

// String implements fmt.Stringer.
func (t CallTarget) String() string {
	if t.Kind == CallRuntime {
		return "Runtime::" + RuntimeFunction(t.ID).String()
	}
	return "Builtin::" + Builtin(t.ID).String()
}

// Instr is one macro-assembler instruction.
type Instr struct {
	Op     Op
	Width  Width
	Signed bool
	Cond   Condition
	Rd     Register
	Rn     Register
	// Rm is the second source. NoReg means Imm is used instead.
	Rm     Register
	Imm    int64
	Label  *Label
	Target CallTarget
}

func (i *Instr) regName(r Register) string {
	if r.IsGeneral() && i.Width == W32 && r != SP {
		if r == XZR {
			return "wzr"
		}
		return fmt.Sprintf("w%d", r.Code())
	}
	return r.String()
}

func (i *Instr) rhs() string {
	if i.Rm == NoReg {
		return fmt.Sprintf("#%d", i.Imm)
	}
	return i.regName(i.Rm)
}

func (i *Instr) target(labelName func(*Label) string) string {
	if labelName == nil {
		return fmt.Sprintf("@%d", i.Label.pos)
	}
	return labelName(i.Label)
}

func (i *Instr) format(labelName func(*Label) string) string {
	mem := func() string { return fmt.Sprintf("[%s, #%d]", i.Rn, i.Imm) }
	switch i.Op {
	case OpNop, OpRet:
		return i.Op.String()
	case OpMov, OpNeg, OpSxtw, OpFMov:
		return fmt.Sprintf("%s %s, %s", i.Op, i.regName(i.Rd), i.regName(i.Rn))
	case OpFMovToGeneral, OpFMovFromGeneral:
		return fmt.Sprintf("%s %s, %s", i.Op, i.Rd, i.Rn)
	case OpScvtf:
		return fmt.Sprintf("%s %s, w%d", i.Op, i.Rd, i.Rn.Code())
	case OpFcvtzs:
		return fmt.Sprintf("%s w%d, %s", i.Op, i.Rd.Code(), i.Rn)
	case OpMovImm:
		return fmt.Sprintf("%s %s, #%#x", i.Op, i.regName(i.Rd), i.Imm)
	case OpCmp, OpTst, OpFCmp:
		return fmt.Sprintf("%s %s, %s", i.Op, i.regName(i.Rn), i.rhs())
	case OpCset:
		return fmt.Sprintf("%s %s, %s", i.Op, i.regName(i.Rd), i.Cond)
	case OpCsel:
		return fmt.Sprintf("%s %s, %s, %s, %s", i.Op, i.regName(i.Rd), i.regName(i.Rn), i.regName(i.Rm), i.Cond)
	case OpB:
		return fmt.Sprintf("b %s", i.target(labelName))
	case OpBCond:
		return fmt.Sprintf("b.%s %s", i.Cond, i.target(labelName))
	case OpCbz, OpCbnz:
		return fmt.Sprintf("%s %s, %s", i.Op, i.regName(i.Rn), i.target(labelName))
	case OpTbz, OpTbnz:
		return fmt.Sprintf("%s %s, #%d, %s", i.Op, i.Rn, i.Imm, i.target(labelName))
	case OpLdr:
		sign := ""
		if i.Signed {
			sign = "s"
		}
		return fmt.Sprintf("ldr%s.%d %s, %s", sign, i.Width*8, i.Rd, mem())
	case OpStr:
		return fmt.Sprintf("str.%d %s, %s", i.Width*8, i.Rd, mem())
	case OpFLdr, OpFStr:
		return fmt.Sprintf("%s %s, %s", i.Op, i.Rd, mem())
	case OpCall:
		return fmt.Sprintf("call %s", i.Target)
	default:
		return fmt.Sprintf("%s %s, %s, %s", i.Op, i.regName(i.Rd), i.regName(i.Rn), i.rhs())
	}
}

// String implements fmt.Stringer.
func (i *Instr) String() string { return i.format(nil) }

// isBranch returns true for instructions that carry a label.
func (i *Instr) isBranch() bool {
	switch i.Op {
	case OpB, OpBCond, OpCbz, OpCbnz, OpTbz, OpTbnz:
		return true
	}
	return false
}

// FormatListing returns the listing of instrs with bound labels named L<n> in order of position.
func FormatListing(instrs []Instr) string {
	positions := map[int]int{}
	for i := range instrs {
		if instrs[i].isBranch() {
			positions[instrs[i].Label.pos] = 0
		}
	}
	var sorted []int
	for p := range positions {
		sorted = append(sorted, p)
	}
	sort.Ints(sorted)
	for n, p := range sorted {
		positions[p] = n
	}
	name := func(l *Label) string { return fmt.Sprintf("L%d", positions[l.pos]) }

	var sb strings.Builder
	for i := range instrs {
		if n, ok := positions[i]; ok {
			fmt.Fprintf(&sb, "L%d:\n", n)
		}
		fmt.Fprintf(&sb, "  %04d  %s\n", i, instrs[i].format(name))
	}
	if n, ok := positions[len(instrs)]; ok {
		fmt.Fprintf(&sb, "L%d:\n", n)
	}
	return sb.String()
}
