package masm

import (
	"fmt"
	"strings"
	"sync"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// callRegister holds the entry address loaded from the roots register for calls.
const callRegister = ip0

// encodeMu serializes builders: golang-asm fills its arm64 opcode tables lazily without
// synchronization, and compile jobs encode from several goroutines.
var encodeMu sync.Mutex

// EncodeArm64 assembles instrs into arm64 machine code. offsets has one entry per instruction
// plus one for the end of the code: offsets[i] is the byte offset of the first machine
// instruction of instrs[i]. A call's return address is therefore offsets[i+1].
func EncodeArm64(instrs []Instr) (code []byte, offsets []int, err error) {
	encodeMu.Lock()
	defer encodeMu.Unlock()
	b, err := goasm.NewBuilder("arm64", len(instrs)*3+16)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	e := &arm64Encoder{b: b, markers: make([]*obj.Prog, len(instrs)+1), branches: map[int]*obj.Prog{}}

	// The builder treats the first instruction as the function header.
	header := e.newProg(obj.ANOP)
	e.add(header)
	// Every prog shares the builder's link context, which prints diagnostics by default.
	var diags []string
	header.Ctxt.DiagFunc = func(format string, args ...interface{}) {
		diags = append(diags, fmt.Sprintf(format, args...))
	}
	for i := range instrs {
		e.cur = i
		e.markers[i] = e.newProg(obj.ANOP)
		e.add(e.markers[i])
		if err = e.encode(&instrs[i]); err != nil {
			return nil, nil, fmt.Errorf("instruction %d (%s): %w", i, instrs[i].String(), err)
		}
	}
	e.markers[len(instrs)] = e.newProg(obj.ANOP)
	e.add(e.markers[len(instrs)])

	for i := range instrs {
		if !instrs[i].isBranch() {
			continue
		}
		l := instrs[i].Label
		if !l.bound || l.pos > len(instrs) {
			return nil, nil, fmt.Errorf("instruction %d: branch to an unbound label", i)
		}
		e.branches[i].To.SetTarget(e.markers[l.pos])
	}

	code = b.Assemble()
	if len(diags) > 0 {
		return nil, nil, fmt.Errorf("assembler: %s", strings.Join(diags, "; "))
	}
	offsets = make([]int, len(e.markers))
	for i, m := range e.markers {
		offsets[i] = int(m.Pc)
	}
	return code, offsets, nil
}

type arm64Encoder struct {
	b       *goasm.Builder
	markers []*obj.Prog
	// branches maps the index of a branch instruction to its prog.
	branches map[int]*obj.Prog
	cur      int
}

func (e *arm64Encoder) newProg(as obj.As) *obj.Prog {
	p := e.b.NewProg()
	p.As = as
	return p
}

func (e *arm64Encoder) add(p *obj.Prog) { e.b.AddInstruction(p) }

func asmRegister(r Register) int16 {
	switch {
	case r == XZR:
		return arm64.REGZERO
	case r == SP:
		return arm64.REGSP
	case r.IsGeneral():
		return arm64.REG_R0 + int16(r.Code())
	case r.IsDouble():
		return arm64.REG_F0 + int16(r.Code())
	}
	panic(fmt.Sprintf("BUG: %s has no arm64 encoding", r))
}

func regAddr(r Register) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: asmRegister(r)}
}

func memAddr(base Register, offset int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: asmRegister(base), Offset: offset}
}

func condAddr(c Condition) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: arm64.COND_EQ + int16(c)}
}

// rhs returns Rm, or Imm as a constant operand.
func rhs(i *Instr) obj.Addr {
	if i.Rm == NoReg {
		return obj.Addr{Type: obj.TYPE_CONST, Offset: i.Imm}
	}
	return regAddr(i.Rm)
}

// widthOps holds the 64-bit and 32-bit variants of an integer op.
type widthOps struct{ x, w obj.As }

var aluOps = map[Op]widthOps{
	OpAdd:  {arm64.AADD, arm64.AADDW},
	OpAdds: {arm64.AADDS, arm64.AADDSW},
	OpSub:  {arm64.ASUB, arm64.ASUBW},
	OpSubs: {arm64.ASUBS, arm64.ASUBSW},
	OpAnd:  {arm64.AAND, arm64.AANDW},
	OpOrr:  {arm64.AORR, arm64.AORRW},
	OpEor:  {arm64.AEOR, arm64.AEORW},
	OpLsl:  {arm64.ALSL, arm64.ALSLW},
	OpLsr:  {arm64.ALSR, arm64.ALSRW},
	OpAsr:  {arm64.AASR, arm64.AASRW},
	OpMul:  {arm64.AMUL, arm64.AMULW},
	OpNeg:  {arm64.ANEG, arm64.ANEGW},
	OpCmp:  {arm64.ACMP, arm64.ACMPW},
	OpTst:  {arm64.ATST, arm64.ATSTW},
	OpCset: {arm64.ACSET, arm64.ACSETW},
	OpCsel: {arm64.ACSEL, arm64.ACSELW},
	OpCbz:  {arm64.ACBZ, arm64.ACBZW},
	OpCbnz: {arm64.ACBNZ, arm64.ACBNZW},
}

var branchOps = [...]obj.As{
	CondEq: arm64.ABEQ, CondNe: arm64.ABNE, CondHs: arm64.ABHS, CondLo: arm64.ABLO,
	CondMi: arm64.ABMI, CondPl: arm64.ABPL, CondVs: arm64.ABVS, CondVc: arm64.ABVC,
	CondHi: arm64.ABHI, CondLs: arm64.ABLS, CondGe: arm64.ABGE, CondLt: arm64.ABLT,
	CondGt: arm64.ABGT, CondLe: arm64.ABLE, CondAl: arm64.AB,
}

var floatOps = map[Op]obj.As{
	OpFAdd: arm64.AFADDD,
	OpFSub: arm64.AFSUBD,
	OpFMul: arm64.AFMULD,
	OpFDiv: arm64.AFDIVD,
}

func (i *Instr) widthOp(ops widthOps) obj.As {
	if i.Width == W32 {
		return ops.w
	}
	return ops.x
}

func loadOp(w Width, signed bool) (obj.As, error) {
	switch {
	case w == W64:
		return arm64.AMOVD, nil
	case w == W32 && signed:
		return arm64.AMOVW, nil
	case w == W32:
		return arm64.AMOVWU, nil
	case w == W16 && signed:
		return arm64.AMOVH, nil
	case w == W16:
		return arm64.AMOVHU, nil
	case w == W8 && signed:
		return arm64.AMOVB, nil
	case w == W8:
		return arm64.AMOVBU, nil
	}
	return obj.AXXX, fmt.Errorf("invalid access width %d", w)
}

func storeOp(w Width) (obj.As, error) {
	switch w {
	case W64:
		return arm64.AMOVD, nil
	case W32:
		return arm64.AMOVW, nil
	case W16:
		return arm64.AMOVH, nil
	case W8:
		return arm64.AMOVB, nil
	}
	return obj.AXXX, fmt.Errorf("invalid access width %d", w)
}

func (e *arm64Encoder) encode(i *Instr) error {
	switch i.Op {
	case OpNop:
		// Markers carry positions, so a nop needs no bytes.
	case OpMov:
		as := arm64.AMOVD
		if i.Width == W32 {
			as = arm64.AMOVWU
		}
		p := e.newProg(as)
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpMovImm:
		p := e.newProg(arm64.AMOVD)
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: i.Imm}
		p.To = regAddr(i.Rd)
		e.add(p)
	case OpAdd, OpAdds, OpSub, OpSubs, OpAnd, OpOrr, OpEor, OpLsl, OpLsr, OpAsr, OpMul:
		if i.Op == OpMul && i.Rm == NoReg {
			return fmt.Errorf("mul takes no immediate")
		}
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From, p.Reg, p.To = rhs(i), asmRegister(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpSmull:
		p := e.newProg(arm64.ASMULL)
		p.From, p.Reg, p.To = regAddr(i.Rm), asmRegister(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpNeg:
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpSxtw:
		p := e.newProg(arm64.ASXTW)
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpCmp, OpTst:
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From, p.Reg = rhs(i), asmRegister(i.Rn)
		e.add(p)
	case OpCset:
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From, p.To = condAddr(i.Cond), regAddr(i.Rd)
		e.add(p)
	case OpCsel:
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From, p.Reg, p.To = condAddr(i.Cond), asmRegister(i.Rn), regAddr(i.Rd)
		p.SetFrom3(regAddr(i.Rm))
		e.add(p)
	case OpB, OpBCond:
		as := arm64.AB
		if i.Op == OpBCond {
			as = branchOps[i.Cond]
		}
		e.addBranch(e.newProg(as))
	case OpCbz, OpCbnz:
		p := e.newProg(i.widthOp(aluOps[i.Op]))
		p.From = regAddr(i.Rn)
		e.addBranch(p)
	case OpTbz, OpTbnz:
		as := arm64.ATBZ
		if i.Op == OpTbnz {
			as = arm64.ATBNZ
		}
		p := e.newProg(as)
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: i.Imm}
		p.Reg = asmRegister(i.Rn)
		e.addBranch(p)
	case OpLdr:
		as, err := loadOp(i.Width, i.Signed)
		if err != nil {
			return err
		}
		p := e.newProg(as)
		p.From, p.To = memAddr(i.Rn, i.Imm), regAddr(i.Rd)
		e.add(p)
	case OpStr:
		as, err := storeOp(i.Width)
		if err != nil {
			return err
		}
		p := e.newProg(as)
		p.From, p.To = regAddr(i.Rd), memAddr(i.Rn, i.Imm)
		e.add(p)
	case OpFLdr:
		p := e.newProg(arm64.AFMOVD)
		p.From, p.To = memAddr(i.Rn, i.Imm), regAddr(i.Rd)
		e.add(p)
	case OpFStr:
		p := e.newProg(arm64.AFMOVD)
		p.From, p.To = regAddr(i.Rd), memAddr(i.Rn, i.Imm)
		e.add(p)
	case OpFMov, OpFMovToGeneral, OpFMovFromGeneral:
		p := e.newProg(arm64.AFMOVD)
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpFAdd, OpFSub, OpFMul, OpFDiv:
		p := e.newProg(floatOps[i.Op])
		p.From, p.Reg, p.To = regAddr(i.Rm), asmRegister(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpFCmp:
		p := e.newProg(arm64.AFCMPD)
		p.From, p.Reg = regAddr(i.Rm), asmRegister(i.Rn)
		e.add(p)
	case OpScvtf:
		p := e.newProg(arm64.ASCVTFWD)
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpFcvtzs:
		p := e.newProg(arm64.AFCVTZSDW)
		p.From, p.To = regAddr(i.Rn), regAddr(i.Rd)
		e.add(p)
	case OpCall:
		load := e.newProg(arm64.AMOVD)
		load.From, load.To = memAddr(RootRegister, i.Target.EntryOffset()), regAddr(callRegister)
		e.add(load)
		call := e.newProg(obj.ACALL)
		call.To = regAddr(callRegister)
		e.add(call)
	case OpRet:
		p := e.newProg(obj.ARET)
		p.To = regAddr(LR)
		e.add(p)
	default:
		return fmt.Errorf("unsupported op %s", i.Op)
	}
	return nil
}

func (e *arm64Encoder) addBranch(p *obj.Prog) {
	p.To.Type = obj.TYPE_BRANCH
	e.branches[e.cur] = p
	e.add(p)
}
