package riscv64

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// interpreter executes a selected InstructionSequence on virtual registers, so tests can check
// that a lowering computes what the graph means without a register allocator.
type interpreter struct {
	t       *testing.T
	seq     *backend.InstructionSequence
	scalars map[regalloc.VReg]int64
	vectors map[regalloc.VReg][]byte
	mem     []byte
}

type outcome struct {
	returns []int64
	vectors [][]byte
	deopt   int
	trap    int
}

func selectGraph(t *testing.T, g *ir.Graph) *backend.InstructionSequence {
	return selectGraphWith(t, g, backend.DefaultOptions())
}

func selectGraphWith(t *testing.T, g *ir.Graph, opts backend.Options) *backend.InstructionSequence {
	seq := NewInstructionSelector(opts, nil).SelectInstructions(g)
	t.Log("\n" + seq.Format())
	return seq
}

func newInterpreter(t *testing.T, seq *backend.InstructionSequence) *interpreter {
	return &interpreter{
		t: t, seq: seq,
		scalars: map[regalloc.VReg]int64{},
		vectors: map[regalloc.VReg][]byte{},
		mem:     make([]byte, 1<<14),
	}
}

// args maps a parameter register to its value. Vector parameters go in vargs.
func (in *interpreter) run(args map[regalloc.RealReg]int64, vargs map[regalloc.RealReg][]byte) outcome {
	blocks := in.seq.Blocks()
	cur, prev := 0, -1
	for steps := 0; steps < 10000; steps++ {
		b := blocks[cur]
		if prev >= 0 {
			in.enterPhis(b, prev)
		}
		next := -1
		for _, instr := range in.seq.BlockInstructions(b) {
			var done *outcome
			next, done = in.exec(instr, args, vargs)
			if done != nil {
				return *done
			}
			if next >= 0 {
				break
			}
		}
		if next < 0 {
			in.t.Fatalf("block B%d falls off its end", cur)
		}
		prev, cur = cur, next
	}
	in.t.Fatal("too many steps")
	return outcome{}
}

func (in *interpreter) enterPhis(b *backend.InstructionBlock, pred int) {
	idx := -1
	for i, p := range b.Predecessors {
		if p == pred {
			idx = i
		}
	}
	require.NotEqual(in.t, -1, idx)
	vals := make([]int64, len(b.Phis))
	for i, phi := range b.Phis {
		vals[i] = in.scalars[phi.Operands[idx]]
	}
	for i, phi := range b.Phis {
		in.scalars[phi.Output] = vals[i]
	}
}

func (in *interpreter) read(op backend.InstructionOperand) int64 {
	if op.IsImmediate() {
		return in.seq.ImmediateValue(op).Value
	}
	v, ok := in.scalars[op.VReg()]
	if !ok {
		if c, isConst := in.seq.Constant(op.VReg()); isConst {
			return c.Value
		}
		in.t.Fatalf("read of undefined %s", op)
	}
	return v
}

func (in *interpreter) readVector(op backend.InstructionOperand) []byte {
	if op.IsImmediate() {
		// A 64-bit immediate fills the first element of an E64 vector.
		v := make([]byte, 16)
		binary.LittleEndian.PutUint64(v, uint64(in.seq.ImmediateValue(op).Value))
		return v
	}
	v, ok := in.vectors[op.VReg()]
	if !ok {
		in.t.Fatalf("read of undefined vector %s", op)
	}
	return v
}

func (in *interpreter) label(op backend.InstructionOperand) int {
	c := in.seq.ImmediateValue(op)
	require.Equal(in.t, backend.ConstantRpoNumber, c.Type)
	return int(c.Value)
}

func baseInputs(instr *backend.Instruction) int {
	op := instr.Code().ArchOpcode()
	if info, ok := opcodeInfoOf(op); ok && info.arity.Inputs != backend.Variadic {
		return info.arity.Inputs
	}
	return len(instr.Inputs())
}

func (in *interpreter) exec(instr *backend.Instruction, args map[regalloc.RealReg]int64, vargs map[regalloc.RealReg][]byte) (int, *outcome) {
	code := instr.Code()
	ins := instr.Inputs()
	switch code.ArchOpcode() {
	case backend.ArchNop:
		for _, out := range instr.Outputs() {
			if out.IsConstant() {
				c, _ := in.seq.Constant(out.VReg())
				in.scalars[out.VReg()] = c.Value
				continue
			}
			reg := out.FixedRegister()
			if RealRegType(reg) == regalloc.RegTypeSimd128 {
				in.vectors[out.VReg()] = vargs[reg]
			} else {
				in.scalars[out.VReg()] = args[reg]
			}
		}
		return -1, nil
	case backend.ArchJmp:
		return in.label(ins[0]), nil
	case backend.ArchRet:
		var o outcome
		o.deopt, o.trap = -1, -1
		for _, op := range ins[1:] {
			if op.VReg().RegType() == regalloc.RegTypeSimd128 {
				o.vectors = append(o.vectors, in.readVector(op))
			} else {
				o.returns = append(o.returns, in.read(op))
			}
		}
		return -1, &o
	case backend.ArchTableSwitch:
		idx := uint32(in.read(ins[0]))
		if int(idx) < len(ins)-2 {
			return in.label(ins[2+idx]), nil
		}
		return in.label(ins[1]), nil
	case backend.ArchBinarySearchSwitch:
		v := int32(in.read(ins[0]))
		for i := 2; i < len(ins); i += 2 {
			if int32(in.read(ins[i])) == v {
				return in.label(ins[i+1]), nil
			}
		}
		return in.label(ins[1]), nil
	case backend.ArchTruncateDoubleToI:
		in.scalars[instr.OutputAt(0).VReg()] = int64(jsToInt32(math.Float64frombits(uint64(in.read(ins[0])))))
		return -1, nil
	}

	base := baseInputs(instr)
	cond, results, vresult := in.compute(instr, base)

	mode := code.FlagsMode()
	outs := instr.Outputs()
	nOuts := len(outs)
	if mode == backend.FlagsModeSet || mode == backend.FlagsModeSelect {
		nOuts--
	}
	for i := 0; i < nOuts; i++ {
		if vresult != nil {
			in.vectors[outs[i].VReg()] = vresult
		} else {
			in.scalars[outs[i].VReg()] = results[i]
		}
	}

	if mode == backend.FlagsModeNone {
		return -1, nil
	}
	c := cond(code.FlagsCondition())
	switch mode {
	case backend.FlagsModeBranch:
		if c {
			return in.label(ins[base]), nil
		}
		return in.label(ins[base+1]), nil
	case backend.FlagsModeSet:
		v := int64(0)
		if c {
			v = 1
		}
		in.scalars[outs[len(outs)-1].VReg()] = v
	case backend.FlagsModeSelect:
		v := in.read(ins[base+1])
		if c {
			v = in.read(ins[base])
		}
		in.scalars[outs[len(outs)-1].VReg()] = v
	case backend.FlagsModeDeoptimize:
		if c {
			return -1, &outcome{deopt: int(in.read(ins[base])), trap: -1}
		}
	case backend.FlagsModeTrap:
		if c {
			return -1, &outcome{trap: int(in.read(ins[base])), deopt: -1}
		}
	}
	return -1, nil
}

func intCond(c backend.FlagsCondition, a, b int64, ua, ub uint64) bool {
	switch c {
	case backend.CondEqual:
		return a == b
	case backend.CondNotEqual:
		return a != b
	case backend.CondSignedLessThan:
		return a < b
	case backend.CondSignedGreaterThanOrEqual:
		return a >= b
	case backend.CondSignedLessThanOrEqual:
		return a <= b
	case backend.CondSignedGreaterThan:
		return a > b
	case backend.CondUnsignedLessThan:
		return ua < ub
	case backend.CondUnsignedGreaterThanOrEqual:
		return ua >= ub
	case backend.CondUnsignedLessThanOrEqual:
		return ua <= ub
	case backend.CondUnsignedGreaterThan:
		return ua > ub
	}
	panic(c)
}

// floatCond follows the FPU: the unsigned conditions are the ordered compares.
func floatCond(c backend.FlagsCondition, a, b float64) bool {
	switch c {
	case backend.CondEqual:
		return a == b
	case backend.CondNotEqual:
		return !(a == b)
	case backend.CondUnsignedLessThan:
		return a < b
	case backend.CondUnsignedGreaterThanOrEqual:
		return !(a < b)
	case backend.CondUnsignedLessThanOrEqual:
		return a <= b
	case backend.CondUnsignedGreaterThan:
		return !(a <= b)
	}
	panic(c)
}

func overflowCond(ovf bool) func(backend.FlagsCondition) bool {
	return func(c backend.FlagsCondition) bool {
		switch c {
		case backend.CondOverflow:
			return ovf
		case backend.CondNotOverflow:
			return !ovf
		}
		panic(c)
	}
}

func f32(v int64) float32 { return math.Float32frombits(uint32(v)) }
func f64(v int64) float64 { return math.Float64frombits(uint64(v)) }
func b32(v float32) int64 { return int64(math.Float32bits(v)) }
func b64(v float64) int64 { return int64(math.Float64bits(v)) }

func jsToInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(uint32(int64(math.Mod(math.Trunc(f), 1<<32))))
}

// compute evaluates one ISA instruction. It returns the flags condition evaluator and either the
// scalar outputs or a vector output.
func (in *interpreter) compute(instr *backend.Instruction, base int) (func(backend.FlagsCondition) bool, []int64, []byte) {
	ins := instr.Inputs()
	arg := func(i int) int64 { return in.read(ins[i]) }
	noFlags := func(backend.FlagsCondition) bool { panic("instruction sets no flags") }
	one := func(v int64) (func(backend.FlagsCondition) bool, []int64, []byte) {
		return noFlags, []int64{v}, nil
	}
	vec := func(v []byte) (func(backend.FlagsCondition) bool, []int64, []byte) { return noFlags, nil, v }

	switch op := instr.Code().ArchOpcode(); op {
	case opAdd32:
		return one(int64(int32(arg(0) + arg(1))))
	case opAdd64:
		return one(arg(0) + arg(1))
	case opSub32:
		return one(int64(int32(arg(0) - arg(1))))
	case opSub64:
		return one(arg(0) - arg(1))
	case opMul32:
		return one(int64(int32(arg(0)) * int32(arg(1))))
	case opMul64:
		return one(arg(0) * arg(1))
	case opDiv32:
		return one(int64(int32(arg(0)) / int32(arg(1))))
	case opDivU32:
		return one(int64(int32(uint32(arg(0)) / uint32(arg(1)))))
	case opMod32:
		return one(int64(int32(arg(0)) % int32(arg(1))))
	case opAnd32:
		return one(int64(int32(arg(0) & arg(1))))
	case opAnd:
		return one(arg(0) & arg(1))
	case opOr32:
		return one(int64(int32(arg(0) | arg(1))))
	case opOr:
		return one(arg(0) | arg(1))
	case opXor32:
		return one(int64(int32(arg(0) ^ arg(1))))
	case opXor:
		return one(arg(0) ^ arg(1))
	case opShl32:
		return one(int64(int32(uint32(arg(0)) << (arg(1) & 31))))
	case opShr32:
		return one(int64(int32(uint32(arg(0)) >> (arg(1) & 31))))
	case opSar32:
		return one(int64(int32(arg(0)) >> (arg(1) & 31)))
	case opShl64:
		return one(arg(0) << (arg(1) & 63))
	case opShr64:
		return one(int64(uint64(arg(0)) >> (arg(1) & 63)))
	case opSar64:
		return one(arg(0) >> (arg(1) & 63))
	case opAddOvf32, opSubOvf32, opMulOvf32:
		a, b := int64(int32(arg(0))), int64(int32(arg(1)))
		var r int64
		switch op {
		case opAddOvf32:
			r = a + b
		case opSubOvf32:
			r = a - b
		default:
			r = a * b
		}
		return overflowCond(r != int64(int32(r))), []int64{int64(int32(r))}, nil

	case opCmp, opCmpZero, opCmp32, opTst32, opTst64:
		a := arg(0)
		var b int64
		if op != opCmpZero {
			b = arg(1)
		}
		switch op {
		case opCmp32:
			a, b = int64(int32(a)), int64(int32(b))
			return func(c backend.FlagsCondition) bool {
				return intCond(c, a, b, uint64(uint32(a)), uint64(uint32(b)))
			}, nil, nil
		case opTst32, opTst64:
			a, b = a&b, 0
		}
		return func(c backend.FlagsCondition) bool { return intCond(c, a, b, uint64(a), uint64(b)) }, nil, nil
	case opCmpS:
		a, b := float64(f32(arg(0))), float64(f32(arg(1)))
		return func(c backend.FlagsCondition) bool { return floatCond(c, a, b) }, nil, nil
	case opCmpD:
		a, b := f64(arg(0)), f64(arg(1))
		return func(c backend.FlagsCondition) bool { return floatCond(c, a, b) }, nil, nil

	case opSignExtendByte:
		return one(int64(int8(arg(0))))
	case opSignExtendShort:
		return one(int64(int16(arg(0))))
	case opSignExtendWord:
		return one(int64(int32(arg(0))))
	case opZeroExtendWord:
		return one(int64(uint32(arg(0))))
	case opCvtSW:
		return one(b32(float32(int32(arg(0)))))
	case opCvtSD:
		return one(b32(float32(f64(arg(0)))))
	case opCvtDW:
		return one(b64(float64(int32(arg(0)))))
	case opCvtDS:
		return one(b64(float64(f32(arg(0)))))
	case opBitcastDL, opBitcastLD:
		return one(arg(0))
	case opAddS:
		return one(b32(f32(arg(0)) + f32(arg(1))))
	case opSubS:
		return one(b32(f32(arg(0)) - f32(arg(1))))
	case opMulS:
		return one(b32(f32(arg(0)) * f32(arg(1))))
	case opDivS:
		return one(b32(f32(arg(0)) / f32(arg(1))))
	case opAddD:
		return one(b64(f64(arg(0)) + f64(arg(1))))
	case opSubD:
		return one(b64(f64(arg(0)) - f64(arg(1))))
	case opMulD:
		return one(b64(f64(arg(0)) * f64(arg(1))))
	case opDivD:
		return one(b64(f64(arg(0)) / f64(arg(1))))
	case opModD:
		return one(b64(math.Mod(f64(arg(0)), f64(arg(1)))))
	case opNegD:
		return one(b64(-f64(arg(0))))

	case opLb, opLbu, opLh, opLhu, opLw, opLwu, opLd, opLoadFloat, opLoadDouble:
		addr := arg(0) + arg(1)
		switch op {
		case opLb:
			return one(int64(int8(in.mem[addr])))
		case opLbu:
			return one(int64(in.mem[addr]))
		case opLh:
			return one(int64(int16(binary.LittleEndian.Uint16(in.mem[addr:]))))
		case opLhu:
			return one(int64(binary.LittleEndian.Uint16(in.mem[addr:])))
		case opLw, opLoadFloat:
			return one(int64(int32(binary.LittleEndian.Uint32(in.mem[addr:]))))
		case opLwu:
			return one(int64(binary.LittleEndian.Uint32(in.mem[addr:])))
		default:
			return one(int64(binary.LittleEndian.Uint64(in.mem[addr:])))
		}
	case opSb, opSh, opSw, opSd, opStoreFloat, opStoreDouble:
		v, addr := arg(0), arg(1)+arg(2)
		switch op {
		case opSb:
			in.mem[addr] = byte(v)
		case opSh:
			binary.LittleEndian.PutUint16(in.mem[addr:], uint16(v))
		case opSw, opStoreFloat:
			binary.LittleEndian.PutUint32(in.mem[addr:], uint32(v))
		default:
			binary.LittleEndian.PutUint64(in.mem[addr:], uint64(v))
		}
		return noFlags, nil, nil

	case opWord32AtomicExchange, opWord64AtomicExchange, opWord32AtomicCompareExchange, opWord64AtomicCompareExchange:
		addr := arg(0) + arg(1)
		size := 1 << atomicAccessShift(instr.Code())
		buf := make([]byte, 8)
		copy(buf, in.mem[addr:addr+int64(size)])
		old := binary.LittleEndian.Uint64(buf)
		var newValue uint64
		if op == opWord32AtomicExchange || op == opWord64AtomicExchange {
			newValue = uint64(arg(2))
		} else {
			newValue = old
			mask := ^uint64(0) >> (64 - 8*size)
			if uint64(arg(2))&mask == old {
				newValue = uint64(arg(3))
			}
		}
		binary.LittleEndian.PutUint64(buf, newValue)
		copy(in.mem[addr:addr+int64(size)], buf[:size])
		return one(int64(old))

	case opS128Zero:
		return vec(make([]byte, 16))
	case opS128AllOnes:
		v := make([]byte, 16)
		for i := range v {
			v[i] = 0xff
		}
		return vec(v)
	case opS128Const:
		v := make([]byte, 16)
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint32(v[4*i:], uint32(arg(i)))
		}
		return vec(v)
	case opI8x16Add, opI16x8Add, opI32x4Add, opI32x4Sub, opI32x4Mul:
		a, b := in.readVector(ins[0]), in.readVector(ins[1])
		size := map[backend.ArchOpcode]int{opI8x16Add: 1, opI16x8Add: 2, opI32x4Add: 4, opI32x4Sub: 4, opI32x4Mul: 4}[op]
		out := make([]byte, 16)
		for i := 0; i < 16/size; i++ {
			x, y := lane(a, i, size), lane(b, i, size)
			r := x + y
			switch op {
			case opI32x4Sub:
				r = x - y
			case opI32x4Mul:
				r = x * y
			}
			setLane(out, i, size, r)
		}
		return vec(out)
	case opS128And, opS128Or, opS128Xor:
		a, b := in.readVector(ins[0]), in.readVector(ins[1])
		out := make([]byte, 16)
		for i := range out {
			switch op {
			case opS128And:
				out[i] = a[i] & b[i]
			case opS128Or:
				out[i] = a[i] | b[i]
			default:
				out[i] = a[i] ^ b[i]
			}
		}
		return vec(out)
	case opF32x4Pmin, opF32x4Pmax, opF64x2Pmin, opF64x2Pmax:
		a, b := in.readVector(ins[0]), in.readVector(ins[1])
		size := 4
		if op == opF64x2Pmin || op == opF64x2Pmax {
			size = 8
		}
		out := make([]byte, 16)
		for i := 0; i < 16/size; i++ {
			x, y := laneFloat(a, i, size), laneFloat(b, i, size)
			pick := lane(a, i, size)
			if (op == opF32x4Pmin || op == opF64x2Pmin) && y < x {
				pick = lane(b, i, size)
			}
			if (op == opF32x4Pmax || op == opF64x2Pmax) && x < y {
				pick = lane(b, i, size)
			}
			setLane(out, i, size, pick)
		}
		return vec(out)

	case opVrgather, opVwadd, opVwaddu, opVwmul, opVwmulu, opVcompress, opVaddVv, opVslidedown:
		sew, lmul := int32(arg(2)), int32(arg(3))
		size := 1 << sew
		vl := vlenBits(lmul) / (8 * size)
		src := in.readVector(ins[0])
		var out []byte
		switch op {
		case opVrgather:
			idx := in.readVector(ins[1])
			out = make([]byte, 16)
			for i := 0; i < vl; i++ {
				if j := int(lane(idx, i, size)); j < vl {
					setLane(out, i, size, lane(src, j, size))
				}
			}
		case opVwadd, opVwaddu, opVwmul, opVwmulu:
			other := in.readVector(ins[1])
			out = make([]byte, vl*2*size)
			for i := 0; i < vl; i++ {
				x, y := lane(src, i, size), lane(other, i, size)
				if op == opVwadd || op == opVwmul {
					x, y = signExtendLane(x, size), signExtendLane(y, size)
				}
				r := x + y
				if op == opVwmul || op == opVwmulu {
					r = x * y
				}
				setLane(out, i, 2*size, r)
			}
		case opVcompress:
			mask := uint64(arg(1))
			out = make([]byte, 16)
			j := 0
			for i := 0; i < vl; i++ {
				if mask&(1<<i) != 0 {
					setLane(out, j, size, lane(src, i, size))
					j++
				}
			}
		case opVaddVv:
			other := in.readVector(ins[1])
			out = make([]byte, 16)
			for i := 0; i < vl; i++ {
				setLane(out, i, size, lane(src, i, size)+lane(other, i, size))
			}
		case opVslidedown:
			offset := int(arg(1))
			out = make([]byte, 16)
			for i := 0; i+offset < vl; i++ {
				setLane(out, i, size, lane(src, i+offset, size))
			}
		}
		return vec(out)
	}
	panic(fmt.Sprintf("interpreter: unsupported %s", in.seq.FormatInstruction(instr)))
}

// vlenBits returns the number of bits of a register group with the given multiplier.
func vlenBits(lmul int32) int {
	switch lmul {
	case m1:
		return vlen
	case m2:
		return 2 * vlen
	case mf2:
		return vlen / 2
	}
	panic(lmul)
}

func lane(v []byte, i, size int) uint64 {
	if (i+1)*size > len(v) {
		return 0
	}
	var r uint64
	for k := size - 1; k >= 0; k-- {
		r = r<<8 | uint64(v[i*size+k])
	}
	return r
}

func setLane(v []byte, i, size int, x uint64) {
	for k := 0; k < size; k++ {
		v[i*size+k] = byte(x >> (8 * k))
	}
}

func signExtendLane(x uint64, size int) uint64 {
	shift := 64 - 8*size
	return uint64(int64(x<<shift) >> shift)
}

func laneFloat(v []byte, i, size int) float64 {
	if size == 4 {
		return float64(math.Float32frombits(uint32(lane(v, i, size))))
	}
	return math.Float64frombits(lane(v, i, size))
}
