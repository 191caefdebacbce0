// Package backend implements the architecture independent half of instruction selection: the
// operand model, the instruction sequence handed to the register allocator and the block walk
// that drives an ISA specific Machine.
package backend

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tetratelabs/jitcore/internal/ir"
	"github.com/tetratelabs/jitcore/internal/jitapi"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// Machine is implemented by each ISA to lower IR nodes into instructions.
type Machine interface {
	// VisitNode lowers a node which is used or has side effects. Control nodes, phis,
	// projections, parameters and constants are handled by the selector itself.
	VisitNode(s *InstructionSelector, n *ir.Node)

	// VisitWordCompareZero lowers "value != 0" consumed by cont, fusing value into the compare
	// when user can cover it.
	VisitWordCompareZero(s *InstructionSelector, user, value *ir.Node, cont *FlagsContinuation)

	// VisitSwitch lowers a Switch on value.
	VisitSwitch(s *InstructionSelector, value *ir.Node, sw *SwitchInfo)

	// Arity returns the static operand shape of an ISA opcode.
	Arity(op ArchOpcode) (Arity, bool)

	// OpcodeName returns the name of any opcode, shared or ISA specific.
	OpcodeName(op ArchOpcode) string

	// ParameterRegister returns the register the index-th parameter arrives in.
	ParameterRegister(index int, rep ir.MachineRepresentation) regalloc.RealReg

	// ReturnRegister returns the register the index-th return value leaves in.
	ReturnRegister(index int, rep ir.MachineRepresentation) regalloc.RealReg
}

// Options configures instruction selection.
type Options struct {
	// CompressPointers enables 32-bit compressed tagged values.
	CompressPointers bool
	// StaticRoots means read-only roots have addresses known at build time.
	StaticRoots bool
	// Bootstrapper is set while compiling builtins for the snapshot.
	Bootstrapper bool
	// EnableSwitchJumpTable allows ArchTableSwitch.
	EnableSwitchJumpTable bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{CompressPointers: true, StaticRoots: true, EnableSwitchJumpTable: true}
}

// InstructionSelector walks an ir.Graph and produces an InstructionSequence.
//
// Blocks are visited in reverse order, and inside a block the control node is visited first and
// the other nodes in reverse. This way every user is visited before the nodes it uses, so a user
// can cover (fold) a node into its own instruction and the covered node is then skipped because
// nothing marked it used.
type InstructionSelector struct {
	m      Machine
	opts   Options
	logger *zap.Logger

	seq     *InstructionSequence
	current *ir.Block
	buf     []*Instruction
	phis    [][]PhiInstruction

	vregs   []regalloc.VReg
	used    []bool
	defined []bool
	renames map[regalloc.VReg]regalloc.VReg
}

// NewInstructionSelector returns a selector for the given Machine. logger may be nil.
func NewInstructionSelector(m Machine, opts Options, logger *zap.Logger) *InstructionSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstructionSelector{m: m, opts: opts, logger: logger}
}

// Options returns the options of this selector.
func (s *InstructionSelector) Options() Options { return s.opts }

// Sequence returns the sequence being built.
func (s *InstructionSelector) Sequence() *InstructionSequence { return s.seq }

func (s *InstructionSelector) reset(g *ir.Graph) {
	n := g.NodeCount()
	s.seq = newInstructionSequence(s.m.OpcodeName)
	s.vregs = make([]regalloc.VReg, n)
	for i := range s.vregs {
		s.vregs[i] = regalloc.VRegInvalid
	}
	s.used = make([]bool, n)
	s.defined = make([]bool, n)
	s.renames = map[regalloc.VReg]regalloc.VReg{}
	s.phis = make([][]PhiInstruction, len(g.Blocks()))
	s.buf = s.buf[:0]
}

// SelectInstructions lowers every block of g.
func (s *InstructionSelector) SelectInstructions(g *ir.Graph) *InstructionSequence {
	s.reset(g)
	blocks := g.Blocks()
	// Phi inputs on back edges are visited before the phi itself, so mark them up front.
	for _, b := range blocks {
		for _, n := range b.Nodes() {
			if n.Opcode() == ir.OpcodePhi {
				for _, in := range n.Inputs() {
					s.MarkAsUsed(in)
				}
			}
		}
	}
	perBlock := make([][]*Instruction, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		perBlock[i] = s.visitBlock(blocks[i])
	}

	for i, b := range blocks {
		ib := &InstructionBlock{RpoNumber: i, CodeStart: len(s.seq.instructions), Deferred: b.Deferred(), Phis: s.phis[i]}
		s.seq.instructions = append(s.seq.instructions, perBlock[i]...)
		ib.CodeEnd = len(s.seq.instructions)
		for _, succ := range b.Succs() {
			ib.Successors = append(ib.Successors, int(succ.ID()))
		}
		for _, pred := range b.Preds() {
			ib.Predecessors = append(ib.Predecessors, int(pred.ID()))
		}
		s.seq.blocks = append(s.seq.blocks, ib)
	}
	s.applyRenames()

	if jitapi.PrintSelectedInstructions {
		fmt.Println(s.seq.Format())
	}
	return s.seq
}

func (s *InstructionSelector) visitBlock(b *ir.Block) []*Instruction {
	s.current = b
	s.buf = s.buf[:0]

	if ctrl := b.Control(); ctrl != nil {
		start := len(s.buf)
		s.visitControl(ctrl)
		reverse(s.buf[start:])
	} else {
		panic(fmt.Sprintf("BUG: blk%d has no control node", b.ID()))
	}

	nodes := b.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if s.IsDefined(n) || (!n.Opcode().HasSideEffects() && !s.IsUsed(n)) {
			continue
		}
		start := len(s.buf)
		s.visitNode(n)
		// Instructions of one node are emitted in order; undo the block level reversal below.
		reverse(s.buf[start:])
	}
	reverse(s.buf)

	if ce := s.logger.Check(zap.DebugLevel, "selected block"); ce != nil {
		ce.Write(zap.Uint32("block", uint32(b.ID())), zap.Int("instructions", len(s.buf)))
	}
	return append([]*Instruction(nil), s.buf...)
}

func reverse(instrs []*Instruction) {
	for i, j := 0, len(instrs)-1; i < j; i, j = i+1, j-1 {
		instrs[i], instrs[j] = instrs[j], instrs[i]
	}
}

func (s *InstructionSelector) visitControl(n *ir.Node) {
	g := s.OperandGenerator()
	succs := s.current.Succs()
	switch n.Opcode() {
	case ir.OpcodeGoto:
		s.Emit(NewInstructionCode(ArchJmp), nil, []InstructionOperand{g.Label(succs[0])}, nil)
	case ir.OpcodeBranch:
		t, f := succs[0], succs[1]
		hint := BranchHintNone
		if t.Deferred() && !f.Deferred() {
			hint = BranchHintFalse
		} else if f.Deferred() && !t.Deferred() {
			hint = BranchHintTrue
		}
		cont := ForBranch(CondNotEqual, t, f, hint)
		s.m.VisitWordCompareZero(s, n, n.InputAt(0), &cont)
	case ir.OpcodeSwitch:
		cases := n.SwitchCases()
		infos := make([]CaseInfo, len(cases))
		for i, v := range cases {
			infos[i] = CaseInfo{Value: v, Order: i, Branch: succs[i]}
		}
		sw := NewSwitchInfo(infos, succs[len(succs)-1])
		s.m.VisitSwitch(s, n.InputAt(0), sw)
	case ir.OpcodeReturn:
		inputs := []InstructionOperand{g.TempImmediate(0)}
		for i, v := range n.Inputs() {
			inputs = append(inputs, g.UseFixed(v, s.m.ReturnRegister(i, v.Rep())))
		}
		s.Emit(NewInstructionCode(ArchRet), nil, inputs, nil)
	default:
		panic("BUG: unexpected control node " + n.Opcode().String())
	}
}

func (s *InstructionSelector) visitNode(n *ir.Node) {
	g := s.OperandGenerator()
	switch op := n.Opcode(); op {
	case ir.OpcodeInt32Constant, ir.OpcodeInt64Constant, ir.OpcodeFloat32Constant, ir.OpcodeFloat64Constant,
		ir.OpcodeHeapConstant, ir.OpcodeCompressedHeapConstant:
		s.Emit(NewInstructionCode(ArchNop), []InstructionOperand{g.DefineAsConstant(n)}, nil, nil)
	case ir.OpcodeParameter:
		reg := s.m.ParameterRegister(n.Index(), n.Rep())
		s.Emit(NewInstructionCode(ArchNop), []InstructionOperand{g.DefineAsFixed(n, reg)}, nil, nil)
	case ir.OpcodePhi:
		s.visitPhi(n)
	case ir.OpcodeProjection:
		s.visitProjection(n)
	case ir.OpcodeWord32Select, ir.OpcodeWord64Select:
		cont := ForSelect(CondNotEqual, n, n.InputAt(1), n.InputAt(2))
		s.m.VisitWordCompareZero(s, n, n.InputAt(0), &cont)
	case ir.OpcodeDeoptimizeIf, ir.OpcodeDeoptimizeUnless:
		cond := CondNotEqual
		if op == ir.OpcodeDeoptimizeUnless {
			cond = CondEqual
		}
		reason, fb := n.DeoptParams()
		cont := ForDeoptimize(cond, reason, fb, n.Inputs()[1:])
		s.m.VisitWordCompareZero(s, n, n.InputAt(0), &cont)
	case ir.OpcodeTrapIf, ir.OpcodeTrapUnless:
		cond := CondNotEqual
		if op == ir.OpcodeTrapUnless {
			cond = CondEqual
		}
		cont := ForTrap(cond, n.TrapID())
		s.m.VisitWordCompareZero(s, n, n.InputAt(0), &cont)
	default:
		s.m.VisitNode(s, n)
	}
}

func (s *InstructionSelector) visitPhi(n *ir.Node) {
	phi := PhiInstruction{Output: s.VirtualRegister(n)}
	for _, in := range n.Inputs() {
		s.MarkAsUsed(in)
		phi.Operands = append(phi.Operands, s.VirtualRegister(in))
	}
	s.MarkAsDefined(n)
	id := n.Block().ID()
	s.phis[id] = append(s.phis[id], phi)
}

func (s *InstructionSelector) visitProjection(n *ir.Node) {
	value := n.InputAt(0)
	switch value.Opcode() {
	case ir.OpcodeInt32AddWithOverflow, ir.OpcodeInt32SubWithOverflow, ir.OpcodeInt32MulWithOverflow:
		if n.Index() == 0 {
			s.EmitIdentity(n)
		} else {
			s.MarkAsUsed(value)
		}
	default:
		panic("unimplemented: projection of " + value.Opcode().String())
	}
}

// EmitIdentity makes n an alias of its first input without emitting code.
func (s *InstructionSelector) EmitIdentity(n *ir.Node) {
	in := n.InputAt(0)
	s.MarkAsUsed(in)
	s.MarkAsDefined(n)
	s.renames[s.VirtualRegister(n)] = s.VirtualRegister(in)
}

func (s *InstructionSelector) rename(v regalloc.VReg) regalloc.VReg {
	for {
		to, ok := s.renames[v]
		if !ok {
			return v
		}
		v = to
	}
}

func (s *InstructionSelector) applyRenames() {
	if len(s.renames) == 0 {
		return
	}
	fix := func(ops []InstructionOperand) {
		for i := range ops {
			if k := ops[i].kind; k == OperandUnallocated || k == OperandConstant {
				ops[i].vreg = s.rename(ops[i].vreg)
			}
		}
	}
	for _, instr := range s.seq.instructions {
		fix(instr.inputs)
	}
	for _, b := range s.seq.blocks {
		for i := range b.Phis {
			for j, op := range b.Phis[i].Operands {
				b.Phis[i].Operands[j] = s.rename(op)
			}
		}
	}
}

// CanCover returns true if node can be folded into the instruction emitted for user: node has
// exactly one use and is scheduled in the same block as user.
func (s *InstructionSelector) CanCover(user, node *ir.Node) bool {
	return node.UseCount() == 1 && node.Block() == user.Block()
}

// IsUsed returns true if an already visited user requires the value of n.
func (s *InstructionSelector) IsUsed(n *ir.Node) bool { return s.used[n.ID()] }

// MarkAsUsed records that the value of n is required.
func (s *InstructionSelector) MarkAsUsed(n *ir.Node) { s.used[n.ID()] = true }

// IsDefined returns true if an instruction already defines n.
func (s *InstructionSelector) IsDefined(n *ir.Node) bool { return s.defined[n.ID()] }

// MarkAsDefined records that an instruction defines n.
func (s *InstructionSelector) MarkAsDefined(n *ir.Node) { s.defined[n.ID()] = true }

// VirtualRegister returns the virtual register holding the value of n, allocating it with the
// register class of the node's representation on first use.
func (s *InstructionSelector) VirtualRegister(n *ir.Node) regalloc.VReg {
	if v := s.vregs[n.ID()]; v != regalloc.VRegInvalid {
		return v
	}
	v := s.seq.newVReg(RegTypeOf(n.Rep()))
	s.vregs[n.ID()] = v
	return v
}

// RegTypeOf returns the register class that holds values of rep.
func RegTypeOf(rep ir.MachineRepresentation) regalloc.RegType {
	switch rep {
	case ir.RepFloat32, ir.RepFloat64:
		return regalloc.RegTypeFloat
	case ir.RepSimd128:
		return regalloc.RegTypeSimd128
	default:
		return regalloc.RegTypeInt
	}
}

// Emit appends an instruction without a flags continuation.
func (s *InstructionSelector) Emit(code InstructionCode, outputs, inputs, temps []InstructionOperand) *Instruction {
	if jitapi.InstructionArityValidationEnabled {
		s.validateArity(code, len(outputs), len(inputs), len(temps))
	}
	return s.emit(code, outputs, inputs, temps)
}

// EmitWithContinuation appends an instruction whose condition is consumed by cont. The operand
// counts are validated before the continuation adds its own operands.
func (s *InstructionSelector) EmitWithContinuation(code InstructionCode, outputs, inputs, temps []InstructionOperand, cont *FlagsContinuation) *Instruction {
	if jitapi.InstructionArityValidationEnabled {
		s.validateArity(code, len(outputs), len(inputs), len(temps))
	}
	g := s.OperandGenerator()
	outputs = append([]InstructionOperand(nil), outputs...)
	inputs = append([]InstructionOperand(nil), inputs...)
	code = cont.Encode(code)
	switch cont.mode {
	case FlagsModeNone:
	case FlagsModeBranch:
		inputs = append(inputs, g.Label(cont.trueBlock), g.Label(cont.falseBlock))
	case FlagsModeDeoptimize:
		s.seq.deopts = append(s.seq.deopts, DeoptimizationEntry{
			Reason: cont.reason, Feedback: cont.feedback, StateValues: len(cont.frameState),
		})
		inputs = append(inputs, g.TempImmediate(int32(len(s.seq.deopts)-1)))
		for _, v := range cont.frameState {
			inputs = append(inputs, g.UseAny(v))
		}
	case FlagsModeSet:
		outputs = append(outputs, g.DefineAsRegister(cont.result))
	case FlagsModeTrap:
		inputs = append(inputs, g.TempImmediate(int32(cont.trapID)))
	case FlagsModeSelect:
		outputs = append(outputs, g.DefineAsRegister(cont.result))
		inputs = append(inputs, g.UseRegister(cont.trueValue), g.UseRegister(cont.falseValue))
	}
	return s.emit(code, outputs, inputs, temps)
}

func (s *InstructionSelector) emit(code InstructionCode, outputs, inputs, temps []InstructionOperand) *Instruction {
	instr := &Instruction{
		code:    code,
		outputs: append([]InstructionOperand(nil), outputs...),
		inputs:  append([]InstructionOperand(nil), inputs...),
		temps:   append([]InstructionOperand(nil), temps...),
	}
	s.buf = append(s.buf, instr)
	return instr
}

var sharedArities = map[ArchOpcode]Arity{
	ArchNop:                {Outputs: Variadic, Inputs: Variadic, Temps: 0},
	ArchJmp:                {Outputs: 0, Inputs: 1, Temps: 0},
	ArchRet:                {Outputs: 0, Inputs: Variadic, Temps: 0},
	ArchTableSwitch:        {Outputs: 0, Inputs: Variadic, Temps: 0},
	ArchBinarySearchSwitch: {Outputs: 0, Inputs: Variadic, Temps: 0},
	ArchDeoptimize:         {Outputs: 0, Inputs: Variadic, Temps: 0},
	ArchTruncateDoubleToI:  {Outputs: 1, Inputs: 1, Temps: 0},
	ArchStackSlot:          {Outputs: 1, Inputs: 2, Temps: 0},
}

func (s *InstructionSelector) validateArity(code InstructionCode, outputs, inputs, temps int) {
	op := code.ArchOpcode()
	a, ok := sharedArities[op]
	if !ok {
		a, ok = s.m.Arity(op)
	}
	if !ok {
		panic("unimplemented: no arity for " + s.m.OpcodeName(op))
	}
	if err := a.Validate(outputs, inputs, temps); err != nil {
		panic(fmt.Sprintf("BUG: %s: %v", s.m.OpcodeName(op), err))
	}
}

// CaseInfo is one case of a switch.
type CaseInfo struct {
	Value int32
	// Order is the position of the case in the source switch.
	Order  int
	Branch *ir.Block
}

// SwitchInfo describes a switch for the ISA to lower either as a table or as a binary search.
type SwitchInfo struct {
	cases         []CaseInfo
	minValue      int32
	maxValue      int32
	defaultBranch *ir.Block
}

// NewSwitchInfo returns the SwitchInfo for cases. Case values must be distinct.
func NewSwitchInfo(cases []CaseInfo, defaultBranch *ir.Block) *SwitchInfo {
	sorted := append([]CaseInfo(nil), cases...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })
	sw := &SwitchInfo{cases: sorted, defaultBranch: defaultBranch}
	for i, c := range sorted {
		if i > 0 && sorted[i-1].Value == c.Value {
			panic(fmt.Sprintf("BUG: duplicate switch case %d", c.Value))
		}
	}
	if len(sorted) > 0 {
		sw.minValue, sw.maxValue = sorted[0].Value, sorted[len(sorted)-1].Value
	}
	return sw
}

// CaseCount returns the number of cases, not counting the default.
func (sw *SwitchInfo) CaseCount() int { return len(sw.cases) }

// MinValue returns the smallest case value.
func (sw *SwitchInfo) MinValue() int32 { return sw.minValue }

// MaxValue returns the largest case value.
func (sw *SwitchInfo) MaxValue() int32 { return sw.maxValue }

// ValueRange returns max-min+1, or 0 without cases.
func (sw *SwitchInfo) ValueRange() uint64 {
	if len(sw.cases) == 0 {
		return 0
	}
	return uint64(int64(sw.maxValue)-int64(sw.minValue)) + 1
}

// CasesSortedByValue returns the cases in ascending value order.
func (sw *SwitchInfo) CasesSortedByValue() []CaseInfo { return sw.cases }

// DefaultBranch returns the block taken when no case matches.
func (sw *SwitchInfo) DefaultBranch() *ir.Block { return sw.defaultBranch }

// EmitTableSwitch emits ArchTableSwitch over index, which must already be rebased to the
// smallest case value.
func (s *InstructionSelector) EmitTableSwitch(sw *SwitchInfo, index InstructionOperand) *Instruction {
	g := s.OperandGenerator()
	rng := int(sw.ValueRange())
	inputs := make([]InstructionOperand, 2+rng)
	inputs[0] = index
	def := g.Label(sw.defaultBranch)
	for i := 1; i < len(inputs); i++ {
		inputs[i] = def
	}
	for _, c := range sw.cases {
		inputs[2+int(int64(c.Value)-int64(sw.minValue))] = g.Label(c.Branch)
	}
	return s.Emit(NewInstructionCode(ArchTableSwitch), nil, inputs, nil)
}

// EmitBinarySearchSwitch emits ArchBinarySearchSwitch over value.
func (s *InstructionSelector) EmitBinarySearchSwitch(sw *SwitchInfo, value InstructionOperand) *Instruction {
	g := s.OperandGenerator()
	inputs := make([]InstructionOperand, 0, 2+2*len(sw.cases))
	inputs = append(inputs, value, g.Label(sw.defaultBranch))
	for _, c := range sw.cases {
		inputs = append(inputs, g.TempImmediate(c.Value), g.Label(c.Branch))
	}
	return s.Emit(NewInstructionCode(ArchBinarySearchSwitch), nil, inputs, nil)
}
