package backend

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// Instruction is a selected machine instruction whose operands may still be unallocated.
type Instruction struct {
	code    InstructionCode
	outputs []InstructionOperand
	inputs  []InstructionOperand
	temps   []InstructionOperand
	isCall  bool
}

// Code returns the packed opcode of this instruction.
func (i *Instruction) Code() InstructionCode { return i.code }

// Outputs returns the output operands.
func (i *Instruction) Outputs() []InstructionOperand { return i.outputs }

// Inputs returns the input operands.
func (i *Instruction) Inputs() []InstructionOperand { return i.inputs }

// Temps returns the temporary operands.
func (i *Instruction) Temps() []InstructionOperand { return i.temps }

// OutputAt returns the i-th output.
func (i *Instruction) OutputAt(n int) InstructionOperand { return i.outputs[n] }

// InputAt returns the i-th input.
func (i *Instruction) InputAt(n int) InstructionOperand { return i.inputs[n] }

// MarkAsCall records that the instruction clobbers every caller saved register.
func (i *Instruction) MarkAsCall() *Instruction {
	i.isCall = true
	return i
}

// IsCall returns true if MarkAsCall was called.
func (i *Instruction) IsCall() bool { return i.isCall }

// Arity is the static operand shape of an opcode. Variadic is -1.
type Arity struct {
	Outputs, Inputs, Temps int
}

// Variadic marks a count that is not checked.
const Variadic = -1

func (a Arity) check(what string, got, want int) error {
	if want != Variadic && got != want {
		return fmt.Errorf("%s count %d, want %d", what, got, want)
	}
	return nil
}

// Validate returns an error if the operand counts do not match a.
func (a Arity) Validate(outputs, inputs, temps int) error {
	if err := a.check("output", outputs, a.Outputs); err != nil {
		return err
	}
	if err := a.check("input", inputs, a.Inputs); err != nil {
		return err
	}
	return a.check("temp", temps, a.Temps)
}

// PhiInstruction merges one virtual register per predecessor.
type PhiInstruction struct {
	Output   regalloc.VReg
	Operands []regalloc.VReg
}

// InstructionBlock is the code range of one IR block inside the sequence.
type InstructionBlock struct {
	RpoNumber    int
	CodeStart    int
	CodeEnd      int
	Successors   []int
	Predecessors []int
	Phis         []PhiInstruction
	Deferred     bool
}

// DeoptimizationEntry describes one eager deopt point referenced by a deoptimize continuation.
type DeoptimizationEntry struct {
	Reason   deopt.Reason
	Feedback deopt.FeedbackSource
	// StateValues is the number of frame state inputs passed after the deopt id.
	StateValues int
}

// InstructionSequence is the output of instruction selection and the input of register
// allocation.
type InstructionSequence struct {
	instructions []*Instruction
	blocks       []*InstructionBlock
	constants    map[regalloc.VReg]Constant
	immediates   []Constant
	deopts       []DeoptimizationEntry
	vregTypes    []regalloc.RegType
	opcodeName   func(ArchOpcode) string
}

func newInstructionSequence(opcodeName func(ArchOpcode) string) *InstructionSequence {
	return &InstructionSequence{constants: map[regalloc.VReg]Constant{}, opcodeName: opcodeName}
}

// Instructions returns every instruction in block order.
func (s *InstructionSequence) Instructions() []*Instruction { return s.instructions }

// Blocks returns the blocks in RPO.
func (s *InstructionSequence) Blocks() []*InstructionBlock { return s.blocks }

// BlockInstructions returns the instructions of block b.
func (s *InstructionSequence) BlockInstructions(b *InstructionBlock) []*Instruction {
	return s.instructions[b.CodeStart:b.CodeEnd]
}

// Constant returns the value of a constant virtual register.
func (s *InstructionSequence) Constant(v regalloc.VReg) (Constant, bool) {
	c, ok := s.constants[v]
	return c, ok
}

// Immediate returns the value of an indexed immediate.
func (s *InstructionSequence) Immediate(i int) Constant { return s.immediates[i] }

// ImmediateValue returns the value of any immediate operand.
func (s *InstructionSequence) ImmediateValue(o InstructionOperand) Constant {
	v, inline := o.ImmediateValue()
	if inline {
		return Constant{Type: ConstantInt64, Value: v}
	}
	return s.immediates[o.index]
}

// DeoptimizationEntry returns the i-th deopt entry.
func (s *InstructionSequence) DeoptimizationEntry(i int) DeoptimizationEntry { return s.deopts[i] }

// DeoptimizationEntries returns the number of deopt entries.
func (s *InstructionSequence) DeoptimizationEntries() int { return len(s.deopts) }

// VirtualRegisterCount returns the number of virtual registers in use.
func (s *InstructionSequence) VirtualRegisterCount() int { return len(s.vregTypes) }

// VirtualRegisterType returns the register class of virtual register id.
func (s *InstructionSequence) VirtualRegisterType(id regalloc.VRegID) regalloc.RegType {
	return s.vregTypes[id]
}

func (s *InstructionSequence) newVReg(typ regalloc.RegType) regalloc.VReg {
	id := regalloc.VRegID(len(s.vregTypes))
	s.vregTypes = append(s.vregTypes, typ)
	return regalloc.NewVReg(id, typ)
}

func (s *InstructionSequence) addImmediate(c Constant) InstructionOperand {
	if c.FitsInline() {
		return InstructionOperand{kind: OperandImmediate, imm: c.Value}
	}
	s.immediates = append(s.immediates, c)
	return InstructionOperand{kind: OperandImmediate, indexed: true, index: int32(len(s.immediates) - 1)}
}

// Format returns the textual dump of the sequence.
func (s *InstructionSequence) Format() string {
	var sb strings.Builder
	for _, b := range s.blocks {
		fmt.Fprintf(&sb, "B%d:", b.RpoNumber)
		if b.Deferred {
			sb.WriteString(" (deferred)")
		}
		if len(b.Predecessors) > 0 {
			fmt.Fprintf(&sb, " <- %v", b.Predecessors)
		}
		sb.WriteByte('\n')
		for _, phi := range b.Phis {
			fmt.Fprintf(&sb, "\tphi v%d = (", phi.Output.ID())
			for i, op := range phi.Operands {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "v%d", op.ID())
			}
			sb.WriteString(")\n")
		}
		for _, instr := range s.BlockInstructions(b) {
			fmt.Fprintf(&sb, "\t%s\n", s.FormatInstruction(instr))
		}
		if len(b.Successors) > 0 {
			fmt.Fprintf(&sb, "\t-> %v\n", b.Successors)
		}
	}
	return sb.String()
}

// FormatInstruction returns the textual form of one instruction.
func (s *InstructionSequence) FormatInstruction(i *Instruction) string {
	var sb strings.Builder
	for n, o := range i.outputs {
		if n > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(s.formatOperand(o))
	}
	if len(i.outputs) > 0 {
		sb.WriteString(" = ")
	}
	sb.WriteString(s.opcodeName(i.code.ArchOpcode()))
	if m := i.code.AddressingMode(); m != ModeNone {
		fmt.Fprintf(&sb, " : %s", m)
	}
	if m := i.code.FlagsMode(); m != FlagsModeNone {
		fmt.Fprintf(&sb, " && %s if %s", m, i.code.FlagsCondition())
	}
	if misc := i.code.Misc(); misc != 0 {
		fmt.Fprintf(&sb, " misc=%d", misc)
	}
	for n, o := range i.inputs {
		if n == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(s.formatOperand(o))
	}
	if len(i.temps) > 0 {
		sb.WriteString(" |")
		for _, o := range i.temps {
			sb.WriteByte(' ')
			sb.WriteString(s.formatOperand(o))
		}
	}
	if i.isCall {
		sb.WriteString(" (call)")
	}
	return sb.String()
}

func (s *InstructionSequence) formatOperand(o InstructionOperand) string {
	switch o.kind {
	case OperandImmediate:
		if o.indexed {
			return fmt.Sprintf("[imm:%s]", s.immediates[o.index])
		}
	case OperandConstant:
		if c, ok := s.constants[o.vreg]; ok {
			return fmt.Sprintf("[const:v%d=%s]", o.vreg.ID(), c)
		}
	}
	return o.String()
}

// DefaultOpcodeName names the shared opcodes and falls back to a number for the rest.
func DefaultOpcodeName(op ArchOpcode) string {
	if int(op) < len(archOpcodeNames) && archOpcodeNames[op] != "" {
		return archOpcodeNames[op]
	}
	return fmt.Sprintf("ArchOpcode(%d)", op)
}
