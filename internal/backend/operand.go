package backend

import (
	"fmt"
	"math"

	"github.com/tetratelabs/jitcore/internal/heap"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// OperandKind is the state an InstructionOperand is in.
type OperandKind byte

const (
	OperandInvalid OperandKind = iota
	// OperandUnallocated refers to a virtual register with a placement policy.
	OperandUnallocated
	// OperandConstant refers to a virtual register defined as a constant.
	OperandConstant
	// OperandImmediate is encoded into the instruction itself.
	OperandImmediate
	// OperandRegister is a physical register chosen by the allocator.
	OperandRegister
	// OperandStackSlot is a spill slot chosen by the allocator.
	OperandStackSlot
)

// Policy tells the register allocator where an unallocated operand must be placed.
type Policy byte

const (
	// PolicyAny accepts a register, a stack slot or a constant.
	PolicyAny Policy = iota
	PolicyRegisterOrSlot
	PolicyRegisterOrSlotOrConstant
	PolicyMustHaveRegister
	PolicyMustHaveSlot
	PolicyFixedRegister
	PolicyFixedSlot
	// PolicySameAsInput makes an output share the register of the given input.
	PolicySameAsInput
)

var policyNames = [...]string{
	PolicyAny:                      "any",
	PolicyRegisterOrSlot:           "rs",
	PolicyRegisterOrSlotOrConstant: "rsc",
	PolicyMustHaveRegister:         "R",
	PolicyMustHaveSlot:             "S",
	PolicyFixedRegister:            "fixed",
	PolicyFixedSlot:                "fixed_slot",
	PolicySameAsInput:              "same",
}

// InstructionOperand is a tagged union over the operand states. The zero value is invalid.
type InstructionOperand struct {
	kind   OperandKind
	policy Policy
	// usedAtStart means the register may be reused by an output of the same instruction.
	usedAtStart bool
	vreg        regalloc.VReg
	reg         regalloc.RealReg
	// index is the slot for stack operands, the input index for PolicySameAsInput and the
	// immediates table index for indexed immediates.
	index int32
	// imm is the inline immediate value.
	imm     int64
	indexed bool
}

// Kind returns the state of the operand.
func (o InstructionOperand) Kind() OperandKind { return o.kind }

// IsInvalid returns true for the zero operand.
func (o InstructionOperand) IsInvalid() bool { return o.kind == OperandInvalid }

// IsUnallocated returns true if the operand still waits for the register allocator.
func (o InstructionOperand) IsUnallocated() bool { return o.kind == OperandUnallocated }

// IsImmediate returns true for immediate operands.
func (o InstructionOperand) IsImmediate() bool { return o.kind == OperandImmediate }

// IsConstant returns true for constant operands.
func (o InstructionOperand) IsConstant() bool { return o.kind == OperandConstant }

// Policy returns the placement policy of an unallocated operand.
func (o InstructionOperand) Policy() Policy {
	o.expect(OperandUnallocated)
	return o.policy
}

// UsedAtStart returns true if an input's register may be reused by the instruction's outputs.
func (o InstructionOperand) UsedAtStart() bool { return o.usedAtStart }

// VReg returns the virtual register of an unallocated or constant operand.
func (o InstructionOperand) VReg() regalloc.VReg {
	o.expect(OperandUnallocated, OperandConstant)
	return o.vreg
}

// FixedRegister returns the register requested by PolicyFixedRegister.
func (o InstructionOperand) FixedRegister() regalloc.RealReg {
	if o.kind != OperandUnallocated || o.policy != PolicyFixedRegister {
		panic("BUG: operand has no fixed register")
	}
	return o.reg
}

// SameAsInput returns the input index requested by PolicySameAsInput.
func (o InstructionOperand) SameAsInput() int {
	if o.kind != OperandUnallocated || o.policy != PolicySameAsInput {
		panic("BUG: operand is not same-as-input")
	}
	return int(o.index)
}

// ImmediateValue returns the value of an inline immediate.
func (o InstructionOperand) ImmediateValue() (v int64, inline bool) {
	o.expect(OperandImmediate)
	return o.imm, !o.indexed
}

// ImmediateIndex returns the index into InstructionSequence immediates of an indexed immediate.
func (o InstructionOperand) ImmediateIndex() int {
	o.expect(OperandImmediate)
	if !o.indexed {
		panic("BUG: inline immediate has no index")
	}
	return int(o.index)
}

// Register returns the allocated register. It panics for any other state, in particular for
// operands the allocator has not processed yet.
func (o InstructionOperand) Register() regalloc.RealReg {
	o.expect(OperandRegister)
	return o.reg
}

// StackSlot returns the allocated stack slot.
func (o InstructionOperand) StackSlot() int {
	o.expect(OperandStackSlot)
	return int(o.index)
}

// Allocate moves an unallocated operand to a register.
func (o InstructionOperand) Allocate(r regalloc.RealReg) InstructionOperand {
	o.expect(OperandUnallocated)
	if o.policy == PolicyFixedRegister && o.reg != r {
		panic(fmt.Sprintf("BUG: fixed operand allocated to %s instead of %s", r, o.reg))
	}
	if o.policy == PolicyMustHaveSlot || o.policy == PolicyFixedSlot {
		panic("BUG: slot operand allocated to a register")
	}
	return InstructionOperand{kind: OperandRegister, vreg: o.vreg, reg: r}
}

// AllocateSlot moves an unallocated operand to a stack slot.
func (o InstructionOperand) AllocateSlot(slot int) InstructionOperand {
	o.expect(OperandUnallocated)
	switch o.policy {
	case PolicyMustHaveRegister, PolicyFixedRegister, PolicySameAsInput:
		panic("BUG: register operand allocated to a slot")
	}
	return InstructionOperand{kind: OperandStackSlot, vreg: o.vreg, index: int32(slot)}
}

func (o InstructionOperand) expect(kinds ...OperandKind) {
	for _, k := range kinds {
		if o.kind == k {
			return
		}
	}
	panic(fmt.Sprintf("BUG: unexpected operand %s", o))
}

// String implements fmt.Stringer.
func (o InstructionOperand) String() string {
	switch o.kind {
	case OperandInvalid:
		return "(invalid)"
	case OperandUnallocated:
		s := fmt.Sprintf("v%d(%s", o.vreg.ID(), policyNames[o.policy])
		switch o.policy {
		case PolicyFixedRegister:
			s += fmt.Sprintf("=%s", o.reg)
		case PolicyFixedSlot:
			s += fmt.Sprintf("=%d", o.index)
		case PolicySameAsInput:
			s += fmt.Sprintf("=%d", o.index)
		}
		if o.usedAtStart {
			s += "|start"
		}
		return s + ")"
	case OperandConstant:
		return fmt.Sprintf("[const:v%d]", o.vreg.ID())
	case OperandImmediate:
		if o.indexed {
			return fmt.Sprintf("[imm:#%d]", o.index)
		}
		return fmt.Sprintf("[imm:%d]", o.imm)
	case OperandRegister:
		return fmt.Sprintf("[%s|v%d]", o.reg, o.vreg.ID())
	case OperandStackSlot:
		return fmt.Sprintf("[stack:%d|v%d]", o.index, o.vreg.ID())
	}
	return "(unknown)"
}

func newUnallocated(v regalloc.VReg, policy Policy, usedAtStart bool) InstructionOperand {
	return InstructionOperand{kind: OperandUnallocated, vreg: v, policy: policy, usedAtStart: usedAtStart}
}

// ConstantType is the type of a Constant.
type ConstantType byte

const (
	ConstantInt32 ConstantType = iota
	ConstantInt64
	ConstantFloat32
	ConstantFloat64
	ConstantHeapObject
	ConstantCompressedHeapObject
	// ConstantRpoNumber is a block label.
	ConstantRpoNumber
)

// Constant is the value of a constant virtual register or of an indexed immediate.
type Constant struct {
	Type  ConstantType
	Value int64
	Root  heap.RootIndex
}

// Int32Constant returns an int32 constant.
func Int32Constant(v int32) Constant { return Constant{Type: ConstantInt32, Value: int64(v)} }

// Int64Constant returns an int64 constant.
func Int64Constant(v int64) Constant { return Constant{Type: ConstantInt64, Value: v} }

// Float64Constant returns a float64 constant.
func Float64Constant(v float64) Constant {
	return Constant{Type: ConstantFloat64, Value: int64(math.Float64bits(v))}
}

// RpoConstant returns the label of a block.
func RpoConstant(block int) Constant { return Constant{Type: ConstantRpoNumber, Value: int64(block)} }

// FitsInline returns true if the constant can be an inline immediate.
func (c Constant) FitsInline() bool {
	switch c.Type {
	case ConstantInt32, ConstantFloat32:
		return true
	case ConstantInt64:
		return c.Value == int64(int32(c.Value))
	}
	return false
}

// String implements fmt.Stringer.
func (c Constant) String() string {
	switch c.Type {
	case ConstantInt32, ConstantInt64:
		return fmt.Sprintf("%d", c.Value)
	case ConstantFloat32:
		return fmt.Sprintf("%vf", math.Float32frombits(uint32(c.Value)))
	case ConstantFloat64:
		return fmt.Sprintf("%v", math.Float64frombits(uint64(c.Value)))
	case ConstantHeapObject, ConstantCompressedHeapObject:
		return c.Root.String()
	case ConstantRpoNumber:
		return fmt.Sprintf("blk%d", c.Value)
	}
	return "?"
}
