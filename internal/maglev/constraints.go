package maglev

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/masm"
)

// InputPolicy says where the allocator must place an input before the node's code runs.
type InputPolicy byte

const (
	// InputAny accepts a register or a stack slot.
	InputAny InputPolicy = iota
	InputMustHaveRegister
	InputFixedRegister
	// InputUseAndClobber is a register the node may overwrite. If the value is used later the
	// allocator hands the node a copy.
	InputUseAndClobber
)

// InputConstraint is the policy of one input.
type InputConstraint struct {
	Policy InputPolicy
	// Reg is the register of InputFixedRegister.
	Reg masm.Register
}

// ResultPolicy says where the node's value goes.
type ResultPolicy byte

const (
	ResultNone ResultPolicy = iota
	ResultRegister
	ResultFixedRegister
	// ResultSameAsFirstInput reuses the register of input 0, which the node overwrites.
	ResultSameAsFirstInput
)

// Constraints are the location requirements of a node. Code generation may rely on these and
// on nothing else.
type Constraints struct {
	Inputs    []InputConstraint
	Result    ResultPolicy
	ResultReg masm.Register
	// Temporaries and DoubleTemporaries are registers free for the node's exclusive use,
	// distinct from every input and from the result.
	Temporaries       int
	DoubleTemporaries int
}

func useRegister() InputConstraint { return InputConstraint{Policy: InputMustHaveRegister} }

func useAny() InputConstraint { return InputConstraint{Policy: InputAny} }

func useFixed(r masm.Register) InputConstraint {
	return InputConstraint{Policy: InputFixedRegister, Reg: r}
}

func useAndClobber() InputConstraint { return InputConstraint{Policy: InputUseAndClobber} }

// SetValueLocationConstraints computes and records the constraints of the node.
func (n *Node) SetValueLocationConstraints() Constraints {
	var c Constraints
	switch n.op {
	case OpcodeInt32Constant, OpcodeFloat64Constant, OpcodeSmiConstant, OpcodeRootConstant, OpcodeConstant:
		c.Result = ResultRegister
	case OpcodeInitialValue:
		c.Result, c.ResultReg = ResultFixedRegister, masm.GeneralRegister(int(n.payload.scalar))
	case OpcodeCheckSmi, OpcodeCheckHeapObject:
		c.Inputs = []InputConstraint{useAny()}
	case OpcodeCheckString, OpcodeCheckInstanceType, OpcodeCheckMaps, OpcodeCheckMapsWithMigration:
		c.Inputs = []InputConstraint{useRegister()}
	case OpcodeCheckJSTypedArrayBounds, OpcodeCheckJSDataViewBounds:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
	case OpcodeLoadTaggedField, OpcodeLoadDoubleField:
		c.Inputs = []InputConstraint{useRegister()}
		c.Result = ResultRegister
	case OpcodeLoadPolymorphicTaggedField, OpcodeLoadPolymorphicDoubleField:
		c.Inputs = []InputConstraint{useRegister()}
		c.Result = ResultRegister
		c.Temporaries = 1
	case OpcodeStoreTaggedFieldNoWriteBarrier, OpcodeStoreTaggedFieldWithWriteBarrier:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
	case OpcodeTransitionElementsKindOrCheckMap:
		c.Inputs = []InputConstraint{useRegister()}
		c.Temporaries = 1
	case OpcodeTryOnStackReplacement:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
	case OpcodeInt32AddWithOverflow, OpcodeInt32SubtractWithOverflow, OpcodeInt32MultiplyWithOverflow,
		OpcodeFloat64Add, OpcodeFloat64Subtract, OpcodeFloat64Multiply, OpcodeFloat64Divide:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
		c.Result = ResultRegister
	case OpcodeInt32BitwiseAnd, OpcodeInt32BitwiseOr, OpcodeInt32BitwiseXor:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
		c.Result = ResultSameAsFirstInput
	case OpcodeCheckedSmiTagInt32, OpcodeCheckedSmiUntag, OpcodeChangeInt32ToFloat64, OpcodeFloat64Box:
		c.Inputs = []InputConstraint{useRegister()}
		c.Result = ResultRegister
	case OpcodeUnsafeSmiUntag:
		c.Inputs = []InputConstraint{useAndClobber()}
		c.Result = ResultSameAsFirstInput
	case OpcodeCallBuiltin, OpcodeCallRuntime:
		for i := range n.inputs {
			c.Inputs = append(c.Inputs, useFixed(masm.GeneralRegister(i)))
		}
		c.Result, c.ResultReg = ResultFixedRegister, masm.ReturnRegister
	case OpcodeJump, OpcodeDeopt:
	case OpcodeBranchIfInt32Compare:
		c.Inputs = []InputConstraint{useRegister(), useRegister()}
	case OpcodeBranchIfRootConstant:
		c.Inputs = []InputConstraint{useRegister()}
	case OpcodeReturn:
		c.Inputs = []InputConstraint{useFixed(masm.ReturnRegister)}
	default:
		panic(fmt.Sprintf("BUG: no constraints for %s", n.op))
	}
	n.alloc.constraints = c
	return c
}
