package backend

import (
	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/ir"
)

// BranchHint tells which successor of a branch is expected to be taken.
type BranchHint byte

const (
	BranchHintNone BranchHint = iota
	BranchHintTrue
	BranchHintFalse
)

// FlagsContinuation describes what the condition of a compare is used for. Exactly one mode is
// active and only the fields of that mode are meaningful.
type FlagsContinuation struct {
	mode      FlagsMode
	condition FlagsCondition

	// FlagsModeBranch.
	trueBlock, falseBlock *ir.Block
	hint                  BranchHint

	// FlagsModeDeoptimize.
	reason     deopt.Reason
	feedback   deopt.FeedbackSource
	frameState []*ir.Node

	// FlagsModeTrap.
	trapID uint32

	// FlagsModeSet and FlagsModeSelect.
	result                *ir.Node
	trueValue, falseValue *ir.Node
}

// ForBranch returns a continuation that jumps to trueBlock when cond holds and to falseBlock
// otherwise.
func ForBranch(cond FlagsCondition, trueBlock, falseBlock *ir.Block, hint BranchHint) FlagsContinuation {
	return FlagsContinuation{mode: FlagsModeBranch, condition: cond, trueBlock: trueBlock, falseBlock: falseBlock, hint: hint}
}

// ForDeoptimize returns a continuation that bails out when cond holds.
func ForDeoptimize(cond FlagsCondition, reason deopt.Reason, fb deopt.FeedbackSource, frameState []*ir.Node) FlagsContinuation {
	return FlagsContinuation{mode: FlagsModeDeoptimize, condition: cond, reason: reason, feedback: fb, frameState: frameState}
}

// ForSet returns a continuation that materializes the condition as 0 or 1 into result.
func ForSet(cond FlagsCondition, result *ir.Node) FlagsContinuation {
	return FlagsContinuation{mode: FlagsModeSet, condition: cond, result: result}
}

// ForTrap returns a continuation that traps with trapID when cond holds.
func ForTrap(cond FlagsCondition, trapID uint32) FlagsContinuation {
	return FlagsContinuation{mode: FlagsModeTrap, condition: cond, trapID: trapID}
}

// ForSelect returns a continuation that defines result as trueValue when cond holds and as
// falseValue otherwise.
func ForSelect(cond FlagsCondition, result, trueValue, falseValue *ir.Node) FlagsContinuation {
	return FlagsContinuation{mode: FlagsModeSelect, condition: cond, result: result, trueValue: trueValue, falseValue: falseValue}
}

// Mode returns the active mode.
func (c *FlagsContinuation) Mode() FlagsMode { return c.mode }

// IsNone returns true if the condition is not consumed.
func (c *FlagsContinuation) IsNone() bool { return c.mode == FlagsModeNone }

// IsBranch returns true for FlagsModeBranch.
func (c *FlagsContinuation) IsBranch() bool { return c.mode == FlagsModeBranch }

// IsDeoptimize returns true for FlagsModeDeoptimize.
func (c *FlagsContinuation) IsDeoptimize() bool { return c.mode == FlagsModeDeoptimize }

// IsSet returns true for FlagsModeSet.
func (c *FlagsContinuation) IsSet() bool { return c.mode == FlagsModeSet }

// IsTrap returns true for FlagsModeTrap.
func (c *FlagsContinuation) IsTrap() bool { return c.mode == FlagsModeTrap }

// IsSelect returns true for FlagsModeSelect.
func (c *FlagsContinuation) IsSelect() bool { return c.mode == FlagsModeSelect }

// Condition returns the condition.
func (c *FlagsContinuation) Condition() FlagsCondition {
	if c.mode == FlagsModeNone {
		panic("BUG: continuation has no condition")
	}
	return c.condition
}

// Blocks returns the branch targets.
func (c *FlagsContinuation) Blocks() (trueBlock, falseBlock *ir.Block) { return c.trueBlock, c.falseBlock }

// Hint returns the branch hint.
func (c *FlagsContinuation) Hint() BranchHint { return c.hint }

// Result returns the node defined by a set or select continuation.
func (c *FlagsContinuation) Result() *ir.Node { return c.result }

// Negate inverts the condition.
func (c *FlagsContinuation) Negate() {
	if c.mode == FlagsModeNone {
		panic("BUG: negating an empty continuation")
	}
	c.condition = c.condition.Negate()
}

// Commute adjusts the condition for swapped compare operands.
func (c *FlagsContinuation) Commute() {
	if c.mode == FlagsModeNone {
		panic("BUG: commuting an empty continuation")
	}
	c.condition = c.condition.Commute()
}

// Overwrite replaces the condition.
func (c *FlagsContinuation) Overwrite(cond FlagsCondition) { c.condition = cond }

// OverwriteAndNegateIfEqual replaces the condition with cond, negated if the current condition
// is CondEqual. This is how a compare feeding a "value == 0" test is fused.
func (c *FlagsContinuation) OverwriteAndNegateIfEqual(cond FlagsCondition) {
	negate := c.condition == CondEqual
	c.condition = cond
	if negate {
		c.condition = c.condition.Negate()
	}
}

// Encode folds the mode and condition into code.
func (c *FlagsContinuation) Encode(code InstructionCode) InstructionCode {
	if c.mode == FlagsModeNone {
		return code
	}
	return code.WithFlags(c.mode, c.condition)
}
