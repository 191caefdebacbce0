package maglev

import "github.com/tetratelabs/jitcore/internal/deopt"

// deoptInfo is the part shared by eager and lazy deopts: the interpreter frames to rebuild and,
// once registers are allocated, where each frame value lives.
type deoptInfo struct {
	top       *deopt.Frame
	feedback  deopt.FeedbackSource
	locations []deopt.InputLocation
}

func newDeoptInfo(top *deopt.Frame, feedback deopt.FeedbackSource) deoptInfo {
	if top == nil {
		panic("BUG: deopt info without a frame")
	}
	return deoptInfo{top: top, feedback: feedback, locations: deopt.NewInputLocations(top)}
}

// Frame returns the innermost frame.
func (d *deoptInfo) Frame() *deopt.Frame { return d.top }

// Locations returns the input locations, in frame walk order.
func (d *deoptInfo) Locations() []deopt.InputLocation { return d.locations }

// EagerDeoptInfo describes the state to rebuild when a guard fails. Eager deopts are always
// reached by a branch in the node's own code.
type EagerDeoptInfo struct {
	deoptInfo
}

// NewEagerDeoptInfo returns deopt info for the frames ending at top.
func NewEagerDeoptInfo(top *deopt.Frame, feedback deopt.FeedbackSource) *EagerDeoptInfo {
	return &EagerDeoptInfo{deoptInfo: newDeoptInfo(top, feedback)}
}

// LazyDeoptInfo describes the state to rebuild when the code is invalidated while a call is in
// progress. The call's own result, if it is a frame value, is read from the return register.
type LazyDeoptInfo struct {
	deoptInfo
}

// NewLazyDeoptInfo returns deopt info for the frames ending at top.
func NewLazyDeoptInfo(top *deopt.Frame, feedback deopt.FeedbackSource) *LazyDeoptInfo {
	return &LazyDeoptInfo{deoptInfo: newDeoptInfo(top, feedback)}
}
