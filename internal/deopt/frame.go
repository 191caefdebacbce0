package deopt

import (
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/jitcore/internal/jitapi"
)

// Value is an IR value a frame refers to. A nil Value in a register list is a dead register.
type Value interface {
	// ValueID returns the graph unique id of the value.
	ValueID() uint32
}

// FrameType is the kind of a Frame.
type FrameType byte

const (
	// FrameInterpreted is an unoptimized frame: the closure, the live registers and the accumulator.
	FrameInterpreted FrameType = iota
	// FrameInlinedArguments materializes the actual arguments of an inlined call whose argument
	// count differs from the formal parameter count.
	FrameInlinedArguments
	// FrameConstructStub is the frame of the construct stub around an inlined constructor.
	FrameConstructStub
	// FrameBuiltinContinuation resumes inside a builtin after a lazy deopt.
	FrameBuiltinContinuation
)

// String implements fmt.Stringer.
func (t FrameType) String() string {
	switch t {
	case FrameInterpreted:
		return "Interpreted"
	case FrameInlinedArguments:
		return "InlinedArguments"
	case FrameConstructStub:
		return "ConstructStub"
	case FrameBuiltinContinuation:
		return "BuiltinContinuation"
	}
	return fmt.Sprintf("FrameType(%d)", byte(t))
}

const (
	closureSize  = 1
	receiverSize = 1
	contextSize  = 1
)

// Frame is one logical frame of a (possibly inlined) call stack. Frames are immutable once
// built and chained from the innermost frame to the outermost through Parent.
type Frame struct {
	typ    FrameType
	parent *Frame

	// function is the literal id of the shared function, builtin id for continuations.
	function uint32
	closure  Value

	bytecodeOffset int
	registers      []Value
	accumulator    Value

	receiver  Value
	arguments []Value
	context   Value

	parameters []Value
}

// NewInterpretedFrame returns an interpreted frame. A nil entry in registers, or a nil
// accumulator, is dead at this point and is not materialized.
func NewInterpretedFrame(parent *Frame, function uint32, bytecodeOffset int, closure Value, registers []Value, accumulator Value) *Frame {
	return &Frame{
		typ: FrameInterpreted, parent: parent, function: function, bytecodeOffset: bytecodeOffset,
		closure: closure, registers: registers, accumulator: accumulator,
	}
}

// NewInlinedArgumentsFrame returns an arguments adaptor frame for an inlined call.
func NewInlinedArgumentsFrame(parent *Frame, function uint32, closure Value, arguments []Value) *Frame {
	return &Frame{typ: FrameInlinedArguments, parent: parent, function: function, closure: closure, arguments: arguments}
}

// NewConstructStubFrame returns the construct stub frame of an inlined constructor call.
// arguments excludes the receiver.
func NewConstructStubFrame(parent *Frame, function uint32, bytecodeOffset int, closure, receiver Value, arguments []Value, context Value) *Frame {
	return &Frame{
		typ: FrameConstructStub, parent: parent, function: function, bytecodeOffset: bytecodeOffset,
		closure: closure, receiver: receiver, arguments: arguments, context: context,
	}
}

// NewBuiltinContinuationFrame returns a frame that resumes in builtin.
func NewBuiltinContinuationFrame(parent *Frame, builtin uint32, parameters []Value, context Value) *Frame {
	return &Frame{typ: FrameBuiltinContinuation, parent: parent, function: builtin, parameters: parameters, context: context}
}

// Format returns the chain ending at f, outermost frame first, with the id of every value.
// Dead interpreter registers print as "-".
func (f *Frame) Format() string {
	var frames []string
	forEachFrame(f, func(fr *Frame) {
		var values []string
		forEachFrameValue(fr, func(v Value) {
			if v == nil {
				values = append(values, "-")
				return
			}
			values = append(values, fmt.Sprintf("v%d", v.ValueID()))
		})
		frames = append(frames, fmt.Sprintf("%s(%d@%d: %s)", fr.typ, fr.function, fr.bytecodeOffset, strings.Join(values, ", ")))
	})
	return strings.Join(frames, " > ")
}

// Type returns the kind of the frame.
func (f *Frame) Type() FrameType { return f.typ }

// Parent returns the caller frame, or nil for the outermost frame.
func (f *Frame) Parent() *Frame { return f.parent }

// Function returns the function literal id, or the builtin id of a continuation frame.
func (f *Frame) Function() uint32 { return f.function }

// BytecodeOffset returns the resume offset of interpreted and construct stub frames.
func (f *Frame) BytecodeOffset() int { return f.bytecodeOffset }

// Registers returns the interpreter registers of an interpreted frame.
func (f *Frame) Registers() []Value { return f.registers }

// Accumulator returns the accumulator of an interpreted frame.
func (f *Frame) Accumulator() Value { return f.accumulator }

// Arguments returns the arguments of an inlined arguments or construct stub frame.
func (f *Frame) Arguments() []Value { return f.arguments }

// Parameters returns the parameters of a builtin continuation frame.
func (f *Frame) Parameters() []Value { return f.parameters }

// Depth returns the number of frames in the chain starting at f.
func (f *Frame) Depth() (frames, jsFrames int) {
	for fr := f; fr != nil; fr = fr.parent {
		frames++
		if fr.typ == FrameInterpreted {
			jsFrames++
		}
	}
	return
}

// Height is the number of stack values the frame materializes, dead registers included.
func (f *Frame) Height() int {
	switch f.typ {
	case FrameInterpreted:
		return len(f.registers) + 1
	case FrameInlinedArguments:
		return len(f.arguments)
	case FrameConstructStub:
		return receiverSize + len(f.arguments) + contextSize
	case FrameBuiltinContinuation:
		return len(f.parameters) + contextSize
	}
	panic("BUG: unknown frame type")
}

// stateSize returns the number of live values of an interpreted frame.
func (f *Frame) stateSize() int {
	n := 0
	for _, r := range f.registers {
		if r != nil {
			n++
		}
	}
	if f.accumulator != nil {
		n++
	}
	return n
}

// InputLocationsArraySize returns the number of input locations the frame chain starting at
// top needs, parents included.
func InputLocationsArraySize(top *Frame) int {
	size := 0
	for f := top; f != nil; f = f.parent {
		switch f.typ {
		case FrameInterpreted:
			size += closureSize + f.stateSize()
		case FrameInlinedArguments:
			size += closureSize + len(f.arguments)
		case FrameConstructStub:
			size += closureSize + receiverSize + len(f.arguments) + contextSize
		case FrameBuiltinContinuation:
			size += len(f.parameters) + contextSize
		default:
			panic("BUG: unknown frame type")
		}
	}
	return size
}

// forEachFrame visits the chain outermost first.
func forEachFrame(top *Frame, fn func(f *Frame)) {
	if top == nil {
		return
	}
	forEachFrame(top.parent, fn)
	fn(top)
}

// forEachFrameValue visits the values of a single frame in slot order. Dead interpreter
// registers are passed as nil and do not consume a slot.
func forEachFrameValue(f *Frame, fn func(v Value)) {
	switch f.typ {
	case FrameInterpreted:
		fn(f.closure)
		for _, r := range f.registers {
			fn(r)
		}
		fn(f.accumulator)
	case FrameInlinedArguments:
		fn(f.closure)
		for _, a := range f.arguments {
			fn(a)
		}
	case FrameConstructStub:
		fn(f.closure)
		fn(f.receiver)
		for _, a := range f.arguments {
			fn(a)
		}
		fn(f.context)
	case FrameBuiltinContinuation:
		for _, p := range f.parameters {
			fn(p)
		}
		fn(f.context)
	default:
		panic("BUG: unknown frame type")
	}
}

// ForEachInputLocation calls fn for every live value of the chain, outermost frame first,
// together with the location slot that belongs to it. locs must have been sized for top.
func ForEachInputLocation(top *Frame, locs []InputLocation, fn func(v Value, loc *InputLocation)) {
	i := 0
	forEachFrame(top, func(f *Frame) {
		forEachFrameValue(f, func(v Value) {
			if v == nil {
				if f.typ != FrameInterpreted {
					panic(fmt.Sprintf("BUG: nil value in %s frame", f.typ))
				}
				return
			}
			if i >= len(locs) {
				panic(fmt.Sprintf("BUG: deopt input locations overrun: %d slots", len(locs)))
			}
			fn(v, &locs[i])
			i++
		})
	})
	if jitapi.DeoptSlotValidationEnabled && i != len(locs) {
		panic(fmt.Sprintf("BUG: filled %d deopt input locations, allocated %d", i, len(locs)))
	}
}

// LocationKind is where a deopt input lives after allocation.
type LocationKind byte

const (
	// LocationUnassigned is the state of a fresh slot.
	LocationUnassigned LocationKind = iota
	LocationRegister
	LocationDoubleRegister
	LocationStackSlot
	LocationDoubleStackSlot
	// LocationConstant means the value is rematerialized from its constant node.
	LocationConstant
)

// NoNextUse is the next use id of a slot which has no later use. Node ids start at zero, so
// it is the one id no node gets.
const NoNextUse uint32 = math.MaxUint32

// InputLocation is the post allocation location of one deopt input.
type InputLocation struct {
	kind    LocationKind
	index   int32
	nextUse uint32
}

// NewInputLocations allocates the locations for the frame chain starting at top, every slot
// in the unassigned NoNextUse state.
func NewInputLocations(top *Frame) []InputLocation {
	locs := make([]InputLocation, InputLocationsArraySize(top))
	for i := range locs {
		locs[i] = InputLocation{kind: LocationUnassigned, nextUse: NoNextUse}
	}
	return locs
}

// Kind returns where the value lives.
func (l *InputLocation) Kind() LocationKind { return l.kind }

// Index returns the register number or the stack slot.
func (l *InputLocation) Index() int { return int(l.index) }

// IsAssigned returns true once Assign has been called.
func (l *InputLocation) IsAssigned() bool { return l.kind != LocationUnassigned }

// Assign records the location of the value.
func (l *InputLocation) Assign(kind LocationKind, index int) {
	if kind == LocationUnassigned {
		panic("BUG: assigning the unassigned location")
	}
	l.kind, l.index = kind, int32(index)
}

// NextUse returns the id of the next node using the value after this deopt point.
func (l *InputLocation) NextUse() uint32 { return l.nextUse }

// HasNextUse returns true if a node uses the value after this deopt point.
func (l *InputLocation) HasNextUse() bool { return l.nextUse != NoNextUse }

// SetNextUse records the next use id.
func (l *InputLocation) SetNextUse(id uint32) { l.nextUse = id }

// String implements fmt.Stringer.
func (l InputLocation) String() string {
	switch l.kind {
	case LocationUnassigned:
		return "unassigned"
	case LocationRegister:
		return fmt.Sprintf("r%d", l.index)
	case LocationDoubleRegister:
		return fmt.Sprintf("d%d", l.index)
	case LocationStackSlot:
		return fmt.Sprintf("[sp+%d]", l.index)
	case LocationDoubleStackSlot:
		return fmt.Sprintf("[sp+%d]:f64", l.index)
	case LocationConstant:
		return "constant"
	}
	return "?"
}
