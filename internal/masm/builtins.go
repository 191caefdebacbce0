package masm

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/heap"
)

// Builtin identifies a code stub generated code can call.
type Builtin uint16

const (
	// BuiltinRecordWrite is the write barrier slow path: x0 is the object, x1 the slot address.
	BuiltinRecordWrite Builtin = iota
	// BuiltinAllocateRegularInYoungGeneration allocates x0 bytes and returns the tagged object in x0.
	BuiltinAllocateRegularInYoungGeneration
	// BuiltinAdd is the generic addition: x0 = x0 + x1 on tagged values.
	BuiltinAdd
	// BuiltinToNumber converts x0 to a number.
	BuiltinToNumber
	// BuiltinDeoptimizationEntryEager is the target of eager deopt exits.
	BuiltinDeoptimizationEntryEager
	// BuiltinDeoptimizationEntryLazy is the target of lazy deopt exits.
	BuiltinDeoptimizationEntryLazy
	BuiltinCount
)

var builtinNames = [BuiltinCount]string{
	BuiltinRecordWrite:                      "RecordWrite",
	BuiltinAllocateRegularInYoungGeneration: "AllocateRegularInYoungGeneration",
	BuiltinAdd:                              "Add",
	BuiltinToNumber:                         "ToNumber",
	BuiltinDeoptimizationEntryEager:         "DeoptimizationEntry_Eager",
	BuiltinDeoptimizationEntryLazy:          "DeoptimizationEntry_Lazy",
}

// String implements fmt.Stringer.
func (b Builtin) String() string {
	if b >= BuiltinCount {
		return fmt.Sprintf("Builtin(%d)", uint16(b))
	}
	return builtinNames[b]
}

// RuntimeFunction identifies a runtime function.
type RuntimeFunction uint16

const (
	RuntimeAbort RuntimeFunction = iota
	// RuntimeTryMigrateInstance returns the migrated object in x0, or Smi zero.
	RuntimeTryMigrateInstance
	// RuntimeTransitionElementsKind moves x0 to the map in x1.
	RuntimeTransitionElementsKind
	// RuntimeCompileOptimizedOSRFromMaglev returns OSR code in x0, or Smi zero if none is ready yet.
	RuntimeCompileOptimizedOSRFromMaglev
	// RuntimeCompileOptimizedOSRFromMaglevInlined also receives the closure in x1.
	RuntimeCompileOptimizedOSRFromMaglevInlined
	RuntimeStackGuard
	RuntimeFunctionCount
)

var runtimeNames = [RuntimeFunctionCount]string{
	RuntimeAbort:                                "Abort",
	RuntimeTryMigrateInstance:                   "TryMigrateInstance",
	RuntimeTransitionElementsKind:               "TransitionElementsKind",
	RuntimeCompileOptimizedOSRFromMaglev:        "CompileOptimizedOSRFromMaglev",
	RuntimeCompileOptimizedOSRFromMaglevInlined: "CompileOptimizedOSRFromMaglevInlined",
	RuntimeStackGuard:                           "StackGuard",
}

// String implements fmt.Stringer.
func (f RuntimeFunction) String() string {
	if f >= RuntimeFunctionCount {
		return fmt.Sprintf("RuntimeFunction(%d)", uint16(f))
	}
	return runtimeNames[f]
}

// Entry tables follow the roots table in the memory the root register points at.
const (
	builtinTableOffset = int64(heap.RootCount) * heap.WordSize
	runtimeTableOffset = builtinTableOffset + int64(BuiltinCount)*heap.WordSize
)

// EntryOffset returns the displacement from the root register of the entry address of t.
func (t CallTarget) EntryOffset() int64 {
	if t.Kind == CallRuntime {
		return runtimeTableOffset + int64(t.ID)*heap.WordSize
	}
	return builtinTableOffset + int64(t.ID)*heap.WordSize
}
