package deopt

import (
	"fmt"
	"strings"

	"github.com/google/btree"

	"github.com/tetratelabs/jitcore/internal/regalloc"
)

const tableDegree = 8

// HandlerEntry maps the code range [Start, End) to the handler at Handler.
type HandlerEntry struct {
	Start   int `msgpack:"start"`
	End     int `msgpack:"end"`
	Handler int `msgpack:"handler"`
	// Depth is the number of stack slots live at the handler.
	Depth int `msgpack:"depth"`
}

// Contains returns true if pc is inside the range.
func (e HandlerEntry) Contains(pc int) bool { return e.Start <= pc && pc < e.End }

// handlerLess orders by start ascending, then by end descending so that among ranges with the
// same start the innermost is the greatest.
func handlerLess(a, b HandlerEntry) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.End > b.End
}

// HandlerTable maps code ranges to exception handlers. Ranges are either disjoint or nested.
type HandlerTable struct {
	tree *btree.BTreeG[HandlerEntry]
}

// NewHandlerTable returns an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{tree: btree.NewG[HandlerEntry](tableDegree, handlerLess)}
}

// Add inserts a range. Ranges that partially overlap an existing range are rejected.
func (t *HandlerTable) Add(e HandlerEntry) error {
	if e.Start >= e.End {
		return fmt.Errorf("empty handler range [%d, %d)", e.Start, e.End)
	}
	var err error
	t.tree.Ascend(func(o HandlerEntry) bool {
		disjoint := o.End <= e.Start || e.End <= o.Start
		nested := (o.Start <= e.Start && e.End <= o.End) || (e.Start <= o.Start && o.End <= e.End)
		if !disjoint && !nested {
			err = fmt.Errorf("handler range [%d, %d) overlaps [%d, %d)", e.Start, e.End, o.Start, o.End)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	t.tree.ReplaceOrInsert(e)
	return nil
}

// Lookup returns the innermost range containing pc.
func (t *HandlerTable) Lookup(pc int) (HandlerEntry, bool) {
	var ret HandlerEntry
	var found bool
	t.tree.DescendLessOrEqual(HandlerEntry{Start: pc}, func(e HandlerEntry) bool {
		if e.Contains(pc) {
			ret, found = e, true
			return false
		}
		return true
	})
	return ret, found
}

// Len returns the number of entries.
func (t *HandlerTable) Len() int { return t.tree.Len() }

// Entries returns every entry ordered by start.
func (t *HandlerTable) Entries() []HandlerEntry {
	ret := make([]HandlerEntry, 0, t.tree.Len())
	t.tree.Ascend(func(e HandlerEntry) bool {
		ret = append(ret, e)
		return true
	})
	return ret
}

// NoDeoptIndex is the DeoptIndex of a safepoint without a lazy deopt.
const NoDeoptIndex = -1

// SafepointEntry describes the tagged values live across the call returning to PC.
type SafepointEntry struct {
	PC              int             `msgpack:"pc"`
	TaggedRegisters regalloc.RegSet `msgpack:"regs"`
	TaggedSlots     []int           `msgpack:"slots"`
	// DeoptIndex is the lazy deopt translation taken if the callee invalidated this code.
	DeoptIndex int `msgpack:"deopt"`
}

// HasDeoptIndex returns true if the call site can lazily deoptimize.
func (e SafepointEntry) HasDeoptIndex() bool { return e.DeoptIndex != NoDeoptIndex }

// SafepointTable indexes safepoints by return address.
type SafepointTable struct {
	tree *btree.BTreeG[SafepointEntry]
	// StackSlots is the frame size in slots shared by every safepoint of the code.
	StackSlots int
}

// NewSafepointTable returns an empty table.
func NewSafepointTable(stackSlots int) *SafepointTable {
	return &SafepointTable{
		tree:       btree.NewG[SafepointEntry](tableDegree, func(a, b SafepointEntry) bool { return a.PC < b.PC }),
		StackSlots: stackSlots,
	}
}

// Define records the safepoint at pc.
func (t *SafepointTable) Define(e SafepointEntry) {
	for _, s := range e.TaggedSlots {
		if s < 0 || s >= t.StackSlots {
			panic(fmt.Sprintf("BUG: tagged slot %d outside the %d slot frame", s, t.StackSlots))
		}
	}
	if _, dup := t.tree.ReplaceOrInsert(e); dup {
		panic(fmt.Sprintf("BUG: two safepoints at pc %d", e.PC))
	}
}

// Find returns the safepoint at exactly pc.
func (t *SafepointTable) Find(pc int) (SafepointEntry, bool) {
	return t.tree.Get(SafepointEntry{PC: pc})
}

// Len returns the number of entries.
func (t *SafepointTable) Len() int { return t.tree.Len() }

// Entries returns every entry ordered by pc.
func (t *SafepointTable) Entries() []SafepointEntry {
	ret := make([]SafepointEntry, 0, t.tree.Len())
	t.tree.Ascend(func(e SafepointEntry) bool {
		ret = append(ret, e)
		return true
	})
	return ret
}

// Format returns the textual dump of the table.
func (t *SafepointTable) Format(regName func(regalloc.RealReg) string) string {
	var sb strings.Builder
	t.tree.Ascend(func(e SafepointEntry) bool {
		fmt.Fprintf(&sb, "0x%04x regs=%s slots=%v", e.PC, e.TaggedRegisters.Format(regName), e.TaggedSlots)
		if e.HasDeoptIndex() {
			fmt.Fprintf(&sb, " deopt=%d", e.DeoptIndex)
		}
		sb.WriteByte('\n')
		return true
	})
	return sb.String()
}
