package maglev

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/masm"
	"github.com/tetratelabs/jitcore/internal/regalloc"
)

// LocationKind is the kind of a Location.
type LocationKind byte

const (
	LocationNone LocationKind = iota
	LocationRegister
	LocationStackSlot
)

// Location is where a value is at one program point.
type Location struct {
	Kind LocationKind
	Reg  masm.Register
	Slot int
}

func regLocation(r masm.Register) Location { return Location{Kind: LocationRegister, Reg: r} }

func slotLocation(s int) Location { return Location{Kind: LocationStackSlot, Slot: s} }

// String implements fmt.Stringer.
func (l Location) String() string {
	switch l.Kind {
	case LocationRegister:
		return l.Reg.String()
	case LocationStackSlot:
		return fmt.Sprintf("[sp+%d]", l.Slot*8)
	}
	return "-"
}

// RegisterSnapshot is the register state deferred code saves around a call.
type RegisterSnapshot struct {
	LiveRegisters       masm.RegList
	LiveDoubleRegisters masm.RegList
	// LiveTaggedRegisters is the subset of LiveRegisters holding tagged values.
	LiveTaggedRegisters masm.RegList
}

// All returns the general and double live registers.
func (s RegisterSnapshot) All() masm.RegList { return s.LiveRegisters.Union(s.LiveDoubleRegisters) }

func (s RegisterSnapshot) add(r masm.Register, tagged bool) RegisterSnapshot {
	if r.IsDouble() {
		s.LiveDoubleRegisters = s.LiveDoubleRegisters.Add(r)
		return s
	}
	s.LiveRegisters = s.LiveRegisters.Add(r)
	if tagged {
		s.LiveTaggedRegisters = s.LiveTaggedRegisters.Add(r)
	}
	return s
}

// gapMove is a move the allocator inserts before a node. Moves run in order and the
// destination of each is free when it runs.
type gapMove struct {
	from, to Location
}

// String implements fmt.Stringer.
func (m gapMove) String() string { return fmt.Sprintf("%s <- %s", m.to, m.from) }

// nodeAllocation is the result of register allocation for one node.
type nodeAllocation struct {
	constraints Constraints
	// pos is twice the layout index. Deopt uses are at pos+1 so that values a deopt needs
	// survive the node's code.
	pos     int
	lastUse int
	uses    []*Node
	inputs  []Location
	result  Location
	temps   []masm.Register
	moves   []gapMove
	// slot is the spill slot of the value, or -1.
	slot     int
	snapshot RegisterSnapshot
	// taggedSlots are the spill slots of tagged values live across the node.
	taggedSlots []int
}

// Result returns the location of the node's value.
func (n *Node) Result() Location { return n.alloc.result }

// InputLocation returns where input i was when the node's code started.
func (n *Node) InputLocation(i int) Location { return n.alloc.inputs[i] }

// Temporaries returns the temporaries of the node.
func (n *Node) Temporaries() []masm.Register { return n.alloc.temps }

// RegisterSnapshot returns the registers live across the node, inputs included.
func (n *Node) RegisterSnapshot() RegisterSnapshot { return n.alloc.snapshot }

func (n *Node) isTagged() bool { return n.op.ValueRepresentation() == ValueRepresentationTagged }

func (n *Node) regType() regalloc.RegType {
	if n.op.ValueRepresentation() == ValueRepresentationFloat64 {
		return regalloc.RegTypeFloat
	}
	return regalloc.RegTypeInt
}

// isRematerializable returns true for constants deopts can record as literals.
func (n *Node) isRematerializable() bool {
	switch n.op {
	case OpcodeSmiConstant, OpcodeRootConstant, OpcodeConstant:
		return true
	}
	return false
}

type regState struct {
	free    regalloc.FreeList
	regs    [masm.NumRegisters]*Node
	spilled map[*Node]bool
}

func (s *regState) clone() regState {
	ret := *s
	ret.spilled = make(map[*Node]bool, len(s.spilled))
	for k, v := range s.spilled {
		ret.spilled[k] = v
	}
	return ret
}

// allocator assigns registers and stack slots in one pass over the block layout. Values keep a
// register from definition to last use unless register pressure or a call spills them. Blocks
// with several predecessors start with every live value in its spill slot.
type allocator struct {
	g          *Graph
	info       *regalloc.RegisterInfo
	cur        regState
	exits      map[*Block]*regState
	starts     map[*Block]int
	values     []*Node
	stackSlots int
	// node is the node being allocated.
	node *Node
}

func newAllocator(g *Graph) *allocator {
	return &allocator{
		g:      g,
		info:   masm.RegisterInfo,
		exits:  map[*Block]*regState{},
		starts: map[*Block]int{},
	}
}

func (a *allocator) freshState() regState {
	return regState{free: *regalloc.NewFreeList(a.info), spilled: map[*Node]bool{}}
}

// allocate runs the allocator over the whole graph and returns the number of stack slots.
func (a *allocator) allocate() int {
	a.computeLiveness()
	for _, b := range a.g.blocks {
		a.enterBlock(b)
		for _, n := range b.nodes {
			a.allocateNode(n)
		}
		a.allocateControl(b)
		exit := a.cur
		a.exits[b] = &exit
	}
	return a.stackSlots
}

func (a *allocator) computeLiveness() {
	pos := 0
	for _, b := range a.g.blocks {
		if b.control == nil {
			panic(fmt.Sprintf("BUG: b%d has no control node", b.id))
		}
		a.starts[b] = pos
		for _, n := range b.nodes {
			a.number(n, pos)
			pos += 2
		}
		a.number(b.control, pos)
		pos += 2
	}
	for _, b := range a.g.blocks {
		for _, n := range b.nodes {
			a.recordUses(n)
		}
		a.recordUses(b.control)
	}
}

func (a *allocator) number(n *Node, pos int) {
	n.alloc = nodeAllocation{constraints: n.alloc.constraints, pos: pos, lastUse: -1, slot: -1}
	if n.op.IsValue() {
		a.values = append(a.values, n)
	}
}

func (a *allocator) recordUses(n *Node) {
	pos := n.alloc.pos
	for _, in := range n.inputs {
		if in.alloc.pos >= pos {
			panic(fmt.Sprintf("BUG: n%d uses n%d before its definition", n.id, in.id))
		}
		in.alloc.lastUse = max(in.alloc.lastUse, pos)
		in.alloc.uses = append(in.alloc.uses, n)
	}
	visit := func(info *deoptInfo) {
		deopt.ForEachInputLocation(info.top, info.locations, func(v deopt.Value, _ *deopt.InputLocation) {
			in := asNode(v)
			if in == n || in.isRematerializable() {
				return
			}
			if in.alloc.pos >= pos {
				panic(fmt.Sprintf("BUG: deopt state of n%d refers to n%d before its definition", n.id, in.id))
			}
			in.alloc.lastUse = max(in.alloc.lastUse, pos+1)
		})
	}
	if n.eager != nil {
		visit(&n.eager.deoptInfo)
	}
	if n.lazy != nil {
		visit(&n.lazy.deoptInfo)
	}
}

func asNode(v deopt.Value) *Node {
	n, ok := v.(*Node)
	if !ok {
		panic(fmt.Sprintf("BUG: deopt value %T is not a node", v))
	}
	return n
}

// liveIn returns the values live on entry to b.
func (a *allocator) liveIn(b *Block) []*Node {
	start := a.starts[b]
	var ret []*Node
	for _, v := range a.values {
		if v.alloc.pos < start && v.alloc.lastUse >= start {
			ret = append(ret, v)
		}
	}
	return ret
}

func (a *allocator) enterBlock(b *Block) {
	switch {
	case b.id == 0 || len(b.preds) == 0 && !b.isHandler:
		a.cur = a.freshState()
	case b.isMerge():
		a.cur = a.freshState()
		for _, v := range a.liveIn(b) {
			if v.alloc.slot < 0 {
				panic(fmt.Sprintf("BUG: n%d is live into b%d but was never spilled", v.id, b.id))
			}
			a.cur.spilled[v] = true
		}
	default:
		a.cur = a.exits[b.preds[0]].clone()
	}
	a.freeDead(a.starts[b])
}

// freeDead releases the registers of values not used at or after pos.
func (a *allocator) freeDead(pos int) {
	for r, v := range a.cur.regs {
		if v != nil && v.alloc.lastUse < pos {
			a.release(masm.Register(r))
		}
	}
}

func (a *allocator) assign(r masm.Register, v *Node) {
	if a.cur.regs[r] != nil {
		panic(fmt.Sprintf("BUG: %s already holds n%d", r, a.cur.regs[r].id))
	}
	a.cur.regs[r] = v
	a.cur.free.Block(r.RealReg())
}

func (a *allocator) release(r masm.Register) {
	a.cur.regs[r] = nil
	a.cur.free.Release(r.RealReg())
}

// registerOf returns the first register holding v.
func (a *allocator) registerOf(v *Node) (masm.Register, bool) {
	for _, rr := range a.info.AllocatableRegisters[v.regType()] {
		if r := masm.FromRealReg(rr); a.cur.regs[r] == v {
			return r, true
		}
	}
	return masm.NoReg, false
}

func (a *allocator) addMove(from, to Location) {
	a.node.alloc.moves = append(a.node.alloc.moves, gapMove{from: from, to: to})
}

func (a *allocator) slotOf(v *Node) int {
	if v.alloc.slot < 0 {
		v.alloc.slot = a.stackSlots
		a.stackSlots++
	}
	return v.alloc.slot
}

// spill makes sure the slot of v holds its value. v must be in a register if it is not
// spilled yet.
func (a *allocator) spill(v *Node) {
	if a.cur.spilled[v] {
		return
	}
	r, ok := a.registerOf(v)
	if !ok {
		panic(fmt.Sprintf("BUG: n%d has no location", v.id))
	}
	a.addMove(regLocation(r), slotLocation(a.slotOf(v)))
	a.cur.spilled[v] = true
}

// evict frees r, spilling its value if it is needed at or after pos and has no other copy.
func (a *allocator) evict(r masm.Register, pos int) {
	v := a.cur.regs[r]
	if v == nil {
		return
	}
	a.release(r)
	if v.alloc.lastUse < pos {
		return
	}
	if _, ok := a.registerOf(v); ok {
		return
	}
	if !a.cur.spilled[v] {
		a.addMove(regLocation(r), slotLocation(a.slotOf(v)))
		a.cur.spilled[v] = true
	}
}

// take returns a register of the class outside blocked, evicting the value used furthest
// away if none is free. The register is not assigned to any value.
func (a *allocator) take(typ regalloc.RegType, blocked regalloc.RegSet, pos int) masm.Register {
	if r, ok := a.cur.free.Take(typ, blocked); ok {
		return masm.FromRealReg(r)
	}
	best, bestUse := masm.NoReg, -1
	for _, rr := range a.info.AllocatableRegisters[typ] {
		r := masm.FromRealReg(rr)
		if blocked.Has(rr) || a.cur.regs[r] == nil {
			continue
		}
		if u := a.cur.regs[r].alloc.lastUse; u > bestUse {
			best, bestUse = r, u
		}
	}
	if best == masm.NoReg {
		panic(fmt.Sprintf("BUG: out of %s registers at n%d", typ, a.node.id))
	}
	a.evict(best, pos)
	a.cur.free.Block(best.RealReg())
	return best
}

// load puts v in a register, taking one outside blocked if it is in none, and returns it.
func (a *allocator) load(v *Node, blocked regalloc.RegSet, pos int) masm.Register {
	if r, ok := a.registerOf(v); ok {
		return r
	}
	from, ok := a.locationOf(v)
	if !ok {
		panic(fmt.Sprintf("BUG: n%d has no location", v.id))
	}
	r := a.take(v.regType(), blocked, pos)
	a.cur.free.Release(r.RealReg())
	a.assign(r, v)
	a.addMove(from, regLocation(r))
	return r
}

// locationOf returns a register holding v, or its slot if it is spilled.
func (a *allocator) locationOf(v *Node) (Location, bool) {
	if r, ok := a.registerOf(v); ok {
		return regLocation(r), true
	}
	if a.cur.spilled[v] {
		return slotLocation(v.alloc.slot), true
	}
	return Location{}, false
}

// fix moves v into r, relocating whatever r holds.
func (a *allocator) fix(v *Node, r masm.Register, blocked regalloc.RegSet, pos int) {
	if a.cur.regs[r] == v {
		return
	}
	if w := a.cur.regs[r]; w != nil {
		if w.alloc.lastUse >= pos {
			if _, elsewhere := a.registerOfExcept(w, r); !elsewhere {
				if dst, ok := a.cur.free.Take(w.regType(), blocked.Add(r.RealReg())); ok {
					a.cur.free.Release(dst)
					a.addMove(regLocation(r), regLocation(masm.FromRealReg(dst)))
					a.assign(masm.FromRealReg(dst), w)
				}
			}
		}
		a.evict(r, pos)
	}
	from, ok := a.locationOf(v)
	if !ok {
		panic(fmt.Sprintf("BUG: n%d has no location", v.id))
	}
	a.addMove(from, regLocation(r))
	a.assign(r, v)
}

func (a *allocator) registerOfExcept(v *Node, except masm.Register) (masm.Register, bool) {
	for _, rr := range a.info.AllocatableRegisters[v.regType()] {
		if r := masm.FromRealReg(rr); r != except && a.cur.regs[r] == v {
			return r, true
		}
	}
	return masm.NoReg, false
}

func (a *allocator) allocateNode(n *Node) {
	a.node = n
	c := n.SetValueLocationConstraints()
	pos := n.alloc.pos
	a.freeDead(pos)

	var blocked regalloc.RegSet
	inputs := make([]Location, len(n.inputs))
	// Fixed inputs first so that other inputs never sit in a register a fixed one claims.
	for i, ic := range c.Inputs {
		if ic.Policy == InputFixedRegister {
			a.fix(n.inputs[i], ic.Reg, blocked, pos)
			blocked = blocked.Add(ic.Reg.RealReg())
			inputs[i] = regLocation(ic.Reg)
		}
	}
	var clobbered []masm.Register
	for i, ic := range c.Inputs {
		v := n.inputs[i]
		switch ic.Policy {
		case InputFixedRegister:
			continue
		case InputAny:
			if loc, ok := a.locationOf(v); ok {
				inputs[i] = loc
				if loc.Kind == LocationRegister {
					blocked = blocked.Add(loc.Reg.RealReg())
				}
				continue
			}
			panic(fmt.Sprintf("BUG: n%d has no location", v.id))
		case InputMustHaveRegister:
			r := a.load(v, blocked, pos)
			blocked = blocked.Add(r.RealReg())
			inputs[i] = regLocation(r)
		case InputUseAndClobber:
			r := a.load(v, blocked, pos)
			blocked = blocked.Add(r.RealReg())
			if v.alloc.lastUse > pos {
				cp := a.take(v.regType(), blocked, pos)
				a.addMove(regLocation(r), regLocation(cp))
				blocked = blocked.Add(cp.RealReg())
				clobbered = append(clobbered, cp)
				r = cp
			}
			inputs[i] = regLocation(r)
		}
	}
	n.alloc.inputs = inputs

	if n.Properties().Has(OpPropertyIsCall) {
		for _, r := range a.liveRegisters() {
			if v := a.cur.regs[r]; v.alloc.lastUse > pos {
				a.spill(v)
			}
		}
		n.alloc.taggedSlots = a.taggedSlots(pos)
		for _, r := range a.liveRegisters() {
			a.release(r)
		}
	}

	switch c.Result {
	case ResultRegister:
		r := a.take(n.regType(), blocked, pos)
		a.cur.free.Release(r.RealReg())
		a.assign(r, n)
		n.alloc.result = regLocation(r)
	case ResultFixedRegister:
		if a.cur.regs[c.ResultReg] != nil {
			a.evict(c.ResultReg, pos+1)
		}
		a.assign(c.ResultReg, n)
		n.alloc.result = regLocation(c.ResultReg)
	case ResultSameAsFirstInput:
		r := inputs[0].Reg
		if v := a.cur.regs[r]; v != nil {
			if v.alloc.lastUse > pos {
				// Keep the input alive in a copy; the node overwrites r.
				cp := a.take(v.regType(), blocked, pos)
				a.cur.free.Release(cp.RealReg())
				a.addMove(regLocation(r), regLocation(cp))
				a.assign(cp, v)
			}
			a.release(r)
		} else {
			// r is the private copy made for UseAndClobber.
			a.cur.free.Release(r.RealReg())
			clobbered = removeRegister(clobbered, r)
		}
		a.assign(r, n)
		n.alloc.result = regLocation(r)
	}
	if n.alloc.result.Kind == LocationRegister {
		blocked = blocked.Add(n.alloc.result.Reg.RealReg())
	}

	for i := 0; i < c.Temporaries; i++ {
		r := a.take(regalloc.RegTypeInt, blocked, pos)
		blocked = blocked.Add(r.RealReg())
		n.alloc.temps = append(n.alloc.temps, r)
	}
	for i := 0; i < c.DoubleTemporaries; i++ {
		r := a.take(regalloc.RegTypeFloat, blocked, pos)
		blocked = blocked.Add(r.RealReg())
		n.alloc.temps = append(n.alloc.temps, r)
	}

	if n.Properties().Has(OpPropertyNeedsRegisterSnapshot) {
		a.takeSnapshot(n)
	}
	if n.eager != nil {
		a.assignDeoptLocations(n, &n.eager.deoptInfo)
	}
	if n.lazy != nil {
		a.assignDeoptLocations(n, &n.lazy.deoptInfo)
	}

	for _, r := range n.alloc.temps {
		a.cur.free.Release(r.RealReg())
	}
	for _, r := range clobbered {
		a.cur.free.Release(r.RealReg())
	}
}

func removeRegister(regs []masm.Register, r masm.Register) []masm.Register {
	ret := regs[:0]
	for _, o := range regs {
		if o != r {
			ret = append(ret, o)
		}
	}
	return ret
}

// liveRegisters returns the registers holding a value.
func (a *allocator) liveRegisters() []masm.Register {
	var ret []masm.Register
	for r, v := range a.cur.regs {
		if v != nil {
			ret = append(ret, masm.Register(r))
		}
	}
	return ret
}

// taggedSlots returns the slots of spilled tagged values used after pos.
func (a *allocator) taggedSlots(pos int) []int {
	var ret []int
	for _, v := range a.values {
		if v.isTagged() && a.cur.spilled[v] && v.alloc.lastUse > pos {
			ret = append(ret, v.alloc.slot)
		}
	}
	return ret
}

func (a *allocator) takeSnapshot(n *Node) {
	pos := n.alloc.pos
	var s RegisterSnapshot
	for _, r := range a.liveRegisters() {
		if v := a.cur.regs[r]; v != n && v.alloc.lastUse > pos {
			s = s.add(r, v.isTagged())
		}
	}
	for i, loc := range n.alloc.inputs {
		if loc.Kind == LocationRegister {
			s = s.add(loc.Reg, n.inputs[i].isTagged())
		}
	}
	n.alloc.snapshot = s
	n.alloc.taggedSlots = a.taggedSlots(pos - 1)
}

func (a *allocator) assignDeoptLocations(n *Node, info *deoptInfo) {
	pos := n.alloc.pos
	deopt.ForEachInputLocation(info.top, info.locations, func(v deopt.Value, loc *deopt.InputLocation) {
		in := asNode(v)
		var l Location
		switch {
		case in == n:
			l = n.alloc.result
		case in.isRematerializable():
			loc.Assign(deopt.LocationConstant, int(in.id))
			return
		default:
			var ok bool
			if l, ok = a.locationOf(in); !ok {
				panic(fmt.Sprintf("BUG: deopt value n%d of n%d has no location", in.id, n.id))
			}
		}
		double := in.op.ValueRepresentation() == ValueRepresentationFloat64
		switch {
		case l.Kind == LocationRegister && double:
			loc.Assign(deopt.LocationDoubleRegister, l.Reg.Code())
		case l.Kind == LocationRegister:
			loc.Assign(deopt.LocationRegister, l.Reg.Code())
		case double:
			loc.Assign(deopt.LocationDoubleStackSlot, l.Slot)
		default:
			loc.Assign(deopt.LocationStackSlot, l.Slot)
		}
		for _, u := range in.alloc.uses {
			if u.alloc.pos > pos {
				loc.SetNextUse(u.id)
				break
			}
		}
	})
}

func (a *allocator) allocateControl(b *Block) {
	n := b.control
	a.node = n
	pos := n.alloc.pos
	a.freeDead(pos)
	for _, s := range b.Successors() {
		if s.isMerge() {
			for _, v := range a.liveIn(s) {
				a.spill(v)
			}
		}
	}
	a.allocateNode(n)
}
