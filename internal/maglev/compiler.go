package maglev

import (
	"fmt"

	"github.com/tetratelabs/jitcore/internal/deopt"
	"github.com/tetratelabs/jitcore/internal/jitapi"
	"github.com/tetratelabs/jitcore/internal/masm"
)

// CompiledCode is the output of Compile.
type CompiledCode struct {
	// Code is the arm64 machine code.
	Code []byte
	// Offsets maps instruction indices to code offsets. Offsets[len(Instructions)] is the code
	// size.
	Offsets      []int
	Instructions []masm.Instr
	StackSlots   int
	Safepoints   *deopt.SafepointTable
	Translations *deopt.Translations
	HandlerTable *deopt.HandlerTable
	// DeoptExits are indexed by the id passed to the deopt entries. The DeoptIndex of a
	// safepoint is an index into it.
	DeoptExits []DeoptExit
	// LazyDeoptCalls maps the instruction index of every call that can deopt lazily to its
	// exit.
	LazyDeoptCalls map[int]int
}

// Compile allocates registers for g and generates its code.
func Compile(g *Graph, broker Broker) (*CompiledCode, error) {
	for _, b := range g.blocks {
		if b.control == nil {
			return nil, fmt.Errorf("maglev: b%d has no control node", b.id)
		}
		b.label = masm.Label{}
	}
	stackSlots := newAllocator(g).allocate()
	if jitapi.PrintNodeGraph {
		fmt.Println(g.Format())
	}

	s := newCodeGenState(broker, stackSlots)
	m := masm.New()
	m.SetCallHook(s.onCall(m))
	if stackSlots > 0 {
		m.Emit3Imm(masm.OpSub, masm.W64, masm.SP, masm.SP, s.frameSize())
	}
	for i, b := range g.blocks {
		s.next = nil
		if i+1 < len(g.blocks) {
			s.next = g.blocks[i+1]
		}
		m.Bind(&b.label)
		for _, n := range b.nodes {
			s.generate(m, n)
		}
		s.generate(m, b.control)
	}
	m.EmitDeferredCode()

	m.SetOrigin(nil)
	for i, e := range s.exits {
		if e.Kind != DeoptKindEager {
			continue
		}
		m.Bind(&e.label)
		e.InstrIndex = m.PC()
		m.CallDeoptExit(false, i)
	}
	for i, e := range s.exits {
		if e.Kind != DeoptKindLazy {
			continue
		}
		m.Bind(&e.label)
		e.InstrIndex = m.PC()
		m.CallDeoptExit(true, i)
	}
	instrs := m.Finish()
	if jitapi.PrintMasmListing {
		fmt.Println(masm.FormatListing(instrs))
	}

	code, offsets, err := masm.EncodeArm64(instrs)
	if err != nil {
		return nil, fmt.Errorf("maglev: encoding: %w", err)
	}
	ret := &CompiledCode{
		Code:           code,
		Offsets:        offsets,
		Instructions:   instrs,
		StackSlots:     stackSlots,
		Safepoints:     deopt.NewSafepointTable(stackSlots),
		Translations:   s.translations.Finish(),
		HandlerTable:   deopt.NewHandlerTable(),
		LazyDeoptCalls: map[int]int{},
	}
	for _, sp := range s.safepoints {
		if sp.deoptIndex != deopt.NoDeoptIndex {
			ret.LazyDeoptCalls[sp.instr] = sp.deoptIndex
		}
		ret.Safepoints.Define(deopt.SafepointEntry{
			PC:              offsets[sp.instr+1],
			TaggedRegisters: toRegSet(sp.tagged),
			TaggedSlots:     sp.taggedSlots,
			DeoptIndex:      sp.deoptIndex,
		})
	}
	for _, h := range s.handlers {
		err := ret.HandlerTable.Add(deopt.HandlerEntry{
			Start:   offsets[h.instr],
			End:     offsets[h.instr+1],
			Handler: offsets[h.handler.label.Pos()],
			Depth:   stackSlots,
		})
		if err != nil {
			return nil, fmt.Errorf("maglev: handler table: %w", err)
		}
	}
	for _, e := range s.exits {
		e.PC = offsets[e.InstrIndex]
		ret.DeoptExits = append(ret.DeoptExits, *e)
	}
	return ret, nil
}

func (s *CodeGenState) generate(m *masm.MacroAssembler, n *Node) {
	m.SetOrigin(n)
	s.emitGapMoves(m, n)
	n.GenerateCode(m, s)
}
