package regalloc

import (
	"math/bits"
	"strings"
)

// NewRegSet returns a new RegSet with the given registers.
func NewRegSet(regs ...RealReg) RegSet {
	var ret RegSet
	for _, r := range regs {
		ret = ret.Add(r)
	}
	return ret
}

// RegSet represents a set of physical registers of one class. Registers numbered 64 and above
// cannot be represented and are ignored.
type RegSet uint64

// Has returns true if r is in the set.
func (rs RegSet) Has(r RealReg) bool {
	return r < 64 && rs&(1<<uint(r)) != 0
}

// Add returns the set with r added.
func (rs RegSet) Add(r RealReg) RegSet {
	if r >= 64 {
		return rs
	}
	return rs | 1<<uint(r)
}

// Remove returns the set without r.
func (rs RegSet) Remove(r RealReg) RegSet {
	if r >= 64 {
		return rs
	}
	return rs &^ (1 << uint(r))
}

// Union returns rs | other.
func (rs RegSet) Union(other RegSet) RegSet { return rs | other }

// Intersect returns rs & other.
func (rs RegSet) Intersect(other RegSet) RegSet { return rs & other }

// Difference returns the registers of rs which are not in other.
func (rs RegSet) Difference(other RegSet) RegSet { return rs &^ other }

// Empty returns true if no register is in the set.
func (rs RegSet) Empty() bool { return rs == 0 }

// Count returns the number of registers in the set.
func (rs RegSet) Count() int { return bits.OnesCount64(uint64(rs)) }

// First returns the lowest numbered register of the set, or RealRegInvalid when empty.
func (rs RegSet) First() RealReg {
	if rs == 0 {
		return RealRegInvalid
	}
	return RealReg(bits.TrailingZeros64(uint64(rs)))
}

// Range calls f for each register in ascending order.
func (rs RegSet) Range(f func(allocatedRealReg RealReg)) {
	for v := uint64(rs); v != 0; v &= v - 1 {
		f(RealReg(bits.TrailingZeros64(v)))
	}
}

// Format prints the set using the ISA specific register names.
func (rs RegSet) Format(name func(RealReg) string) string {
	var ret []string
	rs.Range(func(r RealReg) {
		ret = append(ret, name(r))
	})
	return "{" + strings.Join(ret, ", ") + "}"
}
