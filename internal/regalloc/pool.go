package regalloc

import "fmt"

// RegisterInfo describes the allocatable registers of one ISA.
type RegisterInfo struct {
	// AllocatableRegisters lists allocatable registers per class in preference order.
	AllocatableRegisters [NumRegType][]RealReg
	// RealRegName returns the name of the register for printing.
	RealRegName func(r RealReg) string
	// RealRegType returns the class of the register.
	RealRegType func(r RealReg) RegType
}

// FreeList tracks which allocatable registers are free at the current program point of a
// straight-line allocation.
type FreeList struct {
	info *RegisterInfo
	free [NumRegType]RegSet
	all  [NumRegType]RegSet
}

// NewFreeList returns a FreeList with every allocatable register free.
func NewFreeList(info *RegisterInfo) *FreeList {
	fl := &FreeList{info: info}
	for typ, regs := range info.AllocatableRegisters {
		fl.all[typ] = NewRegSet(regs...)
	}
	fl.Reset()
	return fl
}

// Reset marks every allocatable register as free.
func (fl *FreeList) Reset() {
	fl.free = fl.all
}

// Free returns the free registers of the class.
func (fl *FreeList) Free(typ RegType) RegSet { return fl.free[typ] }

// Allocatable returns every allocatable register of the class.
func (fl *FreeList) Allocatable(typ RegType) RegSet { return fl.all[typ] }

// IsFree returns true if r is allocatable and currently free.
func (fl *FreeList) IsFree(r RealReg) bool {
	return fl.free[fl.info.RealRegType(r)].Has(r)
}

// Take picks the first free register of the class in preference order which is not in blocked.
func (fl *FreeList) Take(typ RegType, blocked RegSet) (RealReg, bool) {
	for _, r := range fl.info.AllocatableRegisters[typ] {
		if fl.free[typ].Has(r) && !blocked.Has(r) {
			fl.free[typ] = fl.free[typ].Remove(r)
			return r, true
		}
	}
	return RealRegInvalid, false
}

// Block removes r from the free set, e.g. when a fixed register constraint claims it.
func (fl *FreeList) Block(r RealReg) {
	typ := fl.info.RealRegType(r)
	fl.free[typ] = fl.free[typ].Remove(r)
}

// Release returns r to the free set. Non-allocatable registers are ignored.
func (fl *FreeList) Release(r RealReg) {
	typ := fl.info.RealRegType(r)
	if !fl.all[typ].Has(r) {
		return
	}
	if fl.free[typ].Has(r) {
		panic(fmt.Sprintf("BUG: double release of %s", fl.info.RealRegName(r)))
	}
	fl.free[typ] = fl.free[typ].Add(r)
}
