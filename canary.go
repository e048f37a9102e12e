package mitigo

import (
	"fmt"
)

// GlobalAllocator gets or creates named global data objects. *Module
// implements it.
type GlobalAllocator interface {
	GetOrCreateGlobal(name string, size, align uint64, ref *Global, refOffset uint64) *Global
}

// CanarySlot is the function-private stack of one function: a fixed-size
// buffer and a pointer-sized cell holding the saved stack pointer. The cell
// initially points past the end of the buffer.
type CanarySlot struct {
	Stack *Global
	Top   *Global
}

// CanaryTable maps functions to their canary slots. Slots are created the
// first time a function needs one and live as long as the module.
type CanaryTable struct {
	alloc  GlobalAllocator
	target *Target
	slots  map[*Function]*CanarySlot
	owners map[string]*Function
}

// NewCanaryTable returns an empty table allocating globals from alloc.
func NewCanaryTable(alloc GlobalAllocator, t *Target) *CanaryTable {
	return &CanaryTable{
		alloc:  alloc,
		target: t,
		slots:  make(map[*Function]*CanarySlot),
		owners: make(map[string]*Function),
	}
}

// Lookup returns the slot of fn without creating it.
func (ct *CanaryTable) Lookup(fn *Function) (*CanarySlot, bool) {
	s, ok := ct.slots[fn]
	return s, ok
}

// maxNameProbes bounds the suffixes tried for the globals of one function.
const maxNameProbes = 64

// Slot returns the slot of fn, creating it on first use. Names taken by
// another function of this table, or by module globals of a different
// layout, are skipped with a numeric suffix. It returns nil if the allocator
// cannot provide the globals.
func (ct *CanaryTable) Slot(fn *Function) *CanarySlot {
	if s, ok := ct.slots[fn]; ok {
		return s
	}
	if ct.alloc == nil {
		return nil
	}

	t := ct.target
	word := uint64(t.WordSize())
	name := fn.Name
	if name == "" {
		name = fmt.Sprintf("sub_%x", fn.Addr)
	}

	for n := range maxNameProbes {
		base := "__fps." + name
		if n > 0 {
			base = fmt.Sprintf("__fps.%s.%d", name, n)
		}
		if owner, taken := ct.owners[base]; taken && owner != fn {
			continue
		}

		stack := ct.alloc.GetOrCreateGlobal(base+".stack", t.PrivateStackSize, t.PrivateStackAlign, nil, 0)
		if stack == nil {
			return nil
		}
		if stack.Size != t.PrivateStackSize || stack.Ref != nil {
			continue
		}
		top := ct.alloc.GetOrCreateGlobal(base+".sp", word, word, stack, t.PrivateStackSize)
		if top == nil {
			return nil
		}
		if top.Size != word || top.Ref != stack || top.RefOffset != t.PrivateStackSize {
			continue
		}

		ct.owners[base] = fn
		s := &CanarySlot{Stack: stack, Top: top}
		ct.slots[fn] = s
		return s
	}
	return nil
}

// cell returns an operand addressing the saved stack pointer.
func (s *CanarySlot) cell(t *Target) GlobalRef {
	return GlobalRef{Global: s.Top, PCRel: t.ProgramCounter != 0}
}
