package mitigo

import (
	"log/slog"

	"golang.org/x/arch/x86/x86asm"
)

// Stats counts the instrumentation inserted by a pass. Counters only grow.
type Stats struct {
	Mitigations  uint64
	Instructions uint64
	Fences       uint64
	ZeroStores   uint64
	HeapCalls    uint64
}

// Hardener instruments the call sites of a function.
type Hardener struct {
	Config   Config
	Target   *Target
	Oracle   RegisterOracle
	Canaries *CanaryTable
	Logger   *slog.Logger
	Stats    *Stats
}

type sequenceKind string

const (
	seqCanarySave sequenceKind = "canary-save"
	seqPreCall    sequenceKind = "pre-call"
	seqPostCall   sequenceKind = "post-call"
	seqReloadSP   sequenceKind = "reload-sp"
	seqEntryFence sequenceKind = "entry-fence"
	seqCellSave   sequenceKind = "canary-cell-save"
	seqCellRest   sequenceKind = "canary-cell-restore"
)

// Harden inserts the enabled call-boundary mitigations into fn and reports
// whether fn changed. Invariant violations unwind through pan.
func (h *Hardener) Harden(fn *Function) bool {
	c := h.Config
	if !c.hardensCalls() {
		return false
	}
	h.init()
	if c.PreCallHardening && h.Target.Bits != 64 {
		fatal(fn, ErrTargetWidth, "pre-call hardening on a %d-bit target", h.Target.Bits)
	}
	if c.PostCallHardening && c.postCall() == PostCallBranchless && !c.FunctionPrivateStack {
		fatal(fn, ErrConfigInvariant, "branchless post-call hardening without function-private stacks")
	}

	changed := h.applyCalleeSavedPolicy(fn)

	sites := CollectCallSites(fn)
	var slot *CanarySlot
	if c.needsCanary() && len(sites) > 0 {
		if h.Canaries != nil {
			slot = h.Canaries.Slot(fn)
		}
		if slot == nil {
			fatal(fn, ErrMissingCanary, "private stack globals could not be created")
		}
	}

	diverges := stackMayDiverge(fn)
	reload := c.PostCallHardening && c.postCall() == PostCallReload

	// A site stores the canary when its post-call check reads it, or when
	// fps is on and the stack may diverge across the call.
	bySite := make(map[*Inst]CallSite, len(sites))
	saves := make(map[*Inst]bool, len(sites))
	preserveCell := false
	for _, s := range sites {
		bySite[s.Inst] = s
		post := c.PostCallHardening && s.Index+1 < len(s.Block.Insts)
		if slot != nil && (post || (c.FunctionPrivateStack && (diverges || s.MayRecurse))) {
			saves[s.Inst] = true
			preserveCell = true
		}
	}

	var cellSlot int
	if preserveCell {
		cellSlot = fn.NewFrameSlot(h.Target.WordSize(), h.Target.WordSize())
		fn.Frame[cellSlot].Spill = true
	}

	for _, b := range fn.Blocks {
		out := make([]*Inst, 0, len(b.Insts))
		for i, in := range b.Insts {
			if in.Op == OpRet && preserveCell {
				out = append(out, h.emit(fn, seqCellRest, h.restoreCell(slot, cellSlot))...)
			}
			site, ok := bySite[in]
			if !ok {
				out = append(out, in)
				continue
			}

			// The position after the call is taken from the original block
			// so that instrumentation never lands after inserted code.
			hasNext := i+1 < len(b.Insts)

			if saves[in] {
				out = append(out, h.emit(fn, seqCanarySave, h.canarySave(slot))...)
			}
			if c.PreCallHardening && !site.LocalTarget {
				out = append(out, h.emit(fn, seqPreCall, h.preCall(site))...)
			}
			out = append(out, in)
			switch {
			case !c.PostCallHardening || !hasNext:
			case reload:
				out = append(out, h.emit(fn, seqReloadSP, h.reloadStackPointer(slot))...)
			default:
				out = append(out, h.emit(fn, seqPostCall, h.postCall(fn, site, slot))...)
			}
		}
		if len(out) != len(b.Insts) {
			changed = true
		}
		b.Insts = out
	}

	if entry := fn.Entry(); entry != nil {
		var prefix []*Inst
		if c.StrictCallingConv && h.needsEntryFence(fn) {
			prefix = append(prefix, h.emit(fn, seqEntryFence, []*Inst{{Op: OpLfence}})...)
			h.Stats.Fences++
		}
		if preserveCell {
			prefix = append(prefix, h.emit(fn, seqCellSave, h.saveCell(slot, cellSlot))...)
		}
		if len(prefix) > 0 {
			entry.Insts = append(prefix, entry.Insts...)
			changed = true
		}
	}

	return changed
}

func (h *Hardener) init() {
	if h.Oracle == nil {
		h.Oracle = OperandOracle{}
	}
	if h.Stats == nil {
		h.Stats = new(Stats)
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
}

// mitigates reports whether the sequence is a pre-call or post-call
// mitigation, as opposed to the bookkeeping around it.
func (k sequenceKind) mitigates() bool {
	switch k {
	case seqPreCall, seqPostCall, seqReloadSP:
		return true
	}
	return false
}

// emit records a sequence in the statistics. Mitigations get the optional
// trap appended.
func (h *Hardener) emit(fn *Function, kind sequenceKind, seq []*Inst) []*Inst {
	if len(seq) == 0 {
		return nil
	}
	if kind.mitigates() {
		if h.Config.InsertTrapAfterMitigation {
			seq = append(seq, &Inst{Op: OpInt3})
		}
		h.Stats.Mitigations++
	}
	h.Stats.Instructions += uint64(len(seq))
	h.Logger.Debug("mitigation inserted", "function", fn.Name, "kind", string(kind), "instructions", len(seq))
	return seq
}

// stackMayDiverge reports whether a call in fn can leave the stack pointer
// somewhere the calling convention alone does not restore: the function
// keeps a base pointer, or pushes onto the call stack.
func stackMayDiverge(fn *Function) bool {
	if fn.UsesBasePointer {
		return true
	}
	for _, in := range fn.All() {
		switch in.Op {
		case OpPush:
			return true
		case OpAdjCallStackDown:
			if len(in.Args) > 0 {
				if n, ok := in.Args[0].(x86asm.Imm); ok && n > 0 {
					return true
				}
			}
		}
	}
	return false
}

func (h *Hardener) canarySave(slot *CanarySlot) []*Inst {
	t := h.Target
	return []*Inst{{
		Op:   t.storeRegOp(),
		Args: []Arg{slot.cell(t), t.StackPointer},
		Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemStore},
	}}
}

// preCall zeroes every argument register the call does not pass a value
// in.
func (h *Hardener) preCall(site CallSite) []*Inst {
	t := h.Target
	var seq []*Inst
	for _, r := range t.Args.Int() {
		if !h.Oracle.References(site.Inst, r) {
			seq = append(seq, &Inst{Op: t.xorOp(), Args: []Arg{r, r}})
		}
	}

	vec := t.Args.Vector()
	var unused []x86asm.Reg
	for _, r := range vec {
		if !h.Oracle.References(site.Inst, r) {
			unused = append(unused, r)
		}
	}
	if len(unused) == len(vec) && len(vec) > 0 && t.AVX {
		return append(seq, &Inst{Op: OpVzeroall})
	}
	for _, r := range unused {
		seq = append(seq, &Inst{Op: OpXorps, Args: []Arg{r, r}})
	}
	return seq
}

// postCall forces the preserved registers to zero when the stack pointer no
// longer matches the canary. The sequence contains no branch.
func (h *Hardener) postCall(fn *Function, site CallSite, slot *CanarySlot) []*Inst {
	t := h.Target
	r := h.scratch(fn, site)
	seq := []*Inst{
		{Op: t.xorOp(), Args: []Arg{r, r}},
		{
			Op:   t.cmpOp(),
			Args: []Arg{t.StackPointer, slot.cell(t)},
			Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemLoad},
		},
	}
	for _, p := range t.PreservedRegs() {
		seq = append(seq, &Inst{Op: t.cmovOp(), Args: []Arg{p, r}})
	}
	return seq
}

func (h *Hardener) reloadStackPointer(slot *CanarySlot) []*Inst {
	t := h.Target
	return []*Inst{{
		Op:   t.loadRegOp(),
		Args: []Arg{t.StackPointer, slot.cell(t)},
		Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemLoad},
	}}
}

// scratch picks a register that is dead after the call: caller-saved, not
// written by the call and not used to address the canary.
func (h *Hardener) scratch(fn *Function, site CallSite) x86asm.Reg {
	t := h.Target
	for _, r := range t.Scratch {
		if Overlaps(r, t.ProgramCounter) || anyOverlaps(t.PreservedRegs(), r) {
			continue
		}
		if h.Oracle.Defines(site.Inst, r) {
			continue
		}
		return r
	}
	fatal(fn, ErrNoScratch, "call at %s#%d defines every scratch register", site.Block.Label, site.Index)
	return 0
}

// saveCell copies the canary cell into a frame slot at entry. A nested
// activation of the same function, direct or through other functions, then
// cannot leave its own stack pointer behind.
func (h *Hardener) saveCell(slot *CanarySlot, frameSlot int) []*Inst {
	t := h.Target
	r := t.FrameScratch
	return []*Inst{
		{
			Op:   t.loadRegOp(),
			Args: []Arg{r, slot.cell(t)},
			Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemLoad},
		},
		{
			Op:   t.storeRegOp(),
			Args: []Arg{FrameRef{Slot: frameSlot}, r},
			Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemStore},
		},
	}
}

func (h *Hardener) restoreCell(slot *CanarySlot, frameSlot int) []*Inst {
	t := h.Target
	r := t.FrameScratch
	return []*Inst{
		{
			Op:   t.loadRegOp(),
			Args: []Arg{r, FrameRef{Slot: frameSlot}},
			Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemLoad},
		},
		{
			Op:   t.storeRegOp(),
			Args: []Arg{slot.cell(t), r},
			Mem:  &MemOperand{Size: t.WordSize(), Align: t.WordSize(), Flags: MemStore},
		},
	}
}

// needsEntryFence reports whether fn may read arguments beyond those its
// callers pass in registers.
func (h *Hardener) needsEntryFence(fn *Function) bool {
	return fn.Variadic || fn.NumParams > len(h.Target.Args.Int())
}
