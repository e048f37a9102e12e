package mitigo

import (
	"cmp"
	"log/slog"
	"slices"

	"golang.org/x/arch/x86/x86asm"
)

// FrameAccess is a byte range of a frame slot read by some instruction.
type FrameAccess struct {
	Slot   int
	Offset int64
	Size   int64
}

func compareFrameAccess(a, b FrameAccess) int {
	if c := cmp.Compare(a.Slot, b.Slot); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
		return c
	}
	return cmp.Compare(a.Size, b.Size)
}

// CollectFrameAccesses records every frame slot range fn reads. Loads use the
// width of their memory operand. Address computations expose the slot from
// the offset to its end unless they carry a memory operand of their own.
// Spill slots are skipped.
func CollectFrameAccesses(fn *Function) []FrameAccess {
	var accs []FrameAccess
	for _, in := range fn.All() {
		if in.Op != OpLea && !in.MayLoad() {
			continue
		}
		for _, a := range in.Args {
			ref, ok := a.(FrameRef)
			if !ok {
				continue
			}
			if ref.Slot >= 0 && ref.Slot < len(fn.Frame) && fn.Frame[ref.Slot].Spill {
				continue
			}
			size := int64(0)
			switch {
			case in.Mem != nil:
				size = in.Mem.Size
			case ref.Slot >= 0 && ref.Slot < len(fn.Frame):
				size = fn.Frame[ref.Slot].Size - ref.Offset
			}
			if size > 0 {
				accs = append(accs, FrameAccess{Slot: ref.Slot, Offset: ref.Offset, Size: size})
			}
		}
	}
	return accs
}

// NormalizeFrameAccesses merges the byte ranges of accs per slot and splits
// them into naturally aligned pieces whose sizes come from widths, the
// ascending store widths of the target. Each piece is the widest width that
// fits the remaining range at its offset; where none fits a 1-byte piece is
// produced. The result is sorted by (slot, offset, size), has no duplicates
// and no two pieces of a slot overlap.
func NormalizeFrameAccesses(accs []FrameAccess, widths []int64) []FrameAccess {
	if len(accs) == 0 {
		return nil
	}
	sorted := slices.Clone(accs)
	slices.SortFunc(sorted, compareFrameAccess)

	var out []FrameAccess
	slot, lo, hi := sorted[0].Slot, sorted[0].Offset, sorted[0].Offset+sorted[0].Size
	for _, a := range sorted[1:] {
		if a.Slot == slot && a.Offset <= hi {
			hi = max(hi, a.Offset+a.Size)
			continue
		}
		out = appendPieces(out, slot, lo, hi, widths)
		slot, lo, hi = a.Slot, a.Offset, a.Offset+a.Size
	}
	return appendPieces(out, slot, lo, hi, widths)
}

func appendPieces(out []FrameAccess, slot int, lo, hi int64, widths []int64) []FrameAccess {
	for lo < hi {
		size := int64(1)
		for _, w := range slices.Backward(widths) {
			if lo%w == 0 && lo+w <= hi {
				size = w
				break
			}
		}
		out = append(out, FrameAccess{Slot: slot, Offset: lo, Size: size})
		lo += size
	}
	return out
}

// FrameZeroInitializer zero-fills, at function entry, every frame slot range
// the function reads.
type FrameZeroInitializer struct {
	Config Config
	Target *Target
	Logger *slog.Logger
	Stats  *Stats
}

// Run inserts the zero stores into the entry block of fn and reports whether
// any store was added. Ranges already covered by the zero stores leading the
// entry block are skipped, so running it twice adds nothing.
func (z *FrameZeroInitializer) Run(fn *Function) bool {
	entry := fn.Entry()
	if !z.Config.FrameZeroInit || entry == nil {
		return false
	}
	if z.Stats == nil {
		z.Stats = new(Stats)
	}
	logger := z.Logger
	if logger == nil {
		logger = slog.Default()
	}

	accs := NormalizeFrameAccesses(CollectFrameAccesses(fn), z.Target.StoreImmWidths())
	done := zeroedPrefix(entry)

	var stores []*Inst
	for _, a := range accs {
		op, ok := z.Target.StoreImmOp(a.Size)
		if !ok {
			fatal(fn, ErrUnsupportedWidth, "%d-byte access at %%stack.%d+%d", a.Size, a.Slot, a.Offset)
		}
		if done[a] {
			continue
		}
		align := a.Size
		if a.Slot >= 0 && a.Slot < len(fn.Frame) && fn.Frame[a.Slot].Align > 0 {
			align = commonAlign(fn.Frame[a.Slot].Align, a.Offset)
		}
		stores = append(stores, &Inst{
			Op:   op,
			Args: []Arg{FrameRef{Slot: a.Slot, Offset: a.Offset}, x86asm.Imm(0)},
			Mem:  &MemOperand{Size: a.Size, Align: align, Flags: MemStore},
		})
	}
	if len(stores) == 0 {
		return false
	}

	entry.Insts = append(stores, entry.Insts...)
	z.Stats.ZeroStores += uint64(len(stores))
	z.Stats.Instructions += uint64(len(stores))
	logger.Debug("frame zero-initialized", "function", fn.Name, "stores", len(stores))
	return true
}

// zeroedPrefix returns the frame ranges zeroed by the store-immediate
// instructions at the start of b.
func zeroedPrefix(b *Block) map[FrameAccess]bool {
	done := make(map[FrameAccess]bool)
	for _, in := range b.Insts {
		if !in.Op.IsStoreImm() || len(in.Args) != 2 || in.Mem == nil {
			break
		}
		ref, ok := in.Args[0].(FrameRef)
		if !ok {
			break
		}
		if imm, ok := in.Args[1].(x86asm.Imm); !ok || imm != 0 {
			break
		}
		done[FrameAccess{Slot: ref.Slot, Offset: ref.Offset, Size: in.Mem.Size}] = true
	}
	return done
}

// commonAlign returns the alignment of an address offset bytes past a
// base aligned to align.
func commonAlign(align, offset int64) int64 {
	if offset == 0 {
		return align
	}
	return min(align, offset&-offset)
}
