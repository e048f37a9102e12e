package mitigo

import (
	"log/slog"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Allocator entry points rewritten by heap zero-initialization.
const (
	mallocName       = "malloc"
	callocName       = "calloc"
	mallocUsableName = "malloc_usable_size"
	memsetName       = "memset"
	heapInitPrefix   = "__heapinit."
	reallocName      = "realloc"
	reallocarrayName = "reallocarray"
)

// heapFunctions are never rewritten themselves: their bodies may be the
// allocator the rewrite calls into.
var heapFunctions = map[string]bool{
	mallocName:       true,
	callocName:       true,
	reallocName:      true,
	reallocarrayName: true,
	mallocUsableName: true,
	memsetName:       true,
}

// HeapZeroInitializer makes heap memory handed out by the C allocator
// zero-filled: malloc calls become calloc calls, and realloc/reallocarray
// calls go through a wrapper clearing the bytes the block grew by.
// Rewritten calls are matched by callee name. The rewrite passes arguments
// in System V registers, so it needs a 64-bit target.
type HeapZeroInitializer struct {
	Target *Target
	Logger *slog.Logger
	Stats  *Stats
}

// Run rewrites the allocator calls of m and reports whether m changed.
// Wrappers are added to m once and reused.
func (z *HeapZeroInitializer) Run(m *Module) bool {
	if z.Stats == nil {
		z.Stats = new(Stats)
	}
	logger := z.Logger
	if logger == nil {
		logger = slog.Default()
	}

	changed := false
	for _, fn := range m.Functions {
		if heapFunctions[fn.Name] || isHeapWrapper(fn) {
			continue
		}
		if z.Target.Bits != 64 {
			for _, in := range fn.All() {
				if heapCall(in) != "" {
					fatal(fn, ErrTargetWidth, "heap zero-initialization on a %d-bit target", z.Target.Bits)
				}
			}
			continue
		}

		n := 0
		for _, b := range fn.Blocks {
			out := make([]*Inst, 0, len(b.Insts))
			for _, in := range b.Insts {
				switch heapCall(in) {
				case mallocName:
					// calloc(size, 1): the size stays in the first argument.
					out = append(out, Mov(x86asm.RSI, x86asm.Imm(1)))
					retarget(in, callocName, in.Call.Linkage)
					in.ImplicitUses = append(in.ImplicitUses, x86asm.RSI)
					z.Stats.Instructions++
					n++
				case reallocName:
					retarget(in, z.wrapper(m, reallocName, 2).Name, LinkageInternal)
					n++
				case reallocarrayName:
					retarget(in, z.wrapper(m, reallocarrayName, 3).Name, LinkageInternal)
					n++
				}
				out = append(out, in)
			}
			b.Insts = out
		}
		if n > 0 {
			z.Stats.HeapCalls += uint64(n)
			logger.Debug("heap allocations rewritten", "function", fn.Name, "calls", n)
			changed = true
		}
	}
	return changed
}

// heapCall returns the allocator a direct call targets, or "".
func heapCall(in *Inst) string {
	if in.Op != OpCall || in.Call == nil || in.Call.Indirect {
		return ""
	}
	switch in.Call.Callee {
	case mallocName, reallocName, reallocarrayName:
		return in.Call.Callee
	}
	return ""
}

func isHeapWrapper(fn *Function) bool {
	return strings.HasPrefix(fn.Name, heapInitPrefix)
}

// retarget points a direct call at callee.
func retarget(in *Inst, callee string, linkage Linkage) {
	in.Call.Callee = callee
	in.Call.Linkage = linkage
	in.Call.TargetAddr = 0
	if len(in.Args) > 0 {
		in.Args[0] = Symbol(callee)
	} else {
		in.Args = []Arg{Symbol(callee)}
	}
	in.Raw = nil
}

// wrapper returns the zero-filling wrapper of the reallocation function
// callee, adding it to m on first use. The wrapper calls callee with the
// arguments it got and clears the bytes between the usable sizes of the old
// and the new block:
//
//	old = malloc_usable_size(ptr)
//	p = callee(ptr, ...)
//	new = malloc_usable_size(p)
//	memset(p+old, 0, new > old ? new-old : 0)
//
// The size difference is selected with CMOVBE, not a branch.
func (z *HeapZeroInitializer) wrapper(m *Module, callee string, params int) *Function {
	name := heapInitPrefix + callee
	if fn := m.Function(name); fn != nil {
		return fn
	}

	args := []x86asm.Reg{x86asm.RDI, x86asm.RSI, x86asm.RDX}[:params]
	insts := []*Inst{
		Push(x86asm.RBX),
		Push(x86asm.R12),
		Push(x86asm.R13),
		Mov(x86asm.RBX, x86asm.RDI),
		Mov(x86asm.R12, x86asm.RSI),
		Mov(x86asm.R13, x86asm.RDX),
		Call(mallocUsableName, LinkageExternal, x86asm.RDI),
		Mov(x86asm.RDI, x86asm.RBX),
		Mov(x86asm.RSI, x86asm.R12),
		Mov(x86asm.RDX, x86asm.R13),
		Mov(x86asm.R12, x86asm.RAX),
		Call(callee, LinkageExternal, args...),
		Mov(x86asm.RBX, x86asm.RAX),
		Mov(x86asm.RDI, x86asm.RAX),
		Call(mallocUsableName, LinkageExternal, x86asm.RDI),
		Mov(x86asm.RDX, x86asm.RAX),
		{Op: OpSub64rr, Args: []Arg{x86asm.RDX, x86asm.R12}},
		{Op: OpXor64rr, Args: []Arg{x86asm.RSI, x86asm.RSI}},
		{Op: OpCmp64rr, Args: []Arg{x86asm.RAX, x86asm.R12}},
		{Op: OpCmovbe64rr, Args: []Arg{x86asm.RDX, x86asm.RSI}},
		{Op: OpLea, Args: []Arg{x86asm.RDI, x86asm.Mem{Base: x86asm.RBX, Index: x86asm.R12, Scale: 1}}},
		Call(memsetName, LinkageExternal, x86asm.RDI, x86asm.RSI, x86asm.RDX),
		Mov(x86asm.RAX, x86asm.RBX),
		Pop(x86asm.R13),
		Pop(x86asm.R12),
		Pop(x86asm.RBX),
		Ret(),
	}
	fn := &Function{
		Name:      name,
		Linkage:   LinkageInternal,
		NumParams: params,
		Blocks:    []*Block{{Label: "entry", Insts: insts}},
	}
	m.Functions = append(m.Functions, fn)
	z.Stats.Instructions += uint64(len(insts))
	return fn
}
