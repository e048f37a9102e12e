package mitigo

import (
	"log/slog"
)

// ExternalCallFencer serializes execution around calls into code the module
// does not define: an LFENCE right before the call and one right after it.
// Speculation then neither enters the external function with values of a
// mispredicted path nor leaves it ahead of its return.
type ExternalCallFencer struct {
	Logger *slog.Logger
	Stats  *Stats
}

// Run fences the external calls of every function in m and reports whether
// m changed. Calls already fenced on both sides are left as they are.
func (f *ExternalCallFencer) Run(m *Module) bool {
	if f.Stats == nil {
		f.Stats = new(Stats)
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	defined := make(map[string]bool, len(m.Functions))
	for _, fn := range m.Functions {
		defined[fn.Name] = true
	}

	changed := false
	for _, fn := range m.Functions {
		n := 0
		for _, b := range fn.Blocks {
			out := make([]*Inst, 0, len(b.Insts))
			for i, in := range b.Insts {
				if !callsDeclaration(in, defined) || fenced(b.Insts, i) {
					out = append(out, in)
					continue
				}
				out = append(out, &Inst{Op: OpLfence}, in, &Inst{Op: OpLfence})
				n++
			}
			b.Insts = out
		}
		if n > 0 {
			f.Stats.Fences += uint64(2 * n)
			f.Stats.Instructions += uint64(2 * n)
			logger.Debug("external calls fenced", "function", fn.Name, "calls", n)
			changed = true
		}
	}
	return changed
}

// callsDeclaration reports whether in is a direct call to a function that is
// not defined in the module. Unresolved direct targets count as external.
func callsDeclaration(in *Inst, defined map[string]bool) bool {
	if in.Op != OpCall || in.Call == nil || in.Call.Indirect {
		return false
	}
	return in.Call.Callee == "" || !defined[in.Call.Callee]
}

func fenced(insts []*Inst, i int) bool {
	return i > 0 && insts[i-1].Op == OpLfence && i+1 < len(insts) && insts[i+1].Op == OpLfence
}
