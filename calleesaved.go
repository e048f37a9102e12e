package mitigo

import (
	"slices"

	"golang.org/x/arch/x86/x86asm"
)

// CalleeSavedRegs returns the callee-saved register set functions get under
// c. Function-private stacks and the restricted set both shrink it to the
// base pointer alone.
func CalleeSavedRegs(c Config, t *Target) []x86asm.Reg {
	if c.FunctionPrivateStack || c.RestrictCalleeSaved {
		return []x86asm.Reg{t.BasePointer}
	}
	return slices.Clone(t.DefaultCalleeSaved)
}

func (h *Hardener) applyCalleeSavedPolicy(fn *Function) bool {
	if !h.Config.FunctionPrivateStack && !h.Config.RestrictCalleeSaved {
		return false
	}
	regs := CalleeSavedRegs(h.Config, h.Target)
	if slices.Equal(fn.CalleeSaved, regs) {
		return false
	}
	fn.CalleeSaved = regs
	return true
}
