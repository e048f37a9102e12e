package mitigo

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// AddressingMode represents how the target address of a call is specified.
type AddressingMode string

// Recognized addressing modes for call instructions.
const (
	AddressingModePCRelative       AddressingMode = "pc-relative"
	AddressingModeAbsolute         AddressingMode = "absolute"
	AddressingModeRegisterIndirect AddressingMode = "register-indirect"
)

// CallSite is a call instruction together with its position in the
// function.
type CallSite struct {
	Block *Block
	Index int
	Inst  *Inst

	// MayRecurse is set when the call may re-enter the calling function.
	MayRecurse bool

	// LocalTarget is set when the target is statically resolved to a
	// function with internal linkage.
	LocalTarget bool

	Mode AddressingMode
}

// CollectCallSites returns one CallSite per call instruction of fn, in
// block and instruction order.
func CollectCallSites(fn *Function) []CallSite {
	var sites []CallSite
	for _, b := range fn.Blocks {
		for i, in := range b.Insts {
			if in.Op != OpCall {
				continue
			}
			site := CallSite{
				Block: b,
				Index: i,
				Inst:  in,
				Mode:  callAddressingMode(in),
			}
			if ci := in.Call; ci != nil {
				site.MayRecurse = ci.MayRecurse || (!ci.Indirect && ci.Callee != "" && ci.Callee == fn.Name)
				site.LocalTarget = !ci.Indirect && ci.Linkage == LinkageInternal
			}
			sites = append(sites, site)
		}
	}
	return sites
}

// callAddressingMode classifies the target operand of a call. Memory
// operands relative to the instruction pointer (PLT/GOT slots) count as
// pc-relative even though the call itself is indirect.
func callAddressingMode(in *Inst) AddressingMode {
	if len(in.Args) == 0 {
		return AddressingModeRegisterIndirect
	}
	switch arg := in.Args[0].(type) {
	case Symbol, x86asm.Rel, arm64asm.PCRel:
		return AddressingModePCRelative
	case GlobalRef:
		if arg.PCRel {
			return AddressingModePCRelative
		}
		return AddressingModeAbsolute
	case x86asm.Mem:
		if arg.Base == x86asm.RIP && arg.Index == 0 {
			return AddressingModePCRelative
		}
		if arg.Base == 0 && arg.Index == 0 {
			return AddressingModeAbsolute
		}
		return AddressingModeRegisterIndirect
	default:
		return AddressingModeRegisterIndirect
	}
}
