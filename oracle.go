package mitigo

import (
	"golang.org/x/arch/x86/x86asm"
)

// RegisterOracle answers register liveness questions about single
// instructions.
type RegisterOracle interface {
	// References reports whether in reads or defines r, explicitly or
	// implicitly.
	References(in *Inst, r x86asm.Reg) bool

	// Defines reports whether in writes r.
	Defines(in *Inst, r x86asm.Reg) bool
}

// OperandOracle derives register references from instruction operands and
// implicit register lists.
type OperandOracle struct{}

func (OperandOracle) References(in *Inst, r x86asm.Reg) bool {
	for _, a := range in.Args {
		if argReferences(a, r) {
			return true
		}
	}
	return anyOverlaps(in.ImplicitUses, r) || anyOverlaps(in.ImplicitDefs, r)
}

func (OperandOracle) Defines(in *Inst, r x86asm.Reg) bool {
	if anyOverlaps(in.ImplicitDefs, r) {
		return true
	}
	if len(in.Args) == 0 || !writesFirstArg(in) {
		return false
	}
	dst, ok := in.Args[0].(x86asm.Reg)
	return ok && Overlaps(dst, r)
}

func argReferences(a Arg, r x86asm.Reg) bool {
	switch a := a.(type) {
	case x86asm.Reg:
		return Overlaps(a, r)
	case x86asm.Mem:
		return Overlaps(a.Base, r) || Overlaps(a.Index, r)
	case GlobalRef:
		return a.PCRel && Overlaps(x86asm.RIP, r)
	}
	return false
}

func anyOverlaps(regs []x86asm.Reg, r x86asm.Reg) bool {
	for _, reg := range regs {
		if Overlaps(reg, r) {
			return true
		}
	}
	return false
}

// writesFirstArg reports whether the first operand of in is a destination.
func writesFirstArg(in *Inst) bool {
	switch in.Op {
	case OpMov, OpLoad, OpLea, OpPop,
		OpXor32rr, OpXor64rr, OpXorps,
		OpCmovne32rr, OpCmovne64rr, OpCmovbe64rr, OpSub64rr,
		OpMov32rm, OpMov64rm:
		return true
	case OpOther:
		if raw, ok := in.Raw.(x86asm.Inst); ok {
			return x86WritesFirstArg(raw.Op)
		}
	}
	return false
}

// x86WritesFirstArg reports whether a decoded x86 instruction writes its
// first operand. Comparisons, tests, stack and control transfers only read
// their operands.
func x86WritesFirstArg(op x86asm.Op) bool {
	switch op {
	case x86asm.CMP, x86asm.TEST, x86asm.BT, x86asm.PUSH,
		x86asm.CALL, x86asm.JMP, x86asm.RET, x86asm.NOP,
		x86asm.UCOMISS, x86asm.UCOMISD, x86asm.COMISS, x86asm.COMISD:
		return false
	}
	return !branchOps[op]
}
