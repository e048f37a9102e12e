package mitigo

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ArgumentRegisterClass is the ordered sequence of parameter-passing
// registers of a calling convention. The first NumInt registers carry
// integer and pointer arguments, the rest carry floating-point and vector
// arguments.
type ArgumentRegisterClass struct {
	Regs   []x86asm.Reg
	NumInt int
}

// Int returns the integer/pointer argument registers.
func (c ArgumentRegisterClass) Int() []x86asm.Reg {
	return c.Regs[:c.NumInt]
}

// Vector returns the floating-point/vector argument registers.
func (c ArgumentRegisterClass) Vector() []x86asm.Reg {
	return c.Regs[c.NumInt:]
}

// Target describes what the hardening passes need to know about an x86
// code generation target.
type Target struct {
	Arch Arch
	Bits int

	StackPointer x86asm.Reg
	FramePointer x86asm.Reg
	BasePointer  x86asm.Reg

	// ProgramCounter is the register canary cells are addressed through;
	// zero when the target addresses globals absolutely.
	ProgramCounter x86asm.Reg

	Args ArgumentRegisterClass

	// Scratch lists caller-saved registers that do not carry return values,
	// in order of preference for the post-call check.
	Scratch []x86asm.Reg

	// FrameScratch is free both at function entry and before a return.
	FrameScratch x86asm.Reg

	DefaultCalleeSaved []x86asm.Reg

	// AVX enables VZEROALL in pre-call hardening.
	AVX bool

	PrivateStackSize  uint64
	PrivateStackAlign uint64

	storeImm map[int64]Op
}

const (
	defaultPrivateStackSize  = 0x20000
	defaultPrivateStackAlign = 256
)

// NewTargetAMD64 returns the System V x86-64 target.
func NewTargetAMD64() *Target {
	return &Target{
		Arch:           ArchAMD64,
		Bits:           64,
		StackPointer:   x86asm.RSP,
		FramePointer:   x86asm.RBP,
		BasePointer:    x86asm.RBX,
		ProgramCounter: x86asm.RIP,
		Args: ArgumentRegisterClass{
			Regs: []x86asm.Reg{
				x86asm.RDI, x86asm.RSI, x86asm.RDX, x86asm.RCX, x86asm.R8, x86asm.R9,
				x86asm.X0, x86asm.X1, x86asm.X2, x86asm.X3, x86asm.X4, x86asm.X5, x86asm.X6, x86asm.X7,
			},
			NumInt: 6,
		},
		Scratch:            []x86asm.Reg{x86asm.RDI, x86asm.RSI, x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11},
		FrameScratch:       x86asm.R11,
		DefaultCalleeSaved: []x86asm.Reg{x86asm.RBX, x86asm.RBP, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15},
		PrivateStackSize:   defaultPrivateStackSize,
		PrivateStackAlign:  defaultPrivateStackAlign,
		storeImm: map[int64]Op{
			1: OpMov8mi,
			2: OpMov16mi,
			4: OpMov32mi,
			8: OpMov64mi32,
		},
	}
}

// NewTarget386 returns the cdecl i386 target. Arguments travel on the stack,
// so the argument register class is empty.
func NewTarget386() *Target {
	return &Target{
		Arch:               Arch386,
		Bits:               32,
		StackPointer:       x86asm.ESP,
		FramePointer:       x86asm.EBP,
		BasePointer:        x86asm.ESI,
		Scratch:            []x86asm.Reg{x86asm.ECX},
		FrameScratch:       x86asm.ECX,
		DefaultCalleeSaved: []x86asm.Reg{x86asm.EBX, x86asm.ESI, x86asm.EDI, x86asm.EBP},
		PrivateStackSize:   defaultPrivateStackSize,
		PrivateStackAlign:  defaultPrivateStackAlign,
		storeImm: map[int64]Op{
			1: OpMov8mi,
			2: OpMov16mi,
			4: OpMov32mi,
		},
	}
}

// TargetFor returns the hardening target of arch.
func TargetFor(arch Arch) (*Target, error) {
	switch arch {
	case ArchAMD64:
		return NewTargetAMD64(), nil
	case Arch386:
		return NewTarget386(), nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// WordSize returns the pointer size in bytes.
func (t *Target) WordSize() int64 {
	return int64(t.Bits / 8)
}

// PreservedRegs returns the registers forced to zero when the post-call
// check detects a diverged stack pointer.
func (t *Target) PreservedRegs() []x86asm.Reg {
	return []x86asm.Reg{t.StackPointer, t.FramePointer, t.BasePointer}
}

// StoreImmOp returns the store-immediate opcode for a width in bytes.
func (t *Target) StoreImmOp(width int64) (Op, bool) {
	op, ok := t.storeImm[width]
	return op, ok
}

// StoreImmWidths returns the store-immediate widths up to the word size,
// ascending. Frame zero-initialization splits ranges into these.
func (t *Target) StoreImmWidths() []int64 {
	var ws []int64
	for w := int64(1); w <= t.WordSize(); w <<= 1 {
		if _, ok := t.storeImm[w]; ok {
			ws = append(ws, w)
		}
	}
	return ws
}

func (t *Target) xorOp() Op {
	if t.Bits == 64 {
		return OpXor64rr
	}
	return OpXor32rr
}

func (t *Target) cmpOp() Op {
	if t.Bits == 64 {
		return OpCmp64rm
	}
	return OpCmp32rm
}

func (t *Target) cmovOp() Op {
	if t.Bits == 64 {
		return OpCmovne64rr
	}
	return OpCmovne32rr
}

func (t *Target) storeRegOp() Op {
	if t.Bits == 64 {
		return OpMov64mr
	}
	return OpMov32mr
}

func (t *Target) loadRegOp() Op {
	if t.Bits == 64 {
		return OpMov64rm
	}
	return OpMov32rm
}

// registerFamily maps every general-purpose sub-register to its 64-bit
// parent.
var registerFamily = map[x86asm.Reg]x86asm.Reg{
	x86asm.AL:   x86asm.RAX,
	x86asm.CL:   x86asm.RCX,
	x86asm.DL:   x86asm.RDX,
	x86asm.BL:   x86asm.RBX,
	x86asm.AH:   x86asm.RAX,
	x86asm.CH:   x86asm.RCX,
	x86asm.DH:   x86asm.RDX,
	x86asm.BH:   x86asm.RBX,
	x86asm.SPB:  x86asm.RSP,
	x86asm.BPB:  x86asm.RBP,
	x86asm.SIB:  x86asm.RSI,
	x86asm.DIB:  x86asm.RDI,
	x86asm.R8B:  x86asm.R8,
	x86asm.R9B:  x86asm.R9,
	x86asm.R10B: x86asm.R10,
	x86asm.R11B: x86asm.R11,
	x86asm.R12B: x86asm.R12,
	x86asm.R13B: x86asm.R13,
	x86asm.R14B: x86asm.R14,
	x86asm.R15B: x86asm.R15,
	x86asm.AX:   x86asm.RAX,
	x86asm.CX:   x86asm.RCX,
	x86asm.DX:   x86asm.RDX,
	x86asm.BX:   x86asm.RBX,
	x86asm.SP:   x86asm.RSP,
	x86asm.BP:   x86asm.RBP,
	x86asm.SI:   x86asm.RSI,
	x86asm.DI:   x86asm.RDI,
	x86asm.R8W:  x86asm.R8,
	x86asm.R9W:  x86asm.R9,
	x86asm.R10W: x86asm.R10,
	x86asm.R11W: x86asm.R11,
	x86asm.R12W: x86asm.R12,
	x86asm.R13W: x86asm.R13,
	x86asm.R14W: x86asm.R14,
	x86asm.R15W: x86asm.R15,
	x86asm.EAX:  x86asm.RAX,
	x86asm.ECX:  x86asm.RCX,
	x86asm.EDX:  x86asm.RDX,
	x86asm.EBX:  x86asm.RBX,
	x86asm.ESP:  x86asm.RSP,
	x86asm.EBP:  x86asm.RBP,
	x86asm.ESI:  x86asm.RSI,
	x86asm.EDI:  x86asm.RDI,
	x86asm.R8L:  x86asm.R8,
	x86asm.R9L:  x86asm.R9,
	x86asm.R10L: x86asm.R10,
	x86asm.R11L: x86asm.R11,
	x86asm.R12L: x86asm.R12,
	x86asm.R13L: x86asm.R13,
	x86asm.R14L: x86asm.R14,
	x86asm.R15L: x86asm.R15,
	x86asm.EIP:  x86asm.RIP,
	x86asm.IP:   x86asm.RIP,
}

func family(r x86asm.Reg) x86asm.Reg {
	if p, ok := registerFamily[r]; ok {
		return p
	}
	return r
}

// Overlaps reports whether two registers share storage, e.g. EDI and RDI.
func Overlaps(a, b x86asm.Reg) bool {
	if a == 0 || b == 0 {
		return false
	}
	return family(a) == family(b)
}
