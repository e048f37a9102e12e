package mitigo

import (
	"cmp"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// branchOps lists the conditional x86 jumps. x86asm uses distinct Op values
// for them, so Op == JMP is always unconditional.
var branchOps = map[x86asm.Op]bool{
	x86asm.JA:    true,
	x86asm.JAE:   true,
	x86asm.JB:    true,
	x86asm.JBE:   true,
	x86asm.JCXZ:  true,
	x86asm.JE:    true,
	x86asm.JECXZ: true,
	x86asm.JG:    true,
	x86asm.JGE:   true,
	x86asm.JL:    true,
	x86asm.JLE:   true,
	x86asm.JNE:   true,
	x86asm.JNO:   true,
	x86asm.JNP:   true,
	x86asm.JNS:   true,
	x86asm.JO:    true,
	x86asm.JP:    true,
	x86asm.JRCXZ: true,
	x86asm.JS:    true,
}

// rawText stands in for bytes the disassembler does not decode.
type rawText string

func (r rawText) String() string { return string(r) }

// Lift decodes code into a Function so that its call sites can be
// inspected and hardened. baseAddr is the virtual address corresponding to
// the start of code. Bytes that do not decode are kept as opaque
// instructions. This function performs no I/O and works with any binary
// format.
func Lift(code []byte, baseAddr uint64, arch Arch) (*Function, error) {
	switch arch {
	case ArchAMD64:
		return liftX86(code, baseAddr, 64), nil
	case Arch386:
		return liftX86(code, baseAddr, 32), nil
	case ArchARM64:
		return liftARM64(code, baseAddr), nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

func liftX86(code []byte, baseAddr uint64, mode int) *Function {
	var insts []*Inst

	offset := 0
	addr := baseAddr

	for offset < len(code) {
		// Keep ENDBR64 (f3 0f 1e fa) and ENDBR32 (f3 0f 1e fb) as opaque
		// instructions: golang.org/x/arch/x86/x86asm does not recognise
		// them. They appear at function entries on binaries compiled with
		// -fcf-protection.
		if offset+4 <= len(code) &&
			code[offset] == 0xf3 && code[offset+1] == 0x0f &&
			code[offset+2] == 0x1e && (code[offset+3] == 0xfa || code[offset+3] == 0xfb) {
			name := "endbr64"
			if code[offset+3] == 0xfb {
				name = "endbr32"
			}
			insts = append(insts, &Inst{Op: OpOther, Raw: rawText(name), Addr: addr})
			offset += 4
			addr += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], mode)
		if err != nil {
			insts = append(insts, &Inst{Op: OpOther, Raw: rawText(fmt.Sprintf(".byte %#02x", code[offset])), Addr: addr})
			offset++
			addr++
			continue
		}

		insts = append(insts, liftX86Inst(inst, addr, mode))
		offset += inst.Len
		addr += uint64(inst.Len)
	}

	fn := &Function{Name: fmt.Sprintf("sub_%x", baseAddr), Addr: baseAddr}
	fn.Blocks = splitBlocks(insts, baseAddr, baseAddr+uint64(len(code)))

	var args []x86asm.Reg
	if mode == 64 {
		args = NewTargetAMD64().Args.Regs
	}
	for _, b := range fn.Blocks {
		inferCallUses(b, args)
	}

	fn.Prologue = classifyPrologueX86(insts, mode)
	fn.UsesBasePointer = fn.Prologue.keepsFramePointer() || fn.Prologue == PrologueLEABased
	markSelfCalls(fn)
	return fn
}

func liftX86Inst(inst x86asm.Inst, addr uint64, mode int) *Inst {
	in := &Inst{Op: OpOther, Raw: inst, Addr: addr}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		in.Args = append(in.Args, a)
	}

	sp := x86asm.RSP
	returns := []x86asm.Reg{x86asm.RAX, x86asm.RDX, x86asm.X0, x86asm.X1}
	if mode == 32 {
		sp = x86asm.ESP
		returns = []x86asm.Reg{x86asm.EAX, x86asm.EDX}
	}

	switch {
	case inst.Op == x86asm.CALL:
		in.Op = OpCall
		in.Call = liftCallInfo(inst, addr)
		in.ImplicitUses = []x86asm.Reg{sp}
		in.ImplicitDefs = append(returns, sp)
	case inst.Op == x86asm.RET:
		in.Op = OpRet
	case inst.Op == x86asm.JMP:
		in.Op = OpJmp
	case branchOps[inst.Op]:
		in.Op = OpJcc
	case inst.Op == x86asm.PUSH:
		in.Op = OpPush
		in.ImplicitUses = []x86asm.Reg{sp}
		in.ImplicitDefs = []x86asm.Reg{sp}
	case inst.Op == x86asm.POP:
		in.Op = OpPop
		in.ImplicitUses = []x86asm.Reg{sp}
		in.ImplicitDefs = []x86asm.Reg{sp}
	case inst.Op == x86asm.SUB && inst.Args[0] == sp:
		if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
			in.Op = OpAdjCallStackDown
			in.Args = []Arg{imm}
		}
	case inst.Op == x86asm.ADD && inst.Args[0] == sp:
		if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
			in.Op = OpAdjCallStackUp
			in.Args = []Arg{imm}
		}
	case inst.Op == x86asm.LEA:
		in.Op = OpLea
		return in
	case inst.Op == x86asm.MOV:
		switch {
		case isMem(inst.Args[0]):
			in.Op = OpStore
			in.Mem = &MemOperand{Size: int64(inst.MemBytes), Flags: MemStore}
		case isMem(inst.Args[1]):
			in.Op = OpLoad
			in.Mem = &MemOperand{Size: int64(inst.MemBytes), Flags: MemLoad}
		default:
			in.Op = OpMov
		}
		return in
	}

	// Other memory operands are treated as reads.
	for _, a := range in.Args {
		if isMem(a) {
			in.Mem = &MemOperand{Size: int64(inst.MemBytes), Flags: MemLoad}
			break
		}
	}
	return in
}

func isMem(a Arg) bool {
	_, ok := a.(x86asm.Mem)
	return ok
}

// liftCallInfo resolves the target of an x86 CALL. Only pc-relative
// targets are direct; calls through memory or registers are indirect.
func liftCallInfo(inst x86asm.Inst, addr uint64) *CallInfo {
	ci := &CallInfo{}
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		ci.TargetAddr = addr + uint64(inst.Len) + uint64(int64(arg))
	default:
		ci.Indirect = true
	}
	return ci
}

// inferCallUses marks as passed the argument registers written between the
// previous call (or the block start) and each call of b.
func inferCallUses(b *Block, args []x86asm.Reg) {
	var written []x86asm.Reg
	for _, in := range b.Insts {
		if in.Op == OpCall {
			for _, r := range args {
				if anyOverlaps(written, r) && !anyOverlaps(in.ImplicitUses, r) {
					in.ImplicitUses = append(in.ImplicitUses, r)
				}
			}
			written = written[:0]
			continue
		}
		if len(in.Args) > 0 && writesFirstArg(in) {
			if r, ok := in.Args[0].(x86asm.Reg); ok {
				written = append(written, r)
			}
		}
	}
}

// splitBlocks groups insts into basic blocks. Leaders are the first
// instruction, targets of branches landing inside [start, end) and
// instructions following a terminator.
func splitBlocks(insts []*Inst, start, end uint64) []*Block {
	leaders := map[uint64]bool{start: true}
	for i, in := range insts {
		if in.Op == OpJmp || in.Op == OpJcc {
			if target, ok := branchTarget(in); ok && target >= start && target < end {
				leaders[target] = true
			}
		}
		if in.Op.IsTerminator() && i+1 < len(insts) {
			leaders[insts[i+1].Addr] = true
		}
	}

	var blocks []*Block
	var cur *Block
	for _, in := range insts {
		if cur == nil || leaders[in.Addr] {
			cur = &Block{Label: fmt.Sprintf("%#x", in.Addr)}
			blocks = append(blocks, cur)
		}
		cur.Insts = append(cur.Insts, in)
	}
	return blocks
}

func branchTarget(in *Inst) (uint64, bool) {
	switch raw := in.Raw.(type) {
	case x86asm.Inst:
		if rel, ok := raw.Args[0].(x86asm.Rel); ok {
			return in.Addr + uint64(raw.Len) + uint64(int64(rel)), true
		}
	case arm64asm.Inst:
		for _, a := range raw.Args {
			if pcrel, ok := a.(arm64asm.PCRel); ok {
				return in.Addr + uint64(int64(pcrel)), true
			}
		}
	}
	return 0, false
}

// markSelfCalls flags direct calls to the start of fn as recursive.
func markSelfCalls(fn *Function) {
	for _, in := range fn.All() {
		if in.Op == OpCall && in.Call != nil && !in.Call.Indirect && in.Call.TargetAddr == fn.Addr {
			in.Call.MayRecurse = true
			in.Call.Callee = fn.Name
		}
	}
}

// prologueWindow bounds how far into a function prologue patterns are
// searched. Go functions open with a stack bound check before the frame
// setup.
const prologueWindow = 8

func classifyPrologueX86(insts []*Inst, mode int) PrologueType {
	// ENDBR and undecodable bytes are transparent to prologue detection.
	var decoded []x86asm.Inst
	for _, in := range insts {
		if raw, ok := in.Raw.(x86asm.Inst); ok {
			decoded = append(decoded, raw)
			if len(decoded) == prologueWindow {
				break
			}
		}
	}

	sp, fp := x86asm.RSP, x86asm.RBP
	if mode == 32 {
		sp, fp = x86asm.ESP, x86asm.EBP
	}

	pushOnly := false
	for i, inst := range decoded {
		switch inst.Op {
		case x86asm.PUSH:
			// Classic frame pointer setup - push rbp; mov rbp, rsp
			if inst.Args[0] == fp && i+1 < len(decoded) {
				next := decoded[i+1]
				if next.Op == x86asm.MOV && next.Args[0] == fp && next.Args[1] == sp {
					return PrologueClassic
				}
			}
			// Push of a callee-saved register at the function boundary
			if reg, ok := inst.Args[0].(x86asm.Reg); ok && i == 0 && isCalleeSavedX86(reg) {
				pushOnly = true
			}
		case x86asm.SUB:
			// No-frame-pointer function - sub rsp, imm
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && inst.Args[0] == sp && imm > 0 {
				return PrologueNoFramePointer
			}
		case x86asm.LEA:
			// Stack allocation with lea - lea rsp, [rsp-imm]
			if inst.Args[0] == sp {
				return PrologueLEABased
			}
		case x86asm.RET:
			if pushOnly {
				return ProloguePushOnly
			}
			return PrologueNone
		}
	}
	if pushOnly {
		return ProloguePushOnly
	}
	return PrologueNone
}

func isCalleeSavedX86(reg x86asm.Reg) bool {
	switch reg {
	case x86asm.RBX, x86asm.RBP, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
		x86asm.EBX, x86asm.EBP, x86asm.ESI, x86asm.EDI:
		return true
	}
	return false
}

func liftARM64(code []byte, baseAddr uint64) *Function {
	const insnLen = 4
	var insts []*Inst

	for offset := 0; offset+insnLen <= len(code); offset += insnLen {
		addr := baseAddr + uint64(offset)
		inst, err := arm64asm.Decode(code[offset : offset+insnLen])
		if err != nil {
			word := binary.LittleEndian.Uint32(code[offset:])
			insts = append(insts, &Inst{Op: OpOther, Raw: rawText(fmt.Sprintf(".word %#08x", word)), Addr: addr})
			continue
		}

		in := &Inst{Op: OpOther, Raw: inst, Addr: addr}
		for _, a := range inst.Args {
			if a == nil {
				break
			}
			in.Args = append(in.Args, a)
		}

		switch inst.Op {
		case arm64asm.BL:
			in.Op = OpCall
			in.Call = &CallInfo{}
			if pcrel, ok := inst.Args[0].(arm64asm.PCRel); ok {
				in.Call.TargetAddr = addr + uint64(int64(pcrel))
			}
		case arm64asm.BLR:
			in.Op = OpCall
			in.Call = &CallInfo{Indirect: true}
		case arm64asm.RET:
			in.Op = OpRet
		case arm64asm.BR:
			in.Op = OpJmp
		case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
			in.Op = OpJcc
		case arm64asm.B:
			// B.cond carries a Cond argument.
			in.Op = OpJmp
			for _, arg := range inst.Args {
				if _, ok := arg.(arm64asm.Cond); ok {
					in.Op = OpJcc
					break
				}
			}
		}
		insts = append(insts, in)
	}

	fn := &Function{Name: fmt.Sprintf("sub_%x", baseAddr), Addr: baseAddr}
	fn.Blocks = splitBlocks(insts, baseAddr, baseAddr+uint64(len(code)))
	fn.Prologue = classifyPrologueARM64(insts)
	fn.UsesBasePointer = fn.Prologue.keepsFramePointer()
	markSelfCalls(fn)
	return fn
}

// isSTPx29x30PreIndex checks if an ARM64 instruction is stp x29, x30, [sp, #-N]!
func isSTPx29x30PreIndex(inst arm64asm.Inst) bool {
	if inst.Op != arm64asm.STP {
		return false
	}
	r0, ok0 := inst.Args[0].(arm64asm.Reg)
	r1, ok1 := inst.Args[1].(arm64asm.Reg)
	mem, ok2 := inst.Args[2].(arm64asm.MemImmediate)
	return ok0 && ok1 && ok2 &&
		r0 == arm64asm.X29 && r1 == arm64asm.X30 &&
		mem.Mode == arm64asm.AddrPreIndex
}

// isMovX29SP checks if an ARM64 instruction is mov x29, sp.
// The disassembler decodes this as MOV with both args as RegSP.
func isMovX29SP(inst arm64asm.Inst) bool {
	if inst.Op != arm64asm.MOV {
		return false
	}
	r0, ok0 := inst.Args[0].(arm64asm.RegSP)
	r1, ok1 := inst.Args[1].(arm64asm.RegSP)
	return ok0 && ok1 && r0 == arm64asm.RegSP(arm64asm.X29) && r1 == arm64asm.RegSP(arm64asm.SP)
}

func classifyPrologueARM64(insts []*Inst) PrologueType {
	var decoded []arm64asm.Inst
	for _, in := range insts {
		if raw, ok := in.Raw.(arm64asm.Inst); ok {
			decoded = append(decoded, raw)
			if len(decoded) == prologueWindow {
				break
			}
		}
	}

	for i, inst := range decoded {
		switch inst.Op {
		case arm64asm.STP:
			if isSTPx29x30PreIndex(inst) {
				if i+1 < len(decoded) && isMovX29SP(decoded[i+1]) {
					return PrologueSTPFramePair
				}
				return PrologueSTPOnly
			}
		case arm64asm.STR:
			// str x30, [sp, #-N]! (Go-style prologue)
			r0, ok0 := inst.Args[0].(arm64asm.Reg)
			mem, ok1 := inst.Args[1].(arm64asm.MemImmediate)
			if ok0 && ok1 && r0 == arm64asm.X30 && mem.Mode == arm64asm.AddrPreIndex {
				return PrologueSTRLRPreIndex
			}
		case arm64asm.SUB:
			// sub sp, sp, #N
			dst, ok0 := inst.Args[0].(arm64asm.RegSP)
			src, ok1 := inst.Args[1].(arm64asm.RegSP)
			if ok0 && ok1 && dst == arm64asm.RegSP(arm64asm.SP) && src == arm64asm.RegSP(arm64asm.SP) {
				return PrologueSubSP
			}
		case arm64asm.RET:
			return PrologueNone
		}
	}
	return PrologueNone
}

// LiftELF parses an ELF binary from the given reader, extracts the .text
// section and lifts every function symbol in it. Symbols with local binding
// get internal linkage, and direct calls between lifted functions are
// resolved to callee names. Without a symbol table the whole section is
// lifted as one function. The architecture is inferred from the ELF header.
func LiftELF(r io.ReaderAt) (*Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	textSec := f.Section(".text")
	if textSec == nil {
		return nil, fmt.Errorf("no .text section found")
	}

	code, err := textSec.Data()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read .text section: %w", err)
	}

	var arch Arch
	switch f.Machine {
	case elf.EM_X86_64:
		arch = ArchAMD64
	case elf.EM_386:
		arch = Arch386
	case elf.EM_AARCH64:
		arch = ArchARM64
	default:
		return nil, fmt.Errorf("unsupported ELF machine: %s", f.Machine)
	}

	m := &Module{Arch: arch}
	syms := textFunctions(f, textSec)
	if len(syms) == 0 {
		fn, err := Lift(code, textSec.Addr, arch)
		if err != nil {
			return nil, err
		}
		fn.Name = ".text"
		m.Functions = []*Function{fn}
		return m, nil
	}

	byAddr := make(map[uint64]*Function, len(syms))
	for _, s := range syms {
		start := s.Value - textSec.Addr
		end := min(start+s.Size, uint64(len(code)))
		if start >= end {
			continue
		}
		fn, err := Lift(code[start:end], s.Value, arch)
		if err != nil {
			return nil, err
		}
		fn.Name = s.Name
		if elf.ST_BIND(s.Info) == elf.STB_LOCAL {
			fn.Linkage = LinkageInternal
		}
		m.Functions = append(m.Functions, fn)
		byAddr[s.Value] = fn
	}

	resolveCalls(m, byAddr)
	return m, nil
}

// textFunctions returns the sized function symbols inside textSec, sorted
// by address with aliases removed.
func textFunctions(f *elf.File, textSec *elf.Section) []elf.Symbol {
	syms, err := f.Symbols()
	if err != nil {
		return nil
	}

	textEnd := textSec.Addr + textSec.Size
	var funcs []elf.Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		if s.Value < textSec.Addr || s.Value+s.Size > textEnd {
			continue
		}
		funcs = append(funcs, s)
	}

	slices.SortStableFunc(funcs, func(a, b elf.Symbol) int {
		return cmp.Compare(a.Value, b.Value)
	})
	return slices.CompactFunc(funcs, func(a, b elf.Symbol) bool {
		return a.Value == b.Value
	})
}

func resolveCalls(m *Module, byAddr map[uint64]*Function) {
	for _, fn := range m.Functions {
		for _, in := range fn.All() {
			if in.Op != OpCall || in.Call == nil || in.Call.Indirect {
				continue
			}
			callee, ok := byAddr[in.Call.TargetAddr]
			if !ok {
				continue
			}
			in.Call.Callee = callee.Name
			in.Call.Linkage = callee.Linkage
			in.Call.MayRecurse = callee == fn
		}
	}
}
