package mitigo

import (
	"fmt"
	"iter"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Op identifies the operation of an instruction in a Function body.
type Op uint16

// Generic operations found in function bodies.
const (
	OpInvalid Op = iota
	OpOther      // lifted instruction without hardening semantics
	OpCall
	OpRet
	OpJmp
	OpJcc
	OpPush
	OpPop
	OpAdjCallStackDown
	OpAdjCallStackUp
	OpMov
	OpLoad
	OpStore
	OpLea

	// Target operations emitted by the hardening passes.
	OpXor32rr
	OpXor64rr
	OpXorps
	OpVzeroall
	OpCmp32rm
	OpCmp64rm
	OpCmovne32rr
	OpCmovne64rr
	OpSub64rr
	OpCmp64rr
	OpCmovbe64rr
	OpMov32mr
	OpMov64mr
	OpMov32rm
	OpMov64rm
	OpMov8mi
	OpMov16mi
	OpMov32mi
	OpMov64mi32
	OpLfence
	OpInt3
)

var opNames = [...]string{
	OpInvalid:          "INVALID",
	OpOther:            "OTHER",
	OpCall:             "CALL",
	OpRet:              "RET",
	OpJmp:              "JMP",
	OpJcc:              "JCC",
	OpPush:             "PUSH",
	OpPop:              "POP",
	OpAdjCallStackDown: "ADJCALLSTACKDOWN",
	OpAdjCallStackUp:   "ADJCALLSTACKUP",
	OpMov:              "MOV",
	OpLoad:             "LOAD",
	OpStore:            "STORE",
	OpLea:              "LEA",
	OpXor32rr:          "XOR32rr",
	OpXor64rr:          "XOR64rr",
	OpXorps:            "XORPS",
	OpVzeroall:         "VZEROALL",
	OpCmp32rm:          "CMP32rm",
	OpCmp64rm:          "CMP64rm",
	OpCmovne32rr:       "CMOVNE32rr",
	OpCmovne64rr:       "CMOVNE64rr",
	OpSub64rr:          "SUB64rr",
	OpCmp64rr:          "CMP64rr",
	OpCmovbe64rr:       "CMOVBE64rr",
	OpMov32mr:          "MOV32mr",
	OpMov64mr:          "MOV64mr",
	OpMov32rm:          "MOV32rm",
	OpMov64rm:          "MOV64rm",
	OpMov8mi:           "MOV8mi",
	OpMov16mi:          "MOV16mi",
	OpMov32mi:          "MOV32mi",
	OpMov64mi32:        "MOV64mi32",
	OpLfence:           "LFENCE",
	OpInt3:             "INT3",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint16(op))
}

// IsConditionalBranch reports whether op transfers control depending on
// flags.
func (op Op) IsConditionalBranch() bool {
	return op == OpJcc
}

// IsTerminator reports whether op ends a basic block.
func (op Op) IsTerminator() bool {
	switch op {
	case OpJmp, OpJcc, OpRet:
		return true
	}
	return false
}

// IsStoreImm reports whether op stores an immediate to memory.
func (op Op) IsStoreImm() bool {
	switch op {
	case OpMov8mi, OpMov16mi, OpMov32mi, OpMov64mi32:
		return true
	}
	return false
}

// Arg is an instruction operand. Registers, memory references and
// immediates from golang.org/x/arch/x86/x86asm are valid operands, as are
// FrameRef, GlobalRef and Symbol.
type Arg interface {
	String() string
}

// FrameRef addresses a byte offset inside a frame slot of the current
// function. Slots are resolved to stack addresses by frame lowering.
type FrameRef struct {
	Slot   int
	Offset int64
}

func (f FrameRef) String() string {
	return fmt.Sprintf("[%%stack.%d+%d]", f.Slot, f.Offset)
}

// GlobalRef addresses a module-level global. PCRel selects
// position-independent addressing relative to the instruction pointer.
type GlobalRef struct {
	Global *Global
	PCRel  bool
}

func (g GlobalRef) String() string {
	if g.PCRel {
		return fmt.Sprintf("[rip+%s]", g.Global.Name)
	}
	return fmt.Sprintf("[%s]", g.Global.Name)
}

// Symbol names a statically resolved call target.
type Symbol string

func (s Symbol) String() string { return string(s) }

// MemFlags describes how an instruction accesses its memory operand.
type MemFlags uint8

// Memory access flags.
const (
	MemLoad MemFlags = 1 << iota
	MemStore
)

// MemOperand annotates the memory access of an instruction.
type MemOperand struct {
	Size  int64
	Align int64
	Flags MemFlags
}

// Linkage is the visibility of a function symbol.
type Linkage uint8

// Supported linkage kinds.
const (
	LinkageExternal Linkage = iota
	LinkageInternal
)

func (l Linkage) String() string {
	if l == LinkageInternal {
		return "internal"
	}
	return "external"
}

// CallInfo carries what is known about the target of a call instruction.
type CallInfo struct {
	Callee     string
	Linkage    Linkage
	Indirect   bool
	Variadic   bool
	MayRecurse bool
	TargetAddr uint64
}

// Inst is one machine instruction.
type Inst struct {
	Op           Op
	Args         []Arg
	Mem          *MemOperand
	ImplicitUses []x86asm.Reg
	ImplicitDefs []x86asm.Reg
	Call         *CallInfo

	// Raw is the decoded instruction when the function was lifted from
	// machine code. It takes over String.
	Raw  fmt.Stringer
	Addr uint64
}

// MayLoad reports whether the instruction reads its memory operand.
func (in *Inst) MayLoad() bool {
	return in.Mem != nil && in.Mem.Flags&MemLoad != 0
}

// MayStore reports whether the instruction writes its memory operand.
func (in *Inst) MayStore() bool {
	return in.Mem != nil && in.Mem.Flags&MemStore != 0
}

func (in *Inst) String() string {
	if in.Raw != nil {
		return in.Raw.String()
	}
	var b strings.Builder
	b.WriteString(in.Op.String())
	sep := " "
	for _, a := range in.Args {
		b.WriteString(sep)
		b.WriteString(a.String())
		sep = ", "
	}
	return b.String()
}

// Block is a basic block.
type Block struct {
	Label string
	Insts []*Inst
}

// FrameSlot is a stack-allocated object of a function's activation record.
type FrameSlot struct {
	Size  int64
	Align int64

	// Spill marks a slot that instrumentation writes at entry before any
	// read of it. Frame zero-initialization leaves it alone.
	Spill bool
}

// Function is a compiled function body.
type Function struct {
	Name      string
	Linkage   Linkage
	Variadic  bool
	NumParams int
	Addr      uint64
	Blocks    []*Block
	Frame     []FrameSlot

	// UsesBasePointer is set when the function keeps a dedicated frame or
	// base register.
	UsesBasePointer bool
	Prologue        PrologueType
	CalleeSaved     []x86asm.Reg
}

// NewFrameSlot appends a frame slot and returns its index.
func (fn *Function) NewFrameSlot(size, align int64) int {
	fn.Frame = append(fn.Frame, FrameSlot{Size: size, Align: align})
	return len(fn.Frame) - 1
}

// Entry returns the entry block, or nil for an empty function.
func (fn *Function) Entry() *Block {
	if len(fn.Blocks) == 0 {
		return nil
	}
	return fn.Blocks[0]
}

// All iterates over every instruction together with its block.
func (fn *Function) All() iter.Seq2[*Block, *Inst] {
	return func(yield func(*Block, *Inst) bool) {
		for _, b := range fn.Blocks {
			for _, in := range b.Insts {
				if !yield(b, in) {
					return
				}
			}
		}
	}
}

// CountOp returns the number of instructions with the given operation.
func (fn *Function) CountOp(op Op) int {
	n := 0
	for _, in := range fn.All() {
		if in.Op == op {
			n++
		}
	}
	return n
}

// Module is a set of functions sharing a global symbol table.
type Module struct {
	Arch      Arch
	Functions []*Function

	globals map[string]*Global
	order   []*Global
}

// Global is a module-level data object. A nil Ref means zero-initialized
// storage; otherwise the object holds the address of Ref plus RefOffset.
type Global struct {
	Name      string
	Size      uint64
	Align     uint64
	Ref       *Global
	RefOffset uint64
}

// Global looks up a global by name.
func (m *Module) Global(name string) *Global {
	return m.globals[name]
}

// Function looks up a function by name.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Globals returns the globals in creation order.
func (m *Module) Globals() []*Global {
	return m.order
}

// GetOrCreateGlobal returns the global called name, creating it with the
// given layout when it does not exist yet.
func (m *Module) GetOrCreateGlobal(name string, size, align uint64, ref *Global, refOffset uint64) *Global {
	if g, ok := m.globals[name]; ok {
		return g
	}
	if m.globals == nil {
		m.globals = make(map[string]*Global)
	}
	g := &Global{Name: name, Size: size, Align: align, Ref: ref, RefOffset: refOffset}
	m.globals[name] = g
	m.order = append(m.order, g)
	return g
}

// Call builds a direct call. args lists the argument registers the call
// passes values in.
func Call(callee string, linkage Linkage, args ...x86asm.Reg) *Inst {
	return &Inst{
		Op:           OpCall,
		Args:         []Arg{Symbol(callee)},
		ImplicitUses: args,
		Call:         &CallInfo{Callee: callee, Linkage: linkage},
	}
}

// IndirectCall builds a register-indirect call through target.
func IndirectCall(target x86asm.Reg, args ...x86asm.Reg) *Inst {
	return &Inst{
		Op:           OpCall,
		Args:         []Arg{target},
		ImplicitUses: args,
		Call:         &CallInfo{Indirect: true},
	}
}

// Ret builds a return.
func Ret() *Inst {
	return &Inst{Op: OpRet}
}

// Push builds a register push.
func Push(r x86asm.Reg) *Inst {
	return &Inst{Op: OpPush, Args: []Arg{r}}
}

// Pop builds a register pop.
func Pop(r x86asm.Reg) *Inst {
	return &Inst{Op: OpPop, Args: []Arg{r}}
}

// Mov builds a register move of src, a register or an immediate, into dst.
func Mov(dst x86asm.Reg, src Arg) *Inst {
	return &Inst{Op: OpMov, Args: []Arg{dst, src}}
}

// AdjCallStackDown builds a call-frame setup reserving n bytes.
func AdjCallStackDown(n int64) *Inst {
	return &Inst{Op: OpAdjCallStackDown, Args: []Arg{x86asm.Imm(n)}}
}

// LoadFrame builds a size-byte load from a frame slot into dst.
func LoadFrame(dst x86asm.Reg, slot int, offset, size int64) *Inst {
	return &Inst{
		Op:   OpLoad,
		Args: []Arg{dst, FrameRef{Slot: slot, Offset: offset}},
		Mem:  &MemOperand{Size: size, Align: size, Flags: MemLoad},
	}
}

// StoreFrame builds a size-byte store of src into a frame slot.
func StoreFrame(slot int, offset, size int64, src x86asm.Reg) *Inst {
	return &Inst{
		Op:   OpStore,
		Args: []Arg{FrameRef{Slot: slot, Offset: offset}, src},
		Mem:  &MemOperand{Size: size, Align: size, Flags: MemStore},
	}
}

// LeaFrame builds an address computation of a frame slot offset into dst.
func LeaFrame(dst x86asm.Reg, slot int, offset int64) *Inst {
	return &Inst{
		Op:   OpLea,
		Args: []Arg{dst, FrameRef{Slot: slot, Offset: offset}},
	}
}
