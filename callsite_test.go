package mitigo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/mitigo"
)

func TestCollectCallSites(t *testing.T) {
	self := mitigo.Call("walk", mitigo.LinkageExternal)
	local := mitigo.Call("helper", mitigo.LinkageInternal)
	viaReg := mitigo.IndirectCall(x86asm.RAX)
	viaGOT := &mitigo.Inst{
		Op:   mitigo.OpCall,
		Args: []mitigo.Arg{x86asm.Mem{Base: x86asm.RIP, Disp: 0x2000}},
		Call: &mitigo.CallInfo{Indirect: true},
	}
	absolute := &mitigo.Inst{
		Op:   mitigo.OpCall,
		Args: []mitigo.Arg{x86asm.Mem{Disp: 0x401000}},
		Call: &mitigo.CallInfo{Indirect: true},
	}

	fn := &mitigo.Function{
		Name: "walk",
		Blocks: []*mitigo.Block{
			{Label: "entry", Insts: []*mitigo.Inst{local, self, {Op: mitigo.OpJcc}}},
			{Label: "tail", Insts: []*mitigo.Inst{viaReg, viaGOT, absolute, mitigo.Ret()}},
		},
	}

	sites := mitigo.CollectCallSites(fn)
	require.Len(t, sites, 5)
	assert.Equal(t, fn.CountOp(mitigo.OpCall), len(sites))

	tests := []struct {
		inst        *mitigo.Inst
		block       string
		index       int
		mayRecurse  bool
		localTarget bool
		mode        mitigo.AddressingMode
	}{
		{local, "entry", 0, false, true, mitigo.AddressingModePCRelative},
		{self, "entry", 1, true, false, mitigo.AddressingModePCRelative},
		{viaReg, "tail", 0, false, false, mitigo.AddressingModeRegisterIndirect},
		{viaGOT, "tail", 1, false, false, mitigo.AddressingModePCRelative},
		{absolute, "tail", 2, false, false, mitigo.AddressingModeAbsolute},
	}
	for i, tt := range tests {
		s := sites[i]
		assert.Same(t, tt.inst, s.Inst)
		assert.Equal(t, tt.block, s.Block.Label)
		assert.Equal(t, tt.index, s.Index)
		assert.Equal(t, tt.mayRecurse, s.MayRecurse, "site %d", i)
		assert.Equal(t, tt.localTarget, s.LocalTarget, "site %d", i)
		assert.Equal(t, tt.mode, s.Mode, "site %d", i)
	}
}

func TestCanaryTable(t *testing.T) {
	target := mitigo.NewTargetAMD64()
	m := &mitigo.Module{}
	ct := mitigo.NewCanaryTable(m, target)

	f := &mitigo.Function{Name: "f"}
	other := &mitigo.Function{Name: "f"}

	_, ok := ct.Lookup(f)
	assert.False(t, ok)

	s := ct.Slot(f)
	require.NotNil(t, s)
	assert.Same(t, s, ct.Slot(f), "slots are created once")

	assert.Equal(t, "__fps.f.stack", s.Stack.Name)
	assert.Equal(t, target.PrivateStackSize, s.Stack.Size)
	assert.Equal(t, target.PrivateStackAlign, s.Stack.Align)
	assert.Equal(t, "__fps.f.sp", s.Top.Name)
	assert.Equal(t, uint64(8), s.Top.Size)
	assert.Same(t, s.Stack, s.Top.Ref)
	assert.Equal(t, target.PrivateStackSize, s.Top.RefOffset, "top starts past the buffer")

	// A second function with the same name gets its own slot.
	s2 := ct.Slot(other)
	require.NotNil(t, s2)
	assert.NotSame(t, s.Top, s2.Top)
	assert.Equal(t, "__fps.f.1.sp", s2.Top.Name)

	got, ok := ct.Lookup(other)
	assert.True(t, ok)
	assert.Same(t, s2, got)
	assert.Len(t, m.Globals(), 4)
}

func TestCanaryTableSkipsForeignGlobals(t *testing.T) {
	target := mitigo.NewTargetAMD64()
	m := &mitigo.Module{}
	foreign := m.GetOrCreateGlobal("__fps.f.stack", 16, 8, nil, 0)
	m.GetOrCreateGlobal("__fps.f.1.stack", target.PrivateStackSize, target.PrivateStackAlign, nil, 0)
	m.GetOrCreateGlobal("__fps.f.1.sp", 8, 8, nil, 0)

	s := mitigo.NewCanaryTable(m, target).Slot(&mitigo.Function{Name: "f"})
	require.NotNil(t, s)
	assert.Equal(t, "__fps.f.2.stack", s.Stack.Name)
	assert.Equal(t, "__fps.f.2.sp", s.Top.Name)
	assert.Same(t, s.Stack, s.Top.Ref)
	assert.Same(t, foreign, m.Global("__fps.f.stack"), "foreign globals are left alone")
	assert.Equal(t, uint64(16), foreign.Size)
}

type conflictingAllocator struct{ m mitigo.Module }

func (a *conflictingAllocator) GetOrCreateGlobal(name string, size, align uint64, ref *mitigo.Global, refOffset uint64) *mitigo.Global {
	// Every global already exists as a one-byte object.
	return a.m.GetOrCreateGlobal(name, 1, 1, nil, 0)
}

func TestCanaryTableAllocatorMismatch(t *testing.T) {
	ct := mitigo.NewCanaryTable(&conflictingAllocator{}, mitigo.NewTargetAMD64())
	assert.Nil(t, ct.Slot(&mitigo.Function{Name: "f"}))

	assert.Nil(t, mitigo.NewCanaryTable(nil, mitigo.NewTargetAMD64()).Slot(&mitigo.Function{Name: "f"}))
}

func TestOperandOracle(t *testing.T) {
	var o mitigo.OperandOracle

	load := &mitigo.Inst{
		Op:   mitigo.OpLoad,
		Args: []mitigo.Arg{x86asm.EAX, x86asm.Mem{Base: x86asm.RSI, Index: x86asm.RCX, Scale: 8}},
		Mem:  &mitigo.MemOperand{Size: 4, Flags: mitigo.MemLoad},
	}
	assert.True(t, o.References(load, x86asm.RAX))
	assert.True(t, o.References(load, x86asm.ESI))
	assert.True(t, o.References(load, x86asm.CL))
	assert.False(t, o.References(load, x86asm.RDI))
	assert.True(t, o.Defines(load, x86asm.RAX))
	assert.False(t, o.Defines(load, x86asm.RSI))

	store := mitigo.StoreFrame(0, 0, 8, x86asm.RDX)
	assert.True(t, o.References(store, x86asm.RDX))
	assert.False(t, o.Defines(store, x86asm.RDX))

	call := mitigo.Call("f", mitigo.LinkageExternal, x86asm.EDI)
	call.ImplicitDefs = []x86asm.Reg{x86asm.RAX}
	assert.True(t, o.References(call, x86asm.RDI))
	assert.True(t, o.Defines(call, x86asm.EAX))
	assert.False(t, o.Defines(call, x86asm.RDI))

	pcrel := &mitigo.Inst{Op: mitigo.OpCmp64rm, Args: []mitigo.Arg{x86asm.RSP, mitigo.GlobalRef{Global: &mitigo.Global{Name: "g"}, PCRel: true}}}
	assert.True(t, o.References(pcrel, x86asm.RIP))
	assert.False(t, o.Defines(pcrel, x86asm.RSP))
}

func TestOverlaps(t *testing.T) {
	assert.True(t, mitigo.Overlaps(x86asm.RDI, x86asm.DIB))
	assert.True(t, mitigo.Overlaps(x86asm.R9L, x86asm.R9W))
	assert.True(t, mitigo.Overlaps(x86asm.EIP, x86asm.RIP))
	assert.False(t, mitigo.Overlaps(x86asm.RAX, x86asm.RDX))
	assert.False(t, mitigo.Overlaps(0, 0))
	assert.True(t, mitigo.Overlaps(x86asm.X3, x86asm.X3))
}
