package mitigo_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/mitigo"
)

const (
	demoAppSource = "testdata/demo-app.go"
	demoAppBinary = "demo-app"
)

func TestLiftProloguesAMD64(t *testing.T) {
	// AMD64 instruction encodings:
	// nop                       = 0x90
	// push rbp                  = 0x55
	// push rbx                  = 0x53
	// mov rbp, rsp              = 0x48 0x89 0xe5
	// sub rsp, 0x20             = 0x48 0x83 0xec 0x20
	// lea rsp, [rsp-0x20]       = 0x48 0x8d 0x64 0x24 0xe0
	// endbr64                   = 0xf3 0x0f 0x1e 0xfa

	tests := []struct {
		name     string
		code     []byte
		wantType mitigo.PrologueType
		wantBP   bool
	}{
		{
			name:     string(mitigo.PrologueClassic),
			code:     []byte{0x90, 0x55, 0x48, 0x89, 0xe5},
			wantType: mitigo.PrologueClassic,
			wantBP:   true,
		},
		{
			name:     string(mitigo.PrologueNoFramePointer),
			code:     []byte{0x48, 0x83, 0xec, 0x20},
			wantType: mitigo.PrologueNoFramePointer,
		},
		{
			// push rbx; sub rsp, 0x20
			name:     "no-frame-pointer-after-push",
			code:     []byte{0x53, 0x48, 0x83, 0xec, 0x20},
			wantType: mitigo.PrologueNoFramePointer,
		},
		{
			// push rbp; nop - push rbp not followed by mov rbp, rsp
			name:     string(mitigo.ProloguePushOnly),
			code:     []byte{0x55, 0x90},
			wantType: mitigo.ProloguePushOnly,
		},
		{
			name:     string(mitigo.PrologueLEABased),
			code:     []byte{0x48, 0x8d, 0x64, 0x24, 0xe0},
			wantType: mitigo.PrologueLEABased,
			wantBP:   true,
		},
		{
			name:     "endbr64",
			code:     []byte{0xf3, 0x0f, 0x1e, 0xfa, 0x55, 0x48, 0x89, 0xe5},
			wantType: mitigo.PrologueClassic,
			wantBP:   true,
		},
		{
			name:     "EmptyNil",
			code:     nil,
			wantType: mitigo.PrologueNone,
		},
		{
			// Garbage bytes that should not match any prologue pattern.
			name:     "InvalidBytes",
			code:     []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe},
			wantType: mitigo.PrologueNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := mitigo.Lift(tt.code, 0x1000, mitigo.ArchAMD64)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, fn.Prologue)
			assert.Equal(t, tt.wantBP, fn.UsesBasePointer)
			assert.Equal(t, uint64(0x1000), fn.Addr)
		})
	}
}

func TestLiftCallSitesAMD64(t *testing.T) {
	code := []byte{
		0x55,             // 0x1000 push rbp
		0x48, 0x89, 0xe5, // 0x1001 mov rbp, rsp
		0xbf, 0x01, 0x00, 0x00, 0x00, // 0x1004 mov edi, 1
		0xe8, 0x00, 0x00, 0x00, 0x00, // 0x1009 call 0x100e
		0xff, 0xd0, // 0x100e call rax
		0x5d, // 0x1010 pop rbp
		0xc3, // 0x1011 ret
	}

	fn, err := mitigo.Lift(code, 0x1000, mitigo.ArchAMD64)
	require.NoError(t, err)
	require.Len(t, fn.Blocks, 1)
	assert.Len(t, fn.Blocks[0].Insts, 7)

	sites := mitigo.CollectCallSites(fn)
	require.Len(t, sites, 2)

	direct := sites[0]
	assert.Equal(t, uint64(0x1009), direct.Inst.Addr)
	assert.False(t, direct.Inst.Call.Indirect)
	assert.Equal(t, uint64(0x100e), direct.Inst.Call.TargetAddr)
	assert.Equal(t, mitigo.AddressingModePCRelative, direct.Mode)
	assert.Contains(t, direct.Inst.ImplicitUses, x86asm.RDI, "edi is written before the call")

	indirect := sites[1]
	assert.True(t, indirect.Inst.Call.Indirect)
	assert.Equal(t, mitigo.AddressingModeRegisterIndirect, indirect.Mode)
	assert.NotContains(t, indirect.Inst.ImplicitUses, x86asm.RDI)

	t.Run("harden", func(t *testing.T) {
		c, err := mitigo.ParseCategories(mitigo.Config{}, "fps,prech,postch")
		require.NoError(t, err)
		p, m := newPass(t, c, mitigo.NewTargetAMD64())

		_, err = p.Run(fn)
		require.NoError(t, err)
		assert.Equal(t, 2, fn.CountOp(mitigo.OpCall))
		assert.NotNil(t, m.Global("__fps.sub_1000.sp"))

		insts := fn.Blocks[0].Insts
		for i, in := range insts {
			if in != direct.Inst {
				continue
			}
			for _, prev := range insts[:i] {
				if prev.Op == mitigo.OpXor64rr {
					assert.NotEqual(t, x86asm.RDI, prev.Args[0], "argument register zeroed before use")
				}
			}
		}
		// The post-call scratch register must not be one the call returns in.
		for _, in := range insts {
			if in.Op == mitigo.OpXor64rr && in.Raw == nil {
				assert.NotEqual(t, x86asm.RAX, in.Args[0])
				assert.NotEqual(t, x86asm.RDX, in.Args[0])
			}
		}
	})
}

func TestLiftBlocks(t *testing.T) {
	code := []byte{
		0x31, 0xc0, // 0x0 xor eax, eax
		0x74, 0x02, // 0x2 je 0x6
		0x90,       // 0x4 nop
		0x90,       // 0x5 nop
		0xc3,       // 0x6 ret
		0xeb, 0x40, // 0x7 jmp out of range
	}

	fn, err := mitigo.Lift(code, 0, mitigo.ArchAMD64)
	require.NoError(t, err)

	var labels []string
	var sizes []int
	for _, b := range fn.Blocks {
		labels = append(labels, b.Label)
		sizes = append(sizes, len(b.Insts))
	}
	assert.Equal(t, []string{"0x0", "0x4", "0x6", "0x7"}, labels)
	assert.Equal(t, []int{2, 2, 1, 1}, sizes)
	assert.Equal(t, 1, fn.CountOp(mitigo.OpJcc))
	assert.Equal(t, 1, fn.CountOp(mitigo.OpJmp))
}

func TestLiftSelfCall(t *testing.T) {
	// call 0x2000; ret
	code := []byte{0xe8, 0xfb, 0xff, 0xff, 0xff, 0xc3}

	fn, err := mitigo.Lift(code, 0x2000, mitigo.ArchAMD64)
	require.NoError(t, err)

	sites := mitigo.CollectCallSites(fn)
	require.Len(t, sites, 1)
	assert.True(t, sites[0].MayRecurse)
	assert.Equal(t, fn.Name, sites[0].Inst.Call.Callee)
}

func TestLift386(t *testing.T) {
	// push ebp; mov ebp, esp; call +0; pop ebp; ret
	code := []byte{0x55, 0x89, 0xe5, 0xe8, 0x00, 0x00, 0x00, 0x00, 0x5d, 0xc3}

	fn, err := mitigo.Lift(code, 0x8000, mitigo.Arch386)
	require.NoError(t, err)
	assert.Equal(t, mitigo.PrologueClassic, fn.Prologue)

	sites := mitigo.CollectCallSites(fn)
	require.Len(t, sites, 1)
	assert.Equal(t, uint64(0x8008), sites[0].Inst.Call.TargetAddr)
	assert.Contains(t, sites[0].Inst.ImplicitDefs, x86asm.EAX)
}

func TestLiftProloguesARM64(t *testing.T) {
	// ARM64 instruction encodings (little-endian):
	stpX29X30 := uint32(0xa9bf7bfd) // stp x29, x30, [sp, #-16]!
	movX29SP := uint32(0x910003fd)  // mov x29, sp
	subSP := uint32(0xd10083ff)     // sub sp, sp, #0x20
	strX30 := uint32(0xf81e0ffe)    // str x30, [sp, #-32]!
	nop := uint32(0xd503201f)       // nop

	tests := []struct {
		name     string
		code     []byte
		wantType mitigo.PrologueType
		wantBP   bool
	}{
		{
			name:     string(mitigo.PrologueSTPFramePair),
			code:     arm64Insn(stpX29X30, movX29SP),
			wantType: mitigo.PrologueSTPFramePair,
			wantBP:   true,
		},
		{
			name:     string(mitigo.PrologueSTRLRPreIndex),
			code:     arm64Insn(strX30),
			wantType: mitigo.PrologueSTRLRPreIndex,
		},
		{
			name:     string(mitigo.PrologueSubSP),
			code:     arm64Insn(subSP),
			wantType: mitigo.PrologueSubSP,
		},
		{
			// stp x29, x30, [sp, #-16]! followed by nop (not mov x29, sp)
			name:     string(mitigo.PrologueSTPOnly),
			code:     arm64Insn(stpX29X30, nop),
			wantType: mitigo.PrologueSTPOnly,
		},
		{
			name:     "ARM64_EmptySlice",
			code:     []byte{},
			wantType: mitigo.PrologueNone,
		},
		{
			name:     "ARM64_InvalidBytes",
			code:     []byte{0xde, 0xad, 0xbe, 0xef},
			wantType: mitigo.PrologueNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := mitigo.Lift(tt.code, 0, mitigo.ArchARM64)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, fn.Prologue)
			assert.Equal(t, tt.wantBP, fn.UsesBasePointer)
		})
	}
}

func TestLiftCallSitesARM64(t *testing.T) {
	code := arm64Insn(
		0xa9bf7bfd, // 0x0 stp x29, x30, [sp, #-16]!
		0x910003fd, // 0x4 mov x29, sp
		0x94000002, // 0x8 bl 0x10
		0xd63f0020, // 0xc blr x1
		0xd65f03c0, // 0x10 ret
	)

	fn, err := mitigo.Lift(code, 0x4000, mitigo.ArchARM64)
	require.NoError(t, err)

	sites := mitigo.CollectCallSites(fn)
	require.Len(t, sites, 2)
	assert.Equal(t, uint64(0x4010), sites[0].Inst.Call.TargetAddr)
	assert.Equal(t, mitigo.AddressingModePCRelative, sites[0].Mode)
	assert.True(t, sites[1].Inst.Call.Indirect)
	assert.Equal(t, mitigo.AddressingModeRegisterIndirect, sites[1].Mode)
	assert.Equal(t, 1, fn.CountOp(mitigo.OpRet))

	_, err = mitigo.TargetFor(mitigo.ArchARM64)
	assert.Error(t, err, "arm64 functions are lifted but not hardened")
}

func TestLift_UnsupportedArch(t *testing.T) {
	_, err := mitigo.Lift([]byte{0x00}, 0, mitigo.Arch("mips"))
	require.Error(t, err)
}

func TestLiftELF_Go(t *testing.T) {
	tests := []struct {
		name      string
		goarch    string
		buildArgs []string
		wantArch  mitigo.Arch
		minCounts map[mitigo.PrologueType]int
	}{
		{
			name:     "amd64/optimized",
			goarch:   "amd64",
			wantArch: mitigo.ArchAMD64,
			minCounts: map[mitigo.PrologueType]int{
				mitigo.PrologueClassic: 1,
			},
		},
		{
			name:      "amd64/unoptimized",
			goarch:    "amd64",
			buildArgs: []string{"-gcflags=all=-N -l"},
			wantArch:  mitigo.ArchAMD64,
			minCounts: map[mitigo.PrologueType]int{
				mitigo.PrologueClassic: 1,
			},
		},
		{
			name:     "arm64/optimized",
			goarch:   "arm64",
			wantArch: mitigo.ArchARM64,
			minCounts: map[mitigo.PrologueType]int{
				mitigo.PrologueSTRLRPreIndex: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binPath := filepath.Join(t.TempDir(), demoAppBinary)
			args := append([]string{"build", "-o", binPath}, tt.buildArgs...)
			args = append(args, demoAppSource)

			cmd := exec.Command("go", args...)
			cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOARCH="+tt.goarch)
			out, err := cmd.CombinedOutput()
			require.NoError(t, err, "failed to compile demo-app:\n%s", out)

			f, err := os.Open(binPath)
			require.NoError(t, err)
			defer f.Close()

			m, err := mitigo.LiftELF(f)
			require.NoError(t, err)
			assert.Equal(t, tt.wantArch, m.Arch)
			require.NotEmpty(t, m.Functions)

			byName := make(map[string]*mitigo.Function)
			counts := make(map[mitigo.PrologueType]int)
			for _, fn := range m.Functions {
				byName[fn.Name] = fn
				counts[fn.Prologue]++
			}
			t.Logf("total functions: %d, by prologue: %v", len(m.Functions), counts)

			for typ, min := range tt.minCounts {
				assert.GreaterOrEqual(t, counts[typ], min, "%s prologues", typ)
			}

			mainFn := byName["main.main"]
			require.NotNil(t, mainFn)
			var callees []string
			for _, s := range mitigo.CollectCallSites(mainFn) {
				if s.Inst.Call != nil {
					callees = append(callees, s.Inst.Call.Callee)
				}
			}
			assert.Contains(t, callees, "main.greet")

			if tt.wantArch != mitigo.ArchAMD64 {
				return
			}

			target, err := mitigo.TargetFor(m.Arch)
			require.NoError(t, err)
			c, err := mitigo.ParseCategories(mitigo.Config{}, "fps,prech,postch,stackinit")
			require.NoError(t, err)
			p, err := mitigo.NewPass(c, target, nil, nil)
			require.NoError(t, err)

			calls := make(map[*mitigo.Function]int, len(m.Functions))
			for _, fn := range m.Functions {
				calls[fn] = fn.CountOp(mitigo.OpCall)
			}
			changed, err := p.RunModule(m)
			require.NoError(t, err)
			assert.True(t, changed)
			for _, fn := range m.Functions {
				assert.Equal(t, calls[fn], fn.CountOp(mitigo.OpCall), fn.Name)
			}
			assert.NotNil(t, m.Global("__fps.main.main.sp"))
		})
	}
}

func TestLiftELF_InvalidReader(t *testing.T) {
	r := bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03})
	_, err := mitigo.LiftELF(r)
	require.Error(t, err)
}

// arm64Insn encodes ARM64 instructions as little-endian bytes.
func arm64Insn(insns ...uint32) []byte {
	buf := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(buf[i*4:], insn)
	}
	return buf
}
