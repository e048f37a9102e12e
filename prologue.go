package mitigo

// Arch represents a CPU architecture.
type Arch string

// Supported architectures.
const (
	ArchAMD64 Arch = "amd64"
	Arch386   Arch = "386"
	ArchARM64 Arch = "arm64"
)

// PrologueType represents the shape of a lifted function's prologue. It
// decides whether the function counts as keeping a base pointer or adjusting
// the stack, which gates the canary save.
type PrologueType string

// Recognized x86 function prologue patterns.
const (
	PrologueNone           PrologueType = ""
	PrologueClassic        PrologueType = "classic"
	PrologueNoFramePointer PrologueType = "no-frame-pointer"
	ProloguePushOnly       PrologueType = "push-only"
	PrologueLEABased       PrologueType = "lea-based"
)

// Recognized ARM64 function prologue patterns.
const (
	PrologueSTPFramePair  PrologueType = "stp-frame-pair"
	PrologueSTRLRPreIndex PrologueType = "str-lr-preindex"
	PrologueSubSP         PrologueType = "sub-sp"
	PrologueSTPOnly       PrologueType = "stp-only"
)

// keepsFramePointer reports whether the prologue establishes a dedicated
// frame register.
func (p PrologueType) keepsFramePointer() bool {
	return p == PrologueClassic || p == PrologueSTPFramePair
}
