package mitigo

import (
	"fmt"
	"strings"
)

// PostCallStrategy selects how the stack pointer is checked after a call.
type PostCallStrategy string

// Post-call strategies.
const (
	// PostCallBranchless compares the stack pointer with the canary and
	// conditionally moves zero into the preserved registers.
	PostCallBranchless PostCallStrategy = "branchless"

	// PostCallReload unconditionally reloads the stack pointer from the
	// canary cell.
	PostCallReload PostCallStrategy = "reload"
)

// Category names accepted by ParseCategories.
const (
	CategoryFunctionPrivateStack = "fps"
	CategoryPreCallHardening     = "prech"
	CategoryPostCallHardening    = "postch"
	CategoryFrameZeroInit        = "stackinit"
	CategoryRestrictCalleeSaved  = "ncsrs"
	CategoryFenceExternalCalls   = "extfence"
	CategoryHeapZeroInit         = "heapinit"
)

// Config is the resolved set of enabled mitigation categories. It is built
// once per compilation unit and not modified while a pass runs.
type Config struct {
	FunctionPrivateStack bool
	PreCallHardening     bool
	PostCallHardening    bool
	FrameZeroInit        bool
	RestrictCalleeSaved  bool

	// FenceExternalCalls and HeapZeroInit rewrite whole modules; Pass.Run
	// on a single function ignores them.
	FenceExternalCalls bool
	HeapZeroInit       bool

	InsertTrapAfterMitigation bool

	// StrictCallingConv fences the entry of functions that may read
	// arguments the caller never passed.
	StrictCallingConv bool

	PostCall PostCallStrategy
}

// ParseCategories enables the comma-separated categories in s on top of
// base.
func ParseCategories(base Config, s string) (Config, error) {
	c := base
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case CategoryFunctionPrivateStack:
			c.FunctionPrivateStack = true
		case CategoryPreCallHardening:
			c.PreCallHardening = true
		case CategoryPostCallHardening:
			c.PostCallHardening = true
		case CategoryFrameZeroInit:
			c.FrameZeroInit = true
		case CategoryRestrictCalleeSaved:
			c.RestrictCalleeSaved = true
		case CategoryFenceExternalCalls:
			c.FenceExternalCalls = true
		case CategoryHeapZeroInit:
			c.HeapZeroInit = true
		default:
			return base, fmt.Errorf("%w: unknown category %q", ErrInvalidConfig, name)
		}
	}
	return c, nil
}

// Any reports whether at least one mitigation is enabled.
func (c Config) Any() bool {
	return c.hardensCalls() || c.FrameZeroInit || c.rewritesModule()
}

func (c Config) rewritesModule() bool {
	return c.FenceExternalCalls || c.HeapZeroInit
}

func (c Config) hardensCalls() bool {
	return c.FunctionPrivateStack || c.PreCallHardening || c.PostCallHardening ||
		c.RestrictCalleeSaved || c.StrictCallingConv
}

func (c Config) postCall() PostCallStrategy {
	if c.PostCall == "" {
		return PostCallBranchless
	}
	return c.PostCall
}

// needsCanary reports whether call sites need a canary slot.
func (c Config) needsCanary() bool {
	return c.FunctionPrivateStack || (c.PostCallHardening && c.postCall() == PostCallReload)
}

// Validate rejects combinations the passes cannot honor on t.
func (c Config) Validate(t *Target) error {
	switch c.postCall() {
	case PostCallBranchless, PostCallReload:
	default:
		return fmt.Errorf("%w: unknown post-call strategy %q", ErrInvalidConfig, c.PostCall)
	}
	if c.PostCallHardening && c.postCall() == PostCallBranchless && !c.FunctionPrivateStack {
		return fmt.Errorf("%w: branchless post-call hardening requires function-private stacks", ErrInvalidConfig)
	}
	if t == nil {
		return fmt.Errorf("%w: no target", ErrInvalidConfig)
	}
	if c.PreCallHardening && t.Bits != 64 {
		return fmt.Errorf("%w: pre-call hardening is only available on 64-bit targets", ErrInvalidConfig)
	}
	if c.HeapZeroInit && t.Bits != 64 {
		return fmt.Errorf("%w: heap zero-initialization is only available on 64-bit targets", ErrInvalidConfig)
	}
	return nil
}
