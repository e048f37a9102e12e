package mitigo

import (
	"errors"
	"fmt"

	"import.name/pan"
)

// Configuration errors are returned when a Config is resolved.
var ErrInvalidConfig = errors.New("invalid mitigation configuration")

// Invariant violations abort the pass. They are reported wrapped in an
// InvariantError.
var (
	ErrUnsupportedWidth = errors.New("no store-immediate opcode for access width")
	ErrMissingCanary    = errors.New("canary slot unavailable")
	ErrTargetWidth      = errors.New("instrumentation not available for target width")
	ErrNoScratch        = errors.New("no dead scratch register after call")
	ErrConfigInvariant  = errors.New("configuration invariant violated")
)

// InvariantError identifies the function and the invariant a pass run
// violated.
type InvariantError struct {
	Func   string
	Err    error
	Detail string
}

func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Func, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Func, e.Err, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// fatal unwinds to the nearest recovering pass entry point.
func fatal(fn *Function, err error, format string, args ...any) {
	pan.Panic(&InvariantError{
		Func:   fn.Name,
		Err:    err,
		Detail: fmt.Sprintf(format, args...),
	})
}
