package mitigo

import (
	"log/slog"

	"import.name/pan"
)

// Pass runs the Call-Site Hardener and then the Frame Zero-Initializer over
// functions of one compilation unit.
type Pass struct {
	Config  Config
	Target  *Target
	Oracle  RegisterOracle
	Globals GlobalAllocator

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	stats    Stats
	canaries *CanaryTable
	modules  map[*Module]*CanaryTable
}

// NewPass validates c against t and returns a pass allocating canary
// globals from globals.
func NewPass(c Config, t *Target, globals GlobalAllocator, logger *slog.Logger) (*Pass, error) {
	if err := c.Validate(t); err != nil {
		return nil, err
	}
	return &Pass{
		Config:  c,
		Target:  t,
		Oracle:  OperandOracle{},
		Globals: globals,
		Logger:  logger,
	}, nil
}

// Stats returns the counters accumulated over every run.
func (p *Pass) Stats() Stats {
	return p.stats
}

// Canaries returns the canary side-table allocating from p.Globals.
func (p *Pass) Canaries() *CanaryTable {
	if p.canaries == nil {
		p.canaries = NewCanaryTable(p.Globals, p.Target)
	}
	return p.canaries
}

// ModuleCanaries returns the canary side-table RunModule uses for m when the
// pass has no allocator of its own. Its globals live in m.
func (p *Pass) ModuleCanaries(m *Module) *CanaryTable {
	if ct, ok := p.modules[m]; ok {
		return ct
	}
	if p.modules == nil {
		p.modules = make(map[*Module]*CanaryTable)
	}
	ct := NewCanaryTable(m, p.Target)
	p.modules[m] = ct
	return ct
}

func (p *Pass) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Run hardens fn in place. An invariant violation aborts the run with an
// *InvariantError naming fn.
func (p *Pass) Run(fn *Function) (bool, error) {
	return p.run(fn, p.Canaries())
}

func (p *Pass) run(fn *Function, canaries *CanaryTable) (changed bool, err error) {
	defer func() { err = pan.Error(recover()) }()

	if !p.Config.Any() {
		return false, nil
	}

	oracle := p.Oracle
	if oracle == nil {
		oracle = OperandOracle{}
	}

	h := &Hardener{
		Config:   p.Config,
		Target:   p.Target,
		Oracle:   oracle,
		Canaries: canaries,
		Logger:   p.logger(),
		Stats:    &p.stats,
	}
	z := &FrameZeroInitializer{
		Config: p.Config,
		Target: p.Target,
		Logger: p.logger(),
		Stats:  &p.stats,
	}

	before := p.stats
	changed = h.Harden(fn)
	changed = z.Run(fn) || changed

	if changed {
		p.logger().Info("function hardened",
			"function", fn.Name,
			"mitigations", p.stats.Mitigations-before.Mitigations,
			"instructions", p.stats.Instructions-before.Instructions,
			"zerostores", p.stats.ZeroStores-before.ZeroStores)
	}
	return changed, nil
}

// RunModule rewrites m as a whole (external call fences, heap
// zero-initialization) and then runs the pass over every function of m. When
// the pass has no allocator of its own, canary globals are allocated in m.
// It stops at the first failing function.
func (p *Pass) RunModule(m *Module) (bool, error) {
	var canaries *CanaryTable
	if p.Globals != nil {
		canaries = p.Canaries()
	} else {
		canaries = p.ModuleCanaries(m)
	}

	changed, err := p.rewriteModule(m)
	if err != nil {
		return changed, err
	}
	for _, fn := range m.Functions {
		c, err := p.run(fn, canaries)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (p *Pass) rewriteModule(m *Module) (changed bool, err error) {
	defer func() { err = pan.Error(recover()) }()

	if p.Config.HeapZeroInit {
		z := &HeapZeroInitializer{Target: p.Target, Logger: p.logger(), Stats: &p.stats}
		changed = z.Run(m)
	}
	if p.Config.FenceExternalCalls {
		f := &ExternalCallFencer{Logger: p.logger(), Stats: &p.stats}
		changed = f.Run(m) || changed
	}
	return changed, nil
}
