package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/maxgio92/mitigo"
	"import.name/confi"
)

type Config struct {
	Mitigation struct {
		Categories        string
		PostCall          string
		Trap              bool
		StrictCallingConv bool
	}

	Target struct {
		AVX              bool
		PrivateStackSize uint64
	}

	Log struct {
		Debug   bool
		Journal bool
	}
}

var c = new(Config)

func main() {
	c.Mitigation.PostCall = string(mitigo.PostCallBranchless)

	flag.Var(confi.FileReader(c), "f", "read a TOML configuration file")
	flag.Var(confi.Assigner(c), "c", "set a configuration key (path.to.key=value)")
	categories := flag.String("categories", "", "comma-separated mitigation categories (fps,prech,postch,stackinit,ncsrs,extfence,heapinit)")
	verbose := flag.Bool("v", false, "log every inserted mitigation")
	flag.Usage = confi.FlagUsage(nil, c)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose || c.Log.Debug {
		level = slog.LevelDebug
	}
	log, err := initLogging(c.Log.Journal, level)
	if err != nil {
		log.Error("journal initialization failed", "error", err)
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *categories != "" {
		c.Mitigation.Categories = *categories
	}

	if err := run(flag.Arg(0), log); err != nil {
		log.Error("hardening failed", "error", err)
		os.Exit(1)
	}
}

func run(path string, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := mitigo.LiftELF(f)
	if err != nil {
		return err
	}

	target, err := mitigo.TargetFor(m.Arch)
	if err != nil {
		return err
	}
	target.AVX = c.Target.AVX
	if c.Target.PrivateStackSize != 0 {
		target.PrivateStackSize = c.Target.PrivateStackSize
	}

	base := mitigo.Config{
		InsertTrapAfterMitigation: c.Mitigation.Trap,
		StrictCallingConv:         c.Mitigation.StrictCallingConv,
		PostCall:                  mitigo.PostCallStrategy(c.Mitigation.PostCall),
	}
	conf, err := mitigo.ParseCategories(base, c.Mitigation.Categories)
	if err != nil {
		return err
	}

	p, err := mitigo.NewPass(conf, target, m, log)
	if err != nil {
		return err
	}
	if _, err := p.RunModule(m); err != nil {
		return err
	}

	w := bufio.NewWriter(os.Stdout)
	for _, fn := range m.Functions {
		fmt.Fprintf(w, "%s:\t# %s, %d call sites\n", fn.Name, fn.Linkage, len(mitigo.CollectCallSites(fn)))
		for _, b := range fn.Blocks {
			fmt.Fprintf(w, "%s:\n", b.Label)
			for _, in := range b.Insts {
				fmt.Fprintf(w, "\t%s\n", in)
			}
		}
		fmt.Fprintln(w)
	}
	for _, g := range m.Globals() {
		switch {
		case g.Ref != nil && g.Size == 4:
			fmt.Fprintf(w, "%s:\t.long %s+%#x\n", g.Name, g.Ref.Name, g.RefOffset)
		case g.Ref != nil:
			fmt.Fprintf(w, "%s:\t.quad %s+%#x\n", g.Name, g.Ref.Name, g.RefOffset)
		default:
			fmt.Fprintf(w, "%s:\t.zero %#x\n", g.Name, g.Size)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := p.Stats()
	log.Info("binary hardened",
		"path", path,
		"functions", len(m.Functions),
		"mitigations", s.Mitigations,
		"instructions", s.Instructions,
		"fences", s.Fences,
		"zerostores", s.ZeroStores,
		"heapcalls", s.HeapCalls)
	return nil
}
