// Command coresim drives a standalone out-of-order pipeline core over a
// synthesized instruction stream and prints how many uops each thread
// retired; with --trace it also prints one line per committed uop.
//
// Grounded on no single teacher file (SupraX.go has no CLI of its own);
// the root-struct-plus-Run() shape follows the conventional
// alecthomas/kong idiom, which AKJUS-bsc-erigon's go.mod also pulls in.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/suprax-arch/coresim/internal/cluster"
	"github.com/suprax-arch/coresim/internal/coreconfig"
	"github.com/suprax-arch/coresim/internal/core"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/obslog"
	"github.com/suprax-arch/coresim/internal/refmodel/bbcache"
	"github.com/suprax-arch/coresim/internal/refmodel/bpred"
	"github.com/suprax-arch/coresim/internal/refmodel/hostcpu"
	"github.com/suprax-arch/coresim/internal/uop"
)

// CLI is the root kong command: run a fixed number of cycles over a
// synthesized trace and report how many uops retired per thread.
type CLI struct {
	Threads  int    `help:"SMT thread count." default:"2"`
	Cycles   int    `help:"Number of cycles to simulate." default:"10000"`
	MemSize  int    `help:"Backing memory size in bytes." default:"1048576"`
	StartRIP uint64 `help:"Architectural rip every thread starts at." default:"4096"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	Trace    bool   `help:"Print one line per committed uop (cycle, thread, uuid, rip)."`
}

func (c *CLI) Run() error {
	level := zerolog.InfoLevel
	switch c.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	obslog.SetDefault(obslog.New(&obslog.Config{Level: level, Output: os.Stderr}))

	cfg := coreconfig.Default().Apply(coreconfig.WithThreads(c.Threads))
	if err := cfg.Validate(); err != nil {
		return err
	}

	mem := hostcpu.NewMemory(c.MemSize)
	cacheModel := hostcpu.NewCache(mem)
	bbc := bbcache.New(straightLineSynth)

	hosts := make([]extiface.HostContext, c.Threads)
	bpreds := make([]extiface.BranchPredictor, c.Threads)
	for t := 0; t < c.Threads; t++ {
		hosts[t] = hostcpu.NewThread(mem, c.StartRIP)
		predictor := bpred.New()
		predictor.Init(0, t)
		bpreds[t] = predictor
	}

	cpu := core.New(cfg, 0, cluster.Default(), hosts, bpreds, core.ExternalDeps{
		Mem: cacheModel, BBCache: bbc,
	})

	retiredByThread := make([]int, c.Threads)
	for cycle := 0; cycle < c.Cycles; cycle++ {
		result := cpu.RunCycle()
		for tid, r := range result.PerThread {
			retiredByThread[tid] += r.Retired
			if c.Trace {
				for _, rec := range r.Log {
					fmt.Printf("cycle=%d thread=%d uuid=%d rip=%#x\n", cycle, tid, rec.FetchUUID, rec.RIP)
				}
			}
		}
		if result.Exiting {
			fmt.Fprintf(os.Stderr, "deadlock watchdog fired at cycle %d\n", cycle)
			break
		}
	}

	for t, n := range retiredByThread {
		fmt.Printf("thread %d: %d uops retired\n", t, n)
	}
	return nil
}

// straightLineSynth manufactures a single-uop block per rip: an integer
// uop with no register operands that simply advances rip by one byte.
// It stands in for a real x86 decoder, which is out of scope.
func straightLineSynth(rip uint64) ([]uop.Opcode, []uop.Uop, []uop.ExecFunc) {
	exec := func(operands [uop.MaxOperands]uint64) (uint64, uop.Exception) {
		return 0, uop.ExceptionNone
	}
	template := uop.Uop{Class: uop.ClassInt, Bytes: 1, Dest: uop.RegNone}
	return []uop.Opcode{0}, []uop.Uop{template}, []uop.ExecFunc{exec}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Name("coresim"), kong.Description("cycle-accurate out-of-order core simulator"))
	if err := ctx.Run(); err != nil {
		ctx.FatalIfErrorf(err)
	}
}
