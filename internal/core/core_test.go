package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suprax-arch/coresim/internal/cluster"
	"github.com/suprax-arch/coresim/internal/coreconfig"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/refmodel/bbcache"
	"github.com/suprax-arch/coresim/internal/refmodel/bpred"
	"github.com/suprax-arch/coresim/internal/refmodel/hostcpu"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/uop"
)

func smallConfig() *coreconfig.Config {
	return &coreconfig.Config{
		Threads:                   1,
		IssueQueueSize:            4,
		ROBSize:                   8,
		LDQSize:                   2,
		STQSize:                   2,
		FetchQueueSize:            4,
		PhysRegFileSize:           16,
		FetchWidth:                2,
		FrontendWidth:             2,
		DispatchWidth:             2,
		MaxIssueWidth:             2,
		WritebackWidth:            2,
		CommitWidth:               2,
		FrontendStages:            1,
		MaxForwardingLatency:      1,
		DispatchDeadlockCountdown: 256,
		UnalignedPredictorSize:    4,
		NumClusters:               2,
	}
}

func TestAdvanceFrontendPromotesOnlyExpiredEntries(t *testing.T) {
	r := rob.New(0, 4, 1)
	done, _ := r.Alloc()
	done.CyclesLeft = 1
	pending, _ := r.Alloc()
	pending.CyclesLeft = 2

	advanceFrontend(r)

	require.Equal(t, 1, r.Len(rob.ListID{Phase: rob.PhaseReadyToDispatch}))
	require.Equal(t, 1, r.Len(rob.ListID{Phase: rob.PhaseFrontend}))
	require.EqualValues(t, done.Idx, r.Head(rob.ListID{Phase: rob.PhaseReadyToDispatch}).Idx, "only the entry whose delay elapsed promotes")
	require.EqualValues(t, 1, pending.CyclesLeft, "the still-pending entry's countdown already ticked once")
}

func TestExecutableOnMatchesDefaultClusterMask(t *testing.T) {
	clusters := cluster.Default()
	intMask := executableOn(clusters, uop.ClassInt)
	require.Equal(t, uint64(0b11), intMask, "both default clusters execute int uops")

	fpMask := executableOn(clusters, uop.ClassFP)
	require.Equal(t, uint64(0b10), fpMask, "only cluster 1 executes fp uops")
}

func oneUopSynth(rip uint64) ([]uop.Opcode, []uop.Uop, []uop.ExecFunc) {
	tmpl := uop.Uop{
		Class: uop.ClassInt,
		Dest:  uop.RegRAX,
		Bytes: 1,
	}
	exec := func(operands [uop.MaxOperands]uint64) (uint64, uop.Exception) {
		return 0x42, uop.ExceptionNone
	}
	return []uop.Opcode{1}, []uop.Uop{tmpl}, []uop.ExecFunc{exec}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())

	mem := hostcpu.NewMemory(4096)
	host := hostcpu.NewThread(mem, 0x1000)
	cache := hostcpu.NewCache(mem)
	bb := bbcache.New(oneUopSynth)
	pred := bpred.New()

	return New(cfg, 0, cluster.Default(),
		[]extiface.HostContext{host},
		[]extiface.BranchPredictor{pred},
		ExternalDeps{Mem: cache, BBCache: bb})
}

func TestNewWiresPerThreadAndSharedState(t *testing.T) {
	c := newTestCore(t)

	require.Len(t, c.Threads, 1)
	require.Len(t, c.IQs, 2)
	require.Len(t, c.IssueRuntimes, 2)
	for _, class := range []prf.Class{prf.ClassInt, prf.ClassFP, prf.ClassStoreBuf, prf.ClassBranch} {
		require.NotNil(t, c.Files[class])
	}
	require.EqualValues(t, 0x1000, c.Threads[0].FetchUnit.FetchRIP)
}

func TestRunCycleEventuallyCommitsASingleUopProgram(t *testing.T) {
	c := newTestCore(t)

	committed := 0
	for cycle := 0; cycle < 32 && committed == 0; cycle++ {
		res := c.RunCycle()
		require.False(t, res.Exiting, "a single-uop program must not trip the deadlock watchdog")
		committed += res.PerThread[0].Retired
	}

	require.Greater(t, committed, 0, "the synthesized program must commit at least one uop within 32 cycles")
	require.Greater(t, c.Threads[0].FetchUnit.FetchRIP, uint64(0x1000), "fetch must have advanced past the first uop")
}
