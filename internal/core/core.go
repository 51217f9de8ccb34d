// Package core wires every pipeline stage together into the top-level
// Core/ThreadContext types and the run_cycle orchestration (spec.md §2,
// §4, §5).
//
// Grounded on SupraX.go's SUPRAXCore.Cycle for the single top-level
// "advance one cycle across every stage in a fixed order" entry point,
// generalized from its monolithic single-thread body into the per-phase,
// multi-thread, multi-cluster sequence spec.md §2 specifies.
package core

import (
	"github.com/suprax-arch/coresim/internal/cluster"
	"github.com/suprax-arch/coresim/internal/commit"
	"github.com/suprax-arch/coresim/internal/coreconfig"
	"github.com/suprax-arch/coresim/internal/corestate"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/fetch"
	"github.com/suprax-arch/coresim/internal/flush"
	"github.com/suprax-arch/coresim/internal/interlock"
	"github.com/suprax-arch/coresim/internal/iq"
	"github.com/suprax-arch/coresim/internal/issue"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/obslog"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rename"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/rrt"
	"github.com/suprax-arch/coresim/internal/smt"
	"github.com/suprax-arch/coresim/internal/unaligned"
	"github.com/suprax-arch/coresim/internal/uop"
)

// ThreadContext owns the per-thread state (spec.md §2: "each thread owns
// its own fetch pointer, ROB, LSQ, rename tables, and counters").
type ThreadContext struct {
	ID int

	ROB       *rob.ROB
	LSQ       *lsq.LSQ
	SpecRRT   *rrt.Table
	CommitRRT *rrt.Table
	FetchQ    *fetch.Queue
	FetchUnit *fetch.Unit
	Rename    *rename.Stage

	Host  extiface.HostContext
	BPred extiface.BranchPredictor

	running bool

	// InterruptPending is latched true at cycle start whenever the host
	// reports a pending event (spec.md §4.6/§7 "Interrupt: latched at cycle
	// start, honored only at the next committed EOM") and cleared by
	// commit.Cycle once it honors it.
	InterruptPending bool
}

// ExternalDeps bundles the collaborators every thread shares (spec.md §6).
type ExternalDeps struct {
	Mem     extiface.MemoryHierarchy
	BBCache extiface.BBCache
}

// Core owns every shared resource (spec.md §2: "the core exclusively owns
// all PRs, ROB entries, LSQ entries, and IQ slots"; §5 "Shared resources").
type Core struct {
	Cfg *coreconfig.Config
	ID  int

	Threads []*ThreadContext
	Files   map[prf.Class]*prf.File

	Clusters      *cluster.Set
	IQs           []*iq.IQ
	IssueRuntimes []*issue.Runtime

	Interlock *interlock.Buffer
	Unaligned *unaligned.Predictor
	Ext       ExternalDeps

	rr            *smt.RoundRobin
	watchdog      *smt.Watchdog
	log           *obslog.Logger
	hostsByThread map[int]extiface.HostContext

	// dispatchIdle counts consecutive cycles, per thread, with at least one
	// ready_to_dispatch entry and zero dispatches (spec.md "Deadlock
	// recovery"). It resets whenever a dispatch succeeds or the list empties.
	dispatchIdle []int
}

// New constructs a Core for cfg.Threads SMT thread contexts sharing cfg's
// resources. clusters describes the static functional-unit partitioning
// (SPEC_FULL.md §4 "per-cluster FU latency table"); callers build it from
// their own microarchitecture description.
func New(cfg *coreconfig.Config, id int, clusters *cluster.Set, hosts []extiface.HostContext, bpreds []extiface.BranchPredictor, ext ExternalDeps) *Core {
	c := &Core{
		Cfg:       cfg,
		ID:        id,
		Files:     make(map[prf.Class]*prf.File),
		Clusters:  clusters,
		Interlock: interlock.New(),
		Unaligned: unaligned.New(cfg.UnalignedPredictorSize),
		Ext:       ext,
		rr:        smt.NewRoundRobin(cfg.Threads),
		watchdog:  smt.NewWatchdog(cfg.Threads),
		log:       obslog.Default().With("core", id),
	}
	for _, class := range []prf.Class{prf.ClassInt, prf.ClassFP, prf.ClassStoreBuf, prf.ClassBranch} {
		c.Files[class] = prf.New(class, cfg.PhysRegFileSize)
	}

	c.IQs = make([]*iq.IQ, clusters.NumClusters())
	c.IssueRuntimes = make([]*issue.Runtime, clusters.NumClusters())
	for i, clusterCfg := range clusters.Clusters {
		c.IQs[i] = iq.New(cfg.IssueQueueSize, cfg.Threads)
		c.IssueRuntimes[i] = issue.NewRuntime(clusterCfg, c.IQs[i])
	}

	for t := 0; t < cfg.Threads; t++ {
		robB := rob.New(t, cfg.ROBSize, clusters.NumClusters())
		tc := &ThreadContext{
			ID:        t,
			ROB:       robB,
			LSQ:       lsq.New(cfg.LDQSize+cfg.STQSize, cfg.LDQSize, cfg.STQSize),
			SpecRRT:   rrt.New(prf.ClassInt),
			CommitRRT: rrt.New(prf.ClassInt),
			FetchQ:    fetch.NewQueue(cfg.FetchQueueSize),
			FetchUnit: fetch.NewUnit(t, hosts[t].EIP()),
			Host:      hosts[t],
			BPred:     bpreds[t],
			running:   true,
		}
		tc.FetchUnit.UnalignedPredictor = c.Unaligned
		tc.Rename = rename.NewStage(t, tc.FetchQ, tc.ROB, tc.LSQ, tc.SpecRRT, cfg.FrontendStages)
		c.Threads = append(c.Threads, tc)
	}
	c.hostsByThread = make(map[int]extiface.HostContext, len(c.Threads))
	for _, t := range c.Threads {
		c.hostsByThread[t.ID] = t.Host
	}
	c.dispatchIdle = make([]int, cfg.Threads)
	return c
}

// renameFiles adapts Core.Files (map[prf.Class]*prf.File) to rename.Files,
// which is the identical underlying type by construction.
func (c *Core) renameFiles() rename.Files { return rename.Files(c.Files) }

// flushView assembles the per-thread view flush/annul operate on.
func (c *Core) flushView(t *ThreadContext) flush.ThreadView {
	return flush.ThreadView{
		ThreadID: t.ID, Core: c.ID, ROB: t.ROB, LSQ: t.LSQ,
		SpecRRT: t.SpecRRT, CommitRRT: t.CommitRRT, Fetch: t.FetchUnit, FetchQ: t.FetchQ,
		IQs: c.IQs, BPred: t.BPred,
	}
}

func executableOn(clusters *cluster.Set, class uop.Class) uint64 {
	var mask uint64
	for i, cc := range clusters.Clusters {
		if cc.ExecutableOpMask&(1<<uint(class)) != 0 {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// advanceFrontend decrements cycles_left for every entry on the frontend
// list, promoting finished ones to ready_to_dispatch (spec.md §4.3 step 6,
// "Dispatch runs after the artificial frontend delay").
func advanceFrontend(r *rob.ROB) {
	var done []uint32
	r.Each(rob.ListID{Phase: rob.PhaseFrontend}, func(e *rob.Entry) bool {
		e.CyclesLeft--
		if e.CyclesLeft <= 0 {
			done = append(done, e.Idx)
		}
		return true
	})
	for _, idx := range done {
		r.Move(idx, rob.ListID{Phase: rob.PhaseReadyToDispatch})
	}
}

// RunCycle advances the core by one simulated cycle, performing every phase
// in the exact order spec.md §2 lists: commit -> writeback -> transfer ->
// TLB-walk clocking -> issue (per cluster) -> complete (per cluster) ->
// dispatch -> frontend delay -> rename -> fetch (priority order) ->
// issue-queue clocking -> advance round-robin.
func (c *Core) RunCycle() corestate.CycleResult {
	order := c.rr.Order()
	result := corestate.CycleResult{PerThread: make([]corestate.CommitResult, len(c.Threads))}

	// Latch any newly pending interrupt at cycle start (spec.md §4.6/§7);
	// commit honors it at the next committed EOM.
	for _, t := range c.Threads {
		if t.Host.CheckEvents() {
			t.InterruptPending = true
		}
	}

	// 1. Commit.
	for _, tid := range order {
		t := c.Threads[tid]
		res := commit.Cycle(c.Cfg.CommitWidth, commit.ThreadView{
			ROB: t.ROB, LSQ: t.LSQ, CommitRRT: t.CommitRRT, Files: c.Files,
			ThreadID: tid, Core: c.ID,
		}, commit.Deps{Host: t.Host, Lock: c.Interlock, BPred: t.BPred, InterruptPending: &t.InterruptPending})
		result.PerThread[tid] = res

		if c.watchdog.Tick(tid, res.Retired > 0) {
			c.log.Error("thread deadlocked: no commits within watchdog threshold")
			result.Exiting = true
		}
		if res.Outcome == corestate.CommitException || res.Outcome == corestate.CommitSMC {
			flush.Full(c.flushView(t), c.Files, c.Interlock, t.Host, c.Clusters.NumClusters())
			continue
		}
		if res.Redirect != nil {
			// A mispredict discovered at commit (spec.md §4.6 step 7): every
			// in-flight uop is younger than the committed branch and on the
			// wrong path. Full reseeds from the just-committed architectural
			// state and redirects fetch to eip, which commit set to the
			// actual target.
			flush.Full(c.flushView(t), c.Files, c.Interlock, t.Host, c.Clusters.NumClusters())
		}
	}

	// 2. Writeback.
	for _, tid := range order {
		t := c.Threads[tid]
		issue.Writeback(c.Cfg.WritebackWidth, t.ROB, c.Files)
	}

	// 3. Transfer (per cluster).
	for cid := range c.Clusters.Clusters {
		for _, tid := range order {
			t := c.Threads[tid]
			issue.Transfer(t.ROB, cid, tid, c.Cfg.MaxForwardingLatency, c.Clusters, c.IQs)
		}
	}

	// 4. TLB-walk clocking.
	for _, t := range c.Threads {
		issue.ClockTLBWalks(t.ROB, t.ID, c.IQs)
	}

	// 5. Issue (per cluster).
	threadViews := make(map[int]issue.ThreadView, len(c.Threads))
	for _, t := range c.Threads {
		threadViews[t.ID] = issue.ThreadView{ROB: t.ROB, LSQ: t.LSQ, Files: c.Files}
	}
	for cid, rt := range c.IssueRuntimes {
		rt.ResetFUs()
		for i := 0; i < c.Cfg.MaxIssueWidth; i++ {
			deps := issue.Deps{Hosts: c.hostsByThread, Mem: c.Ext.Mem, Lock: c.Interlock, IQs: c.IQs, Core: c.ID, Unaligned: c.Unaligned}
			res, ok := rt.IssueOne(threadViews, deps)
			if !ok {
				break
			}
			if res.Outcome == corestate.IssueNeedsRefetch {
				c.handleRefetch(cid, res)
			}
		}
	}

	// 6. Complete (per cluster).
	for cid := range c.Clusters.Clusters {
		for _, t := range c.Threads {
			issue.Complete(t.ROB, cid, c.Files)
		}
	}

	// 7. Dispatch.
	for _, tid := range order {
		t := c.Threads[tid]
		dispatched := rename.Dispatch(c.Cfg.DispatchWidth, t.ROB, c.renameFiles(), c.Clusters, c.IQs, tid,
			func(class uop.Class) uint64 { return executableOn(c.Clusters, class) })

		readyWaiting := t.ROB.Len(rob.ListID{Phase: rob.PhaseReadyToDispatch}) > 0
		if dispatched > 0 || !readyWaiting {
			c.dispatchIdle[tid] = 0
		} else {
			c.dispatchIdle[tid]++
			if c.dispatchIdle[tid] >= c.Cfg.DispatchDeadlockCountdown {
				c.log.With("thread", tid).Error("dispatch deadlock: selective flush")
				flush.Full(c.flushView(t), c.Files, c.Interlock, t.Host, c.Clusters.NumClusters())
				c.dispatchIdle[tid] = 0
			}
		}
	}

	// 8. Frontend delay.
	for _, t := range c.Threads {
		advanceFrontend(t.ROB)
	}

	// 9. Rename.
	for _, tid := range order {
		t := c.Threads[tid]
		t.Rename.Rename(c.Cfg.FrontendWidth, c.renameFiles())
	}

	// 10. Fetch, in ICOUNT priority order.
	statuses := make([]smt.ThreadStatus, len(c.Threads))
	for i, t := range c.Threads {
		statuses[i] = smt.ThreadStatus{
			ThreadID:       t.ID,
			FrontHalfCount: t.ROB.Len(rob.ListID{Phase: rob.PhaseFrontend}) + t.ROB.Len(rob.ListID{Phase: rob.PhaseReadyToDispatch}),
			Running:        t.running,
		}
	}
	fetchOrder := smt.ICOUNTOrder(statuses)
	portsAvailable := 1 // single-ported i-cache by default; callers needing banked ports extend this
	for _, tid := range fetchOrder {
		if portsAvailable <= 0 {
			break
		}
		t := c.Threads[tid]
		if !t.running {
			continue
		}
		t.FetchUnit.TakenBranchThisCycle = false
		deps := fetch.Deps{Host: t.Host, BBCache: c.Ext.BBCache, Mem: c.Ext.Mem, BPred: t.BPred}
		fetched := 0
		for fetched < c.Cfg.FetchWidth {
			res := t.FetchUnit.Step(deps, t.FetchQ)
			if res == fetch.StepFetched {
				fetched++
				continue
			}
			break
		}
		portsAvailable--
	}

	// 11. Issue-queue clocking is folded into Transfer's broadcast calls
	// above; there is no additional per-cycle bookkeeping the IQ itself
	// needs beyond what Broadcast/Issue already perform.

	// 12. Advance round-robin.
	c.rr.Advance()

	total := 0
	for _, r := range result.PerThread {
		total += r.Retired
	}
	if total > 0 {
		c.log.With("retired", total).Debug("cycle")
	}

	return result
}

// handleRefetch performs the spec.md §4.5 NEEDS_REFETCH reaction: annul
// everything younger than the mispredicted branch and redirect fetch, on
// the thread that actually issued the mispredicted branch (res.ThreadID).
func (c *Core) handleRefetch(clusterID int, res corestate.IssueResult) {
	t := c.Threads[res.ThreadID]
	flush.Annul(c.flushView(t), c.Files, c.Interlock, res.ROBIdx)
	t.FetchUnit.RedirectTo(res.RedirectRIP)
}
