// Package issue implements per-cluster issue, complete, transfer, and
// writeback (spec.md §4.5).
//
// Grounded on proto/ooo/ooo.go's OoOScheduler.ScheduleCycle0/1/Complete
// three-phase split, generalized from its single in-order-issue-per-cycle
// toy model to per-cluster FU acquisition, intercluster forwarding, and the
// load/store address-generation paths spec.md adds.
package issue

import (
	"github.com/suprax-arch/coresim/internal/cluster"
	"github.com/suprax-arch/coresim/internal/corestate"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/interlock"
	"github.com/suprax-arch/coresim/internal/iq"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/uop"
)

// UnalignedPredictor is the subset of unaligned.Predictor issue needs: the
// shared per-core table's Predict call happens at fetch (internal/fetch),
// Update happens here once the real access address is known.
type UnalignedPredictor interface {
	Update(rip, physFrame uint64, wasUnaligned bool)
}

// dtlbWalkLevels mirrors internal/fetch's four-level ITLB walk: a DTLB miss
// at issue parks the entry on PhaseTLBMiss for this many ClockTLBWalks
// ticks before it's eligible to reissue (spec.md §4.5 Testable Scenario #5).
const dtlbWalkLevels = 4

// FUNameFor maps a uop class to the functional-unit type that executes it
// (SPEC_FULL.md §4 "per-cluster FU latency table"). Clusters that don't
// stock a given FU simply never have it selected by cluster.Select's
// executable-mask intersection.
func FUNameFor(c uop.Class) string {
	switch c {
	case uop.ClassFP:
		return "fpu"
	case uop.ClassLoad, uop.ClassStore:
		return "lsu"
	case uop.ClassBranch:
		return "bru"
	default:
		return "alu"
	}
}

// Runtime is one cluster's issue-time state: its static config, its issue
// queue, and the per-cycle functional-unit availability mask (spec.md §5
// "fu_avail is re-set each cycle to all available").
type Runtime struct {
	ID      int
	Cfg     cluster.Config
	IQ      *iq.IQ
	fuAvail map[string]int

	// lastIssued threads the previous Issue call's slot through the cycle
	// (the spec's issue(prev) contract); reset each cycle by ResetFUs.
	lastIssued int
}

// NewRuntime constructs a cluster's issue runtime.
func NewRuntime(cfg cluster.Config, q *iq.IQ) *Runtime {
	return &Runtime{ID: cfg.ID, Cfg: cfg, IQ: q, fuAvail: make(map[string]int), lastIssued: -1}
}

// ResetFUs re-arms every functional unit for the new cycle.
func (r *Runtime) ResetFUs() {
	for _, fu := range r.Cfg.FUs {
		r.fuAvail[fu.Name] = fu.Count
	}
	r.lastIssued = -1
}

// ThreadView bundles the per-thread state issue needs: its ROB, its LSQ
// (memory uops only), and the PRF views keyed by class.
type ThreadView struct {
	ROB   *rob.ROB
	LSQ   *lsq.LSQ
	Files map[prf.Class]*prf.File
}

// Deps bundles the external collaborators a load issue may need. Hosts is
// keyed by thread id: issueMemory must translate against the issuing uop's
// own thread, not whichever thread happened to be first in this cycle's
// ICOUNT order, since a cluster's IQ mixes uops from every SMT thread.
type Deps struct {
	Hosts map[int]extiface.HostContext
	Mem   extiface.MemoryHierarchy
	Lock  *interlock.Buffer
	// IQs lets a MISSPECULATED outcome redispatch a dependent cone that may
	// span any cluster, not just this Runtime's own (spec.md §4.5).
	IQs []*iq.IQ
	// Core is this core's id, carried into interlock.Owner so a locked
	// load's TryAcquire and its matching store's commit-time Release/
	// HeldByOther (internal/commit) construct an identical Owner value.
	Core int
	// Unaligned, when non-nil, is trained with each memory access's actual
	// alignment outcome; fetch consults the same table to predict splits.
	Unaligned UnalignedPredictor
}

func ready(s prf.State) bool {
	return s == prf.StateBypass || s == prf.StateWritten || s == prf.StateArch
}

// IssueOne pulls one ready slot from r's IQ and attempts to issue it,
// following spec.md §4.5. threads maps thread id to that thread's view.
// Returns (result, true) if a slot was pulled at all (even a NEEDS_REPLAY
// or NO_FU outcome counts, since it consumed this call's issue-width slot,
// per spec.md "up to cluster.issue_width uops are pulled from the ready
// pool").
func (r *Runtime) IssueOne(threads map[int]ThreadView, deps Deps) (corestate.IssueResult, bool) {
	slotIdx, ok := r.IQ.Issue(r.lastIssued)
	if !ok {
		return corestate.IssueResult{}, false
	}
	r.lastIssued = slotIdx
	slot := r.IQ.Slot(slotIdx)
	threadID := slot.ThreadID
	robIdx := slot.UopTag.ROBIdx()
	tv := threads[threadID]
	e := tv.ROB.Get(robIdx)

	fuName := FUNameFor(e.Uop.Class)
	if r.fuAvail[fuName] <= 0 {
		r.IQ.Replay(slotIdx)
		return corestate.IssueResult{Outcome: corestate.IssueNoFU, ROBIdx: robIdx, ThreadID: threadID}, true
	}

	var operands [uop.MaxOperands]uint64
	for i, used := range e.OperandUsed {
		if !used {
			continue
		}
		pr := tv.Files[prf.Class(e.OperandFile[i])].Get(e.OperandPhys[i])
		if !ready(pr.State) {
			r.IQ.Replay(slotIdx)
			return corestate.IssueResult{Outcome: corestate.IssueNeedsReplay, ROBIdx: robIdx, ThreadID: threadID}, true
		}
		operands[i] = pr.Data
	}

	destPR := tv.Files[prf.Class(e.DestFile)].Get(e.DestPhys)

	if e.Uop.Class == uop.ClassLoad || e.Uop.Class == uop.ClassStore {
		outcome := r.issueMemory(e, tv, deps.Hosts[threadID], deps, operands)
		outcome.ThreadID = threadID
		switch outcome.Outcome {
		case corestate.IssueNeedsReplay, corestate.IssueNoFU:
			if e.List().Phase == rob.PhaseTLBMiss {
				// Parked for the DTLB walk: the slot stays issued so it can't
				// re-compete until ClockTLBWalks replays it at walk completion.
				return outcome, true
			}
			r.IQ.Replay(slotIdx)
			return outcome, true
		case corestate.IssueMisspeculated:
			// e lost the interlock race and produced no valid data: it and
			// anything downstream already reading its stale operand tag
			// must redispatch (spec.md §4.5 "predicted store/load aliasing
			// failures, locked memory conflicts").
			Misspeculate(tv.ROB, tv.Files, deps.IQs, threadID, robIdx, true)
			return outcome, true
		}
		r.fuAvail[fuName]--
		if e.Uop.Class == uop.ClassLoad && e.LSQIdx >= 0 {
			lsqEntry := tv.LSQ.Get(uint32(e.LSQIdx))
			destPR.Data = lsqEntry.Data
		}
	} else {
		r.fuAvail[fuName]--
		result, exc := e.Uop.Exec(operands)
		destPR.Data = result
		if exc != uop.ExceptionNone {
			destPR.FlagInvalid = true
		}
	}

	misspeculatedConsumers := false
	if e.Uop.IsBranch && e.Uop.EOM {
		mispredicted := e.Uop.PredTarget != 0 && destPR.Data != e.Uop.PredTarget && e.Uop.PredTaken
		if mispredicted && !e.Uop.IsIndirect {
			// The branch itself is on the committed path: finish its PR so
			// commit can retire it, and record the corrected target so the
			// commit-time verification agrees with the redirect issued here.
			e.Uop.PredTarget = destPR.Data
			destFile := tv.Files[prf.Class(e.DestFile)]
			destFile.CompleteExec(e.DestPhys)
			destFile.Writeback(e.DestPhys)
			tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})
			r.IQ.Release(slotIdx)
			return corestate.IssueResult{Outcome: corestate.IssueNeedsRefetch, ROBIdx: robIdx, ThreadID: threadID, RedirectRIP: destPR.Data}, true
		}
		if mispredicted && e.Uop.IsIndirect {
			// Direction (taken) was committed to correctly; only the
			// data-dependent target differed (spec.md §4.5 "mispredicted-
			// but-committed-path branches"). e's own resolved target is
			// already correct below, so only its consumers — which may have
			// been dispatched against the stale predicted value — redispatch.
			Misspeculate(tv.ROB, tv.Files, deps.IQs, threadID, robIdx, false)
			misspeculatedConsumers = true
		}
	}

	e.FUAssigned = 1
	e.Issued = true
	e.CyclesLeft = fuLatency(r.Cfg, fuName)
	tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseIssued, Cluster: r.ID})
	// Once issued the uop no longer occupies an IQ slot (spec.md §3's
	// occupies-an-issue-queue-slot list bit is clear from issued onward);
	// wakeup broadcasts key on the producer tag, not the slot.
	r.IQ.Release(slotIdx)
	if misspeculatedConsumers {
		return corestate.IssueResult{Outcome: corestate.IssueMisspeculated, ROBIdx: robIdx, ThreadID: threadID}, true
	}
	return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: robIdx, ThreadID: threadID}, true
}

func fuLatency(cfg cluster.Config, name string) int {
	for _, fu := range cfg.FUs {
		if fu.Name == name {
			return fu.Latency
		}
	}
	return 1
}

// issueMemory performs address generation and, for loads, forwarding/cache
// lookup; for stores, staging into the LSQ (spec.md §4.5 "Loads perform
// address generation at issue..."). host is the issuing uop's own thread's
// HostContext, already resolved by the caller from deps.Hosts.
func (r *Runtime) issueMemory(e *rob.Entry, tv ThreadView, host extiface.HostContext, deps Deps, operands [uop.MaxOperands]uint64) corestate.IssueResult {
	if e.LSQIdx < 0 {
		return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: e.Idx}
	}
	entry := tv.LSQ.Get(uint32(e.LSQIdx))
	addr := operands[0]

	tr := host.CheckAndTranslate(addr, e.Uop.Class == uop.ClassStore, false)
	if tr.Fault != extiface.PageFaultNone {
		entry.Invalid = true
		return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: e.Idx}
	}
	if tr.TLBMiss {
		e.TLBWalkLevel = dtlbWalkLevels
		tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseTLBMiss})
		return corestate.IssueResult{Outcome: corestate.IssueNeedsReplay, ROBIdx: e.Idx}
	}

	entry.PhysAddr = tr.PhysAddr
	entry.AddrValid = true
	entry.ByteMask = 0xFF
	if deps.Unaligned != nil {
		deps.Unaligned.Update(e.Uop.RIP, tr.PhysAddr>>12, addr&7 != 0)
	}

	if e.Uop.Class == uop.ClassStore {
		// Src[1] is the rc (data) operand; address and data land together in
		// this model, the separate AddrValid/DataValid gates remain so a
		// forwarding source requires both.
		entry.Data = operands[1]
		entry.DataValid = true
		return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: e.Idx}
	}

	// Conservative disambiguation: a load may not issue past an older store
	// whose address is still unknown, or it could silently miss its
	// forwarding source (spec.md §7 "memory ordering violation" stays a
	// pipeline-internal stall here, never an architectural one).
	if tv.LSQ.OlderStoreAddrUnknown(e.Uop.FetchUUID) {
		return corestate.IssueResult{Outcome: corestate.IssueNeedsReplay, ROBIdx: e.Idx}
	}

	// IsLocked marks ld.acq semantics (uop.Uop.IsLocked doc, spec.md §3): the
	// load acquires the interlock at issue, and the paired store (same
	// macro-op) releases it at commit (commit.Cycle step 4). Losing the
	// race is a MISSPECULATED trigger, not a plain replay: this uop produced
	// no valid data and must redispatch itself along with anything already
	// waiting on its operand tag (spec.md §4.5 "locked memory conflicts").
	if e.Uop.IsLocked {
		owner := interlock.Owner{UUID: e.Uop.FetchUUID, ROB: e.Idx, Core: deps.Core, Thread: tv.ROB.ThreadID}
		if !deps.Lock.TryAcquire(tr.PhysAddr, owner) {
			return corestate.IssueResult{Outcome: corestate.IssueMisspeculated, ROBIdx: e.Idx}
		}
		e.LockAcquired = true
	}

	if src, ok := tv.LSQ.ForwardingSource(e.Uop.FetchUUID, tr.PhysAddr, 8); ok {
		entry.Data = src.Data
		entry.DataValid = true
		return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: e.Idx}
	}

	if !deps.Mem.IsCacheAvailable(0, tv.ROB.ThreadID, false) {
		tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseCacheMiss})
		return corestate.IssueResult{Outcome: corestate.IssueNeedsReplay, ROBIdx: e.Idx}
	}
	entry.Data = host.LoadInternal(tr.PhysAddr, entry.ByteMask)
	entry.DataValid = true
	return corestate.IssueResult{Outcome: corestate.IssueCompleted, ROBIdx: e.Idx}
}

// ClockTLBWalks advances any ROB entries parked on the per-thread TLB-miss
// list one walk level, moving them back to a ready-to-{issue,load,store}
// list once the walk completes (spec.md §4.5 "a walk state machine that
// issues PTE-fetch requests... each level's completion callback decrements
// the counter"; §2 "TLB-walk clocking" runs as its own run_cycle phase).
// Completion also replays the entry's still-issued IQ slot so it re-enters
// the wakeup competition.
func ClockTLBWalks(r *rob.ROB, threadID int, iqs []*iq.IQ) {
	var done []uint32
	r.Each(rob.ListID{Phase: rob.PhaseTLBMiss}, func(e *rob.Entry) bool {
		e.TLBWalkLevel--
		if e.TLBWalkLevel <= 0 {
			done = append(done, e.Idx)
		}
		return true
	})
	for _, idx := range done {
		e := r.Get(idx)
		phase := rob.PhaseReadyToIssue
		switch e.Uop.Class {
		case uop.ClassLoad:
			phase = rob.PhaseReadyToLoad
		case uop.ClassStore:
			phase = rob.PhaseReadyToStore
		}
		r.Move(idx, rob.ListID{Phase: phase, Cluster: e.Cluster})
		if e.Cluster < len(iqs) {
			if slot, ok := iqs[e.Cluster].FindByTag(iq.EncodeTag(threadID, e.Idx)); ok {
				iqs[e.Cluster].Replay(slot)
			}
		}
	}
}

// Complete advances cycles_left for every entry on cluster c's issued list;
// at zero, transitions the destination PR WAITING->BYPASS and moves the ROB
// entry to completed[c] with forward_cycle reset to 0 (spec.md §4.5
// "Complete").
func Complete(r *rob.ROB, clusterID int, files map[prf.Class]*prf.File) {
	var done []uint32
	r.Each(rob.ListID{Phase: rob.PhaseIssued, Cluster: clusterID}, func(e *rob.Entry) bool {
		e.CyclesLeft--
		if e.CyclesLeft <= 0 {
			done = append(done, e.Idx)
		}
		return true
	})
	for _, idx := range done {
		e := r.Get(idx)
		files[prf.Class(e.DestFile)].CompleteExec(e.DestPhys)
		e.ForwardCycle = 0
		r.Move(idx, rob.ListID{Phase: rob.PhaseCompleted, Cluster: clusterID})
	}
}

// Transfer advances forward_cycle for every entry on cluster c's completed
// list, broadcasting the producer's tag to whichever destination cluster
// IQs the forwarding LUT says see the result this cycle, and promotes
// entries past MaxForwardingLatency to ready_to_writeback (spec.md §4.5
// "Transfer & forwarding").
func Transfer(r *rob.ROB, clusterID int, threadID int, maxForwardingLatency int, clusters *cluster.Set, iqs []*iq.IQ) {
	var promote []uint32
	r.Each(rob.ListID{Phase: rob.PhaseCompleted, Cluster: clusterID}, func(e *rob.Entry) bool {
		tag := iq.EncodeTag(threadID, e.Idx)
		for dst := 0; dst < clusters.NumClusters(); dst++ {
			if forwardsAt(clusters, clusterID, dst, e.ForwardCycle) {
				iqs[dst].Broadcast(tag)
			}
		}
		e.ForwardCycle++
		if e.ForwardCycle > maxForwardingLatency {
			promote = append(promote, e.Idx)
		}
		return true
	})
	for _, idx := range promote {
		r.Move(idx, rob.ListID{Phase: rob.PhaseReadyToWriteback})
	}
}

func forwardsAt(clusters *cluster.Set, src, dst, cycle int) bool {
	if clusters.ForwardAtCycle == nil {
		return cycle == clusters.InterclusterLatency(src, dst)
	}
	if src >= len(clusters.ForwardAtCycle) {
		return false
	}
	row := clusters.ForwardAtCycle[src]
	if cycle >= len(row) {
		return false
	}
	bucket := row[cycle]
	if dst >= len(bucket) {
		return false
	}
	return bucket[dst]
}

// Writeback retires up to width entries per cycle from ready_to_writeback:
// PR BYPASS->WRITTEN, ROB moves to ready_to_commit (spec.md §4.5
// "Writeback").
func Writeback(width int, r *rob.ROB, files map[prf.Class]*prf.File) int {
	done := 0
	for done < width {
		e := r.Head(rob.ListID{Phase: rob.PhaseReadyToWriteback})
		if e == nil {
			break
		}
		files[prf.Class(e.DestFile)].Writeback(e.DestPhys)
		r.Move(e.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})
		done++
	}
	return done
}
