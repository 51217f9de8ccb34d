// Package flush implements full pipeline flush, mispredict annulment, and
// the external_to_core_state reset that re-seeds a thread's PRF/RRT pair
// from architectural state (spec.md §4.8).
//
// Grounded on SupraX.go's OutOfOrderScheduler reset path (clearing every
// in-flight bitmap back to empty) generalized to the ROB/LSQ/IQ/PRF arena
// reset spec.md §4.8 describes.
package flush

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/fetch"
	"github.com/suprax-arch/coresim/internal/interlock"
	"github.com/suprax-arch/coresim/internal/iq"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/rrt"
	"github.com/suprax-arch/coresim/internal/uop"
)

// ThreadView bundles everything one thread's flush touches. IQs and BPred
// are optional (nil-tolerant) so narrow tests can omit them.
type ThreadView struct {
	ThreadID  int
	Core      int
	ROB       *rob.ROB
	LSQ       *lsq.LSQ
	SpecRRT   *rrt.Table
	CommitRRT *rrt.Table
	Fetch     *fetch.Unit
	FetchQ    *fetch.Queue
	IQs       []*iq.IQ
	BPred     extiface.BranchPredictor
}

// allOccupiedLists enumerates every phase a live (non-free) ROB entry could
// sit in.
func allOccupiedLists(numClusters int) []rob.ListID {
	phases := []rob.Phase{
		rob.PhaseFrontend, rob.PhaseReadyToDispatch, rob.PhaseReadyToCommit,
		rob.PhaseCacheMiss, rob.PhaseTLBMiss, rob.PhaseMemoryFence,
	}
	var ls []rob.ListID
	for _, p := range phases {
		ls = append(ls, rob.ListID{Phase: p})
	}
	clusterPhases := []rob.Phase{
		rob.PhaseDispatched, rob.PhaseReadyToIssue, rob.PhaseReadyToLoad,
		rob.PhaseReadyToStore, rob.PhaseIssued, rob.PhaseCompleted, rob.PhaseReadyToWriteback,
	}
	for c := 0; c < numClusters; c++ {
		for _, p := range clusterPhases {
			ls = append(ls, rob.ListID{Phase: p, Cluster: c})
		}
	}
	return ls
}

func releaseEntry(e *rob.Entry, tv ThreadView, files map[prf.Class]*prf.File, lockBuf *interlock.Buffer) {
	if e.LSQIdx >= 0 {
		if lsqEntry := tv.LSQ.Get(uint32(e.LSQIdx)); lsqEntry.Valid {
			if e.LockAcquired && lockBuf != nil {
				owner := interlock.Owner{UUID: e.Uop.FetchUUID, ROB: e.Idx, Core: tv.Core, Thread: tv.ThreadID}
				lockBuf.Release(lsqEntry.PhysAddr, owner)
			}
			tv.LSQ.Release(uint32(e.LSQIdx))
		}
	}
	// The current list's occupies-an-issue-queue-slot bit (spec.md §3) says
	// whether an IQ slot must be reclaimed; entries parked for a TLB or
	// cache miss hold their slot through the side list as well.
	_, occupiesIQ := rob.ListFlags(e.List())
	phase := e.List().Phase
	if (occupiesIQ || phase == rob.PhaseTLBMiss || phase == rob.PhaseCacheMiss) && e.Cluster < len(tv.IQs) {
		q := tv.IQs[e.Cluster]
		if slot, ok := q.FindByTag(iq.EncodeTag(tv.ThreadID, e.Idx)); ok {
			q.Annul(slot)
		}
	}
	for i, used := range e.OperandUsed {
		if used {
			files[prf.Class(e.OperandFile[i])].Unref(e.OperandPhys[i])
		}
	}
	tv.ROB.Free(e.Idx)
}

// undoRename pseudo-commits one annulled entry in reverse (spec.md §4.8):
// each specRRT slot the entry's rename installed is rolled back to the
// mapping it displaced (recorded in PrevDest/PrevFlag at rename), with the
// RRT-hold refcount transferred back, and the entry's own destination PR is
// then reclaimed. Only safe youngest-first: by the time an entry is undone,
// every younger uop that re-mapped the same slot — and every consumer that
// could still read this PR — has already been unwound, so the slot is
// guaranteed to point at this entry's own destination.
func undoRename(e *rob.Entry, tv ThreadView, files map[prf.Class]*prf.File) {
	destFile := files[prf.Class(e.DestFile)]
	restore := func(cur rrt.Mapping, prev rob.PrevMapping, set func(rrt.Mapping)) {
		if !cur.Valid || cur.File != prf.Class(e.DestFile) || cur.Index != e.DestPhys {
			return
		}
		destFile.Unref(e.DestPhys)
		m := rrt.Mapping{Valid: prev.Valid, File: prf.Class(prev.File), Index: prev.Index}
		set(m)
		if m.Valid {
			files[m.File].Ref(m.Index)
		}
	}
	if e.Uop.Dest.IsCommitable() {
		restore(tv.SpecRRT.Get(e.Uop.Dest), e.PrevDest, func(m rrt.Mapping) { tv.SpecRRT.Set(e.Uop.Dest, m) })
	}
	for g := uop.FlagGroup(0); int(g) < int(uop.NumFlagGroups); g++ {
		if e.Uop.SetFlags[g] {
			restore(tv.SpecRRT.GetFlag(g), e.PrevFlag[g], func(m rrt.Mapping) { tv.SpecRRT.SetFlag(g, m) })
		}
	}
	destFile.ForceFree(e.DestPhys)
}

// drainFetchQ discards every queued-but-not-renamed uop, walking backward to
// undo the predictor-side RAS updates their fetch performed (spec.md §4.8
// "walks backward through fetchq to undo RAS updates"). The fetch-side RAS
// hint stack is repaired for calls only; a popped return frame cannot be
// reconstructed and repairs itself through later mispredict recovery.
func drainFetchQ(tv ThreadView) {
	discarded := tv.FetchQ.Drain()
	for i := len(discarded) - 1; i >= 0; i-- {
		e := &discarded[i]
		if !e.Uop.IsBranch {
			continue
		}
		if tv.BPred != nil {
			tv.BPred.AnnulRAS(&e.BranchInfo)
		}
		if e.Uop.IsCall {
			tv.Fetch.PopRAS()
		}
	}
}

// Full performs spec.md §4.8's "Full pipeline flush": drains the fetch
// queue undoing RAS updates, releases every live ROB entry's resources,
// resets the thread's PRF ownership, re-seeds PRs from architectural state,
// and redirects fetch to eip.
func Full(tv ThreadView, files map[prf.Class]*prf.File, lockBuf *interlock.Buffer, host extiface.HostContext, numClusters int) {
	drainFetchQ(tv)
	tv.Fetch.RAS = nil // every in-flight call/return is gone with the pipeline

	for _, l := range allOccupiedLists(numClusters) {
		tv.ROB.Each(l, func(e *rob.Entry) bool {
			releaseEntry(e, tv, files, lockBuf)
			return true
		})
	}
	for _, f := range files {
		f.ResetThread(tv.ThreadID)
	}

	ExternalToCoreState(tv, files, host)
	tv.Fetch.RedirectTo(host.EIP())
}

// Annul implements spec.md §4.8's "Annulment after a mispredict": every ROB
// entry strictly newer than boundary (the mispeculated macro-op's EOM) is
// deleted in reverse order, its PR/LSQ/IQ resources freed, and specRRT is
// reconstructed as it was just before the first annulled uop by
// pseudo-committing each victim's recorded previous mapping in reverse.
// Queued-but-not-renamed uops in the fetch buffer are younger still and are
// drained first.
func Annul(tv ThreadView, files map[prf.Class]*prf.File, lockBuf *interlock.Buffer, boundary uint32) {
	drainFetchQ(tv)

	cap32 := uint32(tv.ROB.Capacity())
	victims := roaring.New()
	var order []uint32 // victims in sweep order, oldest first
	boundaryUUID := tv.ROB.Get(boundary).Uop.FetchUUID
	idx := (boundary + 1) % cap32
	for {
		e := tv.ROB.Get(idx)
		// Fetch uuids are strictly monotone per thread, so they bound the
		// sweep even when the ROB is completely full and the index walk
		// would otherwise wrap into older entries.
		if !e.Valid || e.Uop.FetchUUID <= boundaryUUID {
			break
		}
		victims.Add(idx)
		order = append(order, idx)
		idx = (idx + 1) % cap32
		if victims.GetCardinality() >= uint64(cap32) {
			break
		}
	}
	// Release youngest-first: a store's interlock or an operand's refcount
	// must not be torn down before a still-unreleased younger consumer of
	// the same resource has been unwound.
	for i := len(order) - 1; i >= 0; i-- {
		e := tv.ROB.Get(order[i])
		if e.Uop.IsBranch && tv.BPred != nil {
			tv.BPred.AnnulRAS(&e.BranchInfo)
		}
		if e.Uop.IsCall {
			tv.Fetch.PopRAS()
		}
		undoRename(e, tv, files)
		releaseEntry(e, tv, files, lockBuf)
	}
}

// ExternalToCoreState allocates one PR per architectural register in ARCH
// state, reading its value from the host context, and points both RRTs at
// them with matched refcounts (spec.md §4.8 "external_to_core_state"). The
// reserved zero register is left untouched.
func ExternalToCoreState(tv ThreadView, files map[prf.Class]*prf.File, host extiface.HostContext) {
	intFile := files[prf.ClassInt]
	fresh := rrt.New(prf.ClassInt)
	*tv.SpecRRT = *fresh
	*tv.CommitRRT = *fresh

	for r := uop.ArchReg(1); r < uop.NumArchRegs; r++ {
		if !r.IsCommitable() {
			continue
		}
		pr, ok := intFile.Alloc(tv.ThreadID)
		if !ok {
			continue // PRF exhausted; leave this register pointed at the zero PR
		}
		pr.Data = host.Get(r)
		intFile.CompleteExec(pr.Index)
		intFile.Writeback(pr.Index)
		intFile.Commit(pr.Index, uint8(r))
		intFile.Ref(pr.Index) // one reference for specRRT
		intFile.Ref(pr.Index) // one reference for commitRRT
		m := rrt.Mapping{Valid: true, File: prf.ClassInt, Index: pr.Index}
		tv.SpecRRT.Set(r, m)
		tv.CommitRRT.Set(r, m)
	}
}
