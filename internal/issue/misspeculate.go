package issue

import (
	"github.com/suprax-arch/coresim/internal/iq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/uop"
)

// misspeculationOccupiedPhases lists the cluster-scoped phases whose members
// still hold a live issue-queue slot (rob.ListFlags' occupiesIQ bit) and are
// therefore candidates for redispatch.
var misspeculationOccupiedPhases = []rob.Phase{
	rob.PhaseDispatched, rob.PhaseReadyToIssue, rob.PhaseReadyToLoad, rob.PhaseReadyToStore,
}

// Misspeculate implements spec.md §4.5's MISSPECULATED outcome: "walk the
// ROB forward, tag any uop whose operand physreg belongs to this one,
// re-insert them on dispatched lists with dependency-bit masks, and replay
// them." Unlike NEEDS_REFETCH, which discards the entire younger tail, this
// pulls only the entries that trace an operand back to rootIdx's
// destination register, directly or transitively, out of whatever IQ slot
// they currently hold and lets them re-enter dispatch against current
// operand readiness.
//
// includeRoot additionally redispatches rootIdx itself. The locked-memory
// conflict trigger (issueMemory, on a losing TryAcquire) needs this: the
// uop that lost the interlock race produced no valid data and must retry
// itself, not just wake its consumers. The mispredicted-but-committed-path
// branch trigger (IssueOne's branch check, an indirect branch whose
// resolved target differs from its predicted one) does not: the branch's
// own value is already correct, so only its consumers need a second look.
func Misspeculate(r *rob.ROB, files map[prf.Class]*prf.File, iqs []*iq.IQ, threadID int, rootIdx uint32, includeRoot bool) {
	type regKey struct {
		file int
		phys uint32
	}
	root := r.Get(rootIdx)
	tainted := map[regKey]bool{{root.DestFile, root.DestPhys}: true}

	seen := make(map[uint32]bool)
	var cone []uint32
	if includeRoot {
		seen[rootIdx] = true
		cone = append(cone, rootIdx)
	}

	for changed := true; changed; {
		changed = false
		for c := 0; c < len(iqs); c++ {
			for _, p := range misspeculationOccupiedPhases {
				r.Each(rob.ListID{Phase: p, Cluster: c}, func(e *rob.Entry) bool {
					if seen[e.Idx] {
						return true
					}
					for i, used := range e.OperandUsed {
						if used && tainted[regKey{e.OperandFile[i], e.OperandPhys[i]}] {
							seen[e.Idx] = true
							cone = append(cone, e.Idx)
							tainted[regKey{e.DestFile, e.DestPhys}] = true
							changed = true
							return true
						}
					}
					return true
				})
			}
		}
	}

	for _, idx := range cone {
		redispatchEntry(idx, r, files, iqs, threadID)
	}
}

// redispatchEntry pulls ROB entry idx out of its current issue-queue slot,
// if it still holds one, and reinserts it as a fresh dispatch, mirroring
// rename.Dispatch's own tag/ready computation (spec.md §4.3 "Dispatch").
func redispatchEntry(idx uint32, r *rob.ROB, files map[prf.Class]*prf.File, iqs []*iq.IQ, threadID int) {
	e := r.Get(idx)
	if e.Cluster >= len(iqs) {
		return
	}
	q := iqs[e.Cluster]
	tag := iq.EncodeTag(threadID, idx)
	if slot, ok := q.FindByTag(tag); ok {
		q.Release(slot)
	}

	var tags [uop.MaxOperands]iq.Tag
	var used [uop.MaxOperands]bool
	var preready [uop.MaxOperands]bool
	allReady := true
	for i := 0; i < uop.MaxOperands; i++ {
		if !e.OperandUsed[i] {
			continue
		}
		used[i] = true
		pr := files[prf.Class(e.OperandFile[i])].Get(e.OperandPhys[i])
		ok := ready(pr.State)
		preready[i] = ok
		if !ok {
			allReady = false
			tags[i] = iq.EncodeTag(threadID, uint32(pr.OwningROB))
		}
	}

	if _, ok := q.Insert(threadID, tag, tags, used, preready); !ok {
		// No free slot for this thread the instant after releasing idx's own
		// (should not happen: that release just freed one back); leave the
		// entry off any IQ until a later cycle's dispatch retries it.
		return
	}
	dst := rob.ListID{Phase: rob.PhaseDispatched, Cluster: e.Cluster}
	if allReady {
		phase := rob.PhaseReadyToIssue
		switch e.Uop.Class {
		case uop.ClassLoad:
			phase = rob.PhaseReadyToLoad
		case uop.ClassStore:
			phase = rob.PhaseReadyToStore
		}
		dst = rob.ListID{Phase: phase, Cluster: e.Cluster}
	}
	r.Move(idx, dst)
}
