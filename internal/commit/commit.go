// Package commit implements in-order, macro-op-atomic retirement (spec.md
// §4.6). A macro-op spans one or more uops marked SOM..EOM; none of them
// commits unless the whole span is either finished executing or carries an
// exception.
//
// Grounded on proto/ooo/ooo.go's UpdateScoreboardAfterComplete for the
// "walk forward, check readiness, then mutate state" shape, applied here to
// whole macro-op groups instead of single dependency edges.
package commit

import (
	"github.com/pkg/errors"

	"github.com/suprax-arch/coresim/internal/corestate"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/interlock"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/rrt"
	"github.com/suprax-arch/coresim/internal/uop"
)

// ThreadView bundles the per-thread state commit reads and mutates.
type ThreadView struct {
	ROB       *rob.ROB
	LSQ       *lsq.LSQ
	CommitRRT *rrt.Table
	Files     map[prf.Class]*prf.File
	ThreadID  int
	Core      int
}

// Deps bundles the external collaborators commit needs.
type Deps struct {
	Host  extiface.HostContext
	Lock  *interlock.Buffer
	BPred extiface.BranchPredictor
	// InterruptPending points at this thread's cycle-start interrupt latch
	// (core.ThreadContext.InterruptPending). Nil if the caller doesn't wire
	// interrupt support (e.g. a test that only exercises other outcomes).
	InterruptPending *bool
}

var errUopException = errors.New("uop exception")

func finished(e *rob.Entry, files map[prf.Class]*prf.File) bool {
	if !e.Valid {
		return false
	}
	destPR := files[prf.Class(e.DestFile)].Get(e.DestPhys)
	return destPR.FlagInvalid || destPR.State == prf.StateWritten
}

// macroGroup walks forward from head by consecutive ROB index (the order
// uops were allocated in during rename, spec.md §4.3 step 3) until it hits
// the EOM uop.
func macroGroup(r *rob.ROB, head *rob.Entry) []*rob.Entry {
	cap32 := uint32(r.Capacity())
	group := []*rob.Entry{head}
	idx := head.Idx
	for !group[len(group)-1].Uop.EOM {
		idx = (idx + 1) % cap32
		e := r.Get(idx)
		group = append(group, e)
		if len(group) > int(cap32) {
			break // defensive: malformed SOM/EOM marking, avoid an infinite loop
		}
	}
	return group
}

// Cycle retires up to width uops (grouped by whole macro-ops) in program
// order: each round takes the thread's oldest live ROB entry (lowest fetch
// uuid) and stops unless it sits on ready_to_commit, performing spec.md §4.6
// steps 1-8.
func Cycle(width int, tv ThreadView, deps Deps) corestate.CommitResult {
	retired := 0
	var log []corestate.RetiredUop
	for retired < width {
		// ready_to_commit is filled in completion order, so its list head
		// can be younger than an entry that is still executing.
		var head *rob.Entry
		for i := 0; i < tv.ROB.Capacity(); i++ {
			if e := tv.ROB.Get(uint32(i)); e.Valid && (head == nil || e.Uop.FetchUUID < head.Uop.FetchUUID) {
				head = e
			}
		}
		if head == nil || head.List().Phase != rob.PhaseReadyToCommit {
			break
		}

		// Step 1: a ready memory fence at the ROB head wakes dependents and
		// releases queued interlocks.
		if head.Uop.IsFence {
			if head.Uop.IsSFence || head.Uop.IsLFence {
				deps.Lock.Invalidate(head.Uop.RIP)
			}
		}

		group := macroGroup(tv.ROB, head)
		if retired+len(group) > width {
			break // would split one macro-op across commit-width budget
		}
		allReady := true
		var faulting *rob.Entry
		for _, e := range group {
			if !finished(e, tv.Files) {
				allReady = false
				break
			}
			destPR := tv.Files[prf.Class(e.DestFile)].Get(e.DestPhys)
			if destPR.FlagInvalid && faulting == nil {
				faulting = e
			}
		}
		if !allReady {
			break
		}

		// Step 2: first faulting uop in program order wins.
		if faulting != nil {
			err := errors.Wrapf(errUopException, "thread %d rip=%#x", tv.ThreadID, faulting.Uop.RIP)
			return corestate.CommitResult{
				Outcome: corestate.CommitException,
				Retired: retired,
				Log:     log,
				Exception: &corestate.ExceptionInfo{
					Kind:      err.Error(),
					FaultAddr: faulting.Uop.RIP,
				},
			}
		}

		// Step 3: self-modifying-code check against the macro-op's own rip.
		if deps.Host.SMCIsDirty(head.Uop.RIP >> 12) {
			return corestate.CommitResult{Outcome: corestate.CommitSMC, Retired: retired, Log: log}
		}

		// Step 4: stores check for a remote lock, then execute. A locked
		// load (ld.acq semantics, uop.Uop.IsLocked) is the interlock's owner,
		// not the store that commits alongside it in the same macro-op
		// (internal/issue's issueMemory acquires on the load); the store here
		// looks up that load's identity so HeldByOther and Release agree with
		// the Owner TryAcquire actually recorded.
		var lockHolder *rob.Entry
		for _, e := range group {
			if e.LockAcquired {
				lockHolder = e
				break
			}
		}
		for _, e := range group {
			if e.Uop.Class != uop.ClassStore || e.LSQIdx < 0 {
				continue
			}
			lsqEntry := tv.LSQ.Get(uint32(e.LSQIdx))
			owner := interlock.Owner{UUID: e.Uop.FetchUUID, ROB: e.Idx, Core: tv.Core, Thread: tv.ThreadID}
			if lockHolder != nil {
				owner = interlock.Owner{UUID: lockHolder.Uop.FetchUUID, ROB: lockHolder.Idx, Core: tv.Core, Thread: tv.ThreadID}
			}
			if deps.Lock.HeldByOther(lsqEntry.PhysAddr, owner) {
				return corestate.CommitResult{Outcome: corestate.CommitNone, Retired: retired, Log: log}
			}
			deps.Host.StoreInternal(lsqEntry.PhysAddr, lsqEntry.Data, lsqEntry.ByteMask)
			if lockHolder != nil {
				deps.Lock.Release(lsqEntry.PhysAddr, owner)
			}
		}

		var barrier bool
		exposed := make([]bool, len(group))
		for gi, e := range group {
			destFile := tv.Files[prf.Class(e.DestFile)]
			// Step 5: architectural register state.
			if e.Uop.Dest.IsCommitable() {
				exposed[gi] = true
				prevMap := tv.CommitRRT.Set(e.Uop.Dest, rrt.Mapping{Valid: true, File: prf.Class(e.DestFile), Index: e.DestPhys})
				destFile.Ref(e.DestPhys) // commitRRT now holds its own reference to e.DestPhys
				if prevMap.Valid {
					tv.Files[prevMap.File].Uncommit(prevMap.Index)
					tv.Files[prevMap.File].Unref(prevMap.Index)
				}
				destFile.Commit(e.DestPhys, uint8(e.Uop.Dest))
				deps.Host.SetReg(e.Uop.Dest, destFile.Get(e.DestPhys).Data)
			}
			// Step 6: flag groups.
			for g := uop.FlagGroup(0); int(g) < int(uop.NumFlagGroups); g++ {
				if e.Uop.SetFlags[g] {
					exposed[gi] = true
					prevMap := tv.CommitRRT.SetFlag(g, rrt.Mapping{Valid: true, File: prf.Class(e.DestFile), Index: e.DestPhys})
					destFile.Ref(e.DestPhys)
					if prevMap.Valid {
						tv.Files[prevMap.File].Uncommit(prevMap.Index)
						tv.Files[prevMap.File].Unref(prevMap.Index)
					}
				}
			}
			if e.Uop.IsAssist {
				barrier = true
			}
			rec := corestate.RetiredUop{FetchUUID: e.Uop.FetchUUID, RIP: e.Uop.RIP}
			if e.Uop.Dest.IsCommitable() {
				rec.Dest = uint8(e.Uop.Dest)
				rec.DestValid = true
				rec.Value = destFile.Get(e.DestPhys).Data
			}
			log = append(log, rec)
			retired++
		}

		last := group[len(group)-1]
		var redirect *uint64
		// Step 7: EOM advances rip and checks the branch outcome.
		nextRIP := last.Uop.RIP + uint64(last.Uop.Bytes)
		actual := nextRIP
		if last.Uop.IsBranch {
			destPR := tv.Files[prf.Class(last.DestFile)].Get(last.DestPhys)
			actual = destPR.Data
			if deps.BPred != nil {
				// BranchInfo is the exact record Predict produced at fetch.
				deps.BPred.Update(&last.BranchInfo, nextRIP, actual != nextRIP, actual)
			}
			if last.Uop.PredTarget != actual {
				redirect = &actual
			}
		}
		deps.Host.SetEIP(actual)

		// Step 8: release resources for every uop in the group.
		for gi, e := range group {
			if e.LSQIdx >= 0 {
				tv.LSQ.Release(uint32(e.LSQIdx))
			}
			for i, used := range e.OperandUsed {
				if used {
					tv.Files[prf.Class(e.OperandFile[i])].Unref(e.OperandPhys[i])
				}
			}
			if !exposed[gi] {
				// A destination never installed into any rename table (a
				// branch target or store-data scratch PR) has no possible
				// reader beyond the uop that produced it: free it directly,
				// after step 7 has already read its data.
				tv.Files[prf.Class(e.DestFile)].ForceFree(e.DestPhys)
			}
			tv.ROB.Free(e.Idx)
		}

		if barrier {
			return corestate.CommitResult{Outcome: corestate.CommitBarrier, Retired: retired, Redirect: redirect, Log: log}
		}
		// Interrupt: latched at cycle start (core.RunCycle), honored only at
		// the next committed EOM (spec.md §4.6/§7) — last is always that EOM
		// uop, since macroGroup always ends the group there.
		if deps.InterruptPending != nil && *deps.InterruptPending {
			*deps.InterruptPending = false
			deps.Host.EventUpcall()
			return corestate.CommitResult{Outcome: corestate.CommitInterrupt, Retired: retired, Redirect: redirect, Log: log}
		}
		if redirect != nil {
			return corestate.CommitResult{Outcome: corestate.CommitOK, Retired: retired, Redirect: redirect, Log: log}
		}
	}
	if retired == 0 {
		return corestate.CommitResult{Outcome: corestate.CommitNone}
	}
	return corestate.CommitResult{Outcome: corestate.CommitOK, Retired: retired, Log: log}
}
