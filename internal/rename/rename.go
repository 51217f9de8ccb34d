// Package rename implements rename and dispatch: the frontend stage that
// turns fetch-buffer entries into ROB entries with renamed operands, and
// the stage that drains the frontend delay into the chosen cluster's issue
// queue (spec.md §4.3).
//
// Grounded on SupraX.go's OutOfOrderScheduler.Dispatch for the allocate-
// then-rename-then-enqueue shape, generalized from the toy's flat register
// file to per-class PRF selection and per-thread resource gating.
package rename

import (
	"github.com/suprax-arch/coresim/internal/cluster"
	"github.com/suprax-arch/coresim/internal/fetch"
	"github.com/suprax-arch/coresim/internal/iq"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/rrt"
	"github.com/suprax-arch/coresim/internal/uop"
)

// Files groups the PRF instances a thread may allocate from, keyed by class.
type Files map[prf.Class]*prf.File

// Stage holds the per-thread state rename/dispatch reads and mutates: the
// fetch queue, the ROB, the LSQ, the speculative RRT, and a round-robin
// cursor for PRF load balancing (spec.md §4.3 step 2).
type Stage struct {
	ThreadID int

	FetchQ  *fetch.Queue
	ROB     *rob.ROB
	LSQ     *lsq.LSQ
	SpecRRT *rrt.Table

	FrontendStages int
	PRFRoundRobin  map[prf.Class]int
}

// NewStage constructs a rename/dispatch stage for one thread.
func NewStage(threadID int, fetchQ *fetch.Queue, r *rob.ROB, l *lsq.LSQ, specRRT *rrt.Table, frontendStages int) *Stage {
	return &Stage{
		ThreadID:       threadID,
		FetchQ:         fetchQ,
		ROB:            r,
		LSQ:            l,
		SpecRRT:        specRRT,
		FrontendStages: frontendStages,
		PRFRoundRobin:  make(map[prf.Class]int),
	}
}

// classFor picks the PRF class(es) acceptable for a uop: the class-specific
// file as in uop.Uop.AcceptableFiles, plus the int file as an alternative
// for stores and branches — rename tries each in round-robin order.
func classFor(u *uop.Uop) []prf.Class {
	switch u.Class {
	case uop.ClassFP:
		return []prf.Class{prf.ClassFP}
	case uop.ClassStore:
		return []prf.Class{prf.ClassStoreBuf, prf.ClassInt}
	case uop.ClassBranch:
		return []prf.Class{prf.ClassBranch, prf.ClassInt}
	default:
		return []prf.Class{prf.ClassInt}
	}
}

// allocPRF tries each acceptable class in round-robin order, returning the
// first successful allocation (spec.md §4.3 step 2).
func (s *Stage) allocPRF(u *uop.Uop, files Files) (*prf.PR, prf.Class, bool) {
	classes := classFor(u)
	start := s.PRFRoundRobin[classes[0]]
	for i := range classes {
		c := classes[(start+i)%len(classes)]
		f := files[c]
		if f == nil {
			continue
		}
		if pr, ok := f.Alloc(s.ThreadID); ok {
			s.PRFRoundRobin[classes[0]] = (start + i + 1) % len(classes)
			return pr, c, true
		}
	}
	return nil, 0, false
}

// Rename consumes up to width fetch-buffer entries this cycle, performing
// spec.md §4.3 steps 1-6. Returns the count actually renamed; a resource
// stall (ROB/PRF/LSQ exhaustion, or an empty fetch queue) ends the loop
// early without error — the caller retries next cycle.
func (s *Stage) Rename(width int, files Files) int {
	renamed := 0
	for renamed < width {
		if s.FetchQ.Len() == 0 {
			break
		}
		// A resource stall below unpops the entry to the queue front so
		// fetch order is preserved, since fetch.Queue has no peek.
		entry, ok := s.FetchQ.Pop()
		if !ok {
			break
		}
		isMem := entry.Uop.IsMemUop

		if s.ROB.Len(rob.ListID{Phase: rob.PhaseFree}) == 0 {
			s.FetchQ.Unpop(entry)
			break
		}
		if isMem && !s.LSQ.HasRoom(entry.Uop.Class == uop.ClassStore) {
			s.FetchQ.Unpop(entry)
			break
		}

		pr, class, ok := s.allocPRF(&entry.Uop, files)
		if !ok {
			s.FetchQ.Unpop(entry)
			break
		}

		robEntry, ok := s.ROB.Alloc()
		if !ok {
			s.FetchQ.Unpop(entry)
			break
		}
		robEntry.Uop = entry.Uop
		robEntry.LSQIdx = -1
		robEntry.BranchInfo = entry.BranchInfo

		for i := 0; i < uop.MaxOperands; i++ {
			op := entry.Uop.Src[i]
			if op.Kind != uop.OperandReg {
				continue
			}
			m := s.SpecRRT.Get(op.Reg)
			robEntry.OperandPhys[i] = m.Index
			robEntry.OperandFile[i] = int(m.File)
			robEntry.OperandUsed[i] = true
			files[m.File].Ref(m.Index)
			if owner := files[m.File].Get(m.Index).OwningROB; owner >= 0 {
				s.ROB.Get(uint32(owner)).IncConsumerCount()
			}
		}

		if isMem {
			if lsqEntry, ok := s.LSQ.Insert(robEntry.Idx, entry.Uop.FetchUUID, entry.Uop.Class == uop.ClassStore); ok {
				robEntry.LSQIdx = int32(lsqEntry.Idx)
			}
		}

		pr.OwningROB = int32(robEntry.Idx)
		robEntry.DestPhys = pr.Index
		robEntry.DestFile = int(class)

		if entry.Uop.Dest.IsCommitable() {
			prevMap := s.SpecRRT.Set(entry.Uop.Dest, rrt.Mapping{Valid: true, File: class, Index: pr.Index})
			files[class].Ref(pr.Index) // specRRT now holds its own reference to pr
			robEntry.PrevDest = rob.PrevMapping{Valid: prevMap.Valid, File: int(prevMap.File), Index: prevMap.Index}
			if prevMap.Valid {
				files[prevMap.File].Unref(prevMap.Index)
			}
		}
		for g := uop.FlagGroup(0); int(g) < int(uop.NumFlagGroups); g++ {
			if entry.Uop.SetFlags[g] {
				prevMap := s.SpecRRT.SetFlag(g, rrt.Mapping{Valid: true, File: class, Index: pr.Index})
				files[class].Ref(pr.Index)
				robEntry.PrevFlag[g] = rob.PrevMapping{Valid: prevMap.Valid, File: int(prevMap.File), Index: prevMap.Index}
				if prevMap.Valid {
					files[prevMap.File].Unref(prevMap.Index)
				}
			}
		}

		robEntry.CyclesLeft = s.FrontendStages
		s.ROB.Move(robEntry.Idx, rob.ListID{Phase: rob.PhaseFrontend})
		renamed++
	}
	return renamed
}

// Dispatch drains ready_to_dispatch entries (those whose frontend delay has
// elapsed — advanced elsewhere, once per cycle, by the core orchestrator)
// into a cluster's issue queue, up to width per cycle (spec.md §4.3
// "Dispatch"). files and r are this thread's PRF views and ROB, used to
// determine operand readiness and the cluster that produced each operand
// (spec.md §4.3: "compute operand readiness by consulting producer PR
// states"; §4.4: "tally operand producer clusters").
func Dispatch(width int, r *rob.ROB, files Files, clusters *cluster.Set, iqs []*iq.IQ, threadID int, executableOn func(uop.Class) uint64) int {
	dispatched := 0
	for dispatched < width {
		e := r.Head(rob.ListID{Phase: rob.PhaseReadyToDispatch})
		if e == nil {
			break
		}
		executable := executableOn(e.Uop.Class)
		hasSlot := func(c int) bool { return iqs[c].CanAccept(threadID) }

		var producers []int
		var tags [4]iq.Tag
		var used [4]bool
		var preready [4]bool
		for i := 0; i < uop.MaxOperands; i++ {
			if !e.OperandUsed[i] {
				continue
			}
			used[i] = true
			pr := files[prf.Class(e.OperandFile[i])].Get(e.OperandPhys[i])
			ready := pr.State == prf.StateBypass || pr.State == prf.StateWritten || pr.State == prf.StateArch
			preready[i] = ready
			if ready {
				producers = append(producers, -1)
				continue
			}
			producerEntry := r.Get(uint32(pr.OwningROB))
			producers = append(producers, producerEntry.Cluster)
			tags[i] = iq.EncodeTag(threadID, uint32(pr.OwningROB))
		}

		c, ok := clusters.Select(executable, hasSlot, producers)
		if !ok {
			break
		}
		uopTag := iq.EncodeTag(threadID, e.Idx)
		if _, ok := iqs[c].Insert(threadID, uopTag, tags, used, preready); !ok {
			break
		}
		e.Cluster = c
		allReady := true
		for i := range used {
			if used[i] && !preready[i] {
				allReady = false
			}
		}
		dst := rob.ListID{Phase: rob.PhaseDispatched, Cluster: c}
		if allReady {
			phase := rob.PhaseReadyToIssue
			switch e.Uop.Class {
			case uop.ClassLoad:
				phase = rob.PhaseReadyToLoad
			case uop.ClassStore:
				phase = rob.PhaseReadyToStore
			}
			dst = rob.ListID{Phase: phase, Cluster: c}
		}
		r.Move(e.Idx, dst)
		dispatched++
	}
	return dispatched
}
