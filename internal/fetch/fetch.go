// Package fetch implements the fetch unit: it streams uops from the basic-
// block cache into a per-thread fetch queue, expands predicted-unaligned
// memory uops into lo/hi pairs, drives the ITLB walk state machine, and
// consults the branch predictor at end-of-macro-op boundaries (spec.md
// §4.7).
//
// Grounded on proto/ooo/ooo.go's IssueBundle/InstructionWindow staging
// idiom (a small fixed-capacity queue fed one entry at a time) and on
// SupraX.go's Fetch method for the "halt on miss, resume next cycle" shape.
package fetch

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/uop"
)

// Entry is a queued, pre-renamed uop plus its carrying metadata (spec.md §3
// "Fetch buffer entry").
type Entry struct {
	Uop        uop.Uop
	RIP        uint64
	FetchUUID  uint64
	ThreadID   int
	BranchInfo extiface.BranchUpdateInfo
	Exec       uop.ExecFunc
}

// WalkState tracks an in-progress ITLB page-walk (mirrors the DTLB walk
// described in spec.md §4.5). Each of the four levels takes progressively
// longer, modeled by walking an exponential backoff generator rather than
// a flat one-cycle-per-level countdown: a real walk's lower levels queue
// behind more in-flight memory traffic than its upper ones.
type WalkState struct {
	Active     bool
	Level      int
	LevelsLeft int
	VAddr      uint64

	retry              *backoff.ExponentialBackOff
	cyclesUntilNextLevel int
}

// Queue is one thread's fetch buffer: a FIFO of pre-renamed uops, plus the
// small unaligned lo/hi side-buffer that spec.md §4.7 step 5 gives priority
// over the basic block.
type Queue struct {
	capacity int
	entries  []Entry
	sideBuf  []Entry
}

// NewQueue constructs an empty fetch queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity, entries: make([]Entry, 0, capacity)}
}

// Len reports the total queued entries, side buffer included.
func (q *Queue) Len() int { return len(q.sideBuf) + len(q.entries) }

// Room reports remaining capacity.
func (q *Queue) Room() int { return q.capacity - q.Len() }

// PushSide inserts lo/hi unaligned-split entries ahead of the main queue.
func (q *Queue) PushSide(e Entry) { q.sideBuf = append(q.sideBuf, e) }

// Unpop returns a just-popped entry to the very front of the queue, ahead
// of anything in the side buffer — rename's resource-stall path uses this
// so fetch order is preserved exactly.
func (q *Queue) Unpop(e Entry) {
	q.sideBuf = append([]Entry{e}, q.sideBuf...)
}

// Push appends a normally-fetched entry to the back of the main queue.
func (q *Queue) Push(e Entry) { q.entries = append(q.entries, e) }

// Pop removes and returns the oldest entry, side buffer first.
func (q *Queue) Pop() (Entry, bool) {
	if len(q.sideBuf) > 0 {
		e := q.sideBuf[0]
		q.sideBuf = q.sideBuf[1:]
		return e, true
	}
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Drain empties the queue and returns every entry in pop order (side buffer
// first), so flush/annul can walk the discarded uops backward to undo their
// RAS and predictor updates (spec.md §4.8).
func (q *Queue) Drain() []Entry {
	out := make([]Entry, 0, q.Len())
	out = append(out, q.sideBuf...)
	out = append(out, q.entries...)
	q.sideBuf = nil
	q.entries = q.entries[:0]
	return out
}

// RASFrame is one return-address-stack entry, undone on mispredict/flush by
// walking the fetch buffer backward (spec.md §4.8).
type RASFrame struct {
	ReturnRIP uint64
}

// Unit drives one thread's fetch behavior across cycles: current basic
// block position, fetch_uuid sequencing, the ITLB walk, and the RAS.
type Unit struct {
	ThreadID int

	FetchRIP            uint64
	CurrentBB           *extiface.BB
	BBOffset            int
	WaitingForICacheFill bool
	TakenBranchThisCycle bool

	NextFetchUUID uint64

	Walk WalkState
	RAS  []RASFrame

	UnalignedPredictor interface {
		Predict(rip, physFrame uint64) bool
		Update(rip, physFrame uint64, wasUnaligned bool)
	}

	itlb map[uint64]bool // resident page frames; absent means "walk required"
}

// NewUnit constructs a fetch unit starting at the given architectural rip.
func NewUnit(threadID int, startRIP uint64) *Unit {
	return &Unit{ThreadID: threadID, FetchRIP: startRIP, itlb: make(map[uint64]bool)}
}

// RedirectTo sets fetchrip and clears in-flight basic-block/walk state — used
// by flush/recovery and by branch-mispredict redirection.
func (u *Unit) RedirectTo(rip uint64) {
	u.FetchRIP = rip
	u.CurrentBB = nil
	u.BBOffset = 0
	u.Walk = WalkState{}
	u.WaitingForICacheFill = false
}

// PushRAS records a call's return address.
func (u *Unit) PushRAS(returnRIP uint64) {
	u.RAS = append(u.RAS, RASFrame{ReturnRIP: returnRIP})
}

// PopRAS returns and removes the top of the return-address stack.
func (u *Unit) PopRAS() (RASFrame, bool) {
	if len(u.RAS) == 0 {
		return RASFrame{}, false
	}
	top := u.RAS[len(u.RAS)-1]
	u.RAS = u.RAS[:len(u.RAS)-1]
	return top, true
}

// StepResult reports what Step accomplished, so core.RunCycle knows whether
// to keep looping or halt this thread for the cycle.
type StepResult int

const (
	StepFetched StepResult = iota
	StepHaltTranslateFailed
	StepHaltITLBMiss
	StepHaltICacheMiss
	StepHaltTakenBranch
	StepHaltQueueFull
)

// Deps bundles the external collaborators one fetch step needs: the BB
// cache, the memory hierarchy (for ITLB walk and i-cache probes), and the
// branch predictor.
type Deps struct {
	Host     extiface.HostContext
	BBCache  extiface.BBCache
	Mem      extiface.MemoryHierarchy
	BPred    extiface.BranchPredictor
}

// Step performs spec.md §4.7's per-uop fetch steps once, pushing at most one
// entry onto q (or its side buffer) and reporting what happened.
func (u *Unit) Step(deps Deps, q *Queue) StepResult {
	if q.Room() <= 0 {
		return StepHaltQueueFull
	}
	if u.WaitingForICacheFill {
		return StepHaltICacheMiss
	}
	if u.Walk.Active {
		u.stepWalk(deps)
		return StepHaltITLBMiss
	}
	if u.CurrentBB == nil || u.BBOffset >= u.CurrentBB.Count {
		bb, err := deps.BBCache.Translate(deps.Host, u.FetchRIP)
		if err != nil || bb == nil {
			return StepHaltTranslateFailed
		}
		deps.BBCache.Acquire(bb)
		u.CurrentBB = bb
		u.BBOffset = 0
	}

	physFrame := u.FetchRIP >> 12
	if !u.probeITLB(physFrame) {
		u.startWalk(u.FetchRIP)
		return StepHaltITLBMiss
	}

	if !deps.Mem.IsCacheAvailable(0, u.ThreadID, true) {
		u.WaitingForICacheFill = true
		return StepHaltICacheMiss
	}

	opcode := u.CurrentBB.TransOps[u.BBOffset]
	exec := u.CurrentBB.SynthOps[u.BBOffset]
	isLast := u.BBOffset == u.CurrentBB.Count-1
	isFirst := u.BBOffset == 0

	decoded := uop.Uop{}
	if u.BBOffset < len(u.CurrentBB.Templates) {
		decoded = u.CurrentBB.Templates[u.BBOffset]
	}
	u.BBOffset++

	decoded.Opcode = opcode
	decoded.RIP = u.FetchRIP
	decoded.FetchUUID = u.NextFetchUUID
	decoded.EOM = isLast
	decoded.SOM = isFirst
	decoded.Exec = exec

	entry := Entry{
		Uop:       decoded,
		RIP:       u.FetchRIP,
		FetchUUID: u.NextFetchUUID,
		ThreadID:  u.ThreadID,
		Exec:      exec,
	}
	u.NextFetchUUID++

	// seqRIP is the natural next-sequential rip; fetch follows it at EOM
	// unless the predictor redirects (spec.md §4.7 step 7).
	seqRIP := u.FetchRIP + uint64(decoded.Bytes)

	if entry.Uop.IsMemUop {
		if u.UnalignedPredictor != nil && u.UnalignedPredictor.Predict(u.FetchRIP, physFrame) {
			lo, hi := splitUnaligned(entry)
			hi.FetchUUID = u.NextFetchUUID // uuids stay strictly monotone per thread
			hi.Uop.FetchUUID = hi.FetchUUID
			u.NextFetchUUID++
			q.PushSide(lo)
			q.PushSide(hi)
			if hi.Uop.EOM {
				u.FetchRIP = seqRIP
			}
			return StepFetched
		}
	}

	if entry.Uop.IsBranch {
		// ripTaken starts from the decode-time natural taken target; a
		// return-type branch refines it from the fetch-side RAS hint first.
		ripTaken := entry.Uop.PredTarget
		if ripTaken == 0 {
			ripTaken = seqRIP
		}
		if entry.Uop.IsReturn {
			if frame, ok := u.PopRAS(); ok {
				ripTaken = frame.ReturnRIP
			}
		}
		entry.BranchInfo.RIP = entry.RIP
		predRIP := deps.BPred.Predict(&entry.BranchInfo, 0, seqRIP, ripTaken)
		if entry.Uop.IsCall {
			u.PushRAS(seqRIP)
			deps.BPred.UpdateRAS(&entry.BranchInfo, seqRIP)
		}
		entry.Uop.PredTaken = predRIP != seqRIP
		entry.Uop.PredTarget = predRIP
		entry.BranchInfo.PredDir = entry.Uop.PredTaken
		if predRIP != seqRIP {
			u.FetchRIP = predRIP
			u.TakenBranchThisCycle = true
		} else if entry.Uop.EOM {
			u.FetchRIP = seqRIP
		}
	} else if entry.Uop.EOM {
		u.FetchRIP = seqRIP
	}

	q.Push(entry)
	if u.TakenBranchThisCycle {
		return StepHaltTakenBranch
	}
	return StepFetched
}

// splitUnaligned expands a predicted-unaligned memory uop into a lo/hi pair
// (spec.md §4.7 step 5). Both halves carry the parent's metadata and differ
// only in their SOM/EOM markers.
func splitUnaligned(parent Entry) (lo, hi Entry) {
	lo, hi = parent, parent
	lo.Uop.EOM = false
	hi.Uop.SOM = false
	return lo, hi
}

// probeITLB models ITLB residency the same way hostcpu's DTLB does (spec.md
// §4.7 step 2, mirroring the §4.5 DTLB walk): the first touch of a page
// frame misses and triggers startWalk; every later touch of the same frame
// hits. Residency persists across RedirectTo, since it represents real
// hardware state, not speculative pipeline state that a flush should undo.
func (u *Unit) probeITLB(physFrame uint64) bool {
	hit := u.itlb[physFrame]
	u.itlb[physFrame] = true
	return hit
}

func newWalkRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Nanosecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset() // re-arm the current interval from the overridden fields
	return b
}

// cyclesForInterval maps a backoff duration onto a bounded cycle count; the
// walk only needs the generator's growth shape, not real wall time.
func cyclesForInterval(d time.Duration) int {
	cycles := int(d / time.Nanosecond)
	if cycles < 1 {
		cycles = 1
	}
	if cycles > 8 {
		cycles = 8
	}
	return cycles
}

func (u *Unit) startWalk(vaddr uint64) {
	retry := newWalkRetry()
	u.Walk = WalkState{Active: true, Level: 0, LevelsLeft: 4, VAddr: vaddr, retry: retry}
	u.Walk.cyclesUntilNextLevel = cyclesForInterval(retry.NextBackOff())
}

func (u *Unit) stepWalk(deps Deps) {
	if !u.Walk.Active {
		return
	}
	u.Walk.cyclesUntilNextLevel--
	if u.Walk.cyclesUntilNextLevel > 0 {
		return
	}
	u.Walk.LevelsLeft--
	u.Walk.Level++
	if u.Walk.LevelsLeft <= 0 {
		u.Walk.Active = false
		return
	}
	u.Walk.cyclesUntilNextLevel = cyclesForInterval(u.Walk.retry.NextBackOff())
}
