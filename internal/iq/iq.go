// Package iq implements the per-cluster issue queue: an associative tag
// store with broadcast-wakeup and deterministic tie-broken selection
// (spec.md §4.1).
//
// Grounded directly on proto/ooo/ooo.go: ComputeReadyBitmap/BuildDependency-
// Matrix's "producer tag -> set of waiting consumers" shape and SupraX.go's
// OutOfOrderScheduler.src1WaitsFor/src2WaitsFor two-bitmap wakeup table are
// the model for Broadcast; SelectIssueBundle's CTZ/CLZ priority-encoder scan
// is the model for Issue's deterministic slot-index tie-break.
package iq

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/semaphore"
)

// Slot is one dispatched-but-not-issued uop in the issue queue.
type Slot struct {
	Valid        bool
	Issued       bool
	ThreadID     int
	UopTag       Tag
	OperandTags  [4]Tag
	OperandUsed  [4]bool
	OperandReady [4]bool
}

func (s *Slot) allReady() bool {
	for i, used := range s.OperandUsed {
		if used && !s.OperandReady[i] {
			return false
		}
	}
	return true
}

// IQ is one cluster's associative tag store (spec.md §3 "Issue Queue (IQ)").
type IQ struct {
	size    int
	slots   []Slot
	free    []int // stack of free slot indices, highest-priority (lowest idx) popped first

	// waiters maps a not-yet-broadcast producer Tag to the bitmap of slot
	// indices with at least one pending operand tagged with it.
	waiters map[Tag]*roaring.Bitmap

	threadCount     int
	reservedPerThd  int
	perThreadInUse  []int
	shared          *semaphore.Weighted
	sharedHeldByThd []int // how many shared-pool entries each thread currently holds
}

// New constructs an IQ of the given size for threadCount SMT threads. The
// per-thread reservation is floor(sqrt(size/threadCount)) (spec.md §4.1
// "Reservation discipline"); the remainder backs a shared weighted
// semaphore pool.
func New(size, threadCount int) *IQ {
	reserved := int(math.Sqrt(float64(size) / float64(threadCount)))
	sharedCap := size - reserved*threadCount
	if sharedCap < 0 {
		sharedCap = 0
	}
	q := &IQ{
		size:            size,
		slots:           make([]Slot, size),
		free:            make([]int, size),
		waiters:         make(map[Tag]*roaring.Bitmap),
		threadCount:     threadCount,
		reservedPerThd:  reserved,
		perThreadInUse:  make([]int, threadCount),
		shared:          semaphore.NewWeighted(int64(sharedCap)),
		sharedHeldByThd: make([]int, threadCount),
	}
	for i := 0; i < size; i++ {
		q.free[size-1-i] = i // free[len-1] is slot 0, popped first
	}
	return q
}

// ReservedPerThread reports the guaranteed per-thread entry count.
func (q *IQ) ReservedPerThread() int { return q.reservedPerThd }

// CanAccept reports whether threadID may dispatch one more entry into this
// IQ this cycle without violating the reservation discipline: it must not
// already be relying on the shared pool beyond availability (spec.md §4.1
// "A thread may not fetch/dispatch if the total of its already-queued
// entries plus its fetch-this-cycle count would exceed reserved_per_thread
// and the shared pool is empty").
func (q *IQ) CanAccept(threadID int) bool {
	if len(q.free) == 0 {
		return false
	}
	if q.perThreadInUse[threadID] < q.reservedPerThd {
		return true
	}
	// Probe the shared pool and immediately hand the unit back; actual
	// accounting happens in Insert, which re-acquires for real. This keeps
	// CanAccept side-effect-free from the caller's perspective, mirroring
	// how dispatch in spec.md §4.3 first *checks* resource availability as
	// a distinct step from consuming it.
	if !q.shared.TryAcquire(1) {
		return false
	}
	q.shared.Release(1)
	return true
}

// Insert places a new slot for threadID with the given operand tags
// (producer uop-ids) and preready bitmap. Returns the slot index.
func (q *IQ) Insert(threadID int, uopTag Tag, operandTags [4]Tag, operandUsed [4]bool, preready [4]bool) (int, bool) {
	if len(q.free) == 0 {
		return -1, false
	}
	usingShared := q.perThreadInUse[threadID] >= q.reservedPerThd
	if usingShared {
		// Non-blocking by construction: the simulator is a single-threaded
		// state machine, so a failed probe means the pool is genuinely empty
		// this cycle, never contended.
		if !q.shared.TryAcquire(1) {
			return -1, false
		}
	}
	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]
	s := &q.slots[idx]
	*s = Slot{Valid: true, ThreadID: threadID, UopTag: uopTag, OperandTags: operandTags, OperandUsed: operandUsed}
	for i := range s.OperandReady {
		s.OperandReady[i] = preready[i]
	}
	q.perThreadInUse[threadID]++
	if usingShared {
		q.sharedHeldByThd[threadID]++
	}
	if !s.allReady() {
		for i, used := range s.OperandUsed {
			if used && !s.OperandReady[i] {
				q.addWaiter(s.OperandTags[i], idx)
			}
		}
	}
	return idx, true
}

func (q *IQ) addWaiter(tag Tag, slotIdx int) {
	bm := q.waiters[tag]
	if bm == nil {
		bm = roaring.New()
		q.waiters[tag] = bm
	}
	bm.Add(uint32(slotIdx))
}

// Broadcast marks every slot's matching operand ready for producerTag.
// Atomic-per-cycle: callers invoke this once per producer completion, and
// all matches are visible before the next Issue call this cycle (spec.md
// §4.1 "Broadcast is atomic-per-cycle").
func (q *IQ) Broadcast(producerTag Tag) {
	bm, ok := q.waiters[producerTag]
	if !ok {
		return
	}
	delete(q.waiters, producerTag)
	it := bm.Iterator()
	for it.HasNext() {
		idx := it.Next()
		s := &q.slots[idx]
		if !s.Valid {
			continue
		}
		for i, tag := range s.OperandTags {
			if s.OperandUsed[i] && tag == producerTag {
				s.OperandReady[i] = true
			}
		}
	}
}

// Issue returns one ready, unissued slot (lowest slot index wins ties, per
// spec.md §4.1 "ties are broken by slot-index priority, which is observable
// and must be deterministic"). prev is the slot returned by the previous
// Issue call this cycle, or -1 for the first: scanning resumes past it, so
// a slot replayed mid-cycle cannot shadow lower-priority ready slots within
// the same cycle. Call up to cluster.issue_width times per cycle.
func (q *IQ) Issue(prev int) (int, bool) {
	for i := prev + 1; i < len(q.slots); i++ {
		s := &q.slots[i]
		if s.Valid && !s.Issued && s.allReady() {
			s.Issued = true
			return i, true
		}
	}
	return -1, false
}

// Replay clears the issued bit so the uop re-enters the wakeup competition
// (spec.md §4.1 "replay"; §4.5 "NEEDS_REPLAY").
func (q *IQ) Replay(slot int) {
	q.slots[slot].Issued = false
}

// Release removes a slot and returns its reservation/shared-pool accounting
// (spec.md §4.1 "release(slot) / annul(slot) remove it").
func (q *IQ) Release(slot int) {
	s := &q.slots[slot]
	if !s.Valid {
		return
	}
	thread := s.ThreadID
	q.perThreadInUse[thread]--
	if q.sharedHeldByThd[thread] > 0 {
		q.sharedHeldByThd[thread]--
		q.shared.Release(1)
	}
	// Drop any dangling waiter-bitmap membership for this slot; producers
	// that already broadcast will have removed their own entries, so this
	// only matters for operands whose producer hasn't completed yet.
	for i, tag := range s.OperandTags {
		if s.OperandUsed[i] && !s.OperandReady[i] {
			if bm, ok := q.waiters[tag]; ok {
				bm.Remove(uint32(slot))
			}
		}
	}
	*s = Slot{}
	q.free = append(q.free, slot)
}

// Annul is an alias for Release used at mispredict/misspeculation squash
// sites, matching spec.md §4.1's naming of the same removal operation.
func (q *IQ) Annul(slot int) { q.Release(slot) }

// Slot exposes a slot for read access (selection diagnostics, tests).
func (q *IQ) Slot(idx int) Slot { return q.slots[idx] }

// FindByTag scans for the valid slot holding tag, if any. Used by
// misspeculation redispatch (spec.md §4.5 MISSPECULATED), which must pull a
// cone member out of whatever slot it currently occupies before reinserting
// it, but only knows the member by its ROB tag, not its slot index.
func (q *IQ) FindByTag(tag Tag) (int, bool) {
	for i := range q.slots {
		if q.slots[i].Valid && q.slots[i].UopTag == tag {
			return i, true
		}
	}
	return -1, false
}

// Size reports total capacity.
func (q *IQ) Size() int { return q.size }

// FreeCount reports the number of unallocated slots.
func (q *IQ) FreeCount() int { return len(q.free) }

// PerThreadOccupied reports how many slots threadID currently holds.
func (q *IQ) PerThreadOccupied(threadID int) int { return q.perThreadInUse[threadID] }

// SharedFreeEntries reports the remaining shared-pool capacity, used by §8
// invariant 3.
func (q *IQ) SharedFreeEntries() int64 {
	return int64(q.size-q.reservedPerThd*q.threadCount) - q.sharedInUse()
}

func (q *IQ) sharedInUse() int64 {
	var n int64
	for _, h := range q.sharedHeldByThd {
		n += int64(h)
	}
	return n
}
