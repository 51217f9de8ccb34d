// Package rob implements the reorder buffer: an arena of fixed ROB entries
// plus the per-thread doubly-linked state lists spanning frontend->commit
// (spec.md §3 "ROB entry", "ROB per-thread state lists").
//
// Grounded on proto/ooo/ooo.go's InstructionWindow (a fixed slot-indexed
// arena addressed by age/index, not pointer) generalized from a flat
// 32-entry window into the full frontend->dispatch->issue->complete->
// writeback->commit state-list chain §3 describes.
package rob

import (
	"fmt"

	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/uop"
)

// ListID names one of the per-thread state lists an entry can occupy.
// Cluster-scoped lists encode the cluster index alongside the phase.
type ListID struct {
	Phase   Phase
	Cluster int // meaningful only for cluster-scoped phases
}

// Phase enumerates the ROB state-list phases of spec.md §3.
type Phase uint8

const (
	PhaseFree Phase = iota
	PhaseFrontend
	PhaseReadyToDispatch
	PhaseDispatched   // cluster-scoped
	PhaseReadyToIssue // cluster-scoped
	PhaseReadyToLoad  // cluster-scoped
	PhaseReadyToStore // cluster-scoped
	PhaseIssued       // cluster-scoped
	PhaseCompleted    // cluster-scoped
	PhaseReadyToWriteback // cluster-scoped
	PhaseReadyToCommit
	// Side lists (spec.md §3 "Side lists").
	PhaseCacheMiss
	PhaseTLBMiss
	PhaseMemoryFence
)

func (p Phase) String() string {
	names := [...]string{
		"free", "frontend", "ready-to-dispatch", "dispatched", "ready-to-issue",
		"ready-to-load", "ready-to-store", "issued", "completed",
		"ready-to-writeback", "ready-to-commit", "cache-miss", "tlb-miss",
		"memory-fence",
	}
	if int(p) < len(names) {
		return names[p]
	}
	return "unknown-phase"
}

// IsClusterScoped reports whether Phase p requires a Cluster index.
func (p Phase) IsClusterScoped() bool {
	switch p {
	case PhaseDispatched, PhaseReadyToIssue, PhaseReadyToLoad, PhaseReadyToStore,
		PhaseIssued, PhaseCompleted, PhaseReadyToWriteback:
		return true
	default:
		return false
	}
}

// listFlags records, per list, whether membership implies the entry is
// ready and whether it occupies an issue-queue slot (spec.md §3: "Each list
// carries flags whose bits mark whether membership implies ready or
// occupies-an-issue-queue-slot").
type listFlags struct {
	ready       bool
	occupiesIQ  bool
}

func flagsFor(p Phase) listFlags {
	switch p {
	case PhaseReadyToIssue, PhaseReadyToLoad, PhaseReadyToStore:
		return listFlags{ready: true, occupiesIQ: true}
	case PhaseDispatched:
		return listFlags{ready: false, occupiesIQ: true}
	case PhaseReadyToDispatch, PhaseReadyToWriteback, PhaseReadyToCommit:
		return listFlags{ready: true}
	default:
		return listFlags{}
	}
}

// PrevMapping records a rename-table mapping displaced by this entry's own
// rename, kept so annulment can reconstruct specRRT by pseudo-committing the
// squashed entries in reverse (spec.md §4.8 "Annulment after a mispredict").
type PrevMapping struct {
	Valid bool
	File  int
	Index uint32
}

// Entry is one reorder-buffer slot (spec.md §3 "ROB entry").
type Entry struct {
	Idx   uint32
	Valid bool // entry_valid
	Uop   uop.Uop

	DestPhys    uint32
	DestFile    int
	OperandPhys [uop.MaxOperands]uint32
	OperandFile [uop.MaxOperands]int
	OperandUsed [uop.MaxOperands]bool

	PrevDest PrevMapping
	PrevFlag [uop.NumFlagGroups]PrevMapping

	// BranchInfo is the predictor's update record, produced at fetch and
	// consumed by commit's branch-resolution step and by RAS annulment.
	BranchInfo extiface.BranchUpdateInfo

	LSQIdx        int32 // -1 if not a memory uop
	Cluster       int
	CyclesLeft    int
	ForwardCycle  int
	FUAssigned    int
	Issued        bool
	LockAcquired  bool
	AnnulFlag     bool
	TLBWalkLevel  int
	ConsumerCount uint8 // saturating at 255, §4.3 step 3

	list       ListID
	next, prev int32
}

// ROB is the per-thread reorder buffer.
type ROB struct {
	ThreadID int
	entries  []Entry
	heads    map[ListID]int32
	tails    map[ListID]int32
	counts   map[ListID]int
}

// New constructs a ROB with size entries, all on the free list.
func New(threadID, size, numClusters int) *ROB {
	r := &ROB{
		ThreadID: threadID,
		entries:  make([]Entry, size),
		heads:    map[ListID]int32{},
		tails:    map[ListID]int32{},
		counts:   map[ListID]int{},
	}
	for _, l := range allLists(numClusters) {
		r.heads[l] = -1
		r.tails[l] = -1
	}
	for i := range r.entries {
		r.entries[i] = Entry{Idx: uint32(i), LSQIdx: -1, next: -1, prev: -1}
	}
	for i := len(r.entries) - 1; i >= 0; i-- {
		r.pushFront(ListID{Phase: PhaseFree}, int32(i))
	}
	return r
}

func allLists(numClusters int) []ListID {
	ls := []ListID{
		{Phase: PhaseFree}, {Phase: PhaseFrontend}, {Phase: PhaseReadyToDispatch},
		{Phase: PhaseReadyToCommit}, {Phase: PhaseCacheMiss}, {Phase: PhaseTLBMiss},
		{Phase: PhaseMemoryFence},
	}
	for c := 0; c < numClusters; c++ {
		for _, p := range []Phase{PhaseDispatched, PhaseReadyToIssue, PhaseReadyToLoad,
			PhaseReadyToStore, PhaseIssued, PhaseCompleted, PhaseReadyToWriteback} {
			ls = append(ls, ListID{Phase: p, Cluster: c})
		}
	}
	return ls
}

func (r *ROB) pushFront(l ListID, idx int32) {
	head := r.heads[l]
	r.entries[idx].next = head
	r.entries[idx].prev = -1
	if head != -1 {
		r.entries[head].prev = idx
	} else {
		r.tails[l] = idx
	}
	r.heads[l] = idx
	r.counts[l]++
}

func (r *ROB) pushBack(l ListID, idx int32) {
	tail := r.tails[l]
	r.entries[idx].prev = tail
	r.entries[idx].next = -1
	if tail != -1 {
		r.entries[tail].next = idx
	} else {
		r.heads[l] = idx
	}
	r.tails[l] = idx
	r.counts[l]++
}

func (r *ROB) remove(l ListID, idx int32) {
	e := &r.entries[idx]
	if e.prev != -1 {
		r.entries[e.prev].next = e.next
	} else {
		r.heads[l] = e.next
	}
	if e.next != -1 {
		r.entries[e.next].prev = e.prev
	} else {
		r.tails[l] = e.prev
	}
	e.next, e.prev = -1, -1
	r.counts[l]--
}

// Move transfers entry idx from its current list to dst, maintaining the
// entry_valid / list-membership invariant (§8 invariant 2, 5). Every list is
// FIFO-ordered: head is the member that entered the list first. That is
// program order only for lists entered in program order (frontend); lists
// filled as uops complete, such as ready_to_commit, are in completion order,
// so commit picks its oldest entry by fetch uuid instead.
func (r *ROB) Move(idx uint32, dst ListID) {
	e := &r.entries[idx]
	r.remove(e.list, int32(idx))
	e.list = dst
	e.Valid = dst.Phase != PhaseFree
	r.pushBack(dst, int32(idx))
}

// Alloc pops one entry off the free list, in order (so Idx growth tracks
// program order among live entries within one allocation burst), and
// installs it on PhaseFrontend.
func (r *ROB) Alloc() (*Entry, bool) {
	idx := r.heads[ListID{Phase: PhaseFree}]
	if idx == -1 {
		return nil, false
	}
	r.remove(ListID{Phase: PhaseFree}, idx)
	e := &r.entries[idx]
	*e = Entry{Idx: e.Idx, LSQIdx: -1, next: -1, prev: -1}
	e.Valid = true
	e.list = ListID{Phase: PhaseFrontend}
	r.pushBack(e.list, idx)
	return e, true
}

// Free returns entry idx to the back of the free list (retire or annul
// path). The free list is FIFO so reallocated indices keep advancing
// circularly: consecutive allocations stay index-consecutive mod capacity,
// which commit's macro-op group walk relies on. Index order is NOT a
// program-order age relation across a wrap — age comparisons elsewhere use
// the strictly monotone fetch uuid instead.
func (r *ROB) Free(idx uint32) {
	e := &r.entries[idx]
	r.remove(e.list, int32(idx))
	e.list = ListID{Phase: PhaseFree}
	e.Valid = false
	r.pushBack(e.list, int32(idx))
}

// Get returns entry idx for inspection/mutation by the calling stage.
func (r *ROB) Get(idx uint32) *Entry { return &r.entries[idx] }

// List reports the state list the entry currently sits on — the
// state_list_pointer of spec.md §3.
func (e *Entry) List() ListID { return e.list }

// Head returns the oldest entry on list l, or nil if empty.
func (r *ROB) Head(l ListID) *Entry {
	idx := r.heads[l]
	if idx == -1 {
		return nil
	}
	return &r.entries[idx]
}

// Each iterates list l from head (oldest) to tail (newest), calling fn for
// each entry; fn returning false stops iteration early.
func (r *ROB) Each(l ListID, fn func(*Entry) bool) {
	idx := r.heads[l]
	for idx != -1 {
		next := r.entries[idx].next
		if !fn(&r.entries[idx]) {
			return
		}
		idx = next
	}
}

// Len reports the number of entries on list l.
func (r *ROB) Len(l ListID) int { return r.counts[l] }

// Capacity reports the total ROB size.
func (r *ROB) Capacity() int { return len(r.entries) }

// Occupied reports how many entries are not on the free list.
func (r *ROB) Occupied() int { return len(r.entries) - r.counts[ListID{Phase: PhaseFree}] }

// ListFlags exposes the ready/occupies-IQ bits for the entry's current list
// (§3 side-list flag bits), used when restoring state after flush/redispatch.
func ListFlags(l ListID) (ready, occupiesIQ bool) {
	f := flagsFor(l.Phase)
	return f.ready, f.occupiesIQ
}

// CheckInvariants validates §8 invariant 2 and 5 for debug builds: every
// entry's recorded list matches the list it's actually linked into, and no
// entry appears on two lists. Because membership here is structural (one
// next/prev pair per entry), invariant 5 is true by construction; this
// walks every list and cross-checks entry.list for invariant 2.
func (r *ROB) CheckInvariants() error {
	seen := make(map[int32]ListID)
	for l, head := range r.heads {
		idx := head
		for idx != -1 {
			if other, ok := seen[idx]; ok {
				return fmt.Errorf("rob: entry %d present on both %v and %v", idx, other, l)
			}
			seen[idx] = l
			if r.entries[idx].list != l {
				return fmt.Errorf("rob: entry %d list field %v does not match actual list %v", idx, r.entries[idx].list, l)
			}
			idx = r.entries[idx].next
		}
	}
	for i := range r.entries {
		l, ok := seen[int32(i)]
		wantValid := l.Phase != PhaseFree
		if !ok {
			return fmt.Errorf("rob: entry %d not linked into any list", i)
		}
		if r.entries[i].Valid != wantValid {
			return fmt.Errorf("rob: entry %d Valid=%v but list=%v", i, r.entries[i].Valid, l)
		}
	}
	return nil
}

// IncConsumerCount saturates at 255 per spec.md §4.3 step 3.
func (e *Entry) IncConsumerCount() {
	if e.ConsumerCount < 255 {
		e.ConsumerCount++
	}
}
