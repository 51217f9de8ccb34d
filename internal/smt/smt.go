// Package smt implements the SMT arbiter: ICOUNT fetch-priority ordering,
// the per-phase round-robin starting-thread rotation, and the deadlock
// watchdog (spec.md §4.7, §5).
//
// Grounded on proto/ooo/ooo.go's ClassifyPriority for the "compute one
// priority number, sort, serve in that order" shape, applied here to
// threads instead of uops.
package smt

// ThreadStatus is the minimal per-thread state ICOUNT needs: how many uops
// currently sit in the front half of the pipeline, and whether the thread
// is running at all (spec.md §4.7 "non-running threads sink to the
// bottom").
type ThreadStatus struct {
	ThreadID        int
	FrontHalfCount  int
	Running         bool
}

// ICOUNTOrder returns thread ids ordered by fetch priority: fewer in-flight
// front-half uops first, non-running threads last, ties broken by thread id
// for determinism (spec.md §4.7 "priority = count of in-flight uops in the
// front half of the pipeline; lower is higher priority").
func ICOUNTOrder(statuses []ThreadStatus) []int {
	order := make([]int, len(statuses))
	for i, s := range statuses {
		order[i] = s.ThreadID
	}
	byID := make(map[int]ThreadStatus, len(statuses))
	for _, s := range statuses {
		byID[s.ThreadID] = s
	}
	// Insertion sort: thread counts are small (<=16), and determinism matters
	// more here than asymptotic complexity.
	for i := 1; i < len(order); i++ {
		j := i
		for j > 0 && less(byID[order[j]], byID[order[j-1]]) {
			order[j], order[j-1] = order[j-1], order[j]
			j--
		}
	}
	return order
}

func less(a, b ThreadStatus) bool {
	if a.Running != b.Running {
		return a.Running // running sorts before non-running
	}
	if a.FrontHalfCount != b.FrontHalfCount {
		return a.FrontHalfCount < b.FrontHalfCount
	}
	return a.ThreadID < b.ThreadID
}

// RoundRobin tracks the rotating starting-thread offset shared by the
// per-cycle commit/writeback/transfer/complete/dispatch phases (spec.md §5
// "Round-robin phases... rotate starting-thread each cycle").
type RoundRobin struct {
	threadCount int
	cursor      int
}

// NewRoundRobin constructs a rotation over threadCount threads.
func NewRoundRobin(threadCount int) *RoundRobin {
	return &RoundRobin{threadCount: threadCount}
}

// Order returns thread ids starting at the current cursor, wrapping around.
func (r *RoundRobin) Order() []int {
	order := make([]int, r.threadCount)
	for i := range order {
		order[i] = (r.cursor + i) % r.threadCount
	}
	return order
}

// Advance moves the cursor forward by one thread for the next cycle.
func (r *RoundRobin) Advance() {
	r.cursor = (r.cursor + 1) % r.threadCount
}

// Watchdog tracks per-thread cycles-since-last-commit, firing a fatal
// deadlock assertion once a thread goes 1M*thread_count cycles without
// retiring anything (spec.md §5 "Cancellation / timeout semantics").
type Watchdog struct {
	threshold    uint64
	sinceCommit  []uint64
}

// NewWatchdog constructs a watchdog sized for threadCount threads, with the
// spec-mandated threshold of 1,000,000 * thread_count cycles.
func NewWatchdog(threadCount int) *Watchdog {
	return &Watchdog{
		threshold:   uint64(threadCount) * 1_000_000,
		sinceCommit: make([]uint64, threadCount),
	}
}

// Tick records one cycle's outcome for threadID: committed resets the
// counter, otherwise it advances. Returns true if the deadlock threshold was
// just crossed.
func (w *Watchdog) Tick(threadID int, committed bool) bool {
	if committed {
		w.sinceCommit[threadID] = 0
		return false
	}
	w.sinceCommit[threadID]++
	return w.sinceCommit[threadID] >= w.threshold
}

// CyclesSinceCommit reports a thread's current idle streak, for diagnostics.
func (w *Watchdog) CyclesSinceCommit(threadID int) uint64 {
	return w.sinceCommit[threadID]
}
