// Package cluster implements functional-unit cluster partitioning and the
// cluster-selection heuristic used at dispatch (spec.md §4.4).
//
// Grounded on proto/ooo/ooo.go's ClassifyPriority OR-reduction-tree idiom,
// applied here to bitmap intersection over the legal-cluster set instead of
// dependency classification.
package cluster

import "math/bits"

// FUConfig describes one functional-unit type available within a cluster
// (SPEC_FULL.md §4 "Per-cluster issue-port/FU latency table").
type FUConfig struct {
	Name    string
	Count   int
	Latency int // cycles from issue to complete
}

// Config is one cluster's static configuration.
type Config struct {
	ID                  int
	ExecutableOpMask     uint64 // bit per opcode-class this cluster can execute; caller-defined encoding
	FUs                 []FUConfig
}

// Set holds every cluster's configuration plus the inter-cluster bypass
// latency matrix (spec.md §4.4 "intercluster_latency_map") and the per-
// (src,cycle) forwarding fan-out table (spec.md §4.5 "forward_at_cycle_lut").
type Set struct {
	Clusters         []Config
	InterLatency     [][]int // [src][dst] cycles
	ForwardAtCycle   [][][]bool // [src][cycle] -> bitmap of dst clusters woken this cycle, expressed as bool slice indexed by dst
}

// NumClusters reports how many clusters are configured.
func (s *Set) NumClusters() int { return len(s.Clusters) }

// Select implements spec.md §4.4's algorithm: intersect the uop's
// executable-cluster bitmap with the bitmap of clusters that have a free
// IQ slot for this thread, tally operand-producer clusters within the
// legal set, and pick the highest tally, breaking ties by lowest set bit.
//
// hasSlot reports, per cluster index, whether that cluster's IQ currently
// has room for threadID. producerClusters lists the cluster each already-
// available operand was produced in (-1 for operands not yet produced).
func (s *Set) Select(executable uint64, hasSlot func(clusterID int) bool, producerClusters []int) (int, bool) {
	var legal uint64
	for c := range s.Clusters {
		if executable&(1<<uint(c)) != 0 && hasSlot(c) {
			legal |= 1 << uint(c)
		}
	}
	if legal == 0 {
		return -1, false
	}
	tally := make(map[int]int)
	for _, pc := range producerClusters {
		if pc < 0 {
			continue
		}
		if legal&(1<<uint(pc)) != 0 {
			tally[pc]++
		}
	}
	best := -1
	bestScore := -1
	remaining := legal
	for remaining != 0 {
		c := bits.TrailingZeros64(remaining)
		remaining &^= 1 << uint(c)
		score := tally[c]
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == -1 {
		// No operand-producer tally broke the tie; lowest set bit of legal wins.
		best = bits.TrailingZeros64(legal)
	}
	return best, true
}

// InterclusterLatency returns the bypass latency from src to dst.
func (s *Set) InterclusterLatency(src, dst int) int {
	if src == dst {
		return 0
	}
	return s.InterLatency[src][dst]
}

// executableMask ORs together the bit for every uop.Class named, using its
// own numeric value as the bit position — the same encoding
// internal/core's executableOn helper reads back out.
func executableMask(classes ...int) uint64 {
	var m uint64
	for _, c := range classes {
		m |= 1 << uint(c)
	}
	return m
}

// Default builds a two-cluster configuration: cluster 0 carries the ALU/
// branch/load/store functional units close to the front end, cluster 1
// carries FP/store paired with a second ALU, with a flat one-cycle bypass
// between them. Callers needing a different FU layout build their own Set.
func Default() *Set {
	const (
		classInt    = 0
		classFP     = 1
		classBranch = 2
		classLoad   = 3
		classStore  = 4
		classFence  = 5
		classAssist = 6
	)
	clusters := []Config{
		{
			ID:               0,
			ExecutableOpMask: executableMask(classInt, classBranch, classLoad, classStore, classFence, classAssist),
			FUs: []FUConfig{
				{Name: "alu", Count: 2, Latency: 1},
				{Name: "bru", Count: 1, Latency: 1},
				{Name: "lsu", Count: 2, Latency: 3},
			},
		},
		{
			ID:               1,
			ExecutableOpMask: executableMask(classInt, classFP, classStore),
			FUs: []FUConfig{
				{Name: "alu", Count: 1, Latency: 1},
				{Name: "fpu", Count: 1, Latency: 4},
				{Name: "lsu", Count: 1, Latency: 3},
			},
		},
	}
	n := len(clusters)
	interLatency := make([][]int, n)
	forwardAtCycle := make([][][]bool, n)
	for i := range interLatency {
		interLatency[i] = make([]int, n)
		forwardAtCycle[i] = make([][]bool, 2)
		for cyc := range forwardAtCycle[i] {
			forwardAtCycle[i][cyc] = make([]bool, n)
		}
		for j := range interLatency[i] {
			if i == j {
				// Cycle-0 same-cluster wake enables back-to-back dependent
				// issue (spec.md §4.5 "Transfer & forwarding").
				forwardAtCycle[i][0][j] = true
				continue
			}
			interLatency[i][j] = 1
			forwardAtCycle[i][1][j] = true
		}
	}
	return &Set{Clusters: clusters, InterLatency: interLatency, ForwardAtCycle: forwardAtCycle}
}
