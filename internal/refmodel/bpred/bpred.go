// Package bpred implements extiface.BranchPredictor with a TAGE-style
// geometric-history predictor plus a per-thread return-address stack.
//
// Grounded directly on proto/tage/tage.go's TAGEPredictor: the geometric
// history-length table, XOR-combined tag+context compare, CLZ-based
// longest-match selection, and 4-way LRU allocation all carry over
// unchanged; the surface is reshaped from the original's free functions
// into the narrow Predict/Update/UpdateRAS/AnnulRAS contract
// extiface.BranchPredictor names, with "context" now meaning thread
// rather than hardware context slot.
package bpred

import (
	"math/bits"

	"github.com/suprax-arch/coresim/internal/extiface"
)

const (
	numTables       = 8
	entriesPerTable = 1024
	tagBits         = 13
	maxCounter      = 7
	neutralCounter  = 4
	takenThreshold  = 4
	agingInterval   = 1024
	lruSearchWidth  = 4
	maxAge          = 7
	validBitWords   = entriesPerTable / 32
	maxThreads      = 16
)

var historyLengths = [numTables]int{0, 4, 8, 12, 16, 24, 32, 64}

type tageEntry struct {
	tag     uint16
	counter uint8
	thread  uint8
	useful  bool
	taken   bool
	age     uint8
}

type tageTable struct {
	entries    [entriesPerTable]tageEntry
	validBits  [validBitWords]uint32
	historyLen int
}

// Predictor is one core's shared TAGE predictor plus per-thread RAS.
type Predictor struct {
	tables       [numTables]tageTable
	history      [maxThreads]uint64
	branchCount  uint64
	agingEnabled bool

	ras [maxThreads][]uint64
}

// New constructs a Predictor with the base table fully populated at the
// neutral counter value, matching proto/tage/tage.go's NewTAGEPredictor
// ("base predictor must be fully initialized, without this the fallback
// returns uninitialized data").
func New() *Predictor {
	p := &Predictor{agingEnabled: true}
	for i := range p.tables {
		p.tables[i].historyLen = historyLengths[i]
	}
	base := &p.tables[0]
	for idx := 0; idx < entriesPerTable; idx++ {
		base.entries[idx] = tageEntry{counter: neutralCounter}
		base.validBits[idx/32] |= 1 << uint(idx%32)
	}
	return p
}

// Init resets one thread's RAS and leaves the trained TAGE tables intact.
// Each thread gets its own Predictor instance (cmd/coresim allocates one
// per thread), matching the original's per-thread branch predictor. Only
// Init takes a thread index; Predict, Update, UpdateRAS and AnnulRAS always
// use RAS slot 0.
func (p *Predictor) Init(core, thread int) {
	p.ras[thread] = p.ras[thread][:0]
}

func hashIndex(pc, history uint64, historyLen int) uint32 {
	pcBits := uint32((pc >> 12) & 0x3FF)
	if historyLen == 0 {
		return pcBits
	}
	mask := uint64(1)<<uint(historyLen) - 1
	h := uint32(history & mask)
	for h > 0x3FF {
		h = (h & 0x3FF) ^ (h >> 10)
	}
	return (pcBits ^ h) & 0x3FF
}

func hashTag(pc uint64) uint16 {
	return uint16((pc >> 22) & (1<<tagBits - 1))
}

// predict returns (taken, confidence) using parallel lookup across every
// table, selecting the longest-history hit via leading-zero count.
func (p *Predictor) predict(pc uint64, thread int) (bool, uint8) {
	history := p.history[thread]
	tag := hashTag(pc)

	var hitBitmap uint8
	var predictions [numTables]bool
	var counters [numTables]uint8

	for i := 0; i < numTables; i++ {
		table := &p.tables[i]
		idx := hashIndex(pc, history, table.historyLen)
		word, bit := idx>>5, idx&31
		if (table.validBits[word]>>bit)&1 == 0 {
			continue
		}
		entry := &table.entries[idx]
		if entry.tag == tag && entry.thread == uint8(thread) {
			hitBitmap |= 1 << uint(i)
			predictions[i] = entry.taken
			counters[i] = entry.counter
		}
	}

	if hitBitmap != 0 {
		winner := 7 - bits.LeadingZeros8(hitBitmap)
		counter := counters[winner]
		confidence := uint8(1)
		if counter <= 1 || counter >= 6 {
			confidence = 2
		}
		return predictions[winner], confidence
	}

	baseIdx := hashIndex(pc, 0, 0)
	return p.tables[0].entries[baseIdx].counter >= takenThreshold, 0
}

// Predict implements extiface.BranchPredictor: it consults the TAGE tables
// for the taken/not-taken direction and returns ripTaken or ripAfter
// accordingly, recording the prediction on update for later training.
func (p *Predictor) Predict(update *extiface.BranchUpdateInfo, bpType uint8, ripAfter, ripTaken uint64) uint64 {
	taken, _ := p.predict(update.RIP, 0)
	update.BPType = bpType
	update.PredDir = taken
	if taken {
		return ripTaken
	}
	return ripAfter
}

// UpdateRAS pushes a return address for a call-type branch.
func (p *Predictor) UpdateRAS(update *extiface.BranchUpdateInfo, ripAfter uint64) {
	thread := 0
	p.ras[thread] = append(p.ras[thread], ripAfter)
}

// AnnulRAS undoes a speculative RAS push after a flush discovers the call
// never should have executed.
func (p *Predictor) AnnulRAS(update *extiface.BranchUpdateInfo) {
	thread := 0
	if n := len(p.ras[thread]); n > 0 {
		p.ras[thread] = p.ras[thread][:n-1]
	}
}

// Update trains the predictor with the resolved outcome, allocating a new
// tagged entry in table 1 on a miss (proto/tage/tage.go's Update).
func (p *Predictor) Update(update *extiface.BranchUpdateInfo, ripAfter uint64, actualTaken bool, actualTarget uint64) {
	thread := 0
	pc := update.RIP
	history := p.history[thread]
	tag := hashTag(pc)

	matchedTable := -1
	var matchedIdx uint32
	for i := numTables - 1; i >= 0; i-- {
		table := &p.tables[i]
		idx := hashIndex(pc, history, table.historyLen)
		word, bit := idx>>5, idx&31
		if (table.validBits[word]>>bit)&1 == 0 {
			continue
		}
		entry := &table.entries[idx]
		if entry.tag == tag && entry.thread == uint8(thread) {
			matchedTable = i
			matchedIdx = idx
			break
		}
	}

	if matchedTable >= 0 {
		entry := &p.tables[matchedTable].entries[matchedIdx]
		if actualTaken {
			if entry.counter < maxCounter {
				entry.counter++
			}
		} else if entry.counter > 0 {
			entry.counter--
		}
		entry.taken = actualTaken
		entry.useful = true
		entry.age = 0
	} else {
		allocTable := &p.tables[1]
		allocIdx := hashIndex(pc, history, allocTable.historyLen)
		victim := findLRUVictim(allocTable, allocIdx)
		allocTable.entries[victim] = tageEntry{
			tag: tag, thread: uint8(thread), taken: actualTaken, counter: neutralCounter,
		}
		word, bit := victim>>5, victim&31
		allocTable.validBits[word] |= 1 << bit
	}

	p.history[thread] <<= 1
	if actualTaken {
		p.history[thread] |= 1
	}

	p.branchCount++
	if p.agingEnabled && p.branchCount >= agingInterval {
		p.ageAllEntries()
		p.branchCount = 0
	}
}

func findLRUVictim(table *tageTable, preferredIdx uint32) uint32 {
	maxEntryAge := uint8(0)
	victim := preferredIdx
	foundFree := false
	for offset := uint32(0); offset < lruSearchWidth; offset++ {
		idx := (preferredIdx + offset) & (entriesPerTable - 1)
		word, bit := idx>>5, idx&31
		if (table.validBits[word]>>bit)&1 == 0 {
			if !foundFree {
				victim = idx
				foundFree = true
			}
			continue
		}
		if foundFree {
			continue
		}
		if age := table.entries[idx].age; age > maxEntryAge {
			maxEntryAge = age
			victim = idx
		}
	}
	return victim
}

func (p *Predictor) ageAllEntries() {
	for t := range p.tables {
		for i := 0; i < entriesPerTable; i++ {
			word, bit := i>>5, i&31
			if (p.tables[t].validBits[word]>>bit)&1 == 0 {
				continue
			}
			if e := &p.tables[t].entries[i]; e.age < maxAge {
				e.age++
			}
		}
	}
}
