// Package rrt implements the register rename tables: an array indexed by
// architectural register, each entry pointing to a physical register index
// plus the owning file class (spec.md §3 "Rename Rename Table (RRT)").
//
// Grounded on SupraX.go's OutOfOrderScheduler.rat/ratValid arrays,
// generalized to two instances (speculative / committed) and to the three
// flag-group pseudo-registers.
package rrt

import (
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/uop"
)

// Mapping is one RRT entry: which file and which index within it.
type Mapping struct {
	Valid bool
	File  prf.Class
	Index uint32
}

// Table is one rename table instance (spec or commit). Architectural
// registers and the NumFlagGroups flag groups share one indexed array.
type Table struct {
	regs  [uop.NumArchRegs]Mapping
	flags [uop.NumFlagGroups]Mapping
}

// New constructs a Table with every slot pointing at file's reserved
// zero-index PR (the "external_to_core_state" reset shape, §4.8): a fresh
// table has nothing speculative in flight, so every architectural register
// legitimately reads as zero until real renames happen.
func New(zeroFile prf.Class) *Table {
	t := &Table{}
	z := Mapping{Valid: true, File: zeroFile, Index: prf.ZeroIndex}
	for i := range t.regs {
		t.regs[i] = z
	}
	for i := range t.flags {
		t.flags[i] = z
	}
	return t
}

// Get returns the current mapping for an architectural register.
func (t *Table) Get(r uop.ArchReg) Mapping { return t.regs[r] }

// Set installs a new mapping for an architectural register, returning the
// previous one so the caller can unref it.
func (t *Table) Set(r uop.ArchReg, m Mapping) Mapping {
	prev := t.regs[r]
	t.regs[r] = m
	return prev
}

// GetFlag returns the current mapping for a flag group.
func (t *Table) GetFlag(g uop.FlagGroup) Mapping { return t.flags[g] }

// SetFlag installs a new mapping for a flag group, returning the previous one.
func (t *Table) SetFlag(g uop.FlagGroup, m Mapping) Mapping {
	prev := t.flags[g]
	t.flags[g] = m
	return prev
}

// Snapshot copies the full table, for a later Restore. Annulment does not
// use it; it rolls back per entry instead.
func (t *Table) Snapshot() Table { return *t }

// Restore overwrites t's contents from a prior Snapshot.
func (t *Table) Restore(snap Table) { *t = snap }

// Equal reports whether two tables hold identical mappings — used by the
// §8 round-trip property ("After external_to_core_state, specRRT[i] ==
// commitRRT[i]").
func (t *Table) Equal(o *Table) bool {
	return t.regs == o.regs && t.flags == o.flags
}
