// Package unaligned implements the unaligned-access predictor: a process-
// wide, fixed power-of-two bit array hashed from {rip, physical-frame},
// predicting whether a load or store will straddle an alignment boundary
// (spec.md §3 "Unaligned predictor").
package unaligned

import (
	"github.com/OneOfOne/xxhash"
)

// Predictor is a direct-mapped bit array shared by every thread on the core
// (spec.md §5 "Shared resources": "the unaligned predictor... shared by all
// threads").
type Predictor struct {
	bits []bool
	mask uint64
}

// New constructs a Predictor with the given power-of-two size.
func New(size int) *Predictor {
	if size <= 0 || size&(size-1) != 0 {
		panic("unaligned: size must be a power of two")
	}
	return &Predictor{bits: make([]bool, size), mask: uint64(size - 1)}
}

func (p *Predictor) index(rip, physFrame uint64) uint64 {
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(rip >> (8 * i))
		buf[8+i] = byte(physFrame >> (8 * i))
	}
	h := xxhash.Checksum64(buf[:])
	return h & p.mask
}

// Predict reports whether a load/store at {rip, physFrame} is predicted to
// straddle an alignment boundary.
func (p *Predictor) Predict(rip, physFrame uint64) bool {
	return p.bits[p.index(rip, physFrame)]
}

// Update records the actual outcome observed for {rip, physFrame}.
func (p *Predictor) Update(rip, physFrame uint64, wasUnaligned bool) {
	p.bits[p.index(rip, physFrame)] = wasUnaligned
}
