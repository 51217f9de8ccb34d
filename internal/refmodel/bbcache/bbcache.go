// Package bbcache provides a minimal, in-process implementation of
// extiface.BBCache: a map-keyed translation cache holding whatever blocks
// its caller-supplied Synth produces. Real x86
// decode and uop synthesis are out of scope (spec.md §1 "uop synthesis is
// an external concern"); this reference exists so tests and the CLI have
// something to fetch from without a real decoder.
//
// Grounded on SupraX.go's instruction-window lookup table for the
// "map-backed cache keyed by address, refcounted rather than time-sliced"
// shape, keyed here with xxhash the way internal/unaligned hashes its
// {rip, physical-frame} pair.
package bbcache

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/uop"
)

// Synth builds a BB's translated uop stream for one rip: the opcode,
// decoded template (class/dest/operands/flags — everything but the
// per-fetch rip/uuid/SOM/EOM fields fetch fills in itself), and
// synthesized exec closure for each uop in the block. Tests supply their
// own to exercise specific instruction sequences; the CLI's default Synth
// (see cmd/coresim) manufactures a deterministic single-uop block.
type Synth func(rip uint64) (ops []uop.Opcode, templates []uop.Uop, execs []uop.ExecFunc)

// Cache is a refcounted, map-backed basic-block cache.
type Cache struct {
	mu    sync.Mutex
	synth Synth
	blocks map[uint64]*entry
}

type entry struct {
	bb   extiface.BB
	refs int
}

// New constructs a Cache using synth to translate cache misses.
func New(synth Synth) *Cache {
	return &Cache{synth: synth, blocks: make(map[uint64]*entry)}
}

func key(rvp uint64) uint64 {
	h := xxhash.New64()
	var b [8]byte
	for i := range b {
		b[i] = byte(rvp >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}

// Lookup returns the cached BB for rvp, if present.
func (c *Cache) Lookup(rvp uint64) (*extiface.BB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.blocks[key(rvp)]
	if !ok {
		return nil, false
	}
	return &e.bb, true
}

// Translate synthesizes and caches a BB for rvp, or returns the already
// cached one.
func (c *Cache) Translate(ctx extiface.HostContext, rvp uint64) (*extiface.BB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(rvp)
	if e, ok := c.blocks[k]; ok {
		return &e.bb, nil
	}
	ops, templates, execs := c.synth(rvp)
	bb := extiface.BB{RIP: rvp, Count: len(ops), TransOps: ops, SynthOps: execs, Templates: templates}
	c.blocks[k] = &entry{bb: bb}
	return &c.blocks[k].bb, nil
}

// Acquire increments a BB's reference count. The cache never evicts on its
// own, and InvalidatePage and Flush drop blocks regardless of the count.
func (c *Cache) Acquire(bb *extiface.BB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.blocks[key(bb.RIP)]; ok {
		e.refs++
	}
}

// Release decrements a BB's reference count.
func (c *Cache) Release(bb *extiface.BB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.blocks[key(bb.RIP)]; ok && e.refs > 0 {
		e.refs--
	}
}

// InvalidatePage drops every cached BB whose rip falls on mfn.
func (c *Cache) InvalidatePage(mfn uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.blocks {
		if e.bb.RIP>>12 == mfn {
			delete(c.blocks, k)
		}
	}
}

// Flush drops every cached BB unconditionally.
func (c *Cache) Flush(ctx extiface.HostContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = make(map[uint64]*entry)
}
