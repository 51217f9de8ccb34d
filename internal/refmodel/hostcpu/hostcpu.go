// Package hostcpu provides a minimal, in-process implementation of
// extiface.HostContext and extiface.MemoryHierarchy backed by a flat byte
// slice. It exists for tests and the CLI driver — nothing in internal/core
// depends on it directly, only on the extiface interfaces it implements.
//
// Grounded on SupraX.go's Memory type (a flat []uint64 store addressed by
// index) for the "flat slice stands in for a real memory system" idea,
// widened here to a byte slice so CheckAndTranslate/StoreInternal can work
// at sub-word granularity the way the LSQ's byte masks expect.
package hostcpu

import (
	"sync"

	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/uop"
)

// Memory is a flat, page-identity-mapped byte store shared by every thread
// on a core.
type Memory struct {
	mu    sync.Mutex
	bytes []byte
	dirty map[uint64]bool // per-page-frame SMC dirty bits
}

// NewMemory allocates a zeroed memory of the given size in bytes.
func NewMemory(size int) *Memory {
	return &Memory{bytes: make([]byte, size), dirty: make(map[uint64]bool)}
}

func (m *Memory) read(addr uint64) uint64 {
	if int(addr)+8 > len(m.bytes) {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(m.bytes[int(addr)+i]) << (8 * i)
	}
	return v
}

func (m *Memory) write(addr uint64, data uint64, mask uint64) {
	if int(addr)+8 > len(m.bytes) {
		return
	}
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		m.bytes[int(addr)+i] = byte(data >> (8 * i))
	}
	m.dirty[addr>>12] = true
}

// Thread is one architectural register file plus the per-thread slice of
// HostContext; Memory and the page tables it would otherwise own are
// shared across every Thread on the same core via the embedded *Memory.
type Thread struct {
	mu   sync.Mutex
	mem  *Memory
	regs [uop.NumArchRegs]uint64
	eip  uint64

	kernelMode bool
	events     []func()

	tlb map[uint64]bool // resident page frames; absent means "walk required"
}

// NewThread constructs a Thread sharing mem, starting execution at eip.
func NewThread(mem *Memory, eip uint64) *Thread {
	t := &Thread{mem: mem, eip: eip, tlb: make(map[uint64]bool)}
	t.regs[uop.RegRIP] = eip
	return t
}

// QueueEvent enqueues an external event (an interrupt, a cross-thread IPI)
// for later delivery via EventUpcall. Nothing in internal/core calls this
// directly; it exists for whatever drives the host (tests, the CLI) to
// signal that a pending event should be latched next cycle.
func (t *Thread) QueueEvent(ev func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *Thread) CheckEvents() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events) > 0
}

func (t *Thread) EventUpcall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return
	}
	ev := t.events[0]
	t.events = t.events[1:]
	ev()
}

func (t *Thread) PropagateException(kind string, code uint64, faultAddr uint64) {
	// A reference host has nowhere further to propagate to; recorded via
	// the commit path's ExceptionInfo instead.
}

func (t *Thread) HandlePageFault(addr uint64, write bool) {}

func (t *Thread) Get(reg extiface.RegID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs[reg]
}

func (t *Thread) SetReg(reg extiface.RegID, value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs[reg] = value
}

func (t *Thread) KernelMode() bool { return t.kernelMode }

func (t *Thread) EIP() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eip
}

func (t *Thread) SetEIP(rip uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eip = rip
	t.regs[uop.RegRIP] = rip
}

func (t *Thread) SMCIsDirty(mfn uint64) bool {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	return t.mem.dirty[mfn]
}

func (t *Thread) SMCSetDirty(physAddr uint64) {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	t.mem.dirty[physAddr>>12] = true
}

func (t *Thread) StoreInternal(va uint64, data uint64, mask uint64) {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	t.mem.write(va, data, mask)
}

func (t *Thread) StoreMaskVirt(va uint64, data uint64, mask uint64, size int) {
	t.StoreInternal(va, data, mask)
}

func (t *Thread) LoadInternal(va uint64, mask uint64) uint64 {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	v := t.mem.read(va)
	var masked uint64
	for i := 0; i < 8; i++ {
		if mask&(1<<uint(i)) != 0 {
			masked |= v & (0xFF << (8 * i))
		}
	}
	return masked
}

// CheckAndTranslate is the identity map: every virtual address is its own
// physical address, and nothing ever faults. Real translation is out of
// scope (spec.md §1); this is the "flat map" reference stand-in tests use.
// It does model TLB residency: the first translation of a given page frame
// reports TLBMiss so callers drive a walk, and every later one hits.
func (t *Thread) CheckAndTranslate(rip uint64, write, exec bool) extiface.TranslateResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame := rip >> 12
	miss := !t.tlb[frame]
	t.tlb[frame] = true
	return extiface.TranslateResult{PhysAddr: rip, Fault: extiface.PageFaultNone, TLBMiss: miss}
}

// Cache is a trivial always-hit, always-available memory hierarchy stand-in.
type Cache struct {
	mem *Memory
}

// NewCache constructs a Cache reading/writing through mem.
func NewCache(mem *Memory) *Cache { return &Cache{mem: mem} }

func (c *Cache) IsCacheAvailable(core, thread int, icache bool) bool { return true }

func (c *Cache) GetFreeRequest(core int) (*extiface.Request, bool) {
	return &extiface.Request{Core: core}, true
}

func (c *Cache) AccessCache(req *extiface.Request) bool {
	if req.Callback != nil {
		req.Callback(req)
	}
	return true
}

func (c *Cache) ProbeLock(physAddr uint64, cpu int) (int, bool) { return 0, false }
func (c *Cache) InvalidateLock(physAddr uint64, cpu int)        {}

func (c *Cache) RegisterICacheWakeup(cb func(req *extiface.Request)) {}
func (c *Cache) RegisterDCacheWakeup(cb func(req *extiface.Request)) {}
