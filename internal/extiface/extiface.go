// Package extiface defines the narrow interfaces the core consumes from its
// external collaborators (spec.md §6 "External Interfaces"): the host CPU
// context, the memory hierarchy, the basic-block cache, and the branch
// predictor. None of these are implemented by the core itself — §1 places
// all of them out of scope; this package only names the boundary.
//
// Grounded on other_examples/48aace45_user-none-go-chip-m68k__cpu.go.go's
// Bus/CycleBus split: a minimal required interface plus an optional richer
// one, used here for MemoryHierarchy's base request/response surface versus
// the lock-probe extension only locked memory ops need.
package extiface

import "github.com/suprax-arch/coresim/internal/uop"

// RegID names an architectural register for HostContext Get/Set.
type RegID = uop.ArchReg

// PageFaultKind distinguishes why check_and_translate failed.
type PageFaultKind uint8

const (
	PageFaultNone PageFaultKind = iota
	PageFaultRead
	PageFaultWrite
	PageFaultExec
)

// TranslateResult is the result of HostContext.CheckAndTranslate.
type TranslateResult struct {
	PhysAddr uint64
	Fault    PageFaultKind
	PFEC     uint64 // page-fault error code

	// TLBMiss reports whether this translation required a page walk (the
	// frame was not already resident), independent of Fault: a walk can
	// still resolve to either a valid mapping or a fault. Callers that need
	// to model walk latency (ITLB at fetch, DTLB at issue, spec.md §4.5/4.7)
	// key off this rather than Fault.
	TLBMiss bool
}

// HostContext is the thread <-> host CPU context interface (spec.md §6).
type HostContext interface {
	CheckEvents() bool
	EventUpcall()
	PropagateException(kind string, code uint64, faultAddr uint64)
	HandlePageFault(addr uint64, write bool)

	Get(reg RegID) uint64
	SetReg(reg RegID, value uint64)

	KernelMode() bool
	EIP() uint64
	SetEIP(uint64)

	SMCIsDirty(mfn uint64) bool
	SMCSetDirty(physAddr uint64)

	StoreInternal(va uint64, data uint64, mask uint64)
	StoreMaskVirt(va uint64, data uint64, mask uint64, size int)
	LoadInternal(va uint64, mask uint64) uint64

	CheckAndTranslate(rip uint64, write, exec bool) TranslateResult
}

// MemOp names a memory-hierarchy request's direction.
type MemOp uint8

const (
	MemOpRead MemOp = iota
	MemOpWrite
)

// Request carries one in-flight memory-hierarchy access (spec.md §6).
type Request struct {
	Core     int
	Thread   int
	PhysAddr uint64
	RIP      uint64
	UUID     uint64
	Op       MemOp
	Callback func(req *Request)
}

// MemoryHierarchy is the cache/TLB-fill façade the core issues requests
// through (spec.md §6 "Memory hierarchy").
type MemoryHierarchy interface {
	IsCacheAvailable(core, thread int, icache bool) bool
	GetFreeRequest(core int) (*Request, bool)
	AccessCache(req *Request) (hit bool)

	ProbeLock(physAddr uint64, cpu int) (owner int, held bool)
	InvalidateLock(physAddr uint64, cpu int)

	RegisterICacheWakeup(cb func(req *Request))
	RegisterDCacheWakeup(cb func(req *Request))
}

// BB is one translated basic block (spec.md §6 "Basic-block cache").
// Templates carries the decoded skeleton (class, destination, source
// operands, flag groups, SOM/EOM-independent fields) for each entry in
// TransOps; fetch fills in the remaining per-fetch fields (rip, fetch
// uuid, SOM/EOM, the synthesized exec closure) when it streams a BB into
// the fetch buffer.
type BB struct {
	RIP       uint64
	Count     int
	TransOps  []uop.Opcode
	SynthOps  []uop.ExecFunc
	Templates []uop.Uop
}

// BBCache is the shared basic-block translation cache (spec.md §6).
type BBCache interface {
	Lookup(rvp uint64) (*BB, bool)
	Translate(ctx HostContext, rvp uint64) (*BB, error)
	Acquire(bb *BB)
	Release(bb *BB)
	InvalidatePage(mfn uint64, reason string)
	Flush(ctx HostContext)
}

// BranchUpdateInfo is the record Predict produces and Update/UpdateRAS
// consume later (SPEC_FULL.md §4 supplemented feature: "branch-predictor
// update record carried on the fetch-buffer entry").
type BranchUpdateInfo struct {
	RIP     uint64
	BPType  uint8
	PredDir bool
}

// BranchPredictor is the branch-prediction and RAS interface (spec.md §6).
type BranchPredictor interface {
	Init(core, thread int)
	Predict(update *BranchUpdateInfo, bpType uint8, ripAfter, ripTaken uint64) (predRIP uint64)
	UpdateRAS(update *BranchUpdateInfo, ripAfter uint64)
	AnnulRAS(update *BranchUpdateInfo)
	Update(update *BranchUpdateInfo, ripAfter uint64, actualTaken bool, actualTarget uint64)
}
