package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suprax-arch/coresim/internal/corestate"
	"github.com/suprax-arch/coresim/internal/extiface"
	"github.com/suprax-arch/coresim/internal/interlock"
	"github.com/suprax-arch/coresim/internal/lsq"
	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/rob"
	"github.com/suprax-arch/coresim/internal/rrt"
	"github.com/suprax-arch/coresim/internal/uop"
)

// fakeHost is the narrowest extiface.HostContext a commit test needs: rip
// tracking plus an always-clean SMC bitmap.
type fakeHost struct {
	eip          uint64
	eventUpcalls int
}

func (f *fakeHost) CheckEvents() bool                              { return false }
func (f *fakeHost) EventUpcall()                                   { f.eventUpcalls++ }
func (f *fakeHost) PropagateException(kind string, code, addr uint64) {}
func (f *fakeHost) HandlePageFault(addr uint64, write bool)        {}
func (f *fakeHost) Get(reg extiface.RegID) uint64                  { return 0 }
func (f *fakeHost) SetReg(reg extiface.RegID, value uint64)        {}
func (f *fakeHost) KernelMode() bool                                { return false }
func (f *fakeHost) EIP() uint64                                    { return f.eip }
func (f *fakeHost) SetEIP(rip uint64)                              { f.eip = rip }
func (f *fakeHost) SMCIsDirty(mfn uint64) bool                     { return false }
func (f *fakeHost) SMCSetDirty(physAddr uint64)                    {}
func (f *fakeHost) StoreInternal(va, data, mask uint64)            {}
func (f *fakeHost) StoreMaskVirt(va, data, mask uint64, size int)  {}
func (f *fakeHost) LoadInternal(va, mask uint64) uint64            { return 0 }
func (f *fakeHost) CheckAndTranslate(rip uint64, write, exec bool) extiface.TranslateResult {
	return extiface.TranslateResult{PhysAddr: rip}
}

func newThreadView(t *testing.T) (ThreadView, Deps, *fakeHost) {
	t.Helper()
	files := map[prf.Class]*prf.File{
		prf.ClassInt: prf.New(prf.ClassInt, 8),
	}
	tv := ThreadView{
		ROB:       rob.New(0, 8, 1),
		LSQ:       lsq.New(4, 2, 2),
		CommitRRT: rrt.New(prf.ClassInt),
		Files:     files,
		ThreadID:  0,
		Core:      0,
	}
	host := &fakeHost{}
	deps := Deps{Host: host, Lock: interlock.New()}
	return tv, deps, host
}

// readyEntry allocates a ROB entry, gives it a WRITTEN dest PR, and puts it
// on ready-to-commit.
func readyEntry(t *testing.T, tv ThreadView, u uop.Uop) *rob.Entry {
	t.Helper()
	e, ok := tv.ROB.Alloc()
	require.True(t, ok)
	e.Uop = u
	pr, ok := tv.Files[prf.ClassInt].Alloc(tv.ThreadID)
	require.True(t, ok)
	tv.Files[prf.ClassInt].CompleteExec(pr.Index)
	tv.Files[prf.ClassInt].Writeback(pr.Index)
	e.DestFile = int(prf.ClassInt)
	e.DestPhys = pr.Index
	tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})
	return e
}

func TestCycleCommitsSingleUopAndAdvancesRIP(t *testing.T) {
	tv, deps, host := newThreadView(t)
	u := uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, RIP: 0x1000, Bytes: 3, EOM: true}
	readyEntry(t, tv, u)

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitOK, res.Outcome)
	require.Equal(t, 1, res.Retired)
	require.EqualValues(t, 0x1003, host.eip)

	m := tv.CommitRRT.Get(uop.RegRAX)
	require.True(t, m.Valid)
	require.Equal(t, prf.StateArch, tv.Files[prf.ClassInt].Get(m.Index).State)
	require.EqualValues(t, 1, tv.Files[prf.ClassInt].Get(m.Index).Refcount, "commitRRT holds the sole reference")
}

func TestCycleUnrefsAndUncommitsPreviousMapping(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	first := readyEntry(t, tv, uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, RIP: 0x1000, Bytes: 3, EOM: true})
	res := Cycle(4, tv, deps)
	require.Equal(t, 1, res.Retired)
	firstIdx := first.DestPhys

	second := readyEntry(t, tv, uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, RIP: 0x1003, Bytes: 3, EOM: true})
	res = Cycle(4, tv, deps)
	require.Equal(t, 1, res.Retired)

	require.Equal(t, prf.StateFree, tv.Files[prf.ClassInt].Get(firstIdx).State, "overwritten arch mapping with no other readers returns straight to free")
	m := tv.CommitRRT.Get(uop.RegRAX)
	require.EqualValues(t, second.DestPhys, m.Index)
}

func TestCycleForceFreesUnexposedDestination(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	e := readyEntry(t, tv, uop.Uop{Class: uop.ClassInt, Dest: uop.RegNone, RIP: 0x1000, Bytes: 3, EOM: true})
	destIdx := e.DestPhys

	res := Cycle(4, tv, deps)
	require.Equal(t, 1, res.Retired)
	require.Equal(t, prf.StateFree, tv.Files[prf.ClassInt].Get(destIdx).State, "a scratch dest never installed into any RRT is freed directly")
}

func TestCycleStallsWhenHeadNotFinished(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	e, _ := tv.ROB.Alloc()
	e.Uop = uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, EOM: true}
	pr, _ := tv.Files[prf.ClassInt].Alloc(0) // left WAITING: not finished
	e.DestFile = int(prf.ClassInt)
	e.DestPhys = pr.Index
	tv.ROB.Move(e.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitNone, res.Outcome)
	require.Equal(t, 0, res.Retired)
}

func TestCycleExceptionStopsAtFaultingUop(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	e := readyEntry(t, tv, uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, RIP: 0x2000, Bytes: 3, EOM: true})
	tv.Files[prf.ClassInt].Get(e.DestPhys).FlagInvalid = true

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitException, res.Outcome)
	require.NotNil(t, res.Exception)
	require.Equal(t, 0x2000, int(res.Exception.FaultAddr))
}

func TestCycleSMCHaltsCommit(t *testing.T) {
	tv, _, _ := newThreadView(t)
	readyEntry(t, tv, uop.Uop{Class: uop.ClassInt, Dest: uop.RegRAX, RIP: 0x1000, Bytes: 3, EOM: true})
	dirtyHost := &fakeHost{}
	deps := Deps{Host: dirtyHostWrapper{dirtyHost}, Lock: interlock.New()}

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitSMC, res.Outcome)
	require.Equal(t, 0, res.Retired)
}

// dirtyHostWrapper forces SMCIsDirty true without adding a second fake type.
type dirtyHostWrapper struct{ *fakeHost }

func (d dirtyHostWrapper) SMCIsDirty(mfn uint64) bool { return true }

func TestCycleHonorsMacroOpAtomicity(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	// Two uops forming one macro-op (SOM..EOM); only the first is ready.
	e1, _ := tv.ROB.Alloc()
	e1.Uop = uop.Uop{Class: uop.ClassInt, Dest: uop.RegNone, RIP: 0x3000, SOM: true}
	pr1, _ := tv.Files[prf.ClassInt].Alloc(0)
	tv.Files[prf.ClassInt].CompleteExec(pr1.Index)
	tv.Files[prf.ClassInt].Writeback(pr1.Index)
	e1.DestFile = int(prf.ClassInt)
	e1.DestPhys = pr1.Index
	tv.ROB.Move(e1.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})

	e2, _ := tv.ROB.Alloc()
	e2.Uop = uop.Uop{Class: uop.ClassInt, Dest: uop.RegRBX, RIP: 0x3000, Bytes: 2, EOM: true}
	pr2, _ := tv.Files[prf.ClassInt].Alloc(0) // left WAITING: macro-op not fully finished
	e2.DestFile = int(prf.ClassInt)
	e2.DestPhys = pr2.Index
	tv.ROB.Move(e2.Idx, rob.ListID{Phase: rob.PhaseReadyToCommit})

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitNone, res.Outcome)
	require.Equal(t, 0, res.Retired, "the whole macro-op must wait for its EOM uop to finish")
}

// storeEntry builds a ready store uop backed by an LSQ entry with address
// and data staged, the state a store is in once issue has run.
func storeEntry(t *testing.T, tv ThreadView, u uop.Uop, physAddr, data uint64) *rob.Entry {
	t.Helper()
	e := readyEntry(t, tv, u)
	lsqEntry, ok := tv.LSQ.Insert(e.Idx, u.FetchUUID, true)
	require.True(t, ok)
	lsqEntry.PhysAddr = physAddr
	lsqEntry.Data = data
	lsqEntry.ByteMask = 0xFF
	lsqEntry.AddrValid = true
	lsqEntry.DataValid = true
	e.LSQIdx = int32(lsqEntry.Idx)
	return e
}

func TestCycleStoreStallsWhileInterlockHeldByOtherThread(t *testing.T) {
	shared := interlock.New()
	const addr = 0x200

	// Thread 0: a locked RMW macro-op — ld.acq (holds the interlock) plus
	// its paired store, both finished and ready to commit atomically.
	tv0, _, _ := newThreadView(t)
	load := readyEntry(t, tv0, uop.Uop{Class: uop.ClassLoad, Dest: uop.RegRAX, RIP: 0x1000, SOM: true, IsLocked: true, FetchUUID: 7})
	load.LockAcquired = true
	lsqLoad, ok := tv0.LSQ.Insert(load.Idx, load.Uop.FetchUUID, false)
	require.True(t, ok)
	lsqLoad.PhysAddr = addr
	lsqLoad.AddrValid = true
	load.LSQIdx = int32(lsqLoad.Idx)
	owner := interlock.Owner{UUID: 7, ROB: load.Idx, Core: 0, Thread: 0}
	require.True(t, shared.TryAcquire(addr, owner))
	storeEntry(t, tv0, uop.Uop{Class: uop.ClassStore, Dest: uop.RegNone, RIP: 0x1000, Bytes: 4, EOM: true, FetchUUID: 8}, addr, 0x56)

	// Thread 1: a plain store to the same address, also ready.
	tv1, _, _ := newThreadView(t)
	tv1.ThreadID = 1
	storeEntry(t, tv1, uop.Uop{Class: uop.ClassStore, Dest: uop.RegNone, RIP: 0x3000, Bytes: 4, EOM: true, FetchUUID: 3}, addr, 0x55)

	deps1 := Deps{Host: &fakeHost{}, Lock: shared}
	res := Cycle(4, tv1, deps1)
	require.Equal(t, corestate.CommitNone, res.Outcome, "the non-locked store must stall while the RMW holds the interlock")
	require.Equal(t, 0, res.Retired)

	deps0 := Deps{Host: &fakeHost{}, Lock: shared}
	res = Cycle(4, tv0, deps0)
	require.Equal(t, corestate.CommitOK, res.Outcome)
	require.Equal(t, 2, res.Retired, "the whole RMW macro-op commits and releases the lock")
	require.False(t, shared.HeldByOther(addr, interlock.Owner{Thread: 1}))

	res = Cycle(4, tv1, deps1)
	require.Equal(t, corestate.CommitOK, res.Outcome, "once released, the stalled store commits")
	require.Equal(t, 1, res.Retired)
}

func TestCycleBranchMispredictReturnsRedirect(t *testing.T) {
	tv, deps, _ := newThreadView(t)
	u := uop.Uop{
		Class: uop.ClassInt, Dest: uop.RegNone, RIP: 0x1000, Bytes: 2, EOM: true,
		IsBranch: true, PredTarget: 0x1002,
	}
	e := readyEntry(t, tv, u)
	tv.Files[prf.ClassInt].Get(e.DestPhys).Data = 0x5000 // actual taken target differs from predicted fallthrough

	res := Cycle(4, tv, deps)
	require.Equal(t, corestate.CommitOK, res.Outcome)
	require.NotNil(t, res.Redirect)
	require.EqualValues(t, 0x5000, *res.Redirect)
}
