package rob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEverythingOnFreeList(t *testing.T) {
	r := New(0, 8, 2)
	require.Equal(t, 8, r.Len(ListID{Phase: PhaseFree}))
	require.Equal(t, 0, r.Occupied())
}

func TestAllocInstallsOnFrontend(t *testing.T) {
	r := New(0, 4, 1)
	e, ok := r.Alloc()
	require.True(t, ok)
	require.True(t, e.Valid)
	require.Equal(t, 3, r.Len(ListID{Phase: PhaseFree}))
	require.Equal(t, 1, r.Len(ListID{Phase: PhaseFrontend}))
}

func TestAllocExhaustionReturnsFalse(t *testing.T) {
	r := New(0, 2, 1)
	_, ok1 := r.Alloc()
	_, ok2 := r.Alloc()
	_, ok3 := r.Alloc()
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

func TestMoveBetweenClusterScopedLists(t *testing.T) {
	r := New(0, 4, 2)
	e, _ := r.Alloc()
	r.Move(e.Idx, ListID{Phase: PhaseReadyToDispatch})
	require.Equal(t, 1, r.Len(ListID{Phase: PhaseReadyToDispatch}))

	r.Move(e.Idx, ListID{Phase: PhaseDispatched, Cluster: 1})
	require.Equal(t, 0, r.Len(ListID{Phase: PhaseReadyToDispatch}))
	require.Equal(t, 1, r.Len(ListID{Phase: PhaseDispatched, Cluster: 1}))
	require.True(t, r.Get(e.Idx).Valid)
}

func TestFreeReturnsEntryToFreeListAndInvalidates(t *testing.T) {
	r := New(0, 4, 1)
	e, _ := r.Alloc()
	idx := e.Idx
	r.Free(idx)
	require.False(t, r.Get(idx).Valid)
	require.Equal(t, 4, r.Len(ListID{Phase: PhaseFree}))
}

func TestFreeListIsFIFOSoReusedIndicesStayCircular(t *testing.T) {
	r := New(0, 4, 1)
	e0, _ := r.Alloc()
	r.Alloc()
	r.Free(e0.Idx)

	e, ok := r.Alloc()
	require.True(t, ok)
	require.EqualValues(t, 2, e.Idx, "a freed index recycles after the untouched tail, keeping index distance as age")
}

func TestEachIteratesOldestToNewest(t *testing.T) {
	r := New(0, 4, 1)
	e0, _ := r.Alloc()
	e1, _ := r.Alloc()
	e2, _ := r.Alloc()

	var order []uint32
	r.Each(ListID{Phase: PhaseFrontend}, func(e *Entry) bool {
		order = append(order, e.Idx)
		return true
	})
	require.Equal(t, []uint32{e0.Idx, e1.Idx, e2.Idx}, order)
}

func TestEachEarlyStop(t *testing.T) {
	r := New(0, 4, 1)
	r.Alloc()
	r.Alloc()
	r.Alloc()

	count := 0
	r.Each(ListID{Phase: PhaseFrontend}, func(e *Entry) bool {
		count++
		return false
	})
	require.Equal(t, 1, count)
}

func TestCheckInvariantsPassesOnFreshAndMutatedROB(t *testing.T) {
	r := New(0, 8, 2)
	require.NoError(t, r.CheckInvariants())

	e, _ := r.Alloc()
	r.Move(e.Idx, ListID{Phase: PhaseReadyToDispatch})
	require.NoError(t, r.CheckInvariants())

	r.Free(e.Idx)
	require.NoError(t, r.CheckInvariants())
}

func TestIncConsumerCountSaturates(t *testing.T) {
	e := Entry{ConsumerCount: 255}
	e.IncConsumerCount()
	require.EqualValues(t, 255, e.ConsumerCount)

	e2 := Entry{ConsumerCount: 0}
	e2.IncConsumerCount()
	require.EqualValues(t, 1, e2.ConsumerCount)
}

func TestListFlagsReadyAndOccupiesIQ(t *testing.T) {
	ready, occupiesIQ := ListFlags(ListID{Phase: PhaseReadyToIssue, Cluster: 0})
	require.True(t, ready)
	require.True(t, occupiesIQ)

	ready, occupiesIQ = ListFlags(ListID{Phase: PhaseDispatched, Cluster: 0})
	require.False(t, ready)
	require.True(t, occupiesIQ)

	ready, occupiesIQ = ListFlags(ListID{Phase: PhaseFree})
	require.False(t, ready)
	require.False(t, occupiesIQ)
}
