package prf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReservesZeroIndexAsArch(t *testing.T) {
	f := New(ClassInt, 8)
	zero := f.Get(ZeroIndex)
	require.Equal(t, StateArch, zero.State)
	require.EqualValues(t, 1, zero.Refcount)
	require.Equal(t, 7, f.CountInState(StateFree))
}

func TestAllocExhaustion(t *testing.T) {
	f := New(ClassInt, 2)
	pr, ok := f.Alloc(0)
	require.True(t, ok)
	require.Equal(t, StateWaiting, pr.State)

	_, ok = f.Alloc(0)
	require.False(t, ok, "only one non-reserved slot exists, second alloc must stall")
}

func TestLifecycleWaitingToArchToFree(t *testing.T) {
	f := New(ClassInt, 4)
	pr, ok := f.Alloc(1)
	require.True(t, ok)
	idx := pr.Index

	f.Ref(idx) // operand reference
	f.CompleteExec(idx)
	require.Equal(t, StateBypass, f.Get(idx).State)

	f.Writeback(idx)
	require.Equal(t, StateWritten, f.Get(idx).State)

	f.Commit(idx, 3)
	require.Equal(t, StateArch, f.Get(idx).State)
	require.EqualValues(t, 3, f.Get(idx).ArchRegWritten)

	// Overwritten by a later commit while still referenced -> PENDINGFREE.
	f.Uncommit(idx)
	require.Equal(t, StatePendingFree, f.Get(idx).State)

	f.Unref(idx)
	require.Equal(t, StateFree, f.Get(idx).State)
}

func TestUncommitWithNoReferencesGoesStraightToFree(t *testing.T) {
	f := New(ClassInt, 4)
	pr, _ := f.Alloc(0)
	idx := pr.Index
	f.CompleteExec(idx)
	f.Writeback(idx)
	f.Commit(idx, 1)

	f.Uncommit(idx)
	require.Equal(t, StateFree, f.Get(idx).State)
}

func TestUnrefUnderflowPanics(t *testing.T) {
	f := New(ClassInt, 4)
	pr, _ := f.Alloc(0)
	require.Panics(t, func() { f.Unref(pr.Index) })
}

func TestUnrefZeroIndexIsNoop(t *testing.T) {
	f := New(ClassInt, 4)
	require.NotPanics(t, func() {
		f.Ref(ZeroIndex)
		f.Unref(ZeroIndex)
		f.Unref(ZeroIndex) // would underflow on any other index
	})
	require.EqualValues(t, 1, f.Get(ZeroIndex).Refcount)
}

func TestResetThreadOnlyReleasesOwnThread(t *testing.T) {
	f := New(ClassInt, 4)
	a, _ := f.Alloc(0)
	b, _ := f.Alloc(1)

	f.ResetThread(0)
	require.Equal(t, StateFree, f.Get(a.Index).State)
	require.Equal(t, StateWaiting, f.Get(b.Index).State)
}
