package rrt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suprax-arch/coresim/internal/prf"
	"github.com/suprax-arch/coresim/internal/uop"
)

func TestNewMapsEverythingToZeroIndex(t *testing.T) {
	tbl := New(prf.ClassInt)
	m := tbl.Get(0)
	require.True(t, m.Valid)
	require.Equal(t, prf.ClassInt, m.File)
	require.EqualValues(t, prf.ZeroIndex, m.Index)

	fm := tbl.GetFlag(0)
	require.True(t, fm.Valid)
	require.EqualValues(t, prf.ZeroIndex, fm.Index)
}

func TestSetReturnsPreviousMapping(t *testing.T) {
	tbl := New(prf.ClassInt)
	newMapping := Mapping{Valid: true, File: prf.ClassInt, Index: 5}
	prev := tbl.Set(uop.ArchReg(1), newMapping)
	require.EqualValues(t, prf.ZeroIndex, prev.Index)
	require.Equal(t, newMapping, tbl.Get(uop.ArchReg(1)))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tbl := New(prf.ClassInt)
	snap := tbl.Snapshot()

	tbl.Set(uop.ArchReg(2), Mapping{Valid: true, File: prf.ClassInt, Index: 9})
	require.NotEqual(t, snap.Get(uop.ArchReg(2)), tbl.Get(uop.ArchReg(2)))

	tbl.Restore(snap)
	require.Equal(t, snap, *tbl)
}

func TestEqual(t *testing.T) {
	a := New(prf.ClassInt)
	b := New(prf.ClassInt)
	require.True(t, a.Equal(b))

	b.Set(uop.ArchReg(3), Mapping{Valid: true, File: prf.ClassInt, Index: 7})
	require.False(t, a.Equal(b))
}
