package iq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertImmediatelyReadyOperandsIssueFirst(t *testing.T) {
	q := New(8, 2)
	idx, ok := q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	require.True(t, ok)

	got, ok := q.Issue(-1)
	require.True(t, ok)
	require.Equal(t, idx, got)
}

func TestWaitingOperandBlocksIssueUntilBroadcast(t *testing.T) {
	q := New(8, 2)
	producer := Tag(42)
	_, ok := q.Insert(0, Tag(1), [4]Tag{producer}, [4]bool{true}, [4]bool{false})
	require.True(t, ok)

	_, ok = q.Issue(-1)
	require.False(t, ok, "operand not yet ready")

	q.Broadcast(producer)
	_, ok = q.Issue(-1)
	require.True(t, ok)
}

func TestIssueTieBreaksByLowestSlotIndex(t *testing.T) {
	q := New(8, 2)
	idxA, _ := q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	idxB, _ := q.Insert(0, Tag(2), [4]Tag{}, [4]bool{}, [4]bool{})

	lower := idxA
	if idxB < idxA {
		lower = idxB
	}
	got, ok := q.Issue(-1)
	require.True(t, ok)
	require.Equal(t, lower, got)
}

func TestReplayReentersCompetition(t *testing.T) {
	q := New(8, 2)
	q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	idx, _ := q.Issue(-1)

	_, ok := q.Issue(-1)
	require.False(t, ok, "already issued, no other slots")

	q.Replay(idx)
	got, ok := q.Issue(-1)
	require.True(t, ok)
	require.Equal(t, idx, got)
}

func TestIssuePrevSkipsAReplayedSlotWithinTheCycle(t *testing.T) {
	q := New(8, 2)
	first, _ := q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	second, _ := q.Insert(0, Tag(2), [4]Tag{}, [4]bool{}, [4]bool{})

	got, ok := q.Issue(-1)
	require.True(t, ok)
	require.Equal(t, first, got)

	// The first slot replays (e.g. a load gated by an older store); the next
	// Issue call this cycle must move on to the second slot, not re-pick it.
	q.Replay(first)
	got, ok = q.Issue(first)
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestReleaseFreesSlotAndReservation(t *testing.T) {
	q := New(4, 1)
	idx, _ := q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	require.Equal(t, 1, q.PerThreadOccupied(0))

	q.Release(idx)
	require.Equal(t, 0, q.PerThreadOccupied(0))
	require.Equal(t, 4, q.FreeCount())
}

func TestCanAcceptRespectsReservationAndSharedPool(t *testing.T) {
	q := New(4, 2) // reserved = sqrt(4/2) = 1 each, shared = 2
	require.True(t, q.CanAccept(0))
	q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	// Thread 0 used its reservation; shared pool still has room.
	require.True(t, q.CanAccept(0))
}

func TestInsertFailsWhenFull(t *testing.T) {
	q := New(2, 1)
	_, ok1 := q.Insert(0, Tag(1), [4]Tag{}, [4]bool{}, [4]bool{})
	_, ok2 := q.Insert(0, Tag(2), [4]Tag{}, [4]bool{}, [4]bool{})
	_, ok3 := q.Insert(0, Tag(3), [4]Tag{}, [4]bool{}, [4]bool{})
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

func TestAnnulRemovesWaiterMembership(t *testing.T) {
	q := New(8, 1)
	producer := Tag(7)
	idx, _ := q.Insert(0, Tag(1), [4]Tag{producer}, [4]bool{true}, [4]bool{false})

	q.Annul(idx)
	// Broadcasting the producer after annul must not touch the freed slot.
	require.NotPanics(t, func() { q.Broadcast(producer) })
	require.Equal(t, 8, q.FreeCount())
}
