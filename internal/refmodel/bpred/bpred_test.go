package bpred

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suprax-arch/coresim/internal/extiface"
)

func TestNewInitializesBaseTableAtNeutralCounter(t *testing.T) {
	p := New()
	for idx := 0; idx < entriesPerTable; idx++ {
		require.EqualValues(t, neutralCounter, p.tables[0].entries[idx].counter)
		word, bit := idx>>5, idx&31
		require.NotZero(t, p.tables[0].validBits[word]&(1<<uint(bit)), "every base-table slot starts valid")
	}
	for i := 1; i < numTables; i++ {
		for w := range p.tables[i].validBits {
			require.Zero(t, p.tables[i].validBits[w], "non-base tables start empty until Update allocates")
		}
	}
}

func TestPredictFallsBackToBaseTableWhenUntrained(t *testing.T) {
	p := New()
	update := &extiface.BranchUpdateInfo{RIP: 0x400000} // hashTag != 0, avoids an accidental base-table tag hit
	target := p.Predict(update, 1, 0x400003, 0x500000)

	require.EqualValues(t, 1, update.BPType)
	require.True(t, update.PredDir, "neutral counter 4 >= takenThreshold 4 predicts taken")
	require.EqualValues(t, 0x500000, target)
}

func TestUpdateAllocatesTaggedEntryOnMiss(t *testing.T) {
	p := New()
	pc := uint64(0x400000)
	update := &extiface.BranchUpdateInfo{RIP: pc}

	p.Update(update, 0x400003, true, 0x500000)

	tag := hashTag(pc)
	found := false
	for i := 0; i < entriesPerTable; i++ {
		word, bit := i>>5, i&31
		if p.tables[1].validBits[word]&(1<<uint(bit)) == 0 {
			continue
		}
		if p.tables[1].entries[i].tag == tag && p.tables[1].entries[i].taken {
			found = true
			break
		}
	}
	require.True(t, found, "a miss allocates a new tagged entry in table 1")
	require.EqualValues(t, 1, p.history[0])
}

func TestUpdateHistoryAccumulatesTakenBits(t *testing.T) {
	p := New()
	update := &extiface.BranchUpdateInfo{RIP: 0x400000}

	p.Update(update, 0, true, 0)
	p.Update(update, 0, false, 0)
	p.Update(update, 0, true, 0)

	require.EqualValues(t, 0b101, p.history[0])
}

func TestAgingResetsBranchCountAfterInterval(t *testing.T) {
	p := New()
	update := &extiface.BranchUpdateInfo{RIP: 0x400000}
	for i := 0; i < agingInterval; i++ {
		p.Update(update, 0, true, 0)
	}
	require.EqualValues(t, 0, p.branchCount)
	require.EqualValues(t, 1, p.tables[0].entries[0].age, "a full aging interval ages every valid base-table entry once")
}

func TestRASPushAndPop(t *testing.T) {
	p := New()
	update := &extiface.BranchUpdateInfo{}
	p.UpdateRAS(update, 0x1000)
	p.UpdateRAS(update, 0x2000)
	require.Len(t, p.ras[0], 2)

	p.AnnulRAS(update)
	require.Equal(t, []uint64{0x1000}, p.ras[0])
}

func TestAnnulRASOnEmptyStackIsNoop(t *testing.T) {
	p := New()
	require.NotPanics(t, func() { p.AnnulRAS(&extiface.BranchUpdateInfo{}) })
}

func TestInitClearsRASForThread(t *testing.T) {
	p := New()
	p.UpdateRAS(&extiface.BranchUpdateInfo{}, 0x1000)
	p.Init(0, 0)
	require.Empty(t, p.ras[0])
}
