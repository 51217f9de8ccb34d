package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suprax-arch/coresim/internal/uop"
)

func TestStraightLineSynthProducesOneNonBranchingIntUop(t *testing.T) {
	ops, templates, execs := straightLineSynth(0x1000)

	require.Len(t, ops, 1)
	require.Len(t, templates, 1)
	require.Len(t, execs, 1)
	require.Equal(t, uop.ClassInt, templates[0].Class)
	require.EqualValues(t, 1, templates[0].Bytes)
	require.False(t, templates[0].IsBranch)

	result, exception := execs[0]([uop.MaxOperands]uint64{})
	require.EqualValues(t, 0, result)
	require.Equal(t, uop.ExceptionNone, exception)
}
