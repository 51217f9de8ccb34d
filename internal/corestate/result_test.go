package corestate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueOutcomeStringNamesEveryTag(t *testing.T) {
	cases := map[IssueOutcome]string{
		IssueCompleted:     "completed",
		IssueNeedsReplay:   "needs-replay",
		IssueMisspeculated: "misspeculated",
		IssueNeedsRefetch:  "needs-refetch",
		IssueNoFU:          "no-fu",
	}
	for outcome, want := range cases {
		require.Equal(t, want, outcome.String())
	}
	require.Equal(t, "unknown", IssueOutcome(99).String())
}

func TestCommitOutcomeStringNamesEveryTag(t *testing.T) {
	cases := map[CommitOutcome]string{
		CommitOK:        "ok",
		CommitNone:      "none",
		CommitException: "exception",
		CommitBarrier:   "barrier",
		CommitSMC:       "smc",
		CommitInterrupt: "interrupt",
		CommitStop:      "stop",
	}
	for outcome, want := range cases {
		require.Equal(t, want, outcome.String())
	}
	require.Equal(t, "unknown", CommitOutcome(99).String())
}

func TestExceptionInfoErrorFormatsAllFields(t *testing.T) {
	e := ExceptionInfo{Kind: "page-fault-read", ErrorCode: 0x4, FaultAddr: 0x1000}
	require.Equal(t, "exception page-fault-read (code=0x4, addr=0x1000)", e.Error())
}
