package obslog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	dec := json.NewDecoder(buf)
	for {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			break
		}
		lines = append(lines, m)
	}
	return lines
}

func TestNewWithNilConfigFallsBackToDefault(t *testing.T) {
	l := New(nil)
	require.NotNil(t, l)
}

func TestInfoIsWrittenAtDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: zerolog.InfoLevel, Output: &buf})
	l.Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "hello", lines[0]["message"])
	require.Equal(t, "info", lines[0]["level"])
}

func TestDebugIsSuppressedAboveDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: zerolog.InfoLevel, Output: &buf})
	l.Debug("should not appear")

	require.Empty(t, buf.Bytes())
}

func TestWithAttachesFieldsToEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: zerolog.DebugLevel, Output: &buf})
	child := l.With("core", 0, "thread", 1)
	child.Warn("stall")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.EqualValues(t, 0, lines[0]["core"])
	require.EqualValues(t, 1, lines[0]["thread"])
	require.Equal(t, "warn", lines[0]["level"])
}

func TestWithIgnoresOddTrailingKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: zerolog.DebugLevel, Output: &buf})
	child := l.With("core", 0, "dangling")
	child.Error("oops")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.EqualValues(t, 0, lines[0]["core"])
	_, hasDangling := lines[0]["dangling"]
	require.False(t, hasDangling)
}

func TestDefaultIsLazilyCreatedAndStable(t *testing.T) {
	first := Default()
	second := Default()
	require.Same(t, first, second)
}

func TestSetDefaultReplacesProcessLogger(t *testing.T) {
	original := Default()
	replacement := New(DefaultConfig())
	SetDefault(replacement)
	require.Same(t, replacement, Default())

	SetDefault(original) // restore, since Default() is process-global state
}
