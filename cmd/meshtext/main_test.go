package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSegmentCommand(t *testing.T) {
	out, err := execute(t, "", "segment", "--limit", "4", "héllo")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "6 bytes, 2 segment(s) of at most 4 bytes", lines[0])
	assert.Contains(t, lines[1], `"hél"`)
	assert.Contains(t, lines[2], `"lo"`)
}

func TestSegmentCommand_Stdin(t *testing.T) {
	out, err := execute(t, "hi\n", "segment", "--limit", "180")
	require.NoError(t, err)
	assert.Contains(t, out, "2 bytes, 1 segment(s)")
}

func TestSegmentCommand_BadLimit(t *testing.T) {
	_, err := execute(t, "", "segment", "--limit", "0", "x")
	require.Error(t, err)
}

func TestSimulateCommand_Lossless(t *testing.T) {
	out, err := execute(t, "", "simulate", "--loss", "0", "--latency", "0s", "--pacing", "1ms",
		"--limit", "180", strings.Repeat("over the air ", 30))
	require.NoError(t, err)
	assert.Contains(t, out, "sender:   delivered 3 segment(s) in 3 attempt(s)")
	assert.Contains(t, out, "receiver: got 3 segment(s)")
	assert.Contains(t, out, "0 dropped")
}
