package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        LevelInfo,
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestLogger_FieldsAndLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core), LevelInfo)

	l.Debug("hidden")
	l.With(String("component", "test")).Info("visible",
		Int("segments", 3),
		Duration("pacing", 100*time.Millisecond),
		Uint32("node", 7),
		Error(errors.New("boom")),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "visible", entries[0].Message)

	ctx := entries[0].ContextMap()
	require.Equal(t, "test", ctx["component"])
	require.EqualValues(t, 3, ctx["segments"])
	require.EqualValues(t, 7, ctx["node"])
	require.Equal(t, "boom", ctx["error"])

	l.SetLevel(LevelDebug)
	require.Equal(t, LevelDebug, l.GetLevel())
	l.Debug("now visible")
	require.Equal(t, 2, logs.Len())
}

func TestProvide_FallsBackToNop(t *testing.T) {
	require.NotNil(t, Provide())
}

func TestLogger_Sync(t *testing.T) {
	core, _ := observer.New(zap.DebugLevel)
	var l Log = FromZap(zap.New(core), LevelInfo).With(String("component", "test"))
	require.NoError(t, l.Sync())
	require.NoError(t, NewNop().Sync())
}
