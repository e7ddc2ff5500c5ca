package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Squadt/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(true, &buf)

	ctx := log.ContextAttrs(t.Context(), slog.String("processor", "p1"))
	logger.DebugContext(ctx, "hello", "k", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "p1", rec["processor"])
	require.EqualValues(t, 1, rec["k"])
}

func TestContextAttrsDoNotLeak(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(false, &buf)

	parent := log.ContextAttrs(t.Context(), slog.String("a", "1"))
	_ = log.ContextAttrs(parent, slog.String("b", "2"))
	logger.InfoContext(parent, "parent")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "1", rec["a"])
	require.NotContains(t, rec, "b")
}

func TestFilterLevel(t *testing.T) {
	t.Parallel()
	for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		require.Equal(t, lvl, log.SlogLevel(log.FilterLevel(lvl)))
	}
	require.Equal(t, slog.LevelDebug, log.Level(true))
	require.Equal(t, slog.LevelInfo, log.Level(false))
}
