package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/history"
	"github.com/CZERTAINLY/Squadt/internal/project"
	"github.com/stretchr/testify/require"
)

var _ project.Recorder = (*history.Store)(nil)

func newStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStartFinish(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newStore(t)

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	run := project.Run{
		ID:        "9c1c4e3e-3ad4-4a3e-a0e8-2c1b0d6a1f00",
		Project:   "/tmp/store",
		Processor: 3,
		Tool:      "lps2lts",
		Output:    "a-001.aut",
		Operation: project.OpRun,
		Started:   started,
	}
	require.NoError(t, s.Started(ctx, run))
	// still in progress
	require.NoError(t, s.Started(ctx, run))

	row, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Equal(t, run.Tool, row.Tool)
	require.Equal(t, started, row.Started)
	require.True(t, row.Finished.IsZero())

	run.Finished = started.Add(2 * time.Second)
	run.Error = "tool task failed"
	require.NoError(t, s.Finished(ctx, run))
	require.ErrorIs(t, s.Finished(ctx, run), history.ErrAlreadyFinished)
	require.ErrorIs(t, s.Started(ctx, run), history.ErrAlreadyFinished)

	row, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.False(t, row.Success())
	require.Equal(t, run.Finished, row.Finished)
	require.Equal(t, project.ProcessorID(3), row.Processor)
	require.Equal(t, project.OpRun, row.Operation)
	require.Contains(t, row.String(), `failure_reason: "tool task failed"`)

	_, err = s.Get(ctx, "unknown")
	require.ErrorIs(t, err, history.ErrNotFound)
	require.ErrorIs(t, s.Finished(ctx, project.Run{ID: "unknown"}), history.ErrNotFound)
}

func TestListPrune(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := newStore(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range []string{"/a", "/b", "/a"} {
		run := project.Run{
			ID:        string(rune('x' + i)),
			Project:   p,
			Processor: project.ProcessorID(i + 1),
			Tool:      "tool",
			Operation: project.OpUpdate,
			Started:   base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.Started(ctx, run))
		if i < 2 {
			run.Finished = run.Started.Add(time.Minute)
			require.NoError(t, s.Finished(ctx, run))
		}
	}

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "z", all[0].ID)

	a, err := s.List(ctx, "/a", 1)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Equal(t, "z", a[0].ID)

	n, err := s.Prune(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	all, err = s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].InProgress)
}
