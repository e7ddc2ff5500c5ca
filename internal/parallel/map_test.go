package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Squadt/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.NewMap(t.Context(), tt.given, f).Iter(all(input))
				require.ElementsMatch(t, expected, values(m1))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapCancel(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		f := func(ctx context.Context, d time.Duration) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d):
				return int(d), nil
			}
		}
		start := time.Now()
		_ = values(parallel.NewMap(ctx, 1, f).Iter(all([]time.Duration{5 * time.Second, 5 * time.Second})))
		require.Equal(t, time.Second, time.Since(start))
	})
}

func TestCollect(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		boom := errors.New("boom")
		f := func(_ context.Context, d time.Duration) (time.Duration, error) {
			time.Sleep(d)
			if d == 3*time.Second {
				return 0, boom
			}
			return d, nil
		}
		input := []time.Duration{4 * time.Second, 1 * time.Second, 3 * time.Second, 2 * time.Second}
		ds, errs := parallel.NewMap(t.Context(), 4, f).Collect(all(input))
		require.Equal(t, []time.Duration{4 * time.Second, 1 * time.Second, 2 * time.Second}, ds)
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], boom)
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err == nil {
			ret = append(ret, k)
		}
	}
	return ret
}
