package parallel_test

import (
	"context"
	"slices"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Ingestor/internal/parallel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sleep(ctx context.Context, d time.Duration) (time.Duration, error) {
	select {
	case <-time.After(d):
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var input = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func TestMap(t *testing.T) {
	t.Parallel()

	type given struct {
		limit   int
		timeout time.Duration
	}
	var testCases = []struct {
		scenario string
		given    given
		then     time.Duration
		values   []time.Duration
	}{
		{"limit 1", given{1, 0}, 18 * time.Second, input},
		{"limit 10", given{10, 0}, 10 * time.Second, input},
		{"limit 0 means 1", given{0, 0}, 18 * time.Second, input},
		{"limit 1, timeout 1.5s", given{1, 1500 * time.Millisecond}, 1500 * time.Millisecond, input[:1]},
		{"limit 10, timeout 3s", given{10, 3 * time.Second}, 3 * time.Second, input[:2]},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				if tt.given.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, tt.given.timeout)
					defer cancel()
				}

				start := time.Now()
				var got []time.Duration
				for d, err := range parallel.NewMap(tt.given.limit, sleep).Iter(ctx, slices.Values(input)) {
					if err == nil {
						got = append(got, d)
					}
				}
				require.ElementsMatch(t, tt.values, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapStop(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		start := time.Now()
		for d, err := range parallel.NewMap(2, sleep).Iter(t.Context(), slices.Values(input)) {
			require.NoError(t, err)
			require.Equal(t, time.Second, d)
			break
		}
		require.Equal(t, time.Second, time.Since(start))
	})
}
