package monitor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/monitor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type reporter struct {
	mx      sync.Mutex
	reasons []ingest.CancellationReason
}

func (r *reporter) ReportResourceExhaustion(reason ingest.CancellationReason) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.reasons = append(r.reasons, reason)
	return nil
}

func (r *reporter) count() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.reasons)
}

func TestDisk(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var free atomic.Uint64
		free.Store(100)
		rep := &reporter{}
		d := monitor.NewDisk("/data", 50, time.Minute, rep,
			monitor.WithFreeSpaceFunc(func(string) (uint64, error) {
				return free.Load(), nil
			}),
		)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- d.Run(ctx)
		}()

		synctest.Wait()
		require.Zero(t, rep.count())

		free.Store(10)
		time.Sleep(time.Minute)
		synctest.Wait()
		require.Equal(t, 1, rep.count())

		// still low, reported once
		time.Sleep(time.Minute)
		synctest.Wait()
		require.Equal(t, 1, rep.count())

		free.Store(100)
		time.Sleep(time.Minute)
		synctest.Wait()
		free.Store(1)
		time.Sleep(time.Minute)
		synctest.Wait()
		require.Equal(t, 2, rep.count())
		require.Equal(t, []ingest.CancellationReason{ingest.OutOfDiskSpace, ingest.OutOfDiskSpace}, rep.reasons)

		cancel()
		require.NoError(t, <-done)
	})
}

func TestDiskUnsupported(t *testing.T) {
	t.Parallel()
	d := monitor.NewDisk("/", 1, time.Second, &reporter{},
		monitor.WithFreeSpaceFunc(func(string) (uint64, error) {
			return 0, monitor.ErrUnsupported
		}),
	)
	err := d.Run(t.Context())
	require.ErrorIs(t, err, monitor.ErrUnsupported)
}

func TestDiskCheck(t *testing.T) {
	t.Parallel()
	d := monitor.NewDisk(t.TempDir(), 1, time.Second, &reporter{})
	free, low, err := d.Check()
	if errors.Is(err, monitor.ErrUnsupported) {
		t.Skip("statfs not supported")
	}
	require.NoError(t, err)
	require.NotZero(t, free)
	require.False(t, low)
}
