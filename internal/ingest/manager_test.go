package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/store"

	"github.com/stretchr/testify/require"
)

func TestManagerEvents(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1))
	events := subscribe(t, m)
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 2), ingest.Settings{
		Templates: []ingest.ModuleTemplate{fileTemplate("file", rec)},
	})
	startJob(t, m, j)

	got := events.until(t, j.ID(), ingest.EventJobCompleted)
	require.Equal(t, []ingest.EventType{
		ingest.EventJobStarted,
		ingest.EventDataSourceAnalysisStarted,
		ingest.EventFileDone,
		ingest.EventFileDone,
		ingest.EventDataSourceAnalysisCompleted,
		ingest.EventJobCompleted,
	}, types(got))
	require.Equal(t, "dir/file00.txt", got[2].Path)
	require.NotZero(t, got[2].FileID)
	seen := map[string]bool{}
	for _, e := range got {
		require.Equal(t, "ds", e.DataSource)
		require.NotEmpty(t, e.ID)
		require.False(t, seen[e.ID])
		seen[e.ID] = true
		require.False(t, e.Time.IsZero())
	}
}

func TestManagerListeners(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	m.Subscribe(ingest.ListenerFunc(func(context.Context, ingest.Event) {
		panic("listener bug")
	}))
	removed := make(chan ingest.Event, 16)
	unsubscribe := m.Subscribe(ingest.ListenerFunc(func(_ context.Context, e ingest.Event) {
		removed <- e
	}))
	unsubscribe()
	unsubscribe()
	events := subscribe(t, m)

	j := m.NewJob(newSource("ds", 0), ingest.Settings{})
	startJob(t, m, j)
	got := events.until(t, j.ID(), ingest.EventJobCompleted)
	require.Equal(t, ingest.EventJobStarted, got[0].Type)
	require.Empty(t, removed)
}

func TestManagerJobs(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1), ingest.WithFairness(ingest.FairnessFIFO))
	require.True(t, m.IsRunning())
	require.Equal(t, 1, m.Workers())

	rec := &recorder{}
	started := make(chan struct{}, 1)
	running := m.NewJob(newSource("running", 0), ingest.Settings{
		Templates: []ingest.ModuleTemplate{dsTemplate("slow", rec, blocking(started))},
	})
	done := m.NewJob(newSource("done", 0), ingest.Settings{})
	idle := m.NewJob(newSource("idle", 0), ingest.Settings{})
	require.Equal(t, []int64{1, 2, 3}, []int64{running.ID(), done.ID(), idle.ID()})
	require.Empty(t, m.Jobs())

	startJob(t, m, running)
	receive(t, started)
	startJob(t, m, done)
	waitJob(t, done)

	require.Len(t, m.Jobs(), 2)
	require.Equal(t, []*ingest.Job{running}, m.ActiveJobs())
	j, ok := m.Job(running.ID())
	require.True(t, ok)
	require.Same(t, running, j)

	require.False(t, m.RemoveJob(running.ID()))
	require.True(t, m.RemoveJob(done.ID()))
	require.False(t, m.RemoveJob(done.ID()))
	_, ok = m.Job(done.ID())
	require.False(t, ok)

	require.ErrorIs(t, m.ReportResourceExhaustion(ingest.UserCancelled), ingest.ErrInvalidReason)
	require.False(t, running.IsCancelled())
	require.NoError(t, m.ReportResourceExhaustion(ingest.OutOfDiskSpace))
	waitJob(t, running)
	require.Equal(t, ingest.OutOfDiskSpace, running.CancellationReason())
	require.True(t, m.RemoveJob(running.ID()))
	require.False(t, idle.Started())
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	s := store.NewMemory()
	m := ingest.NewManager(s, ingest.WithWorkers(2))
	j := m.NewJob(newSource("ds", 0), ingest.Settings{})

	_, err := m.StartJob(t.Context(), j)
	require.ErrorIs(t, err, ingest.ErrManagerNotRunning)

	require.NoError(t, m.Init(t.Context()))
	require.ErrorIs(t, m.Init(t.Context()), ingest.ErrManagerRunning)

	other := ingest.NewManager(s)
	_, err = m.StartJob(t.Context(), other.NewJob(newSource("ds", 0), ingest.Settings{}))
	require.ErrorIs(t, err, ingest.ErrForeignJob)

	rec := &recorder{}
	started := make(chan struct{}, 1)
	running := m.NewJob(newSource("ds", 0), ingest.Settings{
		Templates: []ingest.ModuleTemplate{dsTemplate("slow", rec, blocking(started))},
	})
	startJob(t, m, running)
	receive(t, started)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))
	require.False(t, m.IsRunning())
	require.Equal(t, ingest.CaseClosed, running.CancellationReason())

	_, err = m.StartJob(t.Context(), m.NewJob(newSource("ds", 0), ingest.Settings{}))
	require.ErrorIs(t, err, ingest.ErrManagerNotRunning)
}

func TestRoundRobinAcrossJobs(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1))
	rec := &recorder{}
	started := make(chan struct{}, 1)
	gate := m.NewJob(newSource("gate", 0), ingest.Settings{
		Templates: []ingest.ModuleTemplate{dsTemplate("gate", rec, blocking(started))},
	})
	startJob(t, m, gate)
	receive(t, started)

	var jobs []*ingest.Job
	for _, name := range []string{"a", "b"} {
		j := m.NewJob(newSource(name, 3), ingest.Settings{
			Templates: []ingest.ModuleTemplate{fileTemplate(name, rec)},
		})
		startJob(t, m, j)
		require.Eventually(t, func() bool { return j.Snapshot(true).Tasks.FileQueued == 3 }, waitFor, tick)
		jobs = append(jobs, j)
	}

	gate.Cancel(ingest.UserCancelled)
	for _, j := range jobs {
		waitJob(t, j)
	}

	rec.mx.Lock()
	defer rec.mx.Unlock()
	var order []string
	for _, c := range rec.calls {
		if c.module != "gate" {
			order = append(order, c.module)
		}
	}
	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestCancellationReason(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Cancelled by user", ingest.UserCancelled.String())
	require.Equal(t, "Ingest modules startup failed", ingest.ModulesStartupFailed.String())
	require.Equal(t, "out_of_disk_space", ingest.OutOfDiskSpace.Key())

	b, err := ingest.ServicesDown.MarshalText()
	require.NoError(t, err)
	var r ingest.CancellationReason
	require.NoError(t, r.UnmarshalText(b))
	require.Equal(t, ingest.ServicesDown, r)
	require.Error(t, r.UnmarshalText([]byte("nope")))
}

func TestGlobFilter(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		include  []string
		exclude  []string
		maxSize  int64
		file     ingest.File
		then     bool
	}{
		{scenario: "empty/given any file/then match", file: ingest.File{Path: "a/b.txt"}, then: true},
		{scenario: "include/given matching extension/then match", include: []string{"**/*.pem"}, file: ingest.File{Path: "etc/ssl/ca.pem"}, then: true},
		{scenario: "include/given absolute path/then match", include: []string{"etc/**"}, file: ingest.File{Path: "/etc/passwd"}, then: true},
		{scenario: "include/given other extension/then no match", include: []string{"**/*.pem"}, file: ingest.File{Path: "etc/ssl/ca.crt"}},
		{scenario: "exclude/given excluded dir/then no match", exclude: []string{"proc/**"}, file: ingest.File{Path: "proc/1/maps"}},
		{scenario: "size/given too big/then no match", maxSize: 10, file: ingest.File{Path: "big", Size: 11}},
		{scenario: "size/given at limit/then match", maxSize: 10, file: ingest.File{Path: "ok", Size: 10}, then: true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f, err := ingest.NewGlobFilter(tc.include, tc.exclude, tc.maxSize)
			require.NoError(t, err)
			require.Equal(t, tc.then, f.Match(tc.file))
		})
	}

	_, err := ingest.NewGlobFilter([]string{"[a-"}, nil, 0)
	require.Error(t, err)
	_, err = ingest.NewGlobFilter(nil, nil, -1)
	require.Error(t, err)
}

func TestManagerShutdownWhileStarting(t *testing.T) {
	t.Parallel()
	m := ingest.NewManager(store.NewMemory(), ingest.WithWorkers(2))
	require.NoError(t, m.Init(t.Context()))

	rec := &recorder{}
	settings := ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			fileTemplate("wait", rec, processing(func(ctx context.Context, _ ingest.File) error {
				<-ctx.Done()
				return ctx.Err()
			})),
		},
	}

	var wg sync.WaitGroup
	var mx sync.Mutex
	var accepted []*ingest.Job
	for range 16 {
		wg.Go(func() {
			j := m.NewJob(newSource("ds", 2), settings)
			_, err := m.StartJob(t.Context(), j)
			if errors.Is(err, ingest.ErrManagerNotRunning) {
				return
			}
			mx.Lock()
			accepted = append(accepted, j)
			mx.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	wg.Wait()

	mx.Lock()
	defer mx.Unlock()
	for _, j := range accepted {
		require.Equal(t, ingest.CaseClosed, j.CancellationReason())
	}
}
