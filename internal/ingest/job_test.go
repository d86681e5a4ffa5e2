package ingest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"

	"github.com/stretchr/testify/require"
)

func TestJobStartTwice(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(2))
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 3), ingest.Settings{
		Templates: []ingest.ModuleTemplate{fileTemplate("m1", rec)},
	})

	startJob(t, m, j)
	first := j.DiagnosticSnapshot(false)
	require.NotNil(t, first)

	for range 3 {
		require.Empty(t, j.Start(t.Context()))
	}
	waitJob(t, j)

	require.Equal(t, first.StartTime, j.DiagnosticSnapshot(false).StartTime)
	require.EqualValues(t, 2, rec.startups.Load(), "one file pipeline copy per worker")
	require.EqualValues(t, 2, rec.shutdowns.Load())
	require.Equal(t, 3, rec.count("m1"))
	require.EqualValues(t, 3, j.Snapshot(false).ProcessedFiles)
}

func TestJobCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	events := subscribe(t, m)
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 5), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			dsTemplate("ds", rec, nil),
			fileTemplate("file", rec),
		},
	})
	require.Nil(t, j.Snapshot(true))

	j.Cancel(ingest.UserCancelled)
	startJob(t, m, j)
	waitJob(t, j)

	snap := j.Snapshot(true)
	require.NotNil(t, snap)
	require.Zero(t, snap.ProcessedFiles)
	require.Zero(t, snap.QueuedFiles)
	require.False(t, snap.FileIngestRunning)
	require.True(t, snap.Cancelled)
	require.Equal(t, ingest.UserCancelled, snap.CancellationReason)
	require.Zero(t, rec.len())

	got := events.until(t, j.ID(), ingest.EventJobCancelled)
	require.Equal(t, ingest.UserCancelled, got[len(got)-1].Reason)
	require.Equal(t, ingest.TaskStats{}, m.TaskStats())
}

func TestCancellationReasonFirstWins(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    []ingest.CancellationReason
		then     ingest.CancellationReason
	}{
		{
			scenario: "nothing/given no cancel/then not cancelled",
			then:     ingest.NotCancelled,
		},
		{
			scenario: "different reasons/given user then disk/then user",
			given:    []ingest.CancellationReason{ingest.UserCancelled, ingest.OutOfDiskSpace},
			then:     ingest.UserCancelled,
		},
		{
			scenario: "same reason/given case closed twice/then case closed",
			given:    []ingest.CancellationReason{ingest.CaseClosed, ingest.CaseClosed},
			then:     ingest.CaseClosed,
		},
		{
			scenario: "not cancelled/given as first value/then ignored",
			given:    []ingest.CancellationReason{ingest.NotCancelled, ingest.ServicesDown, ingest.UserCancelled},
			then:     ingest.ServicesDown,
		},
	}

	m, _ := newManager(t)
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			j := m.NewJob(newSource("ds", 0), ingest.Settings{})
			for _, r := range tc.given {
				j.Cancel(r)
			}
			require.Equal(t, tc.then, j.CancellationReason())
			require.Equal(t, tc.then != ingest.NotCancelled, j.IsCancelled())
		})
	}

	t.Run("running job/given many reasons/then first", func(t *testing.T) {
		started := make(chan struct{}, 1)
		rec := &recorder{}
		j := m.NewJob(newSource("ds", 0), ingest.Settings{
			Templates: []ingest.ModuleTemplate{dsTemplate("slow", rec, blocking(started))},
		})
		startJob(t, m, j)
		receive(t, started)
		j.Cancel(ingest.ServicesDown)
		j.Cancel(ingest.UserCancelled)
		waitJob(t, j)
		j.Cancel(ingest.CaseClosed)
		require.Equal(t, ingest.ServicesDown, j.CancellationReason())
		require.Equal(t, ingest.ServicesDown, j.Snapshot(false).CancellationReason)
	})
}

func TestBatchRunsEveryModuleOnEveryFile(t *testing.T) {
	t.Parallel()
	const files = 40
	m, s := newManager(t, ingest.WithWorkers(4))
	rec := &recorder{}
	modules := []string{"first", "second", "third"}
	var templates []ingest.ModuleTemplate
	for _, name := range modules {
		templates = append(templates, fileTemplate(name, rec))
	}
	j := m.NewJob(newSource("ds", files), ingest.Settings{Templates: templates})
	startJob(t, m, j)
	waitJob(t, j)

	byFile := rec.modulesByFile()
	require.Len(t, byFile, files)
	for path, got := range byFile {
		require.Equal(t, modules, got, path)
	}
	snap := j.Snapshot(true)
	require.EqualValues(t, files, snap.QueuedFiles)
	require.EqualValues(t, files, snap.ProcessedFiles)
	require.Equal(t, ingest.TaskStats{}, *snap.Tasks)

	stored, err := s.Files(t.Context(), []int64{1, files})
	require.NoError(t, err)
	require.Equal(t, "ds", stored[0].DataSource)
}

func TestBatchScenario(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 3), ingest.Settings{
		Templates: []ingest.ModuleTemplate{fileTemplate("a", rec), fileTemplate("b", rec)},
	})
	require.Equal(t, ingest.ModeBatch, j.Mode())
	startJob(t, m, j)
	waitJob(t, j)

	snap := j.Snapshot(false)
	require.False(t, snap.FileIngestRunning)
	require.False(t, snap.FileIngestStartTime.IsZero())
	require.EqualValues(t, 3, snap.ProcessedFiles)
	require.False(t, snap.Cancelled)
	require.Nil(t, snap.RunningDataSourceModule())
	require.Nil(t, snap.Tasks)
	require.Equal(t, ingest.StageCompleted, j.DiagnosticSnapshot(false).Stage)
}

func TestBatchFilterAndRestrictedFiles(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	src := newSource("ds", 10)

	t.Run("filter", func(t *testing.T) {
		rec := &recorder{}
		filter, err := ingest.NewGlobFilter([]string{"dir/file0*.txt"}, []string{"**/file03.txt"}, 0)
		require.NoError(t, err)
		j := m.NewJob(src, ingest.Settings{
			Templates: []ingest.ModuleTemplate{fileTemplate("m", rec)},
			Filter:    filter,
		})
		startJob(t, m, j)
		waitJob(t, j)
		require.Equal(t, 9, rec.count("m"))
		require.NotContains(t, rec.modulesByFile(), "dir/file03.txt")
	})

	t.Run("restricted files", func(t *testing.T) {
		rec := &recorder{}
		j := m.NewJob(src, ingest.Settings{
			Templates: []ingest.ModuleTemplate{fileTemplate("m", rec)},
		}, ingest.WithFiles(src.files[2], src.files[5]))
		startJob(t, m, j)
		waitJob(t, j)
		require.Len(t, j.Files(), 2)
		require.Equal(t, map[string][]string{
			"dir/file02.txt": {"m"},
			"dir/file05.txt": {"m"},
		}, rec.modulesByFile())
	})
}

func TestStreaming(t *testing.T) {
	t.Parallel()
	m, s := newManager(t, ingest.WithWorkers(1))
	rec := &recorder{}
	j := m.NewJob(newSource("stream", 0), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			dsTemplate("ds", rec, nil),
			fileTemplate("file", rec),
		},
	}, ingest.WithMode(ingest.ModeStreaming))
	startJob(t, m, j)

	files, err := s.AddFiles(t.Context(), []ingest.File{
		{DataSource: "stream", Path: "a"},
		{DataSource: "stream", Path: "b"},
		{DataSource: "stream", Path: "c"},
	})
	require.NoError(t, err)
	j.AddStreamingFiles(t.Context(), []int64{files[0].ID, files[1].ID})
	j.AddStreamingFiles(t.Context(), []int64{files[2].ID})

	require.Eventually(t, func() bool { return rec.count("file") == 3 }, waitFor, tick)
	select {
	case <-j.Done():
		t.Fatal("streaming job finished before its data source was added")
	default:
	}
	require.True(t, j.Snapshot(false).FileIngestRunning)
	require.Zero(t, rec.count("ds"))

	j.ProcessStreamingDataSource(t.Context())
	j.ProcessStreamingDataSource(t.Context())
	waitJob(t, j)
	require.Equal(t, 1, rec.count("ds"))
	require.EqualValues(t, 3, j.Snapshot(false).ProcessedFiles)
	require.False(t, j.Snapshot(false).FileIngestRunning)

	// late files are ignored
	j.AddStreamingFiles(t.Context(), []int64{files[0].ID})
	require.Equal(t, 3, rec.count("file"))
}

func TestStreamingCallsOnBatchJob(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 2), ingest.Settings{
		Templates: []ingest.ModuleTemplate{fileTemplate("file", rec)},
	})

	j.ProcessStreamingDataSource(t.Context())
	startJob(t, m, j)
	files, err := s.AddFiles(t.Context(), []ingest.File{{DataSource: "ds", Path: "extra"}})
	require.NoError(t, err)
	j.AddStreamingFiles(t.Context(), []int64{files[0].ID})
	j.ProcessStreamingDataSource(t.Context())
	waitJob(t, j)

	require.Equal(t, 2, rec.count("file"))
	require.NotContains(t, rec.modulesByFile(), "extra")
}

func TestStartUpFailure(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(3))
	events := subscribe(t, m)
	rec := &recorder{}
	errBroken := errors.New("broken configuration")
	j := m.NewJob(newSource("ds", 10), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			fileTemplate("good", rec),
			fileTemplate("bad", rec, failingStartUp(errBroken)),
		},
	})

	errs, err := m.StartJob(t.Context(), j)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "bad", errs[0].Module)
	require.ErrorIs(t, errs[0], errBroken)
	require.ErrorIs(t, ingest.JoinModuleErrors(errs), errBroken)

	waitJob(t, j)
	require.True(t, j.IsCancelled())
	require.Equal(t, ingest.ModulesStartupFailed, j.CancellationReason())
	require.Zero(t, rec.len())
	require.EqualValues(t, 2, rec.startups.Load(), "no further pipeline copies after a failure")
	require.EqualValues(t, 1, rec.shutdowns.Load(), "only started modules are shut down")

	snap := j.Snapshot(true)
	require.Zero(t, snap.QueuedFiles)
	require.Equal(t, ingest.TaskStats{}, *snap.Tasks)

	got := events.until(t, j.ID(), ingest.EventJobCancelled)
	require.Equal(t, []ingest.EventType{
		ingest.EventJobStarted,
		ingest.EventDataSourceAnalysisCancelled,
		ingest.EventJobCancelled,
	}, types(got))
	require.Equal(t, ingest.ModulesStartupFailed, got[2].Reason)

	_, ok := m.Job(j.ID())
	require.True(t, ok)
}

func TestUnsupportedTemplate(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	j := m.NewJob(newSource("ds", 1), ingest.Settings{
		Templates: []ingest.ModuleTemplate{namedOnly("nothing")},
	})
	errs, err := m.StartJob(t.Context(), j)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ingest.ErrUnsupportedModule)
	waitJob(t, j)
}

type namedOnly string

func (n namedOnly) Name() string { return string(n) }

func TestCancelMidRun(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1))
	rec := &recorder{}
	started := make(chan struct{}, 1)
	j := m.NewJob(newSource("ds", 10), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			dsTemplate("long", rec, blocking(started)),
			fileTemplate("file", rec),
		},
	})
	startJob(t, m, j)
	receive(t, started)
	require.Eventually(t, func() bool {
		return j.Snapshot(true).Tasks.FileQueued == 10
	}, waitFor, tick)

	snap := j.Snapshot(true)
	require.True(t, snap.FileIngestRunning)
	require.NotNil(t, snap.RunningDataSourceModule())
	require.Equal(t, "long", snap.RunningDataSourceModule().DisplayName())

	j.Cancel(ingest.UserCancelled)
	waitJob(t, j)

	require.Zero(t, rec.count("file"))
	require.Equal(t, 1, rec.count("long"))
	d := j.DiagnosticSnapshot(true)
	require.Equal(t, ingest.StageCompleted, d.Stage)
	require.Equal(t, ingest.UserCancelled, d.CancellationReason)
	require.True(t, d.Cancelled)
	require.Zero(t, d.ProcessedFiles)
	require.Zero(t, d.ModuleErrors, "cancellation is not a module error")
	require.Equal(t, ingest.TaskStats{}, *d.Tasks)
	require.Equal(t, ingest.TaskStats{}, m.TaskStats())
}

func TestCancelInFlightFile(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1))
	rec := &recorder{}
	started := make(chan struct{}, 3)
	j := m.NewJob(newSource("ds", 3), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			fileTemplate("first", rec, processing(func(ctx context.Context, _ ingest.File) error {
				started <- struct{}{}
				<-ctx.Done()
				return ctx.Err()
			})),
			fileTemplate("second", rec),
		},
	})
	startJob(t, m, j)
	receive(t, started)

	j.Cancel(ingest.UserCancelled)
	waitJob(t, j)

	require.Equal(t, 1, rec.count("first"))
	require.Zero(t, rec.count("second"))
	d := j.DiagnosticSnapshot(true)
	require.Equal(t, ingest.StageCompleted, d.Stage)
	require.Equal(t, ingest.UserCancelled, d.CancellationReason)
	require.EqualValues(t, 1, d.ProcessedFiles)
	require.Zero(t, d.ModuleErrors)
	require.Equal(t, ingest.TaskStats{}, *d.Tasks)
}

func TestCancelCurrentDataSourceModule(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(1))
	events := subscribe(t, m)
	rec := &recorder{}
	started := make(chan struct{}, 1)
	j := m.NewJob(newSource("ds", 0), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			dsTemplate("slow", rec, blocking(started)),
			dsTemplate("next", rec, func(_ context.Context, p ingest.Progress) error {
				p.SetTotal(2)
				p.Advance(2)
				p.Status("done")
				return nil
			}),
		},
	})
	startJob(t, m, j)
	receive(t, started)

	handle := j.Snapshot(false).RunningDataSourceModule()
	require.NotNil(t, handle)
	require.Equal(t, "slow", handle.DisplayName())
	require.False(t, handle.IsCancelled())
	require.False(t, handle.StartTime().IsZero())
	require.True(t, handle.Cancel())
	require.True(t, handle.IsCancelled())
	require.False(t, handle.Cancel())

	waitJob(t, j)
	require.Equal(t, 1, rec.count("next"))
	require.False(t, j.IsCancelled())

	d := j.DiagnosticSnapshot(false)
	require.Equal(t, []string{"slow"}, d.CancelledDataSourceModules)
	require.Equal(t, ingest.ProgressInfo{Total: 2, Done: 2, Status: "done"}, d.DataSourceProgress)
	require.Equal(t, []string{"slow"}, j.Snapshot(false).CancelledDataSourceModules)

	got := events.until(t, j.ID(), ingest.EventJobCompleted)
	require.Contains(t, types(got), ingest.EventDataSourceModuleCancelled)
}

func TestModuleErrorsAreCounted(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t, ingest.WithWorkers(2))
	rec := &recorder{}
	j := m.NewJob(newSource("ds", 2), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			fileTemplate("fails", rec, processing(func(context.Context, ingest.File) error {
				return errors.New("cannot parse")
			})),
			fileTemplate("panics", rec, processing(func(context.Context, ingest.File) error {
				panic("boom")
			})),
			fileTemplate("works", rec),
			dsTemplate("ds panics", rec, func(context.Context, ingest.Progress) error {
				panic("ds boom")
			}),
		},
	})
	startJob(t, m, j)
	waitJob(t, j)

	require.Equal(t, 2, rec.count("works"))
	d := j.DiagnosticSnapshot(false)
	require.EqualValues(t, 5, d.ModuleErrors)
	require.EqualValues(t, 2, d.ProcessedFiles)
	require.False(t, d.Cancelled)
}

func TestJobContext(t *testing.T) {
	t.Parallel()
	m, s := newManager(t)
	j := m.NewJob(newSource("ds", 1), ingest.Settings{
		Templates: []ingest.ModuleTemplate{
			ingest.NewFileTemplate("reader", func() ingest.FileModule { return &readerModule{} }),
		},
	})
	startJob(t, m, j)
	waitJob(t, j)

	results, err := s.Results(t.Context(), j.ID())
	require.NoError(t, err)
	require.Equal(t, []ingest.Result{{
		JobID:  j.ID(),
		FileID: 1,
		Module: "reader",
		Type:   "content",
		Value:  "content of dir/file00.txt",
		Attributes: map[string]string{
			"mode":      "batch",
			"cancelled": "false",
		},
	}}, results)
}

type readerModule struct {
	ingest.NoLifecycle
}

func (*readerModule) Name() string { return "reader" }

func (*readerModule) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	rc, err := jc.Open(ctx, f)
	if err != nil {
		return err
	}
	defer rc.Close()
	b := make([]byte, 64)
	n, _ := rc.Read(b)
	cancelled := "false"
	if jc.IsJobCancelled() {
		cancelled = "true"
	}
	return jc.Post(ctx, ingest.Result{
		FileID: f.ID,
		Module: "reader",
		Type:   "content",
		Value:  string(b[:n]),
		Attributes: map[string]string{
			"mode":      jc.Mode().String(),
			"cancelled": cancelled,
		},
	})
}
