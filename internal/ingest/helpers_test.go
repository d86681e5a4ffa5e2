package ingest_test

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/store"

	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	name  string
	files []ingest.File
}

func newSource(name string, n int) sliceSource {
	s := sliceSource{name: name}
	for i := range n {
		s.files = append(s.files, ingest.File{Path: fmt.Sprintf("dir/file%02d.txt", i), Size: int64(i)})
	}
	return s
}

func (s sliceSource) Name() string { return s.name }

func (s sliceSource) Files(ctx context.Context) iter.Seq2[ingest.File, error] {
	return func(yield func(ingest.File, error) bool) {
		for _, f := range s.files {
			if ctx.Err() != nil {
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s sliceSource) Open(_ context.Context, f ingest.File) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("content of " + f.Path)), nil
}

// recorder collects what modules did.
type recorder struct {
	mx        sync.Mutex
	calls     []call
	startups  atomic.Int32
	shutdowns atomic.Int32
}

type call struct {
	module string
	path   string
}

func (r *recorder) record(module, path string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, call{module: module, path: path})
}

func (r *recorder) count(module string) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.module == module {
			n++
		}
	}
	return n
}

func (r *recorder) len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.calls)
}

// modulesByFile returns the modules that ran for each file, in order.
func (r *recorder) modulesByFile() map[string][]string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make(map[string][]string)
	for _, c := range r.calls {
		ret[c.path] = append(ret[c.path], c.module)
	}
	return ret
}

type fileModule struct {
	name     string
	rec      *recorder
	startErr error
	process  func(ctx context.Context, f ingest.File) error
}

func (m *fileModule) Name() string { return m.name }

func (m *fileModule) StartUp(context.Context, *ingest.JobContext) error {
	m.rec.startups.Add(1)
	return m.startErr
}

func (m *fileModule) ShutDown(context.Context) error {
	m.rec.shutdowns.Add(1)
	return nil
}

func (m *fileModule) Process(ctx context.Context, _ *ingest.JobContext, f ingest.File) error {
	m.rec.record(m.name, f.Path)
	if m.process != nil {
		return m.process(ctx, f)
	}
	return nil
}

func fileTemplate(name string, rec *recorder, opts ...func(*fileModule)) ingest.FileModuleFactory {
	return ingest.NewFileTemplate(name, func() ingest.FileModule {
		m := &fileModule{name: name, rec: rec}
		for _, opt := range opts {
			opt(m)
		}
		return m
	})
}

func failingStartUp(err error) func(*fileModule) {
	return func(m *fileModule) { m.startErr = err }
}

func processing(fn func(ctx context.Context, f ingest.File) error) func(*fileModule) {
	return func(m *fileModule) { m.process = fn }
}

type dsModule struct {
	ingest.NoLifecycle
	name    string
	rec     *recorder
	process func(ctx context.Context, progress ingest.Progress) error
}

func (m *dsModule) Name() string { return m.name }

func (m *dsModule) Process(ctx context.Context, _ *ingest.JobContext, progress ingest.Progress) error {
	m.rec.record(m.name, "")
	if m.process != nil {
		return m.process(ctx, progress)
	}
	return nil
}

func dsTemplate(name string, rec *recorder, process func(ctx context.Context, progress ingest.Progress) error) ingest.DataSourceModuleFactory {
	return ingest.NewDataSourceTemplate(name, func() ingest.DataSourceModule {
		return &dsModule{name: name, rec: rec, process: process}
	})
}

// blocking returns a data source module body that signals started and then
// waits for its context.
func blocking(started chan<- struct{}) func(ctx context.Context, _ ingest.Progress) error {
	return func(ctx context.Context, _ ingest.Progress) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
}

func newManager(t *testing.T, opts ...ingest.Option) (*ingest.Manager, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	m := ingest.NewManager(s, opts...)
	require.NoError(t, m.Init(t.Context()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m, s
}

func startJob(t *testing.T, m *ingest.Manager, j *ingest.Job) {
	t.Helper()
	errs, err := m.StartJob(t.Context(), j)
	require.NoError(t, err)
	require.Empty(t, errs)
}

func waitJob(t *testing.T, j *ingest.Job) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, j.Wait(ctx))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timeout")
		var zero T
		return zero
	}
}

// eventLog collects the events of a manager.
type eventLog struct {
	ch chan ingest.Event
}

func subscribe(t *testing.T, m *ingest.Manager) *eventLog {
	t.Helper()
	l := &eventLog{ch: make(chan ingest.Event, 1024)}
	unsubscribe := m.Subscribe(ingest.ListenerFunc(func(_ context.Context, e ingest.Event) {
		l.ch <- e
	}))
	t.Cleanup(unsubscribe)
	return l
}

// until returns the events of job up to and including the first one of type
// last.
func (l *eventLog) until(t *testing.T, jobID int64, last ingest.EventType) []ingest.Event {
	t.Helper()
	var ret []ingest.Event
	for {
		e := receive(t, l.ch)
		if e.JobID != jobID {
			continue
		}
		ret = append(ret, e)
		if e.Type == last {
			return ret
		}
	}
}

func types(events []ingest.Event) []ingest.EventType {
	ret := make([]ingest.EventType, len(events))
	for i, e := range events {
		ret[i] = e.Type
	}
	return ret
}

const (
	waitFor = 10 * time.Second
	tick    = 5 * time.Millisecond
)
