package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Job is the ingest of one data source with one set of settings. A job is
// started at most once.
type Job struct {
	id         int64
	dataSource DataSource
	files      []File
	mode       Mode
	settings   Settings
	mgr        *Manager

	startMx  sync.Mutex
	pipeline atomic.Pointer[jobPipeline]
	reason   atomic.Int32
	done     chan struct{}
}

type JobOption func(*Job)

// WithFiles restricts a batch job to the given files of the data source.
func WithFiles(files ...File) JobOption {
	return func(j *Job) {
		j.files = append(j.files, files...)
	}
}

func WithMode(mode Mode) JobOption {
	return func(j *Job) {
		j.mode = mode
	}
}

func (j *Job) ID() int64 {
	return j.id
}

func (j *Job) DataSource() DataSource {
	return j.dataSource
}

func (j *Job) Mode() Mode {
	return j.mode
}

func (j *Job) Settings() Settings {
	return j.settings
}

// Files returns the restricted file subset, nil for the whole data source.
func (j *Job) Files() []File {
	return j.files
}

func (j *Job) Started() bool {
	return j.pipeline.Load() != nil
}

// Start starts the modules and schedules the work. It returns the start-up
// errors of the modules, in which case the job is cancelled with
// ModulesStartupFailed and never runs.
func (j *Job) Start(ctx context.Context) []ModuleError {
	j.startMx.Lock()
	defer j.startMx.Unlock()

	if j.pipeline.Load() != nil {
		slog.ErrorContext(ctx, "ingest job already started", "job_id", j.id)
		return nil
	}
	p := newJobPipeline(ctx, j)
	j.pipeline.Store(p)
	if j.IsCancelled() {
		p.cancelCtx()
	}

	errs := p.startUp()
	if len(errs) > 0 {
		j.Cancel(ModulesStartupFailed)
		p.complete()
	}
	return errs
}

// Cancel asks the job to stop. It never blocks; the first reason wins.
func (j *Job) Cancel(reason CancellationReason) {
	if reason == NotCancelled || !reason.valid() {
		slog.Warn("ignoring ingest job cancellation", "job_id", j.id, "reason", int(reason))
		return
	}
	if !j.reason.CompareAndSwap(int32(NotCancelled), int32(reason)) {
		slog.Debug("ingest job already cancelled", "job_id", j.id, "reason", j.CancellationReason().String())
	}
	if p := j.pipeline.Load(); p != nil {
		j.mgr.requestCancel(p)
	}
}

func (j *Job) IsCancelled() bool {
	return j.CancellationReason() != NotCancelled
}

func (j *Job) CancellationReason() CancellationReason {
	return CancellationReason(j.reason.Load())
}

// Snapshot returns the progress of a started job, nil before Start.
func (j *Job) Snapshot(includeTaskStats bool) *ProgressSnapshot {
	p := j.pipeline.Load()
	if p == nil {
		return nil
	}
	return newProgressSnapshot(p, p.diagnostics(includeTaskStats))
}

// DiagnosticSnapshot returns the internal state of a started job, nil before
// Start.
func (j *Job) DiagnosticSnapshot(includeTaskStats bool) *DiagnosticSnapshot {
	p := j.pipeline.Load()
	if p == nil {
		return nil
	}
	d := p.diagnostics(includeTaskStats)
	return &d
}

// AddStreamingFiles schedules already stored files of a streaming job.
func (j *Job) AddStreamingFiles(ctx context.Context, ids []int64) {
	p := j.streamingPipeline(ctx, "AddStreamingFiles")
	if p == nil {
		return
	}
	p.addStreamedFiles(ctx, ids)
}

// ProcessStreamingDataSource tells a streaming job that no more files will
// come and the data source modules can run.
func (j *Job) ProcessStreamingDataSource(ctx context.Context) {
	p := j.streamingPipeline(ctx, "ProcessStreamingDataSource")
	if p == nil {
		return
	}
	p.addStreamedDataSource()
}

func (j *Job) streamingPipeline(ctx context.Context, op string) *jobPipeline {
	if j.mode != ModeStreaming {
		slog.ErrorContext(ctx, "streaming operation on batch ingest job", "job_id", j.id, "op", op)
		return nil
	}
	p := j.pipeline.Load()
	if p == nil {
		slog.ErrorContext(ctx, "streaming operation on ingest job that was not started", "job_id", j.id, "op", op)
	}
	return p
}

// Done is closed once the job finished, whether it completed or was
// cancelled.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) pipelineCompleted() {
	close(j.done)
	j.mgr.jobCompleted(j)
}
