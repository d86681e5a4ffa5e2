package ingest

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/log"
)

type Stage int

const (
	StageNotStarted Stage = iota
	StageStartingUp
	StageRunning
	StageCancelling
	StageShuttingDown
	StageCompleted
)

func (s Stage) String() string {
	switch s {
	case StageNotStarted:
		return "not_started"
	case StageStartingUp:
		return "starting_up"
	case StageRunning:
		return "running"
	case StageCancelling:
		return "cancelling"
	case StageShuttingDown:
		return "shutting_down"
	case StageCompleted:
		return "completed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// number of files registered in the store at once
const fileBatchSize = 256

type runningDataSourceModule struct {
	token     uint64
	name      string
	start     time.Time
	cancel    context.CancelFunc
	cancelled bool
}

// jobPipeline drives a single job: it starts the modules, produces tasks,
// executes them on behalf of the worker pool and shuts everything down once
// the work is done or the job is cancelled.
type jobPipeline struct {
	job   *Job
	mgr   *Manager
	sched *Scheduler
	store Store
	jc    *JobContext
	slots int

	baseCtx   context.Context // never cancelled, carries the log attributes
	ctx       context.Context // cancelled with the job
	cancelCtx context.CancelFunc

	// set before the pipeline is published, read only afterwards
	templates resolvedTemplates
	hasDS     bool
	hasFiles  bool

	dsModules  []DataSourceModule
	fileCopies []*filePipeline
	filePool   chan *filePipeline

	stageMx        sync.Mutex
	stage          Stage
	producers      int
	streamEnded    bool
	pendingDS      int
	pendingFiles   int
	startTime      time.Time
	endTime        time.Time
	fileStart      time.Time
	queuedFiles    int64
	processedFiles int64
	moduleErrors   int64
	dsRuns         uint64
	currentDS      *runningDataSourceModule
	cancelledDS    []string
	runningFiles   map[int]RunningModule
	dsProgress     ProgressInfo
}

func newJobPipeline(ctx context.Context, j *Job) *jobPipeline {
	base := log.ContextAttrs(context.WithoutCancel(ctx),
		slog.Int64("job_id", j.id),
		slog.String("data_source", j.dataSource.Name()),
	)
	pctx, cancel := context.WithCancel(base)
	r := j.settings.resolve()
	return &jobPipeline{
		templates:    r,
		hasDS:        len(r.dataSource) > 0,
		hasFiles:     len(r.file) > 0,
		job:          j,
		mgr:          j.mgr,
		sched:        j.mgr.sched,
		store:        j.mgr.store,
		jc:           &JobContext{job: j, store: j.mgr.store},
		slots:        j.mgr.pool.Size(),
		baseCtx:      base,
		ctx:          pctx,
		cancelCtx:    cancel,
		runningFiles: make(map[int]RunningModule),
	}
}

// startUp starts all modules. On failure the pipeline is left in
// StageShuttingDown and the caller must call complete.
func (p *jobPipeline) startUp() []ModuleError {
	p.stageMx.Lock()
	if p.stage != StageNotStarted {
		p.stageMx.Unlock()
		return nil
	}
	p.stage = StageStartingUp
	p.startTime = time.Now()
	p.stageMx.Unlock()

	errs := p.startModules()

	p.stageMx.Lock()
	if len(errs) > 0 {
		p.stage = StageShuttingDown
		p.stageMx.Unlock()
		return errs
	}
	if p.ctx.Err() != nil {
		p.stage = StageShuttingDown
		p.stageMx.Unlock()
		slog.InfoContext(p.baseCtx, "ingest job cancelled during start-up")
		p.complete()
		return nil
	}

	p.stage = StageRunning
	p.mgr.analysisStarted(p.job)
	if p.job.mode == ModeBatch {
		if p.hasDS {
			p.enqueueLocked(Task{Kind: TaskDataSource})
		}
		if p.hasFiles {
			p.producers++
			p.fileStart = time.Now()
			go p.produce()
		}
	}
	complete := p.completableLocked()
	p.stageMx.Unlock()

	if complete {
		p.complete()
	}
	return nil
}

func (p *jobPipeline) startModules() []ModuleError {
	r := p.templates
	errs := slices.Clone(r.errs)

	dsModules := make([]DataSourceModule, 0, len(r.dataSource))
	for _, t := range r.dataSource {
		dsModules = append(dsModules, t.NewDataSourceModule())
	}
	started, dsErrs := startAll(p.ctx, p.jc, dsModules)
	p.dsModules = started
	errs = append(errs, dsErrs...)

	if !p.hasFiles {
		return errs
	}
	p.filePool = make(chan *filePipeline, p.slots)
	for slot := range p.slots {
		modules := make([]FileModule, 0, len(r.file))
		for _, t := range r.file {
			modules = append(modules, t.NewFileModule())
		}
		started, fileErrs := startAll(log.ContextAttrs(p.ctx, slog.Int("slot", slot)), p.jc, modules)
		fp := &filePipeline{slot: slot, modules: started}
		p.fileCopies = append(p.fileCopies, fp)
		p.filePool <- fp
		if len(fileErrs) > 0 {
			errs = append(errs, fileErrs...)
			break
		}
	}
	return errs
}

// enqueueLocked must be called with stageMx held.
func (p *jobPipeline) enqueueLocked(tasks ...Task) bool {
	for i := range tasks {
		tasks[i].jobID = p.job.id
		tasks[i].pipeline = p
	}
	if err := p.sched.Enqueue(tasks...); err != nil {
		slog.ErrorContext(p.baseCtx, "scheduling ingest tasks", "error", err)
		return false
	}
	for _, t := range tasks {
		if t.Kind == TaskDataSource {
			p.pendingDS++
		} else {
			p.pendingFiles++
			p.queuedFiles++
		}
	}
	return true
}

func (p *jobPipeline) enqueueFiles(files []File) bool {
	p.stageMx.Lock()
	defer p.stageMx.Unlock()
	if p.stage != StageRunning {
		return false
	}
	if len(files) == 0 {
		return true
	}
	tasks := make([]Task, len(files))
	for i, f := range files {
		tasks[i] = Task{Kind: TaskFile, File: f}
	}
	if p.fileStart.IsZero() {
		p.fileStart = time.Now()
	}
	return p.enqueueLocked(tasks...)
}

// produce enumerates the data source, registers the files in the store and
// schedules one file task per accepted file.
func (p *jobPipeline) produce() {
	defer p.producerDone()
	ctx := p.ctx

	batch := make([]File, 0, fileBatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		files, err := p.register(ctx, batch)
		batch = make([]File, 0, fileBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.ErrorContext(ctx, "registering files", "error", err)
			return true
		}
		return p.enqueueFiles(files)
	}

	for f, err := range p.enumerate(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "enumerating data source", "error", err)
			continue
		}
		if !p.job.settings.accepts(f) {
			continue
		}
		batch = append(batch, f)
		if len(batch) == fileBatchSize && !flush() {
			return
		}
	}
	flush()
}

func (p *jobPipeline) enumerate(ctx context.Context) iter.Seq2[File, error] {
	if len(p.job.files) == 0 {
		return p.job.dataSource.Files(ctx)
	}
	return func(yield func(File, error) bool) {
		for _, f := range p.job.files {
			if ctx.Err() != nil {
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// register adds files without an id to the store, keeping their order.
func (p *jobPipeline) register(ctx context.Context, files []File) ([]File, error) {
	var idx []int
	var fresh []File
	for i := range files {
		if files[i].DataSource == "" {
			files[i].DataSource = p.job.dataSource.Name()
		}
		if files[i].ID == 0 {
			idx = append(idx, i)
			fresh = append(fresh, files[i])
		}
	}
	if len(fresh) == 0 {
		return files, nil
	}
	added, err := p.store.AddFiles(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("adding %d files: %w", len(fresh), err)
	}
	if len(added) != len(fresh) {
		return nil, fmt.Errorf("store registered %d of %d files", len(added), len(fresh))
	}
	for j, i := range idx {
		files[i] = added[j]
	}
	return files, nil
}

func (p *jobPipeline) producerDone() {
	p.stageMx.Lock()
	p.producers--
	complete := p.completableLocked()
	p.stageMx.Unlock()
	if complete {
		p.complete()
	}
}

// completableLocked moves the pipeline to StageShuttingDown and returns true
// when nothing is left to do. Must be called with stageMx held.
func (p *jobPipeline) completableLocked() bool {
	if p.stage != StageRunning && p.stage != StageCancelling {
		return false
	}
	if p.producers > 0 || p.pendingDS > 0 || p.pendingFiles > 0 {
		return false
	}
	if p.job.mode == ModeStreaming && !p.streamEnded && p.stage != StageCancelling {
		return false
	}
	p.stage = StageShuttingDown
	return true
}

// execute runs a task on the calling worker goroutine.
func (p *jobPipeline) execute(t Task) {
	if p.ctx.Err() != nil {
		return
	}
	switch t.Kind {
	case TaskDataSource:
		p.runDataSourceModules()
	case TaskFile:
		p.runFileModules(t.File)
	}
}

func (p *jobPipeline) taskFinished(t Task) {
	p.stageMx.Lock()
	if t.Kind == TaskDataSource {
		p.pendingDS--
	} else {
		p.pendingFiles--
	}
	complete := p.completableLocked()
	p.stageMx.Unlock()
	if complete {
		p.complete()
	}
}

func (p *jobPipeline) runDataSourceModules() {
	ctx := p.ctx
	for _, m := range p.dsModules {
		if ctx.Err() != nil {
			return
		}
		mctx, cancel := context.WithCancel(log.ContextAttrs(ctx, slog.String("module", m.Name())))

		p.stageMx.Lock()
		p.dsRuns++
		cur := &runningDataSourceModule{token: p.dsRuns, name: m.Name(), start: time.Now(), cancel: cancel}
		p.currentDS = cur
		p.dsProgress = ProgressInfo{}
		p.stageMx.Unlock()

		slog.DebugContext(mctx, "data source module started")
		err := protect(func() error { return m.Process(mctx, p.jc, dsProgress{p: p}) })
		cancel()

		p.stageMx.Lock()
		p.currentDS = nil
		cancelled := cur.cancelled
		failed := err != nil && !cancelled && ctx.Err() == nil
		if failed {
			p.moduleErrors++
		}
		p.stageMx.Unlock()

		switch {
		case cancelled:
			slog.InfoContext(mctx, "data source module cancelled")
		case failed:
			slog.ErrorContext(mctx, "data source module failed", "error", err)
		}
	}
}

func (p *jobPipeline) runFileModules(f File) {
	fp := <-p.filePool
	defer func() { p.filePool <- fp }()

	ctx := log.ContextAttrs(p.ctx, slog.Int64("file_id", f.ID), slog.String("path", f.Path))
	for _, m := range fp.modules {
		if ctx.Err() != nil {
			break
		}
		p.stageMx.Lock()
		p.runningFiles[fp.slot] = RunningModule{Name: m.Name(), StartTime: time.Now()}
		p.stageMx.Unlock()

		err := protect(func() error { return m.Process(ctx, p.jc, f) })
		if err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "file module failed", "module", m.Name(), "error", err)
			p.stageMx.Lock()
			p.moduleErrors++
			p.stageMx.Unlock()
		}
	}

	p.stageMx.Lock()
	delete(p.runningFiles, fp.slot)
	p.processedFiles++
	p.stageMx.Unlock()
	p.mgr.fileDone(p.job, f)
}

// cancel stops the job: queued tasks are dropped, running modules see their
// context cancelled and no further module is started.
func (p *jobPipeline) cancel() {
	p.stageMx.Lock()
	switch p.stage {
	case StageNotStarted, StageStartingUp:
		p.cancelCtx()
		p.stageMx.Unlock()
		return
	case StageRunning:
		p.stage = StageCancelling
	case StageCancelling:
	default:
		p.stageMx.Unlock()
		return
	}
	p.cancelCtx()
	dropped := p.sched.Drop(p.job.id)
	p.pendingDS -= dropped.DataSourceQueued
	p.pendingFiles -= dropped.FileQueued
	complete := p.completableLocked()
	p.stageMx.Unlock()

	slog.InfoContext(p.baseCtx, "ingest job cancelling",
		"reason", p.job.CancellationReason().String(),
		"dropped_tasks", dropped.Queued(),
	)
	if complete {
		p.complete()
	}
}

// cancelCurrentDataSourceModule cancels the running data source module. With
// a non zero token only the module run identified by it is cancelled.
func (p *jobPipeline) cancelCurrentDataSourceModule(token uint64) bool {
	p.stageMx.Lock()
	cur := p.currentDS
	if cur == nil || cur.cancelled || (token != 0 && cur.token != token) {
		p.stageMx.Unlock()
		return false
	}
	cur.cancelled = true
	cur.cancel()
	p.cancelledDS = append(p.cancelledDS, cur.name)
	p.mgr.dataSourceModuleCancelled(p.job, cur.name)
	p.stageMx.Unlock()
	return true
}

func (p *jobPipeline) addStreamedFiles(ctx context.Context, ids []int64) {
	p.stageMx.Lock()
	if p.stage != StageRunning {
		stage := p.stage
		p.stageMx.Unlock()
		slog.ErrorContext(p.baseCtx, "streamed files added to ingest job that is not running", "stage", stage.String(), "files", len(ids))
		return
	}
	if !p.hasFiles || len(ids) == 0 {
		p.stageMx.Unlock()
		return
	}
	p.producers++
	p.stageMx.Unlock()
	defer p.producerDone()

	files, err := p.store.Files(ctx, ids)
	if err != nil {
		slog.ErrorContext(p.baseCtx, "resolving streamed files", "files", len(ids), "error", err)
		return
	}
	files = slices.DeleteFunc(files, func(f File) bool { return !p.job.settings.accepts(f) })
	p.enqueueFiles(files)
}

func (p *jobPipeline) addStreamedDataSource() {
	p.stageMx.Lock()
	if p.stage != StageRunning {
		stage := p.stage
		p.stageMx.Unlock()
		slog.ErrorContext(p.baseCtx, "streamed data source added to ingest job that is not running", "stage", stage.String())
		return
	}
	if p.streamEnded {
		p.stageMx.Unlock()
		slog.WarnContext(p.baseCtx, "streamed data source already added")
		return
	}
	p.streamEnded = true
	if p.hasDS {
		p.enqueueLocked(Task{Kind: TaskDataSource})
	}
	complete := p.completableLocked()
	p.stageMx.Unlock()
	if complete {
		p.complete()
	}
}

// complete shuts the modules down and reports the job as finished. It runs
// exactly once, after the pipeline entered StageShuttingDown.
func (p *jobPipeline) complete() {
	shutDownAll(p.baseCtx, p.dsModules)
	for _, fp := range p.fileCopies {
		shutDownAll(log.ContextAttrs(p.baseCtx, slog.Int("slot", fp.slot)), fp.modules)
	}
	p.cancelCtx()

	p.stageMx.Lock()
	p.stage = StageCompleted
	p.endTime = time.Now()
	p.stageMx.Unlock()

	p.job.pipelineCompleted()
}

func (p *jobPipeline) diagnostics(includeTasks bool) DiagnosticSnapshot {
	p.stageMx.Lock()
	s := DiagnosticSnapshot{
		JobID:                      p.job.id,
		DataSource:                 p.job.dataSource.Name(),
		Mode:                       p.job.mode,
		Stage:                      p.stage,
		StartTime:                  p.startTime,
		EndTime:                    p.endTime,
		FileIngestRunning:          p.fileIngestRunningLocked(),
		FileIngestStartTime:        p.fileStart,
		QueuedFiles:                p.queuedFiles,
		ProcessedFiles:             p.processedFiles,
		ModuleErrors:               p.moduleErrors,
		CancelledDataSourceModules: slices.Clone(p.cancelledDS),
		DataSourceProgress:         p.dsProgress,
	}
	if cur := p.currentDS; cur != nil {
		s.DataSourceModule = &RunningModule{Name: cur.name, StartTime: cur.start}
		s.dsToken = cur.token
		s.dsCancelled = cur.cancelled
	}
	slots := make([]int, 0, len(p.runningFiles))
	for slot := range p.runningFiles {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	for _, slot := range slots {
		s.FileModules = append(s.FileModules, p.runningFiles[slot])
	}
	p.stageMx.Unlock()

	s.Cancelled = p.job.IsCancelled()
	s.CancellationReason = p.job.CancellationReason()
	if includeTasks {
		st := p.sched.Stats(p.job.id)
		s.Tasks = &st
	}
	return s
}

func (p *jobPipeline) fileIngestRunningLocked() bool {
	if !p.hasFiles || (p.stage != StageRunning && p.stage != StageCancelling) {
		return false
	}
	if p.producers > 0 || p.pendingFiles > 0 {
		return true
	}
	return p.job.mode == ModeStreaming && !p.streamEnded
}
