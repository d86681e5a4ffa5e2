package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Manager owns the shared task scheduler and worker pool and keeps track of
// the jobs running on them.
type Manager struct {
	store    Store
	workers  int
	fairness Fairness

	sched   *Scheduler
	pool    *WorkerPool
	events  *eventBus
	cancels *mailbox[*jobPipeline]

	running    atomic.Bool
	nextID     atomic.Int64
	stopPool   context.CancelFunc
	background sync.WaitGroup

	jobsMx sync.RWMutex
	jobs   map[int64]*Job
}

type Option func(*Manager)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		m.workers = n
	}
}

func WithFairness(f Fairness) Option {
	return func(m *Manager) {
		m.fairness = f
	}
}

// WithListener subscribes l before the manager starts.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		m.events.subscribe(l)
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		workers: DefaultWorkers(),
		events:  newEventBus(),
		cancels: newMailbox[*jobPipeline](),
		jobs:    make(map[int64]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sched = NewScheduler(m.fairness)
	m.pool = NewWorkerPool(m.workers, m.sched)
	return m
}

// Init starts the worker pool and the event delivery. The manager can be
// initialized once.
func (m *Manager) Init(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrManagerRunning
	}
	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.stopPool = cancel
	m.pool.Start(poolCtx)

	bgCtx := context.WithoutCancel(ctx)
	m.background.Go(func() {
		m.events.run(bgCtx)
	})
	m.background.Go(func() {
		m.cancels.drain(func(p *jobPipeline) {
			p.cancel()
		})
	})
	slog.InfoContext(ctx, "ingest manager started", "workers", m.pool.Size(), "fairness", m.fairness.String())
	return nil
}

// Shutdown cancels every job with CaseClosed and waits for them to finish.
// When ctx expires first, Shutdown returns without waiting for the workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	// StartJob registers under jobsMx, so every job registered before the
	// flip is seen by CancelAll.
	m.jobsMx.Lock()
	stopped := m.running.CompareAndSwap(true, false)
	m.jobsMx.Unlock()
	if !stopped {
		return nil
	}
	m.CancelAll(CaseClosed)

	var err error
	for _, j := range m.Jobs() {
		if !j.Started() {
			continue
		}
		if werr := j.Wait(ctx); werr != nil {
			err = fmt.Errorf("waiting for ingest job %d: %w", j.ID(), werr)
			break
		}
	}

	m.sched.Close()
	m.stopPool()
	if err == nil {
		err = m.pool.Wait()
	}
	m.cancels.close()
	m.events.close()
	if err == nil {
		m.background.Wait()
	}
	slog.InfoContext(ctx, "ingest manager stopped", "error", err)
	return err
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

func (m *Manager) NewJob(ds DataSource, settings Settings, opts ...JobOption) *Job {
	j := &Job{
		id:         m.nextID.Add(1),
		dataSource: ds,
		mode:       ModeBatch,
		settings:   settings,
		mgr:        m,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// StartJob registers the job and starts it. Module start-up failures are
// returned as the first value; the job is then cancelled and stays
// registered.
func (m *Manager) StartJob(ctx context.Context, j *Job) ([]ModuleError, error) {
	if !m.running.Load() {
		return nil, ErrManagerNotRunning
	}
	if j.mgr != m {
		return nil, ErrForeignJob
	}

	m.jobsMx.Lock()
	if !m.running.Load() {
		m.jobsMx.Unlock()
		return nil, ErrManagerNotRunning
	}
	m.jobs[j.id] = j
	m.jobsMx.Unlock()

	m.publish(Event{Type: EventJobStarted, JobID: j.id, DataSource: j.dataSource.Name()})
	errs := j.Start(ctx)
	for _, e := range errs {
		slog.ErrorContext(ctx, "ingest module failed to start", "job_id", j.id, "module", e.Module, "error", e.Err)
	}
	return errs, nil
}

// Jobs returns the registered jobs ordered by id.
func (m *Manager) Jobs() []*Job {
	m.jobsMx.RLock()
	ids := slices.Sorted(maps.Keys(m.jobs))
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, m.jobs[id])
	}
	m.jobsMx.RUnlock()
	return jobs
}

func (m *Manager) Job(id int64) (*Job, bool) {
	m.jobsMx.RLock()
	defer m.jobsMx.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// RemoveJob forgets a finished job. Running jobs stay registered.
func (m *Manager) RemoveJob(id int64) bool {
	m.jobsMx.Lock()
	defer m.jobsMx.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false
	}
	if j.Started() {
		select {
		case <-j.done:
		default:
			return false
		}
	}
	delete(m.jobs, id)
	return true
}

// ActiveJobs returns the registered jobs that did not finish yet.
func (m *Manager) ActiveJobs() []*Job {
	return slices.DeleteFunc(m.Jobs(), func(j *Job) bool {
		select {
		case <-j.done:
			return true
		default:
			return false
		}
	})
}

func (m *Manager) CancelAll(reason CancellationReason) {
	for _, j := range m.ActiveJobs() {
		j.Cancel(reason)
	}
}

// ReportResourceExhaustion cancels every active job. Only OutOfDiskSpace and
// ServicesDown are accepted.
func (m *Manager) ReportResourceExhaustion(reason CancellationReason) error {
	if reason != OutOfDiskSpace && reason != ServicesDown {
		return fmt.Errorf("%w: %s is not a resource exhaustion", ErrInvalidReason, reason)
	}
	active := m.ActiveJobs()
	slog.Error("resource exhausted, cancelling ingest jobs", "reason", reason.String(), "jobs", len(active))
	for _, j := range active {
		j.Cancel(reason)
	}
	return nil
}

// Subscribe registers a listener for ingest events and returns a function
// removing it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	return m.events.subscribe(l)
}

// TaskStats returns scheduler statistics over all jobs.
func (m *Manager) TaskStats() TaskStats {
	return m.sched.TotalStats()
}

func (m *Manager) Workers() int {
	return m.pool.Size()
}

func (m *Manager) requestCancel(p *jobPipeline) {
	if !m.cancels.push(p) {
		slog.Debug("cancel request after ingest manager shutdown", "job_id", p.job.id)
	}
}

func (m *Manager) publish(e Event) {
	m.events.publish(e)
}

func (m *Manager) analysisStarted(j *Job) {
	m.publish(Event{Type: EventDataSourceAnalysisStarted, JobID: j.id, DataSource: j.dataSource.Name()})
}

func (m *Manager) fileDone(j *Job, f File) {
	m.publish(Event{Type: EventFileDone, JobID: j.id, DataSource: j.dataSource.Name(), FileID: f.ID, Path: f.Path})
}

func (m *Manager) dataSourceModuleCancelled(j *Job, module string) {
	m.publish(Event{Type: EventDataSourceModuleCancelled, JobID: j.id, DataSource: j.dataSource.Name(), Module: module})
}

func (m *Manager) jobCompleted(j *Job) {
	ds := j.dataSource.Name()
	reason := j.CancellationReason()
	if reason != NotCancelled {
		m.publish(Event{Type: EventDataSourceAnalysisCancelled, JobID: j.id, DataSource: ds, Reason: reason})
		m.publish(Event{Type: EventJobCancelled, JobID: j.id, DataSource: ds, Reason: reason})
		slog.Info("ingest job cancelled", "job_id", j.id, "data_source", ds, "reason", reason.String())
		return
	}
	m.publish(Event{Type: EventDataSourceAnalysisCompleted, JobID: j.id, DataSource: ds})
	m.publish(Event{Type: EventJobCompleted, JobID: j.id, DataSource: ds})
	slog.Info("ingest job completed", "job_id", j.id, "data_source", ds)
}

