package ingest

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/CZERTAINLY/Ingestor/internal/log"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the worker count used when none is configured.
func DefaultWorkers() int {
	return min(runtime.NumCPU(), 8)
}

// WorkerPool is a fixed set of goroutines executing scheduler tasks for all
// jobs.
type WorkerPool struct {
	size  int
	sched *Scheduler
	g     *errgroup.Group
}

func NewWorkerPool(size int, sched *Scheduler) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers()
	}
	return &WorkerPool{size: size, sched: sched}
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Start launches the workers. They run until ctx is done or the scheduler is
// closed.
func (p *WorkerPool) Start(ctx context.Context) {
	p.g = &errgroup.Group{}
	for i := range p.size {
		p.g.Go(func() error {
			p.loop(log.ContextAttrs(ctx, slog.Int("worker", i)))
			return nil
		})
	}
}

func (p *WorkerPool) Wait() error {
	if p.g == nil {
		return nil
	}
	return p.g.Wait()
}

func (p *WorkerPool) loop(ctx context.Context) {
	for {
		t, err := p.sched.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrSchedulerClosed) && ctx.Err() == nil {
				slog.ErrorContext(ctx, "waiting for ingest task", "error", err)
			}
			return
		}
		p.run(t)
	}
}

func (p *WorkerPool) run(t Task) {
	t.pipeline.execute(t)
	p.sched.Done(t)
	t.pipeline.taskFinished(t)
}
