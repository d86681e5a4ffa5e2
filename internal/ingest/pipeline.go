package ingest

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Ingestor/internal/log"
)

// filePipeline is one copy of the file modules of a job. A copy is used by a
// single worker at a time.
type filePipeline struct {
	slot    int
	modules []FileModule
}

// startAll starts every module and keeps going after failures. It returns
// the modules that started and the errors of those that did not.
func startAll[M Module](ctx context.Context, jc *JobContext, modules []M) ([]M, []ModuleError) {
	started := make([]M, 0, len(modules))
	var errs []ModuleError
	for _, m := range modules {
		mctx := log.ContextAttrs(ctx, slog.String("module", m.Name()))
		err := protect(func() error { return m.StartUp(mctx, jc) })
		if err != nil {
			slog.ErrorContext(mctx, "module start-up failed", "error", err)
			errs = append(errs, ModuleError{Module: m.Name(), Err: err})
			continue
		}
		started = append(started, m)
	}
	return started, errs
}

func shutDownAll[M Module](ctx context.Context, modules []M) []ModuleError {
	var errs []ModuleError
	for _, m := range modules {
		mctx := log.ContextAttrs(ctx, slog.String("module", m.Name()))
		if err := protect(func() error { return m.ShutDown(mctx) }); err != nil {
			slog.ErrorContext(mctx, "module shut-down failed", "error", err)
			errs = append(errs, ModuleError{Module: m.Name(), Err: err})
		}
	}
	return errs
}

// dsProgress forwards data source module progress into the pipeline counters.
type dsProgress struct {
	p *jobPipeline
}

func (d dsProgress) SetTotal(total int64) {
	d.p.stageMx.Lock()
	d.p.dsProgress.Total = total
	d.p.stageMx.Unlock()
}

func (d dsProgress) Advance(n int64) {
	d.p.stageMx.Lock()
	d.p.dsProgress.Done += n
	d.p.stageMx.Unlock()
}

func (d dsProgress) Status(msg string) {
	d.p.stageMx.Lock()
	d.p.dsProgress.Status = msg
	d.p.stageMx.Unlock()
}
