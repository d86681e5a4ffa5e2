package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/CZERTAINLY/Ingestor/internal/bom"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/store"
)

var (
	ErrJobCancelled  = errors.New("ingest job cancelled")
	ErrModuleStartup = errors.New("ingest modules failed to start")
)

// streamBatch is the number of streamed paths registered together.
const streamBatch = 64

// Ingester turns data sources into a BOM using the jobs of a manager.
type Ingester struct {
	mgr      *ingest.Manager
	store    store.Store
	settings ingest.Settings
}

// NewIngester returns an Ingester. st must be the store mgr was created
// with.
func NewIngester(mgr *ingest.Manager, st store.Store, settings ingest.Settings) *Ingester {
	return &Ingester{mgr: mgr, store: st, settings: settings}
}

// Ingest runs one batch job per data source, all of them at once, and
// builds a BOM from their results. A job that did not complete makes
// Ingest fail.
func (i *Ingester) Ingest(ctx context.Context, sources ...ingest.DataSource) (*cdx.BOM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jobs := make([]*ingest.Job, 0, len(sources))
	var errs []error
	for _, ds := range sources {
		j := i.mgr.NewJob(ds, i.settings)
		if err := i.start(ctx, j); err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, j)
	}

	if err := i.wait(ctx, jobs); err != nil {
		return nil, err
	}

	b := bom.NewBuilder()
	for _, j := range jobs {
		if err := i.collect(ctx, b, j); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	doc := b.BOM()
	return &doc, nil
}

// StatSource is a data source able to describe a single file.
type StatSource interface {
	ingest.DataSource
	Stat(path string) (ingest.File, error)
}

// Stream ingests the files of ds named by the lines of r in a streaming
// job. The data source modules run once r is exhausted.
func (i *Ingester) Stream(ctx context.Context, ds StatSource, r io.Reader) (*cdx.BOM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j := i.mgr.NewJob(ds, i.settings, ingest.WithMode(ingest.ModeStreaming))
	if err := i.start(ctx, j); err != nil {
		return nil, err
	}

	batch := make([]ingest.File, 0, streamBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		files, err := i.store.AddFiles(ctx, batch)
		if err != nil {
			return fmt.Errorf("registering streamed files: %w", err)
		}
		ids := make([]int64, len(files))
		for k, f := range files {
			ids[k] = f.ID
		}
		j.AddStreamingFiles(ctx, ids)
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f, err := ds.Stat(line)
		if err != nil {
			slog.WarnContext(ctx, "skipping streamed file", "path", line, "error", err)
			continue
		}
		batch = append(batch, f)
		if len(batch) == streamBatch {
			if err := flush(); err != nil {
				j.Cancel(ingest.UserCancelled)
				return nil, err
			}
		}
	}
	err := sc.Err()
	if err == nil {
		err = flush()
	}
	if err != nil {
		j.Cancel(ingest.UserCancelled)
		return nil, err
	}
	j.ProcessStreamingDataSource(ctx)

	if err := i.wait(ctx, []*ingest.Job{j}); err != nil {
		return nil, err
	}
	b := bom.NewBuilder()
	if err := i.collect(ctx, b, j); err != nil {
		return nil, err
	}
	doc := b.BOM()
	return &doc, nil
}

func (i *Ingester) start(ctx context.Context, j *ingest.Job) error {
	startErrs, err := i.mgr.StartJob(ctx, j)
	if err != nil {
		return fmt.Errorf("starting ingest job for %s: %w", j.DataSource().Name(), err)
	}
	if len(startErrs) > 0 {
		errs := make([]error, 0, len(startErrs))
		for _, e := range startErrs {
			errs = append(errs, fmt.Errorf("%s: %w", e.Module, e.Err))
		}
		i.mgr.RemoveJob(j.ID())
		return fmt.Errorf("%w: %s: %w", ErrModuleStartup, j.DataSource().Name(), errors.Join(errs...))
	}
	return nil
}

// wait waits for all jobs. When ctx is done first, the jobs are cancelled
// and given a moment to stop.
func (i *Ingester) wait(ctx context.Context, jobs []*ingest.Job) error {
	for _, j := range jobs {
		if err := j.Wait(ctx); err != nil {
			for _, j := range jobs {
				j.Cancel(ingest.UserCancelled)
			}
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			for _, j := range jobs {
				if werr := j.Wait(stopCtx); werr != nil {
					slog.WarnContext(ctx, "ingest job did not stop", "job_id", j.ID(), "error", werr)
				}
			}
			return err
		}
	}
	return nil
}

func (i *Ingester) collect(ctx context.Context, b *bom.Builder, j *ingest.Job) error {
	defer i.mgr.RemoveJob(j.ID())
	ds := j.DataSource().Name()
	if reason := j.CancellationReason(); reason != ingest.NotCancelled {
		return fmt.Errorf("%w: %s: %s", ErrJobCancelled, ds, reason)
	}
	if d := j.DiagnosticSnapshot(false); d != nil && d.ModuleErrors > 0 {
		slog.WarnContext(ctx, "ingest modules reported errors", "job_id", j.ID(), "data_source", ds, "errors", d.ModuleErrors)
	}

	results, err := i.store.Results(ctx, j.ID())
	if err != nil {
		return fmt.Errorf("reading results of %s: %w", ds, err)
	}
	seen := make(map[int64]struct{})
	for _, r := range results {
		if r.FileID != 0 {
			seen[r.FileID] = struct{}{}
		}
	}
	files := make(map[int64]ingest.File, len(seen))
	if len(seen) > 0 {
		fs, err := i.store.Files(ctx, slices.Sorted(maps.Keys(seen)))
		if err != nil {
			return fmt.Errorf("reading files of %s: %w", ds, err)
		}
		for _, f := range fs {
			files[f.ID] = f
		}
	}
	b.AppendResults(ctx, files, results)
	slog.InfoContext(ctx, "ingest job collected", "job_id", j.ID(), "data_source", ds, "results", len(results), "files", len(files))
	return nil
}
