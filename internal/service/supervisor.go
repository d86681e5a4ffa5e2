package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/Ingestor/internal/bom"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/log"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

// RunStore records ingest passes.
type RunStore interface {
	StartRun(ctx context.Context, uuid string) error
	FinishRunOK(ctx context.Context, uuid, uploadKey string) error
	FinishRunErr(ctx context.Context, uuid, reason string) error
}

type Supervisor struct {
	ingester  *Ingester
	sources   SourcesFunc
	uploaders []Uploader
	runs      RunStore
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan struct{}
	passes    chan PassResult
}

// PassResult describes a finished pass.
type PassResult struct {
	RunID   string
	Serial  string
	Started time.Time
	Stopped time.Time
	Err     error
}

// NewSupervisor returns a supervisor running passes of ingester over the
// data sources of sources. The manual mode runs a single pass, the timer
// mode runs passes on the configured schedule until Do returns.
func NewSupervisor(ctx context.Context, cfg model.Service, ingester *Ingester, sources SourcesFunc) (*Supervisor, error) {
	uploaders, err := ConfigUploaders(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	s := &Supervisor{
		ingester:  ingester,
		sources:   sources,
		uploaders: uploaders,
		oneshot:   cfg.Mode == model.ServiceModeManual,
		start:     make(chan struct{}, 1),
	}
	switch cfg.Mode {
	case model.ServiceModeManual:
	case model.ServiceModeTimer:
		s.scheduler, err = newScheduler(ctx, cfg.Schedule, s.Start)
		if err != nil {
			closeUploaders(ctx, uploaders)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
	default:
		closeUploaders(ctx, uploaders)
		return nil, fmt.Errorf("unsupported service mode %q", cfg.Mode)
	}
	return s, nil
}

// WithUploaders replaces the configured uploaders.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...Uploader) *Supervisor {
	closeUploaders(ctx, s.uploaders)
	s.uploaders = uploaders
	return s
}

// WithRuns records every pass in runs.
func (s *Supervisor) WithRuns(runs RunStore) *Supervisor {
	s.runs = runs
	return s
}

// WithPassResults sends the outcome of every pass to ch. Sends never block,
// so ch should be buffered.
func (s *Supervisor) WithPassResults(ch chan PassResult) *Supervisor {
	s.passes = ch
	return s
}

// Start asks for a new pass. It never blocks: a request made while another
// one is pending is dropped.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop.
//
// Manual mode runs one pass on entry and returns its error. Timer mode
// starts the scheduler, only logs failed passes and returns nil once ctx is
// cancelled.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)
	defer closeUploaders(ctx, s.uploaders)

	if s.oneshot {
		return s.pass(ctx)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if err := s.pass(ctx); err != nil {
				slog.ErrorContext(ctx, "ingest pass failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) pass(ctx context.Context) (err error) {
	res := PassResult{RunID: uuid.NewString(), Started: time.Now()}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", res.RunID))
	slog.InfoContext(ctx, "ingest pass started")

	if s.runs != nil {
		if err := s.runs.StartRun(ctx, res.RunID); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
	}
	defer func() {
		res.Stopped = time.Now()
		res.Err = err
		s.finish(ctx, res)
	}()

	doc, err := s.ingest(ctx)
	if err != nil {
		return err
	}
	res.Serial = doc.SerialNumber

	var buf bytes.Buffer
	if err := bom.EncodeJSON(&buf, doc); err != nil {
		return fmt.Errorf("formatting BOM as JSON: %w", err)
	}
	return s.upload(ctx, buf.Bytes())
}

func (s *Supervisor) ingest(ctx context.Context) (*cdx.BOM, error) {
	sources, err := s.sources(ctx)
	if err != nil {
		return nil, err
	}
	defer closeSources(ctx, sources)

	dss := make([]ingest.DataSource, len(sources))
	for i, src := range sources {
		dss[i] = src
	}
	return s.ingester.Ingest(ctx, dss...)
}

func (s *Supervisor) finish(ctx context.Context, res PassResult) {
	took := res.Stopped.Sub(res.Started)
	if res.Err != nil {
		slog.ErrorContext(ctx, "ingest pass failed", "took", took, "error", res.Err)
	} else {
		slog.InfoContext(ctx, "ingest pass finished", "took", took, "serial", res.Serial)
	}

	if s.runs != nil {
		var err error
		rctx := context.WithoutCancel(ctx)
		if res.Err != nil {
			err = s.runs.FinishRunErr(rctx, res.RunID, res.Err.Error())
		} else {
			err = s.runs.FinishRunOK(rctx, res.RunID, res.Serial)
		}
		if err != nil {
			slog.ErrorContext(ctx, "recording finished run", "error", err)
		}
	}

	if s.passes != nil {
		select {
		case s.passes <- res:
		default:
			slog.WarnContext(ctx, "pass result dropped")
		}
	}
}

func (s *Supervisor) upload(ctx context.Context, raw []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, cfg *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	job, err := cfg.Job()
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "timer schedule", "cron", cfg.Cron, "duration", cfg.Duration)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
