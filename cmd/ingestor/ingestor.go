package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Ingestor/internal/bus"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/metrics"
	"github.com/CZERTAINLY/Ingestor/internal/model"
	"github.com/CZERTAINLY/Ingestor/internal/modules"
	"github.com/CZERTAINLY/Ingestor/internal/monitor"
	"github.com/CZERTAINLY/Ingestor/internal/service"
	"github.com/CZERTAINLY/Ingestor/internal/store"
)

// Ingestor is the runtime built from a configuration: the store, the job
// manager and everything listening to it.
type Ingestor struct {
	cfg         model.Config
	store       store.Store
	runs        service.RunStore
	mgr         *ingest.Manager
	ingester    *service.Ingester
	registry    *prometheus.Registry
	metricsAddr string
	publisher   *bus.Publisher
}

func NewIngestor(ctx context.Context, cfg model.Config) (*Ingestor, error) {
	templates, err := modules.FromConfig(cfg.Modules)
	if err != nil {
		return nil, fmt.Errorf("initializing modules: %w", err)
	}
	filter, err := modules.Filter(cfg.Ingest.Filter)
	if err != nil {
		return nil, fmt.Errorf("initializing filter: %w", err)
	}
	fairness, err := ingest.ParseFairness(cfg.Ingest.Fairness)
	if err != nil {
		return nil, err
	}

	ing := &Ingestor{cfg: cfg}
	if cfg.Ingest.Store != nil {
		db, err := store.OpenSQLite(ctx, *cfg.Ingest.Store)
		if err != nil {
			return nil, err
		}
		ing.store = db
		ing.runs = db
	} else {
		ing.store = store.NewMemory()
	}

	opts := []ingest.Option{
		ingest.WithWorkers(model.Or(cfg.Ingest.Workers, ingest.DefaultWorkers())),
		ingest.WithFairness(fairness),
	}
	if nats := natsConfig(cfg); nats != nil {
		ing.publisher, err = bus.Connect(ctx, nats.URL, nats.Subject)
		if err != nil {
			_ = ing.store.Close()
			return nil, err
		}
		opts = append(opts, ingest.WithListener(ing.publisher))
	}
	ing.mgr = ingest.NewManager(ing.store, opts...)

	if m := cfg.Service.Metrics; m != nil && model.Enabled(m.Enabled) {
		addr, err := model.ParseTCPAddr(m.Addr)
		if err != nil {
			ing.closeDeps()
			return nil, fmt.Errorf("metrics addr: %w", err)
		}
		ing.metricsAddr = addr.AsTCPAddr().String()
		ing.registry = prometheus.NewRegistry()
		collector, err := metrics.New(ing.registry, ing.mgr.TaskStats)
		if err != nil {
			ing.closeDeps()
			return nil, err
		}
		ing.mgr.Subscribe(collector)
	}

	if err := ing.mgr.Init(ctx); err != nil {
		ing.closeDeps()
		return nil, err
	}
	ing.ingester = service.NewIngester(ing.mgr, ing.store, ingest.Settings{Templates: templates, Filter: filter})
	return ing, nil
}

func natsConfig(cfg model.Config) *model.NATS {
	if cfg.Events == nil || cfg.Events.NATS == nil || !model.Enabled(cfg.Events.NATS.Enabled) {
		return nil
	}
	return cfg.Events.NATS
}

func (i *Ingestor) Ingester() *service.Ingester {
	return i.ingester
}

// Runs returns the run store, nil without a database.
func (i *Ingestor) Runs() service.RunStore {
	return i.runs
}

// Run calls fn while the metrics endpoint and the disk monitor run next to
// it. They are stopped once fn returns.
func (i *Ingestor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	bgCtx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)

	if i.registry != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, i.metricsAddr, i.registry)
		})
	}
	if dm := i.cfg.Ingest.DiskMonitor; dm != nil && model.Enabled(dm.Enabled) {
		disk, err := i.diskMonitor(*dm)
		if err != nil {
			stop()
			return err
		}
		g.Go(func() error {
			err := disk.Run(gctx)
			if errors.Is(err, monitor.ErrUnsupported) {
				slog.WarnContext(gctx, "disk monitor not supported on this platform")
				return nil
			}
			return err
		})
	}

	err := fn(ctx)
	stop()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		err = errors.Join(err, gerr)
	}
	return err
}

func (i *Ingestor) diskMonitor(cfg model.DiskMonitor) (*monitor.Disk, error) {
	interval, err := model.ParseISODuration(cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("parsing ingest.disk_monitor.interval: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	path := "."
	if cfg.Path != nil {
		path = *cfg.Path
	}
	minFree := uint64(max(cfg.MinFreeMB, 0)) << 20
	return monitor.NewDisk(path, minFree, interval, i.mgr), nil
}

// Close cancels the running jobs and releases the store and the event bus.
func (i *Ingestor) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	err := i.mgr.Shutdown(shutdownCtx)
	return errors.Join(err, i.closeDeps())
}

func (i *Ingestor) closeDeps() error {
	var errs []error
	if i.publisher != nil {
		errs = append(errs, i.publisher.Close())
	}
	errs = append(errs, i.store.Close())
	return errors.Join(errs...)
}
