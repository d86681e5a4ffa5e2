// Package monitor watches resources the ingest needs and cancels running
// jobs once they are exhausted.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

var ErrUnsupported = errors.New("free space can't be determined on this platform")

// Reporter is told about exhausted resources, see ingest.Manager.
type Reporter interface {
	ReportResourceExhaustion(reason ingest.CancellationReason) error
}

// FreeSpaceFunc returns the bytes available to unprivileged users.
type FreeSpaceFunc func(path string) (uint64, error)

// Disk checks the free space of the file system holding path every
// interval. Running out of space is reported once, again only after the
// space recovered in between.
type Disk struct {
	path      string
	minFree   uint64
	interval  time.Duration
	reporter  Reporter
	freeSpace FreeSpaceFunc
}

type DiskOption func(*Disk)

// WithFreeSpaceFunc replaces the statfs based check.
func WithFreeSpaceFunc(fn FreeSpaceFunc) DiskOption {
	return func(d *Disk) {
		d.freeSpace = fn
	}
}

func NewDisk(path string, minFree uint64, interval time.Duration, reporter Reporter, opts ...DiskOption) *Disk {
	d := &Disk{
		path:      path,
		minFree:   minFree,
		interval:  interval,
		reporter:  reporter,
		freeSpace: freeSpace,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check returns the free space and whether it is below the minimum.
func (d *Disk) Check() (free uint64, low bool, err error) {
	free, err = d.freeSpace(d.path)
	if err != nil {
		return 0, false, err
	}
	return free, free < d.minFree, nil
}

// Run checks the disk until ctx is done.
func (d *Disk) Run(ctx context.Context) error {
	ctx = withMonitor(ctx, "disk")
	slog.DebugContext(ctx, "disk monitor started", "path", d.path, "min_free", d.minFree, "interval", d.interval.String())

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	var reported bool
	for {
		free, low, err := d.Check()
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "checking free space", "path", d.path, "error", err)
			if errors.Is(err, ErrUnsupported) {
				return err
			}
		case low && !reported:
			slog.ErrorContext(ctx, "disk space is low", "path", d.path, "free", free, "min_free", d.minFree)
			if err := d.reporter.ReportResourceExhaustion(ingest.OutOfDiskSpace); err != nil {
				slog.ErrorContext(ctx, "reporting low disk space", "error", err)
			}
			reported = true
		case !low && reported:
			slog.InfoContext(ctx, "disk space recovered", "path", d.path, "free", free)
			reported = false
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
