package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
	"github.com/CZERTAINLY/Ingestor/internal/parallel"
	"github.com/CZERTAINLY/Ingestor/internal/walk"
)

// Source is a data source opened for a single pass.
type Source interface {
	ingest.DataSource
	Close() error
}

// SourcesFunc opens the data sources of a pass.
type SourcesFunc func(ctx context.Context) ([]Source, error)

// ConfigSources opens the enabled sources of cfg. A filesystem source
// without paths ingests the working directory.
func ConfigSources(cfg model.Sources) SourcesFunc {
	return func(ctx context.Context) ([]Source, error) {
		var ret []Source
		fail := func(err error) ([]Source, error) {
			closeSources(ctx, ret)
			return nil, err
		}

		if fs := cfg.Filesystem; fs != nil && model.Enabled(fs.Enabled) {
			paths := fs.Paths
			if len(paths) == 0 {
				cwd, err := os.Getwd()
				if err != nil {
					return fail(fmt.Errorf("getting working directory: %w", err))
				}
				paths = []string{cwd}
			}
			for _, p := range paths {
				d, err := walk.OpenDir(p)
				if err != nil {
					return fail(fmt.Errorf("opening filesystem source: %w", err))
				}
				ret = append(ret, d)
			}
		}

		if c := cfg.Containers; c != nil && model.Enabled(c.Enabled) {
			var errs []error
			images := parallel.NewMap(imagePulls, openImage).Iter(ctx, slices.Values(c.Images))
			for img, err := range images {
				if err != nil {
					errs = append(errs, err)
					continue
				}
				ret = append(ret, img)
			}
			if err := errors.Join(errs...); err != nil {
				return fail(fmt.Errorf("opening container source: %w", err))
			}
		}

		if len(ret) == 0 {
			return nil, ErrNoSources
		}
		return ret, nil
	}
}

var ErrNoSources = errors.New("no data source enabled")

// imagePulls limits the container images opened at once.
const imagePulls = 4

func openImage(ctx context.Context, ref string) (Source, error) {
	img, err := walk.OpenImage(ctx, ref)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func closeSources(ctx context.Context, sources []Source) {
	for _, s := range sources {
		if err := s.Close(); err != nil {
			slog.WarnContext(ctx, "closing data source", "data_source", s.Name(), "error", err)
		}
	}
}
