package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/model"
)

// Uploader delivers an encoded BOM.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	io.Closer
}

// ConfigUploaders returns the uploaders of cfg. Without an output directory
// and a repository the BOM goes to stdout.
func ConfigUploaders(cfg model.Service) ([]Uploader, error) {
	repo := cfg.Repository
	hasRepo := repo != nil && model.Enabled(repo.Enabled)
	if cfg.Dir == nil && !hasRepo {
		return []Uploader{NewWriteUploader(os.Stdout)}, nil
	}

	var uploaders []Uploader
	if cfg.Dir != nil {
		u, err := NewOSRootUploader(*cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	if hasRepo {
		u, err := NewBOMRepoUploader(repo.URL, repo.Auth)
		if err != nil {
			closeUploaders(context.Background(), uploaders)
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

func closeUploaders(ctx context.Context, uploaders []Uploader) {
	for _, u := range uploaders {
		if closer, ok := u.(UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader stores every BOM as a new file of a directory.
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "ingestor-" + u.now().Format("2006-01-02-15-04-05.000") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating ingestor results: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving ingestor results: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing ingestor result: %w", err)
	}
	slog.InfoContext(ctx, "bom saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
