package walk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

var ErrNotRegular = errors.New("not a regular file")

// FS is a data source over a file system. Paths of the files are slash
// separated and relative to the root.
type FS struct {
	name   string
	fsys   fs.FS
	closer io.Closer
}

// NewFS returns a data source named name reading from fsys.
func NewFS(name string, fsys fs.FS) *FS {
	if fsys == nil {
		panic("fsys is nil")
	}
	return &FS{name: name, fsys: fsys}
}

// OpenDir opens dir as os.Root, so files outside of it can't be reached.
func OpenDir(dir string) (*FS, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	return &FS{name: root.Name(), fsys: root.FS(), closer: root}, nil
}

func (d *FS) Name() string {
	return d.name
}

// Files recursively walks the filesystem and yields every regular file. It
// does not follow symlinks. Errors of a single entry are yielded and the
// walk goes on.
func (d *FS) Files(ctx context.Context) iter.Seq2[ingest.File, error] {
	return func(yield func(ingest.File, error) bool) {
		fn := func(p string, e fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(ingest.File{DataSource: d.name, Path: p}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if e.IsDir() {
				return nil
			}
			info, err := e.Info()
			if err != nil {
				if !yield(ingest.File{DataSource: d.name, Path: p}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f := ingest.File{
				DataSource: d.name,
				Path:       p,
				Size:       info.Size(),
				ModTime:    info.ModTime(),
			}
			if !yield(f, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(d.fsys, ".", fn)
	}
}

func (d *FS) Open(_ context.Context, f ingest.File) (io.ReadCloser, error) {
	return d.fsys.Open(path.Clean(f.Path))
}

// Stat describes the regular file at p.
func (d *FS) Stat(p string) (ingest.File, error) {
	p = path.Clean(p)
	info, err := fs.Stat(d.fsys, p)
	if err != nil {
		return ingest.File{}, err
	}
	if !info.Mode().IsRegular() {
		return ingest.File{}, fmt.Errorf("%s: %w", p, ErrNotRegular)
	}
	return ingest.File{
		DataSource: d.name,
		Path:       p,
		Size:       info.Size(),
		ModTime:    info.ModTime(),
	}, nil
}

// Close releases the os.Root of OpenDir.
func (d *FS) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}
