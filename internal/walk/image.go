package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"sync"

	"github.com/anchore/stereoscope"
	"github.com/anchore/stereoscope/pkg/file"
	"github.com/anchore/stereoscope/pkg/filetree"
	"github.com/anchore/stereoscope/pkg/filetree/filenode"
	"github.com/anchore/stereoscope/pkg/image"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

// Image is a data source over the squashed layers of an OCI image.
type Image struct {
	name  string
	image *image.Image

	mx   sync.RWMutex
	refs map[string]file.Reference
}

// OpenImage pulls or loads the image ref, the format understood by
// stereoscope (docker:, registry:, oci-archive: ...).
func OpenImage(ctx context.Context, ref string) (*Image, error) {
	img, err := stereoscope.GetImage(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("getting image %s: %w", ref, err)
	}
	return NewImage(ref, img), nil
}

func NewImage(name string, img *image.Image) *Image {
	if img == nil {
		panic("image is nil")
	}
	return &Image{name: name, image: img, refs: make(map[string]file.Reference)}
}

func (i *Image) Name() string {
	return i.name
}

// Files yields the regular files of the squashed tree. Path is the real
// path of the file inside the image.
func (i *Image) Files(ctx context.Context) iter.Seq2[ingest.File, error] {
	return func(yield func(ingest.File, error) bool) {
		done := make(chan struct{})
		fn := func(_ file.Path, node filenode.FileNode) error {
			if node.FileType != file.TypeRegular || node.Reference == nil {
				return nil
			}
			p := string(node.RealPath)
			i.mx.Lock()
			i.refs[p] = *node.Reference
			i.mx.Unlock()

			f := ingest.File{DataSource: i.name, Path: p}
			entry, err := i.image.FileCatalog.Get(*node.Reference)
			if err == nil && entry.FileInfo != nil {
				f.Size = entry.FileInfo.Size()
				f.ModTime = entry.FileInfo.ModTime()
			}
			if !yield(f, err) {
				close(done)
			}
			return nil
		}
		cond := filetree.WalkConditions{
			ShouldTerminate: func(_ file.Path, _ filenode.FileNode) bool {
				select {
				case <-ctx.Done():
					return true
				case <-done:
					return true
				default:
					return false
				}
			},
			ShouldVisit: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
			ShouldContinueBranch: func(_ file.Path, node filenode.FileNode) bool {
				return !node.IsLink()
			},
		}
		_ = i.image.SquashedTree().Walk(fn, &cond)
	}
}

// Open opens a file previously returned by Files.
func (i *Image) Open(_ context.Context, f ingest.File) (io.ReadCloser, error) {
	i.mx.RLock()
	ref, ok := i.refs[f.Path]
	i.mx.RUnlock()
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: f.Path, Err: fs.ErrNotExist}
	}
	return i.image.OpenReference(ref)
}

// Close removes the temporary files of the image.
func (i *Image) Close() error {
	return i.image.Cleanup()
}
