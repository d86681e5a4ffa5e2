// Package inventory is a data source module summarizing a data source: the
// number of files and their total size.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const Name = "inventory"

// how often the progress status is refreshed
const statusEvery = 1000

type Template struct{}

func (Template) Name() string { return Name }

func (Template) NewDataSourceModule() ingest.DataSourceModule { return Module{} }

type Module struct {
	ingest.NoLifecycle
}

func (Module) Name() string { return Name }

// Process walks the data source once. A cancelled module returns ctx.Err()
// and posts nothing.
func (Module) Process(ctx context.Context, jc *ingest.JobContext, progress ingest.Progress) error {
	var files, bytes, failed int64
	progress.Status("enumerating " + jc.DataSource().Name())
	for f, err := range jc.DataSource().Files(ctx) {
		if err != nil {
			failed++
			slog.DebugContext(ctx, "enumeration error", "path", f.Path, "error", err)
			continue
		}
		files++
		bytes += f.Size
		progress.Advance(1)
		if files%statusEvery == 0 {
			progress.Status(fmt.Sprintf("%d files", files))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	progress.SetTotal(files)
	progress.Status(fmt.Sprintf("%d files, %d bytes", files, bytes))

	attrs := map[string]string{
		model.AttrFiles: strconv.FormatInt(files, 10),
		model.AttrBytes: strconv.FormatInt(bytes, 10),
	}
	if failed > 0 {
		attrs["failed"] = strconv.FormatInt(failed, 10)
	}
	return jc.Post(ctx, ingest.Result{
		Module:     Name,
		Type:       model.ResultInventory,
		Value:      jc.DataSource().Name(),
		Attributes: attrs,
	})
}
