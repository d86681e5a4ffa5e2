// Package filetype detects the MIME type of ingested files by their content.
package filetype

import (
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const Name = "filetype"

type Template struct{}

func (Template) Name() string { return Name }

func (Template) NewFileModule() ingest.FileModule { return Module{} }

type Module struct {
	ingest.NoLifecycle
}

func (Module) Name() string { return Name }

func (Module) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	r, err := jc.Open(ctx, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer r.Close()

	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return fmt.Errorf("detecting type of %s: %w", f.Path, err)
	}
	return jc.Post(ctx, ingest.Result{
		FileID:     f.ID,
		Module:     Name,
		Type:       model.ResultMIMEType,
		Value:      mt.String(),
		Attributes: map[string]string{model.AttrExtension: mt.Extension()},
	})
}
