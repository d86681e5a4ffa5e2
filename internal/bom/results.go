package bom

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/CZERTAINLY/Ingestor/internal/cdxprops"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const (
	propCommandOutput = "czertainly:component:command:output"
	propInventory     = "czertainly:ingest:inventory:"
)

// Location joins the data source name and the file path.
func Location(f ingest.File) string {
	if f.DataSource == "" {
		return f.Path
	}
	return strings.TrimSuffix(f.DataSource, "/") + "/" + strings.TrimPrefix(f.Path, "/")
}

type fileEntry struct {
	file   ingest.File
	mime   string
	hashes map[string]string
	output string
	deps   []string
}

// AppendResults converts the results of one ingest job into components.
// files resolves the file ids the results refer to. Results of unknown
// files or of unknown types are skipped.
func (b *Builder) AppendResults(ctx context.Context, files map[int64]ingest.File, results []ingest.Result) *Builder {
	entries := make(map[int64]*fileEntry)
	entry := func(id int64) *fileEntry {
		e, ok := entries[id]
		if !ok {
			e = &fileEntry{file: files[id]}
			entries[id] = e
		}
		return e
	}

	for _, r := range results {
		if r.FileID == 0 {
			b.appendDataSourceResult(r)
			continue
		}
		f, ok := files[r.FileID]
		if !ok {
			slog.WarnContext(ctx, "result of unknown file", "file_id", r.FileID, "type", r.Type)
			continue
		}
		loc := Location(f)
		switch r.Type {
		case model.ResultHash:
			e := entry(r.FileID)
			if e.hashes == nil {
				e.hashes = make(map[string]string)
			}
			e.hashes[r.Attributes[model.AttrAlgorithm]] = r.Value
		case model.ResultMIMEType:
			entry(r.FileID).mime = r.Value
		case model.ResultCommand:
			entry(r.FileID).output = r.Value
		case model.ResultCertificate:
			c, ok := certificateComponent(ctx, r, loc)
			if !ok {
				continue
			}
			cdxprops.SetComponentProp(&c, cdxprops.CzertainlyComponentIngestModule, r.Module)
			b.AppendComponents(c)
			e := entry(r.FileID)
			e.deps = append(e.deps, c.BOMRef)
		case model.ResultSecret:
			line, _ := strconv.Atoi(r.Attributes[model.AttrLine])
			c, skip := cdxprops.SecretComponent(r.Value, r.Attributes[model.AttrDescription], loc, line)
			if skip {
				continue
			}
			cdxprops.SetComponentProp(&c, cdxprops.CzertainlyComponentIngestModule, r.Module)
			b.AppendComponents(c)
			e := entry(r.FileID)
			e.deps = append(e.deps, c.BOMRef)
		default:
			slog.DebugContext(ctx, "skipping result", "type", r.Type, "module", r.Module)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(entries)) {
		e := entries[id]
		c := cdxprops.FileComponent(Location(e.file), e.mime, e.hashes)
		cdxprops.SetComponentProp(&c, cdxprops.CzertainlyComponentDataSource, e.file.DataSource)
		cdxprops.SetComponentProp(&c, propCommandOutput, e.output)
		b.AppendComponents(c)
		if len(e.deps) > 0 {
			deps := slices.Compact(slices.Sorted(slices.Values(e.deps)))
			b.AppendDependencies(cdx.Dependency{Ref: c.BOMRef, Dependencies: &deps})
		}
	}
	return b
}

func (b *Builder) appendDataSourceResult(r ingest.Result) {
	if r.Type != model.ResultInventory {
		return
	}
	keys := slices.Sorted(maps.Keys(r.Attributes))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+r.Attributes[k])
	}
	b.AppendProperties(cdx.Property{Name: propInventory + r.Value, Value: strings.Join(parts, " ")})
}

func certificateComponent(ctx context.Context, r ingest.Result, loc string) (cdx.Component, bool) {
	der, err := base64.StdEncoding.DecodeString(r.Attributes[model.AttrContent])
	if err != nil {
		slog.WarnContext(ctx, "decoding certificate content", "location", loc, "error", err)
		return cdx.Component{}, false
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		slog.WarnContext(ctx, "parsing certificate", "location", loc, "error", err)
		return cdx.Component{}, false
	}
	return cdxprops.CertificateComponent(ctx, cert, loc, r.Attributes[model.AttrSource]), true
}
