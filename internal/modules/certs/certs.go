// Package certs finds X.509 certificates in PEM, DER, PKCS#7 and PKCS#12
// files.
package certs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const (
	Name = "certs"

	// bigger files are not certificate containers
	MaxSize = 4 * 1024 * 1024
)

type Template struct{}

func (Template) Name() string { return Name }

func (Template) NewFileModule() ingest.FileModule { return Module{} }

type Module struct {
	ingest.NoLifecycle
}

func (Module) Name() string { return Name }

func (Module) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	if f.Size > MaxSize {
		return nil
	}
	r, err := jc.Open(ctx, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer r.Close()

	b, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Path, err)
	}
	if len(b) > MaxSize {
		return nil
	}

	hits := Detect(ctx, b)
	if len(hits) == 0 {
		return nil
	}
	slog.DebugContext(ctx, "certificates found", "path", f.Path, "count", len(hits))
	return jc.Post(ctx, Results(f, hits)...)
}

// Results converts hits to results, one per distinct certificate.
func Results(f ingest.File, hits []Hit) []ingest.Result {
	seen := make(map[[sha256.Size]byte]struct{}, len(hits))
	out := make([]ingest.Result, 0, len(hits))
	for _, h := range hits {
		sum := sha256.Sum256(h.Cert.Raw)
		if _, ok := seen[sum]; ok {
			continue
		}
		seen[sum] = struct{}{}
		out = append(out, ingest.Result{
			FileID: f.ID,
			Module: Name,
			Type:   model.ResultCertificate,
			Value:  hex.EncodeToString(sum[:]),
			Attributes: map[string]string{
				model.AttrSubject:   h.Cert.Subject.String(),
				model.AttrIssuer:    h.Cert.Issuer.String(),
				model.AttrSerial:    h.Cert.SerialNumber.String(),
				model.AttrNotBefore: h.Cert.NotBefore.UTC().Format(time.RFC3339),
				model.AttrNotAfter:  h.Cert.NotAfter.UTC().Format(time.RFC3339),
				model.AttrSource:    h.Source,
				model.AttrContent:   base64.StdEncoding.EncodeToString(h.Cert.Raw),
			},
		})
	}
	return out
}
