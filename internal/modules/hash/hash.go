// Package hash computes message digests of ingested files.
package hash

import (
	"context"
	"crypto/md5"  //nolint:gosec // digest for lookups, not security
	"crypto/sha1" //nolint:gosec // digest for lookups, not security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	gohash "hash"
	"io"
	"slices"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const Name = "hash"

var algorithms = map[string]func() gohash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
}

// Template configures the hash module. It is safe for concurrent use.
type Template struct {
	algorithms []string
}

// New returns a template computing the given digests, sha256 when none is
// given.
func New(algs ...string) (Template, error) {
	if len(algs) == 0 {
		algs = []string{"sha256"}
	}
	algs = slices.Clone(algs)
	slices.Sort(algs)
	algs = slices.Compact(algs)
	for _, a := range algs {
		if _, ok := algorithms[a]; !ok {
			return Template{}, fmt.Errorf("unsupported hash algorithm %q", a)
		}
	}
	return Template{algorithms: algs}, nil
}

func (t Template) Name() string { return Name }

func (t Template) NewFileModule() ingest.FileModule {
	m := &Module{
		names:  t.algorithms,
		hashes: make([]gohash.Hash, len(t.algorithms)),
	}
	for i, a := range t.algorithms {
		m.hashes[i] = algorithms[a]()
	}
	return m
}

// Module hashes one file at a time; the digests are reused between files.
type Module struct {
	ingest.NoLifecycle
	names  []string
	hashes []gohash.Hash
}

func (m *Module) Name() string { return Name }

func (m *Module) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	r, err := jc.Open(ctx, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer r.Close()

	writers := make([]io.Writer, len(m.hashes))
	for i, h := range m.hashes {
		h.Reset()
		writers[i] = h
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return fmt.Errorf("reading %s: %w", f.Path, err)
	}

	results := make([]ingest.Result, len(m.hashes))
	for i, h := range m.hashes {
		results[i] = ingest.Result{
			FileID:     f.ID,
			Module:     Name,
			Type:       model.ResultHash,
			Value:      hex.EncodeToString(h.Sum(nil)),
			Attributes: map[string]string{model.AttrAlgorithm: m.names[i]},
		}
	}
	return jc.Post(ctx, results...)
}
