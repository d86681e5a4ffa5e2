// Package secrets looks for leaked credentials using gitleaks rules.
package secrets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
)

const (
	Name = "secrets"

	DefaultMaxSize = 10 * 1024 * 1024
)

// Leak is a gitleaks finding without the matched secret.
type Leak struct {
	RuleID      string
	Description string
	StartLine   int
}

// Scanner keeps a pool of gitleaks detectors. Creating a detector compiles
// all the rules.
type Scanner struct {
	pool sync.Pool
	mx   sync.Mutex
}

func NewScanner() (*Scanner, error) {
	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating new gitleaks detector: %w", err)
	}
	d := &Scanner{}
	d.pool = sync.Pool{
		New: func() any {
			d.mx.Lock()
			defer d.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	d.pool.Put(first)
	return d, nil
}

// Scan is safe to be called from multiple goroutines.
func (d *Scanner) Scan(ctx context.Context, b []byte) ([]Leak, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detector := d.pool.Get().(*detect.Detector)
	defer d.pool.Put(detector)

	var ret []Leak
	for _, finding := range detector.DetectString(string(b)) {
		ret = append(ret, Leak{
			RuleID:      finding.RuleID,
			Description: finding.Description,
			StartLine:   finding.StartLine,
		})
	}
	return ret, nil
}

// Template shares one Scanner between all module instances.
type Template struct {
	scanner *Scanner
	maxSize int64
}

// New returns a template skipping files bigger than maxSize, zero for
// DefaultMaxSize.
func New(scanner *Scanner, maxSize int64) Template {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return Template{scanner: scanner, maxSize: maxSize}
}

func (t Template) Name() string { return Name }

func (t Template) NewFileModule() ingest.FileModule {
	return &Module{scanner: t.scanner, maxSize: t.maxSize}
}

type Module struct {
	ingest.NoLifecycle
	scanner *Scanner
	maxSize int64
}

func (m *Module) Name() string { return Name }

func (m *Module) Process(ctx context.Context, jc *ingest.JobContext, f ingest.File) error {
	if f.Size > m.maxSize {
		slog.DebugContext(ctx, "skipping file", "path", f.Path, "size", f.Size, "reason", model.ErrTooBig)
		return nil
	}
	r, err := jc.Open(ctx, f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer r.Close()

	b, err := io.ReadAll(io.LimitReader(r, m.maxSize+1))
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.Path, err)
	}
	if int64(len(b)) > m.maxSize {
		slog.DebugContext(ctx, "skipping file", "path", f.Path, "reason", model.ErrTooBig)
		return nil
	}

	leaks, err := m.scanner.Scan(ctx, b)
	if err != nil {
		return err
	}
	results := make([]ingest.Result, 0, len(leaks))
	for _, l := range leaks {
		results = append(results, ingest.Result{
			FileID: f.ID,
			Module: Name,
			Type:   model.ResultSecret,
			Value:  l.RuleID,
			Attributes: map[string]string{
				model.AttrDescription: l.Description,
				model.AttrLine:        strconv.Itoa(l.StartLine),
			},
		})
	}
	return jc.Post(ctx, results...)
}
