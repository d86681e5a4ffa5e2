package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

// Memory keeps everything in process memory.
type Memory struct {
	mx      sync.RWMutex
	nextID  int64
	files   map[int64]ingest.File
	results map[int64][]ingest.Result
}

func NewMemory() *Memory {
	return &Memory{
		files:   make(map[int64]ingest.File),
		results: make(map[int64][]ingest.Result),
	}
}

func (m *Memory) AddFiles(ctx context.Context, files []ingest.File) ([]ingest.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	ret := make([]ingest.File, len(files))
	for i, f := range files {
		m.nextID++
		f.ID = m.nextID
		m.files[f.ID] = f
		ret[i] = f
	}
	return ret, nil
}

func (m *Memory) Files(ctx context.Context, ids []int64) ([]ingest.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	ret := make([]ingest.File, 0, len(ids))
	for _, id := range ids {
		f, ok := m.files[id]
		if !ok {
			return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (m *Memory) PostResults(ctx context.Context, results ...ingest.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, r := range results {
		r.Attributes = maps.Clone(r.Attributes)
		m.results[r.JobID] = append(m.results[r.JobID], r)
	}
	return nil
}

func (m *Memory) Results(ctx context.Context, jobID int64) ([]ingest.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mx.RLock()
	defer m.mx.RUnlock()
	return append([]ingest.Result(nil), m.results[jobID]...), nil
}

func (m *Memory) Close() error {
	return nil
}
