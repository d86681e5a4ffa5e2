// Package store holds ingest file metadata and module results.
package store

import (
	"context"
	"errors"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Results gives access to what the modules of a job posted.
type Results interface {
	Results(ctx context.Context, jobID int64) ([]ingest.Result, error)
}

// Store is an ingest.Store able to read the results back.
type Store interface {
	ingest.Store
	Results
	Close() error
}
