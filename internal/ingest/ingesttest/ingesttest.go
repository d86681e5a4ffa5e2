// Package ingesttest runs ingest modules in a real job for tests.
package ingesttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/store"
)

// Outcome of a finished job.
type Outcome struct {
	Job       *ingest.Job
	StartErrs []ingest.ModuleError
	Results   []ingest.Result
	Files     map[int64]ingest.File
}

// ByType returns the results of the given type.
func (o Outcome) ByType(typ string) []ingest.Result {
	var ret []ingest.Result
	for _, r := range o.Results {
		if r.Type == typ {
			ret = append(ret, r)
		}
	}
	return ret
}

// Path returns the path of the file a result belongs to.
func (o Outcome) Path(r ingest.Result) string {
	return o.Files[r.FileID].Path
}

// ModuleErrors returns the number of failed module calls.
func (o Outcome) ModuleErrors() int64 {
	return o.Job.DiagnosticSnapshot(false).ModuleErrors
}

// Run ingests ds with templates in a batch job of a fresh manager and
// waits for the job to finish.
func Run(t testing.TB, ds ingest.DataSource, templates ...ingest.ModuleTemplate) Outcome {
	t.Helper()
	st := store.NewMemory()
	m := ingest.NewManager(st, ingest.WithWorkers(2))
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown(context.Background()))
	})

	j := m.NewJob(ds, ingest.Settings{Templates: templates})
	errs, err := m.StartJob(context.Background(), j)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, j.Wait(ctx))

	results, err := st.Results(context.Background(), j.ID())
	require.NoError(t, err)

	var ids []int64
	for _, r := range results {
		if r.FileID != 0 {
			ids = append(ids, r.FileID)
		}
	}
	files := make(map[int64]ingest.File)
	if len(ids) > 0 {
		fs, err := st.Files(context.Background(), ids)
		require.NoError(t, err)
		for _, f := range fs {
			files[f.ID] = f
		}
	}
	return Outcome{Job: j, StartErrs: errs, Results: results, Files: files}
}
