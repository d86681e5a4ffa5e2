package inventory_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Ingestor/internal/ingest/ingesttest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
	"github.com/CZERTAINLY/Ingestor/internal/modules/inventory"
	"github.com/CZERTAINLY/Ingestor/internal/walk"
)

func TestInventory(t *testing.T) {
	t.Parallel()
	ds := walk.NewFS("test", fstest.MapFS{
		"a":     {Data: []byte("12345")},
		"b/c":   {Data: []byte("123")},
		"b/d/e": {Data: []byte("")},
	})
	out := ingesttest.Run(t, ds, inventory.Template{})
	require.Zero(t, out.ModuleErrors())

	results := out.ByType(model.ResultInventory)
	require.Len(t, results, 1)
	r := results[0]
	require.Equal(t, inventory.Name, r.Module)
	require.Zero(t, r.FileID)
	require.Equal(t, "test", r.Value)
	require.Equal(t, "3", r.Attributes[model.AttrFiles])
	require.Equal(t, "8", r.Attributes[model.AttrBytes])

	snap := out.Job.DiagnosticSnapshot(false)
	require.EqualValues(t, 3, snap.DataSourceProgress.Total)
	require.EqualValues(t, 3, snap.DataSourceProgress.Done)
}
