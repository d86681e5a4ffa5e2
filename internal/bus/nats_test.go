package bus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Ingestor/internal/bus"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

func TestPublisher(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs, err := sub.SubscribeSync("test.events.>")
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := bus.Connect(t.Context(), srv.ClientURL(), "test.events")
	require.NoError(t, err)

	pub.HandleEvent(t.Context(), ingest.Event{
		ID:         "e1",
		Type:       ingest.EventJobCancelled,
		JobID:      7,
		DataSource: "/srv",
		Reason:     ingest.OutOfDiskSpace,
	})
	require.NoError(t, pub.Close())

	msg, err := msgs.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "test.events.job_cancelled", msg.Subject)

	var got ingest.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, "e1", got.ID)
	require.Equal(t, ingest.EventJobCancelled, got.Type)
	require.Equal(t, int64(7), got.JobID)
	require.Equal(t, "/srv", got.DataSource)
	require.Equal(t, ingest.OutOfDiskSpace, got.Reason)
}

func TestConnectFail(t *testing.T) {
	t.Parallel()
	_, err := bus.Connect(t.Context(), "nats://127.0.0.1:1", "")
	require.Error(t, err)
}

func TestDefaultSubject(t *testing.T) {
	t.Parallel()
	p := bus.NewPublisher(nil, bus.DefaultSubject)
	require.Equal(t, "ingestor.events.file_done", p.Subject(ingest.EventFileDone))
}
