// Package bus publishes ingest events to NATS.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
)

const DefaultSubject = "ingestor.events"

// Publisher sends every ingest event as JSON to <subject>.<event type>.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server at url.
func Connect(ctx context.Context, url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("ingestor"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.WarnContext(ctx, "disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.InfoContext(ctx, "reconnected to nats", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	slog.InfoContext(ctx, "connected to nats", "url", conn.ConnectedUrl(), "subject", subject)
	return NewPublisher(conn, subject), nil
}

func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Subject returns the subject events of type t are published to.
func (p *Publisher) Subject(t ingest.EventType) string {
	return p.subject + "." + t.String()
}

func (p *Publisher) HandleEvent(ctx context.Context, e ingest.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.ErrorContext(ctx, "marshaling ingest event", "event_id", e.ID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
		slog.ErrorContext(ctx, "publishing ingest event", "event_id", e.ID, "type", e.Type.String(), "error", err)
	}
}

// Close flushes the pending events and closes the connection.
func (p *Publisher) Close() error {
	err := p.conn.FlushTimeout(5 * time.Second)
	p.conn.Close()
	if err != nil {
		return fmt.Errorf("flushing nats events: %w", err)
	}
	return nil
}
