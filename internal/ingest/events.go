package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType int

const (
	EventJobStarted EventType = iota + 1
	EventDataSourceAnalysisStarted
	EventDataSourceAnalysisCompleted
	EventDataSourceAnalysisCancelled
	EventFileDone
	EventDataSourceModuleCancelled
	EventJobCompleted
	EventJobCancelled
)

var eventTypes = map[EventType]string{
	EventJobStarted:                  "job_started",
	EventDataSourceAnalysisStarted:   "data_source_analysis_started",
	EventDataSourceAnalysisCompleted: "data_source_analysis_completed",
	EventDataSourceAnalysisCancelled: "data_source_analysis_cancelled",
	EventFileDone:                    "file_done",
	EventDataSourceModuleCancelled:   "data_source_module_cancelled",
	EventJobCompleted:                "job_completed",
	EventJobCancelled:                "job_cancelled",
}

func (t EventType) String() string {
	if s, ok := eventTypes[t]; ok {
		return s
	}
	return "EventType(" + strconv.Itoa(int(t)) + ")"
}

func (t EventType) MarshalText() ([]byte, error) {
	s, ok := eventTypes[t]
	if !ok {
		return nil, fmt.Errorf("invalid event type %d", int(t))
	}
	return []byte(s), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	for k, v := range eventTypes {
		if v == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", text)
}

// Event is published by the manager for job and file lifecycle changes.
// Events of a manager are delivered to each listener in the order they
// happened, on a single goroutine.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	Time       time.Time          `json:"time"`
	JobID      int64              `json:"job_id"`
	DataSource string             `json:"data_source,omitempty"`
	FileID     int64              `json:"file_id,omitempty"`
	Path       string             `json:"path,omitempty"`
	Module     string             `json:"module,omitempty"`
	Reason     CancellationReason `json:"reason"`
}

type Listener interface {
	HandleEvent(ctx context.Context, e Event)
}

type ListenerFunc func(ctx context.Context, e Event)

func (fn ListenerFunc) HandleEvent(ctx context.Context, e Event) { fn(ctx, e) }

type eventBus struct {
	mx        sync.RWMutex
	listeners map[int]Listener
	next      int
	box       *mailbox[Event]
}

func newEventBus() *eventBus {
	return &eventBus{
		listeners: make(map[int]Listener),
		box:       newMailbox[Event](),
	}
}

func (b *eventBus) subscribe(l Listener) func() {
	b.mx.Lock()
	id := b.next
	b.next++
	b.listeners[id] = l
	b.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mx.Lock()
			delete(b.listeners, id)
			b.mx.Unlock()
		})
	}
}

func (b *eventBus) publish(e Event) {
	e.ID = uuid.NewString()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if !b.box.push(e) {
		slog.Debug("event dropped after shutdown", "type", e.Type, "job_id", e.JobID)
	}
}

func (b *eventBus) run(ctx context.Context) {
	b.box.drain(func(e Event) {
		b.deliver(ctx, e)
	})
}

func (b *eventBus) deliver(ctx context.Context, e Event) {
	b.mx.RLock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	b.mx.RUnlock()
	// subscription order
	slices.Sort(ids)

	for _, id := range ids {
		b.mx.RLock()
		l, ok := b.listeners[id]
		b.mx.RUnlock()
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "event listener panicked", "type", e.Type, "job_id", e.JobID, "panic", r)
				}
			}()
			l.HandleEvent(ctx, e)
		}()
	}
}

func (b *eventBus) close() {
	b.box.close()
}
