package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher buffers events onto the worker's inbox. Emitting never blocks the
// calling operation: when the buffer is full the event is dropped with a log
// line, because verification flow must not stall on its own audit trail.
type Publisher struct {
	inbox chan Event
	log   *slog.Logger
}

// NewPublisher creates a publisher with a buffered inbox of the given size.
func NewPublisher(buffer int, log *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{inbox: make(chan Event, buffer), log: log}
}

// Emit queues an event, stamping id and timestamp when absent.
func (p *Publisher) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.log.Warn("audit inbox full, dropping event",
			"action", event.Action, "subject_id", event.SubjectID)
	}
}

// Inbox exposes the receive side for the worker.
func (p *Publisher) Inbox() <-chan Event {
	return p.inbox
}
