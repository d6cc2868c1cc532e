package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit events from the publisher inbox and persists them.
// A store failure is logged and the worker keeps draining; audit persistence
// never takes the orchestrator down.
type Worker struct {
	store Store
	inbox <-chan Event
	log   *slog.Logger
}

func NewWorker(store Store, inbox <-chan Event, log *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, log: log}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.store.Append(ctx, event); err != nil {
				w.log.Error("append audit event", "action", event.Action, "error", err)
			}
		}
	}
}
