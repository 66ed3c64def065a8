package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/bugexd/internal/request"
)

// EventType defines the kind of exported event.
type EventType string

const (
	EventStatus EventType = "status"
)

// Record is the payload of a status event.
type Record struct {
	Token  string `json:"token"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Event is one request status change exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// FromChange converts a request status change into an Event.
func FromChange(c request.Change) Event {
	return Event{
		Type:       EventStatus,
		OccurredAt: c.At.UTC(),
		Record: Record{
			Token:  c.Token,
			From:   c.From.String(),
			To:     c.To.String(),
			Reason: c.Reason,
		},
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// sendTimeout bounds each sink call so a slow backend cannot stall supervision.
const sendTimeout = 5 * time.Second

// Observer forwards request status changes to sinks. Send failures are
// logged and never block the status change.
func Observer(sinks ...Sink) request.Observer {
	return request.ObserverFunc(func(ctx context.Context, c request.Change) {
		if len(sinks) == 0 {
			return
		}
		e := FromChange(c)
		for _, s := range sinks {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			if err := s.Send(sctx, e); err != nil {
				slog.Warn("history sink send failed", "token", c.Token, "to", e.Record.To, "error", err)
			}
			cancel()
		}
	})
}
