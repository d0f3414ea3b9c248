// Package history records the lifecycle of persistent processes to external
// audit and analytics systems.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/hackmanhattan/hmbot/internal/registry"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCreate   EventType = "create"
	EventExit     EventType = "exit"
	EventKill     EventType = "kill"
	EventShutdown EventType = "shutdown"
)

// Record describes the process an event is about.
type Record struct {
	PID         int       `json:"pid"`
	ThreadID    string    `json:"thread_id"`
	Channel     string    `json:"channel"`
	Creator     string    `json:"creator"`
	CommandLine string    `json:"command_line"`
	CreatedAt   time.Time `json:"created_at"`
	ExitErr     string    `json:"exit_err,omitempty"`
}

// Key identifies one process incarnation; pids are reused, creation times are not.
func (r Record) Key() string { return fmt.Sprintf("%d-%d", r.PID, r.CreatedAt.UnixNano()) }

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is a sink that can read events back, newest first.
type Querier interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// FromRegistry maps a registry event onto a history event.
func FromRegistry(ev registry.Event) Event {
	rec := Record{
		PID:         ev.Info.PID,
		ThreadID:    ev.Info.ThreadID,
		Channel:     ev.Info.Channel,
		Creator:     ev.Info.Creator,
		CommandLine: ev.Info.CommandLine,
		CreatedAt:   ev.Info.CreatedAt.UTC(),
	}
	if ev.ExitErr != nil {
		rec.ExitErr = ev.ExitErr.Error()
	}
	t := EventCreate
	if ev.Kind == registry.Removed {
		switch ev.Reason {
		case registry.ReasonKilled:
			t = EventKill
		case registry.ReasonShutdown:
			t = EventShutdown
		default:
			t = EventExit
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{Type: t, OccurredAt: at, Record: rec}
}
