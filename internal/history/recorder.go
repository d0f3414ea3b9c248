package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hackmanhattan/hmbot/internal/registry"
)

const defaultRecorderBuffer = 256

// Recorder fans events out to every sink on a background goroutine so
// registry callers never wait on a database or network round trip.
// A sink failure is logged and does not affect the others.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		log:     log.With("component", "history"),
		timeout: 5 * time.Second,
		ch:      make(chan Event, defaultRecorderBuffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Hook adapts the recorder to registry events.
func (r *Recorder) Hook() registry.Hook {
	return func(ev registry.Event) { r.Record(FromRegistry(ev)) }
}

// Record queues e. When the buffer is full the event is dropped and logged.
func (r *Recorder) Record(e Event) {
	if len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history buffer full, dropping event", "type", string(e.Type), "pid", e.Record.PID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Error("history sink failed", "type", string(e.Type), "pid", e.Record.PID, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events, then closes every sink that is an io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Querier returns the first sink that can read events back.
func (r *Recorder) Querier() (Querier, bool) {
	for _, s := range r.sinks {
		if q, ok := s.(Querier); ok {
			return q, true
		}
	}
	return nil, false
}
