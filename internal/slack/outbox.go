package slack

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hackmanhattan/hmbot/internal/metrics"
)

var (
	ErrOutboxFull   = errors.New("slack: outbox full")
	ErrOutboxClosed = errors.New("slack: outbox closed")
)

const DefaultOutboxSize = 512

// Outbox queues replies and delivers them in order on one goroutine, so the
// event loop never waits on the network. Respond only fails when the queue
// is full or closed; delivery errors are logged.
type Outbox struct {
	next    Notifier
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Reply
	done   chan struct{}
}

func NewOutbox(next Notifier, size int, timeout time.Duration, log *slog.Logger) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Outbox{next: next, timeout: timeout, log: log, ch: make(chan Reply, size), done: make(chan struct{})}
	go o.run()
	return o
}

func (o *Outbox) Respond(_ context.Context, r Reply) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.ch <- r:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for r := range o.ch {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		if err := o.next.Respond(ctx, r); err != nil {
			metrics.IncDeliveryFailure("slack")
			o.log.Error("deliver reply", "channel", r.Channel, "thread", r.ThreadTS, "error", err)
		}
		cancel()
	}
}

// Close stops accepting replies and waits for queued ones to be delivered
// or for ctx to end.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	o.mu.Unlock()
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
