package command

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("command queue closed")

// DefaultQueueSize bounds how many commands may wait for the event loop.
const DefaultQueueSize = 256

// Queue is a FIFO of commands with a wake descriptor. Every Push makes
// WakeFD readable, so the event loop can wait for "a command arrived" in the
// same poll(2) call as its process descriptors.
type Queue struct {
	ch   chan Command
	done chan struct{}

	mu     sync.RWMutex // guards the pipe fds against Close
	closed bool
	rfd    int
	wfd    int
	once   sync.Once
}

func NewQueue(size int) (*Queue, error) {
	if size <= 0 {
		size = DefaultQueueSize
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &Queue{
		ch:   make(chan Command, size),
		done: make(chan struct{}),
		rfd:  fds[0],
		wfd:  fds[1],
	}, nil
}

// Push enqueues c, waiting while the queue is full.
func (q *Queue) Push(ctx context.Context, c Command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- c:
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// A full pipe already means "wake up"; EAGAIN is fine.
	_, _ = unix.Write(q.wfd, []byte{1})
	return nil
}

// TryPop returns the next command without blocking.
func (q *Queue) TryPop() (Command, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
	}
	// Drain wake bytes before the second look so a Push racing with us
	// leaves its byte behind for the next poll.
	q.drainWake()
	select {
	case c := <-q.ch:
		return c, true
	default:
		return Command{}, false
	}
}

func (q *Queue) drainWake() {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(q.rfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

// WakeFD is readable whenever a command may be pending.
func (q *Queue) WakeFD() int { return q.rfd }

// Len is the number of commands waiting.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting commands and releases the wake pipe. Commands
// already queued can still be popped.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		err = errors.Join(unix.Close(q.rfd), unix.Close(q.wfd))
	})
	return err
}
