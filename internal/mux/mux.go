// Package mux is the proxy's event loop. Each step either dispatches one
// pending command or waits, bounded by the poll timeout, for the command
// queue or any process terminal to become readable, then relays output.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/registry"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

// ErrPollFailed wraps an unrecoverable failure of the wait primitive.
var ErrPollFailed = errors.New("poll failed")

const (
	DefaultPollTimeout = time.Second
	DefaultIdleSleep   = 100 * time.Millisecond
	drainRounds        = 16
)

// Source is where commands come from.
type Source interface {
	TryPop() (command.Command, bool)
	WakeFD() int
}

// Dispatcher executes a command. A non-nil error stops the loop.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) error
}

type Options struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	IdleSleep   time.Duration `mapstructure:"idle_sleep"`
	Poller      Poller        `mapstructure:"-"`
}

type Multiplexer struct {
	src    Source
	disp   Dispatcher
	reg    *registry.Registry
	notify slack.Notifier
	poller Poller
	opts   Options
	log    *slog.Logger
}

func New(src Source, disp Dispatcher, reg *registry.Registry, notify slack.Notifier, opts Options, log *slog.Logger) *Multiplexer {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = DefaultIdleSleep
	}
	if opts.Poller == nil {
		opts.Poller = PollPoller{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{src: src, disp: disp, reg: reg, notify: notify, poller: opts.Poller, opts: opts, log: log}
}

// Run loops until ctx is done, the dispatcher returns an error, or polling
// fails. A cancelled ctx yields ctx.Err().
func (m *Multiplexer) Run(ctx context.Context) error {
	m.log.Info("event loop started", "poll_timeout", m.opts.PollTimeout)
	defer m.log.Info("event loop stopped")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Step(ctx); err != nil {
			return err
		}
	}
}

// Step performs one iteration of the loop.
func (m *Multiplexer) Step(ctx context.Context) error {
	if cmd, ok := m.src.TryPop(); ok {
		return m.disp.Dispatch(ctx, cmd)
	}

	procs := m.reg.All()
	wake := m.src.WakeFD()
	fds := make([]int, 0, len(procs)+1)
	fds = append(fds, wake)
	byFD := make(map[int]*process.Process, len(procs))
	for _, p := range procs {
		fds = append(fds, p.FD())
		byFD[p.FD()] = p
	}

	start := time.Now()
	ready, err := m.poller.Wait(fds, m.opts.PollTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPollFailed, err)
	}

	active := 0
	for _, fd := range ready {
		if fd == wake {
			metrics.IncPollWakeup("command")
			continue
		}
		if p, ok := byFD[fd]; ok {
			active++
			m.pump(ctx, p)
		}
	}
	if active > 0 {
		metrics.IncPollWakeup("io")
	}
	m.reap(ctx, procs)

	if len(ready) == 0 {
		if time.Since(start) >= m.opts.PollTimeout {
			metrics.IncPollWakeup("timeout")
			return nil
		}
		// interrupted before anything happened
		select {
		case <-ctx.Done():
		case <-time.After(m.opts.IdleSleep):
		}
	}
	return nil
}

// pump reads what p has produced and relays it to p's thread.
func (m *Multiplexer) pump(ctx context.Context, p *process.Process) {
	text, _, err := p.Read()
	if err != nil {
		if !errors.Is(err, process.ErrProcessDead) {
			metrics.IncDeliveryFailure("read")
			m.log.Error("read process output", "pid", p.PID(), "error", err)
		}
		return
	}
	m.deliver(ctx, p, text)
}

func (m *Multiplexer) deliver(ctx context.Context, p *process.Process, text string) {
	if text == "" {
		return
	}
	metrics.AddOutputBytes(len(text))
	out := p.Pipeline().Apply(text)
	if out == "" {
		return
	}
	r := slack.Reply{Channel: p.Channel(), ThreadTS: p.ThreadID(), Text: out}
	if err := m.notify.Respond(ctx, r); err != nil {
		metrics.IncDeliveryFailure("respond")
		m.log.Error("deliver output", "pid", p.PID(), "thread", p.ThreadID(), "error", err)
	}
}

// reap removes processes that have exited, after relaying whatever output
// they left behind and a short exit notice.
func (m *Multiplexer) reap(ctx context.Context, procs []*process.Process) {
	for _, p := range procs {
		exited, exitErr := p.Exited()
		if !exited {
			continue
		}
		for i := 0; i < drainRounds; i++ {
			text, more, err := p.Read()
			if err != nil {
				break
			}
			m.deliver(ctx, p, text)
			if !more {
				break
			}
		}
		m.deliver(ctx, p, p.Flush())
		if !m.reg.Remove(p.PID(), registry.ReasonExited, exitErr) {
			continue
		}
		m.log.Info("process exited", "pid", p.PID(), "thread", p.ThreadID(), "status", exitStatus(exitErr))
		notice := slack.Reply{
			Channel:  p.Channel(),
			ThreadTS: p.ThreadID(),
			Text:     fmt.Sprintf("Process %d exited (%s).", p.PID(), exitStatus(exitErr)),
		}
		if err := m.notify.Respond(ctx, notice); err != nil {
			metrics.IncDeliveryFailure("respond")
			m.log.Error("deliver exit notice", "pid", p.PID(), "error", err)
		}
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
