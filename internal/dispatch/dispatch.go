// Package dispatch executes commands against the process registry and
// reports the outcome to chat. Every error a command can produce ends here
// as a reply; only ErrQuit escapes Dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/env"
	"github.com/hackmanhattan/hmbot/internal/heuristic"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/registry"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

// ErrQuit is returned by Dispatch once a quit command has torn everything down.
var ErrQuit = errors.New("quit requested")

const (
	DefaultInputPrefix          = ">"
	DefaultEphemeralTimeout     = 30 * time.Second
	DefaultEphemeralConcurrency = 4
)

// Replies.
const (
	msgRefused      = "No can do amigo!"
	msgForgot       = "Oh no, I forgot what we were doing in this thread.  You should start a new one!"
	msgSomethingBad = "Oh no, it looks like something bad happened."
	msgKilled       = ":skull:"
	msgNoSuch       = "No such process."
	msgDead         = "That process has already exited."
	msgBusy         = "I'm juggling too many things right now. Try again in a moment."
)

type Options struct {
	InputPrefix          string        `mapstructure:"input_prefix"`
	EphemeralTimeout     time.Duration `mapstructure:"ephemeral_timeout"`
	EphemeralConcurrency int           `mapstructure:"ephemeral_concurrency"`
}

func (o Options) withDefaults() Options {
	if o.InputPrefix == "" {
		o.InputPrefix = DefaultInputPrefix
	}
	if o.EphemeralTimeout <= 0 {
		o.EphemeralTimeout = DefaultEphemeralTimeout
	}
	if o.EphemeralConcurrency <= 0 {
		o.EphemeralConcurrency = DefaultEphemeralConcurrency
	}
	return o
}

// Dispatcher is driven by the event loop; Dispatch is not meant to be called
// concurrently. Ephemeral runs execute on their own bounded goroutines.
type Dispatcher struct {
	reg    *registry.Registry
	notify slack.Notifier
	env    *env.Env
	opts   Options
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	eph    errgroup.Group
}

func New(reg *registry.Registry, notify slack.Notifier, environ *env.Env, opts Options, log *slog.Logger) *Dispatcher {
	if environ == nil {
		environ = env.New(true)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{reg: reg, notify: notify, env: environ, opts: opts.withDefaults(), log: log}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.eph.SetLimit(d.opts.EphemeralConcurrency)
	return d
}

// Dispatch executes one command.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (err error) {
	kind := cmd.Kind().String()
	log := d.log.With("id", cmd.ID, "kind", kind)
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			outcome, err = "panic", nil
		}
		metrics.IncCommand(kind, outcome)
	}()
	log.Debug("dispatching", "user", cmd.Origin.User, "channel", cmd.Origin.Channel)

	switch p := cmd.Payload.(type) {
	case command.Create:
		if p.Persistent() {
			outcome = d.createPersistent(ctx, cmd, p, log)
		} else {
			outcome = d.createEphemeral(ctx, cmd, p, log)
		}
	case command.Write:
		outcome = d.write(ctx, cmd, p, log)
	case command.PS:
		outcome = d.ps(ctx, cmd)
	case command.Kill:
		outcome = d.kill(ctx, cmd, p, log)
	case command.Quit:
		d.quit(ctx, cmd, log)
		return ErrQuit
	case command.Malformed:
		outcome = d.malformed(ctx, cmd, p, log)
	default:
		log.Error("unhandled payload", "type", fmt.Sprintf("%T", p))
		outcome = "unhandled"
	}
	return nil
}

func (d *Dispatcher) respond(ctx context.Context, r slack.Reply, log *slog.Logger) {
	if r.Channel == "" {
		log.Warn("no reply target, dropping reply", "text", r.Text)
		return
	}
	if err := d.notify.Respond(ctx, r); err != nil {
		metrics.IncDeliveryFailure("respond")
		log.Error("reply failed", "channel", r.Channel, "error", err)
	}
}

func (d *Dispatcher) sendErrors(ctx context.Context, cmd command.Command, threadTS, text string, errs []string, log *slog.Logger) {
	r := slack.ReplyTo(cmd.Origin, threadTS, text)
	r.Attachments = slack.ErrorAttachments(errs...)
	d.respond(ctx, r, log)
}

func (d *Dispatcher) spec(cmd command.Command, p command.Create, pipe heuristic.Pipeline) process.Spec {
	return process.Spec{
		Args:        p.Args,
		CommandLine: p.CommandLine,
		Env:         p.Env,
		Stdin:       p.Stdin,
		ThreadID:    p.ThreadID,
		Channel:     cmd.Origin.Channel,
		Creator:     cmd.Origin.User,
		Heuristics:  pipe,
	}
}

func (d *Dispatcher) createPersistent(ctx context.Context, cmd command.Command, p command.Create, log *slog.Logger) string {
	pipe, err := heuristic.Build(p.Heuristics)
	if err != nil {
		d.sendErrors(ctx, cmd, p.ThreadID, msgRefused, []string{err.Error()}, log)
		return "malformed"
	}
	spec := d.spec(cmd, p, pipe)
	proc, err := d.reg.Create(spec)
	switch {
	case errors.Is(err, registry.ErrThreadAlreadyBound):
		detail := fmt.Sprintf("A process is already associated with this thread id: %s.", p.ThreadID)
		if cur, ok := d.reg.FindByThread(p.ThreadID); ok {
			detail = fmt.Sprintf("A process is already associated with this thread id: %s -> %d.", p.ThreadID, cur.PID())
		}
		log.Warn("thread already bound", "thread", p.ThreadID)
		d.sendErrors(ctx, cmd, p.ThreadID, msgRefused, []string{detail}, log)
		return "thread_bound"
	case err != nil:
		log.Error("spawn failed", "command", spec.Display(), "error", err)
		d.sendErrors(ctx, cmd, p.ThreadID, msgSomethingBad, []string{err.Error()}, log)
		return "spawn_failed"
	}
	metrics.IncCreated("persistent")
	ack := fmt.Sprintf("Started `%s` as pid %d. Start your messages in this thread with `%s` to send them as input.",
		spec.Display(), proc.PID(), d.opts.InputPrefix)
	d.respond(ctx, slack.ReplyTo(cmd.Origin, p.ThreadID, ack), log)
	return "ok"
}

func (d *Dispatcher) createEphemeral(ctx context.Context, cmd command.Command, p command.Create, log *slog.Logger) string {
	pipe, err := heuristic.Build(p.Heuristics)
	if err != nil {
		d.sendErrors(ctx, cmd, cmd.Origin.ThreadTS, msgRefused, []string{err.Error()}, log)
		return "malformed"
	}
	spec := d.spec(cmd, p, pipe)
	environ := d.env.Merge(p.Env)
	started := d.eph.TryGo(func() error {
		d.runEphemeral(cmd, spec, environ, log)
		return nil
	})
	if !started {
		log.Warn("ephemeral capacity exhausted", "limit", d.opts.EphemeralConcurrency)
		d.respond(ctx, slack.ReplyTo(cmd.Origin, cmd.Origin.ThreadTS, msgBusy), log)
		return "busy"
	}
	return "accepted"
}

func (d *Dispatcher) runEphemeral(cmd command.Command, spec process.Spec, environ []string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.EphemeralTimeout)
	defer cancel()
	log = log.With("command", spec.Display())

	res, err := process.Run(ctx, spec, environ)
	thread := cmd.Origin.ThreadTS
	if err != nil {
		log.Error("ephemeral spawn failed", "error", err)
		d.sendErrors(d.ctx, cmd, thread, msgSomethingBad, []string{err.Error()}, log)
		return
	}
	metrics.IncCreated("ephemeral")
	metrics.ObserveEphemeral(res.Duration.Seconds())
	log.Info("ephemeral finished", "duration", res.Duration, "exit", res.ExitErr)

	stdout := spec.Heuristics.Apply(res.Stdout)
	stderr := spec.Heuristics.Apply(res.Stderr)
	var errs []string
	if stderr != "" {
		errs = append(errs, stderr)
	}
	switch {
	case res.TimedOut:
		errs = append(errs, fmt.Sprintf("killed after %s", d.opts.EphemeralTimeout))
	case res.ExitErr != nil && stderr == "":
		errs = append(errs, res.ExitErr.Error())
	}
	if len(errs) == 0 {
		if stdout == "" {
			stdout = "(no output)"
		}
		d.respond(d.ctx, slack.ReplyTo(cmd.Origin, thread, stdout), log)
		return
	}
	r := slack.ReplyTo(cmd.Origin, thread, msgSomethingBad)
	if stdout != "" {
		r.Attachments = append(r.Attachments, slack.Attachment{Fallback: "stdout", Pretext: "stdout", Text: stdout})
	}
	r.Attachments = append(r.Attachments, slack.ErrorAttachments(errs...)...)
	d.respond(d.ctx, r, log)
}

func (d *Dispatcher) write(ctx context.Context, cmd command.Command, p command.Write, log *slog.Logger) string {
	proc, ok := d.reg.FindByThread(p.ThreadID)
	if !ok {
		log.Warn("no process for thread", "thread", p.ThreadID)
		d.sendErrors(ctx, cmd, p.ThreadID, msgForgot,
			[]string{fmt.Sprintf("no process associated with this thread (%s).", p.ThreadID)}, log)
		return "no_process"
	}
	text := NormalizeInput(p.Input, d.opts.InputPrefix)
	log.Debug("writing to process", "pid", proc.PID(), "bytes", len(text))
	if err := proc.Write(text); err != nil {
		if errors.Is(err, process.ErrProcessDead) {
			// the multiplexer reaps it and posts the exit notice
			d.sendErrors(ctx, cmd, p.ThreadID, msgKilled+" "+msgDead, []string{err.Error()}, log)
			return "process_dead"
		}
		log.Error("write failed", "pid", proc.PID(), "error", err)
		d.sendErrors(ctx, cmd, p.ThreadID, msgSomethingBad, []string{err.Error()}, log)
		return "write_failed"
	}
	return "ok"
}

// NormalizeInput strips the chat input prefix (and one following space) and
// terminates the line.
func NormalizeInput(input, prefix string) string {
	if prefix != "" && strings.HasPrefix(input, prefix) {
		input = strings.TrimPrefix(input[len(prefix):], " ")
	}
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	return input
}

func (d *Dispatcher) ps(ctx context.Context, cmd command.Command) string {
	procs := d.reg.All()
	atts := make([]slack.Attachment, 0, len(procs))
	for _, p := range procs {
		atts = append(atts, processAttachment(p))
	}
	r := slack.ReplyTo(cmd.Origin, cmd.Origin.ThreadTS, fmt.Sprintf("There are %d active processes.", len(procs)))
	r.Attachments = atts
	d.respond(ctx, r, d.log.With("id", cmd.ID))
	return "ok"
}

func processAttachment(p *process.Process) slack.Attachment {
	info := p.Info()
	fields := []slack.Field{
		{Title: "Created", Value: slack.Timestamp(info.CreatedAt), Short: true},
		{Title: "Creator", Value: info.Creator, Short: true},
		{Title: "Last Active", Value: slack.Timestamp(info.LastActive), Short: true},
		{Title: "PID", Value: fmt.Sprint(info.PID), Short: true},
	}
	if st, err := p.Stats(); err == nil && st.RSS > 0 {
		fields = append(fields, slack.Field{Title: "Memory", Value: fmt.Sprintf("%.1f MiB", float64(st.RSS)/(1<<20)), Short: true})
	}
	return slack.Attachment{Fallback: "process", Pretext: info.CommandLine, Fields: fields}
}

func (d *Dispatcher) kill(ctx context.Context, cmd command.Command, p command.Kill, log *slog.Logger) string {
	_, err := d.reg.Kill(p.PID)
	if errors.Is(err, registry.ErrNoSuchProcess) {
		d.respond(ctx, slack.ReplyTo(cmd.Origin, cmd.Origin.ThreadTS, msgNoSuch), log)
		return "no_such_process"
	}
	if err != nil {
		d.sendErrors(ctx, cmd, cmd.Origin.ThreadTS, msgSomethingBad, []string{err.Error()}, log)
		return "error"
	}
	d.respond(ctx, slack.ReplyTo(cmd.Origin, cmd.Origin.ThreadTS, msgKilled), log)
	return "ok"
}

func (d *Dispatcher) quit(ctx context.Context, cmd command.Command, log *slog.Logger) {
	n := d.Close()
	log.Info("quit requested", "destroyed", n, "user", cmd.Origin.User)
	if cmd.Origin.Channel != "" {
		d.respond(ctx, slack.ReplyTo(cmd.Origin, cmd.Origin.ThreadTS,
			fmt.Sprintf(":wave: Shutting down. Destroyed %d processes.", n)), log)
	}
}

func (d *Dispatcher) malformed(ctx context.Context, cmd command.Command, m command.Malformed, log *slog.Logger) string {
	log.Warn("malformed command", "reason", m.Reason, "attempted", m.Attempted.String())
	if cmd.Origin.Channel != "" {
		d.sendErrors(ctx, cmd, cmd.Origin.ThreadTS, m.Usage(), []string{m.Reason}, log)
	}
	return "malformed"
}

// Close cancels in-flight ephemeral runs, waits for them and destroys every
// registered process. It returns how many persistent processes it destroyed.
func (d *Dispatcher) Close() int {
	d.cancel()
	_ = d.eph.Wait()
	return d.reg.DestroyAll()
}
