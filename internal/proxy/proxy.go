// Package proxy assembles the event loop, its command sources and its
// side channels into one runnable unit.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/config"
	"github.com/hackmanhattan/hmbot/internal/dispatch"
	"github.com/hackmanhattan/hmbot/internal/env"
	"github.com/hackmanhattan/hmbot/internal/history"
	"github.com/hackmanhattan/hmbot/internal/history/factory"
	"github.com/hackmanhattan/hmbot/internal/logger"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/mux"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/registry"
	"github.com/hackmanhattan/hmbot/internal/server"
	"github.com/hackmanhattan/hmbot/internal/slack"
	"github.com/hackmanhattan/hmbot/internal/transport"
)

var ErrNoSlackToken = errors.New("slack.token is required (set SYSPROXY_SLACK_TOKEN or SLACK_TOKEN)")

const shutdownTimeout = 5 * time.Second

// Option customises New, mostly for tests and embedding.
type Option func(*options)

type options struct {
	log      *slog.Logger
	notifier slack.Notifier
	sinks    []history.Sink
}

// WithLogger replaces the logger built from the log config.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithNotifier replaces the Slack client; replies still go through the outbox.
func WithNotifier(n slack.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithSinks adds history sinks next to those configured by DSN.
func WithSinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// Proxy owns every long-lived component. Create it with New, then call Run once.
type Proxy struct {
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	environ   *env.Env

	queue     *command.Queue
	reg       *registry.Registry
	outbox    *slack.Outbox
	disp      *dispatch.Dispatcher
	loop      *mux.Multiplexer
	recorder  *history.Recorder
	resources *metrics.ResourceCollector
	router    *server.Router

	nats *transport.Conn
	sub  *nats.Subscription
	http *http.Server
}

func New(cfg *config.Config, opts ...Option) (*Proxy, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	p := &Proxy{cfg: cfg}
	if o.log != nil {
		p.log = o.log
	} else {
		p.log, p.logCloser = logger.New(cfg.Log, os.Stderr)
	}

	notifier := o.notifier
	if notifier == nil {
		if cfg.Slack.Token == "" {
			return nil, ErrNoSlackToken
		}
		notifier = slack.NewClient(cfg.Slack, p.log)
	}

	var err error
	if p.environ, err = cfg.Environment(); err != nil {
		return nil, fmt.Errorf("build environment: %w", err)
	}
	if p.queue, err = command.NewQueue(cfg.Proxy.QueueSize); err != nil {
		return nil, err
	}

	sinks := append([]history.Sink(nil), o.sinks...)
	for _, dsn := range cfg.History.DSN {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = p.queue.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	p.recorder = history.NewRecorder(p.log, sinks...)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			p.log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Resources.Enabled {
			p.resources = metrics.NewResourceCollector(cfg.Metrics.Resources, p.log)
			if err := p.resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				p.log.Warn("failed to register resource metrics", "error", err)
			}
		}
	}

	p.outbox = slack.NewOutbox(notifier, cfg.Proxy.OutboxSize, cfg.Slack.Timeout, p.log)
	p.reg = registry.New(p.spawn, p.log)
	p.reg.OnEvent(p.recorder.Hook())
	p.reg.OnEvent(p.observe)
	p.disp = dispatch.New(p.reg, p.outbox, p.environ, cfg.DispatchOptions(), p.log)
	p.loop = mux.New(p.queue, p.disp, p.reg, p.outbox, cfg.MuxOptions(), p.log)

	if cfg.HTTP.Enabled {
		ropts := server.Options{
			BasePath:  cfg.HTTP.BasePath,
			Token:     cfg.HTTP.Token,
			Processes: p.reg,
			Queue:     p.queue,
			Metrics:   cfg.Metrics.Enabled,
			Health:    p.health,
			Logger:    p.log,
		}
		if p.resources != nil {
			ropts.Resources = p.resources
		}
		if q, ok := p.recorder.Querier(); ok {
			ropts.History = q
		}
		p.router = server.NewRouter(ropts)
		p.http = server.NewServer(cfg.HTTP.Addr, p.router)
	}
	return p, nil
}

// spawn starts a persistent child with the merged environment and, when a
// process log directory is configured, a rotating stderr file.
func (p *Proxy) spawn(spec process.Spec) (*process.Process, error) {
	opts := p.cfg.ProcessOptions()
	opts.Env = p.environ.Merge(spec.Env)
	opts.Stderr = p.cfg.ProcessLog.StderrWriter(logName(spec))
	opts.Logger = p.log
	proc, err := process.Spawn(spec, opts)
	if err != nil && opts.Stderr != nil {
		_ = opts.Stderr.Close()
	}
	return proc, err
}

// logName is <program>-<thread> restricted to filename-safe characters.
func logName(spec process.Spec) string {
	name := spec.Program() + "-" + spec.ThreadID
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

func (p *Proxy) observe(ev registry.Event) {
	if ev.Kind == registry.Removed {
		metrics.IncRemoved(string(ev.Reason))
	}
	metrics.SetLive(p.reg.Len())
}

func (p *Proxy) health() error {
	if p.cfg.NATS.Enabled && (p.nats == nil || !p.nats.IsConnected()) {
		return errors.New("nats not connected")
	}
	return nil
}

// threadPIDs feeds the resource collector.
func (p *Proxy) threadPIDs() map[string]int32 {
	procs := p.reg.All()
	out := make(map[string]int32, len(procs))
	for _, pr := range procs {
		out[pr.ThreadID()] = int32(pr.PID())
	}
	return out
}

// Enqueue submits a command as if it had arrived from the broker.
func (p *Proxy) Enqueue(ctx context.Context, c command.Command) error {
	return p.queue.Push(ctx, c)
}

// Registry exposes the live process table.
func (p *Proxy) Registry() *registry.Registry { return p.reg }

// Handler returns the admin API handler, or nil when HTTP is disabled.
func (p *Proxy) Handler() http.Handler {
	if p.router == nil {
		return nil
	}
	return p.router.Handler()
}

// Run starts the broker subscription, the admin API and the event loop, and
// blocks until ctx is cancelled, a quit command is processed or a component
// fails. Every child is destroyed before Run returns. A quit or a cancelled
// ctx is a clean stop and returns nil.
func (p *Proxy) Run(ctx context.Context) error {
	if p.cfg.NATS.Enabled {
		conn, err := transport.Connect(p.cfg.NATS, p.log)
		if err != nil {
			p.shutdown()
			return err
		}
		p.nats = conn
		if p.sub, err = conn.Subscribe(p.queue); err != nil {
			p.shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	if p.resources != nil {
		p.resources.Start(gctx, p.threadPIDs)
	}
	if p.http != nil {
		g.Go(func() error {
			p.log.Info("admin api listening", "addr", p.http.Addr, "tls", p.cfg.HTTP.CertFile != "")
			var err error
			if p.cfg.HTTP.CertFile != "" {
				err = p.http.ListenAndServeTLS(p.cfg.HTTP.CertFile, p.cfg.HTTP.KeyFile)
			} else {
				err = p.http.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-loopCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return p.http.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer stopLoop()
		err := p.loop.Run(loopCtx)
		if errors.Is(err, dispatch.ErrQuit) {
			p.log.Info("quit command received")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	err := g.Wait()
	p.shutdown()
	return err
}

// shutdown stops intake, destroys every child and flushes replies and history.
func (p *Proxy) shutdown() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.nats != nil {
		p.nats.Close()
	}
	_ = p.queue.Close()
	if n := p.disp.Close(); n > 0 {
		p.log.Info("destroyed remaining processes", "count", n)
	}
	if p.resources != nil {
		p.resources.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.outbox.Close(ctx); err != nil {
		p.log.Warn("outbox did not drain", "error", err)
	}
	if err := p.recorder.Close(ctx); err != nil {
		p.log.Warn("history did not flush", "error", err)
	}
	if p.logCloser != nil {
		_ = p.logCloser.Close()
	}
}
