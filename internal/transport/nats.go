// Package transport carries command messages between the command matcher
// and the proxy over NATS.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hackmanhattan/hmbot/internal/command"
)

const (
	DefaultURL     = nats.DefaultURL
	DefaultSubject = "sysproxy.commands"
	pushTimeout    = 5 * time.Second
)

// Config locates the broker. Enabled only matters to the proxy, which skips
// the subscription when it is false; the publisher ignores it.
type Config struct {
	Enabled       bool   `mapstructure:"enabled" json:"enabled"`
	URL           string `mapstructure:"url" json:"url"`
	Subject       string `mapstructure:"subject" json:"subject"`
	QueueGroup    string `mapstructure:"queue_group" json:"queue_group"`
	ClientID      string `mapstructure:"client_id" json:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects" json:"max_reconnects"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.ClientID == "" {
		c.ClientID = "sysproxy"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// Enqueuer accepts decoded commands; *command.Queue satisfies it.
type Enqueuer interface {
	Push(ctx context.Context, c command.Command) error
}

// Conn is a NATS connection used either to consume or to publish commands.
type Conn struct {
	nc  *nats.Conn
	cfg Config
	log *slog.Logger
}

// Connect dials NATS with reconnect handling.
func Connect(cfg Config, log *slog.Logger) (*Conn, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "nats")
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "error", err)
				return
			}
			log.Info("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("connection closed", "error", err)
				return
			}
			log.Info("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("async error", "subject", subject, "error", err)
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected", "url", cfg.URL, "subject", cfg.Subject)
	return &Conn{nc: nc, cfg: cfg, log: log}, nil
}

// Subscribe feeds every message on the configured subject into q. With a
// queue group, several proxies share the subject.
func (c *Conn) Subscribe(q Enqueuer) (*nats.Subscription, error) {
	h := Handler(q, c.log)
	var (
		sub *nats.Subscription
		err error
	)
	if c.cfg.QueueGroup != "" {
		sub, err = c.nc.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, h)
	} else {
		sub, err = c.nc.Subscribe(c.cfg.Subject, h)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", c.cfg.Subject, err)
	}
	return sub, nil
}

// Publish sends cmd in wire form and flushes.
func (c *Conn) Publish(ctx context.Context, cmd command.Command) error {
	b, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	if err := c.nc.Publish(c.cfg.Subject, b); err != nil {
		return fmt.Errorf("publish to %s: %w", c.cfg.Subject, err)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	c.log.Debug("published", "id", cmd.ID, "kind", cmd.Kind().String())
	return nil
}

func (c *Conn) IsConnected() bool { return c.nc != nil && c.nc.IsConnected() }

// Close drains subscriptions, falling back to a hard close.
func (c *Conn) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn("drain failed", "error", err)
		c.nc.Close()
	}
}

// Ack is the optional reply to a request-style publish.
type Ack struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Handler decodes messages and pushes them onto q. Malformed messages are
// still enqueued so the sender gets a usage reply.
func Handler(q Enqueuer, log *slog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		cmd, derr := command.Decode(msg.Data)
		if derr != nil {
			log.Warn("malformed message", "subject", msg.Subject, "error", derr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		perr := q.Push(ctx, cmd)
		if perr != nil {
			log.Error("enqueue failed", "id", cmd.ID, "error", perr)
		}
		if msg.Reply == "" {
			return
		}
		ack := Ack{ID: cmd.ID, Accepted: perr == nil}
		if err := errors.Join(derr, perr); err != nil {
			ack.Error = err.Error()
		}
		b, _ := json.Marshal(ack)
		if err := msg.Respond(b); err != nil {
			log.Warn("ack failed", "id", cmd.ID, "error", err)
		}
	}
}
