// Package hmbot embeds the chat process proxy: persistent PTY-backed children
// bound to conversation threads, plus one-shot commands, driven by commands
// that arrive over NATS or the admin API.
package hmbot

import (
	"log/slog"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/config"
	"github.com/hackmanhattan/hmbot/internal/history"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/proxy"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Proxy = proxy.Proxy

type Option = proxy.Option

type Command = command.Command

type ProcessInfo = process.Info

type Notifier = slack.Notifier

type Reply = slack.Reply

type Message = slack.Message

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Command payloads.
type (
	Create = command.Create
	Write  = command.Write
	PS     = command.PS
	Kill   = command.Kill
	Quit   = command.Quit
)

// LoadConfig reads a config file (empty path means defaults) with SYSPROXY_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return config.Default() }

func NewProxy(cfg *Config, opts ...Option) (*Proxy, error) { return proxy.New(cfg, opts...) }

func WithLogger(l *slog.Logger) Option { return proxy.WithLogger(l) }

func WithNotifier(n Notifier) Option { return proxy.WithNotifier(n) }

func WithHistorySinks(s ...HistorySink) Option { return proxy.WithSinks(s...) }

// NewCommand wraps a payload with a fresh id, as if it came from origin.
func NewCommand(origin Message, p command.Payload) Command { return command.New(origin, p) }

// DecodeCommand parses the wire envelope used on the broker and the admin API.
func DecodeCommand(b []byte) (Command, error) { return command.Decode(b) }
