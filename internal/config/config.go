// Package config loads the proxy configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hackmanhattan/hmbot/internal/dispatch"
	"github.com/hackmanhattan/hmbot/internal/env"
	"github.com/hackmanhattan/hmbot/internal/logger"
	"github.com/hackmanhattan/hmbot/internal/metrics"
	"github.com/hackmanhattan/hmbot/internal/mux"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/slack"
	"github.com/hackmanhattan/hmbot/internal/transport"
)

// EnvPrefix is prepended to every environment override, e.g. SYSPROXY_NATS_URL.
const EnvPrefix = "SYSPROXY"

type Config struct {
	Log        logger.Config           `mapstructure:"log"`
	Slack      slack.Config            `mapstructure:"slack"`
	NATS       transport.Config        `mapstructure:"nats"`
	Proxy      ProxyConfig             `mapstructure:"proxy"`
	ProcessLog logger.ProcessLogConfig `mapstructure:"process_log"`
	HTTP       HTTPConfig              `mapstructure:"http"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	History    HistoryConfig           `mapstructure:"history"`
}

// ProxyConfig tunes the event loop, the dispatcher and spawned children.
type ProxyConfig struct {
	PollTimeout          time.Duration `mapstructure:"poll_timeout"`
	IdleSleep            time.Duration `mapstructure:"idle_sleep"`
	EphemeralTimeout     time.Duration `mapstructure:"ephemeral_timeout"`
	EphemeralConcurrency int           `mapstructure:"ephemeral_concurrency"`
	TermGrace            time.Duration `mapstructure:"term_grace"`
	ReadChunk            int           `mapstructure:"read_chunk"`
	MaxRead              int           `mapstructure:"max_read"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	InputPrefix          string        `mapstructure:"input_prefix"`
	QueueSize            int           `mapstructure:"queue_size"`
	OutboxSize           int           `mapstructure:"outbox_size"`
	Env                  []string      `mapstructure:"env"`
	EnvFiles             []string      `mapstructure:"env_files"`
	UseOSEnv             bool          `mapstructure:"use_os_env"`
}

// HTTPConfig describes the admin API. TLS is used when both cert and key are set.
type HTTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
	Token    string `mapstructure:"token"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	DSN []string `mapstructure:"dsn"`
}

// Default returns the configuration used when no file or override sets a key.
func Default() Config {
	return Config{
		Log: logger.Config{Level: "info", Format: "text", Color: true},
		Slack: slack.Config{
			APIURL:   "https://slack.com/api",
			Timeout:  10 * time.Second,
			RetryMax: 3,
		},
		NATS: transport.Config{
			Enabled:       true,
			URL:           transport.DefaultURL,
			Subject:       transport.DefaultSubject,
			MaxReconnects: -1,
		},
		Proxy: ProxyConfig{
			PollTimeout:          mux.DefaultPollTimeout,
			IdleSleep:            mux.DefaultIdleSleep,
			EphemeralTimeout:     dispatch.DefaultEphemeralTimeout,
			EphemeralConcurrency: dispatch.DefaultEphemeralConcurrency,
			TermGrace:            process.DefaultTermGrace,
			ReadChunk:            process.DefaultReadChunk,
			MaxRead:              process.DefaultMaxRead,
			WriteTimeout:         process.DefaultWriteTimeout,
			InputPrefix:          dispatch.DefaultInputPrefix,
			QueueSize:            256,
			OutboxSize:           256,
			UseOSEnv:             true,
		},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8080", BasePath: "/api"},
		Metrics: MetricsConfig{Resources: metrics.ResourceConfig{Interval: 15 * time.Second}},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.compress", false)

	v.SetDefault("slack.token", "")
	v.SetDefault("slack.api_url", d.Slack.APIURL)
	v.SetDefault("slack.timeout", d.Slack.Timeout)
	v.SetDefault("slack.retry_max", d.Slack.RetryMax)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("nats.queue_group", "")
	v.SetDefault("nats.client_id", "")
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)

	v.SetDefault("proxy.poll_timeout", d.Proxy.PollTimeout)
	v.SetDefault("proxy.idle_sleep", d.Proxy.IdleSleep)
	v.SetDefault("proxy.ephemeral_timeout", d.Proxy.EphemeralTimeout)
	v.SetDefault("proxy.ephemeral_concurrency", d.Proxy.EphemeralConcurrency)
	v.SetDefault("proxy.term_grace", d.Proxy.TermGrace)
	v.SetDefault("proxy.read_chunk", d.Proxy.ReadChunk)
	v.SetDefault("proxy.max_read", d.Proxy.MaxRead)
	v.SetDefault("proxy.write_timeout", d.Proxy.WriteTimeout)
	v.SetDefault("proxy.input_prefix", d.Proxy.InputPrefix)
	v.SetDefault("proxy.queue_size", d.Proxy.QueueSize)
	v.SetDefault("proxy.outbox_size", d.Proxy.OutboxSize)
	v.SetDefault("proxy.env", []string{})
	v.SetDefault("proxy.env_files", []string{})
	v.SetDefault("proxy.use_os_env", false)

	v.SetDefault("process_log.dir", "")
	v.SetDefault("process_log.max_size_mb", 0)
	v.SetDefault("process_log.max_backups", 0)
	v.SetDefault("process_log.max_age_days", 0)
	v.SetDefault("process_log.compress", false)

	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.base_path", d.HTTP.BasePath)
	v.SetDefault("http.token", "")
	v.SetDefault("http.cert_file", "")
	v.SetDefault("http.key_file", "")

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.resources.enabled", d.Metrics.Resources.Enabled)
	v.SetDefault("metrics.resources.interval", d.Metrics.Resources.Interval)

	v.SetDefault("history.dsn", []string{})
}

// Load reads path (any extension viper understands; empty means defaults only)
// and applies SYSPROXY_* environment overrides. SLACK_TOKEN is honoured as a
// fallback for slack.token.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("slack.token", EnvPrefix+"_SLACK_TOKEN", "SLACK_TOKEN"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	p := c.Proxy
	if p.PollTimeout <= 0 {
		errs = append(errs, errors.New("proxy.poll_timeout must be positive"))
	}
	if p.IdleSleep < 0 {
		errs = append(errs, errors.New("proxy.idle_sleep must not be negative"))
	}
	if p.EphemeralTimeout <= 0 {
		errs = append(errs, errors.New("proxy.ephemeral_timeout must be positive"))
	}
	if p.EphemeralConcurrency <= 0 {
		errs = append(errs, errors.New("proxy.ephemeral_concurrency must be positive"))
	}
	if p.ReadChunk <= 0 {
		errs = append(errs, errors.New("proxy.read_chunk must be positive"))
	}
	if p.MaxRead < p.ReadChunk {
		errs = append(errs, fmt.Errorf("proxy.max_read (%d) must be at least proxy.read_chunk (%d)", p.MaxRead, p.ReadChunk))
	}
	if p.QueueSize <= 0 {
		errs = append(errs, errors.New("proxy.queue_size must be positive"))
	}
	for _, kv := range p.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, fmt.Errorf("proxy.env entry %q is not KEY=VALUE", kv))
		}
	}
	if c.HTTP.Enabled && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		errs = append(errs, fmt.Errorf("http.base_path %q must start with /", c.HTTP.BasePath))
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.cert_file and http.key_file must be set together"))
	}
	return errors.Join(errs...)
}

// MuxOptions returns the event loop settings.
func (c *Config) MuxOptions() mux.Options {
	return mux.Options{PollTimeout: c.Proxy.PollTimeout, IdleSleep: c.Proxy.IdleSleep}
}

func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		InputPrefix:          c.Proxy.InputPrefix,
		EphemeralTimeout:     c.Proxy.EphemeralTimeout,
		EphemeralConcurrency: c.Proxy.EphemeralConcurrency,
	}
}

// ProcessOptions returns the per-child settings; Env and Stderr are filled
// in per spawn.
func (c *Config) ProcessOptions() process.Options {
	return process.Options{
		TermGrace:    c.Proxy.TermGrace,
		ReadChunk:    c.Proxy.ReadChunk,
		MaxRead:      c.Proxy.MaxRead,
		WriteTimeout: c.Proxy.WriteTimeout,
	}
}

// Environment builds the global child environment. Env files are applied in
// order, then proxy.env overrides them.
func (c *Config) Environment() (*env.Env, error) {
	var pairs []string
	for _, p := range c.Proxy.EnvFiles {
		kvs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, kvs...)
	}
	pairs = append(pairs, c.Proxy.Env...)
	return env.FromPairs(c.Proxy.UseOSEnv, pairs), nil
}

// LoadEnvFile parses a .env file of KEY=VALUE lines, keeping file order.
// Blank lines and lines starting with # are ignored; a leading "export " is allowed.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
