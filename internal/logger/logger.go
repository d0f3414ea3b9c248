package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the proxy's own log output.
// When File.Path is set, records are written there (rotated by lumberjack) in
// addition to the console writer.
type Config struct {
	Level  string     `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string     `mapstructure:"format" json:"format"` // text or json
	Color  bool       `mapstructure:"color" json:"color"`   // colorize text output on a terminal
	File   FileConfig `mapstructure:",squash" json:"file"`
}

// FileConfig holds lumberjack rotation parameters.
type FileConfig struct {
	Path       string `mapstructure:"file" json:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// ProcessLogConfig describes where the stderr of persistent processes is kept.
// Stderr is never relayed to chat; without a Dir it is discarded.
type ProcessLogConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// StderrWriter returns a rotating writer for <Dir>/<name>.stderr.log, or nil
// when no directory is configured.
func (c ProcessLogConfig) StderrWriter(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name)),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Writer returns the rotating file writer, or nil when Path is empty.
func (c FileConfig) Writer() io.WriteCloser {
	if c.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name to slog.Level. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to console (and the rotating file when
// configured). The returned closer releases the file; it is never nil.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	w := console
	var closer io.Closer = nopCloser{}
	if fw := cfg.File.Writer(); fw != nil {
		w = io.MultiWriter(console, fw)
		closer = fw
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color && cfg.File.Path == "" && isTerminal(console):
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Discard is a logger that drops everything; handy for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
