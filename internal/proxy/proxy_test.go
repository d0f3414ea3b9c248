package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/config"
	"github.com/hackmanhattan/hmbot/internal/history"
	"github.com/hackmanhattan/hmbot/internal/logger"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

type chanNotifier struct{ ch chan slack.Reply }

func (n *chanNotifier) Respond(_ context.Context, r slack.Reply) error {
	n.ch <- r
	return nil
}

// waitFor returns the first reply whose text contains want, skipping others.
func (n *chanNotifier) waitFor(t *testing.T, want string) slack.Reply {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case r := <-n.ch:
			if strings.Contains(r.Text, want) {
				return r
			}
		case <-deadline:
			t.Fatalf("no reply containing %q", want)
			return slack.Reply{}
		}
	}
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NATS.Enabled = false
	cfg.Proxy.PollTimeout = 50 * time.Millisecond
	cfg.Proxy.IdleSleep = 5 * time.Millisecond
	cfg.Proxy.TermGrace = 50 * time.Millisecond
	cfg.Proxy.Env = []string{"GREETING=hello-from-proxy"}
	cfg.ProcessLog.Dir = t.TempDir()
	return &cfg
}

func start(t *testing.T, cfg *config.Config, sinks ...history.Sink) (*Proxy, *chanNotifier, <-chan error) {
	t.Helper()
	n := &chanNotifier{ch: make(chan slack.Reply, 128)}
	p, err := New(cfg, WithLogger(logger.Discard()), WithNotifier(n), WithSinks(sinks...))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	return p, n, done
}

func origin(thread string) slack.Message {
	return slack.Message{Channel: "C1", TS: "100.1", ThreadTS: thread, User: "U1"}
}

func TestProxy_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	sink := &memSink{}
	p, n, done := start(t, cfg, sink)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(ctx, command.New(origin(""), command.Create{
		Args:     []string{"sh", "-c", "echo oops >&2; echo $GREETING; exec cat"},
		ThreadID: "T1",
	})))
	n.waitFor(t, "Started")
	n.waitFor(t, "hello-from-proxy")

	require.NoError(t, p.Enqueue(ctx, command.New(origin("T1"), command.Write{ThreadID: "T1", Input: "> ping"})))
	r := n.waitFor(t, "ping")
	require.Equal(t, "T1", r.ThreadTS)
	require.Equal(t, "C1", r.Channel)

	require.NoError(t, p.Enqueue(ctx, command.New(origin(""), command.Create{Args: []string{"echo", "one-shot"}})))
	n.waitFor(t, "one-shot")

	require.NoError(t, p.Enqueue(ctx, command.New(origin(""), command.PS{})))
	n.waitFor(t, "There are 1 active processes.")

	require.NoError(t, p.Enqueue(ctx, command.New(origin(""), command.Quit{})))
	n.waitFor(t, "Shutting down. Destroyed 1 processes.")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after quit")
	}
	require.Equal(t, 0, p.Registry().Len())
	require.Equal(t, []history.EventType{history.EventCreate, history.EventShutdown}, sink.types())

	logs, err := filepath.Glob(filepath.Join(cfg.ProcessLog.Dir, "*-T1.stderr.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	b, err := os.ReadFile(logs[0])
	require.NoError(t, err)
	require.Contains(t, string(b), "oops")
}

func TestProxy_ContextCancelDestroysChildren(t *testing.T) {
	cfg := testConfig(t)
	n := &chanNotifier{ch: make(chan slack.Reply, 128)}
	p, err := New(cfg, WithLogger(logger.Discard()), WithNotifier(n))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.NoError(t, p.Enqueue(ctx, command.New(origin(""), command.Create{Args: []string{"sleep", "30"}, ThreadID: "T9"})))
	n.waitFor(t, "Started")
	proc, ok := p.Registry().FindByThread("T9")
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child survived shutdown")
	}
}

func TestNew_RequiresToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slack.Token = ""
	_, err := New(cfg, WithLogger(logger.Discard()))
	require.ErrorIs(t, err, ErrNoSlackToken)
}

func TestNew_BadHistoryDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.DSN = []string{"mysql://nope"}
	_, err := New(cfg, WithLogger(logger.Discard()), WithNotifier(&chanNotifier{ch: make(chan slack.Reply, 1)}))
	require.Error(t, err)
}

func TestLogName(t *testing.T) {
	got := logName(process.Spec{Args: []string{"/usr/bin/python3"}, ThreadID: "17/00.1"})
	require.Equal(t, "python3-17_00.1", got)
}
