package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackmanhattan/hmbot/internal/command"
	"github.com/hackmanhattan/hmbot/internal/env"
	"github.com/hackmanhattan/hmbot/internal/heuristic"
	"github.com/hackmanhattan/hmbot/internal/logger"
	"github.com/hackmanhattan/hmbot/internal/process"
	"github.com/hackmanhattan/hmbot/internal/registry"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

type fakeNotifier struct {
	mu      sync.Mutex
	replies []slack.Reply
	ch      chan slack.Reply
	err     error
	panics  bool
}

func newFakeNotifier() *fakeNotifier { return &fakeNotifier{ch: make(chan slack.Reply, 64)} }

func (f *fakeNotifier) Respond(_ context.Context, r slack.Reply) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	f.replies = append(f.replies, r)
	f.mu.Unlock()
	f.ch <- r
	return f.err
}

func (f *fakeNotifier) next(t *testing.T) slack.Reply {
	t.Helper()
	select {
	case r := <-f.ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
		return slack.Reply{}
	}
}

func (f *fakeNotifier) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.ch:
		t.Fatalf("unexpected reply %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

type fixture struct {
	d   *Dispatcher
	reg *registry.Registry
	n   *fakeNotifier
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg := registry.New(func(s process.Spec) (*process.Process, error) {
		return process.Spawn(s, process.Options{Logger: logger.Discard(), TermGrace: 50 * time.Millisecond})
	}, logger.Discard())
	n := newFakeNotifier()
	d := New(reg, n, env.New(true), opts, logger.Discard())
	t.Cleanup(func() { d.Close() })
	return &fixture{d: d, reg: reg, n: n}
}

var origin = slack.Message{Channel: "C1", TS: "100.1", User: "U1"}

func inThread(thread string) slack.Message {
	m := origin
	m.ThreadTS = thread
	return m
}

func (f *fixture) run(t *testing.T, msg slack.Message, p command.Payload) {
	t.Helper()
	require.NoError(t, f.d.Dispatch(context.Background(), command.New(msg, p)))
}

func readUntil(t *testing.T, p *process.Process, want string) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, _, err := p.Read()
		require.NoError(t, err)
		got.WriteString(s)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never read %q; got %q", want, got.String())
	return ""
}

func TestCreatePersistentAcknowledgesAndRejectsDuplicate(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "T1"})
	ack := f.n.next(t)
	assert.Equal(t, "T1", ack.ThreadTS)
	assert.Contains(t, ack.Text, "`>`")
	require.Equal(t, 1, f.reg.Len())
	proc, ok := f.reg.FindByThread("T1")
	require.True(t, ok)
	assert.Equal(t, "U1", proc.Creator())

	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "T1"})
	r := f.n.next(t)
	assert.Equal(t, msgRefused, r.Text)
	require.Len(t, r.Attachments, 1)
	assert.Contains(t, r.Attachments[0].Text, "T1 -> ")
	assert.Equal(t, "danger", r.Attachments[0].Color)
	assert.Equal(t, 1, f.reg.Len())
}

func TestCreatePersistentSpawnFailure(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"/nonexistent/bin"}, ThreadID: "T1"})
	r := f.n.next(t)
	assert.Equal(t, msgSomethingBad, r.Text)
	assert.Equal(t, 0, f.reg.Len())
}

func TestWriteRoutesInputToThreadProcess(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "T1"})
	f.n.next(t)
	f.run(t, inThread("T1"), command.Write{ThreadID: "T1", Input: "> go north"})
	f.n.none(t)
	proc, _ := f.reg.FindByThread("T1")
	assert.Equal(t, "go north\n", readUntil(t, proc, "go north\n"))
}

func TestWriteWithoutProcessRepliesAndMutatesNothing(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, inThread("T9"), command.Write{ThreadID: "T9", Input: "hello"})
	r := f.n.next(t)
	assert.Equal(t, msgForgot, r.Text)
	assert.Equal(t, "T9", r.ThreadTS)
	assert.Equal(t, 0, f.reg.Len())
}

func TestWriteToExitedProcess(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"true"}, ThreadID: "T1"})
	f.n.next(t)
	proc, _ := f.reg.FindByThread("T1")
	select {
	case <-proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("true did not exit")
	}
	f.run(t, inThread("T1"), command.Write{ThreadID: "T1", Input: "x"})
	r := f.n.next(t)
	assert.Contains(t, r.Text, msgDead)
}

func TestKillThenWrite(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "T1"})
	f.n.next(t)
	proc, _ := f.reg.FindByThread("T1")

	f.run(t, origin, command.Kill{PID: proc.PID()})
	assert.Equal(t, msgKilled, f.n.next(t).Text)
	_, ok := f.reg.FindByThread("T1")
	assert.False(t, ok)
	exited, _ := proc.Exited()
	assert.True(t, exited)

	f.run(t, origin, command.Kill{PID: proc.PID()})
	assert.Equal(t, msgNoSuch, f.n.next(t).Text)

	f.run(t, inThread("T1"), command.Write{ThreadID: "T1", Input: "hi"})
	assert.Equal(t, msgForgot, f.n.next(t).Text)
}

func TestPSListsPersistentOnly(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{CommandLine: "sleep 30", ThreadID: "A"})
	f.n.next(t)
	f.run(t, origin, command.Create{CommandLine: "sleep 1"}) // ephemeral
	f.run(t, origin, command.PS{})
	r := f.n.next(t)
	assert.Equal(t, "There are 1 active processes.", r.Text)
	require.Len(t, r.Attachments, 1)
	a := r.Attachments[0]
	assert.Equal(t, "sleep 30", a.Pretext)
	titles := map[string]string{}
	for _, fld := range a.Fields {
		titles[fld.Title] = fld.Value
	}
	assert.Equal(t, "U1", titles["Creator"])
	assert.NotEmpty(t, titles["PID"])
	assert.Contains(t, titles["Created"], "<!date^")
}

func TestEphemeralEchoRepliesAndIsNeverRegistered(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{CommandLine: "echo hi"})
	assert.Equal(t, 0, f.reg.Len())
	r := f.n.next(t)
	assert.Equal(t, "hi\n", r.Text)
	assert.Empty(t, r.ThreadTS)
	f.run(t, origin, command.PS{})
	assert.Equal(t, "There are 0 active processes.", f.n.next(t).Text)
}

func TestEphemeralStdinAndHeuristics(t *testing.T) {
	f := setup(t, Options{})
	h := heuristic.Config{{Name: "max_lines", Value: 1}}
	f.run(t, inThread("T3"), command.Create{Args: []string{"cat"}, Stdin: "one\ntwo\n", Heuristics: h})
	r := f.n.next(t)
	assert.Equal(t, "two\n", r.Text)
	assert.Equal(t, "T3", r.ThreadTS)
}

func TestEphemeralStderrIsFlagged(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{CommandLine: "sh -c 'echo out; echo bad 1>&2; exit 1'"})
	r := f.n.next(t)
	assert.Equal(t, msgSomethingBad, r.Text)
	require.Len(t, r.Attachments, 2)
	assert.Equal(t, "out\n", r.Attachments[0].Text)
	assert.Equal(t, "bad\n", r.Attachments[1].Text)
	assert.Equal(t, "danger", r.Attachments[1].Color)
}

func TestEphemeralTimeout(t *testing.T) {
	f := setup(t, Options{EphemeralTimeout: 100 * time.Millisecond})
	f.run(t, origin, command.Create{Args: []string{"sleep", "10"}})
	r := f.n.next(t)
	assert.Equal(t, msgSomethingBad, r.Text)
	require.NotEmpty(t, r.Attachments)
	assert.Contains(t, r.Attachments[len(r.Attachments)-1].Text, "killed after")
}

func TestEphemeralBusy(t *testing.T) {
	f := setup(t, Options{EphemeralConcurrency: 1, EphemeralTimeout: 200 * time.Millisecond})
	f.run(t, origin, command.Create{Args: []string{"sleep", "5"}})
	f.run(t, origin, command.Create{Args: []string{"sleep", "5"}})
	assert.Equal(t, msgBusy, f.n.next(t).Text)
	f.n.next(t) // the timeout of the first run
}

func TestMalformedRepliesWithUsage(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Malformed{Attempted: command.KindKill, Reason: "kill: pid abc is not a number"})
	r := f.n.next(t)
	assert.Equal(t, "usage: kill <pid>", r.Text)
	require.Len(t, r.Attachments, 1)
	assert.Contains(t, r.Attachments[0].Text, "abc")

	require.NoError(t, f.d.Dispatch(context.Background(), command.New(slack.Message{}, command.Malformed{})))
	f.n.none(t)
}

func TestQuitDestroysEverything(t *testing.T) {
	f := setup(t, Options{})
	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "A"})
	f.run(t, origin, command.Create{Args: []string{"cat"}, ThreadID: "B"})
	f.n.next(t)
	f.n.next(t)
	err := f.d.Dispatch(context.Background(), command.New(origin, command.Quit{}))
	require.ErrorIs(t, err, ErrQuit)
	assert.Equal(t, 0, f.reg.Len())
	assert.Contains(t, f.n.next(t).Text, "Destroyed 2")
}

func TestNotifierFailureAndPanicAreContained(t *testing.T) {
	f := setup(t, Options{})
	f.n.err = errors.New("network down")
	f.run(t, origin, command.PS{})
	f.n.next(t)

	f.n.panics = true
	assert.NoError(t, f.d.Dispatch(context.Background(), command.New(origin, command.PS{})))
}

func TestNormalizeInput(t *testing.T) {
	cases := []struct{ in, want string }{
		{"> go north", "go north\n"},
		{">go north\n", "go north\n"},
		{"go north", "go north\n"},
		{">  two spaces", " two spaces\n"},
		{"", "\n"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeInput(tc.in, ">"), tc.in)
	}
	assert.Equal(t, "!x\n", NormalizeInput("!x", ""))
}
