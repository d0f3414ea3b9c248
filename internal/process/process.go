// Package process owns a single child program attached to a pseudo-terminal.
//
// The child's stdout (and controlling terminal) is the slave side of a PTY so
// that line-buffered programs flush promptly; its stdin is a plain pipe. The
// master side is switched to non-blocking mode and drained by Read without
// ever blocking the caller.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/hackmanhattan/hmbot/internal/heuristic"
)

// Defaults for Options.
const (
	DefaultTermGrace    = 200 * time.Millisecond
	DefaultReadChunk    = 4096
	DefaultMaxRead      = 64 * 1024
	DefaultWriteTimeout = time.Second
)

// Options are the proxy-level knobs applied to every spawned process.
type Options struct {
	Env          []string       // full environment; nil inherits the proxy's
	Stderr       io.WriteCloser // stderr sink; nil discards
	TermGrace    time.Duration  // wait after SIGTERM (and again after SIGKILL)
	ReadChunk    int            // bytes per read(2)
	MaxRead      int            // cap on bytes returned by one Read
	WriteTimeout time.Duration  // bound on a single stdin write
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TermGrace <= 0 {
		o.TermGrace = DefaultTermGrace
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.MaxRead <= 0 {
		o.MaxRead = DefaultMaxRead
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Info is a point-in-time description of a process for listings.
type Info struct {
	PID         int       `json:"pid"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Channel     string    `json:"channel"`
	Creator     string    `json:"creator"`
	CommandLine string    `json:"command_line"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	Heuristics  []string  `json:"heuristics,omitempty"`
}

// Process is one live child. All methods are safe for concurrent use.
type Process struct {
	pid       int
	spec      Spec
	createdAt time.Time
	cmd       *exec.Cmd
	master    *os.File
	slave     *os.File
	fd        int
	stdin     *os.File
	stderr    io.WriteCloser
	opts      Options
	log       *slog.Logger
	done      chan struct{} // closed once cmd.Wait returns

	mu         sync.Mutex
	lastActive time.Time
	exitErr    error
	destroyed  bool
	pending    []byte // incomplete rune or escape held for the next read
}

// Spawn allocates a PTY pair and starts spec with stdout on the slave side and
// stdin on a pipe. Any failure is reported as ErrSpawnFailed and leaves no
// descriptors behind.
func Spawn(spec Spec, opts Options) (*Process, error) {
	opts = opts.withDefaults()
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open pty: %v", ErrSpawnFailed, err)
	}
	if err := disableOutputProcessing(slave); err != nil {
		opts.Logger.Debug("could not adjust pty modes", "error", err)
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	cleanup := func() {
		_ = master.Close()
		_ = slave.Close()
		_ = stdinR.Close()
		_ = stdinW.Close()
	}

	cmd := spec.BuildCommand(context.Background())
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.Stdin = stdinR
	cmd.Stdout = slave
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	// New session with the PTY (child fd 1) as controlling terminal; the
	// session leader's pid doubles as the process group for signalling.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 1}
	cmd.WaitDelay = opts.TermGrace

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	_ = stdinR.Close()

	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		cleanup()
		return nil, fmt.Errorf("%w: set nonblock: %v", ErrSpawnFailed, err)
	}

	now := time.Now()
	p := &Process{
		pid:        cmd.Process.Pid,
		spec:       spec,
		createdAt:  now,
		lastActive: now,
		cmd:        cmd,
		master:     master,
		slave:      slave,
		fd:         fd,
		stdin:      stdinW,
		stderr:     opts.Stderr,
		opts:       opts,
		done:       make(chan struct{}),
	}
	p.log = opts.Logger.With("pid", p.pid, "thread", spec.ThreadID)
	go p.wait()
	p.log.Debug("process spawned", "command", spec.Display())
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) PID() int                     { return p.pid }
func (p *Process) ThreadID() string             { return p.spec.ThreadID }
func (p *Process) Channel() string              { return p.spec.Channel }
func (p *Process) Creator() string              { return p.spec.Creator }
func (p *Process) CreatedAt() time.Time         { return p.createdAt }
func (p *Process) Pipeline() heuristic.Pipeline { return p.spec.Heuristics }

// FD is the master descriptor to wait on for readability.
func (p *Process) FD() int { return p.fd }

// LastActive is the time of the last non-empty read or successful write.
func (p *Process) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

// Info snapshots the listing fields.
func (p *Process) Info() Info {
	return Info{
		PID:         p.pid,
		ThreadID:    p.spec.ThreadID,
		Channel:     p.spec.Channel,
		Creator:     p.spec.Creator,
		CommandLine: p.spec.Display(),
		CreatedAt:   p.createdAt,
		LastActive:  p.LastActive(),
		Heuristics:  p.spec.Heuristics.Names(),
	}
}

// Read drains whatever the child has written so far without blocking.
// It returns "" with no error when nothing is ready. A trailing rune or escape
// sequence that is still being written is held back until a later Read or
// Flush. hasMore is true when the MaxRead cap stopped the drain before the
// terminal was empty.
func (p *Process) Read() (text string, hasMore bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return "", false, ErrProcessDead
	}
	buf := make([]byte, p.opts.ReadChunk)
	out := p.pending
	p.pending = nil
	read := 0
	for read < p.opts.MaxRead {
		n, rerr := unix.Read(p.fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			read += n
		}
		if rerr == nil {
			if n <= 0 {
				break
			}
			continue
		}
		if errors.Is(rerr, unix.EINTR) {
			continue
		}
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) || errors.Is(rerr, unix.EIO) {
			break
		}
		return string(out), false, fmt.Errorf("read pty: %w", rerr)
	}
	if read > 0 {
		p.lastActive = time.Now()
	}
	ready, rest := splitComplete(out)
	if len(rest) > 0 {
		p.pending = append([]byte(nil), rest...)
	}
	return string(ready), read >= p.opts.MaxRead, nil
}

// Flush returns and clears output held back by Read. It is used once the
// child has exited and nothing more will complete it.
func (p *Process) Flush() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := string(p.pending)
	p.pending = nil
	return s
}

// Write sends text to the child's stdin. It fails with ErrProcessDead when
// the child has exited or its input is closed.
func (p *Process) Write(text string) error {
	if exited, _ := p.Exited(); exited {
		return ErrProcessDead
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrProcessDead
	}
	w := p.stdin
	p.mu.Unlock()

	_ = w.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	if _, err := io.WriteString(w, text); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("write stdin: input not consumed within %s: %w", p.opts.WriteTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrProcessDead, err)
	}
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
	return nil
}

// Exited reports whether the child has terminated and, if so, its exit error.
func (p *Process) Exited() (bool, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitErr
	default:
		return false, nil
	}
}

// Done is closed when the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Destroy terminates the child if needed, closes every descriptor and reaps
// it. Calling it more than once is a no-op.
func (p *Process) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()

	reaped := p.terminate()
	var errs []error
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	if err := p.master.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.stderr != nil {
		_ = p.stderr.Close()
	}
	if !reaped {
		p.log.Warn("child survived SIGKILL grace window; it may linger as a zombie")
	} else {
		p.log.Debug("process destroyed")
	}
	return errors.Join(errs...)
}

func (p *Process) terminate() bool {
	select {
	case <-p.done:
		return true
	default:
	}
	_ = unix.Kill(-p.pid, unix.SIGTERM)
	if p.waitDone(p.opts.TermGrace) {
		return true
	}
	p.log.Debug("child ignored SIGTERM, sending SIGKILL")
	_ = unix.Kill(-p.pid, unix.SIGKILL)
	return p.waitDone(p.opts.TermGrace)
}

func (p *Process) waitDone(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
