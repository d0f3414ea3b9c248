// Package registry tracks the live persistent processes, indexed both by pid
// and by the conversation thread that owns them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackmanhattan/hmbot/internal/process"
)

var (
	ErrThreadAlreadyBound = errors.New("thread already has a process")
	ErrNoSuchProcess      = errors.New("no such process")
	ErrNoThread           = errors.New("persistent process needs a thread id")
)

// Reason says why an entry left the registry.
type Reason string

const (
	ReasonExited   Reason = "exited"
	ReasonKilled   Reason = "killed"
	ReasonShutdown Reason = "shutdown"
)

// EventKind distinguishes registry events.
type EventKind int

const (
	Created EventKind = iota
	Removed
)

func (k EventKind) String() string {
	if k == Created {
		return "created"
	}
	return "removed"
}

// Event is delivered to hooks after the registry changes.
type Event struct {
	Kind    EventKind
	Info    process.Info
	Reason  Reason // Removed only
	ExitErr error  // Removed with ReasonExited only
	At      time.Time
}

// Hook observes registry events. Hooks run on the caller's goroutine
// after the lock has been released, and may run concurrently during DestroyAll.
type Hook func(Event)

// SpawnFunc starts a process for spec.
type SpawnFunc func(spec process.Spec) (*process.Process, error)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byPID    map[int]*process.Process
	byThread map[string]*process.Process
	spawn    SpawnFunc
	hooks    []Hook
	log      *slog.Logger
}

func New(spawn SpawnFunc, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byPID:    make(map[int]*process.Process),
		byThread: make(map[string]*process.Process),
		spawn:    spawn,
		log:      log,
	}
}

// OnEvent adds a hook. Not safe to call concurrently with mutations.
func (r *Registry) OnEvent(h Hook) {
	if h != nil {
		r.hooks = append(r.hooks, h)
	}
}

func (r *Registry) emit(ev Event) {
	ev.At = time.Now().UTC()
	for _, h := range r.hooks {
		h(ev)
	}
}

// Create spawns spec and binds it to spec.ThreadID. The thread check and the
// insert happen under one lock so two creates for a thread cannot both win.
func (r *Registry) Create(spec process.Spec) (*process.Process, error) {
	if spec.ThreadID == "" {
		return nil, ErrNoThread
	}
	r.mu.Lock()
	if cur, ok := r.byThread[spec.ThreadID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: pid %d", ErrThreadAlreadyBound, cur.PID())
	}
	p, err := r.spawn(spec)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.byPID[p.PID()] = p
	r.byThread[spec.ThreadID] = p
	r.mu.Unlock()

	r.log.Info("process registered", "pid", p.PID(), "thread", spec.ThreadID, "command", spec.Display())
	r.emit(Event{Kind: Created, Info: p.Info()})
	return p, nil
}

func (r *Registry) FindByThread(threadID string) (*process.Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byThread[threadID]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}

// All returns a snapshot ordered by creation time, then pid.
func (r *Registry) All() []*process.Process {
	r.mu.RLock()
	out := make([]*process.Process, 0, len(r.byPID))
	for _, p := range r.byPID {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt().Equal(b.CreatedAt()) {
			return a.CreatedAt().Before(b.CreatedAt())
		}
		return a.PID() < b.PID()
	})
	return out
}

// Infos is All rendered for listings.
func (r *Registry) Infos() []process.Info {
	all := r.All()
	out := make([]process.Info, len(all))
	for i, p := range all {
		out[i] = p.Info()
	}
	return out
}

func (r *Registry) detach(pid int) (*process.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	delete(r.byPID, pid)
	if r.byThread[p.ThreadID()] == p {
		delete(r.byThread, p.ThreadID())
	}
	return p, true
}

// Remove drops pid from both indexes and destroys it. It reports whether
// the pid was present.
func (r *Registry) Remove(pid int, reason Reason, exitErr error) bool {
	p, ok := r.detach(pid)
	if !ok {
		return false
	}
	r.finish(p, reason, exitErr)
	return true
}

// Kill terminates a registered process on request.
func (r *Registry) Kill(pid int) (process.Info, error) {
	p, ok := r.detach(pid)
	if !ok {
		return process.Info{}, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	info := p.Info()
	r.finish(p, ReasonKilled, nil)
	return info, nil
}

// DestroyAll empties the registry, destroying entries in parallel.
// It returns how many processes were destroyed.
func (r *Registry) DestroyAll() int {
	r.mu.Lock()
	all := make([]*process.Process, 0, len(r.byPID))
	for _, p := range r.byPID {
		all = append(all, p)
	}
	r.byPID = make(map[int]*process.Process)
	r.byThread = make(map[string]*process.Process)
	r.mu.Unlock()

	var g errgroup.Group
	for _, p := range all {
		p := p
		g.Go(func() error {
			r.finish(p, ReasonShutdown, nil)
			return nil
		})
	}
	_ = g.Wait()
	return len(all)
}

func (r *Registry) finish(p *process.Process, reason Reason, exitErr error) {
	info := p.Info()
	if err := p.Destroy(); err != nil {
		r.log.Warn("destroy process", "pid", info.PID, "error", err)
	}
	r.log.Info("process removed", "pid", info.PID, "thread", info.ThreadID, "reason", string(reason))
	r.emit(Event{Kind: Removed, Info: info, Reason: reason, ExitErr: exitErr})
}
