// Package command defines the typed messages the proxy consumes and the
// in-process queue that carries them to the event loop.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackmanhattan/hmbot/internal/heuristic"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

// ErrMalformedCommand marks a message that is missing or has invalid fields
// for its kind.
var ErrMalformedCommand = errors.New("malformed command")

// Payload is the kind-specific part of a command. The set of implementations
// is closed; see the type switch in the dispatcher.
type Payload interface {
	Kind() Kind
	payload()
}

// Create starts a program. A non-empty ThreadID makes it persistent.
type Create struct {
	Args        []string
	CommandLine string
	Stdin       string
	ThreadID    string
	Env         []string
	Heuristics  heuristic.Config
}

// Persistent reports whether the program should stay attached to a thread.
func (c Create) Persistent() bool { return c.ThreadID != "" }

// Write delivers Input to the process bound to ThreadID.
type Write struct {
	ThreadID string
	Input    string
}

type PS struct{}

type Kill struct {
	PID int
}

type Quit struct{}

// Malformed stands in for a message that could not be turned into a valid
// command. Attempted is the kind it claimed to be, if known.
type Malformed struct {
	Attempted Kind
	Reason    string
}

// Usage is the help text shown for the attempted kind.
func (m Malformed) Usage() string {
	switch m.Attempted {
	case KindCreate:
		return "usage: create <command line>; start it in a thread to keep it running"
	case KindWrite:
		return "usage: write needs a thread with a running process and some input"
	case KindKill:
		return "usage: kill <pid>"
	default:
		return "usage: one of create, write, ps, kill, quit"
	}
}

func (Create) Kind() Kind    { return KindCreate }
func (Write) Kind() Kind     { return KindWrite }
func (PS) Kind() Kind        { return KindPS }
func (Kill) Kind() Kind      { return KindKill }
func (Quit) Kind() Kind      { return KindQuit }
func (Malformed) Kind() Kind { return KindUnknown }

func (Create) payload()    {}
func (Write) payload()     {}
func (PS) payload()        {}
func (Kill) payload()      {}
func (Quit) payload()      {}
func (Malformed) payload() {}

// Command is one immutable queue entry.
type Command struct {
	ID         string
	Origin     slack.Message
	Payload    Payload
	ReceivedAt time.Time
}

// New stamps a command with a fresh correlation id.
func New(origin slack.Message, p Payload) Command {
	return Command{ID: uuid.NewString(), Origin: origin, Payload: p, ReceivedAt: time.Now()}
}

func (c Command) Kind() Kind {
	if c.Payload == nil {
		return KindUnknown
	}
	return c.Payload.Kind()
}
