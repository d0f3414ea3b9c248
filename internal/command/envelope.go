package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/hackmanhattan/hmbot/internal/heuristic"
	"github.com/hackmanhattan/hmbot/internal/slack"
)

// Envelope is the wire form of a command as published by the command matcher.
type Envelope struct {
	ID         string           `json:"id,omitempty"`
	Command    string           `json:"command"`
	SlackMsg   slack.Message    `json:"slack_msg"`
	ThreadID   string           `json:"thread_id,omitempty"`
	Input      string           `json:"input,omitempty"`
	Args       []string         `json:"args,omitempty"`
	Stdin      string           `json:"stdin,omitempty"`
	PID        any              `json:"pid,omitempty"`
	Width      any              `json:"width,omitempty"`
	Heuristics heuristic.Config `json:"heuristics,omitempty"`
	Env        []string         `json:"env,omitempty"`
}

// Decode parses a wire message. It always returns a usable Command: when the
// message is invalid the payload is Malformed and the error wraps
// ErrMalformedCommand, so the caller can still reply to the origin.
func Decode(b []byte) (Command, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		// salvage the origin so the sender can be told
		var partial struct {
			Command  string        `json:"command"`
			SlackMsg slack.Message `json:"slack_msg"`
		}
		_ = json.Unmarshal(b, &partial)
		k, _ := ParseKind(partial.Command)
		cmd := New(partial.SlackMsg, Malformed{Attempted: k, Reason: err.Error()})
		return cmd, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return env.ToCommand()
}

// ToCommand converts the envelope into a typed command.
func (e Envelope) ToCommand() (Command, error) {
	cmd := Command{ID: e.ID, Origin: e.SlackMsg, ReceivedAt: time.Now()}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	p, err := e.payload()
	if err != nil {
		k, _ := ParseKind(e.Command)
		cmd.Payload = Malformed{Attempted: k, Reason: err.Error()}
		return cmd, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	cmd.Payload = p
	return cmd, nil
}

func (e Envelope) payload() (Payload, error) {
	k, err := ParseKind(e.Command)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindCreate:
		return e.create()
	case KindWrite:
		thread := e.ThreadID
		if thread == "" {
			thread = e.SlackMsg.ThreadTS
		}
		if thread == "" {
			return nil, fmt.Errorf("write: no thread")
		}
		if e.Input == "" {
			return nil, fmt.Errorf("write: no input")
		}
		return Write{ThreadID: thread, Input: e.Input}, nil
	case KindPS:
		return PS{}, nil
	case KindKill:
		pid, err := parsePID(e.PID)
		if err != nil {
			return nil, err
		}
		return Kill{PID: pid}, nil
	case KindQuit:
		return Quit{}, nil
	}
	return nil, fmt.Errorf("unhandled kind %s", k)
}

func (e Envelope) create() (Payload, error) {
	if len(e.Args) == 0 && strings.TrimSpace(e.Input) == "" {
		return nil, fmt.Errorf("create: no program")
	}
	h := e.Heuristics
	if e.Width != nil {
		if _, set := h.Get("width"); !set {
			h = h.With("width", e.Width)
		}
	}
	if _, err := heuristic.Build(h); err != nil {
		return nil, err
	}
	return Create{
		Args:        e.Args,
		CommandLine: strings.TrimSpace(e.Input),
		Stdin:       e.Stdin,
		ThreadID:    e.ThreadID,
		Env:         e.Env,
		Heuristics:  h,
	}, nil
}

// parsePID accepts a positive integer given as a JSON number or a decimal string.
func parsePID(v any) (int, error) {
	var (
		pid int
		err error
	)
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("kill: no pid")
	case json.Number:
		pid, err = strconv.Atoi(x.String())
	case string:
		pid, err = strconv.Atoi(strings.TrimSpace(x))
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("kill: pid %v is not an integer", x)
		}
		pid = int(x)
	default:
		pid, err = cast.ToIntE(x)
	}
	if err != nil {
		return 0, fmt.Errorf("kill: pid %v is not a number", v)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("kill: pid %d is not positive", pid)
	}
	return pid, nil
}

// Encode renders a command in wire form.
func Encode(c Command) ([]byte, error) {
	e := Envelope{ID: c.ID, Command: c.Kind().String(), SlackMsg: c.Origin}
	switch p := c.Payload.(type) {
	case Create:
		e.Args, e.Input, e.Stdin, e.ThreadID, e.Env, e.Heuristics = p.Args, p.CommandLine, p.Stdin, p.ThreadID, p.Env, p.Heuristics
	case Write:
		e.ThreadID, e.Input = p.ThreadID, p.Input
	case Kill:
		e.PID = p.PID
	case PS, Quit:
	case Malformed:
		return nil, fmt.Errorf("%w: %s", ErrMalformedCommand, p.Reason)
	default:
		return nil, fmt.Errorf("encode: unsupported payload %T", p)
	}
	return json.Marshal(e)
}
