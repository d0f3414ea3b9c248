package client

import "time"

// Process is one live persistent process as reported by GET /processes.
type Process struct {
	PID         int        `json:"pid"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Channel     string     `json:"channel"`
	Creator     string     `json:"creator"`
	CommandLine string     `json:"command_line"`
	CreatedAt   time.Time  `json:"created_at"`
	LastActive  time.Time  `json:"last_active"`
	Heuristics  []string   `json:"heuristics,omitempty"`
	Resources   *Resources `json:"resources,omitempty"`
}

// Resources is the latest CPU and memory sample of a process.
type Resources struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Origin identifies the chat message a command came from.
type Origin struct {
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	User     string `json:"user"`
	Text     string `json:"text,omitempty"`
}

// CommandRequest is the wire envelope accepted by POST /commands and the broker.
type CommandRequest struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	SlackMsg   Origin         `json:"slack_msg"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Input      string         `json:"input,omitempty"`
	Args       []string       `json:"args,omitempty"`
	Stdin      string         `json:"stdin,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Heuristics map[string]any `json:"heuristics,omitempty"`
	Env        []string       `json:"env,omitempty"`
}

// Accepted acknowledges a queued command.
type Accepted struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// HistoryEvent is one lifecycle event, newest first from GET /history.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		PID         int       `json:"pid"`
		ThreadID    string    `json:"thread_id"`
		Channel     string    `json:"channel"`
		Creator     string    `json:"creator"`
		CommandLine string    `json:"command_line"`
		CreatedAt   time.Time `json:"created_at"`
		ExitErr     string    `json:"exit_err,omitempty"`
	} `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
