package process

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hackmanhattan/hmbot/internal/heuristic"
)

// Spec describes a child program to run and who it belongs to.
type Spec struct {
	Args        []string           `json:"args,omitempty"`         // argument vector; takes precedence over CommandLine
	CommandLine string             `json:"command_line,omitempty"` // raw command line as typed in chat
	Env         []string           `json:"env,omitempty"`          // per-command K=V overrides
	WorkDir     string             `json:"work_dir,omitempty"`
	Stdin       string             `json:"stdin,omitempty"`     // ephemeral only: bytes fed to stdin
	ThreadID    string             `json:"thread_id,omitempty"` // empty means ephemeral
	Channel     string             `json:"channel"`
	Creator     string             `json:"creator"`
	Heuristics  heuristic.Pipeline `json:"-"`
}

// Persistent reports whether the spec binds a conversation thread.
func (s *Spec) Persistent() bool { return s.ThreadID != "" }

// Display returns the command line shown in listings.
func (s *Spec) Display() string {
	if s.CommandLine != "" {
		return s.CommandLine
	}
	return strings.Join(s.Args, " ")
}

// Program is a short name for the program, used for log file names.
func (s *Spec) Program() string {
	argv := s.argv()
	if len(argv) == 0 {
		return "process"
	}
	if argv[0] == "/bin/sh" && len(argv) == 3 {
		f := strings.Fields(argv[2])
		if len(f) > 0 {
			return filepath.Base(f[0])
		}
	}
	return filepath.Base(argv[0])
}

// BuildCommand constructs the *exec.Cmd for the spec.
// An explicit Args vector is used verbatim. Otherwise CommandLine is parsed:
// an explicit "sh -c" prefix is honoured, shell metacharacters route through
// /bin/sh -c, and anything else is split on whitespace.
func (s *Spec) BuildCommand(ctx context.Context) *exec.Cmd {
	argv := s.argv()
	if len(argv) == 0 {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	return cmd
}

func (s *Spec) argv() []string {
	if len(s.Args) > 0 {
		return s.Args
	}
	cmdStr := strings.TrimSpace(s.CommandLine)
	if cmdStr == "" {
		return nil
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return []string{"/bin/sh", "-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return []string{"/bin/sh", "-c", cmdStr}
	}
	return strings.Fields(cmdStr)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
