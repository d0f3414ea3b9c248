package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Result is the captured outcome of an ephemeral run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitErr  error
	TimedOut bool
	Duration time.Duration
}

// Run executes spec to completion with plain pipes (no PTY) and captures both
// streams. Cancelling ctx kills the whole process group. Only a failure to
// start is returned as an error; a non-zero exit is reported in Result.
func Run(ctx context.Context, spec Spec, env []string) (Result, error) {
	cmd := spec.BuildCommand(ctx)
	if len(env) > 0 {
		cmd.Env = env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return unix.Kill(-cmd.Process.Pid, unix.SIGKILL) }
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	err := cmd.Wait()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitErr:  err,
		Duration: time.Since(start),
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		res.TimedOut = true
	}
	return res, nil
}
