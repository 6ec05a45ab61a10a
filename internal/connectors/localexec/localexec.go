// Package localexec runs allowlisted helper programs on the local machine.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/rover/internal/connectors"
)

var (
	// ErrNotAllowed is returned when a command is outside the allowlist.
	ErrNotAllowed = errors.New("command not allowed")
	// ErrTimeout is returned when a run exceeds its invocation timeout.
	ErrTimeout = errors.New("command timed out")
)

// Allowlist maps an executable to the first arguments it may be invoked
// with. An empty list allows the executable with any arguments.
type Allowlist map[string][]string

// LocalExec runs commands from an allowlist inside a working directory.
type LocalExec struct {
	workDir string
	allowed Allowlist
}

var _ connectors.Runner = (*LocalExec)(nil)

// New creates a runner rooted at workDir.
func New(workDir string, allowed Allowlist) *LocalExec {
	return &LocalExec{workDir: workDir, allowed: allowed}
}

// IsAllowed checks cmd and its first argument against the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	firsts, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if len(firsts) == 0 {
		return true
	}
	if len(args) == 0 {
		return false
	}
	for _, f := range firsts {
		if args[0] == f {
			return true
		}
	}
	return false
}

// Run executes inv if it is allowlisted.
func (l *LocalExec) Run(ctx context.Context, inv connectors.Invocation) (*connectors.Result, error) {
	if !l.IsAllowed(inv.Command, inv.Args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, inv.Command, strings.Join(inv.Args, " "))
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	if l.workDir != "" {
		cmd.Dir = l.workDir
	}
	stdout := &cappedBuffer{max: inv.MaxOutput}
	stderr := &cappedBuffer{max: inv.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &connectors.Result{
		Command:   inv.Command,
		Args:      inv.Args,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Elapsed:   time.Since(start),
		Truncated: stdout.dropped || stderr.dropped,
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, res.Elapsed.Round(time.Millisecond), inv.Command)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec %s: %w", inv.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// cappedBuffer keeps at most max bytes and discards the rest.
type cappedBuffer struct {
	b       strings.Builder
	max     int
	dropped bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.max > 0 {
		room := c.max - c.b.Len()
		if room <= 0 {
			c.dropped = c.dropped || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			c.dropped = true
		}
	}
	c.b.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string { return c.b.String() }
