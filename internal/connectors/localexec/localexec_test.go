package localexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/rover/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	exec := New("", Allowlist{
		"python3": {"detect.py"},
		"echo":    nil,
	})

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"python3", []string{"detect.py", "img.jpg"}, true},
		{"python3", []string{"-c", "import os"}, false},
		{"python3", []string{}, false},
		{"echo", []string{"anything"}, true},
		{"echo", nil, true},
		{"rm", []string{"-rf", "/"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			assert.Equal(t, tt.allowed, exec.IsAllowed(tt.cmd, tt.args))
		})
	}
}

func TestRun(t *testing.T) {
	exec := New(t.TempDir(), Allowlist{"echo": nil})

	res, err := exec.Run(context.Background(), connectors.Invocation{Command: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.False(t, res.Truncated)
}

func TestRunNonZeroExit(t *testing.T) {
	exec := New("", Allowlist{"false": nil})

	res, err := exec.Run(context.Background(), connectors.Invocation{Command: "false"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestRunNotAllowed(t *testing.T) {
	exec := New("", Allowlist{})

	_, err := exec.Run(context.Background(), connectors.Invocation{Command: "rm", Args: []string{"-rf", "/"}})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestRunTimeout(t *testing.T) {
	exec := New("", Allowlist{"sleep": nil})

	_, err := exec.Run(context.Background(), connectors.Invocation{
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunCapsOutput(t *testing.T) {
	exec := New("", Allowlist{"echo": nil})

	res, err := exec.Run(context.Background(), connectors.Invocation{
		Command:   "echo",
		Args:      []string{"0123456789"},
		MaxOutput: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "0123", res.Stdout)
	assert.True(t, res.Truncated)
}
