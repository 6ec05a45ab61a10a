// Package connectors defines how rover runs local helper programs such as
// the person detector.
package connectors

import (
	"context"
	"time"
)

// Invocation describes one run of a helper program.
type Invocation struct {
	Command string
	Args    []string
	// Timeout bounds the run. Zero means only ctx bounds it.
	Timeout time.Duration
	// MaxOutput caps the captured bytes of each stream. Zero means no cap.
	MaxOutput int
}

// Result is what a finished helper produced. A non-zero exit is a result,
// not an error.
type Result struct {
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Elapsed   time.Duration `json:"elapsed"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Runner executes helper programs.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}
