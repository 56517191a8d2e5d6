package runner

import (
	"strings"
	"time"
)

// Result holds the output of a one-shot command.
type Result struct {
	RunID     string        // unique identifier for this run
	Command   string        // shell-quoted command line, for logs
	ExitCode  int           // process exit code; -1 when killed
	Stdout    []byte        // captured stdout (may be truncated)
	Stderr    []byte        // captured stderr (may be truncated)
	Truncated bool          // true if output exceeded the size cap
	Duration  time.Duration // wall time
}

// OK reports whether the command exited with status 0.
func (r *Result) OK() bool { return r.ExitCode == 0 }

// Text returns stdout with surrounding whitespace removed.
func (r *Result) Text() string { return strings.TrimSpace(string(r.Stdout)) }
