// Package runner executes short one-shot commands with a timeout and an
// output size limit. Long-running scripts go through the relay instead.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
)

// ErrTimeout is returned when a command outlives the runner's timeout.
var ErrTimeout = errors.New("command timed out")

// Runner executes commands with bounded time and output.
type Runner struct {
	Dir       string // working directory; empty means the current one
	Timeout   time.Duration
	MaxOutput int // bytes per stream
}

// New returns a Runner with the given limits.
func New(timeout time.Duration, maxOutput int) *Runner {
	return &Runner{Timeout: timeout, MaxOutput: maxOutput}
}

// Run executes argv. The first element is the binary name (resolved via
// PATH), and the rest are arguments. A non-zero exit is reported in the
// Result, not as an error.
func (r *Runner) Run(ctx context.Context, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	command := shellescape.QuoteCommand(argv)

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	// Do not wait forever on descendants that keep the output pipes open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: r.MaxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: r.MaxOutput}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%s: %w after %s", command, ErrTimeout, r.Timeout)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		RunID:     uuid.New().String(),
		Command:   command,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: r.MaxOutput > 0 && (stdout.Len() >= r.MaxOutput || stderr.Len() >= r.MaxOutput),
		Duration:  elapsed,
	}, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the
// rest. A limit of zero means no cap.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Report everything as consumed so io.Copy does not fail on a short write.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
