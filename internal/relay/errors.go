package relay

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyRunning is returned by Start when a run of the same kind is active.
	ErrAlreadyRunning = errors.New("run already in progress")
	// ErrCancelled is the terminal error of a run stopped by Cancel.
	ErrCancelled = errors.New("run cancelled")
	// ErrUnknownRun is returned when a run ID is not tracked by the manager.
	ErrUnknownRun = errors.New("unknown run")
	// ErrNotFinished is returned by Acknowledge for a run that is still active.
	ErrNotFinished = errors.New("run has not finished")
)

// SpawnError reports that the command could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	switch {
	case errors.Is(e.Err, os.ErrNotExist), errors.Is(e.Err, exec.ErrNotFound):
		return fmt.Sprintf("%s not found", e.Command)
	case e.Permission():
		return fmt.Sprintf("%s: permission denied", e.Command)
	}
	return fmt.Sprintf("starting %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Permission reports whether the spawn failed on an access check.
func (e *SpawnError) Permission() bool {
	return errors.Is(e.Err, os.ErrPermission) || errors.Is(e.Err, unix.EACCES) || errors.Is(e.Err, unix.EPERM)
}

// ProcessError reports a process that ran and exited with a non-zero status.
type ProcessError struct {
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode < 0 {
		return "process terminated by signal"
	}
	return fmt.Sprintf("exit status %d", e.ExitCode)
}

// IOError reports that reading the output stream broke before EOF.
type IOError struct {
	Err error
}

func (e *IOError) Error() string { return "reading output: " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }
