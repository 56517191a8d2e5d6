// Package relay runs the installer scripts and relays their combined output,
// line by line, to any number of subscribers.
//
// A Manager allows at most one active run per Kind. Every run is tracked by a
// Handle that buffers its events, so consumers can attach late and still see
// the whole transcript.
package relay

import "fmt"

// Kind identifies one of the independent operations the relay can execute.
type Kind string

const (
	// Install runs the stack installer.
	Install Kind = "install"
	// Doctor runs the diagnostics script.
	Doctor Kind = "doctor"
	// Uninstall runs the removal script.
	Uninstall Kind = "uninstall"
)

// Kinds lists every run kind in display order.
var Kinds = []Kind{Install, Doctor, Uninstall}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Install, Doctor, Uninstall:
		return true
	}
	return false
}

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown run kind %q", s)
	}
	return k, nil
}

// State is the lifecycle state of a run.
type State string

const (
	// Pending is a run whose process has not been spawned yet.
	Pending State = "pending"
	// Running is a run whose process is alive.
	Running State = "running"
	// Succeeded is a run that exited 0.
	Succeeded State = "succeeded"
	// Failed is a run that could not spawn, exited non-zero or lost its output.
	Failed State = "failed"
	// Cancelled is a run stopped by Cancel.
	Cancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}
