// Package report keeps transcripts of finished runs so they can be read
// back, exported and compared after the live stream is gone.
package report

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/deixis/erpkit/internal/relay"
)

// ErrNotFound is returned when no transcript exists for a run ID.
var ErrNotFound = errors.New("transcript not found")

// Store persists and retrieves transcripts.
type Store interface {
	Save(ctx context.Context, t *Transcript) error
	Load(ctx context.Context, runID string) (*Transcript, error)
}

// Lister is implemented by stores that can enumerate what they hold.
type Lister interface {
	List(ctx context.Context) ([]*Transcript, error)
}

// Transcript is the full record of one run.
type Transcript struct {
	ID        string      `json:"id"`
	Kind      relay.Kind  `json:"kind"`
	State     relay.State `json:"state"`
	Command   string      `json:"command"`
	ExitCode  int         `json:"exit_code"`
	Message   string      `json:"message"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Lines     []Line      `json:"lines"`
}

// Line is one relayed output line.
type Line struct {
	Seq      uint64         `json:"seq"`
	Severity relay.Severity `json:"severity"`
	Text     string         `json:"text"`
}

// FromHandle captures a finished run. message is the operator-facing
// summary; an empty one falls back to the relay's final message.
func FromHandle(ctx context.Context, h *relay.Handle, message string) (*Transcript, error) {
	res, err := h.Result(ctx)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = res.Message
	}
	events := h.Events()
	t := &Transcript{
		ID:        res.RunID,
		Kind:      res.Kind,
		State:     res.State,
		Command:   h.Request().String(),
		ExitCode:  res.ExitCode,
		Message:   message,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
		Lines:     make([]Line, 0, len(events)),
	}
	for _, ev := range events {
		t.Lines = append(t.Lines, Line{Seq: ev.Seq, Severity: ev.Severity, Text: ev.Line})
	}
	return t, nil
}

// Text returns the output lines joined as the script printed them.
func (t *Transcript) Text() string {
	var b strings.Builder
	for _, l := range t.Lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Counts tallies lines by severity.
func (t *Transcript) Counts() map[relay.Severity]int {
	out := make(map[relay.Severity]int)
	for _, l := range t.Lines {
		out[l.Severity]++
	}
	return out
}
