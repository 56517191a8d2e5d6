package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle tracks one run from spawn to its terminal state.
type Handle struct {
	id      string
	req     Request
	grace   time.Duration
	created time.Time

	mu        sync.Mutex
	state     State
	proc      *process
	pid       int
	exitCode  int
	err       error
	message   string
	events    []Event
	progress  *Progress
	notify    chan struct{} // closed and replaced whenever events or state change
	cancelled bool          // SIGTERM delivered; later output is dropped
	spawned   time.Time
	ended     time.Time

	// cancelMu is held for a whole Cancel call, so the final state is only
	// decided once any in-flight SIGTERM has succeeded or failed.
	cancelMu sync.Mutex

	done chan struct{}
}

func newHandle(req Request, grace time.Duration) *Handle {
	return &Handle{
		id:       uuid.New().String(),
		req:      req,
		grace:    grace,
		created:  time.Now(),
		state:    Pending,
		exitCode: -1,
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the unique run identifier.
func (h *Handle) ID() string { return h.id }

// Kind returns the run kind.
func (h *Handle) Kind() Kind { return h.req.Kind }

// Request returns a copy of the request the run was started with.
func (h *Handle) Request() Request { return h.req.clone() }

// Done is closed once the run reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Events returns a copy of every event emitted so far.
func (h *Handle) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID     string     `json:"run_id"`
	Kind      Kind       `json:"kind"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Events    int        `json:"events"`
	Progress  *Progress  `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	SpawnedAt *time.Time `json:"spawned_at,omitempty"` // nil until the process is running
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Status returns a snapshot of the run.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{
		RunID:     h.id,
		Kind:      h.req.Kind,
		State:     h.state,
		PID:       h.pid,
		Events:    len(h.events),
		Message:   h.message,
		StartedAt: h.created,
	}
	if !h.spawned.IsZero() {
		spawned := h.spawned
		s.SpawnedAt = &spawned
	}
	if h.progress != nil {
		p := *h.progress
		s.Progress = &p
	}
	if h.state.Terminal() {
		code, ended := h.exitCode, h.ended
		s.ExitCode = &code
		s.EndedAt = &ended
	}
	return s
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID     string
	Kind      Kind
	State     State
	ExitCode  int
	Events    int
	Message   string
	Err       error // nil on success; SpawnError, ProcessError, IOError or ErrCancelled otherwise
	StartedAt time.Time
	EndedAt   time.Time
}

// Succeeded reports whether the run exited cleanly.
func (r Result) Succeeded() bool { return r.State == Succeeded }

// Duration returns the wall time of the run.
func (r Result) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Result blocks until the run is terminal or ctx is done.
func (h *Handle) Result(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return Result{
		RunID:     h.id,
		Kind:      h.req.Kind,
		State:     h.state,
		ExitCode:  h.exitCode,
		Events:    len(h.events),
		Message:   h.message,
		Err:       h.err,
		StartedAt: h.created,
		EndedAt:   h.ended,
	}, nil
}

// Subscribe streams events with a sequence number above after, in order.
// The channel is closed once the run is terminal and fully delivered, or
// when ctx is done.
func (h *Handle) Subscribe(ctx context.Context, after uint64) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		next := after
		for {
			h.mu.Lock()
			var pending []Event
			if next < uint64(len(h.events)) {
				pending = append(pending, h.events[next:]...)
			}
			notify := h.notify
			terminal := h.state.Terminal()
			h.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
					next = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if terminal {
				return
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Cancel asks the process group to terminate: SIGTERM first, then SIGKILL
// once the grace period passes. Cancelling a finished run is a no-op. The
// run only counts as cancelled once SIGTERM was delivered; a failed attempt
// leaves it running and may be retried.
func (h *Handle) Cancel() error {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()

	h.mu.Lock()
	if h.state.Terminal() || h.cancelled {
		h.mu.Unlock()
		return nil
	}
	p, grace := h.proc, h.grace
	if p == nil {
		h.cancelled = true
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := p.signal(sigTerm); err != nil {
		return fmt.Errorf("terminating run %s (pid %d): %w", h.id, p.pid(), err)
	}
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.done:
		case <-t.C:
			_ = p.signal(sigKill)
		}
	}()
	return nil
}

// cancelRequested reports whether a SIGTERM was delivered. It waits for a
// Cancel in progress.
func (h *Handle) cancelRequested() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) markRunning(p *process) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = p
	h.pid = p.pid()
	h.state = Running
	h.spawned = time.Now()
}

// relayLine turns one raw output line into an event.
func (h *Handle) relayLine(raw string, steps *stepTracker) {
	line := strings.ToValidUTF8(strings.TrimRight(raw, "\r\n"), "�")
	ev := Event{Line: line, Severity: Classify(line)}
	if p, ok := steps.observe(line); ok {
		ev.Progress = &p
	}
	h.emit(ev, false)
}

// emit appends ev to the transcript. After a cancel request, events are
// dropped unless force is set.
func (h *Handle) emit(ev Event, force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() || (h.cancelled && !force) {
		return
	}
	ev.Seq = uint64(len(h.events)) + 1
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Progress != nil {
		p := *ev.Progress
		h.progress = &p
	}
	h.events = append(h.events, ev)
	h.wakeLocked()
}

// finish records the terminal state. Only the first call has any effect.
func (h *Handle) finish(state State, exitCode int, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.state = state
	h.exitCode = exitCode
	h.err = err
	h.ended = time.Now()
	h.message = finalMessage(state, err)
	h.proc = nil
	h.wakeLocked()
	close(h.done)
	return true
}

func (h *Handle) wakeLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

func finalMessage(state State, err error) string {
	switch state {
	case Succeeded:
		return "completed successfully"
	case Cancelled:
		return "cancelled by user"
	}
	if err != nil {
		return err.Error()
	}
	return string(state)
}
