package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default timings used when no option overrides them.
const (
	DefaultCancelGrace = 5 * time.Second
	DefaultDrain       = 2 * time.Second
)

const tracerName = "github.com/deixis/erpkit/internal/relay"

// Manager starts runs and enforces the one-active-run-per-kind policy.
type Manager struct {
	grace  time.Duration
	drain  time.Duration
	hooks  []func(*Handle)
	tracer trace.Tracer

	mu     sync.Mutex
	active map[Kind]*Handle   // running handle per kind; the start gate
	latest map[Kind]*Handle   // most recent unacknowledged handle per kind
	runs   map[string]*Handle // every unacknowledged handle by ID
}

// Option configures a Manager.
type Option func(*Manager)

// WithCancelGrace sets how long Cancel waits after SIGTERM before SIGKILL.
func WithCancelGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithDrain sets how long output is still read after the process exits,
// for descendants that inherited the pipe.
func WithDrain(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drain = d
		}
	}
}

// WithFinishHook registers fn to be called after every run reaches a
// terminal state. Hooks run on the run's goroutine, outside any lock.
func WithFinishHook(fn func(*Handle)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.hooks = append(m.hooks, fn)
		}
	}
}

// WithTracer sets the tracer that records one span per run. The global
// provider's tracer is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grace:  DefaultCancelGrace,
		drain:  DefaultDrain,
		tracer: otel.Tracer(tracerName),
		active: make(map[Kind]*Handle),
		latest: make(map[Kind]*Handle),
		runs:   make(map[string]*Handle),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start spawns req and begins relaying its output. It fails with
// ErrAlreadyRunning if a run of the same kind is active, and never spawns a
// second process in that case.
//
// A command that cannot be spawned is not an error here: the returned handle
// carries a single error event and is already Failed with a *SpawnError.
func (m *Manager) Start(ctx context.Context, req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req = req.clone()

	m.mu.Lock()
	if cur, ok := m.active[req.Kind]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s run %s", ErrAlreadyRunning, req.Kind, cur.id)
	}

	h := newHandle(req, m.grace)
	m.trackLocked(h)

	_, span := m.tracer.Start(context.WithoutCancel(ctx), "relay.run",
		trace.WithAttributes(
			attribute.String("run.id", h.id),
			attribute.String("run.kind", string(req.Kind)),
			attribute.String("run.command", req.String()),
		))

	p, err := spawn(req)
	if err != nil {
		m.mu.Unlock()
		h.emit(Event{Line: "ERROR: " + err.Error(), Severity: Error}, true)
		m.finish(h, Failed, -1, err, span)
		return h, nil
	}
	h.markRunning(p)
	m.active[req.Kind] = h
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("process.pid", p.pid()))
	go m.supervise(h, p, span)
	return h, nil
}

// trackLocked registers h as the latest run of its kind. A previous latest
// handle that already finished is dropped.
func (m *Manager) trackLocked(h *Handle) {
	if prev, ok := m.latest[h.req.Kind]; ok && prev.State().Terminal() {
		delete(m.runs, prev.id)
	}
	m.latest[h.req.Kind] = h
	m.runs[h.id] = h
}

// Get returns the tracked run with the given ID.
func (m *Manager) Get(id string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return h, nil
}

// Latest returns the most recent unacknowledged run of kind.
func (m *Manager) Latest(kind Kind) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.latest[kind]
	return h, ok
}

// Active returns the running handle of kind, if any.
func (m *Manager) Active(kind Kind) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[kind]
	return h, ok
}

// Cancel stops the run with the given ID.
func (m *Manager) Cancel(id string) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}
	return h.Cancel()
}

// Acknowledge discards a finished run. The handle stays usable by anyone
// still holding it, but the manager forgets it.
func (m *Manager) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	if !h.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrNotFinished, id)
	}
	delete(m.runs, id)
	if m.latest[h.req.Kind] == h {
		delete(m.latest, h.req.Kind)
	}
	return nil
}

// Shutdown cancels every active run and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var running []*Handle
	for _, h := range m.active {
		running = append(running, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range running {
		if err := h.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range running {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

// supervise relays output until the process is gone and records the outcome.
// Whatever happens, the run ends terminal and the kind's gate is released.
func (m *Manager) supervise(h *Handle, p *process, span trace.Span) {
	state, code, err := Failed, -1, error(nil)
	defer func() {
		if v := recover(); v != nil {
			_ = p.signal(sigKill)
			err = &IOError{Err: fmt.Errorf("relay panic: %v", v)}
			h.emit(Event{Line: "ERROR: " + err.Error(), Severity: Error}, false)
			state, code = Failed, -1
		}
		m.finish(h, state, code, err, span)
	}()
	state, code, err = m.pump(h, p)
}

func (m *Manager) pump(h *Handle, p *process) (State, int, error) {
	steps := newStepTracker(h.req.Steps)

	readDone := make(chan error, 1)
	go func() { readDone <- readLines(p.out, h, steps) }()
	waitDone := make(chan error, 1)
	go func() { waitDone <- p.cmd.Wait() }()

	var readErr, waitErr error
	select {
	case readErr = <-readDone:
		if readErr != nil {
			// Nobody drains the pipe anymore; stop the writers.
			_ = p.out.Close()
			_ = p.signal(sigTerm)
		}
		waitErr = <-waitDone
	case waitErr = <-waitDone:
		t := time.NewTimer(m.drain)
		select {
		case readErr = <-readDone:
			t.Stop()
		case <-t.C:
			_ = p.out.Close()
			readErr = <-readDone
			if errors.Is(readErr, os.ErrClosed) {
				readErr = nil
			}
		}
	}
	_ = p.out.Close()

	code := p.exitCode(waitErr)
	switch {
	case h.cancelRequested():
		return Cancelled, code, ErrCancelled
	case readErr != nil:
		ioErr := &IOError{Err: readErr}
		h.emit(Event{Line: "ERROR: " + ioErr.Error(), Severity: Error}, false)
		return Failed, code, ioErr
	case code != 0:
		return Failed, code, &ProcessError{ExitCode: code}
	case waitErr != nil:
		ioErr := &IOError{Err: waitErr}
		h.emit(Event{Line: "ERROR: " + ioErr.Error(), Severity: Error}, false)
		return Failed, code, ioErr
	}
	return Succeeded, code, nil
}

// readLines forwards every line of r to h as soon as it is read.
func readLines(r io.Reader, h *Handle, steps *stepTracker) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic while reading output: %v", v)
		}
	}()
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		line, rerr := br.ReadString('\n')
		if line != "" {
			h.relayLine(line, steps)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// finish moves h to its terminal state and releases the kind's start gate in
// the same critical section, so a consumer that observes the end can start a
// new run straight away.
func (m *Manager) finish(h *Handle, state State, code int, err error, span trace.Span) {
	m.mu.Lock()
	if m.active[h.req.Kind] == h {
		delete(m.active, h.req.Kind)
	}
	changed := h.finish(state, code, err)
	m.mu.Unlock()

	if span != nil {
		span.SetAttributes(
			attribute.String("run.state", string(state)),
			attribute.Int("process.exit_code", code),
			attribute.Int("run.events", len(h.Events())),
		)
		if err != nil && state != Cancelled {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if !changed {
		return
	}
	for _, fn := range m.hooks {
		fn(h)
	}
}
