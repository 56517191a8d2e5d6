package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/workflow"
)

type logPayload struct {
	Seq      uint64         `json:"seq,omitempty"`
	Severity relay.Severity `json:"severity"`
	Line     string         `json:"line"`
}

type packagePayload struct {
	Step   int    `json:"step"` // 0-based index into the step list
	Name   string `json:"name"`
	Status string `json:"status"` // running or success
}

type completePayload struct {
	RunID    string      `json:"run_id"`
	State    relay.State `json:"state"`
	ExitCode int         `json:"exit_code"`
	Message  string      `json:"message"`
	URL      string      `json:"url,omitempty"`
}

// sseWriter frames Server-Sent Events and flushes each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseWriter) send(event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var b bytes.Buffer
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	return s.write(b.Bytes())
}

func (s *sseWriter) heartbeat() error {
	return s.write([]byte("data: heartbeat\n\n"))
}

func (s *sseWriter) write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.rc.Flush()
}

// event writes ev and the progress frames derived from it. The id goes on
// the last frame so a resumed stream never repeats part of a group.
func (s *sseWriter) event(ev relay.Event) error {
	id := strconv.FormatUint(ev.Seq, 10)
	logID := id
	if ev.Progress != nil {
		logID = ""
	}
	if err := s.send("log", logID, logPayload{Seq: ev.Seq, Severity: ev.Severity, Line: ev.Line}); err != nil {
		return err
	}
	p := ev.Progress
	if p == nil {
		return nil
	}
	if p.Completed > 0 {
		if err := s.send("package", "", packagePayload{Step: p.Completed - 1, Name: workflow.StepName(p.Completed), Status: "success"}); err != nil {
			return err
		}
	}
	if err := s.send("package", "", packagePayload{Step: p.Step - 1, Name: workflow.StepName(p.Step), Status: "running"}); err != nil {
		return err
	}
	return s.send("progress", id, p)
}

// handleStream relays a run as Server-Sent Events. It follows the run given
// by ?run=, or else the latest run of the kind, and resumes after the
// Last-Event-ID header or ?after= when present.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, kind relay.Kind) {
	h, ok := s.streamTarget(w, r, kind)
	if !ok {
		return
	}
	after, err := resumePoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, rc: rc}
	ctx := r.Context()

	if after == 0 {
		if err := sw.send("log", "", logPayload{Severity: relay.Info, Line: workflow.Banner(kind)}); err != nil {
			return
		}
	}

	events := h.Subscribe(ctx, after)
	idle := time.NewTimer(s.heartbeat)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					_ = s.complete(sw, h)
				}
				return
			}
			if err := sw.event(ev); err != nil {
				return
			}
			idle.Reset(s.heartbeat)
		case <-idle.C:
			if err := sw.heartbeat(); err != nil {
				return
			}
			idle.Reset(s.heartbeat)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) streamTarget(w http.ResponseWriter, r *http.Request, kind relay.Kind) (*relay.Handle, bool) {
	if id := r.URL.Query().Get("run"); id != "" {
		h, err := s.relay.Get(id)
		if err != nil || h.Kind() != kind {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no %s run %s", kind, id))
			return nil, false
		}
		return h, true
	}
	h, ok := s.relay.Latest(kind)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return nil, false
	}
	return h, true
}

func resumePoint(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return n, nil
}

// complete sends the closing frames of a terminal run.
func (s *Server) complete(sw *sseWriter, h *relay.Handle) error {
	// The subscription only closes early on cancel, which the caller rules out.
	res, err := h.Result(context.Background())
	if err != nil {
		return err
	}
	req := h.Request()
	out := workflow.Summarize(req, res)

	if res.State == relay.Succeeded {
		for i := 0; i < req.Steps; i++ {
			if err := sw.send("package", "", packagePayload{Step: i, Name: workflow.StepName(i + 1), Status: "success"}); err != nil {
				return err
			}
		}
	}
	if err := sw.send("log", "", logPayload{Severity: out.Severity, Line: out.Message}); err != nil {
		return err
	}
	if out.URL != "" {
		if err := sw.send("log", "", logPayload{Severity: relay.Info, Line: "URL: " + out.URL}); err != nil {
			return err
		}
	}
	return sw.send("complete", "", completePayload{
		RunID:    res.RunID,
		State:    res.State,
		ExitCode: res.ExitCode,
		Message:  out.Message,
		URL:      out.URL,
	})
}
