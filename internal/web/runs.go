package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/workflow"
)

const maxBody = 64 << 10

type kindHandler func(w http.ResponseWriter, r *http.Request, kind relay.Kind)

func (s *Server) withKind(next kindHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := relay.ParseKind(r.PathValue("kind"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		next(w, r, kind)
	}
}

func (s *Server) fixedKind(kind relay.Kind, next kindHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { next(w, r, kind) }
}

var busyMessages = map[relay.Kind]string{
	relay.Install:   "Installation already running",
	relay.Doctor:    "Doctor already running",
	relay.Uninstall: "Uninstall already running",
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, kind relay.Kind) {
	var decode func(any) error
	if r.ContentLength != 0 {
		decode = json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode
	}

	h, err := s.engine.Start(r.Context(), kind, decode)
	switch {
	case errors.Is(err, relay.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, busyMessages[kind])
		return
	case errors.Is(err, workflow.ErrInvalidOptions), errors.Is(err, workflow.ErrNotConfirmed):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Printf("web: starting %s: %v", kind, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("web: %s run %s started: %s", kind, h.ID(), h.Request())
	writeJSON(w, http.StatusOK, response{Success: true, RunID: h.ID()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, kind relay.Kind) {
	h, ok := s.relay.Active(kind)
	if !ok {
		writeJSON(w, http.StatusOK, response{Success: true, Message: "no run in progress"})
		return
	}
	if err := h.Cancel(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("web: %s run %s cancelled", kind, h.ID())
	writeJSON(w, http.StatusOK, response{Success: true, RunID: h.ID()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[relay.Kind]*relay.Status, len(relay.Kinds))
	for _, k := range relay.Kinds {
		out[k] = nil
		if h, ok := s.relay.Latest(k); ok {
			st := h.Status()
			out[k] = &st
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type runSummary struct {
	ID      string      `json:"id"`
	Kind    relay.Kind  `json:"kind"`
	State   relay.State `json:"state"`
	Message string      `json:"message"`
	EndedAt time.Time   `json:"ended_at"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.reports.(report.Lister)
	if !ok {
		writeJSON(w, http.StatusOK, []runSummary{})
		return
	}
	ts, err := lister.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runSummary, 0, len(ts))
	for _, t := range ts {
		out = append(out, runSummary{ID: t.ID, Kind: t.Kind, State: t.State, Message: t.Message, EndedAt: t.EndedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type liveRun struct {
	Status relay.Status  `json:"status"`
	Events []relay.Event `json:"events"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h, err := s.relay.Get(id); err == nil {
		writeJSON(w, http.StatusOK, liveRun{Status: h.Status(), Events: h.Events()})
		return
	}
	t, err := s.transcript(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRunReport downloads a finished run's output as a text file.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.transcript(r.Context(), id)
	switch {
	case errors.Is(err, relay.ErrNotFinished):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName(t, time.Now())))
	_, _ = io.WriteString(w, t.Text())
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.relay.Acknowledge(id)
	switch {
	case errors.Is(err, relay.ErrUnknownRun):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrNotFinished):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, response{Success: true, RunID: id})
	}
}

// transcript finds a finished run, live in the relay first, then in the
// report store.
func (s *Server) transcript(ctx context.Context, id string) (*report.Transcript, error) {
	if h, err := s.relay.Get(id); err == nil {
		if !h.State().Terminal() {
			return nil, fmt.Errorf("%w: %s", relay.ErrNotFinished, id)
		}
		res, err := h.Result(ctx)
		if err != nil {
			return nil, err
		}
		return report.FromHandle(ctx, h, workflow.Summarize(h.Request(), res).Message)
	}
	if s.reports == nil {
		return nil, fmt.Errorf("%w: %s", relay.ErrUnknownRun, id)
	}
	return s.reports.Load(ctx, id)
}
