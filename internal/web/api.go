package web

import (
	"bytes"
	_ "embed"
	"errors"
	"html/template"
	"log"
	"net/http"

	"github.com/deixis/erpkit"
	"github.com/deixis/erpkit/internal/logs"
	"github.com/deixis/erpkit/internal/workflow"
)

//go:embed static/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

type indexData struct {
	Version  string
	ServerIP string
	Steps    []string
	Versions []string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := indexTemplate.Execute(&buf, indexData{
		Version:  erpkit.Version,
		ServerIP: s.serverIP,
		Steps:    workflow.InstallSteps,
		Versions: workflow.Versions,
	})
	if err != nil {
		log.Printf("web: rendering index: %v", err)
		http.Error(w, "rendering page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleSysinfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SystemInfo(r.Context()))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logs.Entry{})
		return
	}
	entries, err := s.logs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []logs.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type logContent struct {
	logs.Entry
	Content string `json:"content"`
}

func (s *Server) handleLatestLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, logs.ErrNoLogs.Error())
		return
	}
	entry, err := s.logs.Latest(r.Context())
	if err != nil {
		writeLogError(w, err)
		return
	}
	data, err := s.logs.Read(r.Context(), entry.Name)
	if err != nil {
		writeLogError(w, err)
		return
	}
	if notModified(w, r, data) {
		return
	}
	writeJSON(w, http.StatusOK, logContent{Entry: entry, Content: string(data)})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, logs.ErrNotFound.Error())
		return
	}
	data, err := s.logs.Read(r.Context(), r.PathValue("name"))
	if err != nil {
		writeLogError(w, err)
		return
	}
	if notModified(w, r, data) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// notModified sets the ETag of a log body and answers 304 when the client
// already has it.
func notModified(w http.ResponseWriter, r *http.Request, data []byte) bool {
	etag := `"` + logs.Digest(data) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func writeLogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logs.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, logs.ErrNoLogs), errors.Is(err, logs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
