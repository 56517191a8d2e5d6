// Package web serves the browser front end: JSON endpoints to start and
// stop runs, and a Server-Sent Events stream per run kind.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/deixis/erpkit/internal/logs"
	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/workflow"
)

// DefaultHeartbeat is the idle interval after which a stream sends a heartbeat.
const DefaultHeartbeat = time.Second

const shutdownTimeout = 5 * time.Second

// Server holds shared dependencies for all HTTP handlers.
type Server struct {
	engine    *workflow.Engine
	relay     *relay.Manager
	logs      *logs.Viewer
	reports   report.Store
	heartbeat time.Duration
	tracer    trace.Tracer
	serverIP  string

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogs enables the log viewer endpoints.
func WithLogs(v *logs.Viewer) Option {
	return func(s *Server) { s.logs = v }
}

// WithReports enables lookups of finished runs the relay no longer tracks.
func WithReports(st report.Store) Option {
	return func(s *Server) { s.reports = st }
}

// WithHeartbeat sets the stream heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithTracer sets the tracer for per-request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithServerIP sets the address shown on the index page.
func WithServerIP(ip string) Option {
	return func(s *Server) { s.serverIP = ip }
}

// New creates a Server with all routes registered.
func New(engine *workflow.Engine, mgr *relay.Manager, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		relay:     mgr,
		heartbeat: DefaultHeartbeat,
		tracer:    otel.Tracer("github.com/deixis/erpkit/internal/web"),
		serverIP:  "localhost",
		mux:       http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("POST /{kind}/start", s.withKind(s.handleStart))
	s.mux.HandleFunc("POST /{kind}/stop", s.withKind(s.handleStop))
	s.mux.HandleFunc("GET /{kind}/stream", s.withKind(s.handleStream))

	// The installer predates the per-kind routes.
	s.mux.HandleFunc("POST /start", s.fixedKind(relay.Install, s.handleStart))
	s.mux.HandleFunc("POST /stop", s.fixedKind(relay.Install, s.handleStop))
	s.mux.HandleFunc("GET /stream", s.fixedKind(relay.Install, s.handleStream))

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/sysinfo", s.handleSysinfo)
	s.mux.HandleFunc("GET /api/logs", s.handleLogs)
	s.mux.HandleFunc("GET /api/logs/latest", s.handleLatestLog)
	s.mux.HandleFunc("GET /api/logs/{name}", s.handleLog)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	s.mux.HandleFunc("GET /api/runs/{id}/report", s.handleRunReport)
	s.mux.HandleFunc("DELETE /api/runs/{id}", s.handleAcknowledge)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.instrument(s.mux)
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
// Open streams end with ctx because every request context derives from it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("web: shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServerIP returns the address other hosts most likely reach this one on,
// or "localhost" when it cannot be determined. No packet is sent.
func ServerIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "localhost"
	}
	return addr.IP.String()
}
