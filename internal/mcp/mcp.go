// Package mcp provides the erpkit MCP server, registering all tools
// and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/erpkit"
	"github.com/deixis/erpkit/internal/config"
	"github.com/deixis/erpkit/internal/logs"
	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/runner"
	"github.com/deixis/erpkit/internal/workflow"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine  *workflow.Engine
	relay   *relay.Manager
	reports report.Store // nil if runs are not recorded
	logs    *logs.Viewer
}

// NewServer creates an MCP server with all erpkit tools registered.
// The engine must start its runs on mgr.
func NewServer(engine *workflow.Engine, mgr *relay.Manager, opts ...ServerOption) *mcp.Server {
	h := &handler{
		engine: engine,
		relay:  mgr,
	}

	var so serverOptions
	for _, o := range opts {
		o(&so)
	}
	h.reports = so.reports
	h.logs = so.logs
	if h.logs == nil {
		h.logs = logs.New(engine.Config.LogsDir(), engine.Config.LogsPattern())
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateConfigFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "erpkit", Version: erpkit.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "erp_start",
		Description: `Start an install, doctor or uninstall run and return its run ID.

Only one run of each kind can be active. Install needs the install options; uninstall
needs confirm="YES". Set wait_seconds to block until the run finishes (or the wait
expires) and get its outcome in the same call.`,
	}, h.startHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "erp_status",
		Description: "Show the state, progress and exit code of a run, or of the latest run of every kind when run_id is omitted.",
	}, h.statusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "erp_cancel",
		Description: "Cancel a run. The script's process group gets SIGTERM, then SIGKILL if it does not exit in time.",
	}, h.cancelHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "erp_output",
		Description: `Read the output lines of a run, live or recorded.

Use after to page through output (only lines with a higher sequence number are
returned) and severity to keep only error, warning, success or info lines.`,
	}, h.outputHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "erp_logs",
		Description: "List installer log files, or show one. name=\"latest\" shows the newest log; tail limits the output to the last N lines.",
	}, h.logsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "erp_sysinfo",
		Description: "Summarise the host: OS, kernel, Python, disk, memory, and whether a Frappe bench is installed.",
	}, h.sysinfoHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "erp_report_diff",
		Description: `Compare the output of two recorded runs as a unified diff.

Typical use: diff the doctor run before and after a fix to see which checks changed.`,
	}, h.reportDiffHandler)

	return s
}

// ServerOption configures the erpkit MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	reports report.Store
	logs    *logs.Viewer
}

// WithReports attaches the store finished runs are recorded in.
func WithReports(st report.Store) ServerOption {
	return func(o *serverOptions) {
		o.reports = st
	}
}

// WithLogs overrides the log viewer built from the engine config.
func WithLogs(v *logs.Viewer) ServerOption {
	return func(o *serverOptions) {
		o.logs = v
	}
}

// updateConfigFromRoots queries the client for MCP roots and, when the first
// root holds an .erpkit file, switches the engine to that configuration.
// This is called during session initialization, before any tool calls.
func (h *handler) updateConfigFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}

	loaded, err := config.Load(u.Path)
	if err != nil || loaded.Path == "" {
		return
	}

	if r, ok := h.engine.Runner.(*runner.Runner); ok {
		r.Timeout = loaded.Config.Timeout()
		r.MaxOutput = loaded.Config.MaxOutputBytes()
	}
	h.engine.Config = loaded.Config
	h.logs = logs.New(loaded.Config.LogsDir(), loaded.Config.LogsPattern())
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
