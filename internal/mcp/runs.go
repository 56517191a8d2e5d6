package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/workflow"
)

// maxWait caps wait_seconds so a tool call cannot hang for a whole install.
const maxWait = 10 * time.Minute

type startParams struct {
	Kind string `json:"kind" jsonschema:"run kind: install, doctor or uninstall"`

	Username       string `json:"username,omitempty" jsonschema:"install: system user that owns the bench"`
	Sitename       string `json:"sitename,omitempty" jsonschema:"install: site name, also the URL host (e.g. erp.example.com)"`
	Version        string `json:"version,omitempty" jsonschema:"install: ERPNext version 13, 14, 15 or develop. Default: 15."`
	UserPass       string `json:"user_pass,omitempty" jsonschema:"install: password of the system user"`
	MySQLPass      string `json:"mysql_pass,omitempty" jsonschema:"install: MariaDB root password"`
	AdminPass      string `json:"admin_pass,omitempty" jsonschema:"install: site Administrator password"`
	ProdMode       bool   `json:"prod_mode,omitempty" jsonschema:"install: configure supervisor and nginx for production"`
	InstallERPNext bool   `json:"install_erpnext,omitempty" jsonschema:"install: install the ERPNext app on the site"`

	Confirm        string `json:"confirm,omitempty" jsonschema:"uninstall: must be exactly YES"`
	RemovePackages bool   `json:"remove_packages,omitempty" jsonschema:"uninstall: also remove MariaDB, Redis and Nginx packages"`

	WaitSeconds int `json:"wait_seconds,omitempty" jsonschema:"seconds to wait for the run to finish before returning. Default: 0 (return at once)."`
}

func (h *handler) startHandler(ctx context.Context, req *mcp.CallToolRequest, params startParams) (*mcp.CallToolResult, any, error) {
	kind, err := relay.ParseKind(params.Kind)
	if err != nil {
		return errorResult(err.Error())
	}

	var run *relay.Handle
	switch kind {
	case relay.Install:
		run, err = h.engine.Install(ctx, workflow.InstallOptions{
			User:           params.Username,
			Site:           params.Sitename,
			Version:        params.Version,
			UserPass:       params.UserPass,
			MySQLPass:      params.MySQLPass,
			AdminPass:      params.AdminPass,
			Production:     params.ProdMode,
			InstallERPNext: params.InstallERPNext,
		})
	case relay.Doctor:
		run, err = h.engine.Doctor(ctx)
	case relay.Uninstall:
		run, err = h.engine.Uninstall(ctx, workflow.UninstallOptions{
			Confirm:        params.Confirm,
			RemovePackages: params.RemovePackages,
		})
	}
	if err != nil {
		if errors.Is(err, relay.ErrAlreadyRunning) {
			if cur, ok := h.relay.Active(kind); ok {
				return errorResult(fmt.Sprintf("A %s run is already in progress (run %s). Use erp_status or erp_cancel.", kind, cur.ID()))
			}
		}
		return errorResult(fmt.Sprintf("start failed: %v", err))
	}

	if params.WaitSeconds <= 0 {
		return textResult(fmt.Sprintf("Started %s run.\nRun: %s\n\nFollow with erp_status(run_id=%q) and erp_output(run_id=%q).\n",
			kind, run.ID(), run.ID(), run.ID()))
	}

	wait := min(time.Duration(params.WaitSeconds)*time.Second, maxWait)
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	res, err := run.Result(waitCtx)
	if err != nil {
		return textResult(fmt.Sprintf("Run %s still in progress after %s.\n\n%s", run.ID(), wait, formatStatus(run.Status())))
	}
	return textResult(formatOutcome(run, res))
}

type statusParams struct {
	RunID string `json:"run_id,omitempty" jsonschema:"run ID from erp_start. Omit for the latest run of every kind."`
}

func (h *handler) statusHandler(ctx context.Context, req *mcp.CallToolRequest, params statusParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		var b strings.Builder
		for i, kind := range relay.Kinds {
			if i > 0 {
				fmt.Fprintln(&b)
			}
			run, ok := h.relay.Latest(kind)
			if !ok {
				fmt.Fprintf(&b, "%s: no run\n", kind)
				continue
			}
			fmt.Fprint(&b, formatStatus(run.Status()))
		}
		return textResult(b.String())
	}

	if run, err := h.relay.Get(params.RunID); err == nil {
		return textResult(formatStatus(run.Status()))
	}
	t, err := h.loadTranscript(ctx, params.RunID)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatTranscriptStatus(t))
}

type cancelParams struct {
	RunID string `json:"run_id,omitempty" jsonschema:"run ID to cancel"`
	Kind  string `json:"kind,omitempty" jsonschema:"cancel the active run of this kind instead: install, doctor or uninstall"`
}

func (h *handler) cancelHandler(ctx context.Context, req *mcp.CallToolRequest, params cancelParams) (*mcp.CallToolResult, any, error) {
	var run *relay.Handle
	switch {
	case params.RunID != "":
		r, err := h.relay.Get(params.RunID)
		if err != nil {
			return errorResult(err.Error())
		}
		run = r
	case params.Kind != "":
		kind, err := relay.ParseKind(params.Kind)
		if err != nil {
			return errorResult(err.Error())
		}
		r, ok := h.relay.Active(kind)
		if !ok {
			return textResult(fmt.Sprintf("No %s run in progress.", kind))
		}
		run = r
	default:
		return errorResult("run_id or kind is required")
	}

	if run.State().Terminal() {
		return textResult(fmt.Sprintf("Run %s already finished (%s).", run.ID(), run.State()))
	}
	if err := run.Cancel(); err != nil {
		return errorResult(fmt.Sprintf("cancel failed: %v", err))
	}
	return textResult(fmt.Sprintf("Cancelling run %s (%s).", run.ID(), run.Kind()))
}

// loadTranscript finds a run the relay no longer tracks in the report store.
func (h *handler) loadTranscript(ctx context.Context, runID string) (*report.Transcript, error) {
	if h.reports == nil {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	t, err := h.reports.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return t, nil
}

func formatStatus(st relay.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", st.RunID, st.Kind)
	fmt.Fprintf(&b, "State: %s\n", st.State)
	if st.PID > 0 && !st.State.Terminal() {
		fmt.Fprintf(&b, "PID: %d\n", st.PID)
	}
	if p := st.Progress; p != nil {
		fmt.Fprintf(&b, "Progress: step %d/%d (%s)\n", p.Step, p.Total, workflow.StepName(p.Step))
	}
	if st.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *st.ExitCode)
	}
	fmt.Fprintf(&b, "Lines: %d\n", st.Events)
	if st.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", st.Message)
	}
	fmt.Fprintf(&b, "Started: %s\n", st.StartedAt.Format(time.RFC3339))
	if st.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s\n", st.EndedAt.Format(time.RFC3339))
	}
	return b.String()
}

func formatTranscriptStatus(t *report.Transcript) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s, recorded)\n", t.ID, t.Kind)
	fmt.Fprintf(&b, "State: %s\n", t.State)
	fmt.Fprintf(&b, "Exit code: %d\n", t.ExitCode)
	fmt.Fprintf(&b, "Lines: %d\n", len(t.Lines))
	fmt.Fprintf(&b, "Message: %s\n", t.Message)
	fmt.Fprintf(&b, "Started: %s\n", t.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Ended: %s\n", t.EndedAt.Format(time.RFC3339))
	return b.String()
}

func formatOutcome(run *relay.Handle, res relay.Result) string {
	out := workflow.Summarize(run.Request(), res)

	var b strings.Builder
	fmt.Fprintln(&b, out.Message)
	if out.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", out.URL)
	}
	fmt.Fprintf(&b, "Run: %s\n", res.RunID)
	fmt.Fprintf(&b, "State: %s (exit code %d) in %s\n", res.State, res.ExitCode, res.Duration().Round(time.Millisecond))

	counts := make(map[relay.Severity]int)
	for _, ev := range run.Events() {
		counts[ev.Severity]++
	}
	fmt.Fprintf(&b, "Lines: %d (%d error, %d warning, %d success)\n",
		res.Events, counts[relay.Error], counts[relay.Warning], counts[relay.Success])
	if counts[relay.Error]+counts[relay.Warning] > 0 {
		fmt.Fprintf(&b, "\nInspect with erp_output(run_id=%q, severity=[\"error\",\"warning\"]).\n", res.RunID)
	}
	return b.String()
}
