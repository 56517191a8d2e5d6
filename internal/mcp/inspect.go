package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/workflow"
)

const defaultOutputLimit = 200

var severities = []relay.Severity{relay.Error, relay.Warning, relay.Success, relay.Info}

type outputParams struct {
	RunID    string   `json:"run_id" jsonschema:"the run ID from erp_start or erp_status"`
	After    uint64   `json:"after,omitempty" jsonschema:"only return lines with a sequence number above this one"`
	Severity []string `json:"severity,omitempty" jsonschema:"keep only these severities: error, warning, success, info. Default: all."`
	Limit    int      `json:"limit,omitempty" jsonschema:"maximum number of lines to return. Default: 200."`
}

func (h *handler) outputHandler(ctx context.Context, req *mcp.CallToolRequest, params outputParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	keep := make(map[relay.Severity]bool, len(params.Severity))
	for _, s := range params.Severity {
		sev := relay.Severity(strings.ToLower(s))
		if !slices.Contains(severities, sev) {
			return errorResult(fmt.Sprintf("unknown severity %q (want one of %v)", s, severities))
		}
		keep[sev] = true
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	lines, state, err := h.output(ctx, params.RunID)
	if err != nil {
		return errorResult(err.Error())
	}

	var picked []report.Line
	more := false
	for _, l := range lines {
		if l.Seq <= params.After || (len(keep) > 0 && !keep[l.Severity]) {
			continue
		}
		if len(picked) == limit {
			more = true
			break
		}
		picked = append(picked, l)
	}

	return textResult(formatOutput(params.RunID, state, picked, more))
}

// output returns the lines of a live or recorded run.
func (h *handler) output(ctx context.Context, runID string) ([]report.Line, relay.State, error) {
	if run, err := h.relay.Get(runID); err == nil {
		events := run.Events()
		lines := make([]report.Line, 0, len(events))
		for _, ev := range events {
			lines = append(lines, report.Line{Seq: ev.Seq, Severity: ev.Severity, Text: ev.Line})
		}
		return lines, run.State(), nil
	}
	t, err := h.loadTranscript(ctx, runID)
	if err != nil {
		return nil, "", err
	}
	return t.Lines, t.State, nil
}

func formatOutput(runID string, state relay.State, lines []report.Line, more bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", runID, state)
	if len(lines) == 0 {
		fmt.Fprintln(&b, "No matching lines.")
		return b.String()
	}
	fmt.Fprintln(&b)
	for _, l := range lines {
		fmt.Fprintf(&b, "%d [%s] %s\n", l.Seq, l.Severity, l.Text)
	}
	last := lines[len(lines)-1].Seq
	switch {
	case more:
		fmt.Fprintf(&b, "\nMore output: erp_output(run_id=%q, after=%d).\n", runID, last)
	case !state.Terminal():
		fmt.Fprintf(&b, "\nRun still in progress. Poll with erp_output(run_id=%q, after=%d).\n", runID, last)
	}
	return b.String()
}

type reportDiffParams struct {
	Base string `json:"base" jsonschema:"run ID of the earlier run"`
	Head string `json:"head" jsonschema:"run ID of the later run"`
}

func (h *handler) reportDiffHandler(ctx context.Context, req *mcp.CallToolRequest, params reportDiffParams) (*mcp.CallToolResult, any, error) {
	if params.Base == "" || params.Head == "" {
		return errorResult("base and head are required")
	}
	base, err := h.transcript(ctx, params.Base)
	if err != nil {
		return errorResult(err.Error())
	}
	head, err := h.transcript(ctx, params.Head)
	if err != nil {
		return errorResult(err.Error())
	}

	diff, err := report.Diff(base, head)
	if err != nil {
		return errorResult(fmt.Sprintf("diff failed: %v", err))
	}
	if diff == "" {
		return textResult(fmt.Sprintf("No differences between %s and %s.", base.ID, head.ID))
	}
	st, err := report.Stat(diff)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Lines: %s\n\n%s", st, diff))
}

// transcript returns a finished run, from the relay when it still tracks
// it, otherwise from the report store.
func (h *handler) transcript(ctx context.Context, runID string) (*report.Transcript, error) {
	if run, err := h.relay.Get(runID); err == nil {
		if !run.State().Terminal() {
			return nil, fmt.Errorf("run %s has not finished", runID)
		}
		res, err := run.Result(ctx)
		if err != nil {
			return nil, err
		}
		return report.FromHandle(ctx, run, workflow.Summarize(run.Request(), res).Message)
	}
	return h.loadTranscript(ctx, runID)
}
