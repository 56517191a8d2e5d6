package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/erpkit/internal/logs"
)

type sysinfoParams struct{}

func (h *handler) sysinfoHandler(ctx context.Context, req *mcp.CallToolRequest, _ sysinfoParams) (*mcp.CallToolResult, any, error) {
	return textResult(h.engine.SystemInfo(ctx).String())
}

type logsParams struct {
	Name string `json:"name,omitempty" jsonschema:"log file to show, or latest for the newest one. Omit to list the logs."`
	Tail int    `json:"tail,omitempty" jsonschema:"only show the last N lines of the log"`
}

func (h *handler) logsHandler(ctx context.Context, req *mcp.CallToolRequest, params logsParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		entries, err := h.logs.List(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("Failed to list logs: %v", err))
		}
		if len(entries) == 0 {
			return textResult(fmt.Sprintf("No installer logs in %s.", h.logs.Dir()))
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Logs (%d) in %s:\n", len(entries), h.logs.Dir())
		for _, e := range entries {
			fmt.Fprintf(&b, "  %s  %d bytes  %s\n", e.Name, e.Size, e.ModTime.Format(time.RFC3339))
		}
		return textResult(b.String())
	}

	name := params.Name
	if name == "latest" {
		e, err := h.logs.Latest(ctx)
		if errors.Is(err, logs.ErrNoLogs) {
			return textResult(fmt.Sprintf("No installer logs in %s.", h.logs.Dir()))
		}
		if err != nil {
			return errorResult(fmt.Sprintf("Failed to find the latest log: %v", err))
		}
		name = e.Name
	}

	data, err := h.logs.Read(ctx, name)
	if err != nil {
		return errorResult(err.Error())
	}
	text := string(data)
	if params.Tail > 0 {
		text = tail(text, params.Tail)
	}
	return textResult(fmt.Sprintf("%s:\n%s", name, text))
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}
