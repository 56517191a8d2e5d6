package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deixis/erpkit/internal/relay"
)

// InstallSteps names the installer's steps; index i is "Step i+1".
var InstallSteps = []string{
	"System Update",
	"Python & Dependencies",
	"MariaDB Database",
	"Redis Cache",
	"Nginx Web Server",
	"wkhtmltopdf",
	"Node.js & Yarn",
	"Frappe Bench",
	"Bench Initialization",
	"MariaDB Config",
	"Create Site",
	"Install ERPNext",
	"Production Setup",
	"Security Setup",
	"Optimization",
}

// StepName returns the display name of step n (1-based).
func StepName(n int) string {
	if n >= 1 && n <= len(InstallSteps) {
		return InstallSteps[n-1]
	}
	return fmt.Sprintf("Step %d", n)
}

// Banner returns the line shown before a run's output.
func Banner(kind relay.Kind) string {
	switch kind {
	case relay.Install:
		return "🚀 ERPNext Installation Started"
	case relay.Doctor:
		return "🏥 Starting ERPNext Doctor..."
	case relay.Uninstall:
		return "🗑️ Starting Uninstallation..."
	}
	return string(kind)
}

// Outcome is the operator-facing summary of a finished run.
type Outcome struct {
	Message  string         `json:"message"`
	Severity relay.Severity `json:"severity"`
	URL      string         `json:"url,omitempty"` // site address after a successful install
}

var nouns = map[relay.Kind]string{
	relay.Install:   "Installation",
	relay.Doctor:    "Diagnostics",
	relay.Uninstall: "Uninstallation",
}

// Summarize describes res for the operator. A doctor run that exits
// non-zero found problems rather than breaking, so it reads as a warning.
func Summarize(req relay.Request, res relay.Result) Outcome {
	noun := nouns[req.Kind]

	var spawnErr *relay.SpawnError
	switch {
	case res.State == relay.Succeeded:
		out := Outcome{Message: "✅ " + noun + " completed!", Severity: relay.Success}
		if req.Kind == relay.Install && req.Env["SITE_NAME"] != "" {
			out.URL = "http://" + req.Env["SITE_NAME"]
		}
		return out
	case res.State == relay.Cancelled:
		return Outcome{Message: "⏹️ " + noun + " cancelled", Severity: relay.Warning}
	case errors.As(res.Err, &spawnErr):
		if errors.Is(spawnErr, os.ErrNotExist) && req.Script != "" {
			return Outcome{Message: "❌ " + filepath.Base(req.Script) + " not found!", Severity: relay.Error}
		}
		return Outcome{Message: "❌ " + spawnErr.Error(), Severity: relay.Error}
	case req.Kind == relay.Doctor:
		return Outcome{Message: "⚠️ Diagnostics finished with warnings", Severity: relay.Warning}
	case res.ExitCode > 0:
		return Outcome{Message: fmt.Sprintf("❌ %s failed with code %d", noun, res.ExitCode), Severity: relay.Error}
	}
	return Outcome{Message: "❌ " + noun + " failed!", Severity: relay.Error}
}
