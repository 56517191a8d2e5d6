package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Unavailable stands in for a probe that could not run.
const Unavailable = "unavailable"

// SystemInfo describes the host the stack is installed on.
type SystemInfo struct {
	OS        string   `json:"os"`
	Kernel    string   `json:"kernel"`
	Python    string   `json:"python"`
	Disk      string   `json:"disk"`
	Memory    string   `json:"memory"`
	Installed bool     `json:"installed"`
	BenchDirs []string `json:"bench_dirs"`
}

// SystemInfo probes the host. A failing probe is reported as Unavailable
// and never fails the whole call.
func (e *Engine) SystemInfo(ctx context.Context) *SystemInfo {
	info := &SystemInfo{
		OS:     e.probe(ctx, firstLine, "lsb_release", "-ds"),
		Kernel: e.probe(ctx, firstLine, "uname", "-r"),
		Python: e.probe(ctx, firstLine, "python3", "--version"),
		Disk:   e.probe(ctx, secondLine, "df", "-h", "/"),
		Memory: e.probe(ctx, secondLine, "free", "-h"),
	}
	info.BenchDirs = e.benchDirs()
	info.Installed = len(info.BenchDirs) > 0
	return info
}

func (e *Engine) probe(ctx context.Context, pick func(string) string, argv ...string) string {
	if e.Runner == nil {
		return Unavailable
	}
	res, err := e.Runner.Run(ctx, argv...)
	if err != nil || !res.OK() {
		return Unavailable
	}
	if v := pick(string(res.Stdout)); v != "" {
		return v
	}
	return Unavailable
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.Join(strings.Fields(line), " ")
}

// secondLine skips a table header, as printed by df and free.
func secondLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return ""
	}
	return strings.Join(strings.Fields(lines[1]), " ")
}

// benchDirs returns the bench installations that exist.
func (e *Engine) benchDirs() []string {
	paths := e.BenchPaths
	if paths == nil {
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, "frappe-bench"))
		}
		paths = append(paths, "/home/frappe/frappe-bench")
	}

	var found []string
	seen := make(map[string]bool)
	for _, p := range paths {
		p = filepath.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			found = append(found, p)
		}
	}
	return found
}

// String renders the report the way the dashboard shows it.
func (s *SystemInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operating System: %s\n", s.OS)
	fmt.Fprintf(&b, "Kernel: %s\n", s.Kernel)
	fmt.Fprintf(&b, "Python: %s\n", s.Python)
	fmt.Fprintf(&b, "Disk: %s\n", s.Disk)
	fmt.Fprintf(&b, "Memory: %s\n", s.Memory)
	if !s.Installed {
		b.WriteString("\nERPNext Installed: No\n")
		return b.String()
	}
	b.WriteString("\nERPNext Installed: Yes\n")
	fmt.Fprintf(&b, "Bench Directories: %d\n", len(s.BenchDirs))
	for _, d := range s.BenchDirs {
		fmt.Fprintf(&b, "  • %s\n", d)
	}
	return b.String()
}
