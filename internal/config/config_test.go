package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FromRoot(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: 1\ntimeout: 10s\nheartbeat: 250ms\ninstall:\n  steps: 12\n")

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Root != dir {
		t.Errorf("Root = %q, want %q", res.Root, dir)
	}
	if res.Path != filepath.Join(dir, FileName) {
		t.Errorf("Path = %q", res.Path)
	}
	if res.Config.Version != 1 {
		t.Errorf("Config.Version = %d, want 1", res.Config.Version)
	}
	if got := res.Config.Timeout(); got != 10*time.Second {
		t.Errorf("Timeout() = %v, want 10s", got)
	}
	if got := res.Config.Heartbeat(); got != 250*time.Millisecond {
		t.Errorf("Heartbeat() = %v, want 250ms", got)
	}
	if got := res.Config.InstallSteps(); got != 12 {
		t.Errorf("InstallSteps() = %d, want 12", got)
	}
}

func TestLoad_FromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "version: 2\n")

	sub := filepath.Join(root, "deploy", "site")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Root != root {
		t.Errorf("Root = %q, want %q", res.Root, root)
	}
	if res.Config.Version != 2 {
		t.Errorf("Config.Version = %d, want 2", res.Config.Version)
	}
}

func TestLoad_NoFile(t *testing.T) {
	dir := t.TempDir()

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Path != "" {
		t.Errorf("Path = %q, want empty", res.Path)
	}
	if res.Config.RawTimeout != "" {
		t.Errorf("expected default config, got RawTimeout = %q", res.Config.RawTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"yaml", "install: [\n", "parsing"},
		{"duration", "drain: soon\n", "drain"},
		{"steps", "install:\n  steps: -1\n", "install.steps"},
		{"pattern", "logs:\n  pattern: \"[\"\n", "logs.pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.body)
			_, err := Load(dir)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	c := &Config{}
	if c.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v", c.Timeout())
	}
	if c.CancelGrace() != DefaultCancelGrace {
		t.Errorf("CancelGrace() = %v", c.CancelGrace())
	}
	if c.Drain() != DefaultDrain {
		t.Errorf("Drain() = %v", c.Drain())
	}
	if c.MaxOutputBytes() != DefaultMaxOutput {
		t.Errorf("MaxOutputBytes() = %d", c.MaxOutputBytes())
	}
	if c.HTTPAddr() != "0.0.0.0:5000" {
		t.Errorf("HTTPAddr() = %q", c.HTTPAddr())
	}
	if !c.Sudo() || c.SudoPath() != "sudo" || c.Shell() != "bash" {
		t.Errorf("privilege defaults = %v %q %q", c.Sudo(), c.SudoPath(), c.Shell())
	}
	if c.InstallSteps() != 15 {
		t.Errorf("InstallSteps() = %d", c.InstallSteps())
	}
	if c.LogsDir() != "/tmp" || c.LogsPattern() != "erpnext_install_*.log" {
		t.Errorf("logs = %q %q", c.LogsDir(), c.LogsPattern())
	}
	if c.ReportCache() != 5 {
		t.Errorf("ReportCache() = %d", c.ReportCache())
	}
	if want := filepath.Join(os.TempDir(), "erpkit-runs"); c.ReportsDir() != want {
		t.Errorf("ReportsDir() = %q, want %q", c.ReportsDir(), want)
	}
}

func TestSudoDisabled(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "sudo: false\n")
	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Config.Sudo() {
		t.Error("Sudo() = true, want false")
	}
}

func TestScriptPath(t *testing.T) {
	c := &Config{
		ScriptsDir: "/opt/erp",
		Doctor:     ScriptConfig{Script: "/usr/local/bin/doctor.sh"},
	}
	tests := map[string]string{
		"install":   "/opt/erp/install-hybrid.sh",
		"doctor":    "/usr/local/bin/doctor.sh",
		"uninstall": "/opt/erp/uninstall.sh",
	}
	for kind, want := range tests {
		got, err := c.ScriptPath(kind)
		if err != nil {
			t.Fatalf("ScriptPath(%q): %v", kind, err)
		}
		if got != want {
			t.Errorf("ScriptPath(%q) = %q, want %q", kind, got, want)
		}
	}
	if _, err := c.ScriptPath("deploy"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
