// Package config loads and validates the optional .erpkit YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = ".erpkit"

// Default values applied by the accessor methods.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxOutput   = 1 << 20 // 1 MB
	DefaultHTTPAddr    = "0.0.0.0:5000"
	DefaultHeartbeat   = time.Second
	DefaultCancelGrace = 5 * time.Second
	DefaultDrain       = 2 * time.Second
	DefaultSudoPath    = "sudo"
	DefaultShell       = "bash"
	DefaultSteps       = 15
	DefaultLogsDir     = "/tmp"
	DefaultLogsPattern = "erpnext_install_*.log"
	DefaultReportCache = 5

	DefaultReportsDirName = "erpkit-runs" // under os.TempDir()
)

// Default script names, looked up in the scripts directory.
const (
	DefaultInstallScript   = "install-hybrid.sh"
	DefaultDoctorScript    = "doctor.sh"
	DefaultUninstallScript = "uninstall.sh"
)

// Config holds the parsed .erpkit configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version        int           `yaml:"version"`
	ScriptsDir     string        `yaml:"scripts_dir"`
	RawSudo        *bool         `yaml:"sudo"`
	RawSudoPath    string        `yaml:"sudo_path"`
	RawShell       string        `yaml:"shell"`
	RawHTTPAddr    string        `yaml:"http_addr"`
	RawHeartbeat   string        `yaml:"heartbeat"`    // e.g. "1s"
	RawCancelGrace string        `yaml:"cancel_grace"` // e.g. "5s"
	RawDrain       string        `yaml:"drain"`        // e.g. "2s"
	RawTimeout     string        `yaml:"timeout"`      // one-shot probes, e.g. "30s"
	RawMaxOutput   int           `yaml:"max_output"`   // bytes
	Install        InstallConfig `yaml:"install"`
	Doctor         ScriptConfig  `yaml:"doctor"`
	Uninstall      ScriptConfig  `yaml:"uninstall"`
	Logs           LogsConfig    `yaml:"logs"`
	Reports        ReportsConfig `yaml:"reports"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// ScriptConfig names the script behind a run kind.
type ScriptConfig struct {
	Script string `yaml:"script"` // file name or absolute path
}

// InstallConfig controls the installer run.
type InstallConfig struct {
	Script string `yaml:"script"`
	Steps  int    `yaml:"steps"` // number of "Step N" markers the installer prints
}

// LogsConfig locates the installer log files.
type LogsConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"` // glob matched against file names
}

// ReportsConfig controls where run transcripts are kept.
type ReportsConfig struct {
	Dir   string `yaml:"dir"`   // default $TMPDIR/erpkit-runs
	Cache int    `yaml:"cache"` // transcripts kept in memory
}

// TracingConfig controls span export.
type TracingConfig struct {
	Output string `yaml:"output"` // "" disables, "-" writes to stdout, otherwise a file path
}

func duration(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// Timeout returns the one-shot command timeout or the default.
func (c *Config) Timeout() time.Duration { return duration(c.RawTimeout, DefaultTimeout) }

// Heartbeat returns the idle interval after which the event stream sends a heartbeat.
func (c *Config) Heartbeat() time.Duration { return duration(c.RawHeartbeat, DefaultHeartbeat) }

// CancelGrace returns how long a cancelled run gets between SIGTERM and SIGKILL.
func (c *Config) CancelGrace() time.Duration {
	return duration(c.RawCancelGrace, DefaultCancelGrace)
}

// Drain returns how long output is still read after the script exits.
func (c *Config) Drain() time.Duration { return duration(c.RawDrain, DefaultDrain) }

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// HTTPAddr returns the web listen address.
func (c *Config) HTTPAddr() string { return orDefault(c.RawHTTPAddr, DefaultHTTPAddr) }

// Sudo reports whether scripts run through sudo. Defaults to true.
func (c *Config) Sudo() bool { return c.RawSudo == nil || *c.RawSudo }

// SudoPath returns the sudo executable.
func (c *Config) SudoPath() string { return orDefault(c.RawSudoPath, DefaultSudoPath) }

// Shell returns the interpreter used to run the scripts.
func (c *Config) Shell() string { return orDefault(c.RawShell, DefaultShell) }

// InstallSteps returns the number of installer steps.
func (c *Config) InstallSteps() int {
	if c.Install.Steps > 0 {
		return c.Install.Steps
	}
	return DefaultSteps
}

// ScriptPath resolves the script for kind ("install", "doctor" or
// "uninstall") against ScriptsDir. Absolute script paths are kept.
func (c *Config) ScriptPath(kind string) (string, error) {
	var name string
	switch kind {
	case "install":
		name = orDefault(c.Install.Script, DefaultInstallScript)
	case "doctor":
		name = orDefault(c.Doctor.Script, DefaultDoctorScript)
	case "uninstall":
		name = orDefault(c.Uninstall.Script, DefaultUninstallScript)
	default:
		return "", fmt.Errorf("unknown run kind %q", kind)
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(c.scriptsDir(), name), nil
}

func (c *Config) scriptsDir() string {
	if c.ScriptsDir != "" {
		return c.ScriptsDir
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	return "."
}

// LogsDir returns the directory scanned for installer logs.
func (c *Config) LogsDir() string { return orDefault(c.Logs.Dir, DefaultLogsDir) }

// LogsPattern returns the glob installer logs match.
func (c *Config) LogsPattern() string { return orDefault(c.Logs.Pattern, DefaultLogsPattern) }

// ReportsDir returns where run transcripts are written. The default is
// shared by every erpkit process on the host.
func (c *Config) ReportsDir() string {
	return orDefault(c.Reports.Dir, filepath.Join(os.TempDir(), DefaultReportsDirName))
}

// ReportCache returns how many transcripts stay in memory.
func (c *Config) ReportCache() int {
	if c.Reports.Cache > 0 {
		return c.Reports.Cache
	}
	return DefaultReportCache
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, raw string }{
		{"heartbeat", c.RawHeartbeat},
		{"cancel_grace", c.RawCancelGrace},
		{"drain", c.RawDrain},
		{"timeout", c.RawTimeout},
	} {
		if f.raw == "" {
			continue
		}
		if d, err := time.ParseDuration(f.raw); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", f.name, f.raw))
		}
	}
	if c.Install.Steps < 0 {
		errs = append(errs, fmt.Errorf("install.steps: must not be negative"))
	}
	if _, err := filepath.Match(c.LogsPattern(), ""); err != nil {
		errs = append(errs, fmt.Errorf("logs.pattern: %w", err))
	}
	return errors.Join(errs...)
}

// LoadResult holds the parsed config and the directory it was found in.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .erpkit; falls back to workspace
	Path   string // path of the loaded file; empty when defaults are used
}

// Load reads the .erpkit file, walking upward from workspace until one is
// found. If there is none, a default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", workspace, err)
	}
	path, err := findConfig(abs)
	if err != nil {
		return &LoadResult{Config: &Config{}, Root: abs}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &LoadResult{Config: cfg, Root: filepath.Dir(path), Path: path}, nil
}

// findConfig walks upward from dir looking for a .erpkit file.
func findConfig(dir string) (string, error) {
	for {
		path := filepath.Join(dir, FileName)
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
