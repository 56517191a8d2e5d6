// Package workflow turns operator choices into relay runs for erpkit's
// install, doctor and uninstall operations. It is consumed by the CLI, the
// web server and the MCP server alike.
package workflow

import (
	"context"
	"fmt"
	"log"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"github.com/deixis/erpkit/internal/config"
	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/runner"
)

// CommandRunner executes short one-shot commands.
// Implemented by runner.Runner.
type CommandRunner interface {
	Run(ctx context.Context, argv ...string) (*runner.Result, error)
}

// RunStarter launches long-running script runs.
// Implemented by relay.Manager.
type RunStarter interface {
	Start(ctx context.Context, req relay.Request) (*relay.Handle, error)
}

// Engine holds shared dependencies for all workflow operations.
type Engine struct {
	Config *config.Config
	Relay  RunStarter
	Runner CommandRunner

	// Reports receives the transcript of every finished run; nil disables.
	Reports report.Store

	// BenchPaths overrides where SystemInfo looks for bench directories.
	BenchPaths []string
}

// Install validates opts and starts the installer.
func (e *Engine) Install(ctx context.Context, opts InstallOptions) (*relay.Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	req, err := e.Request(relay.Install, opts.Env(), "")
	if err != nil {
		return nil, err
	}
	return e.Relay.Start(ctx, req)
}

// Doctor starts the diagnostics script.
func (e *Engine) Doctor(ctx context.Context) (*relay.Handle, error) {
	req, err := e.Request(relay.Doctor, nil, "")
	if err != nil {
		return nil, err
	}
	return e.Relay.Start(ctx, req)
}

// Uninstall checks the confirmation and starts the removal script, feeding
// it the answers it prompts for.
func (e *Engine) Uninstall(ctx context.Context, opts UninstallOptions) (*relay.Handle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	req, err := e.Request(relay.Uninstall, nil, opts.Stdin())
	if err != nil {
		return nil, err
	}
	return e.Relay.Start(ctx, req)
}

// Start launches a run of kind. Options are read with decode for the kinds
// that take any, so callers can hand in a JSON decoder directly.
func (e *Engine) Start(ctx context.Context, kind relay.Kind, decode func(v any) error) (*relay.Handle, error) {
	switch kind {
	case relay.Install:
		var opts InstallOptions
		if err := decodeOptions(decode, &opts); err != nil {
			return nil, err
		}
		return e.Install(ctx, opts)
	case relay.Doctor:
		return e.Doctor(ctx)
	case relay.Uninstall:
		var opts UninstallOptions
		if err := decodeOptions(decode, &opts); err != nil {
			return nil, err
		}
		return e.Uninstall(ctx, opts)
	}
	return nil, fmt.Errorf("unknown run kind %q", kind)
}

func decodeOptions(decode func(v any) error, v any) error {
	if decode == nil {
		return nil
	}
	if err := decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// Request builds the relay request for kind. The script runs through the
// configured shell, under sudo unless disabled; sudo is told to keep the
// variables in env.
func (e *Engine) Request(kind relay.Kind, env map[string]string, stdin string) (relay.Request, error) {
	script, err := e.Config.ScriptPath(string(kind))
	if err != nil {
		return relay.Request{}, err
	}

	argv := []string{e.Config.Shell(), script}
	if e.Config.Sudo() {
		prefix := []string{e.Config.SudoPath()}
		if len(env) > 0 {
			names := slices.Sorted(maps.Keys(env))
			prefix = append(prefix, "--preserve-env="+strings.Join(names, ","))
		}
		argv = append(prefix, argv...)
	}

	req := relay.Request{
		Kind:    kind,
		Command: argv[0],
		Args:    argv[1:],
		Env:     env,
		Stdin:   stdin,
		Dir:     filepath.Dir(script),
		Script:  script,
	}
	if e.Config.Sudo() {
		req.Sudo = e.Config.SudoPath()
	}
	if kind == relay.Install {
		req.Steps = e.Config.InstallSteps()
	}
	return req, nil
}

// Record saves the transcript of a finished run, summarized for the
// operator. Register it with relay.WithFinishHook.
func (e *Engine) Record(h *relay.Handle) {
	if e.Reports == nil {
		return
	}
	ctx := context.Background()
	res, err := h.Result(ctx)
	if err != nil {
		return
	}
	t, err := report.FromHandle(ctx, h, Summarize(h.Request(), res).Message)
	if err != nil {
		log.Printf("capturing transcript %s: %v", h.ID(), err)
		return
	}
	if err := e.Reports.Save(ctx, t); err != nil {
		log.Printf("saving transcript %s: %v", h.ID(), err)
	}
}
