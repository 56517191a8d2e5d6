// Command erpkit installs, diagnoses and removes ERPNext by driving the
// installer scripts, from the terminal, a web page or an MCP client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/erpkit"
	"github.com/deixis/erpkit/internal/config"
	"github.com/deixis/erpkit/internal/logs"
	erpmcp "github.com/deixis/erpkit/internal/mcp"
	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/runner"
	"github.com/deixis/erpkit/internal/tracing"
	"github.com/deixis/erpkit/internal/web"
	"github.com/deixis/erpkit/internal/workflow"
)

// errFailed makes main exit 1 without printing anything more.
var errFailed = errors.New("failed")

func main() {
	log.SetFlags(0)
	log.SetPrefix("erpkit: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "install":
		err = installMain(args)
	case "doctor":
		err = doctorMain(args)
	case "uninstall":
		err = uninstallMain(args)
	case "serve":
		err = serveMain(args)
	case "mcp":
		err = mcpMain(args)
	case "logs":
		err = logsMain(args)
	case "sysinfo":
		err = sysinfoMain(args)
	case "report":
		err = reportMain(args)
	case "version":
		fmt.Println(erpkit.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "erpkit: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	var code exitCode
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case errors.Is(err, errFailed):
		os.Exit(1)
	case err != nil:
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: erpkit <command> [flags]

Commands:
  install     Run the ERPNext installer
  doctor      Diagnose an existing installation
  uninstall   Remove ERPNext, its sites and databases
  serve       Start the web interface
  mcp         Start the MCP server
  logs        List installer logs, or show one
  sysinfo     Show host information
  report      List, show, export and diff recorded runs
  version     Print the version
  help        Show this help

Use "erpkit <command> -h" for command-specific flags.`)
}

// exitCode is returned by a command that must exit with a specific status.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

// --- serve ---

func serveMain(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (default from config, 0.0.0.0:5000)")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	listen := a.cfg.HTTPAddr()
	if *addr != "" {
		listen = *addr
	}
	ip := web.ServerIP()
	srv := web.New(a.engine, a.relay,
		web.WithLogs(a.logs),
		web.WithReports(a.reports),
		web.WithHeartbeat(a.cfg.Heartbeat()),
		web.WithServerIP(ip),
	)

	_, p, _ := net.SplitHostPort(listen)
	log.Printf("web interface on %s (remote: http://%s:%s)", listen, ip, p)
	return srv.ListenAndServe(ctx, listen)
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(erpmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	server := erpmcp.NewServer(a.engine, a.relay, erpmcp.WithReports(a.reports), erpmcp.WithLogs(a.logs))
	if *httpAddr != "" {
		return serveMCPHTTP(ctx, server, *httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveMCPHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("mcp listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- shared ---

// app wires the components every command shares.
type app struct {
	cfg     *config.Config
	engine  *workflow.Engine
	relay   *relay.Manager
	disk    *report.DiskStore
	reports *report.LRUStore
	logs    *logs.Viewer

	stopTracing tracing.Shutdown
}

func newApp() (*app, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	stopTracing, err := tracing.Setup(cfg.Tracing.Output, "erpkit", erpkit.Version)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	disk := report.NewDiskStore(cfg.ReportsDir())
	store := report.NewLRUStore(cfg.ReportCache(), disk)

	engine := &workflow.Engine{
		Config:  cfg,
		Runner:  runner.New(cfg.Timeout(), cfg.MaxOutputBytes()),
		Reports: store,
	}
	mgr := relay.NewManager(
		relay.WithCancelGrace(cfg.CancelGrace()),
		relay.WithDrain(cfg.Drain()),
		relay.WithFinishHook(engine.Record),
	)
	engine.Relay = mgr

	return &app{
		cfg:         cfg,
		engine:      engine,
		relay:       mgr,
		disk:        disk,
		reports:     store,
		logs:        logs.New(cfg.LogsDir(), cfg.LogsPattern()),
		stopTracing: stopTracing,
	}, nil
}

// close stops every run still active and flushes traces.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CancelGrace()+5*time.Second)
	defer cancel()
	if err := a.relay.Shutdown(ctx); err != nil {
		log.Printf("stopping runs: %v", err)
	}
	if err := a.stopTracing(ctx); err != nil {
		log.Printf("flushing traces: %v", err)
	}
}
