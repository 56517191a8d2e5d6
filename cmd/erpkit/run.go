package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deixis/erpkit/internal/relay"
	"github.com/deixis/erpkit/internal/report"
	"github.com/deixis/erpkit/internal/workflow"
)

// --- install ---

func installMain(args []string) error {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	var opts workflow.InstallOptions
	fs.StringVar(&opts.User, "user", "frappe", "system user that owns the bench")
	fs.StringVar(&opts.Site, "site", "", "site name (required)")
	fs.StringVar(&opts.Version, "version", workflow.DefaultVersion, "ERPNext version: "+strings.Join(workflow.Versions, ", "))
	fs.StringVar(&opts.UserPass, "user-pass", os.Getenv("ERP_USER_PASS"), "password of the system user (default $ERP_USER_PASS)")
	fs.StringVar(&opts.MySQLPass, "mysql-pass", os.Getenv("MYSQL_PASS"), "MariaDB root password (default $MYSQL_PASS)")
	fs.StringVar(&opts.AdminPass, "admin-pass", os.Getenv("ADMIN_PASS"), "site Administrator password (default $ADMIN_PASS)")
	fs.BoolVar(&opts.Production, "prod", false, "set up supervisor and nginx for production")
	fs.BoolVar(&opts.InstallERPNext, "erpnext", true, "install the ERPNext app on the site")
	_ = fs.Parse(args)

	return runKind(relay.Install, func(ctx context.Context, e *workflow.Engine) (*relay.Handle, error) {
		return e.Install(ctx, opts)
	}, "")
}

// --- doctor ---

func doctorMain(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	save := fs.String("save", "", "write the report to this directory as doctor_report_<time>.txt")
	_ = fs.Parse(args)

	return runKind(relay.Doctor, func(ctx context.Context, e *workflow.Engine) (*relay.Handle, error) {
		return e.Doctor(ctx)
	}, *save)
}

// --- uninstall ---

func uninstallMain(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	removePackages := fs.Bool("remove-packages", false, "also remove MariaDB, Redis and Nginx")
	_ = fs.Parse(args)

	opts := workflow.UninstallOptions{RemovePackages: *removePackages}
	if *yes {
		opts.Confirm = workflow.ConfirmWord
	} else {
		fmt.Fprintln(os.Stderr, "⚠️ This removes the bench, all sites and their databases.")
		answer, err := prompt(os.Stdin, os.Stderr, fmt.Sprintf("Type %s to confirm: ", workflow.ConfirmWord))
		if err != nil {
			return err
		}
		opts.Confirm = answer
	}

	return runKind(relay.Uninstall, func(ctx context.Context, e *workflow.Engine) (*relay.Handle, error) {
		return e.Uninstall(ctx, opts)
	}, "")
}

func prompt(in io.Reader, out io.Writer, question string) (string, error) {
	fmt.Fprint(out, question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// --- shared ---

type startFunc func(ctx context.Context, e *workflow.Engine) (*relay.Handle, error)

// runKind starts a run, relays its output to the terminal until it ends,
// and cancels it on Ctrl-C. A run that does not succeed makes erpkit exit
// non-zero: 1 on failure, 130 when cancelled.
func runKind(kind relay.Kind, start startFunc, saveDir string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := start(sigCtx, a.engine)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	log.Printf("%s run %s: %s", kind, h.ID(), h.Request())

	go func() {
		select {
		case <-sigCtx.Done():
			fmt.Fprintln(os.Stderr)
			log.Printf("cancelling %s run %s", kind, h.ID())
			if err := h.Cancel(); err != nil {
				log.Print(err)
			}
		case <-h.Done():
		}
	}()

	res, out := follow(context.Background(), h, os.Stdout)

	if saveDir != "" {
		t, err := report.FromHandle(context.Background(), h, out.Message)
		if err != nil {
			return err
		}
		path, err := report.Export(context.Background(), t, saveDir, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("📄 Report saved: %s\n", path)
	}

	switch res.State {
	case relay.Succeeded:
		return nil
	case relay.Cancelled:
		return exitCode(130)
	}
	return errFailed
}

// follow prints every event of h to w, then the outcome, and returns once
// the run is terminal.
func follow(ctx context.Context, h *relay.Handle, w io.Writer) (relay.Result, workflow.Outcome) {
	req := h.Request()
	fmt.Fprintln(w, workflow.Banner(req.Kind))
	for ev := range h.Subscribe(ctx, 0) {
		fmt.Fprint(w, formatEvent(ev))
	}

	res, err := h.Result(ctx)
	if err != nil {
		return relay.Result{State: relay.Failed}, workflow.Outcome{Message: err.Error(), Severity: relay.Error}
	}
	out := workflow.Summarize(req, res)
	fmt.Fprintln(w)
	fmt.Fprintln(w, out.Message)
	if out.URL != "" {
		fmt.Fprintf(w, "🌐 Access your site at %s\n", out.URL)
	}
	return res, out
}

var severityPrefix = map[relay.Severity]string{
	relay.Info:    "   ",
	relay.Success: "ok ",
	relay.Warning: "!  ",
	relay.Error:   "!! ",
}

// formatEvent renders one event as a terminal line. Step updates get a
// header line of their own.
func formatEvent(ev relay.Event) string {
	var b strings.Builder
	if p := ev.Progress; p != nil {
		fmt.Fprintf(&b, "\n==> [%d/%d] %s\n", p.Step, p.Total, workflow.StepName(p.Step))
	}
	fmt.Fprintf(&b, "%s%s\n", severityPrefix[ev.Severity], ev.Line)
	return b.String()
}
