package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/deixis/erpkit/internal/logs"
	"github.com/deixis/erpkit/internal/report"
)

// --- logs ---

func logsMain(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: erpkit logs [latest | <name>]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()

	if fs.NArg() == 0 {
		entries, err := a.logs.List(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No installer logs in %s\n", a.logs.Dir())
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Name, e.Size, e.ModTime.Format(time.DateTime))
		}
		return tw.Flush()
	}

	name := fs.Arg(0)
	if name == "latest" {
		e, err := a.logs.Latest(ctx)
		if err != nil {
			return err
		}
		name = e.Name
	}
	data, err := a.logs.Read(ctx, name)
	if errors.Is(err, logs.ErrInvalidName) {
		return fmt.Errorf("%w (logs live in %s)", err, a.logs.Dir())
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// --- sysinfo ---

func sysinfoMain(args []string) error {
	fs := flag.NewFlagSet("sysinfo", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output as JSON")
	_ = fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	info := a.engine.SystemInfo(context.Background())
	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Print(info.String())
	return nil
}

// --- report ---

func reportMain(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	dir := fs.String("dir", ".", "export: directory to write the report into")
	jsonFlag := fs.Bool("json", false, "show: output the transcript as JSON")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), `Usage: erpkit report [flags] <subcommand>

Subcommands:
  list                 List recorded runs, newest first
  show <run>           Print the output of a run
  export <run>         Save the output of a run as <kind>_report_<time>.txt
  diff <base> <head>   Unified diff of the output of two runs`)
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fs.Usage()
		return errFailed
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := context.Background()
	sub, rest := fs.Arg(0), fs.Args()[1:]

	switch sub {
	case "list":
		ts, err := a.disk.List(ctx)
		if err != nil {
			return err
		}
		return writeRunList(os.Stdout, ts)
	case "show":
		t, err := loadOne(ctx, a.reports, rest)
		if err != nil {
			return err
		}
		if *jsonFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}
		fmt.Print(t.Text())
		fmt.Printf("\n%s\n", t.Message)
		return nil
	case "export":
		t, err := loadOne(ctx, a.reports, rest)
		if err != nil {
			return err
		}
		path, err := report.Export(ctx, t, *dir, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case "diff":
		if len(rest) != 2 {
			return errors.New("report diff needs two run IDs")
		}
		base, err := a.reports.Load(ctx, rest[0])
		if err != nil {
			return err
		}
		head, err := a.reports.Load(ctx, rest[1])
		if err != nil {
			return err
		}
		diff, err := report.Diff(base, head)
		if err != nil {
			return err
		}
		if diff == "" {
			fmt.Println("No differences.")
			return nil
		}
		st, err := report.Stat(diff)
		if err != nil {
			return err
		}
		fmt.Print(diff)
		fmt.Fprintf(os.Stderr, "%s\n", st)
		return errFailed
	}
	return fmt.Errorf("unknown report subcommand %q", sub)
}

func loadOne(ctx context.Context, st report.Store, args []string) (*report.Transcript, error) {
	if len(args) != 1 {
		return nil, errors.New("expected one run ID")
	}
	return st.Load(ctx, args[0])
}

func writeRunList(w io.Writer, ts []*report.Transcript) error {
	if len(ts) == 0 {
		_, err := fmt.Fprintln(w, "No recorded runs.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range ts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.State, t.EndedAt.Format(time.DateTime), t.Message)
	}
	return tw.Flush()
}
