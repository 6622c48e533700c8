package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"histfill/pkg/histfill"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: histfill-cli [-server URL] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  download <symbol>       Start a download (-tf, -mode, -start, -end, -wait)\n")
	fmt.Fprintf(os.Stderr, "  ops                     List recent operations (-limit, -status)\n")
	fmt.Fprintf(os.Stderr, "  status <operation-id>   Show one operation\n")
	fmt.Fprintf(os.Stderr, "  cancel <operation-id>   Cancel a running operation\n")
	fmt.Fprintf(os.Stderr, "  gateway                 Show the gateway connection\n")
	fmt.Fprintf(os.Stderr, "  symbols                 List cached symbol validations (-delete SYM, -clear)\n")
	fmt.Fprintf(os.Stderr, "  stored                  List symbols with stored bars (-tf)\n")
	fmt.Fprintf(os.Stderr, "  bars <symbol>           Print stored bars (-tf, -limit)\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	server := flag.String("server", envOr("HISTFILL_SERVER", "http://localhost:8080"), "histfill-server base URL")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := histfill.NewClient(*server)
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Printf("histfill-cli %s\n", version)
	case "download":
		err = runDownload(ctx, c, args)
	case "ops":
		err = runOps(ctx, c, args)
	case "status":
		err = runStatus(ctx, c, args)
	case "cancel":
		err = runCancel(ctx, c, args)
	case "gateway":
		err = runGateway(ctx, c)
	case "symbols":
		err = runSymbols(ctx, c, args)
	case "stored":
		err = runStored(ctx, c, args)
	case "bars":
		err = runBars(ctx, c, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseArgs parses flags that may appear after the positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func runDownload(ctx context.Context, c *histfill.Client, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	tf := fs.String("tf", "1d", "timeframe (1m, 5m, 15m, 30m, 1h, 4h, 1d, 1w)")
	mode := fs.String("mode", "tail", "acquisition mode (tail, backfill, full)")
	start := fs.String("start", "", "start date, YYYY-MM-DD or RFC 3339")
	end := fs.String("end", "", "end date, YYYY-MM-DD or RFC 3339")
	wait := fs.Bool("wait", false, "poll until the operation finishes")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("usage: histfill-cli download <symbol> [options]")
	}

	id, err := c.Download(ctx, histfill.DownloadRequest{
		Symbol: pos[0], Timeframe: *tf, Mode: *mode, Start: *start, End: *end,
	})
	if err != nil {
		return err
	}
	fmt.Printf("operation %s started\n", id)
	if !*wait {
		return nil
	}

	var last string
	op, err := c.Wait(ctx, id, time.Second, func(op histfill.Operation) {
		line := fmt.Sprintf("%-9s %5.1f%%  %s", op.Status, op.Progress.Percentage, op.Progress.CurrentStep)
		if line != last {
			fmt.Println(line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	printOperation(op)
	return nil
}

func runOps(ctx context.Context, c *histfill.Client, args []string) error {
	fs := flag.NewFlagSet("ops", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum operations to list")
	status := fs.String("status", "", "only list operations in this status")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	ops, err := c.Operations(ctx, *limit, *status)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"ID", "Symbol", "TF", "Mode", "Status", "Progress", "Rows", "Created"})
	for _, op := range ops {
		rows := "-"
		if op.Result != nil {
			rows = fmt.Sprintf("%d", op.Result.RowsDownloaded)
		}
		t.AppendRow(table.Row{
			op.ID, op.Symbol, op.Timeframe, op.Mode, op.Status,
			fmt.Sprintf("%.1f%%", op.Progress.Percentage), rows,
			op.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
	return nil
}

func runStatus(ctx context.Context, c *histfill.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: histfill-cli status <operation-id>")
	}
	op, err := c.Operation(ctx, args[0])
	if err != nil {
		return err
	}
	printOperation(op)
	return nil
}

func runCancel(ctx context.Context, c *histfill.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: histfill-cli cancel <operation-id>")
	}
	op, err := c.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("cancel requested, operation is %s\n", op.Status)
	return nil
}

func printOperation(op histfill.Operation) {
	t := newTable()
	t.AppendRows([]table.Row{
		{"Operation", op.ID},
		{"Symbol", op.Symbol},
		{"Timeframe", op.Timeframe},
		{"Mode", op.Mode},
		{"Status", op.Status},
		{"Progress", fmt.Sprintf("%.1f%% (%s)", op.Progress.Percentage, op.Progress.CurrentStep)},
	})
	if r := op.Result; r != nil {
		t.AppendRows([]table.Row{
			{"Range", fmt.Sprintf("%s .. %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))},
			{"Gaps", r.GapsFound},
			{"Segments", fmt.Sprintf("%d ok, %d failed", r.SegmentsSucceeded, r.SegmentsFailed)},
			{"Rows downloaded", r.RowsDownloaded},
			{"Total rows", r.TotalRows},
		})
	}
	if op.Error != "" {
		t.AppendRow(table.Row{"Error", op.Error})
	}
	t.Render()
}

func runGateway(ctx context.Context, c *histfill.Client) error {
	g, err := c.Gateway(ctx)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendRows([]table.Row{
		{"State", g.Status.State},
		{"Address", fmt.Sprintf("%s:%d", g.Status.Host, g.Status.Port)},
		{"Client ID", g.Status.ClientID},
		{"Healthy", g.Status.Healthy},
		{"Failed attempts", g.Status.FailedAttempts},
		{"Connect attempts", g.Metrics.ConnectAttempts},
		{"Session conflicts", g.Metrics.SessionConflicts},
		{"Disconnects", g.Metrics.Disconnects},
		{"Uptime", g.Metrics.Uptime.Round(time.Second)},
	})
	if g.Status.LastError != "" {
		t.AppendRow(table.Row{"Last error", g.Status.LastError})
	}
	t.Render()
	return nil
}

func runSymbols(ctx context.Context, c *histfill.Client, args []string) error {
	fs := flag.NewFlagSet("symbols", flag.ExitOnError)
	del := fs.String("delete", "", "drop one symbol from the cache")
	clearAll := fs.Bool("clear", false, "drop every cached symbol")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	switch {
	case *clearAll:
		n, err := c.ClearSymbols(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cleared %d symbols\n", n)
		return nil
	case *del != "":
		if err := c.DeleteSymbol(ctx, *del); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", strings.ToUpper(*del))
		return nil
	}

	syms, err := c.Symbols(ctx)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Symbol", "Valid", "Heads", "Cached", "Expires"})
	for _, s := range syms {
		var heads []string
		for tf, ts := range s.Result.HeadTimestamps {
			heads = append(heads, tf+"="+ts.Format("2006-01-02"))
		}
		expires := s.ExpiresAt.Local().Format("2006-01-02 15:04")
		if s.Expired {
			expires += " (expired)"
		}
		t.AppendRow(table.Row{
			s.Symbol, s.Result.IsValid, strings.Join(heads, " "),
			s.CachedAt.Local().Format("2006-01-02 15:04"), expires,
		})
	}
	t.SortBy([]table.SortBy{{Name: "Symbol", Mode: table.Asc}})
	t.Render()
	return nil
}

func runStored(ctx context.Context, c *histfill.Client, args []string) error {
	fs := flag.NewFlagSet("stored", flag.ExitOnError)
	tf := fs.String("tf", "1d", "timeframe")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	syms, err := c.StoredSymbols(ctx, *tf)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Println(s)
	}
	fmt.Fprintf(os.Stderr, "%d symbols with %s bars\n", len(syms), *tf)
	return nil
}

func runBars(ctx context.Context, c *histfill.Client, args []string) error {
	fs := flag.NewFlagSet("bars", flag.ExitOnError)
	tf := fs.String("tf", "1d", "timeframe")
	limit := fs.Int("limit", 20, "most recent bars to print")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("usage: histfill-cli bars <symbol> [options]")
	}

	bars, err := c.Bars(ctx, pos[0], *tf, time.Time{}, time.Time{}, *limit)
	if err != nil {
		return err
	}
	t := newTable()
	t.AppendHeader(table.Row{"Time", "Open", "High", "Low", "Close", "Volume"})
	for _, b := range bars {
		t.AppendRow(table.Row{
			b.Timestamp.UTC().Format(time.RFC3339),
			fmt.Sprintf("%.4f", b.Open), fmt.Sprintf("%.4f", b.High),
			fmt.Sprintf("%.4f", b.Low), fmt.Sprintf("%.4f", b.Close),
			fmt.Sprintf("%.0f", b.Volume),
		})
	}
	t.Render()
	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}
