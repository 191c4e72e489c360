/*
main.go - Offline reconciliation job

PURPOSE:
  Recomputes every purchase entry's remaining quantity and status, and
  every delivery's link flag, from the linked line items. Reports the
  difference and, with -repair, fixes what can be fixed.

  Runs against the same database and lock backend as the server, so it is
  safe to run while the server is live.

COMMAND-LINE FLAGS:
  -repair  Write corrected balances, statuses and link flags
  -json    Print the report as JSON instead of text
  -config  Extra directory to search for config.toml

EXIT CODES:
  0  no drift, or every drift repaired
  1  the job itself failed (config, database)
  2  unrepaired drift remains (over-allocated entries, or no -repair)

EXAMPLES:
  ./reconcile
  ./reconcile -repair
  STOCK_DATABASE_DRIVER=postgres ./reconcile -json > report.json
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store"
)

const (
	exitClean     = 0
	exitFailed    = 1
	exitViolation = 2
)

type options struct {
	Repair bool
	JSON   bool
}

func main() {
	var opts options
	flag.BoolVar(&opts.Repair, "repair", false, "Write corrected balances, statuses and link flags")
	flag.BoolVar(&opts.JSON, "json", false, "Print the report as JSON")
	configDir := flag.String("config", "", "Extra directory to search for config.toml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, *configDir, opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, configDir string, opts options, out io.Writer) (int, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return exitFailed, fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr so that -json output stays parseable.
	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stderr"})
	if err != nil {
		return exitFailed, fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	backend, err := store.Open(cfg.Database, log)
	if err != nil {
		return exitFailed, fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	locker, lockCloser, err := lock.Open(ctx, cfg.Lock, cfg.Redis)
	if err != nil {
		return exitFailed, fmt.Errorf("open locker: %w", err)
	}
	defer lockCloser.Close()

	ledger := stock.NewLedger(backend, stock.WithLocker(locker), stock.WithLogger(log))
	return reconcile(ctx, ledger, opts, out)
}

// reconcile runs the reconciler and prints the report.
func reconcile(ctx context.Context, ledger *stock.Ledger, opts options, out io.Writer) (int, error) {
	report, err := stock.NewReconciler(ledger).Run(ctx, stock.ReconcileOptions{Repair: opts.Repair})
	if err != nil {
		return exitFailed, err
	}

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return exitFailed, err
		}
	} else {
		printReport(out, report)
	}

	if report.Violations() > 0 {
		return exitViolation, nil
	}
	return exitClean, nil
}

func printReport(out io.Writer, r stock.Report) {
	mode := "check"
	if r.Repair {
		mode = "repair"
	}
	fmt.Fprintf(out, "reconciliation (%s): %d entries, %d deliveries checked\n",
		mode, r.EntriesChecked, r.DeliveriesChecked)

	if r.Clean() {
		fmt.Fprintln(out, "no drift found")
		return
	}

	if len(r.EntryDrifts) > 0 {
		fmt.Fprintln(out, "\nentries:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTRY\tPRODUCT\tTOTAL\tALLOCATED\tREMAINING\tEXPECTED\tSTATUS\tEXPECTED\tRESULT")
		for _, d := range r.EntryDrifts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.EntryID, d.ProductName, d.Total, d.Allocated,
				d.Remaining, d.ExpectedRemaining, d.Status, d.ExpectedStatus, entryResult(d))
		}
		tw.Flush()
	}

	if len(r.DeliveryDrifts) > 0 {
		fmt.Fprintln(out, "\ndeliveries:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DELIVERY\tLINK STATUS\tEXPECTED\tRESULT")
		for _, d := range r.DeliveryDrifts {
			result := "drift"
			if d.Repaired {
				result = "repaired"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.DeliveryID, d.LinkStatus, d.Expected, result)
		}
		tw.Flush()
	}

	fmt.Fprintf(out, "\n%d unrepaired\n", r.Violations())
}

func entryResult(d stock.EntryDrift) string {
	switch {
	case d.Repaired:
		return "repaired"
	case d.OverAllocated:
		return "over-allocated"
	default:
		return "drift"
	}
}
