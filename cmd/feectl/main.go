// Command feectl is the operator's view of the fee ledger: month summaries
// with status counts, payment entry and the payment mode list. It talks to
// the REST server through the same cached client the app uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"feeledger/internal/cli"
	"feeledger/internal/client"
	"feeledger/internal/config"
	"feeledger/internal/core"
	"feeledger/internal/log"
)

const usage = `usage: feectl <command> [flags]

commands:
  summary  show a month's fee records and status counts
  pay      record a payment
  modes    list payment modes
`

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(envOr("LOG_LEVEL", "warn"))
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ClientTimeout)
	defer cancel()

	if err := run(ctx, os.Args[1:], cfg, logger, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "feectl:", err)
		if errors.Is(err, client.ErrOutcomeUnknown) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, args []string, cfg *config.Config, logger *log.Logger, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("no command given")
	}

	transport, err := client.NewRESTTransport(cfg.LedgerAPIURL, cfg.ClientTimeout)
	if err != nil {
		return err
	}
	ledger := client.New(transport, client.Config{
		HostelID: cfg.HostelID,
		TTL:      cfg.ClientCacheTTL,
		Logger:   logger,
	})
	defer ledger.Close()

	switch args[0] {
	case "summary":
		return runSummary(ctx, ledger, args[1:], out)
	case "pay":
		return runPay(ctx, ledger, args[1:], out)
	case "modes":
		return runModes(ctx, ledger, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runSummary(ctx context.Context, ledger *client.Ledger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	fs.SetOutput(out)
	month := fs.String("month", core.MonthOf(time.Now()).String(), "fee month, YYYY-MM")
	status := fs.String("status", "", "only show records with this status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := core.ParseFeeMonth(*month)
	if err != nil {
		return err
	}
	var only core.Status
	if *status != "" {
		var ok bool
		if only, ok = core.NormalizeStatus(*status); !ok {
			return fmt.Errorf("unknown status %q", *status)
		}
	}

	entry, err := ledger.GetMonthSummary(ctx, m)
	if err != nil {
		return err
	}
	data := entry.Value

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tNAME\tROOM\tDUE\tPAID\tBALANCE\tDUE DATE\tSTATUS")
	for _, r := range data.Records {
		st := ledger.DeriveStatus(r.FeePeriod)
		if only != "" && st != only {
			continue
		}
		due := "-"
		if !r.DueDate.IsZero() {
			due = r.DueDate.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StudentID, r.Student.FullName(), r.Student.RoomNumber,
			r.TotalDue, r.AmountPaid, core.Balance(r.FeePeriod), due, st)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := ledger.StatusCounts(data)
	parts := make([]string, 0, len(core.AllStatuses))
	for _, s := range core.AllStatuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	fmt.Fprintf(out, "\n%s  %s\n", m, strings.Join(parts, " "))
	if data.Skipped > 0 {
		fmt.Fprintf(out, "%d malformed records skipped\n", data.Skipped)
	}
	return nil
}

func runPay(ctx context.Context, ledger *client.Ledger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	fs.SetOutput(out)
	student := fs.String("student", "", "student id (required)")
	amount := fs.String("amount", "", "amount, e.g. 700.00 (required)")
	mode := fs.Int64("mode", 0, "payment mode id")
	month := fs.String("month", "", "fee month to pay first, YYYY-MM")
	date := fs.String("date", "", "payment date, YYYY-MM-DD (default today)")
	txn := fs.String("txn", "", "transaction id; reuse it to retry safely")
	notes := fs.String("notes", "", "free-text notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *student == "" || *amount == "" {
		return errors.New("pay: -student and -amount are required")
	}

	amt, err := core.ParseStrictAmount(*amount)
	if err != nil {
		return err
	}
	req := client.PaymentRequest{
		StudentID:     *student,
		Amount:        amt,
		PaymentModeID: *mode,
		TransactionID: *txn,
		Notes:         *notes,
	}
	if *month != "" {
		if req.FeeMonth, err = core.ParseFeeMonth(*month); err != nil {
			return err
		}
	}
	if *date != "" {
		if req.PaymentDate, err = core.ParseDate(*date); err != nil {
			return err
		}
	}

	p, err := ledger.SubmitPayment(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded payment %s: %s from %s\n", p.ID, p.Amount, p.StudentID)
	for _, a := range p.Allocations {
		fmt.Fprintf(out, "  %s  %s\n", a.FeeMonth, a.AppliedAmount)
	}
	return nil
}

func runModes(ctx context.Context, ledger *client.Ledger, out io.Writer) error {
	modes, err := ledger.PaymentModes(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, m := range modes {
		fmt.Fprintf(tw, "%d\t%s\n", m.ID, m.Name)
	}
	return tw.Flush()
}
