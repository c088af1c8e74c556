// Command subsync is the operator tool for reconciling subscriptions with
// Stripe and replaying failed webhook events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/app"
	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/internal/logging"
	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "subsync: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	switch command {
	case "sync", "replay", "events":
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateCLI(); err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer engine.Close()

	switch command {
	case "sync":
		return runSync(ctx, engine, logger, args)
	case "replay":
		return runReplay(ctx, engine, args)
	default:
		return runEvents(ctx, engine.Store, args)
	}
}

func runSync(ctx context.Context, engine *app.App, logger zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	var target syncTarget
	fs.StringVar(&target.UserID, "user-id", "", "sync one user by id")
	fs.StringVar(&target.Email, "email", "", "sync one user by email")
	fs.BoolVar(&target.All, "all", false, "sync every user with a Stripe customer id")
	dryRun := fs.Bool("dry-run", false, "preview changes without applying them")
	concurrency := fs.Int("concurrency", 4, "users synced in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s := &syncer{
		users:       engine.Store,
		provider:    engine.Provider,
		logger:      logger,
		dryRun:      *dryRun,
		concurrency: *concurrency,
	}
	report, err := s.run(ctx, target)
	if report != nil {
		report.print(os.Stdout)
	}
	if err != nil {
		return err
	}
	if report.Errors > 0 {
		return fmt.Errorf("%d of %d users failed to sync", report.Errors, report.Total)
	}
	return nil
}

func runReplay(ctx context.Context, engine *app.App, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	eventID := fs.String("event-id", "", "replay a single stored event")
	limit := fs.Int("limit", 100, "maximum failed events to replay")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *eventID != "" {
		res, err := engine.Provider.Replay(ctx, *eventID)
		if err != nil {
			return err
		}
		printResults(os.Stdout, []*stripe.IngestResult{res})
		return nil
	}

	results, err := engine.Provider.ReplayFailed(ctx, *limit)
	printResults(os.Stdout, results)
	return err
}

type failedEventLister interface {
	ListFailedEvents(ctx context.Context, limit int) ([]*billing.WebhookEvent, error)
}

func runEvents(ctx context.Context, store failedEventLister, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	failed := fs.Bool("failed", false, "list events whose last dispatch failed")
	limit := fs.Int("limit", 50, "maximum events to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*failed {
		return errors.New("only --failed listing is supported")
	}

	events, err := store.ListFailedEvents(ctx, *limit)
	if err != nil {
		return err
	}
	printEvents(os.Stdout, events)
	return nil
}

func printResults(w io.Writer, results []*stripe.IngestResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tSTATUS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.EventID, r.EventType, r.Status)
	}
	_ = tw.Flush()
}

func printEvents(w io.Writer, events []*billing.WebhookEvent) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tRECEIVED\tATTEMPTS\tERROR")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.EventType, e.ReceivedAt.UTC().Format(time.RFC3339), e.Attempts, e.ErrorMessage)
	}
	_ = tw.Flush()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: subsync <command> [flags]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sync    --user-id ID | --email EMAIL | --all  [--dry-run] [--concurrency N]")
	fmt.Fprintln(w, "  replay  [--event-id ID] [--limit N]")
	fmt.Fprintln(w, "  events  --failed [--limit N]")
}
