package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/postcard-relay/internal/auth"
	"github.com/Martian-dev/postcard-relay/internal/config"
	"github.com/Martian-dev/postcard-relay/internal/eventstore/sqlite"
	"github.com/Martian-dev/postcard-relay/internal/logger"
	watcher "github.com/Martian-dev/postcard-relay/internal/sync"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "postcard-relay: %v\n", err) //nolint:errcheck
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "postcard-relay",
		Short:         "Turn emailed postcard requests into printed postcards",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newRunCmd(),
		newPollCmd(stdout),
		newRecordsCmd(stdout),
		newTokenCmd(stdout),
	)
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the mailbox, deliver notifications and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func newPollCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle, deliver queued notifications and print dispositions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.runner.Poll(ctx)
			printResults(stdout, results)
			if err != nil && !errors.Is(err, watcher.ErrMailboxUnavailable) {
				return err
			}
			if _, derr := a.runner.DrainOutbox(ctx); derr != nil {
				return errors.Join(err, derr)
			}
			return err
		},
	}
}

func printResults(w io.Writer, results []watcher.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tSUBJECT\tSTATUS\tERROR") //nolint:errcheck
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Message.UID, r.Message.Subject, r.Status, msg) //nolint:errcheck
	}
	tw.Flush() //nolint:errcheck
}

func newRecordsCmd(stdout io.Writer) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List processing records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStore()
			if err != nil {
				return err
			}
			f := sqlite.ListFilter{Limit: limit}
			if status != "" {
				if f.Status, err = sqlite.ParseStatus(status); err != nil {
					return err
				}
			}

			store, err := sqlite.OpenReadOnly(cfg.Path, sqlite.WithDriver(cfg.Driver))
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(stdout)
				for _, r := range recs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}

			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MAILBOX\tUID\tSTATUS\tATTEMPTS\tPOSTCARD\tUPDATED\tERROR") //nolint:errcheck
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", //nolint:errcheck
					r.Mailbox, r.UID, r.Status, r.Attempts, r.PostcardID, r.UpdatedAt.Format(time.RFC3339), r.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only records in this status (pending, processing, succeeded, failed, skipped)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to print")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}

func newTokenCmd(stdout io.Writer) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 API token signed with API_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			secret := os.Getenv("API_JWT_SECRET")
			if secret == "" {
				return errors.New("API_JWT_SECRET is not set")
			}
			tok, err := auth.SignHMAC([]byte(secret), subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := []logger.Option{logger.WithEnvironment(cfg.AppEnv, "postcard-relay")}
	if cfg.LogLevel != "" {
		opts = append(opts, logger.WithLevelName(cfg.LogLevel))
	}
	if cfg.LogFormat != "" {
		opts = append(opts, logger.WithFormat(logger.Format(cfg.LogFormat)))
	}
	return logger.New(opts...)
}
