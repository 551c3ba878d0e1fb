package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/justdata/reportcache/pkg/models"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the report cache index",
	}
	cmd.AddCommand(
		newCacheStatsCmd(configPath),
		newCacheShowCmd(configPath),
		newCacheInvalidateCmd(configPath),
	)
	return cmd
}

func newCacheStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.index.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend:  %s\nEntries:  %s\nAccesses: %s\n",
				a.cfg.Backend, humanize.Comma(stats.Entries), humanize.Comma(stats.Accesses))
			return nil
		},
	}
}

func newCacheShowCmd(configPath *string) *cobra.Command {
	var (
		fingerprint string
		appName     string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one cache entry, or list recent entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if fingerprint != "" {
				e, err := a.index.Lookup(ctx, models.Fingerprint(fingerprint))
				if err != nil {
					return err
				}
				if e == nil {
					fmt.Fprintln(out, "No cache entry for that fingerprint.")
					return nil
				}
				fmt.Fprintf(out, "Fingerprint:   %s\n", e.Fingerprint)
				fmt.Fprintf(out, "Result ID:     %s\n", e.ResultID)
				fmt.Fprintf(out, "App:           %s (ruleset v%d)\n", e.AppName, e.RulesetVersion)
				fmt.Fprintf(out, "Compute cost:  $%.4f\n", e.ComputeCost)
				fmt.Fprintf(out, "Created:       %s (%s)\n", e.CreatedAt.Format(time.RFC3339), humanize.Time(e.CreatedAt))
				fmt.Fprintf(out, "Last access:   %s (%s)\n", e.LastAccessedAt.Format(time.RFC3339), humanize.Time(e.LastAccessedAt))
				fmt.Fprintf(out, "Accesses:      %s\n", humanize.Comma(e.AccessCount))
				return nil
			}

			if a.sqlite == nil {
				return errors.New("listing entries requires the sqlite backend; use --fingerprint")
			}
			entries, err := a.sqlite.ListEntries(ctx, appName, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No cache entries found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tAPP\tRESULT ID\tCOST\tCREATED\tLAST ACCESS\tACCESSES")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\t%s\t%d\n",
					e.Fingerprint.Short(), e.AppName, e.ResultID, e.ComputeCost,
					humanize.Time(e.CreatedAt), humanize.Time(e.LastAccessedAt), e.AccessCount)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "show the entry for this fingerprint")
	cmd.Flags().StringVar(&appName, "app", "", "filter by application")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to list")
	return cmd
}

func newCacheInvalidateCmd(configPath *string) *cobra.Command {
	var (
		fingerprint string
		appName     string
		before      string
		olderThan   time.Duration
		all         bool
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cache entries so their reports are recomputed on next request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.InvalidateOpts{
				Fingerprint: models.Fingerprint(fingerprint),
				AppName:     appName,
			}
			if before != "" {
				t, err := time.Parse(time.DateOnly, before)
				if err != nil {
					return fmt.Errorf("invalid --before date (use YYYY-MM-DD): %w", err)
				}
				opts.Before = t
			}
			if olderThan > 0 {
				cutoff := time.Now().UTC().Add(-olderThan)
				if opts.Before.IsZero() || cutoff.Before(opts.Before) {
					opts.Before = cutoff
				}
			}
			if opts == (models.InvalidateOpts{}) && !all {
				return errors.New("refusing to drop every entry without --all")
			}

			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.index.Invalidate(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d cache %s.\n", n, plural(n, "entry", "entries"))
			return nil
		},
	}

	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "drop only this fingerprint")
	cmd.Flags().StringVar(&appName, "app", "", "drop entries for this application")
	cmd.Flags().StringVar(&before, "before", "", "drop entries created before this date (YYYY-MM-DD)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "drop entries older than this age, e.g. 720h")
	cmd.Flags().BoolVar(&all, "all", false, "drop every entry")
	return cmd
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
