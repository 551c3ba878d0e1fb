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

func newLedgerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the usage ledger",
	}
	cmd.AddCommand(
		newLedgerSearchCmd(configPath),
		newLedgerStatsCmd(configPath),
	)
	return cmd
}

// dateRange parses optional YYYY-MM-DD bounds. until is inclusive on the
// command line and exclusive in the returned options.
func dateRange(since, until string) (time.Time, time.Time, error) {
	var s, u time.Time
	if since != "" {
		t, err := time.Parse(time.DateOnly, since)
		if err != nil {
			return s, u, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
		}
		s = t
	}
	if until != "" {
		t, err := time.Parse(time.DateOnly, until)
		if err != nil {
			return s, u, fmt.Errorf("invalid --until date (use YYYY-MM-DD): %w", err)
		}
		u = t.AddDate(0, 0, 1)
	}
	return s, u, nil
}

func newLedgerSearchCmd(configPath *string) *cobra.Command {
	var (
		appName     string
		since       string
		until       string
		hits        bool
		misses      bool
		fingerprint string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search usage records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hits && misses {
				return errors.New("--hits and --misses are mutually exclusive")
			}
			s, u, err := dateRange(since, until)
			if err != nil {
				return err
			}
			opts := models.UsageQueryOpts{
				AppName:     appName,
				Since:       s,
				Until:       u,
				Fingerprint: models.Fingerprint(fingerprint),
				Limit:       limit,
			}
			if hits || misses {
				opts.CacheHit = &hits
			}

			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			recs, err := a.ledger.Query(ctx, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No usage records found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tAPP\tSTATUS\tFINGERPRINT\tRESULT ID\tDURATION\tCOMPUTE $\tSAVED $\tERROR")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%.4f\t%.4f\t%s\n",
					r.CreatedAt.Format("2006-01-02T15:04:05"), r.AppName, r.Status,
					r.Fingerprint.Short(), r.ResultID, r.DurationMs,
					r.EstimatedComputeCost, r.EstimatedCostSaved, r.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "filter by application")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "end date, inclusive (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&hits, "hits", false, "only cache hits")
	cmd.Flags().BoolVar(&misses, "misses", false, "only requests that were not cache hits")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "filter by fingerprint")
	cmd.Flags().IntVar(&limit, "limit", 50, "max records to return")
	return cmd
}

func newLedgerStatsCmd(configPath *string) *cobra.Command {
	var (
		appName string
		since   string
		until   string
		daily   bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show hit rate and cost savings per application",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, u, err := dateRange(since, until)
			if err != nil {
				return err
			}
			opts := models.UsageQueryOpts{AppName: appName, Since: s, Until: u}

			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			if daily {
				days, err := a.ledger.Daily(ctx, opts)
				if err != nil {
					return err
				}
				if len(days) == 0 {
					fmt.Fprintln(out, "No usage data found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DAY\tAPP\tREQUESTS\tHITS\tSAVED $")
				for _, d := range days {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\n",
						d.Day, d.AppName, humanize.Comma(d.Requests), humanize.Comma(d.Hits), d.CostSaved)
				}
				return w.Flush()
			}

			sums, err := a.ledger.Summary(ctx, opts)
			if err != nil {
				return err
			}
			if len(sums) == 0 {
				fmt.Fprintln(out, "No usage data found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tREQUESTS\tHITS\tMISSES\tFAILED\tHIT RATE\tCOMPUTE $\tSAVED $\tAVG MS")
			for _, r := range sums {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%.4f\t%.4f\t%.0f\n",
					r.AppName, humanize.Comma(r.Requests), humanize.Comma(r.Hits),
					humanize.Comma(r.Misses), humanize.Comma(r.Failures),
					r.HitRate()*100, r.ComputeCost, r.CostSaved, r.AvgDurationMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&appName, "app", "", "filter by application")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "end date, inclusive (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&daily, "daily", false, "break down by UTC day")
	return cmd
}
