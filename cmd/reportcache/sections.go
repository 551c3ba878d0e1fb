package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/justdata/reportcache/pkg/assemble"
	"github.com/justdata/reportcache/pkg/models"
)

func newSectionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "Inspect stored report sections",
	}
	cmd.AddCommand(
		newSectionsShowCmd(configPath),
		newSectionsByTypeCmd(configPath),
	)
	return cmd
}

func newSectionsShowCmd(configPath *string) *cobra.Command {
	var (
		asJSON bool
		name   string
	)

	cmd := &cobra.Command{
		Use:   "show <result-id>",
		Short: "Show the sections stored for a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := cmd.OutOrStdout()
			secs, err := a.sections.Fetch(ctx, args[0])
			if errors.Is(err, models.ErrNotFound) {
				fmt.Fprintln(out, "No sections found for that result ID.")
				return nil
			}
			if err != nil {
				return err
			}

			result := assemble.Assemble(secs)
			switch {
			case name != "":
				var v any
				if err := result.Decode(name, &v); err != nil {
					return err
				}
				return writeJSON(out, v)
			case asJSON:
				return writeJSON(out, result)
			}
			return printSections(out, secs)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the assembled report as JSON")
	cmd.Flags().StringVar(&name, "name", "", "print only the payload of this section")
	return cmd
}

func newSectionsByTypeCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "by-type <type>",
		Short: "List recent sections of one type across results",
		Long: "List recent sections of one type across results. Types: " +
			"data_table, narrative_summary, narrative_discussion, raw_data, metadata.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			secs, err := a.sections.ByType(ctx, models.SectionType(args[0]), limit)
			if err != nil {
				return err
			}
			if len(secs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sections found.")
				return nil
			}
			return printSections(cmd.OutOrStdout(), secs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max sections to return")
	return cmd
}

func printSections(out io.Writer, secs []models.ResultSection) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESULT ID\tORDER\tNAME\tTYPE\tCATEGORY\tSIZE\tCREATED")
	for _, s := range secs {
		size := 0
		if raw, err := models.PayloadJSON(s.Payload); err == nil {
			size = len(raw)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.ResultID, s.DisplayOrder, s.Name, s.Type, s.Category,
			humanize.Bytes(uint64(size)), humanize.Time(s.CreatedAt))
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
