package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justdata/reportcache/pkg/config"
	"github.com/justdata/reportcache/pkg/normalize"
)

func newFingerprintCmd(configPath *string) *cobra.Command {
	var (
		jsonArg string
		explain bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprint [key=value ...]",
		Short: "Compute the cache fingerprint of a parameter set",
		Example: `  reportcache fingerprint app=lendsight year=2023 county="Baltimore, MD"
  reportcache fingerprint --params '{"app":"bizsight","year":2022}' --explain`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			params, err := parseParams(args, jsonArg, cmd.InOrStdin())
			if err != nil {
				return err
			}

			n := normalize.New(cfg.Normalizer)
			canonical, app, err := n.Canonical(params)
			if err != nil {
				return err
			}
			fp, _, err := n.Key(params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", fp)
			fmt.Fprintf(out, "App:         %s\n", app)
			fmt.Fprintf(out, "Ruleset:     v%d\n", n.RulesetVersion(app))
			if explain {
				fmt.Fprintf(out, "Canonical:   %s\n", canonical)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jsonArg, "params", "", "parameters as a JSON object, @file, or @- for stdin")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the canonical encoding that is hashed")
	return cmd
}
