package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/justdata/reportcache/pkg/coordinator"
	"github.com/justdata/reportcache/pkg/cost"
	"github.com/justdata/reportcache/pkg/decompose"
	"github.com/justdata/reportcache/pkg/models"
)

// producerOutput is what a report producer writes to stdout.
type producerOutput struct {
	Usage    cost.Usage        `json:"usage"`
	Sections []producerSection `json:"sections"`
}

type producerSection struct {
	Name     string             `json:"name"`
	Type     models.SectionType `json:"type"`
	Category string             `json:"category"`
	Payload  json.RawMessage    `json:"payload"`
}

// execProducer runs argv with the parameter set as JSON on stdin and parses
// its stdout as a producerOutput.
func execProducer(argv []string, stderr io.Writer) coordinator.ComputeFunc {
	return func(ctx context.Context, params models.ParameterSet) (coordinator.Computation, error) {
		in, err := json.Marshal(params)
		if err != nil {
			return coordinator.Computation{}, fmt.Errorf("encode params: %w", err)
		}

		var stdout bytes.Buffer
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(in)
		cmd.Stdout = &stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return coordinator.Computation{}, ctxErr
			}
			return coordinator.Computation{}, fmt.Errorf("producer %s: %w", argv[0], err)
		}

		var out producerOutput
		if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
			return coordinator.Computation{}, fmt.Errorf("producer %s: invalid output: %w", argv[0], err)
		}
		return coordinator.Computation{Raw: out, Usage: out.Usage}, nil
	}
}

// decomposeProducer turns producer output into sections in the order the
// producer listed them.
func decomposeProducer(raw any) ([]models.ResultSection, error) {
	out, ok := raw.(producerOutput)
	if !ok {
		return nil, fmt.Errorf("unexpected producer output %T", raw)
	}
	if len(out.Sections) == 0 {
		return nil, errors.New("producer returned no sections")
	}
	b := decompose.New()
	for _, s := range out.Sections {
		b.Add(s.Name, s.Type, s.Category, s.Payload)
	}
	return b.Sections(), nil
}

// computeResult is the envelope printed with --meta.
type computeResult struct {
	Fingerprint models.Fingerprint      `json:"fingerprint"`
	ResultID    string                  `json:"result_id"`
	CacheHit    bool                    `json:"cache_hit"`
	Cached      bool                    `json:"cached"`
	Sections    *models.CompositeResult `json:"sections"`
}

func newComputeCmd(configPath *string) *cobra.Command {
	var (
		jsonArg string
		meta    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "compute [key=value ...] -- <producer> [args ...]",
		Short: "Serve a report from the cache, running the producer on a miss",
		Long: `Serve a report from the cache, running the producer on a miss.

The producer receives the parameters as a JSON object on stdin and must print
{"usage": {...}, "sections": [{"name", "type", "category", "payload"}, ...]}
to stdout. Sections are stored in the order listed.`,
		Example: `  reportcache compute app=lendsight year=2023 county="Baltimore, MD" -- ./lendsight-report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 || dash == len(args) {
				return errors.New("a producer command is required after --")
			}
			params, err := parseParams(args[:dash], jsonArg, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if timeout > 0 {
				a.cfg.Compute.ComputeTimeout = timeout
			}

			c, shutdown, err := a.coordinator(ctx)
			if err != nil {
				return err
			}
			defer func() {
				c.Wait()
				if err := shutdown(context.Background()); err != nil {
					a.logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			result, err := c.GetOrCompute(ctx, params, execProducer(args[dash:], cmd.ErrOrStderr()), decomposeProducer)
			if err != nil {
				return err
			}
			a.logger.Info("report served",
				"fingerprint", result.Fingerprint.Short(),
				"result_id", result.ResultID,
				"cache_hit", result.CacheHit,
				"cached", result.Cached)

			if meta {
				return writeJSON(cmd.OutOrStdout(), computeResult{
					Fingerprint: result.Fingerprint,
					ResultID:    result.ResultID,
					CacheHit:    result.CacheHit,
					Cached:      result.Cached,
					Sections:    result,
				})
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&jsonArg, "params", "", "parameters as a JSON object, @file, or @- for stdin")
	cmd.Flags().BoolVar(&meta, "meta", false, "wrap the report with fingerprint and cache metadata")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override compute.timeout")
	return cmd
}
