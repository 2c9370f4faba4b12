package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/xfer"
	"pkt.systems/xfer/internal/pathutil"
)

func newBatchCommand(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "batch MANIFEST",
		Short: "Run the transfers listed in a YAML manifest",
		Long: `Run the transfers listed in a YAML manifest concurrently.

  defaults:
    chunk_size: 4MiB
    delete_source: true
  transfers:
    - source: aws://reports/2024/q1.pdf
      destination: azure://acct/archive
    - source: azure://acct/inbox/scan.tiff
      destination: s3://minio:9000/scans?insecure=1
      overwrite: true

Transfers are independent: a failure is reported and the rest keep going.
The command fails when any transfer failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", output)
			}
			cfg, logger, err := c.config("cli.batch")
			if err != nil {
				return err
			}
			path, err := pathutil.Expand(args[0])
			if err != nil {
				return fmt.Errorf("expand manifest path %q: %w", args[0], err)
			}
			manifest, err := xfer.LoadManifest(path)
			if err != nil {
				return err
			}
			jobs, err := manifest.Jobs()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			tel, err := xfer.SetupTelemetry(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer tel.Shutdown(ctx)
			providers := xfer.NewProviders(cfg, logger)
			defer providers.Close()

			runner, err := xfer.NewBatchRunner(cfg, providers, logger, xfer.WithLogger(logger), xfer.WithMetrics(tel.Metrics))
			if err != nil {
				return err
			}
			outcomes, runErr := runner.Run(ctx, jobs)
			if err := writeOutcomes(cmd, outcomes, output); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "result format: text or json")
	return cmd
}

type outcomeView struct {
	Index  int         `json:"index"`
	Source string      `json:"source"`
	Result *resultView `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func writeOutcomes(cmd *cobra.Command, outcomes []xfer.BatchOutcome, output string) error {
	out := cmd.OutOrStdout()
	if output == "json" {
		views := make([]outcomeView, 0, len(outcomes))
		for _, o := range outcomes {
			view := outcomeView{Index: o.Index + 1, Source: o.Job.Request.Source.String()}
			if o.Result != nil {
				rv := newResultView(o.Result)
				view.Result = &rv
			}
			if o.Err != nil {
				view.Error = o.Err.Error()
			}
			views = append(views, view)
		}
		return writeJSON(out, views)
	}
	var total int64
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			if _, err := fmt.Fprintf(out, "%d\tFAIL\t%s\t%s\n", o.Index+1, o.Job.Request.Source, xfer.KindOf(o.Err)); err != nil {
				return err
			}
			continue
		}
		total += o.Result.Bytes
		if _, err := fmt.Fprintf(out, "%d\tOK\t%s\t%s\t%s\n", o.Index+1, o.Job.Request.Source, o.Result.Destination, humanize.IBytes(uint64(o.Result.Bytes))); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "%d ok, %d failed, %s copied\n", len(outcomes)-failed, failed, humanize.IBytes(uint64(total)))
	return err
}
