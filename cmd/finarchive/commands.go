package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/finarchive/finarchive/internal/app"
	"github.com/finarchive/finarchive/internal/backfill"
	"github.com/finarchive/finarchive/internal/collect"
	"github.com/finarchive/finarchive/internal/merge"
	"github.com/spf13/cobra"
)

func newMergeCmd(opts *globalOptions) *cobra.Command {
	var (
		dataset string
		into    string
		keys    string
		create  bool
	)
	cmd := &cobra.Command{
		Use:   "merge <batch-file>",
		Short: "Upsert a batch file into an archive",
		Long: `Upsert a batch file (csv, tsv, sqlite or tbl) into a configured dataset,
or into any archive path with --into and --keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (dataset == "") == (into == "") {
				return fmt.Errorf("exactly one of --dataset or --into is required")
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				var (
					res *merge.Result
					err error
				)
				if dataset != "" {
					res, err = a.MergeFile(ctx, dataset, args[0])
				} else {
					res, err = a.MergeInto(ctx, into, args[0], splitList(keys), create)
				}
				if err != nil {
					return err
				}
				printMerge(cmd.OutOrStdout(), firstNonEmpty(dataset, into), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dataset, "dataset", "", "Configured dataset to merge into")
	cmd.Flags().StringVar(&into, "into", "", "Archive path to merge into")
	cmd.Flags().StringVar(&keys, "keys", "", "Comma-separated key columns for --into (empty = every column)")
	cmd.Flags().BoolVar(&create, "create", false, "Create the --into archive when it does not exist")
	return cmd
}

func newBackfillCmd(opts *globalOptions) *cobra.Command {
	var (
		start    string
		end      string
		source   string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Rebuild top movers for a date range from web-archive captures",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseDay(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to := time.Now().UTC()
			if end != "" {
				if to, err = parseDay(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.BackfillTopMovers(ctx, from, to, source, backfill.Strategy(strategy))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "backfill %s: %d business days, %d succeeded, %d failed\n",
					res.Backfill.RunID, len(res.Backfill.Days), res.Backfill.Succeeded, res.Backfill.Failed)
				if res.Merge == nil {
					fmt.Fprintln(out, "No relevant data found.")
					return nil
				}
				printMerge(out, app.DatasetTopMovers, res.Merge)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Last day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&source, "url", "", "Page to backfill (default from config)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Capture discovery: range or nearest (default from config)")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func newPricesCmd(opts *globalOptions) *cobra.Command {
	var (
		start  string
		end    string
		column string
	)
	cmd := &cobra.Command{
		Use:   "prices <ticker>...",
		Short: "Collect daily candles and returns for tickers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var from, to time.Time
			var err error
			if start != "" {
				if from, err = parseDay(start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
			}
			if end != "" {
				if to, err = parseDay(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.CollectPrices(ctx, args, from, to, column)
				if err != nil {
					return err
				}
				printMerge(cmd.OutOrStdout(), app.DatasetCandles, res.Candles)
				printMerge(cmd.OutOrStdout(), app.DatasetReturns, res.Returns)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "First day (YYYY-MM-DD, default full history)")
	cmd.Flags().StringVar(&end, "end", "", "Last day (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&column, "column", collect.DefaultReturnsColumn, "Price column returns are computed from")
	return cmd
}

func newRestoreCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <dataset>",
		Short: "Replace a dataset's archive with the backup taken by the last merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				path, err := a.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", path)
				return nil
			})
		},
	}
}

func newPullCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [dataset]...",
		Short: "Download dataset archives from the configured mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				res, err := a.Pull(ctx, args...)
				if err != nil {
					return err
				}
				for local, object := range res.Objects {
					fmt.Fprintf(cmd.OutOrStdout(), "pulled %s -> %s\n", object, local)
				}
				return res.Err()
			})
		},
	}
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [dataset]",
		Short: "List journaled merges, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset := ""
			if len(args) == 1 {
				dataset = args[0]
			}
			return runWithApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				entries, err := a.History(ctx, dataset, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				for _, e := range entries {
					status := "written"
					switch {
					case e.Aborted:
						status = "aborted"
					case !e.Written:
						status = "in-memory"
					}
					fmt.Fprintf(out, "%s  %-12s %-8s batch=%d stored=%d result=%d conflicts=%d %s\n",
						e.CreatedAt.Format(time.RFC3339), e.Dataset, status,
						e.BatchRows, e.ArchiveRows, e.ResultRows, e.Conflicts, e.Resolution)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to list (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func printMerge(w io.Writer, target string, res *merge.Result) {
	if res == nil {
		return
	}
	switch {
	case res.Aborted:
		fmt.Fprintf(w, "%s: %d conflicting rows denied, nothing written\n", target, res.Conflicts)
		return
	case res.Conflicts > 0:
		fmt.Fprintf(w, "%s: %d conflicting rows (%s), %d replaced, %d dropped\n",
			target, res.Conflicts, res.Resolution, res.Replaced, res.Dropped)
	}
	fmt.Fprintf(w, "%s: %d rows appended, %d rows total\n", target, res.Appended, res.Table.Len())
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, strings.TrimSpace(s))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
