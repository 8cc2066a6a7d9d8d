package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/storage"
)

var (
	runsStatus string
	runsSince  time.Duration
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted load-test runs",
	Long: `List load-test runs recorded with 'tritonload run --db'.

Runs are shown newest first. --model filters only when given explicitly.

Examples:
  tritonload runs --db runs.db
  tritonload runs --db runs.db --status complete --since 24h -o json
  tritonload runs show <run-id> --db runs.db`,
	RunE: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete [run-id]",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runDBPath, "db", "", "SQLite database for run history")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (running, complete, interrupted, failed)")
	runsCmd.Flags().DurationVar(&runsSince, "since", 0, "Only runs started within this window")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list (0 for all)")

	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// openRunStore opens and migrates the configured run database
func openRunStore(cmd *cobra.Command) (*storage.RunStore, func() error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Path == "" {
		return nil, nil, errors.New("no run database configured (use --db)")
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(cmd.Context()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage.NewRunStore(db), db.Close, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	filter := storage.RunFilter{Status: runsStatus, Limit: runsLimit}
	if cmd.Flags().Changed("model") {
		filter.Model = modelName
	}
	if runsSince > 0 {
		filter.Since = time.Now().Add(-runsSince)
	}

	runs, err := store.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, struct {
			Runs  []*storage.Run `json:"runs"`
			Count int            `json:"count"`
		}{Runs: runs, Count: len(runs)})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSTATUS\tWORKERS\tREQUESTS\tSUCCESS\tP50\tP95\tREQ/S\tSTARTED")
	fmt.Fprintln(w, "--\t-----\t------\t-------\t--------\t-------\t---\t---\t-----\t-------")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.0fms\t%.0fms\t%.2f\t%s\n",
			r.ID,
			r.Model,
			r.Status,
			r.Concurrency,
			r.Total,
			r.Success,
			r.P50MS,
			r.P95MS,
			r.RequestsPerSecond,
			r.StartedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d runs\n", len(runs))
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	run, err := getRun(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, run)
	}

	fmt.Fprintf(out, "Run:          %s\n", run.ID)
	fmt.Fprintf(out, "Status:       %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(out, "Error:        %s\n", run.Error)
	}
	fmt.Fprintf(out, "Target:       %s (model %s)\n", run.Endpoint, run.Model)
	fmt.Fprintf(out, "Workers:      %d, max_new_tokens=%d, pacing=%dms\n", run.Concurrency, run.MaxNewTokens, run.PacingMS)
	fmt.Fprintf(out, "Prompts:      %d (seed %d)\n", run.PromptCount, run.Seed)
	fmt.Fprintf(out, "Started:      %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "Duration:     %s\n", run.Duration().Round(time.Millisecond))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tCOUNT")
	fmt.Fprintln(w, "-------\t-----")
	fmt.Fprintf(w, "success\t%d\n", run.Success)
	fmt.Fprintf(w, "http_error\t%d\n", run.HTTPError)
	fmt.Fprintf(w, "timeout\t%d\n", run.Timeout)
	fmt.Fprintf(w, "transport_error\t%d\n", run.TransportError)
	fmt.Fprintf(w, "decode_error\t%d\n", run.DecodeError)
	w.Flush()

	if len(run.HTTPStatuses) > 0 {
		codes := make([]int, 0, len(run.HTTPStatuses))
		for code := range run.HTTPStatuses {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		fmt.Fprint(out, "\nHTTP statuses:")
		for _, code := range codes {
			fmt.Fprintf(out, " %d=%d", code, run.HTTPStatuses[code])
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "\nLatency:      mean=%.0fms p50=%.0fms p95=%.0fms p99=%.0fms\n", run.MeanMS, run.P50MS, run.P95MS, run.P99MS)
	fmt.Fprintf(out, "Throughput:   %.2f req/s, %d tokens\n", run.RequestsPerSecond, run.Tokens)
	if run.AbandonedWorkers > 0 {
		fmt.Fprintf(out, "Abandoned:    %d worker(s)\n", run.AbandonedWorkers)
	}
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, closeDB, err := openRunStore(cmd)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run not found: %s", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s deleted\n", args[0])
	return nil
}

func getRun(ctx context.Context, store *storage.RunStore, id string) (*storage.Run, error) {
	run, err := store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return run, err
}
