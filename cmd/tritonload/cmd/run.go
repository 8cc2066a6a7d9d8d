package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
	"github.com/triton-loadgen/triton-loadgen/internal/config"
	"github.com/triton-loadgen/triton-loadgen/internal/loadtest"
	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
	"github.com/triton-loadgen/triton-loadgen/internal/statusapi"
	"github.com/triton-loadgen/triton-loadgen/internal/storage"
	"github.com/triton-loadgen/triton-loadgen/internal/tokenizer"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

var (
	runConcurrency  int
	runMaxNewTokens int
	runPacing       time.Duration
	runDuration     time.Duration
	runJoinTimeout  time.Duration
	runSeed         int64
	runRate         float64
	runPromptsFile  string
	runRetries      int
	runDBPath       string
	runMetricsAddr  string
	tokenizerURL    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a sustained concurrent load test",
	Long: `Start a pool of workers that each send one inference request at a time
with a random prompt, until interrupted or until --duration elapses.

Text prompts are tokenized once at startup through the tokenizer sidecar
(--tokenizer-url). A prompt file may carry pre-tokenized ids instead.

Examples:
  tritonload run --url http://localhost:8000 --concurrency 8 --tokenizer-url http://localhost:8001
  tritonload run --prompts prompts.yaml --duration 5m --db runs.db --metrics-addr :9090`,
	RunE: runLoad,
}

func init() {
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", loadtest.DefaultConcurrency, "Number of concurrent workers")
	runCmd.Flags().IntVar(&runMaxNewTokens, "max-new-tokens", 50, "Tokens to generate per request")
	runCmd.Flags().DurationVar(&runPacing, "pacing", loadtest.DefaultPacingDelay, "Delay between a worker's requests")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().DurationVar(&runJoinTimeout, "join-timeout", loadtest.DefaultJoinTimeout, "How long shutdown waits for each worker")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Seed for prompt selection (0 picks one from the clock)")
	runCmd.Flags().Float64Var(&runRate, "rate", 0, "Aggregate request rate cap in req/s (0 for none)")
	runCmd.Flags().StringVar(&runPromptsFile, "prompts", "", "YAML prompt file (defaults to the built-in prompts)")
	runCmd.Flags().StringVar(&tokenizerURL, "tokenizer-url", "", "Tokenizer sidecar URL")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "Retries for timeouts, 429 and 5xx (0 disables)")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "SQLite database for run history (empty disables)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Listen address for /metrics and /status (empty disables)")

	rootCmd.AddCommand(runCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Starting Triton TensorRT-LLM load test with %d concurrent requests\n", cfg.Load.Concurrency)
	fmt.Fprintf(out, "Target: %s\n", cfg.Target.URL)
	fmt.Fprintln(out, "Press Ctrl+C to stop")
	fmt.Fprintln(out)

	session, err := newSession(ctx, out, cfg)
	if err != nil {
		return err
	}

	console := loadtest.NewConsoleReporter(out)
	// A signal during setup cancels the session, so Start never launches workers
	uninstall := loadtest.InstallInterruptHandler(session, func() {
		console.Printf("\nStopping...\n")
	})
	defer uninstall()

	collector := loadtest.NewCollector()
	reporter := loadtest.Reporters{console, loadtest.NewMetricsReporter(cfg.Target.Model), collector}

	opts := []loadtest.Option{
		loadtest.WithReporter(reporter),
		loadtest.WithJoinTimeout(cfg.Load.JoinTimeout),
	}
	if cfg.Load.Rate > 0 {
		opts = append(opts, loadtest.WithRateLimit(cfg.Load.Rate))
	}
	controller := loadtest.NewController(newInferer(cfg), opts...)

	var store *storage.RunStore
	var record *storage.Run
	if cfg.Database.Path != "" {
		db, err := storage.New(cfg.Database.Path)
		if err != nil {
			return loadtest.NewSetupError("storage", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return loadtest.NewSetupError("storage", err)
		}

		store = storage.NewRunStore(db)
		record = newRunRecord(session)
		if err := store.Create(ctx, record); err != nil {
			return loadtest.NewSetupError("storage", err)
		}
	}

	var status *statusapi.Server
	if cfg.Metrics.Addr != "" {
		status = statusapi.New(statusapi.RunInfo{
			RunID:       session.ID,
			Endpoint:    cfg.Target.URL,
			Model:       cfg.Target.Model,
			Concurrency: cfg.Load.Concurrency,
			StartedAt:   session.StartedAt(),
		}, collector)
		if err := status.Start(cfg.Metrics.Addr); err != nil {
			return loadtest.NewSetupError("metrics", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := status.Shutdown(shutdownCtx); err != nil {
				slog.Warn("status server shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	drain, expired, err := driveRun(ctx, controller, session, cfg.Load.Duration, func() {
		if status != nil {
			status.SetReady(false)
		}
	})
	if err != nil {
		if store != nil {
			record.Status = storage.RunStatusFailed
			record.Error = err.Error()
			if ferr := store.Finish(context.WithoutCancel(ctx), record); ferr != nil {
				slog.Warn("failed to save run", slog.String("run_id", record.ID), slog.String("error", ferr.Error()))
			}
		}
		return err
	}
	summary := collector.Summary()

	loadtest.WriteSummary(out, summary)
	if !drain.Clean() {
		fmt.Fprintf(out, "Abandoned %d worker(s) with requests still in flight: %v\n", len(drain.Abandoned), drain.Abandoned)
	}

	if store != nil {
		finalStatus := storage.RunStatusInterrupted
		if expired {
			finalStatus = storage.RunStatusComplete
		}
		fillRunRecord(record, summary, drain, finalStatus)
		if err := store.Finish(context.WithoutCancel(ctx), record); err != nil {
			return fmt.Errorf("failed to save run %s: %w", record.ID, err)
		}
		fmt.Fprintf(out, "Run saved: %s\n", record.ID)
	}

	return nil
}

// driveRun starts the workers and blocks until the session is cancelled by
// the duration timer, a signal or ctx, then drains them. A session
// cancelled before Start is an empty interrupted run, not an error.
// beforeStop runs once the wait ends and before workers are joined.
func driveRun(ctx context.Context, controller *loadtest.Controller, session *loadtest.Session, duration time.Duration, beforeStop func()) (loadtest.DrainReport, bool, error) {
	run, err := controller.Start(ctx, session)
	if errors.Is(err, loadtest.ErrSessionCancelled) {
		return loadtest.DrainReport{}, false, nil
	}
	if err != nil {
		return loadtest.DrainReport{}, false, err
	}

	var expired atomic.Bool
	if duration > 0 {
		timer := time.AfterFunc(duration, func() {
			expired.Store(true)
			session.Cancel()
		})
		defer timer.Stop()
	}

	select {
	case <-run.Done():
	case <-ctx.Done():
	}

	if beforeStop != nil {
		beforeStop()
	}
	return controller.Stop(run), expired.Load(), nil
}

// newSession builds the prompt pool and validates the run shape
func newSession(ctx context.Context, out io.Writer, cfg *config.Config) (*loadtest.Session, error) {
	pf := tokenizer.DefaultPromptFile()
	if cfg.Load.PromptsFile != "" {
		loaded, err := tokenizer.LoadPromptFile(cfg.Load.PromptsFile)
		if err != nil {
			return nil, loadtest.NewSetupError("prompts", err)
		}
		pf = loaded
	}

	var tok tokenizer.Tokenizer
	if cfg.Tokenizer.URL != "" {
		tok = tokenizer.NewHTTPTokenizer(cfg.Tokenizer.URL, tokenizer.WithModel(cfg.Target.Model))
	}
	if pf.NeedsTokenizer() {
		fmt.Fprintln(out, "Tokenizing prompts...")
	}

	prompts, err := loadtest.BuildPromptPool(ctx, tok, pf)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Ready with %d prompts\n", len(prompts))
	fmt.Fprintln(out)

	return loadtest.NewSession(loadtest.SessionConfig{
		Endpoint:     cfg.Target.URL,
		Model:        cfg.Target.Model,
		Concurrency:  cfg.Load.Concurrency,
		MaxNewTokens: cfg.Load.MaxNewTokens,
		PacingDelay:  cfg.Load.PacingDelay,
		Seed:         cfg.Load.Seed,
		Seeded:       cfg.Seeded(),
		EndTokens:    pf.EndTokens,
	}, prompts)
}

// newInferer returns the client, wrapped in the retry policy when enabled
func newInferer(cfg *config.Config) client.Inferer {
	c := newClient(cfg)
	if cfg.Retry.MaxRetries == 0 {
		return c
	}

	retrying := client.NewRetrying(c, client.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	})
	retrying.OnRetry = func(attempt int, err error) {
		metrics.RecordRetry(cfg.Target.Model)
		slog.Debug("retrying infer request",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return retrying
}

func newRunRecord(s *loadtest.Session) *storage.Run {
	return &storage.Run{
		ID:           s.ID,
		Endpoint:     s.Config.Endpoint,
		Model:        s.Config.Model,
		Status:       storage.RunStatusRunning,
		Concurrency:  s.Config.Concurrency,
		MaxNewTokens: s.Config.MaxNewTokens,
		PacingMS:     s.Config.PacingDelay.Milliseconds(),
		Seed:         s.Config.Seed,
		PromptCount:  len(s.Prompts()),
		StartedAt:    s.StartedAt(),
	}
}

func fillRunRecord(r *storage.Run, s loadtest.Summary, drain loadtest.DrainReport, status string) {
	ms := func(d time.Duration) float64 {
		return float64(d) / float64(time.Millisecond)
	}

	r.Status = status
	r.Total = s.Total
	r.Success = s.Count(models.OutcomeSuccess)
	r.HTTPError = s.Count(models.OutcomeHTTPError)
	r.Timeout = s.Count(models.OutcomeTimeout)
	r.TransportError = s.Count(models.OutcomeTransportError)
	r.DecodeError = s.Count(models.OutcomeDecodeError)
	r.Tokens = s.Tokens
	r.Warnings = s.Warnings
	r.MeanMS = ms(s.Mean)
	r.P50MS = ms(s.P50)
	r.P95MS = ms(s.P95)
	r.P99MS = ms(s.P99)
	r.RequestsPerSecond = s.Throughput
	r.AbandonedWorkers = len(drain.Abandoned)
	r.HTTPStatuses = s.HTTPStatus

	finished := time.Now()
	r.FinishedAt = &finished
}
