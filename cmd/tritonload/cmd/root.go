package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
	"github.com/triton-loadgen/triton-loadgen/internal/config"
	"github.com/triton-loadgen/triton-loadgen/internal/logging"
)

var (
	cfgFile      string
	targetURL    string
	modelName    string
	timeout      time.Duration
	logLevel     string
	logFormat    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tritonload",
	Short: "Load generator and conformance checker for Triton TensorRT-LLM",
	Long: `tritonload drives a Triton Inference Server running a TensorRT-LLM model
over the KServe v2 HTTP protocol.

It can:
- Run a sustained concurrent load test and summarize latency and outcomes
- Run a one-shot smoke test against health, metadata and inference
- Probe server health and model metadata
- List persisted load-test runs
- Serve a local mock Triton for demos and tests`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&targetURL, "url", "http://localhost:8000", "Triton server URL")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "qwen", "Model name")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

// loadConfig resolves configuration for cmd and configures logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, nil
}

func newClient(cfg *config.Config) *client.Client {
	return client.NewClient(
		client.WithBaseURL(cfg.Target.URL),
		client.WithModel(cfg.Target.Model),
		client.WithTimeout(cfg.Target.Timeout),
	)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
