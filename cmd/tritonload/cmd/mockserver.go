package cmd

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/mockserver"
)

var (
	mockHost  string
	mockPort  int
	mockDelay time.Duration
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Serve a mock Triton TensorRT-LLM endpoint",
	Long: `Serve a stand-in for Triton that echoes the prompt ids and appends
generated ids, plus a byte-level /tokenize and /detokenize sidecar.

Behaviour can be changed at runtime through POST /_test/config.

Examples:
  tritonload mock-server --port 8000
  tritonload run --url http://127.0.0.1:8000 --tokenizer-url http://127.0.0.1:8000`,
	RunE: runMockServer,
}

func init() {
	mockServerCmd.Flags().StringVar(&mockHost, "host", "127.0.0.1", "Listen host")
	mockServerCmd.Flags().IntVar(&mockPort, "port", 8000, "Listen port")
	mockServerCmd.Flags().DurationVar(&mockDelay, "delay", 0, "Artificial delay before each infer response")

	rootCmd.AddCommand(mockServerCmd)
}

func runMockServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	state := mockserver.NewState(cfg.Target.Model)
	if cfg.MockServer.ResponseDelay > 0 {
		state.SetResponseDelay(cfg.MockServer.ResponseDelay)
	}
	srv := mockserver.NewServer(state)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(cfg.MockServer.Host, strconv.Itoa(cfg.MockServer.Port))
	return srv.Serve(ctx, addr)
}
