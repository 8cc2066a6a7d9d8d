package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/internal/loadtest"
	"github.com/triton-loadgen/triton-loadgen/internal/tokenizer"
)

const (
	metadataPreviewLen = 500
	errorSnippetLen    = 200
)

// smokeStep is one generation of the smoke test
type smokeStep struct {
	label     string
	prompt    string
	maxTokens int
}

var defaultSmokeSteps = []smokeStep{
	{label: "short", prompt: "Say hello in 5 words or less", maxTokens: 20},
	{label: "longer", prompt: "What is Python? Explain in 3 sentences.", maxTokens: 100},
}

var (
	smokePrompt    string
	smokeMaxTokens int
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run a one-shot conformance check",
	Long: `Check server readiness, print model metadata, verify the tokenizer sidecar
and run two generations, printing the decoded text.

With --prompt a single generation of --max-new-tokens is run instead.

Examples:
  tritonload smoke --url http://localhost:8000 --tokenizer-url http://localhost:8001
  tritonload smoke --tokenizer-url http://localhost:8001 --prompt "Count from 1 to 10." --max-new-tokens 40`,
	RunE: runSmoke,
}

func init() {
	smokeCmd.Flags().StringVar(&tokenizerURL, "tokenizer-url", "", "Tokenizer sidecar URL")
	smokeCmd.Flags().StringVar(&smokePrompt, "prompt", "", "Generate from this prompt only")
	smokeCmd.Flags().IntVar(&smokeMaxTokens, "max-new-tokens", 50, "Tokens to generate for --prompt")

	rootCmd.AddCommand(smokeCmd)
}

func runSmoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	c := newClient(cfg)

	fmt.Fprintln(out, "=== Testing Triton TensorRT-LLM API ===")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "1. Health check:")
	if err := c.Ready(ctx); err != nil {
		if !client.IsHTTPError(err) {
			fmt.Fprintf(out, "   FAILED: %v\n", err)
			return fmt.Errorf("server unreachable: %w", err)
		}
		fmt.Fprintln(out, "   Status: FAILED")
	} else {
		fmt.Fprintln(out, "   Status: OK")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "2. Model info (%s):\n", cfg.Target.Model)
	if meta, err := c.ModelMetadata(ctx); err != nil {
		fmt.Fprintf(out, "   FAILED: %v\n", err)
	} else {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, meta.Raw, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(meta.Raw)
		}
		fmt.Fprintf(out, "   %s...\n", truncateString(pretty.String(), metadataPreviewLen))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "3. Loading tokenizer...")
	if cfg.Tokenizer.URL == "" {
		return loadtest.NewSetupError("tokenizer", tokenizer.ErrUnavailable)
	}
	tok := tokenizer.NewHTTPTokenizer(cfg.Tokenizer.URL, tokenizer.WithModel(cfg.Target.Model))
	if err := tok.Ping(ctx); err != nil {
		return loadtest.NewSetupError("tokenizer", err)
	}
	fmt.Fprintf(out, "   Tokenizer loaded: %s\n", cfg.Tokenizer.URL)
	fmt.Fprintln(out)

	steps := defaultSmokeSteps
	if smokePrompt != "" {
		steps = []smokeStep{{label: "custom", prompt: smokePrompt, maxTokens: smokeMaxTokens}}
	}
	for i, step := range steps {
		fmt.Fprintf(out, "%d. Generate request (%s):\n", i+4, step.label)
		if err := generate(ctx, out, c, tok, step); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "=== Done ===")
	return nil
}

// generate runs one smoke generation. Only tokenizer failures are returned;
// request and decode failures are printed.
func generate(ctx context.Context, out io.Writer, c *client.Client, tok tokenizer.Tokenizer, step smokeStep) error {
	fmt.Fprintf(out, "   Prompt: %s\n", step.prompt)

	ids, err := tok.Encode(ctx, step.prompt)
	if err != nil {
		return fmt.Errorf("failed to tokenize prompt: %w", err)
	}
	fmt.Fprintf(out, "   Tokenized: %d tokens\n", len(ids))

	req := codec.Encode(ids, step.maxTokens)
	req.ID = uuid.New().String()
	resp, err := c.Infer(ctx, &req)
	if err != nil {
		var clientErr *client.ClientError
		if errors.As(err, &clientErr) && clientErr.Kind == client.KindHTTP {
			fmt.Fprintf(out, "   ERROR %d: %s\n", clientErr.StatusCode, truncateString(clientErr.Message, errorSnippetLen))
			return nil
		}
		fmt.Fprintf(out, "   ERROR: %v\n", err)
		return nil
	}

	res, err := codec.DecodeWithOptions(resp, codec.DecodeOptions{})
	if err != nil {
		fmt.Fprintf(out, "   Decode error: %v\n", err)
		return nil
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "   Warning: %s\n", w)
	}

	text, err := tok.Decode(ctx, res.Tokens, true)
	if err != nil {
		return fmt.Errorf("failed to detokenize response: %w", err)
	}
	fmt.Fprintf(out, "   Response: %s\n", text)
	return nil
}
