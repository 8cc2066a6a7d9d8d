package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server readiness",
	Long: `Call GET /v2/health/ready on the target server.

Exits non-zero when the server is not ready or cannot be reached.`,
	RunE: runHealth,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Show server and model metadata",
	Long: `Fetch GET /v2 and GET /v2/models/{model} and print the server version
and the model's input and output tensors.`,
	RunE: runMetadata,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(metadataCmd)
}

// HealthResult is the JSON form of the health probe
type HealthResult struct {
	URL   string `json:"url"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	result := HealthResult{URL: cfg.Target.URL, Ready: true}
	probeErr := newClient(cfg).Ready(cmd.Context())
	if probeErr != nil {
		result.Ready = false
		result.Error = probeErr.Error()
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else if result.Ready {
		fmt.Fprintf(out, "%s: ready\n", result.URL)
	}

	if probeErr != nil {
		return fmt.Errorf("health check failed: %w", probeErr)
	}
	return nil
}

// MetadataResult is the JSON form of the metadata probe
type MetadataResult struct {
	Server *client.ServerMetadata `json:"server"`
	Model  *client.ModelMetadata  `json:"model"`
}

func runMetadata(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c := newClient(cfg)

	server, err := c.ServerMetadata(ctx)
	if err != nil {
		return err
	}
	model, err := c.ModelMetadata(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(out, MetadataResult{Server: server, Model: model})
	}

	fmt.Fprintf(out, "Server:   %s %s\n", server.Name, server.Version)
	fmt.Fprintf(out, "Model:    %s (platform %s, versions %s)\n", model.Name, model.Platform, strings.Join(model.Versions, ","))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTION\tNAME\tDATATYPE\tSHAPE")
	fmt.Fprintln(w, "---------\t----\t--------\t-----")
	for _, t := range model.Inputs {
		fmt.Fprintf(w, "input\t%s\t%s\t%v\n", t.Name, t.Datatype, t.Shape)
	}
	for _, t := range model.Outputs {
		fmt.Fprintf(w, "output\t%s\t%s\t%v\n", t.Name, t.Datatype, t.Shape)
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
