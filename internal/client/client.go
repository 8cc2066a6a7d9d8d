// Package client talks to a Triton server over the KServe v2 HTTP/JSON protocol.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

const (
	// DefaultBaseURL is the Triton HTTP endpoint
	DefaultBaseURL = "http://localhost:8000"

	// DefaultModel is the ensemble model name
	DefaultModel = "qwen"

	// DefaultTimeout bounds a single round trip
	DefaultTimeout = 30 * time.Second

	// errorSnippetLen is how much of an error body is kept for diagnostics
	errorSnippetLen = 200

	// maxResponseBytes caps response bodies read into memory
	maxResponseBytes = 64 << 20
)

// Inferer issues a single inference round trip
type Inferer interface {
	Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error)
}

// Client is a Triton HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the server base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithModel sets the model name used in infer and metadata paths
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithTimeout sets the per-request timeout; zero disables it
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a new Triton client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the configured base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// InferURL returns the infer endpoint for the configured model
func (c *Client) InferURL() string {
	return fmt.Sprintf("%s/v2/models/%s/infer", c.baseURL, url.PathEscape(c.model))
}

// Infer POSTs the request and parses the typed-tensor response.
// No retries are performed here.
func (c *Client) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	const op = "Infer"

	body, err := codec.MarshalRequest(req)
	if err != nil {
		return nil, newTransportError(op, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.InferURL(), bytes.NewReader(body))
	if err != nil {
		return nil, newTransportError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	respBody, err := c.do(ctx, op, httpReq)
	if err != nil {
		return nil, err
	}

	resp, err := codec.UnmarshalResponse(respBody)
	if err != nil {
		return nil, newTransportError(op, err)
	}
	return resp, nil
}

// Ready probes GET /v2/health/ready; nil means the server is ready
func (c *Client) Ready(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/health/ready", nil)
	if err != nil {
		return newTransportError("Ready", err)
	}
	_, err = c.do(ctx, "Ready", req)
	return err
}

// TensorMetadata describes one model input or output
type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

// ModelMetadata is the response of GET /v2/models/{model}
type ModelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []TensorMetadata `json:"inputs,omitempty"`
	Outputs  []TensorMetadata `json:"outputs,omitempty"`

	// Raw is the undecoded body, kept for diagnostics
	Raw []byte `json:"-"`
}

// ModelMetadata fetches descriptive metadata for the configured model
func (c *Client) ModelMetadata(ctx context.Context) (*ModelMetadata, error) {
	const op = "ModelMetadata"
	var meta ModelMetadata
	raw, err := c.getJSON(ctx, op, fmt.Sprintf("%s/v2/models/%s", c.baseURL, url.PathEscape(c.model)), &meta)
	if err != nil {
		return nil, err
	}
	meta.Raw = raw
	return &meta, nil
}

// ServerMetadata is the response of GET /v2
type ServerMetadata struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions,omitempty"`
}

// ServerMetadata fetches server name, version and extensions
func (c *Client) ServerMetadata(ctx context.Context) (*ServerMetadata, error) {
	var meta ServerMetadata
	if _, err := c.getJSON(ctx, "ServerMetadata", c.baseURL+"/v2", &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) getJSON(ctx context.Context, op, reqURL string, v any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, newTransportError(op, err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, newTransportError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return body, nil
}

// do executes the request and returns the body of a 200 response
func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyDoError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleError(resp, op)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, classifyDoError(op, ctx.Err())
		}
		return nil, classifyDoError(op, err)
	}
	return body, nil
}

// handleError converts a non-success status into a ClientError without parsing the body
func (c *Client) handleError(resp *http.Response, op string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLen))
	return newHTTPError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
