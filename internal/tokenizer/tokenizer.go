// Package tokenizer provides the text <-> token id collaborator used to build prompt pools.
package tokenizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// ErrUnavailable is returned when no tokenizer is configured
var ErrUnavailable = errors.New("tokenizer unavailable")

// Tokenizer converts text to token ids and back
type Tokenizer interface {
	Encode(ctx context.Context, text string) (models.TokenSequence, error)
	Decode(ctx context.Context, ids models.TokenSequence, skipSpecialTokens bool) (string, error)
}

const defaultTimeout = 10 * time.Second

// HTTPTokenizer talks to a tokenization sidecar exposing /tokenize and /detokenize
type HTTPTokenizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option configures the HTTP tokenizer
type Option func(*HTTPTokenizer)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTPTokenizer) {
		t.httpClient = client
	}
}

// WithModel sets the model name sent with each request
func WithModel(model string) Option {
	return func(t *HTTPTokenizer) {
		t.model = model
	}
}

// NewHTTPTokenizer creates a tokenizer client for baseURL
func NewHTTPTokenizer(baseURL string, opts ...Option) *HTTPTokenizer {
	t := &HTTPTokenizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TokenizeRequest is the body of POST /tokenize
type TokenizeRequest struct {
	Model            string `json:"model,omitempty"`
	Prompt           string `json:"prompt"`
	AddSpecialTokens bool   `json:"add_special_tokens"`
}

// TokenizeResponse is the response of POST /tokenize
type TokenizeResponse struct {
	Count  int     `json:"count"`
	Tokens []int32 `json:"tokens"`
}

// DetokenizeRequest is the body of POST /detokenize
type DetokenizeRequest struct {
	Model             string  `json:"model,omitempty"`
	Tokens            []int32 `json:"tokens"`
	SkipSpecialTokens bool    `json:"skip_special_tokens"`
}

// DetokenizeResponse is the response of POST /detokenize
type DetokenizeResponse struct {
	Prompt string `json:"prompt"`
}

// Encode tokenizes text
func (t *HTTPTokenizer) Encode(ctx context.Context, text string) (models.TokenSequence, error) {
	var resp TokenizeResponse
	if err := t.post(ctx, "/tokenize", TokenizeRequest{Model: t.model, Prompt: text, AddSpecialTokens: true}, &resp); err != nil {
		return nil, err
	}
	if resp.Tokens == nil {
		resp.Tokens = []int32{}
	}
	return models.TokenSequence(resp.Tokens), nil
}

// Decode turns ids back into text
func (t *HTTPTokenizer) Decode(ctx context.Context, ids models.TokenSequence, skipSpecialTokens bool) (string, error) {
	var resp DetokenizeResponse
	req := DetokenizeRequest{Model: t.model, Tokens: []int32(ids), SkipSpecialTokens: skipSpecialTokens}
	if err := t.post(ctx, "/detokenize", req, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// Ping checks the sidecar answers a trivial tokenize call
func (t *HTTPTokenizer) Ping(ctx context.Context) error {
	_, err := t.Encode(ctx, "ping")
	return err
}

func (t *HTTPTokenizer) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%s failed (HTTP %d): %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
