package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

func echoHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/models/qwen/infer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		req, err := codec.UnmarshalRequest(body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		ids, _ := req.Input(models.TensorInputIDs)
		json.NewEncoder(w).Encode(models.InferenceResponse{
			ModelName: "qwen",
			Outputs: []models.Tensor{
				{Name: "output_ids", Shape: ids.Shape, Datatype: "INT32", Data: ids.Data},
			},
		})
	}
}

func TestClient_Defaults(t *testing.T) {
	c := NewClient()
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, "http://localhost:8000/v2/models/qwen/infer", c.InferURL())
}

func TestClient_WithBaseURL_TrimsSlash(t *testing.T) {
	c := NewClient(WithBaseURL("http://triton:8000/"), WithModel("ensemble"))
	assert.Equal(t, "http://triton:8000/v2/models/ensemble/infer", c.InferURL())
}

func TestClient_Infer_Success(t *testing.T) {
	server := httptest.NewServer(echoHandler(t))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	req := codec.Encode(models.TokenSequence{15, 22, 9}, 20)

	resp, err := c.Infer(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, "qwen", resp.ModelName)

	tokens, err := codec.Decode(resp)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSequence{15, 22, 9}, tokens)
}

func TestClient_Infer_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"model not ready"}`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	req := codec.Encode(models.TokenSequence{1}, 5)

	_, err := c.Infer(context.Background(), &req)
	require.Error(t, err)
	assert.True(t, IsHTTPError(err))
	assert.False(t, IsTimeout(err))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Contains(t, err.Error(), "model not ready")
}

func TestClient_Infer_HTTPErrorSnippetIsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	req := codec.Encode(models.TokenSequence{1}, 5)

	_, err := c.Infer(context.Background(), &req)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.LessOrEqual(t, len(ce.Message), errorSnippetLen)
}

func TestClient_Infer_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL), WithTimeout(50*time.Millisecond))
	req := codec.Encode(models.TokenSequence{1}, 5)

	start := time.Now()
	_, err := c.Infer(context.Background(), &req)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsHTTPError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Infer_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	c := NewClient(WithBaseURL(addr), WithTimeout(time.Second))
	req := codec.Encode(models.TokenSequence{1}, 5)

	_, err := c.Infer(context.Background(), &req)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.False(t, IsTimeout(err))
}

func TestClient_Infer_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"outputs": [{"name": `))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	req := codec.Encode(models.TokenSequence{1}, 5)

	_, err := c.Infer(context.Background(), &req)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestClient_Ready(t *testing.T) {
	var ready atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/health/ready", r.URL.Path)
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))

	err := c.Ready(context.Background())
	assert.True(t, IsHTTPError(err))

	ready.Store(true)
	assert.NoError(t, c.Ready(context.Background()))
}

func TestClient_ModelMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/models/qwen", r.URL.Path)
		w.Write([]byte(`{
			"name": "qwen",
			"versions": ["1"],
			"platform": "ensemble",
			"inputs": [{"name": "input_ids", "datatype": "INT32", "shape": [-1, -1]}],
			"outputs": [{"name": "output_ids", "datatype": "INT32", "shape": [-1, -1, -1]}]
		}`))
	}))
	defer server.Close()

	c := NewClient(WithBaseURL(server.URL))
	meta, err := c.ModelMetadata(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "qwen", meta.Name)
	assert.Equal(t, "ensemble", meta.Platform)
	require.Len(t, meta.Inputs, 1)
	assert.Equal(t, []int64{-1, -1}, meta.Inputs[0].Shape)
	assert.Contains(t, string(meta.Raw), "output_ids")
}

func TestClient_ServerMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2", r.URL.Path)
		w.Write([]byte(`{"name": "triton", "version": "2.50.0", "extensions": ["sequence"]}`))
	}))
	defer server.Close()

	meta, err := NewClient(WithBaseURL(server.URL)).ServerMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "triton", meta.Name)
	assert.Equal(t, "2.50.0", meta.Version)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"timeout", newTimeoutError("Infer", context.DeadlineExceeded), true},
		{"503", newHTTPError("Infer", 503, ""), true},
		{"429", newHTTPError("Infer", 429, ""), true},
		{"400", newHTTPError("Infer", 400, ""), false},
		{"transport", newTransportError("Infer", io.ErrUnexpectedEOF), false},
		{"plain", io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}
