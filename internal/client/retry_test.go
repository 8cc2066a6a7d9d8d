package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

type scriptedInferer struct {
	calls atomic.Int32
	errs  []error
}

func (s *scriptedInferer) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	return &models.InferenceResponse{ModelName: "qwen"}, nil
}

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrying_SucceedsAfterServerErrors(t *testing.T) {
	next := &scriptedInferer{errs: []error{
		newHTTPError("Infer", 503, ""),
		newTimeoutError("Infer", context.DeadlineExceeded),
	}}

	var retries []int
	r := NewRetrying(next, fastRetry(3))
	r.OnRetry = func(attempt int, err error) { retries = append(retries, attempt) }

	resp, err := r.Infer(context.Background(), &models.InferenceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "qwen", resp.ModelName)
	assert.Equal(t, int32(3), next.calls.Load())
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetrying_DoesNotRetryClientErrors(t *testing.T) {
	next := &scriptedInferer{errs: []error{newHTTPError("Infer", 400, "bad input")}}
	r := NewRetrying(next, fastRetry(3))

	_, err := r.Infer(context.Background(), &models.InferenceRequest{})
	require.Error(t, err)
	assert.Equal(t, 400, StatusCode(err))
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRetrying_ExhaustionReturnsLastError(t *testing.T) {
	last := newHTTPError("Infer", 502, "")
	next := &scriptedInferer{errs: []error{newHTTPError("Infer", 503, ""), newHTTPError("Infer", 503, ""), last}}
	r := NewRetrying(next, fastRetry(2))

	_, err := r.Infer(context.Background(), &models.InferenceRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTPStatus))
	assert.Equal(t, 502, StatusCode(err))
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestRetrying_StopsOnCancelledContext(t *testing.T) {
	next := &scriptedInferer{}
	r := NewRetrying(next, fastRetry(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Infer(ctx, &models.InferenceRequest{})
	require.Error(t, err)
	assert.Equal(t, int32(0), next.calls.Load())
}

func TestRetrying_DelayIsCapped(t *testing.T) {
	r := NewRetrying(&scriptedInferer{}, RetryConfig{MaxRetries: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	for attempt := 0; attempt < 10; attempt++ {
		d := r.delay(attempt)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestRetrying_StopSignal(t *testing.T) {
	tests := []struct {
		name      string
		stopAfter int32
		wantCalls int32
	}{
		{"stopped before first attempt still sends it", 0, 1},
		{"stopped after first failure", 1, 1},
		{"stopped after second failure", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := make(chan struct{})
			next := &scriptedInferer{errs: []error{
				newHTTPError("Infer", 503, ""),
				newHTTPError("Infer", 503, ""),
				newHTTPError("Infer", 503, ""),
				newHTTPError("Infer", 503, ""),
			}}
			if tt.stopAfter == 0 {
				close(stop)
			}

			r := NewRetrying(next, RetryConfig{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
			r.OnRetry = func(attempt int, err error) {
				if int32(attempt) == tt.stopAfter {
					close(stop)
				}
			}

			ctx := WithStop(context.Background(), stop)
			_, err := r.Infer(ctx, &models.InferenceRequest{})
			require.Error(t, err)
			assert.Equal(t, 503, StatusCode(err))
			assert.Equal(t, tt.wantCalls, next.calls.Load())
		})
	}
}

func TestRetrying_StopSignalInterruptsBackoff(t *testing.T) {
	stop := make(chan struct{})
	next := &scriptedInferer{errs: []error{newHTTPError("Infer", 503, ""), newHTTPError("Infer", 503, "")}}
	r := NewRetrying(next, RetryConfig{MaxRetries: 1, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Second})
	r.OnRetry = func(int, error) { close(stop) }

	start := time.Now()
	_, err := r.Infer(WithStop(context.Background(), stop), &models.InferenceRequest{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), next.calls.Load())
}
