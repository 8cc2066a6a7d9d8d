package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// RetryConfig holds configuration for the capped exponential backoff
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	BaseDelay  time.Duration // Initial delay before first retry
	MaxDelay   time.Duration // Maximum delay cap
}

// DefaultRetryConfig returns the backoff used when retries are switched on
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Retrying layers an explicit retry policy over an Inferer.
// Only timeouts, 429 and 5xx are retried; the last error is returned unchanged.
type Retrying struct {
	next Inferer
	cfg  RetryConfig

	mu  sync.Mutex
	rng *rand.Rand

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, err error)
}

// NewRetrying wraps next with the given policy
func NewRetrying(next Inferer, cfg RetryConfig) *Retrying {
	return &Retrying{
		next: next,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type stopKey struct{}

// WithStop attaches a stop signal to ctx. Closing stop ends retrying
// without cancelling the attempt already in flight.
func WithStop(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

// stopSignal returns the attached stop channel, or nil (never ready)
func stopSignal(ctx context.Context) <-chan struct{} {
	stop, _ := ctx.Value(stopKey{}).(<-chan struct{})
	return stop
}

// Infer calls the wrapped Inferer until success, a non-retryable error,
// exhaustion or a stop signal. No attempt starts after stop is closed.
func (r *Retrying) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	var lastErr error
	stop := stopSignal(ctx)

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, classifyDoError("Infer", err)
		}
		if attempt > 0 {
			select {
			case <-stop:
				return nil, lastErr
			default:
			}
		}

		resp, err := r.next.Infer(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == r.cfg.MaxRetries || !IsRetryable(err) {
			break
		}

		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		case <-stop:
			timer.Stop()
			return nil, lastErr
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// delay computes full-jitter backoff: rand(0, min(max, base * 2^attempt))
func (r *Retrying) delay(attempt int) time.Duration {
	exp := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if exp > float64(r.cfg.MaxDelay) {
		exp = float64(r.cfg.MaxDelay)
	}

	r.mu.Lock()
	d := time.Duration(r.rng.Float64() * exp)
	r.mu.Unlock()

	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
