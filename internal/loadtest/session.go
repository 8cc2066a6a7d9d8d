package loadtest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

const (
	// DefaultConcurrency is the number of workers when none is configured
	DefaultConcurrency = 3

	// DefaultPacingDelay is the sleep between a worker's requests
	DefaultPacingDelay = 100 * time.Millisecond

	// DefaultJoinTimeout bounds how long Stop waits for each worker
	DefaultJoinTimeout = time.Second
)

// SessionConfig describes a load-test run
type SessionConfig struct {
	Endpoint     string
	Model        string
	Concurrency int
	// MaxNewTokens is sent as request_output_len. Zero is a valid request;
	// a negative value selects codec.DefaultMaxNewTokens.
	MaxNewTokens int
	PacingDelay  time.Duration

	// Seed makes prompt selection reproducible when Seeded is true
	Seed   int64
	Seeded bool

	// EndTokens cut decoded output_ids at the first match
	EndTokens []int32
}

// Session is the state shared by every worker of one run.
// The prompt pool is read-only once the session is created.
type Session struct {
	ID     string
	Config SessionConfig

	prompts []models.TokenSequence

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc

	startedAt time.Time
}

// NewSession validates the configuration and freezes the prompt pool
func NewSession(cfg SessionConfig, prompts []models.TokenSequence) (*Session, error) {
	if cfg.Concurrency < 1 {
		return nil, NewSetupError("session", ErrInvalidConcurrency)
	}
	if len(prompts) == 0 {
		return nil, NewSetupError("session", ErrNoPrompts)
	}
	if cfg.MaxNewTokens < 0 {
		cfg.MaxNewTokens = codec.DefaultMaxNewTokens
	}
	if cfg.PacingDelay < 0 {
		cfg.PacingDelay = 0
	}

	pool := make([]models.TokenSequence, len(prompts))
	for i, p := range prompts {
		pool[i] = p.Clone()
		if pool[i] == nil {
			pool[i] = models.TokenSequence{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        uuid.New().String(),
		Config:    cfg,
		prompts:   pool,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}, nil
}

// Prompts returns the shared pool; callers must not modify it
func (s *Session) Prompts() []models.TokenSequence {
	return s.prompts
}

// Cancel raises the cancellation flag. Only the first call has an effect;
// it reports whether this call was the one that cancelled.
func (s *Session) Cancel() bool {
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	return true
}

// Cancelled reports whether the flag is set
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Done is closed once the session is cancelled
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// StartedAt returns when the session was created
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) decodeOptions() codec.DecodeOptions {
	return codec.DecodeOptions{EndTokens: s.Config.EndTokens}
}
