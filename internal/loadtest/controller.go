// Package loadtest runs a fixed pool of closed-loop workers against an inference endpoint.
package loadtest

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
	"github.com/triton-loadgen/triton-loadgen/internal/logging"
	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
)

// Controller starts and drains worker pools
type Controller struct {
	inferer     client.Inferer
	reporter    Reporter
	limiter     *rate.Limiter
	joinTimeout time.Duration
	logger      *slog.Logger
}

// Option configures the controller
type Option func(*Controller)

// WithReporter sets the outcome sink shared by all workers
func WithReporter(r Reporter) Option {
	return func(c *Controller) {
		c.reporter = r
	}
}

// WithRateLimit caps the aggregate request rate across all workers.
// Zero or negative leaves the pool closed-loop.
func WithRateLimit(perSecond float64) Option {
	return func(c *Controller) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithJoinTimeout sets how long Stop waits for each worker
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller that sends requests through inferer
func NewController(inferer client.Inferer, opts ...Option) *Controller {
	c := &Controller{
		inferer:     inferer,
		reporter:    Reporters{},
		joinTimeout: DefaultJoinTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run is a started pool
type Run struct {
	session *Session
	workers []*worker

	stopOnce sync.Once
	drain    DrainReport
}

// DrainReport describes how workers left during Stop
type DrainReport struct {
	Exited    int           `json:"exited"`
	Abandoned []int         `json:"abandoned,omitempty"`
	Took      time.Duration `json:"took"`
}

// Clean reports whether every worker exited within its join timeout
func (d DrainReport) Clean() bool {
	return len(d.Abandoned) == 0
}

// Session returns the session the pool runs under
func (r *Run) Session() *Session {
	return r.session
}

// Done is closed when the session is cancelled
func (r *Run) Done() <-chan struct{} {
	return r.session.Done()
}

// Start launches Config.Concurrency workers and returns immediately
func (c *Controller) Start(ctx context.Context, s *Session) (*Run, error) {
	if s.Cancelled() {
		return nil, NewSetupError("start", ErrSessionCancelled)
	}

	ctx = logging.WithRunID(ctx, s.ID)
	run := &Run{session: s}
	for i := 1; i <= s.Config.Concurrency; i++ {
		w := newWorker(i, s, c.inferer, c.reporter, c.limiter)
		run.workers = append(run.workers, w)
		go w.run(ctx)
	}

	c.logger.Info("load test started",
		slog.String("run_id", s.ID),
		slog.String("endpoint", s.Config.Endpoint),
		slog.String("model", s.Config.Model),
		slog.Int("concurrency", s.Config.Concurrency),
		slog.Int("prompts", len(s.prompts)))

	return run, nil
}

// Stop cancels the session and waits up to the join timeout for each worker
// in turn. Workers that miss it are abandoned, not killed; their in-flight
// request still completes in the background. Calling Stop again returns the
// first report.
func (c *Controller) Stop(run *Run) DrainReport {
	run.stopOnce.Do(func() {
		start := time.Now()
		run.session.Cancel()

		for _, w := range run.workers {
			timer := time.NewTimer(c.joinTimeout)
			select {
			case <-w.done:
				run.drain.Exited++
			case <-timer.C:
				run.drain.Abandoned = append(run.drain.Abandoned, w.id)
			}
			timer.Stop()
		}
		run.drain.Took = time.Since(start)

		if n := len(run.drain.Abandoned); n > 0 {
			metrics.RecordAbandoned(n)
			c.logger.Warn("workers abandoned after join timeout",
				slog.String("run_id", run.session.ID),
				slog.Any("workers", run.drain.Abandoned),
				slog.Duration("join_timeout", c.joinTimeout))
		}
		c.logger.Info("load test stopped",
			slog.String("run_id", run.session.ID),
			slog.Int("exited", run.drain.Exited),
			slog.Duration("took", run.drain.Took))
	})
	return run.drain
}

// InstallInterruptHandler cancels s on SIGINT or SIGTERM. onStop runs once,
// on the first signal only. The returned function uninstalls the handler.
func InstallInterruptHandler(s *Session, onStop func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := watchSignals(s, ch, onStop)
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

func watchSignals(s *Session, ch <-chan os.Signal, onStop func()) chan struct{} {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				if s.Cancel() && onStop != nil {
					onStop()
				}
			case <-done:
				return
			}
		}
	}()
	return done
}
