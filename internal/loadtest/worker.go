package loadtest

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/triton-loadgen/triton-loadgen/internal/client"
	"github.com/triton-loadgen/triton-loadgen/internal/codec"
	"github.com/triton-loadgen/triton-loadgen/internal/logging"
	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// worker issues requests until the session is cancelled
type worker struct {
	id       int
	session  *Session
	inferer  client.Inferer
	reporter Reporter
	limiter  *rate.Limiter
	rng      *rand.Rand
	seq      int64
	done     chan struct{}
}

func newWorker(id int, s *Session, inferer client.Inferer, reporter Reporter, limiter *rate.Limiter) *worker {
	seed := time.Now().UnixNano() + int64(id)
	if s.Config.Seeded {
		seed = s.Config.Seed + int64(id)
	}
	return &worker{
		id:       id,
		session:  s,
		inferer:  inferer,
		reporter: reporter,
		limiter:  limiter,
		rng:      rand.New(rand.NewSource(seed)),
		done:     make(chan struct{}),
	}
}

// run is the worker loop. Nothing a single attempt returns stops it; only
// the session flag does, and only at the top of an iteration.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	model := w.session.Config.Model
	metrics.WorkerStarted(model)
	defer metrics.WorkerStopped(model)

	ctx = logging.WithWorkerID(ctx, w.id)
	// In-flight requests finish on their own timeout after a cancel;
	// the stop signal only keeps retry layers from starting new attempts.
	reqCtx := client.WithStop(context.WithoutCancel(ctx), w.session.Done())

	logging.Debug(ctx, "worker started")
	defer func() { logging.Debug(ctx, "worker exited", "requests", w.seq) }()

	for !w.session.Cancelled() {
		if w.limiter != nil {
			if err := w.limiter.Wait(w.session.ctx); err != nil {
				if w.session.Cancelled() {
					return
				}
				logging.Warn(ctx, "rate limiter wait failed", "error", err)
			}
		}

		w.reporter.Report(w.attempt(reqCtx))
		w.pace()
	}
}

// attempt performs exactly one request and classifies it
func (w *worker) attempt(ctx context.Context) models.WorkerOutcome {
	w.seq++
	prompts := w.session.prompts
	prompt := prompts[w.rng.Intn(len(prompts))]

	req := codec.Encode(prompt, w.session.Config.MaxNewTokens)
	req.ID = uuid.New().String()
	ctx = logging.WithRequestID(ctx, req.ID)

	start := time.Now()
	resp, err := w.inferer.Infer(ctx, &req)
	latency := time.Since(start)

	out := Classify(resp, err, w.session.decodeOptions())
	out.WorkerID = w.id
	out.Seq = w.seq
	out.Latency = latency
	out.At = start

	if out.OK() {
		logging.Debug(ctx, "infer ok",
			"latency", latency,
			"prompt_tokens", len(prompt),
			"output_tokens", out.Tokens)
		for _, warn := range out.Warnings {
			logging.Warn(ctx, "decode warning", "warning", warn)
		}
	} else {
		logging.Debug(ctx, "infer failed",
			"outcome", string(out.Kind),
			"latency", latency,
			"error", out.Message)
	}
	return out
}

// pace sleeps the pacing delay, waking early on cancellation
func (w *worker) pace() {
	d := w.session.Config.PacingDelay
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.session.Done():
	}
}

// Classify maps the result of one Infer call to an outcome kind.
// WorkerID, Seq, Latency and At are left for the caller.
func Classify(resp *models.InferenceResponse, err error, opts codec.DecodeOptions) models.WorkerOutcome {
	if err != nil {
		switch {
		case client.IsTimeout(err):
			return models.WorkerOutcome{Kind: models.OutcomeTimeout, Message: err.Error()}
		case client.IsHTTPError(err):
			return models.WorkerOutcome{
				Kind:       models.OutcomeHTTPError,
				StatusCode: client.StatusCode(err),
				Message:    err.Error(),
			}
		default:
			return models.WorkerOutcome{Kind: models.OutcomeTransportError, Message: err.Error()}
		}
	}

	res, derr := codec.DecodeWithOptions(resp, opts)
	if derr != nil {
		return models.WorkerOutcome{Kind: models.OutcomeDecodeError, Message: derr.Error()}
	}
	return models.WorkerOutcome{
		Kind:     models.OutcomeSuccess,
		Tokens:   len(res.Tokens),
		Warnings: res.Warnings,
	}
}
