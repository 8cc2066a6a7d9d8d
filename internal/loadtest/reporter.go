package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/triton-loadgen/triton-loadgen/internal/metrics"
	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// Reporter receives one outcome per request attempt. Implementations must be
// safe for concurrent use by every worker.
type Reporter interface {
	Report(outcome models.WorkerOutcome)
}

// ConsoleReporter writes one line per outcome. Lines from different workers
// never interleave within a line.
type ConsoleReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleReporter creates a reporter that writes to w
func NewConsoleReporter(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{w: w}
}

// Report implements Reporter
func (r *ConsoleReporter) Report(o models.WorkerOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, o.String())
}

// Printf writes a free-form line through the same lock as outcomes
func (r *ConsoleReporter) Printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

// MetricsReporter feeds outcomes into the Prometheus collectors
type MetricsReporter struct {
	model string
}

// NewMetricsReporter creates a reporter labelled with model
func NewMetricsReporter(model string) *MetricsReporter {
	return &MetricsReporter{model: model}
}

// Report implements Reporter
func (r *MetricsReporter) Report(o models.WorkerOutcome) {
	metrics.RecordInfer(r.model, string(o.Kind), o.Latency)
	switch o.Kind {
	case models.OutcomeSuccess:
		metrics.RecordTokens(r.model, o.Tokens)
	case models.OutcomeHTTPError:
		metrics.RecordHTTPError(r.model, o.StatusCode)
	}
	if len(o.Warnings) > 0 {
		metrics.RecordDecodeWarnings(r.model, len(o.Warnings))
	}
}

// Reporters fans an outcome out to several reporters in order
type Reporters []Reporter

// Report implements Reporter
func (rs Reporters) Report(o models.WorkerOutcome) {
	for _, r := range rs {
		if r != nil {
			r.Report(o)
		}
	}
}

// Summary aggregates a run's outcomes
type Summary struct {
	Total       int64                        `json:"total"`
	Counts      map[models.OutcomeKind]int64 `json:"counts"`
	HTTPStatus  map[int]int64                `json:"http_status,omitempty"`
	Tokens      int64                        `json:"tokens"`
	Warnings    int64                        `json:"warnings"`
	Elapsed     time.Duration                `json:"elapsed"`
	Throughput  float64                      `json:"requests_per_second"`
	SuccessRate float64                      `json:"success_rate"`
	P50         time.Duration                `json:"p50"`
	P95         time.Duration                `json:"p95"`
	P99         time.Duration                `json:"p99"`
	Mean        time.Duration                `json:"mean"`
}

// Count returns the number of outcomes of kind k
func (s Summary) Count(k models.OutcomeKind) int64 {
	return s.Counts[k]
}

// Collector keeps running counts and success latencies
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	counts    map[models.OutcomeKind]int64
	statuses  map[int]int64
	latencies []time.Duration
	tokens    int64
	warnings  int64
	total     int64
}

// NewCollector creates an empty collector whose clock starts now
func NewCollector() *Collector {
	return &Collector{
		started:  time.Now(),
		counts:   make(map[models.OutcomeKind]int64),
		statuses: make(map[int]int64),
	}
}

// Report implements Reporter
func (c *Collector) Report(o models.WorkerOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.counts[o.Kind]++
	c.warnings += int64(len(o.Warnings))
	if o.Kind == models.OutcomeHTTPError {
		c.statuses[o.StatusCode]++
	}
	if o.Kind == models.OutcomeSuccess {
		c.tokens += int64(o.Tokens)
		c.latencies = append(c.latencies, o.Latency)
	}
}

// Summary returns a snapshot of everything reported so far
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	counts := make(map[models.OutcomeKind]int64, len(models.AllOutcomeKinds))
	for _, k := range models.AllOutcomeKinds {
		counts[k] = c.counts[k]
	}
	statuses := make(map[int]int64, len(c.statuses))
	for code, n := range c.statuses {
		statuses[code] = n
	}
	lat := make([]time.Duration, len(c.latencies))
	copy(lat, c.latencies)
	s := Summary{
		Total:      c.total,
		Counts:     counts,
		HTTPStatus: statuses,
		Tokens:     c.tokens,
		Warnings:   c.warnings,
		Elapsed:    time.Since(c.started),
	}
	c.mu.Unlock()

	if s.Elapsed > 0 {
		s.Throughput = float64(s.Total) / s.Elapsed.Seconds()
	}
	if s.Total > 0 {
		s.SuccessRate = float64(counts[models.OutcomeSuccess]) / float64(s.Total)
	}
	if len(lat) > 0 {
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		var sum time.Duration
		for _, l := range lat {
			sum += l
		}
		s.Mean = sum / time.Duration(len(lat))
		s.P50 = percentile(lat, 50)
		s.P95 = percentile(lat, 95)
		s.P99 = percentile(lat, 99)
	}
	return s
}

// percentile uses nearest-rank on an ascending slice
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// WriteSummary prints a human-readable summary block
func WriteSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "\n=== Summary ===\n")
	fmt.Fprintf(w, "Requests:   %d in %.1fs (%.2f req/s)\n", s.Total, s.Elapsed.Seconds(), s.Throughput)
	for _, k := range models.AllOutcomeKinds {
		fmt.Fprintf(w, "  %-16s %d\n", k, s.Counts[k])
	}
	fmt.Fprintf(w, "Success:    %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(w, "Tokens:     %d\n", s.Tokens)
	if s.Warnings > 0 {
		fmt.Fprintf(w, "Warnings:   %d\n", s.Warnings)
	}
	fmt.Fprintf(w, "Latency:    mean=%s p50=%s p95=%s p99=%s\n",
		s.Mean.Round(time.Millisecond), s.P50.Round(time.Millisecond),
		s.P95.Round(time.Millisecond), s.P99.Round(time.Millisecond))
}
