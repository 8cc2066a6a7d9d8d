package mockserver

import (
	"sync"
	"time"
)

// OutputMode selects how the infer handler shapes its response
type OutputMode string

const (
	// ModeEcho returns input_ids followed by generated ids
	ModeEcho OutputMode = "echo"
	// ModeMissingOutput omits output_ids
	ModeMissingOutput OutputMode = "missing_output"
	// ModeBadShape declares a rank-1 output_ids
	ModeBadShape OutputMode = "bad_shape"
	// ModeLengthMismatch reports a sequence_length one larger than the row
	ModeLengthMismatch OutputMode = "length_mismatch"
)

// DefaultMaxGenerated caps how many ids the stub appends per request
const DefaultMaxGenerated = 16

// Stats counts what the stub has served
type Stats struct {
	InferRequests int64 `json:"infer_requests"`
	InferFailures int64 `json:"infer_failures"`
	Tokenize      int64 `json:"tokenize_requests"`
	Detokenize    int64 `json:"detokenize_requests"`
}

// State holds the stub's behaviour knobs and counters
type State struct {
	mu sync.RWMutex

	models map[string]bool
	ready  bool

	// Behaviour knobs, set by tests and /_test/config
	responseDelay time.Duration
	failStatus    int
	failMessage   string
	failEvery     int
	mode          OutputMode
	maxGenerated  int

	stats Stats
}

// NewState creates a ready stub serving the given models
func NewState(models ...string) *State {
	s := &State{}
	s.reset(models)
	return s
}

func (s *State) reset(models []string) {
	s.models = make(map[string]bool, len(models))
	for _, m := range models {
		s.models[m] = true
	}
	s.ready = true
	s.responseDelay = 0
	s.failStatus = 0
	s.failMessage = ""
	s.failEvery = 0
	s.mode = ModeEcho
	s.maxGenerated = DefaultMaxGenerated
	s.stats = Stats{}
}

// Reset restores defaults but keeps the served models
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	models := make([]string, 0, len(s.models))
	for m := range s.models {
		models = append(models, m)
	}
	s.reset(models)
}

// AddModel starts serving another model name
func (s *State) AddModel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[name] = true
}

// HasModel reports whether name is served. With no models configured every name is accepted.
func (s *State) HasModel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models) == 0 || s.models[name]
}

// SetReady toggles the readiness probe
func (s *State) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// IsReady returns the readiness state
func (s *State) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// SetResponseDelay delays every infer response
func (s *State) SetResponseDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseDelay = d
}

// ResponseDelay returns the configured infer delay
func (s *State) ResponseDelay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.responseDelay
}

// SetFailure makes infer answer with status. every selects every Nth request;
// 0 or 1 fails them all. A zero status clears the failure.
func (s *State) SetFailure(status int, message string, every int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failMessage = message
	s.failEvery = every
}

// SetMode selects the response shape
func (s *State) SetMode(mode OutputMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// SetMaxGenerated caps appended ids per request
func (s *State) SetMaxGenerated(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= 0 {
		s.maxGenerated = n
	}
}

// inferPlan is what one infer call should do, decided under the lock
type inferPlan struct {
	delay        time.Duration
	failStatus   int
	failMessage  string
	mode         OutputMode
	maxGenerated int
}

// nextInfer counts the request and decides its fate
func (s *State) nextInfer() inferPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.InferRequests++
	plan := inferPlan{
		delay:        s.responseDelay,
		mode:         s.mode,
		maxGenerated: s.maxGenerated,
	}

	if s.failStatus != 0 && (s.failEvery <= 1 || s.stats.InferRequests%int64(s.failEvery) == 0) {
		s.stats.InferFailures++
		plan.failStatus = s.failStatus
		plan.failMessage = s.failMessage
	}
	return plan
}

func (s *State) countTokenize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Tokenize++
}

func (s *State) countDetokenize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Detokenize++
}

// Stats returns a copy of the counters
func (s *State) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
