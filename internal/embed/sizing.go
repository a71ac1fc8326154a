package embed

import (
	"runtime"
	"sync"
	"unicode/utf8"
)

// SizeController owns the adaptive batch size of one Batcher.
//
// A failed or timed-out call halves the size (down to 1). Each success grows
// it by one, back up to the optimum.
type SizeController struct {
	mu      sync.Mutex
	optimum int
	current int
}

// NewSizeController starts at optimum.
func NewSizeController(optimum int) *SizeController {
	if optimum < 1 {
		optimum = 1
	}
	return &SizeController{optimum: optimum, current: optimum}
}

// Current returns the batch size to use for the next batch.
func (s *SizeController) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// OnSuccess grows the size by one, up to the optimum.
func (s *SizeController) OnSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < s.optimum {
		s.current++
	}
}

// OnFailure halves the size, never below 1.
func (s *SizeController) OnFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current /= 2
	if s.current < 1 {
		s.current = 1
	}
}

// Truncate cuts text to at most maxBytes bytes without splitting a UTF-8
// sequence. maxBytes <= 0 means no limit. The cut keeps the longest valid prefix.
func Truncate(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Concurrency holds the two independent bounds of the Batcher.
type Concurrency struct {
	// Calls bounds embedding calls in flight across all batches.
	Calls int
	// Batches bounds file-level batches being assembled at once.
	Batches int
}

// AutoTune derives concurrency from available parallelism: conservative on
// small machines, more parallelism on larger ones.
func AutoTune(numCPU int) Concurrency {
	switch {
	case numCPU <= 2:
		return Concurrency{Calls: 2, Batches: 1}
	case numCPU <= 4:
		return Concurrency{Calls: 4, Batches: 2}
	case numCPU <= 8:
		return Concurrency{Calls: 8, Batches: 4}
	default:
		calls := numCPU
		if calls > 16 {
			calls = 16
		}
		batches := numCPU / 2
		if batches > 8 {
			batches = 8
		}
		return Concurrency{Calls: calls, Batches: batches}
	}
}

// DefaultConcurrency is AutoTune for this machine.
func DefaultConcurrency() Concurrency {
	return AutoTune(runtime.NumCPU())
}
