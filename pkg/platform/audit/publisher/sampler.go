package publisher

import (
	"math/rand"
	"sync"

	audit "idverify/pkg/platform/audit"
)

// Sampler thins out operations events. Compliance events always pass.
type Sampler struct {
	mu           sync.RWMutex
	defaultRate  float64
	rateByAction map[string]float64
}

// NewSampler keeps operations events with probability defaultRate, clamped
// to [0, 1].
func NewSampler(defaultRate float64) *Sampler {
	return &Sampler{
		defaultRate:  clampRate(defaultRate),
		rateByAction: make(map[string]float64),
	}
}

// SetRate overrides the rate for one action, e.g. Saga.StepCompleted.
func (s *Sampler) SetRate(action string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByAction[action] = clampRate(rate)
}

// Keep reports whether event should be persisted.
func (s *Sampler) Keep(event audit.Event) bool {
	if s == nil || event.Category != audit.CategoryOperations {
		return true
	}
	return rand.Float64() < s.rateFor(event.Action) //nolint:gosec // sampling doesn't need crypto rand
}

func (s *Sampler) rateFor(action string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByAction[action]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}
