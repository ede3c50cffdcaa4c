// Package orchestration drives team runs through their phases and shares
// the admission controller and adaptive penalty every run consults (spec
// §4.1-4.3, §4.6).
package orchestration

import (
	"sync"
	"time"
)

// AdaptivePenalty is a bounded integer that reduces effective parallelism
// in response to observed pressure (429s, timeouts, capacity exhaustion),
// decaying by one step every DecayMs since the last raise (spec §4.6).
// Raise/Lower/Get are serialized by a single mutex, so concurrent callers
// never lose an update (spec §5's AdaptivePenalty shared-resource policy).
type AdaptivePenalty struct {
	mu sync.Mutex

	maxPenalty int
	decay      time.Duration
	clock      func() time.Time

	value      int
	lastRaised time.Time
}

// NewAdaptivePenalty creates a penalty bounded at maxPenalty, decaying one
// step every decay. clock defaults to time.Now when nil.
func NewAdaptivePenalty(maxPenalty int, decay time.Duration, clock func() time.Time) *AdaptivePenalty {
	if clock == nil {
		clock = time.Now
	}
	return &AdaptivePenalty{maxPenalty: maxPenalty, decay: decay, clock: clock}
}

// Raise bumps the penalty by one step, bounded at maxPenalty. reason is
// accepted for call-site readability and future telemetry; the stable
// profile's MaxPenalty=0 makes every raise a no-op.
func (p *AdaptivePenalty) Raise(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	if p.value < p.maxPenalty {
		p.value++
	}
	p.lastRaised = p.clock()
}

// Lower decrements the penalty by one step, floored at zero.
func (p *AdaptivePenalty) Lower() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	if p.value > 0 {
		p.value--
	}
}

// Get returns the current penalty after applying any owed decay.
func (p *AdaptivePenalty) Get() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked()
	return p.value
}

// ApplyLimit returns max(1, limit - current()).
func (p *AdaptivePenalty) ApplyLimit(limit int) int {
	current := p.Get()
	reduced := limit - current
	if reduced < 1 {
		return 1
	}
	return reduced
}

// decayLocked must be called with p.mu held. It decays one step per elapsed
// decay interval since the last raise, without a background goroutine.
func (p *AdaptivePenalty) decayLocked() {
	if p.value == 0 || p.decay <= 0 || p.lastRaised.IsZero() {
		return
	}
	elapsed := p.clock().Sub(p.lastRaised)
	steps := int(elapsed / p.decay)
	if steps <= 0 {
		return
	}
	p.value -= steps
	if p.value < 0 {
		p.value = 0
	}
	p.lastRaised = p.lastRaised.Add(time.Duration(steps) * p.decay)
}
