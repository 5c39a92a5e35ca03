// Package circuitbreaker stops workers from hammering a report generator
// that keeps failing. Breakers are keyed, typically by generator endpoint.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker opens a key after threshold consecutive failures. After cooldown
// one probe is let through; its outcome closes or re-opens the key.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock sets the time source. Intended for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case StateOpen:
		if b.clock().Sub(s.openedAt) >= b.cooldown {
			s.state = StateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[key]
	if !ok {
		s = &keyState{state: StateClosed}
		b.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= b.threshold {
		s.state = StateOpen
		s.openedAt = b.clock()
	}
}

func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[key]; ok {
		return s.state
	}
	return StateClosed
}
