package remote

import (
	"errors"
	"log"
	"sync"
	"time"
)

// BreakerState is the state of the breaker in front of the store.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // attempts go out
	BreakerOpen                         // attempts are refused until the cooldown ends
	BreakerHalfOpen                     // one attempt is out to test the store
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the breaker.
type BreakerConfig struct {
	Threshold int           // unhealthy attempts within Window that open it (default: 5)
	Window    time.Duration // default: 1m
	Cooldown  time.Duration // time open before a trial attempt (default: 30s)
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  30 * time.Second,
	}
}

type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &breaker{cfg: cfg, now: time.Now}
}

// admit reports whether an attempt may go out. Once the cooldown has
// passed, an open breaker admits exactly one trial attempt.
func (b *breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.set(BreakerHalfOpen)
		return true
	default:
		return false
	}
}

// record accounts for the outcome of an admitted attempt.
func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var e *Error
	if errors.As(err, &e) && e.Kind == KindCanceled {
		// Says nothing about the store. A canceled trial leaves the
		// cooldown over, so the next attempt is a new trial.
		if b.state == BreakerHalfOpen {
			b.set(BreakerOpen)
		}
		return
	}
	if err == nil || e == nil || !e.unhealthy() {
		// The store answered.
		b.failures = b.failures[:0]
		b.set(BreakerClosed)
		return
	}

	if b.state == BreakerHalfOpen {
		b.open()
		return
	}

	now := b.now()
	cutoff := now.Add(-b.cfg.Window)
	recent := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	b.failures = append(recent, now)

	if len(b.failures) >= b.cfg.Threshold {
		b.open()
	}
}

func (b *breaker) open() {
	b.openedAt = b.now()
	b.failures = b.failures[:0]
	b.set(BreakerOpen)
}

func (b *breaker) set(state BreakerState) {
	if b.state == state {
		return
	}
	log.Printf("[remote] Breaker %s -> %s", b.state, state)
	b.state = state
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
