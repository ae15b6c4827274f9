// Package reconnect decides how long the client waits between connection
// attempts.
package reconnect

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Strategy yields the delay before the next connection attempt.
// Next is called once per attempt; Reset is called after a successful open.
type Strategy interface {
	Next() time.Duration
	Reset()
}

// Limited is implemented by strategies that give up after some number of
// attempts.
type Limited interface {
	Exhausted() bool
}

// Defaults for the exponential strategy.
const (
	DefaultMin    = 1 * time.Second
	DefaultMax    = 60 * time.Second
	DefaultFactor = 2.0
)

// Config tunes an exponential strategy. Zero fields take the defaults.
type Config struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter bool
}

// DefaultConfig is 1s doubling up to 60s with jitter.
func DefaultConfig() Config {
	return Config{Min: DefaultMin, Max: DefaultMax, Factor: DefaultFactor, Jitter: true}
}

// Exponential grows the delay by Factor on every attempt, capped at Max.
type Exponential struct {
	mu sync.Mutex
	b  *backoff.Backoff
}

func NewExponential(cfg Config) *Exponential {
	if cfg.Min <= 0 {
		cfg.Min = DefaultMin
	}
	if cfg.Max < cfg.Min {
		cfg.Max = max(DefaultMax, cfg.Min)
	}
	if cfg.Factor <= 1 {
		cfg.Factor = DefaultFactor
	}
	return &Exponential{b: &backoff.Backoff{
		Min:    cfg.Min,
		Max:    cfg.Max,
		Factor: cfg.Factor,
		Jitter: cfg.Jitter,
	}}
}

func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return max(e.b.Duration(), 0)
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.b.Reset()
}

// Attempts returns how many delays were handed out since the last Reset.
func (e *Exponential) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.b.Attempt())
}

// Fixed always waits the same interval.
type Fixed struct {
	d time.Duration
}

func NewFixed(d time.Duration) Fixed {
	return Fixed{d: max(d, 0)}
}

func (f Fixed) Next() time.Duration { return f.d }
func (f Fixed) Reset()              {}

// MaxAttempts wraps a strategy and reports exhaustion after n attempts.
type MaxAttempts struct {
	inner Strategy
	limit int

	mu       sync.Mutex
	attempts int
}

// WithMaxAttempts limits s to n attempts between successful opens.
// n <= 0 means unlimited.
func WithMaxAttempts(s Strategy, n int) *MaxAttempts {
	return &MaxAttempts{inner: s, limit: n}
}

func (m *MaxAttempts) Next() time.Duration {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
	return m.inner.Next()
}

func (m *MaxAttempts) Reset() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.inner.Reset()
}

func (m *MaxAttempts) Exhausted() bool {
	if m.limit <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts >= m.limit
}

func (m *MaxAttempts) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether s is a Limited strategy that has given up.
func Exhausted(s Strategy) bool {
	l, ok := s.(Limited)
	return ok && l.Exhausted()
}
