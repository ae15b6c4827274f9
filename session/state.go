// Package session tracks the lifecycle of one logical connection: the
// monitor state, which transitions are legal and which generation of
// transport handle is current.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State represents what the connection monitor is currently doing.
type State int

const (
	StateIdle         State = iota // 0 - created, Start not called yet
	StateConnecting                // 1 - handshake attempts in progress
	StateOpen                      // 2 - handle open, listener and sender running
	StateClosing                   // 3 - tearing down the current generation
	StateReconnecting              // 4 - waiting out the strategy delay
	StateStopped                   // 5 - closed by the caller, terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// allowed defines which state changes are legal.
// Stopped is terminal, nothing can come after it.
var allowed = map[State][]State{
	StateIdle:         {StateConnecting, StateStopped},
	StateConnecting:   {StateOpen, StateReconnecting, StateStopped},
	StateOpen:         {StateClosing},
	StateClosing:      {StateReconnecting, StateStopped},
	StateReconnecting: {StateConnecting, StateStopped},
	StateStopped:      {},
}

// ValidTransition reports whether the monitor may move from one state to another.
func ValidTransition(from, to State) bool {
	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// Generation identifies one transport handle's lifetime. Loops started for
// an older generation must not act once a newer one exists.
type Generation struct {
	Number       uint64
	ConnectionID string
	StartedAt    time.Time
}

// Tracker holds the monitor state and the current generation.
// It is safe for concurrent use; only the monitor goroutine writes to it.
type Tracker struct {
	log *zap.Logger

	mu         sync.RWMutex
	state      State
	changedAt  time.Time
	generation Generation
	opens      int
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{log: log, state: StateIdle, changedAt: time.Now()}
}

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Since returns how long the tracker has been in its current state.
func (t *Tracker) Since() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Since(t.changedAt)
}

// Transition moves the tracker to next. Invalid transitions are refused
// and logged, and the state is left unchanged.
func (t *Tracker) Transition(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.state
	if !ValidTransition(from, next) {
		t.log.Warn("Refusing invalid state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", next),
		)
		return false
	}
	t.state = next
	t.changedAt = time.Now()
	t.log.Debug("State changed", zap.Stringer("from", from), zap.Stringer("to", next))
	return true
}

// Begin starts a new generation with a fresh connection ID. Call it once
// per successful open, before the loops for that handle start.
func (t *Tracker) Begin() Generation {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opens++
	t.generation = Generation{
		Number:       t.generation.Number + 1,
		ConnectionID: uuid.NewString(),
		StartedAt:    time.Now(),
	}
	return t.generation
}

// Current returns the latest generation. Number is zero before the first open.
func (t *Tracker) Current() Generation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// IsCurrent reports whether n is still the latest generation.
func (t *Tracker) IsCurrent(n uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation.Number == n
}

// Reconnects counts opens after the first one, for observability.
func (t *Tracker) Reconnects() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return max(t.opens-1, 0)
}
