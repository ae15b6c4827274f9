// Package queue holds outbound messages between Send and the sender loop.
//
// The queue is bounded: once Limit messages are waiting, further pushes are
// rejected instead of blocking the caller. Messages carry the time they were
// queued so the sender can drop ones that sat around too long.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultLimit = 1000

// Message is an immutable queued payload.
type Message struct {
	EnqueuedAt time.Time
	Payload    string
}

// Expired reports whether the message is older than ttl at now.
// A ttl of zero or less never expires.
func (m Message) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(m.EnqueuedAt) > ttl
}

// Queue is a thread-safe bounded FIFO.
type Queue struct {
	mu       sync.Mutex
	messages []Message
	limit    int
	clock    clockwork.Clock

	// notify has room for one pending wake-up; Pop drains it
	notify chan struct{}
}

type Option func(*Queue)

// WithClock sets the clock used to timestamp messages.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New creates a queue holding at most limit messages. A limit of zero or
// less takes DefaultLimit.
func New(limit int, opts ...Option) *Queue {
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := &Queue{
		limit:  limit,
		clock:  clockwork.NewRealClock(),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.messages = make([]Message, 0, min(limit, 64))
	return q
}

// TryPush appends payload unless the queue is full.
func (q *Queue) TryPush(payload string) bool {
	q.mu.Lock()
	if len(q.messages) >= q.limit {
		q.mu.Unlock()
		return false
	}
	q.messages = append(q.messages, Message{EnqueuedAt: q.clock.Now(), Payload: payload})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest message. If the queue is empty it waits up to wait
// for one to arrive, returning false if none did or ctx ended first.
// A wait of zero or less does not block.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (Message, bool) {
	if ctx.Err() != nil {
		return Message{}, false
	}
	if m, ok := q.pop(); ok {
		return m, true
	}
	if wait <= 0 {
		return Message{}, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-timer.C:
			return q.pop()
		case <-q.notify:
			if ctx.Err() != nil {
				return Message{}, false
			}
			if m, ok := q.pop(); ok {
				return m, true
			}
		}
	}
}

func (q *Queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	q.messages[0] = Message{}
	q.messages = q.messages[1:]
	if len(q.messages) > 0 {
		// more work left, keep the next Pop from sleeping
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return m, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *Queue) Limit() int { return q.limit }

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = make([]Message, 0, min(q.limit, 64))
	return out
}
