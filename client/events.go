package client

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// subscribers is an ordered, concurrently modifiable list of callbacks.
type subscribers[T any] struct {
	mu      sync.RWMutex
	nextID  int
	entries []entry[T]
}

type entry[T any] struct {
	id int
	fn T
}

// add registers fn and returns a func that removes it again.
func (s *subscribers[T]) add(fn T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, entry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.entries {
				if e.id == id {
					s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *subscribers[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}

// dispatch runs call for every subscriber, each on its own goroutine, and
// waits for them at most deadline. A callback still running afterwards is
// left to finish on its own. Panics are recovered and logged.
func dispatch[T any](log *zap.Logger, event string, deadline time.Duration, fns []T, call func(T)) {
	if len(fns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("Subscriber panicked",
						zap.String("event", event),
						zap.Error(fmt.Errorf("panic: %v", r)),
					)
				}
			}()
			call(fn)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Debug("Subscriber still running past dispatch deadline",
			zap.String("event", event),
			zap.Duration("deadline", deadline),
		)
	}
}

// OnOpened registers fn to run every time a connection opens, including
// after each reconnect. The returned func unsubscribes.
func (c *Client) OnOpened(fn func()) func() {
	return c.opened.add(fn)
}

// OnMessage registers fn for inbound text messages.
func (c *Client) OnMessage(fn func(text string)) func() {
	return c.messages.add(fn)
}

// OnData registers fn for inbound binary messages. Each subscriber gets
// its own copy of the bytes and may keep or modify it.
func (c *Client) OnData(fn func(data []byte)) func() {
	return c.data.add(fn)
}

// OnError registers fn for faults caught inside the client.
func (c *Client) OnError(fn func(err error)) func() {
	return c.errs.add(fn)
}

// OnSendFailed registers fn for messages whose write failed.
func (c *Client) OnSendFailed(fn func(payload string, err error)) func() {
	return c.sendFailed.add(fn)
}

func (c *Client) emitOpened() {
	dispatch(c.log, "opened", c.opts.DispatchTimeout, c.opened.snapshot(), func(fn func()) { fn() })
}

func (c *Client) emitMessage(text string) {
	dispatch(c.log, "message", c.opts.DispatchTimeout, c.messages.snapshot(), func(fn func(string)) { fn(text) })
}

func (c *Client) emitData(b []byte) {
	dispatch(c.log, "data", c.opts.DispatchTimeout, c.data.snapshot(), func(fn func([]byte)) { fn(bytes.Clone(b)) })
}

func (c *Client) emitError(err error) {
	dispatch(c.log, "error", c.opts.DispatchTimeout, c.errs.snapshot(), func(fn func(error)) { fn(err) })
}

func (c *Client) emitSendFailed(payload string, err error) {
	dispatch(c.log, "send_failed", c.opts.DispatchTimeout, c.sendFailed.snapshot(), func(fn func(string, error)) { fn(payload, err) })
}
