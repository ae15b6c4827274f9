package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/risa-org/duplex/queue"
	"github.com/risa-org/duplex/transport"
	"github.com/risa-org/duplex/transport/transporttest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runLoop starts l in the background and returns a stop func that cancels
// it and returns Run's error.
func runLoop(l *Loop) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func TestSendsInOrderAsFinalText(t *testing.T) {
	q := queue.New(10)
	q.TryPush("one")
	q.TryPush("two")
	q.TryPush("three")

	adapter := transporttest.Open()
	stop := runLoop(&Loop{Source: q, Adapter: adapter})
	defer stop()

	writes, err := adapter.WaitWrites(3, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"one", "two", "three"} {
		if writes[i].Data != want {
			t.Errorf("write %d: expected %q, got %q", i, want, writes[i].Data)
		}
		if writes[i].Kind != transport.FrameText || !writes[i].Final {
			t.Errorf("write %d: expected final text frame, got %+v", i, writes[i])
		}
	}
}

// TestExpiredMessagesAreNeverWritten queues a message, lets it age past the
// expiry and checks only the fresh message reaches the wire.
func TestExpiredMessagesAreNeverWritten(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := queue.New(10, queue.WithClock(clock))

	q.TryPush("stale")
	clock.Advance(2 * time.Second)
	q.TryPush("fresh")

	var dropped []string
	var mu sync.Mutex
	adapter := transporttest.Open()
	stop := runLoop(&Loop{
		Source:  q,
		Adapter: adapter,
		Expiry:  time.Second,
		Clock:   clock,
		Hooks: Hooks{Dropped: func(m queue.Message, age time.Duration) {
			mu.Lock()
			dropped = append(dropped, m.Payload)
			mu.Unlock()
		}},
	})

	if _, err := adapter.WaitWrites(1, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	stop()

	writes := adapter.Writes()
	if len(writes) != 1 || writes[0].Data != "fresh" {
		t.Errorf("expected only 'fresh' written, got %+v", writes)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "stale" {
		t.Errorf("expected 'stale' dropped, got %v", dropped)
	}
}

func TestWriteFailureReportsAndAborts(t *testing.T) {
	q := queue.New(10)
	q.TryPush("doomed")
	q.TryPush("never")

	boom := errors.New("broken pipe")
	adapter := transporttest.Open()
	adapter.WriteErr = func(string) error { return boom }

	var failedPayload string
	var failedErr error
	var running atomic.Bool

	l := &Loop{
		Source:  q,
		Adapter: adapter,
		Running: &running,
		Hooks: Hooks{Failed: func(payload string, err error) {
			failedPayload = payload
			failedErr = err
		}},
	}
	err := l.Run(context.Background())

	if !errors.Is(err, boom) {
		t.Errorf("expected Run to return the write error, got %v", err)
	}
	if failedPayload != "doomed" || !errors.Is(failedErr, boom) {
		t.Errorf("expected Failed(doomed, boom), got (%q, %v)", failedPayload, failedErr)
	}
	if adapter.Status() != transport.StatusAborted {
		t.Errorf("expected handle aborted, got %s", adapter.Status())
	}
	if running.Load() {
		t.Error("running flag must be cleared on exit")
	}
	if q.Len() != 1 {
		t.Errorf("loop must stop after the failure, %d left in queue", q.Len())
	}
}

func TestStopsWhenInactive(t *testing.T) {
	var active atomic.Bool
	active.Store(true)
	var running atomic.Bool

	l := &Loop{
		Source:  queue.New(10),
		Adapter: transporttest.Open(),
		Active:  active.Load,
		Running: &running,
	}
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if !running.Load() {
		t.Error("expected running flag while loop is live")
	}
	active.Store(false)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after Active turned false")
	}
	if running.Load() {
		t.Error("running flag must be cleared on exit")
	}
}

func TestStopsWhenHandleCloses(t *testing.T) {
	adapter := transporttest.Open()
	l := &Loop{Source: queue.New(10), Adapter: adapter}

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	adapter.Close("")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after handle closed")
	}
}

func TestCancelIsPrompt(t *testing.T) {
	l := &Loop{Source: queue.New(10), Adapter: transporttest.Open(), Pacing: 10 * time.Second}
	stop := runLoop(l)

	start := time.Now()
	if err := stop(); err != nil {
		t.Errorf("expected nil on cancel, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancel did not unblock the idle wait")
	}
}

// TestPacingSpacesWrites checks consecutive writes are at least Pacing apart
func TestPacingSpacesWrites(t *testing.T) {
	q := queue.New(10)
	q.TryPush("a")
	q.TryPush("b")

	var mu sync.Mutex
	var stamps []time.Time
	adapter := transporttest.Open()
	adapter.WriteErr = func(string) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	}

	stop := runLoop(&Loop{Source: q, Adapter: adapter, Pacing: 40 * time.Millisecond})
	if _, err := adapter.WaitWrites(2, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	stop()

	mu.Lock()
	defer mu.Unlock()
	if gap := stamps[1].Sub(stamps[0]); gap < 40*time.Millisecond {
		t.Errorf("expected at least 40ms between writes, got %s", gap)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	q := queue.New(10)
	q.TryPush("x")

	var running atomic.Bool
	var reported error
	l := &Loop{
		Source:  q,
		Adapter: transporttest.Open(),
		Running: &running,
		Hooks: Hooks{
			Sent:  func(queue.Message) { panic("subscriber bug") },
			Fault: func(err error) { reported = err },
		},
	}

	err := l.Run(context.Background())
	if err == nil || reported == nil {
		t.Fatalf("expected panic converted to error, got %v / %v", err, reported)
	}
	if running.Load() {
		t.Error("running flag must be cleared after a panic")
	}
}
