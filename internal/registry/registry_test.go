package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sourcecheck-ai/sourcecheck/internal/event"
)

func testConfig() Config {
	return Config{
		QueueCapacity:       8,
		InactivityThreshold: 50 * time.Millisecond,
		SweepPeriod:         10 * time.Millisecond,
	}
}

func TestOpen_AssignsUniqueIDs(t *testing.T) {
	reg := New(testConfig(), nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := reg.Open()
		if c.ID() == "" {
			t.Fatal("client id must not be empty")
		}
		if seen[c.ID()] {
			t.Fatalf("duplicate client id: %s", c.ID())
		}
		seen[c.ID()] = true
	}
	if reg.Len() != 100 {
		t.Errorf("expected 100 clients, got %d", reg.Len())
	}
}

func TestOpen_StartsConnecting(t *testing.T) {
	reg := New(testConfig(), nil)
	c := reg.Open()

	if c.State() != StateConnecting {
		t.Errorf("expected Connecting, got %v", c.State())
	}
	reg.MarkOpen(c.ID())
	if c.State() != StateOpen {
		t.Errorf("expected Open after MarkOpen, got %v", c.State())
	}
}

func TestEnqueue_FIFO(t *testing.T) {
	reg := New(testConfig(), nil)
	c := reg.Open()
	reg.MarkOpen(c.ID())

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := reg.Enqueue(c.ID(), Message{Event: "jsonrpc", Payload: payload}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		msg := <-c.Messages()
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(msg.Payload) != want {
			t.Errorf("message %d: expected %s, got %s", i, want, msg.Payload)
		}
	}
}

func TestEnqueue_UnknownClient(t *testing.T) {
	reg := New(testConfig(), nil)

	err := reg.Enqueue("never-issued", Message{Event: "jsonrpc", Payload: []byte("{}")})
	if !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestEnqueue_ClosedClient(t *testing.T) {
	reg := New(testConfig(), nil)
	c := reg.Open()
	reg.Close(c.ID())

	err := reg.Enqueue(c.ID(), Message{Event: "jsonrpc", Payload: []byte("{}")})
	if !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	reg := New(cfg, nil)
	c := reg.Open()
	reg.MarkOpen(c.ID())

	for i := 0; i < 2; i++ {
		if err := reg.Enqueue(c.ID(), Message{Event: "jsonrpc", Payload: []byte("{}")}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	err := reg.Enqueue(c.ID(), Message{Event: "jsonrpc", Payload: []byte("{}")})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	reg := New(testConfig(), nil)
	c := reg.Open()

	reg.Close(c.ID())
	reg.Close(c.ID()) // must not panic or double-close

	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
	if c.State() != StateClosed {
		t.Errorf("expected Closed, got %v", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done channel should be closed")
	}
}

func TestTouch_UpdatesLastSeen(t *testing.T) {
	reg := New(testConfig(), nil)
	c := reg.Open()

	before := c.LastSeen()
	time.Sleep(5 * time.Millisecond)
	reg.Touch(c.ID())
	if !c.LastSeen().After(before) {
		t.Error("Touch should advance lastSeen")
	}
}

func TestBroadcast_ReachesOpenClients(t *testing.T) {
	reg := New(testConfig(), nil)
	a := reg.Open()
	b := reg.Open()
	reg.MarkOpen(a.ID())
	reg.MarkOpen(b.ID())
	closed := reg.Open()
	reg.Close(closed.ID())

	n := reg.Broadcast(Message{Event: "jsonrpc", Payload: []byte(`{"note":1}`)})
	if n != 2 {
		t.Errorf("expected broadcast to reach 2 clients, got %d", n)
	}
	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.Messages():
			if msg.Event != "jsonrpc" {
				t.Errorf("expected jsonrpc event, got %s", msg.Event)
			}
		default:
			t.Errorf("client %s did not receive broadcast", c.ID())
		}
	}
}

func TestConcurrentEnqueue_AllDelivered(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 256
	reg := New(cfg, nil)
	c := reg.Open()
	reg.MarkOpen(c.ID())

	const producers = 8
	const perProducer = 16

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := reg.Enqueue(c.ID(), Message{Event: "jsonrpc", Payload: []byte("{}")}); err != nil {
					t.Errorf("enqueue failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := len(c.queue); got != producers*perProducer {
		t.Errorf("expected %d queued messages, got %d", producers*perProducer, got)
	}
}

func TestSweeper_EvictsIdleClients(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	cfg := testConfig()
	cfg.InactivityThreshold = 40 * time.Millisecond
	reg := New(cfg, bus)
	sweeper := NewSweeper(reg, bus)

	idle := reg.Open()
	reg.MarkOpen(idle.ID())

	time.Sleep(50 * time.Millisecond)

	active := reg.Open()
	reg.MarkOpen(active.ID())

	evicted := sweeper.Sweep(time.Now())
	if len(evicted) != 1 || evicted[0] != idle.ID() {
		t.Fatalf("unexpected eviction set: %v", evicted)
	}
	if _, ok := reg.Get(active.ID()); !ok {
		t.Error("active client should remain registered")
	}

	if _, ok := reg.Get(idle.ID()); ok {
		t.Error("idle client should be removed from the registry")
	}
	if err := reg.Enqueue(idle.ID(), Message{Event: "jsonrpc", Payload: []byte("{}")}); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound after eviction, got %v", err)
	}
}

func TestSweeper_NoEvictionsWithinThreshold(t *testing.T) {
	reg := New(testConfig(), nil)
	sweeper := NewSweeper(reg, nil)

	c := reg.Open()
	reg.MarkOpen(c.ID())

	evicted := sweeper.Sweep(time.Now())
	if len(evicted) != 0 {
		t.Errorf("expected no evictions, got %v", evicted)
	}
	if _, ok := reg.Get(c.ID()); !ok {
		t.Error("fresh client should remain registered")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		StateClosed:     "closed",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
