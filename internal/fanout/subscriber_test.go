package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/tripwire/sentinel/internal/eventstream"
	"github.com/tripwire/sentinel/internal/fanout"
)

// fakeBus is an in-memory Bus double so subscriber-loop behavior (ping on
// idle, status on error, cursor advancement) can be tested without a real
// Redis connection.
type fakeBus struct {
	mu      sync.Mutex
	entries []eventstream.Entry
	failNext bool
}

func (f *fakeBus) LatestID(ctx context.Context, stream string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return eventstream.ZeroID, nil
	}
	return f.entries[len(f.entries)-1].ID, nil
}

func (f *fakeBus) Tail(ctx context.Context, stream, afterID string, blockMs int, count int64) ([]eventstream.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("backend unavailable")
	}
	var out []eventstream.Entry
	for _, e := range f.entries {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	f.entries = nil // each entry delivered once in these tests
	return out, nil
}

func (f *fakeBus) push(id string, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, eventstream.Entry{ID: id, Fields: fields})
}

func TestRun_DeliversEntriesThenStopsOnContextCancel(t *testing.T) {
	bus := &fakeBus{}

	var received []fanout.Message
	var mu sync.Mutex
	var pushed bool
	ctx, cancel := context.WithCancel(context.Background())

	send := func(payload []byte) error {
		var msg fanout.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		// The entry is appended only after the first idle ping, i.e. after
		// Run has taken its connect-time cursor; entries older than that
		// cursor are never delivered.
		if msg.Type == "ping" && !pushed {
			pushed = true
			bus.push("1-0", map[string]string{"src_ip": "1.2.3.4"})
		}
		if msg.Type == "event" {
			cancel() // stop right after the real entry arrives
		}
		return nil
	}

	err := fanout.Run(ctx, bus, "events", "event", send, newTestLogger())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected a ping then the entry, got %+v", received)
	}
	if received[0].Type != "ping" {
		t.Fatalf("unexpected first message: %+v", received[0])
	}
	if received[1].Type != "event" || received[1].Data["src_ip"] != "1.2.3.4" {
		t.Fatalf("unexpected second message: %+v", received[1])
	}
}

func TestRun_SendsPingWhenNoEntries(t *testing.T) {
	bus := &fakeBus{}
	ctx, cancel := context.WithCancel(context.Background())

	var gotPing bool
	send := func(payload []byte) error {
		var msg fanout.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == "ping" {
			gotPing = true
			cancel()
		}
		return nil
	}

	_ = fanout.Run(ctx, bus, "events", "event", send, newTestLogger())
	if !gotPing {
		t.Fatalf("expected a ping message when no entries are available")
	}
}

func TestRun_SendsStatusOnBackendError(t *testing.T) {
	bus := &fakeBus{failNext: true}
	ctx, cancel := context.WithCancel(context.Background())

	var gotStatus bool
	send := func(payload []byte) error {
		var msg fanout.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type == "status" {
			gotStatus = true
			if msg.Data["backend"] != "down" {
				t.Fatalf("status message missing backend=down: %+v", msg)
			}
			cancel()
		}
		return nil
	}

	_ = fanout.Run(ctx, bus, "alerts", "alert", send, newTestLogger())
	if !gotStatus {
		t.Fatalf("expected a status message on backend error")
	}
}

func TestRun_SendFailureTerminatesLoop(t *testing.T) {
	bus := &fakeBus{}
	sendErr := errors.New("subscriber gone")

	err := fanout.Run(context.Background(), bus, "events", "event", func([]byte) error {
		return sendErr
	}, newTestLogger())
	if !errors.Is(err, sendErr) {
		t.Fatalf("Run should surface the send error, got %v", err)
	}
}
