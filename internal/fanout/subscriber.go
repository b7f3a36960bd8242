// Package fanout drives one live-subscriber loop per connected client,
// tailing the event or alert stream from the connection-time latest
// position (spec §4.6 "Live Subscription Fan-out"). It replaces a
// push-on-broadcast model with a per-subscriber pull loop against the
// append-only stream bus, so a slow subscriber can never apply back-pressure
// to the ingest or detection path — the bus, not the subscriber, owns
// back-pressure (spec §5 "no per-subscriber queueing on the producer side").
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tripwire/sentinel/internal/eventstream"
)

// tailBlockMs and tailCount are the fixed polling parameters from spec §4.6
// step 2: "tail(stream, cursor, 2000ms, 50)".
const (
	tailBlockMs   = 2000
	tailCount     = 50
	statusRetry   = time.Second
	pingType      = "ping"
	statusType    = "status"
	eventTypeName = "event"
	alertTypeName = "alert"
)

// Bus is the subset of eventstream.Bus a subscriber loop needs. Declaring it
// locally keeps fanout decoupled from eventstream's Redis-specific surface
// and lets tests supply an in-memory fake.
type Bus interface {
	LatestID(ctx context.Context, stream string) (string, error)
	Tail(ctx context.Context, stream, afterID string, blockMs int, count int64) ([]eventstream.Entry, error)
}

// Message is the envelope sent to live subscribers (spec §6 "Event delivery
// streams").
type Message struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Sender delivers one already-encoded frame to the subscriber. It returns an
// error when the subscriber is gone, which terminates the loop (spec §4.6
// step 3: "send failure terminates the loop").
type Sender func(payload []byte) error

// Run drives one subscriber's lifetime against stream, tagging delivered
// entries with msgType ("event" or "alert"). It returns when ctx is
// cancelled or send fails; a returned error indicates the latter.
func Run(ctx context.Context, bus Bus, stream, msgType string, send Sender, logger *slog.Logger) error {
	cursor, err := bus.LatestID(ctx, stream)
	for err != nil {
		// Even the initial cursor read can fail if the backend is down;
		// report it as a status message and retry until the context is
		// cancelled, per the same backend-down handling as the steady-state
		// loop (spec §4.6 step 2 "on bus error, send status, wait 1s, retry").
		logger.Warn("fanout: latest_id failed, reporting backend status", slog.String("stream", stream), slog.Any("error", err))
		if sendErr := sendStatus(send, stream); sendErr != nil {
			return sendErr
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(statusRetry):
		}
		cursor, err = bus.LatestID(ctx, stream)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := bus.Tail(ctx, stream, cursor, tailBlockMs, tailCount)
		if err != nil {
			logger.Warn("fanout: tail failed, reporting backend status", slog.String("stream", stream), slog.Any("error", err))
			if sendErr := sendStatus(send, stream); sendErr != nil {
				return sendErr
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(statusRetry):
			}
			continue
		}

		if len(entries) == 0 {
			if err := sendMessage(send, Message{Type: pingType}); err != nil {
				return err
			}
			continue
		}

		for _, e := range entries {
			if err := sendMessage(send, Message{Type: msgType, Data: e.Fields}); err != nil {
				return err
			}
			cursor = e.ID
		}
	}
}

func sendStatus(send Sender, stream string) error {
	return sendMessage(send, Message{
		Type: statusType,
		Data: map[string]string{"backend": "down", "stream": stream},
	})
}

func sendMessage(send Sender, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return send(raw)
}
