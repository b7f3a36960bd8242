// Package eventstream implements the append-only, capped, ordered event and
// alert streams described in spec §4.5, backed by Redis Streams. Redis
// Streams is a direct match for the required primitives: XADD gives
// approximate-cap append with a monotonically increasing entry id, XREAD
// with BLOCK gives position-based tailing with a timeout, and XREVRANGE
// gives an O(1) "latest id" lookup.
package eventstream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripwire/sentinel/internal/iderrors"
)

// ZeroID is the distinguished "empty stream" position returned by LatestID
// when a stream has no entries yet (spec §4.5 "a distinguished zero id").
const ZeroID = "0-0"

// Entry is one stream record: an opaque, monotonically increasing id and a
// flat string field mapping (spec §4.5 "flat field mapping, all
// string-valued").
type Entry struct {
	ID     string
	Fields map[string]string
}

// Bus wraps a *redis.Client with the two capped streams the detection
// pipeline needs: raw events and alerts.
type Bus struct {
	rdb      *redis.Client
	eventCap int64
	alertCap int64
}

// Stream names for the two capped streams this process maintains.
const (
	EventsStream = "tripwire:events"
	AlertsStream = "tripwire:alerts"
)

// New wraps rdb. eventCap/alertCap are the approximate retention caps for
// the events and alerts streams respectively (spec §4.5 "cap ≈ 5,000" /
// "cap ≈ 2,000"); values ≤ 0 fall back to those defaults.
func New(rdb *redis.Client, eventCap, alertCap int64) *Bus {
	if eventCap <= 0 {
		eventCap = 5000
	}
	if alertCap <= 0 {
		alertCap = 2000
	}
	return &Bus{rdb: rdb, eventCap: eventCap, alertCap: alertCap}
}

func (b *Bus) capFor(stream string) int64 {
	if stream == AlertsStream {
		return b.alertCap
	}
	return b.eventCap
}

// Append adds fields as a new entry to stream, approximately trimming to
// the stream's configured cap, and returns the assigned id (spec §4.5
// "append(stream, fields) → id").
func (b *Bus) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.capFor(stream),
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: append %s: %v", iderrors.BackendUnavailable, stream, err)
	}
	return id, nil
}

// LatestID returns the id of the most recent entry in stream, or ZeroID if
// the stream is empty or does not yet exist (spec §4.5 "latest_id").
func (b *Bus) LatestID(ctx context.Context, stream string) (string, error) {
	entries, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("%w: latest_id %s: %v", iderrors.BackendUnavailable, stream, err)
	}
	if len(entries) == 0 {
		return ZeroID, nil
	}
	return entries[0].ID, nil
}

// Tail blocks up to blockMs waiting for entries with id > afterID, returning
// as soon as any are available or the timeout elapses (spec §4.5 "tail").
// A timeout with no new entries is not an error: it returns a nil slice.
func (b *Bus) Tail(ctx context.Context, stream, afterID string, blockMs int, count int64) ([]Entry, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tail %s: %v", iderrors.BackendUnavailable, stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(res[0].Messages))
	for _, m := range res[0].Messages {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprintf("%v", v)
			}
		}
		entries = append(entries, Entry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

// EnsureExists idempotently makes stream exist even with no entries yet, so
// that LatestID/Tail callers can rely on it being addressable (spec §4.5
// "ensure_exists"). It appends a throwaway entry and immediately deletes it,
// which creates the underlying stream key without leaving a visible entry
// behind — calling it on an already-existing stream is a harmless no-op.
func (b *Bus) EnsureExists(ctx context.Context, stream string) error {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"_init": "1"},
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: ensure_exists %s: %v", iderrors.BackendUnavailable, stream, err)
	}
	if err := b.rdb.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("%w: ensure_exists cleanup %s: %v", iderrors.BackendUnavailable, stream, err)
	}
	return nil
}
