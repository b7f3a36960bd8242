// Package statestore implements the sliding-window / cooldown / fail-burst
// state store described in spec §4.2, backed by Redis ordered sets, hashes,
// and TTLs. Redis is the engine of choice because it is a direct match for
// the required primitives: ZADD/ZREMRANGEBYSCORE/ZCARD give the ordered,
// score-pruned sets the window, distinct-count and fail-burst algorithms
// need, HSET gives the keyed blob map for evidence snapshots, SET NX with an
// expiry gives the cooldown marker, and EXPIRE refreshes each key's TTL on
// every write. The read paths (HadRecentFailBurst, WindowGetEvents) prune
// but do not refresh TTLs.
package statestore

import (
	"context"

	"github.com/tripwire/sentinel/internal/event"
)

// Store is the pure interface the detection engine evaluates against (spec
// §4.2). All operations are idempotent with respect to the pair (ts, member)
// and bound by a caller-supplied context deadline (spec §5 "every state-store
// ... operation has a bounded wall-clock deadline").
type Store interface {
	// WindowRecord atomically inserts (ts, member) into the window counter,
	// stores member -> eventBlob in the blob map, prunes entries older than
	// windowSec, refreshes TTL on both structures, and returns the resulting
	// cardinality plus the most recent keepLast hydrated event snapshots
	// (newest last). Corrupt or missing blobs are skipped, never an error.
	WindowRecord(ctx context.Context, key string, ts int64, windowSec int, member string, eventBlob []byte, keepLast int) (count int64, events []event.Snapshot, err error)

	// WindowDistinctCount inserts distinctValue into a window-scoped set of
	// distinct values (re-inserting the same value just refreshes its
	// score), prunes entries older than windowSec, and returns the resulting
	// cardinality.
	WindowDistinctCount(ctx context.Context, key string, ts int64, windowSec int, distinctValue string) (count int64, err error)

	// CooldownHit reports whether emission is permitted for dedupKey: true
	// when cooldownSec <= 0, when no marker exists, or when the existing
	// marker has expired; false while a marker is still live. Only the
	// no-live-marker case writes a marker (with a TTL of cooldownSec);
	// cooldownSec <= 0 permits without writing one. The name is historical; true means "allowed to fire" — the
	// polarity must never be inverted (spec §4.2, §9).
	CooldownHit(ctx context.Context, dedupKey string, cooldownSec int) (bool, error)

	// RecordFail appends ts to the fail-burst ordered set for key, pruning
	// entries older than withinSec.
	RecordFail(ctx context.Context, key string, ts int64, withinSec int) error

	// HadRecentFailBurst reports whether key's fail-burst set (after pruning
	// to withinSec) has at least threshold entries.
	HadRecentFailBurst(ctx context.Context, key string, ts int64, withinSec int, threshold int) (bool, error)

	// WindowGetEvents is a read-only variant of WindowRecord's evidence
	// fetch: it prunes and returns up to keepLast hydrated snapshots without
	// inserting a new member.
	WindowGetEvents(ctx context.Context, key string, ts int64, windowSec int, keepLast int) ([]event.Snapshot, error)
}
