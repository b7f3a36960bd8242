package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/iderrors"
)

// gracePeriod is added to window_sec/fail_within_sec when setting TTLs so
// that a key's natural expiry never races ahead of its own pruning logic
// (spec §3 "All three share a TTL of window_sec + grace seconds").
const gracePeriod = 30 * time.Second

// RedisStore is the Store implementation backing production deployments.
// The *redis.Client is shared across goroutines, which is safe: go-redis
// clients are pooled and designed for concurrent use (spec §5 "clients must
// be safe for concurrent use or pooled").
type RedisStore struct {
	rdb *redis.Client
}

// New wraps an existing, already-configured *redis.Client.
func New(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func dataKey(key string) string { return key + ":data" }

func (s *RedisStore) WindowRecord(ctx context.Context, key string, ts int64, windowSec int, member string, eventBlob []byte, keepLast int) (int64, []event.Snapshot, error) {
	blobKey := dataKey(key)
	ttl := time.Duration(windowSec)*time.Second + gracePeriod
	cutoff := ts - int64(windowSec)

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member})
	pipe.HSet(ctx, blobKey, member, eventBlob)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff))
	cardCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, ttl)
	pipe.Expire(ctx, blobKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: window_record %s: %v", iderrors.BackendUnavailable, key, err)
	}

	events, err := s.hydrateTail(ctx, key, blobKey, keepLast)
	if err != nil {
		return 0, nil, err
	}
	return cardCmd.Val(), events, nil
}

func (s *RedisStore) WindowDistinctCount(ctx context.Context, key string, ts int64, windowSec int, distinctValue string) (int64, error) {
	dstKey := key + ":dst"
	ttl := time.Duration(windowSec)*time.Second + gracePeriod
	cutoff := ts - int64(windowSec)

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, dstKey, redis.Z{Score: float64(ts), Member: distinctValue})
	pipe.ZRemRangeByScore(ctx, dstKey, "-inf", fmt.Sprintf("%d", cutoff))
	cardCmd := pipe.ZCard(ctx, dstKey)
	pipe.Expire(ctx, dstKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: window_distinct_count %s: %v", iderrors.BackendUnavailable, dstKey, err)
	}
	return cardCmd.Val(), nil
}

func (s *RedisStore) CooldownHit(ctx context.Context, dedupKey string, cooldownSec int) (bool, error) {
	if cooldownSec <= 0 {
		return true, nil
	}

	key := "cooldown:" + dedupKey
	ok, err := s.rdb.SetNX(ctx, key, time.Now().Unix(), time.Duration(cooldownSec)*time.Second).Result()
	if err != nil {
		return false, fmt.Errorf("%w: cooldown_hit %s: %v", iderrors.BackendUnavailable, key, err)
	}
	// SetNX succeeds (ok==true) exactly when no marker existed, which is the
	// second permitting case; the marker is now written with its TTL.
	return ok, nil
}

func (s *RedisStore) RecordFail(ctx context.Context, key string, ts int64, withinSec int) error {
	failKey := key + ":fail"
	ttl := time.Duration(withinSec)*time.Second + gracePeriod
	cutoff := ts - int64(withinSec)

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, failKey, redis.Z{Score: float64(ts), Member: fmt.Sprintf("%d:%s", ts, uuid.NewString())})
	pipe.ZRemRangeByScore(ctx, failKey, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.Expire(ctx, failKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: record_fail %s: %v", iderrors.BackendUnavailable, failKey, err)
	}
	return nil
}

func (s *RedisStore) HadRecentFailBurst(ctx context.Context, key string, ts int64, withinSec int, threshold int) (bool, error) {
	failKey := key + ":fail"
	cutoff := ts - int64(withinSec)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, failKey, "-inf", fmt.Sprintf("%d", cutoff))
	cardCmd := pipe.ZCard(ctx, failKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: had_recent_fail_burst %s: %v", iderrors.BackendUnavailable, failKey, err)
	}
	return cardCmd.Val() >= int64(threshold), nil
}

func (s *RedisStore) WindowGetEvents(ctx context.Context, key string, ts int64, windowSec int, keepLast int) ([]event.Snapshot, error) {
	cutoff := ts - int64(windowSec)
	if err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("%w: window_get_events %s: %v", iderrors.BackendUnavailable, key, err)
	}
	return s.hydrateTail(ctx, key, dataKey(key), keepLast)
}

// hydrateTail fetches the last keepLast members of the ordered set at key (by
// score ascending, i.e. oldest of the tail first / newest last) and hydrates
// their blobs from blobKey, silently skipping members with a missing or
// corrupt blob (spec §4.2 "skip missing/corrupt, never fail").
func (s *RedisStore) hydrateTail(ctx context.Context, key, blobKey string, keepLast int) ([]event.Snapshot, error) {
	if keepLast <= 0 {
		return nil, nil
	}

	members, err := s.rdb.ZRange(ctx, key, -int64(keepLast), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hydrate %s: %v", iderrors.BackendUnavailable, key, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	blobs, err := s.rdb.HMGet(ctx, blobKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hydrate blobs %s: %v", iderrors.BackendUnavailable, blobKey, err)
	}

	events := make([]event.Snapshot, 0, len(blobs))
	for _, b := range blobs {
		s, ok := b.(string)
		if !ok || s == "" {
			continue // missing
		}
		snap, err := event.Unmarshal([]byte(s))
		if err != nil {
			continue // corrupt
		}
		events = append(events, snap)
	}
	return events, nil
}
