package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of alert rows held in-memory before
	// an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes pending
	// alerts even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed durable store for historical events and
// alerts.
//
// Alert ingestion is batched: callers enqueue individual Alert values via
// BatchInsertAlerts, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. Event inserts and queries execute
// immediately, since raw events arrive one per ingest call and durability is
// already provided upstream by internal/ingestqueue.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Alert
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Alert, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// alerts, and closes the connection pool. It is safe to call Close more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertAlerts enqueues alert for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertAlerts(ctx context.Context, alert Alert) error {
	s.mu.Lock()
	s.batch = append(s.batch, alert)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current alert buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Alert, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO alerts
			(alert_id, rule_id, rule_name, severity, group_key, src_ip, username, host, ts, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		a := &toInsert[i]
		payload := []byte(a.Payload)
		if payload == nil {
			payload = []byte("null")
		}
		b.Queue(query,
			a.AlertID, a.RuleID, a.RuleName,
			string(a.Severity), a.GroupKey,
			nullableStr(a.SrcIP), nullableStr(a.Username), nullableStr(a.Host),
			a.TS, payload, a.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec alert: %w", err)
		}
	}
	return nil
}

// QueryAlerts returns paginated alerts that fall within [q.From, q.To) on the
// received_at column. The time-range constraint enables PostgreSQL partition
// pruning so only the relevant monthly partitions are scanned.
//
// Optional filters: q.RuleID (exact match), q.Severity (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, alert_id ASC.
func (s *Store) QueryAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.RuleID != "" {
		where += fmt.Sprintf(" AND rule_id = $%d", argIdx)
		args = append(args, q.RuleID)
		argIdx++
	}
	if q.Severity != nil {
		where += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, string(*q.Severity))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sqlQuery := fmt.Sprintf(`
		SELECT alert_id, rule_id, rule_name, severity, group_key,
		       src_ip, username, host, ts, payload, received_at
		FROM   alerts
		%s
		ORDER  BY received_at DESC, alert_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		var payload []byte
		var severity string
		var srcIP, username, host *string
		err := rows.Scan(
			&a.AlertID, &a.RuleID, &a.RuleName,
			&severity, &a.GroupKey,
			&srcIP, &username, &host,
			&a.TS, &payload, &a.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = Severity(severity)
		a.Payload = payload
		if srcIP != nil {
			a.SrcIP = *srcIP
		}
		if username != nil {
			a.Username = *username
		}
		if host != nil {
			a.Host = *host
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- Event persistence ---

// InsertEvent persists a single normalized event. Conflicts on raw_id are
// silently ignored, so redelivery by internal/ingestqueue after a crash is
// idempotent.
func (s *Store) InsertEvent(ctx context.Context, e Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (raw_id, log_source, host, ts, event_json, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (raw_id) DO NOTHING`,
		e.RawID, e.LogSource, nullableStr(e.Host), e.TS, []byte(e.EventJSON), e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListSources returns the distinct log_source tags seen within the last
// window, ordered alphabetically — the durable-store analogue of a host
// inventory, scoped to where events are coming from rather than which
// machines are reporting them.
func (s *Store) ListSources(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT log_source
		FROM   events
		WHERE  received_at >= $1
		ORDER  BY log_source`, since)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
// The caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EntryID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries with created_at in [from, to),
// ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  created_at >= $1 AND created_at < $2
		ORDER  BY sequence_num ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
