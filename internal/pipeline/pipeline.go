// Package pipeline wires the detection engine to its collaborators: the
// durable ingest queue, the rule catalog, the event/alert stream bus, the
// tamper-evident audit log, and (optionally) the durable relational store.
// It is the glue the REST ingest handler and the recovery sweep call into,
// grounded on the teacher's internal/queue "enqueue then a worker drains it"
// split (spec §6 "the core MUST be invoked only after the ingestion caller
// has assigned a raw_id").
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/sentinel/internal/alertbuilder"
	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/detection"
	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/eventstream"
	ingestqueue "github.com/tripwire/sentinel/internal/ingestqueue"
	"github.com/tripwire/sentinel/internal/ruleloader"
	"github.com/tripwire/sentinel/internal/server/storage"
)

// Persister is the durable relational store's ingest-path contract (spec §1
// "out of scope... only their contracts specified"): record the normalized
// event and any alerts it tripped. A nil Persister disables durable
// persistence entirely (dev mode).
type Persister interface {
	InsertEvent(ctx context.Context, e storage.Event) error
	BatchInsertAlerts(ctx context.Context, a storage.Alert) error
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}

// Pipeline ties the detection engine to the stream bus, audit log, and
// optional durable store, and durably buffers ingested events ahead of
// detection via the SQLite queue (spec §6, §7).
type Pipeline struct {
	Queue  *ingestqueue.SQLiteQueue
	Loader *ruleloader.Loader
	Engine *detection.Engine
	Bus    *eventstream.Bus
	Audit  *audit.Logger
	Store  Persister
	Logger *slog.Logger
}

// Result is the synchronous outcome of processing one ingested event,
// returned to the ingest handler's debug mode (spec §6 "additionally returns
// the parsed event, triggered alert ids, and any detector errors").
type Result struct {
	Event  event.Normalized
	Alerts []alertbuilder.Alert
	Err    error
}

// Ingest assigns raw_id, durably enqueues ev, and processes it synchronously
// against the current rule catalog. The returned id is the caller-visible
// ingest id (spec §6 "{ok: true, id}"); ev.RawID is set to it.
//
// A detection-engine error is fail-open (spec §7): it is recorded in
// Result.Err and logged, but never prevents the 2xx response the caller
// already committed to once the event was durably queued.
func (p *Pipeline) Ingest(ctx context.Context, ev event.Normalized) (string, Result) {
	if ev.RawID == "" {
		ev.RawID = uuid.NewString()
	}

	id, err := p.Queue.EnqueueID(ctx, ev)
	if err != nil {
		// The queue itself is unavailable; the event cannot be durably
		// accepted. The caller surfaces this as a failed ingest.
		return ev.RawID, Result{Event: ev, Err: err}
	}

	res := p.process(ctx, ev)
	if err := p.Queue.Ack(ctx, []int64{id}); err != nil {
		p.Logger.Warn("pipeline: ack failed, entry will be reprocessed by recovery sweep", slog.Any("error", err))
	}
	return ev.RawID, res
}

// process runs ev through the detection engine, appends it to the raw-event
// stream, and for every tripped alert appends to the alert stream, audit
// logs it, and persists it durably. It does not touch the queue; its callers
// (Ingest, RecoverPending) ack the entry once it returns, whatever the
// detection outcome: detection-backend failures fail open per spec §7 rather
// than blocking redelivery, since a lost sample from one rule's sliding
// window is the accepted degradation, not a reason to replay the whole event.
func (p *Pipeline) process(ctx context.Context, ev event.Normalized) Result {
	res := Result{Event: ev}

	if blob, err := json.Marshal(ev); err == nil {
		fields := map[string]string{"log_source": ev.LogSource, "host": ev.Host, "raw_id": ev.RawID}
		if _, err := p.Bus.Append(ctx, eventstream.EventsStream, fields); err != nil {
			// Stream-append failures are swallowed on the ingest path (spec
			// §7): the event is still evaluated below.
			p.Logger.Warn("pipeline: event stream append failed", slog.Any("error", err))
		}
		if p.Store != nil {
			e := storage.Event{
				RawID:      ev.RawID,
				LogSource:  ev.LogSource,
				Host:       ev.Host,
				TS:         time.Unix(ev.TS, 0).UTC(),
				EventJSON:  json.RawMessage(blob),
				ReceivedAt: time.Now().UTC(),
			}
			if err := p.Store.InsertEvent(ctx, e); err != nil {
				p.Logger.Warn("pipeline: durable event insert failed", slog.Any("error", err))
			}
		}
	}

	alerts, err := p.Engine.Evaluate(ctx, ev, p.Loader.Catalog())
	res.Alerts = alerts
	res.Err = err
	if err != nil {
		p.Logger.Warn("pipeline: detection error (fail-open)", slog.Any("error", err), slog.String("raw_id", ev.RawID))
	}

	for _, a := range alerts {
		p.deliverAlert(ctx, a)
	}

	return res
}

func (p *Pipeline) deliverAlert(ctx context.Context, a alertbuilder.Alert) {
	blob, err := json.Marshal(a)
	if err != nil {
		p.Logger.Error("pipeline: marshal alert failed", slog.Any("error", err))
		return
	}

	fields := map[string]string{
		"rule_id":   a.RuleID,
		"rule_name": a.RuleName,
		"severity":  a.Severity,
		"group_key": a.GroupKey,
		"payload":   string(blob),
	}
	if _, err := p.Bus.Append(ctx, eventstream.AlertsStream, fields); err != nil {
		p.Logger.Warn("pipeline: alert stream append failed", slog.Any("error", err))
	}

	if p.Audit != nil {
		entry, err := p.Audit.Append(json.RawMessage(blob))
		if err != nil {
			p.Logger.Error("pipeline: audit append failed", slog.Any("error", err))
		} else if p.Store != nil {
			ae := storage.AuditEntry{
				EntryID:     uuid.NewString(),
				SequenceNum: entry.Seq,
				EventHash:   entry.EventHash,
				PrevHash:    entry.PrevHash,
				Payload:     entry.Payload,
				CreatedAt:   entry.Timestamp,
			}
			if err := p.Store.InsertAuditEntry(ctx, ae); err != nil {
				p.Logger.Warn("pipeline: durable audit insert failed", slog.Any("error", err))
			}
		}
	}

	if p.Store != nil {
		sa := storage.Alert{
			AlertID:    uuid.NewString(),
			RuleID:     a.RuleID,
			RuleName:   a.RuleName,
			Severity:   storage.Severity(a.Severity),
			GroupKey:   a.GroupKey,
			SrcIP:      a.SrcIP,
			Username:   a.Username,
			Host:       a.Host,
			TS:         time.Unix(a.TS, 0).UTC(),
			Payload:    json.RawMessage(blob),
			ReceivedAt: time.Now().UTC(),
		}
		if err := p.Store.BatchInsertAlerts(ctx, sa); err != nil {
			p.Logger.Warn("pipeline: durable alert insert failed", slog.Any("error", err))
		}
	}
}

// RecoverPending re-processes any queue entries left unacknowledged by a
// crash between Enqueue and process (spec: "a crash between ingest and
// detection never silently drops an event"), batch entries at a time until
// Dequeue returns none. Call once at startup before serving ingest traffic.
func (p *Pipeline) RecoverPending(ctx context.Context, batch int) error {
	for {
		pending, err := p.Queue.Dequeue(ctx, batch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(pending))
		for _, pe := range pending {
			p.process(ctx, pe.Evt)
			ids = append(ids, pe.ID)
		}
		if err := p.Queue.Ack(ctx, ids); err != nil {
			return err
		}
	}
}
