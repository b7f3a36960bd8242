// Package storage provides the PostgreSQL-backed durable persistence layer
// for historical events and alerts. It exposes typed model structs for the
// events and alerts tables and a Store that wraps a pgxpool connection pool
// with a batched alert-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// Severity is the operator-facing urgency level of an alert, mirrored from
// the rule catalog's severity field.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event maps to the `events` table: a durable record of every normalized log
// line the detection engine evaluated, independent of whether it tripped an
// alert.
//
// RawID is the caller-assigned identifier from the ingest API, unique per
// event. EventJSON carries the full normalized event as JSONB and round-trips
// without modification.
type Event struct {
	RawID      string          `json:"raw_id"`
	LogSource  string          `json:"log_source"`
	Host       string          `json:"host,omitempty"`
	TS         time.Time       `json:"ts"`
	EventJSON  json.RawMessage `json:"event"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Alert maps to the `alerts` table.
//
// Payload carries the full structured alertbuilder.Alert as a JSONB value and
// round-trips without modification. A nil Payload is stored as SQL NULL.
type Alert struct {
	AlertID    string          `json:"alert_id"`
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	Severity   Severity        `json:"severity"`
	GroupKey   string          `json:"group_key"`
	SrcIP      string          `json:"src_ip,omitempty"`
	Username   string          `json:"username,omitempty"`
	Host       string          `json:"host,omitempty"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// AuditEntry maps to the `audit_entries` table: the durable projection of
// internal/audit's hash-chained log of every emitted alert.
//
// EventHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the genesis
// entry this is a string of 64 zeros.
// Payload holds the full audited event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertQuery carries the filter and pagination parameters for QueryAlerts.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. A nil
// Severity means no severity filter is applied. An empty RuleID matches all
// rules.
type AlertQuery struct {
	RuleID   string
	Severity *Severity
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
