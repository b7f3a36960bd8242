package rest

import (
	"context"
	"time"

	"github.com/tripwire/sentinel/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST query
// handlers. Defining an interface allows handlers to be tested with a mock
// store without a live PostgreSQL connection (spec §1 "durable relational
// store for raw logs and historical alerts" — out of scope for the core,
// specified here only as a collaborator contract).
type Store interface {
	// QueryAlerts returns historical alerts matching the given filter and
	// pagination params.
	QueryAlerts(ctx context.Context, q storage.AlertQuery) ([]storage.Alert, error)

	// ListSources returns the distinct log_source tags seen since the given
	// time, ordered alphabetically.
	ListSources(ctx context.Context, since time.Time) ([]string, error)

	// QueryAuditEntries returns hash-chained audit entries created within
	// [from, to).
	QueryAuditEntries(ctx context.Context, from, to time.Time) ([]storage.AuditEntry, error)
}
