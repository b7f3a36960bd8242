package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tripwire/sentinel/internal/server/storage"
)

// RuleReloader is the rule-catalog reload contract exposed to the REST layer.
type RuleReloader interface {
	Reload() error
}

// Server holds the dependencies needed by the REST handlers: the durable
// query store (historical alerts/sources/audit, spec §1 collaborator), the
// ingest pipeline (spec §6), and the rule loader (reload endpoint).
type Server struct {
	store    Store
	pipeline Pipeline
	rules    RuleReloader
}

// NewServer creates a new Server. store may be nil to disable the
// historical-query endpoints (dev mode, matching cmd/tripwired's existing
// "no DSN configured" pattern); pipeline may be nil to disable ingest; rules
// may be nil to disable the reload endpoint.
func NewServer(store Store, p Pipeline, rules RuleReloader) *Server {
	return &Server{store: store, pipeline: p, rules: rules}
}

// handleHealthz responds to GET /healthz. It does not require authentication
// so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	rule_id   – exact rule id filter (optional)
//	severity  – one of info, warn, high, critical (optional)
//	from      – RFC3339 start of the received_at window (required)
//	to        – RFC3339 end of the received_at window (required)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "historical query is not configured")
		return
	}

	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	aq := storage.AlertQuery{From: from, To: to, RuleID: q.Get("rule_id")}

	if sev := q.Get("severity"); sev != "" {
		switch storage.Severity(sev) {
		case storage.SeverityInfo, storage.SeverityWarn, storage.SeverityHigh, storage.SeverityCritical:
			s := storage.Severity(sev)
			aq.Severity = &s
		default:
			writeError(w, http.StatusBadRequest, "'severity' must be one of info, warn, high, critical")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		aq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		aq.Offset = offset
	}

	alerts, err := s.store.QueryAlerts(r.Context(), aq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(alerts)
}

// handleGetSources responds to GET /api/v1/sources.
//
// Supported query parameters:
//
//	since – RFC3339 lower bound on received_at (defaults to 24h ago)
func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "historical query is not configured")
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		since = parsed
	}

	sources, err := s.store.ListSources(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if sources == nil {
		sources = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sources)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	from – RFC3339 start of the created_at window (required)
//	to   – RFC3339 end of the created_at window (required)
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "historical query is not configured")
		return
	}

	from, to, ok := parseWindow(w, r.URL.Query())
	if !ok {
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}

// handleReloadRules responds to POST /api/v1/rules/reload (spec.md §4.1
// "reload() replaces the catalog atomically"; trigger mechanism added here
// as an authenticated admin endpoint). A reload that rejects some documents
// still installs the rest of the catalog; the rejected ones are reported
// back so an operator can fix them.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if s.rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rule reload is not configured")
		return
	}

	resp := struct {
		OK     bool   `json:"ok"`
		Errors string `json:"errors,omitempty"`
	}{OK: true}

	if err := s.rules.Reload(); err != nil {
		resp.Errors = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// parseWindow parses and validates the required 'from'/'to' RFC3339 query
// parameters shared by handleGetAlerts and handleGetAudit, writing an error
// response and returning ok=false on any failure.
func parseWindow(w http.ResponseWriter, q map[string][]string) (from, to time.Time, ok bool) {
	get := func(key string) string {
		if v, ok := q[key]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}

	fromStr, toStr := get("from"), get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return time.Time{}, time.Time{}, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
