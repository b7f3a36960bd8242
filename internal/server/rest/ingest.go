package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/pipeline"
)

// Pipeline is the ingest-path contract the REST handler drives (spec §6
// "Ingest API"). The real line-parsing regex library is an out-of-scope
// collaborator (spec §1); callers that have already run it pass the
// extracted fields in IngestRequest.Fields, while Source/Host/Level/Message
// are always accepted to satisfy the documented external contract.
type Pipeline interface {
	Ingest(ctx context.Context, ev event.Normalized) (string, pipeline.Result)
}

// IngestRequest is the body of POST /api/v1/ingest (spec §6): "one event
// descriptor per call: {source, host, level, message}". LogSource, TS, and
// Fields carry whatever the (out-of-scope) parser has already extracted;
// when LogSource is empty it defaults to Source.
type IngestRequest struct {
	Source    string            `json:"source"`
	Host      string            `json:"host"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	LogSource string            `json:"log_source,omitempty"`
	TS        int64             `json:"ts,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// IngestResponse is the body of a successful ingest response (spec §6
// "{ok: true, id}"; debug mode additionally returns Event, AlertIDs, Errors).
type IngestResponse struct {
	OK       bool              `json:"ok"`
	ID       string            `json:"id"`
	Event    *event.Normalized `json:"event,omitempty"`
	AlertIDs []string          `json:"alert_ids,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
}

// knownFields is the subset of event.Normalized's source-specific fields an
// external parser may populate via IngestRequest.Fields.
var knownFields = []string{"src_ip", "username", "outcome", "port", "path", "method", "status_code"}

func buildNormalizedEvent(req IngestRequest) event.Normalized {
	logSource := req.LogSource
	if logSource == "" {
		logSource = req.Source
	}

	ev := event.Normalized{
		LogSource: logSource,
		TS:        req.TS,
		Host:      req.Host,
		Source:    req.Source,
		Raw:       req.Message,
	}

	for _, f := range knownFields {
		v, ok := req.Fields[f]
		if !ok {
			continue
		}
		switch f {
		case "src_ip":
			ev.SrcIP = v
		case "username":
			ev.Username = v
		case "outcome":
			ev.Outcome = v
		case "port":
			ev.Port = v
		case "path":
			ev.Path = v
		case "method":
			ev.Method = v
		case "status_code":
			ev.StatusCode = v
		}
	}
	return ev
}

// handleIngest responds to POST /api/v1/ingest (spec §6). A debug mode,
// selected with ?debug=1, additionally returns the parsed event, the ids of
// any tripped alerts, and any detector errors.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest is not configured")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if req.Message == "" && req.LogSource == "" && req.Source == "" {
		writeError(w, http.StatusBadRequest, "one of 'message', 'log_source', or 'source' is required")
		return
	}
	if req.TS == 0 {
		req.TS = time.Now().Unix()
	}

	ev := buildNormalizedEvent(req)
	id, res := s.pipeline.Ingest(r.Context(), ev)

	resp := IngestResponse{OK: true, ID: id}
	if r.URL.Query().Get("debug") != "" {
		resp.Event = &res.Event
		for _, a := range res.Alerts {
			resp.AlertIDs = append(resp.AlertIDs, a.RuleID+":"+a.GroupKey)
		}
		if res.Err != nil {
			resp.Errors = []string{res.Err.Error()}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
