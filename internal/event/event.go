// Package event defines the normalized event shape that flows from the
// (out-of-scope) ingestion and parsing stage into the detection engine, and
// the compact evidence snapshot that the state store retains for alerts.
package event

import "encoding/json"

// Normalized is a single parsed log line. LogSource and TS are the only
// mandatory fields; every other field is optional and rules declare which
// ones they require via Rule.Require/Match/*Regex.
type Normalized struct {
	LogSource string `json:"log_source"`
	TS        int64  `json:"ts"`
	Host      string `json:"host,omitempty"`
	Source    string `json:"source,omitempty"`
	RawID     string `json:"raw_id,omitempty"`

	SrcIP      string `json:"src_ip,omitempty"`
	Username   string `json:"username,omitempty"`
	Outcome    string `json:"outcome,omitempty"` // "fail" | "success"
	Port       string `json:"port,omitempty"`
	Path       string `json:"path,omitempty"`
	Method     string `json:"method,omitempty"`
	StatusCode string `json:"status_code,omitempty"`
	Raw        string `json:"raw,omitempty"`
}

// Field returns the named event field as a string, or "" if the field is
// unknown to the event schema or empty. It backs the generic require/match/
// regex/group-by/dedup-template machinery in the rule loader and detection
// engine, which all reference fields by name rather than by struct field.
func (e Normalized) Field(name string) string {
	switch name {
	case "log_source":
		return e.LogSource
	case "host":
		return e.Host
	case "source":
		return e.Source
	case "raw_id":
		return e.RawID
	case "src_ip":
		return e.SrcIP
	case "username":
		return e.Username
	case "outcome":
		return e.Outcome
	case "port":
		return e.Port
	case "path":
		return e.Path
	case "method":
		return e.Method
	case "status_code":
		return e.StatusCode
	case "raw":
		return e.Raw
	default:
		return ""
	}
}

// maxRawLen truncates the raw line carried in evidence snapshots so a single
// oversized log line cannot balloon the state store's blob map.
const maxRawLen = 2048

// Snapshot is the compact evidence record stored per matched event and
// later attached to an alert's evidence window (spec §3 "compact event
// snapshot", §6 evidence array schema).
type Snapshot struct {
	TS       int64  `json:"ts"`
	AttackIP string `json:"attack_ip,omitempty"`
	IP       string `json:"ip,omitempty"`
	Username string `json:"username,omitempty"`
	User     string `json:"user,omitempty"` // duplicate of Username, per §6 schema "user|username"
	Port     string `json:"port,omitempty"`
	Path     string `json:"path,omitempty"`
	Raw      string `json:"raw,omitempty"`
	Host     string `json:"host,omitempty"`
	Source   string `json:"source,omitempty"`
	RawID    string `json:"raw_id,omitempty"`
}

// Compact builds the evidence Snapshot that the state store retains for e.
func Compact(e Normalized) Snapshot {
	raw := e.Raw
	if len(raw) > maxRawLen {
		raw = raw[:maxRawLen]
	}
	return Snapshot{
		TS:       e.TS,
		AttackIP: e.SrcIP,
		IP:       e.SrcIP,
		Username: e.Username,
		User:     e.Username,
		Port:     e.Port,
		Path:     e.Path,
		Raw:      raw,
		Host:     e.Host,
		Source:   e.Source,
		RawID:    e.RawID,
	}
}

// Marshal encodes s as JSON, the wire format stored in the state store's blob
// map (spec §4.2 event_blob).
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a blob produced by Marshal. Callers (the state store)
// skip entries that fail to unmarshal rather than failing the whole read
// (spec §4.2 "skip missing/corrupt, never fail").
func Unmarshal(blob []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(blob, &s)
	return s, err
}
