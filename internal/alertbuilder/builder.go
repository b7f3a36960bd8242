// Package alertbuilder composes the structured alert payload the detection
// engine hands to the event stream bus (spec §4.4, §6 "Alert payload
// schema"). Builder is stateless: identical (rule, event, groupKey, extra)
// input always produces byte-equal output modulo timestamp (spec §8
// round-trip law).
package alertbuilder

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/ruleloader"
)

// Extra carries the counter/evidence results the detection engine computed
// for one rule match (spec §4.3 steps e/f/i and §4.3.1).
type Extra struct {
	Count         *int64
	DistinctCount *int64
	WindowSec     int
	FailCount     int
	FailWithinSec int
	Events        []event.Snapshot
	// Paths is consulted when Events carries no Path values, e.g. a sequence
	// rule whose evidence is drawn from fail-burst snapshots that predate
	// path-bearing fields (spec §4.4 "from either extra.events[*].path or
	// extra.paths").
	Paths []string
}

// Target is one reconstructed, semantically-tagged asset referenced by an
// alert (spec §4.4). Tag is empty for non-HTTP families (e.g. SSH), where
// the target is simply the reconstructed connection URL.
type Target struct {
	URL string `json:"url"`
	Tag string `json:"tag,omitempty"`
}

// Assessment is the engine's structured characterization of the alert.
type Assessment struct {
	AttackType string   `json:"attack_type"`
	Risk       string   `json:"risk"`
	Targets    []Target `json:"targets"`
}

// Asset records the internal host/service identity behind a public-facing
// display name, for provenance (spec §4.4 "keep internal host in an asset
// sub-object").
type Asset struct {
	Host string `json:"host,omitempty"`
}

// Alert is the outbound payload (spec §3 "Alert", §6 "Alert payload schema").
type Alert struct {
	RuleID     string   `json:"rule_id"`
	RuleName   string   `json:"rule_name"`
	RuleTitle  string   `json:"rule_title,omitempty"`
	RuleDesc   string   `json:"rule_desc,omitempty"`
	RuleWhy    string   `json:"rule_why,omitempty"`
	RuleAdvice string   `json:"rule_advice,omitempty"`
	Severity   string   `json:"severity"`
	Tags       []string `json:"tags,omitempty"`
	LogSource  string   `json:"log_source"`
	GroupKey   string   `json:"group_key"`

	SrcIP    string `json:"src_ip,omitempty"`
	Username string `json:"username,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     string `json:"port,omitempty"`
	TS       int64  `json:"ts"`
	RawID    string `json:"raw_id,omitempty"`

	Count         *int64 `json:"count,omitempty"`
	DistinctCount *int64 `json:"distinct_count,omitempty"`
	WindowSec     int    `json:"window_sec,omitempty"`
	FailCount     int    `json:"fail_count,omitempty"`
	FailWithinSec int    `json:"fail_within_sec,omitempty"`

	Events []event.Snapshot `json:"events"`

	Asset        Asset      `json:"asset"`
	Assessment   Assessment `json:"assessment"`
	HumanSummary string     `json:"human_summary"`
}

// httpLogSources names the log_source tags treated as "web surface" for
// public-host normalization and URL reconstruction.
var httpLogSources = map[string]bool{"http": true, "nginx": true, "apache": true}

// Build composes an Alert. publicHost overrides the displayed host for
// web-surface rules (spec §4.4); pass "" to use the event's own host.
func Build(rule *ruleloader.Rule, ev event.Normalized, groupKey string, extra Extra, publicHost string) Alert {
	displayHost := ev.Host
	isHTTP := httpLogSources[ev.LogSource]
	if isHTTP && publicHost != "" {
		displayHost = publicHost
	}

	a := Alert{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		RuleTitle:     rule.Title,
		RuleDesc:      rule.Desc,
		RuleWhy:       rule.Why,
		RuleAdvice:    rule.Advice,
		Severity:      rule.Severity,
		Tags:          rule.Tags,
		LogSource:     ev.LogSource,
		GroupKey:      groupKey,
		SrcIP:         ev.SrcIP,
		Username:      ev.Username,
		Host:          displayHost,
		Port:          ev.Port,
		TS:            ev.TS,
		RawID:         ev.RawID,
		Count:         extra.Count,
		DistinctCount: extra.DistinctCount,
		WindowSec:     extra.WindowSec,
		FailCount:     extra.FailCount,
		FailWithinSec: extra.FailWithinSec,
		Events:        extra.Events,
		Asset:         Asset{Host: ev.Host},
		HumanSummary:  "",
	}

	if rule.IsSequence() {
		a.Assessment = Assessment{
			AttackType: "credential-stuffing-sequence",
			Risk:       riskFor(rule.Severity),
			Targets:    sshTargets(displayHost, ev.Port),
		}
	} else if isHTTP {
		a.Assessment = Assessment{
			AttackType: "http-reconnaissance",
			Risk:       riskFor(rule.Severity),
			Targets:    httpTargets(displayHost, ev, extra),
		}
	} else if ev.LogSource == "ssh" {
		a.Assessment = Assessment{
			AttackType: "ssh-brute-force",
			Risk:       riskFor(rule.Severity),
			Targets:    sshTargets(displayHost, ev.Port),
		}
	} else {
		a.Assessment = Assessment{
			AttackType: "anomalous-activity",
			Risk:       riskFor(rule.Severity),
		}
	}

	a.HumanSummary = humanSummary(rule, ev, displayHost, extra)
	return a
}

func riskFor(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return "critical"
	case "HIGH":
		return "high"
	case "WARN", "MEDIUM":
		return "medium"
	default:
		return "low"
	}
}

// sshTargets implements spec §4.4 "For SSH-family rules:
// assessment.targets = [\"ssh://{host}:{port or 22}\"]".
func sshTargets(host, port string) []Target {
	if port == "" {
		port = "22"
	}
	return []Target{{URL: fmt.Sprintf("ssh://%s:%s", host, port)}}
}

// pathTagRules maps a recognizable request path fragment to a semantic tag from
// the closed vocabulary in spec §4.4.
var pathTagRules = []struct {
	substr string
	tag    string
}{
	{"/admin", "admin-entry"},
	{"/login", "login-page"},
	{"/phpinfo", "info-leak"},
	{"/.git", "source-leak"},
	{".zip", "backup-leak"},
	{".bak", "backup-leak"},
	{"/backup", "backup-leak"},
	{"/wp-admin", "admin-entry"},
	{"/.env", "sensitive-path"},
	{"/config", "sensitive-path"},
}

func tagForPath(path string) string {
	lower := strings.ToLower(path)
	for _, r := range pathTagRules {
		if strings.Contains(lower, r.substr) {
			return r.tag
		}
	}
	return "suspicious-probe"
}

// httpTargets implements spec §4.4's HTTP target reconstruction: URLs are
// derived from extra.events[*].path (falling back to extra.paths), the
// scheme/port default from the event's port (443⇒https, 80⇒http, otherwise
// http), and default ports are omitted from the rendered URL.
func httpTargets(host string, ev event.Normalized, extra Extra) []Target {
	paths := make([]string, 0, len(extra.Events))
	for _, e := range extra.Events {
		if e.Path != "" {
			paths = append(paths, e.Path)
		}
	}
	if len(paths) == 0 {
		paths = extra.Paths
	}
	if len(paths) == 0 && ev.Path != "" {
		paths = []string{ev.Path}
	}

	port := ev.Port
	scheme := "http"
	switch port {
	case "443":
		scheme = "https"
	case "80":
		scheme = "http"
	}

	seen := make(map[string]bool, len(paths))
	targets := make([]Target, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		targets = append(targets, Target{
			URL: buildURL(scheme, host, port, p),
			Tag: tagForPath(p),
		})
	}
	return targets
}

// buildURL renders scheme://host[:port]/path, omitting the port when it is
// the scheme's default (spec §4.4 "omit default ports in the rendered URL").
func buildURL(scheme, host, port, path string) string {
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	if port != "" && !isDefaultPort(scheme, port) {
		u.Host = host + ":" + port
	}
	return u.String()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// humanSummary renders a single-sentence narrative (spec §4.4).
func humanSummary(rule *ruleloader.Rule, ev event.Normalized, host string, extra Extra) string {
	switch {
	case rule.IsSequence():
		return fmt.Sprintf(
			"%d failed logins from %s as %q within %ds were followed by a successful login on %s.",
			extra.FailCount, ev.SrcIP, ev.Username, extra.FailWithinSec, host,
		)
	case extra.DistinctCount != nil:
		return fmt.Sprintf(
			"%s triggered rule %q with %d distinct values observed within %ds on %s.",
			ev.SrcIP, rule.Name, *extra.DistinctCount, extra.WindowSec, host,
		)
	case ev.LogSource == "ssh" || rule.MatchesLogSource("ssh"):
		count := int64(0)
		if extra.Count != nil {
			count = *extra.Count
		}
		return fmt.Sprintf(
			"%s attempted %d logins against %s:%s within %ds, tripping rule %q.",
			ev.SrcIP, count, host, orDefault(ev.Port, "22"), extra.WindowSec, rule.Name,
		)
	default:
		count := int64(0)
		if extra.Count != nil {
			count = *extra.Count
		}
		paths := pathSample(extra)
		return fmt.Sprintf(
			"%s probed %s %d times within %ds, including %s, tripping rule %q.",
			ev.SrcIP, host, count, extra.WindowSec, paths, rule.Name,
		)
	}
}

func pathSample(extra Extra) string {
	const maxSample = 3
	var paths []string
	for _, e := range extra.Events {
		if e.Path != "" {
			paths = append(paths, e.Path)
		}
		if len(paths) >= maxSample {
			break
		}
	}
	if len(paths) == 0 {
		return "several paths"
	}
	return strings.Join(paths, ", ")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
