// Package detection implements the per-event rule evaluation algorithm (spec
// §4.3): a pure function of (event, rule catalog, state store) that returns
// zero or more alerts.
package detection

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tripwire/sentinel/internal/alertbuilder"
	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/ruleloader"
	"github.com/tripwire/sentinel/internal/statestore"
)

const keepLastEvidence = 50

// Engine evaluates incoming events against a rule catalog, updating the
// state store and producing alerts. Engine holds no mutable state of its
// own; all state lives in the injected Store (spec §5 "the alert builder is
// stateless" applies equally to the engine).
type Engine struct {
	store      statestore.Store
	publicHost string
}

// New builds an Engine bound to store. publicHost is passed through to the
// alert builder for web-surface host normalization (spec §4.4); "" disables
// the override.
func New(store statestore.Store, publicHost string) *Engine {
	return &Engine{store: store, publicHost: publicHost}
}

// Evaluate runs ev against every enabled rule in catalog order (spec §4.3,
// §4.3.1) and returns the alerts that tripped. A non-nil error indicates a
// state-store failure for one rule; evaluation continues against the
// remaining rules and accumulates both the alerts produced so far and the
// error, since one backend hiccup must not blind every other rule (spec §9
// "engine degrades one rule at a time, not globally").
func (e *Engine) Evaluate(ctx context.Context, ev event.Normalized, catalog *ruleloader.Catalog) ([]alertbuilder.Alert, error) {
	if ev.TS <= 0 {
		return nil, nil
	}

	var alerts []alertbuilder.Alert
	var errs []error

	for _, rule := range catalog.Rules() {
		var a *alertbuilder.Alert
		var err error
		if rule.IsSequence() {
			a, err = e.evaluateSequence(ctx, rule, ev)
		} else {
			a, err = e.evaluateWindow(ctx, rule, ev)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if a != nil {
			alerts = append(alerts, *a)
		}
	}

	if len(errs) == 0 {
		return alerts, nil
	}
	joined := errs[0]
	for _, extra := range errs[1:] {
		joined = fmt.Errorf("%w; %v", joined, extra)
	}
	return alerts, joined
}

// matchesLogSourceAndRequire implements the filter shared by both
// evaluation paths: log_source membership and require presence (spec
// §4.3.b, §4.3.1 "Filter by log_source and require as above").
func matchesLogSourceAndRequire(rule *ruleloader.Rule, ev event.Normalized) bool {
	if !rule.MatchesLogSource(ev.LogSource) {
		return false
	}
	for _, field := range rule.Require {
		if ev.Field(field) == "" {
			return false
		}
	}
	return true
}

// matchesPredicates implements the full window-path filter (spec §4.3.b):
// log_source membership, require presence, match equality, and *_regex
// search. The sequence path (§4.3.1) only applies the narrower
// matchesLogSourceAndRequire filter — it has no match/regex predicates.
func matchesPredicates(rule *ruleloader.Rule, ev event.Normalized) bool {
	if !matchesLogSourceAndRequire(rule, ev) {
		return false
	}
	for field, want := range rule.Match {
		if ev.Field(field) != want {
			return false
		}
	}
	for field, re := range rule.Regex {
		if !re.MatchString(ev.Field(field)) {
			return false
		}
	}
	return true
}

// groupKey implements spec §4.3.c: "{f}={event[f]}" joined by "|", or
// "global" when group_by is empty.
func groupKey(groupBy []string, ev event.Normalized) string {
	if len(groupBy) == 0 {
		return "global"
	}
	parts := make([]string, len(groupBy))
	for i, f := range groupBy {
		parts[i] = fmt.Sprintf("%s=%s", f, ev.Field(f))
	}
	return strings.Join(parts, "|")
}

// renderDedup substitutes {rule_id}, {src_ip}, {username}, {host}, {service}
// in the rule's dedup_key template; a missing field substitutes "" (spec
// §4.3.h). {service} maps to the event's source field, the closest analogue
// in the normalized event schema to a service/collaborator name.
func renderDedup(template, ruleID string, ev event.Normalized) string {
	r := strings.NewReplacer(
		"{rule_id}", ruleID,
		"{src_ip}", ev.SrcIP,
		"{username}", ev.Username,
		"{host}", ev.Host,
		"{service}", ev.Source,
	)
	return r.Replace(template)
}

// evidenceMember derives the window member identity (spec §4.3.f:
// "str(event.raw_id or ts)").
func evidenceMember(ev event.Normalized) string {
	if ev.RawID != "" {
		return ev.RawID
	}
	return strconv.FormatInt(ev.TS, 10)
}

func (e *Engine) evaluateWindow(ctx context.Context, rule *ruleloader.Rule, ev event.Normalized) (*alertbuilder.Alert, error) {
	if !matchesPredicates(rule, ev) {
		return nil, nil
	}

	gk := groupKey(rule.GroupBy, ev)
	keyBase := rule.ID + ":" + gk

	var extra alertbuilder.Extra
	extra.WindowSec = rule.WindowSec

	var count int64
	if len(rule.DistinctOn) > 0 {
		dv := distinctValue(rule.DistinctOn, ev)
		cnt, err := e.store.WindowDistinctCount(ctx, keyBase, ev.TS, rule.WindowSec, dv)
		if err != nil {
			return nil, err
		}
		member := evidenceMember(ev)
		blob, err := event.Compact(ev).Marshal()
		if err != nil {
			return nil, err
		}
		// Evidence is retained on a sibling key so distinct-value counting
		// is not polluted by raw occurrence volume (spec §4.3.e).
		_, events, err := e.store.WindowRecord(ctx, keyBase+":evt", ev.TS, rule.WindowSec, member, blob, keepLastEvidence)
		if err != nil {
			return nil, err
		}
		count = cnt
		extra.DistinctCount = &cnt
		extra.Events = events
	} else {
		member := evidenceMember(ev)
		blob, err := event.Compact(ev).Marshal()
		if err != nil {
			return nil, err
		}
		cnt, events, err := e.store.WindowRecord(ctx, keyBase, ev.TS, rule.WindowSec, member, blob, keepLastEvidence)
		if err != nil {
			return nil, err
		}
		count = cnt
		extra.Count = &cnt
		extra.Events = events
	}

	if count < int64(rule.Threshold) {
		return nil, nil
	}

	dedup := renderDedup(rule.DedupKey, rule.ID, ev)
	allowed, err := e.store.CooldownHit(ctx, dedup, rule.CooldownSec)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	a := alertbuilder.Build(rule, ev, gk, extra, e.publicHost)
	return &a, nil
}

func (e *Engine) evaluateSequence(ctx context.Context, rule *ruleloader.Rule, ev event.Normalized) (*alertbuilder.Alert, error) {
	if !matchesLogSourceAndRequire(rule, ev) {
		return nil, nil
	}

	gk := groupKey(rule.GroupBy, ev)
	keyBase := rule.ID + ":" + gk
	seq := rule.Sequence

	switch ev.Outcome {
	case "fail":
		if err := e.store.RecordFail(ctx, keyBase, ev.TS, seq.FailWithinSec); err != nil {
			return nil, err
		}
		return nil, nil
	case "success":
		had, err := e.store.HadRecentFailBurst(ctx, keyBase, ev.TS, seq.FailWithinSec, seq.FailCount)
		if err != nil {
			return nil, err
		}
		if !had {
			return nil, nil
		}

		dedup := renderDedup(rule.DedupKey, rule.ID, ev)
		allowed, err := e.store.CooldownHit(ctx, dedup, rule.CooldownSec)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, nil
		}

		// Evidence fetch failures degrade to an empty evidence window rather
		// than losing the alert (spec §4.3.1 "empty on error").
		events, _ := e.store.WindowGetEvents(ctx, keyBase+":fail", ev.TS, seq.FailWithinSec, keepLastEvidence)

		extra := alertbuilder.Extra{
			FailCount:     seq.FailCount,
			FailWithinSec: seq.FailWithinSec,
			Events:        events,
		}
		a := alertbuilder.Build(rule, ev, gk, extra, e.publicHost)
		return &a, nil
	default:
		return nil, nil
	}
}

// distinctValue implements spec §4.3.e: "|".join(str(event[f]) for f in
// distinct_on).
func distinctValue(fields []string, ev event.Normalized) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = ev.Field(f)
	}
	return strings.Join(parts, "|")
}
