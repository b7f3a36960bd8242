// Package ruleloader parses declarative detection-rule documents from a
// directory into an immutable, ordered catalog (spec §3 Rule, §4.1 Rule
// Loader).
package ruleloader

import (
	"fmt"
	"regexp"
)

// Sequence describes a fail→success correlation rule (spec §3 `sequence`).
type Sequence struct {
	FailCount        int `yaml:"fail_count"`
	FailWithinSec    int `yaml:"fail_within_sec"`
	SuccessWithinSec int `yaml:"success_within_sec"`
}

// doc is the on-disk YAML shape of a single rule document. Unknown fields are
// ignored by gopkg.in/yaml.v3's default decoding (spec §6 "Unknown fields are
// ignored").
type doc struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Title  string `yaml:"title"`
	Desc   string `yaml:"desc"`
	Why    string `yaml:"why"`
	Advice string `yaml:"advice"`

	Enabled *bool `yaml:"enabled"`

	LogSource anyStringList `yaml:"log_source"`
	Require   []string      `yaml:"require"`
	Match     map[string]string `yaml:"match"`

	// Regex is skipped by decoding and stays empty; loadRuleFile reads every
	// "<field>_regex" key from a second, generic decode of the document and
	// compiles it into Rule.Regex.
	Regex map[string]string `yaml:"-"`

	GroupBy    []string `yaml:"group_by"`
	WindowSec  int      `yaml:"window_sec"`
	Threshold  int      `yaml:"threshold"`
	DistinctOn []string `yaml:"distinct_on"`
	Sequence   *Sequence `yaml:"sequence"`

	CooldownSec int    `yaml:"cooldown_sec"`
	DedupKey    string `yaml:"dedup_key"`

	Severity string   `yaml:"severity"`
	Tags     []string `yaml:"tags"`
}

// anyStringList decodes either a bare YAML scalar or a sequence into a
// []string (spec §3 "log_source (string or list of strings)").
type anyStringList []string

// Rule is the normalized, validated, in-memory representation of one rule
// document (spec §3). A Rule is either a window rule or a sequence rule,
// never both (Sequence == nil for window rules).
type Rule struct {
	ID     string
	Name   string
	Title  string
	Desc   string
	Why    string
	Advice string

	Enabled bool

	LogSource []string
	Require   []string
	Match     map[string]string
	Regex     map[string]*regexp.Regexp

	GroupBy    []string
	WindowSec  int
	Threshold  int
	DistinctOn []string
	Sequence   *Sequence

	CooldownSec int
	DedupKey    string

	Severity string
	Tags     []string
}

// MatchesLogSource reports whether the event's log_source is accepted by the
// rule (spec §4.3.b — string-or-set membership).
func (r *Rule) MatchesLogSource(logSource string) bool {
	if len(r.LogSource) == 0 {
		return true
	}
	for _, s := range r.LogSource {
		if s == logSource {
			return true
		}
	}
	return false
}

// IsSequence reports whether r is a fail→success sequence rule rather than a
// window-count rule (spec §3 invariant: "a rule is either a window rule or a
// sequence rule, never both").
func (r *Rule) IsSequence() bool {
	return r.Sequence != nil
}

// validate checks the invariants from spec §3: threshold ≥ 1, window_sec >
// 0, cooldown_sec ≥ 0, and exactly one of {window fields, sequence} set.
func (r *Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	if r.CooldownSec < 0 {
		return fmt.Errorf("rule %s: cooldown_sec must be >= 0", r.ID)
	}

	if r.Sequence != nil {
		if r.Threshold != 0 || r.WindowSec != 0 || len(r.DistinctOn) != 0 {
			return fmt.Errorf("rule %s: a rule is either a window rule or a sequence rule, not both", r.ID)
		}
		if r.Sequence.FailCount < 1 {
			return fmt.Errorf("rule %s: sequence.fail_count must be >= 1", r.ID)
		}
		if r.Sequence.FailWithinSec <= 0 {
			return fmt.Errorf("rule %s: sequence.fail_within_sec must be > 0", r.ID)
		}
		if r.Sequence.SuccessWithinSec <= 0 {
			return fmt.Errorf("rule %s: sequence.success_within_sec must be > 0", r.ID)
		}
		return nil
	}

	if r.Threshold < 1 {
		return fmt.Errorf("rule %s: threshold must be >= 1", r.ID)
	}
	if r.WindowSec <= 0 {
		return fmt.Errorf("rule %s: window_sec must be > 0", r.ID)
	}
	return nil
}
