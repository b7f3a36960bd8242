// Package ruleloader: directory scanning and atomic catalog reload.
//
// Invalid rule documents (missing id, malformed sequence, unparsable regex)
// are rejected individually; the loader never partially accepts one file, and
// other files in the directory still load (spec §4.1, §7 RuleLoadError).
package ruleloader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/sentinel/internal/iderrors"
)

// UnmarshalYAML lets log_source be either a bare scalar ("ssh") or a sequence
// (["ssh", "sshd"]).
func (l *anyStringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = []string{s}
		return nil
	}
}

// Catalog is an immutable, ordered (by rule id) snapshot of loaded rules.
// Evaluations hold a reference to one Catalog value; Loader.Reload installs a
// new Catalog atomically so in-flight evaluations complete against either the
// old or new snapshot, never a mix (spec §4.1).
type Catalog struct {
	rules []*Rule
}

// Rules returns the catalog's rules in deterministic (id-sorted) order.
func (c *Catalog) Rules() []*Rule {
	if c == nil {
		return nil
	}
	return c.rules
}

// Loader scans Dir for rule documents (one rule per *.yml/*.yaml file) and
// exposes the current Catalog, safe for concurrent use.
type Loader struct {
	dir     string
	current atomic.Pointer[Catalog]
}

// New creates a Loader rooted at dir and performs an initial Load. A non-nil
// error may still be paired with a usable Loader: per-document failures
// (missing id, malformed sequence, unparsable regex) are reported but do not
// prevent the rest of the directory's valid rules from being installed,
// mirroring Reload's own contract. Only a directory-level failure (e.g. dir
// does not exist) leaves the returned Loader nil.
func New(dir string) (*Loader, error) {
	l := &Loader{dir: dir}
	err := l.Reload()
	if l.current.Load() == nil {
		return nil, err
	}
	return l, err
}

// Catalog returns the currently installed snapshot.
func (l *Loader) Catalog() *Catalog {
	return l.current.Load()
}

// Reload re-scans Dir, builds a new Catalog, and installs it atomically.
// Documents that fail to parse or validate are skipped rather than aborting
// the whole reload; once all valid documents have been loaded, every such
// failure is returned joined into one error that wraps
// iderrors.RuleLoadError.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("ruleloader: read dir %q: %w", l.dir, err)
	}

	var (
		rules    []*Rule
		loadErrs []error
		seen     = map[string]bool{}
	)

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}

		path := filepath.Join(l.dir, name)
		r, err := loadRuleFile(path)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%w: %s: %v", iderrors.RuleLoadError, name, err))
			continue
		}
		if seen[r.ID] {
			loadErrs = append(loadErrs, fmt.Errorf("%w: %s: duplicate rule id %q", iderrors.RuleLoadError, name, r.ID))
			continue
		}
		seen[r.ID] = true
		if !r.Enabled {
			continue
		}
		rules = append(rules, r)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	l.current.Store(&Catalog{rules: rules})

	if len(loadErrs) > 0 {
		return joinErrs(loadErrs)
	}
	return nil
}

func joinErrs(errs []error) error {
	return fmt.Errorf("ruleloader: %d document(s) rejected: %w", len(errs), errors.Join(errs...))
}

// loadRuleFile parses and validates a single rule document.
func loadRuleFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	var d doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("missing required field %q", "id")
	}

	regexFields := map[string]string{}
	for k, v := range raw {
		if !strings.HasSuffix(k, "_regex") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("field %q must be a string regex pattern", k)
		}
		regexFields[strings.TrimSuffix(k, "_regex")] = s
	}

	compiled := make(map[string]*regexp.Regexp, len(regexFields))
	for field, pattern := range regexFields {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid regex %q: %w", field+"_regex", pattern, err)
		}
		compiled[field] = re
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	name := d.Name
	if name == "" {
		name = d.ID
	}

	r := &Rule{
		ID:          d.ID,
		Name:        name,
		Title:       d.Title,
		Desc:        d.Desc,
		Why:         d.Why,
		Advice:      d.Advice,
		Enabled:     enabled,
		LogSource:   []string(d.LogSource),
		Require:     d.Require,
		Match:       d.Match,
		Regex:       compiled,
		GroupBy:     d.GroupBy,
		WindowSec:   d.WindowSec,
		Threshold:   d.Threshold,
		DistinctOn:  d.DistinctOn,
		Sequence:    d.Sequence,
		CooldownSec: d.CooldownSec,
		DedupKey:    d.DedupKey,
		Severity:    d.Severity,
		Tags:        d.Tags,
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}
