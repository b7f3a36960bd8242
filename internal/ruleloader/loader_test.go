package ruleloader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/sentinel/internal/ruleloader"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
}

const sshBruteForce = `
id: ssh-brute-force
name: ssh_brute_force
title: SSH brute force
severity: CRITICAL
log_source: ssh
match:
  outcome: fail
group_by: [src_ip, host]
window_sec: 60
threshold: 5
cooldown_sec: 300
dedup_key: "{rule_id}:{src_ip}"
`

const httpPathScan = `
id: http-path-bruteforce
name: http_path_bruteforce
log_source: http
match:
  status_code: "404"
path_regex: ".*"
group_by: [src_ip]
window_sec: 30
threshold: 5
cooldown_sec: 120
dedup_key: "{rule_id}:{src_ip}"
`

func TestLoad_ValidCatalogSortedByID(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "b.yaml", httpPathScan)
	writeRule(t, dir, "a.yaml", sshBruteForce)

	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rules := l.Catalog().Rules()
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[0].ID != "http-path-bruteforce" || rules[1].ID != "ssh-brute-force" {
		t.Fatalf("catalog not sorted by id: %v", []string{rules[0].ID, rules[1].ID})
	}
	if rules[1].Threshold != 5 || rules[1].WindowSec != 60 {
		t.Errorf("ssh rule fields not parsed: %+v", rules[1])
	}
	if rules[0].Regex["path"] == nil {
		t.Errorf("path_regex not compiled on http rule")
	}
}

func TestLoad_MissingIDRejectedOthersLoad(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "good.yaml", sshBruteForce)
	writeRule(t, dir, "bad.yaml", "name: no-id-here\nthreshold: 1\nwindow_sec: 1\n")

	l, err := ruleloader.New(dir)
	if err == nil {
		t.Fatalf("expected an error naming the rejected document")
	}
	rules := l.Catalog().Rules()
	if len(rules) != 1 || rules[0].ID != "ssh-brute-force" {
		t.Fatalf("good document should still have loaded: %+v", rules)
	}
}

func TestLoad_SequenceAndWindowFieldsAreMutuallyExclusive(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "bad.yaml", `
id: bad-rule
threshold: 1
window_sec: 10
sequence:
  fail_count: 3
  fail_within_sec: 60
  success_within_sec: 10
`)
	l, err := ruleloader.New(dir)
	if err == nil {
		t.Fatalf("expected rejection of a rule with both window and sequence fields")
	}
	if len(l.Catalog().Rules()) != 0 {
		t.Fatalf("invalid rule must not be in the catalog")
	}
}

func TestReload_ReplacesSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", sshBruteForce)

	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := l.Catalog()

	writeRule(t, dir, "b.yaml", httpPathScan)
	if err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := l.Catalog()

	if len(before.Rules()) != 1 {
		t.Fatalf("old snapshot must be unaffected by reload: %d rules", len(before.Rules()))
	}
	if len(after.Rules()) != 2 {
		t.Fatalf("new snapshot should contain both rules: %d", len(after.Rules()))
	}
}

func TestLoad_DisabledRuleExcludedFromCatalog(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "a.yaml", sshBruteForce+"\nenabled: false\n")

	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(l.Catalog().Rules()) != 0 {
		t.Fatalf("disabled rule must not be evaluated")
	}
}
