package alertbuilder_test

import (
	"encoding/json"
	"testing"

	"github.com/tripwire/sentinel/internal/alertbuilder"
	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/ruleloader"
)

func int64p(v int64) *int64 { return &v }

func sshRule() *ruleloader.Rule {
	return &ruleloader.Rule{
		ID:          "ssh-brute-force",
		Name:        "ssh_brute_force",
		Title:       "SSH brute force",
		Severity:    "CRITICAL",
		LogSource:   []string{"ssh"},
		WindowSec:   60,
		Threshold:   5,
		CooldownSec: 300,
	}
}

func httpRule() *ruleloader.Rule {
	return &ruleloader.Rule{
		ID:        "http-path-bruteforce",
		Name:      "http_path_bruteforce",
		Severity:  "WARN",
		LogSource: []string{"http"},
		WindowSec: 30,
		Threshold: 5,
	}
}

func TestBuild_SSHTargetIsPlainConnectionURL(t *testing.T) {
	rule := sshRule()
	ev := event.Normalized{LogSource: "ssh", TS: 1000, SrcIP: "198.51.100.7", Host: "db-1", Outcome: "fail"}
	extra := alertbuilder.Extra{Count: int64p(5), WindowSec: 60}

	a := alertbuilder.Build(rule, ev, "ssh-brute-force:198.51.100.7", extra, "")

	if len(a.Assessment.Targets) != 1 {
		t.Fatalf("want exactly one ssh target, got %v", a.Assessment.Targets)
	}
	if got, want := a.Assessment.Targets[0].URL, "ssh://db-1:22"; got != want {
		t.Errorf("ssh target = %q, want %q", got, want)
	}
	if a.Assessment.Targets[0].Tag != "" {
		t.Errorf("ssh target should carry no semantic tag, got %q", a.Assessment.Targets[0].Tag)
	}
	if a.Assessment.Risk != "critical" {
		t.Errorf("risk = %q, want critical", a.Assessment.Risk)
	}
	if a.HumanSummary == "" {
		t.Errorf("human_summary must not be empty")
	}
}

func TestBuild_HTTPTargetsReconstructedAndTagged(t *testing.T) {
	rule := httpRule()
	ev := event.Normalized{LogSource: "http", TS: 1000, SrcIP: "203.0.113.5", Host: "web-1", Port: "80", Path: "/admin"}
	extra := alertbuilder.Extra{
		Count:     int64p(5),
		WindowSec: 30,
		Events: []event.Snapshot{
			{Path: "/admin"},
			{Path: "/.git/config"},
			{Path: "/wp-admin/"},
			{Path: "/backup.zip"},
			{Path: "/random"},
		},
	}

	a := alertbuilder.Build(rule, ev, "http-path-bruteforce:203.0.113.5", extra, "public.example.com")

	if a.Host != "public.example.com" {
		t.Errorf("host should be normalized to the configured public host, got %q", a.Host)
	}
	if a.Asset.Host != "web-1" {
		t.Errorf("asset.host should retain the internal host, got %q", a.Asset.Host)
	}
	if len(a.Assessment.Targets) != 5 {
		t.Fatalf("want 5 reconstructed targets, got %d: %+v", len(a.Assessment.Targets), a.Assessment.Targets)
	}
	for _, tg := range a.Assessment.Targets {
		if tg.Tag == "" {
			t.Errorf("target %q must carry a semantic tag", tg.URL)
		}
		if tg.URL == "" {
			t.Errorf("target must carry a reconstructed url")
		}
	}
	// Default HTTP port 80 is omitted from the rendered URL.
	if got, want := a.Assessment.Targets[0].URL, "http://public.example.com/admin"; got != want {
		t.Errorf("target url = %q, want %q", got, want)
	}
	if a.Assessment.Targets[0].Tag != "admin-entry" {
		t.Errorf("tag for /admin = %q, want admin-entry", a.Assessment.Targets[0].Tag)
	}
}

func TestBuild_SequenceRuleSummarizesFailThenSuccess(t *testing.T) {
	rule := &ruleloader.Rule{
		ID:       "cred-stuffing",
		Name:     "credential_stuffing",
		Severity: "HIGH",
		Sequence: &ruleloader.Sequence{FailCount: 5, FailWithinSec: 120, SuccessWithinSec: 30},
	}
	ev := event.Normalized{LogSource: "ssh", TS: 2000, SrcIP: "198.51.100.9", Username: "root", Host: "bastion", Outcome: "success"}
	extra := alertbuilder.Extra{FailCount: 5, FailWithinSec: 120}

	a := alertbuilder.Build(rule, ev, "cred-stuffing:198.51.100.9:root", extra, "")

	if a.Assessment.AttackType != "credential-stuffing-sequence" {
		t.Errorf("attack_type = %q", a.Assessment.AttackType)
	}
	if len(a.Assessment.Targets) != 1 || a.Assessment.Targets[0].URL != "ssh://bastion:22" {
		t.Errorf("sequence rule targets = %+v", a.Assessment.Targets)
	}
	if a.HumanSummary == "" {
		t.Errorf("human_summary must describe the fail->success pattern")
	}
}

func TestBuild_IsDeterministicModuloNothingButInput(t *testing.T) {
	rule := sshRule()
	ev := event.Normalized{LogSource: "ssh", TS: 1000, SrcIP: "1.2.3.4", Host: "h"}
	extra := alertbuilder.Extra{Count: int64p(5), WindowSec: 60}

	a1 := alertbuilder.Build(rule, ev, "g", extra, "")
	a2 := alertbuilder.Build(rule, ev, "g", extra, "")

	b1, err := json.Marshal(a1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := json.Marshal(a2)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b1) != string(b2) {
		t.Errorf("Build must be a pure function of its inputs:\n%s\nvs\n%s", b1, b2)
	}
}

func TestBuild_NonDefaultPortKeptInURL(t *testing.T) {
	rule := httpRule()
	ev := event.Normalized{LogSource: "http", TS: 1, SrcIP: "1.1.1.1", Host: "web", Port: "8443"}
	extra := alertbuilder.Extra{Count: int64p(1), Events: []event.Snapshot{{Path: "/login"}}}

	a := alertbuilder.Build(rule, ev, "g", extra, "")
	if len(a.Assessment.Targets) != 1 {
		t.Fatalf("expected one target")
	}
	if got, want := a.Assessment.Targets[0].URL, "http://web:8443/login"; got != want {
		t.Errorf("non-default port must be kept in the url: got %q want %q", got, want)
	}
}
