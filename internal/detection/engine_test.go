package detection_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tripwire/sentinel/internal/detection"
	"github.com/tripwire/sentinel/internal/event"
	"github.com/tripwire/sentinel/internal/ruleloader"
	"github.com/tripwire/sentinel/internal/statestore"
)

func newEngine(t *testing.T) *detection.Engine {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return detection.New(statestore.New(rdb), "public_host")
}

// writeRuleDocRaw writes a hand-authored YAML rule document directly; it is
// simpler than growing a reverse serializer for ruleloader.Rule.
func writeRuleDocRaw(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write rule doc: %v", err)
	}
}

func TestEngine_SSHBruteForceWindow_S1(t *testing.T) {
	dir := t.TempDir()
	writeRuleDocRaw(t, dir, "ssh.yaml", `
id: ssh-brute-force
name: ssh_brute_force
log_source: ssh
match:
  outcome: fail
group_by: [src_ip, host]
window_sec: 60
threshold: 5
cooldown_sec: 300
dedup_key: "{rule_id}:{src_ip}"
`)
	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	catalog := l.Catalog()
	eng := newEngine(t)
	ctx := context.Background()

	const T = int64(1000)
	var lastAlerts int
	for i := int64(0); i < 5; i++ {
		ev := event.Normalized{
			LogSource: "ssh", TS: T + i, SrcIP: "192.168.1.10", Host: "srv-01",
			Outcome: "fail", Username: fmt.Sprintf("user%d", i), RawID: fmt.Sprintf("evt-%d", i),
		}
		alerts, err := eng.Evaluate(ctx, ev, catalog)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		lastAlerts = len(alerts)
		if i < 4 && len(alerts) != 0 {
			t.Fatalf("event %d: unexpected alert before threshold: %+v", i, alerts)
		}
	}
	if lastAlerts != 1 {
		t.Fatalf("5th event should produce exactly one alert, got %d", lastAlerts)
	}

	// Probe again at T+4 with a new raw_id: the window count is past the
	// threshold, but the cooldown marker set by the 5th event is live.
	ev5 := event.Normalized{LogSource: "ssh", TS: T + 4, SrcIP: "192.168.1.10", Host: "srv-01", Outcome: "fail", Username: "user4", RawID: "evt-4b"}
	alerts, err := eng.Evaluate(ctx, ev5, catalog)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Cooldown is now active so this must not re-fire.
	if len(alerts) != 0 {
		t.Fatalf("cooldown should suppress immediate re-fire: %+v", alerts)
	}

	// 6th event from the same IP: zero new alerts (S1).
	ev6 := event.Normalized{LogSource: "ssh", TS: T + 5, SrcIP: "192.168.1.10", Host: "srv-01", Outcome: "fail", Username: "user5", RawID: "evt-5"}
	alerts, err = eng.Evaluate(ctx, ev6, catalog)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("6th event must not produce a new alert: %+v", alerts)
	}
}

func TestEngine_DistinctUsernameSpray_S2(t *testing.T) {
	dir := t.TempDir()
	writeRuleDocRaw(t, dir, "spray.yaml", `
id: distinct-spray
name: distinct_spray
log_source: ssh
distinct_on: [username]
group_by: [src_ip]
window_sec: 120
threshold: 5
cooldown_sec: 0
dedup_key: "{rule_id}:{src_ip}"
`)
	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	catalog := l.Catalog()
	eng := newEngine(t)
	ctx := context.Background()

	const T = int64(1000)
	names := []string{"root", "admin", "root", "admin", "root", "admin", "root", "admin", "root", "admin"}
	for i, name := range names {
		ev := event.Normalized{LogSource: "ssh", TS: T + int64(i), SrcIP: "10.0.0.5", Username: name, RawID: fmt.Sprintf("e%d", i)}
		alerts, err := eng.Evaluate(ctx, ev, catalog)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if len(alerts) != 0 {
			t.Fatalf("only 2 distinct usernames seen, must not alert: %+v", alerts)
		}
	}

	for i, name := range []string{"ubuntu", "test", "guest"} {
		ev := event.Normalized{LogSource: "ssh", TS: T + int64(10+i), SrcIP: "10.0.0.5", Username: name, RawID: fmt.Sprintf("e1%d", i)}
		alerts, err := eng.Evaluate(ctx, ev, catalog)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if i < 2 && len(alerts) != 0 {
			t.Fatalf("distinct_count should still be below threshold at step %d: %+v", i, alerts)
		}
		if i == 2 {
			if len(alerts) != 1 {
				t.Fatalf("5th distinct username must trip the rule, got %d alerts", len(alerts))
			}
			if alerts[0].DistinctCount == nil || *alerts[0].DistinctCount != 5 {
				t.Fatalf("distinct_count = %v, want 5", alerts[0].DistinctCount)
			}
		}
	}
}

func TestEngine_HTTPPathBruteforce_S3(t *testing.T) {
	dir := t.TempDir()
	writeRuleDocRaw(t, dir, "http.yaml", `
id: http-path-bruteforce
name: http_path_bruteforce
log_source: http
match:
  status_code: "404"
group_by: [src_ip]
window_sec: 30
threshold: 5
cooldown_sec: 0
dedup_key: "{rule_id}:{src_ip}"
`)
	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	catalog := l.Catalog()
	eng := newEngine(t)
	ctx := context.Background()

	paths := []string{"/admin", "/login", "/phpinfo.php", "/.git/config", "/backup.zip"}
	const T = int64(2000)
	var lastLen int
	for i, p := range paths {
		ev := event.Normalized{
			LogSource: "http", TS: T + int64(i), SrcIP: "203.0.113.9",
			StatusCode: "404", Path: p, RawID: fmt.Sprintf("h%d", i),
		}
		got, err := eng.Evaluate(ctx, ev, catalog)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		lastLen = len(got)
		if i == len(paths)-1 {
			if lastLen != 1 {
				t.Fatalf("want exactly one alert on the 5th path, got %d", lastLen)
			}
			a := got[0]
			if len(a.Events) != 5 {
				t.Fatalf("events length = %d, want 5", len(a.Events))
			}
			if len(a.Assessment.Targets) != 5 {
				t.Fatalf("targets length = %d, want 5", len(a.Assessment.Targets))
			}
			for _, tg := range a.Assessment.Targets {
				if tg.Tag == "" {
					t.Fatalf("every target must carry a semantic tag: %+v", tg)
				}
			}
			if a.HumanSummary == "" {
				t.Fatalf("human_summary must be populated")
			}
		}
	}
}

func TestEngine_FailThenSuccessSequence_S4(t *testing.T) {
	dir := t.TempDir()
	writeRuleDocRaw(t, dir, "seq.yaml", `
id: cred-stuffing
name: credential_stuffing
log_source: ssh
group_by: [src_ip, username]
sequence:
  fail_count: 5
  fail_within_sec: 300
  success_within_sec: 60
cooldown_sec: 0
dedup_key: "{rule_id}:{src_ip}:{username}"
`)
	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	catalog := l.Catalog()
	eng := newEngine(t)
	ctx := context.Background()

	const T = int64(5000)
	for i := int64(0); i < 6; i++ {
		ev := event.Normalized{LogSource: "ssh", TS: T + i, SrcIP: "198.51.100.2", Username: "root", Outcome: "fail", RawID: fmt.Sprintf("f%d", i)}
		alerts, err := eng.Evaluate(ctx, ev, catalog)
		if err != nil {
			t.Fatalf("evaluate fail: %v", err)
		}
		if len(alerts) != 0 {
			t.Fatalf("fail events never alert directly: %+v", alerts)
		}
	}

	success := event.Normalized{LogSource: "ssh", TS: T + 10, SrcIP: "198.51.100.2", Username: "root", Outcome: "success", RawID: "s1"}
	alerts, err := eng.Evaluate(ctx, success, catalog)
	if err != nil {
		t.Fatalf("evaluate success: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("want exactly one alert after 5 fails + success, got %d", len(alerts))
	}
	if alerts[0].FailCount != 5 {
		t.Fatalf("fail_count = %d, want 5", alerts[0].FailCount)
	}
	if alerts[0].Events == nil {
		t.Fatalf("events array must be present even if empty")
	}
}

func TestEngine_CooldownSuppressesRepeatedBursts_S5(t *testing.T) {
	dir := t.TempDir()
	writeRuleDocRaw(t, dir, "ssh.yaml", `
id: ssh-brute-force
name: ssh_brute_force
log_source: ssh
match:
  outcome: fail
group_by: [src_ip, host]
window_sec: 60
threshold: 5
cooldown_sec: 300
dedup_key: "{rule_id}:{src_ip}"
`)
	l, err := ruleloader.New(dir)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	catalog := l.Catalog()
	eng := newEngine(t)
	ctx := context.Background()

	total := 0
	const T = int64(10000)
	for burst := 0; burst < 3; burst++ {
		base := T + int64(burst*5)
		for i := int64(0); i < 5; i++ {
			ev := event.Normalized{
				LogSource: "ssh", TS: base + i, SrcIP: "192.0.2.77", Host: "srv-02",
				Outcome: "fail", Username: fmt.Sprintf("u%d", i), RawID: fmt.Sprintf("b%d-%d", burst, i),
			}
			alerts, err := eng.Evaluate(ctx, ev, catalog)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			total += len(alerts)
		}
	}
	if total != 1 {
		t.Fatalf("three back-to-back bursts within one cooldown window must yield exactly one alert, got %d", total)
	}
}

func TestEngine_NonPositiveTimestampIsNoOp(t *testing.T) {
	eng := newEngine(t)
	catalog := catalogEmpty(t)
	alerts, err := eng.Evaluate(context.Background(), event.Normalized{LogSource: "ssh", TS: 0}, catalog)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if alerts != nil {
		t.Fatalf("ts<=0 must return no alerts, got %+v", alerts)
	}
}

func catalogEmpty(t *testing.T) *ruleloader.Catalog {
	t.Helper()
	l, err := ruleloader.New(t.TempDir())
	if err != nil {
		t.Fatalf("empty catalog: %v", err)
	}
	return l.Catalog()
}
