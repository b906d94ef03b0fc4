package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAppendsWholeLines(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	defer l.Close()

	cid := l.Event(EventSkillSubmitted, map[string]any{"skill_id": "abc"})
	if cid == "" {
		t.Fatal("expected a correlation id")
	}
	l.SkillPromoted("abc", "operator")

	f, err := os.Open(filepath.Join(dir, "tier1", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != EventSkillSubmitted {
		t.Fatalf("expected %s, got %s", EventSkillSubmitted, entries[0].EventType)
	}
	if entries[0].CorrelationID != cid {
		t.Fatalf("correlation id mismatch: %s != %s", entries[0].CorrelationID, cid)
	}
	if entries[1].EventType != EventSkillPromoted {
		t.Fatalf("expected %s, got %s", EventSkillPromoted, entries[1].EventType)
	}
	if entries[1].Severity != SeverityInfo {
		t.Fatalf("expected INFO severity, got %s", entries[1].Severity)
	}
}

func TestLockdownJournalsOnlyHint(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	defer l.Close()

	l.Lockdown("firewall_critical", "4821")

	data, err := os.ReadFile(filepath.Join(dir, "tier1", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var e Entry
	if err := json.Unmarshal(data[:len(data)-1], &e); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if e.Severity != SeverityCritical {
		t.Fatalf("expected CRITICAL, got %s", e.Severity)
	}
	hint, _ := e.Details["unlock_code_hint"].(string)
	if hint != "48**" {
		t.Fatalf("expected hint 48**, got %q", hint)
	}
}

func TestWriteFailureDoesNotPropagate(t *testing.T) {
	// Point the journal at a path whose parent cannot be created.
	l := &Log{path: filepath.Join(string([]byte{0}), "audit.jsonl")}
	defer l.Close()

	cid := l.Event(EventDreamCycle, nil)
	if cid == "" {
		t.Fatal("Record must return a correlation id even when the write fails")
	}
}

func TestCodeHint(t *testing.T) {
	cases := []struct {
		code, want string
	}{
		{"4821", "48**"},
		{"07", "07**"},
		{"9", "9**"},
		{"", "**"},
	}
	for _, c := range cases {
		if got := CodeHint(c.code); got != c.want {
			t.Fatalf("CodeHint(%q) = %q, want %q", c.code, got, c.want)
		}
	}
}
