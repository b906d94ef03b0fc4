package dream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/vega/internal/health"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/vector"
)

type fakeVectorStore struct {
	records   map[string][]vector.Record
	getErr    map[string]error
	deleted   map[string][]string
	lastWhere map[string]map[string]any
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		records:   make(map[string][]vector.Record),
		getErr:    make(map[string]error),
		deleted:   make(map[string][]string),
		lastWhere: make(map[string]map[string]any),
	}
}

func (f *fakeVectorStore) Get(ctx context.Context, collection string, where map[string]any, limit int) ([]vector.Record, error) {
	f.lastWhere[collection] = where
	if err := f.getErr[collection]; err != nil {
		return nil, err
	}
	recs := f.records[collection]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (f *fakeVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	f.deleted[collection] = append(f.deleted[collection], ids...)
	return nil
}

type fakeHealth struct {
	status *health.Status
}

func (f *fakeHealth) Collect(ctx context.Context) *health.Status {
	if f.status != nil {
		return f.status
	}
	return &health.Status{Healthy: true}
}

func TestConcurrentTriggerRefused(t *testing.T) {
	c := New(Deps{})
	c.running.Store(true)

	_, err := c.TriggerNow(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("TriggerNow = %v, want ErrAlreadyRunning", err)
	}

	c.running.Store(false)
	if _, err := c.TriggerNow(context.Background()); err != nil {
		t.Fatalf("TriggerNow after release failed: %v", err)
	}
}

func TestPhaseFailuresDoNotStopTheCycle(t *testing.T) {
	c := New(Deps{LogsDir: filepath.Join(t.TempDir(), "logs")})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Phases) != 5 {
		t.Fatalf("phases run = %d, want 5", len(report.Phases))
	}
	if !report.Completed {
		t.Error("cycle with failing phases should still complete")
	}
	// Unwired stores fail their phases; the scans still work.
	for _, name := range []string{"kv_snapshot", "vector_prune", "health_report"} {
		if report.Phases[name].Status != "error" {
			t.Errorf("phase %s = %q, want error", name, report.Phases[name].Status)
		}
	}
	for _, name := range []string{"log_compress", "zombie_scan"} {
		if report.Phases[name].Status != "ok" {
			t.Errorf("phase %s = %q (%s), want ok", name, report.Phases[name].Status, report.Phases[name].Error)
		}
	}
}

func TestHardCapStopsBeforePhases(t *testing.T) {
	c := New(Deps{}, WithMaxDuration(0))

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Phases) != 0 {
		t.Errorf("phases run = %d, want 0 under an expired cap", len(report.Phases))
	}
	if report.Completed {
		t.Error("capped cycle reported as completed")
	}
}

func TestVectorPruneDeletesStaleTemporaries(t *testing.T) {
	store := newFakeVectorStore()
	store.records[vector.CollectionConversationHistory] = []vector.Record{
		{ID: "old-1"}, {ID: "old-2"},
	}
	store.getErr[vector.CollectionKnowledgeBase] = errors.New("boom")
	c := New(Deps{Vectors: store})

	details, err := c.phaseVectorPrune(context.Background())
	if err != nil {
		t.Fatalf("phase failed: %v", err)
	}
	if details["vectors_pruned"] != 2 {
		t.Errorf("vectors_pruned = %v, want 2", details["vectors_pruned"])
	}
	got := store.deleted[vector.CollectionConversationHistory]
	if len(got) != 2 || got[0] != "old-1" || got[1] != "old-2" {
		t.Errorf("deleted ids = %v", got)
	}

	// Every collection gets the same temporary + stale filter.
	where := store.lastWhere[vector.CollectionConversationHistory]
	conds, ok := where["$and"].([]map[string]any)
	if !ok || len(conds) != 2 {
		t.Fatalf("filter = %v, want a two-part $and", where)
	}
	prio, ok := conds[0]["priority"].(map[string]any)
	if !ok || prio["$eq"] != vector.PriorityTemporary {
		t.Errorf("priority condition = %v", conds[0])
	}
	if _, ok := conds[1]["last_access"]; !ok {
		t.Errorf("missing last_access condition: %v", conds[1])
	}
}

func TestLogCompressionSkipsAuditJournal(t *testing.T) {
	logsDir := t.TempDir()
	big := bytes.Repeat([]byte(`{"x":1}`+"\n"), (11<<20)/8)

	mustWrite := func(rel string, data []byte) {
		t.Helper()
		path := filepath.Join(logsDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("tier1/audit.jsonl", big)
	mustWrite("tier2/ops.jsonl", big)
	mustWrite("tier2/recent.jsonl", []byte(`{"x":1}`+"\n"))

	turnLog := &logging.Logger{}
	if err := turnLog.SetOutput(filepath.Join(logsDir, "tier2", "ops.jsonl")); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	defer turnLog.Close()

	c := New(Deps{LogsDir: logsDir, TurnLog: turnLog})
	details, err := c.phaseLogCompress(context.Background())
	if err != nil {
		t.Fatalf("phase failed: %v", err)
	}
	if details["files_compressed"] != 1 {
		t.Errorf("files_compressed = %v, want 1", details["files_compressed"])
	}

	if _, err := os.Stat(filepath.Join(logsDir, "tier2", "ops.jsonl.gz")); err != nil {
		t.Errorf("ops journal not compressed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "tier1", "audit.jsonl.gz")); !errors.Is(err, os.ErrNotExist) {
		t.Error("audit journal must never be compressed")
	}
	if _, err := os.Stat(filepath.Join(logsDir, "tier1", "audit.jsonl")); err != nil {
		t.Errorf("audit journal missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "tier2", "recent.jsonl")); err != nil {
		t.Errorf("small journal should be left alone: %v", err)
	}
	// Reopen leaves a fresh ops journal behind.
	info, err := os.Stat(filepath.Join(logsDir, "tier2", "ops.jsonl"))
	if err != nil {
		t.Fatalf("ops journal not reopened: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("reopened ops journal size = %d, want 0", info.Size())
	}
}

func TestGzipFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.jsonl")
	content := []byte(`{"a":1}` + "\n" + `{"b":2}` + "\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := gzipFile(path); err != nil {
		t.Fatalf("gzipFile failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("original not removed")
	}

	f, err := os.Open(path + ".gz")
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("decompressed content differs")
	}
}

func TestStatParsing(t *testing.T) {
	tests := []struct {
		raw       string
		wantState byte
		wantComm  string
	}{
		{"42 (python3) Z 1 0 0", 'Z', "python3"},
		{"43 (weird (name)) S 1 0 0", 'S', "weird (name)"},
		{"44 (a b c) R 1", 'R', "a b c"},
		{"garbage", 0, ""},
	}
	for _, tc := range tests {
		if got := statState([]byte(tc.raw)); got != tc.wantState {
			t.Errorf("statState(%q) = %q, want %q", tc.raw, got, tc.wantState)
		}
		if got := statComm([]byte(tc.raw)); got != tc.wantComm {
			t.Errorf("statComm(%q) = %q, want %q", tc.raw, got, tc.wantComm)
		}
	}
}

func TestFullCycleStoresHealthReport(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	store := kv.NewFromClient(client, "vega-test:")

	logsDir := t.TempDir()
	c := New(Deps{
		Store:   store,
		Vectors: newFakeVectorStore(),
		Health:  &fakeHealth{},
		LogsDir: logsDir,
	})

	report, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Completed {
		t.Error("cycle did not complete")
	}
	for name, pr := range report.Phases {
		if pr.Status != "ok" {
			t.Errorf("phase %s = %q (%s)", name, pr.Status, pr.Error)
		}
	}

	var stored health.Status
	if err := store.GetJSON(context.Background(), ReportKey, &stored); err != nil {
		t.Fatalf("health report not stored: %v", err)
	}
	if !stored.Healthy {
		t.Error("stored report lost the healthy flag")
	}
	if _, err := os.Stat(filepath.Join(logsDir, "kv_snapshot.json")); err != nil {
		t.Errorf("kv snapshot not written: %v", err)
	}
}
