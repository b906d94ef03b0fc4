// Package dream is the nightly maintenance cycle.
//
// One cron-scheduled run executes five phases in order, each inside
// its own error boundary so a broken phase never stops the rest:
//
//	1. kv_snapshot     key-value memory snapshot to disk, expired codes purged
//	2. vector_prune    temporary memories idle for 30 days removed
//	3. log_compress    journal files over 10 MiB gzipped (audit excluded)
//	4. zombie_scan     defunct child processes counted
//	5. health_report   component report stored with a 2 day TTL
//
// The whole cycle has a 30 minute hard cap, checked before each phase.
// Only one cycle runs at a time; concurrent triggers are refused.
package dream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/codes"
	"github.com/oriys/vega/internal/health"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/vector"
)

const (
	// MaxDuration is the hard wall-clock cap for one cycle.
	MaxDuration = 30 * time.Minute
	// PruneMaxAge is how long a temporary memory may sit unread.
	PruneMaxAge = 30 * 24 * time.Hour
	// PrunePerCollection bounds deletions per collection per cycle.
	PrunePerCollection = 5000
	// CompressThreshold is the journal size that triggers gzip.
	CompressThreshold = 10 << 20
	// ReportKey is where phase 5 stores the health report.
	ReportKey = "health:last_report"
	// ReportTTL keeps two days of health history.
	ReportTTL = 48 * time.Hour
)

// ErrAlreadyRunning is returned when a trigger overlaps a running cycle.
var ErrAlreadyRunning = errors.New("dream cycle already running")

// VectorStore is the vector client subset phase 2 uses.
type VectorStore interface {
	Get(ctx context.Context, collection string, where map[string]any, limit int) ([]vector.Record, error)
	Delete(ctx context.Context, collection string, ids []string) error
}

// HealthReporter assembles the phase 5 report.
type HealthReporter interface {
	Collect(ctx context.Context) *health.Status
}

// Deps are the components the cycle maintains. Nil entries turn the
// matching phase into an error report without stopping the cycle.
type Deps struct {
	Store   *kv.Store
	Vectors VectorStore
	Codes   *codes.Issuer
	Health  HealthReporter
	Journal *audit.Log
	TurnLog *logging.Logger
	LogsDir string
}

// PhaseReport is one phase's outcome.
type PhaseReport struct {
	Status    string         `json:"status"`
	DurationS float64        `json:"duration_s"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Report summarizes one full cycle.
type Report struct {
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
	Phases         map[string]PhaseReport `json:"phases"`
	Completed      bool                   `json:"completed"`
	TotalDurationS float64                `json:"total_duration_s"`
}

// Cycle owns the schedule and the single-run guard.
type Cycle struct {
	deps        Deps
	cron        *cron.Cron
	running     atomic.Bool
	maxDuration time.Duration
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithMaxDuration overrides the hard cap.
func WithMaxDuration(d time.Duration) Option {
	return func(c *Cycle) { c.maxDuration = d }
}

// New creates an unscheduled Cycle.
func New(deps Deps, opts ...Option) *Cycle {
	c := &Cycle{
		deps:        deps,
		cron:        cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		maxDuration: MaxDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schedule registers the daily run and starts the scheduler.
func (c *Cycle) Schedule(spec string) error {
	_, err := c.cron.AddFunc(spec, func() {
		if _, err := c.Run(context.Background()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logging.Op().Error("scheduled dream cycle failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse dream schedule %q: %w", spec, err)
	}
	c.cron.Start()
	logging.Op().Info("dream cycle scheduled", "schedule", spec)
	return nil
}

// Stop halts the scheduler. A cycle already in flight finishes.
func (c *Cycle) Stop() {
	c.cron.Stop()
}

// TriggerNow runs a cycle outside the schedule, same guard.
func (c *Cycle) TriggerNow(ctx context.Context) (*Report, error) {
	return c.Run(ctx)
}

// Run executes all phases and returns the cycle report.
func (c *Cycle) Run(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	start := time.Now()
	report := &Report{
		StartedAt: start.UTC(),
		Phases:    make(map[string]PhaseReport, 5),
	}
	logging.Op().Info("dream cycle starting")

	phases := []struct {
		name string
		run  func(context.Context) (map[string]any, error)
	}{
		{"kv_snapshot", c.phaseKVSnapshot},
		{"vector_prune", c.phaseVectorPrune},
		{"log_compress", c.phaseLogCompress},
		{"zombie_scan", c.phaseZombieScan},
		{"health_report", c.phaseHealthReport},
	}

	capped := false
	for _, p := range phases {
		if elapsed := time.Since(start); elapsed >= c.maxDuration {
			logging.Op().Warn("dream cycle hit hard cap",
				"stopped_before", p.name,
				"elapsed_s", int(elapsed.Seconds()),
			)
			capped = true
			break
		}

		phaseStart := time.Now()
		details, err := p.run(ctx)
		pr := PhaseReport{
			Status:    "ok",
			DurationS: roundSeconds(time.Since(phaseStart)),
			Details:   details,
		}
		if err != nil {
			pr.Status = "error"
			pr.Error = err.Error()
			logging.Op().Error("dream phase failed", "phase", p.name, "error", err)
		} else {
			logging.Op().Info("dream phase complete", "phase", p.name, "duration_s", pr.DurationS)
		}
		report.Phases[p.name] = pr
	}

	report.Completed = !capped
	report.FinishedAt = time.Now().UTC()
	report.TotalDurationS = roundSeconds(time.Since(start))

	status := "completed"
	if capped {
		status = "capped"
	}
	metrics.RecordDreamRun(status)
	if c.deps.Journal != nil {
		c.deps.Journal.Event(audit.EventDreamCycle, map[string]any{
			"phases":           len(report.Phases),
			"completed":        report.Completed,
			"total_duration_s": report.TotalDurationS,
		})
	}
	logging.Op().Info("dream cycle finished",
		"completed", report.Completed,
		"total_duration_s", report.TotalDurationS,
	)
	return report, nil
}

// phaseKVSnapshot writes a memory snapshot of the key-value store to
// the logs directory and sweeps expired confirmation codes.
func (c *Cycle) phaseKVSnapshot(ctx context.Context) (map[string]any, error) {
	if c.deps.Codes != nil {
		if purged := c.deps.Codes.PurgeExpired(); purged > 0 {
			logging.Op().Info("expired codes purged", "count", purged)
		}
	}
	if c.deps.Store == nil {
		return nil, errors.New("kv store not wired")
	}

	used, err := c.deps.Store.MemoryUsedBytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv memory: %w", err)
	}
	keys, err := c.deps.Store.DBSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv size: %w", err)
	}

	snapshot := map[string]any{
		"at":         time.Now().UTC().Format(time.RFC3339),
		"used_bytes": used,
		"keys":       keys,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.deps.LogsDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(c.deps.LogsDir, "kv_snapshot.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	return map[string]any{"kv_used_mb": used / (1 << 20), "keys": keys}, nil
}

// phaseVectorPrune deletes temporary memories whose last_access is
// over 30 days old, bounded per collection. Collection failures are
// logged and skipped.
func (c *Cycle) phaseVectorPrune(ctx context.Context) (map[string]any, error) {
	if c.deps.Vectors == nil {
		return nil, errors.New("vector store not wired")
	}
	cutoff := time.Now().Add(-PruneMaxAge).Unix()
	total := 0

	for _, col := range vector.Collections() {
		where := vector.And(
			vector.Eq("priority", vector.PriorityTemporary),
			vector.Lt("last_access", cutoff),
		)
		recs, err := c.deps.Vectors.Get(ctx, col, where, PrunePerCollection)
		if err != nil {
			logging.Op().Warn("prune query failed", "collection", col, "error", err)
			continue
		}
		if len(recs) == 0 {
			continue
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		if err := c.deps.Vectors.Delete(ctx, col, ids); err != nil {
			logging.Op().Warn("prune delete failed", "collection", col, "error", err)
			continue
		}
		total += len(ids)
		logging.Op().Info("stale vectors pruned", "collection", col, "count", len(ids))
	}
	return map[string]any{"vectors_pruned": total}, nil
}

// phaseLogCompress gzips journal files over the threshold and removes
// the originals. The tier-1 audit journal is never touched. The ops
// journal is reopened afterwards so writes leave the removed inode.
func (c *Cycle) phaseLogCompress(ctx context.Context) (map[string]any, error) {
	_ = ctx
	if c.deps.LogsDir == "" {
		return nil, errors.New("logs directory not configured")
	}

	compressed := 0
	filepath.WalkDir(c.deps.LogsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") || filepath.Base(path) == "audit.jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() <= CompressThreshold {
			return nil
		}
		if err := gzipFile(path); err != nil {
			logging.Op().Warn("log compression failed", "file", path, "error", err)
			return nil
		}
		compressed++
		logging.Op().Info("log compressed", "file", filepath.Base(path), "size_bytes", info.Size())
		return nil
	})

	if compressed > 0 && c.deps.TurnLog != nil {
		if err := c.deps.TurnLog.Reopen(); err != nil {
			logging.Op().Warn("ops journal reopen failed", "error", err)
		}
	}
	return map[string]any{"files_compressed": compressed}, nil
}

// phaseZombieScan counts defunct processes via /proc. Informational;
// the init process is responsible for reaping.
func (c *Cycle) phaseZombieScan(ctx context.Context) (map[string]any, error) {
	_ = ctx
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	zombies := 0
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name[0] < '0' || name[0] > '9' {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", name, "stat"))
		if err != nil {
			continue // exited while scanning
		}
		if statState(raw) == 'Z' {
			zombies++
			logging.Op().Warn("zombie process found", "pid", name, "comm", statComm(raw))
		}
	}
	return map[string]any{"zombies_found": zombies}, nil
}

// phaseHealthReport stores the assembled health report in the
// key-value store with a two day TTL.
func (c *Cycle) phaseHealthReport(ctx context.Context) (map[string]any, error) {
	if c.deps.Health == nil || c.deps.Store == nil {
		return nil, errors.New("health reporter not wired")
	}
	st := c.deps.Health.Collect(ctx)
	if err := c.deps.Store.SetJSON(ctx, ReportKey, st, ReportTTL); err != nil {
		return nil, fmt.Errorf("store health report: %w", err)
	}
	return map[string]any{"healthy": st.Healthy}, nil
}

// gzipFile compresses path to path.gz and removes the original.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// statState extracts the process state letter from /proc/<pid>/stat.
// The state is the field after the parenthesized command, which may
// itself contain parentheses.
func statState(raw []byte) byte {
	i := bytes.LastIndexByte(raw, ')')
	if i < 0 || i+2 >= len(raw) {
		return 0
	}
	return raw[i+2]
}

func statComm(raw []byte) string {
	start := bytes.IndexByte(raw, '(')
	end := bytes.LastIndexByte(raw, ')')
	if start < 0 || end <= start {
		return ""
	}
	return string(raw[start+1 : end])
}

func roundSeconds(d time.Duration) float64 {
	return float64(int(d.Seconds()*10)) / 10
}
