// Package health assembles the component status report served by the
// healthz endpoint, stored by the nightly maintenance cycle, and shown
// by the status command.
//
// Every probe degrades instead of failing: an unreachable component is
// reported as not ok (counts read as -1) and the report is still
// produced. Remote probes run in parallel; in-process reads happen
// after the fan-out.
package health

import (
	"context"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/vega/internal/cloud"
	"github.com/oriys/vega/internal/codes"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/local"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/security"
	"github.com/oriys/vega/internal/skills"
	"github.com/oriys/vega/internal/vector"
	"github.com/oriys/vega/internal/vram"
)

// gpuProbeTimeout bounds the nvidia-smi subprocess.
const gpuProbeTimeout = 5 * time.Second

// KVStatus reports the key-value store. UsedMB is -1 when unreachable.
type KVStatus struct {
	OK     bool  `json:"ok"`
	UsedMB int64 `json:"used_mb"`
	Keys   int64 `json:"keys"`
}

// VectorStatus reports the vector store. Count is -1 when unreachable.
type VectorStatus struct {
	OK            bool           `json:"ok"`
	Count         int            `json:"count"`
	Max           int            `json:"max"`
	Percent       float64        `json:"percent"`
	PerCollection map[string]int `json:"per_collection,omitempty"`
}

// VRAMStatus is the GPU mutex view.
type VRAMStatus struct {
	State       string `json:"state"`
	LoadedModel string `json:"loaded_model"`
}

// SkillCounts are skills per lifecycle bucket.
type SkillCounts struct {
	Active     int `json:"active"`
	Quarantine int `json:"quarantine"`
	Deprecated int `json:"deprecated"`
}

// GPUStatus comes from an nvidia-smi probe. Absent hardware or tooling
// leaves the whole block out of the report.
type GPUStatus struct {
	UtilizationPct int `json:"utilization_pct"`
	MemoryUsedMiB  int `json:"memory_used_mib"`
	MemoryTotalMiB int `json:"memory_total_mib"`
}

// Status is the full report.
type Status struct {
	Healthy       bool         `json:"healthy"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Goroutines    int          `json:"goroutines"`
	KV            KVStatus     `json:"kv"`
	Vectors       VectorStatus `json:"vectors"`
	LocalOK       bool         `json:"local_ok"`
	Cloud         cloud.Status `json:"cloud"`
	VRAM          VRAMStatus   `json:"vram"`
	Lockdown      bool         `json:"lockdown"`
	PendingCodes  int          `json:"pending_codes"`
	Skills        SkillCounts  `json:"skills"`
	GPU           *GPUStatus   `json:"gpu,omitempty"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// Deps are the components the collector inspects. Any of them may be
// nil; the matching report section then reads as down or empty.
type Deps struct {
	Store    *kv.Store
	Vectors  *vector.Client
	Local    *local.Client
	Cloud    *cloud.Client
	VRAM     *vram.Mutex
	Security *security.Manager
	Codes    *codes.Issuer
	Skills   *skills.Registry
}

// Collector produces status reports.
type Collector struct {
	deps    Deps
	started time.Time
}

// NewCollector creates a Collector; uptime counts from this call.
func NewCollector(deps Deps) *Collector {
	return &Collector{deps: deps, started: time.Now()}
}

// Collect assembles a report. It never fails; unreachable components
// are marked down. Healthy means both stores answered.
func (c *Collector) Collect(ctx context.Context) *Status {
	st := &Status{
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}

	// Each probe writes its own report section.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { c.probeKV(gctx, st); return nil })
	g.Go(func() error { c.probeVectors(gctx, st); return nil })
	g.Go(func() error {
		st.LocalOK = c.deps.Local != nil && c.deps.Local.Available(gctx)
		return nil
	})
	g.Go(func() error { st.GPU = probeGPU(gctx); return nil })
	g.Wait()

	if c.deps.Cloud != nil {
		st.Cloud = c.deps.Cloud.Status()
	}
	if c.deps.VRAM != nil {
		state, model := c.deps.VRAM.Status()
		if model == "" {
			model = "none"
		}
		st.VRAM = VRAMStatus{State: state.String(), LoadedModel: model}
	}
	if c.deps.Security != nil {
		st.Lockdown = c.deps.Security.Active(ctx)
	}
	if c.deps.Codes != nil {
		st.PendingCodes = c.deps.Codes.Pending()
	}
	if c.deps.Skills != nil {
		active, quarantine, deprecated := c.deps.Skills.Counts()
		st.Skills = SkillCounts{Active: active, Quarantine: quarantine, Deprecated: deprecated}
	}

	st.Healthy = st.KV.OK && st.Vectors.OK
	return st
}

func (c *Collector) probeKV(ctx context.Context, st *Status) {
	st.KV.UsedMB = -1
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.Ping(ctx); err != nil {
		logging.Op().Warn("kv health probe failed", "error", err)
		return
	}
	st.KV.OK = true
	st.KV.UsedMB = 0
	if used, err := c.deps.Store.MemoryUsedBytes(ctx); err == nil {
		st.KV.UsedMB = used / (1 << 20)
	}
	if n, err := c.deps.Store.DBSize(ctx); err == nil {
		st.KV.Keys = n
	}
}

func (c *Collector) probeVectors(ctx context.Context, st *Status) {
	st.Vectors.Count = -1
	st.Vectors.Max = vector.MaxVectors
	st.Vectors.Percent = -1
	if c.deps.Vectors == nil {
		return
	}

	total := 0
	per := make(map[string]int, len(vector.Collections()))
	for _, col := range vector.Collections() {
		n, err := c.deps.Vectors.Count(ctx, col)
		if err != nil {
			logging.Op().Warn("vector health probe failed", "collection", col, "error", err)
			return
		}
		per[col] = n
		total += n
		metrics.SetMemoryVectors(col, n)
	}
	st.Vectors.OK = true
	st.Vectors.Count = total
	st.Vectors.Percent = math.Round(float64(total)/float64(vector.MaxVectors)*1000) / 10
	st.Vectors.PerCollection = per
}

// probeGPU shells out to nvidia-smi. A missing binary means no GPU
// section, not a failure.
func probeGPU(ctx context.Context) *GPUStatus {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, gpuProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		logging.Op().Debug("gpu probe failed", "error", err)
		return nil
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return nil
	}
	util, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	used, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	total, err3 := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &GPUStatus{UtilizationPct: util, MemoryUsedMiB: used, MemoryTotalMiB: total}
}
