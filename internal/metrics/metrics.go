package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-process runtime counters. The health report reads a
// snapshot of these; the Prometheus bridge exports the same events to the
// scrape endpoint when initialized.
type Metrics struct {
	// Turn pipeline
	TotalTurns   atomic.Int64
	BlockedTurns atomic.Int64
	FailedTurns  atomic.Int64

	// Latency (milliseconds)
	TotalTurnMs atomic.Int64
	MinTurnMs   atomic.Int64
	MaxTurnMs   atomic.Int64

	// Model paths
	LocalGenerations atomic.Int64
	CloudGenerations atomic.Int64
	CloudFallbacks   atomic.Int64

	// Skill lifecycle
	SkillTests      atomic.Int64
	SkillPromotions atomic.Int64
	SkillStrikes    atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinTurnMs.Store(int64(^uint64(0) >> 1)) // Max int64
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordTurn records a completed message turn.
func (m *Metrics) RecordTurn(route string, durationMs int64, blocked bool, failed bool) {
	m.TotalTurns.Add(1)
	if blocked {
		m.BlockedTurns.Add(1)
	}
	if failed {
		m.FailedTurns.Add(1)
	}

	m.TotalTurnMs.Add(durationMs)
	updateMin(&m.MinTurnMs, durationMs)
	updateMax(&m.MaxTurnMs, durationMs)

	switch route {
	case "local_coder", "local_vl":
		m.LocalGenerations.Add(1)
	case "cloud":
		m.CloudGenerations.Add(1)
	case "cloud_fallback":
		m.CloudGenerations.Add(1)
		m.CloudFallbacks.Add(1)
	}

	RecordPrometheusTurn(route, durationMs, blocked, failed)
}

// RecordSkillTest records a sandbox test run.
func (m *Metrics) RecordSkillTest(passed bool, durationMs int64) {
	m.SkillTests.Add(1)
	RecordPrometheusSkillTest(passed, durationMs)
}

// RecordSkillPromotion records a promotion.
func (m *Metrics) RecordSkillPromotion() {
	m.SkillPromotions.Add(1)
	RecordPrometheusSkillPromotion()
}

// RecordStrike records a strike against a promoted skill.
func (m *Metrics) RecordStrike() {
	m.SkillStrikes.Add(1)
	RecordPrometheusStrike()
}

// Snapshot returns a point-in-time snapshot of all counters, as included in
// the health report.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalTurns.Load()
	avgMs := float64(0)
	if total > 0 {
		avgMs = float64(m.TotalTurnMs.Load()) / float64(total)
	}

	minMs := m.MinTurnMs.Load()
	if minMs == int64(^uint64(0)>>1) {
		minMs = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"turns": map[string]interface{}{
			"total":   total,
			"blocked": m.BlockedTurns.Load(),
			"failed":  m.FailedTurns.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgMs,
			"min": minMs,
			"max": m.MaxTurnMs.Load(),
		},
		"generations": map[string]interface{}{
			"local":           m.LocalGenerations.Load(),
			"cloud":           m.CloudGenerations.Load(),
			"cloud_fallbacks": m.CloudFallbacks.Load(),
		},
		"skills": map[string]interface{}{
			"tests":      m.SkillTests.Load(),
			"promotions": m.SkillPromotions.Load(),
			"strikes":    m.SkillStrikes.Load(),
		},
	}
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
