// Package strikes tracks runtime failures of promoted skills.
//
// The counter lives in the key-value store under strikes:<skill_id> so
// it survives restarts and is shared by every component that executes
// skills. Three strikes deprecate the skill; successes do not erase
// earlier strikes.
package strikes

import (
	"context"
	"fmt"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/skills"
)

// Threshold is the strike count that deprecates a skill.
const Threshold = 3

// Key returns the counter key for a skill.
func Key(skillID string) string {
	return "strikes:" + skillID
}

// Recorder applies the strike rules.
type Recorder struct {
	store    *kv.Store
	registry *skills.Registry
	journal  *audit.Log
}

// New creates a Recorder. The journal may be nil.
func New(store *kv.Store, registry *skills.Registry, journal *audit.Log) *Recorder {
	return &Recorder{store: store, registry: registry, journal: journal}
}

// RecordFailure adds a strike and deprecates the skill once the count
// reaches the threshold. It returns the new count and whether the
// skill was deprecated by this call.
//
// The key-value counter is authoritative; the copy in the skill's
// metadata is best effort. When deprecation itself fails the counter
// is left at the threshold so the next failure retries it.
func (r *Recorder) RecordFailure(ctx context.Context, skillID string) (int, bool, error) {
	count, err := r.store.Incr(ctx, Key(skillID))
	if err != nil {
		return 0, false, fmt.Errorf("increment strikes for %s: %w", skillID, err)
	}

	if _, err := r.registry.IncrementStrike(skillID); err != nil {
		logging.Op().Warn("strike not mirrored to skill metadata", "skill_id", skillID, "error", err)
	}
	metrics.Global().RecordStrike()
	metrics.RecordPrometheusStrike()
	logging.Op().Warn("skill strike recorded", "skill_id", skillID, "count", count, "threshold", Threshold)

	if count < Threshold {
		return int(count), false, nil
	}

	if _, err := r.registry.UpdateState(skillID, skills.StateDeprecated); err != nil {
		return int(count), false, fmt.Errorf("deprecate %s after %d strikes: %w", skillID, count, err)
	}
	if r.journal != nil {
		r.journal.SkillDeprecated(skillID, fmt.Sprintf("%d execution failures", Threshold))
	}
	if err := r.store.SetString(ctx, Key(skillID), "0", 0); err != nil {
		logging.Op().Warn("strike counter not reset", "skill_id", skillID, "error", err)
	}
	logging.Op().Error("skill deprecated by strike threshold", "skill_id", skillID, "count", count)
	return int(count), true, nil
}

// RecordSuccess intentionally does nothing. A working run does not buy
// back earlier strikes.
func (r *Recorder) RecordSuccess(ctx context.Context, skillID string) {
	_ = ctx
	_ = skillID
}

// Count returns the current strike count for a skill.
func (r *Recorder) Count(ctx context.Context, skillID string) (int64, error) {
	count, err := r.store.GetInt(ctx, Key(skillID))
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Clear removes the counter, used when a skill is manually retired.
func (r *Recorder) Clear(ctx context.Context, skillID string) error {
	return r.store.Delete(ctx, Key(skillID))
}
