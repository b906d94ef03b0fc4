// Package quarantine supervises the skill lifecycle from submission to
// promotion or retirement.
//
// New code enters quarantine and must pass three sandboxed test runs
// before it can even be considered for promotion. Promotion then needs
// a short-lived confirmation code handed to the user out of band, so
// the model cannot promote its own code. Before every execution the
// stored code is re-hashed against the registered hash; a mismatch is
// treated as tampering and recorded to the audit journal.
//
// Operations on the same skill are serialized with a per-skill lock so
// a test run cannot interleave with a promotion.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/codes"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/pkg/crypto"
	"github.com/oriys/vega/internal/sandbox"
	"github.com/oriys/vega/internal/skills"
	"github.com/oriys/vega/internal/strikes"
)

// MinSuccessfulRuns is how many passed tests quarantine requires before
// a skill may await promotion.
const MinSuccessfulRuns = 3

// Captured output is persisted truncated; full output is returned to
// the caller once and then dropped.
const (
	stdoutHeadLen = 1000
	stderrHeadLen = 500
)

var (
	ErrTamper      = errors.New("skill code does not match registered hash")
	ErrWrongState  = errors.New("operation not allowed in current skill state")
	ErrInvalidCode = errors.New("invalid or expired confirmation code")
	ErrLockdown    = errors.New("skill execution refused during lockdown")
)

// Gate refuses skill execution while security lockdown is engaged.
type Gate interface {
	Active(ctx context.Context) bool
}

// Executor runs one skill code file. *sandbox.Runner implements it.
type Executor interface {
	Run(ctx context.Context, codePath, language string) (*sandbox.Result, error)
}

// Manager owns the quarantine workflow.
type Manager struct {
	registry *skills.Registry
	runner   Executor
	issuer   *codes.Issuer
	strikes  *strikes.Recorder
	journal  *audit.Log
	gate     Gate

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithGate wires a lockdown check into every execution path.
func WithGate(g Gate) Option {
	return func(m *Manager) { m.gate = g }
}

// New creates a Manager. strikeRec and journal may be nil.
func New(registry *skills.Registry, runner Executor, issuer *codes.Issuer, strikeRec *strikes.Recorder, journal *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		runner:   runner,
		issuer:   issuer,
		strikes:  strikeRec,
		journal:  journal,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) lockFor(skillID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[skillID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[skillID] = l
	}
	return l
}

func promotionSubject(skillID string) string {
	return "promote:" + skillID
}

// Submit registers new skill code into quarantine in state pending.
func (m *Manager) Submit(skillID string, code []byte, language, sourceType, origin string) (*skills.Metadata, error) {
	meta, err := m.registry.Register(skillID, code, language, sourceType, origin)
	if err != nil {
		return nil, err
	}
	if m.journal != nil {
		m.journal.Event(audit.EventSkillSubmitted, map[string]any{
			"skill_id":   skillID,
			"language":   language,
			"size_bytes": len(code),
			"code_hash":  meta.Code.Hash,
			"source":     sourceType,
		})
	}
	return meta, nil
}

// TestOutcome is the result of one quarantine test run.
type TestOutcome struct {
	TestID            string `json:"test_id"`
	Passed            bool   `json:"passed"`
	PassedCount       int    `json:"passed_count"`
	ReadyForPromotion bool   `json:"ready_for_promotion"`
	ExitCode          int    `json:"exit_code"`
	Stdout            string `json:"stdout"`
	Stderr            string `json:"stderr"`
	TimedOut          bool   `json:"timed_out"`
	DurationMs        int64  `json:"duration_ms"`
}

// RunTest executes one sandboxed test of a quarantined skill. The
// skill must be pending, passed, or failed. Three passes move it to
// awaiting_promotion.
func (m *Manager) RunTest(ctx context.Context, skillID string) (*TestOutcome, error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	if m.gate != nil && m.gate.Active(ctx) {
		return nil, ErrLockdown
	}

	meta, err := m.registry.LoadFrom(skillID, skills.DirQuarantine)
	if err != nil {
		return nil, err
	}
	switch meta.QuarantineState {
	case skills.StatePending, skills.StatePassed, skills.StateFailed:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, skillID, meta.QuarantineState)
	}

	if err := m.checkIntegrity(meta); err != nil {
		return nil, err
	}

	if _, err := m.registry.UpdateState(skillID, skills.StateExecuting); err != nil {
		return nil, err
	}

	res, err := m.runner.Run(ctx, m.registry.CodePath(meta), meta.Code.Language)
	if err != nil {
		if _, stateErr := m.registry.UpdateState(skillID, skills.StateFailed); stateErr != nil {
			logging.Op().Error("skill stuck in executing", "skill_id", skillID, "error", stateErr)
		}
		return nil, fmt.Errorf("sandbox run: %w", err)
	}

	passed := !res.TimedOut && res.ExitCode == 0
	status := "failed"
	if passed {
		status = "passed"
	}
	rec := skills.TestRecord{
		TestID:     uuid.New().String()[:8],
		Status:     status,
		ExecutedAt: time.Now().Unix(),
		DurationMs: res.Duration.Milliseconds(),
		ExitCode:   res.ExitCode,
		StdoutHead: head(res.Stdout, stdoutHeadLen),
		StderrHead: head(res.Stderr, stderrHeadLen),
	}
	meta, err = m.registry.RecordTest(skillID, rec)
	if err != nil {
		return nil, err
	}

	passedCount := meta.PassedCount()
	required := meta.Promotion.MinSuccessfulExecutions
	if required <= 0 {
		required = MinSuccessfulRuns
	}
	ready := passed && passedCount >= required

	next := skills.StateFailed
	switch {
	case ready:
		next = skills.StateAwaitingPromotion
	case passed:
		next = skills.StatePassed
	}
	if _, err := m.registry.UpdateState(skillID, next); err != nil {
		return nil, err
	}

	if m.journal != nil {
		m.journal.Event(audit.EventSkillTestRun, map[string]any{
			"skill_id":     skillID,
			"test_id":      rec.TestID,
			"status":       status,
			"exit_code":    res.ExitCode,
			"timed_out":    res.TimedOut,
			"passed_count": passedCount,
			"next_state":   next,
		})
	}
	metrics.Global().RecordSkillTest(passed, rec.DurationMs)
	metrics.RecordPrometheusSkillTest(passed, rec.DurationMs)
	logging.Op().Info("skill test run finished",
		"skill_id", skillID,
		"status", status,
		"passed_count", passedCount,
		"next_state", next,
	)

	return &TestOutcome{
		TestID:            rec.TestID,
		Passed:            passed,
		PassedCount:       passedCount,
		ReadyForPromotion: ready,
		ExitCode:          res.ExitCode,
		Stdout:            res.Stdout,
		Stderr:            res.Stderr,
		TimedOut:          res.TimedOut,
		DurationMs:        rec.DurationMs,
	}, nil
}

// RequestPromotion issues a confirmation code for a skill that has
// cleared its test runs. The code is logged for the operator, not
// returned to the model.
func (m *Manager) RequestPromotion(skillID string) (code string, expiresIn time.Duration, err error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := m.registry.LoadFrom(skillID, skills.DirQuarantine)
	if err != nil {
		return "", 0, err
	}
	if meta.QuarantineState != skills.StateAwaitingPromotion {
		return "", 0, fmt.Errorf("%w: %s is %s, promotion needs %s",
			ErrWrongState, skillID, meta.QuarantineState, skills.StateAwaitingPromotion)
	}

	code, err = m.issuer.Issue(promotionSubject(skillID))
	if err != nil {
		return "", 0, fmt.Errorf("issue promotion code: %w", err)
	}
	logging.Op().Info("promotion code issued",
		"skill_id", skillID,
		"code_hint", audit.CodeHint(code),
		"ttl_seconds", int(codes.TTL.Seconds()),
	)
	return code, codes.TTL, nil
}

// Promote moves a skill to active after the user confirms with the
// issued code. A wrong code leaves the skill untouched and the code
// still pending.
func (m *Manager) Promote(skillID, submitted, promotedBy string) (*skills.Metadata, error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := m.registry.LoadFrom(skillID, skills.DirQuarantine)
	if err != nil {
		return nil, err
	}
	if meta.QuarantineState != skills.StateAwaitingPromotion {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, skillID, meta.QuarantineState)
	}
	if !m.issuer.Verify(promotionSubject(skillID), submitted) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCode, skillID)
	}

	meta, err = m.registry.UpdateState(skillID, skills.StatePromoted)
	if err != nil {
		return nil, err
	}
	if m.journal != nil {
		m.journal.SkillPromoted(skillID, promotedBy)
	}
	metrics.Global().RecordSkillPromotion()
	metrics.RecordPrometheusSkillPromotion()
	logging.Op().Info("skill promoted", "skill_id", skillID, "promoted_by", promotedBy)
	return meta, nil
}

// Reject retires a quarantined skill without promotion.
func (m *Manager) Reject(skillID, reason string) (*skills.Metadata, error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.registry.LoadFrom(skillID, skills.DirQuarantine); err != nil {
		return nil, err
	}
	meta, err := m.registry.UpdateState(skillID, skills.StateRejected)
	if err != nil {
		return nil, err
	}
	m.issuer.Invalidate(promotionSubject(skillID))
	if m.journal != nil {
		m.journal.Record(audit.EventSkillRejected, audit.SeverityWarning, map[string]any{
			"skill_id": skillID,
			"reason":   reason,
		}, "")
	}
	logging.Op().Info("skill rejected", "skill_id", skillID, "reason", reason)
	return meta, nil
}

// Deprecate retires a skill from any stage, typically an active one
// that misbehaved.
func (m *Manager) Deprecate(ctx context.Context, skillID, reason string) (*skills.Metadata, error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := m.registry.UpdateState(skillID, skills.StateDeprecated)
	if err != nil {
		return nil, err
	}
	m.issuer.Invalidate(promotionSubject(skillID))
	if m.strikes != nil {
		if err := m.strikes.Clear(ctx, skillID); err != nil {
			logging.Op().Warn("strike counter not cleared", "skill_id", skillID, "error", err)
		}
	}
	if m.journal != nil {
		m.journal.SkillDeprecated(skillID, reason)
	}
	logging.Op().Info("skill deprecated", "skill_id", skillID, "reason", reason)
	return meta, nil
}

// ExecOutcome is the result of running a promoted skill.
type ExecOutcome struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
	Failed     bool   `json:"failed"`
	Strikes    int    `json:"strikes,omitempty"`
	Deprecated bool   `json:"deprecated,omitempty"`
}

// RunPromoted executes an active skill. A timeout or non-zero exit is
// a strike; the third strike deprecates the skill in the same call.
func (m *Manager) RunPromoted(ctx context.Context, skillID string) (*ExecOutcome, error) {
	lock := m.lockFor(skillID)
	lock.Lock()
	defer lock.Unlock()

	if m.gate != nil && m.gate.Active(ctx) {
		return nil, ErrLockdown
	}

	meta, err := m.registry.LoadFrom(skillID, skills.DirActive)
	if err != nil {
		return nil, err
	}
	if err := m.checkIntegrity(meta); err != nil {
		return nil, err
	}

	res, err := m.runner.Run(ctx, m.registry.CodePath(meta), meta.Code.Language)
	if err != nil {
		return nil, fmt.Errorf("sandbox run: %w", err)
	}

	out := &ExecOutcome{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		TimedOut:   res.TimedOut,
		DurationMs: res.Duration.Milliseconds(),
		Failed:     res.TimedOut || res.ExitCode != 0,
	}
	if m.journal != nil {
		m.journal.Event(audit.EventSkillExecuted, map[string]any{
			"skill_id":    skillID,
			"exit_code":   res.ExitCode,
			"timed_out":   res.TimedOut,
			"duration_ms": out.DurationMs,
			"failed":      out.Failed,
		})
	}

	if out.Failed && m.strikes != nil {
		count, deprecated, err := m.strikes.RecordFailure(ctx, skillID)
		if err != nil {
			logging.Op().Error("strike not recorded", "skill_id", skillID, "error", err)
		} else {
			out.Strikes = count
			out.Deprecated = deprecated
		}
	} else if m.strikes != nil {
		m.strikes.RecordSuccess(ctx, skillID)
	}
	return out, nil
}

// checkIntegrity re-hashes the stored code against the registered hash.
func (m *Manager) checkIntegrity(meta *skills.Metadata) error {
	code, err := m.registry.ReadCode(meta)
	if err != nil {
		return err
	}
	actual := crypto.HashBytes(code)
	if actual == meta.Code.Hash {
		return nil
	}
	if m.journal != nil {
		m.journal.Security(audit.EventTamperDetected, map[string]any{
			"skill_id":      meta.SkillID,
			"expected_hash": meta.Code.Hash,
			"actual_hash":   actual,
		})
	}
	logging.Op().Error("skill code tampered", "skill_id", meta.SkillID)
	return fmt.Errorf("%w: %s", ErrTamper, meta.SkillID)
}

// head truncates s to at most n bytes without splitting a rune.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
