// Package audit implements the tier-1 security journal: append-only JSON
// Lines with indefinite retention. Skill lifecycle events, injection
// attempts, lockdowns, and forced terminations are recorded here.
//
// # Contract
//
//   - Entries are whole JSON lines terminated by '\n'.
//   - The journal is never rotated or deleted; the maintenance cycle skips it.
//   - Writer failures are reported to the operational logger and never
//     propagate to callers. A security event must not break the pipeline
//     that detected it.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/vega/internal/logging"
)

// Event types recorded in the journal.
const (
	EventSkillSubmitted  = "SKILL_SUBMITTED"
	EventSkillTestRun    = "SKILL_TEST_RUN"
	EventSkillPromoted   = "SKILL_PROMOTED"
	EventSkillRejected   = "SKILL_REJECTED"
	EventSkillDeprecated = "SKILL_DEPRECATED"
	EventSkillExecuted   = "SKILL_EXECUTED"
	EventTamperDetected  = "TAMPER_DETECTED"
	EventInjection       = "PROMPT_INJECTION_ATTEMPT"
	EventLockdown        = "SECURITY_LOCKDOWN"
	EventUnlock          = "SECURITY_UNLOCK"
	EventForcedKill      = "FORCED_MODEL_KILL"
	EventWatchdog        = "WATCHDOG_RESTART"
	EventDreamCycle      = "DREAM_CYCLE"
)

// Severities. The journal stores them as strings so readers need no mapping.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Entry is one journal line.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Severity      string         `json:"severity"`
	EventType     string         `json:"event_type"`
	Details       map[string]any `json:"details"`
}

// Log is the tier-1 journal writer. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// New creates a journal writing to <dir>/tier1/audit.jsonl. The file is
// opened lazily on first write so construction never fails.
func New(dir string) *Log {
	return &Log{path: filepath.Join(dir, "tier1", "audit.jsonl")}
}

// Path returns the journal file path.
func (l *Log) Path() string {
	return l.path
}

// Record appends an entry and returns its correlation id. When cid is empty
// a fresh one is generated. Write failures are swallowed after logging.
func (l *Log) Record(eventType, severity string, details map[string]any, cid string) string {
	if cid == "" {
		cid = uuid.New().String()
	}
	entry := Entry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: cid,
		Severity:      severity,
		EventType:     eventType,
		Details:       details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			logging.Op().Error("audit journal dir create failed", "error", err)
			return cid
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logging.Op().Error("audit journal open failed", "error", err)
			return cid
		}
		l.file = f
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logging.Op().Error("audit entry marshal failed", "event", eventType, "error", err)
		return cid
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		logging.Op().Error("audit journal write failed", "event", eventType, "error", err)
	}
	return cid
}

// Event appends an INFO entry.
func (l *Log) Event(eventType string, details map[string]any) string {
	return l.Record(eventType, SeverityInfo, details, "")
}

// Security appends a CRITICAL entry.
func (l *Log) Security(eventType string, details map[string]any) string {
	return l.Record(eventType, SeverityCritical, details, "")
}

// SkillPromoted records a promotion.
func (l *Log) SkillPromoted(skillID, promotedBy string) string {
	return l.Record(EventSkillPromoted, SeverityInfo, map[string]any{
		"skill_id":    skillID,
		"promoted_by": promotedBy,
	}, "")
}

// SkillDeprecated records a deprecation with its reason.
func (l *Log) SkillDeprecated(skillID, reason string) string {
	return l.Record(EventSkillDeprecated, SeverityWarning, map[string]any{
		"skill_id": skillID,
		"reason":   reason,
	}, "")
}

// Lockdown records lockdown activation. Only a two-character hint of the
// unlock code is journaled; the full code never lands on disk here.
func (l *Log) Lockdown(reason, unlockCode string) string {
	return l.Record(EventLockdown, SeverityCritical, map[string]any{
		"reason":           reason,
		"unlock_code_hint": CodeHint(unlockCode),
	}, "")
}

// Injection records a firewall detection set. Only rule names and the input
// length are journaled, never the input itself.
func (l *Log) Injection(detections []string, inputLen int, severity string) string {
	return l.Record(EventInjection, severity, map[string]any{
		"detection_rules": detections,
		"input_length":    inputLen,
	}, "")
}

// Close closes the journal file.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// CodeHint masks a short-lived code down to its first two characters.
func CodeHint(code string) string {
	if len(code) <= 2 {
		return code + "**"
	}
	return code[:2] + "**"
}
