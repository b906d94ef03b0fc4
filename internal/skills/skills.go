// Package skills is the on-disk skill registry.
//
// Every skill lives in a directory named after its id, holding the
// code file and a metadata.json. The parent directory encodes the
// lifecycle stage:
//
//	<root>/quarantine/<id>/   pending, executing, passed, failed, awaiting_promotion
//	<root>/active/<id>/       promoted
//	<root>/deprecated/<id>/   rejected, deprecated
//
// A state change that crosses stages moves the whole directory; the
// rename is the commit point, so two racing transitions produce
// exactly one winner and the loser gets an error.
package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/pkg/crypto"
)

// MaxCodeSize caps submitted skill code at 1 MiB.
const MaxCodeSize = 1 << 20

// Lifecycle states stored in metadata as quarantine_state.
const (
	StatePending           = "pending"
	StateExecuting         = "executing"
	StatePassed            = "passed"
	StateFailed            = "failed"
	StateAwaitingPromotion = "awaiting_promotion"
	StatePromoted          = "promoted"
	StateRejected          = "rejected"
	StateDeprecated        = "deprecated"
)

// Stage directories under the registry root.
const (
	DirQuarantine = "quarantine"
	DirActive     = "active"
	DirDeprecated = "deprecated"
)

// Supported skill languages.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
)

var (
	ErrNotFound        = errors.New("skill not found")
	ErrExists          = errors.New("skill already exists")
	ErrTooLarge        = errors.New("skill code exceeds size limit")
	ErrInvalidID       = errors.New("invalid skill id")
	ErrInvalidLanguage = errors.New("unsupported skill language")
)

// skillIDPattern bounds ids to names safe for directories and KV keys.
var skillIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Clock seam for tests.
var skillNow = time.Now

// ValidLanguage reports whether lang is a supported skill language.
func ValidLanguage(lang string) bool {
	switch lang {
	case LangPython, LangJavaScript, LangTypeScript:
		return true
	}
	return false
}

// Source records where a skill came from.
type Source struct {
	Type   string `json:"type"`
	Origin string `json:"origin"`
}

// Code describes the stored code file. Hash is the SHA-256 of the file
// content and is rechecked before every execution.
type Code struct {
	Hash      string `json:"hash"`
	SizeBytes int    `json:"size_bytes"`
	Language  string `json:"language"`
}

// TestRecord is one quarantine test run. Output heads are truncated
// copies; the full output is never persisted.
type TestRecord struct {
	TestID     string `json:"test_id"`
	Status     string `json:"status"`
	ExecutedAt int64  `json:"executed_at"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
	StdoutHead string `json:"stdout_head"`
	StderrHead string `json:"stderr_head"`
}

// PromotionRequirements gate the quarantine exit.
type PromotionRequirements struct {
	MinSuccessfulExecutions int  `json:"min_successful_executions"`
	RequireUserConfirmation bool `json:"require_user_confirmation"`
}

// Metadata is the persisted record for one skill.
type Metadata struct {
	SkillID         string                `json:"skill_id"`
	Version         string                `json:"version"`
	QuarantineState string                `json:"quarantine_state"`
	CreatedAt       int64                 `json:"created_at"`
	UpdatedAt       int64                 `json:"updated_at"`
	Source          Source                `json:"source"`
	Code            Code                  `json:"code"`
	ExecutionTests  []TestRecord          `json:"execution_tests"`
	StrikeCount     int                   `json:"strike_count"`
	Promotion       PromotionRequirements `json:"promotion_requirements"`
}

// PassedCount returns how many recorded test runs passed.
func (m *Metadata) PassedCount() int {
	n := 0
	for _, t := range m.ExecutionTests {
		if t.Status == "passed" {
			n++
		}
	}
	return n
}

// CodeFileName is the code file name for the skill's language.
func (m *Metadata) CodeFileName() string {
	return "skill." + m.Code.Language
}

// DirForState maps a lifecycle state to its stage directory.
func DirForState(state string) string {
	switch state {
	case StatePromoted:
		return DirActive
	case StateRejected, StateDeprecated:
		return DirDeprecated
	default:
		return DirQuarantine
	}
}

// Registry stores skills under a root directory.
type Registry struct {
	root string
	mu   sync.Mutex
}

// New creates a registry rooted at dir. Stage directories are created
// lazily on first write.
func New(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the registry root directory.
func (r *Registry) Root() string {
	return r.root
}

// SkillDir returns the directory for a skill in the given stage.
func (r *Registry) SkillDir(skillID, stage string) string {
	return filepath.Join(r.root, stage, skillID)
}

// CodePath returns the path to the skill's code file in its current stage.
func (r *Registry) CodePath(meta *Metadata) string {
	stage := DirForState(meta.QuarantineState)
	return filepath.Join(r.SkillDir(meta.SkillID, stage), meta.CodeFileName())
}

func (r *Registry) metaPath(skillID, stage string) string {
	return filepath.Join(r.SkillDir(skillID, stage), "metadata.json")
}

// Register creates a new skill in quarantine with state pending.
func (r *Registry) Register(skillID string, code []byte, language, sourceType, origin string) (*Metadata, error) {
	if !skillIDPattern.MatchString(skillID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, skillID)
	}
	if !ValidLanguage(language) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLanguage, language)
	}
	if len(code) > MaxCodeSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(code), MaxCodeSize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.load(skillID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, skillID)
	}

	now := skillNow().Unix()
	meta := &Metadata{
		SkillID:         skillID,
		Version:         "0.1.0",
		QuarantineState: StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Source:          Source{Type: sourceType, Origin: origin},
		Code: Code{
			Hash:      crypto.HashBytes(code),
			SizeBytes: len(code),
			Language:  language,
		},
		ExecutionTests: []TestRecord{},
		Promotion: PromotionRequirements{
			MinSuccessfulExecutions: 3,
			RequireUserConfirmation: true,
		},
	}

	dir := r.SkillDir(skillID, DirQuarantine)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skill dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, meta.CodeFileName()), code, 0o644); err != nil {
		return nil, fmt.Errorf("write skill code: %w", err)
	}
	if err := r.save(meta); err != nil {
		return nil, err
	}
	logging.Op().Info("skill registered in quarantine", "skill_id", skillID, "language", language, "size_bytes", len(code))
	return meta, nil
}

// Load finds a skill in any stage, preferring active over quarantine
// over deprecated.
func (r *Registry) Load(skillID string) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(skillID)
}

func (r *Registry) load(skillID string) (*Metadata, error) {
	for _, stage := range []string{DirActive, DirQuarantine, DirDeprecated} {
		meta, err := r.readMeta(r.metaPath(skillID, stage))
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			logging.Op().Error("skill metadata unreadable", "skill_id", skillID, "stage", stage, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, skillID)
}

// LoadFrom finds a skill in one specific stage.
func (r *Registry) LoadFrom(skillID, stage string) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, err := r.readMeta(r.metaPath(skillID, stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, skillID, stage)
		}
		return nil, err
	}
	return meta, nil
}

func (r *Registry) readMeta(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &meta, nil
}

// Save persists metadata into the stage directory its state maps to.
func (r *Registry) Save(meta *Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(meta)
}

// save writes metadata via a temp file and rename, so a crash mid-write
// can never leave a half-written metadata.json behind.
func (r *Registry) save(meta *Metadata) error {
	path := r.metaPath(meta.SkillID, DirForState(meta.QuarantineState))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create skill dir: %w", err)
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metadata-*.json")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flush metadata: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}

// List returns all readable skills in a stage directory. Corrupt
// entries are skipped.
func (r *Registry) List(stage string) ([]*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.root, stage))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := r.readMeta(r.metaPath(e.Name(), stage))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Counts returns how many skills sit in each stage.
func (r *Registry) Counts() (active, quarantine, deprecated int) {
	for stage, n := range map[string]*int{
		DirActive:     &active,
		DirQuarantine: &quarantine,
		DirDeprecated: &deprecated,
	} {
		metas, err := r.List(stage)
		if err != nil {
			continue
		}
		*n = len(metas)
	}
	return active, quarantine, deprecated
}

// UpdateState transitions a skill to newState, moving its directory
// when the state maps to a different stage. The rename is the commit
// point: when two transitions race, the second rename fails and the
// metadata is left as the winner wrote it.
func (r *Registry) UpdateState(skillID, newState string) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.load(skillID)
	if err != nil {
		return nil, err
	}
	oldStage := DirForState(meta.QuarantineState)
	newStage := DirForState(newState)
	meta.QuarantineState = newState
	meta.UpdatedAt = skillNow().Unix()

	if oldStage != newStage {
		oldDir := r.SkillDir(skillID, oldStage)
		newDir := r.SkillDir(skillID, newStage)
		if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
			return nil, fmt.Errorf("create stage dir: %w", err)
		}
		if err := os.Rename(oldDir, newDir); err != nil {
			return nil, fmt.Errorf("move skill %s from %s to %s: %w", skillID, oldStage, newStage, err)
		}
	}
	if err := r.save(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RecordTest appends a test run to the skill's history.
func (r *Registry) RecordTest(skillID string, rec TestRecord) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.load(skillID)
	if err != nil {
		return nil, err
	}
	meta.ExecutionTests = append(meta.ExecutionTests, rec)
	meta.UpdatedAt = skillNow().Unix()
	if err := r.save(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// IncrementStrike bumps the persistent strike counter and returns the
// new value.
func (r *Registry) IncrementStrike(skillID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.load(skillID)
	if err != nil {
		return 0, err
	}
	meta.StrikeCount++
	meta.UpdatedAt = skillNow().Unix()
	if err := r.save(meta); err != nil {
		return 0, err
	}
	return meta.StrikeCount, nil
}

// ReadCode returns the current content of the skill's code file.
func (r *Registry) ReadCode(meta *Metadata) ([]byte, error) {
	raw, err := os.ReadFile(r.CodePath(meta))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: code file for %s", ErrNotFound, meta.SkillID)
		}
		return nil, err
	}
	return raw, nil
}
