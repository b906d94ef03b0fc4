// Package firewall screens inbound text for prompt-injection attempts
// before any model call is made.
//
// # Layers
//
// Four layers run in order on every scan:
//
//	L4  length cap        reject over 10,000 chars, no further layers
//	L1  pattern table     fixed regexes, each bound to a severity
//	L2  base64 re-scan    decode >=20-char base64 runs, re-run L1
//	L3  character ratio   >30% non-alphanumeric flags MEDIUM
//
// The verdict is the maximum severity seen. HIGH or worse blocks the
// message; CRITICAL additionally triggers the lockdown protocol. Every
// non-empty detection set is journaled with rule names and input length
// only, never the input itself.
package firewall

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// MaxInputLength is the L4 cap in characters.
const MaxInputLength = 10000

// nonAlphanumThreshold is the L3 ratio above which input is flagged.
const nonAlphanumThreshold = 0.30

// Level is a threat severity. Levels are ordered so comparison
// operators work.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Result is a scan verdict.
type Result struct {
	Allowed    bool
	Level      Level
	Detections []string
	// Sanitized carries the input onward when the verdict allows it,
	// with invisible characters and role tags stripped.
	Sanitized string
}

type pattern struct {
	name  string
	re    *regexp.Regexp
	level Level
}

var patterns = []pattern{
	// CRITICAL: direct override attempts
	{"SYSTEM_OVERRIDE", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`), LevelCritical},
	{"JAILBREAK_DAN", regexp.MustCompile(`(?i)\bDAN\b.*\b(do|does|doing)\s+anything\s+now`), LevelCritical},
	{"ROLE_OVERRIDE", regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are))\s+(an?\s+)?ai\s+(without|with\s+no)\s+(restrictions?|limits?|filters?)`), LevelCritical},
	// HIGH: manipulation attempts
	{"PROMPT_LEAK", regexp.MustCompile(`(?i)(repeat|output|print|show|display)\s+(your\s+)?(system\s+prompt|initial\s+instructions?)`), LevelHigh},
	{"INSTRUCTION_INJECTION", regexp.MustCompile(`(?i)<\s*(system|user|assistant)\s*>`), LevelHigh},
	{"DELIMITER_INJECTION", regexp.MustCompile(`(?i)(\[INST\]|\[/INST\]|<\|im_start\|>|<\|im_end\|>|###\s*System:)`), LevelHigh},
	// MEDIUM: suspicious characters
	{"UNICODE_OBFUSCATION", zeroWidthBidi, LevelMedium},
}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)

// zeroWidthBidi matches zero-width and bidi-control characters, the
// usual carriers for invisible instruction smuggling.
var zeroWidthBidi = regexp.MustCompile(`[\x{200b}-\x{200f}\x{202a}-\x{202e}\x{2060}-\x{2064}\x{feff}]`)

// roleTags matches chat-template role markers that would let user text
// masquerade as conversation structure.
var roleTags = regexp.MustCompile(`(?i)<\s*/?\s*(system|user|assistant)\s*>|\[/?INST\]|<\|im_start\|>|<\|im_end\|>|###\s*System:`)

// Sanitize strips zero-width and bidi-control characters and role tags
// from text that will be embedded into a prompt. It changes nothing
// about the verdict; Scan decides whether the text is allowed at all.
func Sanitize(text string) string {
	text = zeroWidthBidi.ReplaceAllString(text, "")
	return roleTags.ReplaceAllString(text, "")
}

// LockdownActivator is implemented by the security manager. The
// firewall triggers it on CRITICAL verdicts.
type LockdownActivator interface {
	Activate(ctx context.Context, reason string)
}

// Firewall scans candidate text and journals detections.
type Firewall struct {
	journal  *audit.Log
	lockdown LockdownActivator
}

// New creates a firewall. Either collaborator may be nil, in which case
// the corresponding side effect is skipped.
func New(journal *audit.Log, lockdown LockdownActivator) *Firewall {
	return &Firewall{journal: journal, lockdown: lockdown}
}

// Scan runs all layers against the input and returns the verdict.
// Detections are journaled before the caller sees the result.
func (f *Firewall) Scan(ctx context.Context, text string) Result {
	var detections []string
	maxLevel := LevelNone

	// L4: length cap, short-circuits every other layer
	if n := utf8.RuneCountInString(text); n > MaxInputLength {
		detections = append(detections, fmt.Sprintf("LENGTH_EXCEEDED:%d", n))
		f.journalDetections(detections, n, LevelHigh)
		return Result{Allowed: false, Level: LevelHigh, Detections: detections}
	}

	// L1: pattern table
	for _, p := range patterns {
		if p.re.MatchString(text) {
			detections = append(detections, p.name)
			if p.level > maxLevel {
				maxLevel = p.level
			}
		}
	}

	// L2: re-scan the first decodable base64 run
	if decoded := decodeBase64Run(text); decoded != "" {
		for _, p := range patterns {
			if p.re.MatchString(decoded) {
				detections = append(detections, "BASE64_"+p.name)
				if p.level > maxLevel {
					maxLevel = p.level
				}
			}
		}
	}

	// L3: character ratio
	if ratio := nonAlphanumRatio(text); ratio > nonAlphanumThreshold {
		detections = append(detections, fmt.Sprintf("HIGH_NON_ALPHANUM:%.2f", ratio))
		if LevelMedium > maxLevel {
			maxLevel = LevelMedium
		}
	}

	if len(detections) > 0 {
		f.journalDetections(detections, utf8.RuneCountInString(text), maxLevel)
	}

	if maxLevel == LevelCritical {
		logging.Op().Error("critical injection detected", "detections", detections)
		if f.lockdown != nil {
			f.lockdown.Activate(ctx, strings.Join(detections, ", "))
		}
		return Result{Allowed: false, Level: maxLevel, Detections: detections}
	}

	allowed := maxLevel < LevelHigh
	res := Result{Allowed: allowed, Level: maxLevel, Detections: detections}
	if allowed {
		res.Sanitized = Sanitize(text)
	}
	return res
}

func (f *Firewall) journalDetections(detections []string, inputLen int, level Level) {
	metrics.RecordPrometheusInjection(level.String())
	if f.journal != nil {
		f.journal.Injection(detections, inputLen, level.String())
	}
}

// decodeBase64Run returns the decoded text of the first base64-looking
// run that decodes to something non-blank, or "".
func decodeBase64Run(text string) string {
	for _, match := range base64Run.FindAllString(text, -1) {
		raw, err := base64.StdEncoding.DecodeString(match)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(match)
		}
		if err != nil {
			continue
		}
		decoded := strings.ToValidUTF8(string(raw), "")
		if strings.TrimSpace(decoded) != "" {
			return decoded
		}
	}
	return ""
}

func nonAlphanumRatio(text string) float64 {
	if text == "" {
		return 0
	}
	total, flagged := 0, 0
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			flagged++
		}
	}
	return float64(flagged) / float64(total)
}
