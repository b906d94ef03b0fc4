// Package codes issues the short-lived 4-digit confirmation codes that
// gate skill promotion and lockdown release.
//
// A code is valid for 5 minutes from issue, survives failed
// verification attempts, and is consumed by the first successful one.
// Comparison is constant-time.
package codes

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// TTL is how long an issued code stays valid.
const TTL = 5 * time.Minute

// codeNow is the clock used for expiry checks, overridable in tests.
// time.Now carries a monotonic reading, so suspend/resume does not
// shorten or extend a code's life.
var codeNow = time.Now

type entry struct {
	code      string
	expiresAt time.Time
}

// Issuer holds pending codes keyed by subject id.
type Issuer struct {
	mu      sync.Mutex
	pending map[string]entry
}

// NewIssuer creates an empty issuer.
func NewIssuer() *Issuer {
	return &Issuer{pending: make(map[string]entry)}
}

// Mint generates a 4-digit code without registering it for later
// verification. Lockdown release codes are stored alongside the
// lockdown record rather than in the pending map.
func Mint() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// Issue generates a fresh 4-digit code for the subject, replacing any
// earlier one, and returns it.
func (i *Issuer) Issue(subject string) (string, error) {
	code, err := Mint()
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	i.pending[subject] = entry{code: code, expiresAt: codeNow().Add(TTL)}
	n := len(i.pending)
	i.mu.Unlock()

	metrics.SetPendingCodes(n)
	logging.Op().Info("code issued", "subject", subject, "ttl_seconds", int(TTL.Seconds()))
	return code, nil
}

// Verify checks a submitted code. Missing or expired entries fail and
// are cleared. A wrong code fails but leaves the entry valid. A correct
// code succeeds exactly once and clears the entry.
func (i *Issuer) Verify(subject, submitted string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.pending[subject]
	if !ok {
		logging.Op().Warn("code verify: none pending", "subject", subject)
		return false
	}
	if codeNow().After(e.expiresAt) {
		delete(i.pending, subject)
		metrics.SetPendingCodes(len(i.pending))
		logging.Op().Warn("code verify: expired", "subject", subject)
		return false
	}

	match := subtle.ConstantTimeCompare([]byte(e.code), []byte(strings.TrimSpace(submitted))) == 1
	if match {
		delete(i.pending, subject)
		metrics.SetPendingCodes(len(i.pending))
		logging.Op().Info("code verified", "subject", subject)
	} else {
		logging.Op().Warn("code verify: mismatch", "subject", subject)
	}
	return match
}

// Invalidate drops any pending code for the subject.
func (i *Issuer) Invalidate(subject string) {
	i.mu.Lock()
	delete(i.pending, subject)
	n := len(i.pending)
	i.mu.Unlock()
	metrics.SetPendingCodes(n)
}

// PurgeExpired drops all expired entries and returns how many were removed.
func (i *Issuer) PurgeExpired() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := codeNow()
	removed := 0
	for subject, e := range i.pending {
		if now.After(e.expiresAt) {
			delete(i.pending, subject)
			removed++
		}
	}
	if removed > 0 {
		metrics.SetPendingCodes(len(i.pending))
	}
	return removed
}

// Pending returns the number of outstanding codes.
func (i *Issuer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}
