package cloud

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oriys/vega/internal/metrics"
)

// ErrBudgetExceeded means today's cloud token allowance is spent and
// the call was rejected without any network traffic.
var ErrBudgetExceeded = errors.New("daily cloud token budget exceeded")

// TokenTracker enforces the daily cloud token allowance. The day rolls
// at UTC midnight; usage resets with it. Counts live in memory, so a
// process restart forgives the day, which errs on the side of keeping
// the assistant responsive.
type TokenTracker struct {
	mu    sync.Mutex
	day   string
	used  int
	limit int
}

// NewTokenTracker creates a tracker with the given daily limit.
// A limit of zero or less disables enforcement.
func NewTokenTracker(limit int) *TokenTracker {
	return &TokenTracker{limit: limit}
}

// Allow reports whether another call fits in today's budget.
func (t *TokenTracker) Allow() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if t.limit > 0 && t.used >= t.limit {
		return fmt.Errorf("%w: %d/%d tokens", ErrBudgetExceeded, t.used, t.limit)
	}
	return nil
}

// Add accounts tokens spent by a completed call.
func (t *TokenTracker) Add(tokens int) {
	if tokens <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.used += tokens
	metrics.SetTokensUsedToday(t.used)
}

// Used returns today's consumption and the configured limit.
func (t *TokenTracker) Used() (used, limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.used, t.limit
}

// roll resets the counter when the UTC day has changed. Caller holds mu.
func (t *TokenTracker) roll() {
	today := cloudNow().UTC().Format("2006-01-02")
	if t.day != today {
		t.day = today
		t.used = 0
		metrics.SetTokensUsedToday(0)
	}
}
