package cloud

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// ErrBreakerOpen means the cloud endpoint is quarantined and the call
// was rejected without any network traffic.
var ErrBreakerOpen = errors.New("cloud breaker open")

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateOpen                  // Calls are rejected without contacting the endpoint
	StateHalfOpen              // A single trial call is allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// FailureKind classifies a cloud call failure for breaker accounting.
type FailureKind int

const (
	KindTransient FailureKind = iota // Counts toward the consecutive threshold
	KindRateLimit                    // Trips the breaker on the first occurrence
	KindSafety                       // Trips the breaker on the first occurrence
)

func (k FailureKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindSafety:
		return "safety"
	default:
		return "transient"
	}
}

// Classify inspects a provider error message. Rate limiting and safety
// refusals are recognized by the markers the upstream APIs embed in
// their error payloads; everything else is a transient failure.
func Classify(msg string) FailureKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "quota"):
		return KindRateLimit
	case strings.Contains(lower, "safety"),
		strings.Contains(lower, "blocked"):
		return KindSafety
	default:
		return KindTransient
	}
}

// Clock seam for breaker and budget tests.
var cloudNow = time.Now

const (
	// consecutiveLimit is the number of transient failures in a row
	// that trips the breaker.
	consecutiveLimit = 3
	// defaultOpenFor is how long the breaker stays open before
	// allowing a trial call.
	defaultOpenFor = time.Hour
)

// Breaker quarantines the cloud endpoint after failures.
//
// Three transient failures in a row trip it; a rate-limit or safety
// failure trips it immediately, because retrying those only deepens
// the hole. While open, every call is rejected locally. After the
// open window one trial call is allowed: success closes the breaker,
// failure re-opens it for another full window.
type Breaker struct {
	mu            sync.Mutex
	state         State
	consecutive   int
	openedAt      time.Time
	openFor       time.Duration
	trialInFlight bool
}

// NewBreaker creates a closed breaker with the default open window.
func NewBreaker() *Breaker {
	return &Breaker{openFor: defaultOpenFor}
}

// Allow reports whether a call may proceed. While open it returns
// ErrBreakerOpen wrapped with the remaining quarantine time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cloudNow().Sub(b.openedAt)
		if elapsed < b.openFor {
			return fmt.Errorf("%w: retry in %s", ErrBreakerOpen, (b.openFor - elapsed).Round(time.Second))
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		logging.Op().Info("cloud breaker half-open, allowing trial call")
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%w: trial call in progress", ErrBreakerOpen)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure streak.
// A primary call rescued by a successful fallback counts as a success.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		logging.Op().Info("cloud breaker closed", "from", b.state.String())
		b.setState(StateClosed)
	}
}

// RecordFailure accounts one failed call. Rate-limit and safety kinds
// trip the breaker immediately; transient kinds trip it once the
// consecutive threshold is reached.
func (b *Breaker) RecordFailure(kind FailureKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if b.state == StateHalfOpen {
		b.trip(fmt.Sprintf("trial call failed (%s)", kind))
		return
	}

	switch kind {
	case KindRateLimit, KindSafety:
		b.trip(kind.String())
	default:
		b.consecutive++
		if b.consecutive >= consecutiveLimit {
			b.trip(fmt.Sprintf("%d consecutive failures", b.consecutive))
		}
	}
}

// State returns the current state and, while open, the remaining
// quarantine time.
func (b *Breaker) State() (State, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return b.state, 0
	}
	remaining := b.openFor - cloudNow().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return b.state, remaining
}

// trip moves to OPEN and restarts the quarantine window. Caller holds mu.
func (b *Breaker) trip(reason string) {
	b.openedAt = cloudNow()
	b.consecutive = 0
	if b.state != StateOpen {
		logging.Op().Warn("cloud breaker tripped", "reason", reason, "open_for", b.openFor)
		metrics.RecordPrometheusBreakerTrip("open")
	}
	b.setState(StateOpen)
}

// setState commits a transition and updates the gauge. Caller holds mu.
func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetBreakerState(int(s))
}
