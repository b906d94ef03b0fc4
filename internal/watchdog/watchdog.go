// Package watchdog restarts the process when the scheduler stalls.
//
// A cooperative goroutine stamps a heartbeat every 5 seconds. A
// sentinel goroutine pinned to its own OS thread checks the stamp
// every 5 seconds; once the gap exceeds 30 seconds it records a
// CRITICAL audit entry and sends the process SIGTERM so the
// supervisor restarts it. The sentinel must never take locks shared
// with request handling, so it only reads one atomic.
//
// The heartbeat is measured against a monotonic anchor, not the wall
// clock, so NTP steps cannot fake a stall.
package watchdog

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/logging"
)

const (
	// HeartbeatInterval is how often the cooperative loop stamps.
	HeartbeatInterval = 5 * time.Second
	// StallThreshold is the heartbeat gap that triggers a restart.
	StallThreshold = 30 * time.Second
)

// Watchdog runs the heartbeat pair.
type Watchdog struct {
	journal   *audit.Log
	interval  time.Duration
	threshold time.Duration
	terminate func()

	base time.Time
	beat atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithIntervals overrides the stamp interval and stall threshold.
func WithIntervals(interval, threshold time.Duration) Option {
	return func(w *Watchdog) {
		w.interval = interval
		w.threshold = threshold
	}
}

// WithTerminate replaces the restart signal.
func WithTerminate(fn func()) Option {
	return func(w *Watchdog) { w.terminate = fn }
}

// New creates a stopped Watchdog. The journal may be nil.
func New(journal *audit.Log, opts ...Option) *Watchdog {
	w := &Watchdog{
		journal:   journal,
		interval:  HeartbeatInterval,
		threshold: StallThreshold,
		base:      time.Now(),
		stop:      make(chan struct{}),
	}
	w.terminate = func() {
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// elapsed reads the monotonic clock relative to the anchor.
func (w *Watchdog) elapsed() time.Duration {
	return time.Since(w.base)
}

// Start launches the cooperative stamper and the pinned sentinel.
func (w *Watchdog) Start() {
	w.beat.Store(int64(w.elapsed()))

	w.wg.Add(2)
	go w.stampLoop()
	go w.sentinelLoop()
	logging.Op().Info("watchdog started",
		"interval", w.interval,
		"threshold", w.threshold,
	)
}

// Stop shuts down both loops without firing the restart.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watchdog) stampLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.beat.Store(int64(w.elapsed()))
		case <-w.stop:
			return
		}
	}
}

func (w *Watchdog) sentinelLoop() {
	defer w.wg.Done()
	// Pin to an OS thread so the check survives a wedged goroutine
	// scheduler as far as the runtime allows.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gap := w.elapsed() - time.Duration(w.beat.Load())
			if gap <= w.threshold {
				continue
			}
			logging.Op().Error("heartbeat stalled, forcing restart",
				"gap_seconds", int(gap.Seconds()),
				"threshold_seconds", int(w.threshold.Seconds()),
			)
			if w.journal != nil {
				w.journal.Record(audit.EventWatchdog, audit.SeverityCritical, map[string]any{
					"gap_seconds":       int(gap.Seconds()),
					"threshold_seconds": int(w.threshold.Seconds()),
				}, "")
			}
			w.terminate()
			return
		case <-w.stop:
			return
		}
	}
}
