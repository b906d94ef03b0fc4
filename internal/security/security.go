// Package security owns the lockdown state: a global kill-switch that
// makes the orchestrator refuse all message processing until released
// with a minted 4-digit code.
//
// The authoritative record lives in the KV store under
// security:lockdown so it survives restarts. An in-process flag mirrors
// it so the gate still answers when the store is unreachable.
// Activation and release are broadcast on a pub/sub channel.
package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/codes"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
)

// LockdownKey is the KV key holding the lockdown record.
const LockdownKey = "security:lockdown"

// EventChannel is the pub/sub channel for lockdown broadcasts.
const EventChannel = "events:security"

// Record is the KV representation of lockdown state.
type Record struct {
	Active     bool   `json:"active"`
	Reason     string `json:"reason,omitempty"`
	UnlockCode string `json:"unlock_code,omitempty"`
}

// Event is broadcast on activation and release.
type Event struct {
	Active bool                       `json:"active"`
	Reason string                     `json:"reason,omitempty"`
	At     time.Time                  `json:"at"`
	Trace  observability.TraceContext `json:"trace,omitempty"`
}

// Manager mediates all lockdown reads and writes.
type Manager struct {
	store   *kv.Store
	journal *audit.Log
	active  atomic.Bool
}

// NewManager creates a lockdown manager.
func NewManager(store *kv.Store, journal *audit.Log) *Manager {
	return &Manager{store: store, journal: journal}
}

// Restore primes the in-process flag from the KV record. Called once at
// startup so a lockdown survives a restart.
func (m *Manager) Restore(ctx context.Context) {
	var rec Record
	err := m.store.GetJSON(ctx, LockdownKey, &rec)
	switch {
	case err == kv.ErrNotFound:
		return
	case err != nil:
		logging.Op().Warn("lockdown restore failed", "error", err)
		return
	}
	m.active.Store(rec.Active)
	metrics.SetLockdownActive(rec.Active)
	if rec.Active {
		logging.Op().Warn("lockdown restored from store", "reason", rec.Reason)
	}
}

// Activate engages lockdown: mints an unlock code, persists the record,
// journals a hint-only audit entry, and broadcasts the event. The full
// code surfaces only in the operational log.
func (m *Manager) Activate(ctx context.Context, reason string) {
	code, err := codes.Mint()
	if err != nil {
		// Without a code the lockdown would be permanent; engage anyway
		// and leave release to a restart with a clean store.
		logging.Op().Error("unlock code mint failed", "error", err)
	}

	m.active.Store(true)
	metrics.SetLockdownActive(true)

	if m.journal != nil {
		m.journal.Lockdown(reason, code)
	}
	logging.Op().Error("SECURITY LOCKDOWN triggered",
		"reason", reason,
		"unlock_code", code,
	)

	rec := Record{Active: true, Reason: reason, UnlockCode: code}
	if err := m.store.SetJSON(ctx, LockdownKey, rec, 0); err != nil {
		logging.Op().Error("lockdown persist failed", "error", err)
	}
	m.broadcast(ctx, Event{Active: true, Reason: reason, At: time.Now().UTC()})
}

// Active reports whether lockdown is engaged. The KV record is
// authoritative; the in-process flag answers when the store does not.
func (m *Manager) Active(ctx context.Context) bool {
	var rec Record
	err := m.store.GetJSON(ctx, LockdownKey, &rec)
	switch {
	case err == kv.ErrNotFound:
		return false
	case err != nil:
		logging.Op().Warn("lockdown read failed, using cached state", "error", err)
		return m.active.Load()
	}
	m.active.Store(rec.Active)
	return rec.Active
}

// Unlock releases lockdown when the submitted code constant-time-matches
// the stored one. Returns false on mismatch or when no lockdown is active.
func (m *Manager) Unlock(ctx context.Context, submitted string) bool {
	var rec Record
	err := m.store.GetJSON(ctx, LockdownKey, &rec)
	if err != nil && err != kv.ErrNotFound {
		logging.Op().Error("lockdown read failed", "error", err)
		return false
	}
	if !rec.Active {
		return false
	}
	if rec.UnlockCode == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(rec.UnlockCode), []byte(strings.TrimSpace(submitted))) != 1 {
		logging.Op().Warn("lockdown unlock attempt with wrong code")
		return false
	}

	m.active.Store(false)
	metrics.SetLockdownActive(false)
	if err := m.store.SetJSON(ctx, LockdownKey, Record{Active: false}, 0); err != nil {
		logging.Op().Error("lockdown clear failed", "error", err)
	}
	if m.journal != nil {
		m.journal.Event(audit.EventUnlock, map[string]any{"released_by": "unlock_code"})
	}
	logging.Op().Info("lockdown released")
	m.broadcast(ctx, Event{Active: false, At: time.Now().UTC()})
	return true
}

func (m *Manager) broadcast(ctx context.Context, ev Event) {
	ev.Trace = observability.ExtractTraceContext(ctx)
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, EventChannel, payload); err != nil {
		logging.Op().Warn("lockdown broadcast failed", "error", err)
	}
}

// Watch subscribes to lockdown broadcasts. The returned channel closes
// when ctx is cancelled. Malformed payloads are dropped.
func (m *Manager) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 8)
	sub := m.store.Subscribe(ctx, EventChannel)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Op().Warn("bad lockdown event payload", "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow consumer; drop rather than stall the reader.
				}
			}
		}
	}()
	return out
}
