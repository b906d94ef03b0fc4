// Package vram serializes access to local-model GPU memory.
//
// The machine has room for exactly one local model at a time, so every
// local inference first acquires the mutex for the model it needs. The
// mutex swaps models on demand: unload whatever is resident, then warm
// the requested one. Acquire blocks in FIFO order behind a weighted
// semaphore; a waiter that cannot get the GPU within the acquire
// timeout fails with ErrBusy rather than queueing forever.
//
// # State machine
//
//	IDLE ──(acquire, other model resident)──► UNLOADING ──► IDLE(none)
//	IDLE ──(acquire, model not resident)──► LOADING_CODER | LOADING_VL
//	LOADING_* ──(warm ok)──► IDLE(model)
//	LOADING_* ──(warm timeout)──► UNLOADING ──► IDLE(none)   ErrLoadTimeout
//	LOADING_* ──(warm error)──► ERROR                        manual Recover or cooldown
//
// Releasing the mutex keeps the model warm; the next acquire for the
// same model performs no transitions at all.
//
// # Concurrency
//
// The semaphore admits one owner; only the owner (or Recover, which
// takes the semaphore itself) mutates state. The internal mutex exists
// so that Status and the fault gate can read a consistent snapshot
// while an owner is mid-transition.
//
// # Invariants
//
//   - state is ERROR if and only if faultedAt is non-zero.
//   - loaded is empty in the LOADING_* and ERROR states; during
//     UNLOADING it names the model being evicted.
//   - Every transition is mirrored to the KV store before the next one
//     begins; mirror failures are logged and never block the GPU.
package vram

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/kv"
	"github.com/oriys/vega/internal/local"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
)

// State represents the GPU occupancy state.
type State int

const (
	StateIdle         State = iota // GPU settled; loaded says which model, if any
	StateLoadingCoder              // Warming the coder model
	StateLoadingVL                 // Warming the vision model
	StateUnloading                 // Evicting the resident model
	StateError                     // A load failed; acquires are refused until recovery
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoadingCoder:
		return "LOADING_CODER"
	case StateLoadingVL:
		return "LOADING_VL"
	case StateUnloading:
		return "UNLOADING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// KV keys under which the mutex mirrors its state for external readers.
const (
	StateKey = "vram:state"
	ModelKey = "vram:loaded_model"
)

var (
	// ErrBusy means the GPU could not be acquired within the acquire timeout.
	ErrBusy = errors.New("vram busy")
	// ErrLoadTimeout means the requested model did not warm within the load timeout.
	ErrLoadTimeout = errors.New("model load timed out")
	// ErrFaulted means a previous load failed and the cooldown has not elapsed.
	ErrFaulted = errors.New("vram in error state")
)

// Loader warms and evicts local models. Implemented by local.Client.
type Loader interface {
	Warm(ctx context.Context, model string) error
	Unload(ctx context.Context) error
}

// Timeouts bounds each phase of a model swap.
type Timeouts struct {
	Acquire  time.Duration // How long a waiter queues before ErrBusy
	Load     time.Duration // Warm budget before the load counts as timed out
	Unload   time.Duration // Graceful eviction budget before escalating to a kill
	Kill     time.Duration // Grace between SIGTERM and SIGKILL during escalation
	Cooldown time.Duration // How long ERROR persists before acquires self-recover
}

// DefaultTimeouts returns the production swap budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Acquire:  30 * time.Second,
		Load:     30 * time.Second,
		Unload:   30 * time.Second,
		Kill:     10 * time.Second,
		Cooldown: 60 * time.Second,
	}
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithTimeouts overrides the default swap budgets.
func WithTimeouts(t Timeouts) Option {
	return func(m *Mutex) { m.timeouts = t }
}

// WithKiller replaces the forced-eviction escalation. The killer runs
// when a graceful unload fails and must leave the GPU empty.
func WithKiller(fn func(ctx context.Context) error) Option {
	return func(m *Mutex) { m.killFn = fn }
}

// WithProcessName sets the inference-server process name targeted by
// the default killer.
func WithProcessName(name string) Option {
	return func(m *Mutex) { m.procName = name }
}

// WithTransitionHook registers a callback invoked after every state
// transition with the new state and the loaded model ("" when none).
func WithTransitionHook(fn func(State, string)) Option {
	return func(m *Mutex) { m.onTransition = fn }
}

// Mutex is the single-owner gate in front of local-model GPU memory.
type Mutex struct {
	sem     *semaphore.Weighted
	loader  Loader
	store   *kv.Store
	journal *audit.Log

	timeouts     Timeouts
	killFn       func(ctx context.Context) error
	procName     string
	onTransition func(State, string)

	mu          sync.Mutex
	state       State
	loaded      string // "coder", "vl", or "" when the GPU is empty
	faultedAt   time.Time
	faultReason string
}

// New creates a Mutex in the IDLE state with nothing resident.
// store and journal may be nil; mirroring and audit are then skipped.
func New(loader Loader, store *kv.Store, journal *audit.Log, opts ...Option) *Mutex {
	m := &Mutex{
		sem:      semaphore.NewWeighted(1),
		loader:   loader,
		store:    store,
		journal:  journal,
		timeouts: DefaultTimeouts(),
		procName: "ollama",
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.killFn == nil {
		m.killFn = m.escalateKill
	}
	m.mirror(StateIdle, "")
	return m
}

// Acquire blocks until the caller owns the GPU with model resident and
// warm. model is local.ModelCoder or local.ModelVL. On success the
// caller must Release when inference finishes; the model stays warm
// across releases. Acquire fails with ErrBusy when the queue wait
// exceeds the acquire timeout, ErrFaulted while a fault cooldown is
// pending, and ErrLoadTimeout when the warm itself times out.
func (m *Mutex) Acquire(ctx context.Context, model string) error {
	// Fail fast before queueing. The authoritative check happens again
	// once the semaphore is held.
	if err := m.faultGate(); err != nil {
		return err
	}

	waitStart := time.Now()
	actx, cancel := context.WithTimeout(ctx, m.timeouts.Acquire)
	defer cancel()
	if err := m.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: no slot within %s", ErrBusy, m.timeouts.Acquire)
	}
	metrics.ObserveVRAMWait(time.Since(waitStart).Milliseconds())

	// Another owner may have faulted the GPU while we queued.
	if err := m.recheckFault(); err != nil {
		m.sem.Release(1)
		return err
	}

	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()

	if loaded == model {
		return nil // already resident and warm, no transitions
	}

	if loaded != "" {
		if err := m.evict(ctx, loaded); err != nil {
			m.sem.Release(1)
			return err
		}
	}

	if err := m.load(ctx, model); err != nil {
		m.sem.Release(1)
		return err
	}
	return nil
}

// Release returns the GPU to the queue. The resident model stays warm
// so that a follow-up acquire for the same model is free.
func (m *Mutex) Release() {
	m.sem.Release(1)
}

// Recover clears the ERROR state by evicting whatever the failed load
// left behind. It fails if the GPU is currently owned.
func (m *Mutex) Recover(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateError {
		return fmt.Errorf("recover: state is %s, not ERROR", state)
	}

	actx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.sem.Acquire(actx, 1); err != nil {
		return fmt.Errorf("recover: %w: gpu is in use", ErrBusy)
	}
	defer m.sem.Release(1)

	m.setState(StateUnloading, "")
	uctx, ucancel := context.WithTimeout(ctx, m.timeouts.Unload)
	defer ucancel()
	if err := m.loader.Unload(uctx); err != nil {
		logging.Op().Warn("recovery unload failed, escalating", "error", err)
		m.forceKill(ctx, "", "manual recovery")
	}
	m.clearFault()
	m.setState(StateIdle, "")
	logging.Op().Info("vram recovered", "by", "manual")
	return nil
}

// Status reports the current state and resident model ("" when none).
func (m *Mutex) Status() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.loaded
}

// faultGate is the read-only pre-queue check.
func (m *Mutex) faultGate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return nil
	}
	remaining := m.timeouts.Cooldown - time.Since(m.faultedAt)
	if remaining > 0 {
		return fmt.Errorf("%w: %s (retry in %s)", ErrFaulted, m.faultReason, remaining.Round(time.Second))
	}
	return nil
}

// recheckFault runs with the semaphore held and may self-recover once
// the cooldown has elapsed.
func (m *Mutex) recheckFault() error {
	m.mu.Lock()
	if m.state != StateError {
		m.mu.Unlock()
		return nil
	}
	remaining := m.timeouts.Cooldown - time.Since(m.faultedAt)
	reason := m.faultReason
	m.mu.Unlock()
	if remaining > 0 {
		return fmt.Errorf("%w: %s (retry in %s)", ErrFaulted, reason, remaining.Round(time.Second))
	}
	m.clearFault()
	m.setState(StateIdle, "")
	logging.Op().Info("vram recovered", "by", "cooldown", "previous_fault", reason)
	return nil
}

// evict moves the GPU from IDLE(current) to IDLE(none). A graceful
// unload that fails or times out escalates to a forced kill of the
// inference server; either way the GPU ends empty.
func (m *Mutex) evict(ctx context.Context, current string) error {
	m.setState(StateUnloading, current)
	start := time.Now()

	uctx, cancel := context.WithTimeout(ctx, m.timeouts.Unload)
	defer cancel()
	err := m.loader.Unload(uctx)
	if err != nil {
		logging.Op().Warn("graceful unload failed, escalating to kill",
			"model", current, "error", err)
		m.forceKill(ctx, current, err.Error())
	}
	m.setState(StateIdle, "")
	metrics.ObserveModelSwap("unload", time.Since(start).Milliseconds())
	return nil
}

// load moves the GPU from IDLE(none) to IDLE(model). A warm timeout
// unwinds back to empty IDLE; any other warm failure parks the mutex
// in ERROR for the cooldown.
func (m *Mutex) load(ctx context.Context, model string) error {
	loadingState := StateLoadingCoder
	if model == local.ModelVL {
		loadingState = StateLoadingVL
	}
	m.setState(loadingState, "")
	start := time.Now()

	lctx, cancel := context.WithTimeout(ctx, m.timeouts.Load)
	defer cancel()
	err := m.loader.Warm(lctx, model)
	if err == nil {
		m.setState(StateIdle, model)
		metrics.ObserveModelSwap("load", time.Since(start).Milliseconds())
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// The warm may still be grinding in the server; unwind so the
		// GPU is empty rather than half-occupied.
		logging.Op().Warn("model load timed out, unwinding", "model", model)
		m.setState(StateUnloading, "")
		uctx, ucancel := context.WithTimeout(context.Background(), m.timeouts.Unload)
		defer ucancel()
		if uerr := m.loader.Unload(uctx); uerr != nil {
			m.forceKill(ctx, model, "unwind after load timeout")
		}
		m.setState(StateIdle, "")
		return fmt.Errorf("%w: %s not ready within %s", ErrLoadTimeout, model, m.timeouts.Load)
	}

	m.mu.Lock()
	m.faultedAt = time.Now()
	m.faultReason = fmt.Sprintf("load %s: %v", model, err)
	m.mu.Unlock()
	m.setState(StateError, "")
	logging.Op().Error("model load failed, vram faulted",
		"model", model, "error", err, "cooldown", m.timeouts.Cooldown)
	return fmt.Errorf("load %s: %w", model, err)
}

// forceKill runs the escalation and audits it. The GPU is treated as
// empty afterwards regardless of what the killer reported.
func (m *Mutex) forceKill(ctx context.Context, model, cause string) {
	metrics.RecordForcedKill()
	if m.journal != nil {
		m.journal.Record(audit.EventForcedKill, audit.SeverityWarning, map[string]any{
			"model": model,
			"cause": cause,
		}, "")
	}
	if err := m.killFn(ctx); err != nil {
		logging.Op().Error("forced kill escalation failed", "error", err)
	}
}

// escalateKill is the default killer: SIGTERM the inference server,
// wait the kill grace, then SIGKILL.
func (m *Mutex) escalateKill(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(tctx, "pkill", "-TERM", m.procName).Run(); err != nil {
		logging.Op().Debug("pkill -TERM returned", "error", err)
	}
	select {
	case <-time.After(m.timeouts.Kill):
	case <-ctx.Done():
		return ctx.Err()
	}
	kctx, kcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer kcancel()
	if err := exec.CommandContext(kctx, "pkill", "-KILL", m.procName).Run(); err != nil {
		logging.Op().Debug("pkill -KILL returned", "error", err)
	}
	return nil
}

func (m *Mutex) clearFault() {
	m.mu.Lock()
	m.faultedAt = time.Time{}
	m.faultReason = ""
	m.mu.Unlock()
}

// setState commits a transition: internal fields, gauges, the KV
// mirror, and the hook, in that order.
func (m *Mutex) setState(state State, model string) {
	m.mu.Lock()
	m.state = state
	m.loaded = model
	m.mu.Unlock()

	metrics.SetVRAMState(int(state))
	metrics.SetLoadedModel(model)
	m.mirror(state, model)
	if m.onTransition != nil {
		m.onTransition(state, model)
	}
}

// mirror writes the state name and resident model to the KV store so
// dashboards and the health report can read GPU occupancy without
// touching the mutex. Mirror failures never block a swap.
func (m *Mutex) mirror(state State, model string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	name := model
	if name == "" {
		name = "none"
	}
	if err := m.store.SetString(ctx, StateKey, state.String(), 0); err != nil {
		logging.Op().Warn("vram state mirror failed", "error", err)
		return
	}
	if err := m.store.SetString(ctx, ModelKey, name, 0); err != nil {
		logging.Op().Warn("vram model mirror failed", "error", err)
	}
}
