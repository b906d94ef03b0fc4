package vram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/vega/internal/audit"
	"github.com/oriys/vega/internal/local"
)

type fakeLoader struct {
	mu        sync.Mutex
	warmErr   error
	warmBlock bool
	unloadErr error
	warmed    []string
	unloads   int
}

func (f *fakeLoader) Warm(ctx context.Context, model string) error {
	f.mu.Lock()
	block := f.warmBlock
	err := f.warmErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.warmed = append(f.warmed, model)
	f.mu.Unlock()
	return nil
}

func (f *fakeLoader) Unload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	return f.unloadErr
}

func (f *fakeLoader) configure(warmErr, unloadErr error, block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmErr = warmErr
	f.unloadErr = unloadErr
	f.warmBlock = block
}

// recorder captures transitions as readable steps, e.g. "IDLE(coder)".
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) hook(s State, model string) {
	name := s.String()
	if s == StateIdle {
		if model == "" {
			model = "none"
		}
		name = fmt.Sprintf("IDLE(%s)", model)
	}
	r.mu.Lock()
	r.steps = append(r.steps, name)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.steps))
	copy(out, r.steps)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.steps = nil
	r.mu.Unlock()
}

func fastTimeouts() Timeouts {
	return Timeouts{
		Acquire:  500 * time.Millisecond,
		Load:     500 * time.Millisecond,
		Unload:   500 * time.Millisecond,
		Kill:     10 * time.Millisecond,
		Cooldown: time.Hour,
	}
}

func TestSwapSequence(t *testing.T) {
	loader := &fakeLoader{}
	rec := &recorder{}
	m := New(loader, nil, nil, WithTimeouts(fastTimeouts()), WithTransitionHook(rec.hook))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("acquire coder: %v", err)
	}
	m.Release()
	if err := m.Acquire(ctx, local.ModelVL); err != nil {
		t.Fatalf("acquire vl: %v", err)
	}
	m.Release()

	want := []string{
		"LOADING_CODER",
		"IDLE(coder)",
		"UNLOADING",
		"IDLE(none)",
		"LOADING_VL",
		"IDLE(vl)",
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
	if state, model := m.Status(); state != StateIdle || model != local.ModelVL {
		t.Fatalf("final status = %s/%q, want IDLE/vl", state, model)
	}
}

func TestReleaseKeepsModelWarm(t *testing.T) {
	loader := &fakeLoader{}
	rec := &recorder{}
	m := New(loader, nil, nil, WithTimeouts(fastTimeouts()), WithTransitionHook(rec.hook))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release()
	rec.reset()

	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	m.Release()

	if steps := rec.snapshot(); len(steps) != 0 {
		t.Fatalf("reacquiring the resident model caused transitions: %v", steps)
	}
	loader.mu.Lock()
	warms := len(loader.warmed)
	loader.mu.Unlock()
	if warms != 1 {
		t.Fatalf("warm count = %d, want 1", warms)
	}
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	loader := &fakeLoader{}
	tos := fastTimeouts()
	tos.Acquire = 50 * time.Millisecond
	m := New(loader, nil, nil, WithTimeouts(tos))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer m.Release()

	err := m.Acquire(ctx, local.ModelCoder)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire err = %v, want ErrBusy", err)
	}
}

func TestWaitersAcquireInOrder(t *testing.T) {
	loader := &fakeLoader{}
	tos := fastTimeouts()
	tos.Acquire = 2 * time.Second
	m := New(loader, nil, nil, WithTimeouts(tos))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	enqueue := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx, local.ModelCoder); err != nil {
				t.Errorf("%s acquire: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			m.Release()
		}()
	}

	enqueue("first")
	time.Sleep(100 * time.Millisecond)
	enqueue("second")
	time.Sleep(100 * time.Millisecond)

	m.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("waiter order = %v, want [first second]", order)
	}
}

func TestLoadTimeoutUnwindsToIdle(t *testing.T) {
	loader := &fakeLoader{}
	loader.configure(nil, nil, true) // warm blocks until its context expires
	tos := fastTimeouts()
	tos.Load = 50 * time.Millisecond
	m := New(loader, nil, nil, WithTimeouts(tos))

	err := m.Acquire(context.Background(), local.ModelCoder)
	if !errors.Is(err, ErrLoadTimeout) {
		t.Fatalf("acquire err = %v, want ErrLoadTimeout", err)
	}
	if state, model := m.Status(); state != StateIdle || model != "" {
		t.Fatalf("status after timeout = %s/%q, want IDLE/empty", state, model)
	}

	// The slot must be free again and a healthy load must succeed.
	loader.configure(nil, nil, false)
	if err := m.Acquire(context.Background(), local.ModelCoder); err != nil {
		t.Fatalf("acquire after unwind: %v", err)
	}
	m.Release()
}

func TestLoadFailureFaultsUntilRecovered(t *testing.T) {
	loader := &fakeLoader{}
	loader.configure(errors.New("out of memory"), nil, false)
	m := New(loader, nil, nil, WithTimeouts(fastTimeouts()))

	ctx := context.Background()
	err := m.Acquire(ctx, local.ModelCoder)
	if err == nil || errors.Is(err, ErrLoadTimeout) || errors.Is(err, ErrFaulted) {
		t.Fatalf("acquire err = %v, want wrapped load failure", err)
	}
	if state, _ := m.Status(); state != StateError {
		t.Fatalf("state after load failure = %s, want ERROR", state)
	}

	if err := m.Acquire(ctx, local.ModelCoder); !errors.Is(err, ErrFaulted) {
		t.Fatalf("acquire during cooldown err = %v, want ErrFaulted", err)
	}

	loader.configure(nil, nil, false)
	if err := m.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if state, model := m.Status(); state != StateIdle || model != "" {
		t.Fatalf("status after recover = %s/%q, want IDLE/empty", state, model)
	}
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("acquire after recover: %v", err)
	}
	m.Release()
}

func TestCooldownSelfRecovers(t *testing.T) {
	loader := &fakeLoader{}
	loader.configure(errors.New("out of memory"), nil, false)
	tos := fastTimeouts()
	tos.Cooldown = 50 * time.Millisecond
	m := New(loader, nil, nil, WithTimeouts(tos))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err == nil {
		t.Fatal("acquire should fail while warm is erroring")
	}
	if state, _ := m.Status(); state != StateError {
		t.Fatalf("state = %s, want ERROR", state)
	}

	time.Sleep(80 * time.Millisecond)
	loader.configure(nil, nil, false)
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("acquire after cooldown: %v", err)
	}
	m.Release()
	if state, model := m.Status(); state != StateIdle || model != local.ModelCoder {
		t.Fatalf("status = %s/%q, want IDLE/coder", state, model)
	}
}

func TestEvictionEscalatesToKill(t *testing.T) {
	loader := &fakeLoader{}
	journal := audit.New(t.TempDir())
	defer journal.Close()

	var killed bool
	var killMu sync.Mutex
	m := New(loader, nil, journal,
		WithTimeouts(fastTimeouts()),
		WithKiller(func(ctx context.Context) error {
			killMu.Lock()
			killed = true
			killMu.Unlock()
			return nil
		}))

	ctx := context.Background()
	if err := m.Acquire(ctx, local.ModelCoder); err != nil {
		t.Fatalf("acquire coder: %v", err)
	}
	m.Release()

	loader.configure(nil, errors.New("unload hung"), false)
	if err := m.Acquire(ctx, local.ModelVL); err != nil {
		t.Fatalf("acquire vl: %v", err)
	}
	m.Release()

	killMu.Lock()
	defer killMu.Unlock()
	if !killed {
		t.Fatal("killer was not invoked after graceful unload failed")
	}
	if state, model := m.Status(); state != StateIdle || model != local.ModelVL {
		t.Fatalf("status = %s/%q, want IDLE/vl", state, model)
	}

	raw, err := os.ReadFile(journal.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), audit.EventForcedKill) {
		t.Fatalf("audit log missing %s entry: %s", audit.EventForcedKill, raw)
	}
}

func TestStateNames(t *testing.T) {
	cases := map[State]string{
		StateIdle:         "IDLE",
		StateLoadingCoder: "LOADING_CODER",
		StateLoadingVL:    "LOADING_VL",
		StateUnloading:    "UNLOADING",
		StateError:        "ERROR",
		State(99):         "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}
