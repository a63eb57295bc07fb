package playbook

import (
	"context"
	"sync"
	"testing"
	"time"

	"sentinel-guard/internal/modules/audit"
	"sentinel-guard/internal/storage"

	"go.uber.org/zap"
)

type fakeTimer struct {
	stopped bool
	fn      func()
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{fn: fn}
	f.timers = append(f.timers, t)
	f.delays = append(f.delays, d)
	return t
}

// Advance fires every pending timer whose delay has elapsed.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	var due []*fakeTimer
	var timers []*fakeTimer
	var delays []time.Duration
	for i, timer := range f.timers {
		if f.delays[i] <= d {
			due = append(due, timer)
			continue
		}
		timers = append(timers, timer)
		delays = append(delays, f.delays[i]-d)
	}
	f.timers = timers
	f.delays = delays
	f.mu.Unlock()
	for _, timer := range due {
		if !timer.stopped {
			timer.fn()
		}
	}
}

func newEngine(t *testing.T) (*Engine, *fakeClock, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	engine := New(Config{LockdownMinutes: 2, StrictModeMinutes: 1}, audit.NewLogger(store, zap.NewNop()))
	clock := &fakeClock{now: time.Unix(0, 0)}
	engine.WithClock(clock)
	return engine, clock, store
}

func TestPlaybookTrigger(t *testing.T) {
	engine, clock, _ := newEngine(t)
	var entered, exited []string
	engine.SetHooks(Hooks{
		Enter: func(_ context.Context, guildID string) { entered = append(entered, guildID) },
		Exit:  func(_ context.Context, guildID string) { exited = append(exited, guildID) },
	})

	ctx := context.Background()
	if !engine.TriggerLockdown(ctx, "g1") {
		t.Fatalf("expected trigger")
	}
	if engine.TriggerLockdown(ctx, "g1") {
		t.Fatalf("second trigger must be refused while locked down")
	}
	state := engine.IsLockdown("g1")
	if !state.Lockdown || !state.Strict {
		t.Fatalf("expected lockdown strict")
	}

	clock.Advance(time.Minute)
	state = engine.IsLockdown("g1")
	if !state.Lockdown || state.Strict || !state.Exiting {
		t.Fatalf("expected exiting state, got %+v", state)
	}

	clock.Advance(time.Minute)
	if engine.IsLockdown("g1").Lockdown {
		t.Fatalf("expected lockdown ended")
	}
	if len(entered) != 1 || len(exited) != 1 {
		t.Fatalf("expected one enter and one exit hook, got %v %v", entered, exited)
	}
}

func TestPlaybookRelease(t *testing.T) {
	engine, clock, store := newEngine(t)
	ctx := context.Background()

	if engine.Release(ctx, "g1") {
		t.Fatalf("release without lockdown must be refused")
	}
	engine.TriggerLockdown(ctx, "g1")
	if !engine.Release(ctx, "g1") {
		t.Fatalf("expected release")
	}
	if engine.IsLockdown("g1").Lockdown {
		t.Fatalf("expected lockdown cleared")
	}

	clock.Advance(5 * time.Minute)
	logs, err := store.ListAuditLogs(ctx, "g1", time.Time{})
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected initiated and released entries only, got %d", len(logs))
	}
}
