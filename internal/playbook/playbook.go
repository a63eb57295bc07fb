package playbook

import (
	"context"
	"sync"
	"time"

	"sentinel-guard/internal/modules/audit"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

// Auditor matches audit.Logger.
type Auditor interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

// Hooks let the caller apply and revert the platform side of a lockdown.
type Hooks struct {
	Enter func(ctx context.Context, guildID string)
	Exit  func(ctx context.Context, guildID string)
}

type Config struct {
	LockdownMinutes   int
	StrictModeMinutes int
}

type State struct {
	Lockdown bool
	Strict   bool
	Exiting  bool
	Since    time.Time
}

type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	clock  Clock
	audit  Auditor
	hooks  Hooks
	states map[string]*State
	timers map[string][]Timer
}

func New(cfg Config, auditor Auditor) *Engine {
	return &Engine{
		cfg:    cfg,
		clock:  realClock{},
		audit:  auditor,
		states: make(map[string]*State),
		timers: make(map[string][]Timer),
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

func (e *Engine) SetHooks(hooks Hooks) {
	e.mu.Lock()
	e.hooks = hooks
	e.mu.Unlock()
}

// TriggerLockdown enters lockdown for a guild. It reports false when the
// guild is already locked down.
func (e *Engine) TriggerLockdown(ctx context.Context, guildID string) bool {
	e.mu.Lock()
	state := e.stateLocked(guildID)
	if state.Lockdown {
		e.mu.Unlock()
		return false
	}

	state.Lockdown = true
	state.Strict = true
	state.Exiting = false
	state.Since = e.clock.Now()
	enter := e.hooks.Enter
	e.mu.Unlock()

	e.log(ctx, audit.LevelWarn, guildID, "lockdown initiated")
	if enter != nil {
		enter(ctx, guildID)
	}
	e.scheduleExit(ctx, guildID)
	return true
}

// Release ends a lockdown early. It reports false when none is active.
func (e *Engine) Release(ctx context.Context, guildID string) bool {
	e.mu.Lock()
	state := e.states[guildID]
	if state == nil || !state.Lockdown {
		e.mu.Unlock()
		return false
	}
	for _, timer := range e.timers[guildID] {
		timer.Stop()
	}
	delete(e.timers, guildID)
	e.mu.Unlock()

	e.end(ctx, guildID, "lockdown released")
	return true
}

func (e *Engine) IsLockdown(guildID string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state := e.states[guildID]
	if state == nil {
		return State{}
	}
	return *state
}

func (e *Engine) scheduleExit(ctx context.Context, guildID string) {
	strictDuration := time.Duration(e.cfg.StrictModeMinutes) * time.Minute
	lockdownDuration := time.Duration(e.cfg.LockdownMinutes) * time.Minute
	if strictDuration <= 0 {
		strictDuration = 5 * time.Minute
	}
	if lockdownDuration <= 0 {
		lockdownDuration = 10 * time.Minute
	}

	strict := e.clock.AfterFunc(strictDuration, func() {
		e.mu.Lock()
		state := e.stateLocked(guildID)
		if !state.Lockdown {
			e.mu.Unlock()
			return
		}
		state.Strict = false
		state.Exiting = true
		e.mu.Unlock()
		e.log(ctx, audit.LevelInfo, guildID, "strict mode exit started")
	})

	end := e.clock.AfterFunc(lockdownDuration, func() {
		e.mu.Lock()
		delete(e.timers, guildID)
		e.mu.Unlock()
		e.end(ctx, guildID, "lockdown ended")
	})

	e.mu.Lock()
	e.timers[guildID] = []Timer{strict, end}
	e.mu.Unlock()
}

func (e *Engine) end(ctx context.Context, guildID, detail string) {
	e.mu.Lock()
	state := e.stateLocked(guildID)
	if !state.Lockdown {
		e.mu.Unlock()
		return
	}
	*state = State{}
	exit := e.hooks.Exit
	e.mu.Unlock()

	if exit != nil {
		exit(ctx, guildID)
	}
	e.log(ctx, audit.LevelInfo, guildID, detail)
}

func (e *Engine) log(ctx context.Context, level, guildID, detail string) {
	if e.audit == nil {
		return
	}
	e.audit.Log(ctx, level, guildID, "", "raid_lockdown", detail)
}

func (e *Engine) stateLocked(guildID string) *State {
	state := e.states[guildID]
	if state == nil {
		state = &State{}
		e.states[guildID] = state
	}
	return state
}
