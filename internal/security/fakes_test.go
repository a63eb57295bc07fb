package security

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	configs  map[string]ServerConfig
	setCalls int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{configs: make(map[string]ServerConfig)}
}

func (s *fakeStore) ServerConfig(_ context.Context, guildID string) (ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ServerConfig{}, s.err
	}
	cfg := s.configs[guildID]
	cfg.Incidents = append([]IncidentSummary(nil), cfg.Incidents...)
	return cfg, nil
}

func (s *fakeStore) SetIncidents(_ context.Context, guildID string, incidents []IncidentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.setCalls++
	cfg := s.configs[guildID]
	cfg.Incidents = append([]IncidentSummary(nil), incidents...)
	s.configs[guildID] = cfg
	return nil
}

func (s *fakeStore) set(guildID string, cfg ServerConfig) {
	s.mu.Lock()
	s.configs[guildID] = cfg
	s.mu.Unlock()
}

type sanction struct {
	kind   string
	userID string
	roleID string
	until  time.Time
}

type fakeMembers struct {
	members   map[string]Member
	failWith  error
	sanctions []sanction
}

func (f *fakeMembers) Member(_ context.Context, _, userID string) (Member, error) {
	member, ok := f.members[userID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return member, nil
}

func (f *fakeMembers) record(s sanction) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.sanctions = append(f.sanctions, s)
	return nil
}

func (f *fakeMembers) Ban(_ context.Context, _, userID, _ string) error {
	return f.record(sanction{kind: "ban", userID: userID})
}

func (f *fakeMembers) Kick(_ context.Context, _, userID, _ string) error {
	return f.record(sanction{kind: "kick", userID: userID})
}

func (f *fakeMembers) Timeout(_ context.Context, _, userID string, until time.Time, _ string) error {
	return f.record(sanction{kind: "timeout", userID: userID, until: until})
}

func (f *fakeMembers) AddRole(_ context.Context, _, userID, roleID, _ string) error {
	return f.record(sanction{kind: "add_role", userID: userID, roleID: roleID})
}

func (f *fakeMembers) RemoveRole(_ context.Context, _, userID, roleID, _ string) error {
	return f.record(sanction{kind: "remove_role", userID: userID, roleID: roleID})
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (f *fakeSink) SendAlert(_ context.Context, _ string, alert Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeLockdown struct {
	guilds []string
}

func (f *fakeLockdown) TriggerLockdown(_ context.Context, guildID string) bool {
	f.guilds = append(f.guilds, guildID)
	return true
}

var errPermissions = errors.New("missing permissions")
