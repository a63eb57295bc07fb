package security

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRetention bounds buckets of action types that have no threshold.
const DefaultRetention = time.Hour

type Options struct {
	Thresholds Thresholds
	// Retention prunes buckets for action types without a threshold.
	Retention  time.Duration
	Recorder   RecorderOptions
	AlertRate  rate.Limit
	AlertBurst int
}

type Dependencies struct {
	Store     ConfigStore
	Directory GuildDirectory
	Members   MemberManager
	Alerts    AlertSink
	Audit     Auditor
	Clock     Clock
	Logger    *zap.Logger
}

// Monitor owns the ledger and the active incidents for the whole process.
type Monitor struct {
	thresholds Thresholds
	retention  time.Duration
	store      ConfigStore
	ledger     *Ledger
	resolver   *Resolver
	recorder   *Recorder
	dispatcher *Dispatcher
	notifier   *Notifier
	clock      Clock
	logger     *zap.Logger
}

func NewMonitor(opts Options, deps Dependencies) *Monitor {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = nopAuditor{}
	}
	if opts.Thresholds.table == nil {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	recorder := NewRecorder(deps.Store, opts.Recorder, deps.Clock, deps.Logger, deps.Audit)
	return &Monitor{
		thresholds: opts.Thresholds,
		retention:  opts.Retention,
		store:      deps.Store,
		ledger:     NewLedger(),
		resolver:   NewResolver(deps.Directory, deps.Logger),
		recorder:   recorder,
		dispatcher: NewDispatcher(deps.Store, deps.Directory, deps.Members, deps.Clock, deps.Logger, deps.Audit),
		notifier:   NewNotifier(recorder, deps.Store, deps.Alerts, opts.AlertRate, opts.AlertBurst, deps.Logger),
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
}

func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// RecordAction tracks one action and reports whether it caused a breach, in
// which case the new incident id is returned. Exempt actions leave no trace.
func (m *Monitor) RecordAction(ctx context.Context, guildID, actorID string, action ActionType, exemption ExemptionContext, meta ActionMetadata) (string, bool) {
	cfg := m.serverConfig(ctx, guildID)
	if m.resolver.Exempt(ctx, guildID, actorID, exemption, cfg) {
		m.logger.Debug("action exempt",
			zap.String("guild_id", guildID),
			zap.String("user_id", actorID),
			zap.String("action", string(action)))
		return "", false
	}

	threshold, ok := m.thresholds.Lookup(action)
	window := m.retention
	if ok {
		window = threshold.Window
	}
	records := m.ledger.Append(guildID, actorID, action, meta, m.clock.Now(), window)
	if !ok || !m.thresholds.Breached(action, len(records)) {
		return "", false
	}

	incident := m.recorder.Trigger(ctx, guildID, actorID, action, records)
	m.logger.Warn("security threshold breached",
		zap.String("guild_id", guildID),
		zap.String("user_id", actorID),
		zap.String("action", string(action)),
		zap.Int("count", len(records)),
		zap.String("incident_id", incident.ID))
	return incident.ID, true
}

func (m *Monitor) ApplyAction(ctx context.Context, guildID, actorID, reason string) ActionResult {
	return m.dispatcher.Apply(ctx, guildID, actorID, reason)
}

func (m *Monitor) SendAlert(ctx context.Context, guildID, incidentID, message string) bool {
	return m.notifier.Send(ctx, guildID, incidentID, message)
}

func (m *Monitor) Incident(incidentID string) (Incident, bool) {
	return m.recorder.Get(incidentID)
}

func (m *Monitor) ActiveIncidents() map[string]Incident {
	return m.recorder.Active()
}

// RecentActions returns the bucket pruned to the configured threshold window
// of the action type, so it matches what breach decisions see. Action types
// without a threshold use the retention window.
func (m *Monitor) RecentActions(guildID, actorID string, action ActionType) []ActionRecord {
	window := m.retention
	if threshold, ok := m.thresholds.Lookup(action); ok {
		window = threshold.Window
	}
	return m.ledger.Records(guildID, actorID, action, m.clock.Now(), window)
}

// RecentActionsWithin reads records newer than window without pruning.
func (m *Monitor) RecentActionsWithin(guildID, actorID string, action ActionType, window time.Duration) []ActionRecord {
	return m.ledger.Within(guildID, actorID, action, m.clock.Now(), window)
}

// Incidents returns the persisted incident summaries of a guild, oldest first.
func (m *Monitor) Incidents(ctx context.Context, guildID string) ([]IncidentSummary, error) {
	if m.store == nil {
		return nil, nil
	}
	cfg, err := m.store.ServerConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return cfg.Incidents, nil
}

// ServerConfig loads the guild configuration. Load failures yield the zero
// configuration and are logged.
func (m *Monitor) ServerConfig(ctx context.Context, guildID string) ServerConfig {
	return m.serverConfig(ctx, guildID)
}

func (m *Monitor) bucketLen(guildID, actorID string, action ActionType) int {
	return m.ledger.Len(guildID, actorID, action)
}

func (m *Monitor) serverConfig(ctx context.Context, guildID string) ServerConfig {
	if m.store == nil {
		return ServerConfig{}
	}
	cfg, err := m.store.ServerConfig(ctx, guildID)
	if err != nil {
		m.logger.Warn("server config unavailable", zap.String("guild_id", guildID), zap.Error(err))
		return ServerConfig{}
	}
	return cfg
}
