package security

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-guard/internal/modules/audit"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultIncidentHistory   = 100
	DefaultActiveIncidents   = 1024
	DefaultActiveIncidentTTL = 24 * time.Hour
)

type RecorderOptions struct {
	// History caps the persisted incident list per guild.
	History int
	// ActiveSize and ActiveTTL bound the in-memory incident map.
	ActiveSize int
	ActiveTTL  time.Duration
}

type activeIncident struct {
	incident Incident
	alerted  atomic.Bool
}

// Recorder turns threshold breaches into incidents. Full incidents live in a
// bounded in-memory map; compact summaries are persisted per guild.
type Recorder struct {
	store   ConfigStore
	active  *expirable.LRU[string, *activeIncident]
	history int
	clock   Clock
	logger  *zap.Logger
	audit   Auditor
	persist sync.Mutex
}

func NewRecorder(store ConfigStore, opts RecorderOptions, clock Clock, logger *zap.Logger, auditor Auditor) *Recorder {
	if opts.History <= 0 {
		opts.History = DefaultIncidentHistory
	}
	if opts.ActiveSize <= 0 {
		opts.ActiveSize = DefaultActiveIncidents
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultActiveIncidentTTL
	}
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Recorder{
		store:   store,
		active:  expirable.NewLRU[string, *activeIncident](opts.ActiveSize, nil, opts.ActiveTTL),
		history: opts.History,
		clock:   clock,
		logger:  logger,
		audit:   auditor,
	}
}

// Trigger records a breach and returns the new incident. A persistence
// failure is logged; the incident stays available in memory.
func (r *Recorder) Trigger(ctx context.Context, guildID, actorID string, action ActionType, actions []ActionRecord) Incident {
	now := r.clock.Now()
	incident := Incident{
		ID:        fmt.Sprintf("%s:%d:%s", guildID, now.UnixMilli(), uuid.NewString()),
		GuildID:   guildID,
		UserID:    actorID,
		Action:    action,
		Actions:   append([]ActionRecord(nil), actions...),
		Timestamp: now,
	}
	r.active.Add(incident.ID, &activeIncident{incident: incident})

	if err := r.persistSummary(ctx, guildID, incident.Summary()); err != nil {
		r.logger.Error("incident persist failed",
			zap.String("guild_id", guildID),
			zap.String("incident_id", incident.ID),
			zap.Error(err))
	}

	detail := fmt.Sprintf("incident=%s action=%s count=%d", incident.ID, action, len(incident.Actions))
	r.audit.Log(ctx, audit.LevelCrit, guildID, actorID, "security_incident", detail)
	return incident
}

func (r *Recorder) persistSummary(ctx context.Context, guildID string, summary IncidentSummary) error {
	if r.store == nil {
		return nil
	}
	r.persist.Lock()
	defer r.persist.Unlock()

	cfg, err := r.store.ServerConfig(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	incidents := append(append([]IncidentSummary(nil), cfg.Incidents...), summary)
	if len(incidents) > r.history {
		incidents = incidents[len(incidents)-r.history:]
	}
	if err := r.store.SetIncidents(ctx, guildID, incidents); err != nil {
		return fmt.Errorf("store incidents: %w", err)
	}
	return nil
}

func (r *Recorder) Get(incidentID string) (Incident, bool) {
	entry, ok := r.active.Get(incidentID)
	if !ok {
		return Incident{}, false
	}
	return entry.incident, true
}

// claimAlert returns the incident the first time it is called for an id and
// false afterwards or when the incident is unknown.
func (r *Recorder) claimAlert(incidentID string) (Incident, bool, bool) {
	entry, ok := r.active.Get(incidentID)
	if !ok {
		return Incident{}, false, false
	}
	if !entry.alerted.CompareAndSwap(false, true) {
		return entry.incident, true, false
	}
	return entry.incident, true, true
}

// releaseAlert hands the alert back after a failed send so a later call
// can retry it.
func (r *Recorder) releaseAlert(incidentID string) {
	if entry, ok := r.active.Peek(incidentID); ok {
		entry.alerted.Store(false)
	}
}

func (r *Recorder) Active() map[string]Incident {
	out := make(map[string]Incident, r.active.Len())
	for _, key := range r.active.Keys() {
		if entry, ok := r.active.Peek(key); ok {
			out[key] = entry.incident
		}
	}
	return out
}
