package security

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultAlertRate paces alert sends per guild.
const DefaultAlertRate = rate.Limit(1)

// Notifier sends at most one alert per incident.
type Notifier struct {
	recorder *Recorder
	store    ConfigStore
	sink     AlertSink
	logger   *zap.Logger

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewNotifier(recorder *Recorder, store ConfigStore, sink AlertSink, limit rate.Limit, burst int, logger *zap.Logger) *Notifier {
	if limit <= 0 {
		limit = DefaultAlertRate
	}
	if burst <= 0 {
		burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		recorder: recorder,
		store:    store,
		sink:     sink,
		logger:   logger,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send reports whether an alert went out. Unknown incidents, a missing
// destination and repeated calls for the same incident are warnings, not
// errors. Only a delivered alert uses up the incident's alert.
func (n *Notifier) Send(ctx context.Context, guildID, incidentID, message string) bool {
	logger := n.logger.With(zap.String("guild_id", guildID), zap.String("incident_id", incidentID))

	incident, found, first := n.recorder.claimAlert(incidentID)
	if !found {
		logger.Warn("alert skipped: incident not found")
		return false
	}
	if !first {
		logger.Warn("alert skipped: incident already alerted")
		return false
	}

	channelID := ""
	if n.store != nil {
		cfg, err := n.store.ServerConfig(ctx, guildID)
		if err != nil {
			logger.Warn("alert skipped: server config unavailable", zap.Error(err))
			n.recorder.releaseAlert(incidentID)
			return false
		}
		channelID = cfg.NotificationChannelID
	}
	if channelID == "" || n.sink == nil {
		logger.Warn("alert skipped: notification channel not configured")
		n.recorder.releaseAlert(incidentID)
		return false
	}

	if err := n.limiter(guildID).Wait(ctx); err != nil {
		logger.Warn("alert skipped: rate limiter", zap.Error(err))
		n.recorder.releaseAlert(incidentID)
		return false
	}

	alert := Alert{
		IncidentID: incident.ID,
		GuildID:    guildID,
		UserID:     incident.UserID,
		Action:     incident.Action,
		Timestamp:  incident.Timestamp,
		Count:      len(incident.Actions),
		Message:    message,
	}
	if err := n.sink.SendAlert(ctx, channelID, alert); err != nil {
		logger.Warn("alert skipped: channel unresolvable", zap.String("channel_id", channelID), zap.Error(err))
		n.recorder.releaseAlert(incidentID)
		return false
	}
	return true
}

func (n *Notifier) limiter(guildID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	limiter := n.limiters[guildID]
	if limiter == nil {
		limiter = rate.NewLimiter(n.limit, n.burst)
		n.limiters[guildID] = limiter
	}
	return limiter
}
