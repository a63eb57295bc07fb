package security

import (
	"context"
	"fmt"
	"sync/atomic"

	"sentinel-guard/internal/modules/audit"

	"go.uber.org/zap"
)

// DefaultMentionLimit is the mention count from which a message also counts
// as mention spam.
const DefaultMentionLimit = 5

type EventKind int

const (
	EventUnknown EventKind = iota
	EventBanAdd
	EventMemberKick
	EventChannelCreate
	EventChannelDelete
	EventRoleDelete
	EventWebhookCreate
	EventMessageBulkDelete
	EventMemberJoin
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventBanAdd:
		return "ban_add"
	case EventMemberKick:
		return "member_kick"
	case EventChannelCreate:
		return "channel_create"
	case EventChannelDelete:
		return "channel_delete"
	case EventRoleDelete:
		return "role_delete"
	case EventWebhookCreate:
		return "webhook_create"
	case EventMessageBulkDelete:
		return "message_bulk_delete"
	case EventMemberJoin:
		return "member_join"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one entry of the platform event feed. ExecutorID is the user who
// performed the action; for messages it is the author.
type Event struct {
	Kind       EventKind
	GuildID    string
	ExecutorID string
	TargetID   string
	OwnerID    string
	Mentions   int
}

// Lockdown reacts to server-wide raids where there is no member to punish.
type Lockdown interface {
	TriggerLockdown(ctx context.Context, guildID string) bool
}

type ClassifierConfig struct {
	BotID        string
	MentionLimit int
}

// Classifier maps feed events to tracked actions and runs the response
// pipeline on a breach.
type Classifier struct {
	monitor  *Monitor
	lockdown Lockdown
	audit    Auditor
	logger   *zap.Logger
	botID    atomic.Value
	mentions int
}

func NewClassifier(cfg ClassifierConfig, monitor *Monitor, lockdown Lockdown, auditor Auditor, logger *zap.Logger) *Classifier {
	if cfg.MentionLimit <= 0 {
		cfg.MentionLimit = DefaultMentionLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	c := &Classifier{
		monitor:  monitor,
		lockdown: lockdown,
		audit:    auditor,
		logger:   logger,
		mentions: cfg.MentionLimit,
	}
	c.SetBotID(cfg.BotID)
	return c
}

// SetBotID updates the id used to drop self-originated events. The id is
// only known once the gateway session is ready.
func (c *Classifier) SetBotID(botID string) {
	c.botID.Store(botID)
}

// Handle processes one event and returns the ids of incidents it opened.
func (c *Classifier) Handle(ctx context.Context, event Event) []string {
	if event.GuildID == "" {
		return nil
	}
	actorID := event.ExecutorID
	if event.Kind == EventMemberJoin {
		actorID = SystemRaidActor
	}
	if actorID == "" {
		return nil
	}
	if botID, _ := c.botID.Load().(string); botID != "" && event.ExecutorID == botID {
		return nil
	}

	var incidents []string
	for _, action := range c.classify(event) {
		meta := ActionMetadata{"event": event.Kind.String()}
		if event.TargetID != "" {
			meta["target_id"] = event.TargetID
		}
		if event.Kind == EventMessage {
			meta["mentions"] = event.Mentions
		}
		exemption := ExemptionContext{OwnerID: event.OwnerID}
		incidentID, breached := c.monitor.RecordAction(ctx, event.GuildID, actorID, action, exemption, meta)
		if !breached {
			continue
		}
		// One event sanctions the actor at most once; every incident it
		// opened is still alerted.
		c.respond(ctx, event.GuildID, actorID, action, incidentID, len(incidents) == 0)
		incidents = append(incidents, incidentID)
	}
	return incidents
}

func (c *Classifier) classify(event Event) []ActionType {
	switch event.Kind {
	case EventBanAdd:
		return []ActionType{ActionMassBan, ActionBan}
	case EventMemberKick:
		return []ActionType{ActionMassKick}
	case EventChannelCreate:
		return []ActionType{ActionChannelCreate}
	case EventChannelDelete:
		return []ActionType{ActionChannelDelete}
	case EventRoleDelete:
		return []ActionType{ActionMassRoleDelete, ActionRoleDelete}
	case EventWebhookCreate:
		return []ActionType{ActionWebhookCreate}
	case EventMessageBulkDelete:
		return []ActionType{ActionMassDelete}
	case EventMemberJoin:
		return []ActionType{ActionUserJoins}
	case EventMessage:
		if event.Mentions >= c.mentions {
			return []ActionType{ActionMessageSends, ActionMentionSpam}
		}
		return []ActionType{ActionMessageSends}
	default:
		return nil
	}
}

// respond runs the dispatcher (or the raid lockdown) and then the alert, once
// each and in that order. A failure in one does not stop the other. Raid
// lockdowns are skipped while security is disabled for the guild.
func (c *Classifier) respond(ctx context.Context, guildID, actorID string, action ActionType, incidentID string, sanction bool) {
	var outcome string
	switch {
	case !sanction:
		outcome = "already handled"
	case actorID == SystemRaidActor:
		outcome = c.raidLockdown(ctx, guildID)
	default:
		reason := fmt.Sprintf("Security: %s threshold exceeded (incident %s)", action, incidentID)
		result := c.monitor.ApplyAction(ctx, guildID, actorID, reason)
		outcome = result.String()
	}

	c.logger.Info("security response",
		zap.String("guild_id", guildID),
		zap.String("user_id", actorID),
		zap.String("incident_id", incidentID),
		zap.String("outcome", outcome))

	message := fmt.Sprintf("Threshold for %s exceeded. Response: %s", action, outcome)
	c.monitor.SendAlert(ctx, guildID, incidentID, message)
	c.audit.Log(ctx, audit.LevelCrit, guildID, actorID, "security_response", fmt.Sprintf("incident=%s %s", incidentID, outcome))
}

func (c *Classifier) raidLockdown(ctx context.Context, guildID string) string {
	if c.monitor.ServerConfig(ctx, guildID).SecurityDisabled {
		return "lockdown skipped: security disabled"
	}
	triggered := false
	if c.lockdown != nil {
		triggered = c.lockdown.TriggerLockdown(ctx, guildID)
	}
	return fmt.Sprintf("lockdown=%t", triggered)
}
