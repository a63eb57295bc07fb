package bot

import (
	"context"
	"time"

	"sentinel-guard/internal/security"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot || msg.GuildID == "" {
		return
	}
	b.dispatch(security.Event{
		Kind:       security.EventMessage,
		GuildID:    msg.GuildID,
		ExecutorID: msg.Author.ID,
		TargetID:   msg.ChannelID,
		Mentions:   mentionCount(msg.Message),
	})
}

func (b *Bot) onMessageDeleteBulk(session *discordgo.Session, event *discordgo.MessageDeleteBulk) {
	if event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMessageBulkDelete, event.ChannelID)
	b.dispatch(security.Event{
		Kind:       security.EventMessageBulkDelete,
		GuildID:    event.GuildID,
		ExecutorID: actorID,
		TargetID:   event.ChannelID,
	})
}

func (b *Bot) onGuildMemberAdd(session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	if event.Member == nil || event.GuildID == "" {
		return
	}
	userID := ""
	if event.User != nil {
		userID = event.User.ID
	}
	b.dispatch(security.Event{
		Kind:       security.EventMemberJoin,
		GuildID:    event.GuildID,
		ExecutorID: userID,
		TargetID:   userID,
	})
}

// onGuildMemberRemove only counts removals explained by a kick entry in the
// guild audit log. Members leaving on their own have none.
func (b *Bot) onGuildMemberRemove(session *discordgo.Session, event *discordgo.GuildMemberRemove) {
	if event.Member == nil || event.User == nil || event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberKick, event.User.ID)
	if actorID == "" {
		return
	}
	b.dispatch(security.Event{
		Kind:       security.EventMemberKick,
		GuildID:    event.GuildID,
		ExecutorID: actorID,
		TargetID:   event.User.ID,
	})
}

func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionMemberBanAdd, event.User.ID)
	b.dispatch(security.Event{
		Kind:       security.EventBanAdd,
		GuildID:    event.GuildID,
		ExecutorID: actorID,
		TargetID:   event.User.ID,
	})
}

func (b *Bot) onChannelCreate(session *discordgo.Session, event *discordgo.ChannelCreate) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.Channel.GuildID, discordgo.AuditLogActionChannelCreate, event.Channel.ID)
	b.dispatch(security.Event{
		Kind:       security.EventChannelCreate,
		GuildID:    event.Channel.GuildID,
		ExecutorID: actorID,
		TargetID:   event.Channel.ID,
	})
}

func (b *Bot) onChannelDelete(session *discordgo.Session, event *discordgo.ChannelDelete) {
	if event.Channel == nil || event.Channel.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.Channel.GuildID, discordgo.AuditLogActionChannelDelete, event.Channel.ID)
	b.dispatch(security.Event{
		Kind:       security.EventChannelDelete,
		GuildID:    event.Channel.GuildID,
		ExecutorID: actorID,
		TargetID:   event.Channel.ID,
	})
}

func (b *Bot) onRoleDelete(session *discordgo.Session, event *discordgo.GuildRoleDelete) {
	if event.GuildID == "" || event.RoleID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionRoleDelete, event.RoleID)
	b.dispatch(security.Event{
		Kind:       security.EventRoleDelete,
		GuildID:    event.GuildID,
		ExecutorID: actorID,
		TargetID:   event.RoleID,
	})
}

// onWebhooksUpdate fires for any webhook change in a channel. Only fresh
// creation entries count, and each entry only once.
func (b *Bot) onWebhooksUpdate(session *discordgo.Session, event *discordgo.WebhooksUpdate) {
	if event.GuildID == "" {
		return
	}
	actorID := b.resolveAuditActor(event.GuildID, discordgo.AuditLogActionWebhookCreate, "")
	if actorID == "" {
		return
	}
	b.dispatch(security.Event{
		Kind:       security.EventWebhookCreate,
		GuildID:    event.GuildID,
		ExecutorID: actorID,
		TargetID:   event.ChannelID,
	})
}

func (b *Bot) dispatch(event security.Event) {
	if guild, err := b.session.State.Guild(event.GuildID); err == nil && guild != nil {
		event.OwnerID = guild.OwnerID
	}
	ctx := context.Background()
	if incidents := b.classifier.Handle(ctx, event); len(incidents) > 0 {
		b.logger.Debug("event opened incidents",
			zap.String("guild_id", event.GuildID),
			zap.String("event", event.Kind.String()),
			zap.Strings("incidents", incidents))
	}
}

// resolveAuditActor returns who performed the most recent matching guild
// audit log entry. Entries older than auditLookbackWindow or already used for
// a previous event are skipped.
func (b *Bot) resolveAuditActor(guildID string, actionType discordgo.AuditLogAction, targetID string) string {
	limit := b.cfg.AuditLookupLimit
	if limit <= 0 {
		limit = 5
	}
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), limit)
	if err != nil || logs == nil {
		if err != nil {
			b.logger.Debug("audit log lookup failed", zap.String("guild_id", guildID), zap.Error(err))
		}
		return ""
	}
	entry := matchAuditEntry(logs.AuditLogEntries, targetID, time.Now(), b.seenAudit.Contains)
	if entry == nil {
		return ""
	}
	b.seenAudit.Add(entry.ID, struct{}{})
	return entry.UserID
}

func matchAuditEntry(entries []*discordgo.AuditLogEntry, targetID string, now time.Time, seen func(string) bool) *discordgo.AuditLogEntry {
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && now.Sub(ts) > auditLookbackWindow {
			continue
		}
		if seen != nil && seen(entry.ID) {
			continue
		}
		return entry
	}
	return nil
}

// mentionCount counts user and role mentions; @everyone counts as one.
func mentionCount(msg *discordgo.Message) int {
	if msg == nil {
		return 0
	}
	count := len(msg.Mentions) + len(msg.MentionRoles)
	if msg.MentionEveryone {
		count++
	}
	return count
}
