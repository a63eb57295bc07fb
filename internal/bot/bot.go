package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentinel-guard/internal/analytics"
	"sentinel-guard/internal/config"
	"sentinel-guard/internal/modules/audit"
	"sentinel-guard/internal/playbook"
	"sentinel-guard/internal/security"
	"sentinel-guard/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// auditLookbackWindow bounds how old a guild audit log entry may be to
// explain a gateway event.
const auditLookbackWindow = 30 * time.Second

type Bot struct {
	cfg        config.Config
	logger     *zap.Logger
	store      *storage.Store
	settings   *configStore
	directory  *discordDirectory
	monitor    *security.Monitor
	classifier *security.Classifier
	playbook   *playbook.Engine
	audit      *audit.Logger
	analytics  *analytics.Service
	session    *discordgo.Session
	seenAudit  *expirable.LRU[string, struct{}]
	auditAgg   map[string]*auditAggregate
	auditAggMu sync.Mutex
	lockdownMu sync.Mutex
	lockdowns  map[string]*lockdownSnapshot
	stop       chan struct{}
	stopOnce   sync.Once
}

type auditAggregate struct {
	channelID string
	messageID string
	count     int
	lastAt    time.Time
}

type lockdownSnapshot struct {
	channels map[string]channelSnapshot
}

type channelSnapshot struct {
	slowmode int
	allow    int64
	deny     int64
	hasPerm  bool
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, playbookEngine *playbook.Engine, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildWebhooks

	opts, err := cfg.MonitorOptions()
	if err != nil {
		return nil, fmt.Errorf("monitor options: %w", err)
	}

	// Typed nil pointers must not leak into the interfaces below.
	var auditor security.Auditor
	if auditLogger != nil {
		auditor = auditLogger
	}
	var lockdown security.Lockdown
	if playbookEngine != nil {
		lockdown = playbookEngine
	}

	settings := newConfigStore(store, storage.GuildSettings{Punishment: cfg.Security.DefaultPunishment})
	directory := newDiscordDirectory(session, cfg.Notifications.EmbedColors)
	monitor := security.NewMonitor(opts, security.Dependencies{
		Store:     settings,
		Directory: directory,
		Members:   directory,
		Alerts:    directory,
		Audit:     auditor,
		Logger:    logger.Named("security"),
	})

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		settings:  settings,
		directory: directory,
		monitor:   monitor,
		playbook:  playbookEngine,
		audit:     auditLogger,
		analytics: analyticsService,
		session:   session,
		seenAudit: expirable.NewLRU[string, struct{}](4096, nil, 2*auditLookbackWindow),
		auditAgg:  make(map[string]*auditAggregate),
		lockdowns: make(map[string]*lockdownSnapshot),
		stop:      make(chan struct{}),
	}
	b.classifier = security.NewClassifier(security.ClassifierConfig{MentionLimit: cfg.Security.MentionLimit}, monitor, lockdown, auditor, logger.Named("classifier"))

	if playbookEngine != nil {
		playbookEngine.SetHooks(playbook.Hooks{Enter: b.applyLockdown, Exit: b.restoreLockdown})
	}
	if auditLogger != nil {
		auditLogger.SetNotifier(func(ctx context.Context, entry storage.AuditLog) {
			if !b.cfg.Notifications.AuditToChannel || !forwardedAuditEvent(entry.Event) {
				return
			}
			b.notifyAudit(ctx, entry)
		})
	}

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onMessageDeleteBulk)
	b.session.AddHandler(b.onGuildMemberAdd)
	b.session.AddHandler(b.onGuildMemberRemove)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onChannelCreate)
	b.session.AddHandler(b.onChannelDelete)
	b.session.AddHandler(b.onRoleDelete)
	b.session.AddHandler(b.onWebhooksUpdate)
	b.session.AddHandler(b.onInteractionCreate)

	if err := b.session.Open(); err != nil {
		return err
	}

	if err := b.registerCommands(); err != nil {
		return err
	}

	b.startRetention()

	return nil
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	b.stopOnce.Do(func() { close(b.stop) })
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	if event.User != nil {
		b.classifier.SetBotID(event.User.ID)
	}
	b.logger.Info("discord ready", zap.String("user", session.State.User.Username), zap.Int("guilds", len(event.Guilds)))
}

func (b *Bot) startRetention() {
	days := b.cfg.RetentionDays
	if days <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			if err := b.store.CleanupAuditLogs(context.Background(), days); err != nil {
				b.logger.Warn("audit cleanup failed", zap.Error(err))
			}
			select {
			case <-b.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// ActiveIncidents reports how many incidents are still held in memory.
func (b *Bot) ActiveIncidents() int {
	return len(b.monitor.ActiveIncidents())
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	settings, err := b.settings.Settings(ctx, guildID)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.String("guild_id", guildID), zap.Error(err))
		fallback := b.settings.defaults
		fallback.GuildID = guildID
		return fallback
	}
	return settings
}

// applyLockdown denies @everyone send permission and applies slowmode on
// every text channel, remembering the previous state for restoreLockdown.
func (b *Bot) applyLockdown(ctx context.Context, guildID string) {
	b.lockdownMu.Lock()
	if _, exists := b.lockdowns[guildID]; exists {
		b.lockdownMu.Unlock()
		return
	}
	b.lockdownMu.Unlock()

	channels, err := b.session.GuildChannels(guildID)
	if err != nil {
		b.logger.Warn("lockdown channels unavailable", zap.String("guild_id", guildID), zap.Error(err))
		return
	}

	snapshot := &lockdownSnapshot{channels: make(map[string]channelSnapshot)}
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		snap := channelSnapshot{slowmode: channel.RateLimitPerUser}
		for _, overwrite := range channel.PermissionOverwrites {
			if overwrite.Type == discordgo.PermissionOverwriteTypeRole && overwrite.ID == guildID {
				snap.allow = overwrite.Allow
				snap.deny = overwrite.Deny
				snap.hasPerm = true
				break
			}
		}
		snapshot.channels[channel.ID] = snap

		if b.cfg.Lockdown.DenySend {
			deny := snap.deny | discordgo.PermissionSendMessages
			if err := b.session.ChannelPermissionSet(channel.ID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, deny); err != nil {
				b.lockdownChannelError("lockdown deny send failed", guildID, channel.ID, err)
			}
		}
		if b.cfg.Lockdown.Slowmode > 0 && channel.RateLimitPerUser != b.cfg.Lockdown.Slowmode {
			slowmode := b.cfg.Lockdown.Slowmode
			if _, err := b.session.ChannelEditComplex(channel.ID, &discordgo.ChannelEdit{RateLimitPerUser: &slowmode}); err != nil {
				b.lockdownChannelError("lockdown slowmode failed", guildID, channel.ID, err)
			}
		}
	}

	b.lockdownMu.Lock()
	b.lockdowns[guildID] = snapshot
	b.lockdownMu.Unlock()

	settings := b.guildSettings(ctx, guildID)
	settings.LockdownEnabled = true
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.logger.Warn("lockdown flag not persisted", zap.String("guild_id", guildID), zap.Error(err))
	}
}

func (b *Bot) restoreLockdown(ctx context.Context, guildID string) {
	b.lockdownMu.Lock()
	snapshot := b.lockdowns[guildID]
	delete(b.lockdowns, guildID)
	b.lockdownMu.Unlock()

	if snapshot != nil {
		for channelID, snap := range snapshot.channels {
			var err error
			if snap.hasPerm {
				err = b.session.ChannelPermissionSet(channelID, guildID, discordgo.PermissionOverwriteTypeRole, snap.allow, snap.deny)
			} else {
				err = b.session.ChannelPermissionDelete(channelID, guildID)
			}
			if err != nil {
				b.lockdownChannelError("lockdown permission restore failed", guildID, channelID, err)
			}
			slowmode := snap.slowmode
			if _, err := b.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{RateLimitPerUser: &slowmode}); err != nil {
				b.lockdownChannelError("lockdown slowmode restore failed", guildID, channelID, err)
			}
		}
	}

	settings := b.guildSettings(ctx, guildID)
	if settings.LockdownEnabled {
		settings.LockdownEnabled = false
		if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
			b.logger.Warn("lockdown flag not cleared", zap.String("guild_id", guildID), zap.Error(err))
		}
	}
}

func (b *Bot) lockdownChannelError(msg, guildID, channelID string, err error) {
	b.logger.Warn(msg,
		zap.String("guild_id", guildID),
		zap.String("channel_id", channelID),
		zap.Error(err))
}

// forwardedAuditEvent lists the audit events mirrored to the notification
// channel. Incidents already produce an alert of their own.
func forwardedAuditEvent(event string) bool {
	switch event {
	case "raid_lockdown", "security_config":
		return true
	default:
		return false
	}
}

// notifyAudit mirrors an audit entry to the notification channel, editing the
// previous message when the same entry repeats within ten minutes.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	channelID := b.guildSettings(ctx, entry.GuildID).NotificationChannel
	if channelID == "" {
		return
	}

	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event + "|" + entry.Details + "|" + entry.UserID
	window := 10 * time.Minute

	b.auditAggMu.Lock()
	agg := b.auditAgg[key]
	if agg != nil && agg.channelID == channelID && time.Since(agg.lastAt) <= window {
		agg.count++
		agg.lastAt = time.Now()
		count := agg.count
		messageID := agg.messageID
		b.auditAggMu.Unlock()
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, b.buildAuditEmbed(entry, count)); err == nil {
			return
		}
		b.auditAggMu.Lock()
		delete(b.auditAgg, key)
	}
	b.auditAggMu.Unlock()

	msg, err := b.session.ChannelMessageSendEmbed(channelID, b.buildAuditEmbed(entry, 1))
	if err != nil || msg == nil {
		return
	}
	b.auditAggMu.Lock()
	b.auditAgg[key] = &auditAggregate{channelID: channelID, messageID: msg.ID, count: 1, lastAt: time.Now()}
	b.auditAggMu.Unlock()
}

func (b *Bot) buildAuditEmbed(entry storage.AuditLog, count int) *discordgo.MessageEmbed {
	userValue := "system"
	if entry.UserID != "" {
		userValue = "<@" + entry.UserID + ">"
	}
	details := entry.Details
	if details == "" {
		details = "-"
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Event", Value: entry.Event, Inline: true},
		{Name: "Level", Value: entry.Level, Inline: true},
		{Name: "User", Value: userValue, Inline: true},
	}
	if count > 1 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Count", Value: fmt.Sprintf("%d", count), Inline: true})
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Details", Value: details, Inline: false})

	color := b.cfg.Notifications.EmbedColors.Action
	if entry.Level == audit.LevelCrit {
		color = b.cfg.Notifications.EmbedColors.Alert
	}
	return &discordgo.MessageEmbed{
		Title:     "Security audit",
		Color:     color,
		Timestamp: entry.CreatedAt.Format(time.RFC3339),
		Fields:    fields,
	}
}
