package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sentinel-guard/internal/modules/audit"
	"sentinel-guard/internal/security"
	"sentinel-guard/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const commandName = "security"

func securityCommand() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmAllowed := false
	return &discordgo.ApplicationCommand{
		Name:                     commandName,
		Description:              "Configure server security",
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmAllowed,
		Options: []*discordgo.ApplicationCommandOption{
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "status", Description: "Show security status"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "enable", Description: "Enable security tracking"},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "disable", Description: "Disable security tracking"},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "punishment",
				Description: "Set the response to a confirmed incident",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "ban, kick, quarantine or timeout",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "ban", Value: string(security.PunishmentBan)},
							{Name: "kick", Value: string(security.PunishmentKick)},
							{Name: "quarantine", Value: string(security.PunishmentQuarantine)},
							{Name: "timeout", Value: string(security.PunishmentTimeout)},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "quarantine-role",
				Description: "Set the quarantine role",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Quarantine role", Required: true},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "logs",
				Description: "Set the notification channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Alert channel",
						Required:     true,
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "whitelist",
				Description: "Manage exempt users and roles",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "action",
						Description: "add, remove or list",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "add", Value: "add"},
							{Name: "remove", Value: "remove"},
							{Name: "list", Value: "list"},
						},
					},
					{Type: discordgo.ApplicationCommandOptionUser, Name: "user", Description: "User"},
					{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Role"},
				},
			},
			{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "incidents", Description: "List recent incidents"},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "report",
				Description: "Summarise security activity",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "period",
						Description: "day or week",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "day", Value: "day"},
							{Name: "week", Value: "week"},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "lockdown",
				Description: "Start or end a raid lockdown",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "value",
						Description: "on or off",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "on", Value: "on"},
							{Name: "off", Value: "off"},
						},
					},
				},
			},
		},
	}
}

func (b *Bot) registerCommands() error {
	appID := b.session.State.User.ID
	guildID := b.cfg.CommandsGuildID
	desired := securityCommand()

	existing, err := b.session.ApplicationCommands(appID, guildID)
	if err != nil {
		_, err = b.session.ApplicationCommandCreate(appID, guildID, desired)
		return err
	}

	registered := false
	for _, cmd := range existing {
		if cmd.Name != desired.Name {
			_ = b.session.ApplicationCommandDelete(appID, guildID, cmd.ID)
			continue
		}
		if _, err := b.session.ApplicationCommandEdit(appID, guildID, cmd.ID, desired); err != nil {
			return err
		}
		registered = true
	}
	if !registered {
		if _, err := b.session.ApplicationCommandCreate(appID, guildID, desired); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) onInteractionCreate(session *discordgo.Session, interaction *discordgo.InteractionCreate) {
	if interaction.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := interaction.ApplicationCommandData()
	if data.Name != commandName {
		return
	}
	if interaction.GuildID == "" {
		b.respondEmbed(session, interaction, b.errorEmbed("Security", "This command only works in a server."))
		return
	}
	if len(data.Options) == 0 {
		b.respondEmbed(session, interaction, b.errorEmbed("Security", "Missing subcommand."))
		return
	}

	ctx := context.Background()
	sub := data.Options[0]
	options := optionMap(sub.Options)
	guildID := interaction.GuildID
	settings := b.guildSettings(ctx, guildID)

	switch sub.Name {
	case "status":
		b.respondEmbed(session, interaction, b.statusEmbed(ctx, guildID))
	case "enable", "disable":
		settings.SecurityDisabled = sub.Name == "disable"
		b.updateSettings(ctx, session, interaction, settings, "Security "+sub.Name+"d", nil)
	case "punishment":
		mode := security.ParsePunishmentMode(options["mode"].StringValue())
		settings.Punishment = string(mode)
		b.updateSettings(ctx, session, interaction, settings, "Punishment updated", []*discordgo.MessageEmbedField{
			{Name: "Mode", Value: string(mode), Inline: true},
		})
	case "quarantine-role":
		role := options["role"].RoleValue(session, guildID)
		if role == nil {
			b.respondEmbed(session, interaction, b.errorEmbed("Quarantine role", "Role not found."))
			return
		}
		settings.QuarantineRoleID = role.ID
		b.updateSettings(ctx, session, interaction, settings, "Quarantine role updated", []*discordgo.MessageEmbedField{
			{Name: "Role", Value: "<@&" + role.ID + ">", Inline: true},
		})
	case "logs":
		channel := options["channel"].ChannelValue(session)
		if channel == nil {
			b.respondEmbed(session, interaction, b.errorEmbed("Logs", "Channel not found."))
			return
		}
		settings.NotificationChannel = channel.ID
		b.updateSettings(ctx, session, interaction, settings, "Notification channel updated", []*discordgo.MessageEmbedField{
			{Name: "Channel", Value: "<#" + channel.ID + ">", Inline: true},
		})
	case "whitelist":
		b.handleWhitelist(ctx, session, interaction, options)
	case "incidents":
		b.respondEmbed(session, interaction, b.incidentsEmbed(ctx, guildID))
	case "report":
		b.handleReport(ctx, session, interaction, options)
	case "lockdown":
		b.handleLockdown(ctx, session, interaction, options["value"].StringValue())
	default:
		b.respondEmbed(session, interaction, b.errorEmbed("Security", "Unknown subcommand."))
	}
}

func (b *Bot) updateSettings(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, settings storage.GuildSettings, title string, fields []*discordgo.MessageEmbedField) {
	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.logger.Warn("settings update failed", zap.String("guild_id", settings.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed(title, "Could not save the settings."))
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, settings.GuildID, invokerID(interaction), "security_config", strings.ToLower(title))
	b.respondEmbed(session, interaction, b.commandEmbed(title, "", fields))
}

func (b *Bot) statusEmbed(ctx context.Context, guildID string) *discordgo.MessageEmbed {
	settings := b.guildSettings(ctx, guildID)
	users, _ := b.store.ListWhitelistUsers(ctx, guildID)
	roles, _ := b.store.ListWhitelistRoles(ctx, guildID)
	state := b.playbook.IsLockdown(guildID)

	enabled := "enabled"
	if settings.SecurityDisabled {
		enabled = "disabled"
	}
	quarantine := "not set"
	if settings.QuarantineRoleID != "" {
		quarantine = "<@&" + settings.QuarantineRoleID + ">"
	}
	channel := "not set"
	if settings.NotificationChannel != "" {
		channel = "<#" + settings.NotificationChannel + ">"
	}
	active := 0
	for _, incident := range b.monitor.ActiveIncidents() {
		if incident.GuildID == guildID {
			active++
		}
	}

	return b.commandEmbed("Security status", "", []*discordgo.MessageEmbedField{
		{Name: "Tracking", Value: enabled, Inline: true},
		{Name: "Punishment", Value: string(security.ParsePunishmentMode(settings.Punishment)), Inline: true},
		{Name: "Quarantine role", Value: quarantine, Inline: true},
		{Name: "Notification channel", Value: channel, Inline: true},
		{Name: "Whitelist", Value: fmt.Sprintf("%d users, %d roles", len(users), len(roles)), Inline: true},
		{Name: "Active incidents", Value: fmt.Sprintf("%d", active), Inline: true},
		{Name: "Lockdown", Value: fmt.Sprintf("%t", state.Lockdown), Inline: true},
		{Name: "Strict", Value: fmt.Sprintf("%t", state.Strict), Inline: true},
	})
}

func (b *Bot) handleWhitelist(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	guildID := interaction.GuildID
	action := options["action"].StringValue()

	if action == "list" {
		users, _ := b.store.ListWhitelistUsers(ctx, guildID)
		roles, _ := b.store.ListWhitelistRoles(ctx, guildID)
		b.respondEmbed(session, interaction, b.commandEmbed("Whitelist", "", []*discordgo.MessageEmbedField{
			{Name: "Users", Value: mentionList(users, "<@", ">"), Inline: false},
			{Name: "Roles", Value: mentionList(roles, "<@&", ">"), Inline: false},
		}))
		return
	}

	var userID, roleID string
	if opt := options["user"]; opt != nil {
		if user := opt.UserValue(session); user != nil {
			userID = user.ID
		}
	}
	if opt := options["role"]; opt != nil {
		if role := opt.RoleValue(session, guildID); role != nil {
			roleID = role.ID
		}
	}
	if userID == "" && roleID == "" {
		b.respondEmbed(session, interaction, b.errorEmbed("Whitelist", "Pick a user or a role."))
		return
	}

	var err error
	var fields []*discordgo.MessageEmbedField
	if userID != "" {
		if action == "add" {
			err = b.store.AddWhitelistUser(ctx, guildID, userID)
		} else {
			err = b.store.RemoveWhitelistUser(ctx, guildID, userID)
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "User", Value: "<@" + userID + ">", Inline: true})
	}
	if roleID != "" && err == nil {
		if action == "add" {
			err = b.store.AddWhitelistRole(ctx, guildID, roleID)
		} else {
			err = b.store.RemoveWhitelistRole(ctx, guildID, roleID)
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Role", Value: "<@&" + roleID + ">", Inline: true})
	}
	if err != nil {
		b.logger.Warn("whitelist update failed", zap.String("guild_id", guildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Whitelist", "Could not update the whitelist."))
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, guildID, invokerID(interaction), "security_config", fmt.Sprintf("whitelist %s user=%s role=%s", action, userID, roleID))
	b.respondEmbed(session, interaction, b.commandEmbed("Whitelist updated", "", fields))
}

func (b *Bot) incidentsEmbed(ctx context.Context, guildID string) *discordgo.MessageEmbed {
	incidents, err := b.monitor.Incidents(ctx, guildID)
	if err != nil {
		b.logger.Warn("incident list failed", zap.String("guild_id", guildID), zap.Error(err))
		return b.errorEmbed("Incidents", "Could not load incidents.")
	}
	if len(incidents) == 0 {
		return b.commandEmbed("Incidents", "No incidents recorded.", nil)
	}
	return b.commandEmbed("Incidents", formatIncidents(incidents, 10), nil)
}

func (b *Bot) handleReport(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, options map[string]*discordgo.ApplicationCommandInteractionDataOption) {
	period := "day"
	if opt := options["period"]; opt != nil {
		period = opt.StringValue()
	}
	start := time.Now().Add(-24 * time.Hour)
	if period == "week" {
		start = time.Now().Add(-7 * 24 * time.Hour)
	}
	report, err := b.analytics.Report(ctx, interaction.GuildID, start)
	if err != nil {
		b.logger.Warn("report failed", zap.String("guild_id", interaction.GuildID), zap.Error(err))
		b.respondEmbed(session, interaction, b.errorEmbed("Report", "Could not build the report."))
		return
	}

	byAction := make([]string, 0, len(report.ByAction))
	for _, entry := range report.ByAction {
		byAction = append(byAction, fmt.Sprintf("%s: %d", entry.Action, entry.Count))
	}
	breakdown := "none"
	if len(byAction) > 0 {
		breakdown = strings.Join(byAction, "\n")
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Security report ("+period+")", "", []*discordgo.MessageEmbedField{
		{Name: "Incidents", Value: fmt.Sprintf("%d", report.Incidents), Inline: true},
		{Name: "Audit entries", Value: fmt.Sprintf("%d", report.Total), Inline: true},
		{Name: "Levels", Value: fmt.Sprintf("INFO %d | WARN %d | CRIT %d", report.ByLevel[audit.LevelInfo], report.ByLevel[audit.LevelWarn], report.ByLevel[audit.LevelCrit]), Inline: false},
		{Name: "By type", Value: breakdown, Inline: false},
	}))
}

func (b *Bot) handleLockdown(ctx context.Context, session *discordgo.Session, interaction *discordgo.InteractionCreate, value string) {
	var changed bool
	if value == "on" {
		changed = b.playbook.TriggerLockdown(ctx, interaction.GuildID)
	} else {
		changed = b.playbook.Release(ctx, interaction.GuildID)
	}
	description := "Lockdown " + value + "."
	if !changed {
		description = "Lockdown already " + value + "."
	}
	b.respondEmbed(session, interaction, b.commandEmbed("Lockdown", description, nil))
}

func formatIncidents(incidents []security.IncidentSummary, limit int) string {
	start := 0
	if len(incidents) > limit {
		start = len(incidents) - limit
	}
	lines := make([]string, 0, len(incidents)-start)
	for i := len(incidents) - 1; i >= start; i-- {
		incident := incidents[i]
		actor := "<@" + incident.UserID + ">"
		if incident.UserID == security.SystemRaidActor {
			actor = "raid"
		}
		lines = append(lines, fmt.Sprintf("<t:%d:R> %s %s x%d", incident.Timestamp.Unix(), incident.Action, actor, incident.Count))
	}
	return strings.Join(lines, "\n")
}

func mentionList(ids []string, prefix, suffix string) string {
	if len(ids) == 0 {
		return "none"
	}
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, prefix+id+suffix)
	}
	return strings.Join(lines, "\n")
}

func optionMap(options []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	values := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		values[opt.Name] = opt
	}
	return values
}

func invokerID(interaction *discordgo.InteractionCreate) string {
	if interaction.Member != nil && interaction.Member.User != nil {
		return interaction.Member.User.ID
	}
	if interaction.User != nil {
		return interaction.User.ID
	}
	return ""
}

func (b *Bot) commandEmbed(title, description string, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       b.cfg.Notifications.EmbedColors.Action,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields:      fields,
	}
}

func (b *Bot) errorEmbed(title, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       b.cfg.Notifications.EmbedColors.Error,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) respondEmbed(session *discordgo.Session, interaction *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := session.InteractionRespond(interaction.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		b.logger.Warn("interaction response failed", zap.Error(err))
	}
}
