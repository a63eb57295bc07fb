package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sentinel-guard/internal/config"
	"sentinel-guard/internal/security"

	"github.com/bwmarrin/discordgo"
)

// discordDirectory answers guild questions and applies sanctions through the
// gateway state cache, falling back to REST when the cache misses.
type discordDirectory struct {
	session *discordgo.Session
	colors  config.EmbedColors
}

func newDiscordDirectory(session *discordgo.Session, colors config.EmbedColors) *discordDirectory {
	return &discordDirectory{session: session, colors: colors}
}

func (d *discordDirectory) guild(guildID string) (*discordgo.Guild, error) {
	guild, err := d.session.State.Guild(guildID)
	if err == nil && guild != nil {
		return guild, nil
	}
	return d.session.Guild(guildID)
}

func (d *discordDirectory) member(guildID, userID string) (*discordgo.Member, error) {
	member, err := d.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member, nil
	}
	member, err = d.session.GuildMember(guildID, userID)
	if err != nil {
		if isUnknownMember(err) {
			return nil, security.ErrMemberNotFound
		}
		return nil, err
	}
	return member, nil
}

func (d *discordDirectory) IsGuildOwner(_ context.Context, guildID, userID string) (bool, error) {
	guild, err := d.guild(guildID)
	if err != nil {
		return false, fmt.Errorf("guild %s: %w", guildID, err)
	}
	return guild.OwnerID == userID, nil
}

func (d *discordDirectory) HasWhitelistedRole(_ context.Context, guildID, userID string, roleIDs []string) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}
	member, err := d.member(guildID, userID)
	if errors.Is(err, security.ErrMemberNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hasAnyRole(member.Roles, roleIDs), nil
}

func (d *discordDirectory) Member(_ context.Context, guildID, userID string) (security.Member, error) {
	member, err := d.member(guildID, userID)
	if err != nil {
		return security.Member{}, err
	}
	guild, err := d.guild(guildID)
	if err != nil {
		return security.Member{}, fmt.Errorf("guild %s: %w", guildID, err)
	}
	self, err := d.member(guildID, d.session.State.User.ID)
	if err != nil {
		return security.Member{}, fmt.Errorf("bot member: %w", err)
	}
	return security.Member{
		UserID:     userID,
		Roles:      append([]string(nil), member.Roles...),
		Manageable: canManage(guild, self.Roles, userID, member.Roles),
	}, nil
}

func (d *discordDirectory) Ban(_ context.Context, guildID, userID, reason string) error {
	return d.session.GuildBanCreateWithReason(guildID, userID, reason, 0)
}

func (d *discordDirectory) Kick(_ context.Context, guildID, userID, reason string) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason)
}

func (d *discordDirectory) Timeout(_ context.Context, guildID, userID string, until time.Time, _ string) error {
	return d.session.GuildMemberTimeout(guildID, userID, &until)
}

func (d *discordDirectory) AddRole(_ context.Context, guildID, userID, roleID, _ string) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (d *discordDirectory) RemoveRole(_ context.Context, guildID, userID, roleID, _ string) error {
	return d.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (d *discordDirectory) SendAlert(_ context.Context, channelID string, alert security.Alert) error {
	channel, err := d.session.State.Channel(channelID)
	if err != nil || channel == nil {
		channel, err = d.session.Channel(channelID)
		if err != nil {
			return fmt.Errorf("resolve channel %s: %w", channelID, err)
		}
	}
	_, err = d.session.ChannelMessageSendEmbed(channel.ID, buildAlertEmbed(alert, d.colors.Alert))
	return err
}

func buildAlertEmbed(alert security.Alert, color int) *discordgo.MessageEmbed {
	description := alert.Message
	if description == "" {
		description = "Suspicious activity crossed a security threshold."
	}
	actor := "<@" + alert.UserID + ">"
	if alert.UserID == security.SystemRaidActor {
		actor = "server-wide (raid)"
	}
	return &discordgo.MessageEmbed{
		Title:       "Security incident",
		Description: description,
		Color:       color,
		Timestamp:   alert.Timestamp.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Type", Value: string(alert.Action), Inline: true},
			{Name: "Actor", Value: actor, Inline: true},
			{Name: "Actions", Value: fmt.Sprintf("%d", alert.Count), Inline: true},
			{Name: "Timestamp", Value: fmt.Sprintf("<t:%d:F>", alert.Timestamp.Unix()), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "Incident " + alert.IncidentID},
	}
}

// canManage reports whether the bot outranks the target. The owner is never
// manageable and ties go to the target.
func canManage(guild *discordgo.Guild, botRoles []string, targetID string, targetRoles []string) bool {
	if guild == nil || guild.OwnerID == targetID {
		return false
	}
	return highestPosition(guild.Roles, botRoles) > highestPosition(guild.Roles, targetRoles)
}

func highestPosition(roles []*discordgo.Role, memberRoles []string) int {
	highest := 0
	for _, role := range roles {
		if role == nil || !hasAnyRole(memberRoles, []string{role.ID}) {
			continue
		}
		if role.Position > highest {
			highest = role.Position
		}
	}
	return highest
}

func hasAnyRole(memberRoles, wanted []string) bool {
	set := make(map[string]struct{}, len(wanted))
	for _, id := range wanted {
		set[id] = struct{}{}
	}
	for _, id := range memberRoles {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func isUnknownMember(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil && (restErr.Message.Code == discordgo.ErrCodeUnknownMember || restErr.Message.Code == discordgo.ErrCodeUnknownUser) {
		return true
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
