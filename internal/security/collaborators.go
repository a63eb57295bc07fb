package security

import (
	"context"
	"errors"
	"time"
)

var ErrMemberNotFound = errors.New("member not found")

// ConfigStore reads server configuration and overwrites the persisted
// incident list. It never deletes other configuration keys.
type ConfigStore interface {
	ServerConfig(ctx context.Context, guildID string) (ServerConfig, error)
	SetIncidents(ctx context.Context, guildID string, incidents []IncidentSummary) error
}

// GuildDirectory answers ownership and role questions against the platform.
type GuildDirectory interface {
	IsGuildOwner(ctx context.Context, guildID, userID string) (bool, error)
	HasWhitelistedRole(ctx context.Context, guildID, userID string, roleIDs []string) (bool, error)
}

type Member struct {
	UserID     string
	Roles      []string
	Manageable bool
}

// MemberManager applies sanctions. Member returns ErrMemberNotFound when the
// user is no longer in the guild.
type MemberManager interface {
	Member(ctx context.Context, guildID, userID string) (Member, error)
	Ban(ctx context.Context, guildID, userID, reason string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
	Timeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
}

type Alert struct {
	IncidentID string
	GuildID    string
	UserID     string
	Action     ActionType
	Timestamp  time.Time
	Count      int
	Message    string
}

type AlertSink interface {
	SendAlert(ctx context.Context, channelID string, alert Alert) error
}

// Auditor records security events in the audit trail.
type Auditor interface {
	Log(ctx context.Context, level, guildID, userID, event, details string)
}

type nopAuditor struct{}

func (nopAuditor) Log(context.Context, string, string, string, string, string) {}
