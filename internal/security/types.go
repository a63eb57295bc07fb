package security

import (
	"fmt"
	"time"
)

// SystemRaidActor is the actor id used for server-wide events that have no
// single human actor, such as the aggregate join rate.
const SystemRaidActor = "system_raid"

// ActionType names a tracked action.
type ActionType string

const (
	ActionMassDelete     ActionType = "massDelete"
	ActionMassBan        ActionType = "massBan"
	ActionMassKick       ActionType = "massKick"
	ActionMassRoleDelete ActionType = "massRoleDelete"
	ActionUserJoins      ActionType = "userJoins"
	ActionMessageSends   ActionType = "messageSends"
	ActionMentionSpam    ActionType = "mentionSpam"
	ActionBan            ActionType = "ban"
	ActionChannelDelete  ActionType = "channelDelete"
	ActionRoleDelete     ActionType = "roleDelete"
	ActionWebhookCreate  ActionType = "webhookCreate"
	// ActionChannelCreate is tracked but has no threshold.
	ActionChannelCreate ActionType = "channelCreate"
)

var actionTypes = []ActionType{
	ActionMassDelete,
	ActionMassBan,
	ActionMassKick,
	ActionMassRoleDelete,
	ActionUserJoins,
	ActionMessageSends,
	ActionMentionSpam,
	ActionBan,
	ActionChannelDelete,
	ActionRoleDelete,
	ActionWebhookCreate,
	ActionChannelCreate,
}

// ActionTypes returns every known action type.
func ActionTypes() []ActionType {
	return append([]ActionType(nil), actionTypes...)
}

func ParseActionType(value string) (ActionType, error) {
	for _, action := range actionTypes {
		if string(action) == value {
			return action, nil
		}
	}
	return "", fmt.Errorf("unknown action type %q", value)
}

// PunishmentMode is the configured response to a confirmed incident.
type PunishmentMode string

const (
	PunishmentBan        PunishmentMode = "ban"
	PunishmentKick       PunishmentMode = "kick"
	PunishmentQuarantine PunishmentMode = "quarantine"
	PunishmentTimeout    PunishmentMode = "timeout"
	PunishmentLogOnly    PunishmentMode = "log_only"
)

// DefaultPunishment applies when a server never configured a mode.
const DefaultPunishment = PunishmentQuarantine

// ParsePunishmentMode maps a stored value to a mode. An empty value means the
// server never chose one and yields DefaultPunishment; anything unrecognised
// yields PunishmentLogOnly.
func ParsePunishmentMode(value string) PunishmentMode {
	switch PunishmentMode(value) {
	case "":
		return DefaultPunishment
	case PunishmentBan, PunishmentKick, PunishmentQuarantine, PunishmentTimeout:
		return PunishmentMode(value)
	default:
		return PunishmentLogOnly
	}
}

// ActionMetadata carries audit-only fields. It never influences exemption.
type ActionMetadata map[string]any

// ActionRecord is one tracked action inside a bucket.
type ActionRecord struct {
	Timestamp time.Time
	Metadata  ActionMetadata
}

// ExemptionContext carries exemption facts known by the caller.
type ExemptionContext struct {
	IsServerOwner      bool
	HasWhitelistedRole bool
	OwnerID            string
}

type Incident struct {
	ID        string
	GuildID   string
	UserID    string
	Action    ActionType
	Actions   []ActionRecord
	Timestamp time.Time
	Resolved  bool
}

// IncidentSummary is the persisted form of an incident.
type IncidentSummary struct {
	IncidentID string
	UserID     string
	Action     ActionType
	Timestamp  time.Time
	Count      int
}

func (i Incident) Summary() IncidentSummary {
	return IncidentSummary{
		IncidentID: i.ID,
		UserID:     i.UserID,
		Action:     i.Action,
		Timestamp:  i.Timestamp,
		Count:      len(i.Actions),
	}
}

// Result action names.
const (
	ResultBan        = "ban"
	ResultKick       = "kick"
	ResultQuarantine = "quarantine"
	ResultTimeout    = "timeout"
	ResultNone       = "none"
	ResultLogOnly    = "log_only"
)

// ActionResult describes one dispatcher invocation.
type ActionResult struct {
	Success bool
	Action  string
	Reason  string
	Error   string
}

func (r ActionResult) String() string {
	switch {
	case r.Error != "":
		return fmt.Sprintf("action=%s success=%t error=%s", r.Action, r.Success, r.Error)
	case r.Reason != "":
		return fmt.Sprintf("action=%s success=%t reason=%s", r.Action, r.Success, r.Reason)
	default:
		return fmt.Sprintf("action=%s success=%t", r.Action, r.Success)
	}
}

// ServerConfig is the security view of a server's configuration.
type ServerConfig struct {
	SecurityDisabled      bool
	WhitelistedUsers      []string
	WhitelistedRoles      []string
	Punishment            string
	QuarantineRoleID      string
	NotificationChannelID string
	Incidents             []IncidentSummary
}

func (c ServerConfig) userWhitelisted(userID string) bool {
	for _, id := range c.WhitelistedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
