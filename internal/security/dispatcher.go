package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentinel-guard/internal/modules/audit"

	"go.uber.org/zap"
)

const TimeoutDuration = time.Hour

// Dispatcher applies the configured punishment to the actor behind an
// incident. It repeats the owner and whitelist checks independently of the
// detection path.
type Dispatcher struct {
	store     ConfigStore
	directory GuildDirectory
	members   MemberManager
	clock     Clock
	logger    *zap.Logger
	audit     Auditor
}

func NewDispatcher(store ConfigStore, directory GuildDirectory, members MemberManager, clock Clock, logger *zap.Logger, auditor Auditor) *Dispatcher {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Dispatcher{store: store, directory: directory, members: members, clock: clock, logger: logger, audit: auditor}
}

// Apply never returns an error; every failure is folded into the result.
func (d *Dispatcher) Apply(ctx context.Context, guildID, actorID, reason string) ActionResult {
	result := d.apply(ctx, guildID, actorID, reason)

	level := audit.LevelInfo
	if result.Success {
		level = audit.LevelWarn
	}
	if result.Error != "" {
		level = audit.LevelWarn
		d.logger.Warn("security action failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", actorID),
			zap.String("action", result.Action),
			zap.String("error", result.Error))
	}
	d.audit.Log(ctx, level, guildID, actorID, "security_action", result.String())
	return result
}

func (d *Dispatcher) apply(ctx context.Context, guildID, actorID, reason string) ActionResult {
	if d.directory != nil {
		owner, err := d.directory.IsGuildOwner(ctx, guildID, actorID)
		if err != nil {
			return ActionResult{Action: ResultNone, Error: fmt.Sprintf("owner lookup: %v", err)}
		}
		if owner {
			return ActionResult{Action: ResultNone, Reason: "owner"}
		}
	}

	var cfg ServerConfig
	if d.store != nil {
		loaded, err := d.store.ServerConfig(ctx, guildID)
		if err != nil {
			return ActionResult{Action: ResultNone, Error: fmt.Sprintf("load server config: %v", err)}
		}
		cfg = loaded
	}
	if cfg.userWhitelisted(actorID) {
		return ActionResult{Action: ResultNone, Reason: "whitelisted"}
	}

	if d.members == nil {
		return ActionResult{Action: ResultLogOnly, Reason: "no member manager"}
	}
	member, err := d.members.Member(ctx, guildID, actorID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return ActionResult{Action: ResultNone, Reason: "member not found"}
		}
		return ActionResult{Action: ResultNone, Reason: "member not found", Error: err.Error()}
	}
	if !member.Manageable {
		return ActionResult{Action: ResultNone, Reason: "insufficient permissions"}
	}

	switch ParsePunishmentMode(cfg.Punishment) {
	case PunishmentBan:
		if err := d.members.Ban(ctx, guildID, actorID, reason); err != nil {
			return ActionResult{Action: ResultBan, Error: err.Error()}
		}
		return ActionResult{Success: true, Action: ResultBan}
	case PunishmentKick:
		if err := d.members.Kick(ctx, guildID, actorID, reason); err != nil {
			return ActionResult{Action: ResultKick, Error: err.Error()}
		}
		return ActionResult{Success: true, Action: ResultKick}
	case PunishmentQuarantine:
		if cfg.QuarantineRoleID == "" {
			return d.timeout(ctx, guildID, actorID, reason)
		}
		return d.quarantine(ctx, guildID, actorID, member.Roles, cfg.QuarantineRoleID, reason)
	case PunishmentTimeout:
		return d.timeout(ctx, guildID, actorID, reason)
	default:
		return ActionResult{Action: ResultLogOnly}
	}
}

func (d *Dispatcher) timeout(ctx context.Context, guildID, actorID, reason string) ActionResult {
	until := d.clock.Now().Add(TimeoutDuration)
	if err := d.members.Timeout(ctx, guildID, actorID, until, reason); err != nil {
		return ActionResult{Action: ResultTimeout, Error: err.Error()}
	}
	return ActionResult{Success: true, Action: ResultTimeout}
}

// quarantine strips every role except @everyone, whose id equals the guild id,
// then adds the quarantine role.
func (d *Dispatcher) quarantine(ctx context.Context, guildID, actorID string, roles []string, roleID, reason string) ActionResult {
	for _, held := range roles {
		if held == guildID || held == roleID {
			continue
		}
		if err := d.members.RemoveRole(ctx, guildID, actorID, held, reason); err != nil {
			return ActionResult{Action: ResultQuarantine, Error: fmt.Sprintf("remove role %s: %v", held, err)}
		}
	}
	if err := d.members.AddRole(ctx, guildID, actorID, roleID, reason); err != nil {
		return ActionResult{Action: ResultQuarantine, Error: fmt.Sprintf("add quarantine role: %v", err)}
	}
	return ActionResult{Success: true, Action: ResultQuarantine}
}
