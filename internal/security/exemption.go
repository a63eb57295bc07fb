package security

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolver decides whether an action escapes tracking entirely.
type Resolver struct {
	directory GuildDirectory
	logger    *zap.Logger
}

func NewResolver(directory GuildDirectory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{directory: directory, logger: logger}
}

// Exempt applies the exemption rules in order; the first match wins. When the
// caller-supplied facts do not exempt the actor and a directory is available,
// ownership and whitelisted roles are looked up live so the decision reflects
// the guild as it is now.
func (r *Resolver) Exempt(ctx context.Context, guildID, actorID string, exemption ExemptionContext, cfg ServerConfig) bool {
	if actorID == SystemRaidActor {
		return false
	}
	if cfg.SecurityDisabled {
		return true
	}
	if exemption.IsServerOwner || exemption.HasWhitelistedRole {
		return true
	}
	if exemption.OwnerID != "" && exemption.OwnerID == actorID {
		return true
	}
	if cfg.userWhitelisted(actorID) {
		return true
	}
	if r.directory == nil {
		return false
	}
	return r.lookup(ctx, guildID, actorID, cfg.WhitelistedRoles)
}

func (r *Resolver) lookup(ctx context.Context, guildID, actorID string, roleIDs []string) bool {
	var owner, roled bool
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		value, err := r.directory.IsGuildOwner(groupCtx, guildID, actorID)
		owner = value
		return err
	})
	if len(roleIDs) > 0 {
		group.Go(func() error {
			value, err := r.directory.HasWhitelistedRole(groupCtx, guildID, actorID, roleIDs)
			roled = value
			return err
		})
	}
	if err := group.Wait(); err != nil {
		r.logger.Warn("exemption lookup failed",
			zap.String("guild_id", guildID),
			zap.String("user_id", actorID),
			zap.Error(err))
	}
	return owner || roled
}
