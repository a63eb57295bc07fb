package bot

import (
	"context"
	"fmt"

	"sentinel-guard/internal/security"
	"sentinel-guard/internal/storage"
)

// configStore exposes the storage tables as the security view of a server.
type configStore struct {
	store    *storage.Store
	defaults storage.GuildSettings
}

func newConfigStore(store *storage.Store, defaults storage.GuildSettings) *configStore {
	return &configStore{store: store, defaults: defaults}
}

func (c *configStore) Settings(ctx context.Context, guildID string) (storage.GuildSettings, error) {
	return c.store.GetGuildSettings(ctx, guildID, c.defaults)
}

func (c *configStore) ServerConfig(ctx context.Context, guildID string) (security.ServerConfig, error) {
	settings, err := c.Settings(ctx, guildID)
	if err != nil {
		return security.ServerConfig{}, fmt.Errorf("guild settings: %w", err)
	}
	users, err := c.store.ListWhitelistUsers(ctx, guildID)
	if err != nil {
		return security.ServerConfig{}, fmt.Errorf("whitelist users: %w", err)
	}
	roles, err := c.store.ListWhitelistRoles(ctx, guildID)
	if err != nil {
		return security.ServerConfig{}, fmt.Errorf("whitelist roles: %w", err)
	}
	records, err := c.store.ListIncidents(ctx, guildID)
	if err != nil {
		return security.ServerConfig{}, fmt.Errorf("incidents: %w", err)
	}

	incidents := make([]security.IncidentSummary, 0, len(records))
	for _, record := range records {
		incidents = append(incidents, security.IncidentSummary{
			IncidentID: record.IncidentID,
			UserID:     record.UserID,
			Action:     security.ActionType(record.Action),
			Timestamp:  record.CreatedAt,
			Count:      record.Count,
		})
	}
	return security.ServerConfig{
		SecurityDisabled:      settings.SecurityDisabled,
		WhitelistedUsers:      users,
		WhitelistedRoles:      roles,
		Punishment:            settings.Punishment,
		QuarantineRoleID:      settings.QuarantineRoleID,
		NotificationChannelID: settings.NotificationChannel,
		Incidents:             incidents,
	}, nil
}

func (c *configStore) SetIncidents(ctx context.Context, guildID string, incidents []security.IncidentSummary) error {
	records := make([]storage.IncidentRecord, 0, len(incidents))
	for _, incident := range incidents {
		records = append(records, storage.IncidentRecord{
			IncidentID: incident.IncidentID,
			UserID:     incident.UserID,
			Action:     string(incident.Action),
			Count:      incident.Count,
			CreatedAt:  incident.Timestamp,
		})
	}
	return c.store.ReplaceIncidents(ctx, guildID, records)
}
