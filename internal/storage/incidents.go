package storage

import (
	"context"
	"time"
)

// IncidentRecord is one entry of a guild's persisted incident history.
type IncidentRecord struct {
	IncidentID string
	UserID     string
	Action     string
	Count      int
	CreatedAt  time.Time
}

// ListIncidents returns the incident history of a guild, oldest first.
func (s *Store) ListIncidents(ctx context.Context, guildID string) ([]IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT incident_id, user_id, action, action_count, created_at
		FROM security_incidents
		WHERE guild_id = ?
		ORDER BY position
	`), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IncidentRecord
	for rows.Next() {
		var record IncidentRecord
		var created int64
		if err := rows.Scan(&record.IncidentID, &record.UserID, &record.Action, &record.Count, &created); err != nil {
			return nil, err
		}
		record.CreatedAt = time.UnixMilli(created)
		records = append(records, record)
	}
	return records, rows.Err()
}

// ReplaceIncidents overwrites the incident history of a guild in one
// transaction.
func (s *Store) ReplaceIncidents(ctx context.Context, guildID string, records []IncidentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM security_incidents WHERE guild_id = ?`), guildID); err != nil {
		return err
	}
	for position, record := range records {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO security_incidents (guild_id, position, incident_id, user_id, action, action_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), guildID, position, record.IncidentID, record.UserID, record.Action, record.Count, record.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}
