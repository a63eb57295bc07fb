package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
}

type GuildSettings struct {
	GuildID             string
	SecurityDisabled    bool
	Punishment          string
	QuarantineRoleID    string
	NotificationChannel string
	LockdownEnabled     bool
}

type AuditLog struct {
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

// New opens a SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open opens a database with one of the supported drivers.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres, "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// A second connection would see a different in-memory database.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) GetGuildSettings(ctx context.Context, guildID string, defaults GuildSettings) (GuildSettings, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT security_disabled, punishment, quarantine_role_id,
		notification_channel_id, lockdown_enabled
		FROM guild_security WHERE guild_id = ?`), guildID)

	result := defaults
	result.GuildID = guildID

	var disabled, lockdown int
	var punishment, quarantineRole, channel string
	err := row.Scan(&disabled, &punishment, &quarantineRole, &channel, &lockdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildSettings{}, err
	}
	result.SecurityDisabled = disabled == 1
	result.LockdownEnabled = lockdown == 1
	if punishment != "" {
		result.Punishment = punishment
	}
	if quarantineRole != "" {
		result.QuarantineRoleID = quarantineRole
	}
	if channel != "" {
		result.NotificationChannel = channel
	}
	return result, nil
}

func (s *Store) UpsertGuildSettings(ctx context.Context, settings GuildSettings) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO guild_security (
			guild_id, security_disabled, punishment, quarantine_role_id,
			notification_channel_id, lockdown_enabled
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			security_disabled = excluded.security_disabled,
			punishment = excluded.punishment,
			quarantine_role_id = excluded.quarantine_role_id,
			notification_channel_id = excluded.notification_channel_id,
			lockdown_enabled = excluded.lockdown_enabled
	`),
		settings.GuildID,
		boolToInt(settings.SecurityDisabled),
		settings.Punishment,
		settings.QuarantineRoleID,
		settings.NotificationChannel,
		boolToInt(settings.LockdownEnabled),
	)
	return err
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`), guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM audit_logs WHERE created_at < ?`), cutoff.Unix())
	return err
}

func (s *Store) AddWhitelistUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO whitelist_users (guild_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`), guildID, userID)
	return err
}

func (s *Store) RemoveWhitelistUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM whitelist_users WHERE guild_id = ? AND user_id = ?`), guildID, userID)
	return err
}

func (s *Store) ListWhitelistUsers(ctx context.Context, guildID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT user_id FROM whitelist_users WHERE guild_id = ? ORDER BY user_id`, guildID)
}

func (s *Store) AddWhitelistRole(ctx context.Context, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO whitelist_roles (guild_id, role_id) VALUES (?, ?) ON CONFLICT DO NOTHING`), guildID, roleID)
	return err
}

func (s *Store) RemoveWhitelistRole(ctx context.Context, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM whitelist_roles WHERE guild_id = ? AND role_id = ?`), guildID, roleID)
	return err
}

func (s *Store) ListWhitelistRoles(ctx context.Context, guildID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT role_id FROM whitelist_roles WHERE guild_id = ? ORDER BY role_id`, guildID)
}

func (s *Store) listIDs(ctx context.Context, query, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rebind rewrites ? placeholders into $n for the Postgres driver.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
