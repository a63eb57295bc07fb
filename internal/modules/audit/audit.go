package audit

import (
	"context"
	"time"

	"sentinel-guard/internal/storage"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

// Store persists audit entries. *storage.Store satisfies it.
type Store interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

type Logger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	notify func(context.Context, storage.AuditLog)
}

func NewLogger(store Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// SetNotifier registers a hook called after every entry is written.
func (l *Logger) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	l.notify = notify
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	if l.store != nil {
		if err := l.store.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("audit persist failed", zap.String("guild_id", guildID), zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
	if ce := l.logger.Check(zapLevel(level), "audit"); ce != nil {
		ce.Write(zap.String("level", level), zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("event", event), zap.String("details", details))
	}
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case LevelCrit:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
