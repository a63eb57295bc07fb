package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"sentinel-guard/internal/storage"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPersistsAndNotifies(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := NewLogger(store, zap.NewNop())
	var notified []storage.AuditLog
	logger.SetNotifier(func(_ context.Context, entry storage.AuditLog) {
		notified = append(notified, entry)
	})

	ctx := context.Background()
	logger.Log(ctx, LevelCrit, "g1", "u1", "security_incident", "ban x3")

	logs, err := store.ListAuditLogs(ctx, "g1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "security_incident" || logs[0].Level != LevelCrit {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if len(notified) != 1 || notified[0].UserID != "u1" {
		t.Fatalf("expected notifier call, got %+v", notified)
	}
}

type failingStore struct{}

func (failingStore) AddAuditLog(context.Context, storage.AuditLog) error {
	return errors.New("disk full")
}

func TestLogLevelsAndPersistFailure(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	logger := NewLogger(failingStore{}, zap.New(core))

	logger.Log(context.Background(), LevelCrit, "g1", "u1", "security_response", "")

	if got := recorded.FilterMessage("audit persist failed").Len(); got != 1 {
		t.Fatalf("expected persist failure warning, got %d", got)
	}
	entries := recorded.FilterMessage("audit").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error-level audit entry, got %+v", entries)
	}
}
