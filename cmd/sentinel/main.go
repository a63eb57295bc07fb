package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel-guard/internal/analytics"
	"sentinel-guard/internal/bot"
	"sentinel-guard/internal/config"
	"sentinel-guard/internal/modules/audit"
	"sentinel-guard/internal/playbook"
	"sentinel-guard/internal/storage"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sentinel stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := storage.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return err
	}

	auditLogger := audit.NewLogger(store, logger.Named("audit"))
	raidPlaybook := playbook.New(playbook.Config{
		LockdownMinutes:   cfg.Playbook.LockdownMinutes,
		StrictModeMinutes: cfg.Playbook.StrictModeMinutes,
	}, auditLogger)

	guard, err := bot.New(cfg, logger, store, raidPlaybook, auditLogger, analytics.New(store))
	if err != nil {
		return err
	}
	if err := guard.Start(); err != nil {
		return err
	}
	logger.Info("security monitor started",
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.String("default_punishment", cfg.Security.DefaultPunishment),
		zap.Int("threshold_overrides", len(cfg.Thresholds)),
		zap.Int("mention_limit", cfg.Security.MentionLimit))

	var server *http.Server
	if cfg.Health.Enabled {
		server = healthServer(cfg.Health.Addr, store, guard)
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested", zap.Int("active_incidents", guard.ActiveIncidents()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	guard.Close(shutdownCtx)
	return nil
}

type healthStatus struct {
	Status          string `json:"status"`
	Storage         string `json:"storage"`
	ActiveIncidents int    `json:"active_incidents"`
}

// healthServer reports storage reachability and the in-memory incident count.
func healthServer(addr string, store *storage.Store, guard *bot.Bot) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Storage: "ok", ActiveIncidents: guard.ActiveIncidents()}
		code := http.StatusOK
		if err := store.Ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Storage = err.Error()
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
