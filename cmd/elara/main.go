package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rosaviel/elara/internal/cascade"
	"github.com/rosaviel/elara/internal/config"
	"github.com/rosaviel/elara/internal/httpapi"
	"github.com/rosaviel/elara/internal/keyring"
	"github.com/rosaviel/elara/internal/memory"
	"github.com/rosaviel/elara/internal/observability"
	"github.com/rosaviel/elara/internal/persona"
	"github.com/rosaviel/elara/internal/prefs"
	"github.com/rosaviel/elara/internal/provider"
	"github.com/rosaviel/elara/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, closeLog := config.SetupLogger(cfg.LogPath, slog.LevelInfo)
	defer closeLog()
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("data dir init failed: %v", err)
	}

	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		prefsPath = filepath.Join(cfg.DataDir, "prefs.db")
	}
	prefsStore, err := prefs.Open(prefsPath)
	if err != nil {
		log.Fatalf("prefs store init failed: %v", err)
	}
	defer prefsStore.Close()

	ctx := context.Background()
	keys := keyring.New(ctx, prefsStore)
	if seeded := cfg.SplitKeys(); len(seeded) > 0 && keys.Len() == 0 {
		keys.SetAll(ctx, seeded)
		logger.Info("seeded credential ring from environment", "count", len(seeded))
	}

	catalog, err := persona.Load(cfg.CharacterSet)
	if err != nil {
		log.Fatalf("character catalog init failed: %v", err)
	}

	backend, err := memory.NewBackend(ctx, cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory backend init failed: %v", err)
	}
	defer backend.Close()
	memories := memory.NewStore(backend, nil)

	engine := cascade.New(cascade.Config{
		Primary: provider.NewChatProvider(provider.ChatConfig{
			BaseURL: cfg.PrimaryBaseURL,
			Model:   cfg.PrimaryModel,
			Timeout: cfg.PrimaryTimeout,
		}),
		Secondary: provider.NewTextgenProvider(provider.TextgenConfig{
			URL:     cfg.SecondaryURL,
			Token:   cfg.SecondaryToken,
			Timeout: cfg.SecondaryTimeout,
		}),
		Local:          provider.NewLocalProvider(),
		Keys:           keys,
		PrimaryEnabled: func() bool { return cfg.PrimaryEnabled },
		Metrics:        metrics,
		Logger:         logger,
	})

	sessions := session.NewManager(catalog, memories, engine, metrics, cfg.SessionInactivityTimeout, cfg.ContextTokenBudget)
	sessions.SetExpireHook(func(s *session.Session) {
		logger.Info("session expired", "session_id", s.ID, "character_id", s.CharacterID)
	})

	api := httpapi.New(cfg, sessions, memories, keys, catalog, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
