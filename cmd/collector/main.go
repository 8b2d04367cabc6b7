package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/marchenkov/audience-os/internal/collector"
	"github.com/marchenkov/audience-os/internal/config"
	"github.com/marchenkov/audience-os/internal/database"
	"github.com/marchenkov/audience-os/internal/logger"
	"github.com/marchenkov/audience-os/internal/migrator"
	"github.com/marchenkov/audience-os/internal/nats"
	"github.com/marchenkov/audience-os/internal/persist"
	"github.com/marchenkov/audience-os/internal/publisher"
	"github.com/marchenkov/audience-os/internal/repository"
	"github.com/marchenkov/audience-os/internal/telegram"
	"github.com/marchenkov/audience-os/migrations"
)

func main() {
	// 1. Load config
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting audience collector service")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Apply migrations and open the store
	mig, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create migrator")
	}
	if err := mig.Up(cfg.DatabasePath); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	db, err := database.New(ctx, cfg.DatabasePath, cfg.BackupDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	// 5. Connect to NATS
	nc, err := nats.New(ctx, cfg.NatsURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		nc = nil
	} else {
		defer nc.Close()
	}

	var pub collector.EventPublisher
	if nc != nil {
		if err := nc.EnsureRunStream(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to ensure run event stream")
		}
		pub = publisher.NewNATSPublisher(nc.Conn)
	}

	// 6. Initialize repository and persistence engine
	identitiesRepo := repository.NewIdentitiesRepository(db)
	engine := persist.NewEngine(identitiesRepo, db, log.Component("persist"))

	// 7. Load credentials and bring up one telegram client per credential
	credentials, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load credentials")
	}
	if len(credentials) == 0 {
		log.Fatal().Msg("no credentials configured")
	}

	clients := make(map[string]collector.TelegramClient, len(credentials))
	managers := make([]*telegram.Manager, 0, len(credentials))
	for _, cred := range credentials {
		manager := telegram.NewManager(cred)
		if err := manager.Init(ctx); err != nil {
			log.Error().Err(err).Str("credential", cred.ID).
				Msg("telegram manager init failed")
		}
		if manager.GetStatus() != telegram.StatusReady {
			log.Warn().Str("credential", cred.ID).
				Str("status", string(manager.GetStatus())).
				Msg("credential is not authorized, run tg-auth first")
		}
		clients[cred.ID] = telegram.NewClient(manager)
		managers = append(managers, manager)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid timezone")
	}

	// 8. Initialize collector service, registry and HTTP API
	svc := collector.NewService(
		clients,
		credentials,
		engine,
		pub,
		cfg.ChatConcurrency,
		loc,
		log.Component("collector"),
	)
	registry := collector.NewRegistry(svc, log.Component("registry"))
	handler := collector.NewHandler(registry, identitiesRepo, loc)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: collector.NewRouter(handler),
	}

	log.Info().Int("port", cfg.HTTPPort).Msg("starting http server")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// 9. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	if run, ok := registry.Current(); ok && run.State == collector.RunStateRunning {
		if err := registry.Cancel(run.ID); err != nil {
			log.Warn().Err(err).Msg("failed to cancel active run")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	for _, manager := range managers {
		manager.Stop()
	}

	log.Info().Msg("shutdown complete")
}
