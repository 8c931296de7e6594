package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postpilot/internal/usertoken"
	"postpilot/internal/util"
	"postpilot/pkg/ai"
	"postpilot/pkg/catalog"
	"postpilot/pkg/draft"
	"postpilot/pkg/events"
	"postpilot/pkg/queue"
	"postpilot/pkg/storage"
	"postpilot/pkg/store"
	"postpilot/services/composer/internal/app"
	"postpilot/services/composer/internal/brandclient"
	"postpilot/services/composer/internal/config"
	"postpilot/services/composer/internal/publishclient"
	"postpilot/services/composer/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		fatal("failed to parse jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		fatal("failed to init jwks verifier", "err", err)
	}

	textClient := ai.NewTextClient(cfg.GenerationServiceURL)
	imageClient := ai.NewImageClient(cfg.ImageServiceURL)

	costCatalog := catalog.New(catalog.NewClient(cfg.GenerationServiceURL))
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := costCatalog.Load(loadCtx); err != nil {
		cancelLoad()
		fatal("failed to load cost catalog", "err", err)
	}
	cancelLoad()

	draftTTL := time.Duration(cfg.DraftTTLHours) * time.Hour
	draftStore := draft.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.DraftKeyPrefix, draftTTL)
	drafts := draft.NewManager(draftStore, imageClient)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to init database", "err", err)
	}

	objectStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		fatal("failed to init object store", "err", err)
	}
	mirrorQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.MirrorStream,
		Group:    cfg.MirrorGroup,
	})
	if err != nil {
		fatal("failed to init mirror queue", "err", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventExchange)
		if err != nil {
			fatal("failed to init event publisher", "err", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	appCore, err := app.New(app.Config{
		Catalog: costCatalog,
		Text:    textClient,
		Images:  imageClient,
		Usage:   textClient,
		Drafts:  drafts,
		Store:   dataStore,
		Brand:   brandclient.New(cfg.BrandServiceURL),
		Publish: publishclient.New(cfg.PublishServiceURL),
		Mirror:  mirrorQueue,
		Events:  publisher,
		Logger:  logger,
	})
	if err != nil {
		fatal("failed to init app", "err", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	mirrorWorker := storage.NewMirrorWorker(objectStore, dataStore, logger)
	concurrency := cfg.MirrorConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	mirrorQueue.Start(workerCtx, concurrency, mirrorWorker.Handle)

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		TokenVerifier:              tokenVerifier,
		CORSOrigin:                 cfg.CORSOrigin,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		GenerateRateLimitPerMinute: cfg.GenerateRateLimitPerMinute,
		PublishRateLimitPerMinute:  cfg.PublishRateLimitPerMinute,
		TrustedProxyCIDRs:          cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("composer server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server error", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
