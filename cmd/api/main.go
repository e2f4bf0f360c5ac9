package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"charter/api/internal/app"
	"charter/api/internal/config"
	"charter/api/internal/export"
	"charter/api/internal/gitrepo"
	"charter/api/internal/search"
	"charter/api/internal/session"
	"charter/api/internal/store"
	"charter/api/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "charter-api", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create workflow archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archive := gitrepo.New(cfg.ArchiveDir)
	pgfts := search.NewPgFTS(dataStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// Redis holds refresh sessions and cached permission flags when configured.
	var service *app.Service
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh sessions and the permission cache")
		client, err := session.Dial(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		redisStore := session.NewRedisStoreWithClient(client)
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, archive, searchService)
		service.SetFlagCache(session.NewFlagCache(client, cfg.PermissionCacheTTL))
	} else {
		log.Printf("Using PostgreSQL for refresh sessions")
		service = app.New(cfg, dataStore, archive, searchService)
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploader, err := export.NewUploader(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: export bucket unavailable, exports stream inline: %v", err)
		} else {
			service.SetUploader(uploader)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Charter API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
