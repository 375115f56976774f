package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/adapter/cache"
	httpadapter "github.com/auditra/auditra/internal/adapter/http"
	"github.com/auditra/auditra/internal/adapter/persistence"
	"github.com/auditra/auditra/internal/config"
	"github.com/auditra/auditra/internal/ledger"
	"github.com/auditra/auditra/internal/ports"
)

func main() {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logger
	structuredLogger := logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "audit-ledger",
	})
	structuredLogger.Info(ctx, "Application starting", map[string]interface{}{
		"env": cfg.Server.Environment,
	})

	// Connect to database
	db, err := sql.Open("postgres", cfg.GetDatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		structuredLogger.Error(ctx, "Failed to ping database", err, nil)
		log.Fatalf("Failed to ping database: %v", err)
	}
	structuredLogger.Info(ctx, "Database connection established", map[string]interface{}{
		"host": cfg.Database.Host,
		"name": cfg.Database.DBName,
	})

	// Initialize repository
	auditRepo := persistence.NewPostgresAuditRepository(db)

	// Initialize optional latest-hash cache
	var latestHashCache ports.LatestHashCache
	if cfg.Redis.Enabled {
		latestHashCache, err = cache.NewRedisLatestHashCache(cache.Config{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			// The cache is an accelerator only; the ledger is correct without it.
			structuredLogger.Warn(ctx, "Latest-hash cache unavailable, continuing without it", map[string]interface{}{
				"addr":  cfg.GetRedisAddr(),
				"error": err.Error(),
			})
			latestHashCache = nil
		} else {
			structuredLogger.Info(ctx, "Latest-hash cache initialized", map[string]interface{}{
				"addr": cfg.GetRedisAddr(),
			})
		}
	}

	// Initialize ledger core
	ledgerOpts := []ledger.Option{
		ledger.WithMaxRetries(cfg.Ledger.AppendMaxRetries),
	}
	if latestHashCache != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(latestHashCache))
	}
	ledgerWriter := ledger.NewLedger(auditRepo, structuredLogger, ledgerOpts...)
	chainVerifier := ledger.NewVerifier(auditRepo, structuredLogger)

	// Initialize middleware and handlers
	apiKeyMiddleware := httpadapter.NewAPIKeyMiddleware(cfg.Security.APIKeyHashes)
	authMiddleware := httpadapter.NewAuthMiddleware(cfg.Security.JWTSecret)
	auditHandler := httpadapter.NewAuditHandler(
		ledgerWriter,
		chainVerifier,
		auditRepo,
		structuredLogger,
		apiKeyMiddleware,
		authMiddleware,
	)

	server := httpadapter.NewServer(httpadapter.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, auditHandler, structuredLogger)

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			structuredLogger.Error(ctx, "Server failed to start", err, nil)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	structuredLogger.Info(ctx, "Shutting down server...", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		structuredLogger.Error(ctx, "Server forced to shutdown", err, nil)
	}
	structuredLogger.Info(ctx, "Server exited", nil)
}
