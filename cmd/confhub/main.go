package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/confhub/confhub/internal/audit"
	"github.com/confhub/confhub/internal/cache"
	"github.com/confhub/confhub/internal/config"
	"github.com/confhub/confhub/internal/configsvc"
	"github.com/confhub/confhub/internal/notifier"
	"github.com/confhub/confhub/internal/secrets"
	"github.com/confhub/confhub/internal/server"
	"github.com/confhub/confhub/internal/validator"
	"github.com/confhub/confhub/pkg/logger"
	"github.com/confhub/confhub/pkg/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.ConfigEntry{},
		&models.ConfigVersion{},
		&models.AuditLog{},
		&models.ScopeVersion{},
	); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			zapLogger.Warn("Redis unreachable, continuing without cache", zap.Error(err))
			rdb = nil
		}
	}

	var cipher secrets.ValueCipher = secrets.NoopCipher{}
	if cfg.Encryption.MasterKey != "" {
		aes, err := secrets.NewAESCipher(cfg.Encryption.MasterKey)
		if err != nil {
			zapLogger.Fatal("Failed to initialize value cipher", zap.Error(err))
		}
		cipher = aes
	}

	hub := notifier.NewHub(zapLogger, notifier.Config{
		HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Websocket.HeartbeatTimeout,
		SendQueueSize:     cfg.Websocket.SendQueueSize,
		ReadLimit:         cfg.Websocket.ReadLimit,
		WriteTimeout:      cfg.Websocket.WriteTimeout,
	}, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	auditSvc := audit.NewService(zapLogger, db)
	configCache := cache.New(rdb, cfg.Redis.CacheTTL, zapLogger)
	configSvc := configsvc.NewService(
		zapLogger, db, validator.New(), cipher, auditSvc, hub, configCache)

	srv := server.NewServer(zapLogger, configSvc, auditSvc, hub)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("config service listening", zap.String("addr", cfg.Server.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}
