package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coedit/internal/blob"
	"coedit/internal/config"
	"coedit/internal/engine"
	"coedit/internal/hub"
	"coedit/internal/ledger"
	"coedit/internal/reaper"
	"coedit/internal/server"
	"coedit/internal/session"
	"coedit/internal/sfdt"
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := createLogger(cfg.Debug)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	coordinator, err := ledger.NewRedisCoordinator(redisClient, cfg.PendingSlotTTL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer coordinator.Close()
	logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))

	// Connect to MongoDB
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())

	if err := mongoClient.Ping(ctx, nil); err != nil {
		logger.Fatal("Failed to ping MongoDB", zap.Error(err))
	}
	logger.Info("Connected to MongoDB", zap.String("uri", cfg.MongoURI))

	blobs, err := blob.NewMongoStore(ctx, mongoClient, cfg.MongoDatabase, cfg.MongoCollection, logger)
	if err != nil {
		logger.Fatal("Failed to create blob store", zap.Error(err))
	}

	// Assemble the engine
	fanout := hub.NewHub(logger)
	registry, err := session.NewRegistry(coordinator, fanout, cfg.NodeID, logger)
	if err != nil {
		logger.Fatal("Failed to create session registry", zap.Error(err))
	}
	eng := engine.New(coordinator, blobs, sfdt.NewJSONCodec(), fanout, registry,
		engine.Options{MaxRetries: cfg.MaxRetries}, logger)

	sweeper := reaper.New(coordinator, fanout, reaper.Options{
		Interval:          cfg.RoomCleanupInterval,
		StaleSessionAfter: cfg.StaleSessionAfter,
	}, logger)
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.NewServer(cfg.Addr, eng, registry, fanout, logger)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop server", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// createLogger builds the process logger.
func createLogger(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	return logger
}
