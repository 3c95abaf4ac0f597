// Package config carries the server configuration, populated from flags
// with environment-variable fallbacks.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the server needs to start.
type Config struct {
	// Addr is the HTTP bind address.
	Addr string

	// RedisAddr is the coordination store address.
	RedisAddr string

	// RedisPassword is the coordination store password, if any.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// MongoURI is the object-store connection string.
	MongoURI string

	// MongoDatabase and MongoCollection locate the document binaries.
	MongoDatabase   string
	MongoCollection string

	// RoomCleanupInterval is the reaper cadence.
	RoomCleanupInterval time.Duration

	// StaleSessionAfter is how long a session survives without a heartbeat.
	StaleSessionAfter time.Duration

	// PendingSlotTTL bounds how long a reserved slot may stay uncommitted
	// before the reaper releases it.
	PendingSlotTTL time.Duration

	// MaxRetries bounds the commit CAS retry loop.
	MaxRetries int

	// NodeID distinguishes server instances for connection-id generation.
	NodeID int64

	// Debug enables debug logging.
	Debug bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Addr:                ":8098",
		RedisAddr:           "localhost:6379",
		MongoURI:            "mongodb://localhost:27017",
		MongoDatabase:       "coedit",
		MongoCollection:     "documents",
		RoomCleanupInterval: 30 * time.Second,
		StaleSessionAfter:   2 * time.Minute,
		PendingSlotTTL:      30 * time.Second,
		MaxRetries:          5,
		NodeID:              1,
	}
}

// RegisterFlags binds the configuration to a flag set, with COEDIT_*
// environment variables as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", envString("COEDIT_ADDR", c.Addr), "HTTP bind address")
	fs.StringVar(&c.RedisAddr, "redis", envString("COEDIT_REDIS_ADDR", c.RedisAddr), "Redis address")
	fs.StringVar(&c.RedisPassword, "redis-password", envString("COEDIT_REDIS_PASSWORD", c.RedisPassword), "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", envInt("COEDIT_REDIS_DB", c.RedisDB), "Redis database")
	fs.StringVar(&c.MongoURI, "mongo", envString("COEDIT_MONGO_URI", c.MongoURI), "MongoDB connection URI")
	fs.StringVar(&c.MongoDatabase, "mongo-db", envString("COEDIT_MONGO_DB", c.MongoDatabase), "MongoDB database name")
	fs.StringVar(&c.MongoCollection, "mongo-collection", envString("COEDIT_MONGO_COLLECTION", c.MongoCollection), "MongoDB collection for document binaries")
	fs.DurationVar(&c.RoomCleanupInterval, "cleanup-interval", envDuration("COEDIT_CLEANUP_INTERVAL", c.RoomCleanupInterval), "Reaper cadence")
	fs.DurationVar(&c.StaleSessionAfter, "stale-session", envDuration("COEDIT_STALE_SESSION", c.StaleSessionAfter), "Session heartbeat staleness threshold")
	fs.DurationVar(&c.PendingSlotTTL, "pending-ttl", envDuration("COEDIT_PENDING_TTL", c.PendingSlotTTL), "Expected-commit-by window for reserved slots")
	fs.IntVar(&c.MaxRetries, "max-retries", envInt("COEDIT_MAX_RETRIES", c.MaxRetries), "Commit CAS retry bound")
	fs.Int64Var(&c.NodeID, "node-id", envInt64("COEDIT_NODE_ID", c.NodeID), "Instance id for connection-id generation")
	fs.BoolVar(&c.Debug, "debug", envBool("COEDIT_DEBUG", c.Debug), "Enable debug logging")
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("bind address is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("mongo URI is required")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.RoomCleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.RoomCleanupInterval)
	}
	if c.StaleSessionAfter <= 0 {
		return fmt.Errorf("stale-session threshold must be positive, got %s", c.StaleSessionAfter)
	}
	if c.PendingSlotTTL <= 0 {
		return fmt.Errorf("pending TTL must be positive, got %s", c.PendingSlotTTL)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node id must be in [0, 1023], got %d", c.NodeID)
	}
	return nil
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
