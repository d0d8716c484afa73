package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr        string
	CORSOrigins []string
	// ShutdownTimeout bounds how long in-flight HTTP requests may take to
	// drain after SIGINT/SIGTERM.
	ShutdownTimeout time.Duration
}

type Log struct {
	File  string
	Level string
}

type Store struct {
	Driver      string // "pebble" or "postgres"
	PebblePath  string
	PostgresDSN string
	SeedFile    string
	JournalFile string
}

type Feed struct {
	KafkaBrokers []string // empty disables the Kafka sink
	KafkaTopic   string
	RedisAddr    string // empty disables the Redis sink
	RedisChannel string
	BufferSize   int
}

type Session struct {
	OpenOnStart bool
	Timezone    string
}

type Engine struct {
	QueueSize int
	// BookDepth is the number of price levels per side carried in snapshots.
	BookDepth int
}

type Config struct {
	API     API
	Log     Log
	Store   Store
	Feed    Feed
	Session Session
	Engine  Engine
}

func Default() Config {
	return Config{
		API: API{
			Addr:            ":8080",
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:3001"},
			ShutdownTimeout: 5 * time.Second,
		},
		Log: Log{
			File:  "data/exchange.log",
			Level: "info",
		},
		Store: Store{
			Driver:      "pebble",
			PebblePath:  "data/ledger",
			JournalFile: "data/journal.log",
		},
		Feed: Feed{
			KafkaTopic:   "book-updates",
			RedisChannel: "book",
			BufferSize:   1024,
		},
		Session: Session{
			OpenOnStart: true,
			Timezone:    "Local",
		},
		Engine: Engine{
			QueueSize: 256,
			BookDepth: 2,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}
	if ms := getEnvInt("API_SHUTDOWN_TIMEOUT_MS", -1); ms >= 0 {
		cfg.API.ShutdownTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.SeedFile = getEnv("SEED_FILE", cfg.Store.SeedFile)
	cfg.Store.JournalFile = getEnv("JOURNAL_FILE", cfg.Store.JournalFile)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Feed.KafkaBrokers = splitList(brokers)
	}
	cfg.Feed.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Feed.KafkaTopic)
	cfg.Feed.RedisAddr = getEnv("REDIS_ADDR", cfg.Feed.RedisAddr)
	cfg.Feed.RedisChannel = getEnv("REDIS_CHANNEL", cfg.Feed.RedisChannel)
	cfg.Feed.BufferSize = getEnvInt("FEED_BUFFER_SIZE", cfg.Feed.BufferSize)

	if open := os.Getenv("SESSION_OPEN_ON_START"); open != "" {
		cfg.Session.OpenOnStart = open == "true"
	}
	cfg.Session.Timezone = getEnv("SESSION_TIMEZONE", cfg.Session.Timezone)

	cfg.Engine.QueueSize = getEnvInt("ENGINE_QUEUE_SIZE", cfg.Engine.QueueSize)
	cfg.Engine.BookDepth = getEnvInt("BOOK_DEPTH", cfg.Engine.BookDepth)

	return cfg
}

// Location resolves the session timezone, falling back to local time.
func (s Session) Location() *time.Location {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
