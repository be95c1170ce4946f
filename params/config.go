package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Log struct {
	File  string
	Level string
}

type Storage struct {
	// DataDir is the Pebble directory. Empty keeps everything in memory.
	DataDir string
}

type Exchange struct {
	WorldFile     string
	SweepInterval time.Duration
	// Mailbox is the number of operations queued per market before callers
	// block.
	Mailbox             int
	DefaultMinIncrement int64
	MaxLotDuration      time.Duration
}

type Currency struct {
	Code     string
	Decimals int32 // display only; amounts are integer minor units
}

type Config struct {
	API      API
	Log      Log
	Storage  Storage
	Exchange Exchange
	Currency Currency
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Log: Log{
			File:  "data/node.log",
			Level: "info",
		},
		Storage: Storage{
			DataDir: "data/pebble",
		},
		Exchange: Exchange{
			WorldFile:           "markets.yaml",
			SweepInterval:       time.Second,
			Mailbox:             256,
			DefaultMinIncrement: 1,
			MaxLotDuration:      7 * 24 * time.Hour,
		},
		Currency: Currency{
			Code:     "eddies",
			Decimals: 2,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	// DATA_DIR may be set to "" explicitly to run without persistence
	if dir, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Storage.DataDir = dir
	}

	cfg.Exchange.WorldFile = getEnv("WORLD_FILE", cfg.Exchange.WorldFile)
	if ms, ok := getEnvInt("SWEEP_INTERVAL_MS"); ok && ms > 0 {
		cfg.Exchange.SweepInterval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := getEnvInt("ACTOR_MAILBOX"); ok && n > 0 {
		cfg.Exchange.Mailbox = int(n)
	}
	if inc, ok := getEnvInt("DEFAULT_MIN_INCREMENT"); ok && inc > 0 {
		cfg.Exchange.DefaultMinIncrement = inc
	}
	if ms, ok := getEnvInt("MAX_LOT_DURATION_MS"); ok && ms > 0 {
		cfg.Exchange.MaxLotDuration = time.Duration(ms) * time.Millisecond
	}

	cfg.Currency.Code = getEnv("CURRENCY", cfg.Currency.Code)
	if d, ok := getEnvInt("CURRENCY_DECIMALS"); ok && d >= 0 && d <= 18 {
		cfg.Currency.Decimals = int32(d)
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string) (int64, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
