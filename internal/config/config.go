package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	PredictionsURL     string        `mapstructure:"PREDICTIONS_URL"`
	PredictionsDir     string        `mapstructure:"PREDICTIONS_DIR"`
	PredictionsTimeout time.Duration `mapstructure:"PREDICTIONS_TIMEOUT"`
	StoreBackend       string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	CanvasWidth        int           `mapstructure:"CANVAS_WIDTH"`
	CanvasHeight       int           `mapstructure:"CANVAS_HEIGHT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LogFile            string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB       int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups      int           `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays      int           `mapstructure:"LOG_MAX_AGE_DAYS"`

	v          *viper.Viper
	fileLoaded bool
}

var envKeys = []string{
	"PORT", "ENV",
	"PREDICTIONS_URL", "PREDICTIONS_DIR", "PREDICTIONS_TIMEOUT",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "CANVAS_WIDTH", "CANVAS_HEIGHT",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PREDICTIONS_TIMEOUT", "10s")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	// Raster snapshots travel as PNG data URLs.
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("CANVAS_WIDTH", 512)
	v.SetDefault("CANVAS_HEIGHT", 512)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	v.SetDefault("LOG_MAX_AGE_DAYS", 7)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	fileErr := v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.v = v
	cfg.fileLoaded = fileErr == nil

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.PredictionsURL == "" && cfg.PredictionsDir == "" {
		return nil, fmt.Errorf("PREDICTIONS_URL or PREDICTIONS_DIR is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are accepted as a dev reviewer.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is consistent before the server
// starts.
func (c *Config) Validate() error {
	if c.PredictionsURL != "" && c.PredictionsDir != "" {
		return fmt.Errorf("set only one of PREDICTIONS_URL and PREDICTIONS_DIR")
	}
	if c.PredictionsURL != "" && !strings.HasPrefix(c.PredictionsURL, "http://") && !strings.HasPrefix(c.PredictionsURL, "https://") {
		return fmt.Errorf("PREDICTIONS_URL must be an http(s) URL, got %q", c.PredictionsURL)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND is %q", BackendSQLite)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q, or %q, got %q",
			BackendMemory, BackendPostgres, BackendSQLite, c.StoreBackend)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}

	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("CANVAS_WIDTH and CANVAS_HEIGHT must be positive")
	}

	return nil
}

// WatchLogLevel calls fn with the new LOG_LEVEL whenever the .env file
// changes. It is a no-op when the configuration was not read from a file.
func (c *Config) WatchLogLevel(fn func(level string)) {
	if c.v == nil || !c.fileLoaded {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		fn(c.v.GetString("LOG_LEVEL"))
	})
	c.v.WatchConfig()
}
