// Package config loads docstore settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	MongoDB   MongoDBConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

type StoreConfig struct {
	Backend string
	// SlowCallThreshold is the store latency above which calls are logged.
	SlowCallThreshold time.Duration
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr is the host:port of the Redis server.
func (r RedisConfig) Addr() string { return net.JoinHostPort(r.Host, r.Port) }

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

type CacheConfig struct {
	Backend       string
	Prefix        string
	SweepInterval time.Duration
}

type AuthConfig struct {
	JWTSecret       string
	TokenTTL        time.Duration
	OIDCIssuer      string
	OIDCClientID    string
	PermissionsFile string
}

type RateLimitConfig struct {
	Enabled  bool
	UseRedis bool
	RPS      float64
	Burst    int
	Window   time.Duration
}

type LogConfig struct {
	Level string
}

// LoadConfig loads configuration from environment variables, a .env file in
// the working directory (or DOCSTORE_ENV_FILE) and, when path is non-empty, a
// config file whose keys use the environment variable names.
func LoadConfig(path string) (*Config, error) {
	envFile := os.Getenv("DOCSTORE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetDefault("SERVER_PORT", "5001")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("SERVER_READ_TIMEOUT", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 30)
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("STORE_SLOW_CALL_MS", 500)
	v.SetDefault("MONGODB_DATABASE", "docstore")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("SQLITE_PATH", "docstore.db")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_BACKEND", BackendMemory)
	v.SetDefault("CACHE_PREFIX", "docstore:cache:")
	v.SetDefault("CACHE_SWEEP_INTERVAL", 60)
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", 15)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			Environment:  v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  time.Duration(v.GetInt("SERVER_READ_TIMEOUT")) * time.Second,
			WriteTimeout: time.Duration(v.GetInt("SERVER_WRITE_TIMEOUT")) * time.Second,
		},
		Store: StoreConfig{
			Backend:           strings.ToLower(v.GetString("STORE_BACKEND")),
			SlowCallThreshold: time.Duration(v.GetInt("STORE_SLOW_CALL_MS")) * time.Millisecond,
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: v.GetString("SQLITE_PATH"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(v.GetString("CACHE_BACKEND")),
			Prefix:        v.GetString("CACHE_PREFIX"),
			SweepInterval: time.Duration(v.GetInt("CACHE_SWEEP_INTERVAL")) * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret:       v.GetString("JWT_SECRET"),
			TokenTTL:        time.Duration(v.GetInt("JWT_ACCESS_TOKEN_TTL")) * time.Minute,
			OIDCIssuer:      v.GetString("OIDC_ISSUER"),
			OIDCClientID:    v.GetString("OIDC_CLIENT_ID"),
			PermissionsFile: v.GetString("PERMISSIONS_FILE"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis: v.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:      v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:    v.GetInt("RATE_LIMIT_BURST"),
			Window:   time.Duration(v.GetInt("RATE_LIMIT_WINDOW_SECONDS")) * time.Second,
		},
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
	}
	return cfg, nil
}

// Validate reports every inconsistency in cfg at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("MONGODB_URI is required for the mongo store"))
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, errors.New("MONGODB_DATABASE is required for the mongo store"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend))
	}

	if c.Auth.JWTSecret == "" && c.Auth.OIDCIssuer == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or OIDC_ISSUER is required"))
	}
	if c.Auth.OIDCIssuer != "" && c.Auth.OIDCClientID == "" {
		errs = append(errs, errors.New("OIDC_CLIENT_ID is required with OIDC_ISSUER"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_RPS must be positive"))
		}
		if c.RateLimit.UseRedis && !c.Redis.Enabled() {
			errs = append(errs, errors.New("REDIS_HOST is required for the redis rate limiter"))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
