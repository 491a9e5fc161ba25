package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	devJWTSecret = "dev_secret"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	// SelfRegistration exposes POST /auth/register for requester roles.
	SelfRegistration bool

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Dashboard DashboardConfig
	EventFeed EventFeedConfig
	Stats     StatsConfig
}

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrationsPath string
}

// URL renders the connection settings as a postgres:// URL, the form golang-migrate expects.
func (c DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DashboardConfig governs dashboard caching and the poll interval advertised to clients.
type DashboardConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
	PollInterval time.Duration
	RecentLimit  int
	QueueLimit   int
}

// EventFeedConfig toggles the request change feed and its Redis relay.
type EventFeedConfig struct {
	Enabled    bool
	Channel    string
	Workers    int
	BufferSize int
	Heartbeat  time.Duration
}

// StatsConfig schedules the periodic refresh of request status gauges.
type StatsConfig struct {
	Schedule string
}

var defaults = map[string]interface{}{
	"ENV":        EnvDevelopment,
	"PORT":       8080,
	"API_PREFIX": "/api/v1",

	"SELF_REGISTRATION": true,

	"DB_HOST":            "localhost",
	"DB_PORT":            5432,
	"DB_USER":            "postgres",
	"DB_PASSWORD":        "postgres",
	"DB_NAME":            "metislab",
	"DB_SSL_MODE":        "disable",
	"DB_MAX_OPEN_CONNS":  10,
	"DB_MAX_IDLE_CONNS":  5,
	"DB_MIGRATIONS_PATH": "migrations",

	"ENABLE_REDIS":   false,
	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     6379,
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"JWT_SECRET":     devJWTSecret,
	"JWT_EXPIRATION": "24h",
	"JWT_ISSUER":     "metislab-api",

	"ALLOWED_ORIGINS": "",
	"LOG_LEVEL":       "info",
	"LOG_FORMAT":      "json",

	"ENABLE_DASHBOARD_CACHE":  false,
	"DASHBOARD_CACHE_TTL":     "30s",
	"DASHBOARD_POLL_INTERVAL": "30s",
	"DASHBOARD_RECENT_LIMIT":  5,
	"DASHBOARD_QUEUE_LIMIT":   50,

	"ENABLE_EVENT_FEED":    true,
	"EVENT_FEED_CHANNEL":   "metislab:request-events",
	"EVENT_FEED_WORKERS":   2,
	"EVENT_FEED_BUFFER":    64,
	"EVENT_FEED_HEARTBEAT": "15s",

	"STATS_SCHEDULE": "@every 1m",
}

// Load reads .env (when present) and the environment, then validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Env:       strings.ToLower(v.GetString("ENV")),
		Port:      v.GetInt("PORT"),
		APIPrefix: v.GetString("API_PREFIX"),

		SelfRegistration: v.GetBool("SELF_REGISTRATION"),
		Database: DatabaseConfig{
			Host:           v.GetString("DB_HOST"),
			Port:           v.GetInt("DB_PORT"),
			User:           v.GetString("DB_USER"),
			Password:       v.GetString("DB_PASSWORD"),
			Name:           v.GetString("DB_NAME"),
			SSLMode:        v.GetString("DB_SSL_MODE"),
			MaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:   v.GetInt("DB_MAX_IDLE_CONNS"),
			MigrationsPath: v.GetString("DB_MIGRATIONS_PATH"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("ENABLE_REDIS"),
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("JWT_SECRET"),
			Expiration: durationOr(v, "JWT_EXPIRATION", 24*time.Hour),
			Issuer:     v.GetString("JWT_ISSUER"),
		},
		CORS: CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Dashboard: DashboardConfig{
			CacheEnabled: v.GetBool("ENABLE_DASHBOARD_CACHE"),
			CacheTTL:     durationOr(v, "DASHBOARD_CACHE_TTL", 30*time.Second),
			PollInterval: durationOr(v, "DASHBOARD_POLL_INTERVAL", 30*time.Second),
			RecentLimit:  v.GetInt("DASHBOARD_RECENT_LIMIT"),
			QueueLimit:   v.GetInt("DASHBOARD_QUEUE_LIMIT"),
		},
		EventFeed: EventFeedConfig{
			Enabled:    v.GetBool("ENABLE_EVENT_FEED"),
			Channel:    v.GetString("EVENT_FEED_CHANNEL"),
			Workers:    v.GetInt("EVENT_FEED_WORKERS"),
			BufferSize: v.GetInt("EVENT_FEED_BUFFER"),
			Heartbeat:  durationOr(v, "EVENT_FEED_HEARTBEAT", 15*time.Second),
		},
		Stats: StatsConfig{Schedule: v.GetString("STATS_SCHEDULE")},
	}
}

// Validate rejects settings the server cannot run with. Production refuses
// the development signing secret.
func (c *Config) Validate() error {
	var problems []string
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		problems = append(problems, fmt.Sprintf("ENV must be %s or %s", EnvDevelopment, EnvProduction))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, "PORT must be between 1 and 65535")
	}
	if c.JWT.Secret == "" || (c.Env == EnvProduction && c.JWT.Secret == devJWTSecret) {
		problems = append(problems, "JWT_SECRET must be set")
	}
	if c.Dashboard.CacheEnabled && !c.Redis.Enabled {
		problems = append(problems, "ENABLE_DASHBOARD_CACHE requires ENABLE_REDIS")
	}
	if c.EventFeed.Enabled && c.EventFeed.Workers <= 0 {
		problems = append(problems, "EVENT_FEED_WORKERS must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// durationOr reads a Go duration string, falling back on empty or malformed values.
func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(part string, _ int) string {
		return strings.TrimSpace(part)
	})
	return lo.Compact(parts)
}
