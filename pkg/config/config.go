package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Removal actions applied to local enrolments that the SIS no longer reports.
const (
	RemovalUnenrol        = "unenrol"
	RemovalSuspend        = "suspend"
	RemovalSuspendNoRoles = "suspendnoroles"
)

// Token request methods accepted by the SIS OAuth endpoint.
const (
	TokenMethodGet  = "GET"
	TokenMethodPost = "POST"
)

type Config struct {
	Env  string
	Port int

	Database DatabaseConfig
	Redis    RedisConfig
	SIS      SISConfig
	Sync     SyncConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SISConfig describes the upstream Student Information System API.
type SISConfig struct {
	Host           string
	APIPath        string
	TokenPath      string
	ClientID       string
	ClientSecret   string
	Username       string
	Password       string
	TokenMethod    string
	PageSize       int
	RequestTimeout time.Duration
	RequestsPerSec float64
	ShortCacheTTL  time.Duration
	LongCacheTTL   time.Duration
}

// SyncConfig governs the reconciliation engine and the batch scheduler.
type SyncConfig struct {
	Enabled       bool
	RemovalAction string
	RunsPerSweep  int
	Interval      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	tokenMethod := strings.ToUpper(v.GetString("SIS_TOKEN_METHOD"))
	if tokenMethod != TokenMethodPost {
		tokenMethod = TokenMethodGet
	}

	cfg.SIS = SISConfig{
		Host:           v.GetString("SIS_HOST"),
		APIPath:        v.GetString("SIS_API_PATH"),
		TokenPath:      v.GetString("SIS_TOKEN_PATH"),
		ClientID:       v.GetString("SIS_CLIENT_ID"),
		ClientSecret:   v.GetString("SIS_CLIENT_SECRET"),
		Username:       v.GetString("SIS_USERNAME"),
		Password:       v.GetString("SIS_PASSWORD"),
		TokenMethod:    tokenMethod,
		PageSize:       v.GetInt("SIS_PAGE_SIZE"),
		RequestTimeout: parseDuration(v.GetString("SIS_REQUEST_TIMEOUT"), 30*time.Second),
		RequestsPerSec: v.GetFloat64("SIS_REQUESTS_PER_SEC"),
		ShortCacheTTL:  parseDuration(v.GetString("SIS_SHORT_CACHE_TTL"), 20*time.Minute),
		LongCacheTTL:   parseDuration(v.GetString("SIS_LONG_CACHE_TTL"), 24*time.Hour),
	}

	removal := strings.ToLower(v.GetString("SYNC_REMOVAL_ACTION"))
	switch removal {
	case RemovalUnenrol, RemovalSuspend, RemovalSuspendNoRoles:
	default:
		removal = RemovalSuspendNoRoles
	}

	cfg.Sync = SyncConfig{
		Enabled:       v.GetBool("SYNC_ENABLED"),
		RemovalAction: removal,
		RunsPerSweep:  v.GetInt("SYNC_RUNS_PER_SWEEP"),
		Interval:      parseDuration(v.GetString("SYNC_INTERVAL"), 10*time.Minute),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sis_enrol_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SIS_HOST", "https://unified-api.example.edu")
	v.SetDefault("SIS_API_PATH", "/general/sis/1.0")
	v.SetDefault("SIS_TOKEN_PATH", "/oauth/1.0/access_token")
	v.SetDefault("SIS_CLIENT_ID", "")
	v.SetDefault("SIS_CLIENT_SECRET", "")
	v.SetDefault("SIS_USERNAME", "")
	v.SetDefault("SIS_PASSWORD", "")
	v.SetDefault("SIS_TOKEN_METHOD", TokenMethodGet)
	v.SetDefault("SIS_PAGE_SIZE", 100)
	v.SetDefault("SIS_REQUEST_TIMEOUT", "30s")
	v.SetDefault("SIS_REQUESTS_PER_SEC", 10.0)
	v.SetDefault("SIS_SHORT_CACHE_TTL", "20m")
	v.SetDefault("SIS_LONG_CACHE_TTL", "24h")

	v.SetDefault("SYNC_ENABLED", true)
	v.SetDefault("SYNC_REMOVAL_ACTION", RemovalSuspendNoRoles)
	v.SetDefault("SYNC_RUNS_PER_SWEEP", 6)
	v.SetDefault("SYNC_INTERVAL", "10m")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}
