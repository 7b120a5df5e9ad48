package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
	StorageMemory = "memory"

	LockFile  = "file"
	LockRedis = "redis"
	LockNone  = "none"
)

// Config is built once at startup: defaults, then the YAML file named by
// DUKAFITI_CONFIG, then environment variables.
type Config struct {
	Port          string `yaml:"port"`
	AllowedOrigin string `yaml:"allowed_origin"`
	UserID        string `yaml:"user_id"`

	// remote; empty means the in-memory demo store
	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	Storage    string `yaml:"storage"`
	SQLitePath string `yaml:"sqlite_path"`
	Lock       string `yaml:"lock"`
	LockPath   string `yaml:"lock_path"`

	AuthSecret     string   `yaml:"-"`
	AccessTokenTTL Duration `yaml:"access_token_ttl"`
	ManagerPIN     string   `yaml:"-"`

	Log   LogConfig   `yaml:"log"`
	Cache CacheConfig `yaml:"cache"`
	Sync  SyncConfig  `yaml:"sync"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type CacheConfig struct {
	UserTTL   Duration `yaml:"user_ttl"`
	PublicTTL Duration `yaml:"public_ttl"`
	Version   string   `yaml:"version"`
}

type SyncConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	Throttle      Duration `yaml:"throttle"`
	Debounce      Duration `yaml:"debounce"`
	Interval      Duration `yaml:"interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	OpTimeout     Duration `yaml:"op_timeout"`
}

// Duration reads "24h"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Load() (Config, error) {
	cfg := defaults()
	if err := loadYAMLFile(&cfg, os.Getenv("DUKAFITI_CONFIG")); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Port:           "8787",
		AllowedOrigin:  "http://127.0.0.1:3000",
		UserID:         "local",
		Storage:        StorageSQLite,
		SQLitePath:     "data/dukafiti.db",
		Lock:           LockFile,
		LockPath:       "data/sync.lock",
		AccessTokenTTL: Duration(12 * time.Hour),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Cache: CacheConfig{
			UserTTL:   Duration(24 * time.Hour),
			PublicTTL: Duration(48 * time.Hour),
			Version:   "1",
		},
		Sync: SyncConfig{
			MaxAttempts:   3,
			Throttle:      Duration(2 * time.Second),
			Debounce:      Duration(time.Second),
			Interval:      Duration(time.Minute),
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
			OpTimeout:     Duration(30 * time.Second),
		},
	}
}

// loadYAMLFile is a no-op for an empty path or a missing file.
func loadYAMLFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.UserID = getEnv("DUKAFITI_USER_ID", cfg.UserID)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.Storage = strings.ToLower(getEnv("DUKAFITI_STORAGE", cfg.Storage))
	cfg.SQLitePath = getEnv("DUKAFITI_SQLITE_PATH", cfg.SQLitePath)
	cfg.Lock = strings.ToLower(getEnv("DUKAFITI_LOCK", cfg.Lock))
	cfg.LockPath = getEnv("DUKAFITI_LOCK_PATH", cfg.LockPath)

	cfg.AuthSecret = strings.TrimSpace(getEnv("AUTH_SECRET", cfg.AuthSecret))
	cfg.ManagerPIN = strings.TrimSpace(getEnv("MANAGER_PIN", cfg.ManagerPIN))
	if minutes := envInt("ACCESS_TOKEN_TTL_MINUTES", 0); minutes > 0 {
		cfg.AccessTokenTTL = Duration(time.Duration(minutes) * time.Minute)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Cache.UserTTL = envDuration("DUKAFITI_CACHE_USER_TTL", cfg.Cache.UserTTL)
	cfg.Cache.PublicTTL = envDuration("DUKAFITI_CACHE_PUBLIC_TTL", cfg.Cache.PublicTTL)
	cfg.Cache.Version = getEnv("DUKAFITI_CACHE_VERSION", cfg.Cache.Version)

	cfg.Sync.MaxAttempts = envInt("DUKAFITI_MAX_ATTEMPTS", cfg.Sync.MaxAttempts)
	cfg.Sync.Throttle = envDuration("DUKAFITI_SYNC_THROTTLE", cfg.Sync.Throttle)
	cfg.Sync.Debounce = envDuration("DUKAFITI_SYNC_DEBOUNCE", cfg.Sync.Debounce)
	cfg.Sync.Interval = envDuration("DUKAFITI_SYNC_INTERVAL", cfg.Sync.Interval)
	cfg.Sync.ProbeInterval = envDuration("DUKAFITI_PROBE_INTERVAL", cfg.Sync.ProbeInterval)
	cfg.Sync.ProbeTimeout = envDuration("DUKAFITI_PROBE_TIMEOUT", cfg.Sync.ProbeTimeout)
	cfg.Sync.OpTimeout = envDuration("DUKAFITI_OP_TIMEOUT", cfg.Sync.OpTimeout)
}

func (c Config) validate() error {
	switch c.Storage {
	case StorageSQLite, StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage)
	}
	switch c.Lock {
	case LockFile, LockRedis, LockNone:
	default:
		return fmt.Errorf("unknown lock driver %q", c.Lock)
	}
	if (c.Storage == StorageRedis || c.Lock == LockRedis) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis driver")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envDuration(key string, fallback Duration) Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return Duration(d)
	}
	return fallback
}
