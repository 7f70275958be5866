package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Log    LogConfig    `yaml:"log"`
	Backup BackupConfig `yaml:"backup"`
}

// ClientConfig contains settings of the local sync client. ClientID
// overrides the identifier generated by the store; it names the backup
// prefix.
type ClientConfig struct {
	DataPath string `yaml:"data_path"`
	ClientID string `yaml:"client_id"`
}

// RemoteConfig locates the remote mutation service.
type RemoteConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig contains queue draining and retry settings.
type SyncConfig struct {
	DefaultPriority      int      `yaml:"default_priority"`
	ResolutionPriority   int      `yaml:"resolution_priority"`
	Schedule             string   `yaml:"schedule"`
	ProbeInterval        Duration `yaml:"probe_interval"`
	BackoffBase          Duration `yaml:"backoff_base"`
	BackoffMax           Duration `yaml:"backoff_max"`
	BackoffJitterPercent uint64   `yaml:"backoff_jitter_percent"`
}

// ServerConfig contains settings of the reference remote mutation service.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	DatabasePath    string   `yaml:"database_path"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl"`
	PurgeInterval   Duration `yaml:"purge_interval"`
}

// AuthConfig contains authentication settings. The same key is presented by
// the client and expected by the server.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings. When File is set, output is written
// there with size-based rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BackupConfig contains S3-compatible storage settings for client database
// backups. An empty bucket disables uploads.
type BackupConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	// Interval schedules periodic backups from the agent. Zero disables them.
	Interval Duration `yaml:"interval"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
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

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RELAY_CONFIG_PATH", "config/relay.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	useSSL := true
	return &Config{
		Client: ClientConfig{
			DataPath: "data/relay.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			DefaultPriority:      0,
			ResolutionPriority:   100,
			ProbeInterval:        Duration(30 * time.Second),
			BackoffBase:          Duration(1 * time.Second),
			BackoffMax:           Duration(5 * time.Minute),
			BackoffJitterPercent: 10,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DatabasePath:    "data/relay-server.db",
			IdempotencyTTL:  Duration(24 * time.Hour),
			PurgeInterval:   Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Backup: BackupConfig{
			Region:    "us-east-1",
			UseSSL:    &useSSL,
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
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

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Client
	if v := os.Getenv("RELAY_DATA_PATH"); v != "" {
		cfg.Client.DataPath = v
	}
	if v := os.Getenv("RELAY_CLIENT_ID"); v != "" {
		cfg.Client.ClientID = v
	}

	// Remote
	if v := os.Getenv("RELAY_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	envDuration("RELAY_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Sync
	envInt("RELAY_DEFAULT_PRIORITY", &cfg.Sync.DefaultPriority)
	envInt("RELAY_RESOLUTION_PRIORITY", &cfg.Sync.ResolutionPriority)
	if v, ok := os.LookupEnv("RELAY_SYNC_SCHEDULE"); ok {
		// An explicitly empty value disables the schedule.
		cfg.Sync.Schedule = v
	}
	envDuration("RELAY_PROBE_INTERVAL", &cfg.Sync.ProbeInterval)
	envDuration("RELAY_BACKOFF_BASE", &cfg.Sync.BackoffBase)
	envDuration("RELAY_BACKOFF_MAX", &cfg.Sync.BackoffMax)
	if v := os.Getenv("RELAY_BACKOFF_JITTER_PERCENT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Sync.BackoffJitterPercent = n
		}
	}

	// Server
	envInt("RELAY_PORT", &cfg.Server.Port)
	envDuration("RELAY_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("RELAY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("RELAY_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	if v := os.Getenv("RELAY_SERVER_DB_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
	envDuration("RELAY_IDEMPOTENCY_TTL", &cfg.Server.IdempotencyTTL)
	envDuration("RELAY_PURGE_INTERVAL", &cfg.Server.PurgeInterval)

	// Auth
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RELAY_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Backup
	if v := os.Getenv("RELAY_BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("RELAY_S3_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("RELAY_S3_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := os.Getenv("RELAY_BACKUP_ACCESS_KEY"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := os.Getenv("RELAY_BACKUP_SECRET_KEY"); v != "" {
		cfg.Backup.SecretKey = v
	}
	if v := os.Getenv("RELAY_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}
	envDuration("RELAY_S3_URL_EXPIRY", &cfg.Backup.URLExpiry)
	envDuration("RELAY_BACKUP_INTERVAL", &cfg.Backup.Interval)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks value ranges. Secrets are checked by the commands that
// need them, see RequireAPIKey.
func (c *Config) validate() error {
	if c.Sync.BackoffBase <= 0 {
		return errors.New("sync.backoff_base must be positive")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New("sync.backoff_max must not be smaller than sync.backoff_base")
	}
	if c.Sync.BackoffJitterPercent > 100 {
		return errors.New("sync.backoff_jitter_percent must be between 0 and 100")
	}
	if c.Sync.ProbeInterval < 0 {
		return errors.New("sync.probe_interval must not be negative")
	}
	if c.Backup.Interval < 0 {
		return errors.New("backup.interval must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// RequireAPIKey returns an error when no API key is configured. In dev mode
// (RELAY_DEV_MODE=true) the check is skipped.
func (c *Config) RequireAPIKey() error {
	if os.Getenv("RELAY_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("RELAY_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
