package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "CLIPROOM"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultPublicURL         = "http://localhost:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "cliproom.db"
	defaultBlobDirectory     = "blobs"
	defaultBlobMaxBytes      = 10 << 20
	defaultRetention         = 24 * time.Hour
	defaultMaxCreateAttempts = 5
	defaultSweepSchedule     = "0 */6 * * *"
	defaultRateLimitRPS      = 20.0
	defaultRateLimitBurst    = 40
	defaultServerURL         = "http://localhost:8080"
	defaultRequestTimeout    = 15 * time.Second
	defaultDebounce          = 500 * time.Millisecond
	defaultLogLevel          = "info"
	defaultDotEnvFile        = ".env"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the room server.
type AppConfig struct {
	HTTPAddress       string
	PublicURL         string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	BlobDirectory     string
	BlobMaxBytes      int64
	RedisURL          string
	RoomRetention     time.Duration
	MaxCreateAttempts int
	SweepSchedule     string
	RateLimitRPS      float64
	RateLimitBurst    int
	LogLevel          string
}

// ClientConfig captures configuration for the room client commands.
type ClientConfig struct {
	ServerURL      string
	RequestTimeout time.Duration
	Debounce       time.Duration
	LogLevel       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_url", defaultPublicURL)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("blobs.dir", defaultBlobDirectory)
	configViper.SetDefault("blobs.max_bytes", defaultBlobMaxBytes)
	configViper.SetDefault("realtime.redis_url", "")
	configViper.SetDefault("rooms.retention", defaultRetention)
	configViper.SetDefault("rooms.max_create_attempts", defaultMaxCreateAttempts)
	configViper.SetDefault("sweep.schedule", defaultSweepSchedule)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("client.debounce", defaultDebounce)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// LoadDotEnv exports variables from a .env file into the process environment.
// Variables already set win. A missing default file is not an error.
func LoadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultDotEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		PublicURL:         strings.TrimRight(configViper.GetString("http.public_url"), "/"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		BlobDirectory:     configViper.GetString("blobs.dir"),
		BlobMaxBytes:      configViper.GetInt64("blobs.max_bytes"),
		RedisURL:          configViper.GetString("realtime.redis_url"),
		RoomRetention:     configViper.GetDuration("rooms.retention"),
		MaxCreateAttempts: configViper.GetInt("rooms.max_create_attempts"),
		SweepSchedule:     configViper.GetString("sweep.schedule"),
		RateLimitRPS:      configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:    configViper.GetInt("ratelimit.burst"),
		LogLevel:          configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if err := validateHTTPURL("http.public_url", c.PublicURL); err != nil {
		return err
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.BlobDirectory) == "" {
		return fmt.Errorf("blobs.dir is required")
	}
	if c.BlobMaxBytes <= 0 {
		return fmt.Errorf("blobs.max_bytes must be positive")
	}
	if c.RoomRetention <= 0 {
		return fmt.Errorf("rooms.retention must be positive")
	}
	if c.MaxCreateAttempts <= 0 {
		return fmt.Errorf("rooms.max_create_attempts must be positive")
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		return fmt.Errorf("sweep.schedule is required")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimRight(configViper.GetString("client.server_url"), "/"),
		RequestTimeout: configViper.GetDuration("client.request_timeout"),
		Debounce:       configViper.GetDuration("client.debounce"),
		LogLevel:       configViper.GetString("log.level"),
	}
	if err := validateHTTPURL("client.server_url", cfg.ServerURL); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RequestTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("client.request_timeout must be positive")
	}
	if cfg.Debounce <= 0 {
		return ClientConfig{}, fmt.Errorf("client.debounce must be positive")
	}
	return cfg, nil
}

func validateHTTPURL(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) url, got %q", key, raw)
	}
	return nil
}
