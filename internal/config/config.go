package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TABULA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tabula.db"
	defaultLogLevel     = "info"

	defaultFlushDelayMillis      = 40
	defaultFlushMaxMillis        = 200
	defaultConfirmIntervalMillis = 50
	defaultConfirmAttempts       = 20
	defaultPresenceTTLSeconds    = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	SigningSecret string
	DatabasePath  string
	LogLevel      string

	FlushDelay      time.Duration
	FlushMax        time.Duration
	ConfirmInterval time.Duration
	ConfirmAttempts int
	PresenceTTL     time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.flush_delay_ms", defaultFlushDelayMillis)
	configViper.SetDefault("sync.flush_max_ms", defaultFlushMaxMillis)
	configViper.SetDefault("sync.confirm_interval_ms", defaultConfirmIntervalMillis)
	configViper.SetDefault("sync.confirm_attempts", defaultConfirmAttempts)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTLSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		FlushDelay:      time.Duration(configViper.GetInt("sync.flush_delay_ms")) * time.Millisecond,
		FlushMax:        time.Duration(configViper.GetInt("sync.flush_max_ms")) * time.Millisecond,
		ConfirmInterval: time.Duration(configViper.GetInt("sync.confirm_interval_ms")) * time.Millisecond,
		ConfirmAttempts: configViper.GetInt("sync.confirm_attempts"),
		PresenceTTL:     time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.FlushDelay <= 0 {
		return fmt.Errorf("sync.flush_delay_ms must be positive")
	}
	if c.FlushMax < c.FlushDelay {
		return fmt.Errorf("sync.flush_max_ms must be at least sync.flush_delay_ms")
	}
	if c.ConfirmInterval <= 0 {
		return fmt.Errorf("sync.confirm_interval_ms must be positive")
	}
	if c.ConfirmAttempts <= 0 {
		return fmt.Errorf("sync.confirm_attempts must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_seconds must be positive")
	}
	return nil
}
