package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "WPROTECT"
	defaultBaseURL       = "http://localhost:8080"
	defaultDatabasePath  = "companion.db"
	defaultLogLevel      = "info"
	defaultTrackInterval = 5 * time.Second
	defaultHTTPTimeout   = 10 * time.Second
)

// AppConfig captures runtime configuration for the companion agent.
type AppConfig struct {
	BackendBaseURL string
	DatabasePath   string
	LogLevel       string
	OwnerID        int64
	DeviceID       string
	TrackInterval  time.Duration
	HTTPTimeout    time.Duration
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

	configViper.SetDefault("backend.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("track.interval", defaultTrackInterval)
	configViper.SetDefault("http.timeout", defaultHTTPTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BackendBaseURL: configViper.GetString("backend.base_url"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		OwnerID:        configViper.GetInt64("owner.id"),
		DeviceID:       configViper.GetString("device.id"),
		TrackInterval:  configViper.GetDuration("track.interval"),
		HTTPTimeout:    configViper.GetDuration("http.timeout"),
	}

	if cfg.TrackInterval <= 0 {
		cfg.TrackInterval = defaultTrackInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
