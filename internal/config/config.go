package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CLIPSYNC"
	defaultHTTPAddress          = "0.0.0.0:8000"
	defaultDatabasePath         = "clipboard.db"
	defaultLogLevel             = "info"
	defaultAllowedOrigin        = "*"
	defaultRealtimeBufferSize   = 16
	defaultRealtimeWriteTimeout = 10 * time.Second
	defaultRealtimePingInterval = 30 * time.Second
)

const (
	KeyHTTPAddress          = "http.address"
	KeyTrustedProxies       = "http.trusted_proxies"
	KeyDatabasePath         = "database.path"
	KeyLogLevel             = "log.level"
	KeyAllowedOrigins       = "cors.allowed_origins"
	KeyRealtimeBufferSize   = "realtime.buffer_size"
	KeyRealtimeWriteTimeout = "realtime.write_timeout"
	KeyRealtimePingInterval = "realtime.ping_interval"
)

// AppConfig captures runtime configuration for the clipboard sync server.
type AppConfig struct {
	HTTPAddress          string
	TrustedProxies       []string
	DatabasePath         string
	LogLevel             string
	AllowedOrigins       []string
	RealtimeBufferSize   int
	RealtimeWriteTimeout time.Duration
	RealtimePingInterval time.Duration
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyTrustedProxies, []string{})
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyAllowedOrigins, []string{defaultAllowedOrigin})
	configViper.SetDefault(KeyRealtimeBufferSize, defaultRealtimeBufferSize)
	configViper.SetDefault(KeyRealtimeWriteTimeout, defaultRealtimeWriteTimeout)
	configViper.SetDefault(KeyRealtimePingInterval, defaultRealtimePingInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		TrustedProxies:       splitList(configViper.GetStringSlice(KeyTrustedProxies)),
		DatabasePath:         strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		LogLevel:             configViper.GetString(KeyLogLevel),
		AllowedOrigins:       splitList(configViper.GetStringSlice(KeyAllowedOrigins)),
		RealtimeBufferSize:   configViper.GetInt(KeyRealtimeBufferSize),
		RealtimeWriteTimeout: configViper.GetDuration(KeyRealtimeWriteTimeout),
		RealtimePingInterval: configViper.GetDuration(KeyRealtimePingInterval),
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.RealtimeBufferSize <= 0 {
		return fmt.Errorf("%s must be positive, got %d", KeyRealtimeBufferSize, c.RealtimeBufferSize)
	}
	if c.RealtimeWriteTimeout <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyRealtimeWriteTimeout, c.RealtimeWriteTimeout)
	}
	if c.RealtimePingInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyRealtimePingInterval, c.RealtimePingInterval)
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	entries := make([]string, 0, len(values))
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				entries = append(entries, trimmed)
			}
		}
	}
	return entries
}
