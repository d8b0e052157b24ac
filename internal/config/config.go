// Package config loads the relay's settings from RELAY_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RELAY"

type Config struct {
	Gateway GatewayConfig
	Store   StoreConfig
	// ParamPrefix is the SSM path holding the gateway token when no API key
	// is set directly.
	ParamPrefix    string
	HTTPAddr       string
	PersistTimeout time.Duration
	LogLevel       string
}

type GatewayConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type StoreConfig struct {
	URL        string
	ServiceKey string
}

// Load reads the configuration. Missing required values are not an error
// here; see Missing.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	timeout := v.GetDuration("persist_timeout")
	if timeout <= 0 {
		return nil, fmt.Errorf("config: %s_PERSIST_TIMEOUT must be a positive duration, got %q", envPrefix, v.GetString("persist_timeout"))
	}

	return &Config{
		Gateway: GatewayConfig{
			APIKey:  strings.TrimSpace(v.GetString("gateway.api_key")),
			BaseURL: strings.TrimSpace(v.GetString("gateway.base_url")),
			Model:   strings.TrimSpace(v.GetString("gateway.model")),
		},
		Store: StoreConfig{
			URL:        strings.TrimSpace(v.GetString("store.url")),
			ServiceKey: strings.TrimSpace(v.GetString("store.service_key")),
		},
		ParamPrefix:    strings.TrimSpace(v.GetString("param_prefix")),
		HTTPAddr:       v.GetString("http.addr"),
		PersistTimeout: timeout,
		LogLevel:       v.GetString("log.level"),
	}, nil
}

// AutomaticEnv only resolves keys viper already knows, so every key gets a
// default, even an empty one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.base_url", "https://ai.gateway.lovable.dev/v1")
	v.SetDefault("gateway.model", "google/gemini-2.5-flash")
	v.SetDefault("store.url", "")
	v.SetDefault("store.service_key", "")
	v.SetDefault("param_prefix", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("persist_timeout", "10s")
	v.SetDefault("log.level", "info")
}

// Missing lists the environment variables a relay request needs but which
// are not set.
func (c *Config) Missing() []string {
	var missing []string
	if c.Gateway.APIKey == "" && c.ParamPrefix == "" {
		missing = append(missing, envPrefix+"_GATEWAY_API_KEY")
	}
	if c.Store.URL == "" {
		missing = append(missing, envPrefix+"_STORE_URL")
	} else if c.Store.ServiceKey == "" && postgresWithoutPassword(c.Store.URL) {
		missing = append(missing, envPrefix+"_STORE_SERVICE_KEY")
	}
	return missing
}

func postgresWithoutPassword(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		_, ok := u.User.Password()
		return !ok
	}
	return false
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
