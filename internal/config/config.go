package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "INKWELL"
	defaultHTTPAddress      = "127.0.0.1:7070"
	defaultDatabasePath     = "inkwell.db"
	defaultLogLevel         = "info"
	defaultGossipInterval   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	syncPath                = "/sync"
)

// AppConfig captures runtime configuration for a replica process.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	GossipInterval   time.Duration
	HandshakeTimeout time.Duration
	AdvertiseURL     string
	Seeds            []string
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
	configViper.SetDefault("gossip.interval", defaultGossipInterval)
	configViper.SetDefault("gossip.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("gossip.advertise_url", "")
	configViper.SetDefault("gossip.seeds", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:     strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:         configViper.GetString("log.level"),
		GossipInterval:   configViper.GetDuration("gossip.interval"),
		HandshakeTimeout: configViper.GetDuration("gossip.handshake_timeout"),
		AdvertiseURL:     strings.TrimSpace(configViper.GetString("gossip.advertise_url")),
		Seeds:            normalizeSeeds(configViper.GetStringSlice("gossip.seeds")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	if cfg.AdvertiseURL == "" {
		cfg.AdvertiseURL = advertiseURLFor(cfg.HTTPAddress)
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddress); err != nil {
		return fmt.Errorf("http.address is invalid: %w", err)
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("gossip.interval must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("gossip.handshake_timeout must be positive")
	}
	for _, seed := range c.Seeds {
		if !strings.HasPrefix(seed, "ws://") && !strings.HasPrefix(seed, "wss://") {
			return fmt.Errorf("gossip.seeds entry %q must be a ws:// or wss:// url", seed)
		}
	}
	return nil
}

// advertiseURLFor derives the sync URL from the listen address; a wildcard host advertises loopback.
func advertiseURLFor(httpAddress string) string {
	host, port, err := net.SplitHostPort(httpAddress)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + syncPath
}

// normalizeSeeds accepts both list values and a single comma separated env value.
func normalizeSeeds(raw []string) []string {
	seeds := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				seeds = append(seeds, trimmed)
			}
		}
	}
	return seeds
}
