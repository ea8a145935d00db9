package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Policy names for behavior when the backing store is unreachable.
const (
	StorePolicyDegrade = "degrade"
	StorePolicyFail    = "fail"
)

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Config struct {
	LogLevel      string        `mapstructure:"log_level"`
	APIListenAddr string        `mapstructure:"api_listen_addr"`
	WSListenAddr  string        `mapstructure:"ws_listen_addr"`
	RoomTTL       time.Duration `mapstructure:"room_ttl"`

	// RequireAuth is the single admission predicate applied uniformly to
	// every namespace: unauthenticated connections are rejected when set.
	RequireAuth bool `mapstructure:"require_auth"`

	// OnStoreUnavailable picks degrade (keep serving with reduced
	// uniqueness guarantees) or fail (reject outright) when the store is
	// down. Degrade is the default for a multiplayer-session service.
	OnStoreUnavailable string `mapstructure:"on_store_unavailable"`

	Redis Redis `mapstructure:"redis"`
}

// Load reads an optional yaml file plus SKIPON_* environment overrides.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("skipon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "debug")
	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("room_ttl", "1h")
	v.SetDefault("require_auth", true)
	v.SetDefault("on_store_unavailable", StorePolicyDegrade)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.OnStoreUnavailable != StorePolicyDegrade && cfg.OnStoreUnavailable != StorePolicyFail {
		return nil, fmt.Errorf("invalid on_store_unavailable policy: %q", cfg.OnStoreUnavailable)
	}
	return &cfg, nil
}
