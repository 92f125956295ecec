// Package config handles startup configuration loading and validation. Unlike
// configstore (runtime-mutable, reloaded live by the control surface), this package is
// read once at process start and never mutated afterward.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all startup configuration for the miner process.
type Config struct {
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Redis      RedisConfig      `mapstructure:"redis"`
	API        APIConfig        `mapstructure:"api"`
	Security   SecurityConfig   `mapstructure:"security"`
	Log        LogConfig        `mapstructure:"log"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// WalletConfig identifies the address window this process mines into and where its
// live-mutable tuning is persisted. Key derivation and signing happen outside this
// process; SignerURL points at that external wallet's JSON-RPC endpoint.
type WalletConfig struct {
	AddressSeed     string        `mapstructure:"address_seed"`
	WindowSize      uint32        `mapstructure:"window_size"`
	ConfigStorePath string        `mapstructure:"config_store_path"`
	SignerURL       string        `mapstructure:"signer_url"`
	SignerTimeout   time.Duration `mapstructure:"signer_timeout"`
}

// GatewayEndpoint is one upstream in the failover gateway's weighted endpoint list.
type GatewayEndpoint struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Weight  int           `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GatewayConfig configures the remote gateway(s) the miner submits solutions to.
type GatewayConfig struct {
	Endpoints        []GatewayEndpoint `mapstructure:"endpoints"`
	DevFeeEnabled    bool              `mapstructure:"dev_fee_enabled"`
	DevFeeCacheTTL   time.Duration     `mapstructure:"dev_fee_cache_ttl"`
	TandCCacheTTL    time.Duration     `mapstructure:"tandc_cache_ttl"`
}

// RedisConfig configures the optional history store. Solution history and hashrate
// charts are observational — the control surface and the mining loop work without it.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines the control surface's HTTP server settings.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Bind        string   `mapstructure:"bind"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// SecurityConfig defines access controls on the control surface.
type SecurityConfig struct {
	AdminEnabled  bool   `mapstructure:"admin_enabled"`
	AdminPassword string `mapstructure:"admin_password"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ProfilingConfig defines the pprof debug server settings.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines New Relic APM settings.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines webhook alert settings for solution/hashrate/stability events.
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	MinerName    string `mapstructure:"miner_name"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/scavenger-miner")
	}

	v.SetEnvPrefix("SCAVENGER_MINER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.window_size", 16)
	v.SetDefault("wallet.config_store_path", "./scavenger-miner.json")
	v.SetDefault("wallet.signer_timeout", "10s")

	v.SetDefault("gateway.dev_fee_enabled", true)
	v.SetDefault("gateway.dev_fee_cache_ttl", "1h")
	v.SetDefault("gateway.tandc_cache_ttl", "24h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("security.admin_enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "scavenger-miner")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.miner_name", "scavenger-miner")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Wallet.AddressSeed == "" {
		return fmt.Errorf("wallet.address_seed is required")
	}
	if c.Wallet.WindowSize == 0 {
		return fmt.Errorf("wallet.window_size must be > 0")
	}
	if c.Wallet.SignerURL == "" {
		return fmt.Errorf("wallet.signer_url is required")
	}
	if len(c.Gateway.Endpoints) == 0 {
		return fmt.Errorf("gateway.endpoints must contain at least one entry")
	}
	for _, ep := range c.Gateway.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("gateway endpoint %q missing url", ep.Name)
		}
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis.enabled is true")
	}
	if c.Security.AdminEnabled && c.Security.AdminPassword == "" {
		return fmt.Errorf("security.admin_password is required when security.admin_enabled is true")
	}
	return nil
}
