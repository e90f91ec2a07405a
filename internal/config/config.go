package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/0xedev/Buster-market/internal/access"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Legacy   LegacyConfig   `mapstructure:"legacy"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LedgerConfig holds market ledger configuration
type LedgerConfig struct {
	Owner             string        `mapstructure:"owner"`
	EscrowAccount     string        `mapstructure:"escrow_account"`
	ProgressBatchSize int           `mapstructure:"progress_batch_size"`
	DefaultBatchSize  int           `mapstructure:"default_batch_size"`
	DistributeWorkers int           `mapstructure:"distribute_workers"`
	Grants            []GrantConfig `mapstructure:"grants"`
}

// GrantConfig is a capability granted at startup.
type GrantConfig struct {
	Capability string `mapstructure:"capability"`
	User       string `mapstructure:"user"`
}

// VaultConfig holds the in-memory value ledger configuration
type VaultConfig struct {
	Genesis []GenesisAccount `mapstructure:"genesis"`
}

// GenesisAccount is a balance minted when the vault starts.
type GenesisAccount struct {
	Account string `mapstructure:"account"`
	Amount  string `mapstructure:"amount"` // decimal base units
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath             string        `mapstructure:"db_path"`
	MaxEvents          int           `mapstructure:"max_events"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// LegacyConfig holds the legacy market source configuration
type LegacyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Holders    []string      `mapstructure:"holders"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from file and environment variables.
// Variables from a .env file in the working directory are loaded first
// and never override the real environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. BUSTER_LEDGER_OWNER
	v.SetEnvPrefix("BUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Ledger defaults
	v.SetDefault("ledger.escrow_account", "escrow")
	v.SetDefault("ledger.progress_batch_size", 50)
	v.SetDefault("ledger.default_batch_size", 50)
	v.SetDefault("ledger.distribute_workers", 4)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/buster.db")
	v.SetDefault("storage.max_events", 10000)
	v.SetDefault("storage.event_buffer", 256)
	v.SetDefault("storage.checkpoint_interval", "1m")

	// Legacy defaults
	v.SetDefault("legacy.enabled", false)
	v.SetDefault("legacy.timeout", "30s")
	v.SetDefault("legacy.max_retries", 3)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	// Validate Ledger config
	if c.Ledger.Owner == "" {
		return fmt.Errorf("ledger.owner is required")
	}
	if c.Ledger.EscrowAccount == "" {
		return fmt.Errorf("ledger.escrow_account is required")
	}
	if strings.EqualFold(c.Ledger.EscrowAccount, c.Ledger.Owner) {
		return fmt.Errorf("ledger.escrow_account must differ from ledger.owner")
	}
	if c.Ledger.ProgressBatchSize < 1 {
		return fmt.Errorf("ledger.progress_batch_size must be at least 1")
	}
	if c.Ledger.DefaultBatchSize < 1 || c.Ledger.DefaultBatchSize > 1000 {
		return fmt.Errorf("ledger.default_batch_size must be between 1 and 1000")
	}
	if c.Ledger.DistributeWorkers < 1 {
		return fmt.Errorf("ledger.distribute_workers must be at least 1")
	}
	for i, g := range c.Ledger.Grants {
		if _, err := access.ParseCapability(g.Capability); err != nil {
			return fmt.Errorf("ledger.grants[%d]: %w", i, err)
		}
		if g.User == "" {
			return fmt.Errorf("ledger.grants[%d].user is required", i)
		}
	}

	// Validate Vault config
	for i, g := range c.Vault.Genesis {
		if g.Account == "" {
			return fmt.Errorf("vault.genesis[%d].account is required", i)
		}
		if _, err := uint256.FromDecimal(g.Amount); err != nil {
			return fmt.Errorf("vault.genesis[%d].amount %q is not a decimal amount: %w", i, g.Amount, err)
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxEvents < 1 {
		return fmt.Errorf("storage.max_events must be at least 1")
	}
	if c.Storage.CheckpointInterval < 1*time.Second {
		return fmt.Errorf("storage.checkpoint_interval must be at least 1 second")
	}

	// Validate Legacy config
	if c.Legacy.Enabled {
		if c.Legacy.BaseURL == "" {
			return fmt.Errorf("legacy.base_url is required when legacy import is enabled")
		}
		if c.Legacy.Timeout <= 0 {
			return fmt.Errorf("legacy.timeout must be positive")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be at least 1")
	}

	return nil
}
