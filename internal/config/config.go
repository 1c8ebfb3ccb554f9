package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the daemon runtime parameters.
type Config struct {
	SelfID              string        `mapstructure:"self_id"`
	LogLevel            string        `mapstructure:"log_level"`
	AdminAddress        string        `mapstructure:"admin_address"`
	DataDir             string        `mapstructure:"data_dir"`
	QueueSize           int           `mapstructure:"queue_size"`
	OutboxSize          int           `mapstructure:"outbox_size"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Vault               VaultConfig   `mapstructure:"vault"`
}

// VaultConfig describes how the vault state file is opened.
type VaultConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultSelfID              = "local"
	defaultLogLevel            = "info"
	defaultAdminAddress        = "127.0.0.1:9091"
	defaultDataDir             = "data"
	defaultQueueSize           = 256
	defaultOutboxSize          = 64
	defaultShutdownGracePeriod = 10 * time.Second
	defaultPassphraseEnv       = "PRIVITTY_VAULT_PASSPHRASE"
	defaultVaultPath           = "data/vault.json"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with PRIVITTY_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRIVITTY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("self_id", defaultSelfID)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("queue_size", defaultQueueSize)
	v.SetDefault("outbox_size", defaultOutboxSize)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("vault.path", defaultVaultPath)
	v.SetDefault("vault.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	if v.IsSet("shutdown_grace_period") {
		dur, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
		if err != nil {
			return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
		}
		cfg.ShutdownGracePeriod = dur
	} else {
		cfg.ShutdownGracePeriod = defaultShutdownGracePeriod
	}

	if cfg.SelfID == "" {
		cfg.SelfID = defaultSelfID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.AdminAddress == "" {
		cfg.AdminAddress = defaultAdminAddress
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.Vault.PassphraseEnv == "" {
		cfg.Vault.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Vault.Path == "" {
		cfg.Vault.Path = defaultVaultPath
	}

	return cfg, nil
}

// Passphrase fetches the vault passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Vault.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("vault passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
