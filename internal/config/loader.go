package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "CHANRELAY_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("server_name", cfg.ServerName)
	v.SetDefault("cluster_key", cfg.ClusterKey)
	v.SetDefault("assistant_id", cfg.AssistantID)
	v.SetDefault("identity_url", cfg.IdentityURL)
	v.SetDefault("accounts_path", cfg.AccountsPath)
	v.SetDefault("broker_url", cfg.BrokerURL)
	v.SetDefault("broker_topic", cfg.BrokerTopic)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("open_channel_id", cfg.OpenChannelID)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("distinguish_device_ids", cfg.DistinguishDeviceIDs)
	v.SetDefault("private_channel_assistant_only", cfg.PrivateChannelAssistantOnly)
	v.SetDefault("use_alive_pings", cfg.UseAlivePings)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("ping_expiry", cfg.PingExpiry)
	v.SetDefault("history_per_channel", cfg.HistoryPerChannel)
	v.SetDefault("history_cleanup_delay", cfg.HistoryCleanupDelay)
	v.SetDefault("max_channels_per_user", cfg.MaxChannelsPerUser)
	v.SetDefault("max_channels_per_server", cfg.MaxChannelsPerServer)
	v.SetDefault("store_workers", cfg.StoreWorkers)
	v.SetDefault("store_queue", cfg.StoreQueue)

	v.SetEnvPrefix("CHANRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
