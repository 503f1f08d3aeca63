package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// ServerName identifies this relay node towards clients and peers.
	// It doubles as the server device id on outgoing messages.
	ServerName   string `mapstructure:"server_name" yaml:"server_name"`
	ClusterKey   string `mapstructure:"cluster_key" yaml:"cluster_key"`
	AssistantID  string `mapstructure:"assistant_id" yaml:"assistant_id"`
	IdentityURL  string `mapstructure:"identity_url" yaml:"identity_url"`
	AccountsPath string `mapstructure:"accounts_path" yaml:"accounts_path"`
	BrokerURL    string `mapstructure:"broker_url" yaml:"broker_url"`
	BrokerTopic  string `mapstructure:"broker_topic" yaml:"broker_topic"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// OpenChannelID is the world-readable default channel created at boot.
	OpenChannelID string `mapstructure:"open_channel_id" yaml:"open_channel_id"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogPretty     bool   `mapstructure:"log_pretty" yaml:"log_pretty"`

	// Presence and broadcast policies.
	DistinguishDeviceIDs        bool `mapstructure:"distinguish_device_ids" yaml:"distinguish_device_ids"`
	PrivateChannelAssistantOnly bool `mapstructure:"private_channel_assistant_only" yaml:"private_channel_assistant_only"`

	// Liveness.
	UseAlivePings bool          `mapstructure:"use_alive_pings" yaml:"use_alive_pings"`
	PingInterval  time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingExpiry    time.Duration `mapstructure:"ping_expiry" yaml:"ping_expiry"`

	// Channel history and registry limits.
	HistoryPerChannel    int           `mapstructure:"history_per_channel" yaml:"history_per_channel"`
	HistoryCleanupDelay  time.Duration `mapstructure:"history_cleanup_delay" yaml:"history_cleanup_delay"`
	MaxChannelsPerUser   int           `mapstructure:"max_channels_per_user" yaml:"max_channels_per_user"`
	MaxChannelsPerServer int           `mapstructure:"max_channels_per_server" yaml:"max_channels_per_server"`

	// StoreWorkers bounds the background persistence pool.
	StoreWorkers int `mapstructure:"store_workers" yaml:"store_workers"`
	StoreQueue   int `mapstructure:"store_queue" yaml:"store_queue"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":20723",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,

		ServerName:    "chanrelay-node-1",
		AssistantID:   "assistant",
		AccountsPath:  "accounts.yml",
		BrokerTopic:   "chanrelay.events",
		DatabasePath:  "chanrelay.db",
		OpenChannelID: "openWorld",
		LogLevel:      "info",
		LogPretty:     true,

		DistinguishDeviceIDs:        true,
		PrivateChannelAssistantOnly: true,

		UseAlivePings: true,
		PingInterval:  45 * time.Minute,
		PingExpiry:    10 * time.Second,

		HistoryPerChannel:    0,
		HistoryCleanupDelay:  30 * time.Minute,
		MaxChannelsPerUser:   10,
		MaxChannelsPerServer: 5000,

		StoreWorkers: 4,
		StoreQueue:   256,
	}
}
