package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("api.baseURL", "http://localhost:8080")
	v.SetDefault("api.refreshPath", "/auth/refresh")
	v.SetDefault("api.broadcastAuthPath", "/broadcasting/auth")
	v.SetDefault("api.clientID", "uplink-go")
	v.SetDefault("api.requestTimeout", "30s")
	v.SetDefault("realtime.url", "ws://localhost:6001/ws")
	v.SetDefault("realtime.pingInterval", "30s")
	v.SetDefault("realtime.presence", false)
	v.SetDefault("realtime.reconnect.baseDelay", "1s")
	v.SetDefault("realtime.reconnect.maxDelay", "30s")
	v.SetDefault("realtime.reconnect.maxAttempts", 10)
	v.SetDefault("queue.storageKey", "queue.requests")
	v.SetDefault("queue.maxRetries", 5)
	v.SetDefault("queue.maxAge", "24h")
	v.SetDefault("queue.sweepInterval", "60s")
	v.SetDefault("queue.backoff.baseDelay", "2s")
	v.SetDefault("queue.backoff.maxDelay", "5m")
	v.SetDefault("storage.dir", ".uplink")
	v.SetDefault("logging.level", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("UPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
