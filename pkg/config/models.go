package config

import "time"

type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"baseURL"`
	RefreshPath       string        `mapstructure:"refreshPath"`
	BroadcastAuthPath string        `mapstructure:"broadcastAuthPath"`
	ClientID          string        `mapstructure:"clientID"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
}

type RealtimeConfig struct {
	URL          string        `mapstructure:"url"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	Presence     bool          `mapstructure:"presence"`
	Reconnect    BackoffConfig `mapstructure:"reconnect"`
}

type QueueConfig struct {
	StorageKey    string        `mapstructure:"storageKey"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	MaxAge        time.Duration `mapstructure:"maxAge"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	Backoff       BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig parameterizes the exponential retry delay shared by the
// offline queue and the realtime reconnect policy.
type BackoffConfig struct {
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}
