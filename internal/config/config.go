package config

import (
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	PostgresURL string `mapstructure:"POSTGRES_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	ServerPort  string `mapstructure:"SERVER_PORT"`

	IngestWorkers       int `mapstructure:"INGEST_WORKERS"`
	FetchMaxAttempts    int `mapstructure:"FETCH_MAX_ATTEMPTS"`
	FetchTimeoutSeconds int `mapstructure:"FETCH_TIMEOUT_SECONDS"`
	FetchBackoffMS      int `mapstructure:"FETCH_BACKOFF_MS"`

	// HammingThreshold is the near-duplicate distance cutoff T over the 64-bit
	// perceptual signature. Recompressed or resized copies of an image land
	// well under 10 bits apart while unrelated images sit around 25-32, so 10
	// rejects re-encodes without falsely rejecting distinct content.
	HammingThreshold int `mapstructure:"HAMMING_THRESHOLD"`

	SourceURL       string `mapstructure:"SOURCE_URL"`
	SourceAPIKey    string `mapstructure:"SOURCE_API_KEY"`
	SourcePageSize  int    `mapstructure:"SOURCE_PAGE_SIZE"`
	SourceMaxPages  int    `mapstructure:"SOURCE_MAX_PAGES"`
	TagSelector     string `mapstructure:"TAG_SELECTOR"`
	PageLoadTimeout int    `mapstructure:"PAGE_LOAD_TIMEOUT_SECONDS"`

	SeenTTLHours      int `mapstructure:"SEEN_TTL_HOURS"`
	RecentUserSeconds int `mapstructure:"RECENT_USER_SECONDS"`

	RefreshIntervalSeconds int `mapstructure:"REFRESH_INTERVAL_SECONDS"`

	// StopAfterDuplicates ends the run loop once this many candidates in a row
	// resolved as duplicates. Zero disables the stop condition.
	StopAfterDuplicates int `mapstructure:"STOP_AFTER_DUPLICATES"`
}

// Load reads configuration from file or environment variables.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present.
	// This allows configuration purely through environment variables in production.
	_ = viper.ReadInConfig()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("INGEST_WORKERS", 8)
	viper.SetDefault("FETCH_MAX_ATTEMPTS", 3)
	viper.SetDefault("FETCH_TIMEOUT_SECONDS", 30)
	viper.SetDefault("FETCH_BACKOFF_MS", 500)
	viper.SetDefault("HAMMING_THRESHOLD", 10)
	viper.SetDefault("SOURCE_PAGE_SIZE", 100)
	viper.SetDefault("SOURCE_MAX_PAGES", 10)
	viper.SetDefault("TAG_SELECTOR", "main a.post-tag")
	viper.SetDefault("PAGE_LOAD_TIMEOUT_SECONDS", 30)
	viper.SetDefault("SEEN_TTL_HOURS", 48)
	viper.SetDefault("RECENT_USER_SECONDS", 60)
	viper.SetDefault("REFRESH_INTERVAL_SECONDS", 60)
	viper.SetDefault("STOP_AFTER_DUPLICATES", 10)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
