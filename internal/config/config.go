// Package config provides configuration management using Viper.
// It loads configuration from environment variables, .env files, and config files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stwalsh4118/vivo/internal/logger"
)

const (
	defaultServerPort      = 8080
	defaultServerHost      = "0.0.0.0"
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultDatabasePath    = "./data/vivo.db"
	defaultMigrationsPath  = "file://./migrations"
	defaultLogLevel        = "info"
	defaultLogPretty       = false
	defaultTokenUpstream   = "https://mitelefe.com/vidya/tokenize"
	defaultTokenReferer    = "https://mitelefe.com/vivo"
	defaultTokenOrigin     = "https://mitelefe.com"
	defaultTokenRefresh    = 90 * time.Minute
	defaultTokenTimeout    = 15 * time.Second
	defaultTokenRateLimit  = 1.0
	defaultTokenRateBurst  = 5
	defaultBreakerFailures = 5
	defaultBreakerReset    = 60 * time.Second
	defaultChannelID       = "telefe"
	defaultChannelName     = "Telefe"
	defaultChannelBaseURL  = "https://telefeappmitelefe1.akamaized.net/hls/live/2037985/appmitelefe/TOK/master.m3u8"
	defaultChannelTokenURL = "http://127.0.0.1:8080/api/tokenize"
	defaultRefererPolicy   = "https://mitelefe.com/vivo"
	defaultCacheName       = "vivo-shell-v1"
	defaultCacheOrigin     = "http://127.0.0.1:5173"
	defaultMaxNetRetries   = 3
	defaultEngineTimeout   = 10 * time.Second
	envPrefix              = "VIVO"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Token    TokenConfig
	Channel  ChannelConfig
	Engine   EngineConfig
	Cache    CacheConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Path           string
	MigrationsPath string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// TokenConfig holds the token proxy and refresh settings.
// Upstream, Referer and Origin describe the signer the /api/tokenize proxy talks to.
type TokenConfig struct {
	Upstream        string
	Referer         string
	Origin          string
	RefreshInterval time.Duration
	Timeout         time.Duration
	RateLimit       float64
	RateBurst       int
	BreakerFailures int
	BreakerReset    time.Duration
}

// ChannelConfig is the canonical source record for the live channel.
// BaseURL is the unsigned manifest URL; it is exchanged for a signed one and never played directly.
type ChannelConfig struct {
	ID            string
	Name          string
	BaseURL       string
	TokenEndpoint string
	RefererPolicy string
}

// EngineConfig tunes the adaptive engine buffers
type EngineConfig struct {
	BackBuffer          time.Duration
	MaxBuffer           time.Duration
	MaxMaxBuffer        time.Duration
	LiveSyncCount       int
	LiveMaxLatencyCount int
	MaxNetworkRetries   int
	RequestTimeout      time.Duration
}

// CacheConfig holds the page shell cache settings
type CacheConfig struct {
	Name      string
	Origin    string
	Precache  []string
	LiveHosts []string
	RedisAddr string
}

// Load reads configuration from .env file, config files, environment variables, and defaults
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

// LoadAndWatch loads configuration and, when a config file is in use, calls onChange
// with the re-read configuration every time the file is modified.
// Invalid edits are logged and ignored.
func LoadAndWatch(onChange func(*Config)) (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" || onChange == nil {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Configuration file changed")

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			logger.Log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		if err := next.Validate(); err != nil {
			logger.Log.Error().Err(err).Msg("Reloaded configuration is invalid, keeping previous")
			return
		}
		onChange(&next)
	})
	v.WatchConfig()

	return cfg, nil
}

func load() (*Config, *viper.Viper, error) {
	// .env files are optional in production and CI where env vars are set directly
	_ = godotenv.Load() // nolint:errcheck // .env file is optional

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/vivo")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, v, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.host", defaultServerHost)
	v.SetDefault("server.readtimeout", defaultReadTimeout)
	v.SetDefault("server.writetimeout", defaultWriteTimeout)

	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("database.migrationspath", defaultMigrationsPath)

	v.SetDefault("logging.level", defaultLogLevel)
	v.SetDefault("logging.pretty", defaultLogPretty)

	v.SetDefault("token.upstream", defaultTokenUpstream)
	v.SetDefault("token.referer", defaultTokenReferer)
	v.SetDefault("token.origin", defaultTokenOrigin)
	v.SetDefault("token.refreshinterval", defaultTokenRefresh)
	v.SetDefault("token.timeout", defaultTokenTimeout)
	v.SetDefault("token.ratelimit", defaultTokenRateLimit)
	v.SetDefault("token.rateburst", defaultTokenRateBurst)
	v.SetDefault("token.breakerfailures", defaultBreakerFailures)
	v.SetDefault("token.breakerreset", defaultBreakerReset)

	v.SetDefault("channel.id", defaultChannelID)
	v.SetDefault("channel.name", defaultChannelName)
	v.SetDefault("channel.baseurl", defaultChannelBaseURL)
	v.SetDefault("channel.tokenendpoint", defaultChannelTokenURL)
	v.SetDefault("channel.refererpolicy", defaultRefererPolicy)

	// Low-latency live tuning: small back buffer, bounded forward buffer
	v.SetDefault("engine.backbuffer", 90*time.Second)
	v.SetDefault("engine.maxbuffer", 30*time.Second)
	v.SetDefault("engine.maxmaxbuffer", 60*time.Second)
	v.SetDefault("engine.livesynccount", 3)
	v.SetDefault("engine.livemaxlatencycount", 10)
	v.SetDefault("engine.maxnetworkretries", defaultMaxNetRetries)
	v.SetDefault("engine.requesttimeout", defaultEngineTimeout)

	v.SetDefault("cache.name", defaultCacheName)
	v.SetDefault("cache.origin", defaultCacheOrigin)
	v.SetDefault("cache.precache", []string{"/", "/index.html", "/manifest.json", "/icon.svg", "/icon-512.png"})
	v.SetDefault("cache.livehosts", []string{"akamaized"})
	v.SetDefault("cache.redisaddr", "")
}

// Validate checks that configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("invalid read timeout: %v (must be > 0)", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout: %v (must be > 0)", c.Server.WriteTimeout)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.Logging.Level, strings.Join(validLevels, ", "))
	}

	if err := validateURL("token upstream", c.Token.Upstream); err != nil {
		return err
	}
	if c.Token.RefreshInterval <= 0 {
		return fmt.Errorf("invalid token refresh interval: %v (must be > 0)", c.Token.RefreshInterval)
	}
	if c.Token.Timeout <= 0 {
		return fmt.Errorf("invalid token timeout: %v (must be > 0)", c.Token.Timeout)
	}
	if c.Token.RateLimit <= 0 || c.Token.RateBurst < 1 {
		return fmt.Errorf("invalid token rate limit: %v/%d (rate must be > 0, burst >= 1)", c.Token.RateLimit, c.Token.RateBurst)
	}
	if c.Token.BreakerFailures < 1 {
		return fmt.Errorf("invalid breaker failure threshold: %d (must be >= 1)", c.Token.BreakerFailures)
	}

	if c.Channel.ID == "" {
		return fmt.Errorf("channel id cannot be empty")
	}
	if err := validateURL("channel base url", c.Channel.BaseURL); err != nil {
		return err
	}
	if err := validateURL("channel token endpoint", c.Channel.TokenEndpoint); err != nil {
		return err
	}

	if c.Engine.LiveSyncCount < 1 {
		return fmt.Errorf("invalid live sync count: %d (must be >= 1)", c.Engine.LiveSyncCount)
	}
	if c.Engine.LiveMaxLatencyCount < c.Engine.LiveSyncCount {
		return fmt.Errorf("invalid live max latency count: %d (must be >= live sync count %d)",
			c.Engine.LiveMaxLatencyCount, c.Engine.LiveSyncCount)
	}
	if c.Engine.MaxNetworkRetries < 0 {
		return fmt.Errorf("invalid max network retries: %d (must be >= 0)", c.Engine.MaxNetworkRetries)
	}

	if c.Cache.Name == "" {
		return fmt.Errorf("cache name cannot be empty")
	}
	if err := validateURL("cache origin", c.Cache.Origin); err != nil {
		return err
	}

	return nil
}

// ListenAddr returns the host:port the HTTP server binds to
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: %q (must be an absolute URL)", name, raw)
	}
	return nil
}

// contains checks if a string slice contains a specific value
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
