package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for etagchat.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Chat       ChatConfig       `yaml:"chat"`
	Enrich     EnrichConfig     `yaml:"enrich"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that sets those headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// ChatConfig controls the message store and the real-time channel.
type ChatConfig struct {
	DefaultRoom    string        `yaml:"default_room"`
	BroadcastEvent string        `yaml:"broadcast_event"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// AllowedOrigins are host patterns (path.Match syntax) accepted for
	// cross-origin WebSocket upgrades. Same-origin is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EnrichConfig controls the background embed upgrade of video links.
type EnrichConfig struct {
	EmbedEnabled bool          `yaml:"embed_enabled"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
}

// SecurityConfig contains abuse-protection settings.
type SecurityConfig struct {
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	MaxConnections int             `yaml:"max_connections"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	PostsPerMinute       int  `yaml:"posts_per_minute"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	// RecentEntries is the size of the in-memory log buffer served on the
	// health listener. 0 disables it.
	RecentEntries int `yaml:"recent_entries"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	LogsEndpoint  string `yaml:"logs_endpoint"`
	ListenAddress string `yaml:"listen_address"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: "127.0.0.1:3000",
			DrainTimeout:  15 * time.Second,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			MaxBodyBytes:  65536, // 64KB
		},
		Chat: ChatConfig{
			DefaultRoom:    "general",
			BroadcastEvent: "msg",
			MaxFrameBytes:  65536,
			SendQueueSize:  64,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Enrich: EnrichConfig{
			EmbedEnabled: true,
			ProbeTimeout: 10 * time.Second,
			Workers:      2,
			QueueSize:    128,
		},
		Security: SecurityConfig{
			MaxConnections: 1000,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				PostsPerMinute:       120,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    20,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,

			RecentEntries: 256,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			LogsEndpoint:  "/logs",
			ListenAddress: "127.0.0.1:3001",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
// An empty path means defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if c.Server.MaxBodyBytes > 16777216 {
		return fmt.Errorf("server.max_body_bytes must not exceed 16777216 (16MB)")
	}

	// Chat validation
	if strings.TrimSpace(c.Chat.DefaultRoom) == "" {
		return fmt.Errorf("chat.default_room is required")
	}
	if c.Chat.BroadcastEvent == "" {
		return fmt.Errorf("chat.broadcast_event is required")
	}
	if c.Chat.MaxFrameBytes <= 0 {
		return fmt.Errorf("chat.max_frame_bytes must be positive")
	}
	if c.Chat.SendQueueSize <= 0 {
		return fmt.Errorf("chat.send_queue_size must be positive")
	}
	if c.Chat.PingInterval < 0 {
		return fmt.Errorf("chat.ping_interval must not be negative")
	}
	if c.Chat.PingInterval > 0 && c.Chat.PongTimeout <= 0 {
		return fmt.Errorf("chat.pong_timeout must be positive when pings are enabled")
	}
	if c.Chat.WriteTimeout <= 0 {
		return fmt.Errorf("chat.write_timeout must be positive")
	}

	// Enrich validation
	if c.Enrich.EmbedEnabled {
		if c.Enrich.ProbeTimeout <= 0 {
			return fmt.Errorf("enrich.probe_timeout must be positive")
		}
		if c.Enrich.Workers <= 0 {
			return fmt.Errorf("enrich.workers must be positive")
		}
		if c.Enrich.QueueSize <= 0 {
			return fmt.Errorf("enrich.queue_size must be positive")
		}
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.PostsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.posts_per_minute must be positive")
		}
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RecentEntries < 0 {
		return fmt.Errorf("logging.recent_entries must not be negative")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if !strings.HasPrefix(c.Health.Endpoint, "/") {
			return fmt.Errorf("health.endpoint must start with /")
		}
		if c.Health.LogsEndpoint != "" {
			if !strings.HasPrefix(c.Health.LogsEndpoint, "/") {
				return fmt.Errorf("health.logs_endpoint must start with /")
			}
			if c.Health.LogsEndpoint == c.Health.Endpoint {
				return fmt.Errorf("health.logs_endpoint and health.endpoint must be different")
			}
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}
	if c.Monitoring.MetricsEnabled {
		if !c.Health.Enabled {
			return fmt.Errorf("monitoring.metrics_enabled requires health.enabled (metrics share the health listener)")
		}
		if !strings.HasPrefix(c.Monitoring.MetricsEndpoint, "/") {
			return fmt.Errorf("monitoring.metrics_endpoint must start with /")
		}
		if c.Monitoring.MetricsEndpoint == c.Health.Endpoint || c.Monitoring.MetricsEndpoint == c.Health.LogsEndpoint {
			return fmt.Errorf("monitoring.metrics_endpoint must differ from health.endpoint and health.logs_endpoint")
		}
	}

	return nil
}

// applyEnvOverrides applies ETAGCHAT_ prefixed environment variables.
// Convention: ETAGCHAT_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"ETAGCHAT_SERVER_LISTEN_ADDRESS": func(v string) {
			cfg.Server.ListenAddress = v
		},
		"ETAGCHAT_SERVER_DRAIN_TIMEOUT": func(v string) {
			cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout)
		},
		"ETAGCHAT_SERVER_MAX_BODY_BYTES": func(v string) {
			cfg.Server.MaxBodyBytes = parseInt64(v, cfg.Server.MaxBodyBytes)
		},
		"ETAGCHAT_SERVER_TRUST_PROXY_HEADERS": func(v string) {
			cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders)
		},
		"ETAGCHAT_CHAT_DEFAULT_ROOM": func(v string) {
			cfg.Chat.DefaultRoom = v
		},
		"ETAGCHAT_CHAT_BROADCAST_EVENT": func(v string) {
			cfg.Chat.BroadcastEvent = v
		},
		"ETAGCHAT_CHAT_MAX_FRAME_BYTES": func(v string) {
			cfg.Chat.MaxFrameBytes = parseInt64(v, cfg.Chat.MaxFrameBytes)
		},
		"ETAGCHAT_CHAT_PING_INTERVAL": func(v string) {
			cfg.Chat.PingInterval = parseDuration(v, cfg.Chat.PingInterval)
		},
		"ETAGCHAT_ENRICH_EMBED_ENABLED": func(v string) {
			cfg.Enrich.EmbedEnabled = parseBool(v, cfg.Enrich.EmbedEnabled)
		},
		"ETAGCHAT_ENRICH_PROBE_TIMEOUT": func(v string) {
			cfg.Enrich.ProbeTimeout = parseDuration(v, cfg.Enrich.ProbeTimeout)
		},
		"ETAGCHAT_SECURITY_MAX_CONNECTIONS": func(v string) {
			cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections)
		},
		"ETAGCHAT_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"ETAGCHAT_SECURITY_RATE_LIMIT_POSTS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.PostsPerMinute = parseInt(v, cfg.Security.RateLimit.PostsPerMinute)
		},
		"ETAGCHAT_LOGGING_LEVEL": func(v string) {
			cfg.Logging.Level = v
		},
		"ETAGCHAT_LOGGING_FORMAT": func(v string) {
			cfg.Logging.Format = v
		},
		"ETAGCHAT_LOGGING_FILE": func(v string) {
			cfg.Logging.File = v
		},
		"ETAGCHAT_LOGGING_RECENT_ENTRIES": func(v string) {
			cfg.Logging.RecentEntries = parseInt(v, cfg.Logging.RecentEntries)
		},
		"ETAGCHAT_HEALTH_ENABLED": func(v string) {
			cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled)
		},
		"ETAGCHAT_HEALTH_LISTEN_ADDRESS": func(v string) {
			cfg.Health.ListenAddress = v
		},
		"ETAGCHAT_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, default_room, broadcast_event, enrich.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxBodyBytes = newCfg.Server.MaxBodyBytes
	updated.Chat.MaxFrameBytes = newCfg.Chat.MaxFrameBytes
	return &updated
}

// IsReloadSafe reports the changed fields that only take effect after a restart.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	if old.Server.TrustProxyHeaders != new.Server.TrustProxyHeaders {
		warnings = append(warnings, "server.trust_proxy_headers requires restart")
	}
	if old.Chat.DefaultRoom != new.Chat.DefaultRoom {
		warnings = append(warnings, "chat.default_room requires restart")
	}
	if old.Chat.BroadcastEvent != new.Chat.BroadcastEvent {
		warnings = append(warnings, "chat.broadcast_event requires restart")
	}
	if old.Enrich != new.Enrich {
		warnings = append(warnings, "enrich requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
