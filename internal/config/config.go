package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jiteshy/collabx/pkg/types"
)

// Config is the complete server configuration.
type Config struct {
	HTTP       *HTTPConfig              `json:"http"`
	WebSocket  *WebSocketConfig         `json:"websocket"`
	Session    *SessionConfig           `json:"session"`
	RateLimits map[string]RateLimitRule `json:"rate_limits"`
	Admission  *AdmissionConfig         `json:"admission"`
	Audit      *AuditConfig             `json:"audit"`
	Discovery  *DiscoveryConfig         `json:"discovery"`
	Tracing    *TracingConfig           `json:"tracing"`
	Log        *LogConfig               `json:"log"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	MetricsEnabled  bool          `json:"metrics_enabled"`
}

// WebSocketConfig controls the per-connection transport.
type WebSocketConfig struct {
	PingInterval     time.Duration `json:"ping_interval"`
	ReadTimeout      time.Duration `json:"read_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	BufferSize       int           `json:"buffer_size"`
	MaxMessageSize   int64         `json:"max_message_size"`
	AllowedOrigins   []string      `json:"allowed_origins"`
}

// SessionConfig controls session creation and the event timeline.
type SessionConfig struct {
	MaxMembers      int    `json:"max_members"`
	DefaultLanguage string `json:"default_language"`
	DefaultContent  string `json:"default_content"`
	QueueSize       int    `json:"queue_size"`
}

// RateLimitRule is a fixed-window quota for one event type.
type RateLimitRule struct {
	Window  time.Duration `json:"window"`
	Max     int           `json:"max"`
	Message string        `json:"message"`
}

// AdmissionConfig controls per-IP limiting of WebSocket upgrades.
type AdmissionConfig struct {
	Enabled     bool          `json:"enabled"`
	RPS         float64       `json:"rps"`
	Burst       int           `json:"burst"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// AuditConfig controls the SQLite membership audit log.
type AuditConfig struct {
	Enabled bool          `json:"enabled"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// DiscoveryConfig controls mDNS advertisement on the local network.
type DiscoveryConfig struct {
	Enabled  bool   `json:"enabled"`
	Instance string `json:"instance"`
	Service  string `json:"service"`
	Domain   string `json:"domain"`
}

// TracingConfig controls OpenTelemetry span export. Spans are written as
// JSON lines to stdout.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultRateLimits returns the stock per-event quotas.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		types.EventJoin: {
			Window:  60 * time.Second,
			Max:     5,
			Message: "Too many join attempts. Please wait before trying again.",
		},
		types.EventContentChange: {
			Window:  time.Second,
			Max:     50,
			Message: "Too many content updates. Please slow down.",
		},
		types.EventCursorMove: {
			Window:  time.Second,
			Max:     100,
			Message: "Too many cursor updates. Please slow down.",
		},
		types.EventSelectionChange: {
			Window:  time.Second,
			Max:     50,
			Message: "Too many selection updates. Please slow down.",
		},
		types.EventLanguageChange: {
			Window:  5 * time.Second,
			Max:     10,
			Message: "Too many language changes. Please wait before trying again.",
		},
	}
}

// DefaultConfig returns a configuration that runs a single local gateway
// with the audit log and discovery disabled.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MetricsEnabled:  true,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
			MaxMessageSize:   8 << 20,
		},
		Session: &SessionConfig{
			MaxMembers:      5,
			DefaultLanguage: "javascript",
			DefaultContent:  "// Start collaborating here\n",
			QueueSize:       1024,
		},
		RateLimits: DefaultRateLimits(),
		Admission: &AdmissionConfig{
			Enabled:     true,
			RPS:         5,
			Burst:       20,
			IdleTimeout: 3 * time.Minute,
		},
		Audit: &AuditConfig{
			Enabled: false,
			Path:    "./collabx.db",
			Timeout: 30 * time.Second,
		},
		Discovery: &DiscoveryConfig{
			Enabled:  false,
			Instance: "collabx",
			Service:  "_collabx._tcp",
			Domain:   "local.",
		},
		Tracing: &TracingConfig{
			Enabled:     false,
			ServiceName: "collabx",
			SampleRatio: 1,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket handshake timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.MaxMembers <= 0 {
		return fmt.Errorf("session max members must be positive")
	}
	if err := types.ValidateLanguage(c.Session.DefaultLanguage); err != nil {
		return fmt.Errorf("session default language: %w", err)
	}
	if err := types.ValidateContent(c.Session.DefaultContent); err != nil {
		return fmt.Errorf("session default content: %w", err)
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session queue size must be positive")
	}

	for eventType, rule := range c.RateLimits {
		if !types.IsKnownEvent(eventType) {
			return fmt.Errorf("rate limit for unknown event type %q", eventType)
		}
		if rule.Window <= 0 || rule.Max <= 0 {
			return fmt.Errorf("rate limit for %s needs a positive window and max", eventType)
		}
	}

	if c.Admission == nil {
		return fmt.Errorf("admission configuration is required")
	}
	if c.Admission.Enabled && (c.Admission.RPS <= 0 || c.Admission.Burst <= 0) {
		return fmt.Errorf("admission rps and burst must be positive when enabled")
	}

	if c.Audit == nil {
		return fmt.Errorf("audit configuration is required")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit path cannot be empty when audit is enabled")
	}
	if c.Audit.Enabled && c.Audit.Timeout <= 0 {
		return fmt.Errorf("audit timeout must be positive")
	}

	if c.Discovery == nil {
		return fmt.Errorf("discovery configuration is required")
	}
	if c.Discovery.Enabled && (c.Discovery.Instance == "" || c.Discovery.Service == "") {
		return fmt.Errorf("discovery instance and service are required when enabled")
	}

	if c.Tracing == nil {
		return fmt.Errorf("tracing configuration is required")
	}
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing service name cannot be empty when tracing is enabled")
		}
		if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing sample ratio must be in (0, 1]")
		}
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}

	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv returns the defaults overridden by COLLABX_* variables.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("COLLABX_HTTP_HOST", &config.HTTP.Host)
	envInt("COLLABX_HTTP_PORT", &config.HTTP.Port)
	envDuration("COLLABX_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("COLLABX_HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)
	envBool("COLLABX_METRICS_ENABLED", &config.HTTP.MetricsEnabled)

	envDuration("COLLABX_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("COLLABX_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("COLLABX_WEBSOCKET_HANDSHAKE_TIMEOUT", &config.WebSocket.HandshakeTimeout)
	envInt("COLLABX_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	if origins := os.Getenv("COLLABX_WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		config.WebSocket.AllowedOrigins = splitList(origins)
	}

	envInt("COLLABX_SESSION_MAX_MEMBERS", &config.Session.MaxMembers)
	envString("COLLABX_SESSION_DEFAULT_LANGUAGE", &config.Session.DefaultLanguage)
	envInt("COLLABX_SESSION_QUEUE_SIZE", &config.Session.QueueSize)

	envBool("COLLABX_ADMISSION_ENABLED", &config.Admission.Enabled)
	envFloat("COLLABX_ADMISSION_RPS", &config.Admission.RPS)
	envInt("COLLABX_ADMISSION_BURST", &config.Admission.Burst)

	envBool("COLLABX_AUDIT_ENABLED", &config.Audit.Enabled)
	envString("COLLABX_AUDIT_PATH", &config.Audit.Path)
	envDuration("COLLABX_AUDIT_TIMEOUT", &config.Audit.Timeout)

	envBool("COLLABX_DISCOVERY_ENABLED", &config.Discovery.Enabled)
	envString("COLLABX_DISCOVERY_INSTANCE", &config.Discovery.Instance)

	envBool("COLLABX_TRACING_ENABLED", &config.Tracing.Enabled)
	envString("COLLABX_TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envFloat("COLLABX_TRACING_SAMPLE_RATIO", &config.Tracing.SampleRatio)

	envString("COLLABX_LOG_LEVEL", &config.Log.Level)
	envString("COLLABX_LOG_FORMAT", &config.Log.Format)
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. An empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
