package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk form. Durations are strings such as "30s"; unset
// fields keep the value they already have.
type ConfigFile struct {
	HTTP       *HTTPConfigFile              `json:"http" yaml:"http"`
	WebSocket  *WebSocketConfigFile         `json:"websocket" yaml:"websocket"`
	Session    *SessionConfigFile           `json:"session" yaml:"session"`
	RateLimits map[string]RateLimitRuleFile `json:"rate_limits" yaml:"rate_limits"`
	Admission  *AdmissionConfigFile         `json:"admission" yaml:"admission"`
	Audit      *AuditConfigFile             `json:"audit" yaml:"audit"`
	Discovery  *DiscoveryConfigFile         `json:"discovery" yaml:"discovery"`
	Tracing    *TracingConfigFile           `json:"tracing" yaml:"tracing"`
	Log        *LogConfigFile               `json:"log" yaml:"log"`
}

type HTTPConfigFile struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MetricsEnabled  *bool  `json:"metrics_enabled" yaml:"metrics_enabled"`
}

type WebSocketConfigFile struct {
	PingInterval     string   `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout      string   `json:"read_timeout" yaml:"read_timeout"`
	HandshakeTimeout string   `json:"handshake_timeout" yaml:"handshake_timeout"`
	BufferSize       int      `json:"buffer_size" yaml:"buffer_size"`
	MaxMessageSize   int64    `json:"max_message_size" yaml:"max_message_size"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type SessionConfigFile struct {
	MaxMembers      int     `json:"max_members" yaml:"max_members"`
	DefaultLanguage string  `json:"default_language" yaml:"default_language"`
	DefaultContent  *string `json:"default_content" yaml:"default_content"`
	QueueSize       int     `json:"queue_size" yaml:"queue_size"`
}

type RateLimitRuleFile struct {
	Window  string `json:"window" yaml:"window"`
	Max     int    `json:"max" yaml:"max"`
	Message string `json:"message" yaml:"message"`
}

type AdmissionConfigFile struct {
	Enabled     *bool   `json:"enabled" yaml:"enabled"`
	RPS         float64 `json:"rps" yaml:"rps"`
	Burst       int     `json:"burst" yaml:"burst"`
	IdleTimeout string  `json:"idle_timeout" yaml:"idle_timeout"`
}

type AuditConfigFile struct {
	Enabled *bool  `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type DiscoveryConfigFile struct {
	Enabled  *bool  `json:"enabled" yaml:"enabled"`
	Instance string `json:"instance" yaml:"instance"`
	Service  string `json:"service" yaml:"service"`
	Domain   string `json:"domain" yaml:"domain"`
}

type TracingConfigFile struct {
	Enabled     *bool   `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type LogConfigFile struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// LoadFromFile reads a JSON (comments and trailing commas allowed) or YAML
// file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cf, err := parseConfigFile(path, data)
	if err != nil {
		return err
	}
	return cf.apply(config)
}

func parseConfigFile(path string, data []byte) (*ConfigFile, error) {
	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cf); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &cf, nil
}

func (cf *ConfigFile) apply(config *Config) error {
	if h := cf.HTTP; h != nil {
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if h.Port != 0 {
			config.HTTP.Port = h.Port
		}
		if err := setDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return err
		}
		if err := setDuration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout); err != nil {
			return err
		}
		if h.MetricsEnabled != nil {
			config.HTTP.MetricsEnabled = *h.MetricsEnabled
		}
	}

	if ws := cf.WebSocket; ws != nil {
		if err := setDuration("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval); err != nil {
			return err
		}
		if err := setDuration("websocket.read_timeout", ws.ReadTimeout, &config.WebSocket.ReadTimeout); err != nil {
			return err
		}
		if err := setDuration("websocket.handshake_timeout", ws.HandshakeTimeout, &config.WebSocket.HandshakeTimeout); err != nil {
			return err
		}
		if ws.BufferSize != 0 {
			config.WebSocket.BufferSize = ws.BufferSize
		}
		if ws.MaxMessageSize != 0 {
			config.WebSocket.MaxMessageSize = ws.MaxMessageSize
		}
		if ws.AllowedOrigins != nil {
			config.WebSocket.AllowedOrigins = ws.AllowedOrigins
		}
	}

	if s := cf.Session; s != nil {
		if s.MaxMembers != 0 {
			config.Session.MaxMembers = s.MaxMembers
		}
		if s.DefaultLanguage != "" {
			config.Session.DefaultLanguage = s.DefaultLanguage
		}
		if s.DefaultContent != nil {
			config.Session.DefaultContent = *s.DefaultContent
		}
		if s.QueueSize != 0 {
			config.Session.QueueSize = s.QueueSize
		}
	}

	for eventType, rf := range cf.RateLimits {
		rule := config.RateLimits[eventType]
		if err := setDuration("rate_limits."+eventType+".window", rf.Window, &rule.Window); err != nil {
			return err
		}
		if rf.Max != 0 {
			rule.Max = rf.Max
		}
		if rf.Message != "" {
			rule.Message = rf.Message
		}
		if config.RateLimits == nil {
			config.RateLimits = make(map[string]RateLimitRule)
		}
		config.RateLimits[eventType] = rule
	}

	if a := cf.Admission; a != nil {
		if a.Enabled != nil {
			config.Admission.Enabled = *a.Enabled
		}
		if a.RPS != 0 {
			config.Admission.RPS = a.RPS
		}
		if a.Burst != 0 {
			config.Admission.Burst = a.Burst
		}
		if err := setDuration("admission.idle_timeout", a.IdleTimeout, &config.Admission.IdleTimeout); err != nil {
			return err
		}
	}

	if a := cf.Audit; a != nil {
		if a.Enabled != nil {
			config.Audit.Enabled = *a.Enabled
		}
		if a.Path != "" {
			config.Audit.Path = a.Path
		}
		if err := setDuration("audit.timeout", a.Timeout, &config.Audit.Timeout); err != nil {
			return err
		}
	}

	if d := cf.Discovery; d != nil {
		if d.Enabled != nil {
			config.Discovery.Enabled = *d.Enabled
		}
		if d.Instance != "" {
			config.Discovery.Instance = d.Instance
		}
		if d.Service != "" {
			config.Discovery.Service = d.Service
		}
		if d.Domain != "" {
			config.Discovery.Domain = d.Domain
		}
	}

	if tr := cf.Tracing; tr != nil {
		if tr.Enabled != nil {
			config.Tracing.Enabled = *tr.Enabled
		}
		if tr.ServiceName != "" {
			config.Tracing.ServiceName = tr.ServiceName
		}
		if tr.SampleRatio != 0 {
			config.Tracing.SampleRatio = tr.SampleRatio
		}
	}

	if l := cf.Log; l != nil {
		if l.Level != "" {
			config.Log.Level = l.Level
		}
		if l.Format != "" {
			config.Log.Format = l.Format
		}
	}

	return nil
}

func setDuration(field, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*dst = d
	return nil
}
