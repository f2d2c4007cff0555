package config

import (
	"fmt"
	"net/url"
	"time"
)

// Reconnect modes. Rejoin re-sends JOIN after a reconnect; Observe only asks
// for a snapshot and never claims the username again.
const (
	ReconnectRejoin  = "rejoin"
	ReconnectObserve = "observe"
)

// ReconnectConfig bounds the client's exponential reconnect schedule.
type ReconnectConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
}

// ClientConfig configures a collabx client agent.
type ClientConfig struct {
	ServerURL        string          `json:"server_url"`
	HandshakeTimeout time.Duration   `json:"handshake_timeout"`
	Reconnect        ReconnectConfig `json:"reconnect"`
	ReconnectMode    string          `json:"reconnect_mode"`

	// ReadTimeout drops a connection that stays silent, pings included,
	// for that long. Zero disables it.
	ReadTimeout time.Duration `json:"read_timeout"`
}

// DefaultClientConfig returns the stock client settings: five retries at
// 1s, 2s, 4s, 5s, 5s.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:        "ws://localhost:8080/ws",
		HandshakeTimeout: 20 * time.Second,
		ReadTimeout:      60 * time.Second,
		Reconnect: ReconnectConfig{
			MaxRetries:    5,
			BaseDelay:     time.Second,
			BackoffFactor: 2,
			MaxDelay:      5 * time.Second,
		},
		ReconnectMode: ReconnectRejoin,
	}
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read timeout cannot be negative")
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect max retries cannot be negative")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}
	if c.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("reconnect backoff factor must be at least 1")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect max delay must not be below the base delay")
	}
	switch c.ReconnectMode {
	case ReconnectRejoin, ReconnectObserve:
	default:
		return fmt.Errorf("reconnect mode must be %s or %s, got %q", ReconnectRejoin, ReconnectObserve, c.ReconnectMode)
	}
	return nil
}

// LoadClientFromEnv returns the client defaults overridden by COLLABX_*
// variables.
func LoadClientFromEnv() *ClientConfig {
	config := DefaultClientConfig()
	envString("COLLABX_SERVER_URL", &config.ServerURL)
	envDuration("COLLABX_CLIENT_HANDSHAKE_TIMEOUT", &config.HandshakeTimeout)
	envDuration("COLLABX_CLIENT_READ_TIMEOUT", &config.ReadTimeout)
	envInt("COLLABX_RECONNECT_MAX_RETRIES", &config.Reconnect.MaxRetries)
	envDuration("COLLABX_RECONNECT_BASE_DELAY", &config.Reconnect.BaseDelay)
	envDuration("COLLABX_RECONNECT_MAX_DELAY", &config.Reconnect.MaxDelay)
	envString("COLLABX_RECONNECT_MODE", &config.ReconnectMode)
	return config
}
