package client

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/jiteshy/collabx/internal/config"
)

// ReconnectPolicy yields the delay before each reconnection attempt:
// min(BaseDelay * BackoffFactor^attempt, MaxDelay), for at most MaxRetries
// attempts. Dropped connections and failed dials share one policy.
type ReconnectPolicy struct {
	cfg      config.ReconnectConfig
	backoff  backoff.BackOff
	attempts int
}

// NewReconnectPolicy builds a jitter-free exponential policy from cfg.
func NewReconnectPolicy(cfg config.ReconnectConfig) *ReconnectPolicy {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.Multiplier = cfg.BackoffFactor
	exp.MaxInterval = cfg.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &ReconnectPolicy{
		cfg:     cfg,
		backoff: backoff.WithMaxRetries(exp, uint64(cfg.MaxRetries)),
	}
}

// Next returns the delay before the next attempt, or false once MaxRetries
// attempts have been handed out since the last Reset.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	if p.cfg.MaxRetries <= 0 {
		return 0, false
	}
	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempts++
	return d, true
}

// Attempts returns how many delays were handed out since the last Reset.
func (p *ReconnectPolicy) Attempts() int { return p.attempts }

// MaxRetries returns the configured retry budget.
func (p *ReconnectPolicy) MaxRetries() int { return p.cfg.MaxRetries }

// Reset restarts the schedule at BaseDelay.
func (p *ReconnectPolicy) Reset() {
	p.backoff.Reset()
	p.attempts = 0
}
