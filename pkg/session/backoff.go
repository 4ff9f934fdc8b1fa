package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay before a reconnect attempt. With the
// default Multiplier of 1 the delay is fixed at InitialDelay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultReconnectDelay is the fixed delay used when none is configured.
const DefaultReconnectDelay = 5 * time.Second

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{InitialDelay: DefaultReconnectDelay, Multiplier: 1.0}
}

// NextDelay returns the retry delay for attempt N (1-based).
func NextDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}
