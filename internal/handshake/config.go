package handshake

import "time"

// BackoffConfig defines retry pacing for connection requests.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines client handshake reliability defaults.
type Config struct {
	// MaxConnectAttempts counts every connection request sent, the first
	// included. Zero means no ceiling.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

// DefaultConfig retries every 10 s, six sends in total, without jitter.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 6,
		Backoff: BackoffConfig{
			InitialDelay: 10 * time.Second,
			Multiplier:   1.0,
			MaxDelay:     10 * time.Second,
			Jitter:       false,
		},
	}
}
