package outbox

import (
	"math"
	"time"

	"github.com/cloudphone/txcore/pkg/config"
)

const (
	defaultBackoffBase   = time.Second
	defaultBackoffFactor = 2.0
	defaultBackoffMax    = 5 * time.Minute
)

// Backoff is a capped exponential schedule: Base * Factor^(attempts-1).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// BackoffFromConfig builds the relay retry schedule.
func BackoffFromConfig(cfg config.OutboxConfig) Backoff {
	return Backoff{Base: cfg.BackoffBase, Factor: cfg.BackoffFactor, Max: cfg.BackoffMax}
}

// Next returns the delay before the attempt that follows `attempts` failures.
func (b Backoff) Next(attempts int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	factor := b.Factor
	if factor < 1 {
		factor = defaultBackoffFactor
	}
	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(base) * math.Pow(factor, float64(attempts-1))
	if math.IsInf(delay, 0) || delay >= float64(max) {
		return max
	}
	return time.Duration(delay)
}
