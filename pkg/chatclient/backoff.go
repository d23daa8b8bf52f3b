package chatclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy describes how a dropped channel is retried.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	MaxRetries int
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Second,
		Multiplier: 2,
		Max:        30 * time.Second,
		MaxRetries: 5,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	def := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

// NewBackOff returns a fresh schedule. Delays are deterministic: no jitter and
// no elapsed-time cutoff, only the retry count ends the schedule.
func (p BackoffPolicy) NewBackOff() backoff.BackOff {
	p = p.withDefaults()

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(p.MaxRetries))
}

// Delays lists the whole schedule, mostly for display.
func (p BackoffPolicy) Delays() []time.Duration {
	b := p.NewBackOff()
	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return delays
		}
		delays = append(delays, d)
	}
}
