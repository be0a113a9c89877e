package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryWait computes the pause before the attempt-th retry (attempt 1 is
// the first retry). Exponential from the configured base with the
// configured jitter, capped so a deep retry chain never sleeps past the
// cap.
func (d *Dispatcher) retryWait(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = float64(d.cfg.JitterPercent) / 100
	b.MaxInterval = d.cfg.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()

	wait := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		wait = b.NextBackOff()
	}
	if wait > d.cfg.BackoffCap {
		wait = d.cfg.BackoffCap
	}
	return wait
}
