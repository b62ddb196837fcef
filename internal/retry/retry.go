// Package retry wraps github.com/cenkalti/backoff to drive the bridge
// daemon's transport (re)acquisition with exponential backoff, in place
// of a hand-rolled delay loop.
package retry

import (
	"time"

	"github.com/cenkalti/backoff"

	"github.com/sagan/qemud/internal/logging"
)

// Config bounds a Do call. Zero values fall back to backoff's defaults
// (500ms initial interval, 15 minute max elapsed time).
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Do calls fn until it succeeds, backoff.Permanent(err) is returned, or
// the configured budget is exhausted. It logs each retry at Warn.
func Do(cfg Config, log logging.Logger, fn func() error) error {
	if log == nil {
		log = logging.Default()
	}

	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsedTime > 0 {
		b.MaxElapsedTime = cfg.MaxElapsedTime
	}

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		log.Warn("retrying after error",
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "wait", Value: wait.String()},
			logging.Field{Key: "error", Value: err.Error()},
		)
	}

	return backoff.RetryNotify(fn, b, notify)
}
