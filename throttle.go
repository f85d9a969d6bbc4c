package main

import (
	"context"
	"log/slog"
	"time"
)

// Throttle inserts the lazy-mode delay between network bound steps
type Throttle struct {
	Enabled bool
	Delay   time.Duration
	log     *slog.Logger

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewThrottle creates a throttle; a disabled throttle never sleeps
func NewThrottle(enabled bool, delay time.Duration, log *slog.Logger) *Throttle {
	if delay <= 0 {
		delay = defaultLazyTimeout
	}
	return &Throttle{
		Enabled: enabled,
		Delay:   delay,
		log:     log,
		sleep:   sleepContext,
	}
}

// Wait blocks for the configured delay or until ctx is done
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || !t.Enabled {
		return nil
	}
	if t.log != nil {
		t.log.Debug("lazy sleep", "delay", t.Delay)
	}
	return t.sleep(ctx, t.Delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
