// SPDX-License-Identifier: MIT

// Package watchdog implements the out-of-process hardware failsafe: it
// polls the daemon's health endpoint and, when the daemon stops
// answering, forces every output relay to its off level through a
// fresh claim on the gpio chip. It runs as its own process so a wedged
// or killed daemon cannot take the failsafe down with it.
package watchdog

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
)

// Config tunes one watchdog instance.
type Config struct {
	HealthURL     string
	Interval      time.Duration
	FailThreshold int
}

// ConfigFromSettings derives the watchdog tuning from daemon settings.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		HealthURL:     s.WatchdogHealthURL,
		Interval:      time.Duration(s.WatchdogCheckIntervalS) * time.Second,
		FailThreshold: s.WatchdogFailThreshold,
	}
}

// OutputPins lists every relay pin the failsafe must lower, in the
// order they are forced.
func OutputPins(s config.Settings) []int {
	return []int{s.PinCoin, s.PinNorth, s.PinSouth, s.PinWest, s.PinEast, s.PinDrop}
}

// Watchdog polls the health endpoint and fires the safe-state action
// after FailThreshold consecutive failures. It fires once per outage:
// the counter re-arms only after the daemon answers again.
type Watchdog struct {
	cfg    Config
	client *http.Client
	force  func() error
	logger zerolog.Logger

	fails int
	fired bool
}

// New builds a watchdog around a safe-state action. The action runs on
// the polling goroutine; it must not block indefinitely.
func New(cfg Config, force func() error) *Watchdog {
	timeout := cfg.Interval
	if timeout > 5*time.Second || timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Watchdog{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		force:  force,
		logger: log.WithComponent("watchdog"),
	}
}

// Run polls until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info().
		Str("event", "watchdog.started").
		Str("url", w.cfg.HealthURL).
		Dur("interval", w.cfg.Interval).
		Int("threshold", w.cfg.FailThreshold).
		Msg("watchdog polling")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watchdog) check(ctx context.Context) {
	if w.healthy(ctx) {
		if w.fails > 0 || w.fired {
			w.logger.Info().
				Str("event", "watchdog.recovered").
				Int("failures", w.fails).
				Msg("daemon healthy again")
		}
		w.fails = 0
		w.fired = false
		return
	}

	w.fails++
	w.logger.Warn().
		Str("event", "watchdog.check_failed").
		Int("consecutive", w.fails).
		Int("threshold", w.cfg.FailThreshold).
		Msg("health check failed")

	if w.fails >= w.cfg.FailThreshold && !w.fired {
		w.fired = true
		metrics.WatchdogFirings.Inc()
		w.logger.Error().
			Str("event", "watchdog.fired").
			Msg("daemon unresponsive; forcing outputs to safe state")
		if err := w.force(); err != nil {
			w.logger.Error().Err(err).
				Str("event", "watchdog.force_failed").
				Msg("safe state incomplete")
		}
	}
}

// healthy is strict: anything but a timely 200 counts as a failure.
func (w *Watchdog) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
