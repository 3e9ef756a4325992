// SPDX-License-Identifier: MIT

// clawwatch is the out-of-process hardware failsafe. It polls the
// clawd health endpoint and forces every relay off through its own
// claim on the gpio chip when the daemon stops answering. Keep it
// under a separate supervisor from clawd itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/watchdog"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clawwatch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CLAWD_CONFIG"))
	}
	settings, err := config.Load(path)
	if err != nil {
		logger := log.WithComponent("main")
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", path).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{Level: settings.LogLevel, Service: "clawwatch"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pins := watchdog.OutputPins(settings)

	// The safe-state action claims the chip fresh on every firing so it
	// works whether the daemon is holding the lines, crashed, or gone.
	force := func() error {
		if settings.MockGPIO {
			logger.Warn().
				Str("event", "safestate.mock").
				Msg("mock gpio configured; no hardware to lower")
			return nil
		}
		backend, err := gpio.OpenChip(settings.GPIOChip)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()
		return gpio.ForceSafeState(backend, pins, settings.RelayActiveLow, time.Second)
	}

	w := watchdog.New(watchdog.ConfigFromSettings(settings), force)

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("starting clawwatch")

	if err := w.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "watchdog.failed").
			Msg("clawwatch exited with error")
	}
	logger.Info().Str("event", "shutdown.complete").Msg("clawwatch exiting")
}
