// SPDX-License-Identifier: MIT

// clawd is the claw machine daemon: queue admission, the turn state
// machine, the websocket control and status channels and the GPIO
// actuator layer, all in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eclaw/clawd/internal/api"
	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/control"
	"github.com/eclaw/clawd/internal/game"
	"github.com/eclaw/clawd/internal/gpio"
	"github.com/eclaw/clawd/internal/hub"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/store"
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
		fmt.Printf("clawd %s (commit: %s, built: %s)\n", version, commit, buildDate)
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

	log.Configure(log.Config{Level: settings.LogLevel, Service: "clawd"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("config_path", path).
		Msg("starting clawd")

	if err := run(ctx, settings, logger); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("clawd exited with error")
	}
	logger.Info().Str("event", "shutdown.complete").Msg("clawd exiting")
}

func run(ctx context.Context, settings config.Settings, logger zerolog.Logger) error {
	mgr := config.NewManager(settings)

	if dir := filepath.Dir(settings.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(settings.DatabasePath, store.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Entries stranded live by a previous run must not block admission.
	if n, err := st.CleanupStale(ctx, settings.DisconnectGrace()); err != nil {
		return fmt.Errorf("cleanup stale entries: %w", err)
	} else if n > 0 {
		logger.Warn().
			Str("event", "startup.stale_entries_expired").
			Int64("count", n).
			Msg("expired entries left over from previous run")
	}

	var backend gpio.Backend
	if settings.MockGPIO {
		logger.Warn().
			Str("event", "startup.mock_gpio").
			Msg("running with mock GPIO; no hardware will move")
		backend = gpio.NewMockBackend()
	} else {
		backend, err = gpio.OpenChip(settings.GPIOChip)
		if err != nil {
			return fmt.Errorf("open gpio chip: %w", err)
		}
	}
	ctrl, err := gpio.NewController(backend, gpio.ConfigFromSettings(settings))
	if err != nil {
		return fmt.Errorf("claim gpio lines: %w", err)
	}

	h := hub.New(
		settings.MaxStatusViewers,
		settings.StatusSendTimeout(),
		time.Duration(settings.StatusKeepaliveIntervalS)*time.Second,
	)

	var ctl *control.Manager
	machine := game.NewMachine(mgr, st, ctrl, h, game.NotifierFunc(func(entryID string, msg game.Message) {
		ctl.Send(entryID, msg)
	}))
	ctl = control.NewManager(mgr, st, machine)

	srv, err := api.New(api.Deps{
		Config:   mgr,
		Store:    st,
		Machine:  machine,
		Hub:      h,
		Control:  ctl,
		Actuator: ctrl,
	})
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("event", "http.listening").
			Str("addr", addr).
			Msg("serving")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return machine.Run(gctx) })
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return pruneLoop(gctx, mgr, st, logger) })

	// Resume an interrupted queue.
	machine.Advance(ctx)

	err = g.Wait()

	// Shutdown order: network first, then sessions, then the machine,
	// then hardware. The claw always ends in a safe state.
	ctl.CloseAll()
	h.CloseAll()
	machine.Close()
	ctrl.EmergencyStop()
	if cerr := ctrl.Close(); cerr != nil {
		logger.Error().Err(cerr).
			Str("event", "shutdown.gpio_close_failed").
			Msg("gpio release failed")
	}
	return err
}

// pruneLoop periodically drops terminal entries past retention and
// stale rate limit rows.
func pruneLoop(ctx context.Context, mgr *config.Manager, st *store.Store, logger zerolog.Logger) error {
	interval := time.Duration(mgr.Snapshot().DBPruneIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			settings := mgr.Snapshot()
			retention := time.Duration(settings.DBRetentionHours) * time.Hour
			entries, events, err := st.Prune(ctx, retention)
			if err != nil {
				logger.Error().Err(err).
					Str("event", "prune.failed").
					Msg("database prune failed")
				continue
			}
			rl, err := st.PruneRateLimits(ctx, time.Duration(settings.RateLimitPruneAgeS)*time.Second)
			if err != nil {
				logger.Error().Err(err).
					Str("event", "prune.rate_limits_failed").
					Msg("rate limit prune failed")
				continue
			}
			if entries+events+rl > 0 {
				logger.Info().
					Str("event", "prune.completed").
					Int64("entries", entries).
					Int64("events", events).
					Int64("rate_limit_rows", rl).
					Msg("database pruned")
			}
		}
	}
}
