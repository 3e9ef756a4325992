// SPDX-License-Identifier: MIT

package gpio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eclaw/clawd/internal/config"
	"github.com/eclaw/clawd/internal/log"
	"github.com/eclaw/clawd/internal/metrics"
)

// Rejection and failure sentinels. ErrHardware wraps backend faults and
// is the fatal kind the game core escalates on.
var (
	ErrLocked          = errors.New("gpio: controller locked")
	ErrCooldown        = errors.New("gpio: pulse cooldown active")
	ErrConflict        = errors.New("gpio: opposing direction held")
	ErrUnknownActuator = errors.New("gpio: unknown actuator")
	ErrClosed          = errors.New("gpio: controller closed")
	ErrHardware        = errors.New("gpio: hardware failure")
)

// Config carries the hardware mapping and timing parameters.
type Config struct {
	Chip       string
	Pins       map[string]int // coin, drop, north, south, east, west
	WinPin     int
	ActiveLow  bool
	WinPullUp  bool
	PulseWidth map[string]time.Duration
	Cooldown   time.Duration
	HoldMax    time.Duration
	Conflict   string // config.ConflictIgnoreNew or config.ConflictReplace
}

// ConfigFromSettings derives the controller configuration.
func ConfigFromSettings(s config.Settings) Config {
	drop := s.DropPulse()
	if max := s.DropHoldMax(); drop > max {
		drop = max
	}
	return Config{
		Chip: s.GPIOChip,
		Pins: map[string]int{
			ActuatorCoin: s.PinCoin,
			ActuatorDrop: s.PinDrop,
			DirNorth:     s.PinNorth,
			DirSouth:     s.PinSouth,
			DirEast:      s.PinEast,
			DirWest:      s.PinWest,
		},
		WinPin:    s.PinWin,
		ActiveLow: s.RelayActiveLow,
		WinPullUp: s.WinInputPullUp,
		PulseWidth: map[string]time.Duration{
			ActuatorCoin: s.CoinPulse(),
			ActuatorDrop: drop,
		},
		Cooldown: s.MinInterPulse(),
		HoldMax:  s.DirectionHoldMax(),
		Conflict: s.DirectionConflictMode,
	}
}

type heldDirection struct {
	timer *time.Timer
}

// Controller is the single mutator of physical output state. Fast line
// writes (holds) happen inline under the mutex; blocking pulse work
// runs on a one-goroutine executor so the control plane never sleeps
// holding the lock.
type Controller struct {
	cfg     Config
	backend Backend
	outputs map[string]Line
	winIn   InputLine
	exec    *executor

	mu        sync.Mutex
	locked    bool
	closed    bool
	lastPulse map[string]time.Time
	held      map[string]*heldDirection
	winCb     func()
}

// NewController claims every configured line on the backend. The win
// sensor callback starts unregistered; edges arriving while
// unregistered are discarded.
func NewController(backend Backend, cfg Config) (*Controller, error) {
	c := &Controller{
		cfg:       cfg,
		backend:   backend,
		outputs:   make(map[string]Line, len(cfg.Pins)),
		exec:      newExecutor(8),
		lastPulse: make(map[string]time.Time),
		held:      make(map[string]*heldDirection),
	}
	for name, pin := range cfg.Pins {
		line, err := backend.OpenOutput(pin, cfg.ActiveLow)
		if err != nil {
			c.exec.close()
			c.closeLines()
			return nil, fmt.Errorf("gpio: claim %s: %w", name, err)
		}
		c.outputs[name] = line
	}
	winIn, err := backend.OpenInput(cfg.WinPin, cfg.WinPullUp, c.onWinEdge)
	if err != nil {
		c.exec.close()
		c.closeLines()
		return nil, fmt.Errorf("gpio: claim win sensor: %w", err)
	}
	c.winIn = winIn

	logger := log.WithComponent("gpio")
	logger.Info().
		Str("event", "gpio.ready").
		Str("chip", cfg.Chip).
		Bool("active_low", cfg.ActiveLow).
		Str("conflict_mode", cfg.Conflict).
		Msg("actuator controller initialized")
	return c, nil
}

func (c *Controller) onWinEdge() {
	c.mu.Lock()
	cb := c.winCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// RegisterWinCallback arms the win sensor. The callback runs on the
// sensor's delivery goroutine and must only enqueue.
func (c *Controller) RegisterWinCallback(fn func()) {
	c.mu.Lock()
	c.winCb = fn
	c.mu.Unlock()
}

// UnregisterWinCallback disarms the win sensor; edges after this call
// are ignored.
func (c *Controller) UnregisterWinCallback() {
	c.mu.Lock()
	c.winCb = nil
	c.mu.Unlock()
}

// Pulse asserts a pulse actuator for its configured width on the
// executor and blocks the caller until the line is back off. Rejected
// while locked or within the per-actuator cooldown; the cooldown slot
// is reserved before the executor runs so concurrent callers cannot
// both pass the check.
func (c *Controller) Pulse(ctx context.Context, name string) error {
	c.mu.Lock()
	width, ok := c.cfg.PulseWidth[name]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownActuator
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.locked {
		c.mu.Unlock()
		metrics.ActuatorRejected.WithLabelValues("locked").Inc()
		return ErrLocked
	}
	cooldown := c.cfg.Cooldown
	if last, seen := c.lastPulse[name]; seen && time.Since(last) < cooldown {
		c.mu.Unlock()
		metrics.ActuatorRejected.WithLabelValues("cooldown").Inc()
		return ErrCooldown
	}
	c.lastPulse[name] = time.Now()
	line := c.outputs[name]
	c.mu.Unlock()

	errCh := make(chan error, 1)
	if !c.exec.submit(func() { errCh <- c.runPulse(name, line, width) }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		// The executor still lowers the line; only the wait is abandoned.
		return ctx.Err()
	}
}

func (c *Controller) runPulse(name string, line Line, width time.Duration) error {
	if err := line.Set(true); err != nil {
		_ = line.Set(false)
		return fmt.Errorf("%w: pulse %s raise: %v", ErrHardware, name, err)
	}
	time.Sleep(width)
	if err := line.Set(false); err != nil {
		return fmt.Errorf("%w: pulse %s lower: %v", ErrHardware, name, err)
	}
	metrics.ActuatorPulses.WithLabelValues(name).Inc()
	logger := log.WithComponent("gpio")
	logger.Debug().
		Str("event", "gpio.pulse").
		Str(log.FieldActuator, name).
		Dur("width", width).
		Msg("pulse complete")
	return nil
}

// Retune applies the runtime-tunable timing parameters from a new
// configuration: pulse widths, cooldown, hold ceiling and conflict
// policy. The hardware mapping is fixed for the process lifetime.
func (c *Controller) Retune(cfg Config) {
	c.mu.Lock()
	c.cfg.PulseWidth = cfg.PulseWidth
	c.cfg.Cooldown = cfg.Cooldown
	c.cfg.HoldMax = cfg.HoldMax
	c.cfg.Conflict = cfg.Conflict
	c.mu.Unlock()
	logger := log.WithComponent("gpio")
	logger.Info().
		Str("event", "gpio.retuned").
		Dur("cooldown", cfg.Cooldown).
		Dur("hold_max", cfg.HoldMax).
		Str("conflict_mode", cfg.Conflict).
		Msg("timing parameters updated")
}

// DirectionOn asserts a direction hold and arms its safety ceiling
// timer. Holding an already-held direction is idempotent. With the
// ignore_new conflict policy an opposing hold rejects the call; with
// replace the opposing hold is released first.
func (c *Controller) DirectionOn(dir string) error {
	if _, ok := opposing[dir]; !ok {
		return ErrUnknownActuator
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.locked {
		metrics.ActuatorRejected.WithLabelValues("locked").Inc()
		return ErrLocked
	}
	if _, held := c.held[dir]; held {
		return nil
	}
	if opp := opposing[dir]; c.held[opp] != nil {
		if c.cfg.Conflict == config.ConflictIgnoreNew {
			metrics.ActuatorRejected.WithLabelValues("conflict").Inc()
			return ErrConflict
		}
		if err := c.releaseLocked(opp); err != nil {
			return err
		}
	}

	if err := c.outputs[dir].Set(true); err != nil {
		_ = c.outputs[dir].Set(false)
		return fmt.Errorf("%w: hold %s: %v", ErrHardware, dir, err)
	}
	h := &heldDirection{}
	h.timer = time.AfterFunc(c.cfg.HoldMax, func() { c.forceRelease(dir) })
	c.held[dir] = h
	return nil
}

// DirectionOff releases a direction hold. Idempotent.
func (c *Controller) DirectionOff(dir string) error {
	if _, ok := opposing[dir]; !ok {
		return ErrUnknownActuator
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.releaseLocked(dir)
}

// AllDirectionsOff releases every held direction. The first hardware
// error is returned but every direction is still attempted.
func (c *Controller) AllDirectionsOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allDirectionsOffLocked()
}

func (c *Controller) allDirectionsOffLocked() error {
	var firstErr error
	for _, dir := range Directions {
		if err := c.releaseLocked(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// releaseLocked lowers one direction; caller holds c.mu.
func (c *Controller) releaseLocked(dir string) error {
	h, held := c.held[dir]
	if !held {
		return nil
	}
	h.timer.Stop()
	delete(c.held, dir)
	if err := c.outputs[dir].Set(false); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrHardware, dir, err)
	}
	return nil
}

// forceRelease is the safety-ceiling timer callback. A timeout-forced
// release is logged but is not a failure.
func (c *Controller) forceRelease(dir string) {
	c.mu.Lock()
	err := c.releaseLocked(dir)
	c.mu.Unlock()

	metrics.HoldTimeouts.Inc()
	logger := log.WithComponent("gpio")
	ev := logger.Warn().
		Str("event", "gpio.hold_timeout").
		Str(log.FieldDirection, dir)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("direction hold hit safety ceiling")
}

// EmergencyStop locks the controller, cancels every safety timer and
// lowers every output line. Subsequent pulses and holds are rejected
// until Unlock.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	c.locked = true
	_ = c.allDirectionsOffLocked()
	for name, line := range c.outputs {
		if err := line.Set(false); err != nil {
			logger := log.WithComponent("gpio")
			logger.Error().
				Err(err).
				Str("event", "gpio.estop_lower_failed").
				Str(log.FieldActuator, name).
				Msg("output did not reach safe state")
		}
	}
	c.mu.Unlock()

	metrics.EmergencyStops.Inc()
	logger := log.WithComponent("gpio")
	logger.Warn().
		Str("event", "gpio.emergency_stop").
		Msg("controller locked, all outputs low")
}

// Unlock clears the emergency lock.
func (c *Controller) Unlock() {
	c.mu.Lock()
	c.locked = false
	c.mu.Unlock()
	logger := log.WithComponent("gpio")
	logger.Info().
		Str("event", "gpio.unlock").
		Msg("controller unlocked")
}

// IsLocked reports the emergency lock state.
func (c *Controller) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// ActiveDirections returns the currently held directions, sorted.
func (c *Controller) ActiveDirections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	dirs := make([]string, 0, len(c.held))
	for dir := range c.held {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Close releases every hold, lowers every line and frees the backend
// claims. The controller is unusable afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for dir, h := range c.held {
		h.timer.Stop()
		delete(c.held, dir)
	}
	for _, line := range c.outputs {
		_ = line.Set(false)
	}
	c.mu.Unlock()

	c.exec.close()
	if c.winIn != nil {
		_ = c.winIn.Close()
	}
	c.closeLines()
	return nil
}

func (c *Controller) closeLines() {
	for _, line := range c.outputs {
		_ = line.Close()
	}
}

// executor is the dedicated single worker for blocking pulse work, so
// pulses on the same chip serialize and never run on a caller
// goroutine.
type executor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

func newExecutor(buffer int) *executor {
	e := &executor{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for task := range e.tasks {
			task()
		}
	}()
	return e
}

func (e *executor) submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.tasks <- task
	return true
}

func (e *executor) close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.tasks)
	}
	e.mu.Unlock()
	<-e.done
}
