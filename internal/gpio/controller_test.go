// SPDX-License-Identifier: MIT

package gpio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclaw/clawd/internal/config"
)

func testConfig() Config {
	return Config{
		Chip: "mock",
		Pins: map[string]int{
			ActuatorCoin: 17,
			ActuatorDrop: 25,
			DirNorth:     27,
			DirSouth:     5,
			DirEast:      24,
			DirWest:      6,
		},
		WinPin:    16,
		ActiveLow: true,
		PulseWidth: map[string]time.Duration{
			ActuatorCoin: 10 * time.Millisecond,
			ActuatorDrop: 10 * time.Millisecond,
		},
		Cooldown: 50 * time.Millisecond,
		HoldMax:  100 * time.Millisecond,
		Conflict: config.ConflictIgnoreNew,
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *MockBackend) {
	t.Helper()
	backend := NewMockBackend()
	c, err := NewController(backend, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, backend
}

func TestPulseRaisesAndLowers(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	require.NoError(t, c.Pulse(context.Background(), ActuatorCoin))
	assert.False(t, backend.PinState(17), "line must be off after pulse")
}

func TestPulseCooldown(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	require.NoError(t, c.Pulse(ctx, ActuatorCoin))
	require.ErrorIs(t, c.Pulse(ctx, ActuatorCoin), ErrCooldown)

	// Different actuators have independent cooldowns.
	require.NoError(t, c.Pulse(ctx, ActuatorDrop))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.Pulse(ctx, ActuatorCoin))
}

func TestPulseUnknownActuator(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	require.ErrorIs(t, c.Pulse(context.Background(), "laser"), ErrUnknownActuator)
}

func TestConcurrentPulsesSerialized(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	c, _ := newTestController(t, cfg)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Pulse(context.Background(), ActuatorCoin)
		}()
	}
	wg.Wait()
	// Three 10ms pulses on a single worker cannot overlap.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDirectionHoldAndRelease(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	require.NoError(t, c.DirectionOn(DirNorth))
	assert.True(t, backend.PinState(27))
	assert.Equal(t, []string{DirNorth}, c.ActiveDirections())

	// Idempotent on.
	require.NoError(t, c.DirectionOn(DirNorth))

	require.NoError(t, c.DirectionOff(DirNorth))
	assert.False(t, backend.PinState(27))
	assert.Empty(t, c.ActiveDirections())

	// Idempotent off.
	require.NoError(t, c.DirectionOff(DirNorth))
}

func TestDirectionConflictIgnoreNew(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	require.NoError(t, c.DirectionOn(DirNorth))
	require.ErrorIs(t, c.DirectionOn(DirSouth), ErrConflict)
	assert.True(t, backend.PinState(27))
	assert.False(t, backend.PinState(5))

	// Orthogonal directions may combine.
	require.NoError(t, c.DirectionOn(DirEast))
	assert.Equal(t, []string{DirEast, DirNorth}, c.ActiveDirections())
}

func TestDirectionConflictReplace(t *testing.T) {
	cfg := testConfig()
	cfg.Conflict = config.ConflictReplace
	c, backend := newTestController(t, cfg)

	require.NoError(t, c.DirectionOn(DirNorth))
	require.NoError(t, c.DirectionOn(DirSouth))
	assert.False(t, backend.PinState(27))
	assert.True(t, backend.PinState(5))
	assert.Equal(t, []string{DirSouth}, c.ActiveDirections())
}

func TestDirectionSafetyCeiling(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	require.NoError(t, c.DirectionOn(DirWest))
	require.Eventually(t, func() bool {
		return !backend.PinState(6) && len(c.ActiveDirections()) == 0
	}, time.Second, 10*time.Millisecond, "safety ceiling must force-release the hold")
}

func TestAllDirectionsOff(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	require.NoError(t, c.DirectionOn(DirNorth))
	require.NoError(t, c.DirectionOn(DirEast))
	require.NoError(t, c.AllDirectionsOff())
	assert.Empty(t, c.ActiveDirections())
	assert.False(t, backend.PinState(27))
	assert.False(t, backend.PinState(24))
}

func TestEmergencyStopLocksAndLowers(t *testing.T) {
	c, backend := newTestController(t, testConfig())
	ctx := context.Background()

	require.NoError(t, c.DirectionOn(DirNorth))
	c.EmergencyStop()

	assert.True(t, c.IsLocked())
	assert.Empty(t, c.ActiveDirections())
	assert.False(t, backend.PinState(27))

	require.ErrorIs(t, c.Pulse(ctx, ActuatorCoin), ErrLocked)
	require.ErrorIs(t, c.DirectionOn(DirSouth), ErrLocked)

	c.Unlock()
	assert.False(t, c.IsLocked())
	require.NoError(t, c.DirectionOn(DirSouth))
}

func TestWinCallbackRegistration(t *testing.T) {
	c, backend := newTestController(t, testConfig())

	fired := make(chan struct{}, 4)
	c.RegisterWinCallback(func() { fired <- struct{}{} })
	backend.TriggerWin()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("win callback did not fire")
	}

	c.UnregisterWinCallback()
	backend.TriggerWin()
	select {
	case <-fired:
		t.Fatal("win callback fired after unregister")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	backend := NewMockBackend()
	c, err := NewController(backend, testConfig())
	require.NoError(t, err)

	require.NoError(t, c.DirectionOn(DirNorth))
	require.NoError(t, c.Close())

	assert.False(t, backend.PinState(27))
	require.ErrorIs(t, c.Pulse(context.Background(), ActuatorCoin), ErrClosed)
	require.ErrorIs(t, c.DirectionOn(DirNorth), ErrClosed)

	// Close is idempotent.
	require.NoError(t, c.Close())
}
