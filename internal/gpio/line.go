// SPDX-License-Identifier: MIT

// Package gpio owns every physical output line of the machine: the coin
// and drop pulse relays, the four direction hold relays, and the
// read-only win sensor input. All mutation goes through the Controller;
// the watchdog's safe-state path in safestate.go is the one deliberate
// exception.
package gpio

// Actuator and direction names used across the control plane.
const (
	ActuatorCoin = "coin"
	ActuatorDrop = "drop"

	DirNorth = "north"
	DirSouth = "south"
	DirEast  = "east"
	DirWest  = "west"
)

// Directions lists the hold actuators in a stable order.
var Directions = []string{DirNorth, DirSouth, DirEast, DirWest}

// opposing maps each direction to the one it conflicts with.
var opposing = map[string]string{
	DirNorth: DirSouth,
	DirSouth: DirNorth,
	DirEast:  DirWest,
	DirWest:  DirEast,
}

// Line is a single logical output. Set(true) asserts the line's active
// level; polarity inversion happens below this interface.
type Line interface {
	Set(on bool) error
	Close() error
}

// InputLine is a single edge-monitored input.
type InputLine interface {
	Close() error
}

// Backend opens hardware lines. Two implementations exist: the gpiochip
// character device and an in-memory mock for tests and hardware-less
// deployments.
type Backend interface {
	// OpenOutput claims pin as an output, initially off.
	OpenOutput(pin int, activeLow bool) (Line, error)
	// OpenInput claims pin as an edge-monitored input; onAssert fires
	// on each active-going edge from a backend-owned goroutine.
	OpenInput(pin int, pullUp bool, onAssert func()) (InputLine, error)
	Close() error
}
