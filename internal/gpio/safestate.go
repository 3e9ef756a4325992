// SPDX-License-Identifier: MIT

package gpio

import (
	"fmt"
	"time"

	"github.com/eclaw/clawd/internal/log"
)

// ForceSafeState drives every listed pin to its logical off level
// through a fresh claim on the chip, bypassing any Controller. Each
// line write is last-write-wins against an orphaned holder, which is
// exactly what the watchdog needs when the main process is wedged.
// Lines stay claimed for holdFor so the levels settle before release.
func ForceSafeState(backend Backend, pins []int, activeLow bool, holdFor time.Duration) error {
	logger := log.WithComponent("safestate")

	lines := make([]Line, 0, len(pins))
	defer func() {
		for _, l := range lines {
			_ = l.Close()
		}
	}()

	var firstErr error
	for _, pin := range pins {
		line, err := backend.OpenOutput(pin, activeLow)
		if err != nil {
			// Keep going: lowering the remaining pins matters more than
			// reporting the first failure.
			logger.Error().
				Err(err).
				Str("event", "safestate.claim_failed").
				Int(log.FieldPin, pin).
				Msg("could not claim pin for safe state")
			if firstErr == nil {
				firstErr = fmt.Errorf("gpio: safe state pin %d: %w", pin, err)
			}
			continue
		}
		lines = append(lines, line)
		if err := line.Set(false); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gpio: safe state pin %d: %w", pin, err)
		}
	}

	if holdFor > 0 {
		time.Sleep(holdFor)
	}
	logger.Warn().
		Str("event", "safestate.forced").
		Int("pins", len(lines)).
		Msg("outputs forced to safe state")
	return firstErr
}
