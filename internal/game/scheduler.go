// SPDX-License-Identifier: MIT

package game

import (
	"sync"
	"time"
)

// Named timers. At most one timer exists per name; arming a name
// replaces its previous timer, cancelling atomically.
const (
	timerPhase    = "phase"
	timerHardTurn = "hard_turn"
	timerGrace    = "grace"
)

// scheduler arms and cancels named deadline timers. A fired callback
// only runs if its timer is still the current holder of the name, so a
// cancel or re-arm that races the firing wins.
type scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[string]*time.Timer)}
}

// arm schedules fn after d under name, replacing any existing timer of
// that name. Returns the absolute deadline.
func (s *scheduler) arm(name string, d time.Duration, fn func()) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		current := s.timers[name] == t
		if current {
			delete(s.timers, name)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[name] = t
	return time.Now().Add(d)
}

// cancel stops the named timer if armed.
func (s *scheduler) cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// cancelAll stops every armed timer.
func (s *scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
}

// armed reports whether a timer is pending under name.
func (s *scheduler) armed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}
