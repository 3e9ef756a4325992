// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
)

// editableKeys are the yaml keys the operator config endpoint may
// change at runtime. Everything else requires a restart (hardware
// mapping, listen address, database path, watchdog tuning).
var editableKeys = map[string]struct{}{
	"tries_per_player":           {},
	"turn_time_seconds":          {},
	"try_move_seconds":           {},
	"post_drop_wait_seconds":     {},
	"ready_prompt_seconds":       {},
	"queue_grace_period_seconds": {},
	"coin_pulse_ms":              {},
	"drop_pulse_ms":              {},
	"drop_hold_max_ms":           {},
	"min_inter_pulse_ms":         {},
	"direction_hold_max_ms":      {},
	"coin_settle_ms":             {},
	"coin_each_try":              {},
	"command_rate_limit_hz":      {},
	"direction_conflict_mode":    {},
	"max_status_viewers":         {},
	"status_send_timeout_s":      {},
	"db_retention_hours":         {},
	"history_limit":              {},
	"join_rate_per_ip":           {},
	"join_rate_per_email":        {},
}

// EditableKeys returns the sorted list of runtime-editable yaml keys.
func EditableKeys() []string {
	keys := make([]string, 0, len(editableKeys))
	for k := range editableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager holds the live Settings and serialises runtime updates.
type Manager struct {
	mu  sync.RWMutex
	cur Settings
}

// NewManager wraps validated settings for concurrent access.
func NewManager(s Settings) *Manager {
	return &Manager{cur: s}
}

// Snapshot returns a copy of the current settings.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// EditableValues returns the current value of every runtime-editable
// key, keyed by yaml tag.
func (m *Manager) EditableValues() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := reflect.ValueOf(m.cur)
	t := v.Type()
	out := make(map[string]any, len(editableKeys))
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if _, ok := editableKeys[tag]; ok {
			out[tag] = v.Field(i).Interface()
		}
	}
	return out
}

// Update applies a set of yaml-keyed changes. Unknown or non-editable
// keys and out-of-range values reject the whole update; on success the
// new settings become visible atomically.
func (m *Manager) Update(changes map[string]any) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cur
	v := reflect.ValueOf(&next).Elem()
	t := v.Type()

	for key, raw := range changes {
		if _, ok := editableKeys[key]; !ok {
			return Settings{}, fmt.Errorf("config: key %q is not editable at runtime", key)
		}
		field, ok := fieldByYamlTag(v, t, key)
		if !ok {
			return Settings{}, fmt.Errorf("config: unknown key %q", key)
		}
		if err := assign(field, key, raw); err != nil {
			return Settings{}, err
		}
	}

	if err := Validate(next); err != nil {
		return Settings{}, err
	}
	m.cur = next
	return next, nil
}

func fieldByYamlTag(v reflect.Value, t reflect.Type, tag string) (reflect.Value, bool) {
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("yaml") == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// assign coerces a JSON-decoded value onto a Settings field. JSON
// numbers arrive as float64 regardless of the target type.
func assign(field reflect.Value, key string, raw any) error {
	switch field.Kind() {
	case reflect.Int:
		f, ok := raw.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("config: %s: expected integer, got %v", key, raw)
		}
		field.SetInt(int64(f))
	case reflect.Float64:
		f, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("config: %s: expected number, got %v", key, raw)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("config: %s: expected boolean, got %v", key, raw)
		}
		field.SetBool(b)
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("config: %s: expected string, got %v", key, raw)
		}
		field.SetString(s)
	default:
		return fmt.Errorf("config: %s: unsupported field kind %s", key, field.Kind())
	}
	return nil
}
