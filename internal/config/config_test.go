// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tries_per_player: 3\nturn_time_seconds: 120\n"), 0o600))

	t.Setenv("CLAWD_TURN_TIME_SECONDS", "150")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TriesPerPlayer, "file overrides default")
	assert.Equal(t, 150, s.TurnTimeSeconds, "env overrides file")
	assert.Equal(t, 30, s.TryMoveSeconds, "untouched default survives")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tries_per_player: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TriesPerPlayer")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestManagerUpdateAtomicity(t *testing.T) {
	m := NewManager(Default())

	// One bad key rejects the whole batch.
	_, err := m.Update(map[string]any{
		"tries_per_player": float64(4),
		"pin_coin":         float64(9),
	})
	require.Error(t, err)
	assert.Equal(t, 2, m.Snapshot().TriesPerPlayer)

	got, err := m.Update(map[string]any{
		"tries_per_player":        float64(4),
		"direction_conflict_mode": "replace",
		"coin_each_try":           false,
		"status_send_timeout_s":   2.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, got.TriesPerPlayer)
	assert.Equal(t, ConflictReplace, got.DirectionConflictMode)
	assert.False(t, got.CoinEachTry)
	assert.InDelta(t, 2.5, got.StatusSendTimeoutS, 1e-9)
	assert.Equal(t, 4, m.Snapshot().TriesPerPlayer)
}

func TestManagerUpdateRangeEnforced(t *testing.T) {
	m := NewManager(Default())
	_, err := m.Update(map[string]any{"turn_time_seconds": float64(5)})
	require.Error(t, err)
	assert.Equal(t, 90, m.Snapshot().TurnTimeSeconds)
}

func TestManagerRejectsFractionalInt(t *testing.T) {
	m := NewManager(Default())
	_, err := m.Update(map[string]any{"tries_per_player": 2.5})
	require.Error(t, err)
}

func TestOperatorKeyInsecure(t *testing.T) {
	s := Default()
	assert.True(t, s.OperatorKeyInsecure())
	s.OperatorKey = "4f1c2d9e8b"
	assert.False(t, s.OperatorKeyInsecure())
}

func TestEditableKeysSortedAndKnown(t *testing.T) {
	keys := EditableKeys()
	require.NotEmpty(t, keys)
	assert.IsType(t, []string{}, keys)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
	assert.Contains(t, keys, "tries_per_player")
	assert.NotContains(t, keys, "pin_coin")
}
