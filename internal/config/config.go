// SPDX-License-Identifier: MIT

// Package config provides typed, validated configuration for clawd.
package config

import "time"

// Settings is the full configuration surface of the daemon. Fields map
// 1:1 to yaml keys; environment variables named CLAWD_<UPPER_SNAKE>
// override file values.
type Settings struct {
	// Turn timing
	TriesPerPlayer          int `yaml:"tries_per_player"`
	TurnTimeSeconds         int `yaml:"turn_time_seconds"`
	TryMoveSeconds          int `yaml:"try_move_seconds"`
	PostDropWaitSeconds     int `yaml:"post_drop_wait_seconds"`
	ReadyPromptSeconds      int `yaml:"ready_prompt_seconds"`
	QueueGracePeriodSeconds int `yaml:"queue_grace_period_seconds"`

	// Actuator pulse/hold
	CoinPulseMs        int  `yaml:"coin_pulse_ms"`
	DropPulseMs        int  `yaml:"drop_pulse_ms"`
	DropHoldMaxMs      int  `yaml:"drop_hold_max_ms"`
	MinInterPulseMs    int  `yaml:"min_inter_pulse_ms"`
	DirectionHoldMaxMs int  `yaml:"direction_hold_max_ms"`
	CoinSettleMs       int  `yaml:"coin_settle_ms"`
	CoinEachTry        bool `yaml:"coin_each_try"`

	// Control channel
	CommandRateLimitHz     int     `yaml:"command_rate_limit_hz"`
	DirectionConflictMode  string  `yaml:"direction_conflict_mode"` // "ignore_new" or "replace"
	MaxControlSessions     int     `yaml:"max_control_sessions"`
	ControlPreAuthTimeoutS float64 `yaml:"control_pre_auth_timeout_s"`
	ControlSendTimeoutS    float64 `yaml:"control_send_timeout_s"`
	ControlMaxMessageBytes int     `yaml:"control_max_message_bytes"`
	ControlPingIntervalS   int     `yaml:"control_ping_interval_s"`

	// Status hub
	MaxStatusViewers         int     `yaml:"max_status_viewers"`
	StatusSendTimeoutS       float64 `yaml:"status_send_timeout_s"`
	StatusKeepaliveIntervalS int     `yaml:"status_keepalive_interval_s"`

	// Hardware mapping (BCM numbering)
	PinCoin        int    `yaml:"pin_coin"`
	PinNorth       int    `yaml:"pin_north"`
	PinSouth       int    `yaml:"pin_south"`
	PinWest        int    `yaml:"pin_west"`
	PinEast        int    `yaml:"pin_east"`
	PinDrop        int    `yaml:"pin_drop"`
	PinWin         int    `yaml:"pin_win"`
	RelayActiveLow bool   `yaml:"relay_active_low"`
	WinInputPullUp bool   `yaml:"win_input_pull_up"`
	GPIOChip       string `yaml:"gpio_chip"`
	MockGPIO       bool   `yaml:"mock_gpio"`

	// Server
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	DatabasePath         string `yaml:"database_path"`
	OperatorKey          string `yaml:"operator_key"`
	OperatorAllowedCIDRs string `yaml:"operator_allowed_cidrs"`
	TrustedProxies       string `yaml:"trusted_proxies"`
	LogLevel             string `yaml:"log_level"`

	// Admission rate limits
	JoinRatePerIP      int `yaml:"join_rate_per_ip"`
	JoinRatePerEmail   int `yaml:"join_rate_per_email"`
	RateLimitWindowS   int `yaml:"rate_limit_window_s"`
	RateLimitPruneAgeS int `yaml:"rate_limit_prune_age_s"`

	// Maintenance
	DBRetentionHours    int `yaml:"db_retention_hours"`
	DBPruneIntervalS    int `yaml:"db_prune_interval_s"`
	QueueCheckIntervalS int `yaml:"queue_check_interval_s"`
	HistoryLimit        int `yaml:"history_limit"`

	// Watchdog
	WatchdogHealthURL      string `yaml:"watchdog_health_url"`
	WatchdogCheckIntervalS int    `yaml:"watchdog_check_interval_s"`
	WatchdogFailThreshold  int    `yaml:"watchdog_fail_threshold"`
}

// Default returns the settings used when no file or environment
// overrides are present. Values mirror a conservative single-machine
// deployment.
func Default() Settings {
	return Settings{
		TriesPerPlayer:          2,
		TurnTimeSeconds:         90,
		TryMoveSeconds:          30,
		PostDropWaitSeconds:     8,
		ReadyPromptSeconds:      15,
		QueueGracePeriodSeconds: 300,

		CoinPulseMs:        150,
		DropPulseMs:        200,
		DropHoldMaxMs:      10000,
		MinInterPulseMs:    500,
		DirectionHoldMaxMs: 30000,
		CoinSettleMs:       500,
		CoinEachTry:        true,

		CommandRateLimitHz:     25,
		DirectionConflictMode:  ConflictIgnoreNew,
		MaxControlSessions:     100,
		ControlPreAuthTimeoutS: 2.0,
		ControlSendTimeoutS:    2.0,
		ControlMaxMessageBytes: 1024,
		ControlPingIntervalS:   20,

		MaxStatusViewers:         500,
		StatusSendTimeoutS:       5.0,
		StatusKeepaliveIntervalS: 30,

		PinCoin:        17,
		PinNorth:       27,
		PinSouth:       5,
		PinWest:        6,
		PinEast:        24,
		PinDrop:        25,
		PinWin:         16,
		RelayActiveLow: true,
		WinInputPullUp: false,
		GPIOChip:       "/dev/gpiochip0",
		MockGPIO:       false,

		Host:         "0.0.0.0",
		Port:         8000,
		DatabasePath: "./data/claw.db",
		OperatorKey:  "changeme",
		LogLevel:     "info",

		JoinRatePerIP:      30,
		JoinRatePerEmail:   15,
		RateLimitWindowS:   3600,
		RateLimitPruneAgeS: 3600,

		DBRetentionHours:    48,
		DBPruneIntervalS:    3600,
		QueueCheckIntervalS: 10,
		HistoryLimit:        20,

		WatchdogHealthURL:      "http://127.0.0.1:8000/api/health",
		WatchdogCheckIntervalS: 2,
		WatchdogFailThreshold:  3,
	}
}

// Direction conflict policies.
const (
	ConflictIgnoreNew = "ignore_new"
	ConflictReplace   = "replace"
)

// Duration helpers so callers never re-derive unit conversions.

func (s Settings) TurnTime() time.Duration       { return time.Duration(s.TurnTimeSeconds) * time.Second }
func (s Settings) TryMoveTime() time.Duration    { return time.Duration(s.TryMoveSeconds) * time.Second }
func (s Settings) PostDropWait() time.Duration   { return time.Duration(s.PostDropWaitSeconds) * time.Second }
func (s Settings) ReadyPrompt() time.Duration    { return time.Duration(s.ReadyPromptSeconds) * time.Second }
func (s Settings) DisconnectGrace() time.Duration {
	return time.Duration(s.QueueGracePeriodSeconds) * time.Second
}
func (s Settings) CoinPulse() time.Duration   { return time.Duration(s.CoinPulseMs) * time.Millisecond }
func (s Settings) DropPulse() time.Duration   { return time.Duration(s.DropPulseMs) * time.Millisecond }
func (s Settings) DropHoldMax() time.Duration { return time.Duration(s.DropHoldMaxMs) * time.Millisecond }
func (s Settings) MinInterPulse() time.Duration {
	return time.Duration(s.MinInterPulseMs) * time.Millisecond
}
func (s Settings) DirectionHoldMax() time.Duration {
	return time.Duration(s.DirectionHoldMaxMs) * time.Millisecond
}
func (s Settings) CoinSettle() time.Duration { return time.Duration(s.CoinSettleMs) * time.Millisecond }
func (s Settings) ControlPreAuthTimeout() time.Duration {
	return time.Duration(s.ControlPreAuthTimeoutS * float64(time.Second))
}
func (s Settings) ControlSendTimeout() time.Duration {
	return time.Duration(s.ControlSendTimeoutS * float64(time.Second))
}
func (s Settings) StatusSendTimeout() time.Duration {
	return time.Duration(s.StatusSendTimeoutS * float64(time.Second))
}

// InsecureOperatorKeys are placeholder secrets that must never reach
// an internet-facing deployment.
var InsecureOperatorKeys = map[string]struct{}{
	"":         {},
	"changeme": {},
	"demo-key": {},
}

// OperatorKeyInsecure reports whether the configured operator secret is
// a known placeholder.
func (s Settings) OperatorKeyInsecure() bool {
	_, ok := InsecureOperatorKeys[s.OperatorKey]
	return ok
}
