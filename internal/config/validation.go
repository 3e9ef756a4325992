// SPDX-License-Identifier: MIT

package config

import (
	"github.com/eclaw/clawd/internal/validate"
)

// Validate checks every tunable against its permitted range.
func Validate(s Settings) error {
	v := validate.New()

	v.Range("TriesPerPlayer", s.TriesPerPlayer, 1, 10)
	v.Range("TurnTimeSeconds", s.TurnTimeSeconds, 10, 600)
	v.Range("TryMoveSeconds", s.TryMoveSeconds, 5, 300)
	v.Range("PostDropWaitSeconds", s.PostDropWaitSeconds, 1, 60)
	v.Range("ReadyPromptSeconds", s.ReadyPromptSeconds, 5, 120)
	v.Range("QueueGracePeriodSeconds", s.QueueGracePeriodSeconds, 5, 3600)

	v.Range("CoinPulseMs", s.CoinPulseMs, 20, 2000)
	v.Range("DropPulseMs", s.DropPulseMs, 20, 2000)
	v.Range("DropHoldMaxMs", s.DropHoldMaxMs, 500, 60000)
	v.Range("MinInterPulseMs", s.MinInterPulseMs, 0, 10000)
	v.Range("DirectionHoldMaxMs", s.DirectionHoldMaxMs, 500, 120000)
	v.Range("CoinSettleMs", s.CoinSettleMs, 0, 5000)

	v.Range("CommandRateLimitHz", s.CommandRateLimitHz, 1, 200)
	v.OneOf("DirectionConflictMode", s.DirectionConflictMode, []string{ConflictIgnoreNew, ConflictReplace})
	v.Range("MaxControlSessions", s.MaxControlSessions, 1, 10000)
	v.RangeF("ControlPreAuthTimeoutS", s.ControlPreAuthTimeoutS, 0.1, 60)
	v.RangeF("ControlSendTimeoutS", s.ControlSendTimeoutS, 0.1, 60)
	v.Range("ControlMaxMessageBytes", s.ControlMaxMessageBytes, 64, 65536)
	v.Range("ControlPingIntervalS", s.ControlPingIntervalS, 1, 300)

	v.Range("MaxStatusViewers", s.MaxStatusViewers, 1, 100000)
	v.RangeF("StatusSendTimeoutS", s.StatusSendTimeoutS, 0.1, 60)
	v.Range("StatusKeepaliveIntervalS", s.StatusKeepaliveIntervalS, 1, 600)

	v.Pin("PinCoin", s.PinCoin)
	v.Pin("PinNorth", s.PinNorth)
	v.Pin("PinSouth", s.PinSouth)
	v.Pin("PinWest", s.PinWest)
	v.Pin("PinEast", s.PinEast)
	v.Pin("PinDrop", s.PinDrop)
	v.Pin("PinWin", s.PinWin)

	v.Port("Port", s.Port)
	v.NotEmpty("DatabasePath", s.DatabasePath)
	v.CIDRList("TrustedProxies", s.TrustedProxies)
	v.CIDRList("OperatorAllowedCIDRs", s.OperatorAllowedCIDRs)

	v.Range("JoinRatePerIP", s.JoinRatePerIP, 1, 10000)
	v.Range("JoinRatePerEmail", s.JoinRatePerEmail, 1, 10000)
	v.Range("RateLimitWindowS", s.RateLimitWindowS, 60, 86400)
	v.Range("RateLimitPruneAgeS", s.RateLimitPruneAgeS, 60, 86400)

	v.Range("DBRetentionHours", s.DBRetentionHours, 1, 720)
	v.Range("DBPruneIntervalS", s.DBPruneIntervalS, 60, 86400)
	v.Range("QueueCheckIntervalS", s.QueueCheckIntervalS, 1, 600)
	v.Range("HistoryLimit", s.HistoryLimit, 1, 200)

	v.URL("WatchdogHealthURL", s.WatchdogHealthURL, []string{"http", "https"})
	v.Range("WatchdogCheckIntervalS", s.WatchdogCheckIntervalS, 1, 60)
	v.Range("WatchdogFailThreshold", s.WatchdogFailThreshold, 1, 20)

	return v.Err()
}
