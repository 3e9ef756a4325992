// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldEntryID   = "entry_id"
	FieldSessionID = "session_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Game state fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldResult   = "result"
	FieldTry      = "try"

	// Actuator fields
	FieldActuator  = "actuator"
	FieldDirection = "direction"
	FieldPin       = "pin"
)
