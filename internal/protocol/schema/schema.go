package schema

import (
	"fmt"

	"github.com/danmuck/adminsync/internal/protocol/tlv"
)

// Action tags. The set is closed; adding one requires a protocol version bump
// only when an older peer must not see it.
const (
	ActionConnectionRequest uint16 = 1
	ActionConfigSync        uint16 = 2
	ActionPermissionSync    uint16 = 3
	ActionProtectionSync    uint16 = 4
	ActionMotd              uint16 = 5
	ActionForceDisconnect   uint16 = 6
	ActionCommand           uint16 = 7
	ActionNotice            uint16 = 8
)

// Envelope field IDs.
const (
	FieldSender      uint16 = 1
	FieldCorrelation uint16 = 2
	FieldPayload     uint16 = 3
)

var actionNames = map[uint16]string{
	ActionConnectionRequest: "connection_request",
	ActionConfigSync:        "config_sync",
	ActionPermissionSync:    "permission_sync",
	ActionProtectionSync:    "protection_sync",
	ActionMotd:              "motd",
	ActionForceDisconnect:   "force_disconnect",
	ActionCommand:           "command",
	ActionNotice:            "notice",
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Action  uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: action=%d: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("schema: action=%d field=%d: %s", e.Action, e.FieldID, e.Reason)
}

var sender = Requirement{FieldSender, tlv.TypeU64}
var payload = Requirement{FieldPayload, tlv.TypeBytes}

var requirements = map[uint16][]Requirement{
	ActionConnectionRequest: {sender},
	ActionConfigSync:        {sender, payload},
	ActionPermissionSync:    {sender, payload},
	ActionProtectionSync:    {sender, payload},
	ActionMotd:              {sender, payload},
	ActionForceDisconnect:   {sender},
	ActionCommand:           {sender, payload},
	ActionNotice:            {sender, payload},
}

// Known reports whether action is part of this protocol revision.
func Known(action uint16) bool {
	_, ok := requirements[action]
	return ok
}

// ActionName returns a stable label for logs and metrics.
func ActionName(action uint16) string {
	if name, ok := actionNames[action]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", action)
}

// Validate enforces required fields and field types for an action.
// Unknown fields are ignored so newer peers may add optional data.
func Validate(action uint16, fields []tlv.Field) error {
	reqs, ok := requirements[action]
	if !ok {
		return ValidationError{Action: action, Reason: "unknown action"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{Action: action, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{Action: action, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	if f, found := tlv.GetField(fields, FieldCorrelation); found && f.Type != tlv.TypeU64 {
		return ValidationError{Action: action, FieldID: FieldCorrelation, Reason: "type mismatch"}
	}
	return nil
}
