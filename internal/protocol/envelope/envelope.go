package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/adminsync/internal/protocol"
	"github.com/danmuck/adminsync/internal/protocol/schema"
	"github.com/danmuck/adminsync/internal/protocol/tlv"
)

const (
	Magic     uint32 = 0x41445359 // "ADSY"
	Version   uint16 = 1
	HeaderLen        = 8
)

// Action selects the payload schema and the handler pair in a Table.
type Action uint16

const (
	ConnectionRequest = Action(schema.ActionConnectionRequest)
	ConfigSync        = Action(schema.ActionConfigSync)
	PermissionSync    = Action(schema.ActionPermissionSync)
	ProtectionSync    = Action(schema.ActionProtectionSync)
	Motd              = Action(schema.ActionMotd)
	ForceDisconnect   = Action(schema.ActionForceDisconnect)
	Command           = Action(schema.ActionCommand)
	Notice            = Action(schema.ActionNotice)
)

func (a Action) String() string {
	return schema.ActionName(uint16(a))
}

// Envelope is one logical request/response unit exchanged between peers.
type Envelope struct {
	Sender        protocol.PlayerID
	Action        Action
	Payload       []byte
	CorrelationID uint64
}

// Encode renders env as header + TLV fields. Output is deterministic: fields
// are always written in id order and empty optionals are omitted.
func Encode(env Envelope) ([]byte, error) {
	fields := []tlv.Field{tlv.U64(schema.FieldSender, uint64(env.Sender))}
	if env.CorrelationID != 0 {
		fields = append(fields, tlv.U64(schema.FieldCorrelation, env.CorrelationID))
	}
	if len(env.Payload) > 0 {
		fields = append(fields, tlv.Bytes(schema.FieldPayload, env.Payload))
	}
	if err := schema.Validate(uint16(env.Action), fields); err != nil {
		return nil, err
	}

	body := tlv.EncodeFields(fields)
	out := make([]byte, HeaderLen, HeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint16(out[4:6], Version)
	binary.BigEndian.PutUint16(out[6:8], uint16(env.Action))
	return append(out, body...), nil
}

// Decode parses b. An unknown action still returns the envelope header so
// the caller can log the tag; the error wraps protocol.ErrUnknownAction.
func Decode(b []byte) (Envelope, error) {
	if len(b) < HeaderLen {
		return Envelope{}, protocol.ErrTruncated
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != Magic {
		return Envelope{}, fmt.Errorf("%w: 0x%08x", protocol.ErrInvalidMagic, magic)
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != Version {
		return Envelope{}, fmt.Errorf("%w: got %d want %d", protocol.ErrUnsupportedVersion, v, Version)
	}
	env := Envelope{Action: Action(binary.BigEndian.Uint16(b[6:8]))}
	if !schema.Known(uint16(env.Action)) {
		return env, fmt.Errorf("%w: %d", protocol.ErrUnknownAction, env.Action)
	}

	fields, err := tlv.DecodeFields(b[HeaderLen:])
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(uint16(env.Action), fields); err != nil {
		return Envelope{}, err
	}

	senderField, _ := tlv.GetField(fields, schema.FieldSender)
	sender, err := senderField.U64()
	if err != nil {
		return Envelope{}, err
	}
	env.Sender = protocol.PlayerID(sender)

	if f, ok := tlv.GetField(fields, schema.FieldCorrelation); ok {
		id, err := f.U64()
		if err != nil {
			return Envelope{}, err
		}
		env.CorrelationID = id
	}
	if f, ok := tlv.GetField(fields, schema.FieldPayload); ok && len(f.Value) > 0 {
		env.Payload = f.Value
	}
	return env, nil
}
