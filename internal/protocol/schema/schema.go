package schema

import (
	"fmt"

	"github.com/danmuck/edgemsgr/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message types carried in the frame header by daemon traffic. Values below
// 0x30 are left to the messenger's own frames.
const (
	MsgHeartbeat      uint16 = 0x30
	MsgHeartbeatReply uint16 = 0x31
	MsgNote           uint16 = 0x32
)

// Field IDs.
const (
	FieldNode       uint16 = 1
	FieldEpoch      uint16 = 2
	FieldSentUnixMS uint16 = 3
	FieldRecvUnixMS uint16 = 4

	FieldTopic uint16 = 100
	FieldBody  uint16 = 101
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%#x: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%#x field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgHeartbeat: {
		{FieldNode, tlv.TypeString},
		{FieldEpoch, tlv.TypeU64},
		{FieldSentUnixMS, tlv.TypeU64},
	},
	MsgHeartbeatReply: {
		{FieldNode, tlv.TypeString},
		{FieldEpoch, tlv.TypeU64},
		{FieldSentUnixMS, tlv.TypeU64},
		{FieldRecvUnixMS, tlv.TypeU64},
	},
	MsgNote: {
		{FieldNode, tlv.TypeString},
		{FieldTopic, tlv.TypeString},
		{FieldBody, tlv.TypeBytes},
	},
}

// Known reports whether messageType has a schema.
func Known(messageType uint16) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint16("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Encode validates fields and returns the TLV payload.
func Encode(messageType uint16, fields ...tlv.Field) ([]byte, error) {
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return tlv.EncodeFields(fields), nil
}

// Decode parses a TLV payload and validates it against messageType.
func Decode(messageType uint16, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("schema: message_type=%#x: %w", messageType, err)
	}
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// StringField returns a validated string field's value.
func StringField(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

// U64Field returns a validated u64 field's value, zero when absent.
func U64Field(fields []tlv.Field, id uint16) uint64 {
	f, _ := tlv.GetField(fields, id)
	v, _ := tlv.U64FromBytes(f.Value)
	return v
}
