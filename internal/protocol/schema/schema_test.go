package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/edgemsgr/internal/protocol/tlv"
	"github.com/danmuck/edgemsgr/internal/testutil/testlog"
)

func heartbeatFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldNode, "osd.1"),
		tlv.U64(FieldEpoch, 3),
		tlv.U64(FieldSentUnixMS, 1700000000000),
	}
}

func TestValidateHeartbeatRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgHeartbeat, heartbeatFields()); err != nil {
		t.Fatalf("validate heartbeat: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(heartbeatFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgHeartbeat, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name    string
		msgType uint16
		fields  []tlv.Field
		fieldID uint16
		reason  string
	}{
		{
			name:    "unknown type",
			msgType: 0x7f,
			fields:  heartbeatFields(),
			reason:  "unknown message_type",
		},
		{
			name:    "missing epoch",
			msgType: MsgHeartbeat,
			fields:  []tlv.Field{tlv.String(FieldNode, "osd.1")},
			fieldID: FieldEpoch,
			reason:  "missing required field",
		},
		{
			name:    "reply missing recv",
			msgType: MsgHeartbeatReply,
			fields:  heartbeatFields(),
			fieldID: FieldRecvUnixMS,
			reason:  "missing required field",
		},
		{
			name:    "epoch as u32",
			msgType: MsgHeartbeat,
			fields: []tlv.Field{
				tlv.String(FieldNode, "osd.1"),
				tlv.U32(FieldEpoch, 3),
				tlv.U64(FieldSentUnixMS, 1),
			},
			fieldID: FieldEpoch,
			reason:  "type mismatch",
		},
		{
			name:    "note body as string",
			msgType: MsgNote,
			fields: []tlv.Field{
				tlv.String(FieldNode, "osd.1"),
				tlv.String(FieldTopic, "status"),
				tlv.String(FieldBody, "hello"),
			},
			fieldID: FieldBody,
			reason:  "type mismatch",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.msgType, tc.fields)
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.FieldID != tc.fieldID || ve.Reason != tc.reason {
				t.Fatalf("unexpected validation error: %+v", ve)
			}
		})
	}
}

func TestEncodeDecodeHeartbeatReply(t *testing.T) {
	testlog.Start(t)

	payload, err := Encode(MsgHeartbeatReply,
		tlv.String(FieldNode, "mon.0"),
		tlv.U64(FieldEpoch, 9),
		tlv.U64(FieldSentUnixMS, 100),
		tlv.U64(FieldRecvUnixMS, 105),
	)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fields, err := Decode(MsgHeartbeatReply, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := StringField(fields, FieldNode); got != "mon.0" {
		t.Fatalf("node: got %q", got)
	}
	if got := U64Field(fields, FieldRecvUnixMS) - U64Field(fields, FieldSentUnixMS); got != 5 {
		t.Fatalf("rtt: got %d want 5", got)
	}

	if _, err := Decode(MsgHeartbeat, payload[:5]); !errors.Is(err, tlv.ErrShortFieldHeader) {
		t.Fatalf("expected short header error, got %v", err)
	}
	if _, err := Encode(MsgNote, tlv.String(FieldNode, "x")); err == nil {
		t.Fatalf("expected encode of incomplete note to fail")
	}
}
