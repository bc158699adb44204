package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MsgSyncStart, SyncStart{Role: "responder"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	if msg.MessageID == uuid.Nil {
		t.Error("MessageID should be set")
	}
	if time.Since(msg.Timestamp) > time.Minute {
		t.Error("Timestamp should be recent")
	}

	var start SyncStart
	if err := msg.ParsePayload(&start); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if start.Role != "responder" {
		t.Errorf("Role: got %q", start.Role)
	}
}

func TestEncodeDecode(t *testing.T) {
	data, sent, err := Encode(MsgError, ErrorPayload{Reason: "boom"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("wire is not JSON: %v", err)
	}
	for _, key := range []string{"type", "timestamp", "payload", "message_id"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("envelope missing %q", key)
		}
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MessageID != sent.MessageID || got.Type != MsgError {
		t.Errorf("decoded %+v, sent %+v", got, sent)
	}
}

func TestDecodeMalformed(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name string
		data string
	}{
		{"not json", "garbage"},
		{"empty", ""},
		{"unknown type", `{"type":"teleport","message_id":"` + id + `","payload":{}}`},
		{"missing id", `{"type":"data_request","payload":{}}`},
		{"bad id", `{"type":"data_request","message_id":"nope","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	msg := &Message{Type: MsgDataRequest, Payload: json.RawMessage(`{"request_id":42}`)}
	var req DataRequest
	err := msg.ParsePayload(&req)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if !strings.Contains(err.Error(), "data_request") {
		t.Errorf("error should name the message type: %v", err)
	}

	empty := &Message{Type: MsgDeviceInfo}
	if err := empty.ParsePayload(&req); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage for empty payload, got %v", err)
	}
}

func TestMessageTypeKnown(t *testing.T) {
	for _, mt := range []MessageType{MsgDeviceInfo, MsgSyncStart, MsgDataRequest, MsgDataResponse, MsgSyncComplete, MsgError} {
		if !mt.Known() {
			t.Errorf("%s should be known", mt)
		}
	}
	if MessageType("ping").Known() {
		t.Error("ping should not be known")
	}
}
