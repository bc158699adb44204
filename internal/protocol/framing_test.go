package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFramerWriteRead(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	msg, err := NewMessage(MsgDataRequest, DataRequest{})
	if err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}

	if err := framer.WriteMessage(msg); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}

	framer2 := NewFramer(bytes.NewReader(buf.Bytes()), nil)
	readMsg, err := framer2.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	if readMsg.Type != MsgDataRequest {
		t.Errorf("Expected type %s, got %s", MsgDataRequest, readMsg.Type)
	}
	if readMsg.MessageID != msg.MessageID {
		t.Errorf("MessageID mismatch: got %s, want %s", readMsg.MessageID, msg.MessageID)
	}
}

func TestFramerRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		msgType MessageType
		payload interface{}
	}{
		{
			name:    "sync_start",
			msgType: MsgSyncStart,
			payload: SyncStart{Role: "initiator", Version: ProtocolVersion},
		},
		{
			name:    "error",
			msgType: MsgError,
			payload: ErrorPayload{Reason: "merge failed", Code: ErrorCodeMerge},
		},
		{
			name:    "device_info",
			msgType: MsgDeviceInfo,
			payload: map[string]string{"device_name": "phone"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			framer := NewFramer(buf, buf)

			if err := framer.Send(tc.msgType, tc.payload); err != nil {
				t.Fatalf("Failed to send message: %v", err)
			}

			readMsg, err := NewFramer(bytes.NewReader(buf.Bytes()), nil).ReadMessage()
			if err != nil {
				t.Fatalf("Failed to read message: %v", err)
			}
			if readMsg.Type != tc.msgType {
				t.Errorf("Type mismatch: got %s, want %s", readMsg.Type, tc.msgType)
			}
		})
	}
}

func TestFramerMultipleFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		if err := framer.WriteRaw([]byte(p)); err != nil {
			t.Fatalf("WriteRaw: %v", err)
		}
	}

	for _, want := range payloads {
		got, err := framer.ReadRaw()
		if err != nil {
			t.Fatalf("ReadRaw: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}

	if _, err := framer.ReadRaw(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}

func TestFramerRejectsOversizedFrames(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxMessageSize+1)

	framer := NewFramer(bytes.NewReader(prefix[:]), nil)
	if _, err := framer.ReadRaw(); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	out := NewFramer(nil, io.Discard)
	if err := out.WriteRaw(make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge on write, got %v", err)
	}
}

func TestFramerTruncatedBody(t *testing.T) {
	var frame bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10)
	frame.Write(prefix[:])
	frame.WriteString("short")

	_, err := NewFramer(&frame, nil).ReadRaw()
	if err == nil || !strings.Contains(err.Error(), "read body") {
		t.Errorf("expected read body error, got %v", err)
	}
}

func TestFramerReadMessageMalformed(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := NewFramer(buf, buf)
	if err := framer.WriteRaw([]byte("{not json")); err != nil {
		t.Fatal(err)
	}

	if _, err := framer.ReadMessage(); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}
