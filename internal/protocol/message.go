package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is advertised in mDNS TXT records and sync_start payloads
const ProtocolVersion = "1"

// ErrMalformedMessage marks an envelope or payload that could not be decoded.
// Receivers log and drop such messages.
var ErrMalformedMessage = errors.New("malformed message")

// MessageType identifies the type of sync message
type MessageType string

const (
	MsgDeviceInfo   MessageType = "device_info"
	MsgSyncStart    MessageType = "sync_start"
	MsgDataRequest  MessageType = "data_request"
	MsgDataResponse MessageType = "data_response" // ledger.Snapshot
	MsgSyncComplete MessageType = "sync_complete" // ledger.SyncResult
	MsgError        MessageType = "error"
)

// Known reports whether t is one of the defined message types
func (t MessageType) Known() bool {
	switch t {
	case MsgDeviceInfo, MsgSyncStart, MsgDataRequest, MsgDataResponse, MsgSyncComplete, MsgError:
		return true
	}
	return false
}

// Message is the sync protocol envelope
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	MessageID uuid.UUID       `json:"message_id"`
}

// NewMessage creates a new message with the given payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
		MessageID: uuid.New(),
	}, nil
}

// ParsePayload unmarshals the message payload. Failures wrap
// ErrMalformedMessage.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

// Encode serializes a message for Transport.Send
func Encode(msgType MessageType, payload interface{}) ([]byte, *Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("create message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, nil, ErrMessageTooLarge
	}
	return data, msg, nil
}

// Decode parses an envelope received from a peer. Any failure wraps
// ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !msg.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}
	if msg.MessageID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedMessage)
	}
	return &msg, nil
}

// SyncStart announces the sender's role; informational only
type SyncStart struct {
	Role    string `json:"role"`
	Version string `json:"version"`
}

// DataRequest asks the peer for its full ledger snapshot
type DataRequest struct {
	RequestID uuid.UUID `json:"request_id"`
}

// ErrorPayload reports a protocol-level failure to the peer
type ErrorPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Error codes carried in ErrorPayload
const (
	ErrorCodeSnapshot       = "snapshot_failed"
	ErrorCodeMerge          = "merge_failed"
	ErrorCodeUnexpectedPeer = "unexpected_peer"
	ErrorCodeRateLimited    = "rate_limited"
)
