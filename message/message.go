// Package message defines the envelope protocol spoken between mailboxes.
//
// Every message carries a source, a destination, a kind, and a request
// identifier. Request-shaped messages (Request, Ping, Shutdown) travel from
// a caller to an agent; response-shaped messages (Success, Error) travel
// back carrying the same request identifier so the caller can correlate
// them with its pending requests.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/academy-dev/academy/identifier"
)

// Kind identifies the type of a message envelope.
type Kind string

const (
	KindRequest  Kind = "request"
	KindSuccess  Kind = "success"
	KindError    Kind = "error"
	KindPing     Kind = "ping"
	KindShutdown Kind = "shutdown"
)

// Error kinds carried inside Error envelopes. Remote failures cross the
// wire as a kind plus a human-readable description, never as a concrete
// error type.
const (
	ErrKindUnknownAction      = "unknown_action"
	ErrKindActionFailed       = "action_failed"
	ErrKindUnsupportedRequest = "unsupported_request"
)

// ErrorInfo is the structured failure description carried by Error
// envelopes.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Message is the envelope routed between mailboxes. Treat messages as
// immutable once constructed; response helpers return new envelopes.
type Message struct {
	Source    identifier.EntityID `json:"source"`
	Dest      identifier.EntityID `json:"dest"`
	Kind      Kind                `json:"kind"`
	RequestID uuid.UUID           `json:"request_id"`
	Action    string              `json:"action,omitempty"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
	Err       *ErrorInfo          `json:"error,omitempty"`

	// Timestamp is the RFC 3339 creation time, recorded for logs and
	// debugging. It carries no ordering semantics.
	Timestamp string `json:"timestamp"`
}

func newMessage(src, dest identifier.EntityID, kind Kind) *Message {
	return &Message{
		Source:    src,
		Dest:      dest,
		Kind:      kind,
		RequestID: uuid.New(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewRequest creates a Request envelope invoking the named action with the
// given serialized arguments. A fresh request identifier is generated.
func NewRequest(src, dest identifier.EntityID, action string, payload json.RawMessage) *Message {
	m := newMessage(src, dest, KindRequest)
	m.Action = action
	m.Payload = payload
	return m
}

// NewPing creates a Ping envelope. Pings are answered by the target
// runtime's control loop without touching behavior state.
func NewPing(src, dest identifier.EntityID) *Message {
	return newMessage(src, dest, KindPing)
}

// NewShutdown creates a Shutdown envelope. Shutdown is fire-and-forget;
// no response is produced.
func NewShutdown(src, dest identifier.EntityID) *Message {
	return newMessage(src, dest, KindShutdown)
}

// Success builds the terminal Success response for a request-shaped
// message, preserving the request identifier and swapping source and
// destination.
func (m *Message) Success(payload json.RawMessage) *Message {
	return &Message{
		Source:    m.Dest,
		Dest:      m.Source,
		Kind:      KindSuccess,
		RequestID: m.RequestID,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Failure builds the terminal Error response for a request-shaped message.
func (m *Message) Failure(kind, description string) *Message {
	return &Message{
		Source:    m.Dest,
		Dest:      m.Source,
		Kind:      KindError,
		RequestID: m.RequestID,
		Err:       &ErrorInfo{Kind: kind, Message: description},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// IsRequest reports whether the message travels caller-to-agent.
func (m *Message) IsRequest() bool {
	switch m.Kind {
	case KindRequest, KindPing, KindShutdown:
		return true
	}
	return false
}

// IsResponse reports whether the message is a terminal response.
func (m *Message) IsResponse() bool {
	return m.Kind == KindSuccess || m.Kind == KindError
}

// Encode serializes the envelope for a transport backend.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode deserializes an envelope produced by Encode.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// String returns a short human-readable form for logs.
func (m *Message) String() string {
	return fmt.Sprintf("Message{%s %s -> %s, id=%s}", m.Kind, m.Source, m.Dest, m.RequestID)
}
