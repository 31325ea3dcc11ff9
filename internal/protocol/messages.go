// Package protocol defines the WebSocket event types and structures exchanged
// between the Broker Adda chat client and the chat gateway. All events are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Gateway event types.
const (
	TypeAuth   = "auth"
	TypeJoin   = "join"
	TypeTyping = "typing"
	TypeSend   = "send"
)

// Gateway -> Client event types.
const (
	TypeAuthOK = "auth_ok"
	TypeJoined = "joined"
	TypeError  = "error"

	// TypeMessage is the canonical tag for an inbound message event.
	// TypeMessageAliasNew and TypeMessageAliasReceive are legacy tags that
	// older gateway builds emitted for the same logical event; clients must
	// treat all three identically.
	TypeMessage             = "message"
	TypeMessageAliasNew     = "new_message"
	TypeMessageAliasReceive = "receive_message"
)

// IsMessageType reports whether the given event tag is one of the three
// aliases for an inbound message event.
func IsMessageType(t string) bool {
	return t == TypeMessage || t == TypeMessageAliasNew || t == TypeMessageAliasReceive
}

// ---------------------------------------------------------------------------
// Core records
// ---------------------------------------------------------------------------

// StructuredCard is an embedded structured record attached to a message,
// e.g. a referenced lead or property snapshot. The snapshot contents are
// opaque to the chat subsystem; they are carried through unmodified.
type StructuredCard struct {
	Kind     string                 `json:"kind"`
	RefID    string                 `json:"ref_id"`
	Title    string                 `json:"title,omitempty"`
	Snapshot map[string]interface{} `json:"snapshot,omitempty"`
}

// Message is the full chat message record as the gateway materializes it.
// ID is assigned by the gateway and is unique within a chat; CreatedAt is
// the gateway's timestamp and is authoritative for ordering.
type Message struct {
	ID              string           `json:"id"`
	ChatID          string           `json:"chat_id"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	Text            string           `json:"text,omitempty"`
	Attachments     []string         `json:"attachments,omitempty"`
	StructuredCards []StructuredCard `json:"structured_cards,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// IsEmpty reports whether the message carries no content at all (no text,
// no attachments, no structured cards).
func (m *Message) IsEmpty() bool {
	return m.Text == "" && len(m.Attachments) == 0 && len(m.StructuredCards) == 0
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Gateway event structs
// ---------------------------------------------------------------------------

// AuthEvent is the first event a client sends after the WebSocket upgrade.
// The gateway validates the credential before any other event is accepted.
type AuthEvent struct {
	Type          string `json:"type"`
	Credential    string `json:"credential"`
	ParticipantID string `json:"participant_id"`
}

// JoinEvent subscribes the authenticated connection to a chat room so the
// gateway routes that chat's events to it. Room membership is not preserved
// across reconnects; clients re-join after every successful handshake.
type JoinEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingEvent signals a change in the sender's typing activity for a chat.
type TypingEvent struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// SendEvent carries a composed outgoing message. The gateway assigns the ID
// and timestamp, archives the message, and broadcasts the materialized record
// to every room participant, the sender included.
type SendEvent struct {
	Type            string           `json:"type"`
	ChatID          string           `json:"chat_id"`
	To              string           `json:"to"`
	Text            string           `json:"text,omitempty"`
	Attachments     []string         `json:"attachments,omitempty"`
	StructuredCards []StructuredCard `json:"structured_cards,omitempty"`
}

// ---------------------------------------------------------------------------
// Gateway -> Client event structs
// ---------------------------------------------------------------------------

// AuthOKEvent acknowledges a successful auth handshake.
type AuthOKEvent struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// JoinedEvent acknowledges a successful room join.
type JoinedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// MessageEvent delivers a materialized message to a room participant. The
// event tag may be any of the three message aliases.
type MessageEvent struct {
	Type string `json:"type"`
	Message
}

// PeerTypingEvent relays another participant's typing activity.
type PeerTypingEvent struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	IsTyping      bool   `json:"is_typing"`
}

// ErrorEvent communicates an error condition to the client.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorEvent.Code.
const (
	CodeAuthFailed      = "auth_failed"
	CodeNotAuthorized   = "not_authorized"
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeEmptyMessage    = "empty_message"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// gateway-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewGatewayEvent creates a JSON-encoded byte slice for a gateway event.
// The eventType is injected into the payload under the "type" key. The
// payload should be one of the gateway event structs; this function marshals
// it to JSON, injects the type field, and returns the final bytes.
func NewGatewayEvent(eventType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal gateway event: %w", err)
	}
	return out, nil
}
