package ws

import (
	"log"
	"time"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The ev parameter is the concrete struct returned by
// protocol.ParseClientEvent (protocol.AuthEvent, protocol.SendEvent, etc.).
type EventHandler func(conn *Connection, ev interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It enforces the auth gate: until a connection has
// completed the auth handshake, every event except auth is rejected with a
// not_authorized error. Malformed or unsupported events get a structured
// error response and never tear the connection down.
type EventDispatcher struct {
	handlers map[string]EventHandler
}

// NewEventDispatcher creates an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *EventDispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, applies the auth gate, and routes to the
// registered handler.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	evType, ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.SendError(conn, protocol.CodeParseError, "invalid event format")
		return
	}

	// Any well-formed frame proves the connection is alive.
	conn.LastPing = time.Now()

	if _, authed := conn.Participant(); !authed && evType != protocol.TypeAuth {
		log.Printf("ws: event %q before auth conn=%s", evType, conn.ID)
		d.SendError(conn, protocol.CodeNotAuthorized, "authenticate first")
		return
	}

	handler, ok := d.handlers[evType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", evType, conn.ID)
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported event type")
		return
	}

	handler(conn, ev)
}

// SendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *EventDispatcher) SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewGatewayEvent(protocol.TypeError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}
