package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// frameReader drains server-side frames from the client end of a net.Pipe so
// that Connection.WriteMessage never blocks during a test.
type frameReader struct {
	events chan protocol.ErrorEvent
}

func newFrameReader(client net.Conn) *frameReader {
	r := &frameReader{events: make(chan protocol.ErrorEvent, 8)}
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var ev protocol.ErrorEvent
			if json.Unmarshal(data, &ev) == nil && ev.Code != "" {
				r.events <- ev
			}
		}
	}()
	return r
}

func (r *frameReader) nextError(t *testing.T) protocol.ErrorEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
		return protocol.ErrorEvent{}
	}
}

func TestDispatchRejectsEventsBeforeAuth(t *testing.T) {
	d := NewEventDispatcher()
	handled := false
	d.Register(protocol.TypeSend, func(conn *Connection, ev interface{}) {
		handled = true
	})

	c, client := newTestConn("c1")
	defer client.Close()
	reader := newFrameReader(client)

	d.Dispatch(c, []byte(`{"type":"send","chat_id":"chat-1","to":"buyer-2","text":"hi"}`))

	if ev := reader.nextError(t); ev.Code != protocol.CodeNotAuthorized {
		t.Fatalf("error code = %q, want %q", ev.Code, protocol.CodeNotAuthorized)
	}
	if handled {
		t.Fatal("send handler must not run before auth")
	}
}

func TestDispatchAllowsAuthBeforeAuth(t *testing.T) {
	d := NewEventDispatcher()
	var got protocol.AuthEvent
	d.Register(protocol.TypeAuth, func(conn *Connection, ev interface{}) {
		got = ev.(protocol.AuthEvent)
	})

	c, client := newTestConn("c1")
	defer client.Close()
	newFrameReader(client)

	d.Dispatch(c, []byte(`{"type":"auth","participant_id":"agent-7","credential":"tok"}`))

	if got.ParticipantID != "agent-7" || got.Credential != "tok" {
		t.Fatalf("auth handler got %+v", got)
	}
}

func TestDispatchRoutesAfterAuth(t *testing.T) {
	d := NewEventDispatcher()
	var got protocol.SendEvent
	d.Register(protocol.TypeSend, func(conn *Connection, ev interface{}) {
		got = ev.(protocol.SendEvent)
	})

	c, client := newTestConn("c1")
	defer client.Close()
	newFrameReader(client)
	c.SetAuthenticated("agent-7")

	d.Dispatch(c, []byte(`{"type":"send","chat_id":"chat-1","to":"buyer-2","text":"hello"}`))

	if got.ChatID != "chat-1" || got.Text != "hello" {
		t.Fatalf("send handler got %+v", got)
	}
}

func TestDispatchMalformedAndUnsupported(t *testing.T) {
	d := NewEventDispatcher()
	c, client := newTestConn("c1")
	defer client.Close()
	reader := newFrameReader(client)
	c.SetAuthenticated("agent-7")

	d.Dispatch(c, []byte(`{not json`))
	if ev := reader.nextError(t); ev.Code != protocol.CodeParseError {
		t.Fatalf("malformed frame: code = %q, want %q", ev.Code, protocol.CodeParseError)
	}

	// Well-formed but unknown event types are rejected at parse time.
	d.Dispatch(c, []byte(`{"type":"presence_subscribe"}`))
	if ev := reader.nextError(t); ev.Code != protocol.CodeParseError {
		t.Fatalf("unknown type: code = %q, want %q", ev.Code, protocol.CodeParseError)
	}

	// A known client type with no registered handler gets unsupported_type.
	d.Dispatch(c, []byte(`{"type":"typing","chat_id":"chat-1","is_typing":true}`))
	if ev := reader.nextError(t); ev.Code != protocol.CodeUnsupportedType {
		t.Fatalf("unhandled type: code = %q, want %q", ev.Code, protocol.CodeUnsupportedType)
	}
}
