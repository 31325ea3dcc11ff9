package chatclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brokeradda/chatkit/internal/protocol"
)

func testSessionConfig(g *fakeGateway) SessionConfig {
	return SessionConfig{
		ChatID:        "chat-1",
		ParticipantID: "broker-1",
		Peer:          Peer{ID: "broker-2", DisplayName: "Asha"},
		Credential:    "tok-abc",
		Channel:       testChannelConfig(g),
		Typing:        fastTypingConfig(),
	}
}

func fixedHistory(msgs ...protocol.Message) HistoryFetcher {
	return HistoryFunc(func(context.Context, string, string) ([]protocol.Message, error) {
		return msgs, nil
	})
}

func TestSessionReachesLiveEitherCompletionOrder(t *testing.T) {
	cases := []struct {
		name         string
		historyDelay time.Duration
	}{
		{"channel first", 60 * time.Millisecond},
		{"history first", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newFakeGateway(t)
			history := HistoryFunc(func(ctx context.Context, chatID, cred string) ([]protocol.Message, error) {
				if chatID != "chat-1" || cred != "tok-abc" {
					t.Errorf("history called with chat=%q cred=%q", chatID, cred)
				}
				time.Sleep(tc.historyDelay)
				return []protocol.Message{msgAt("h1", 0)}, nil
			})

			s := NewSession(testSessionConfig(g), history, nil)
			defer s.Close()

			if err := s.Open(context.Background()); err != nil {
				t.Fatalf("open failed: %v", err)
			}
			if got := s.State(); got != SessionLoading && got != SessionLive {
				t.Fatalf("expected loading, got %v", got)
			}

			waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })
			if got := s.Messages(); len(got) != 1 || got[0].ID != "h1" {
				t.Fatalf("expected history loaded, got %v", ids(got))
			}
		})
	}
}

func TestSessionHistoryFailureIsNonFatal(t *testing.T) {
	g := newFakeGateway(t)
	g.autoEcho = true
	history := HistoryFunc(func(context.Context, string, string) ([]protocol.Message, error) {
		return nil, errors.New("502 from history endpoint")
	})

	s := NewSession(testSessionConfig(g), history, nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	if !errors.Is(s.HistoryErr(), ErrHistoryUnavailable) {
		t.Fatalf("expected ErrHistoryUnavailable, got %v", s.HistoryErr())
	}
	if s.store.Len() != 0 {
		t.Fatal("expected empty store after failed history")
	}

	// Live messages still populate the empty store.
	if err := s.Send("still works", nil, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, time.Second, "echoed message", func() bool { return s.store.Len() == 1 })
}

func TestSessionSendMaterializesThroughEcho(t *testing.T) {
	g := newFakeGateway(t)
	g.autoEcho = true

	var updates []Update
	updateCh := make(chan Update, 32)
	s := NewSession(testSessionConfig(g), fixedHistory(), func(u Update) { updateCh <- u })
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	// Nothing is inserted locally at send time; the store stays empty until
	// the gateway's broadcast echo arrives.
	if err := s.Send("site visit at 4?", []string{"att://plan.pdf"}, nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitFor(t, time.Second, "echoed message", func() bool { return s.store.Len() == 1 })

	msgs := s.Messages()
	if msgs[0].Text != "site visit at 4?" || msgs[0].From != "broker-1" {
		t.Fatalf("unexpected echoed message: %+v", msgs[0])
	}
	if msgs[0].ID == "" || msgs[0].CreatedAt.IsZero() {
		t.Fatal("echoed message must carry the gateway-assigned ID and timestamp")
	}

	// A messages update was emitted for the echo.
	deadline := time.After(time.Second)
	for {
		var u Update
		select {
		case u = <-updateCh:
		case <-deadline:
			t.Fatal("no UpdateMessages notification for the echo")
		}
		updates = append(updates, u)
		if u == UpdateMessages && s.store.Len() == 1 {
			return
		}
	}
}

func TestSessionSendValidation(t *testing.T) {
	g := newFakeGateway(t)
	s := NewSession(testSessionConfig(g), fixedHistory(), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	if err := s.Send("", nil, nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	// Attachments or cards alone are enough.
	if err := s.Send("", []string{"att://a"}, nil); err != nil {
		t.Fatalf("attachment-only send failed: %v", err)
	}
	cards := []protocol.StructuredCard{{Kind: "property", RefID: "p-7"}}
	if err := s.Send("", nil, cards); err != nil {
		t.Fatalf("card-only send failed: %v", err)
	}
}

func TestSessionDegradesAndRejectsSends(t *testing.T) {
	g := newFakeGateway(t)
	s := NewSession(testSessionConfig(g), fixedHistory(), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })
	s.handleMessage(msgAt("a", 0))

	// Drop the connection and refuse all reconnects: the session degrades,
	// keeps its message list readable, and rejects sends without
	// transmitting anything.
	g.setFailNextDials(100)
	g.dropConnections()
	waitFor(t, 2*time.Second, "degraded state", func() bool { return s.State() == SessionDegraded })

	err := s.Send("draft text the UI must keep", nil, nil)
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	g.mu.Lock()
	sends := len(g.sends)
	g.mu.Unlock()
	if sends != 0 {
		t.Fatal("send while degraded must not reach the gateway")
	}

	if got := s.Messages(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("message list must stay readable while degraded, got %v", ids(got))
	}
}

func TestSessionRecoversToLive(t *testing.T) {
	g := newFakeGateway(t)
	s := NewSession(testSessionConfig(g), fixedHistory(), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	g.dropConnections()
	// Reconnect succeeds: back to live with the join re-issued.
	waitFor(t, 2*time.Second, "re-join", func() bool { return g.joinCount() == 2 })
	waitFor(t, 2*time.Second, "live again", func() bool { return s.State() == SessionLive })
}

func TestSessionPeerTypingFlow(t *testing.T) {
	g := newFakeGateway(t)
	s := NewSession(testSessionConfig(g), fixedHistory(), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	// A typing signal from our own participant ID is not the peer's.
	g.pushEvent(protocol.TypeTyping, protocol.PeerTypingEvent{ParticipantID: "broker-1", IsTyping: true})
	time.Sleep(30 * time.Millisecond)
	if s.PeerIsTyping() {
		t.Fatal("own typing signal must not flip the peer flag")
	}

	g.pushEvent(protocol.TypeTyping, protocol.PeerTypingEvent{ParticipantID: "broker-2", IsTyping: true})
	waitFor(t, time.Second, "peer typing", func() bool { return s.PeerIsTyping() })

	g.pushEvent(protocol.TypeTyping, protocol.PeerTypingEvent{ParticipantID: "broker-2", IsTyping: false})
	waitFor(t, time.Second, "peer stopped typing", func() bool { return !s.PeerIsTyping() })
}

func TestSessionOutboundTypingReachesGateway(t *testing.T) {
	g := newFakeGateway(t)
	s := NewSession(testSessionConfig(g), fixedHistory(), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	s.Keystroke()

	waitFor(t, time.Second, "typing=true at the gateway", func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.typings) >= 1 && g.typings[0].IsTyping
	})

	// After the idle timeout the trailing typing=false arrives.
	waitFor(t, time.Second, "typing=false at the gateway", func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.typings) >= 2 && !g.typings[len(g.typings)-1].IsTyping
	})
}

func TestSessionCloseDiscardsLateCompletions(t *testing.T) {
	g := newFakeGateway(t)
	release := make(chan struct{})
	history := HistoryFunc(func(context.Context, string, string) ([]protocol.Message, error) {
		<-release
		return []protocol.Message{msgAt("late", 0)}, nil
	})

	s := NewSession(testSessionConfig(g), history, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	s.Close()
	if got := s.State(); got != SessionClosed {
		t.Fatalf("expected closed, got %v", got)
	}

	// The fetch completes after teardown; it must not resurrect the session
	// or mutate the store.
	close(release)
	time.Sleep(50 * time.Millisecond)

	if s.store.Len() != 0 {
		t.Fatal("late history completion mutated a closed session's store")
	}
	if got := s.State(); got != SessionClosed {
		t.Fatalf("late completion resurrected the session: %v", got)
	}
	if s.PeerIsTyping() {
		t.Fatal("typing state survived teardown")
	}

	// All post-close operations are rejected or inert.
	if err := s.Send("x", nil, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on reopen, got %v", err)
	}
	s.Close() // idempotent
}

func TestSessionOrderingAcrossSources(t *testing.T) {
	// History returns a message at T1; the live channel then delivers one at
	// T0 < T1 plus a duplicate of the history message. Final order is by
	// timestamp with the duplicate ignored.
	g := newFakeGateway(t)
	t1 := msgAt("a", time.Second)
	s := NewSession(testSessionConfig(g), fixedHistory(t1), nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitFor(t, 2*time.Second, "live state", func() bool { return s.State() == SessionLive })

	g.pushEvent(protocol.TypeMessage, protocol.MessageEvent{Message: msgAt("b", 0)})
	g.pushEvent(protocol.TypeMessage, protocol.MessageEvent{Message: t1})

	waitFor(t, time.Second, "live message ingested", func() bool { return s.store.Len() == 2 })
	time.Sleep(20 * time.Millisecond) // give the duplicate a chance to arrive

	assertOrder(t, s.store, "b", "a")
}
