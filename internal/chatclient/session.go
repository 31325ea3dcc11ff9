package chatclient

import (
	"context"
	"log"
	"sync"

	"github.com/brokeradda/chatkit/internal/protocol"
)

// SessionState is the chat session's lifecycle state as shown to the
// presentation layer.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionLoading
	SessionLive
	SessionDegraded
	SessionClosed
)

// String returns the lowercase state name.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionLoading:
		return "loading"
	case SessionLive:
		return "live"
	case SessionDegraded:
		return "degraded"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Update identifies what changed when the session notifies its observer.
type Update int

const (
	UpdateMessages Update = iota
	UpdateState
	UpdatePeerTyping
)

// HistoryFetcher is the one-shot history endpoint contract. Implementations
// live outside this package (internal/history provides the REST client).
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, chatID, credential string) ([]protocol.Message, error)
}

// HistoryFunc adapts a plain function to HistoryFetcher.
type HistoryFunc func(ctx context.Context, chatID, credential string) ([]protocol.Message, error)

// FetchMessages implements HistoryFetcher.
func (f HistoryFunc) FetchMessages(ctx context.Context, chatID, credential string) ([]protocol.Message, error) {
	return f(ctx, chatID, credential)
}

// Peer describes the other participant of the chat.
type Peer struct {
	ID          string
	DisplayName string
	Online      bool
}

// SessionConfig configures one chat session.
type SessionConfig struct {
	ChatID        string
	ParticipantID string // the local user
	Peer          Peer
	Credential    string

	Channel ChannelConfig
	Typing  TypingConfig
}

// Session is the top-level orchestrator for one open chat screen. It owns
// exactly one Channel, one MessageStore, and one TypingIndicatorController;
// none of them are shared across sessions. Open triggers the history fetch
// and the channel bring-up concurrently; the session is live once both have
// completed. Close is terminal: timers are invalidated and the channel is
// released synchronously, and any async completion arriving afterwards is
// discarded rather than applied.
type Session struct {
	cfg     SessionConfig
	history HistoryFetcher
	notify  func(Update)

	store   *MessageStore
	typing  *TypingIndicatorController
	channel *Channel

	mu          sync.Mutex
	state       SessionState
	closed      bool
	historyDone bool
	historyErr  error
	channelOpen bool
	cancel      context.CancelFunc
}

// NewSession wires up a session's components. The notify callback (may be
// nil) is invoked whenever the message list, session state, or peer-typing
// flag changes; it may be called from background goroutines and must not
// block.
func NewSession(cfg SessionConfig, history HistoryFetcher, notify func(Update)) *Session {
	s := &Session{
		cfg:     cfg,
		history: history,
		notify:  notify,
		store:   NewMessageStore(),
		state:   SessionIdle,
	}

	s.typing = NewTypingIndicatorController(cfg.Typing,
		s.emitTyping,
		func(bool) { s.emit(UpdatePeerTyping) },
	)

	s.channel = NewChannel(cfg.Channel, cfg.ChatID, cfg.Credential, cfg.ParticipantID, channelHooks{
		onMessage: s.handleMessage,
		onTyping:  s.handleTyping,
		onState:   s.handleChannelState,
	})

	return s
}

// Open starts the session: Idle -> Loading, then the history fetch and the
// channel open run concurrently. Open returns immediately; progress is
// reported through the notify callback. Calling Open on a closed or already
// opened session returns ErrSessionClosed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.state != SessionIdle {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = SessionLoading
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.emit(UpdateState)

	go s.fetchHistory(ctx)
	go func() {
		if err := s.channel.Open(ctx); err != nil {
			log.Printf("chatclient: session chat=%s channel open failed: %v", s.cfg.ChatID, err)
		}
	}()
	return nil
}

// fetchHistory performs the one-shot fetch. A failure is non-fatal: the
// session records ErrHistoryUnavailable and proceeds with an empty store so
// live messages can still populate it.
func (s *Session) fetchHistory(ctx context.Context) {
	msgs, err := s.history.FetchMessages(ctx, s.cfg.ChatID, s.cfg.Credential)

	s.mu.Lock()
	if s.closed {
		// Late completion after teardown: discard.
		s.mu.Unlock()
		return
	}
	s.historyDone = true
	if err != nil {
		s.historyErr = ErrHistoryUnavailable
		log.Printf("chatclient: session chat=%s history unavailable: %v", s.cfg.ChatID, err)
	} else {
		s.store.LoadHistory(msgs)
	}
	s.maybeLiveLocked()
	s.mu.Unlock()

	s.emit(UpdateMessages)
	s.emit(UpdateState)
}

// Send submits a composed message. At least one of text, attachments, or
// structured cards must be non-empty, and the channel must be open; nothing
// is inserted into the store locally — the gateway's broadcast echo
// materializes the message through the normal inbound path, which keeps a
// single source of truth and avoids ghost or duplicate entries. A send that
// was transmitted but never echoed is indistinguishable from success; the
// design accepts that gap rather than pretending to confirm delivery.
func (s *Session) Send(text string, attachments []string, cards []protocol.StructuredCard) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if text == "" && len(attachments) == 0 && len(cards) == 0 {
		return ErrEmptyMessage
	}

	// The channel re-checks its own state under its lock, so a transition
	// to reconnecting between this check and the write still fails fast.
	if s.channel.State() != StateOpen {
		return ErrChannelUnavailable
	}

	return s.channel.Send(protocol.SendEvent{
		Type:            protocol.TypeSend,
		ChatID:          s.cfg.ChatID,
		To:              s.cfg.Peer.ID,
		Text:            text,
		Attachments:     attachments,
		StructuredCards: cards,
	})
}

// Keystroke records local typing activity; the controller throttles the
// outbound signal and schedules the trailing stop.
func (s *Session) Keystroke() {
	s.typing.Keystroke()
}

// Messages returns a snapshot of the ordered message list. It remains
// readable in every state, including degraded and closed.
func (s *Session) Messages() []protocol.Message {
	return s.store.Messages()
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerIsTyping returns the derived peer-typing flag.
func (s *Session) PeerIsTyping() bool {
	return s.typing.PeerIsTyping()
}

// HistoryErr returns ErrHistoryUnavailable if the history fetch failed, nil
// otherwise. The session still runs; the store just started empty.
func (s *Session) HistoryErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

// Close tears the session down: terminal and idempotent. Timers are
// invalidated and the channel released synchronously; in-flight async
// completions observe the closed flag and are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = SessionClosed
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.typing.Stop()
	s.channel.Close()
	s.emit(UpdateState)
}

// handleMessage is the channel's inbound-message hook.
func (s *Session) handleMessage(m protocol.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.store.IngestLive(m) {
		s.emit(UpdateMessages)
	}
}

// handleTyping is the channel's inbound-typing hook. Only the peer's
// signals matter; the gateway does not echo typing back to the sender, but
// a defensive gateway change should not flip our own indicator either.
func (s *Session) handleTyping(participantID string, isTyping bool) {
	if participantID != s.cfg.Peer.ID {
		return
	}
	s.typing.HandlePeerTyping(isTyping)
}

// handleChannelState maps channel connectivity onto the session state
// machine: open completes Loading -> Live (together with history) and
// recovers Degraded -> Live; reconnecting or closed while live degrades the
// session, keeping the message list readable with sends rejected.
func (s *Session) handleChannelState(cs ChannelState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	changed := false
	switch cs {
	case StateOpen:
		s.channelOpen = true
		if s.state == SessionDegraded {
			s.state = SessionLive
			changed = true
		} else {
			changed = s.maybeLiveLocked()
		}
	case StateReconnecting, StateClosed:
		s.channelOpen = false
		if s.state == SessionLive || (s.state == SessionLoading && cs == StateClosed) {
			s.state = SessionDegraded
			changed = true
		}
	case StateConnecting:
		// Initial bring-up; nothing to reflect yet.
	}
	s.mu.Unlock()

	if changed {
		s.emit(UpdateState)
	}
}

// maybeLiveLocked transitions Loading -> Live once both the history fetch
// and the channel have completed. Either may finish first. Caller holds mu.
func (s *Session) maybeLiveLocked() bool {
	if s.state == SessionLoading && s.historyDone && s.channelOpen {
		s.state = SessionLive
		return true
	}
	return false
}

// emitTyping transmits an outbound typing signal. Best effort: a channel
// that is down simply drops the signal; the peer's auto-expiry self-heals.
func (s *Session) emitTyping(isTyping bool) {
	err := s.channel.Send(protocol.TypingEvent{
		Type:     protocol.TypeTyping,
		ChatID:   s.cfg.ChatID,
		IsTyping: isTyping,
	})
	if err != nil && err != ErrChannelUnavailable {
		log.Printf("chatclient: session chat=%s typing signal failed: %v", s.cfg.ChatID, err)
	}
}

// emit invokes the notify callback outside any lock.
func (s *Session) emit(u Update) {
	if s.notify != nil {
		s.notify(u)
	}
}
